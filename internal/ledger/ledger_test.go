package ledger_test

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cryptosim/sim-engine/internal/clock"
	"github.com/cryptosim/sim-engine/internal/errs"
	"github.com/cryptosim/sim-engine/internal/ledger"
	"github.com/cryptosim/sim-engine/internal/model"
	"github.com/cryptosim/sim-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newLedger(t *testing.T) (*ledger.Ledger, *store.MemoryStore, *clock.Fake) {
	t.Helper()
	ms := store.NewMemoryStore()
	clk := clock.NewFake(t0)
	l := ledger.New(ms, clk, zerolog.Nop(), d(10000))
	if err := l.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return l, ms, clk
}

func open(t *testing.T, l *ledger.Ledger, symbol string, dir model.Direction, amount, price float64) model.Position {
	t.Helper()
	pos, err := l.ApplyOpen(context.Background(), ledger.OpenIntent{
		Symbol:     symbol,
		Direction:  dir,
		Amount:     d(amount),
		EntryPrice: d(price),
		Source:     model.SourceManual,
	})
	if err != nil {
		t.Fatalf("open %s %s: %v", symbol, dir, err)
	}
	return pos
}

func assertConserved(t *testing.T, l *ledger.Ledger) {
	t.Helper()
	snap := l.Snapshot(0)
	lhs := snap.Balance.Cash.Add(snap.MarginLocked)
	rhs := snap.Balance.Initial.Add(snap.RealizedPnL)
	if !lhs.Equal(rhs) {
		t.Fatalf("conservation broken: cash %s + margin %s != initial %s + realized %s",
			snap.Balance.Cash, snap.MarginLocked, snap.Balance.Initial, snap.RealizedPnL)
	}
	if snap.Balance.Cash.IsNegative() {
		t.Fatalf("cash went negative: %s", snap.Balance.Cash)
	}
}

func TestLoad_Genesis(t *testing.T) {
	l, _, _ := newLedger(t)
	snap := l.Snapshot(10)
	if !snap.Balance.Cash.Equal(d(10000)) || !snap.Balance.Initial.Equal(d(10000)) {
		t.Errorf("expected genesis 10000/10000, got %s/%s", snap.Balance.Initial, snap.Balance.Cash)
	}
	if len(snap.Positions) != 0 || len(snap.ClosedTrades) != 0 {
		t.Errorf("expected empty ledger, got %d positions %d trades", len(snap.Positions), len(snap.ClosedTrades))
	}
}

func TestApplyOpen_DebitsMargin(t *testing.T) {
	l, _, _ := newLedger(t)
	pos := open(t, l, "BTCUSDT", model.Long, 1000, 50000)

	if !pos.Quantity.Equal(d(0.02)) {
		t.Errorf("expected quantity 0.02, got %s", pos.Quantity)
	}
	if !pos.MarginLocked.Equal(d(1000)) {
		t.Errorf("expected margin 1000, got %s", pos.MarginLocked)
	}
	if !l.Cash().Equal(d(9000)) {
		t.Errorf("expected cash 9000, got %s", l.Cash())
	}
	if !l.HasOpen("BTCUSDT", model.Long) || l.HasOpen("BTCUSDT", model.Short) {
		t.Error("HasOpen does not reflect the open position")
	}
	assertConserved(t, l)
}

func TestApplyOpen_InsufficientFunds(t *testing.T) {
	l, _, _ := newLedger(t)
	_, err := l.ApplyOpen(context.Background(), ledger.OpenIntent{
		Symbol: "ETHUSDT", Direction: model.Long, Amount: d(10001), EntryPrice: d(2000),
	})
	if !errs.Has(err, errs.InsufficientFunds) {
		t.Fatalf("expected InsufficientFunds, got %v", err)
	}
	if !l.Cash().Equal(d(10000)) {
		t.Errorf("cash changed on rejected open: %s", l.Cash())
	}
}

func TestApplyOpen_ZeroQuantity(t *testing.T) {
	l, _, _ := newLedger(t)
	_, err := l.ApplyOpen(context.Background(), ledger.OpenIntent{
		Symbol: "BTCUSDT", Direction: model.Long, Amount: d(0.000000001), EntryPrice: d(90000),
	})
	if !errs.Has(err, errs.InvalidIntent) {
		t.Fatalf("expected InvalidIntent for dust amount, got %v", err)
	}
}

func TestApplyOpen_Exclusive(t *testing.T) {
	l, _, _ := newLedger(t)
	open(t, l, "BTCUSDT", model.Long, 100, 50000)

	intent := ledger.OpenIntent{
		Symbol: "BTCUSDT", Direction: model.Long, Amount: d(100), EntryPrice: d(50000), Exclusive: true,
	}
	if _, err := l.ApplyOpen(context.Background(), intent); !errs.Has(err, errs.PositionAlreadyOpen) {
		t.Errorf("expected PositionAlreadyOpen, got %v", err)
	}
	intent.Direction = model.Short
	if _, err := l.ApplyOpen(context.Background(), intent); !errs.Has(err, errs.OppositePositionOpen) {
		t.Errorf("expected OppositePositionOpen, got %v", err)
	}
	intent.Symbol = "ETHUSDT"
	if _, err := l.ApplyOpen(context.Background(), intent); err != nil {
		t.Errorf("other symbol should open: %v", err)
	}
}

func TestApplyClose_RealizesPnL(t *testing.T) {
	l, _, _ := newLedger(t)
	pos := open(t, l, "ETHUSDT", model.Long, 1000, 100)

	trade, err := l.ApplyClose(context.Background(), ledger.CloseIntent{
		ID: pos.ID, Reason: model.ReasonManual, ExitPrice: d(110),
	})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !trade.RealizedPnL.Equal(d(100)) {
		t.Errorf("expected realized 100, got %s", trade.RealizedPnL)
	}
	if !l.Cash().Equal(d(10100)) {
		t.Errorf("expected cash 10100, got %s", l.Cash())
	}
	if _, ok := l.Position(pos.ID); ok {
		t.Error("position still open after close")
	}
	assertConserved(t, l)
}

func TestApplyClose_Fees(t *testing.T) {
	l, _, _ := newLedger(t)
	pos := open(t, l, "ETHUSDT", model.Long, 1000, 100)

	trade, err := l.ApplyClose(context.Background(), ledger.CloseIntent{
		ID: pos.ID, Reason: model.ReasonManual, ExitPrice: d(110), FeePct: d(0.1),
	})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	// (1000 + 1100) * 0.1%
	if !trade.Fees.Equal(d(2.1)) {
		t.Errorf("expected fees 2.1, got %s", trade.Fees)
	}
	if !trade.RealizedPnL.Equal(d(97.9)) {
		t.Errorf("expected realized 97.9, got %s", trade.RealizedPnL)
	}
	assertConserved(t, l)
}

func TestApplyClose_LossCappedAtMargin(t *testing.T) {
	l, _, _ := newLedger(t)
	pos := open(t, l, "SOLUSDT", model.Short, 1000, 100)

	trade, err := l.ApplyClose(context.Background(), ledger.CloseIntent{
		ID: pos.ID, Reason: model.ReasonLiquidated, ExitPrice: d(300),
	})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !trade.RealizedPnL.Equal(d(-1000)) {
		t.Errorf("expected loss capped at -1000, got %s", trade.RealizedPnL)
	}
	if !l.Cash().Equal(d(9000)) {
		t.Errorf("expected cash 9000, got %s", l.Cash())
	}
	assertConserved(t, l)
}

func TestApplyClose_Unknown(t *testing.T) {
	l, _, _ := newLedger(t)
	_, err := l.ApplyClose(context.Background(), ledger.CloseIntent{
		ID: uuid.New(), Reason: model.ReasonManual, ExitPrice: d(1),
	})
	if !errs.Has(err, errs.UnknownPosition) {
		t.Errorf("expected UnknownPosition, got %v", err)
	}
}

func TestApplyClose_ClosedAtStrictlyIncreasing(t *testing.T) {
	l, _, _ := newLedger(t)
	a := open(t, l, "BTCUSDT", model.Long, 100, 100)
	b := open(t, l, "ETHUSDT", model.Long, 100, 100)

	// The fake clock does not move between the two closes.
	first, err := l.ApplyClose(context.Background(), ledger.CloseIntent{ID: a.ID, Reason: model.ReasonManual, ExitPrice: d(100)})
	if err != nil {
		t.Fatal(err)
	}
	second, err := l.ApplyClose(context.Background(), ledger.CloseIntent{ID: b.ID, Reason: model.ReasonManual, ExitPrice: d(100)})
	if err != nil {
		t.Fatal(err)
	}
	if !second.ClosedAt.After(first.ClosedAt) {
		t.Errorf("closed_at not strictly increasing: %s then %s", first.ClosedAt, second.ClosedAt)
	}
	if got := second.ClosedAt.Sub(first.ClosedAt); got != time.Millisecond {
		t.Errorf("expected a 1ms bump, got %s", got)
	}
}

func TestPersistenceFailure_RollsBack(t *testing.T) {
	l, ms, _ := newLedger(t)
	pos := open(t, l, "BTCUSDT", model.Long, 1000, 100)
	before := l.Snapshot(10)

	ms.FailSaves(errors.New("disk full"))

	if _, err := l.ApplyOpen(context.Background(), ledger.OpenIntent{
		Symbol: "ETHUSDT", Direction: model.Long, Amount: d(500), EntryPrice: d(10),
	}); !errs.Has(err, errs.PersistenceError) {
		t.Errorf("open: expected PersistenceError, got %v", err)
	}
	if _, err := l.ApplyClose(context.Background(), ledger.CloseIntent{
		ID: pos.ID, Reason: model.ReasonManual, ExitPrice: d(120),
	}); !errs.Has(err, errs.PersistenceError) {
		t.Errorf("close: expected PersistenceError, got %v", err)
	}
	if err := l.Reset(context.Background()); !errs.Has(err, errs.PersistenceError) {
		t.Errorf("reset: expected PersistenceError, got %v", err)
	}

	after := l.Snapshot(10)
	if !after.Balance.Cash.Equal(before.Balance.Cash) {
		t.Errorf("cash not rolled back: %s -> %s", before.Balance.Cash, after.Balance.Cash)
	}
	if len(after.Positions) != 1 || after.Positions[0].ID != pos.ID {
		t.Errorf("positions not rolled back: %+v", after.Positions)
	}
	if after.ClosedCount != 0 {
		t.Errorf("closed trades not rolled back: %d", after.ClosedCount)
	}
	assertConserved(t, l)
}

func TestReset_Idempotent(t *testing.T) {
	l, ms, clk := newLedger(t)
	pos := open(t, l, "BTCUSDT", model.Long, 1000, 100)
	if _, err := l.ApplyClose(context.Background(), ledger.CloseIntent{ID: pos.ID, Reason: model.ReasonManual, ExitPrice: d(90)}); err != nil {
		t.Fatal(err)
	}
	open(t, l, "ETHUSDT", model.Short, 500, 10)

	if err := l.Reset(context.Background()); err != nil {
		t.Fatalf("first reset: %v", err)
	}
	first := l.Snapshot(10)
	if !first.Balance.Cash.Equal(d(10000)) || !first.RealizedPnL.IsZero() {
		t.Errorf("expected cash 10000 and realized 0, got %s / %s", first.Balance.Cash, first.RealizedPnL)
	}
	if len(first.Positions) != 0 || first.ClosedCount != 0 {
		t.Error("expected empty ledger after reset")
	}
	saves := ms.Saves()

	clk.Advance(time.Minute)
	if err := l.Reset(context.Background()); err != nil {
		t.Fatalf("second reset: %v", err)
	}
	if second := l.Snapshot(10); !reflect.DeepEqual(first, second) {
		t.Errorf("second reset changed the snapshot:\nfirst  %+v\nsecond %+v", first, second)
	}
	if ms.Saves() != saves {
		t.Errorf("second reset wrote the document again")
	}
}

func TestSetCash(t *testing.T) {
	l, _, _ := newLedger(t)

	if err := l.SetCash(context.Background(), d(-1)); !errs.Has(err, errs.InvalidIntent) {
		t.Errorf("expected InvalidIntent for negative cash, got %v", err)
	}
	if err := l.SetCash(context.Background(), d(2500.5)); err != nil {
		t.Fatalf("set cash: %v", err)
	}
	if !l.Cash().Equal(d(2500.5)) {
		t.Errorf("expected cash 2500.5, got %s", l.Cash())
	}

	open(t, l, "BTCUSDT", model.Long, 100, 100)
	if err := l.SetCash(context.Background(), d(5000)); !errs.Has(err, errs.PositionsOpen) {
		t.Errorf("expected PositionsOpen, got %v", err)
	}
}

func TestLoad_RestoresState(t *testing.T) {
	l, ms, clk := newLedger(t)
	pos := open(t, l, "BTCUSDT", model.Long, 1000, 100)
	kept := open(t, l, "ETHUSDT", model.Short, 400, 20)
	clk.Advance(time.Second)
	if _, err := l.ApplyClose(context.Background(), ledger.CloseIntent{ID: pos.ID, Reason: model.ReasonTakeProfit, ExitPrice: d(103)}); err != nil {
		t.Fatal(err)
	}
	want := l.Snapshot(10)

	restored := ledger.New(ms, clk, zerolog.Nop(), d(10000))
	if err := restored.Load(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := restored.Snapshot(10)

	if !got.Balance.Cash.Equal(want.Balance.Cash) {
		t.Errorf("cash: want %s, got %s", want.Balance.Cash, got.Balance.Cash)
	}
	if !got.RealizedPnL.Equal(want.RealizedPnL) {
		t.Errorf("realized: want %s, got %s", want.RealizedPnL, got.RealizedPnL)
	}
	if len(got.Positions) != 1 || got.Positions[0].ID != kept.ID {
		t.Errorf("expected open position %s restored, got %+v", kept.ID, got.Positions)
	}
	if len(got.ClosedTrades) != 1 || got.ClosedTrades[0].CloseReason != model.ReasonTakeProfit {
		t.Errorf("expected one TP trade restored, got %+v", got.ClosedTrades)
	}
	assertConserved(t, restored)
}

func TestMarkAll_PricesEachSymbolOnce(t *testing.T) {
	l, _, _ := newLedger(t)
	open(t, l, "BTCUSDT", model.Long, 1000, 100)
	open(t, l, "BTCUSDT", model.Short, 1000, 100)
	open(t, l, "ETHUSDT", model.Long, 500, 50)

	calls := map[string]int{}
	prices := map[string]decimal.Decimal{"BTCUSDT": d(110), "ETHUSDT": d(40)}
	total, marks := l.MarkAll(func(symbol string) (decimal.Decimal, error) {
		calls[symbol]++
		return prices[symbol], nil
	})

	for sym, n := range calls {
		if n != 1 {
			t.Errorf("%s priced %d times", sym, n)
		}
	}
	if len(marks) != 3 {
		t.Fatalf("expected 3 marks, got %d", len(marks))
	}
	// +100 long, -100 short, -100 on ETH (10 units down 10)
	if !total.Equal(d(-100)) {
		t.Errorf("expected total unrealized -100, got %s", total)
	}
}

func TestMarkAll_SkipsUnpriced(t *testing.T) {
	l, _, _ := newLedger(t)
	open(t, l, "BTCUSDT", model.Long, 1000, 100)
	open(t, l, "ETHUSDT", model.Long, 1000, 100)

	total, marks := l.MarkAll(func(symbol string) (decimal.Decimal, error) {
		if symbol == "ETHUSDT" {
			return decimal.Zero, errs.New(errs.PriceUnavailable, "no quote")
		}
		return d(105), nil
	})
	if !total.Equal(d(50)) {
		t.Errorf("expected 50 from the priced position only, got %s", total)
	}
	var failed int
	for _, m := range marks {
		if m.Err != nil {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("expected one failed mark, got %d", failed)
	}
}

func TestRandomStream_Conservation(t *testing.T) {
	l, _, clk := newLedger(t)
	rng := rand.New(rand.NewSource(42))
	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		clk.Advance(time.Duration(rng.Intn(3)) * time.Millisecond)
		snap := l.Snapshot(0)

		if len(snap.Positions) == 0 || rng.Intn(2) == 0 {
			dir := model.Long
			if rng.Intn(2) == 1 {
				dir = model.Short
			}
			_, err := l.ApplyOpen(ctx, ledger.OpenIntent{
				Symbol:     symbols[rng.Intn(len(symbols))],
				Direction:  dir,
				Amount:     decimal.NewFromInt(int64(1 + rng.Intn(3000))),
				EntryPrice: decimal.NewFromInt(int64(10 + rng.Intn(190))),
			})
			if err != nil && !errs.Has(err, errs.InsufficientFunds) {
				t.Fatalf("step %d: open: %v", i, err)
			}
		} else {
			pos := snap.Positions[rng.Intn(len(snap.Positions))]
			_, err := l.ApplyClose(ctx, ledger.CloseIntent{
				ID:        pos.ID,
				Reason:    model.ReasonManual,
				ExitPrice: decimal.NewFromInt(int64(1 + rng.Intn(400))),
				FeePct:    decimal.New(int64(rng.Intn(3)), -1),
			})
			if err != nil {
				t.Fatalf("step %d: close: %v", i, err)
			}
		}
		assertConserved(t, l)
	}

	trades := l.History("")
	for i := 1; i < len(trades); i++ {
		if !trades[i].ClosedAt.After(trades[i-1].ClosedAt) {
			t.Fatalf("closed_at not increasing at %d", i)
		}
	}
}
