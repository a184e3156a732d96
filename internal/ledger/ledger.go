// Package ledger holds the authoritative account state of the simulator:
// the cash balance, the open positions and the append-only history of
// closed trades.
//
// Every mutation persists the virtual_balance document before it returns.
// If the save fails the in-memory change is rolled back, so callers only
// ever observe states that are also on disk.
package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cryptosim/sim-engine/internal/clock"
	"github.com/cryptosim/sim-engine/internal/errs"
	"github.com/cryptosim/sim-engine/internal/model"
	"github.com/cryptosim/sim-engine/internal/store"
)

// balanceDoc is the persisted layout of the virtual_balance document.
type balanceDoc struct {
	InitialBalance decimal.Decimal     `json:"initial_balance"`
	Cash           decimal.Decimal     `json:"cash"`
	UpdatedAt      time.Time           `json:"updated_at"`
	OpenPositions  []model.Position    `json:"open_positions"`
	ClosedTrades   []model.ClosedTrade `json:"closed_trades"`
}

// OpenIntent is a fully resolved request to open a position.
type OpenIntent struct {
	Symbol     string
	Direction  model.Direction
	Amount     decimal.Decimal
	EntryPrice decimal.Decimal
	TPPct      decimal.Decimal
	SLPct      decimal.Decimal
	Source     model.Source

	// Exclusive rejects the open when any position on Symbol exists at
	// commit time.
	Exclusive bool
}

// CloseIntent is a fully resolved request to close a position.
type CloseIntent struct {
	ID        uuid.UUID
	Reason    model.CloseReason
	ExitPrice decimal.Decimal
	FeePct    decimal.Decimal
}

// Snapshot is an immutable copy of the ledger.
type Snapshot struct {
	Balance      model.Balance       `json:"balance"`
	Positions    []model.Position    `json:"open_positions"`
	ClosedTrades []model.ClosedTrade `json:"closed_trades"`
	ClosedCount  int                 `json:"closed_count"`
	RealizedPnL  decimal.Decimal     `json:"realized_pnl"`
	MarginLocked decimal.Decimal     `json:"margin_locked"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Ledger is the in-memory authoritative account. Its RWMutex is the
// writer lock of the simulator.
type Ledger struct {
	mu        sync.RWMutex
	store     store.Store
	clock     clock.Clock
	log       zerolog.Logger
	initial   decimal.Decimal
	cash      decimal.Decimal
	positions map[uuid.UUID]model.Position
	closed    []model.ClosedTrade
	realized  decimal.Decimal
	updatedAt time.Time
}

// New creates a ledger at genesis with the given initial balance. Call Load
// to restore persisted state.
func New(st store.Store, clk clock.Clock, logger zerolog.Logger, initial decimal.Decimal) *Ledger {
	if !initial.IsPositive() {
		initial = model.DefaultInitialBalance
	}
	return &Ledger{
		store:     st,
		clock:     clk,
		log:       logger.With().Str("component", "ledger").Logger(),
		initial:   initial,
		cash:      initial,
		positions: make(map[uuid.UUID]model.Position),
		updatedAt: clk.Now(),
	}
}

// Load restores the persisted document. A missing document leaves the
// ledger at genesis.
func (l *Ledger) Load(ctx context.Context) error {
	var doc balanceDoc
	err := store.LoadJSON(ctx, l.store, store.DocVirtualBalance, &doc)
	if errors.Is(err, store.ErrNotFound) {
		l.log.Info().Str("initial", l.initial.String()).Msg("no persisted balance, starting at genesis")
		return nil
	}
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if doc.InitialBalance.IsPositive() {
		l.initial = doc.InitialBalance
	}
	l.cash = doc.Cash
	l.updatedAt = doc.UpdatedAt
	l.positions = make(map[uuid.UUID]model.Position, len(doc.OpenPositions))
	for _, p := range doc.OpenPositions {
		l.positions[p.ID] = p
	}
	l.closed = append([]model.ClosedTrade(nil), doc.ClosedTrades...)
	l.realized = decimal.Zero
	for _, t := range l.closed {
		l.realized = l.realized.Add(t.RealizedPnL)
	}

	l.log.Info().
		Str("cash", l.cash.String()).
		Int("open_positions", len(l.positions)).
		Int("closed_trades", len(l.closed)).
		Msg("balance restored")
	return nil
}

// Snapshot copies the current state. tail bounds the closed trades
// returned (most recent last); tail <= 0 returns none.
func (l *Ledger) Snapshot(tail int) Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	positions := l.sortedPositions()
	margin := decimal.Zero
	for _, p := range positions {
		margin = margin.Add(p.MarginLocked)
	}

	var closed []model.ClosedTrade
	if tail > 0 {
		start := len(l.closed) - tail
		if start < 0 {
			start = 0
		}
		closed = append([]model.ClosedTrade(nil), l.closed[start:]...)
	}
	if closed == nil {
		closed = []model.ClosedTrade{}
	}

	return Snapshot{
		Balance:      model.Balance{Initial: l.initial, Cash: l.cash},
		Positions:    positions,
		ClosedTrades: closed,
		ClosedCount:  len(l.closed),
		RealizedPnL:  l.realized,
		MarginLocked: margin,
		UpdatedAt:    l.updatedAt,
	}
}

// Cash returns free cash.
func (l *Ledger) Cash() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cash
}

// Position looks up an open position.
func (l *Ledger) Position(id uuid.UUID) (model.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[id]
	return p, ok
}

// OpenOn returns the open positions on symbol.
func (l *Ledger) OpenOn(symbol string) []model.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []model.Position
	for _, p := range l.sortedPositions() {
		if p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out
}

// HasOpen reports whether a position on symbol in direction is open.
func (l *Ledger) HasOpen(symbol string, direction model.Direction) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, p := range l.positions {
		if p.Symbol == symbol && p.Direction == direction {
			return true
		}
	}
	return false
}

// History returns all closed trades, optionally filtered by source.
func (l *Ledger) History(source model.Source) []model.ClosedTrade {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]model.ClosedTrade, 0, len(l.closed))
	for _, t := range l.closed {
		if source == "" || t.Source == source {
			out = append(out, t)
		}
	}
	return out
}

// ApplyOpen creates a position, locks its margin and persists.
func (l *Ledger) ApplyOpen(ctx context.Context, in OpenIntent) (model.Position, error) {
	if !in.EntryPrice.IsPositive() {
		return model.Position{}, errs.New(errs.InvalidIntent, "entry price must be positive")
	}
	if !in.Amount.IsPositive() {
		return model.Position{}, errs.New(errs.InvalidIntent, "amount must be positive")
	}
	quantity := model.Round(in.Amount.Div(in.EntryPrice))
	if !quantity.IsPositive() {
		return model.Position{}, errs.New(errs.InvalidIntent,
			"amount %s at price %s rounds to zero quantity", in.Amount, in.EntryPrice)
	}
	margin := model.Round(in.Amount)

	l.mu.Lock()
	defer l.mu.Unlock()

	if in.Exclusive {
		for _, p := range l.positions {
			if p.Symbol != in.Symbol {
				continue
			}
			if p.Direction == in.Direction {
				return model.Position{}, errs.New(errs.PositionAlreadyOpen,
					"a %s position on %s is already open", p.Direction, p.Symbol)
			}
			return model.Position{}, errs.New(errs.OppositePositionOpen,
				"a %s position on %s is open", p.Direction, p.Symbol)
		}
	}
	if l.cash.LessThan(margin) {
		return model.Position{}, errs.New(errs.InsufficientFunds,
			"cash %s is below required margin %s", l.cash, margin)
	}

	pos := model.Position{
		ID:           l.newID(),
		Symbol:       in.Symbol,
		Direction:    in.Direction,
		Quantity:     quantity,
		EntryPrice:   model.Round(in.EntryPrice),
		TPPct:        in.TPPct,
		SLPct:        in.SLPct,
		OpenedAt:     l.clock.Now(),
		MarginLocked: margin,
		Source:       in.Source,
	}

	prevCash, prevUpdated := l.cash, l.updatedAt
	l.cash = l.cash.Sub(margin)
	l.positions[pos.ID] = pos
	l.updatedAt = pos.OpenedAt

	if err := l.persist(ctx); err != nil {
		l.cash, l.updatedAt = prevCash, prevUpdated
		delete(l.positions, pos.ID)
		l.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("open rolled back")
		return model.Position{}, err
	}

	l.log.Info().
		Str("id", pos.ID.String()).
		Str("symbol", pos.Symbol).
		Str("direction", string(pos.Direction)).
		Str("qty", pos.Quantity.String()).
		Str("entry", pos.EntryPrice.String()).
		Str("margin", margin.String()).
		Str("cash", l.cash.String()).
		Msg("position opened")
	return pos, nil
}

// ApplyClose realizes a position at the given exit price and persists.
// The realized loss is capped at the margin locked, so cash never goes
// negative.
func (l *Ledger) ApplyClose(ctx context.Context, in CloseIntent) (model.ClosedTrade, error) {
	if !in.ExitPrice.IsPositive() {
		return model.ClosedTrade{}, errs.New(errs.InvalidIntent, "exit price must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[in.ID]
	if !ok {
		return model.ClosedTrade{}, errs.New(errs.UnknownPosition, "position %s is not open", in.ID)
	}

	exit := model.Round(in.ExitPrice)
	fees := decimal.Zero
	if in.FeePct.IsPositive() {
		notional := pos.EntryPrice.Mul(pos.Quantity).Add(exit.Mul(pos.Quantity))
		fees = model.Round(notional.Mul(in.FeePct).Div(model.Hundred()))
	}
	realized := pos.Unrealized(exit).Sub(fees)
	if floor := pos.MarginLocked.Neg(); realized.LessThan(floor) {
		realized = floor
	}

	closedAt := l.clock.Now()
	if n := len(l.closed); n > 0 && !closedAt.After(l.closed[n-1].ClosedAt) {
		closedAt = l.closed[n-1].ClosedAt.Add(time.Millisecond)
	}

	trade := model.ClosedTrade{
		Position:    pos,
		ExitPrice:   exit,
		ClosedAt:    closedAt,
		RealizedPnL: realized,
		Fees:        fees,
		CloseReason: in.Reason,
	}

	prevCash, prevRealized, prevUpdated := l.cash, l.realized, l.updatedAt
	l.cash = l.cash.Add(pos.MarginLocked).Add(realized)
	l.realized = l.realized.Add(realized)
	l.closed = append(l.closed, trade)
	delete(l.positions, pos.ID)
	l.updatedAt = closedAt

	if err := l.persist(ctx); err != nil {
		l.cash, l.realized, l.updatedAt = prevCash, prevRealized, prevUpdated
		l.closed = l.closed[:len(l.closed)-1]
		l.positions[pos.ID] = pos
		l.log.Error().Err(err).Str("id", pos.ID.String()).Msg("close rolled back")
		return model.ClosedTrade{}, err
	}

	l.log.Info().
		Str("id", pos.ID.String()).
		Str("symbol", pos.Symbol).
		Str("reason", string(in.Reason)).
		Str("exit", exit.String()).
		Str("realized_pnl", realized.String()).
		Str("cash", l.cash.String()).
		Msg("position closed")
	return trade, nil
}

// Mark is the mark-to-market of one position.
type Mark struct {
	Position   model.Position
	Price      decimal.Decimal
	Unrealized decimal.Decimal
	MovePct    decimal.Decimal
	Err        error
}

// MarkAll prices every open position with priceFn and returns the sum of
// unrealized P&L over the positions that could be priced. priceFn is
// called outside the lock, at most once per symbol.
func (l *Ledger) MarkAll(priceFn func(symbol string) (decimal.Decimal, error)) (decimal.Decimal, []Mark) {
	l.mu.RLock()
	positions := l.sortedPositions()
	l.mu.RUnlock()

	type quote struct {
		price decimal.Decimal
		err   error
	}
	quotes := make(map[string]quote)
	total := decimal.Zero
	marks := make([]Mark, 0, len(positions))

	for _, p := range positions {
		q, ok := quotes[p.Symbol]
		if !ok {
			q.price, q.err = priceFn(p.Symbol)
			quotes[p.Symbol] = q
		}
		m := Mark{Position: p, Price: q.price, Err: q.err}
		if q.err == nil {
			m.Unrealized = p.Unrealized(q.price)
			m.MovePct = p.MovePct(q.price)
			total = total.Add(m.Unrealized)
		}
		marks = append(marks, m)
	}
	return total, marks
}

// Reset restores cash to the initial balance and clears positions and
// history. Callers that want open positions realized first must close
// them before calling Reset.
func (l *Ledger) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.atGenesis() {
		return nil
	}

	prevCash, prevRealized, prevUpdated := l.cash, l.realized, l.updatedAt
	prevPositions, prevClosed := l.positions, l.closed

	l.cash = l.initial
	l.realized = decimal.Zero
	l.positions = make(map[uuid.UUID]model.Position)
	l.closed = nil
	l.updatedAt = l.clock.Now()

	if err := l.persist(ctx); err != nil {
		l.cash, l.realized, l.updatedAt = prevCash, prevRealized, prevUpdated
		l.positions, l.closed = prevPositions, prevClosed
		return err
	}
	l.log.Info().Str("cash", l.cash.String()).Msg("ledger reset")
	return nil
}

// atGenesis reports whether a reset would change nothing. Callers hold mu.
func (l *Ledger) atGenesis() bool {
	return l.cash.Equal(l.initial) && l.realized.IsZero() && len(l.positions) == 0 && len(l.closed) == 0
}

// SetCash replaces free cash. It is refused while positions are open.
func (l *Ledger) SetCash(ctx context.Context, cash decimal.Decimal) error {
	if cash.IsNegative() {
		return errs.New(errs.InvalidIntent, "balance must not be negative")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.positions); n > 0 {
		return errs.New(errs.PositionsOpen, "%d positions are open; close them before changing the balance", n)
	}

	prevCash, prevUpdated := l.cash, l.updatedAt
	l.cash = model.Round(cash)
	l.updatedAt = l.clock.Now()

	if err := l.persist(ctx); err != nil {
		l.cash, l.updatedAt = prevCash, prevUpdated
		return err
	}
	l.log.Info().Str("cash", l.cash.String()).Msg("cash adjusted")
	return nil
}

// persist saves the document. Caller must hold l.mu.
func (l *Ledger) persist(ctx context.Context) error {
	doc := balanceDoc{
		InitialBalance: l.initial,
		Cash:           l.cash,
		UpdatedAt:      l.updatedAt,
		OpenPositions:  l.sortedPositions(),
		ClosedTrades:   l.closed,
	}
	if doc.ClosedTrades == nil {
		doc.ClosedTrades = []model.ClosedTrade{}
	}
	return store.SaveJSON(ctx, l.store, store.DocVirtualBalance, doc)
}

// sortedPositions copies open positions ordered by open time. Caller must
// hold l.mu.
func (l *Ledger) sortedPositions() []model.Position {
	out := make([]model.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// newID returns a uuid not used by any open position. Caller must hold l.mu.
func (l *Ledger) newID() uuid.UUID {
	for {
		id := uuid.New()
		if _, taken := l.positions[id]; !taken {
			return id
		}
	}
}
