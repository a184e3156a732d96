// Package trade opens, marks and closes simulated positions.
//
// Every mutating operation follows the same discipline: read a view of the
// ledger, call the price oracle without holding the writer lock, then commit
// through the ledger which rechecks its preconditions under the lock. A
// commit whose preconditions no longer hold fails with
// ConcurrentModification.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cryptosim/sim-engine/internal/clock"
	"github.com/cryptosim/sim-engine/internal/errs"
	"github.com/cryptosim/sim-engine/internal/ledger"
	"github.com/cryptosim/sim-engine/internal/metrics"
	"github.com/cryptosim/sim-engine/internal/model"
	"github.com/cryptosim/sim-engine/internal/oracle"
)

// Engine executes trade intents against the ledger.
type Engine struct {
	ledger *ledger.Ledger
	oracle oracle.Oracle
	clock  clock.Clock
	feePct decimal.Decimal
	hub    *WSHub // optional
	log    zerolog.Logger
}

// NewEngine creates an engine. feePct is charged on entry and exit notional
// at close. Pass nil for hub if event broadcasting is not needed.
func NewEngine(l *ledger.Ledger, o oracle.Oracle, clk clock.Clock, feePct decimal.Decimal, hub *WSHub, logger zerolog.Logger) *Engine {
	return &Engine{
		ledger: l,
		oracle: o,
		clock:  clk,
		feePct: feePct,
		hub:    hub,
		log:    logger.With().Str("component", "trade").Logger(),
	}
}

// OpenRequest is a trade intent. A zero EntryPrice is resolved through the
// oracle.
type OpenRequest struct {
	Symbol     string          `json:"symbol"`
	Direction  model.Direction `json:"direction"`
	Amount     decimal.Decimal `json:"amount"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	TPPct      decimal.Decimal `json:"tp_pct"`
	SLPct      decimal.Decimal `json:"sl_pct"`

	Source model.Source `json:"-"`

	// Exclusive refuses the open while any position on Symbol is open.
	Exclusive bool `json:"-"`
}

// CloseRequest closes a position. A zero ExitPrice is resolved through the
// oracle; an empty Reason means MANUAL.
type CloseRequest struct {
	PositionID uuid.UUID         `json:"position_id"`
	Reason     model.CloseReason `json:"-"`
	ExitPrice  decimal.Decimal   `json:"exit_price"`
}

func (r *OpenRequest) validate() error {
	symbol, err := model.NormalizeSymbol(r.Symbol)
	if err != nil {
		return errs.Wrap(errs.InvalidIntent, err, "invalid symbol")
	}
	r.Symbol = symbol
	if !r.Direction.Valid() {
		return errs.New(errs.InvalidIntent, "direction must be LONG or SHORT")
	}
	if !r.Amount.IsPositive() {
		return errs.New(errs.InvalidIntent, "amount must be positive")
	}
	if r.EntryPrice.IsNegative() {
		return errs.New(errs.InvalidIntent, "entry_price must be positive when given")
	}
	if r.TPPct.IsNegative() || r.SLPct.IsNegative() {
		return errs.New(errs.InvalidIntent, "tp_pct and sl_pct must not be negative")
	}
	if r.Source == "" {
		r.Source = model.SourceManual
	}
	return nil
}

// Open creates a position.
func (e *Engine) Open(ctx context.Context, req OpenRequest) (model.Position, error) {
	start := time.Now()
	pos, err := e.open(ctx, req)
	metrics.TradeLatency.WithLabelValues("open").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TradeRejections.WithLabelValues(string(errs.CodeOf(err))).Inc()
		return model.Position{}, err
	}

	metrics.PositionsOpened.WithLabelValues(string(pos.Direction), string(pos.Source)).Inc()
	e.observeLedger()
	e.broadcast(Event{
		Type:      EventPositionOpened,
		Position:  &pos,
		Cash:      e.ledger.Cash().String(),
		Timestamp: pos.OpenedAt,
	})
	return pos, nil
}

func (e *Engine) open(ctx context.Context, req OpenRequest) (model.Position, error) {
	if err := req.validate(); err != nil {
		return model.Position{}, err
	}

	// Phase 1: view.
	if cash := e.ledger.Cash(); cash.LessThan(req.Amount) {
		return model.Position{}, errs.New(errs.InsufficientFunds,
			"cash %s is below required margin %s", cash, req.Amount)
	}
	if req.Exclusive {
		if err := conflict(e.ledger.OpenOn(req.Symbol), req.Direction); err != nil {
			return model.Position{}, err
		}
	}

	// Phase 2: price, without the lock.
	entry := req.EntryPrice
	if entry.IsZero() {
		p, err := e.oracle.Price(ctx, req.Symbol)
		if err != nil {
			return model.Position{}, err
		}
		entry = p
	}

	// Phase 3: commit.
	pos, err := e.ledger.ApplyOpen(ctx, ledger.OpenIntent{
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		Amount:     req.Amount,
		EntryPrice: entry,
		TPPct:      req.TPPct,
		SLPct:      req.SLPct,
		Source:     req.Source,
		Exclusive:  req.Exclusive,
	})
	if errs.Has(err, errs.InsufficientFunds) {
		return model.Position{}, errs.Wrap(errs.ConcurrentModification, err, "cash changed while pricing %s", req.Symbol)
	}
	return pos, err
}

// conflict reports the error for opening direction while open is held.
func conflict(open []model.Position, direction model.Direction) error {
	for _, p := range open {
		if p.Direction == direction {
			return errs.New(errs.PositionAlreadyOpen, "a %s position on %s is already open", p.Direction, p.Symbol)
		}
		return errs.New(errs.OppositePositionOpen, "a %s position on %s is open", p.Direction, p.Symbol)
	}
	return nil
}

// Close realizes a position.
func (e *Engine) Close(ctx context.Context, req CloseRequest) (model.ClosedTrade, error) {
	start := time.Now()
	trade, err := e.close(ctx, req)
	metrics.TradeLatency.WithLabelValues("close").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TradeRejections.WithLabelValues(string(errs.CodeOf(err))).Inc()
		return model.ClosedTrade{}, err
	}

	metrics.PositionsClosed.WithLabelValues(string(trade.CloseReason)).Inc()
	e.observeLedger()
	e.broadcast(Event{
		Type:      EventPositionClosed,
		Trade:     &trade,
		Cash:      e.ledger.Cash().String(),
		Timestamp: trade.ClosedAt,
	})
	return trade, nil
}

func (e *Engine) close(ctx context.Context, req CloseRequest) (model.ClosedTrade, error) {
	if req.PositionID == uuid.Nil {
		return model.ClosedTrade{}, errs.New(errs.InvalidIntent, "position_id is required")
	}
	if req.ExitPrice.IsNegative() {
		return model.ClosedTrade{}, errs.New(errs.InvalidIntent, "exit_price must be positive when given")
	}
	if req.Reason == "" {
		req.Reason = model.ReasonManual
	}

	pos, ok := e.ledger.Position(req.PositionID)
	if !ok {
		return model.ClosedTrade{}, errs.New(errs.UnknownPosition, "position %s is not open", req.PositionID)
	}

	exit := req.ExitPrice
	if exit.IsZero() {
		p, err := e.oracle.Price(ctx, pos.Symbol)
		if err != nil {
			return model.ClosedTrade{}, err
		}
		exit = p
	}

	trade, err := e.ledger.ApplyClose(ctx, ledger.CloseIntent{
		ID:        pos.ID,
		Reason:    req.Reason,
		ExitPrice: exit,
		FeePct:    e.feePct,
	})
	if errs.Has(err, errs.UnknownPosition) {
		return model.ClosedTrade{}, errs.Wrap(errs.ConcurrentModification, err, "position %s closed while pricing", pos.ID)
	}
	return trade, err
}

// Trigger returns the close reason a position hits at price, if any.
// Liquidation is checked before take-profit and stop-loss.
func Trigger(pos model.Position, price decimal.Decimal) (model.CloseReason, bool) {
	if pos.MarginLocked.IsPositive() && pos.Unrealized(price).LessThanOrEqual(pos.MarginLocked.Neg()) {
		return model.ReasonLiquidated, true
	}

	move := pos.MovePct(price)
	tpHit := pos.TPPct.IsPositive() && move.GreaterThanOrEqual(pos.TPPct)
	slHit := pos.SLPct.IsPositive() && move.LessThanOrEqual(pos.SLPct.Neg())
	return breakTie(tpHit, slHit, pos.TPPct, pos.SLPct)
}

// breakTie resolves simultaneous TP and SL hits: TP wins only when its
// threshold is strictly tighter than the stop.
func breakTie(tpHit, slHit bool, tp, sl decimal.Decimal) (model.CloseReason, bool) {
	switch {
	case tpHit && slHit:
		if tp.LessThan(sl) {
			return model.ReasonTakeProfit, true
		}
		return model.ReasonStopLoss, true
	case tpHit:
		return model.ReasonTakeProfit, true
	case slHit:
		return model.ReasonStopLoss, true
	}
	return "", false
}

// Valuation is the derived account view.
type Valuation struct {
	Cash                decimal.Decimal `json:"balance"`
	Initial             decimal.Decimal `json:"initial_balance"`
	CurrentPnL          decimal.Decimal `json:"current_pnl"`
	RealizedPnL         decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL       decimal.Decimal `json:"unrealized_pnl"`
	TotalValue          decimal.Decimal `json:"total_value"`
	PortfolioPnLPercent decimal.Decimal `json:"portfolio_pnl_percent"`
	MarginLocked        decimal.Decimal `json:"margin_locked"`
	OpenPositions       int             `json:"open_positions"`
	Marks               []ledger.Mark   `json:"-"`
}

// Value marks every open position and derives the account view. Positions
// whose price is unavailable contribute no unrealized P&L.
func (e *Engine) Value(ctx context.Context) Valuation {
	snap := e.ledger.Snapshot(0)
	unrealized, marks := e.ledger.MarkAll(func(symbol string) (decimal.Decimal, error) {
		return e.oracle.Price(ctx, symbol)
	})

	total := snap.Balance.Cash.Add(snap.MarginLocked).Add(unrealized)
	current := total.Sub(snap.Balance.Initial)
	pct := decimal.Zero
	if snap.Balance.Initial.IsPositive() {
		pct = current.Div(snap.Balance.Initial).Mul(model.Hundred()).Round(4)
	}

	return Valuation{
		Cash:                snap.Balance.Cash,
		Initial:             snap.Balance.Initial,
		CurrentPnL:          model.Round(current),
		RealizedPnL:         snap.RealizedPnL,
		UnrealizedPnL:       unrealized,
		TotalValue:          model.Round(total),
		PortfolioPnLPercent: pct,
		MarginLocked:        snap.MarginLocked,
		OpenPositions:       len(snap.Positions),
		Marks:               marks,
	}
}

// CheckTriggers runs one mark cycle and closes every position that hit
// liquidation, take-profit or stop-loss at its mark price.
func (e *Engine) CheckTriggers(ctx context.Context) []model.ClosedTrade {
	_, marks := e.ledger.MarkAll(func(symbol string) (decimal.Decimal, error) {
		return e.oracle.Price(ctx, symbol)
	})

	var closed []model.ClosedTrade
	for _, m := range marks {
		if m.Err != nil {
			e.log.Warn().Err(m.Err).Str("symbol", m.Position.Symbol).Msg("mark skipped")
			continue
		}
		reason, hit := Trigger(m.Position, m.Price)
		if !hit {
			continue
		}
		trade, err := e.Close(ctx, CloseRequest{PositionID: m.Position.ID, Reason: reason, ExitPrice: m.Price})
		switch {
		case errs.Has(err, errs.ConcurrentModification), errs.Has(err, errs.UnknownPosition):
			// Closed by someone else since the mark.
		case err != nil:
			e.log.Error().Err(err).Str("id", m.Position.ID.String()).Str("reason", string(reason)).Msg("trigger close failed")
		default:
			closed = append(closed, trade)
		}
	}
	return closed
}

// CloseAll closes every open position at its current mark. A position whose
// price is unavailable is closed at its entry price.
func (e *Engine) CloseAll(ctx context.Context, reason model.CloseReason) ([]model.ClosedTrade, error) {
	snap := e.ledger.Snapshot(0)
	var closed []model.ClosedTrade
	for _, pos := range snap.Positions {
		exit, err := e.oracle.Price(ctx, pos.Symbol)
		if err != nil {
			e.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("no mark, closing at entry")
			exit = pos.EntryPrice
		}
		trade, err := e.Close(ctx, CloseRequest{PositionID: pos.ID, Reason: reason, ExitPrice: exit})
		if errs.Has(err, errs.ConcurrentModification) {
			continue
		}
		if err != nil {
			return closed, err
		}
		closed = append(closed, trade)
	}
	return closed, nil
}

// Reset closes all positions at their mark with reason MANUAL, then
// restores the ledger to its initial balance.
func (e *Engine) Reset(ctx context.Context) error {
	if _, err := e.CloseAll(ctx, model.ReasonManual); err != nil {
		return err
	}
	if err := e.ledger.Reset(ctx); err != nil {
		return err
	}
	e.observeLedger()
	e.broadcast(Event{
		Type:      EventBalanceReset,
		Cash:      e.ledger.Cash().String(),
		Timestamp: e.clock.Now(),
	})
	return nil
}

// SetCash adjusts free cash. Refused while positions are open.
func (e *Engine) SetCash(ctx context.Context, cash decimal.Decimal) error {
	if err := e.ledger.SetCash(ctx, cash); err != nil {
		return err
	}
	e.observeLedger()
	return nil
}

// Run executes a mark cycle every interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.log.Info().Dur("interval", interval).Msg("mark loop started")
	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("mark loop stopped")
			return
		case <-ticker.C:
			if closed := e.CheckTriggers(ctx); len(closed) > 0 {
				e.log.Info().Int("closed", len(closed)).Msg("triggers fired")
			}
		}
	}
}

func (e *Engine) observeLedger() {
	snap := e.ledger.Snapshot(0)
	metrics.OpenPositions.Set(float64(len(snap.Positions)))
	cash, _ := snap.Balance.Cash.Float64()
	metrics.CashBalance.Set(cash)
}

func (e *Engine) broadcast(ev Event) {
	if e.hub == nil {
		return
	}
	e.hub.Broadcast(ev)
}
