// Package autotrader turns model signals into trade intents.
//
// A Trader polls its signal provider every tick while enabled, gates the
// signal on direction and confidence, sizes the position from free cash and
// submits an exclusive open to the trade engine. Status and settings are
// persisted as their own documents.
package autotrader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cryptosim/sim-engine/internal/clock"
	"github.com/cryptosim/sim-engine/internal/errs"
	"github.com/cryptosim/sim-engine/internal/ledger"
	"github.com/cryptosim/sim-engine/internal/metrics"
	"github.com/cryptosim/sim-engine/internal/model"
	"github.com/cryptosim/sim-engine/internal/signal"
	"github.com/cryptosim/sim-engine/internal/store"
	"github.com/cryptosim/sim-engine/internal/trade"
)

// RecentCapacity is the number of evaluated signals kept for inspection.
const RecentCapacity = 50

// Outcome values recorded for evaluated signals.
const (
	OutcomeExecuted = "EXECUTED"
	OutcomeRejected = "REJECTED"
	OutcomeFailed   = "FAILED"
)

// Record is one evaluated signal.
type Record struct {
	Signal      model.Signal `json:"signal"`
	Outcome     string       `json:"outcome"`
	Reason      string       `json:"reason,omitempty"`
	PositionID  *uuid.UUID   `json:"position_id,omitempty"`
	EvaluatedAt time.Time    `json:"evaluated_at"`
}

// Trader is the auto-trading control loop.
type Trader struct {
	mu       sync.Mutex
	status   model.AutoTradingStatus
	settings model.AutoTradingSettings
	recent   []Record

	engine   *trade.Engine
	ledger   *ledger.Ledger
	provider signal.Provider
	store    store.Store
	clock    clock.Clock
	log      zerolog.Logger
}

// New creates a disabled trader with default settings. Call Load to restore
// persisted state.
func New(eng *trade.Engine, l *ledger.Ledger, p signal.Provider, st store.Store, clk clock.Clock, logger zerolog.Logger) *Trader {
	return &Trader{
		status:   model.AutoTradingStatus{State: model.StateIdle},
		settings: model.DefaultSettings(),
		engine:   eng,
		ledger:   l,
		provider: p,
		store:    st,
		clock:    clk,
		log:      logger.With().Str("component", "autotrader").Logger(),
	}
}

// Load restores status and settings. Missing documents keep the defaults.
func (t *Trader) Load(ctx context.Context) error {
	var status model.AutoTradingStatus
	switch err := store.LoadJSON(ctx, t.store, store.DocAutoTradingStatus, &status); {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return err
	default:
		status.State = model.StateIdle
		if status.Enabled {
			status.State = model.StateArmed
		}
		t.mu.Lock()
		t.status = status
		t.mu.Unlock()
	}

	settings := model.DefaultSettings()
	switch err := store.LoadJSON(ctx, t.store, store.DocAutoTradingSettings, &settings); {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return err
	default:
		if err := settings.Validate(); err != nil {
			return errs.Wrap(errs.PersistenceError, err, "stored settings are invalid")
		}
		t.mu.Lock()
		t.settings = settings
		t.mu.Unlock()
	}

	st := t.Status()
	t.log.Info().
		Bool("enabled", st.Enabled).
		Int64("signals_processed", st.SignalsProcessed).
		Str("symbol", t.Settings().Symbol).
		Msg("auto trader loaded")
	return nil
}

// Status returns a copy of the current status.
func (t *Trader) Status() model.AutoTradingStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyStatus(t.status)
}

// Settings returns the current settings.
func (t *Trader) Settings() model.AutoTradingSettings {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settings
}

// Toggle enables or disables auto trading. Setting the current value again
// changes nothing.
func (t *Trader) Toggle(ctx context.Context, enabled bool) (model.AutoTradingStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.Enabled == enabled {
		return copyStatus(t.status), nil
	}

	prev := t.status
	t.status.Enabled = enabled
	t.status.State = model.StateIdle
	if enabled {
		t.status.State = model.StateArmed
	}
	if err := store.SaveJSON(ctx, t.store, store.DocAutoTradingStatus, t.status); err != nil {
		t.status = prev
		return copyStatus(t.status), err
	}

	t.log.Info().Bool("enabled", enabled).Msg("auto trading toggled")
	return copyStatus(t.status), nil
}

// UpdateSettings applies a partial update. The merged settings must be valid.
func (t *Trader) UpdateSettings(ctx context.Context, patch model.SettingsPatch) (model.AutoTradingSettings, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := patch.Apply(t.settings)
	if err := next.Validate(); err != nil {
		return t.settings, errs.Wrap(errs.InvalidIntent, err, "invalid settings")
	}
	if err := store.SaveJSON(ctx, t.store, store.DocAutoTradingSettings, next); err != nil {
		return t.settings, err
	}
	t.settings = next

	t.log.Info().
		Str("symbol", next.Symbol).
		Str("threshold", next.ConfidenceThreshold.String()).
		Str("amount_mode", string(next.AmountMode)).
		Msg("auto trading settings updated")
	return next, nil
}

// CurrentSignal asks the provider for the configured symbol's signal. A nil
// signal means the provider has none.
func (t *Trader) CurrentSignal(ctx context.Context) (*model.Signal, error) {
	return t.provider.CurrentSignal(ctx, t.Settings().Symbol)
}

// RecentSignals returns up to n evaluated signals, oldest first.
func (t *Trader) RecentSignals(n int) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n <= 0 || n > len(t.recent) {
		n = len(t.recent)
	}
	out := make([]Record, n)
	copy(out, t.recent[len(t.recent)-n:])
	return out
}

// Reset zeroes the counters and forgets recent signals. Enabled and the
// settings are kept.
func (t *Trader) Reset(ctx context.Context) (model.AutoTradingStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.status
	t.status = model.AutoTradingStatus{Enabled: prev.Enabled, State: model.StateIdle}
	if prev.Enabled {
		t.status.State = model.StateArmed
	}
	if err := store.SaveJSON(ctx, t.store, store.DocAutoTradingStatus, t.status); err != nil {
		t.status = prev
		return copyStatus(t.status), err
	}
	t.recent = nil

	t.log.Info().Msg("auto trading counters reset")
	return copyStatus(t.status), nil
}

// Tick runs one control cycle: nothing when disabled, a soft error when the
// provider fails, otherwise the signal is evaluated.
func (t *Trader) Tick(ctx context.Context) {
	t.mu.Lock()
	enabled, symbol := t.status.Enabled, t.settings.Symbol
	t.mu.Unlock()
	if !enabled {
		return
	}

	sig, err := t.provider.CurrentSignal(ctx, symbol)
	if err != nil {
		t.softError(err)
		return
	}
	if sig == nil {
		return
	}
	if sig.Symbol == "" {
		sig.Symbol = symbol
	}

	rec, err := t.evaluate(ctx, *sig)
	switch {
	case err == nil:
	case errs.KindOf(errs.CodeOf(err)) == errs.KindDependency:
		t.softError(err)
	case rec.Outcome == OutcomeFailed:
		t.log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("signal execution failed")
	}
}

// ExecuteSignal evaluates sig as if a tick had received it. Gate
// rejections return SignalRejected; open failures return the engine error.
func (t *Trader) ExecuteSignal(ctx context.Context, sig model.Signal) (Record, error) {
	symbol, err := model.NormalizeSymbol(sig.Symbol)
	if err != nil {
		return Record{}, errs.Wrap(errs.InvalidIntent, err, "invalid signal")
	}
	sig.Symbol = symbol
	if err := sig.Validate(); err != nil {
		return Record{}, errs.Wrap(errs.InvalidIntent, err, "invalid signal")
	}

	t.mu.Lock()
	enabled := t.status.Enabled
	t.mu.Unlock()
	if !enabled {
		return Record{}, errs.New(errs.AutoTradingDisabled, "auto trading is disabled")
	}

	return t.evaluate(ctx, sig)
}

// Run ticks every interval until ctx is cancelled.
func (t *Trader) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.log.Info().Dur("interval", interval).Msg("auto trader loop started")
	for {
		select {
		case <-ctx.Done():
			t.log.Info().Msg("auto trader loop stopped")
			return
		case <-ticker.C:
			t.Tick(ctx)
		}
	}
}

func (t *Trader) evaluate(ctx context.Context, sig model.Signal) (Record, error) {
	now := t.clock.Now()
	if sig.Timestamp.IsZero() {
		sig.Timestamp = now
	}

	t.mu.Lock()
	t.status.SignalsProcessed++
	t.status.LastSignalAt = &now
	t.status.State = model.StateEvaluating
	settings := t.settings
	t.mu.Unlock()

	rec := Record{Signal: sig, EvaluatedAt: now}

	if !sig.Direction.Actionable() {
		return t.reject(ctx, rec, errs.New(errs.SignalRejected, "direction %s is not actionable", sig.Direction))
	}
	if sig.Confidence.LessThan(settings.ConfidenceThreshold) {
		return t.reject(ctx, rec, errs.New(errs.SignalRejected,
			"confidence %s is below threshold %s", sig.Confidence, settings.ConfidenceThreshold))
	}

	direction := sig.Direction.PositionDirection()
	for _, p := range t.ledger.OpenOn(sig.Symbol) {
		if p.Direction == direction {
			return t.reject(ctx, rec, errs.New(errs.PositionAlreadyOpen,
				"a %s position on %s is already open", direction, sig.Symbol))
		}
		return t.reject(ctx, rec, errs.New(errs.OppositePositionOpen,
			"a %s position on %s is open; not flipping", p.Direction, sig.Symbol))
	}

	amount := Size(settings, t.ledger.Cash())
	if !amount.IsPositive() {
		return t.reject(ctx, rec, errs.New(errs.SignalRejected, "sized amount is zero"))
	}

	t.setState(model.StateExecuting)
	pos, err := t.engine.Open(ctx, trade.OpenRequest{
		Symbol:     sig.Symbol,
		Direction:  direction,
		Amount:     amount,
		EntryPrice: sig.Price,
		TPPct:      settings.TakeProfitPct,
		SLPct:      settings.StopLossPct,
		Source:     model.SourceAuto,
		Exclusive:  true,
	})
	if err != nil {
		if errs.KindOf(errs.CodeOf(err)) == errs.KindBusiness {
			return t.reject(ctx, rec, err)
		}
		rec.Outcome = OutcomeFailed
		rec.Reason = err.Error()
		t.finish(ctx, rec, nil)
		metrics.SignalsEvaluated.WithLabelValues("failed").Inc()
		return rec, err
	}

	rec.Outcome = OutcomeExecuted
	rec.PositionID = &pos.ID
	t.finish(ctx, rec, &now)
	metrics.SignalsEvaluated.WithLabelValues("executed").Inc()

	t.log.Info().
		Str("symbol", sig.Symbol).
		Str("direction", string(direction)).
		Str("confidence", sig.Confidence.String()).
		Str("amount", amount.String()).
		Str("position_id", pos.ID.String()).
		Msg("signal executed")
	return rec, nil
}

func (t *Trader) reject(ctx context.Context, rec Record, cause error) (Record, error) {
	rec.Outcome = OutcomeRejected
	var e *errs.Error
	if errors.As(cause, &e) {
		rec.Reason = e.Message
	} else {
		rec.Reason = cause.Error()
	}
	t.finish(ctx, rec, nil)
	metrics.SignalsEvaluated.WithLabelValues("rejected").Inc()

	t.log.Debug().
		Str("symbol", rec.Signal.Symbol).
		Str("direction", string(rec.Signal.Direction)).
		Str("reason", rec.Reason).
		Msg("signal rejected")
	return rec, cause
}

// finish records the outcome, returns the state machine to rest and
// persists the status. A failed status save is logged and counted; the
// in-memory counters stay monotonic.
func (t *Trader) finish(ctx context.Context, rec Record, executedAt *time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if executedAt != nil {
		at := *executedAt
		t.status.LastExecutionAt = &at
		t.status.TradesExecuted++
	}
	t.status.LastRejection = ""
	if rec.Outcome != OutcomeExecuted {
		t.status.LastRejection = rec.Reason
	}
	t.status.State = model.StateIdle
	if t.status.Enabled {
		t.status.State = model.StateArmed
	}

	t.recent = append(t.recent, rec)
	if over := len(t.recent) - RecentCapacity; over > 0 {
		t.recent = append([]Record(nil), t.recent[over:]...)
	}

	if err := store.SaveJSON(ctx, t.store, store.DocAutoTradingStatus, t.status); err != nil {
		t.status.SoftErrors++
		t.log.Error().Err(err).Msg("persist auto trading status")
	}
}

func (t *Trader) softError(cause error) {
	metrics.AutoTraderSoftErrors.Inc()
	t.mu.Lock()
	t.status.SoftErrors++
	n := t.status.SoftErrors
	t.mu.Unlock()
	t.log.Warn().Err(cause).Int64("soft_errors", n).Msg("dependency unavailable")
}

func (t *Trader) setState(s model.TraderState) {
	t.mu.Lock()
	t.status.State = s
	t.mu.Unlock()
}

// Size computes the amount to commit for settings given free cash: the fixed
// amount or a percentage of cash, never more than cash.
func Size(s model.AutoTradingSettings, cash decimal.Decimal) decimal.Decimal {
	if !cash.IsPositive() {
		return decimal.Zero
	}

	var amount decimal.Decimal
	switch s.AmountMode {
	case model.AmountPercentage:
		amount = cash.Mul(s.PercentageAmount).Div(model.Hundred())
	default:
		amount = s.FixedAmount
	}

	amount = decimal.Min(amount, cash)
	if amount.IsNegative() {
		return decimal.Zero
	}
	return model.Round(amount)
}

func copyStatus(s model.AutoTradingStatus) model.AutoTradingStatus {
	if s.LastSignalAt != nil {
		at := *s.LastSignalAt
		s.LastSignalAt = &at
	}
	if s.LastExecutionAt != nil {
		at := *s.LastExecutionAt
		s.LastExecutionAt = &at
	}
	return s
}

// Summary aggregates auto-initiated closed trades.
type Summary struct {
	Count         int             `json:"count"`
	WinningTrades int             `json:"winning_trades"`
	LosingTrades  int             `json:"losing_trades"`
	WinRate       decimal.Decimal `json:"win_rate"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
}

// History returns auto-initiated closed trades and their summary.
func (t *Trader) History() ([]model.ClosedTrade, Summary) {
	trades := t.ledger.History(model.SourceAuto)
	sum := Summary{Count: len(trades), WinRate: decimal.Zero, RealizedPnL: decimal.Zero}
	for _, tr := range trades {
		switch {
		case tr.RealizedPnL.IsPositive():
			sum.WinningTrades++
		case tr.RealizedPnL.IsNegative():
			sum.LosingTrades++
		}
		sum.RealizedPnL = sum.RealizedPnL.Add(tr.RealizedPnL)
	}
	if sum.Count > 0 {
		sum.WinRate = decimal.NewFromInt(int64(sum.WinningTrades)).
			Div(decimal.NewFromInt(int64(sum.Count))).
			Mul(model.Hundred()).Round(2)
	}
	return trades, sum
}
