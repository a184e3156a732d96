package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SignalDirection is the recommendation carried by a Signal.
type SignalDirection string

const (
	Buy  SignalDirection = "BUY"
	Sell SignalDirection = "SELL"
	Hold SignalDirection = "HOLD"
)

// Valid reports whether d is one of BUY, SELL, HOLD.
func (d SignalDirection) Valid() bool { return d == Buy || d == Sell || d == Hold }

// Actionable reports whether d can open a position.
func (d SignalDirection) Actionable() bool { return d == Buy || d == Sell }

// PositionDirection maps BUY→LONG and SELL→SHORT.
func (d SignalDirection) PositionDirection() Direction {
	if d == Sell {
		return Short
	}
	return Long
}

// UnmarshalJSON rejects unknown directions at the boundary.
func (d *SignalDirection) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v := SignalDirection(strings.ToUpper(s))
	if !v.Valid() {
		return fmt.Errorf("signal direction must be BUY, SELL or HOLD, got %q", s)
	}
	*d = v
	return nil
}

// Signal is the output schema of the external ML collaborator.
// A zero Price means the producer did not quote one.
type Signal struct {
	Symbol     string          `json:"symbol"`
	Direction  SignalDirection `json:"direction"`
	Confidence decimal.Decimal `json:"confidence"`
	Price      decimal.Decimal `json:"price"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Validate checks the fields a signal must carry.
func (s Signal) Validate() error {
	if _, err := NormalizeSymbol(s.Symbol); err != nil {
		return err
	}
	if !s.Direction.Valid() {
		return fmt.Errorf("invalid signal direction %q", s.Direction)
	}
	if s.Confidence.IsNegative() || s.Confidence.GreaterThan(hundred) {
		return fmt.Errorf("confidence must be within [0,100], got %s", s.Confidence)
	}
	if s.Price.IsNegative() {
		return fmt.Errorf("price must not be negative, got %s", s.Price)
	}
	return nil
}

// TraderState is the AutoTrader state machine position.
type TraderState string

const (
	StateIdle       TraderState = "IDLE"
	StateArmed      TraderState = "ARMED"
	StateEvaluating TraderState = "EVALUATING"
	StateExecuting  TraderState = "EXECUTING"
	StateRejected   TraderState = "REJECTED"
)

// AutoTradingStatus is the persisted run state of the AutoTrader.
type AutoTradingStatus struct {
	Enabled          bool        `json:"enabled"`
	SignalsProcessed int64       `json:"signals_processed"`
	LastSignalAt     *time.Time  `json:"last_signal_at"`
	LastExecutionAt  *time.Time  `json:"last_execution_at"`
	TradesExecuted   int64       `json:"trades_executed"`
	SoftErrors       int64       `json:"soft_errors"`
	State            TraderState `json:"state"`
	LastRejection    string      `json:"last_rejection,omitempty"`
}

// AmountMode selects how the AutoTrader sizes a position.
type AmountMode string

const (
	AmountFixed      AmountMode = "FIXED"
	AmountPercentage AmountMode = "PERCENTAGE"
)

func (m *AmountMode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v := AmountMode(strings.ToUpper(s))
	if v != AmountFixed && v != AmountPercentage {
		return fmt.Errorf("amount_mode must be FIXED or PERCENTAGE, got %q", s)
	}
	*m = v
	return nil
}

// AutoTradingSettings configures gates and sizing of the AutoTrader.
type AutoTradingSettings struct {
	Symbol              string          `json:"symbol"`
	ConfidenceThreshold decimal.Decimal `json:"confidence_threshold"`
	AmountMode          AmountMode      `json:"amount_mode"`
	FixedAmount         decimal.Decimal `json:"fixed_amount"`
	PercentageAmount    decimal.Decimal `json:"percentage_amount"`
	TakeProfitPct       decimal.Decimal `json:"take_profit_pct"`
	StopLossPct         decimal.Decimal `json:"stop_loss_pct"`
	RiskPerTradePct     decimal.Decimal `json:"risk_per_trade_pct"`
}

// DefaultSettings returns the cold-start settings.
func DefaultSettings() AutoTradingSettings {
	return AutoTradingSettings{
		Symbol:              "BTCUSDT",
		ConfidenceThreshold: decimal.NewFromInt(70),
		AmountMode:          AmountFixed,
		FixedAmount:         decimal.NewFromInt(100),
		PercentageAmount:    decimal.NewFromInt(10),
		TakeProfitPct:       decimal.NewFromInt(3),
		StopLossPct:         decimal.NewFromInt(2),
		RiskPerTradePct:     decimal.NewFromInt(2),
	}
}

// Validate checks ranges of every field.
func (s AutoTradingSettings) Validate() error {
	if _, err := NormalizeSymbol(s.Symbol); err != nil {
		return err
	}
	if s.AmountMode != AmountFixed && s.AmountMode != AmountPercentage {
		return fmt.Errorf("invalid amount_mode %q", s.AmountMode)
	}
	for name, v := range map[string]decimal.Decimal{
		"confidence_threshold": s.ConfidenceThreshold,
		"percentage_amount":    s.PercentageAmount,
		"risk_per_trade_pct":   s.RiskPerTradePct,
	} {
		if v.IsNegative() || v.GreaterThan(hundred) {
			return fmt.Errorf("%s must be within [0,100], got %s", name, v)
		}
	}
	for name, v := range map[string]decimal.Decimal{
		"fixed_amount":    s.FixedAmount,
		"take_profit_pct": s.TakeProfitPct,
		"stop_loss_pct":   s.StopLossPct,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%s must not be negative, got %s", name, v)
		}
	}
	return nil
}

// SettingsPatch is a partial settings update; nil fields are left unchanged.
type SettingsPatch struct {
	Symbol              *string          `json:"symbol"`
	ConfidenceThreshold *decimal.Decimal `json:"confidence_threshold"`
	AmountMode          *AmountMode      `json:"amount_mode"`
	FixedAmount         *decimal.Decimal `json:"fixed_amount"`
	PercentageAmount    *decimal.Decimal `json:"percentage_amount"`
	TakeProfitPct       *decimal.Decimal `json:"take_profit_pct"`
	StopLossPct         *decimal.Decimal `json:"stop_loss_pct"`
	RiskPerTradePct     *decimal.Decimal `json:"risk_per_trade_pct"`
}

// Apply returns s with the supplied fields of p replaced.
func (p SettingsPatch) Apply(s AutoTradingSettings) AutoTradingSettings {
	if p.Symbol != nil {
		s.Symbol = strings.ToUpper(strings.TrimSpace(*p.Symbol))
	}
	if p.ConfidenceThreshold != nil {
		s.ConfidenceThreshold = *p.ConfidenceThreshold
	}
	if p.AmountMode != nil {
		s.AmountMode = *p.AmountMode
	}
	if p.FixedAmount != nil {
		s.FixedAmount = *p.FixedAmount
	}
	if p.PercentageAmount != nil {
		s.PercentageAmount = *p.PercentageAmount
	}
	if p.TakeProfitPct != nil {
		s.TakeProfitPct = *p.TakeProfitPct
	}
	if p.StopLossPct != nil {
		s.StopLossPct = *p.StopLossPct
	}
	if p.RiskPerTradePct != nil {
		s.RiskPerTradePct = *p.RiskPerTradePct
	}
	return s
}
