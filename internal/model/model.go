// Package model defines the core domain types shared across the simulator.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept for money and prices.
const Scale int32 = 8

var (
	// DefaultInitialBalance is the genesis balance of a fresh ledger.
	DefaultInitialBalance = decimal.NewFromInt(10000)

	hundred = decimal.NewFromInt(100)

	symbolRegex = regexp.MustCompile(`^[A-Z0-9]{2,20}$`)
)

// Hundred returns the decimal 100, used for percentage conversions.
func Hundred() decimal.Decimal { return hundred }

// Round rounds a quantity to Scale fractional digits.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// Instant normalizes a time to UTC with millisecond resolution.
func Instant(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// NormalizeSymbol upper-cases a ticker and validates it.
func NormalizeSymbol(s string) (string, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if !symbolRegex.MatchString(s) {
		return "", fmt.Errorf("invalid symbol %q", s)
	}
	return s, nil
}

// Direction is the side of an open position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool { return d == Long || d == Short }

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

func (d *Direction) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v := Direction(strings.ToUpper(s))
	if !v.Valid() {
		return fmt.Errorf("direction must be LONG or SHORT, got %q", s)
	}
	*d = v
	return nil
}

// CloseReason records why a position left the open set.
type CloseReason string

const (
	ReasonTakeProfit CloseReason = "TP"
	ReasonStopLoss   CloseReason = "SL"
	ReasonManual     CloseReason = "MANUAL"
	ReasonLiquidated CloseReason = "LIQUIDATED"
)

// Source records who opened a position.
type Source string

const (
	SourceManual Source = "MANUAL"
	SourceAuto   Source = "AUTO"
)

// Position is an open commitment in one direction with locked margin.
type Position struct {
	ID           uuid.UUID       `json:"id"`
	Symbol       string          `json:"symbol"`
	Direction    Direction       `json:"direction"`
	Quantity     decimal.Decimal `json:"quantity"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	TPPct        decimal.Decimal `json:"tp_pct"`
	SLPct        decimal.Decimal `json:"sl_pct"`
	OpenedAt     time.Time       `json:"opened_at"`
	MarginLocked decimal.Decimal `json:"margin_locked"`
	Source       Source          `json:"source"`
}

// Unrealized returns the mark-to-market P&L of p at price.
func (p Position) Unrealized(price decimal.Decimal) decimal.Decimal {
	diff := price.Sub(p.EntryPrice)
	if p.Direction == Short {
		diff = diff.Neg()
	}
	return Round(diff.Mul(p.Quantity))
}

// MovePct returns the percentage move of price relative to entry, signed
// so that a favourable move is positive for either direction.
func (p Position) MovePct(price decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	move := price.Sub(p.EntryPrice).Div(p.EntryPrice).Mul(hundred)
	if p.Direction == Short {
		move = move.Neg()
	}
	return move
}

// ClosedTrade is an immutable record of a position at close time.
type ClosedTrade struct {
	Position
	ExitPrice   decimal.Decimal `json:"exit_price"`
	ClosedAt    time.Time       `json:"closed_at"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Fees        decimal.Decimal `json:"fees"`
	CloseReason CloseReason     `json:"close_reason"`
}

// Balance is the cash side of the ledger.
type Balance struct {
	Initial decimal.Decimal `json:"initial_balance"`
	Cash    decimal.Decimal `json:"cash"`
}
