// Package oracle resolves the current mark price of a symbol.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cryptosim/sim-engine/internal/errs"
	"github.com/cryptosim/sim-engine/internal/metrics"
	"github.com/cryptosim/sim-engine/internal/model"
)

// Oracle returns a positive price for a symbol or a PriceUnavailable error.
type Oracle interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Func adapts a function to the Oracle interface.
type Func func(ctx context.Context, symbol string) (decimal.Decimal, error)

func (f Func) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f(ctx, symbol)
}

// timed bounds each lookup and records oracle metrics.
type timed struct {
	inner   Oracle
	timeout time.Duration
}

// WithTimeout wraps o so each lookup runs under its own deadline. Every
// failure, including a non-positive price, surfaces as PriceUnavailable.
func WithTimeout(o Oracle, timeout time.Duration) Oracle {
	return &timed{inner: o, timeout: timeout}
}

func (t *timed) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	start := time.Now()
	price, err := t.inner.Price(ctx, symbol)
	metrics.OracleLatency.Observe(time.Since(start).Seconds())

	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		metrics.OracleRequests.WithLabelValues("timeout").Inc()
		return decimal.Zero, errs.Wrap(errs.PriceUnavailable, err, "price of %s timed out after %s", symbol, t.timeout)
	case err != nil:
		metrics.OracleRequests.WithLabelValues("error").Inc()
		if errs.Has(err, errs.PriceUnavailable) {
			return decimal.Zero, err
		}
		return decimal.Zero, errs.Wrap(errs.PriceUnavailable, err, "price of %s", symbol)
	case !price.IsPositive():
		metrics.OracleRequests.WithLabelValues("error").Inc()
		return decimal.Zero, errs.New(errs.PriceUnavailable, "oracle returned non-positive price %s for %s", price, symbol)
	}
	metrics.OracleRequests.WithLabelValues("ok").Inc()
	return model.Round(price), nil
}

// StaticOracle serves prices from a table. It is used in tests and when
// STATIC_PRICES is configured.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	err    error
	calls  int
}

// NewStatic creates a StaticOracle seeded with prices.
func NewStatic(prices map[string]decimal.Decimal) *StaticOracle {
	s := &StaticOracle{prices: make(map[string]decimal.Decimal, len(prices))}
	for sym, p := range prices {
		s.prices[sym] = p
	}
	return s
}

// Set updates the price of symbol.
func (s *StaticOracle) Set(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

// Fail makes every lookup return err until called with nil.
func (s *StaticOracle) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls returns the number of lookups served.
func (s *StaticOracle) Calls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls
}

func (s *StaticOracle) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return decimal.Zero, s.err
	}
	p, ok := s.prices[symbol]
	if !ok {
		return decimal.Zero, errs.New(errs.PriceUnavailable, "no price for %s", symbol)
	}
	return p, nil
}

// ParseStatic parses "BTCUSDT=50000,ETHUSDT=3000" into a price table.
func ParseStatic(table string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal)
	for _, pair := range strings.Split(table, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		sym, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("static price %q: expected SYMBOL=PRICE", pair)
		}
		symbol, err := model.NormalizeSymbol(sym)
		if err != nil {
			return nil, err
		}
		price, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("static price for %s: %w", symbol, err)
		}
		if !price.IsPositive() {
			return nil, fmt.Errorf("static price for %s must be positive", symbol)
		}
		prices[symbol] = price
	}
	if len(prices) == 0 {
		return nil, errors.New("no static prices given")
	}
	return prices, nil
}
