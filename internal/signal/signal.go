// Package signal supplies trading signals from the external model service.
package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/cryptosim/sim-engine/internal/errs"
	"github.com/cryptosim/sim-engine/internal/model"
)

// Provider returns the current signal for a symbol. A nil signal with a nil
// error means the producer has nothing to say; failures are SignalUnavailable.
type Provider interface {
	CurrentSignal(ctx context.Context, symbol string) (*model.Signal, error)
}

// None is the provider used when no signal service is configured. It never
// has a signal.
type None struct{}

func (None) CurrentSignal(context.Context, string) (*model.Signal, error) {
	return nil, nil
}

// HTTPProvider fetches signals from GET <base>/signal?symbol=SYM. A 204 or a
// JSON null body means no signal.
type HTTPProvider struct {
	client  *resty.Client
	timeout time.Duration
}

// NewHTTP creates a provider against baseURL. timeout bounds every call.
func NewHTTP(baseURL string, timeout time.Duration) *HTTPProvider {
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(baseURL, "/"))
	client.SetTimeout(10 * time.Second)
	client.SetHeader("Accept", "application/json")

	return &HTTPProvider{client: client, timeout: timeout}
}

func (p *HTTPProvider) CurrentSignal(ctx context.Context, symbol string) (*model.Signal, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		Get("/signal")
	if err != nil {
		return nil, errs.Wrap(errs.SignalUnavailable, err, "fetch signal for %s", symbol)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil, nil
	default:
		return nil, errs.New(errs.SignalUnavailable,
			"signal %s: upstream status %d: %s", symbol, resp.StatusCode(), resp.String())
	}

	body := bytes.TrimSpace(resp.Body())
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}
	var sig model.Signal
	if err := json.Unmarshal(body, &sig); err != nil {
		return nil, errs.Wrap(errs.SignalUnavailable, err, "decode signal for %s", symbol)
	}
	sig.Symbol = strings.ToUpper(sig.Symbol)
	if err := sig.Validate(); err != nil {
		return nil, errs.Wrap(errs.SignalUnavailable, err, "invalid signal for %s", symbol)
	}
	return &sig, nil
}

// StaticProvider returns a preset signal. Used in tests.
type StaticProvider struct {
	mu    sync.Mutex
	sig   *model.Signal
	err   error
	calls int
}

// NewStatic creates a provider with no signal set; it reports no signal
// until Set is called.
func NewStatic() *StaticProvider {
	return &StaticProvider{}
}

// Set makes sig the current signal and clears any injected error.
func (s *StaticProvider) Set(sig model.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sig = &sig
	s.err = nil
}

// Fail makes the next calls return err.
func (s *StaticProvider) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls returns the number of CurrentSignal calls.
func (s *StaticProvider) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Clear removes the current signal.
func (s *StaticProvider) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sig = nil
	s.err = nil
}

func (s *StaticProvider) CurrentSignal(ctx context.Context, symbol string) (*model.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.SignalUnavailable, err, "signal for %s", symbol)
	}
	if s.err != nil {
		if errs.Has(s.err, errs.SignalUnavailable) {
			return nil, s.err
		}
		return nil, errs.Wrap(errs.SignalUnavailable, s.err, "signal for %s", symbol)
	}
	if s.sig == nil {
		return nil, nil
	}
	sig := *s.sig
	return &sig, nil
}
