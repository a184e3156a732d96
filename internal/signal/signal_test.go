package signal_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cryptosim/sim-engine/internal/errs"
	"github.com/cryptosim/sim-engine/internal/model"
	"github.com/cryptosim/sim-engine/internal/signal"
)

func newSignalServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/signal" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPProvider_Decodes(t *testing.T) {
	srv := newSignalServer(t, `{"symbol":"btcusdt","direction":"BUY","confidence":"82.5","price":"50000","timestamp":"2025-03-01T12:00:00Z"}`, http.StatusOK)
	p := signal.NewHTTP(srv.URL+"/", time.Second)

	sig, err := p.CurrentSignal(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if sig == nil {
		t.Fatal("expected a signal")
	}
	if sig.Symbol != "BTCUSDT" || sig.Direction != model.Buy {
		t.Errorf("unexpected signal %+v", sig)
	}
	if !sig.Confidence.Equal(decimal.NewFromFloat(82.5)) {
		t.Errorf("expected confidence 82.5, got %s", sig.Confidence)
	}
}

func TestHTTPProvider_RejectsUnknownDirection(t *testing.T) {
	srv := newSignalServer(t, `{"symbol":"BTCUSDT","direction":"MOON","confidence":"90"}`, http.StatusOK)
	_, err := signal.NewHTTP(srv.URL, time.Second).CurrentSignal(context.Background(), "BTCUSDT")
	if !errs.Has(err, errs.SignalUnavailable) {
		t.Errorf("expected SignalUnavailable, got %v", err)
	}
}

func TestHTTPProvider_UpstreamError(t *testing.T) {
	srv := newSignalServer(t, `{"detail":"model not loaded"}`, http.StatusServiceUnavailable)
	_, err := signal.NewHTTP(srv.URL, time.Second).CurrentSignal(context.Background(), "BTCUSDT")
	if !errs.Has(err, errs.SignalUnavailable) {
		t.Errorf("expected SignalUnavailable, got %v", err)
	}
}

func TestHTTPProvider_NoSignal(t *testing.T) {
	for name, srv := range map[string]*httptest.Server{
		"no content": newSignalServer(t, "", http.StatusNoContent),
		"null body":  newSignalServer(t, "null", http.StatusOK),
	} {
		t.Run(name, func(t *testing.T) {
			sig, err := signal.NewHTTP(srv.URL, time.Second).CurrentSignal(context.Background(), "BTCUSDT")
			if err != nil || sig != nil {
				t.Errorf("expected no signal and no error, got %+v, %v", sig, err)
			}
		})
	}
}

func TestHTTPProvider_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	_, err := signal.NewHTTP(srv.URL, 20*time.Millisecond).CurrentSignal(context.Background(), "BTCUSDT")
	if !errs.Has(err, errs.SignalUnavailable) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected SignalUnavailable wrapping a deadline, got %v", err)
	}
}

func TestNone(t *testing.T) {
	sig, err := signal.None{}.CurrentSignal(context.Background(), "BTCUSDT")
	if err != nil || sig != nil {
		t.Errorf("expected no signal and no error, got %+v, %v", sig, err)
	}
}

func TestStaticProvider(t *testing.T) {
	p := signal.NewStatic()
	if sig, err := p.CurrentSignal(context.Background(), "BTCUSDT"); err != nil || sig != nil {
		t.Errorf("expected no signal before Set, got %+v, %v", sig, err)
	}

	p.Set(model.Signal{Symbol: "BTCUSDT", Direction: model.Sell, Confidence: decimal.NewFromInt(75)})
	sig, err := p.CurrentSignal(context.Background(), "BTCUSDT")
	if err != nil || sig == nil || sig.Direction != model.Sell {
		t.Errorf("expected SELL signal, got %+v, %v", sig, err)
	}

	p.Fail(errors.New("timeout"))
	if _, err := p.CurrentSignal(context.Background(), "BTCUSDT"); !errs.Has(err, errs.SignalUnavailable) {
		t.Errorf("expected wrapped SignalUnavailable, got %v", err)
	}
	if p.Calls() != 3 {
		t.Errorf("expected 3 calls, got %d", p.Calls())
	}
}
