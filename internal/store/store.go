// Package store defines the persistence interface for the simulator.
// Implementations include the local file store (default), PostgreSQL,
// a Redis read-through cache, and in-memory (for testing).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cryptosim/sim-engine/internal/errs"
)

// Document names. Each holds one JSON document.
const (
	DocVirtualBalance      = "virtual_balance"
	DocAutoTradingStatus   = "auto_trading_status"
	DocAutoTradingSettings = "auto_trading_settings"
)

// ErrNotFound is returned by Load when a document has never been saved.
var ErrNotFound = errors.New("store: document not found")

// Store is the persistence interface over named JSON documents.
type Store interface {
	// Load returns the raw document, or ErrNotFound.
	Load(ctx context.Context, name string) ([]byte, error)

	// Save atomically replaces the document. A successful Save is visible
	// to every subsequent Load.
	Save(ctx context.Context, name string, doc []byte) error
}

// LoadJSON loads and decodes a document into v. It returns ErrNotFound
// unchanged so callers can fall back to defaults; any other failure is a
// PersistenceError.
func LoadJSON(ctx context.Context, s Store, name string, v any) error {
	data, err := s.Load(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return errs.Wrap(errs.PersistenceError, err, "load %s", name)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errs.Wrap(errs.PersistenceError, err, "decode %s", name)
	}
	return nil
}

// SaveJSON encodes v and saves it under name.
func SaveJSON(ctx context.Context, s Store, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "encode %s", name)
	}
	if err := s.Save(ctx, name, data); err != nil {
		return errs.Wrap(errs.PersistenceError, err, "save %s", name)
	}
	return nil
}

// timed bounds every call of the wrapped store.
type timed struct {
	inner   Store
	timeout time.Duration
}

// WithTimeout wraps s so each Load and Save runs under its own deadline.
func WithTimeout(s Store, timeout time.Duration) Store {
	if timeout <= 0 {
		return s
	}
	return &timed{inner: s, timeout: timeout}
}

func (t *timed) Load(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.Load(ctx, name)
}

func (t *timed) Save(ctx context.Context, name string, doc []byte) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.inner.Save(ctx, name, doc); err != nil {
		return fmt.Errorf("save %s within %s: %w", name, t.timeout, err)
	}
	return nil
}
