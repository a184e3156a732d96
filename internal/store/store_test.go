package store_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cryptosim/sim-engine/internal/errs"
	"github.com/cryptosim/sim-engine/internal/store"
)

var docs = map[string][]byte{
	store.DocVirtualBalance:      []byte(`{"initial_balance":"10000","cash":"9000.5","updated_at":"2025-01-02T03:04:05.006Z"}`),
	store.DocAutoTradingStatus:   []byte(`{"enabled":true,"signals_processed":7,"last_signal_at":null,"last_execution_at":null}`),
	store.DocAutoTradingSettings: []byte(`{"symbol":"BTCUSDT","confidence_threshold":"70","amount_mode":"FIXED"}`),
}

func testRoundTrip(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	for name, doc := range docs {
		if _, err := s.Load(ctx, name); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound before first save, got %v", name, err)
		}
		if err := s.Save(ctx, name, doc); err != nil {
			t.Fatalf("%s: save failed: %v", name, err)
		}
		got, err := s.Load(ctx, name)
		if err != nil {
			t.Fatalf("%s: load failed: %v", name, err)
		}
		if !bytes.Equal(got, doc) {
			t.Errorf("%s: round trip mismatch:\n got %s\nwant %s", name, got, doc)
		}
	}

	// Replace is visible to the next load.
	replacement := []byte(`{"initial_balance":"10000","cash":"1"}`)
	if err := s.Save(ctx, store.DocVirtualBalance, replacement); err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	got, _ := s.Load(ctx, store.DocVirtualBalance)
	if !bytes.Equal(got, replacement) {
		t.Errorf("expected replaced document, got %s", got)
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	testRoundTrip(t, store.NewMemoryStore())
}

func TestFileStore_RoundTrip(t *testing.T) {
	testRoundTrip(t, store.NewFileStore(t.TempDir()))
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	fs := store.NewFileStore(dir)
	if err := fs.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if err := fs.Save(context.Background(), "virtual_balance", []byte(`{}`)); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "virtual_balance.json" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected only virtual_balance.json, got %v", names)
	}
}

func TestFileStore_PingUnwritable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	// A regular file where the directory should be cannot be created.
	fs := store.NewFileStore(filepath.Join(blocker, "data"))
	if err := fs.Ping(context.Background()); err == nil {
		t.Error("expected ping to fail under a regular file")
	}
}

func TestFileStore_CancelledContext(t *testing.T) {
	fs := store.NewFileStore(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := fs.Save(ctx, "virtual_balance", []byte(`{}`)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := fs.Load(context.Background(), "virtual_balance"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("cancelled save must not be visible, got %v", err)
	}
}

func TestSaveJSON_WrapsPersistenceError(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.FailSaves(errors.New("disk full"))

	err := store.SaveJSON(context.Background(), ms, store.DocAutoTradingStatus, map[string]int{"a": 1})
	if !errs.Has(err, errs.PersistenceError) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}

	ms.FailSaves(nil)
	if err := store.SaveJSON(context.Background(), ms, store.DocAutoTradingStatus, map[string]int{"a": 1}); err != nil {
		t.Fatalf("save after recovery failed: %v", err)
	}
	var out map[string]int
	if err := store.LoadJSON(context.Background(), ms, store.DocAutoTradingStatus, &out); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if out["a"] != 1 {
		t.Errorf("expected a=1, got %v", out)
	}
}

func TestLoadJSON_NotFound(t *testing.T) {
	var v map[string]any
	err := store.LoadJSON(context.Background(), store.NewMemoryStore(), "missing", &v)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

type slowStore struct{ store.Store }

func (s slowStore) Save(ctx context.Context, name string, doc []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second):
		return s.Store.Save(ctx, name, doc)
	}
}

func TestWithTimeout_BoundsSave(t *testing.T) {
	s := store.WithTimeout(slowStore{store.NewMemoryStore()}, 10*time.Millisecond)
	start := time.Now()
	err := s.Save(context.Background(), "x", []byte(`{}`))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("timeout not enforced, took %s", time.Since(start))
	}
}
