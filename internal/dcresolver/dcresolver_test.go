package dcresolver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blobfleet/fleetmon/internal/clock"
	"github.com/blobfleet/fleetmon/internal/config"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]Record
	fail    bool
}

func newMemStore() *memStore { return &memStore{records: make(map[string]Record)} }

func (m *memStore) Upsert(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("store unavailable")
	}
	m.records[rec.Host] = rec
	return nil
}

func (m *memStore) QuerySince(ctx context.Context, since time.Time) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errors.New("store unavailable")
	}
	var out []Record
	for _, r := range m.records {
		if r.Timestamp.After(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeLookup struct {
	mu    sync.Mutex
	calls int
	fail  bool
	dc    string
}

func (f *fakeLookup) Lookup(ctx context.Context, host string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return "", errors.New("inventory worker timed out")
	}
	return f.dc, nil
}

func (f *fakeLookup) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.InventoryWorkerTimeout = 20 * time.Millisecond
	return cfg
}

func TestGetDCCachesSuccessfulLookup(t *testing.T) {
	store := newMemStore()
	lookup := &fakeLookup{dc: "dc1"}
	r := New(store, lookup, testConfig(), clock.NewFake(time.Unix(1700000000, 0)))

	dc := r.GetDC(context.Background(), "h1.example")
	if dc != "dc1" {
		t.Fatalf("GetDC = %q, want dc1", dc)
	}
	if lookup.Calls() != 1 {
		t.Fatalf("Lookup calls = %d, want 1", lookup.Calls())
	}

	dc2 := r.GetDC(context.Background(), "h1.example")
	if dc2 != "dc1" || lookup.Calls() != 1 {
		t.Fatalf("second GetDC hit the worker again: dc=%q calls=%d", dc2, lookup.Calls())
	}
}

func TestGetDCFallsBackToHostnameOnFailure(t *testing.T) {
	store := newMemStore()
	store.fail = true
	lookup := &fakeLookup{fail: true}
	r := New(store, lookup, testConfig(), clock.NewFake(time.Unix(1700000000, 0)))

	dc := r.GetDC(context.Background(), "h1.example")
	if dc != "h1.example" {
		t.Fatalf("GetDC = %q, want fallback to hostname", dc)
	}

	callsAfterFirst := lookup.Calls()
	dc2 := r.GetDC(context.Background(), "h1.example")
	if dc2 != "h1.example" {
		t.Fatalf("GetDC (cached fallback) = %q, want h1.example", dc2)
	}
	if lookup.Calls() != callsAfterFirst {
		t.Fatalf("second call re-contacted the worker: calls went from %d to %d", callsAfterFirst, lookup.Calls())
	}
}

func TestReloadRefreshesStaleRecords(t *testing.T) {
	store := newMemStore()
	now := time.Unix(1700000000, 0)
	store.records["old.example"] = Record{Host: "old.example", DC: "dc-stale", Timestamp: now.Add(-48 * time.Hour)}

	lookup := &fakeLookup{dc: "dc-fresh"}
	cfg := testConfig()
	cfg.DCCacheValidTime = 24 * time.Hour
	r := New(store, lookup, cfg, clock.NewFake(now))

	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	dc, ok := r.cacheGet("old.example")
	if !ok || dc != "dc-fresh" {
		t.Errorf("cache[old.example] = %q, ok=%v, want dc-fresh", dc, ok)
	}
}
