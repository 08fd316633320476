package recordstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/blobfleet/fleetmon/internal/dcresolver"
)

func TestUpsertAndQuerySince(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dc.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	base := time.Unix(1700000000, 0)
	ctx := context.Background()

	if err := store.Upsert(ctx, dcresolver.Record{Host: "h1", DC: "dc1", Timestamp: base}); err != nil {
		t.Fatalf("Upsert h1: %v", err)
	}
	if err := store.Upsert(ctx, dcresolver.Record{Host: "h2", DC: "dc2", Timestamp: base.Add(time.Hour)}); err != nil {
		t.Fatalf("Upsert h2: %v", err)
	}

	recs, err := store.QuerySince(ctx, base)
	if err != nil {
		t.Fatalf("QuerySince: %v", err)
	}
	if len(recs) != 1 || recs[0].Host != "h2" {
		t.Errorf("QuerySince(base) = %+v, want only h2", recs)
	}

	recs, err = store.QuerySince(ctx, base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("QuerySince: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("QuerySince(base-1m) returned %d records, want 2", len(recs))
	}
}

func TestUpsertOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dc.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	if err := store.Upsert(ctx, dcresolver.Record{Host: "h1", DC: "dc-old", Timestamp: base}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.Upsert(ctx, dcresolver.Record{Host: "h1", DC: "dc-new", Timestamp: base.Add(time.Hour)}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	recs, err := store.QuerySince(ctx, base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("QuerySince: %v", err)
	}
	if len(recs) != 1 || recs[0].DC != "dc-new" {
		t.Errorf("QuerySince = %+v, want single dc-new record", recs)
	}
}
