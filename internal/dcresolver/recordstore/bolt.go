// Package recordstore supplies a concrete, embedded-KV implementation of
// dcresolver.RecordStore, backed by go.etcd.io/bbolt. The DC Resolver of
// spec section 4.6 treats the persistent record collection as an external
// collaborator behind an interface; this is the module's default for
// actually running that collaborator without a separate database process.
package recordstore

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"

	"github.com/blobfleet/fleetmon/internal/dcresolver"
)

var bucketName = []byte("dc_records")

type record struct {
	DC        string `json:"dc"`
	Timestamp int64  `json:"ts_unix"`
}

// Store is a bbolt-backed dcresolver.RecordStore, keyed by hostname.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt database at path and ensures
// its bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("recordstore: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("recordstore: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert implements dcresolver.RecordStore.
func (s *Store) Upsert(ctx context.Context, rec dcresolver.Record) error {
	v, err := json.Marshal(record{DC: rec.DC, Timestamp: rec.Timestamp.Unix()})
	if err != nil {
		return fmt.Errorf("recordstore: marshal %s: %w", rec.Host, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(rec.Host), v)
	})
}

// QuerySince implements dcresolver.RecordStore: a full bucket scan filtering
// on timestamp, adequate for the record counts this resolver's fleet scale
// implies (one row per distinct host ever resolved).
func (s *Store) QuerySince(ctx context.Context, since time.Time) ([]dcresolver.Record, error) {
	var out []dcresolver.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("recordstore: unmarshal %s: %w", k, err)
			}
			ts := time.Unix(rec.Timestamp, 0)
			if ts.After(since) {
				out = append(out, dcresolver.Record{Host: string(k), DC: rec.DC, Timestamp: ts})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
