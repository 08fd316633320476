// Package dcresolver implements the DC Resolver of spec section 4.6: a
// host->datacenter lookup backed by an in-memory map, a persistent
// record-store cache, and an external lookup worker, refreshed on a
// periodic schedule independent of the main refresh cycle.
package dcresolver

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/looplab/fsm"

	"github.com/blobfleet/fleetmon/internal/clock"
	"github.com/blobfleet/fleetmon/internal/config"
	"github.com/blobfleet/fleetmon/internal/logger"
	"github.com/blobfleet/fleetmon/internal/metrics"
)

// Record is one persisted host->DC association (spec section 4.6).
type Record struct {
	Host      string
	DC        string
	Timestamp time.Time
}

// RecordStore is the persistent record collection, the "assumed to offer
// upsert+query by timestamp filter" external collaborator of spec section 1.
// internal/dcresolver/recordstore supplies a bbolt-backed default.
type RecordStore interface {
	Upsert(ctx context.Context, rec Record) error
	QuerySince(ctx context.Context, since time.Time) ([]Record, error)
}

// ExternalLookup is the external DC-lookup worker, the "request/response
// call returning a DC string for a hostname" collaborator of spec section 1.
// Its service name is conventionally "<app_name>-inventory" (spec section 6.4).
type ExternalLookup interface {
	Lookup(ctx context.Context, host string) (string, error)
}

type cacheEntry struct {
	dc        string
	timestamp time.Time
}

const (
	stateIdle     = "idle"
	stateRunning  = "running"
	stateStopping = "stopping"
	stateStopped  = "stopped"

	eventStart = "start"
	eventStop  = "stop"
	eventDone  = "done"
)

// Resolver implements getDC and the periodic reload of spec section 4.6.
type Resolver struct {
	store  RecordStore
	lookup ExternalLookup
	cfg    config.Config
	clock  clock.Clock

	machine *fsm.FSM

	mu           sync.RWMutex
	cache        map[string]cacheEntry
	lastReloadTs time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Resolver backed by store and lookup.
func New(store RecordStore, lookup ExternalLookup, cfg config.Config, clk clock.Clock) *Resolver {
	r := &Resolver{
		store:  store,
		lookup: lookup,
		cfg:    cfg,
		clock:  clk,
		cache:  make(map[string]cacheEntry),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	r.machine = fsm.NewFSM(stateIdle, fsm.Events{
		{Name: eventStart, Src: []string{stateIdle}, Dst: stateRunning},
		{Name: eventStop, Src: []string{stateRunning}, Dst: stateStopping},
		{Name: eventDone, Src: []string{stateStopping}, Dst: stateStopped},
	}, fsm.Callbacks{})
	return r
}

// GetDC implements spec section 4.6's getDC: a synchronous map lookup,
// falling through to the external worker on a miss, and finally to the
// hostname itself if the worker also fails. It never fails the caller.
func (r *Resolver) GetDC(ctx context.Context, host string) string {
	if dc, ok := r.cacheGet(host); ok {
		return dc
	}

	dc, err := r.lookupWithRetry(ctx, host)
	if err != nil {
		metrics.DCResolverFallbacksTotal.Inc()
		logger.For(logger.ComponentDCResolver).Warnw("dc lookup failed, falling back to hostname", "host", host, "error", err)
		r.cachePut(host, host, r.clock.Now()) // negative-cache the fallback so the cycle doesn't re-contact the worker
		return host
	}

	r.cachePut(host, dc, r.clock.Now())
	if err := r.store.Upsert(ctx, Record{Host: host, DC: dc, Timestamp: r.clock.Now()}); err != nil {
		logger.For(logger.ComponentDCResolver).Warnw("dc record upsert failed, will retry next reload", "host", host, "error", err)
	}
	return dc
}

func (r *Resolver) lookupWithRetry(ctx context.Context, host string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.InventoryWorkerTimeout)
	defer cancel()

	var dc string
	op := func() error {
		v, err := r.lookup.Lookup(ctx, host)
		if err != nil {
			return err
		}
		dc = v
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = r.cfg.InventoryWorkerTimeout
	boff := backoff.WithContext(eb, ctx)

	if err := backoff.Retry(op, boff); err != nil {
		return "", err
	}
	return dc, nil
}

func (r *Resolver) cacheGet(host string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.cache[host]
	if !ok {
		return "", false
	}
	return e.dc, true
}

func (r *Resolver) cachePut(host, dc string, ts time.Time) {
	r.mu.Lock()
	r.cache[host] = cacheEntry{dc: dc, timestamp: ts}
	r.mu.Unlock()
}

// Reload implements spec section 4.6's periodic reload: fetch every record
// whose timestamp is newer than the last reload, refresh any entry older
// than dc_cache_valid_time via the external worker, upsert the refreshed
// entries, then hand the merged set to the in-memory map as one serialized
// write.
func (r *Resolver) Reload(ctx context.Context) error {
	since := r.lastReloadSince()

	records, err := r.store.QuerySince(ctx, since)
	if err != nil {
		logger.For(logger.ComponentDCResolver).Warnw("record store unavailable this reload, skipping", "error", err)
		return nil // spec section 7 kind 4: degrade, retry next cycle
	}

	now := r.clock.Now()
	merged := make(map[string]cacheEntry, len(records))
	for _, rec := range records {
		if now.Sub(rec.Timestamp) > r.cfg.DCCacheValidTime {
			refreshed, err := r.lookupWithRetry(ctx, rec.Host)
			if err != nil {
				merged[rec.Host] = cacheEntry{dc: rec.DC, timestamp: rec.Timestamp} // keep stale entry rather than drop it
				continue
			}
			rec = Record{Host: rec.Host, DC: refreshed, Timestamp: now}
			if err := r.store.Upsert(ctx, rec); err != nil {
				logger.For(logger.ComponentDCResolver).Warnw("refreshed record upsert failed", "host", rec.Host, "error", err)
			}
		}
		merged[rec.Host] = cacheEntry{dc: rec.DC, timestamp: rec.Timestamp}
	}

	r.mu.Lock()
	for host, e := range merged {
		r.cache[host] = e
	}
	r.lastReloadTs = now
	r.mu.Unlock()

	metrics.DCCacheSize.Set(float64(r.cacheLen()))
	return nil
}

func (r *Resolver) lastReloadSince() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastReloadTs
}

func (r *Resolver) cacheLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

// Start transitions the resolver to running and launches the periodic
// reload loop.
func (r *Resolver) Start(ctx context.Context) error {
	if err := r.machine.Event(ctx, eventStart); err != nil {
		return err
	}
	go r.loop(ctx)
	return nil
}

// Stop implements spec section 5's shutdown contract: set the stop flag and
// wait for the in-flight reload to settle. One extra reload may already be
// in flight when stop is observed (spec section 9's documented race); the
// caller must tolerate it completing.
func (r *Resolver) Stop(ctx context.Context) error {
	if err := r.machine.Event(ctx, eventStop); err != nil {
		return err
	}
	close(r.stopCh)
	<-r.doneCh
	return r.machine.Event(ctx, eventDone)
}

func (r *Resolver) loop(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cfg.DCCacheUpdatePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.Reload(ctx); err != nil {
				logger.For(logger.ComponentDCResolver).Warnw("reload failed", "error", err)
			}
		}
	}
}
