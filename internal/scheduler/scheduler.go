// Package scheduler implements the Refresh Scheduler of spec section 4.5:
// it drives periodic polling of all known nodes, fans out parsing, applies
// results to the Topology Store, then runs the Derivation Engine once per
// cycle behind a barrier.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/blobfleet/fleetmon/internal/clock"
	"github.com/blobfleet/fleetmon/internal/config"
	"github.com/blobfleet/fleetmon/internal/derive"
	"github.com/blobfleet/fleetmon/internal/ferrors"
	"github.com/blobfleet/fleetmon/internal/logger"
	"github.com/blobfleet/fleetmon/internal/metrics"
	"github.com/blobfleet/fleetmon/internal/statsparser"
	"github.com/blobfleet/fleetmon/internal/topology"
)

// Poller is the external collaborator that delivers a raw telemetry payload
// for one node (spec section 1's "RPC transport to storage nodes", assumed
// to deliver a JSON payload on request).
type Poller interface {
	Poll(ctx context.Context, node topology.NodeKey) ([]byte, error)
}

// MetadataPoller is the external collaborator that delivers a group's raw
// metadata blob on request. Spec section 4.4 specifies applyGroupMetadata's
// decode and reconciliation behavior but leaves the transport that produces
// the blob unspecified; this interface is the module's seam for it, wired
// the same way Poller is.
type MetadataPoller interface {
	PollMetadata(ctx context.Context, groupID int) ([]byte, error)
}

// run-state machine states and events, driving the scheduler's own
// lifecycle (idle -> running -> stopping -> stopped). This is a different
// state machine than the per-entity status promotion in internal/derive,
// which is deliberately implemented as pure functions instead.
const (
	stateIdle     = "idle"
	stateRunning  = "running"
	stateStopping = "stopping"
	stateStopped  = "stopped"

	eventStart = "start"
	eventStop  = "stop"
	eventDone  = "done"
)

// Scheduler runs the poll -> parse -> apply -> derive -> publish cycle on a
// fixed interval, plus an on-demand forced refresh (spec section 4.5).
type Scheduler struct {
	store      *topology.Store
	poller     Poller
	metaPoller MetadataPoller
	cfg        config.Config
	clock      clock.Clock

	machine *fsm.FSM

	mu    sync.RWMutex
	nodes []topology.NodeKey

	forceCh  chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	cycleSeq int
}

// New constructs a Scheduler over store, polling via poller and applying
// cfg's thresholds at each derivation pass.
func New(store *topology.Store, poller Poller, cfg config.Config, clk clock.Clock) *Scheduler {
	s := &Scheduler{
		store:   store,
		poller:  poller,
		cfg:     cfg,
		clock:   clk,
		forceCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	s.machine = fsm.NewFSM(stateIdle, fsm.Events{
		{Name: eventStart, Src: []string{stateIdle}, Dst: stateRunning},
		{Name: eventStop, Src: []string{stateRunning}, Dst: stateStopping},
		{Name: eventDone, Src: []string{stateStopping}, Dst: stateStopped},
	}, fsm.Callbacks{})
	return s
}

// SetMetadataPoller wires the collaborator used to fetch group metadata
// blobs. Nil (the default) skips metadata polling entirely, which is still a
// fully valid configuration: backends and derived status work regardless.
func (s *Scheduler) SetMetadataPoller(p MetadataPoller) {
	s.mu.Lock()
	s.metaPoller = p
	s.mu.Unlock()
}

// SetNodes replaces the set of nodes polled each cycle. The node list itself
// is sourced externally (config or a discovery mechanism out of scope for
// this core, per spec section 1); the scheduler only knows how to poll it.
func (s *Scheduler) SetNodes(nodes []topology.NodeKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = append([]topology.NodeKey(nil), nodes...)
}

func (s *Scheduler) nodeList() []topology.NodeKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]topology.NodeKey(nil), s.nodes...)
}

// Start transitions the scheduler to running and launches the cycle loop.
// It returns once the first transition has completed; the loop itself runs
// in a background goroutine until Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.machine.Event(ctx, eventStart); err != nil {
		return err
	}
	go s.loop(ctx)
	return nil
}

// Stop implements spec section 5's cancellation contract: set the shutdown
// flag, wait for the in-flight cycle to settle (barrier), then mark stopped.
// New schedules after stop are suppressed.
func (s *Scheduler) Stop(ctx context.Context) error {
	if err := s.machine.Event(ctx, eventStop); err != nil {
		return err
	}
	close(s.stopCh)
	<-s.doneCh
	return s.machine.Event(ctx, eventDone)
}

// TriggerNow requests an immediate refresh cycle, per spec section 4.5's
// "Forced update." It does not block; if a forced refresh is already
// pending the request is a no-op.
func (s *Scheduler) TriggerNow() {
	select {
	case s.forceCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	log := logger.For(logger.ComponentScheduler)
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			log.Info("scheduler stopping, draining in-flight cycle")
			return
		case <-ticker.C:
			s.runCycleLogged(ctx, log)
		case <-s.forceCh:
			s.runCycleLogged(ctx, log)
		}
	}
}

func (s *Scheduler) runCycleLogged(ctx context.Context, log *zap.SugaredLogger) {
	s.cycleSeq++
	cycleID := uuid.New().String()
	log = log.With("cycle_id", cycleID, "cycle_seq", s.cycleSeq)

	start := s.clock.Now()
	if err := s.RunCycle(ctx, log); err != nil {
		log.Warnw("refresh cycle failed", "error", err)
	}
	metrics.CycleDuration.Observe(s.clock.Now().Sub(start).Seconds())
}

// RunCycle executes one full poll -> parse -> apply -> derive pass across
// every known node, per spec section 4.5. Per-node poll or parse failure is
// logged and that node's payload dropped; it never aborts the cycle.
func (s *Scheduler) RunCycle(ctx context.Context, log *zap.SugaredLogger) error {
	nodes := s.nodeList()

	g, gctx := errgroup.WithContext(ctx)
	for _, nodeKey := range nodes {
		nodeKey := nodeKey
		g.Go(func() error {
			s.pollAndApplyOne(gctx, log, nodeKey)
			return nil // per-node failures are handled internally; never abort the group
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.pollMetadata(ctx, log)

	derive.Run(s.store, s.cfg, s.clock.Now())
	return nil
}

// pollMetadata fans out a metadata fetch for every known group, applying
// each successfully fetched blob through Store.ApplyGroupMetadata. It runs
// after the stat barrier and before derivation, per spec section 4.4's
// decoder feeding group status. A nil metaPoller is a no-op.
func (s *Scheduler) pollMetadata(ctx context.Context, log *zap.SugaredLogger) {
	s.mu.RLock()
	mp := s.metaPoller
	s.mu.RUnlock()
	if mp == nil {
		return
	}

	groups := s.store.Groups()
	g, gctx := errgroup.WithContext(ctx)
	for _, group := range groups {
		group := group
		g.Go(func() error {
			blob, err := mp.PollMetadata(gctx, group.ID)
			if err != nil {
				log.Warnw("group metadata poll failed", "group", group.ID, "error", err)
				return nil
			}
			if err := s.store.ApplyGroupMetadata(group, blob); err != nil {
				log.Warnw("group metadata decode failed", "group", group.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) pollAndApplyOne(ctx context.Context, log *zap.SugaredLogger, nodeKey topology.NodeKey) {
	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.NodePollTimeout)
	defer cancel()

	raw, err := s.pollWithRetry(pollCtx, nodeKey)
	node := s.store.UpsertNode(nodeKey)
	if err != nil {
		node.LastPollFailed = true
		metrics.PollFailuresTotal.WithLabelValues(nodeKey.String()).Inc()
		log.Warnw("node poll failed", "node", nodeKey.String(), "error", err)
		return
	}
	node.LastPollFailed = false

	nodeStat, backendStats, err := statsparser.Parse(raw)
	if err != nil {
		metrics.ParseFailuresTotal.WithLabelValues(nodeKey.String()).Inc()
		log.Warnw("node payload parse failed, dropping this cycle", "node", nodeKey.String(), "error", err)
		return
	}

	s.store.ApplyNodeStat(node, nodeStat)
	for _, bs := range backendStats {
		s.store.ApplyBackendStat(node, bs)
	}
}

// pollWithRetry bounds a single node's poll with a small exponential
// backoff (spec section 7 kind 2: remote I/O failure is local and retried
// starting next cycle; a couple of in-cycle retries absorb transient
// blips without waiting a full refresh_interval).
func (s *Scheduler) pollWithRetry(ctx context.Context, nodeKey topology.NodeKey) ([]byte, error) {
	var raw []byte
	op := func() error {
		b, err := s.poller.Poll(ctx, nodeKey)
		if err != nil {
			return err
		}
		raw = b
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = s.cfg.NodePollTimeout
	boff := backoff.WithContext(eb, ctx)

	if err := backoff.Retry(op, boff); err != nil {
		return nil, ferrors.ErrPollFailed
	}
	return raw, nil
}
