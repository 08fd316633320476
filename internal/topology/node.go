package topology

import "sync"

// NodeStat is the per-poll-cycle telemetry for one storage node: load
// average and cumulative non-loopback network counters (spec section 4.2).
type NodeStat struct {
	TsSec  uint64
	TsUsec uint64
	LA1    float64
	TxBytes uint64
	RxBytes uint64
}

// Timestamp returns the stat's timestamp in microseconds, for comparison
// against other timestamps in the merge rule of spec section 4.1.
func (s NodeStat) Timestamp() uint64 {
	return s.TsSec*1_000_000 + s.TsUsec
}

// Node is a storage node identified by host:port:family. It owns its
// Backends and FSs outright; nothing else in the graph owns a Node.
type Node struct {
	Key NodeKey

	mu       sync.RWMutex
	stat     NodeStat
	hasStat  bool
	backends map[uint64]*Backend
	fss      map[uint64]*FS

	// LastPollFailed records whether the most recent poll for this node
	// failed (spec section 7, kind 2: remote I/O failure). The next
	// cycle retries regardless.
	LastPollFailed bool
}

// NewNode constructs an empty Node for key.
func NewNode(key NodeKey) *Node {
	return &Node{
		Key:      key,
		backends: make(map[uint64]*Backend),
		fss:      make(map[uint64]*FS),
	}
}

// Stat returns the last applied NodeStat and whether one has ever been
// applied.
func (n *Node) Stat() (NodeStat, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stat, n.hasStat
}

// ApplyStat replaces the stored NodeStat iff its timestamp is strictly
// greater than the stored one (spec section 4.1).
func (n *Node) ApplyStat(stat NodeStat) (applied bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.hasStat && stat.Timestamp() <= n.stat.Timestamp() {
		return false
	}
	n.stat = stat
	n.hasStat = true
	return true
}

// LA1 returns the last observed 1-minute load average, or 0 if no stat has
// been applied yet.
func (n *Node) LA1() float64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stat.LA1
}

// backendOrCreate returns the Backend for id, creating it if absent. Callers
// must hold no lock; this method manages its own locking.
func (n *Node) backendOrCreate(id uint64) (*Backend, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if b, ok := n.backends[id]; ok {
		return b, false
	}
	b := newBackend(n, id)
	n.backends[id] = b
	return b, true
}

// Backend returns the backend with the given id, if present.
func (n *Node) Backend(id uint64) (*Backend, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	b, ok := n.backends[id]
	return b, ok
}

// Backends returns a snapshot slice of all backends owned by this node.
func (n *Node) Backends() []*Backend {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Backend, 0, len(n.backends))
	for _, b := range n.backends {
		out = append(out, b)
	}
	return out
}

// fsOrCreate returns the FS for fsid under this node's host, creating it if
// absent.
func (n *Node) fsOrCreate(fsid uint64) (*FS, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if f, ok := n.fss[fsid]; ok {
		return f, false
	}
	f := newFS(n.Key.Host, fsid)
	n.fss[fsid] = f
	return f, true
}

// FS returns the filesystem with the given fsid, if present.
func (n *Node) FS(fsid uint64) (*FS, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	f, ok := n.fss[fsid]
	return f, ok
}

// FSs returns a snapshot slice of all filesystems known on this node.
func (n *Node) FSs() []*FS {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*FS, 0, len(n.fss))
	for _, f := range n.fss {
		out = append(out, f)
	}
	return out
}
