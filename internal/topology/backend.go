package topology

import (
	"fmt"
	"sync"
)

// Backend lifecycle states as reported by the storage engine (spec section
// 6.1, backends.<id>.status.state).
const (
	BackendStateDisabled  = 0
	BackendStateEnabled   = 1
	BackendStateActivating = 2
)

// BackendStat is the raw, per-cycle statistics reported for one backend
// (spec section 3 and 6.1).
type BackendStat struct {
	BackendID uint64
	TsSec     uint64
	TsUsec    uint64

	State       uint64
	DefragState uint64
	ReadOnly    bool

	LastStartTsSec  uint64
	LastStartTsUsec uint64

	VfsBlocks uint64
	VfsBavail uint64
	VfsBsize  uint64
	VfsError  uint64
	VfsFsid   uint64

	BaseSize           uint64
	RecordsTotal       uint64
	RecordsRemoved     uint64
	RecordsRemovedSize uint64
	WantDefrag         uint64
	MaxBlobBaseSize    uint64

	BlobSize      uint64
	BlobSizeLimit uint64
	Group         uint64

	DstatError uint64
	IOTicks    uint64
	ReadIOs    uint64
	ReadSectors uint64
	ReadTicks  uint64
	WriteIOs   uint64
	WriteTicks uint64

	IOBlockingSize    uint64
	IONonblockingSize uint64

	// Command-family counters: sum of cache/disk x internal/outside for
	// LOOKUP+READ+WRITE (spec section 4.2). Only the cumulative counter is
	// stored at ingestion; rates are computed at derivation time.
	EllDiskReadSize   uint64
	EllDiskReadTime   uint64
	EllDiskWriteSize  uint64
	EllDiskWriteTime  uint64
	EllCacheReadSize  uint64
	EllCacheReadTime  uint64
	EllCacheWriteSize uint64
	EllCacheWriteTime uint64

	StatCommitRofsErrors uint64

	DataPath string
	FilePath string
}

// Timestamp returns the stat's timestamp in microseconds.
func (s BackendStat) Timestamp() uint64 {
	return s.TsSec*1_000_000 + s.TsUsec
}

// BackendStatus is the derived top-level state of a backend (spec section 4.3).
type BackendStatus int

const (
	BackendInit BackendStatus = iota
	BackendOK
	BackendRO
	BackendStalled
	BackendBroken
)

func (s BackendStatus) String() string {
	switch s {
	case BackendInit:
		return "INIT"
	case BackendOK:
		return "OK"
	case BackendRO:
		return "RO"
	case BackendStalled:
		return "STALLED"
	case BackendBroken:
		return "BROKEN"
	default:
		return "UNKNOWN"
	}
}

// StatusDetail refines BackendStatus with the specific reason, used to build
// the human-readable status text (spec section 4.3, original_source's
// status-text switch).
type StatusDetail int

const (
	DetailInit StatusDetail = iota
	DetailStalled
	DetailNotEnabled
	DetailFSBroken
	DetailReadOnly
	DetailHasCommitErrors
	DetailOK
)

// CommandStat holds the derived I/O rates computed from two consecutive
// BackendStat samples (spec section 4.3 item 3).
type CommandStat struct {
	EllDiskReadRate  float64
	EllDiskWriteRate float64
	EllNetReadRate   float64
	EllNetWriteRate  float64
}

// Calculated holds every field the Derivation Engine computes for a backend
// (spec section 4.3).
type Calculated struct {
	VfsTotalSpace uint64
	VfsFreeSpace  uint64
	VfsUsedSpace  uint64

	TotalSpace int64
	FreeSpace  int64
	UsedSpace  int64

	EffectiveSpace     int64
	EffectiveFreeSpace int64

	Records       uint64
	Fragmentation float64

	ReadRPS, WriteRPS       int
	MaxReadRPS, MaxWriteRPS int
	CommandStat             CommandStat

	StatCommitRofsErrorsDiff uint64

	Stalled      bool
	Status       BackendStatus
	StatusDetail StatusDetail
	StatusText   string

	BasePath string
}

// Backend is a blob-storage shard process instance on a Node, identified
// per-node by an integer id (spec glossary). Exclusively owned by its Node;
// referenced (non-owning) by exactly one FS and at most one Group.
type Backend struct {
	node *Node
	ID   uint64

	mu         sync.RWMutex
	stat       BackendStat
	hasStat    bool
	calculated Calculated

	fs      *FS
	group   *Group
}

func newBackend(n *Node, id uint64) *Backend {
	return &Backend{node: n, ID: id}
}

// Key returns the canonical "nodeKey/backendId" identity.
func (b *Backend) Key() string {
	return BackendKey(b.node.Key, b.ID)
}

// Node returns the owning Node.
func (b *Backend) Node() *Node { return b.node }

// FS returns the filesystem this backend currently reports into, if bound.
func (b *Backend) FS() *FS {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.fs
}

// Group returns the group this backend currently reports into, if bound.
func (b *Backend) Group() *Group {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.group
}

// setFS rebinds this backend to fs. Callers (the Store) are responsible for
// detaching it from any previous FS's membership set.
func (b *Backend) setFS(fs *FS) {
	b.mu.Lock()
	b.fs = fs
	b.mu.Unlock()
}

// setGroup rebinds this backend to group.
func (b *Backend) setGroup(g *Group) {
	b.mu.Lock()
	b.group = g
	b.mu.Unlock()
}

// Stat returns the last applied raw stat.
func (b *Backend) Stat() (BackendStat, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stat, b.hasStat
}

// Calculated returns the last derived values.
func (b *Backend) Calculated() Calculated {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.calculated
}

// SetCalculated overwrites the derived values; used exclusively by the
// derivation engine.
func (b *Backend) SetCalculated(c Calculated) {
	b.mu.Lock()
	b.calculated = c
	b.mu.Unlock()
}

// update applies a new stat: computes rate deltas against the previous stat
// when the gap exceeds 1.0s (else the double-refresh case is skipped, spec
// section 4.1), then replaces the stored raw stat. Returns the previous
// stat and whether one existed, so the caller (Store.ApplyBackendStat) can
// detect fsid/group-id transitions without re-locking.
func (b *Backend) update(newStat BackendStat) (prev BackendStat, hadPrev bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, hadPrev = b.stat, b.hasStat

	dtUsec := int64(newStat.Timestamp()) - int64(prev.Timestamp())
	if hadPrev && dtUsec > 0 {
		dt := float64(dtUsec) / 1_000_000.0
		if dt > 1.0 {
			b.calculated.CommandStat = calculateCommandStat(b.calculated.CommandStat, prev, newStat, dt)
			b.calculated.ReadRPS, b.calculated.WriteRPS = calculateRPS(prev, newStat, dt)
		}
	}

	b.calculated.StatCommitRofsErrorsDiff = calculateRofsDiff(prev, hadPrev, newStat, b.calculated.StatCommitRofsErrorsDiff)

	b.calculateBasePath(newStat)
	b.stat = newStat
	b.hasStat = true
	return prev, hadPrev
}

// calculateRPS computes read_rps/write_rps from the delta in read/write I/O
// counts over dt (spec section 4.3 item 4). Unlike CommandStat, these are
// not gated on the delta's sign: a negative delta (counter reset) simply
// yields a negative rate, matching the original's unconditional division.
func calculateRPS(old, new BackendStat, dt float64) (readRPS, writeRPS int) {
	readRPS = int(float64(int64(new.ReadIOs)-int64(old.ReadIOs)) / dt)
	writeRPS = int(float64(int64(new.WriteIOs)-int64(old.WriteIOs)) / dt)
	return readRPS, writeRPS
}

// calculateRofsDiff implements spec section 4.3 item 6: if the last-start
// timestamp advanced, or the raw counter went down (process restarted and
// counters reset), the accumulated delta resets to zero; otherwise it grows
// by the raw increase this cycle.
func calculateRofsDiff(old BackendStat, hadOld bool, new BackendStat, accumulated uint64) uint64 {
	if !hadOld {
		return 0
	}
	oldStart := old.LastStartTsSec*1_000_000 + old.LastStartTsUsec
	newStart := new.LastStartTsSec*1_000_000 + new.LastStartTsUsec
	if newStart > oldStart || new.StatCommitRofsErrors < old.StatCommitRofsErrors {
		return 0
	}
	return accumulated + (new.StatCommitRofsErrors - old.StatCommitRofsErrors)
}

// calculateCommandStat implements CommandStat.calculate from
// original_source/src/collector/Backend.cpp: each rate only updates if its
// delta is non-negative (wraparound/counter-reset yields no update for that
// family), and the net rate only updates if BOTH its constituent deltas are
// non-negative.
func calculateCommandStat(prevRates CommandStat, old, new BackendStat, dt float64) CommandStat {
	cs := prevRates

	diskRead := int64(new.EllDiskReadSize) - int64(old.EllDiskReadSize)
	diskWritten := int64(new.EllDiskWriteSize) - int64(old.EllDiskWriteSize)
	cacheRead := int64(new.EllCacheReadSize) - int64(old.EllCacheReadSize)
	cacheWritten := int64(new.EllCacheWriteSize) - int64(old.EllCacheWriteSize)

	if diskRead >= 0 {
		cs.EllDiskReadRate = float64(diskRead) / dt
		if cacheRead >= 0 {
			cs.EllNetReadRate = float64(diskRead+cacheRead) / dt
		}
	}
	if diskWritten >= 0 {
		cs.EllDiskWriteRate = float64(diskWritten) / dt
		if cacheWritten >= 0 {
			cs.EllNetWriteRate = float64(diskWritten+cacheWritten) / dt
		}
	}
	return cs
}

// calculateBasePath implements the original's preference for data_path over
// file_path, keeping the previously known value if neither is present this
// cycle (supplemented feature, see SPEC_FULL.md).
func (b *Backend) calculateBasePath(stat BackendStat) {
	if stat.DataPath != "" {
		b.calculated.BasePath = stat.DataPath
	} else if stat.FilePath != "" {
		b.calculated.BasePath = stat.FilePath
	}
}

// Full reports whether this backend is at capacity under the given reserved
// space fraction: used_space >= effective_space*(1-reserved), or
// effective_free_space <= 0 (spec section 4.3 item "Couple status", FULL;
// grounded on original_source Backend::full).
func (b *Backend) Full(reserved float64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c := b.calculated
	if c.UsedSpace >= int64(float64(c.EffectiveSpace)*(1.0-reserved)) {
		return true
	}
	return c.EffectiveFreeSpace <= 0
}

// Text renders the human-readable status sentence for this detail, matching
// original_source's Backend::print_json status-text switch.
func (s StatusDetail) Text(key string, staleSeconds uint64, fsid uint64) string {
	switch s {
	case DetailInit:
		return fmt.Sprintf("no statistics gathered for node backend %s", key)
	case DetailStalled:
		return fmt.Sprintf("statistics for node backend %s is too old: it was gathered %d seconds ago", key, staleSeconds)
	case DetailNotEnabled:
		return fmt.Sprintf("node backend %s has been disabled", key)
	case DetailFSBroken:
		return fmt.Sprintf("node backend's space limit is not properly configured on fs %d", fsid)
	case DetailReadOnly, DetailHasCommitErrors:
		return fmt.Sprintf("node backend %s is in read-only state", key)
	case DetailOK:
		return fmt.Sprintf("node backend %s is OK", key)
	default:
		return fmt.Sprintf("node backend %s is in an unknown state", key)
	}
}
