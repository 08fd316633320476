// Package query implements the Read-only Query Surface of spec section 6.2
// and 6.3: lookup by id, enumeration, and JSON serialization of entities,
// consumed by the external command/HTTP layer.
package query

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/blobfleet/fleetmon/internal/ferrors"
	"github.com/blobfleet/fleetmon/internal/topology"
)

// Surface wraps a topology.Store with the read-only lookups spec section
// 6.3's command table needs.
type Surface struct {
	store *topology.Store
}

// New returns a Surface over store.
func New(store *topology.Store) *Surface {
	return &Surface{store: store}
}

// BackendSnapshot is the egress JSON shape of spec section 6.2.
type BackendSnapshot struct {
	BackendID  uint64 `json:"backend_id"`
	NodeID     string `json:"node_id"`
	ID         string `json:"id"`
	State      uint64 `json:"state"`
	FSID       string `json:"fs_id"`
	Group      uint64 `json:"group"`
	ReadOnly   bool   `json:"read_only"`
	Status     string `json:"status"`
	StatusText string `json:"status_text"`
	BasePath   string `json:"base_path"`

	VfsTotalSpace uint64 `json:"vfs_total_space"`
	VfsFreeSpace  uint64 `json:"vfs_free_space"`

	RecordsTotal       uint64  `json:"records_total"`
	RecordsRemoved     uint64  `json:"records_removed"`
	RecordsRemovedSize uint64  `json:"records_removed_size"`
	BaseSize           uint64  `json:"base_size"`
	DefragState        uint64  `json:"defrag_state"`
	WantDefrag         uint64  `json:"want_defrag"`
	ReadIOs            uint64  `json:"read_ios"`
	WriteIOs           uint64  `json:"write_ios"`
	DstatError         uint64  `json:"dstat_error"`
	BlobSize           uint64  `json:"blob_size"`
	BlobSizeLimit      uint64  `json:"blob_size_limit"`
	IOBlockingSize     uint64  `json:"io_blocking_size"`
	IONonblockingSize  uint64  `json:"io_nonblocking_size"`
	Fragmentation      float64 `json:"fragmentation"`

	Timestamp struct {
		TvSec  uint64 `json:"tv_sec"`
		TvUsec uint64 `json:"tv_usec"`
	} `json:"timestamp"`

	LastStart struct {
		TvSec  uint64 `json:"tv_sec"`
		TvUsec uint64 `json:"tv_usec"`
	} `json:"last_start"`

	CommandsStat struct {
		EllDiskReadRate  float64 `json:"ell_disk_read_rate"`
		EllDiskWriteRate float64 `json:"ell_disk_write_rate"`
		EllNetReadRate   float64 `json:"ell_net_read_rate"`
		EllNetWriteRate  float64 `json:"ell_net_write_rate"`
	} `json:"commands_stat"`

	StatCommitRofsErrorsDiff uint64 `json:"stat_commit_rofs_errors_diff"`

	// show_internals=true fields (spec section 6.2); nil and omitted
	// unless explicitly requested via BackendJSON(..., true).
	StatCommitRofsErrorsRaw *uint64 `json:"stat_commit_rofs_errors,omitempty"`
	Stalled                 *bool   `json:"stalled,omitempty"`
	DataPath                *string `json:"data_path,omitempty"`
	FilePath                *string `json:"file_path,omitempty"`
}

// BackendJSON renders backend b per spec section 6.2. When showInternals is
// true, the raw rofs counter, stall flag and both path fields are included.
func BackendJSON(b *topology.Backend, showInternals bool) ([]byte, error) {
	snap := backendSnapshot(b, showInternals)
	return json.Marshal(snap)
}

func backendSnapshot(b *topology.Backend, showInternals bool) BackendSnapshot {
	stat, _ := b.Stat()
	c := b.Calculated()

	fsKey := ""
	if fs := b.FS(); fs != nil {
		fsKey = fs.Key()
	}

	snap := BackendSnapshot{
		BackendID:          b.ID,
		NodeID:             b.Node().Key.String(),
		ID:                 b.Key(),
		State:              stat.State,
		FSID:               fsKey,
		Group:              stat.Group,
		ReadOnly:           stat.ReadOnly,
		Status:             c.Status.String(),
		StatusText:         c.StatusText,
		BasePath:           c.BasePath,
		VfsTotalSpace:      c.VfsTotalSpace,
		VfsFreeSpace:       c.VfsFreeSpace,
		RecordsTotal:       stat.RecordsTotal,
		RecordsRemoved:     stat.RecordsRemoved,
		RecordsRemovedSize: stat.RecordsRemovedSize,
		BaseSize:           stat.BaseSize,
		DefragState:        stat.DefragState,
		WantDefrag:         stat.WantDefrag,
		ReadIOs:            stat.ReadIOs,
		WriteIOs:           stat.WriteIOs,
		DstatError:         stat.DstatError,
		BlobSize:           stat.BlobSize,
		BlobSizeLimit:      stat.BlobSizeLimit,
		IOBlockingSize:     stat.IOBlockingSize,
		IONonblockingSize:  stat.IONonblockingSize,
		Fragmentation:      c.Fragmentation,

		StatCommitRofsErrorsDiff: c.StatCommitRofsErrorsDiff,
	}
	snap.Timestamp.TvSec = stat.TsSec
	snap.Timestamp.TvUsec = stat.TsUsec
	snap.LastStart.TvSec = stat.LastStartTsSec
	snap.LastStart.TvUsec = stat.LastStartTsUsec
	snap.CommandsStat.EllDiskReadRate = c.CommandStat.EllDiskReadRate
	snap.CommandsStat.EllDiskWriteRate = c.CommandStat.EllDiskWriteRate
	snap.CommandsStat.EllNetReadRate = c.CommandStat.EllNetReadRate
	snap.CommandsStat.EllNetWriteRate = c.CommandStat.EllNetWriteRate

	if showInternals {
		snap.StatCommitRofsErrorsRaw = &stat.StatCommitRofsErrors
		snap.Stalled = &c.Stalled
		snap.DataPath = &stat.DataPath
		snap.FilePath = &stat.FilePath
	}
	return snap
}

// StatusCounts is one {status -> count} breakdown for the "summary" command.
type StatusCounts map[string]int

// Summary implements the "summary" command of spec section 6.3: counts of
// nodes, FSs, backends, groups, couples, namespaces grouped by status.
type Summary struct {
	Nodes      int          `json:"nodes"`
	FSs        StatusCounts `json:"fss"`
	Backends   StatusCounts `json:"backends"`
	Groups     StatusCounts `json:"groups"`
	Couples    StatusCounts `json:"couples"`
	Namespaces int          `json:"namespaces"`
}

// Summary builds the fleet-wide status breakdown.
func (s *Surface) Summary() Summary {
	out := Summary{
		FSs:      StatusCounts{},
		Backends: StatusCounts{},
		Groups:   StatusCounts{},
		Couples:  StatusCounts{},
	}
	nodes := s.store.Nodes()
	out.Nodes = len(nodes)
	for _, n := range nodes {
		for _, b := range n.Backends() {
			out.Backends[b.Calculated().Status.String()]++
		}
		for _, fs := range n.FSs() {
			status, _ := fs.Status()
			out.FSs[status.String()]++
		}
	}
	for _, g := range s.store.Groups() {
		status, _ := g.Status()
		out.Groups[status.String()]++
	}
	for _, c := range s.store.Couples() {
		status, _ := c.Status()
		out.Couples[status.String()]++
	}
	out.Namespaces = len(s.store.Namespaces())
	return out
}

// ListNodes implements "list-nodes": one host:port:family per node.
func (s *Surface) ListNodes() []string {
	nodes := s.store.Nodes()
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Key.String())
	}
	sort.Strings(out)
	return out
}

// NodeInfo implements "node-info": a human-readable dump.
func (s *Surface) NodeInfo(key string) (string, error) {
	nodeKey, err := ParseNodeKey(key)
	if err != nil {
		return "", err
	}
	n, ok := s.store.Node(nodeKey)
	if !ok {
		return "", fmt.Errorf("%s %w", key, ferrors.ErrNotFound)
	}
	stat, hasStat := n.Stat()
	return fmt.Sprintf("node %s: backends=%d fss=%d la1=%.2f last_poll_failed=%v stat_present=%v tx=%d rx=%d",
		n.Key.String(), len(n.Backends()), len(n.FSs()), stat.LA1, n.LastPollFailed, hasStat, stat.TxBytes, stat.RxBytes), nil
}

// NodeListBackends implements "node-list-backends".
func (s *Surface) NodeListBackends(key string) ([]string, error) {
	nodeKey, err := ParseNodeKey(key)
	if err != nil {
		return nil, err
	}
	n, ok := s.store.Node(nodeKey)
	if !ok {
		return nil, fmt.Errorf("%s %w", key, ferrors.ErrNotFound)
	}
	out := make([]string, 0)
	for _, b := range n.Backends() {
		out = append(out, b.Key())
	}
	sort.Strings(out)
	return out, nil
}

// BackendInfo implements "backend-info": a human-readable dump of one
// backend, identified by "nodeKey/backendId".
func (s *Surface) BackendInfo(key string) (string, error) {
	nodeKey, id, err := parseBackendKey(key)
	if err != nil {
		return "", err
	}
	n, ok := s.store.Node(nodeKey)
	if !ok {
		return "", fmt.Errorf("%s %w", key, ferrors.ErrNotFound)
	}
	b, ok := n.Backend(id)
	if !ok {
		return "", fmt.Errorf("%s %w", key, ferrors.ErrNotFound)
	}
	c := b.Calculated()
	return fmt.Sprintf("backend %s: status=%s (%s) total=%d free=%d effective_free=%d records=%d",
		b.Key(), c.Status.String(), c.StatusText, c.TotalSpace, c.FreeSpace, c.EffectiveFreeSpace, c.Records), nil
}

// FSInfo implements "fs-info".
func (s *Surface) FSInfo(key string) (string, error) {
	host, fsid, err := parseFSKey(key)
	if err != nil {
		return "", err
	}
	fs := s.findFS(host, fsid)
	if fs == nil {
		return "", fmt.Errorf("%s %w", key, ferrors.ErrNotFound)
	}
	status, text := fs.Status()
	return fmt.Sprintf("fs %s: status=%s (%s) vfs_total=%d backends=%d", fs.Key(), status.String(), text, fs.VfsTotalSpace(), len(fs.Backends())), nil
}

// FSListBackends implements "fs-list-backends".
func (s *Surface) FSListBackends(key string) ([]string, error) {
	host, fsid, err := parseFSKey(key)
	if err != nil {
		return nil, err
	}
	fs := s.findFS(host, fsid)
	if fs == nil {
		return nil, fmt.Errorf("%s %w", key, ferrors.ErrNotFound)
	}
	out := make([]string, 0)
	for _, b := range fs.Backends() {
		out = append(out, b.Key())
	}
	sort.Strings(out)
	return out, nil
}

// GroupInfo implements "group-info".
func (s *Surface) GroupInfo(idStr string) (string, error) {
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return "", fmt.Errorf("invalid group id %q", idStr)
	}
	g, ok := s.store.Group(id)
	if !ok {
		return "", fmt.Errorf("%s %w", idStr, ferrors.ErrNotFound)
	}
	status, text := g.Status()
	md, _ := g.Decoded()
	coupleKey := ""
	if c := g.Couple(); c != nil {
		coupleKey = c.Key()
	}
	return fmt.Sprintf("group %d: status=%s (%s) namespace=%s frozen=%v couple=%s backends=%d",
		g.ID, status.String(), text, md.Namespace, md.Frozen, coupleKey, len(g.Backends())), nil
}

func (s *Surface) findFS(host string, fsid uint64) *topology.FS {
	for _, n := range s.store.Nodes() {
		if n.Key.Host != host {
			continue
		}
		if fs, ok := n.FS(fsid); ok {
			return fs
		}
	}
	return nil
}

// ParseNodeKey parses "host:port:family" into a topology.NodeKey.
func ParseNodeKey(s string) (topology.NodeKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return topology.NodeKey{}, fmt.Errorf("invalid node key %q, want host:port:family", s)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return topology.NodeKey{}, fmt.Errorf("invalid node key %q: port is not numeric", s)
	}
	family, err := strconv.Atoi(parts[2])
	if err != nil {
		return topology.NodeKey{}, fmt.Errorf("invalid node key %q: family is not numeric", s)
	}
	return topology.NodeKey{Host: parts[0], Port: port, Family: family}, nil
}

func parseBackendKey(s string) (topology.NodeKey, uint64, error) {
	idx := strings.LastIndex(s, "/")
	if idx < 0 {
		return topology.NodeKey{}, 0, fmt.Errorf("invalid backend key %q, want nodeKey/backendId", s)
	}
	nodeKey, err := ParseNodeKey(s[:idx])
	if err != nil {
		return topology.NodeKey{}, 0, err
	}
	id, err := strconv.ParseUint(s[idx+1:], 10, 64)
	if err != nil {
		return topology.NodeKey{}, 0, fmt.Errorf("invalid backend key %q: id is not numeric", s)
	}
	return nodeKey, id, nil
}

func parseFSKey(s string) (host string, fsid uint64, err error) {
	idx := strings.LastIndex(s, "/")
	if idx < 0 {
		return "", 0, fmt.Errorf("invalid fs key %q, want host/fsid", s)
	}
	id, err := strconv.ParseUint(s[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid fs key %q: fsid is not numeric", s)
	}
	return s[:idx], id, nil
}
