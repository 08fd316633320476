package query

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/blobfleet/fleetmon/internal/config"
	"github.com/blobfleet/fleetmon/internal/derive"
	"github.com/blobfleet/fleetmon/internal/ferrors"
	"github.com/blobfleet/fleetmon/internal/groupmeta"
	"github.com/blobfleet/fleetmon/internal/topology"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.NodeBackendStatStaleTimeout = 120 * time.Second
	return cfg
}

func baseStat(backendID, group, fsid uint64, tsSec uint64) topology.BackendStat {
	return topology.BackendStat{
		BackendID: backendID,
		TsSec:     tsSec,
		State:     topology.BackendStateEnabled,
		VfsBlocks: 2_000_000,
		VfsBsize:  4096,
		VfsBavail: 1_500_000,
		VfsFsid:   fsid,
		Group:     group,
	}
}

func buildStore(t *testing.T) (*topology.Store, topology.NodeKey, time.Time) {
	t.Helper()
	store := topology.NewStore(groupmeta.NewDecoder())
	now := time.Unix(1_700_000_100, 0)
	key := topology.NodeKey{Host: "h1", Port: 1025, Family: 10}
	node := store.UpsertNode(key)

	stat := baseStat(1, 17, 3, uint64(now.Unix())-10)
	store.ApplyBackendStat(node, stat)

	derive.Run(store, testConfig(), now)
	return store, key, now
}

func TestBackendJSONRoundTrips(t *testing.T) {
	store, key, _ := buildStore(t)
	node, _ := store.Node(key)
	b, _ := node.Backend(1)

	data, err := BackendJSON(b, false)
	if err != nil {
		t.Fatalf("BackendJSON: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"backend_id":1`) {
		t.Errorf("missing backend_id in %s", s)
	}
	if !strings.Contains(s, `"group":17`) {
		t.Errorf("missing group in %s", s)
	}
	if strings.Contains(s, `"data_path"`) {
		t.Errorf("show_internals=false should omit data_path: %s", s)
	}
}

func TestBackendJSONShowInternals(t *testing.T) {
	store, key, _ := buildStore(t)
	node, _ := store.Node(key)
	b, _ := node.Backend(1)

	data, err := BackendJSON(b, true)
	if err != nil {
		t.Fatalf("BackendJSON: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"stalled"`) {
		t.Errorf("show_internals=true should include stalled: %s", s)
	}
}

func TestSurfaceSummary(t *testing.T) {
	store, _, _ := buildStore(t)
	s := New(store)
	summary := s.Summary()
	if summary.Nodes != 1 {
		t.Errorf("Nodes = %d, want 1", summary.Nodes)
	}
	if summary.Backends["OK"] != 1 {
		t.Errorf("Backends[OK] = %d, want 1, got %+v", summary.Backends["OK"], summary.Backends)
	}
}

func TestSurfaceListNodes(t *testing.T) {
	store, key, _ := buildStore(t)
	s := New(store)
	nodes := s.ListNodes()
	if len(nodes) != 1 || nodes[0] != key.String() {
		t.Errorf("ListNodes = %v, want [%s]", nodes, key.String())
	}
}

func TestSurfaceNodeInfo(t *testing.T) {
	store, key, _ := buildStore(t)
	s := New(store)
	info, err := s.NodeInfo(key.String())
	if err != nil {
		t.Fatalf("NodeInfo: %v", err)
	}
	if !strings.Contains(info, key.String()) {
		t.Errorf("NodeInfo missing node key: %s", info)
	}
}

func TestSurfaceNodeInfoNotFound(t *testing.T) {
	store, _, _ := buildStore(t)
	s := New(store)
	_, err := s.NodeInfo("missing:1:10")
	if !errors.Is(err, ferrors.ErrNotFound) {
		t.Errorf("NodeInfo(missing) error = %v, want wrapping ErrNotFound", err)
	}
}

func TestSurfaceNodeListBackends(t *testing.T) {
	store, key, _ := buildStore(t)
	s := New(store)
	backends, err := s.NodeListBackends(key.String())
	if err != nil {
		t.Fatalf("NodeListBackends: %v", err)
	}
	want := topology.BackendKey(key, 1)
	if len(backends) != 1 || backends[0] != want {
		t.Errorf("NodeListBackends = %v, want [%s]", backends, want)
	}
}

func TestSurfaceBackendInfo(t *testing.T) {
	store, key, _ := buildStore(t)
	s := New(store)
	info, err := s.BackendInfo(topology.BackendKey(key, 1))
	if err != nil {
		t.Fatalf("BackendInfo: %v", err)
	}
	if !strings.Contains(info, "status=OK") {
		t.Errorf("BackendInfo = %q, want status=OK", info)
	}
}

func TestSurfaceBackendInfoNotFound(t *testing.T) {
	store, key, _ := buildStore(t)
	s := New(store)
	_, err := s.BackendInfo(topology.BackendKey(key, 99))
	if !errors.Is(err, ferrors.ErrNotFound) {
		t.Errorf("BackendInfo(missing id) error = %v, want wrapping ErrNotFound", err)
	}
}

func TestSurfaceFSInfoAndListBackends(t *testing.T) {
	store, key, _ := buildStore(t)
	s := New(store)
	fsKey := topology.FSKey(key.Host, 3)

	info, err := s.FSInfo(fsKey)
	if err != nil {
		t.Fatalf("FSInfo: %v", err)
	}
	if !strings.Contains(info, "status=OK") {
		t.Errorf("FSInfo = %q, want status=OK", info)
	}

	backends, err := s.FSListBackends(fsKey)
	if err != nil {
		t.Fatalf("FSListBackends: %v", err)
	}
	if len(backends) != 1 {
		t.Errorf("FSListBackends = %v, want 1 entry", backends)
	}
}

func TestSurfaceGroupInfo(t *testing.T) {
	store, _, _ := buildStore(t)
	s := New(store)
	info, err := s.GroupInfo("17")
	if err != nil {
		t.Fatalf("GroupInfo: %v", err)
	}
	if !strings.Contains(info, "group 17") {
		t.Errorf("GroupInfo = %q, want mention of group 17", info)
	}
}

func TestSurfaceGroupInfoNotFound(t *testing.T) {
	store, _, _ := buildStore(t)
	s := New(store)
	_, err := s.GroupInfo("999")
	if !errors.Is(err, ferrors.ErrNotFound) {
		t.Errorf("GroupInfo(missing) error = %v, want wrapping ErrNotFound", err)
	}
}

func TestParseNodeKeyRejectsMalformed(t *testing.T) {
	if _, err := ParseNodeKey("not-a-key"); err == nil {
		t.Error("expected error for malformed node key")
	}
}
