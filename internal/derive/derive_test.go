package derive

import (
	"bytes"
	"testing"
	"time"

	"github.com/tinylib/msgp/msgp"

	"github.com/blobfleet/fleetmon/internal/config"
	"github.com/blobfleet/fleetmon/internal/groupmeta"
	"github.com/blobfleet/fleetmon/internal/topology"
)

func encodeMetadata(t *testing.T, couple []int, namespace string, frozen bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	if err := w.WriteMapHeader(4); err != nil {
		t.Fatalf("WriteMapHeader: %v", err)
	}
	if err := w.WriteString("version"); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteInt(1); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteString("couple"); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteArrayHeader(uint32(len(couple))); err != nil {
		t.Fatal(err)
	}
	for _, id := range couple {
		if err := w.WriteInt(id); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.WriteString("namespace"); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteString(namespace); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteString("frozen"); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteBool(frozen); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	return buf.Bytes()
}

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

func TestDeriveBackendCapacityArithmeticNoBlobLimit(t *testing.T) {
	store := topology.NewStore(groupmeta.NewDecoder())
	now := time.Unix(1_700_000_100, 0)
	node := store.UpsertNode(topology.NodeKey{Host: "h1", Port: 1025, Family: 10})

	stat := baseStat(1, 17, 1, uint64(now.Unix())-10)
	store.ApplyBackendStat(node, stat)

	Run(store, testConfig(), now)

	b, _ := node.Backend(1)
	c := b.Calculated()

	wantVfsTotal := uint64(2_000_000) * 4096
	if c.VfsTotalSpace != wantVfsTotal {
		t.Errorf("VfsTotalSpace = %d, want %d", c.VfsTotalSpace, wantVfsTotal)
	}
	if c.TotalSpace != int64(wantVfsTotal) {
		t.Errorf("TotalSpace = %d, want %d (no blob_size_limit set)", c.TotalSpace, wantVfsTotal)
	}
	if c.EffectiveFreeSpace < 0 || c.EffectiveFreeSpace > c.FreeSpace || c.FreeSpace > c.TotalSpace || c.TotalSpace > int64(c.VfsTotalSpace) {
		t.Errorf("space ordering invariant violated: %+v", c)
	}
	if c.Status != topology.BackendOK {
		t.Errorf("Status = %v, want OK", c.Status)
	}
}

func TestDeriveBackendFullViaBlobSizeLimit(t *testing.T) {
	store := topology.NewStore(groupmeta.NewDecoder())
	now := time.Unix(1_700_000_100, 0)
	node := store.UpsertNode(topology.NodeKey{Host: "h1", Port: 1025, Family: 10})

	stat := baseStat(1, 17, 1, uint64(now.Unix())-10)
	stat.BlobSizeLimit = 1_000_000_000
	stat.BaseSize = 990_000_000
	store.ApplyBackendStat(node, stat)

	Run(store, testConfig(), now)

	b, _ := node.Backend(1)
	if !b.Full(testConfig().ReservedSpace) {
		t.Errorf("expected backend to be full with blob_size_limit=%d, base_size=%d", stat.BlobSizeLimit, stat.BaseSize)
	}
}

func TestDeriveBackendStalled(t *testing.T) {
	store := topology.NewStore(groupmeta.NewDecoder())
	now := time.Unix(1_700_000_100, 0)
	node := store.UpsertNode(topology.NodeKey{Host: "h1", Port: 1025, Family: 10})

	stat := baseStat(1, 17, 1, uint64(now.Unix())-1000) // 1000s stale, threshold 120s
	store.ApplyBackendStat(node, stat)

	Run(store, testConfig(), now)

	b, _ := node.Backend(1)
	c := b.Calculated()
	if c.Status != topology.BackendStalled {
		t.Errorf("Status = %v, want STALLED", c.Status)
	}
	if c.StatusDetail != topology.DetailStalled {
		t.Errorf("StatusDetail = %v, want DetailStalled", c.StatusDetail)
	}
}

func TestDeriveBackendClockRewindNeverStalls(t *testing.T) {
	store := topology.NewStore(groupmeta.NewDecoder())
	now := time.Unix(1_700_000_100, 0)
	node := store.UpsertNode(topology.NodeKey{Host: "h1", Port: 1025, Family: 10})

	stat := baseStat(1, 17, 1, uint64(now.Unix())+1_000_000) // stat "from the future"
	store.ApplyBackendStat(node, stat)

	Run(store, testConfig(), now)

	b, _ := node.Backend(1)
	if b.Calculated().Stalled {
		t.Error("Stalled = true on clock rewind, want false")
	}
}

func TestDeriveBackendROViaCommitRofs(t *testing.T) {
	store := topology.NewStore(groupmeta.NewDecoder())
	now := time.Unix(1_700_000_100, 0)
	node := store.UpsertNode(topology.NodeKey{Host: "h1", Port: 1025, Family: 10})

	first := baseStat(1, 17, 1, uint64(now.Unix())-20)
	first.StatCommitRofsErrors = 100
	store.ApplyBackendStat(node, first)

	second := baseStat(1, 17, 1, uint64(now.Unix())-10)
	second.StatCommitRofsErrors = 107
	store.ApplyBackendStat(node, second)

	Run(store, testConfig(), now)

	b, _ := node.Backend(1)
	c := b.Calculated()
	if c.StatCommitRofsErrorsDiff != 7 {
		t.Errorf("StatCommitRofsErrorsDiff = %d, want 7", c.StatCommitRofsErrorsDiff)
	}
	if c.Status != topology.BackendRO {
		t.Errorf("Status = %v, want RO", c.Status)
	}
	if c.StatusDetail != topology.DetailHasCommitErrors {
		t.Errorf("StatusDetail = %v, want DetailHasCommitErrors", c.StatusDetail)
	}
}

func TestDeriveBackendCommitRofsDiffResetsOnRestart(t *testing.T) {
	store := topology.NewStore(groupmeta.NewDecoder())
	now := time.Unix(1_700_000_100, 0)
	node := store.UpsertNode(topology.NodeKey{Host: "h1", Port: 1025, Family: 10})

	first := baseStat(1, 17, 1, uint64(now.Unix())-20)
	first.StatCommitRofsErrors = 100
	first.LastStartTsSec = 1000
	store.ApplyBackendStat(node, first)

	second := baseStat(1, 17, 1, uint64(now.Unix())-10)
	second.StatCommitRofsErrors = 3 // process restarted, counters reset
	second.LastStartTsSec = 2000    // last_start advanced
	store.ApplyBackendStat(node, second)

	Run(store, testConfig(), now)

	b, _ := node.Backend(1)
	if b.Calculated().StatCommitRofsErrorsDiff != 0 {
		t.Errorf("StatCommitRofsErrorsDiff = %d, want 0 after restart", b.Calculated().StatCommitRofsErrorsDiff)
	}
}

// twoGroupCouple builds a couple of two single-backend groups on separate
// nodes, applying identical metadata to both, per spec section 8 scenario 2.
func twoGroupCouple(t *testing.T, namespace string, frozen bool, secondFull bool) (*topology.Store, *topology.Couple, time.Time) {
	t.Helper()
	store := topology.NewStore(groupmeta.NewDecoder())
	now := time.Unix(1_700_000_100, 0)

	n1 := store.UpsertNode(topology.NodeKey{Host: "h1", Port: 1025, Family: 10})
	n2 := store.UpsertNode(topology.NodeKey{Host: "h2", Port: 1025, Family: 10})

	stat1 := baseStat(1, 17, 1, uint64(now.Unix())-10)
	store.ApplyBackendStat(n1, stat1)

	stat2 := baseStat(1, 42, 1, uint64(now.Unix())-10)
	if secondFull {
		stat2.BlobSizeLimit = 1_000_000_000
		stat2.BaseSize = 990_000_000
	}
	store.ApplyBackendStat(n2, stat2)

	g17, _ := store.Group(17)
	g42, _ := store.Group(42)

	blob := encodeMetadata(t, []int{17, 42}, namespace, frozen)
	if err := store.ApplyGroupMetadata(g17, blob); err != nil {
		t.Fatalf("ApplyGroupMetadata(17): %v", err)
	}
	if err := store.ApplyGroupMetadata(g42, blob); err != nil {
		t.Fatalf("ApplyGroupMetadata(42): %v", err)
	}

	Run(store, testConfig(), now)

	couple, ok := store.Couple("17:42")
	if !ok {
		t.Fatal("expected couple 17:42 to exist")
	}
	return store, couple, now
}

func TestDeriveCoupleOK(t *testing.T) {
	_, couple, _ := twoGroupCouple(t, "x", false, false)
	status, _ := couple.Status()
	if status != topology.CoupleOK {
		t.Errorf("Couple status = %v, want OK", status)
	}
}

func TestDeriveCoupleFrozenOverridesFull(t *testing.T) {
	_, couple, _ := twoGroupCouple(t, "x", true, true)
	status, _ := couple.Status()
	if status != topology.CoupleFrozen {
		t.Errorf("Couple status = %v, want FROZEN (must override FULL)", status)
	}
}

func TestDeriveCoupleFullWithoutFrozen(t *testing.T) {
	_, couple, _ := twoGroupCouple(t, "x", false, true)
	status, _ := couple.Status()
	if status != topology.CoupleFull {
		t.Errorf("Couple status = %v, want FULL", status)
	}
}
