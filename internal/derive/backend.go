package derive

import (
	"math"
	"time"

	"github.com/blobfleet/fleetmon/internal/config"
	"github.com/blobfleet/fleetmon/internal/topology"
)

// deriveBackend recomputes every derived field for one backend, per spec
// section 4.3 items 1-7. It reads the owning FS's status as it stood after
// the previous cycle's derivation pass (filesystems derive after backends
// within a cycle, per spec section 4.5 step 4), so a just-discovered
// FS-BROKEN condition is reflected in backend status starting the cycle
// after the one that caused it.
func deriveBackend(b *topology.Backend, node *topology.Node, cfg config.Config, now time.Time) {
	stat, ok := b.Stat()
	if !ok {
		b.SetCalculated(topology.Calculated{Status: topology.BackendInit, StatusDetail: topology.DetailInit, StatusText: topology.DetailInit.Text(b.Key(), 0, 0)})
		return
	}

	c := b.Calculated() // preserves CommandStat/ReadRPS/WriteRPS/StatCommitRofsErrorsDiff set by Backend.update

	vfsTotal := stat.VfsBlocks * stat.VfsBsize
	vfsFree := stat.VfsBavail * stat.VfsBsize
	vfsUsed := int64(vfsTotal) - int64(vfsFree)

	var total, free, used int64
	if stat.BlobSizeLimit > 0 {
		total = minInt64(int64(stat.BlobSizeLimit), int64(vfsTotal))
		used = int64(stat.BaseSize)
		free = minInt64(int64(vfsFree), maxInt64(0, total-used))
	} else {
		total = int64(vfsTotal)
		free = int64(vfsFree)
		used = vfsUsed
	}

	var reserved int64
	if vfsTotal > 0 {
		share := float64(total) / float64(vfsTotal)
		reserved = int64(math.Ceil(cfg.ReservedSpace * share * float64(vfsTotal)))
	}
	effective := maxInt64(0, total-reserved)
	effectiveFree := maxInt64(0, free-(total-effective))

	records := stat.RecordsTotal - stat.RecordsRemoved
	fragmentation := float64(stat.RecordsRemoved) / float64(maxUint64(stat.RecordsTotal, 1))

	la1 := node.LA1()
	c.MaxReadRPS = maxRPS(c.ReadRPS, la1)
	c.MaxWriteRPS = maxRPS(c.WriteRPS, la1)

	stalled := false
	nowSec := uint64(now.Unix())
	if now.Unix() >= int64(stat.TsSec) {
		stalled = nowSec-stat.TsSec > uint64(cfg.NodeBackendStatStaleTimeout/time.Second)
	}

	c.VfsTotalSpace = vfsTotal
	c.VfsFreeSpace = vfsFree
	c.VfsUsedSpace = uint64(vfsUsed)
	c.TotalSpace = total
	c.FreeSpace = free
	c.UsedSpace = used
	c.EffectiveSpace = effective
	c.EffectiveFreeSpace = effectiveFree
	c.Records = records
	c.Fragmentation = fragmentation
	c.Stalled = stalled

	fsStatus := topology.FSOK
	if fs := b.FS(); fs != nil {
		fsStatus, _ = fs.Status()
	}

	detail := classifyBackend(stat, c, fsStatus)
	c.StatusDetail = detail
	c.Status = statusFromDetail(detail)
	c.StatusText = detail.Text(b.Key(), nowSec-stat.TsSec, fsidOf(b))

	b.SetCalculated(c)
}

func classifyBackend(stat topology.BackendStat, c topology.Calculated, fsStatus topology.FSStatus) topology.StatusDetail {
	switch {
	case c.Stalled:
		return topology.DetailStalled
	case stat.State != topology.BackendStateEnabled:
		return topology.DetailNotEnabled
	case fsStatus == topology.FSBroken:
		return topology.DetailFSBroken
	case stat.ReadOnly:
		return topology.DetailReadOnly
	case c.StatCommitRofsErrorsDiff > 0:
		return topology.DetailHasCommitErrors
	default:
		return topology.DetailOK
	}
}

func statusFromDetail(d topology.StatusDetail) topology.BackendStatus {
	switch d {
	case topology.DetailStalled:
		return topology.BackendStalled
	case topology.DetailNotEnabled:
		return topology.BackendStalled
	case topology.DetailFSBroken:
		return topology.BackendBroken
	case topology.DetailReadOnly, topology.DetailHasCommitErrors:
		return topology.BackendRO
	case topology.DetailOK:
		return topology.BackendOK
	default:
		return topology.BackendInit
	}
}

func fsidOf(b *topology.Backend) uint64 {
	if fs := b.FS(); fs != nil {
		return fs.ID
	}
	return 0
}

func maxRPS(rps int, la1 float64) int {
	denom := la1
	if denom < 0.01 {
		denom = 0.01
	}
	v := int(float64(rps) / denom)
	if v < 100 {
		v = 100
	}
	return v
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
