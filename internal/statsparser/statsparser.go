// Package statsparser implements the Statistics Ingestion pipeline of spec
// section 4.2: a streaming decode of one node's monitor-stats JSON payload
// into a NodeStat and a sequence of BackendStat records.
package statsparser

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/blobfleet/fleetmon/internal/ferrors"
	"github.com/blobfleet/fleetmon/internal/topology"
)

type tsPair struct {
	TvSec  uint64 `json:"tv_sec"`
	TvUsec uint64 `json:"tv_usec"`
}

type sizeTime struct {
	Size uint64 `json:"size"`
	Time uint64 `json:"time"`
}

type internalOutside struct {
	Internal sizeTime `json:"internal"`
	Outside  sizeTime `json:"outside"`
}

type commandEntry struct {
	Cache internalOutside `json:"cache"`
	Disk  internalOutside `json:"disk"`
}

type payload struct {
	Timestamp tsPair `json:"timestamp"`
	Procfs    struct {
		VM struct {
			LA []float64 `json:"la"`
		} `json:"vm"`
		Net struct {
			NetInterfaces map[string]struct {
				Receive  sizeCounter `json:"receive"`
				Transmit sizeCounter `json:"transmit"`
			} `json:"net_interfaces"`
		} `json:"net"`
	} `json:"procfs"`
	Backends map[string]backendEntry           `json:"backends"`
	Stats    map[string]struct{ Count uint64 } `json:"stats"`
}

type sizeCounter struct {
	Bytes uint64 `json:"bytes"`
}

type backendEntry struct {
	Backend struct {
		BaseStats map[string]struct {
			BaseSize uint64 `json:"base_size"`
		} `json:"base_stats"`
		Config struct {
			BlobSize      uint64 `json:"blob_size"`
			BlobSizeLimit uint64 `json:"blob_size_limit"`
			Data          string `json:"data"`
			File          string `json:"file"`
			Group         uint64 `json:"group"`
		} `json:"config"`
		Dstat struct {
			Error       uint64 `json:"error"`
			IOTicks     uint64 `json:"io_ticks"`
			ReadIOs     uint64 `json:"read_ios"`
			ReadSectors uint64 `json:"read_sectors"`
			ReadTicks   uint64 `json:"read_ticks"`
			WriteIOs    uint64 `json:"write_ios"`
			WriteTicks  uint64 `json:"write_ticks"`
		} `json:"dstat"`
		SummaryStats struct {
			BaseSize           uint64 `json:"base_size"`
			RecordsRemoved     uint64 `json:"records_removed"`
			RecordsRemovedSize uint64 `json:"records_removed_size"`
			RecordsTotal       uint64 `json:"records_total"`
			WantDefrag         uint64 `json:"want_defrag"`
		} `json:"summary_stats"`
		VFS struct {
			Bavail uint64 `json:"bavail"`
			Blocks uint64 `json:"blocks"`
			Bsize  uint64 `json:"bsize"`
			Error  uint64 `json:"error"`
			Fsid   uint64 `json:"fsid"`
		} `json:"vfs"`
	} `json:"backend"`
	Commands map[string]commandEntry `json:"commands"`
	IO       struct {
		Blocking    struct{ CurrentSize uint64 `json:"current_size"` } `json:"blocking"`
		Nonblocking struct{ CurrentSize uint64 `json:"current_size"` } `json:"nonblocking"`
	} `json:"io"`
	Status struct {
		DefragState uint64 `json:"defrag_state"`
		LastStart   tsPair `json:"last_start"`
		ReadOnly    bool   `json:"read_only"`
		State       uint64 `json:"state"`
	} `json:"status"`
}

// commitRofsErrorCode is the EROFS error class code (spec section 4.2).
const commitRofsErrorCode = "30"

// Parse decodes one node's telemetry payload per spec section 4.2. On any
// structural violation it returns a zero NodeStat, a nil slice and a wrapped
// ferrors.ErrParseFailed; the caller discards the whole payload for the
// cycle without touching the topology store.
func Parse(raw []byte) (topology.NodeStat, []topology.BackendStat, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return topology.NodeStat{}, nil, fmt.Errorf("%w: %v", ferrors.ErrParseFailed, err)
	}
	if len(p.Procfs.VM.LA) == 0 {
		return topology.NodeStat{}, nil, fmt.Errorf("%w: procfs.vm.la is empty", ferrors.ErrParseFailed)
	}

	var txBytes, rxBytes uint64
	for name, iface := range p.Procfs.Net.NetInterfaces {
		if isLoopback(name) {
			continue
		}
		txBytes += iface.Transmit.Bytes
		rxBytes += iface.Receive.Bytes
	}

	nodeStat := topology.NodeStat{
		TsSec:   p.Timestamp.TvSec,
		TsUsec:  p.Timestamp.TvUsec,
		LA1:     p.Procfs.VM.LA[0],
		TxBytes: txBytes,
		RxBytes: rxBytes,
	}

	rofsErrors := parseCommitRofsErrors(p.Stats)

	ids := make([]string, 0, len(p.Backends))
	for id := range p.Backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	backendStats := make([]topology.BackendStat, 0, len(ids))
	for _, idStr := range ids {
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			return topology.NodeStat{}, nil, fmt.Errorf("%w: backend id %q is not numeric", ferrors.ErrParseFailed, idStr)
		}
		stat, err := parseBackend(id, p.Backends[idStr], p.Timestamp)
		if err != nil {
			return topology.NodeStat{}, nil, err
		}
		stat.StatCommitRofsErrors = rofsErrors[id]
		backendStats = append(backendStats, stat)
	}

	return nodeStat, backendStats, nil
}

func isLoopback(name string) bool {
	return name == "lo" || strings.HasPrefix(name, "lo:")
}

// parseCommitRofsErrors implements spec section 4.2's "commit-rofs errors"
// rule: keys in the top-level stats map matching
// eblob.<backendId>.disk.stat_commit.errors.30 populate the result; any
// other errors.<code> key is ignored.
func parseCommitRofsErrors(stats map[string]struct{ Count uint64 }) map[uint64]uint64 {
	out := make(map[uint64]uint64)
	for key, v := range stats {
		parts := strings.Split(key, ".")
		if len(parts) != 6 {
			continue
		}
		if parts[0] != "eblob" || parts[2] != "disk" || parts[3] != "stat_commit" || parts[4] != "errors" {
			continue
		}
		if parts[5] != commitRofsErrorCode {
			continue
		}
		id, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			continue
		}
		out[id] = v.Count
	}
	return out
}

func parseBackend(id uint64, e backendEntry, ts tsPair) (topology.BackendStat, error) {
	var maxBaseSize uint64
	for _, bs := range e.Backend.BaseStats {
		if bs.BaseSize > maxBaseSize {
			maxBaseSize = bs.BaseSize
		}
	}

	// LOOKUP and READ commands feed the "read" family counters; WRITE feeds
	// the "write" family (spec section 4.2: cache/disk x internal/outside
	// summed across the LOOKUP+READ+WRITE command family).
	var diskReadSize, diskReadTime, diskWriteSize, diskWriteTime uint64
	var cacheReadSize, cacheReadTime, cacheWriteSize, cacheWriteTime uint64

	for name, cmd := range e.Commands {
		diskSize := cmd.Disk.Internal.Size + cmd.Disk.Outside.Size
		diskTime := cmd.Disk.Internal.Time + cmd.Disk.Outside.Time
		cacheSize := cmd.Cache.Internal.Size + cmd.Cache.Outside.Size
		cacheTime := cmd.Cache.Internal.Time + cmd.Cache.Outside.Time

		switch name {
		case "LOOKUP", "READ":
			diskReadSize += diskSize
			diskReadTime += diskTime
			cacheReadSize += cacheSize
			cacheReadTime += cacheTime
		case "WRITE":
			diskWriteSize += diskSize
			diskWriteTime += diskTime
			cacheWriteSize += cacheSize
			cacheWriteTime += cacheTime
		}
	}

	return topology.BackendStat{
		BackendID: id,
		TsSec:     ts.TvSec,
		TsUsec:    ts.TvUsec,

		State:       e.Status.State,
		DefragState: e.Status.DefragState,
		ReadOnly:    e.Status.ReadOnly,

		LastStartTsSec:  e.Status.LastStart.TvSec,
		LastStartTsUsec: e.Status.LastStart.TvUsec,

		VfsBlocks: e.Backend.VFS.Blocks,
		VfsBavail: e.Backend.VFS.Bavail,
		VfsBsize:  e.Backend.VFS.Bsize,
		VfsError:  e.Backend.VFS.Error,
		VfsFsid:   e.Backend.VFS.Fsid,

		BaseSize:           e.Backend.SummaryStats.BaseSize,
		RecordsTotal:       e.Backend.SummaryStats.RecordsTotal,
		RecordsRemoved:     e.Backend.SummaryStats.RecordsRemoved,
		RecordsRemovedSize: e.Backend.SummaryStats.RecordsRemovedSize,
		WantDefrag:         e.Backend.SummaryStats.WantDefrag,
		MaxBlobBaseSize:    maxBaseSize,

		BlobSize:      e.Backend.Config.BlobSize,
		BlobSizeLimit: e.Backend.Config.BlobSizeLimit,
		Group:         e.Backend.Config.Group,

		DstatError:  e.Backend.Dstat.Error,
		IOTicks:     e.Backend.Dstat.IOTicks,
		ReadIOs:     e.Backend.Dstat.ReadIOs,
		ReadSectors: e.Backend.Dstat.ReadSectors,
		ReadTicks:   e.Backend.Dstat.ReadTicks,
		WriteIOs:    e.Backend.Dstat.WriteIOs,
		WriteTicks:  e.Backend.Dstat.WriteTicks,

		IOBlockingSize:    e.IO.Blocking.CurrentSize,
		IONonblockingSize: e.IO.Nonblocking.CurrentSize,

		EllDiskReadSize:   diskReadSize,
		EllDiskReadTime:   diskReadTime,
		EllDiskWriteSize:  diskWriteSize,
		EllDiskWriteTime:  diskWriteTime,
		EllCacheReadSize:  cacheReadSize,
		EllCacheReadTime:  cacheReadTime,
		EllCacheWriteSize: cacheWriteSize,
		EllCacheWriteTime: cacheWriteTime,

		DataPath: e.Backend.Config.Data,
		FilePath: e.Backend.Config.File,
	}, nil
}
