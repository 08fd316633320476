package derive

import (
	"fmt"

	"github.com/blobfleet/fleetmon/internal/topology"
)

// deriveFS implements spec section 4.3's FS status rule: BROKEN iff the sum
// of total_space across backends currently OK or BROKEN exceeds the
// filesystem's observed vfs total space (the configured blob limits
// over-commit the filesystem).
func deriveFS(fs *topology.FS) {
	var total int64
	for _, b := range fs.Backends() {
		c := b.Calculated()
		if c.Status == topology.BackendOK || c.Status == topology.BackendBroken {
			total += c.TotalSpace
		}
	}

	if uint64(total) > fs.VfsTotalSpace() {
		fs.SetStatus(topology.FSBroken, fmt.Sprintf("fs %s is over-committed: backend totals %d exceed vfs total %d", fs.Key(), total, fs.VfsTotalSpace()))
		return
	}
	fs.SetStatus(topology.FSOK, fmt.Sprintf("fs %s is OK", fs.Key()))
}
