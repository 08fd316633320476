// Package derive implements the Derivation Engine of spec section 4.3: the
// pure recomputation pass that turns raw stats into capacity arithmetic,
// fragmentation, stall detection and the backend/filesystem/group/couple
// status state machines. It runs once per refresh cycle, strictly after all
// stat applications for that cycle have settled (spec section 4.5 step 4),
// in the fixed order backends -> filesystems -> groups -> couples.
package derive

import (
	"time"

	"github.com/blobfleet/fleetmon/internal/config"
	"github.com/blobfleet/fleetmon/internal/topology"
)

// Run executes one full derivation pass over store using cfg and now as the
// wall-clock reference for stall detection.
func Run(store *topology.Store, cfg config.Config, now time.Time) {
	for _, node := range store.Nodes() {
		for _, b := range node.Backends() {
			deriveBackend(b, node, cfg, now)
		}
	}
	for _, node := range store.Nodes() {
		for _, fs := range node.FSs() {
			deriveFS(fs)
		}
	}
	for _, g := range store.Groups() {
		deriveGroup(g, cfg)
	}
	for _, c := range store.Couples() {
		deriveCouple(c, cfg)
	}
}
