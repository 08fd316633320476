package derive

import (
	"fmt"

	"github.com/blobfleet/fleetmon/internal/config"
	"github.com/blobfleet/fleetmon/internal/topology"
)

// deriveGroup implements spec section 4.3's group status rule, resolved
// top-down with the first match winning.
func deriveGroup(g *topology.Group, cfg config.Config) {
	backends := g.Backends()

	if len(backends) == 0 {
		g.SetStatus(topology.GroupInit, fmt.Sprintf("group %d has no backends", g.ID))
		return
	}

	if bad, text := g.MetadataBad(); bad {
		g.SetStatus(topology.GroupBad, text)
		return
	}

	if cfg.ForbiddenDHTGroups && len(backends) > 1 {
		g.SetStatus(topology.GroupBroken, fmt.Sprintf("group %d has %d backends but DHT groups are forbidden", g.ID, len(backends)))
		return
	}

	var anyBroken, anyRO, anyMigrating, anyOther, allOK bool
	allOK = true
	_, decodedOK := g.Decoded()
	migrating := decodedMigrating(g)

	for _, b := range backends {
		c := b.Calculated()
		switch c.Status {
		case topology.BackendOK:
		case topology.BackendBroken:
			anyBroken = true
			allOK = false
		case topology.BackendRO:
			anyRO = true
			allOK = false
			if migrating {
				anyMigrating = true
			}
		default:
			anyOther = true
			allOK = false
		}
	}

	switch {
	case anyBroken:
		g.SetStatus(topology.GroupBroken, fmt.Sprintf("group %d has a broken backend", g.ID))
	case anyRO && anyMigrating:
		g.SetStatus(topology.GroupMigrating, fmt.Sprintf("group %d is migrating", g.ID))
	case anyRO:
		g.SetStatus(topology.GroupRO, fmt.Sprintf("group %d has a read-only backend", g.ID))
	case anyOther:
		g.SetStatus(topology.GroupBad, fmt.Sprintf("group %d has a backend in an unexpected state", g.ID))
	case allOK && decodedOK:
		g.SetStatus(topology.GroupCoupled, fmt.Sprintf("group %d is coupled", g.ID))
	default:
		g.SetStatus(topology.GroupBad, fmt.Sprintf("group %d has no valid metadata", g.ID))
	}
}

func decodedMigrating(g *topology.Group) bool {
	md, ok := g.Decoded()
	if !ok || md.Service == nil {
		return false
	}
	return md.Service.Migrating
}
