package derive

import (
	"bytes"
	"fmt"

	"github.com/blobfleet/fleetmon/internal/config"
	"github.com/blobfleet/fleetmon/internal/topology"
)

// deriveCouple implements spec section 4.3's couple status rule, resolved
// top-down in the order the spec lists it, ending in the documented
// terminal BAD fallback (spec section 9's open question: the source's
// unconditional trailing BAD is modeled here as an intentional catch-all).
func deriveCouple(c *topology.Couple, cfg config.Config) {
	groups := c.Groups()

	if len(groups) == 0 || membersDisagreeOnMetadata(groups) || anyGroupBadRoMigrating(groups) {
		c.SetStatus(topology.CoupleBad, fmt.Sprintf("couple %s has inconsistent or unhealthy member metadata", c.Key()))
		return
	}

	if cfg.ForbiddenUnmatchedGroupTotalSpace && membersDisagreeOnTotalSpace(groups) {
		c.SetStatus(topology.CoupleBroken, fmt.Sprintf("couple %s members disagree on total space", c.Key()))
		return
	}

	if anyGroupFrozen(groups) {
		c.SetStatus(topology.CoupleFrozen, fmt.Sprintf("couple %s is frozen", c.Key()))
		return
	}

	allCoupled := allGroupsCoupled(groups)
	if allCoupled && anyBackendFull(groups, cfg.ReservedSpace) {
		c.SetStatus(topology.CoupleFull, fmt.Sprintf("couple %s is full", c.Key()))
		return
	}
	if allCoupled {
		c.SetStatus(topology.CoupleOK, fmt.Sprintf("couple %s is OK", c.Key()))
		return
	}

	if anyGroupStatus(groups, topology.GroupInit) {
		c.SetStatus(topology.CoupleInit, fmt.Sprintf("couple %s is initializing", c.Key()))
		return
	}
	if anyGroupStatus(groups, topology.GroupBroken) {
		c.SetStatus(topology.CoupleBroken, fmt.Sprintf("couple %s has a broken member group", c.Key()))
		return
	}

	c.SetStatus(topology.CoupleBad, "Couple is BAD for unknown reason")
}

func membersDisagreeOnMetadata(groups []*topology.Group) bool {
	var first []byte
	var haveFirst bool
	for _, g := range groups {
		blob, _, ok := g.RawMetadata()
		if !ok {
			continue
		}
		if !haveFirst {
			first = blob
			haveFirst = true
			continue
		}
		if !bytes.Equal(first, blob) {
			return true
		}
	}
	return false
}

func anyGroupBadRoMigrating(groups []*topology.Group) bool {
	for _, g := range groups {
		status, _ := g.Status()
		if status == topology.GroupBad || status == topology.GroupRO || status == topology.GroupMigrating {
			return true
		}
	}
	return false
}

func membersDisagreeOnTotalSpace(groups []*topology.Group) bool {
	var first int64
	var haveFirst bool
	for _, g := range groups {
		total := groupTotalSpace(g)
		if !haveFirst {
			first = total
			haveFirst = true
			continue
		}
		if total != first {
			return true
		}
	}
	return false
}

func groupTotalSpace(g *topology.Group) int64 {
	var total int64
	for _, b := range g.Backends() {
		total += b.Calculated().TotalSpace
	}
	return total
}

func anyGroupFrozen(groups []*topology.Group) bool {
	for _, g := range groups {
		md, ok := g.Decoded()
		if ok && md.Frozen {
			return true
		}
	}
	return false
}

func allGroupsCoupled(groups []*topology.Group) bool {
	for _, g := range groups {
		status, _ := g.Status()
		if status != topology.GroupCoupled {
			return false
		}
	}
	return true
}

func anyBackendFull(groups []*topology.Group, reserved float64) bool {
	for _, g := range groups {
		for _, b := range g.Backends() {
			if b.Full(reserved) {
				return true
			}
		}
	}
	return false
}

func anyGroupStatus(groups []*topology.Group, want topology.GroupStatus) bool {
	for _, g := range groups {
		status, _ := g.Status()
		if status == want {
			return true
		}
	}
	return false
}
