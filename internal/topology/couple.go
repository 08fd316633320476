package topology

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// CoupleStatus is the derived status of a couple (spec section 4.3).
type CoupleStatus int

const (
	CoupleInit CoupleStatus = iota
	CoupleOK
	CoupleFull
	CoupleFrozen
	CoupleBroken
	CoupleBad
)

func (s CoupleStatus) String() string {
	switch s {
	case CoupleInit:
		return "INIT"
	case CoupleOK:
		return "OK"
	case CoupleFull:
		return "FULL"
	case CoupleFrozen:
		return "FROZEN"
	case CoupleBroken:
		return "BROKEN"
	case CoupleBad:
		return "BAD"
	default:
		return "UNKNOWN"
	}
}

// Couple is a set of groups that replicate the same data, identified by the
// sorted colon-joined concatenation of its member group ids, e.g. "17:42:83"
// (spec glossary). Owns an ordered list of Group references; order follows
// the sorted ids.
type Couple struct {
	key string

	mu     sync.RWMutex
	groups []*Group

	status     CoupleStatus
	statusText string
}

// CoupleKeyFor renders the canonical key for a (not necessarily sorted) set
// of member group ids.
func CoupleKeyFor(ids []int) string {
	sorted := append([]int(nil), ids...)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ":")
}

func newCouple(key string, groups []*Group) *Couple {
	return &Couple{key: key, groups: groups}
}

// Key returns the couple's canonical identity string.
func (c *Couple) Key() string { return c.key }

// Groups returns the ordered member groups.
func (c *Couple) Groups() []*Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Group, len(c.groups))
	copy(out, c.groups)
	return out
}

// GroupIDs returns the member group ids in the couple's stored order
// (sorted ascending, per construction).
func (c *Couple) GroupIDs() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]int, len(c.groups))
	for i, g := range c.groups {
		ids[i] = g.ID
	}
	return ids
}

// Status returns the derived status and its text.
func (c *Couple) Status() (CoupleStatus, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status, c.statusText
}

// SetStatus overwrites the derived status; used exclusively by the
// derivation engine.
func (c *Couple) SetStatus(status CoupleStatus, text string) {
	c.mu.Lock()
	c.status = status
	c.statusText = text
	c.mu.Unlock()
}
