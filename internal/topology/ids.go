// Package topology implements the in-memory entity graph described in spec
// section 3: nodes, filesystems, backends, groups, couples and namespaces,
// their invariants, and their lifecycle under repeated refresh.
//
// The Store indexes every entity by its stable string/int identity. Entities
// link to each other through plain non-owning pointers (a Backend to its FS
// and Group, a Couple to its Groups), not through lookups in the Store; only
// Node owns its Backends and FSs outright.
package topology

import "fmt"

// NodeKey identifies a Node by host:port:family.
type NodeKey struct {
	Host   string
	Port   int
	Family int
}

// String renders the canonical "host:port:family" form.
func (k NodeKey) String() string {
	return fmt.Sprintf("%s:%d:%d", k.Host, k.Port, k.Family)
}

// BackendKey identifies a Backend by "nodeKey/backendId".
func BackendKey(node NodeKey, backendID uint64) string {
	return fmt.Sprintf("%s/%d", node, backendID)
}

// FSKey identifies a filesystem by "host/fsid".
func FSKey(host string, fsid uint64) string {
	return fmt.Sprintf("%s/%d", host, fsid)
}
