package topology

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// MetadataDecoder turns a group's raw metadata blob into a decoded Metadata
// view. Implemented by internal/groupmeta; kept as an interface here so this
// package never imports the decoder (which itself imports topology for the
// Metadata type).
type MetadataDecoder interface {
	Decode(blob []byte) (Metadata, error)
}

// Store is the in-memory entity graph: Node, FS, Backend, Group, Couple,
// Namespace (spec section 3). mu guards only the store's own id-keyed maps;
// each entity guards its own fields with its own lock. Mutating operations
// are not serialized against each other as a whole: the scheduler applies
// different nodes' stats, and different groups' metadata, concurrently.
type Store struct {
	mu sync.RWMutex

	nodes      map[NodeKey]*Node
	groups     map[int]*Group
	couples    map[string]*Couple
	namespaces map[string]*Namespace

	decoder MetadataDecoder
}

// NewStore constructs an empty Store using decoder for group metadata blobs.
func NewStore(decoder MetadataDecoder) *Store {
	return &Store{
		nodes:      make(map[NodeKey]*Node),
		groups:     make(map[int]*Group),
		couples:    make(map[string]*Couple),
		namespaces: make(map[string]*Namespace),
		decoder:    decoder,
	}
}

// UpsertNode returns the Node for key, creating it on first sight
// (idempotent, spec section 4.1).
func (s *Store) UpsertNode(key NodeKey) *Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[key]; ok {
		return n
	}
	n := NewNode(key)
	s.nodes[key] = n
	return n
}

// Node returns the node for key, if known.
func (s *Store) Node(key NodeKey) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[key]
	return n, ok
}

// Nodes returns a snapshot slice of all known nodes.
func (s *Store) Nodes() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	return out
}

// ApplyNodeStat replaces node's last NodeStat iff its timestamp is strictly
// greater than the stored one (spec section 4.1).
func (s *Store) ApplyNodeStat(node *Node, stat NodeStat) bool {
	return node.ApplyStat(stat)
}

// ApplyBackendStat locates or creates the Backend for stat.BackendID,
// updates its raw stat, and rebinds its FS and Group membership if the
// reported fsid or group id changed (spec section 4.1).
func (s *Store) ApplyBackendStat(node *Node, stat BackendStat) *Backend {
	backend, _ := node.backendOrCreate(stat.BackendID)

	prevStat, hadPrev := backend.update(stat)

	fs, _ := node.fsOrCreate(stat.VfsFsid)
	fs.SetVfsTotalSpace(stat.VfsBlocks * stat.VfsBsize)
	if prevFS := backend.FS(); prevFS == nil || prevFS.Key() != fs.Key() {
		if prevFS != nil {
			prevFS.removeBackend(backend)
		}
		backend.setFS(fs)
		fs.addBackend(backend)
	}

	if !hadPrev || prevStat.Group != stat.Group {
		group := s.groupOrCreate(int(stat.Group))
		if prevGroup := backend.Group(); prevGroup != nil && prevGroup.ID != group.ID {
			prevGroup.removeBackend(backend)
		}
		backend.setGroup(group)
		group.addBackend(backend)
	}

	return backend
}

// groupOrCreate returns the Group for id, creating it on first sight (spec
// section 3: created on first sight of a backend advertising this group id,
// or first sight in another group's metadata).
func (s *Store) groupOrCreate(id int) *Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[id]; ok {
		return g
	}
	g := newGroup(id)
	s.groups[id] = g
	return g
}

// Group returns the group with the given id, if known.
func (s *Store) Group(id int) (*Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	return g, ok
}

// Groups returns a snapshot slice of all known groups.
func (s *Store) Groups() []*Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	return out
}

// Couple returns the couple with the given key, if known.
func (s *Store) Couple(key string) (*Couple, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.couples[key]
	return c, ok
}

// Couples returns a snapshot slice of all known couples.
func (s *Store) Couples() []*Couple {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Couple, 0, len(s.couples))
	for _, c := range s.couples {
		out = append(out, c)
	}
	return out
}

// Namespace returns the namespace with the given name, if known.
func (s *Store) Namespace(name string) (*Namespace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.namespaces[name]
	return n, ok
}

// Namespaces returns a snapshot slice of all known namespaces.
func (s *Store) Namespaces() []*Namespace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Namespace, 0, len(s.namespaces))
	for _, n := range s.namespaces {
		out = append(out, n)
	}
	return out
}

func (s *Store) namespaceOrCreate(name string) *Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.namespaces[name]; ok {
		return n
	}
	n := newNamespace(name)
	s.namespaces[name] = n
	return n
}

// ApplyGroupMetadata implements spec section 4.4. A fingerprint of the
// incoming blob is compared against the stored one; if byte-identical, the
// decode is skipped and the group's clean flag is set. Otherwise the blob is
// decoded and reconciled against the existing graph: couple membership,
// namespace, frozen flag and service fields.
func (s *Store) ApplyGroupMetadata(group *Group, blob []byte) error {
	fingerprint := xxhash.Sum64(blob)
	if group.setRawMetadata(blob, fingerprint) {
		return nil // byte-identical to last decode; clean flag already set
	}

	decoded, err := s.decoder.Decode(blob)
	if err != nil {
		group.SetMetadataBad(err.Error())
		return err
	}

	if existing := group.Couple(); existing != nil {
		if !intSliceEqual(existing.GroupIDs(), decoded.Couple) {
			group.SetMetadataBad(fmt.Sprintf("group %d: metadata couple %v does not match existing couple %s", group.ID, decoded.Couple, existing.Key()))
			return nil
		}
	} else if len(decoded.Couple) > 0 {
		if _, err := s.createCouple(decoded.Couple, group); err != nil {
			group.SetMetadataBad(err.Error())
			return err
		}
	}

	if prevMeta, ok := group.Decoded(); ok && prevMeta.Namespace != "" && prevMeta.Namespace != decoded.Namespace {
		// Namespace changed across decodes. Spec section 9 leaves
		// reparenting implementation-defined; we reparent so the graph
		// stays consistent with the most recently decoded metadata.
		if oldNS, ok := s.Namespace(prevMeta.Namespace); ok {
			oldNS.removeGroup(group)
		}
	}
	ns := s.namespaceOrCreate(decoded.Namespace)
	ns.addGroup(group)

	group.SetDecoded(decoded)
	return nil
}

// createCouple builds a Couple from the given member group ids, anchored on
// self (the group whose metadata was just decoded), and binds every other
// member group to it (spec section 4.4).
func (s *Store) createCouple(members []int, self *Group) (*Couple, error) {
	key := CoupleKeyFor(members)

	s.mu.Lock()
	if existing, ok := s.couples[key]; ok {
		s.mu.Unlock()
		self.setCouple(existing)
		return existing, nil
	}
	s.mu.Unlock()

	groups := make([]*Group, len(members))
	for i, id := range members {
		if id == self.ID {
			groups[i] = self
			continue
		}
		groups[i] = s.groupOrCreate(id)
	}

	c := newCouple(key, groups)

	s.mu.Lock()
	s.couples[key] = c
	s.mu.Unlock()

	for _, g := range groups {
		g.setCouple(c)
	}

	if ns, ok := self.Decoded(); ok {
		s.namespaceOrCreate(ns.Namespace).addCouple(c)
	}

	return c, nil
}

// Merge reconciles a partial view produced by a late response into this
// store, per spec section 4.1: pointwise, the newer timestamp wins for each
// node/backend; equal timestamps are a no-op. haveNewer is set to true if
// this store already held a strictly newer sample for any entity the caller
// tried to merge in, so the caller knows it should not treat its own data as
// authoritative going forward.
func (s *Store) Merge(other *Store) (haveNewer bool) {
	for _, on := range other.Nodes() {
		n := s.UpsertNode(on.Key)
		if stat, ok := on.Stat(); ok {
			if !s.ApplyNodeStat(n, stat) {
				if existing, ok := n.Stat(); ok && existing.Timestamp() > stat.Timestamp() {
					haveNewer = true
				}
			}
		}
		for _, ob := range on.Backends() {
			stat, ok := ob.Stat()
			if !ok {
				continue
			}
			existingBackend, existed := n.Backend(ob.ID)
			if existed {
				if prevStat, ok := existingBackend.Stat(); ok {
					if prevStat.Timestamp() > stat.Timestamp() {
						haveNewer = true
						continue
					}
					if prevStat.Timestamp() == stat.Timestamp() {
						continue
					}
				}
			}
			s.ApplyBackendStat(n, stat)
		}
	}
	return haveNewer
}

func intSliceEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
