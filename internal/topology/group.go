package topology

import "sync"

// GroupStatus is the derived status of a group (spec section 4.3).
type GroupStatus int

const (
	GroupInit GroupStatus = iota
	GroupCoupled
	GroupRO
	GroupMigrating
	GroupBroken
	GroupBad
)

func (s GroupStatus) String() string {
	switch s {
	case GroupInit:
		return "INIT"
	case GroupCoupled:
		return "COUPLED"
	case GroupRO:
		return "RO"
	case GroupMigrating:
		return "MIGRATING"
	case GroupBroken:
		return "BROKEN"
	case GroupBad:
		return "BAD"
	default:
		return "UNKNOWN"
	}
}

// ServiceRecord is the optional migration-service sub-record of a group's
// decoded metadata (spec section 4.4).
type ServiceRecord struct {
	Migrating bool
	JobID     string
}

// Metadata is the decoded view of a group's raw metadata blob (spec section 4.4).
type Metadata struct {
	Version   int
	Couple    []int // member group ids, sorted ascending
	Namespace string
	Frozen    bool
	Service   *ServiceRecord
}

// Group is an administrative replica unit: a set of backends that together
// form one replica of data, identified by a positive integer id unique
// process-wide (spec glossary). Created on first sight of a backend
// advertising this group id, or on first sight in another group's metadata;
// never garbage-collected (spec section 3).
type Group struct {
	ID int

	mu       sync.RWMutex
	backends map[string]*Backend // keyed by Backend.Key()

	rawMetadata     []byte
	rawFingerprint  uint64
	hasRaw          bool
	decoded         Metadata
	hasDecoded      bool
	clean           bool

	// metadataBad records that the most recent decode attempt failed
	// structurally or produced a couple mismatch. It takes precedence over
	// the backend-derived status computation in the derivation engine
	// (spec section 4.3's "metadata is valid" qualifier on COUPLED),
	// independent of the transient GroupBad value SetStatus may also hold.
	metadataBad     bool
	metadataBadText string

	couple *Couple

	status     GroupStatus
	statusText string
}

func newGroup(id int) *Group {
	return &Group{ID: id, backends: make(map[string]*Backend)}
}

func (g *Group) addBackend(b *Backend) {
	g.mu.Lock()
	g.backends[b.Key()] = b
	g.mu.Unlock()
}

func (g *Group) removeBackend(b *Backend) {
	g.mu.Lock()
	delete(g.backends, b.Key())
	g.mu.Unlock()
}

// Backends returns a snapshot slice of the group's current member backends.
func (g *Group) Backends() []*Backend {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Backend, 0, len(g.backends))
	for _, b := range g.backends {
		out = append(out, b)
	}
	return out
}

// Couple returns the couple this group belongs to, if any.
func (g *Group) Couple() *Couple {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.couple
}

func (g *Group) setCouple(c *Couple) {
	g.mu.Lock()
	g.couple = c
	g.mu.Unlock()
}

// RawMetadata returns the last stored raw metadata blob and its fingerprint.
func (g *Group) RawMetadata() (blob []byte, fingerprint uint64, ok bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rawMetadata, g.rawFingerprint, g.hasRaw
}

// setRawMetadata stores the blob and its fingerprint, reporting whether it
// is byte-identical to what was stored before (the clean-flag fast path of
// spec section 4.4).
func (g *Group) setRawMetadata(blob []byte, fingerprint uint64) (identical bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	identical = g.hasRaw && fingerprint == g.rawFingerprint && bytesEqual(blob, g.rawMetadata)
	g.rawMetadata = blob
	g.rawFingerprint = fingerprint
	g.hasRaw = true
	g.clean = identical
	return identical
}

// Clean reports whether the last-applied metadata blob was identical to the
// previous one (decode was skipped).
func (g *Group) Clean() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.clean
}

// Decoded returns the last successfully decoded metadata view.
func (g *Group) Decoded() (Metadata, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.decoded, g.hasDecoded
}

// SetDecoded overwrites the decoded metadata view and clears any prior
// decode failure; used exclusively by the group metadata decoder on a
// successful decode.
func (g *Group) SetDecoded(m Metadata) {
	g.mu.Lock()
	g.decoded = m
	g.hasDecoded = true
	g.metadataBad = false
	g.metadataBadText = ""
	g.mu.Unlock()
}

// MetadataBad reports whether the most recent decode attempt failed, and
// the descriptive text if so.
func (g *Group) MetadataBad() (bad bool, text string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.metadataBad, g.metadataBadText
}

// SetMetadataBad records a decode failure or couple mismatch; used
// exclusively by the Store while applying group metadata. Previously
// decoded fields are left untouched, per spec section 4.4.
func (g *Group) SetMetadataBad(text string) {
	g.mu.Lock()
	g.metadataBad = true
	g.metadataBadText = text
	g.mu.Unlock()
}

// Status returns the derived status and its text.
func (g *Group) Status() (GroupStatus, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status, g.statusText
}

// SetStatus overwrites the derived status; used exclusively by the
// derivation engine. Decode failures are recorded via SetMetadataBad.
func (g *Group) SetStatus(status GroupStatus, text string) {
	g.mu.Lock()
	g.status = status
	g.statusText = text
	g.mu.Unlock()
}

func bytesEqual(a, b []byte) bool {
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
