// Package ferrors holds the sentinel errors for the error taxonomy described
// in spec section 7: structural parse failures, remote I/O failures,
// resolver degradation, persistent-store unavailability and invariant
// violations. Callers use errors.Is against these instead of matching
// strings.
package ferrors

import "errors"

var (
	// ErrParseFailed marks a structural violation in a node telemetry payload.
	// The offending payload is discarded for the cycle; other nodes are unaffected.
	ErrParseFailed = errors.New("structural parse failure")

	// ErrPollFailed marks a remote I/O failure talking to a storage node.
	ErrPollFailed = errors.New("node poll failed")

	// ErrMetadataDecodeFailed marks a structural violation in a group's
	// metadata blob. The group's status is set to BAD; previously decoded
	// fields are left untouched.
	ErrMetadataDecodeFailed = errors.New("group metadata decode failed")

	// ErrResolverUnavailable marks a failed external DC lookup. Callers
	// degrade to using the hostname itself as the DC name.
	ErrResolverUnavailable = errors.New("dc resolver unavailable")

	// ErrStoreUnavailable marks a persistent record store that could not be
	// reached this cycle. Upserts and queries are skipped; the next cycle
	// retries.
	ErrStoreUnavailable = errors.New("record store unavailable")

	// ErrInvariantViolation marks a detected inconsistency during a merge
	// (e.g. mismatched couple membership). Logged at error level; never
	// fatal.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrNotFound is returned by query-surface lookups for unknown ids.
	// Its text is deliberately terse: callers format it as "<id> %w" to
	// produce spec section 6.3's "X does not exist" command-line wording.
	ErrNotFound = errors.New("does not exist")
)
