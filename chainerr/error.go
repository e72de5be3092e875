// Package chainerr collects the sentinel error codes chasers and protocols
// return. Handlers surface these upstream without interpreting them
// further; only the fatal codes (ErrStoreIntegrity, ErrInternal) ever
// close a component.
package chainerr

import "errors"

// Structural: reject the entry, continue.
var (
	ErrDuplicateHeader    = errors.New("duplicate header")
	ErrOrphanHeader       = errors.New("orphan header")
	ErrCheckpointConflict = errors.New("checkpoint conflict")
)

// Validation: reject the entry; on a block this additionally marks
// block_unconfirmable unless the block is malleable.
var ErrValidation = errors.New("header or block validation failed")

// ErrBlockUnconfirmable is returned when an entry resolves to a link
// already marked block_unconfirmable — it cannot become admissible again
// without a new HeaderLink for a distinct block at the same height
// (header malleability handling).
var ErrBlockUnconfirmable = errors.New("block marked unconfirmable")

// Protocol misuse by a peer: stop the channel, does not affect global
// state.
var ErrProtocolViolation = errors.New("protocol violation")

// Store integrity: any archive invariant violation. Fatal — closes the
// organizer and faults the core.
var ErrStoreIntegrity = errors.New("store integrity violation")

// Internal marks a condition the spec calls out as always fatal
// (disorganize below the fork point).
var ErrInternal = errors.New("internal error")

// Transient: swallowed during shutdown.
var ErrServiceStopped = errors.New("service stopped")

// Unknown covers unrequested or unrecognized protocol payloads (e.g. a
// block hash not present in a channel's claimed map).
var ErrUnknown = errors.New("unknown or unrequested entry")
