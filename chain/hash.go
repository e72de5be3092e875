package chain

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Hash is the 32-byte content digest used throughout the organizer: header
// hashes, block hashes, and tree/map keys are all of this type.
type Hash = chainhash.Hash

// HashSize is the number of bytes in a Hash.
const HashSize = chainhash.HashSize

// HeaderLink is a stable integer identifier for a header stored in the
// archive. TerminalLink denotes "absent" and is returned by archive lookups
// that fail to resolve a hash or height.
type HeaderLink uint64

// TerminalLink is the sentinel HeaderLink value meaning "no such link".
const TerminalLink HeaderLink = ^HeaderLink(0)

// IsTerminal reports whether the link is the sentinel "absent" value.
func (l HeaderLink) IsTerminal() bool {
	return l == TerminalLink
}

// Height is a candidate or confirmed chain position, zero-based from genesis.
type Height = uint32
