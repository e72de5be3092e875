// Package archive defines the abstract candidate/confirmed chain store the
// organizer, check, and preconfirm chasers all read and mutate. The
// persistent archive is an external collaborator reached only through
// this interface.
package archive

import (
	"github.com/btcorg/chainnode/chain"
)

// BlockState is the confirmation-pipeline status of the block associated
// with a HeaderLink.
type BlockState uint8

const (
	// Unassociated is the state every link is archived with; it remains
	// until a validation verdict is recorded. Storing the block body does
	// not change it (IsAssociated reports whether the body is stored).
	Unassociated BlockState = iota

	// Preconfirmable means accept+connect succeeded against the
	// floating UTXO view but the block has not yet been confirmed.
	Preconfirmable

	// Confirmable is a cached positive preconfirm verdict re-read on a
	// later validate() call.
	Confirmable

	// Confirmed means the block is on the confirmed chain.
	Confirmed

	// Unconfirmable means accept+connect failed (non-malleable) or the
	// block was invalidated by a later disorganize.
	Unconfirmable
)

// String names a BlockState for logging.
func (s BlockState) String() string {
	switch s {
	case Unassociated:
		return "unassociated"
	case Preconfirmable:
		return "preconfirmable"
	case Confirmable:
		return "confirmable"
	case Confirmed:
		return "confirmed"
	case Unconfirmable:
		return "unconfirmable"
	default:
		return "unknown"
	}
}

// Archive is the candidate/confirmed chain store. Methods report a miss
// through their result (chain.TerminalLink, a false bool, or, for
// Populate, a non-nil error), never panicking on missing data — callers
// (chasers) interpret a miss as an orphan/integrity condition.
type Archive interface {
	// Queries.

	GetTopCandidate() chain.Height
	GetTopConfirmed() chain.Height
	GetFork() chain.Height

	ToCandidate(height chain.Height) chain.HeaderLink
	ToConfirmed(height chain.Height) chain.HeaderLink
	ToHeader(hash chain.Hash) chain.HeaderLink
	ToParent(link chain.HeaderLink) chain.HeaderLink

	GetHeight(link chain.HeaderLink) (chain.Height, bool)
	GetBits(link chain.HeaderLink) (uint32, bool)
	GetHeaderState(link chain.HeaderLink) (BlockState, bool)
	GetBlockState(link chain.HeaderLink) (BlockState, bool)
	IsCandidateBlock(link chain.HeaderLink) bool
	IsAssociated(link chain.HeaderLink) bool
	IsMalleable(link chain.HeaderLink) bool

	GetCandidateChainState(params chain.Params, height chain.Height) (*chain.ChainState, bool)

	// GetUnassociatedAbove returns up to n unassociated (link, height,
	// context) triples strictly above height, in ascending height order,
	// for ChaserCheck's scans.
	GetUnassociatedAbove(height chain.Height, n int) []chain.Association

	GetBlock(link chain.HeaderLink) (*chain.Block, bool)
	GetHeader(link chain.HeaderLink) (*chain.Header, bool)
	GetContext(link chain.HeaderLink) (chain.Context, bool)

	// Populate loads the UTXO view a block's accept/connect needs
	// against the current candidate chain. The returned view is opaque
	// to the chaser; it is only ever passed back into Validator calls.
	Populate(block *chain.Block) (any, error)

	// Mutations.

	// SetLink archives a header (and, for the block organizer, its
	// block body) under a new or existing HeaderLink, returning
	// chain.TerminalLink on failure.
	SetLink(header *chain.Header, block *chain.Block, ctx chain.Context) chain.HeaderLink

	PushCandidate(link chain.HeaderLink) bool
	PopCandidate() bool

	PushConfirmed(link chain.HeaderLink) bool
	PopConfirmed() bool

	SetBlockUnconfirmable(link chain.HeaderLink) bool
	SetBlockPreconfirmable(link chain.HeaderLink) bool
	SetBlockConfirmed(link chain.HeaderLink) bool
	SetTxsConnected(link chain.HeaderLink) bool
}
