package chain

import (
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/wire"
)

// Header is a fixed-size record carrying the previous-block hash, timestamp,
// compact difficulty ("bits"), version, and Merkle root. It wraps the wire
// encoding directly rather than re-deriving it.
type Header struct {
	wire.BlockHeader

	hash    Hash
	hashSet bool
}

// NewHeader wraps a decoded wire header.
func NewHeader(wh wire.BlockHeader) *Header {
	return &Header{BlockHeader: wh}
}

// Hash returns (and caches) the header's content digest.
func (h *Header) Hash() Hash {
	if !h.hashSet {
		h.hash = h.BlockHeader.BlockHash()
		h.hashSet = true
	}

	return h.hash
}

// PreviousHash returns the hash of the parent header.
func (h *Header) PreviousHash() Hash {
	return h.PrevBlock
}

// Header returns h itself, satisfying the Entry constraint the generic
// organizer (chaser/organizer.go) uses to roll ChainState forward
// regardless of whether the entry is a bare Header or a Block.
func (h *Header) Header() *Header {
	return h
}

// Proof returns the numeric proof-of-work work represented by this header's
// bits field: target^-1 scaled by 2^256, the same work value
// and btcd's blockchain.CalcWork compute it.
func (h *Header) Proof() *big.Int {
	return ProofFromBits(h.Bits)
}

// ProofFromBits derives the work value for a compact difficulty encoding.
// Grounded on btcsuite/btcd/blockchain's work-sum math (used internally by
// btcd to accumulate chain work), reused here rather than reimplemented.
func ProofFromBits(bits uint32) *big.Int {
	target := blockchain.CompactToBig(bits)
	if target.Sign() <= 0 {
		return big.NewInt(0)
	}

	// work = (2^256) / (target + 1)
	denominator := new(big.Int).Add(target, big.NewInt(1))
	numerator := new(big.Int).Lsh(big.NewInt(1), 256)

	return new(big.Int).Div(numerator, denominator)
}
