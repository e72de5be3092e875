package chain

import (
	"math/big"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// Block is a header plus transactions, hashing to the header hash. It wraps
// btcutil.Block so that transaction and witness-commitment access reuses the
// ecosystem's decoding and serialization logic instead of a hand-rolled one.
type Block struct {
	*btcutil.Block

	header *Header
}

// NewBlock wraps a decoded wire block.
func NewBlock(wb *wire.MsgBlock) *Block {
	b := btcutil.NewBlock(wb)

	return &Block{
		Block:  b,
		header: NewHeader(wb.Header),
	}
}

// Header returns the block's header view.
func (b *Block) Header() *Header {
	return b.header
}

// Hash returns the block's (header) hash.
func (b *Block) Hash() Hash {
	return b.header.Hash()
}

// PreviousHash returns the hash of the parent block's header.
func (b *Block) PreviousHash() Hash {
	return b.header.PreviousHash()
}

// Proof returns the block's proof-of-work work value, derived from its
// header's bits field.
func (b *Block) Proof() *big.Int {
	return b.header.Proof()
}
