package chain

import (
	"math/big"
)

// medianTimeSpan is the number of preceding timestamps examined to derive
// median-time-past, matching Bitcoin consensus (11 blocks).
const medianTimeSpan = 11

// Forks is a bitfield of activated soft-forks, rolled forward one header at
// a time by Params.Activate.
type Forks uint32

// Params carries the network rules a ChainState rolls forward against.
// Concrete values are supplied by the node's Config; this type
// keeps ChainState's construction pure and free of any archive or network
// access.
type Params struct {
	// PowLimit is the highest (easiest) target permitted on this network.
	PowLimit *big.Int

	// MinimumBlockVersion below which a header is rejected outright once
	// a fork activates it.
	MinimumBlockVersion uint32

	// Activate derives the Forks bitfield in effect at height from the
	// bitfield in effect at height-1. Left as an injectable function so
	// the organizer never hard-codes a specific deployment's activation
	// heights.
	Activate func(previous Forks, height Height) Forks
}

// ChainState is a derived, reference-counted-by-pointer-sharing snapshot
// describing the consensus rules active at a given header. Constructing one
// from a parent and a single header is pure and requires no I/O, per
// no I/O.
type ChainState struct {
	height     Height
	hash       Hash
	forks      Forks
	minVer     uint32
	mtp        uint32
	work       *big.Int
	timestamps []uint32
}

// NewGenesisChainState builds the ChainState for height 0 from the genesis
// header alone.
func NewGenesisChainState(genesis *Header, params Params) *ChainState {
	return &ChainState{
		height:     0,
		hash:       genesis.Hash(),
		forks:      params.Activate(0, 0),
		minVer:     params.MinimumBlockVersion,
		mtp:        uint32(genesis.Timestamp.Unix()),
		work:       genesis.Proof(),
		timestamps: []uint32{uint32(genesis.Timestamp.Unix())},
	}
}

// Height returns the height this state describes.
func (s *ChainState) Height() Height { return s.height }

// Hash returns the header hash this state describes.
func (s *ChainState) Hash() Hash { return s.hash }

// Forks returns the soft-fork activation bitfield active at this height.
func (s *ChainState) Forks() Forks { return s.forks }

// MinimumBlockVersion returns the minimum header version accepted above
// this height.
func (s *ChainState) MinimumBlockVersion() uint32 { return s.minVer }

// MedianTimePast returns the median of the preceding 11 timestamps.
func (s *ChainState) MedianTimePast() uint32 { return s.mtp }

// CumulativeWork returns the summed proof-of-work from genesis through this
// height.
func (s *ChainState) CumulativeWork() *big.Int { return new(big.Int).Set(s.work) }

// Context is the validation context derived from a ChainState, passed to
// the external check/accept/connect validators and persisted alongside a
// header when it is archived (archive.SetLink).
type Context struct {
	Height         Height
	Forks          Forks
	MedianTimePast uint32
}

// Context extracts the validation context for this state.
func (s *ChainState) Context() Context {
	return Context{
		Height:         s.height,
		Forks:          s.forks,
		MedianTimePast: s.mtp,
	}
}

// Roll constructs the ChainState that results from accepting header as the
// next header after s. It performs no I/O: all inputs are the parent state
// and the header itself.
func Roll(parent *ChainState, header *Header, params Params) *ChainState {
	height := parent.height + 1

	timestamps := append(append([]uint32{}, parent.timestamps...),
		uint32(header.Timestamp.Unix()))
	if len(timestamps) > medianTimeSpan {
		timestamps = timestamps[len(timestamps)-medianTimeSpan:]
	}

	work := new(big.Int).Add(parent.work, header.Proof())

	return &ChainState{
		height:     height,
		hash:       header.Hash(),
		forks:      params.Activate(parent.forks, height),
		minVer:     params.MinimumBlockVersion,
		mtp:        medianOf(timestamps),
		work:       work,
		timestamps: timestamps,
	}
}

// medianOf returns the median of a small, unsorted slice of timestamps.
// Matches Bitcoin's GetMedianTimePast: sort a copy, take the middle
// element.
func medianOf(timestamps []uint32) uint32 {
	sorted := append([]uint32{}, timestamps...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}

	return sorted[len(sorted)/2]
}
