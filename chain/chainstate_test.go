package chain

import (
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func headerAt(t time.Time, prev Hash, bits uint32) *Header {
	return NewHeader(wire.BlockHeader{
		Version:   1,
		PrevBlock: prev,
		Timestamp: t,
		Bits:      bits,
	})
}

func noForks(previous Forks, height Height) Forks {
	return previous
}

func TestNewGenesisChainState(t *testing.T) {
	t.Parallel()

	genesisTime := time.Unix(1231006505, 0)
	genesis := headerAt(genesisTime, Hash{}, 0x1d00ffff)

	params := Params{
		PowLimit:            new(big.Int).Lsh(big.NewInt(1), 224),
		MinimumBlockVersion: 1,
		Activate:            noForks,
	}

	state := NewGenesisChainState(genesis, params)

	require.Equal(t, Height(0), state.Height())
	require.Equal(t, genesis.Hash(), state.Hash())
	require.Equal(t, uint32(genesisTime.Unix()), state.MedianTimePast())
	require.Equal(t, genesis.Proof(), state.CumulativeWork())
}

func TestRollAccumulatesWork(t *testing.T) {
	t.Parallel()

	genesisTime := time.Unix(1231006505, 0)
	genesis := headerAt(genesisTime, Hash{}, 0x1d00ffff)

	params := Params{
		PowLimit:            new(big.Int).Lsh(big.NewInt(1), 224),
		MinimumBlockVersion: 1,
		Activate:            noForks,
	}

	parent := NewGenesisChainState(genesis, params)

	next := headerAt(genesisTime.Add(10*time.Minute), genesis.Hash(), 0x1d00ffff)
	child := Roll(parent, next, params)

	require.Equal(t, Height(1), child.Height())
	require.Equal(t, next.Hash(), child.Hash())

	wantWork := new(big.Int).Add(parent.CumulativeWork(), next.Proof())
	require.Equal(t, wantWork, child.CumulativeWork())
}

func TestRollMedianTimePastWindow(t *testing.T) {
	t.Parallel()

	base := time.Unix(1231006505, 0)
	genesis := headerAt(base, Hash{}, 0x1d00ffff)

	params := Params{
		PowLimit:            new(big.Int).Lsh(big.NewInt(1), 224),
		MinimumBlockVersion: 1,
		Activate:            noForks,
	}

	state := NewGenesisChainState(genesis, params)
	prevHash := genesis.Hash()

	// Push past the 11-timestamp window with evenly spaced timestamps and
	// confirm the window never grows beyond medianTimeSpan entries.
	for i := 1; i <= medianTimeSpan+5; i++ {
		h := headerAt(base.Add(time.Duration(i)*10*time.Minute), prevHash, 0x1d00ffff)
		state = Roll(state, h, params)
		prevHash = h.Hash()
	}

	require.Len(t, state.timestamps, medianTimeSpan)
	require.Equal(t, Height(medianTimeSpan+5), state.Height())
}

func TestRollActivatesForksFromParent(t *testing.T) {
	t.Parallel()

	const testFork Forks = 1

	activateAtOne := func(previous Forks, height Height) Forks {
		if height >= 1 {
			return previous | testFork
		}

		return previous
	}

	genesis := headerAt(time.Unix(0, 0), Hash{}, 0x1d00ffff)
	params := Params{
		PowLimit:            new(big.Int).Lsh(big.NewInt(1), 224),
		MinimumBlockVersion: 1,
		Activate:            activateAtOne,
	}

	genesisState := NewGenesisChainState(genesis, params)
	require.Equal(t, Forks(0), genesisState.Forks())

	next := headerAt(time.Unix(600, 0), genesis.Hash(), 0x1d00ffff)
	childState := Roll(genesisState, next, params)
	require.Equal(t, testFork, childState.Forks())

	grandchild := headerAt(time.Unix(1200, 0), next.Hash(), 0x1d00ffff)
	grandchildState := Roll(childState, grandchild, params)
	require.Equal(t, testFork, grandchildState.Forks(),
		"fork bits must stay set once activated")
}

func TestProofFromBitsMonotonic(t *testing.T) {
	t.Parallel()

	// A higher (easier) target -- same mantissa, one larger exponent byte
	// in the compact "bits" encoding -- must yield strictly less work than
	// a harder one.
	easy := ProofFromBits(0x1d00ffff)
	hard := ProofFromBits(0x1c00ffff)

	require.True(t, hard.Cmp(easy) > 0)
}
