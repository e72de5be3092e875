package archive

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/btcorg/chainnode/chain"
)

const testBits uint32 = 0x1d00ffff

func testHeader(prev chain.Hash, t time.Time, nonce uint32) *chain.Header {
	return chain.NewHeader(wire.BlockHeader{
		Version:   1,
		PrevBlock: prev,
		Timestamp: t,
		Bits:      testBits,
		Nonce:     nonce,
	})
}

func newTestMemory(t *testing.T) (*Memory, *chain.Header) {
	t.Helper()

	genesis := testHeader(chain.Hash{}, time.Unix(1231006505, 0), 0)

	return NewMemory(genesis, chain.Context{Height: 0}), genesis
}

func TestMemorySeedsGenesisOnBothChains(t *testing.T) {
	t.Parallel()

	m, genesis := newTestMemory(t)

	require.Equal(t, chain.Height(0), m.GetTopCandidate())
	require.Equal(t, chain.Height(0), m.GetTopConfirmed())
	require.Equal(t, chain.Height(0), m.GetFork())

	link := m.ToHeader(genesis.Hash())
	require.False(t, link.IsTerminal())
	require.Equal(t, link, m.ToCandidate(0))
	require.Equal(t, link, m.ToConfirmed(0))
}

func TestMemorySetLinkAssociatesExistingHeader(t *testing.T) {
	t.Parallel()

	m, genesis := newTestMemory(t)

	h1 := testHeader(genesis.Hash(), time.Unix(1231007105, 0), 1)
	ctx := chain.Context{Height: 1}

	link := m.SetLink(h1, nil, ctx)
	require.False(t, link.IsTerminal())
	require.False(t, m.IsAssociated(link))

	// Re-archiving the same header with its block body must reuse the
	// link and associate it, not mint a second record.
	block := chain.NewBlock(&wire.MsgBlock{Header: h1.BlockHeader})
	again := m.SetLink(h1, block, ctx)
	require.Equal(t, link, again)
	require.True(t, m.IsAssociated(link))
}

func TestMemoryPushCandidateRejectsHeightGap(t *testing.T) {
	t.Parallel()

	m, genesis := newTestMemory(t)

	// A header at height 2 cannot extend a chain whose top is 0.
	stray := testHeader(genesis.Hash(), time.Unix(1231007105, 0), 9)
	link := m.SetLink(stray, nil, chain.Context{Height: 2})

	require.False(t, m.PushCandidate(link))
	require.Equal(t, chain.Height(0), m.GetTopCandidate())
}

func TestMemoryPopCandidatePreservesGenesis(t *testing.T) {
	t.Parallel()

	m, genesis := newTestMemory(t)

	h1 := testHeader(genesis.Hash(), time.Unix(1231007105, 0), 1)
	link := m.SetLink(h1, nil, chain.Context{Height: 1})
	require.True(t, m.PushCandidate(link))

	require.True(t, m.PopCandidate())
	require.Equal(t, chain.Height(0), m.GetTopCandidate())

	// Genesis is never poppable.
	require.False(t, m.PopCandidate())
}

func TestMemoryGetUnassociatedAboveCarriesHashes(t *testing.T) {
	t.Parallel()

	m, genesis := newTestMemory(t)

	prev := genesis.Hash()
	want := make([]chain.Hash, 0, 3)
	for i := 1; i <= 3; i++ {
		h := testHeader(prev, time.Unix(1231006505, 0).Add(time.Duration(i)*10*time.Minute), uint32(i))
		link := m.SetLink(h, nil, chain.Context{Height: chain.Height(i)})
		require.True(t, m.PushCandidate(link))

		want = append(want, h.Hash())
		prev = h.Hash()
	}

	assoc := m.GetUnassociatedAbove(0, 10)
	require.Len(t, assoc, 3)

	for i, a := range assoc {
		require.Equal(t, chain.Height(i+1), a.Height)
		require.Equal(t, want[i], a.Hash)
	}
}

func TestMemoryGetUnassociatedAboveSkipsAssociated(t *testing.T) {
	t.Parallel()

	m, genesis := newTestMemory(t)

	h1 := testHeader(genesis.Hash(), time.Unix(1231007105, 0), 1)
	block := chain.NewBlock(&wire.MsgBlock{Header: h1.BlockHeader})
	link := m.SetLink(h1, block, chain.Context{Height: 1})
	require.True(t, m.PushCandidate(link))

	h2 := testHeader(h1.Hash(), time.Unix(1231007705, 0), 2)
	link2 := m.SetLink(h2, nil, chain.Context{Height: 2})
	require.True(t, m.PushCandidate(link2))

	assoc := m.GetUnassociatedAbove(0, 10)
	require.Len(t, assoc, 1)
	require.Equal(t, chain.Height(2), assoc[0].Height)
}

func TestMemoryBlockStateTransitions(t *testing.T) {
	t.Parallel()

	m, genesis := newTestMemory(t)

	h1 := testHeader(genesis.Hash(), time.Unix(1231007105, 0), 1)
	link := m.SetLink(h1, nil, chain.Context{Height: 1})

	state, ok := m.GetBlockState(link)
	require.True(t, ok)
	require.Equal(t, Unassociated, state)

	require.True(t, m.SetBlockPreconfirmable(link))
	state, _ = m.GetBlockState(link)
	require.Equal(t, Preconfirmable, state)

	require.True(t, m.SetBlockConfirmed(link))
	state, _ = m.GetBlockState(link)
	require.Equal(t, Confirmed, state)

	require.True(t, m.SetBlockUnconfirmable(link))
	state, _ = m.GetBlockState(link)
	require.Equal(t, Unconfirmable, state)
}
