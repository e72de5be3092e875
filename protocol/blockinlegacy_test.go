package protocol

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/actor"
	"github.com/stretchr/testify/require"

	"github.com/btcorg/chainnode/archive"
	"github.com/btcorg/chainnode/chain"
	"github.com/btcorg/chainnode/chainerr"
	"github.com/btcorg/chainnode/chaser"
	"github.com/btcorg/chainnode/eventbus"
)

func newBlockInLegacyFixture(t *testing.T, headersCapable bool) (
	*BlockInLegacy, archive.Archive, *fakeChannel, chain.Hash) {

	t.Helper()

	genesis := testHeader(chain.Hash{}, time.Unix(1231006505, 0), 0)
	store := archive.NewMemory(genesis, chain.Context{Height: 0})

	bus := eventbus.New()
	bus.Start()
	sys := actor.NewActorSystem()

	block := chaser.NewChaserBlock(sys, store, bus, chaser.Config{
		Params:      testParams(),
		MinimumWork: big.NewInt(0),
	}, nil)
	block.Start(context.Background())

	t.Cleanup(func() {
		block.Close()
		sys.Shutdown()
	})

	ch := &fakeChannel{id: 3}
	b := NewBlockInLegacy(ch, store, block, headersCapable)

	return b, store, ch, genesis.Hash()
}

func TestBlockInLegacyStartSendsGetBlocks(t *testing.T) {
	t.Parallel()

	b, _, ch, _ := newBlockInLegacyFixture(t, false)

	require.NoError(t, b.Start(context.Background()))
	require.Equal(t, 1, ch.sentCount())
}

func TestBlockInLegacyStartSendsGetHeadersWhenHeadersCapable(t *testing.T) {
	t.Parallel()

	b, _, ch, _ := newBlockInLegacyFixture(t, true)

	require.NoError(t, b.Start(context.Background()))
	require.Equal(t, 1, ch.sentCount())
}

func TestBlockInLegacyOnInventoryRequestsUnknownOnly(t *testing.T) {
	t.Parallel()

	b, store, ch, genesisHash := newBlockInLegacyFixture(t, false)

	known := testHeader(genesisHash, time.Unix(1231006505, 0).Add(10*time.Minute), 1)
	link := store.SetLink(known, nil, chain.Context{Height: 1})
	store.PushCandidate(link)
	store.SetBlockConfirmed(link)

	unknown := testHeader(known.Hash(), time.Unix(1231006505, 0).Add(20*time.Minute), 2)

	msg := wire.NewMsgInv()
	require.NoError(t, msg.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &known.BlockHeader.PrevBlock)))
	knownHash := known.Hash()
	require.NoError(t, msg.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &knownHash)))
	unknownHash := unknown.Hash()
	require.NoError(t, msg.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &unknownHash)))

	require.NoError(t, b.OnInventory(context.Background(), msg, false))

	require.Equal(t, 1, ch.sentCount())

	got := ch.sent[0].(*wire.MsgGetData)
	require.Len(t, got.InvList, 1)
	require.Equal(t, unknownHash, got.InvList[0].Hash)
	require.Equal(t, wire.InvTypeBlock, got.InvList[0].Type)
}

func TestBlockInLegacyOnInventoryUsesWitnessTypeWhenCapable(t *testing.T) {
	t.Parallel()

	b, _, ch, genesisHash := newBlockInLegacyFixture(t, false)

	unknown := testHeader(genesisHash, time.Unix(1231006505, 0).Add(10*time.Minute), 1)
	unknownHash := unknown.Hash()

	msg := wire.NewMsgInv()
	require.NoError(t, msg.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &unknownHash)))

	require.NoError(t, b.OnInventory(context.Background(), msg, true))

	got := ch.sent[0].(*wire.MsgGetData)
	require.Len(t, got.InvList, 1)
	require.Equal(t, wire.InvTypeWitnessBlock, got.InvList[0].Type)
}

func TestBlockInLegacyOnInventoryEmptyWhenAllKnown(t *testing.T) {
	t.Parallel()

	b, store, ch, genesisHash := newBlockInLegacyFixture(t, false)

	known := testHeader(genesisHash, time.Unix(1231006505, 0).Add(10*time.Minute), 1)
	link := store.SetLink(known, nil, chain.Context{Height: 1})
	store.PushCandidate(link)
	store.SetBlockConfirmed(link)
	knownHash := known.Hash()

	msg := wire.NewMsgInv()
	require.NoError(t, msg.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &knownHash)))

	require.NoError(t, b.OnInventory(context.Background(), msg, false))
	require.Equal(t, 0, ch.sentCount())
}

func TestBlockInLegacyOnNotFoundIsNoop(t *testing.T) {
	t.Parallel()

	b, _, ch, _ := newBlockInLegacyFixture(t, false)

	msg := wire.NewMsgNotFound()
	require.NotPanics(t, func() { b.OnNotFound(msg) })
	require.Equal(t, 0, ch.sentCount())
}

func TestBlockInLegacyOnBlockArchivesLinearExtend(t *testing.T) {
	t.Parallel()

	b, store, ch, genesisHash := newBlockInLegacyFixture(t, false)

	h1 := testHeader(genesisHash, time.Unix(1231006505, 0).Add(10*time.Minute), 1)
	wb := &wire.MsgBlock{Header: h1.BlockHeader}

	b.OnBlock(context.Background(), wb)

	require.Eventually(t, func() bool {
		return store.GetTopCandidate() == 1
	}, 5*time.Second, 10*time.Millisecond)

	stopped, _ := ch.wasStopped()
	require.False(t, stopped)
}

func TestBlockInLegacyOnBlockDuplicateDoesNotStopChannel(t *testing.T) {
	t.Parallel()

	b, store, ch, genesisHash := newBlockInLegacyFixture(t, false)

	h1 := testHeader(genesisHash, time.Unix(1231006505, 0).Add(10*time.Minute), 1)
	wb := &wire.MsgBlock{Header: h1.BlockHeader}

	b.OnBlock(context.Background(), wb)
	require.Eventually(t, func() bool {
		return store.GetTopCandidate() == 1
	}, 5*time.Second, 10*time.Millisecond)

	b.OnBlock(context.Background(), wb)

	// Give the strand a chance to process the duplicate before asserting
	// the channel survived it.
	time.Sleep(50 * time.Millisecond)

	stopped, _ := ch.wasStopped()
	require.False(t, stopped)
}

func TestBlockInLegacyOnBlockOrphanStopsChannel(t *testing.T) {
	t.Parallel()

	b, _, ch, _ := newBlockInLegacyFixture(t, false)

	var unknownParent chain.Hash
	unknownParent[0] = 0xff

	orphan := testHeader(unknownParent, time.Unix(1231007000, 0), 1)
	wb := &wire.MsgBlock{Header: orphan.BlockHeader}

	b.OnBlock(context.Background(), wb)

	require.Eventually(t, func() bool {
		stopped, _ := ch.wasStopped()
		return stopped
	}, 5*time.Second, 10*time.Millisecond)

	_, err := ch.wasStopped()
	require.ErrorIs(t, err, chainerr.ErrOrphanHeader)
}
