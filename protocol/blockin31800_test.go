package protocol

import (
	"context"
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

func longTimerConfig() BlockInConfig {
	return BlockInConfig{
		IdleTimeout:         time.Minute,
		HeartbeatInterval:   time.Minute,
		PerformanceInterval: time.Minute,
	}
}

// seedCandidateHeader archives an unassociated header at the next candidate
// height extending prevHash, pushing it onto the candidate chain.
func seedCandidateHeader(store archive.Archive, prevHash chain.Hash, height chain.Height, nonce uint32) *chain.Header {
	h := testHeader(prevHash, time.Unix(1231006505, 0).Add(time.Duration(nonce)*10*time.Minute), nonce)
	link := store.SetLink(h, nil, chain.Context{Height: height})
	store.PushCandidate(link)

	return h
}

func newBlockInFixture(t *testing.T, cfg BlockInConfig, val BlockInValidator) (
	*BlockIn, archive.Archive, *fakeChannel, *chain.Header, *eventbus.Bus) {

	t.Helper()

	genesis := testHeader(chain.Hash{}, time.Unix(1231006505, 0), 0)
	store := archive.NewMemory(genesis, chain.Context{Height: 0})

	h1 := seedCandidateHeader(store, genesis.Hash(), 1, 1)

	bus := eventbus.New()
	bus.Start()
	sys := actor.NewActorSystem()

	check := chaser.NewChaserCheck(sys, store, bus, 0)
	check.Start(context.Background())

	t.Cleanup(func() {
		check.Close()
		sys.Shutdown()
	})

	ch := &fakeChannel{id: 7}
	b := NewBlockIn(ch, store, check, bus, val, cfg)

	return b, store, ch, h1, bus
}

func TestBlockInOnBlockArchivesAndDrainsChunk(t *testing.T) {
	t.Parallel()

	b, store, ch, h1, _ := newBlockInFixture(t, longTimerConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b.Start(ctx)

	require.Eventually(t, func() bool {
		return b.chunk != nil && b.chunk.Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	wb := &wire.MsgBlock{Header: h1.BlockHeader}
	b.OnBlock(ctx, wb, 1000)

	stopped, _ := ch.wasStopped()
	require.False(t, stopped)

	link := store.ToHeader(h1.Hash())
	require.True(t, store.IsAssociated(link))

	require.Eventually(t, func() bool {
		return b.chunk == nil || b.chunk.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBlockInOnBlockUnknownHashStopsChannel(t *testing.T) {
	t.Parallel()

	b, _, ch, _, _ := newBlockInFixture(t, longTimerConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b.Start(ctx)
	require.Eventually(t, func() bool {
		return b.chunk != nil && b.chunk.Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	stray := testHeader(chain.Hash{}, time.Unix(1231099999, 0), 99)
	wb := &wire.MsgBlock{Header: stray.BlockHeader}

	b.OnBlock(ctx, wb, 100)

	stopped, err := ch.wasStopped()
	require.True(t, stopped)
	require.ErrorIs(t, err, chainerr.ErrUnknown)
}

func TestBlockInStopReturnsChunkToCheck(t *testing.T) {
	t.Parallel()

	b, _, _, _, _ := newBlockInFixture(t, longTimerConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b.Start(ctx)
	require.Eventually(t, func() bool {
		return b.chunk != nil && b.chunk.Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	b.Stop(ctx)
	require.Nil(t, b.chunk)
}

func TestBlockInPurgeDropsChunkWithoutReturningIt(t *testing.T) {
	t.Parallel()

	b, _, _, _, _ := newBlockInFixture(t, longTimerConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b.Start(ctx)
	require.Eventually(t, func() bool {
		return b.chunk != nil && b.chunk.Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	b.Purge()
	require.Nil(t, b.chunk)
}

func TestBlockInRequestsChunkViaGetData(t *testing.T) {
	t.Parallel()

	cfg := longTimerConfig()
	cfg.WitnessCapable = true

	b, _, ch, h1, _ := newBlockInFixture(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b.Start(ctx)

	require.Eventually(t, func() bool {
		for _, msg := range ch.sentMessages() {
			if _, ok := msg.(*wire.MsgGetData); ok {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	var getData *wire.MsgGetData
	for _, msg := range ch.sentMessages() {
		if gd, ok := msg.(*wire.MsgGetData); ok {
			getData = gd
		}
	}

	require.Len(t, getData.InvList, 1)
	require.Equal(t, wire.InvTypeWitnessBlock, getData.InvList[0].Type)
	require.Equal(t, h1.Hash(), getData.InvList[0].Hash)
}

func TestBlockInOnBlockFiresChecked(t *testing.T) {
	t.Parallel()

	b, _, _, h1, bus := newBlockInFixture(t, longTimerConfig(), nil)

	sub := bus.Subscribe()
	t.Cleanup(sub.Unsubscribe)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b.Start(ctx)
	require.Eventually(t, func() bool {
		return b.chunk != nil && b.chunk.Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	wb := &wire.MsgBlock{Header: h1.BlockHeader}
	b.OnBlock(ctx, wb, 1000)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case upd := <-sub.Updates():
			evt, ok := upd.(eventbus.Event)
			if ok && evt.Tag == eventbus.TagChecked {
				require.True(t, evt.Value.HasHeight())
				require.Equal(t, chain.Height(1), evt.Value.Height)
				return
			}
		case <-deadline:
			t.Fatal("checked event never arrived")
		}
	}
}

func TestBlockInSplitEventHalvesChunk(t *testing.T) {
	t.Parallel()

	// Two unassociated candidate heights seeded before ChaserCheck's
	// initial scan, so the worker's first chunk holds both.
	genesis := testHeader(chain.Hash{}, time.Unix(1231006505, 0), 0)
	store := archive.NewMemory(genesis, chain.Context{Height: 0})

	h1 := seedCandidateHeader(store, genesis.Hash(), 1, 1)
	seedCandidateHeader(store, h1.Hash(), 2, 2)

	bus := eventbus.New()
	bus.Start()
	sys := actor.NewActorSystem()

	check := chaser.NewChaserCheck(sys, store, bus, 0)
	check.Start(context.Background())

	t.Cleanup(func() {
		check.Close()
		sys.Shutdown()
	})

	ch := &fakeChannel{id: 7}
	b := NewBlockIn(ch, store, check, bus, nil, longTimerConfig())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b.Start(ctx)
	require.Eventually(t, func() bool {
		return b.chunk != nil && b.chunk.Len() == 2
	}, 5*time.Second, 10*time.Millisecond)

	bus.Publish(eventbus.Event{
		Tag:   eventbus.TagSplit,
		Value: eventbus.ChannelValue(7),
	})

	require.Eventually(t, func() bool {
		return b.chunk != nil && b.chunk.Len() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBlockInStarvedEventReturnsWholeChunk(t *testing.T) {
	t.Parallel()

	b, _, _, _, bus := newBlockInFixture(t, longTimerConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b.Start(ctx)
	require.Eventually(t, func() bool {
		return b.chunk != nil && b.chunk.Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	bus.Publish(eventbus.Event{
		Tag:   eventbus.TagStarved,
		Value: eventbus.ChannelValue(7),
	})

	require.Eventually(t, func() bool {
		return b.chunk == nil
	}, 5*time.Second, 10*time.Millisecond)
}
