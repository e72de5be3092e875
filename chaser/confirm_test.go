package chaser

import (
	"context"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/actor"
	"github.com/stretchr/testify/require"

	"github.com/btcorg/chainnode/archive"
	"github.com/btcorg/chainnode/chain"
	"github.com/btcorg/chainnode/eventbus"
)

func newConfirmChaser(t *testing.T, store archive.Archive) (*ChaserConfirm, *eventbus.Bus) {
	t.Helper()

	bus := eventbus.New()
	bus.Start()
	sys := actor.NewActorSystem()

	c := NewChaserConfirm(sys, store, bus)
	c.Start(context.Background())

	t.Cleanup(func() {
		c.Close()
		sys.Shutdown()
	})

	return c, bus
}

func TestChaserConfirmAdvancesOverPreconfirmableRun(t *testing.T) {
	t.Parallel()

	genesis := testHeader(chain.Hash{}, time.Unix(1231006505, 0), easyBits, 0)
	store := archive.NewMemory(genesis, chain.Context{Height: 0})
	headers := seedAssociatedChain(store, genesis.Hash(), 3)

	for _, h := range headers {
		store.SetBlockPreconfirmable(store.ToHeader(h.Hash()))
	}

	_, bus := newConfirmChaser(t, store)

	bus.Publish(eventbus.Event{
		Tag:   eventbus.TagPreconfirmable,
		Value: eventbus.HeightValue(3),
	})

	require.Eventually(t, func() bool {
		return store.GetTopConfirmed() == 3
	}, 5*time.Second, 10*time.Millisecond)

	for i, h := range headers {
		link := store.ToHeader(h.Hash())
		state, ok := store.GetBlockState(link)
		require.True(t, ok)
		require.Equal(t, archive.Confirmed, state, "height %d", i+1)
	}
}

func TestChaserConfirmStopsAtFirstUnpreconfirmedHeight(t *testing.T) {
	t.Parallel()

	genesis := testHeader(chain.Hash{}, time.Unix(1231006505, 0), easyBits, 0)
	store := archive.NewMemory(genesis, chain.Context{Height: 0})
	headers := seedAssociatedChain(store, genesis.Hash(), 3)

	// Only height 1 is preconfirmable; 2 and 3 still await validation.
	store.SetBlockPreconfirmable(store.ToHeader(headers[0].Hash()))

	_, bus := newConfirmChaser(t, store)

	bus.Publish(eventbus.Event{
		Tag:   eventbus.TagPreconfirmable,
		Value: eventbus.HeightValue(1),
	})

	require.Eventually(t, func() bool {
		return store.GetTopConfirmed() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The confirmed chain must remain a strict prefix of the candidate
	// chain, stalled below the unvalidated heights.
	require.Equal(t, chain.Height(1), store.GetTopConfirmed())
	require.Equal(t, chain.Height(3), store.GetTopCandidate())
}

func TestChaserConfirmEmitsConfirmedEvents(t *testing.T) {
	t.Parallel()

	genesis := testHeader(chain.Hash{}, time.Unix(1231006505, 0), easyBits, 0)
	store := archive.NewMemory(genesis, chain.Context{Height: 0})
	headers := seedAssociatedChain(store, genesis.Hash(), 2)

	for _, h := range headers {
		store.SetBlockPreconfirmable(store.ToHeader(h.Hash()))
	}

	_, bus := newConfirmChaser(t, store)

	sub := bus.Subscribe()
	t.Cleanup(sub.Unsubscribe)

	bus.Publish(eventbus.Event{
		Tag:   eventbus.TagPreconfirmable,
		Value: eventbus.HeightValue(2),
	})

	var confirmed []chain.Height
	require.Eventually(t, func() bool {
		select {
		case upd := <-sub.Updates():
			evt, ok := upd.(eventbus.Event)
			if ok && evt.Tag == eventbus.TagConfirmed {
				confirmed = append(confirmed, evt.Value.Height)
			}
		default:
		}

		return len(confirmed) == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, []chain.Height{1, 2}, confirmed)
}
