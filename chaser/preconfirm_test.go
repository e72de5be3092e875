package chaser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/actor"
	"github.com/stretchr/testify/require"

	"github.com/btcorg/chainnode/archive"
	"github.com/btcorg/chainnode/chain"
	"github.com/btcorg/chainnode/eventbus"
)

// fakeValidator lets each test control accept/connect outcomes per link.
type fakeValidator struct {
	acceptErr  map[chain.Hash]error
	connectErr map[chain.Hash]error
}

func (v *fakeValidator) Accept(block *chain.Block, _ chain.Context) error {
	if v.acceptErr == nil {
		return nil
	}

	return v.acceptErr[block.Hash()]
}

func (v *fakeValidator) Connect(block *chain.Block, _ chain.Context, _ any) error {
	if v.connectErr == nil {
		return nil
	}

	return v.connectErr[block.Hash()]
}

// seedAssociatedChain archives n blocks (header + body) extending
// genesisHash onto the candidate chain, so each height is immediately
// eligible for preconfirm validation.
func seedAssociatedChain(store archive.Archive, genesisHash chain.Hash, n int) []*chain.Header {
	base := time.Unix(1231006505, 0)
	prev := genesisHash

	headers := make([]*chain.Header, 0, n)
	for i := 1; i <= n; i++ {
		h := testHeader(prev, base.Add(time.Duration(i)*10*time.Minute), easyBits, uint32(i))
		block := chain.NewBlock(&wire.MsgBlock{Header: h.BlockHeader})

		link := store.SetLink(h, block, chain.Context{Height: chain.Height(i)})
		store.PushCandidate(link)

		headers = append(headers, h)
		prev = h.Hash()
	}

	return headers
}

func newPreconfirmChaser(t *testing.T, store archive.Archive, val PreconfirmValidator) (*ChaserPreconfirm, *eventbus.Bus) {
	t.Helper()

	bus := eventbus.New()
	bus.Start()
	sys := actor.NewActorSystem()

	c := NewChaserPreconfirm(sys, store, bus, 0, val)
	c.Start(context.Background())

	t.Cleanup(func() {
		c.Close()
		sys.Shutdown()
	})

	return c, bus
}

func TestChaserPreconfirmAdvancesOnChecked(t *testing.T) {
	t.Parallel()

	genesis := testHeader(chain.Hash{}, time.Unix(1231006505, 0), easyBits, 0)
	store := archive.NewMemory(genesis, chain.Context{Height: 0})
	headers := seedAssociatedChain(store, genesis.Hash(), 3)

	c, bus := newPreconfirmChaser(t, store, &fakeValidator{})

	// bump drains every consecutive associated height, so checked(1)
	// validates all three; checked(2) and checked(3) then no longer match
	// validated+1 and leave the mark where it is.
	for i := 1; i <= 3; i++ {
		bus.Publish(eventbus.Event{
			Tag:   eventbus.TagChecked,
			Value: eventbus.HeightValue(chain.Height(i)),
		})

		require.Eventually(t, func() bool {
			return c.Validated() == chain.Height(len(headers))
		}, 5*time.Second, 10*time.Millisecond)
	}

	for i, h := range headers {
		link := store.ToHeader(h.Hash())
		state, ok := store.GetBlockState(link)
		require.True(t, ok)
		require.Equal(t, archive.Preconfirmable, state, "height %d", i+1)
	}
}

func TestChaserPreconfirmRejectedMarksUnconfirmable(t *testing.T) {
	t.Parallel()

	genesis := testHeader(chain.Hash{}, time.Unix(1231006505, 0), easyBits, 0)
	store := archive.NewMemory(genesis, chain.Context{Height: 0})
	headers := seedAssociatedChain(store, genesis.Hash(), 1)

	badHash := headers[0].Hash()
	val := &fakeValidator{acceptErr: map[chain.Hash]error{badHash: errors.New("bad block")}}

	c, bus := newPreconfirmChaser(t, store, val)

	sub := bus.Subscribe()
	t.Cleanup(sub.Unsubscribe)

	bus.Publish(eventbus.Event{
		Tag:   eventbus.TagChecked,
		Value: eventbus.HeightValue(1),
	})

	var gotUnpreconfirmable bool
	require.Eventually(t, func() bool {
		select {
		case upd := <-sub.Updates():
			evt, ok := upd.(eventbus.Event)
			if ok && evt.Tag == eventbus.TagUnpreconfirmable {
				gotUnpreconfirmable = true
			}
		default:
		}

		return gotUnpreconfirmable
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, chain.Height(0), c.Validated())

	link := store.ToHeader(badHash)
	state, ok := store.GetBlockState(link)
	require.True(t, ok)
	require.Equal(t, archive.Unconfirmable, state)
}

func TestChaserPreconfirmMalleatedBlockStopsAdvance(t *testing.T) {
	t.Parallel()

	genesis := testHeader(chain.Hash{}, time.Unix(1231006505, 0), easyBits, 0)
	var store archive.Archive = archive.NewMemory(genesis, chain.Context{Height: 0})
	headers := seedAssociatedChain(store, genesis.Hash(), 2)

	malleatedHash := headers[0].Hash()
	link := store.ToHeader(malleatedHash)
	store.(*archive.Memory).SetMalleable(link, true)

	val := &fakeValidator{acceptErr: map[chain.Hash]error{malleatedHash: errors.New("bad serialization")}}

	c, bus := newPreconfirmChaser(t, store, val)

	sub := bus.Subscribe()
	t.Cleanup(sub.Unsubscribe)

	bus.Publish(eventbus.Event{
		Tag:   eventbus.TagChecked,
		Value: eventbus.HeightValue(1),
	})

	var gotMalleated bool
	require.Eventually(t, func() bool {
		select {
		case upd := <-sub.Updates():
			evt, ok := upd.(eventbus.Event)
			if ok && evt.Tag == eventbus.TagMalleated {
				gotMalleated = true
			}
		default:
		}

		return gotMalleated
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, chain.Height(0), c.Validated(),
		"a malleated block must not advance validated, leaving room for a replacement")
}
