package chaser

import (
	"context"

	"github.com/btcorg/chainnode/archive"
	"github.com/btcorg/chainnode/eventbus"
	"github.com/lightningnetwork/lnd/actor"
)

// ChaserConfirm advances the confirmed chain: once ChaserPreconfirm marks a height
// preconfirmable, walk the candidate chain forward from the confirmed top
// while the next height is preconfirmable, pushing each onto the
// confirmed chain and announcing it.
type ChaserConfirm struct {
	store archive.Archive
	bus   *eventbus.Bus

	strand *Strand
}

// NewChaserConfirm constructs a ChaserConfirm on its own strand.
func NewChaserConfirm(sys *actor.ActorSystem, store archive.Archive,
	bus *eventbus.Bus) *ChaserConfirm {

	c := &ChaserConfirm{store: store, bus: bus}
	c.strand = NewStrand(sys, "chaser-confirm", c.handleEvent)

	return c
}

// handleEvent advances the confirmed chain on every preconfirmable event.
// disorganized needs no handling here: disorganize only pops candidates
// above the fork point (the confirmed top), and advance reads the
// confirmed top from the archive on every call, so confirm simply resumes
// on the next preconfirmable.
func (c *ChaserConfirm) handleEvent(_ context.Context, evt eventbus.Event) {
	if evt.Tag == eventbus.TagPreconfirmable {
		c.advance()
	}
}

// Start begins consuming bus events.
func (c *ChaserConfirm) Start(ctx context.Context) {
	c.strand.Run(ctx, c.bus)
}

// advance pushes every consecutive preconfirmable height above the
// current confirmed top onto the confirmed chain.
func (c *ChaserConfirm) advance() {
	for {
		next := c.store.GetTopConfirmed() + 1

		link := c.store.ToCandidate(next)
		if link.IsTerminal() {
			return
		}

		state, ok := c.store.GetBlockState(link)
		if !ok || state != archive.Preconfirmable {
			return
		}

		if !c.store.PushConfirmed(link) || !c.store.SetBlockConfirmed(link) {
			return
		}

		c.bus.Publish(eventbus.Event{
			Tag:   eventbus.TagConfirmed,
			Value: eventbus.HeightValue(next),
		})
	}
}

// Close stops the confirm strand.
func (c *ChaserConfirm) Close() {
	c.strand.Close()
}
