package chaser

import (
	"context"

	"github.com/btcorg/chainnode/archive"
	"github.com/btcorg/chainnode/chain"
	"github.com/btcorg/chainnode/eventbus"
	"github.com/lightningnetwork/lnd/actor"
)

// GetHashesHandler receives one chunk popped off the check strand's work
// queue, or an empty chunk (Len() == 0) if there is currently no work —
// the caller is expected to back off.
type GetHashesHandler func(chunk *chain.AssociationMap)

// ChaserCheck is the shared block-download work pool: a FIFO of AssociationMap
// chunks covering every unassociated header above the fork point,
// produced by scanning the archive in InventoryMax-sized slices. A FIFO
// with restore gives at-least-once download semantics without per-hash
// bookkeeping.
type ChaserCheck struct {
	store archive.Archive
	bus   *eventbus.Bus

	strand *Strand

	inventoryMax int
	maps         []*chain.AssociationMap
}

// NewChaserCheck constructs a ChaserCheck on its own strand. inventoryMax
// of 0 uses chain.InventoryMaxDefault.
func NewChaserCheck(sys *actor.ActorSystem, store archive.Archive,
	bus *eventbus.Bus, inventoryMax int) *ChaserCheck {

	if inventoryMax <= 0 {
		inventoryMax = chain.InventoryMaxDefault
	}

	c := &ChaserCheck{store: store, bus: bus, inventoryMax: inventoryMax}
	c.strand = NewStrand(sys, "chaser-check", c.handleEvent)

	return c
}

// handleEvent extends the queue on a header event (a newly-organized
// branch point may expose new unassociated heights) and clears it
// entirely on disorganized.
func (c *ChaserCheck) handleEvent(_ context.Context, evt eventbus.Event) {
	switch evt.Tag {
	case eventbus.TagHeader, eventbus.TagBlock:
		if evt.Value.HasHeight() {
			c.extend(evt.Value.Height)
		}

	case eventbus.TagDisorganized:
		c.maps = nil
		c.bus.Publish(eventbus.Event{Tag: eventbus.TagPurge})
	}
}

// Start begins consuming bus events and loads the initial work queue from
// the archive's current fork point.
func (c *ChaserCheck) Start(ctx context.Context) {
	c.strand.Run(ctx, c.bus)
	c.strand.Execute(ctx, func(context.Context) {
		c.extend(c.store.GetFork())
	})
}

// extend scans for unassociated headers above h, in InventoryMax-sized
// chunks, appending every chunk found to maps and emitting download with
// the total count added.
func (c *ChaserCheck) extend(h chain.Height) {
	added := 0

	for {
		assoc := c.store.GetUnassociatedAbove(h, c.inventoryMax)
		if len(assoc) == 0 {
			break
		}

		c.maps = append(c.maps, chain.NewAssociationMap(assoc))
		added += len(assoc)
		h = assoc[len(assoc)-1].Height

		if len(assoc) < c.inventoryMax {
			break
		}
	}

	if added > 0 {
		c.bus.Publish(eventbus.Event{
			Tag:   eventbus.TagDownload,
			Value: eventbus.CountValue(added),
		})
	}
}

// GetHashes pops one chunk from the front of the queue and hands it to
// handler on the check strand. An empty chunk signals "no work".
func (c *ChaserCheck) GetHashes(ctx context.Context, handler GetHashesHandler) {
	c.strand.Execute(ctx, func(context.Context) {
		if handler == nil {
			return
		}

		if len(c.maps) == 0 {
			handler(chain.NewAssociationMap(nil))
			return
		}

		chunk := c.maps[0]
		c.maps = c.maps[1:]
		handler(chunk)
	})
}

// PutHashes restores an unfinished chunk to the back of the queue —
// called by a protocol worker that is stopping or splitting its work —
// and emits download with its remaining size.
func (c *ChaserCheck) PutHashes(ctx context.Context, chunk *chain.AssociationMap, handler func()) {
	c.strand.Execute(ctx, func(context.Context) {
		if chunk != nil && chunk.Len() > 0 {
			c.maps = append(c.maps, chunk)
			c.bus.Publish(eventbus.Event{
				Tag:   eventbus.TagDownload,
				Value: eventbus.CountValue(chunk.Len()),
			})
		}

		if handler != nil {
			handler()
		}
	})
}

// Close stops the check strand.
func (c *ChaserCheck) Close() {
	c.strand.Close()
}
