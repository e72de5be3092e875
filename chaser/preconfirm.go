package chaser

import (
	"context"

	"github.com/btcorg/chainnode/archive"
	"github.com/btcorg/chainnode/chain"
	"github.com/btcorg/chainnode/chainerr"
	"github.com/btcorg/chainnode/eventbus"
	"github.com/lightningnetwork/lnd/actor"
)

// PreconfirmValidator is the abstract accept()+connect() pair validate
// runs against a populated UTXO view, once a block is associated and the
// organizer has long since finished with its header-level check()/accept().
type PreconfirmValidator interface {
	Accept(block *chain.Block, ctx chain.Context) error
	Connect(block *chain.Block, ctx chain.Context, view any) error
}

type validateResult int

const (
	validateOK validateResult = iota
	validateBypass
	validateRejected
	validateMalleated
	validateFault
)

// ChaserPreconfirm advances block-level validation over the candidate
// chain, one height at a time, maintaining `validated`: the highest
// height whose block has passed accept+connect.
type ChaserPreconfirm struct {
	store archive.Archive
	bus   *eventbus.Bus
	val   PreconfirmValidator

	strand *Strand

	bypassHeight chain.Height
	validated    chain.Height

	// OnFault is invoked on a store-integrity failure encountered while
	// loading a block or its context or populating its UTXO view,
	// surfaced the same way
	// Organizer.Config.OnFault is.
	OnFault func(err error)
}

// NewChaserPreconfirm constructs a ChaserPreconfirm on its own strand.
// Heights below bypassHeight skip accept+connect entirely unless already
// flagged malleable.
func NewChaserPreconfirm(sys *actor.ActorSystem, store archive.Archive,
	bus *eventbus.Bus, bypassHeight chain.Height,
	val PreconfirmValidator) *ChaserPreconfirm {

	c := &ChaserPreconfirm{
		store:        store,
		bus:          bus,
		val:          val,
		bypassHeight: bypassHeight,
	}
	c.strand = NewStrand(sys, "chaser-preconfirm", c.handleEvent)

	return c
}

// handleEvent reacts to checked/regressed/disorganized, each of which
// ends by draining via bump.
func (c *ChaserPreconfirm) handleEvent(_ context.Context, evt eventbus.Event) {
	switch evt.Tag {
	case eventbus.TagChecked:
		if evt.Value.HasHeight() && evt.Value.Height == c.validated+1 {
			c.bump()
		}

	case eventbus.TagRegressed:
		if evt.Value.HasHeight() && evt.Value.Height < c.validated {
			c.validated = evt.Value.Height
		}
		c.bump()

	case eventbus.TagDisorganized:
		if evt.Value.HasHeight() {
			c.validated = evt.Value.Height
		}
		c.bump()
	}
}

// Start initializes validated from the archive's current fork point and
// begins consuming bus events.
func (c *ChaserPreconfirm) Start(ctx context.Context) {
	c.validated = c.store.GetFork()
	c.strand.Run(ctx, c.bus)
}

// bump drains every consecutive associated height above validated,
// stopping at the first gap, malleated block, unconfirmable failure, or
// fault.
func (c *ChaserPreconfirm) bump() {
	for {
		height := c.validated + 1

		link := c.store.ToCandidate(height)
		if link.IsTerminal() || !c.store.IsAssociated(link) {
			return
		}

		switch c.validate(link, height) {
		case validateOK, validateBypass:
			c.store.SetBlockPreconfirmable(link)
			c.store.SetTxsConnected(link)
			c.validated = height

			c.bus.Publish(eventbus.Event{
				Tag:   eventbus.TagPreconfirmable,
				Value: eventbus.HeightValue(height),
			})

		case validateMalleated:
			c.bus.Publish(eventbus.Event{
				Tag:   eventbus.TagMalleated,
				Value: eventbus.LinkValue(link),
			})
			return

		case validateFault:
			if c.OnFault != nil {
				c.OnFault(chainerr.ErrStoreIntegrity)
			}
			return

		default: // validateRejected
			c.store.SetBlockUnconfirmable(link)
			c.bus.Publish(eventbus.Event{
				Tag:   eventbus.TagUnpreconfirmable,
				Value: eventbus.LinkValue(link),
			})
			return
		}
	}
}

// validate runs one height: bypass below the configured
// height, a cached-state short-circuit for a height already judged, else
// a full populate+accept+connect run against the floating UTXO view.
func (c *ChaserPreconfirm) validate(link chain.HeaderLink, height chain.Height) validateResult {
	if height < c.bypassHeight && !c.store.IsMalleable(link) {
		return validateBypass
	}

	if state, ok := c.store.GetBlockState(link); ok {
		switch state {
		case archive.Confirmable, archive.Preconfirmable:
			return validateOK
		case archive.Unconfirmable:
			return validateRejected
		}
	}

	block, ok := c.store.GetBlock(link)
	if !ok {
		return validateFault
	}

	ctx, ok := c.store.GetContext(link)
	if !ok {
		return validateFault
	}

	if c.val == nil {
		return validateOK
	}

	view, err := c.store.Populate(block)
	if err != nil {
		return validateFault
	}

	if err := c.val.Accept(block, ctx); err != nil {
		return c.classify(link)
	}

	if err := c.val.Connect(block, ctx, view); err != nil {
		return c.classify(link)
	}

	return validateOK
}

// classify distinguishes a malleated header (same fields, distinct
// transaction serialization — the block stays eligible for a correct
// replacement) from a genuinely rejected one.
func (c *ChaserPreconfirm) classify(link chain.HeaderLink) validateResult {
	if c.store.IsMalleable(link) {
		return validateMalleated
	}

	return validateRejected
}

// Validated returns the current high-water mark.
func (c *ChaserPreconfirm) Validated() chain.Height {
	return c.validated
}

// Close stops the preconfirm strand.
func (c *ChaserPreconfirm) Close() {
	c.strand.Close()
}
