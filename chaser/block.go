package chaser

import (
	"context"

	"github.com/btcorg/chainnode/archive"
	"github.com/btcorg/chainnode/chain"
	"github.com/btcorg/chainnode/eventbus"
	"github.com/lightningnetwork/lnd/actor"
)

// BlockValidator is the abstract check()/accept() pair for full blocks,
// used below the header-first activation height (legacy path). connect()
// is deferred to ChaserPreconfirm, which runs against a populated UTXO
// view.
type BlockValidator interface {
	Check(block *chain.Block) error
	Accept(block *chain.Block, ctx chain.Context) error
}

// ChaserBlock organizes full blocks: identical admission algorithm to
// ChaserHeader except for duplicate policy (an archived-but-unassociated
// header is not a duplicate) and archival (SetLink stores the block body
// too).
type ChaserBlock struct {
	org *Organizer[*chain.Block]
	val BlockValidator
}

// NewChaserBlock constructs a ChaserBlock on its own strand.
func NewChaserBlock(sys *actor.ActorSystem, store archive.Archive,
	bus *eventbus.Bus, cfg Config, val BlockValidator) *ChaserBlock {

	c := &ChaserBlock{val: val}

	c.org = NewOrganizer[*chain.Block](sys, "chaser-block", store, bus, cfg,
		Capabilities[*chain.Block]{
			IsBlock:  true,
			Validate: c.validate,
			SetLink:  setBlockLink,
			EventTag: eventbus.TagBlock,
			Load:     loadBlock,
		})

	return c
}

func (c *ChaserBlock) validate(block *chain.Block, ctx chain.Context) error {
	if c.val == nil {
		return nil
	}

	if err := c.val.Check(block); err != nil {
		return err
	}

	return c.val.Accept(block, ctx)
}

func setBlockLink(a archive.Archive, block *chain.Block, ctx chain.Context) chain.HeaderLink {
	return a.SetLink(block.Header(), block, ctx)
}

func loadBlock(a archive.Archive, link chain.HeaderLink) (*chain.Block, bool) {
	return a.GetBlock(link)
}

// Start initializes top_state and begins consuming bus events.
func (c *ChaserBlock) Start(ctx context.Context) {
	c.org.Start(ctx)
}

// Organize admits block, eventually invoking handler with the admission
// result on this chaser's strand.
func (c *ChaserBlock) Organize(ctx context.Context, block *chain.Block, handler Handler) {
	c.org.Organize(ctx, block, handler)
}

// TopState returns the current top-of-candidate ChainState.
func (c *ChaserBlock) TopState() *chain.ChainState {
	return c.org.TopState()
}

// Close stops the chaser's strand.
func (c *ChaserBlock) Close() {
	c.org.Close()
}
