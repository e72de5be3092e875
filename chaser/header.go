package chaser

import (
	"context"

	"github.com/btcorg/chainnode/archive"
	"github.com/btcorg/chainnode/chain"
	"github.com/btcorg/chainnode/eventbus"
	"github.com/lightningnetwork/lnd/actor"
)

// HeaderValidator is the abstract check()/accept() pair the organizer
// runs against each admitted header. Context-free structural checks belong in
// Check; context-dependent checks (checkpoints aside, which the organizer
// itself enforces) belong in Accept.
type HeaderValidator interface {
	Check(header *chain.Header) error
	Accept(header *chain.Header, ctx chain.Context) error
}

// ChaserHeader organizes headers ahead of the header-first activation
// height: admission, branch-work, and reorganization, with no block body
// ever required.
type ChaserHeader struct {
	org *Organizer[*chain.Header]
	val HeaderValidator
}

// NewChaserHeader constructs a ChaserHeader on its own strand.
func NewChaserHeader(sys *actor.ActorSystem, store archive.Archive,
	bus *eventbus.Bus, cfg Config, val HeaderValidator) *ChaserHeader {

	c := &ChaserHeader{val: val}

	c.org = NewOrganizer[*chain.Header](sys, "chaser-header", store, bus, cfg,
		Capabilities[*chain.Header]{
			IsBlock:  false,
			Validate: c.validate,
			SetLink:  setHeaderLink,
			EventTag: eventbus.TagHeader,
			Load:     loadHeader,
		})

	return c
}

func (c *ChaserHeader) validate(header *chain.Header, ctx chain.Context) error {
	if c.val == nil {
		return nil
	}

	if err := c.val.Check(header); err != nil {
		return err
	}

	return c.val.Accept(header, ctx)
}

func setHeaderLink(a archive.Archive, header *chain.Header, ctx chain.Context) chain.HeaderLink {
	return a.SetLink(header, nil, ctx)
}

func loadHeader(a archive.Archive, link chain.HeaderLink) (*chain.Header, bool) {
	return a.GetHeader(link)
}

// Start initializes top_state and begins consuming bus events.
func (c *ChaserHeader) Start(ctx context.Context) {
	c.org.Start(ctx)
}

// Organize admits header, eventually invoking handler with the admission
// result on this chaser's strand.
func (c *ChaserHeader) Organize(ctx context.Context, header *chain.Header, handler Handler) {
	c.org.Organize(ctx, header, handler)
}

// TopState returns the current top-of-candidate ChainState.
func (c *ChaserHeader) TopState() *chain.ChainState {
	return c.org.TopState()
}

// Close stops the chaser's strand.
func (c *ChaserHeader) Close() {
	c.org.Close()
}
