package protocol

import (
	"context"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcorg/chainnode/archive"
	"github.com/btcorg/chainnode/chain"
	"github.com/btcorg/chainnode/chainerr"
	"github.com/btcorg/chainnode/chaser"
)

// HeaderInConfig carries the tunables a ProtocolHeaderIn_31800 needs beyond
// its channel and chaser.
type HeaderInConfig struct {
	Params        chain.Params
	Checkpoints   map[chain.Height]chain.Hash
	MaxGetHeaders int
}

// HeaderInValidator is the context-free check() / context-dependent
// accept() pair run against each header before handing it to
// ChaserHeader.Organize. This mirrors chaser.HeaderValidator deliberately:
// the organizer repeats the checkpoint check and runs its own Validate
// hook when it has one, but the worker cannot call into that hook
// directly since it only runs after the organizer has already rolled its
// own ChainState forward.
type HeaderInValidator interface {
	Check(header *chain.Header) error
	Accept(header *chain.Header, ctx chain.Context) error
}

// HeaderIn is the per-peer header sync worker, running ahead of the
// block-download path. One HeaderIn exists per Channel and runs entirely
// on that channel's strand — nothing here is safe to call from any other
// goroutine, matching the organizer's own single-strand discipline.
type HeaderIn struct {
	ch    Channel
	store archive.Archive
	head  *chaser.ChaserHeader
	cfg   HeaderInConfig
	val   HeaderInValidator

	state *chain.ChainState
}

// NewHeaderIn constructs a HeaderIn for ch. Call Start once the channel is
// ready to send and receive.
func NewHeaderIn(ch Channel, store archive.Archive, head *chaser.ChaserHeader,
	cfg HeaderInConfig, val HeaderInValidator) *HeaderIn {

	if cfg.MaxGetHeaders <= 0 {
		cfg.MaxGetHeaders = MaxGetHeaders
	}

	return &HeaderIn{ch: ch, store: store, head: head, cfg: cfg, val: val}
}

// Start initializes the rolling ChainState from the archive's current top
// candidate and sends the initial getheaders request.
func (h *HeaderIn) Start(ctx context.Context) error {
	top := h.store.GetTopCandidate()

	state, ok := h.store.GetCandidateChainState(h.cfg.Params, top)
	if !ok {
		h.ch.Stop(chainerr.ErrStoreIntegrity)
		return chainerr.ErrStoreIntegrity
	}

	h.state = state

	return h.requestNext()
}

// requestNext sends the next getheaders using a locator seeded from the
// current rolling state's height.
func (h *HeaderIn) requestNext() error {
	locator := BlockLocator(h.store, h.state.Height())

	return h.ch.Send(GetHeadersMessage(locator))
}

// OnHeaders processes one headers message, in order. A protocol
// violation at any header stops the channel
// and returns immediately — headers already organized earlier in the
// batch stay organized.
func (h *HeaderIn) OnHeaders(ctx context.Context, msg *wire.MsgHeaders) {
	for _, wh := range msg.Headers {
		header := chain.NewHeader(*wh)

		if header.PreviousHash() != h.state.Hash() {
			log.Warnf("Peer %d: header %v does not extend %v",
				h.ch.ID(), header.Hash(), h.state.Hash())
			h.ch.Stop(chainerr.ErrProtocolViolation)
			return
		}

		next := h.state.Height() + 1

		if err := h.checkHeader(header, next); err != nil {
			h.ch.Stop(err)
			return
		}

		rolled := chain.Roll(h.state, header, h.cfg.Params)

		if h.val != nil {
			if err := h.val.Accept(header, rolled.Context()); err != nil {
				h.ch.Stop(err)
				return
			}
		}

		h.state = rolled

		h.head.Organize(ctx, header, func(err error, height chain.Height) {
			// Organize runs asynchronously on ChaserHeader's own strand;
			// a rejection there does not roll back h.state — there is no
			// synchronous failure path back onto the channel.
		})
	}

	if len(msg.Headers) == h.cfg.MaxGetHeaders {
		if err := h.requestNext(); err != nil {
			h.ch.Stop(err)
		}
		return
	}

	// Batch shorter than the maximum: peer is caught up, nothing more to
	// request until the next inv/headers announcement arrives.
}

// checkHeader runs header.check() followed by the checkpoint conflict
// check, both ahead of rolling state forward.
func (h *HeaderIn) checkHeader(header *chain.Header, height chain.Height) error {
	if h.val != nil {
		if err := h.val.Check(header); err != nil {
			return err
		}
	}

	if want, ok := h.cfg.Checkpoints[height]; ok && want != header.Hash() {
		return chainerr.ErrCheckpointConflict
	}

	return nil
}
