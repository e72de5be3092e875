package protocol

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcorg/chainnode/archive"
	"github.com/btcorg/chainnode/chain"
	"github.com/btcorg/chainnode/chainerr"
	"github.com/btcorg/chainnode/chaser"
)

// getBlocksInterval is the heartbeat period that re-issues get_blocks (or
// get_headers, if the peer announces via headers) on every tick, whether
// or not inventory has arrived since — the pre-header-first path's only
// stall defense, since it has no ChaserCheck chunk to fall back on.
const getBlocksInterval = time.Second

// BlockInLegacy is the pre-header-first-activation ingest path:
// inventory/get_data driven, handing each received block straight to
// ChaserBlock.Organize rather than through ChaserCheck's work-pool
// chunking.
type BlockInLegacy struct {
	ch    Channel
	store archive.Archive
	block *chaser.ChaserBlock

	// headersCapable selects get_headers over get_blocks for the
	// re-request heartbeat (peer protocol version gate).
	headersCapable bool

	stopHash chain.Hash
}

// NewBlockInLegacy constructs a BlockInLegacy for ch.
func NewBlockInLegacy(ch Channel, store archive.Archive,
	block *chaser.ChaserBlock, headersCapable bool) *BlockInLegacy {

	return &BlockInLegacy{ch: ch, store: store, block: block, headersCapable: headersCapable}
}

// Start sends the initial get_blocks/get_headers request and arms the
// heartbeat that re-issues it every getBlocksInterval.
func (b *BlockInLegacy) Start(ctx context.Context) error {
	go b.heartbeat(ctx)

	return b.requestNext()
}

func (b *BlockInLegacy) heartbeat(ctx context.Context) {
	t := time.NewTicker(getBlocksInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := b.requestNext(); err != nil {
				b.ch.Stop(err)
				return
			}
		}
	}
}

func (b *BlockInLegacy) requestNext() error {
	locator := BlockLocator(b.store, b.store.GetTopCandidate())

	if b.headersCapable {
		return b.ch.Send(GetHeadersMessage(locator))
	}

	msg := wire.NewMsgGetBlocks(nil)
	for _, hash := range locator {
		msg.AddBlockLocatorHash(hash)
	}

	return b.ch.Send(msg)
}

// OnInventory reduces an announced inventory to block hashes, drops any
// already archived with a block state past unassociated, and requests the
// rest via get_data, witness-typed when the peer negotiated witness
// support.
func (b *BlockInLegacy) OnInventory(ctx context.Context, msg *wire.MsgInv, witnessCapable bool) error {
	invType := wire.InvTypeBlock
	if witnessCapable {
		invType = wire.InvTypeWitnessBlock
	}

	req := wire.NewMsgGetData()

	for _, item := range msg.InvList {
		if item.Type != wire.InvTypeBlock && item.Type != wire.InvTypeWitnessBlock {
			continue
		}

		if link := b.store.ToHeader(item.Hash); !link.IsTerminal() {
			if state, ok := b.store.GetBlockState(link); ok && state != archive.Unassociated {
				continue
			}
		}

		if err := req.AddInvVect(wire.NewInvVect(invType, &item.Hash)); err != nil {
			break
		}
	}

	if len(req.InvList) == 0 {
		return nil
	}

	return b.ch.Send(req)
}

// OnNotFound logs the peer's inability to serve a block it had announced.
// This is not itself a protocol violation — only expected to arise from
// reorganization on the peer's side.
func (b *BlockInLegacy) OnNotFound(msg *wire.MsgNotFound) {
	// No action beyond acknowledging receipt: this core's reconciliation
	// of a missing block happens passively, through the next inventory
	// announcement or heartbeat re-request.
	_ = msg
}

// OnBlock hands a received block straight to ChaserBlock.Organize. A
// redundant block is expected (peers race to announce), never a reason to
// drop the peer.
func (b *BlockInLegacy) OnBlock(ctx context.Context, wb *wire.MsgBlock) {
	block := chain.NewBlock(wb)

	b.block.Organize(ctx, block, func(err error, height chain.Height) {
		switch err {
		case nil, chainerr.ErrDuplicateHeader:
			return
		default:
			b.ch.Stop(err)
		}
	})
}
