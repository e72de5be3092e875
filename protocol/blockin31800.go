package protocol

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcorg/chainnode/archive"
	"github.com/btcorg/chainnode/chain"
	"github.com/btcorg/chainnode/chainerr"
	"github.com/btcorg/chainnode/chaser"
	"github.com/btcorg/chainnode/eventbus"
	"github.com/lightningnetwork/lnd/ticker"
)

// BlockInValidator is the context-free check() / context-dependent
// check(ctx) pair run against each received block (witness
// commitment and timestamp-style checks live in the context-dependent
// half; connect() against the UTXO view is deferred entirely to
// ChaserPreconfirm).
type BlockInValidator interface {
	Check(block *chain.Block) error
	CheckContext(block *chain.Block, ctx chain.Context) error
}

// BlockInConfig carries BlockIn's idle, heartbeat, and performance timer
// intervals.
type BlockInConfig struct {
	IdleTimeout         time.Duration
	HeartbeatInterval   time.Duration
	PerformanceInterval time.Duration

	// MinBytesPerSecond below which the session is judged slow enough to
	// split or stall.
	MinBytesPerSecond float64

	// WitnessCapable selects witness_block over block as the inventory
	// type on outgoing get_data requests.
	WitnessCapable bool
}

// BlockIn is the per-peer block download worker: requests one chunk of
// unassociated hashes from ChaserCheck, tracks it as chunk, requests the
// blocks via get_data, archives each one as it arrives, and refills once
// the chunk drains. Runs entirely on its own channel's strand; bus events
// (download, split, purge, starved) are re-posted onto that strand via
// Channel.Post before they touch any state.
type BlockIn struct {
	ch    Channel
	store archive.Archive
	check *chaser.ChaserCheck
	bus   *eventbus.Bus
	val   BlockInValidator
	cfg   BlockInConfig

	chunk *chain.AssociationMap

	sub *eventbus.Subscription

	idle        ticker.Ticker
	heartbeat   ticker.Ticker
	performance ticker.Ticker

	bytesSinceTick int64
}

// NewBlockIn constructs a BlockIn for ch.
func NewBlockIn(ch Channel, store archive.Archive, check *chaser.ChaserCheck,
	bus *eventbus.Bus, val BlockInValidator, cfg BlockInConfig) *BlockIn {

	return &BlockIn{
		ch:          ch,
		store:       store,
		check:       check,
		bus:         bus,
		val:         val,
		cfg:         cfg,
		idle:        ticker.New(cfg.IdleTimeout),
		heartbeat:   ticker.New(cfg.HeartbeatInterval),
		performance: ticker.New(cfg.PerformanceInterval),
	}
}

// Start subscribes to the bus, requests the initial chunk from ChaserCheck,
// and arms the timers.
func (b *BlockIn) Start(ctx context.Context) {
	b.idle.Resume()
	b.heartbeat.Resume()
	b.performance.Resume()

	go b.watchTimers(ctx)

	if b.bus != nil {
		b.sub = b.bus.Subscribe()
		go b.watchEvents(ctx, b.sub)
	}

	b.acquire(ctx)
}

// acquire pulls one chunk from ChaserCheck and, once it lands on this
// channel's strand, issues the get_data request for its hashes. An empty
// chunk means no work: the worker idles until the next download event.
func (b *BlockIn) acquire(ctx context.Context) {
	b.check.GetHashes(ctx, func(chunk *chain.AssociationMap) {
		b.ch.Post(func() {
			b.chunk = chunk
			b.requestBlocks()
		})
	})
}

// requestBlocks sends a get_data for every outstanding hash in the current
// chunk, witness-typed when the peer negotiated witness support.
func (b *BlockIn) requestBlocks() {
	hashes := b.chunk.Hashes()
	if len(hashes) == 0 {
		return
	}

	invType := wire.InvTypeBlock
	if b.cfg.WitnessCapable {
		invType = wire.InvTypeWitnessBlock
	}

	msg := wire.NewMsgGetData()
	for i := range hashes {
		if err := msg.AddInvVect(wire.NewInvVect(invType, &hashes[i])); err != nil {
			break
		}
	}

	if err := b.ch.Send(msg); err != nil {
		b.ch.Stop(err)
	}
}

// watchTimers runs on its own goroutine: idle expiry stops the channel,
// each heartbeat sends a ping directly, and each performance tick posts
// checkPerformance onto the channel's strand.
func (b *BlockIn) watchTimers(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case <-b.idle.Ticks():
			b.ch.Stop(chainerr.ErrServiceStopped)
			return

		case <-b.heartbeat.Ticks():
			_ = b.ch.Send(wire.NewMsgPing(0))

		case <-b.performance.Ticks():
			b.ch.Post(b.checkPerformance)
		}
	}
}

// watchEvents drains the bus subscription, re-posting each relevant event
// onto the channel's strand.
func (b *BlockIn) watchEvents(ctx context.Context, sub *eventbus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Quit():
			return
		case upd, ok := <-sub.Updates():
			if !ok {
				return
			}

			evt, ok := upd.(eventbus.Event)
			if !ok {
				continue
			}

			b.ch.Post(func() {
				b.onEvent(ctx, evt)
			})
		}
	}
}

// onEvent reacts to the work-pool events addressed to this channel or to
// all channels: download refills an idle worker,
// split halves its chunk, purge drops it, starved returns it voluntarily.
func (b *BlockIn) onEvent(ctx context.Context, evt eventbus.Event) {
	switch evt.Tag {
	case eventbus.TagDownload:
		if b.chunk.Len() == 0 {
			b.acquire(ctx)
		}

	case eventbus.TagSplit:
		if evt.Value.HasChannel() && evt.Value.ChannelID == b.ch.ID() {
			b.Split(ctx)
		}

	case eventbus.TagPurge:
		if !evt.Value.HasChannel() || evt.Value.ChannelID == b.ch.ID() {
			b.Purge()
		}

	case eventbus.TagStarved:
		if evt.Value.HasChannel() && evt.Value.ChannelID == b.ch.ID() {
			b.Starve(ctx)
		}
	}
}

// checkPerformance computes the rolling bytes/second rate and, if it falls
// below MinBytesPerSecond while there is still an outstanding chunk, stops
// the channel so its remaining work returns to ChaserCheck for another
// peer to pick up. A peer too slow to keep its chunk is stalled out.
func (b *BlockIn) checkPerformance() {
	rate := float64(b.bytesSinceTick) / b.cfg.PerformanceInterval.Seconds()
	b.bytesSinceTick = 0

	if b.cfg.MinBytesPerSecond > 0 && rate < b.cfg.MinBytesPerSecond &&
		b.chunk != nil && b.chunk.Len() > 0 {

		b.ch.Stop(chainerr.ErrServiceStopped)
	}
}

// OnBlock processes one received block: match it against the outstanding
// chunk, check it, archive it, and refill the chunk once it drains.
func (b *BlockIn) OnBlock(ctx context.Context, wb *wire.MsgBlock, size int) {
	b.idle.Resume()
	b.bytesSinceTick += int64(size)

	block := chain.NewBlock(wb)
	hash := block.Hash()

	link, ok := b.chunk.FindByHash(hash)
	if !ok {
		b.ch.Stop(chainerr.ErrUnknown)
		return
	}

	if b.val != nil {
		if err := b.val.Check(block); err != nil {
			b.ch.Stop(err)
			return
		}
	}

	blockCtx, ok := b.store.GetContext(link)
	if !ok {
		b.ch.Stop(chainerr.ErrStoreIntegrity)
		return
	}

	if b.val != nil {
		if err := b.val.CheckContext(block, blockCtx); err != nil {
			b.ch.Stop(err)
			return
		}
	}

	if archived := b.store.SetLink(block.Header(), block, blockCtx); archived.IsTerminal() {
		b.ch.Stop(chainerr.ErrStoreIntegrity)
		return
	}

	b.chunk.Remove(link)

	if b.bus != nil {
		b.bus.Publish(eventbus.Event{
			Tag:   eventbus.TagChecked,
			Value: eventbus.HeightValue(blockCtx.Height),
		})
	}

	if b.chunk.Len() == 0 {
		b.acquire(ctx)
	}
}

// Split halves the local chunk, returning the other half to ChaserCheck.
func (b *BlockIn) Split(ctx context.Context) {
	if b.chunk == nil || b.chunk.Len() == 0 {
		return
	}

	kept, returned := b.chunk.Split()
	b.chunk = kept

	b.check.PutHashes(ctx, returned, nil)
}

// Purge drops the local chunk without returning it.
func (b *BlockIn) Purge() {
	b.chunk = nil
}

// Starve voluntarily returns the whole chunk to ChaserCheck and keeps the
// worker running. The next download event refills it.
func (b *BlockIn) Starve(ctx context.Context) {
	if b.chunk == nil || b.chunk.Len() == 0 {
		return
	}

	b.check.PutHashes(ctx, b.chunk, nil)
	b.chunk = nil
}

// Stop hands the remaining chunk back to ChaserCheck, unsubscribes, and
// disarms the timers, so another peer can pick the work up.
func (b *BlockIn) Stop(ctx context.Context) {
	b.idle.Stop()
	b.heartbeat.Stop()
	b.performance.Stop()

	if b.sub != nil {
		b.sub.Unsubscribe()
		b.sub = nil
	}

	if b.chunk != nil && b.chunk.Len() > 0 {
		b.check.PutHashes(ctx, b.chunk, nil)
		b.chunk = nil
	}
}
