// Package protocol implements the per-peer sync workers: HeaderIn drives
// header-first sync, BlockIn drives block download, and BlockInLegacy
// drives the pre-header-first inventory/getdata path. Each worker owns
// one peer's Channel and runs entirely on that channel's strand.
//
// The peer-to-peer transport itself lives behind the Channel interface: a
// concrete implementation supplies framing, handshake, and the read/write
// loops, and drives the workers from its own strand.
package protocol

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcorg/chainnode/archive"
	"github.com/btcorg/chainnode/chain"
)

// MaxGetHeaders is the standard maximum header count in a single headers
// response.
const MaxGetHeaders = 2000

// MaxGetBlocks is the standard maximum block count in a single getblocks
// round.
const MaxGetBlocks = 500

// MaxInventory bounds the size of a single inventory message this node
// will honor.
const MaxInventory = 50000

// locatorStep is the number of most-recent hashes included before the
// step between included hashes starts doubling.
const locatorStep = 12

// Channel is the abstract peer connection every worker runs against: a
// single-threaded strand with typed send and a stop method. Send is
// fire-and-forget, matching the wire layer's documented asynchronous
// behavior; a real implementation posts the message to the connection's
// write loop rather than blocking the caller. Post schedules run on the
// channel's strand, serialized with message receipt — timer expiry and bus
// events reach a protocol worker only this way.
type Channel interface {
	ID() uint64
	Send(msg wire.Message) error
	Post(run func())
	Stop(err error)
}

// BlockLocator builds the standard geometric-selection locator described
// in btcsuite/btcd/blockchain's BlockLocator doc comment: the most recent
// locatorStep heights, then a doubling step back to genesis. store
// resolves each selected height to its candidate-chain hash.
func BlockLocator(store archive.Archive, top chain.Height) []*chainhash.Hash {
	if top == 0 {
		link := store.ToCandidate(0)
		if hash, ok := hashOf(store, link); ok {
			return []*chainhash.Hash{hash}
		}
		return nil
	}

	var locator []*chainhash.Hash

	height := top
	step := chain.Height(1)
	included := 0

	for {
		link := store.ToCandidate(height)
		if hash, ok := hashOf(store, link); ok {
			locator = append(locator, hash)
		}

		if height == 0 {
			break
		}

		included++
		if included >= locatorStep {
			step *= 2
		}

		if height < step {
			height = 0
		} else {
			height -= step
		}
	}

	return locator
}

func hashOf(store archive.Archive, link chain.HeaderLink) (*chainhash.Hash, bool) {
	if link.IsTerminal() {
		return nil, false
	}

	header, ok := store.GetHeader(link)
	if !ok {
		return nil, false
	}

	hash := header.Hash()
	return &hash, true
}

// GetHeadersMessage builds a getheaders request seeded by locator.
func GetHeadersMessage(locator []*chainhash.Hash) *wire.MsgGetHeaders {
	msg := wire.NewMsgGetHeaders()
	for _, hash := range locator {
		msg.AddBlockLocatorHash(hash)
	}

	return msg
}
