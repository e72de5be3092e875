package node

import (
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/btcorg/chainnode/chain"
)

// splitCheckpoint parses one "height:hash" BitcoinConfig.Checkpoints entry.
func splitCheckpoint(entry string) (chain.Height, chain.Hash, bool) {
	parts := strings.SplitN(entry, ":", 2)
	if len(parts) != 2 {
		return 0, chain.Hash{}, false
	}

	height, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, chain.Hash{}, false
	}

	hash, err := chainhash.NewHashFromStr(parts[1])
	if err != nil {
		return 0, chain.Hash{}, false
	}

	return chain.Height(height), *hash, true
}

// milestoneHeight parses BitcoinConfig.Milestone's "height:hash" entry
// down to the height the organizer's storability gate compares against.
// An unset or malformed entry yields zero (no milestone).
func milestoneHeight(entry string) chain.Height {
	if entry == "" {
		return 0
	}

	height, _, ok := splitCheckpoint(entry)
	if !ok {
		return 0
	}

	return height
}
