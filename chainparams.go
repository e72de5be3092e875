package node

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/btcorg/chainnode/chain"
)

// Forks bits, assigned in BIP activation order. Only the handful of
// version-gated rules the organizer itself enforces (the minimum block
// version check) need a bit here — anything connect()-only belongs to the
// preconfirm validator, not chain.Params.
const (
	ForkBIP34 chain.Forks = 1 << iota
	ForkBIP65
	ForkBIP66
)

// netParams pairs a btcsuite/btcd chaincfg.Params with the activation
// heights chain.Params.Activate needs.
type netParams struct {
	*chaincfg.Params
}

var (
	mainNetParams    = netParams{&chaincfg.MainNetParams}
	testNet3Params   = netParams{&chaincfg.TestNet3Params}
	regressionParams = netParams{&chaincfg.RegressionNetParams}
	simNetParams     = netParams{&chaincfg.SimNetParams}
)

// activeNetParams is the network selected by BitcoinConfig.Network,
// resolved once during LoadConfig.
var activeNetParams = mainNetParams

// netParamsForName resolves a config Network choice value to its
// chaincfg params.
func netParamsForName(name string) (netParams, error) {
	switch name {
	case "mainnet":
		return mainNetParams, nil
	case "testnet3":
		return testNet3Params, nil
	case "regtest":
		return regressionParams, nil
	case "simnet":
		return simNetParams, nil
	default:
		return netParams{}, fmt.Errorf("unknown network: %v", name)
	}
}

// chainParams derives this tree's chain.Params from the selected network.
func (p netParams) chainParams() chain.Params {
	return chain.Params{
		PowLimit:            p.Params.PowLimit,
		MinimumBlockVersion: 1,
		Activate:            p.activate,
	}
}

// activate derives the Forks bitfield in effect at height from this
// network's BIP activation heights, folding forward any bit already set
// on the parent (forks never deactivate).
func (p netParams) activate(previous chain.Forks, height chain.Height) chain.Forks {
	forks := previous

	if int32(height) >= p.Params.BIP0034Height {
		forks |= ForkBIP34
	}
	if int32(height) >= p.Params.BIP0065Height {
		forks |= ForkBIP65
	}
	if int32(height) >= p.Params.BIP0066Height {
		forks |= ForkBIP66
	}

	return forks
}

// genesisHeader and genesisContext seed a freshly opened archive, per
// archive.OpenBoltArchive/archive.NewMemory's genesis argument.
func (p netParams) genesisHeader() *chain.Header {
	return chain.NewHeader(p.Params.GenesisBlock.Header)
}

func (p netParams) genesisContext() chain.Context {
	return chain.Context{
		Height:         0,
		Forks:          p.activate(0, 0),
		MedianTimePast: uint32(p.Params.GenesisBlock.Header.Timestamp.Unix()),
	}
}
