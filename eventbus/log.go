package eventbus

import (
	"github.com/btcsuite/btclog/v2"
	"github.com/btcorg/chainnode/build"
)

// log is the package-level logger, disabled until UseLogger is called by
// the node's top-level log wiring.
var log btclog.Logger

func init() {
	UseLogger(build.NewSubLogger("EVEN", nil))
}

// DisableLog disables all package log output.
func DisableLog() {
	UseLogger(btclog.Disabled)
}

// UseLogger sets the package-level logger.
func UseLogger(logger btclog.Logger) {
	log = logger
}
