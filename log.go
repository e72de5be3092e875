package node

import (
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog/v2"

	"github.com/btcorg/chainnode/archive"
	"github.com/btcorg/chainnode/build"
	"github.com/btcorg/chainnode/chaser"
	"github.com/btcorg/chainnode/eventbus"
	"github.com/btcorg/chainnode/protocol"
	"github.com/btcorg/chainnode/signal"
)

// Loggers per subsystem. A single shared handler writes to stdout and the
// rotating log file; every subsystem logger below is derived from it.
// Nothing rotates before initLogging runs.
var (
	logWriter = build.NewRotatingLogWriter()

	logHandler = btclog.NewDefaultHandler(
		io.MultiWriter(os.Stdout, logWriter),
	)

	ndeLog = build.NewSubLogger("NODE", genSubLogger)
	arcLog = build.NewSubLogger("ARCH", genSubLogger)
	chsLog = build.NewSubLogger("CHSR", genSubLogger)
	prtLog = build.NewSubLogger("PROT", genSubLogger)
	evbLog = build.NewSubLogger("EVBS", genSubLogger)
	sgnLog = build.NewSubLogger("SGNL", genSubLogger)
)

// log is this package's own subsystem logger.
var log = ndeLog

// genSubLogger derives a subsystem logger from the shared handler.
func genSubLogger(subsystem string) btclog.Logger {
	return btclog.NewSLogger(logHandler.SubSystem(subsystem))
}

func init() {
	archive.UseLogger(arcLog)
	chaser.UseLogger(chsLog)
	protocol.UseLogger(prtLog)
	eventbus.UseLogger(evbLog)
	signal.UseLogger(sgnLog)
}

// subsystemLoggers implements build.LeveledSubLogger over every subsystem
// this node composes, so cfg.DebugLevel can be parsed with
// build.ParseAndSetDebugLevels.
var subsystemLoggers = build.SubLoggers{
	"NODE": ndeLog,
	"ARCH": arcLog,
	"CHSR": chsLog,
	"PROT": prtLog,
	"EVBS": evbLog,
	"SGNL": sgnLog,
}

type nodeLogger struct{}

func (nodeLogger) SubLoggers() build.SubLoggers { return subsystemLoggers }

func (nodeLogger) SupportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for id := range subsystemLoggers {
		subsystems = append(subsystems, id)
	}

	return subsystems
}

func (nodeLogger) SetLogLevel(subsystemID string, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

func (l nodeLogger) SetLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		l.SetLogLevel(subsystemID, logLevel)
	}
}

// initLogging wires the log rotator to cfg's log file and applies
// cfg.DebugLevel to every subsystem logger.
func initLogging(cfg *Config) error {
	fileCfg := &build.FileLoggerConfig{
		Compressor:     "gzip",
		MaxLogFiles:    cfg.MaxLogFiles,
		MaxLogFileSize: cfg.MaxLogFileSize,
	}

	logFile := filepath.Join(cfg.LogDir, defaultLogFilename)
	if err := logWriter.InitLogRotator(fileCfg, logFile); err != nil {
		return err
	}

	return build.ParseAndSetDebugLevels(cfg.DebugLevel, nodeLogger{})
}
