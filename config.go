// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (C) 2015-2020 The Lightning Network Developers

package node

import (
	"fmt"
	"math/big"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/btcorg/chainnode/lnutils"
	"github.com/btcorg/chainnode/signal"
)

const (
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "chainnode.log"
	defaultLogLevel       = "info"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
	defaultConfigFilename = "chainnode.conf"

	defaultOutboundConnections   = 8
	defaultMaximumInventory      = 500
	defaultCurrencyWindowMinutes = 60

	defaultTimestampLimitSeconds = 2 * 60 * 60
	defaultSubsidyIntervalBlocks = 210000
)

// DefaultChainnodeDir is the base directory used when ChainnodeDir is
// left unset.
var DefaultChainnodeDir = cleanAndExpandPath(filepath.Join("~", ".chainnode"))

// NetworkConfig carries the peer-connection tunables of the "network.*"
// option group.
type NetworkConfig struct {
	OutboundConnections int `long:"outbound-connections" description:"Target number of outbound peer connections to maintain"`
}

// NodeConfig carries the "node.*" option group.
type NodeConfig struct {
	MaximumInventory      int `long:"maximum-inventory" description:"Maximum number of unassociated headers in one block-download work chunk handed to a peer"`
	CurrencyWindowMinutes int `long:"currency-window-minutes" description:"Headers older than this, relative to now, never clear the organizer's currency gate"`
}

// BitcoinConfig carries the "bitcoin.*" option group: consensus
// parameters the archive and organizer need but which btcsuite/btcd's own
// chaincfg.Params doesn't expose in exactly this shape (minimum work as a
// big.Int, an enumerated checkpoint list distinct from chaincfg's).
type BitcoinConfig struct {
	Network string `long:"network" description:"Bitcoin network to connect to" choice:"mainnet" choice:"testnet3" choice:"regtest" choice:"simnet"`

	MinimumWork           string   `long:"minimum-work" description:"Minimum cumulative chain work (hex) a branch must carry to become storable"`
	Milestone             string   `long:"milestone" description:"Height:hash of a known-good block; headers at or below its height are always storable"`
	Checkpoints           []string `long:"checkpoint" description:"A height:hash pair the candidate chain must pass through; may be repeated"`
	TimestampLimitSeconds int64    `long:"timestamp-limit-seconds" description:"Seconds of clock drift a header's timestamp may carry into the future"`
	ProofOfWorkLimit      string   `long:"proof-of-work-limit" description:"Highest (easiest) permitted target; accepted but not applied, the selected network's limit is always used"`
	ScryptProofOfWork     bool     `long:"scrypt-proof-of-work" description:"Use scrypt rather than SHA-256d for proof-of-work validation; not supported, setting it fails configuration validation"`
	InitialSubsidy        int64    `long:"initial-subsidy" description:"Block subsidy, in satoshis, before the first halving"`
	SubsidyIntervalBlocks int32    `long:"subsidy-interval-blocks" description:"Height interval between subsidy halvings"`
}

// Config is chainnode's top-level configuration, assembled from the
// command line and an optional config file via jessevdk/go-flags.
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	ChainnodeDir string `long:"chainnodedir" description:"The base directory that contains chainnode's data, logs, and configuration file"`
	ConfigFile   string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir      string `short:"b" long:"datadir" description:"The directory to store the archive within"`

	LogDir         string `long:"logdir" description:"Directory to log output"`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,... to set individual subsystem levels"`

	Listeners []string `long:"listen" description:"Add an interface/port to listen for peer connections"`

	Network NetworkConfig `group:"Network" namespace:"network"`
	Node    NodeConfig    `group:"Node" namespace:"node"`
	Bitcoin BitcoinConfig `group:"Bitcoin" namespace:"bitcoin"`
}

// DefaultConfig returns a Config populated with chainnode's defaults.
func DefaultConfig() Config {
	chainnodeDir := DefaultChainnodeDir

	return Config{
		ChainnodeDir:   chainnodeDir,
		ConfigFile:     filepath.Join(chainnodeDir, defaultConfigFilename),
		DataDir:        filepath.Join(chainnodeDir, defaultDataDirname),
		LogDir:         filepath.Join(chainnodeDir, defaultLogDirname),
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		DebugLevel:     defaultLogLevel,
		Network: NetworkConfig{
			OutboundConnections: defaultOutboundConnections,
		},
		Node: NodeConfig{
			MaximumInventory:      defaultMaximumInventory,
			CurrencyWindowMinutes: defaultCurrencyWindowMinutes,
		},
		Bitcoin: BitcoinConfig{
			Network:               "mainnet",
			TimestampLimitSeconds: defaultTimestampLimitSeconds,
			SubsidyIntervalBlocks: defaultSubsidyIntervalBlocks,
		},
	}
}

// LoadConfig parses the command line and an optional config file into a
// validated Config: defaults first, then a pre-parse for an alternate
// config file, then the config-file parse, then the command-line parse.
func LoadConfig() (*Config, error) {
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	if preCfg.ShowVersion {
		fmt.Println("chainnode version", Version())
		os.Exit(0)
	}

	cfg := preCfg

	if _, err := os.Stat(cfg.ConfigFile); err == nil {
		fileParser := flags.NewParser(&cfg, flags.Default)
		if err := flags.NewIniParser(fileParser).ParseFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	flagParser := flags.NewParser(&cfg, flags.Default)
	if _, err := flagParser.Parse(); err != nil {
		return nil, err
	}

	return validateConfig(&cfg)
}

// validateConfig normalizes paths and checks for illegal values.
func validateConfig(cfg *Config) (*Config, error) {
	cfg.ChainnodeDir = cleanAndExpandPath(cfg.ChainnodeDir)
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	for _, dir := range []string{cfg.ChainnodeDir, cfg.DataDir, cfg.LogDir} {
		if err := lnutils.CreateDir(dir, 0700); err != nil {
			return nil, err
		}
	}

	if cfg.Network.OutboundConnections < 0 {
		return nil, fmt.Errorf("network.outbound-connections must be non-negative")
	}

	if cfg.Node.MaximumInventory <= 0 {
		return nil, fmt.Errorf("node.maximum-inventory must be positive")
	}

	if cfg.Bitcoin.ScryptProofOfWork {
		return nil, fmt.Errorf("scrypt proof-of-work networks are not supported")
	}

	net, err := netParamsForName(cfg.Bitcoin.Network)
	if err != nil {
		return nil, err
	}
	activeNetParams = net

	if err := initLogging(cfg); err != nil {
		return nil, fmt.Errorf("unable to initialize logging: %w", err)
	}

	return cfg, nil
}

// minimumWork parses BitcoinConfig.MinimumWork into a *big.Int, defaulting
// to zero (any storable branch qualifies) when unset.
func (c BitcoinConfig) minimumWork() *big.Int {
	work := new(big.Int)
	if c.MinimumWork == "" {
		return work
	}

	work.SetString(strings.TrimPrefix(c.MinimumWork, "0x"), 16)
	return work
}

// currencyWindowSeconds converts NodeConfig.CurrencyWindowMinutes into the
// seconds duration chaser.Config.CurrencyWindowSeconds expects.
func (c NodeConfig) currencyWindowSeconds() int64 {
	return int64(time.Duration(c.CurrencyWindowMinutes) * time.Minute / time.Second)
}

// cleanAndExpandPath expands a leading ~ to the user's home directory and
// cleans the result.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~") {
		homeDir := os.Getenv("HOME")
		if u, err := user.Current(); err == nil {
			homeDir = u.HomeDir
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	return filepath.Clean(os.ExpandEnv(path))
}

// chainnodeShutdown requests a graceful shutdown, used by the interrupt
// handler and any fatal-fault path.
func chainnodeShutdown() {
	signal.RequestShutdown()
}
