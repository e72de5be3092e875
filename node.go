package node

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/lightningnetwork/lnd/actor"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/healthcheck"

	"github.com/btcorg/chainnode/archive"
	"github.com/btcorg/chainnode/chain"
	"github.com/btcorg/chainnode/chaser"
	"github.com/btcorg/chainnode/eventbus"
	"github.com/btcorg/chainnode/protocol"
	"github.com/btcorg/chainnode/signal"
)

const archiveFilename = "chain.db"

// Timer defaults for the archive health monitor and the per-channel
// idle/heartbeat/performance timers.
const (
	defaultHealthCheckInterval = time.Minute
	defaultHealthCheckTimeout  = 10 * time.Second
	defaultHealthCheckAttempts = 2
	defaultHealthCheckBackoff  = 5 * time.Second

	defaultIdleTimeout         = 90 * time.Second
	defaultHeartbeatInterval   = 30 * time.Second
	defaultPerformanceInterval = 30 * time.Second
	defaultMinBytesPerSecond   = 0
)

// Server owns every long-lived component wired together at startup: the
// archive, the event bus, the actor system backing every chaser's strand,
// the five chasers themselves, and the archive health monitor. Peer-side
// protocol workers are attached per Channel and are not held here.
type Server struct {
	cfg *Config

	store archive.Archive
	bus   *eventbus.Bus
	sys   *actor.ActorSystem

	head       *chaser.ChaserHeader
	block      *chaser.ChaserBlock
	check      *chaser.ChaserCheck
	preconfirm *chaser.ChaserPreconfirm
	confirm    *chaser.ChaserConfirm

	health *healthcheck.Monitor

	closer io.Closer
	quit   chan struct{}
}

// NewServer opens the archive at cfg.DataDir and constructs every
// subsystem, but starts none of them — call Start once the caller is ready
// to begin consuming events and peer connections.
func NewServer(cfg *Config) (*Server, error) {
	genesisHeader := activeNetParams.genesisHeader()
	genesisCtx := activeNetParams.genesisContext()

	store, err := archive.OpenBoltArchive(
		filepath.Join(cfg.DataDir, archiveFilename), genesisHeader, genesisCtx,
	)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	sys := actor.NewActorSystem()

	chainParams := activeNetParams.chainParams()
	organizerCfg := chaser.Config{
		Params:                chainParams,
		MinimumWork:           cfg.Bitcoin.minimumWork(),
		Checkpoints:           parseCheckpoints(cfg.Bitcoin.Checkpoints),
		Milestone:             milestoneHeight(cfg.Bitcoin.Milestone),
		CurrencyWindow:        clock.NewDefaultClock(),
		UseCurrencyWindow:     true,
		CurrencyWindowSeconds: cfg.Node.currencyWindowSeconds(),
		OnFault: func(err error) {
			log.Criticalf("chain organizer fault: %v", err)
			signal.RequestShutdown()
		},
	}

	s := &Server{
		cfg:   cfg,
		store: store,
		bus:   bus,
		sys:   sys,
		quit:  make(chan struct{}),
	}

	if c, ok := store.(io.Closer); ok {
		s.closer = c
	}

	s.head = chaser.NewChaserHeader(sys, store, bus, organizerCfg, nil)
	s.block = chaser.NewChaserBlock(sys, store, bus, organizerCfg, nil)
	s.check = chaser.NewChaserCheck(sys, store, bus, cfg.Node.MaximumInventory)
	s.preconfirm = chaser.NewChaserPreconfirm(sys, store, bus, 0, nil)
	s.confirm = chaser.NewChaserConfirm(sys, store, bus)

	s.health = healthcheck.NewMonitor(&healthcheck.Config{
		Checks: []*healthcheck.Observation{
			archive.NewHealthCheck(store, defaultHealthCheckInterval,
				defaultHealthCheckTimeout, defaultHealthCheckAttempts,
				defaultHealthCheckBackoff),
		},
		Shutdown: func(reason string, args ...interface{}) {
			log.Warnf(reason, args...)
			signal.RequestShutdown()
		},
	})

	return s, nil
}

// Start begins consuming bus events on every chaser's strand and arms the
// archive health monitor. Peer connections and their protocol workers are
// attached separately, once a Channel exists to drive them — the
// transport is a collaborator this Server does not itself construct.
func (s *Server) Start(ctx context.Context) error {
	s.bus.Start()

	s.head.Start(ctx)
	s.block.Start(ctx)
	s.check.Start(ctx)
	s.preconfirm.Start(ctx)
	s.confirm.Start(ctx)

	return s.health.Start()
}

// Stop tears every subsystem down. Safe to call once, after Start.
func (s *Server) Stop() error {
	close(s.quit)

	if err := s.health.Stop(); err != nil {
		log.Errorf("unable to stop health monitor: %v", err)
	}

	s.sys.Shutdown()

	if s.closer != nil {
		return s.closer.Close()
	}

	return nil
}

// AttachHeaderIn wires up a header sync worker for ch and starts it.
func (s *Server) AttachHeaderIn(ctx context.Context, ch protocol.Channel,
	val protocol.HeaderInValidator) (*protocol.HeaderIn, error) {

	worker := protocol.NewHeaderIn(ch, s.store, s.head, protocol.HeaderInConfig{
		Params:      activeNetParams.chainParams(),
		Checkpoints: parseCheckpoints(s.cfg.Bitcoin.Checkpoints),
	}, val)

	return worker, worker.Start(ctx)
}

// AttachBlockIn wires up a block download worker for ch and starts it.
func (s *Server) AttachBlockIn(ctx context.Context, ch protocol.Channel,
	val protocol.BlockInValidator) *protocol.BlockIn {

	worker := protocol.NewBlockIn(ch, s.store, s.check, s.bus, val, protocol.BlockInConfig{
		IdleTimeout:         defaultIdleTimeout,
		HeartbeatInterval:   defaultHeartbeatInterval,
		PerformanceInterval: defaultPerformanceInterval,
		MinBytesPerSecond:   defaultMinBytesPerSecond,
		WitnessCapable:      true,
	})

	worker.Start(ctx)

	return worker
}

// Main is chainnode's true entry point, called from cmd/chainnoded/main.go
// once configuration is loaded and the interrupt handler is armed.
func Main(cfg *Config, shutdownChan <-chan struct{}) error {
	srv, err := NewServer(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return err
	}

	log.Infof("chainnode started, network=%v", cfg.Bitcoin.Network)

	select {
	case <-shutdownChan:
	case <-signal.ShutdownChannel():
	}

	log.Infof("chainnode shutting down")

	return srv.Stop()
}

// parseCheckpoints turns a "height:hash" flag slice into the map every
// chaser and protocol worker checks against. Malformed entries are
// dropped rather than treated as fatal.
func parseCheckpoints(raw []string) map[chain.Height]chain.Hash {
	out := make(map[chain.Height]chain.Hash, len(raw))

	for _, entry := range raw {
		height, hash, ok := splitCheckpoint(entry)
		if !ok {
			continue
		}

		out[height] = hash
	}

	return out
}
