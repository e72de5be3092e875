package node

import (
	"context"
	"net"
	"time"

	"github.com/btcsuite/btcd/connmgr"

	"github.com/btcorg/chainnode/lnutils"
	"github.com/btcorg/chainnode/protocol"
)

// defaultConnRetryDuration is how long the connection manager waits before
// retrying a failed persistent outbound dial.
const defaultConnRetryDuration = 5 * time.Second

// ChannelFactory wraps a freshly accepted or dialed net.Conn into a
// protocol.Channel. The wire encoding and handshake live behind that
// interface; this is the seam a concrete transport plugs into.
type ChannelFactory func(conn net.Conn, inbound bool) (protocol.Channel, error)

// PeerManager owns every currently connected peer and the header-in and
// block-in workers driving them, on top of btcsuite/btcd/connmgr's
// accept/retry/outbound-count connection manager.
type PeerManager struct {
	srv *Server

	factory ChannelFactory

	connMgr *connmgr.ConnManager

	peers lnutils.SyncMap[uint64, *peerState]
}

// peerState tracks the protocol workers attached to one connected Channel.
type peerState struct {
	ch    protocol.Channel
	head  *protocol.HeaderIn
	block *protocol.BlockIn
}

// NewPeerManager constructs a PeerManager bound to srv, listening on
// listenAddrs and maintaining cfg.Network.OutboundConnections outbound
// connections, using dial to create outbound connections and factory to
// wrap every accepted or dialed net.Conn.
func NewPeerManager(srv *Server, listenAddrs []string,
	dial func(net.Addr) (net.Conn, error), factory ChannelFactory) (*PeerManager, error) {

	pm := &PeerManager{
		srv:     srv,
		factory: factory,
	}

	listeners := make([]net.Listener, 0, len(listenAddrs))
	for _, addr := range listenAddrs {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, l)
	}

	cmgr, err := connmgr.New(&connmgr.Config{
		Listeners:      listeners,
		OnAccept:       pm.inboundConnected,
		RetryDuration:  defaultConnRetryDuration,
		TargetOutbound: uint32(srv.cfg.Network.OutboundConnections),
		Dial:           dial,
		OnConnection:   pm.outboundConnected,
	})
	if err != nil {
		return nil, err
	}
	pm.connMgr = cmgr

	return pm, nil
}

// Start begins accepting inbound connections and dialing outbound ones.
func (pm *PeerManager) Start() {
	pm.connMgr.Start()
}

// Stop closes every listener and active peer's Channel.
func (pm *PeerManager) Stop() {
	pm.connMgr.Stop()

	pm.peers.Range(func(id uint64, p *peerState) bool {
		p.ch.Stop(nil)
		pm.peers.Delete(id)
		return true
	})
}

// Connect requests a new persistent outbound connection to addr.
func (pm *PeerManager) Connect(addr net.Addr) {
	pm.connMgr.Connect(&connmgr.ConnReq{Addr: addr, Permanent: true})
}

func (pm *PeerManager) inboundConnected(conn net.Conn) {
	pm.peerConnected(conn, true)
}

func (pm *PeerManager) outboundConnected(_ *connmgr.ConnReq, conn net.Conn) {
	pm.peerConnected(conn, false)
}

// peerConnected wraps conn into a Channel, attaches the header-in and
// block-in protocol workers, and registers the resulting state.
func (pm *PeerManager) peerConnected(conn net.Conn, inbound bool) {
	ch, err := pm.factory(conn, inbound)
	if err != nil {
		log.Errorf("unable to wrap peer connection: %v", err)
		conn.Close()
		return
	}

	ctx := context.Background()

	head, err := pm.srv.AttachHeaderIn(ctx, ch, nil)
	if err != nil {
		log.Errorf("unable to start header-in worker for peer %v: %v",
			ch.ID(), err)
		ch.Stop(err)
		return
	}

	block := pm.srv.AttachBlockIn(ctx, ch, nil)

	pm.peers.Store(ch.ID(), &peerState{ch: ch, head: head, block: block})
}

// removePeer drops a disconnected peer's state, returning its outstanding
// work chunk to ChaserCheck via BlockIn.Stop.
func (pm *PeerManager) removePeer(ctx context.Context, id uint64) {
	p, ok := pm.peers.LoadAndDelete(id)
	if !ok {
		return
	}

	p.block.Stop(ctx)
}

// Peers returns the channel IDs of every currently connected peer.
func (pm *PeerManager) Peers() []uint64 {
	var ids []uint64
	pm.peers.Range(func(id uint64, _ *peerState) bool {
		ids = append(ids, id)
		return true
	})

	return ids
}
