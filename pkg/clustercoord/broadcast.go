package clustercoord

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// ControlProtocol is the libp2p stream protocol replicas use to
// propagate StopAgent/ReconfigNotify across a cluster, grounded on
// pkg/p2p/advanced_networking.go's host.Host/peer.ID/protocol.ID usage.
const ControlProtocol protocol.ID = "/clusterbackfill/control/1.0.0"

// ControlMessage is the wire payload for a broadcast control signal.
type ControlMessage struct {
	Kind      string    `json:"kind"` // "stop" or "reconfig"
	FromPeer  string    `json:"from_peer"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	controlKindStop     = "stop"
	controlKindReconfig = "reconfig"
)

// Handler is invoked for every ControlMessage received from a peer.
type Handler func(msg ControlMessage)

// Broadcaster propagates StopAgent/ReconfigNotify to every connected
// peer over ControlProtocol, and dispatches messages it receives to a
// registered Handler (normally wired to pkg/agent.Coordinator's
// StopAgent/ReconfigNotify).
type Broadcaster struct {
	host    host.Host
	log     *slog.Logger
	onStop  Handler
	onRecfg Handler
}

// NewBroadcaster registers ControlProtocol's stream handler on host and
// returns a Broadcaster ready to send and receive control messages.
func NewBroadcaster(h host.Host, onStop, onReconfig Handler, log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	b := &Broadcaster{host: h, log: log, onStop: onStop, onRecfg: onReconfig}
	h.SetStreamHandler(ControlProtocol, b.handleStream)
	return b
}

func (b *Broadcaster) handleStream(s network.Stream) {
	defer s.Close()

	dec := json.NewDecoder(bufio.NewReader(s))
	var msg ControlMessage
	if err := dec.Decode(&msg); err != nil {
		b.log.Warn("clustercoord: malformed control message", "peer", s.Conn().RemotePeer(), "error", err)
		return
	}

	switch msg.Kind {
	case controlKindStop:
		if b.onStop != nil {
			b.onStop(msg)
		}
	case controlKindReconfig:
		if b.onRecfg != nil {
			b.onRecfg(msg)
		}
	default:
		b.log.Warn("clustercoord: unknown control message kind", "kind", msg.Kind)
	}
}

// BroadcastStop sends a stop message to every currently connected peer.
func (b *Broadcaster) BroadcastStop(ctx context.Context) {
	b.broadcast(ctx, controlKindStop)
}

// BroadcastReconfig sends a reconfigure message to every currently
// connected peer.
func (b *Broadcaster) BroadcastReconfig(ctx context.Context) {
	b.broadcast(ctx, controlKindReconfig)
}

func (b *Broadcaster) broadcast(ctx context.Context, kind string) {
	msg := ControlMessage{Kind: kind, FromPeer: b.host.ID().String(), Timestamp: time.Now()}
	payload, err := json.Marshal(msg)
	if err != nil {
		b.log.Error("clustercoord: marshal control message failed", "error", err)
		return
	}

	for _, pid := range b.host.Network().Peers() {
		go b.sendTo(ctx, pid, payload)
	}
}

func (b *Broadcaster) sendTo(ctx context.Context, pid peer.ID, payload []byte) {
	s, err := b.host.NewStream(ctx, pid, ControlProtocol)
	if err != nil {
		b.log.Warn("clustercoord: open control stream failed", "peer", pid, "error", err)
		return
	}
	defer s.Close()

	if _, err := s.Write(payload); err != nil {
		b.log.Warn("clustercoord: write control message failed", "peer", pid, "error", err)
	}
}
