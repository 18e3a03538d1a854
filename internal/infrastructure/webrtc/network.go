package webrtc

import (
	"fmt"
	"sync"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"
	"peermesh/internal/infrastructure/wire"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config configures every PeerConnection the network creates.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// Network owns one pion PeerConnection per remote peer and carries mesh
// messages over each connection's "mesh" data channel. It implements both
// ports.TransportFactory and ports.Messenger.
type Network struct {
	config Config
	api    *webrtc.API

	sessions map[domain.PeerID]*session
	sink     ports.MessageSink
	mu       sync.RWMutex

	logger *zap.SugaredLogger
}

var (
	_ ports.TransportFactory = (*Network)(nil)
	_ ports.Messenger        = (*Network)(nil)
)

func NewNetwork(config Config, logger *zap.SugaredLogger) *Network {
	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			logger.Warnw("Ignoring invalid UDP port range", "min", config.PortRange.Min, "max", config.PortRange.Max, "error", err)
		}
	}

	return &Network{
		config:   config,
		api:      webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		sessions: make(map[domain.PeerID]*session),
		logger:   logger,
	}
}

// Bind sets the receiver of inbound mesh messages. It must be called before
// the first transport is created.
func (n *Network) Bind(sink ports.MessageSink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sink = sink
}

func (n *Network) NewTransport(peer domain.PeerID, events ports.TransportEvents) (ports.Transport, error) {
	pc, err := n.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   n.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	s := newSession(n, peer, pc, events)

	n.mu.Lock()
	n.sessions[peer] = s
	n.mu.Unlock()

	return s, nil
}

func (n *Network) Send(to domain.PeerID, msg domain.Message) error {
	n.mu.RLock()
	s, ok := n.sessions[to]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNoRoute, to)
	}

	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return s.send(data)
}

// Close closes every session.
func (n *Network) Close() {
	n.mu.Lock()
	sessions := make([]*session, 0, len(n.sessions))
	for _, s := range n.sessions {
		sessions = append(sessions, s)
	}
	n.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(); err != nil {
			n.logger.Debugw("Closing session failed", "peer_id", s.peer.String(), "error", err)
		}
	}
}

func (n *Network) deliver(from domain.PeerID, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		n.logger.Warnw("Dropping undecodable message", "peer_id", from.String(), "error", err)
		return
	}

	n.mu.RLock()
	sink := n.sink
	n.mu.RUnlock()
	if sink == nil {
		n.logger.Warnw("No message sink bound", "peer_id", from.String(), "kind", msg.Kind())
		return
	}
	sink.Deliver(from, msg)
}

func (n *Network) forget(s *session) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sessions[s.peer] == s {
		delete(n.sessions, s.peer)
	}
}
