package webrtc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

const meshChannelLabel = "mesh"

// session adapts one PeerConnection to ports.Transport. Results of offer and
// answer creation are reported from their own goroutine.
type session struct {
	network *Network
	peer    domain.PeerID
	pc      *webrtc.PeerConnection
	events  ports.TransportEvents

	mu     sync.Mutex
	dc     *webrtc.DataChannel
	closed atomic.Bool
}

func newSession(n *Network, peer domain.PeerID, pc *webrtc.PeerConnection, events ports.TransportEvents) *session {
	s := &session{network: n, peer: peer, pc: pc, events: events}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || s.closed.Load() {
			return
		}
		s.events.OnICECandidate(s, s.peer, fromPionCandidate(c.ToJSON()))
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.logger.Debugw("Peer connection state changed", "peer_id", peer.String(), "state", state.String())
		if mapped := mapConnectionState(state); mapped == ports.ConnectionClosed && !s.closed.Load() {
			s.events.OnConnectionStateChange(s, s.peer, mapped)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != meshChannelLabel {
			n.logger.Debugw("Ignoring unexpected data channel", "peer_id", peer.String(), "label", dc.Label())
			return
		}
		s.attach(dc)
	})

	return s
}

// attach wires the mesh channel. The link counts as connected once the
// channel is open, since that is when messages can flow.
func (s *session) attach(dc *webrtc.DataChannel) {
	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()

	dc.OnOpen(func() {
		if !s.closed.Load() {
			s.events.OnConnectionStateChange(s, s.peer, ports.ConnectionConnected)
		}
	})
	dc.OnClose(func() {
		if !s.closed.Load() {
			s.events.OnConnectionStateChange(s, s.peer, ports.ConnectionClosed)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.network.deliver(s.peer, msg.Data)
	})
}

func (s *session) CreateOffer() error {
	if s.closed.Load() {
		return fmt.Errorf("session to %s is closed", s.peer)
	}

	s.mu.Lock()
	needChannel := s.dc == nil
	s.mu.Unlock()
	if needChannel {
		dc, err := s.pc.CreateDataChannel(meshChannelLabel, nil)
		if err != nil {
			return fmt.Errorf("create data channel: %w", err)
		}
		s.attach(dc)
	}

	go func() {
		offer, err := s.pc.CreateOffer(nil)
		if err != nil {
			s.events.OnTransportFault(s, s.peer, fmt.Errorf("create offer: %w", err))
			return
		}
		s.events.OnLocalDescription(s, s.peer, fromPionDescription(offer))
	}()
	return nil
}

func (s *session) SetLocalDescription(desc domain.SessionDescription) error {
	return s.pc.SetLocalDescription(toPionDescription(desc))
}

func (s *session) SetRemoteDescription(desc domain.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(toPionDescription(desc)); err != nil {
		return err
	}
	if desc.Type != domain.SDPTypeOffer {
		return nil
	}

	go func() {
		answer, err := s.pc.CreateAnswer(nil)
		if err != nil {
			s.events.OnTransportFault(s, s.peer, fmt.Errorf("create answer: %w", err))
			return
		}
		s.events.OnLocalDescription(s, s.peer, fromPionDescription(answer))
	}()
	return nil
}

func (s *session) AddICECandidate(c domain.Candidate) error {
	return s.pc.AddICECandidate(toPionCandidate(c))
}

func (s *session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.network.forget(s)
	return s.pc.Close()
}

func (s *session) ConnectionState() ports.ConnectionState {
	if s.closed.Load() {
		return ports.ConnectionClosed
	}
	return mapConnectionState(s.pc.ConnectionState())
}

func (s *session) send(data []byte) error {
	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()

	if s.closed.Load() || dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("%w: %s", domain.ErrNoRoute, s.peer)
	}
	return dc.SendText(string(data))
}

// mapConnectionState treats Disconnected as transient; only Failed and
// Closed end a session.
func mapConnectionState(state webrtc.PeerConnectionState) ports.ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return ports.ConnectionNew
	case webrtc.PeerConnectionStateConnecting, webrtc.PeerConnectionStateDisconnected:
		return ports.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return ports.ConnectionConnected
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		return ports.ConnectionClosed
	default:
		return ports.ConnectionNew
	}
}

func toPionDescription(desc domain.SessionDescription) webrtc.SessionDescription {
	sdpType := webrtc.SDPTypeOffer
	if desc.Type == domain.SDPTypeAnswer {
		sdpType = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}
}

func fromPionDescription(desc webrtc.SessionDescription) domain.SessionDescription {
	sdpType := domain.SDPTypeOffer
	if desc.Type == webrtc.SDPTypeAnswer {
		sdpType = domain.SDPTypeAnswer
	}
	return domain.SessionDescription{Type: sdpType, SDP: desc.SDP}
}

func toPionCandidate(c domain.Candidate) webrtc.ICECandidateInit {
	media := c.Media
	index := uint16(c.Index)
	return webrtc.ICECandidateInit{
		Candidate:     c.Name,
		SDPMid:        &media,
		SDPMLineIndex: &index,
	}
}

func fromPionCandidate(init webrtc.ICECandidateInit) domain.Candidate {
	c := domain.Candidate{Name: init.Candidate}
	if init.SDPMid != nil {
		c.Media = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		c.Index = int32(*init.SDPMLineIndex)
	}
	return c
}
