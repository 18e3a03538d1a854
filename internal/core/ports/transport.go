package ports

import "peermesh/internal/core/domain"

// ConnectionState is the transport's coarse view of a session.
type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "new"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the per-remote-peer handle of the real-time transport engine.
//
// CreateOffer reports its result asynchronously through
// TransportEvents.OnLocalDescription. SetRemoteDescription with an offer
// makes the transport create an answer and report it the same way.
type Transport interface {
	CreateOffer() error
	SetLocalDescription(desc domain.SessionDescription) error
	SetRemoteDescription(desc domain.SessionDescription) error
	AddICECandidate(c domain.Candidate) error
	Close() error
	ConnectionState() ConnectionState
}

// TransportEvents receives transport callbacks. Callbacks may arrive on any
// goroutine and always name the Transport that produced them.
type TransportEvents interface {
	OnLocalDescription(t Transport, peer domain.PeerID, desc domain.SessionDescription)
	OnICECandidate(t Transport, peer domain.PeerID, c domain.Candidate)
	OnConnectionStateChange(t Transport, peer domain.PeerID, state ConnectionState)
	OnTransportFault(t Transport, peer domain.PeerID, err error)
}

type TransportFactory interface {
	NewTransport(peer domain.PeerID, events TransportEvents) (Transport, error)
}
