package ports

import "peermesh/internal/core/domain"

// Messenger delivers addressed mesh messages over direct channels. Delivery
// is fire-and-forget; ErrNoRoute is returned when no channel to the peer is
// open.
type Messenger interface {
	Send(to domain.PeerID, msg domain.Message) error
}

// MessageSink accepts inbound messages from any goroutine.
type MessageSink interface {
	Deliver(from domain.PeerID, msg domain.Message)
}
