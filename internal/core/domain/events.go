package domain

import "time"

type EventType string

const (
	EventLinkAdded        EventType = "link.added"
	EventLinkStateChanged EventType = "link.state_changed"
	EventLinkRemoved      EventType = "link.removed"
	EventPeerEvicted      EventType = "peer.evicted"
	EventMeshJoined       EventType = "mesh.joined"
)

// MembershipEvent describes a change to the local peer table.
type MembershipEvent struct {
	Type      EventType `json:"type"`
	LocalID   PeerID    `json:"local_id"`
	PeerID    PeerID    `json:"peer_id"`
	From      LinkState `json:"from"`
	To        LinkState `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}
