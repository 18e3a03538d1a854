package domain

import (
	"fmt"
	"time"
)

// PeerID identifies a mesh member and doubles as its routing address.
type PeerID uint16

// NoPeer is never assigned to a member.
const NoPeer PeerID = 0

func (id PeerID) String() string {
	return fmt.Sprintf("%04X", uint16(id))
}

// LinkState is the signaling state of a PeerLink.
type LinkState int

const (
	StateManual LinkState = iota
	StateRelaySearch
	StateRelay
	StateNominal
)

func (s LinkState) String() string {
	switch s {
	case StateManual:
		return "MANUAL"
	case StateRelaySearch:
		return "RELAY_SEARCH"
	case StateRelay:
		return "RELAY"
	case StateNominal:
		return "NOMINAL"
	default:
		return fmt.Sprintf("LinkState(%d)", int(s))
	}
}

// MarshalText lets states render by name in JSON snapshots and events.
func (s LinkState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *LinkState) UnmarshalText(text []byte) error {
	for _, candidate := range []LinkState{StateManual, StateRelaySearch, StateRelay, StateNominal} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown link state %q", text)
}

// Candidate is one ICE candidate, passed through opaquely.
type Candidate struct {
	Media string `json:"media" cbor:"1,keyasint"`
	Index int32  `json:"index" cbor:"2,keyasint"`
	Name  string `json:"name" cbor:"3,keyasint"`
}

type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// PeerInfo is a read-only view of one PeerLink and its eviction tracker.
type PeerInfo struct {
	ID                   PeerID     `json:"id"`
	State                LinkState  `json:"state"`
	RelayID              PeerID     `json:"relay_id,omitempty"`
	Initiator            bool       `json:"initiator"`
	LocalDescriptionSet  bool       `json:"local_description_set"`
	RemoteDescriptionSet bool       `json:"remote_description_set"`
	PendingCandidates    int        `json:"pending_candidates"`
	LastConfirmedAt      time.Time  `json:"last_confirmed_at"`
	Vote                 VoteStatus `json:"vote"`
}

type VoteStatus struct {
	Proposal          bool `json:"proposal"`
	Consensus         bool `json:"consensus"`
	ConfidenceFor     int  `json:"confidence_for"`
	ConfidenceAgainst int  `json:"confidence_against"`
	Voters            int  `json:"voters"`
}

// MeshSnapshot is the peer table as seen by the local member.
type MeshSnapshot struct {
	LocalID PeerID     `json:"local_id"`
	Peers   []PeerInfo `json:"peers"`
	TakenAt time.Time  `json:"taken_at"`
}

// Peer returns the entry for id, if present.
func (s MeshSnapshot) Peer(id PeerID) (PeerInfo, bool) {
	for _, p := range s.Peers {
		if p.ID == id {
			return p, true
		}
	}
	return PeerInfo{}, false
}
