package domain

// MessageKind names one member of the closed set of mesh messages.
type MessageKind string

const (
	KindCheckRelay        MessageKind = "check_relay"
	KindRelayConfirmed    MessageKind = "relay_confirmed"
	KindRelayOffer        MessageKind = "relay_offer"
	KindReceiveOffer      MessageKind = "receive_offer"
	KindRelayIceCandidate MessageKind = "relay_ice_candidate"
	KindAddIceCandidate   MessageKind = "add_ice_candidate"
	KindAddPeers          MessageKind = "add_peers"
	KindGetPeerUIDs       MessageKind = "get_peer_uids"
	KindPing              MessageKind = "ping"
	KindUpdateNodeStatus  MessageKind = "update_node_status"
)

// Message is implemented only by the message types in this file.
// Receivers dispatch with a type switch.
type Message interface {
	Kind() MessageKind
	sealed()
}

// CheckRelay asks the recipient whether it has a NOMINAL link to Target.
type CheckRelay struct {
	Target PeerID `json:"target"`
}

// RelayConfirmed answers CheckRelay positively.
type RelayConfirmed struct {
	Target PeerID `json:"target"`
}

// RelayOffer asks the recipient to forward a description to Target.
type RelayOffer struct {
	Target      PeerID             `json:"target"`
	Description SessionDescription `json:"description"`
}

// ReceiveOffer delivers a description that originated at Sender.
type ReceiveOffer struct {
	Sender      PeerID             `json:"sender"`
	Description SessionDescription `json:"description"`
}

// RelayIceCandidate asks the recipient to forward a candidate to Target.
type RelayIceCandidate struct {
	Candidate Candidate `json:"candidate"`
	Target    PeerID    `json:"target"`
}

// AddIceCandidate delivers a candidate that originated at Sender.
type AddIceCandidate struct {
	Sender    PeerID    `json:"sender"`
	Candidate Candidate `json:"candidate"`
}

// AddPeers is the gossip response carrying the sender's peer table.
type AddPeers struct {
	IDs []PeerID `json:"ids"`
}

// GetPeerUIDs is the gossip request.
type GetPeerUIDs struct{}

// Ping refreshes liveness.
type Ping struct{}

// UpdateNodeStatus announces the sender's eviction opinion about Subject.
type UpdateNodeStatus struct {
	Subject   PeerID `json:"subject"`
	Proposal  bool   `json:"proposal"`
	Consensus bool   `json:"consensus"`
}

func (CheckRelay) Kind() MessageKind        { return KindCheckRelay }
func (RelayConfirmed) Kind() MessageKind    { return KindRelayConfirmed }
func (RelayOffer) Kind() MessageKind        { return KindRelayOffer }
func (ReceiveOffer) Kind() MessageKind      { return KindReceiveOffer }
func (RelayIceCandidate) Kind() MessageKind { return KindRelayIceCandidate }
func (AddIceCandidate) Kind() MessageKind   { return KindAddIceCandidate }
func (AddPeers) Kind() MessageKind          { return KindAddPeers }
func (GetPeerUIDs) Kind() MessageKind       { return KindGetPeerUIDs }
func (Ping) Kind() MessageKind              { return KindPing }
func (UpdateNodeStatus) Kind() MessageKind  { return KindUpdateNodeStatus }

func (CheckRelay) sealed()        {}
func (RelayConfirmed) sealed()    {}
func (RelayOffer) sealed()        {}
func (ReceiveOffer) sealed()      {}
func (RelayIceCandidate) sealed() {}
func (AddIceCandidate) sealed()   {}
func (AddPeers) sealed()          {}
func (GetPeerUIDs) sealed()       {}
func (Ping) sealed()              {}
func (UpdateNodeStatus) sealed()  {}
