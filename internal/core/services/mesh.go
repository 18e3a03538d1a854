package services

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"

	"go.uber.org/zap"
)

type MeshConfig struct {
	LocalID           domain.PeerID
	VoteThreshold     time.Duration
	ResetThreshold    time.Duration
	RelayTimeout      time.Duration
	VoteMultiplier    int
	MaxConfidence     int
	AnnounceEvery     int // ticks between unconditional vote announcements
	EvictionTombstone time.Duration
	MaxIDAttempts     int
}

func DefaultMeshConfig() MeshConfig {
	return MeshConfig{
		VoteThreshold:     3 * time.Second,
		ResetThreshold:    6 * time.Second,
		RelayTimeout:      10 * time.Second,
		VoteMultiplier:    2,
		MaxConfidence:     10,
		AnnounceEvery:     3,
		EvictionTombstone: 30 * time.Second,
		MaxIDAttempts:     64,
	}
}

type MeshOption func(*Mesh)

func WithClock(clock func() time.Time) MeshOption {
	return func(m *Mesh) { m.clock = clock }
}

func WithIDSampler(sample IDSampler) MeshOption {
	return func(m *Mesh) { m.sampleID = sample }
}

func WithMetrics(metrics ports.Metrics) MeshOption {
	return func(m *Mesh) { m.metrics = metrics }
}

func WithEventPublisher(publisher ports.EventPublisher) MeshOption {
	return func(m *Mesh) { m.publisher = publisher }
}

// Mesh owns the peer table. Every method must be called from a single
// goroutine; Loop provides that for concurrent callers.
type Mesh struct {
	cfg        MeshConfig
	self       domain.PeerID
	peers      map[domain.PeerID]*PeerLink
	votes      map[domain.PeerID]*EvictionVote
	unsearched map[domain.PeerID]struct{}
	offers     map[domain.PeerID]*OfferFeed
	tombstones map[domain.PeerID]time.Time
	relays     *relayWatch

	transports ports.TransportFactory
	events     ports.TransportEvents
	messenger  ports.Messenger
	metrics    ports.Metrics
	publisher  ports.EventPublisher
	clock      func() time.Time
	sampleID   IDSampler
	logger     *zap.SugaredLogger
}

func NewMesh(
	cfg MeshConfig,
	transports ports.TransportFactory,
	messenger ports.Messenger,
	logger *zap.SugaredLogger,
	opts ...MeshOption,
) (*Mesh, error) {
	m := &Mesh{
		cfg:        cfg,
		peers:      make(map[domain.PeerID]*PeerLink),
		votes:      make(map[domain.PeerID]*EvictionVote),
		unsearched: make(map[domain.PeerID]struct{}),
		offers:     make(map[domain.PeerID]*OfferFeed),
		tombstones: make(map[domain.PeerID]time.Time),
		relays:     newRelayWatch(),
		transports: transports,
		messenger:  messenger,
		metrics:    noopMetrics{},
		publisher:  noopPublisher{},
		clock:      time.Now,
		sampleID:   RandomIDSampler,
		logger:     logger,
	}
	m.events = m
	for _, opt := range opts {
		opt(m)
	}

	m.self = cfg.LocalID
	if m.self == domain.NoPeer {
		id, err := m.generatePeerID()
		if err != nil {
			return nil, fmt.Errorf("choose local id: %w", err)
		}
		m.self = id
	}

	m.logger.Infow("Mesh initialized", "local_id", m.self.String())
	return m, nil
}

// setTransportEvents routes transport callbacks through events instead of
// handling them inline.
func (m *Mesh) setTransportEvents(events ports.TransportEvents) {
	m.events = events
}

func (m *Mesh) LocalID() domain.PeerID { return m.self }

// Bootstrap joins the mesh through offer, which must assign us an id.
func (m *Mesh) Bootstrap(offer domain.Offer) (domain.PeerID, error) {
	if err := offer.Validate(); err != nil {
		return domain.NoPeer, err
	}
	if offer.SDPType != domain.SDPTypeOffer {
		return domain.NoPeer, fmt.Errorf("%w: bootstrap needs an offer, got %q", domain.ErrInvalidOffer, offer.SDPType)
	}
	assigned, ok := offer.Assigned()
	if !ok {
		return domain.NoPeer, fmt.Errorf("%w: offer does not assign an id", domain.ErrInvalidOffer)
	}

	if assigned != m.self {
		for _, id := range m.sortedIDs() {
			if id != offer.OffererID {
				m.removePeer(id, false)
			}
		}
		m.logger.Infow("Adopted assigned id", "previous_id", m.self.String(), "local_id", assigned.String())
		m.self = assigned
	}

	link, exists := m.peers[offer.OffererID]
	if exists {
		link.restartManual()
		if feed, ok := m.offers[link.id]; ok {
			feed.reset()
		} else {
			m.offers[link.id] = newOfferFeed(link.id)
		}
		m.unsearched[link.id] = struct{}{}
	} else {
		delete(m.tombstones, offer.OffererID)
		var err error
		link, err = m.addLink(offer.OffererID, domain.StateManual, false, domain.NoAssignedID)
		if err != nil {
			return domain.NoPeer, err
		}
	}

	if err := link.SetRemoteDescription(offer.Description()); err != nil {
		return domain.NoPeer, fmt.Errorf("apply bootstrap offer: %w", err)
	}
	for _, c := range offer.ICECandidates {
		link.AddCandidate(c)
	}

	m.publisher.PublishMembership(m.event(domain.EventMeshJoined, link.id, link.state, link.state))
	return m.self, nil
}

// ManualAdd creates a MANUAL initiator link for a freshly generated id. The
// Offer appears on the returned feed once the transport produces it.
func (m *Mesh) ManualAdd() (*OfferFeed, error) {
	id, err := m.generatePeerID()
	if err != nil {
		return nil, err
	}

	link, err := m.addLink(id, domain.StateManual, true, int32(id))
	if err != nil {
		return nil, err
	}
	if err := link.transport.CreateOffer(); err != nil {
		m.removePeer(id, false)
		return nil, fmt.Errorf("create offer: %w", err)
	}
	return m.offers[id], nil
}

// CompleteManual applies an out-of-band answer to the MANUAL link it names.
func (m *Mesh) CompleteManual(answer domain.Offer) error {
	if err := answer.Validate(); err != nil {
		return err
	}
	if answer.SDPType != domain.SDPTypeAnswer {
		return fmt.Errorf("%w: expected an answer, got %q", domain.ErrInvalidOffer, answer.SDPType)
	}

	link, ok := m.peers[answer.OffererID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPeerNotFound, answer.OffererID)
	}
	if link.state != domain.StateManual {
		return fmt.Errorf("%w: %s is %s", domain.ErrNotManual, link.id, link.state)
	}

	if err := link.SetRemoteDescription(answer.Description()); err != nil {
		return fmt.Errorf("apply manual answer: %w", err)
	}
	for _, c := range answer.ICECandidates {
		link.AddCandidate(c)
	}
	return nil
}

// AddManualCandidate adds one out-of-band ICE candidate to a MANUAL link.
func (m *Mesh) AddManualCandidate(peer domain.PeerID, c domain.Candidate) error {
	link, ok := m.peers[peer]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPeerNotFound, peer)
	}
	if link.state != domain.StateManual {
		return fmt.Errorf("%w: %s is %s", domain.ErrNotManual, link.id, link.state)
	}
	link.AddCandidate(c)
	return nil
}

// OfferFeed returns the feed of a MANUAL link.
func (m *Mesh) OfferFeed(peer domain.PeerID) (*OfferFeed, error) {
	feed, ok := m.offers[peer]
	if !ok {
		if _, exists := m.peers[peer]; exists {
			return nil, fmt.Errorf("%w: %s", domain.ErrNotManual, peer)
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrPeerNotFound, peer)
	}
	return feed, nil
}

// RemovePeer tears the link down without a tombstone.
func (m *Mesh) RemovePeer(peer domain.PeerID) error {
	if _, ok := m.peers[peer]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrPeerNotFound, peer)
	}
	m.removePeer(peer, false)
	return nil
}

// Close tears down every link.
func (m *Mesh) Close() {
	for _, id := range m.sortedIDs() {
		m.removePeer(id, false)
	}
}

func (m *Mesh) Snapshot() domain.MeshSnapshot {
	snap := domain.MeshSnapshot{
		LocalID: m.self,
		Peers:   make([]domain.PeerInfo, 0, len(m.peers)),
		TakenAt: m.now(),
	}
	for _, id := range m.sortedIDs() {
		info := m.peers[id].Snapshot()
		info.Vote = m.votes[id].Status()
		snap.Peers = append(snap.Peers, info)
	}
	return snap
}

// HandleMessage dispatches one inbound message received from a direct
// channel to from.
func (m *Mesh) HandleMessage(from domain.PeerID, msg domain.Message) {
	if from == domain.NoPeer || from == m.self {
		m.drop("invalid_sender", from, msg)
		return
	}
	m.metrics.RecordMessage(msg.Kind(), "in")

	switch msg := msg.(type) {
	case domain.CheckRelay:
		m.onCheckRelay(from, msg.Target)
	case domain.RelayConfirmed:
		m.onRelayConfirmed(from, msg.Target)
	case domain.RelayOffer:
		m.onRelayOffer(from, msg)
	case domain.ReceiveOffer:
		m.onReceiveOffer(from, msg.Sender, msg.Description)
	case domain.RelayIceCandidate:
		m.onRelayIceCandidate(from, msg)
	case domain.AddIceCandidate:
		m.onAddIceCandidate(from, msg.Sender, msg.Candidate)
	case domain.AddPeers:
		m.onAddPeers(from, msg.IDs)
	case domain.GetPeerUIDs:
		m.send(from, domain.AddPeers{IDs: m.sortedIDs()})
	case domain.Ping:
		if link, ok := m.peers[from]; ok {
			link.confirm(m.now())
		}
	case domain.UpdateNodeStatus:
		m.onUpdateNodeStatus(from, msg)
	default:
		m.drop("unknown_kind", from, msg)
	}
}

func (m *Mesh) onCheckRelay(from, target domain.PeerID) {
	link, ok := m.peers[target]
	if !ok || target == from || link.state != domain.StateNominal {
		m.logger.Debugw("Cannot relay", "peer_id", from.String(), "target", target.String())
		return
	}
	m.send(from, domain.RelayConfirmed{Target: target})
}

func (m *Mesh) onRelayConfirmed(from, target domain.PeerID) {
	link, ok := m.peers[target]
	if !ok {
		m.drop("unknown_peer", from, domain.RelayConfirmed{Target: target})
		return
	}
	if !link.RelayConfirmed(from) {
		m.logger.Debugw("Stale relay confirmation", "peer_id", target.String(), "relay_id", from.String(), "state", link.state.String())
	}
}

func (m *Mesh) onRelayOffer(from domain.PeerID, msg domain.RelayOffer) {
	if _, ok := m.peers[msg.Target]; !ok || msg.Target == from {
		m.drop("unknown_peer", from, msg)
		return
	}
	m.send(msg.Target, domain.ReceiveOffer{Sender: from, Description: msg.Description})
}

func (m *Mesh) onReceiveOffer(from, sender domain.PeerID, desc domain.SessionDescription) {
	if sender == domain.NoPeer || sender == m.self {
		m.drop("invalid_sender", from, domain.ReceiveOffer{Sender: sender, Description: desc})
		return
	}

	switch desc.Type {
	case domain.SDPTypeOffer:
		link, exists := m.peers[sender]
		if exists && link.state == domain.StateManual {
			// the operator owns this negotiation
			m.drop("manual_link", from, domain.ReceiveOffer{Sender: sender, Description: desc})
			return
		}
		if exists {
			if link.hasOutstandingOffer() && m.self > sender {
				m.logger.Debugw("Offer collision, keeping local offer", "peer_id", sender.String())
				return
			}
			link.yieldToOffer()
		} else {
			delete(m.tombstones, sender)
			var err error
			link, err = m.addLink(sender, domain.StateRelaySearch, false, domain.NoAssignedID)
			if err != nil {
				m.logger.Warnw("Failed to create link for offer", "peer_id", sender.String(), "error", err)
				return
			}
		}
		link.RelayConfirmed(from)
		// a failure already reset the link through linkFault
		_ = link.SetRemoteDescription(desc)
	case domain.SDPTypeAnswer:
		link, ok := m.peers[sender]
		if !ok {
			m.drop("unknown_peer", from, domain.ReceiveOffer{Sender: sender, Description: desc})
			return
		}
		if !link.hasOutstandingOffer() {
			m.logger.Debugw("Stale answer", "peer_id", sender.String(), "state", link.state.String())
			return
		}
		_ = link.SetRemoteDescription(desc)
	default:
		m.drop("invalid_description", from, domain.ReceiveOffer{Sender: sender, Description: desc})
	}
}

func (m *Mesh) onRelayIceCandidate(from domain.PeerID, msg domain.RelayIceCandidate) {
	if _, ok := m.peers[msg.Target]; !ok || msg.Target == from {
		m.drop("unknown_peer", from, msg)
		return
	}
	m.send(msg.Target, domain.AddIceCandidate{Sender: from, Candidate: msg.Candidate})
}

func (m *Mesh) onAddIceCandidate(from, sender domain.PeerID, c domain.Candidate) {
	link, ok := m.peers[sender]
	if !ok {
		m.drop("unknown_peer", from, domain.AddIceCandidate{Sender: sender, Candidate: c})
		return
	}
	link.AddCandidate(c)
}

func (m *Mesh) onAddPeers(from domain.PeerID, ids []domain.PeerID) {
	now := m.now()
	for _, id := range ids {
		if id == domain.NoPeer || id == m.self {
			continue
		}
		if _, exists := m.peers[id]; exists {
			continue
		}
		if until, ok := m.tombstones[id]; ok && now.Before(until) {
			m.logger.Debugw("Ignoring recently evicted peer", "peer_id", id.String(), "source", from.String())
			continue
		}
		if _, err := m.addLink(id, domain.StateRelaySearch, true, domain.NoAssignedID); err != nil {
			m.logger.Warnw("Failed to create discovered link", "peer_id", id.String(), "error", err)
		}
	}
}

func (m *Mesh) onUpdateNodeStatus(from domain.PeerID, msg domain.UpdateNodeStatus) {
	vote, ok := m.votes[msg.Subject]
	if !ok {
		m.drop("unknown_peer", from, msg)
		return
	}
	vote.Record(from, msg.Proposal, msg.Consensus)
}

// Tick advances every link and tracker by one period.
func (m *Mesh) Tick(now time.Time) {
	ids := m.sortedIDs()
	for _, id := range ids {
		if link, ok := m.peers[id]; ok {
			link.Poll(now)
		}
	}

	m.discover()

	var evict []domain.PeerID
	for _, id := range m.sortedIDs() {
		link := m.peers[id]
		vote := m.votes[id]
		proposal := link.state != domain.StateManual && now.Sub(link.lastConfirmedAt) > m.cfg.VoteThreshold

		outcome := vote.Poll(proposal, m.isNominal)
		if outcome.Flipped {
			m.metrics.RecordConsensusFlip()
			m.logger.Infow("Eviction consensus changed", "peer_id", id.String(), "consensus", vote.consensus)
		}
		if outcome.Announce {
			m.broadcast(vote.Announcement(), id)
		}
		if outcome.Evict {
			evict = append(evict, id)
		}
	}
	for _, id := range evict {
		m.logger.Infow("Evicting peer", "peer_id", id.String())
		m.removePeer(id, true)
	}

	m.broadcast(domain.Ping{}, domain.NoPeer)

	for id, until := range m.tombstones {
		if !now.Before(until) {
			delete(m.tombstones, id)
		}
	}
}

func (m *Mesh) discover() {
	pending := make([]domain.PeerID, 0, len(m.unsearched))
	for id := range m.unsearched {
		pending = append(pending, id)
	}
	sortPeerIDs(pending)

	for _, id := range pending {
		if !m.isNominal(id) {
			continue
		}
		m.send(id, domain.GetPeerUIDs{})
		delete(m.unsearched, id)
	}
}

// OnLocalDescription, OnICECandidate, OnConnectionStateChange and
// OnTransportFault apply transport callbacks. Callbacks from a transport the
// link has already replaced are dropped.
func (m *Mesh) OnLocalDescription(t ports.Transport, peer domain.PeerID, desc domain.SessionDescription) {
	if link := m.linkFor(t, peer); link != nil {
		link.handleLocalDescription(desc)
	}
}

func (m *Mesh) OnICECandidate(t ports.Transport, peer domain.PeerID, c domain.Candidate) {
	if link := m.linkFor(t, peer); link != nil {
		link.handleICECandidate(c)
	}
}

func (m *Mesh) OnConnectionStateChange(t ports.Transport, peer domain.PeerID, state ports.ConnectionState) {
	if link := m.linkFor(t, peer); link != nil {
		link.handleConnectionState(state)
	}
}

func (m *Mesh) OnTransportFault(t ports.Transport, peer domain.PeerID, err error) {
	if link := m.linkFor(t, peer); link != nil {
		link.fault("transport", err)
	}
}

func (m *Mesh) linkFor(t ports.Transport, peer domain.PeerID) *PeerLink {
	link, ok := m.peers[peer]
	if !ok {
		m.logger.Debugw("Transport event for unknown peer", "peer_id", peer.String())
		return nil
	}
	if link.transport != t {
		m.logger.Debugw("Stale transport event", "peer_id", peer.String())
		return nil
	}
	return link
}

func (m *Mesh) addLink(id domain.PeerID, state domain.LinkState, initiator bool, assignedID int32) (*PeerLink, error) {
	if id == m.self {
		return nil, fmt.Errorf("%w: %s", domain.ErrSelfReference, id)
	}
	if _, exists := m.peers[id]; exists {
		return nil, fmt.Errorf("link to %s already exists", id)
	}

	timings := linkTimings{reset: m.cfg.ResetThreshold, relay: m.cfg.RelayTimeout}
	link, err := newPeerLink(id, state, initiator, assignedID, m, timings, m.logger)
	if err != nil {
		return nil, fmt.Errorf("create transport for %s: %w", id, err)
	}

	m.peers[id] = link
	m.votes[id] = newEvictionVote(id, voteConfig{
		multiplier:    m.cfg.VoteMultiplier,
		maxConfidence: m.cfg.MaxConfidence,
		announceEvery: m.cfg.AnnounceEvery,
	})
	m.unsearched[id] = struct{}{}
	if state == domain.StateManual {
		m.offers[id] = newOfferFeed(id)
	}

	m.logger.Infow("Link added", "peer_id", id.String(), "state", state.String(), "initiator", initiator)
	m.refreshLinkCounts()
	m.publisher.PublishMembership(m.event(domain.EventLinkAdded, id, state, state))
	return link, nil
}

func (m *Mesh) removePeer(id domain.PeerID, evicted bool) {
	link, ok := m.peers[id]
	if !ok {
		return
	}

	link.teardown()
	delete(m.peers, id)
	delete(m.votes, id)
	delete(m.unsearched, id)
	if feed, ok := m.offers[id]; ok {
		feed.close()
		delete(m.offers, id)
	}
	for _, vote := range m.votes {
		vote.Forget(id)
	}
	m.relays.notify(id)

	eventType := domain.EventLinkRemoved
	if evicted {
		eventType = domain.EventPeerEvicted
		m.tombstones[id] = m.now().Add(m.cfg.EvictionTombstone)
		m.metrics.RecordEviction()
	}
	m.logger.Infow("Link removed", "peer_id", id.String(), "state", link.state.String(), "evicted", evicted)
	m.refreshLinkCounts()
	m.publisher.PublishMembership(m.event(eventType, id, link.state, link.state))
}

// broadcast sends msg to every NOMINAL peer except skip.
func (m *Mesh) broadcast(msg domain.Message, skip domain.PeerID) {
	for _, id := range m.nominalPeers() {
		if id != skip {
			m.send(id, msg)
		}
	}
}

func (m *Mesh) drop(reason string, from domain.PeerID, msg domain.Message) {
	m.metrics.RecordDrop(reason)
	m.logger.Debugw("Dropping message", "reason", reason, "peer_id", from.String(), "kind", msg.Kind())
}

func (m *Mesh) generatePeerID() (domain.PeerID, error) {
	id, err := generatePeerID(m.sampleID, m.cfg.MaxIDAttempts, func(id domain.PeerID) bool {
		if id == m.self {
			return true
		}
		_, taken := m.peers[id]
		return taken
	})
	if err != nil {
		m.logger.Errorw("Peer id generation failed", "attempts", m.cfg.MaxIDAttempts, "error", err)
	}
	return id, err
}

func (m *Mesh) isNominal(id domain.PeerID) bool {
	link, ok := m.peers[id]
	return ok && link.state == domain.StateNominal
}

func (m *Mesh) sortedIDs() []domain.PeerID {
	ids := make([]domain.PeerID, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	sortPeerIDs(ids)
	return ids
}

func (m *Mesh) refreshLinkCounts() {
	counts := make(map[domain.LinkState]int, 4)
	for _, link := range m.peers {
		counts[link.state]++
	}
	for _, state := range []domain.LinkState{domain.StateManual, domain.StateRelaySearch, domain.StateRelay, domain.StateNominal} {
		m.metrics.SetLinkCount(state, counts[state])
	}
}

func (m *Mesh) event(t domain.EventType, peer domain.PeerID, from, to domain.LinkState) domain.MembershipEvent {
	return domain.MembershipEvent{
		Type:      t,
		LocalID:   m.self,
		PeerID:    peer,
		From:      from,
		To:        to,
		Timestamp: m.now(),
	}
}

// linkHost

func (m *Mesh) selfID() domain.PeerID { return m.self }

func (m *Mesh) now() time.Time { return m.clock() }

func (m *Mesh) send(to domain.PeerID, msg domain.Message) {
	if to == m.self || to == domain.NoPeer {
		return
	}
	if err := m.messenger.Send(to, msg); err != nil {
		reason := "send_failed"
		if errors.Is(err, domain.ErrNoRoute) {
			reason = "no_route"
		}
		m.metrics.RecordDrop(reason)
		m.logger.Debugw("Send failed", "peer_id", to.String(), "kind", msg.Kind(), "error", err)
		return
	}
	m.metrics.RecordMessage(msg.Kind(), "out")
}

func (m *Mesh) nominalPeers() []domain.PeerID {
	ids := make([]domain.PeerID, 0, len(m.peers))
	for id, link := range m.peers {
		if link.state == domain.StateNominal {
			ids = append(ids, id)
		}
	}
	sortPeerIDs(ids)
	return ids
}

func (m *Mesh) watchRelay(relay domain.PeerID, onLost func()) func() {
	return m.relays.watch(relay, onLost)
}

func (m *Mesh) newTransport(peer domain.PeerID) (ports.Transport, error) {
	return m.transports.NewTransport(peer, m.events)
}

func (m *Mesh) linkStateChanged(link *PeerLink, from, to domain.LinkState) {
	m.logger.Infow("Link state changed", "peer_id", link.id.String(), "from", from.String(), "to", to.String(), "relay_id", link.RelayID().String())
	m.metrics.RecordTransition(from, to)
	m.refreshLinkCounts()
	m.publisher.PublishMembership(m.event(domain.EventLinkStateChanged, link.id, from, to))

	if from == domain.StateNominal {
		m.relays.notify(link.id)
	}
}

func (m *Mesh) manualOfferUpdated(peer domain.PeerID, offer domain.Offer) {
	if feed, ok := m.offers[peer]; ok {
		feed.publish(offer)
	}
}

func (m *Mesh) linkFault(link *PeerLink, op string, err error) {
	m.metrics.RecordLinkFault()
	m.logger.Warnw("Transport fault, resetting link", "peer_id", link.id.String(), "op", op, "state", link.state.String(), "error", err)
}

func sortPeerIDs(ids []domain.PeerID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

type noopMetrics struct{}

func (noopMetrics) SetLinkCount(domain.LinkState, int)                  {}
func (noopMetrics) RecordTransition(domain.LinkState, domain.LinkState) {}
func (noopMetrics) RecordEviction()                                     {}
func (noopMetrics) RecordLinkFault()                                    {}
func (noopMetrics) RecordMessage(domain.MessageKind, string)            {}
func (noopMetrics) RecordDrop(string)                                   {}
func (noopMetrics) RecordConsensusFlip()                                {}

type noopPublisher struct{}

func (noopPublisher) PublishMembership(domain.MembershipEvent) {}
