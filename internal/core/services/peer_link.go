package services

import (
	"fmt"
	"time"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"

	"go.uber.org/zap"
)

// linkHost is the part of the Mesh a PeerLink is allowed to reach.
type linkHost interface {
	selfID() domain.PeerID
	now() time.Time
	send(to domain.PeerID, msg domain.Message)
	nominalPeers() []domain.PeerID
	watchRelay(relay domain.PeerID, onLost func()) (release func())
	newTransport(peer domain.PeerID) (ports.Transport, error)
	linkStateChanged(link *PeerLink, from, to domain.LinkState)
	manualOfferUpdated(peer domain.PeerID, offer domain.Offer)
	linkFault(link *PeerLink, op string, err error)
}

type linkTimings struct {
	reset time.Duration
	relay time.Duration
}

// PeerLink tracks signaling for one remote peer. It is not safe for
// concurrent use; the Mesh drives it from the control loop only.
type PeerLink struct {
	id         domain.PeerID
	host       linkHost
	timings    linkTimings
	logger     *zap.SugaredLogger
	state      domain.LinkState
	relayID    domain.PeerID
	initiator  bool
	assignedID int32

	transport            ports.Transport
	localDescriptionSet  bool
	remoteDescriptionSet bool
	pendingCandidates    []domain.Candidate

	lastConfirmedAt time.Time
	stateSince      time.Time

	relayQueue   []domain.PeerID
	releaseRelay func()

	manualOffer *domain.Offer
}

func newPeerLink(
	id domain.PeerID,
	state domain.LinkState,
	initiator bool,
	assignedID int32,
	host linkHost,
	timings linkTimings,
	logger *zap.SugaredLogger,
) (*PeerLink, error) {
	transport, err := host.newTransport(id)
	if err != nil {
		return nil, err
	}

	now := host.now()
	return &PeerLink{
		id:              id,
		host:            host,
		timings:         timings,
		logger:          logger.With("peer_id", id.String()),
		state:           state,
		initiator:       initiator,
		assignedID:      assignedID,
		transport:       transport,
		lastConfirmedAt: now,
		stateSince:      now,
	}, nil
}

func (l *PeerLink) ID() domain.PeerID { return l.id }

func (l *PeerLink) State() domain.LinkState { return l.state }

// RelayID is NoPeer outside RELAY_SEARCH and RELAY.
func (l *PeerLink) RelayID() domain.PeerID {
	if l.state != domain.StateRelay && l.state != domain.StateRelaySearch {
		return domain.NoPeer
	}
	return l.relayID
}

func (l *PeerLink) readyForICE() bool {
	return l.localDescriptionSet && l.remoteDescriptionSet
}

// hasOutstandingOffer is true while our offer waits for an answer.
func (l *PeerLink) hasOutstandingOffer() bool {
	return l.initiator && l.localDescriptionSet && !l.remoteDescriptionSet
}

// AddCandidate applies c now, or buffers it until both descriptions are set.
func (l *PeerLink) AddCandidate(c domain.Candidate) {
	if !l.readyForICE() {
		l.pendingCandidates = append(l.pendingCandidates, c)
		return
	}
	if err := l.transport.AddICECandidate(c); err != nil {
		l.fault("add_ice_candidate", err)
	}
}

// SetRemoteDescription applies desc. For an offer the transport answers
// asynchronously through handleLocalDescription.
func (l *PeerLink) SetRemoteDescription(desc domain.SessionDescription) error {
	if err := l.transport.SetRemoteDescription(desc); err != nil {
		l.fault("set_remote_description", err)
		return err
	}
	l.remoteDescriptionSet = true
	return l.flushCandidates()
}

// flushCandidates applies buffered candidates once both descriptions are
// set. A failure resets the link and is returned.
func (l *PeerLink) flushCandidates() error {
	if !l.readyForICE() || len(l.pendingCandidates) == 0 {
		return nil
	}

	buffered := l.pendingCandidates
	l.pendingCandidates = nil
	for _, c := range buffered {
		if err := l.transport.AddICECandidate(c); err != nil {
			l.fault("flush_ice_candidates", err)
			return fmt.Errorf("flush candidates: %w", err)
		}
	}
	return nil
}

func (l *PeerLink) handleLocalDescription(desc domain.SessionDescription) {
	if err := l.transport.SetLocalDescription(desc); err != nil {
		l.fault("set_local_description", err)
		return
	}
	l.localDescriptionSet = true
	if err := l.flushCandidates(); err != nil {
		return
	}

	switch l.state {
	case domain.StateManual:
		offer := domain.Offer{
			OffererID:  l.host.selfID(),
			AssignedID: l.assignedID,
			SDPType:    desc.Type,
			SDP:        desc.SDP,
		}
		l.manualOffer = &offer
		l.host.manualOfferUpdated(l.id, offer.Clone())
	case domain.StateRelay:
		if l.relayID == l.id {
			l.host.send(l.id, domain.ReceiveOffer{Sender: l.host.selfID(), Description: desc})
		} else {
			l.host.send(l.relayID, domain.RelayOffer{Target: l.id, Description: desc})
		}
	case domain.StateNominal:
		l.host.send(l.id, domain.ReceiveOffer{Sender: l.host.selfID(), Description: desc})
	default:
		l.logger.Debugw("Local description has no route", "state", l.state.String())
	}
}

func (l *PeerLink) handleICECandidate(c domain.Candidate) {
	switch l.state {
	case domain.StateManual:
		if l.manualOffer == nil {
			l.logger.Debugw("Candidate before manual offer, dropping")
			return
		}
		l.manualOffer.ICECandidates = append(l.manualOffer.ICECandidates, c)
		l.host.manualOfferUpdated(l.id, l.manualOffer.Clone())
	case domain.StateRelay:
		if l.relayID == l.id {
			l.host.send(l.id, domain.AddIceCandidate{Sender: l.host.selfID(), Candidate: c})
		} else {
			l.host.send(l.relayID, domain.RelayIceCandidate{Candidate: c, Target: l.id})
		}
	case domain.StateNominal:
		l.host.send(l.id, domain.AddIceCandidate{Sender: l.host.selfID(), Candidate: c})
	default:
		l.logger.Debugw("Candidate has no route", "state", l.state.String())
	}
}

// RelayConfirmed adopts relay for signaling. It reports false when the link
// was not searching, in which case the reply is stale.
func (l *PeerLink) RelayConfirmed(relay domain.PeerID) bool {
	if l.state != domain.StateRelaySearch {
		return false
	}

	l.relayID = relay
	l.setState(domain.StateRelay)
	if relay != l.id {
		l.releaseRelay = l.host.watchRelay(relay, l.relayLost)
	}

	if l.initiator {
		if l.localDescriptionSet || l.remoteDescriptionSet {
			l.renewTransport()
		}
		if err := l.transport.CreateOffer(); err != nil {
			l.fault("create_offer", err)
		}
	}
	return true
}

func (l *PeerLink) relayLost() {
	if l.state != domain.StateRelay {
		return
	}
	l.logger.Infow("Relay lost", "relay_id", l.relayID.String())
	l.setState(domain.StateRelaySearch)
}

func (l *PeerLink) handleConnectionState(state ports.ConnectionState) {
	switch state {
	case ports.ConnectionConnected:
		l.lastConfirmedAt = l.host.now()
		if l.state != domain.StateNominal && l.readyForICE() {
			l.setState(domain.StateNominal)
		}
	case ports.ConnectionClosed:
		if l.state == domain.StateNominal {
			l.reset()
		}
	}
}

// confirm records direct evidence that the peer is alive.
func (l *PeerLink) confirm(now time.Time) {
	l.lastConfirmedAt = now
}

// Poll advances time-driven behavior by one tick.
func (l *PeerLink) Poll(now time.Time) {
	switch l.state {
	case domain.StateRelaySearch:
		l.searchRelay()
	case domain.StateRelay:
		if now.Sub(l.stateSince) > l.timings.relay {
			l.logger.Infow("Relay negotiation timed out", "relay_id", l.relayID.String())
			l.reset()
		}
	case domain.StateNominal:
		if l.transport.ConnectionState() == ports.ConnectionClosed {
			l.logger.Infow("Transport closed, resetting")
			l.reset()
		} else if now.Sub(l.lastConfirmedAt) > l.timings.reset {
			l.logger.Infow("Peer went quiet, resetting", "last_confirmed_at", l.lastConfirmedAt)
			l.reset()
		}
	}
}

func (l *PeerLink) searchRelay() {
	if len(l.relayQueue) == 0 {
		for _, id := range l.host.nominalPeers() {
			if id != l.id && id != l.host.selfID() {
				l.relayQueue = append(l.relayQueue, id)
			}
		}
		if len(l.relayQueue) == 0 {
			return
		}
	}

	next := l.relayQueue[0]
	l.relayQueue = l.relayQueue[1:]
	l.host.send(next, domain.CheckRelay{Target: l.id})
}

// reset replaces the transport and restarts negotiation. MANUAL links stay
// MANUAL; every other link goes back to searching for a relay.
func (l *PeerLink) reset() {
	l.renewTransport()
	l.relayQueue = nil

	if l.state == domain.StateManual {
		if l.initiator {
			if err := l.transport.CreateOffer(); err != nil {
				l.logger.Warnw("Failed to recreate manual offer", "error", err)
			}
		}
		return
	}
	l.setState(domain.StateRelaySearch)
}

// yieldToOffer discards local negotiation so a remote offer can be answered.
// MANUAL links never get here.
func (l *PeerLink) yieldToOffer() {
	l.renewTransport()
	l.initiator = false
	if l.state != domain.StateRelaySearch {
		l.setState(domain.StateRelaySearch)
	}
}

// restartManual turns the link into the answering side of a manual exchange.
func (l *PeerLink) restartManual() {
	l.renewTransport()
	l.initiator = false
	l.assignedID = domain.NoAssignedID
	if l.state != domain.StateManual {
		l.setState(domain.StateManual)
	}
}

func (l *PeerLink) renewTransport() {
	if err := l.transport.Close(); err != nil {
		l.logger.Debugw("Closing transport failed", "error", err)
	}

	l.localDescriptionSet = false
	l.remoteDescriptionSet = false
	l.pendingCandidates = nil
	l.manualOffer = nil

	transport, err := l.host.newTransport(l.id)
	if err != nil {
		l.logger.Errorw("Failed to create transport", "error", err)
		return
	}
	l.transport = transport
}

func (l *PeerLink) setState(to domain.LinkState) {
	from := l.state
	if from == to {
		return
	}
	if from == domain.StateRelay {
		l.dropRelay()
	}
	if to == domain.StateRelaySearch {
		l.relayQueue = nil
	}

	l.state = to
	l.stateSince = l.host.now()
	l.host.linkStateChanged(l, from, to)
}

func (l *PeerLink) dropRelay() {
	if l.releaseRelay != nil {
		l.releaseRelay()
		l.releaseRelay = nil
	}
	l.relayID = domain.NoPeer
}

func (l *PeerLink) fault(op string, err error) {
	l.host.linkFault(l, op, err)
	l.reset()
}

func (l *PeerLink) teardown() {
	l.dropRelay()
	if err := l.transport.Close(); err != nil {
		l.logger.Debugw("Closing transport failed", "error", err)
	}
}

func (l *PeerLink) Snapshot() domain.PeerInfo {
	return domain.PeerInfo{
		ID:                   l.id,
		State:                l.state,
		RelayID:              l.RelayID(),
		Initiator:            l.initiator,
		LocalDescriptionSet:  l.localDescriptionSet,
		RemoteDescriptionSet: l.remoteDescriptionSet,
		PendingCandidates:    len(l.pendingCandidates),
		LastConfirmedAt:      l.lastConfirmedAt,
	}
}
