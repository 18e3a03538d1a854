package ports

import (
	"context"

	"peermesh/internal/core/domain"
)

// OfferSubscription observes the manual Offer of one MANUAL link. Updates
// holds only the latest value and is closed when the link goes away.
type OfferSubscription interface {
	PeerID() domain.PeerID
	Updates() <-chan domain.Offer
	Latest() (domain.Offer, bool)
}

// MeshService is the goroutine-safe face of the mesh orchestrator.
type MeshService interface {
	Snapshot(ctx context.Context) (domain.MeshSnapshot, error)
	Bootstrap(ctx context.Context, offer domain.Offer) (domain.PeerID, OfferSubscription, error)
	ManualAdd(ctx context.Context) (OfferSubscription, error)
	CompleteManual(ctx context.Context, answer domain.Offer) error
	AddManualCandidate(ctx context.Context, peer domain.PeerID, c domain.Candidate) error
	OfferFor(ctx context.Context, peer domain.PeerID) (OfferSubscription, error)
	RemovePeer(ctx context.Context, peer domain.PeerID) error
}

// Metrics is implemented by the prometheus collector.
type Metrics interface {
	SetLinkCount(state domain.LinkState, n int)
	RecordTransition(from, to domain.LinkState)
	RecordEviction()
	RecordLinkFault()
	RecordMessage(kind domain.MessageKind, direction string)
	RecordDrop(reason string)
	RecordConsensusFlip()
}

// EventPublisher must not block the caller.
type EventPublisher interface {
	PublishMembership(event domain.MembershipEvent)
}
