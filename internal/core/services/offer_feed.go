package services

import (
	"context"
	"fmt"
	"sync"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"
)

// OfferFeed publishes the current manual Offer of one MANUAL link. It is
// written from the control loop and read from any goroutine.
type OfferFeed struct {
	peer    domain.PeerID
	updates chan domain.Offer

	mu     sync.Mutex
	latest *domain.Offer
	closed bool
}

var _ ports.OfferSubscription = (*OfferFeed)(nil)

// AwaitOffer returns the latest Offer of sub, waiting for the first one
// until ctx is done. A closed subscription means the link was removed.
func AwaitOffer(ctx context.Context, sub ports.OfferSubscription) (domain.Offer, error) {
	if offer, ok := sub.Latest(); ok {
		return offer, nil
	}

	select {
	case offer, ok := <-sub.Updates():
		if !ok {
			return domain.Offer{}, fmt.Errorf("%w: %s", domain.ErrPeerNotFound, sub.PeerID())
		}
		return offer, nil
	case <-ctx.Done():
		return domain.Offer{}, ctx.Err()
	}
}

func newOfferFeed(peer domain.PeerID) *OfferFeed {
	return &OfferFeed{
		peer:    peer,
		updates: make(chan domain.Offer, 1),
	}
}

func (f *OfferFeed) PeerID() domain.PeerID { return f.peer }

// Updates yields the newest Offer only; older unread values are replaced.
func (f *OfferFeed) Updates() <-chan domain.Offer { return f.updates }

func (f *OfferFeed) Latest() (domain.Offer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return domain.Offer{}, false
	}
	return f.latest.Clone(), true
}

func (f *OfferFeed) publish(offer domain.Offer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.latest = &offer
	select {
	case <-f.updates:
	default:
	}
	f.updates <- offer.Clone()
}

// reset forgets the current Offer, including one still unread on Updates,
// so readers wait for the renegotiated one.
func (f *OfferFeed) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest = nil
	if f.closed {
		return
	}
	select {
	case <-f.updates:
	default:
	}
}

func (f *OfferFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.updates)
}
