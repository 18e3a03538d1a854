package services

import (
	"context"
	"sync/atomic"
	"time"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"
	"peermesh/pkg/tracing"

	"go.uber.org/zap"
)

// Loop serializes every Mesh interaction onto one goroutine: inbound
// messages, transport callbacks, ticks and service calls.
type Loop struct {
	mesh     *Mesh
	interval time.Duration
	queue    chan func(*Mesh)
	done     chan struct{}
	lastTick atomic.Int64
	logger   *zap.SugaredLogger
}

var (
	_ ports.MeshService     = (*Loop)(nil)
	_ ports.MessageSink     = (*Loop)(nil)
	_ ports.TransportEvents = (*Loop)(nil)
)

func NewLoop(mesh *Mesh, interval time.Duration, queueSize int, logger *zap.SugaredLogger) *Loop {
	if queueSize < 1 {
		queueSize = 1
	}
	l := &Loop{
		mesh:     mesh,
		interval: interval,
		queue:    make(chan func(*Mesh), queueSize),
		done:     make(chan struct{}),
		logger:   logger,
	}
	mesh.setTransportEvents(l)
	return l
}

// Run blocks until ctx is cancelled, then tears down every link.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Infow("Mesh loop started", "local_id", l.mesh.LocalID().String(), "tick", l.interval)
	for {
		select {
		case <-ctx.Done():
			l.mesh.Close()
			l.logger.Infow("Mesh loop stopped")
			return ctx.Err()
		case fn := <-l.queue:
			fn(l.mesh)
		case now := <-ticker.C:
			l.mesh.Tick(now)
			l.lastTick.Store(now.UnixNano())
		}
	}
}

// LastTick is the time of the most recent completed tick.
func (l *Loop) LastTick() time.Time {
	n := l.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (l *Loop) post(ctx context.Context, fn func(*Mesh)) error {
	select {
	case l.queue <- fn:
		return nil
	case <-l.done:
		return domain.ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the loop goroutine and waits for its result. Each call is
// traced as a mesh operation on peer.
func (l *Loop) call(ctx context.Context, op string, peer domain.PeerID, fn func(*Mesh) error) error {
	ctx, span := tracing.TraceMeshOperation(ctx, op, peer.String())
	defer span.End()

	start := time.Now()
	err := l.await(ctx, fn)
	tracing.MeasureDuration(ctx, start, op)
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

func (l *Loop) await(ctx context.Context, fn func(*Mesh) error) error {
	errc := make(chan error, 1)
	if err := l.post(ctx, func(m *Mesh) { errc <- fn(m) }); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-l.done:
		return domain.ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) postAsync(fn func(*Mesh)) {
	if err := l.post(context.Background(), fn); err != nil {
		l.logger.Debugw("Dropping event after loop stopped", "error", err)
	}
}

func (l *Loop) Deliver(from domain.PeerID, msg domain.Message) {
	l.postAsync(func(m *Mesh) { m.HandleMessage(from, msg) })
}

func (l *Loop) OnLocalDescription(t ports.Transport, peer domain.PeerID, desc domain.SessionDescription) {
	l.postAsync(func(m *Mesh) { m.OnLocalDescription(t, peer, desc) })
}

func (l *Loop) OnICECandidate(t ports.Transport, peer domain.PeerID, c domain.Candidate) {
	l.postAsync(func(m *Mesh) { m.OnICECandidate(t, peer, c) })
}

func (l *Loop) OnConnectionStateChange(t ports.Transport, peer domain.PeerID, state ports.ConnectionState) {
	l.postAsync(func(m *Mesh) { m.OnConnectionStateChange(t, peer, state) })
}

func (l *Loop) OnTransportFault(t ports.Transport, peer domain.PeerID, err error) {
	l.postAsync(func(m *Mesh) { m.OnTransportFault(t, peer, err) })
}

func (l *Loop) Snapshot(ctx context.Context) (domain.MeshSnapshot, error) {
	var snap domain.MeshSnapshot
	err := l.call(ctx, "snapshot", domain.NoPeer, func(m *Mesh) error {
		snap = m.Snapshot()
		return nil
	})
	return snap, err
}

func (l *Loop) Bootstrap(ctx context.Context, offer domain.Offer) (domain.PeerID, ports.OfferSubscription, error) {
	var (
		id   domain.PeerID
		feed *OfferFeed
	)
	err := l.call(ctx, "bootstrap", offer.OffererID, func(m *Mesh) error {
		var err error
		id, err = m.Bootstrap(offer)
		if err != nil {
			return err
		}
		feed, err = m.OfferFeed(offer.OffererID)
		return err
	})
	if err != nil {
		return domain.NoPeer, nil, err
	}
	return id, feed, nil
}

func (l *Loop) ManualAdd(ctx context.Context) (ports.OfferSubscription, error) {
	var feed *OfferFeed
	err := l.call(ctx, "manual_add", domain.NoPeer, func(m *Mesh) error {
		var err error
		feed, err = m.ManualAdd()
		return err
	})
	if err != nil {
		return nil, err
	}
	return feed, nil
}

func (l *Loop) CompleteManual(ctx context.Context, answer domain.Offer) error {
	return l.call(ctx, "complete_manual", answer.OffererID, func(m *Mesh) error { return m.CompleteManual(answer) })
}

func (l *Loop) AddManualCandidate(ctx context.Context, peer domain.PeerID, c domain.Candidate) error {
	return l.call(ctx, "add_manual_candidate", peer, func(m *Mesh) error { return m.AddManualCandidate(peer, c) })
}

func (l *Loop) OfferFor(ctx context.Context, peer domain.PeerID) (ports.OfferSubscription, error) {
	var feed *OfferFeed
	err := l.call(ctx, "offer_for", peer, func(m *Mesh) error {
		var err error
		feed, err = m.OfferFeed(peer)
		return err
	})
	if err != nil {
		return nil, err
	}
	return feed, nil
}

func (l *Loop) RemovePeer(ctx context.Context, peer domain.PeerID) error {
	return l.call(ctx, "remove_peer", peer, func(m *Mesh) error { return m.RemovePeer(peer) })
}
