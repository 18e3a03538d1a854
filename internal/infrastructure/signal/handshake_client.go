package signal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"
	"peermesh/internal/core/services"
	"peermesh/pkg/retry"
	"peermesh/pkg/tracing"
	"peermesh/pkg/validation"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

type ClientConfig struct {
	Timeout      time.Duration
	WriteTimeout time.Duration
	Dial         retry.Config
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:      30 * time.Second,
		WriteTimeout: 10 * time.Second,
		Dial:         retry.DefaultConfig(),
	}
}

// HandshakeClient joins a mesh through a member's handshake endpoint.
type HandshakeClient struct {
	mesh    ports.MeshService
	config  ClientConfig
	dialer  *websocket.Dialer
	metrics HandshakeRecorder
	logger  *zap.SugaredLogger
}

func NewHandshakeClient(mesh ports.MeshService, config ClientConfig, metrics HandshakeRecorder, logger *zap.SugaredLogger) *HandshakeClient {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultClientConfig().WriteTimeout
	}
	return &HandshakeClient{
		mesh:    mesh,
		config:  config,
		dialer:  &websocket.Dialer{HandshakeTimeout: config.WriteTimeout},
		metrics: metrics,
		logger:  logger,
	}
}

// Join authenticates with secret, answers the introducer's offer and waits
// until the introducer reports the link complete. It returns the id the
// local member was assigned.
func (c *HandshakeClient) Join(ctx context.Context, url, secret string) (domain.PeerID, error) {
	if err := validation.ValidateURL(url); err != nil {
		return domain.NoPeer, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	ctx, span := tracing.TraceHandshake(ctx, "client", url)
	defer span.End()

	id, err := c.join(ctx, url, secret)
	result := resultFor(err)
	c.metrics.RecordHandshake(result)
	span.SetAttributes(tracing.ResultKey.String(result))
	if err != nil {
		tracing.RecordError(ctx, err)
		return domain.NoPeer, err
	}
	tracing.SetSpanStatus(ctx, codes.Ok, result)
	span.SetAttributes(tracing.AssignedIDKey.Int(int(id)))
	return id, nil
}

func (c *HandshakeClient) join(ctx context.Context, url, secret string) (domain.PeerID, error) {
	conn, err := retry.RetryWithResult(ctx, c.config.Dial, func() (*websocket.Conn, error) {
		conn, _, err := c.dialer.DialContext(ctx, url, nil)
		if err != nil {
			c.logger.Debugw("Handshake dial failed", "url", url, "error", err)
		}
		return conn, err
	})
	if err != nil {
		return domain.NoPeer, fmt.Errorf("dial %s: %w", url, err)
	}

	sess := newSession(conn, c.config.WriteTimeout)
	defer sess.close()

	if err := sess.send(ctx, Message{Type: TypeAuthentication, Secret: secret}); err != nil {
		return domain.NoPeer, err
	}
	auth, err := sess.receive(ctx, TypeAuthentication)
	if err != nil {
		return domain.NoPeer, err
	}
	if auth.Status != StatusOK {
		return domain.NoPeer, fmt.Errorf("%w: introducer answered %q", domain.ErrInvalidInvite, auth.Status)
	}

	msg, err := sess.receive(ctx, TypeOffer)
	if err != nil {
		return domain.NoPeer, err
	}
	if msg.Offer == nil {
		return domain.NoPeer, fmt.Errorf("%w: offer message without offer", errProtocol)
	}
	offer := *msg.Offer
	sess.peer = offer.OffererID
	if err := validation.ValidateOffer(offer); err != nil {
		return domain.NoPeer, err
	}
	if id, ok := offer.Assigned(); !ok || id != auth.AssignedID {
		return domain.NoPeer, fmt.Errorf("%w: offer assigns %d, introducer announced %s", domain.ErrInvalidOffer, offer.AssignedID, auth.AssignedID)
	}

	id, sub, err := c.mesh.Bootstrap(ctx, offer)
	if err != nil {
		return domain.NoPeer, fmt.Errorf("bootstrap: %w", err)
	}
	introducer := offer.OffererID
	logger := c.logger.With("peer_id", id.String(), "introducer", introducer.String())

	if err := c.answer(ctx, sess, sub, introducer); err != nil {
		cleanup, cancel := context.WithTimeout(context.Background(), c.config.WriteTimeout)
		defer cancel()
		if rmErr := c.mesh.RemovePeer(cleanup, introducer); rmErr != nil && !errors.Is(rmErr, domain.ErrPeerNotFound) {
			logger.Warnw("Failed to remove introducer link", "error", rmErr)
		}
		return domain.NoPeer, err
	}

	logger.Infow("Joined mesh")
	return id, nil
}

func (c *HandshakeClient) answer(ctx context.Context, sess *session, sub ports.OfferSubscription, introducer domain.PeerID) error {
	answer, err := services.AwaitOffer(ctx, sub)
	if err != nil {
		return fmt.Errorf("await answer: %w", err)
	}
	if answer.SDPType != domain.SDPTypeAnswer {
		return fmt.Errorf("%w: local link produced %q instead of an answer", domain.ErrInvalidOffer, answer.SDPType)
	}
	if err := sess.send(ctx, Message{Type: TypeAnswer, Offer: &answer}); err != nil {
		return err
	}

	sent := newTrickle(answer)
	updates := sub.Updates()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-sess.readErr:
			return fmt.Errorf("introducer went away: %w", err)

		case update, ok := <-updates:
			if !ok {
				// stop trickling, the introducer decides when we are done
				updates = nil
				continue
			}
			if err := sent.flush(ctx, sess, update); err != nil {
				return err
			}

		case msg := <-sess.incoming:
			sess.traceReceived(ctx, msg)
			switch msg.Type {
			case TypeComplete:
				return nil
			case TypeICECandidate:
				if msg.Candidate == nil {
					return fmt.Errorf("%w: ice_candidate without candidate", errProtocol)
				}
				err := c.mesh.AddManualCandidate(ctx, introducer, *msg.Candidate)
				if err != nil && !errors.Is(err, domain.ErrNotManual) {
					return err
				}
			case TypeError:
				return fmt.Errorf("introducer error: %s", msg.Error)
			default:
				return fmt.Errorf("%w: unexpected %q", errProtocol, msg.Type)
			}
		}
	}
}
