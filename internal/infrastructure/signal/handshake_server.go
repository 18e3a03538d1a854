package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"
	"peermesh/internal/core/services"
	"peermesh/internal/infrastructure/middleware"
	"peermesh/pkg/tracing"
	"peermesh/pkg/validation"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// joiners are authenticated by invite token, not by origin
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

type ServerConfig struct {
	Timeout           time.Duration
	PollInterval      time.Duration
	WriteTimeout      time.Duration
	AttemptsPerMinute int
	Burst             int
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Timeout:           30 * time.Second,
		PollInterval:      250 * time.Millisecond,
		WriteTimeout:      10 * time.Second,
		AttemptsPerMinute: 30,
		Burst:             5,
	}
}

// HandshakeServer introduces joiners to the mesh over a websocket. Each
// connection gets a fresh MANUAL link whose offer and candidates are
// streamed to the joiner until the link reaches NOMINAL.
type HandshakeServer struct {
	mesh    ports.MeshService
	invites services.InviteService
	config  ServerConfig
	limiter *middleware.KeyedLimiter
	metrics HandshakeRecorder
	logger  *zap.SugaredLogger
}

func NewHandshakeServer(
	mesh ports.MeshService,
	invites services.InviteService,
	config ServerConfig,
	metrics HandshakeRecorder,
	logger *zap.SugaredLogger,
) *HandshakeServer {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultServerConfig().PollInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultServerConfig().WriteTimeout
	}
	perSecond := rate.Limit(float64(config.AttemptsPerMinute) / 60)
	return &HandshakeServer{
		mesh:    mesh,
		invites: invites,
		config:  config,
		limiter: middleware.NewKeyedLimiter(perSecond, config.Burst),
		metrics: metrics,
		logger:  logger,
	}
}

func (s *HandshakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	client := middleware.ClientIP(r)
	if !s.limiter.Allow(client) {
		s.metrics.RecordHandshake(ResultRateLimited)
		w.Header().Set("Retry-After", "60")
		http.Error(w, "too many handshake attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("Websocket upgrade failed", "client", client, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.Timeout)
	defer cancel()
	ctx, span := tracing.TraceHandshake(ctx, "server", client)
	defer span.End()

	sess := newSession(conn, s.config.WriteTimeout)
	defer sess.close()

	logger := s.logger.With("client", client)
	assigned, err := s.serve(ctx, sess, logger)
	result := resultFor(err)
	s.metrics.RecordHandshake(result)

	span.SetAttributes(tracing.ResultKey.String(result))

	if err != nil {
		tracing.RecordError(ctx, err)
		sess.fail(ctx, err)
		logger.Infow("Handshake failed", "result", result, "error", err)
		return
	}
	tracing.SetSpanStatus(ctx, codes.Ok, result)
	logger.Infow("Handshake completed", "peer_id", assigned.String())
}

func (s *HandshakeServer) serve(ctx context.Context, sess *session, logger *zap.SugaredLogger) (domain.PeerID, error) {
	auth, err := sess.receive(ctx, TypeAuthentication)
	if err != nil {
		return domain.NoPeer, err
	}
	if _, err := s.invites.Validate(auth.Secret, services.AudienceJoin); err != nil {
		_ = sess.send(ctx, Message{Type: TypeAuthentication, Status: StatusRejected})
		return domain.NoPeer, err
	}

	sub, err := s.mesh.ManualAdd(ctx)
	if err != nil {
		return domain.NoPeer, fmt.Errorf("add manual link: %w", err)
	}
	assigned := sub.PeerID()
	sess.peer = assigned
	logger = logger.With("peer_id", assigned.String())

	if err := s.exchange(ctx, sess, sub, logger); err != nil {
		// A fresh context: ctx may be the reason we are giving up.
		cleanup, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
		defer cancel()
		if rmErr := s.mesh.RemovePeer(cleanup, assigned); rmErr != nil && !errors.Is(rmErr, domain.ErrPeerNotFound) {
			logger.Warnw("Failed to remove abandoned manual link", "error", rmErr)
		}
		return assigned, err
	}
	return assigned, nil
}

func (s *HandshakeServer) exchange(ctx context.Context, sess *session, sub ports.OfferSubscription, logger *zap.SugaredLogger) error {
	assigned := sub.PeerID()
	offer, err := services.AwaitOffer(ctx, sub)
	if err != nil {
		return fmt.Errorf("await offer: %w", err)
	}

	if err := sess.send(ctx, Message{Type: TypeAuthentication, Status: StatusOK, AssignedID: assigned}); err != nil {
		return err
	}
	if err := sess.send(ctx, Message{Type: TypeOffer, Offer: &offer}); err != nil {
		return err
	}
	logger.Debugw("Offer sent", "candidates", len(offer.ICECandidates))

	sent := newTrickle(offer)
	poll := time.NewTicker(s.config.PollInterval)
	defer poll.Stop()

	updates := sub.Updates()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-sess.readErr:
			return fmt.Errorf("joiner went away: %w", err)

		case msg := <-sess.incoming:
			sess.traceReceived(ctx, msg)
			if err := s.handleJoinerMessage(ctx, assigned, msg); err != nil {
				return err
			}

		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("%w: manual link %s removed", domain.ErrPeerNotFound, assigned)
			}
			if err := sent.flush(ctx, sess, update); err != nil {
				return err
			}

		case <-poll.C:
			snap, err := s.mesh.Snapshot(ctx)
			if err != nil {
				return err
			}
			if peer, ok := snap.Peer(assigned); ok && peer.State == domain.StateNominal {
				return sess.send(ctx, Message{Type: TypeComplete, AssignedID: assigned})
			}
		}
	}
}

func (s *HandshakeServer) handleJoinerMessage(ctx context.Context, assigned domain.PeerID, msg Message) error {
	switch msg.Type {
	case TypeAnswer:
		if msg.Offer == nil {
			return fmt.Errorf("%w: answer without offer", errProtocol)
		}
		answer := *msg.Offer
		if answer.OffererID != assigned || answer.SDPType != domain.SDPTypeAnswer {
			return fmt.Errorf("%w: answer does not match link %s", domain.ErrInvalidOffer, assigned)
		}
		if err := validation.ValidateOffer(answer); err != nil {
			return err
		}
		return s.mesh.CompleteManual(ctx, answer)

	case TypeICECandidate:
		if msg.Candidate == nil {
			return fmt.Errorf("%w: ice_candidate without candidate", errProtocol)
		}
		if err := validation.ValidateCandidate(*msg.Candidate); err != nil {
			return fmt.Errorf("%w: %v", errProtocol, err)
		}
		err := s.mesh.AddManualCandidate(ctx, assigned, *msg.Candidate)
		if errors.Is(err, domain.ErrNotManual) {
			// late candidate for a link that already left MANUAL
			return nil
		}
		return err

	case TypeError:
		return fmt.Errorf("joiner error: %s", msg.Error)

	default:
		return fmt.Errorf("%w: unexpected %q", errProtocol, msg.Type)
	}
}
