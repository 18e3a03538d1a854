package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"peermesh/internal/core/domain"
	"peermesh/pkg/tracing"

	"github.com/gorilla/websocket"
)

// Handshake message types.
const (
	TypeAuthentication = "authentication"
	TypeOffer          = "offer"
	TypeAnswer         = "answer"
	TypeICECandidate   = "ice_candidate"
	TypeComplete       = "complete"
	TypeError          = "error"
)

const (
	StatusOK       = "ok"
	StatusRejected = "rejected"
)

// Handshake results as counted by HandshakeRecorder.
const (
	ResultCompleted   = "completed"
	ResultRejected    = "rejected"
	ResultRateLimited = "rate_limited"
	ResultTimeout     = "timeout"
	ResultFailed      = "failed"
)

const maxMessageSize = 128 * 1024

// Message is one JSON frame of the bootstrap handshake.
type Message struct {
	Type       string            `json:"type"`
	Secret     string            `json:"secret,omitempty"`
	Status     string            `json:"status,omitempty"`
	AssignedID domain.PeerID     `json:"assigned_id,omitempty"`
	Offer      *domain.Offer     `json:"offer,omitempty"`
	Candidate  *domain.Candidate `json:"candidate,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// HandshakeRecorder counts handshake outcomes.
type HandshakeRecorder interface {
	RecordHandshake(result string)
}

type nopRecorder struct{}

func (nopRecorder) RecordHandshake(string) {}

var errProtocol = errors.New("handshake protocol violation")

// session serializes writes on one websocket and pumps reads from a
// dedicated goroutine so callers can select on them. Peer names the remote
// member once it is known.
type session struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	peer         domain.PeerID

	incoming chan Message
	readErr  chan error
	done     chan struct{}
	once     sync.Once
}

func newSession(conn *websocket.Conn, writeTimeout time.Duration) *session {
	conn.SetReadLimit(maxMessageSize)
	s := &session{
		conn:         conn,
		writeTimeout: writeTimeout,
		incoming:     make(chan Message),
		readErr:      make(chan error, 1),
		done:         make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *session) readLoop() {
	for {
		var msg Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			s.readErr <- err
			return
		}
		select {
		case s.incoming <- msg:
		case <-s.done:
			return
		}
	}
}

func (s *session) send(ctx context.Context, msg Message) error {
	ctx, span := tracing.TraceHandshakeMessage(ctx, "out", msg.Type, s.peer.String())
	defer span.End()

	err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err == nil {
		err = s.conn.WriteJSON(msg)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

// traceReceived records an inbound message taken from incoming.
func (s *session) traceReceived(ctx context.Context, msg Message) {
	_, span := tracing.TraceHandshakeMessage(ctx, "in", msg.Type, s.peer.String())
	span.End()
}

// receive waits for the next message of the wanted type.
func (s *session) receive(ctx context.Context, want string) (Message, error) {
	select {
	case msg := <-s.incoming:
		s.traceReceived(ctx, msg)
		if msg.Type == TypeError {
			return Message{}, fmt.Errorf("remote error: %s", msg.Error)
		}
		if msg.Type != want {
			return Message{}, fmt.Errorf("%w: expected %s, got %q", errProtocol, want, msg.Type)
		}
		return msg, nil
	case err := <-s.readErr:
		return Message{}, fmt.Errorf("read %s: %w", want, err)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *session) fail(ctx context.Context, err error) {
	_ = s.send(ctx, Message{Type: TypeError, Error: err.Error()})
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		deadline := time.Now().Add(s.writeTimeout)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = s.conn.Close()
	})
}

// trickle tracks which candidates of a manual Offer were already sent.
type trickle struct {
	sdp  string
	sent int
}

func newTrickle(offer domain.Offer) *trickle {
	return &trickle{sdp: offer.SDP, sent: len(offer.ICECandidates)}
}

// next returns the candidates of update not sent yet. A different SDP means
// the link renegotiated and the exchange cannot continue.
func (t *trickle) next(update domain.Offer) ([]domain.Candidate, error) {
	if update.SDP != t.sdp || len(update.ICECandidates) < t.sent {
		return nil, fmt.Errorf("manual offer was renegotiated")
	}
	fresh := update.ICECandidates[t.sent:]
	t.sent = len(update.ICECandidates)
	return fresh, nil
}

func (t *trickle) flush(ctx context.Context, s *session, update domain.Offer) error {
	fresh, err := t.next(update)
	if err != nil {
		return err
	}
	for i := range fresh {
		if err := s.send(ctx, Message{Type: TypeICECandidate, Candidate: &fresh[i]}); err != nil {
			return err
		}
	}
	return nil
}

func resultFor(err error) string {
	switch {
	case err == nil:
		return ResultCompleted
	case errors.Is(err, context.DeadlineExceeded):
		return ResultTimeout
	case errors.Is(err, domain.ErrInvalidInvite), errors.Is(err, domain.ErrExpiredInvite):
		return ResultRejected
	default:
		return ResultFailed
	}
}
