package services

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errFakeClosed = errors.New("fake transport closed")

type queuedEvent struct {
	node *simNode
	run  func()
}

// simNet is a deterministic in-memory network. Transport callbacks and
// message deliveries are queued and run by drain, never inline.
type simNet struct {
	t        *testing.T
	clock    time.Time
	nodes    []*simNode
	pending  []queuedEvent
	nextID   domain.PeerID
	sdpSeq   int
	allowAll bool
}

type sentMessage struct {
	To  domain.PeerID
	Msg domain.Message
}

type simNode struct {
	net        *simNet
	mesh       *Mesh
	transports map[domain.PeerID]*fakeTransport
	created    []*fakeTransport
	sent       []sentMessage
	crashed    bool
}

func newSimNet(t *testing.T) *simNet {
	return &simNet{
		t:      t,
		clock:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		nextID: 2,
	}
}

func (n *simNet) now() time.Time { return n.clock }

func (n *simNet) sampleID() domain.PeerID {
	id := n.nextID
	n.nextID++
	return id
}

func (n *simNet) addNode(localID domain.PeerID, opts ...MeshOption) *simNode {
	n.t.Helper()
	node := &simNode{net: n, transports: make(map[domain.PeerID]*fakeTransport)}

	cfg := DefaultMeshConfig()
	cfg.LocalID = localID
	opts = append([]MeshOption{WithClock(n.now), WithIDSampler(n.sampleID)}, opts...)

	mesh, err := NewMesh(cfg, node, node, zaptest.NewLogger(n.t).Sugar(), opts...)
	require.NoError(n.t, err)
	node.mesh = mesh
	n.nodes = append(n.nodes, node)
	return node
}

func (n *simNet) node(id domain.PeerID) *simNode {
	for _, node := range n.nodes {
		if node.mesh.LocalID() == id {
			return node
		}
	}
	return nil
}

func (n *simNet) enqueue(node *simNode, run func()) {
	n.pending = append(n.pending, queuedEvent{node: node, run: run})
}

func (n *simNet) drain() {
	n.t.Helper()
	for i := 0; len(n.pending) > 0; i++ {
		if i > 100000 {
			n.t.Fatal("event queue did not settle")
		}
		ev := n.pending[0]
		n.pending = n.pending[1:]
		if ev.node != nil && ev.node.crashed {
			continue
		}
		ev.run()
	}
}

// tick advances the clock by one second, ticks every live node, then drains.
func (n *simNet) tick() {
	n.t.Helper()
	n.clock = n.clock.Add(time.Second)
	for _, node := range n.nodes {
		if !node.crashed {
			node.mesh.Tick(n.clock)
		}
	}
	n.drain()
}

func (n *simNet) nextSDP(kind string) string {
	n.sdpSeq++
	return fmt.Sprintf("v=0 %s-%d", kind, n.sdpSeq)
}

// join runs the full manual exchange from introducer to joiner.
func (n *simNet) join(introducer, joiner *simNode) domain.PeerID {
	n.t.Helper()
	feed, err := introducer.mesh.ManualAdd()
	require.NoError(n.t, err)
	n.drain()

	offer, ok := feed.Latest()
	require.True(n.t, ok, "introducer produced no offer")

	id, err := joiner.mesh.Bootstrap(offer)
	require.NoError(n.t, err)
	n.drain()

	answerFeed, err := joiner.mesh.OfferFeed(offer.OffererID)
	require.NoError(n.t, err)
	answer, ok := answerFeed.Latest()
	require.True(n.t, ok, "joiner produced no answer")

	require.NoError(n.t, introducer.mesh.CompleteManual(answer))
	n.drain()
	return id
}

func (n *simNet) tryConnect(t *fakeTransport) {
	peerNode := n.node(t.peer)
	if peerNode == nil || peerNode.crashed {
		return
	}
	c := peerNode.transports[t.owner.mesh.LocalID()]
	if c == nil || c.closed || t.closed || t.connected {
		return
	}
	if t.local == nil || t.remote == nil || c.local == nil || c.remote == nil {
		return
	}
	if t.remote.SDP != c.local.SDP || c.remote.SDP != t.local.SDP {
		return
	}
	t.connected, c.connected = true, true
	t.emitState(ports.ConnectionConnected)
	c.emitState(ports.ConnectionConnected)
}

func (n *simNet) channelOpen(a, b *simNode) bool {
	ta := a.transports[b.mesh.LocalID()]
	tb := b.transports[a.mesh.LocalID()]
	return ta != nil && tb != nil && ta.connected && tb.connected
}

func (s *simNode) NewTransport(peer domain.PeerID, events ports.TransportEvents) (ports.Transport, error) {
	t := &fakeTransport{owner: s, peer: peer, events: events}
	s.transports[peer] = t
	s.created = append(s.created, t)
	return t, nil
}

func (s *simNode) Send(to domain.PeerID, msg domain.Message) error {
	s.sent = append(s.sent, sentMessage{To: to, Msg: msg})
	if s.net.allowAll {
		return nil
	}

	dst := s.net.node(to)
	if dst == nil || s.crashed || dst.crashed || !s.net.channelOpen(s, dst) {
		return domain.ErrNoRoute
	}
	from := s.mesh.LocalID()
	s.net.enqueue(dst, func() { dst.mesh.HandleMessage(from, msg) })
	return nil
}

func (s *simNode) sentKinds(to domain.PeerID) []domain.MessageKind {
	var kinds []domain.MessageKind
	for _, m := range s.sent {
		if m.To == to {
			kinds = append(kinds, m.Msg.Kind())
		}
	}
	return kinds
}

func (s *simNode) resetSent() { s.sent = nil }

func (s *simNode) link(id domain.PeerID) *PeerLink {
	return s.mesh.peers[id]
}

// fakeTransport pairs with the counterpart transport on the peer node once
// both sides hold each other's descriptions.
type fakeTransport struct {
	owner  *simNode
	peer   domain.PeerID
	events ports.TransportEvents

	local   *domain.SessionDescription
	remote  *domain.SessionDescription
	applied []domain.Candidate
	offers  int

	closed    bool
	connected bool

	failAddICE    error
	failSetRemote error
}

func (t *fakeTransport) emit(run func()) {
	t.owner.net.enqueue(t.owner, run)
}

func (t *fakeTransport) emitState(state ports.ConnectionState) {
	t.emit(func() { t.events.OnConnectionStateChange(t, t.peer, state) })
}

func (t *fakeTransport) CreateOffer() error {
	if t.closed {
		return errFakeClosed
	}
	t.offers++
	desc := domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: t.owner.net.nextSDP("offer")}
	t.emit(func() { t.events.OnLocalDescription(t, t.peer, desc) })
	return nil
}

func (t *fakeTransport) SetLocalDescription(desc domain.SessionDescription) error {
	if t.closed {
		return errFakeClosed
	}
	t.local = &desc
	c := domain.Candidate{Media: "0", Index: 0, Name: "candidate:" + desc.SDP}
	t.emit(func() { t.events.OnICECandidate(t, t.peer, c) })
	t.owner.net.tryConnect(t)
	return nil
}

func (t *fakeTransport) SetRemoteDescription(desc domain.SessionDescription) error {
	if t.failSetRemote != nil {
		return t.failSetRemote
	}
	if t.closed {
		return errFakeClosed
	}
	t.remote = &desc
	if desc.Type == domain.SDPTypeOffer {
		answer := domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: t.owner.net.nextSDP("answer")}
		t.emit(func() { t.events.OnLocalDescription(t, t.peer, answer) })
	}
	t.owner.net.tryConnect(t)
	return nil
}

func (t *fakeTransport) AddICECandidate(c domain.Candidate) error {
	if t.failAddICE != nil {
		return t.failAddICE
	}
	if t.closed {
		return errFakeClosed
	}
	t.applied = append(t.applied, c)
	return nil
}

func (t *fakeTransport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	if !t.connected {
		return nil
	}
	t.connected = false

	peerNode := t.owner.net.node(t.peer)
	if peerNode == nil {
		return nil
	}
	if c := peerNode.transports[t.owner.mesh.LocalID()]; c != nil && c.connected {
		c.connected = false
		c.emitState(ports.ConnectionClosed)
	}
	return nil
}

func (t *fakeTransport) ConnectionState() ports.ConnectionState {
	switch {
	case t.connected:
		return ports.ConnectionConnected
	case t.closed:
		return ports.ConnectionClosed
	default:
		return ports.ConnectionNew
	}
}

// newSingleNode returns a node whose sends always succeed and are only
// recorded.
func newSingleNode(t *testing.T, localID domain.PeerID, opts ...MeshOption) (*simNet, *simNode) {
	net := newSimNet(t)
	net.allowAll = true
	return net, net.addNode(localID, opts...)
}
