package peer

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/parley/internal/protocol"
)

type signalerFunc func(protocol.Signal) bool

func (f signalerFunc) SendSignal(s protocol.Signal) bool { return f(s) }

// fakeTransport mimics the pion wrapper: candidates before the remote
// description are queued, Send is delivered straight to the linked peer.
type fakeTransport struct {
	mu          sync.Mutex
	initiator   bool
	remoteSet   bool
	pending     [][]byte
	applied     [][]byte
	sent        [][]byte
	closed      bool
	linked      *fakeTransport
	onCandidate func([]byte)
	onOpen      func()
	onMessage   func([]byte)
	onClosed    func()
}

func (t *fakeTransport) CreateOffer() ([]byte, error) {
	return []byte(`{"type":"offer","sdp":"v=0 offer"}`), nil
}

func (t *fakeTransport) CreateAnswer(offer []byte) ([]byte, error) {
	t.setRemote()
	return []byte(`{"type":"answer","sdp":"v=0 answer"}`), nil
}

func (t *fakeTransport) AcceptAnswer(answer []byte) error {
	t.setRemote()
	return nil
}

func (t *fakeTransport) setRemote() {
	t.mu.Lock()
	t.remoteSet = true
	queued := t.pending
	t.pending = nil
	t.applied = append(t.applied, queued...)
	t.mu.Unlock()
}

func (t *fakeTransport) AddCandidate(cand []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.remoteSet {
		t.pending = append(t.pending, cand)
		return nil
	}
	t.applied = append(t.applied, cand)
	return nil
}

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	t.sent = append(t.sent, data)
	linked := t.linked
	t.mu.Unlock()
	if linked != nil {
		linked.mu.Lock()
		fn := linked.onMessage
		linked.mu.Unlock()
		if fn != nil {
			fn(data)
		}
	}
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) OnCandidate(fn func([]byte)) { t.mu.Lock(); t.onCandidate = fn; t.mu.Unlock() }
func (t *fakeTransport) OnOpen(fn func())            { t.mu.Lock(); t.onOpen = fn; t.mu.Unlock() }
func (t *fakeTransport) OnMessage(fn func([]byte))   { t.mu.Lock(); t.onMessage = fn; t.mu.Unlock() }
func (t *fakeTransport) OnClosed(fn func())          { t.mu.Lock(); t.onClosed = fn; t.mu.Unlock() }

func (t *fakeTransport) open() {
	t.mu.Lock()
	fn := t.onOpen
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) appliedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.applied)
}

// router wires negotiators together the way the relay would: envelopes go
// only to the addressed node, with the sender's name attached.
type router struct {
	mu     sync.Mutex
	nodes  map[string]*Negotiator
	names  map[string]string
	misses int
}

func newRouter() *router {
	return &router{nodes: make(map[string]*Negotiator), names: make(map[string]string)}
}

func (r *router) signaler() Signaler {
	return signalerFunc(func(sig protocol.Signal) bool {
		r.mu.Lock()
		sig.SenderName = r.names[sig.SenderID]
		target, ok := r.nodes[sig.TargetID]
		if !ok {
			r.misses++
			r.mu.Unlock()
			return false
		}
		r.mu.Unlock()
		target.HandleSignal(sig)
		return true
	})
}

func (r *router) add(id, name string, n *Negotiator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[id] = n
	r.names[id] = name
}

type pair struct {
	a, b   *Negotiator
	at, bt *fakeTransport
}

// newPair builds initiator a and responder b sharing a router, with fake
// transports linked so data flows between them once open.
func newPair(t *testing.T, timeout time.Duration) (*router, *pair) {
	t.Helper()
	rt := newRouter()
	p := &pair{}

	factoryFor := func(slot **fakeTransport) TransportFactory {
		return func(initiator bool) (Transport, error) {
			tr := &fakeTransport{initiator: initiator}
			*slot = tr
			if p.at != nil && p.bt != nil {
				p.at.linked = p.bt
				p.bt.linked = p.at
			}
			return tr, nil
		}
	}

	p.a = NewNegotiator(Config{LocalID: "conn-a", LocalName: "alice", SessionID: "abc123", Timeout: timeout},
		rt.signaler(), factoryFor(&p.at), zerolog.Nop())
	p.b = NewNegotiator(Config{LocalID: "conn-b", LocalName: "bob", SessionID: "abc123", Timeout: timeout},
		rt.signaler(), factoryFor(&p.bt), zerolog.Nop())
	rt.add("conn-a", "alice", p.a)
	rt.add("conn-b", "bob", p.b)
	return rt, p
}

func connectPair(t *testing.T, p *pair) {
	t.Helper()
	require.NoError(t, p.a.CreateOffer("conn-b", "bob"))
	// the router delivered offer and answer synchronously
	require.Equal(t, StatusConnecting, p.a.Status())
	require.Equal(t, StatusConnecting, p.b.Status())
	p.at.open()
	p.bt.open()
}

func TestOfferAnswerRoundTrip(t *testing.T) {
	rt, p := newPair(t, 0)
	connectPair(t, p)

	assert.Equal(t, StatusConnected, p.a.Status())
	assert.Equal(t, StatusConnected, p.b.Status())

	remoteID, remoteName := p.b.RemotePeer()
	assert.Equal(t, "conn-a", remoteID)
	assert.Equal(t, "alice", remoteName, "responder learns the name from the envelope")

	remoteID, _ = p.a.RemotePeer()
	assert.Equal(t, "conn-b", remoteID)
	assert.Zero(t, rt.misses, "no envelope may leave the pair")
}

func TestSendDataWrapsPayload(t *testing.T) {
	_, p := newPair(t, 0)

	assert.False(t, p.a.SendData(json.RawMessage(`"early"`)), "send before connected")

	var mu sync.Mutex
	var got []DataMessage
	p.b.OnData(func(m DataMessage) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	connectPair(t, p)

	require.True(t, p.a.SendData(json.RawMessage(`{"text":"hi"}`)))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "conn-a", got[0].SenderID)
	assert.Equal(t, "alice", got[0].SenderName)
	assert.JSONEq(t, `{"text":"hi"}`, string(got[0].Content))
	assert.NotZero(t, got[0].Timestamp)
}

func TestIgnoresMisaddressedAndStrangerSignals(t *testing.T) {
	_, p := newPair(t, 0)
	require.NoError(t, p.a.CreateOffer("conn-b", "bob"))

	// addressed to somebody else entirely
	p.a.HandleSignal(protocol.Signal{
		Type: protocol.KindSignaling, SignalingType: protocol.SignalAnswer,
		SenderID: "conn-b", TargetID: "conn-z", SessionID: "abc123",
	})
	// from a sender that is not the recorded remote
	p.a.HandleSignal(protocol.Signal{
		Type: protocol.KindSignaling, SignalingType: protocol.SignalPeerDisconnect,
		SenderID: "conn-z", TargetID: "conn-a", SessionID: "abc123",
	})

	assert.Equal(t, StatusConnecting, p.a.Status(), "stray signals must not move the state machine")
	remoteID, _ := p.a.RemotePeer()
	assert.Equal(t, "conn-b", remoteID)
}

func TestOfferWhileBusyIgnored(t *testing.T) {
	_, p := newPair(t, 0)
	require.NoError(t, p.a.CreateOffer("conn-b", "bob"))

	p.a.HandleSignal(protocol.Signal{
		Type: protocol.KindSignaling, SignalingType: protocol.SignalOffer,
		SenderID: "conn-z", TargetID: "conn-a", SessionID: "abc123",
		Payload: json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	})

	remoteID, _ := p.a.RemotePeer()
	assert.Equal(t, "conn-b", remoteID, "a second offer must not steal the negotiation")
	assert.Equal(t, ErrBusy, p.a.CreateOffer("conn-z", "zed"))
}

func TestEarlyCandidatesAreKept(t *testing.T) {
	rt := newRouter()
	var tr *fakeTransport
	n := NewNegotiator(Config{LocalID: "conn-a", LocalName: "alice", SessionID: "abc123"},
		rt.signaler(), func(initiator bool) (Transport, error) {
			tr = &fakeTransport{initiator: initiator}
			return tr, nil
		}, zerolog.Nop())
	rt.add("conn-a", "alice", n)

	require.NoError(t, n.CreateOffer("conn-b", "bob"))

	// candidate arrives before the answer: transport must queue, not drop
	n.HandleSignal(protocol.Signal{
		Type: protocol.KindSignaling, SignalingType: protocol.SignalICECandidate,
		SenderID: "conn-b", TargetID: "conn-a", SessionID: "abc123",
		Payload: json.RawMessage(`{"candidate":"candidate:1"}`),
	})
	assert.Zero(t, tr.appliedCount(), "not applied before the remote description")

	n.HandleSignal(protocol.Signal{
		Type: protocol.KindSignaling, SignalingType: protocol.SignalAnswer,
		SenderID: "conn-b", TargetID: "conn-a", SessionID: "abc123",
		Payload: json.RawMessage(`{"type":"answer","sdp":"v=0"}`),
	})
	assert.Equal(t, 1, tr.appliedCount(), "queued candidate applied after the answer")
}

func TestPeerDisconnectTearsDown(t *testing.T) {
	_, p := newPair(t, 0)
	connectPair(t, p)

	p.b.HandleSignal(protocol.Signal{
		Type: protocol.KindSignaling, SignalingType: protocol.SignalPeerDisconnect,
		SenderID: "conn-a", TargetID: "conn-b", SessionID: "abc123",
	})

	assert.Equal(t, StatusDisconnected, p.b.Status())
	assert.True(t, p.bt.isClosed())
	remoteID, _ := p.b.RemotePeer()
	assert.Empty(t, remoteID)
}

func TestCloseConnectionNotifiesRemote(t *testing.T) {
	_, p := newPair(t, 0)
	connectPair(t, p)

	p.a.CloseConnection()

	assert.Equal(t, StatusDisconnected, p.a.Status())
	assert.True(t, p.at.isClosed())
	// the remote saw the peer-disconnect envelope and tore down too
	assert.Equal(t, StatusDisconnected, p.b.Status())
}

func TestNegotiationTimeout(t *testing.T) {
	// signaler that swallows everything: the offer never reaches a responder
	var tr *fakeTransport
	n := NewNegotiator(Config{LocalID: "conn-a", LocalName: "alice", SessionID: "abc123", Timeout: 10 * time.Millisecond},
		signalerFunc(func(protocol.Signal) bool { return true }),
		func(initiator bool) (Transport, error) {
			tr = &fakeTransport{initiator: initiator}
			return tr, nil
		}, zerolog.Nop())

	var mu sync.Mutex
	var errs []error
	n.OnError(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})

	require.NoError(t, n.CreateOffer("conn-b", "bob"))
	require.Eventually(t, func() bool { return n.Status() == StatusError },
		time.Second, time.Millisecond)
	assert.True(t, tr.isClosed())
	mu.Lock()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrNegotiationTimeout)
	mu.Unlock()

	// the timeout leaves the same clean slate as any other teardown
	remoteID, remoteName := n.RemotePeer()
	assert.Empty(t, remoteID)
	assert.Empty(t, remoteName)
	n.mu.Lock()
	assert.Empty(t, n.role)
	assert.Nil(t, n.transport)
	n.mu.Unlock()

	// and a fresh negotiation can start over it
	require.NoError(t, n.CreateOffer("conn-c", "carol"))
	assert.Equal(t, StatusConnecting, n.Status())
}
