package conn

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/parley/internal/protocol"
)

type fakeSocket struct {
	in     chan []byte
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	out    [][]byte
	failWr bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{in: make(chan []byte, 8), done: make(chan struct{})}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case data := <-s.in:
		return data, nil
	case <-s.done:
		return nil, errors.New("socket closed")
	}
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWr {
		return errors.New("write failed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.out = append(s.out, cp)
	return nil
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// drop simulates an unclean close seen by the read loop.
func (s *fakeSocket) drop() { _ = s.Close() }

func (s *fakeSocket) written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.out...)
}

type fakeDialer struct {
	mu       sync.Mutex
	failures int // dials that error out before succeeding
	dials    int
	socks    []*fakeSocket
}

func (d *fakeDialer) Dial(string) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("refused")
	}
	s := newFakeSocket()
	d.socks = append(d.socks, s)
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) socket(i int) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.socks) {
		return nil
	}
	return d.socks[i]
}

func newManager(d Dialer, maxRetries int) *Manager {
	return NewManager(Config{
		URL:            "ws://test/api/ws",
		ReconnectDelay: 5 * time.Millisecond,
		MaxRetries:     maxRetries,
	}, d, zerolog.Nop())
}

func waitStatus(t *testing.T, m *Manager, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Status() == want },
		time.Second, time.Millisecond, "want status %s, have %s", want, m.Status())
}

func TestConnectDeliversMessages(t *testing.T) {
	d := &fakeDialer{}
	m := newManager(d, 0)

	var mu sync.Mutex
	var got [][]byte
	m.OnMessage(func(b []byte) {
		mu.Lock()
		got = append(got, b)
		mu.Unlock()
	})

	m.Connect()
	waitStatus(t, m, StatusConnected)

	d.socket(0).in <- []byte(`{"type":"chat","content":"hi"}`)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, time.Millisecond)
	assert.JSONEq(t, `{"type":"chat","content":"hi"}`, string(m.LastMessage()))

	// garbage is logged and dropped, last message untouched
	d.socket(0).in <- []byte(`{not json`)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Len(t, got, 1)
	mu.Unlock()
	assert.JSONEq(t, `{"type":"chat","content":"hi"}`, string(m.LastMessage()))
}

func TestConnectIsIdempotentWhileActive(t *testing.T) {
	d := &fakeDialer{}
	m := newManager(d, 0)
	m.Connect()
	waitStatus(t, m, StatusConnected)
	m.Connect()
	m.Connect()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
}

func TestSendRequiresConnected(t *testing.T) {
	d := &fakeDialer{}
	m := newManager(d, 0)
	assert.False(t, m.Send([]byte(`{"type":"chat"}`)), "send before connect")

	m.Connect()
	waitStatus(t, m, StatusConnected)
	assert.True(t, m.SendJSON(protocol.ChatSend{Type: protocol.KindChat, Content: "hi", MessageType: "human"}))
	require.Len(t, d.socket(0).written(), 1)

	m.Disconnect()
	assert.False(t, m.Send([]byte(`{"type":"chat"}`)), "send after disconnect")
}

func TestRetryBudgetExhausted(t *testing.T) {
	d := &fakeDialer{failures: 100}
	m := newManager(d, 3)

	m.Connect()
	waitStatus(t, m, StatusError)
	// initial attempt plus three retries
	assert.Equal(t, 4, d.dialCount())

	// no timer may still be pending
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 4, d.dialCount())
	assert.Equal(t, StatusError, m.Status())
}

func TestReconnectAfterDrop(t *testing.T) {
	d := &fakeDialer{}
	m := newManager(d, 3)
	m.SetSessionTarget(protocol.Join{SessionID: "abc123", DisplayName: "x"})

	m.Connect()
	waitStatus(t, m, StatusConnected)
	require.Eventually(t, func() bool { return len(d.socket(0).written()) == 1 },
		time.Second, time.Millisecond, "join handshake on open")

	d.socket(0).drop()
	require.Eventually(t, func() bool {
		return d.dialCount() == 2 && m.Status() == StatusConnected
	}, time.Second, time.Millisecond)

	// the handshake is replayed so the client lands back in its session
	sock := d.socket(1)
	require.NotNil(t, sock)
	require.Eventually(t, func() bool { return len(sock.written()) == 1 },
		time.Second, time.Millisecond)
	kind, err := protocol.PeekKind(sock.written()[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.KindJoin, kind)
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	d := &fakeDialer{}
	m := newManager(d, 5)
	m.Connect()
	waitStatus(t, m, StatusConnected)

	// make every further dial fail so the manager sits in reconnecting
	d.mu.Lock()
	d.failures = 100
	d.mu.Unlock()
	d.socket(0).drop()
	waitStatus(t, m, StatusReconnecting)

	m.Disconnect()
	assert.Equal(t, StatusDisconnected, m.Status())

	// let any dial already in flight land before snapshotting
	time.Sleep(10 * time.Millisecond)
	dials := d.dialCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, dials, d.dialCount(), "stale timer must not dial")
	assert.Equal(t, StatusDisconnected, m.Status())
}

func TestCleanDisconnectDoesNotReconnect(t *testing.T) {
	d := &fakeDialer{}
	m := newManager(d, 5)
	m.Connect()
	waitStatus(t, m, StatusConnected)

	m.Disconnect()
	waitStatus(t, m, StatusDisconnected)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())

	// explicit reconnect works and resets the retry budget
	m.Connect()
	waitStatus(t, m, StatusConnected)
	assert.Equal(t, 2, d.dialCount())
}
