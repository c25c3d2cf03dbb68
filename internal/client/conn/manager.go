// Package conn owns the client's websocket link to the relay: exactly one
// live socket, automatic reconnection with a bounded retry budget, and a
// callback surface that hides transport details from the peer negotiator.
package conn

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkeye/parley/internal/protocol"
)

// Status is the manager's externally visible state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// Socket is the minimal transport the manager drives. Implemented by
// gorilla websockets in production and by fakes in tests.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage([]byte) error
	Close() error
}

type Dialer interface {
	Dial(url string) (Socket, error)
}

type Config struct {
	URL            string
	ReconnectDelay time.Duration
	MaxRetries     int
}

type Manager struct {
	cfg    Config
	dialer Dialer
	log    zerolog.Logger

	mu          sync.Mutex
	status      Status
	sock        Socket
	retries     int
	timer       *time.Timer
	last        []byte
	deliberate  bool
	pendingJoin *protocol.Join

	onMessage func([]byte)
	onStatus  func(Status)
}

func NewManager(cfg Config, dialer Dialer, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		log:    logger,
		status: StatusDisconnected,
	}
}

// OnMessage registers the inbound frame handler. Set before Connect.
func (m *Manager) OnMessage(fn func([]byte)) { m.onMessage = fn }

// OnStatus registers a status-transition observer. Set before Connect.
func (m *Manager) OnStatus(fn func(Status)) { m.onStatus = fn }

// SetSessionTarget arranges for a join to be sent on every successful open,
// so a reconnect lands the client back in its session.
func (m *Manager) SetSessionTarget(p protocol.Join) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Type = protocol.KindJoin
	m.pendingJoin = &p
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// LastMessage returns the most recent successfully parsed inbound frame.
func (m *Manager) LastMessage() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Connect opens the channel. No-op while already connecting, connected or
// waiting out a reconnect delay.
func (m *Manager) Connect() {
	m.mu.Lock()
	switch m.status {
	case StatusConnecting, StatusConnected, StatusReconnecting:
		m.mu.Unlock()
		return
	}
	m.deliberate = false
	m.status = StatusConnecting
	m.mu.Unlock()
	m.notify(StatusConnecting)
	go m.dial()
}

func (m *Manager) dial() {
	sock, err := m.dialer.Dial(m.cfg.URL)
	if err != nil {
		m.log.Warn().Err(err).Str("module", "client.conn").Msg("dial failed")
		m.onDrop(nil)
		return
	}

	m.mu.Lock()
	if m.deliberate {
		// Disconnect raced the dial; drop the fresh socket.
		m.mu.Unlock()
		_ = sock.Close()
		return
	}
	m.sock = sock
	m.status = StatusConnected
	m.retries = 0
	join := m.pendingJoin
	m.mu.Unlock()
	m.notify(StatusConnected)
	m.log.Info().Str("module", "client.conn").Msg("connected")

	if join != nil {
		b, _ := json.Marshal(join)
		if err := sock.WriteMessage(b); err != nil {
			m.log.Warn().Err(err).Str("module", "client.conn").Msg("handshake join failed")
		}
	}
	go m.readLoop(sock)
}

func (m *Manager) readLoop(sock Socket) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			m.onDrop(sock)
			return
		}
		m.deliver(data)
	}
}

// deliver parses the frame just enough to reject garbage; parse failures
// are logged and dropped without disturbing the channel.
func (m *Manager) deliver(data []byte) {
	if _, err := protocol.PeekKind(data); err != nil {
		m.log.Error().Err(err).Str("module", "client.conn").Msg("discarding unparseable frame")
		return
	}
	m.mu.Lock()
	m.last = data
	fn := m.onMessage
	m.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

// onDrop handles any close of the socket. sock is nil when the dial itself
// failed. Unclean closes schedule a reconnect until the retry budget runs
// out; a deliberate Disconnect has already settled the state.
func (m *Manager) onDrop(sock Socket) {
	m.mu.Lock()
	if sock != nil && m.sock != sock {
		// A stale read loop from a superseded socket; ignore.
		m.mu.Unlock()
		return
	}
	m.sock = nil
	if m.deliberate {
		m.status = StatusDisconnected
		m.retries = 0
		m.mu.Unlock()
		m.notify(StatusDisconnected)
		return
	}
	if m.retries < m.cfg.MaxRetries {
		m.retries++
		m.status = StatusReconnecting
		attempt := m.retries
		m.timer = time.AfterFunc(m.cfg.ReconnectDelay, m.retry)
		m.mu.Unlock()
		m.notify(StatusReconnecting)
		m.log.Info().Str("module", "client.conn").Int("attempt", attempt).Msg("scheduling reconnect")
		return
	}
	m.status = StatusError
	m.mu.Unlock()
	m.notify(StatusError)
	m.log.Error().Str("module", "client.conn").Int("retries", m.cfg.MaxRetries).Msg("retry budget exhausted")
}

func (m *Manager) retry() {
	m.mu.Lock()
	if m.status != StatusReconnecting {
		// Canceled by Disconnect between firing and locking.
		m.mu.Unlock()
		return
	}
	m.status = StatusConnecting
	m.mu.Unlock()
	m.notify(StatusConnecting)
	go m.dial()
}

// Disconnect closes the channel cleanly and cancels any pending reconnect.
// No reconnection happens afterwards without an explicit Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.deliberate = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	sock := m.sock
	m.sock = nil
	m.retries = 0
	m.status = StatusDisconnected
	m.mu.Unlock()
	if sock != nil {
		_ = sock.Close()
	}
	m.notify(StatusDisconnected)
}

// Send writes one frame, fire and forget. Reports false instead of failing
// loudly when the channel is not connected.
func (m *Manager) Send(data []byte) bool {
	m.mu.Lock()
	if m.status != StatusConnected || m.sock == nil {
		m.mu.Unlock()
		return false
	}
	sock := m.sock
	m.mu.Unlock()
	if err := sock.WriteMessage(data); err != nil {
		m.log.Warn().Err(err).Str("module", "client.conn").Msg("send failed")
		return false
	}
	return true
}

// SendJSON marshals v and sends it.
func (m *Manager) SendJSON(v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		m.log.Error().Err(err).Str("module", "client.conn").Msg("marshal outbound")
		return false
	}
	return m.Send(b)
}

func (m *Manager) notify(s Status) {
	if m.onStatus != nil {
		m.onStatus(s)
	}
}
