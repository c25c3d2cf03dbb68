// Package peer drives the two-party negotiation that turns relay-forwarded
// signaling envelopes into a direct data channel. The relay is used only as
// a dumb forwarder; once the channel opens, data bypasses it entirely.
package peer

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkeye/parley/internal/protocol"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

var (
	ErrBusy               = errors.New("negotiation already in progress")
	ErrNegotiationTimeout = errors.New("negotiation timed out")
)

// Signaler sends a signaling envelope towards the relay. The connection
// manager satisfies this.
type Signaler interface {
	SendSignal(protocol.Signal) bool
}

// DataMessage wraps application payloads sent over the data channel with
// the sender's identity and a timestamp.
type DataMessage struct {
	SenderID   string          `json:"senderId"`
	SenderName string          `json:"senderName"`
	Content    json.RawMessage `json:"content"`
	Timestamp  int64           `json:"timestamp"`
}

type Config struct {
	LocalID   string
	LocalName string
	SessionID string
	// Timeout bounds how long a negotiation may sit in connecting before
	// it fails. Zero disables the timer.
	Timeout time.Duration
}

// TransportFactory builds one transport per negotiation attempt.
type TransportFactory func(initiator bool) (Transport, error)

// Negotiator holds the client-local state for one point-to-point link at a
// time: role, remote peer, and the transport carrying the exchange.
type Negotiator struct {
	cfg      Config
	signaler Signaler
	factory  TransportFactory
	log      zerolog.Logger

	mu         sync.Mutex
	status     Status
	role       Role
	remoteID   string
	remoteName string
	transport  Transport
	timer      *time.Timer

	onStatus func(Status)
	onData   func(DataMessage)
	onError  func(error)
}

func NewNegotiator(cfg Config, signaler Signaler, factory TransportFactory, logger zerolog.Logger) *Negotiator {
	if factory == nil {
		factory = func(initiator bool) (Transport, error) {
			return NewPionTransport(DefaultWebRTCConfig(), initiator)
		}
	}
	return &Negotiator{
		cfg:      cfg,
		signaler: signaler,
		factory:  factory,
		log:      logger,
		status:   StatusDisconnected,
	}
}

func (n *Negotiator) OnStatus(fn func(Status))    { n.onStatus = fn }
func (n *Negotiator) OnData(fn func(DataMessage)) { n.onData = fn }
func (n *Negotiator) OnError(fn func(error))      { n.onError = fn }

func (n *Negotiator) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// RemotePeer returns the id and display name of the current remote, if any.
func (n *Negotiator) RemotePeer() (string, string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.remoteID, n.remoteName
}

// CreateOffer starts the initiator path towards targetID.
func (n *Negotiator) CreateOffer(targetID, targetName string) error {
	n.mu.Lock()
	if n.status == StatusConnecting || n.status == StatusConnected {
		n.mu.Unlock()
		return ErrBusy
	}
	tr, err := n.factory(true)
	if err != nil {
		n.status = StatusError
		n.mu.Unlock()
		n.notify(StatusError)
		return err
	}
	n.role = RoleInitiator
	n.remoteID = targetID
	n.remoteName = targetName
	n.transport = tr
	n.status = StatusConnecting
	n.armTimerLocked()
	n.mu.Unlock()

	n.bind(tr)
	n.notify(StatusConnecting)

	offer, err := tr.CreateOffer()
	if err != nil {
		n.fail(err)
		return err
	}
	n.sendSignal(protocol.SignalOffer, targetID, offer)
	n.log.Info().Str("module", "client.peer").Str("target", targetID).Msg("offer sent")
	return nil
}

// HandleSignal feeds one relay-forwarded envelope into the state machine.
// Envelopes addressed elsewhere, or from a sender other than the recorded
// remote peer, are ignored; the single exception is an unsolicited offer
// while disconnected, which establishes the remote peer.
func (n *Negotiator) HandleSignal(sig protocol.Signal) {
	if sig.TargetID != n.cfg.LocalID {
		n.log.Debug().Str("module", "client.peer").Str("target", sig.TargetID).Msg("ignoring misaddressed signal")
		return
	}

	switch sig.SignalingType {
	case protocol.SignalOffer:
		n.handleOffer(sig)
	case protocol.SignalAnswer:
		n.handleAnswer(sig)
	case protocol.SignalICECandidate:
		n.handleCandidate(sig)
	case protocol.SignalPeerDisconnect:
		n.handlePeerDisconnect(sig)
	default:
		n.log.Warn().Str("module", "client.peer").Str("signal", sig.SignalingType).Msg("unknown signaling type")
	}
}

func (n *Negotiator) handleOffer(sig protocol.Signal) {
	n.mu.Lock()
	if n.status != StatusDisconnected && n.status != StatusError {
		n.mu.Unlock()
		n.log.Warn().Str("module", "client.peer").Str("from", sig.SenderID).Msg("offer while busy, ignored")
		return
	}
	tr, err := n.factory(false)
	if err != nil {
		n.status = StatusError
		n.mu.Unlock()
		n.notify(StatusError)
		n.reportError(err)
		return
	}
	n.role = RoleResponder
	n.remoteID = sig.SenderID
	n.remoteName = sig.SenderName
	n.transport = tr
	n.status = StatusConnecting
	n.armTimerLocked()
	n.mu.Unlock()

	n.bind(tr)
	n.notify(StatusConnecting)

	answer, err := tr.CreateAnswer(sig.Payload)
	if err != nil {
		n.fail(err)
		return
	}
	n.sendSignal(protocol.SignalAnswer, sig.SenderID, answer)
	n.log.Info().Str("module", "client.peer").Str("from", sig.SenderID).Msg("answer sent")
}

func (n *Negotiator) handleAnswer(sig protocol.Signal) {
	n.mu.Lock()
	if n.status != StatusConnecting || sig.SenderID != n.remoteID {
		n.mu.Unlock()
		n.log.Warn().Str("module", "client.peer").Str("from", sig.SenderID).Msg("unexpected answer, ignored")
		return
	}
	tr := n.transport
	n.mu.Unlock()

	if err := tr.AcceptAnswer(sig.Payload); err != nil {
		n.fail(err)
	}
}

// handleCandidate hands the candidate to the transport, which holds it back
// itself until the remote description is set.
func (n *Negotiator) handleCandidate(sig protocol.Signal) {
	n.mu.Lock()
	tr := n.transport
	if tr == nil || sig.SenderID != n.remoteID {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	if err := tr.AddCandidate(sig.Payload); err != nil {
		n.log.Error().Err(err).Str("module", "client.peer").Msg("add candidate")
	}
}

func (n *Negotiator) handlePeerDisconnect(sig protocol.Signal) {
	n.mu.Lock()
	if n.remoteID == "" || sig.SenderID != n.remoteID {
		n.mu.Unlock()
		return
	}
	n.teardownLocked()
	n.mu.Unlock()
	n.notify(StatusDisconnected)
	n.log.Info().Str("module", "client.peer").Str("from", sig.SenderID).Msg("peer disconnected")
}

// SendData wraps content with the local identity and ships it over the data
// channel. Reports false unless the link is connected.
func (n *Negotiator) SendData(content json.RawMessage) bool {
	n.mu.Lock()
	if n.status != StatusConnected || n.transport == nil {
		n.mu.Unlock()
		return false
	}
	tr := n.transport
	n.mu.Unlock()

	msg := DataMessage{
		SenderID:   n.cfg.LocalID,
		SenderName: n.cfg.LocalName,
		Content:    content,
		Timestamp:  time.Now().UnixMilli(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		n.log.Error().Err(err).Str("module", "client.peer").Msg("marshal data message")
		return false
	}
	if err := tr.Send(b); err != nil {
		n.log.Warn().Err(err).Str("module", "client.peer").Msg("data send failed")
		return false
	}
	return true
}

// CloseConnection tells the remote peer we are going away, tears down the
// transport and resets to disconnected.
func (n *Negotiator) CloseConnection() {
	n.mu.Lock()
	remote := n.remoteID
	n.teardownLocked()
	n.mu.Unlock()
	if remote != "" && n.signaler != nil {
		n.sendSignal(protocol.SignalPeerDisconnect, remote, nil)
	}
	n.notify(StatusDisconnected)
}

func (n *Negotiator) bind(tr Transport) {
	tr.OnCandidate(func(cand []byte) {
		n.mu.Lock()
		remote := n.remoteID
		n.mu.Unlock()
		if remote != "" {
			n.sendSignal(protocol.SignalICECandidate, remote, cand)
		}
	})
	tr.OnOpen(func() {
		n.mu.Lock()
		if n.transport != tr {
			n.mu.Unlock()
			return
		}
		n.status = StatusConnected
		n.stopTimerLocked()
		n.mu.Unlock()
		n.notify(StatusConnected)
		n.log.Info().Str("module", "client.peer").Msg("data channel connected")
	})
	tr.OnMessage(func(data []byte) {
		var msg DataMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			n.log.Error().Err(err).Str("module", "client.peer").Msg("bad data message")
			return
		}
		if n.onData != nil {
			n.onData(msg)
		}
	})
	tr.OnClosed(func() {
		n.mu.Lock()
		if n.transport != tr {
			n.mu.Unlock()
			return
		}
		n.teardownLocked()
		n.mu.Unlock()
		n.notify(StatusDisconnected)
		n.log.Info().Str("module", "client.peer").Msg("transport closed")
	})
}

func (n *Negotiator) sendSignal(kind, target string, payload []byte) {
	ok := n.signaler.SendSignal(protocol.Signal{
		Type:          protocol.KindSignaling,
		SignalingType: kind,
		SenderID:      n.cfg.LocalID,
		TargetID:      target,
		SessionID:     n.cfg.SessionID,
		Payload:       payload,
	})
	if !ok {
		n.log.Warn().Str("module", "client.peer").Str("signal", kind).Msg("signal not sent, channel down")
	}
}

// teardownLocked closes the transport and clears negotiation state. Caller
// holds the lock.
func (n *Negotiator) teardownLocked() {
	n.stopTimerLocked()
	if n.transport != nil {
		_ = n.transport.Close()
		n.transport = nil
	}
	n.remoteID = ""
	n.remoteName = ""
	n.role = ""
	n.status = StatusDisconnected
}

func (n *Negotiator) armTimerLocked() {
	if n.cfg.Timeout <= 0 {
		return
	}
	n.stopTimerLocked()
	n.timer = time.AfterFunc(n.cfg.Timeout, n.onTimeout)
}

func (n *Negotiator) stopTimerLocked() {
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
}

func (n *Negotiator) onTimeout() {
	n.mu.Lock()
	if n.status != StatusConnecting {
		n.mu.Unlock()
		return
	}
	n.teardownLocked()
	n.status = StatusError
	n.mu.Unlock()
	n.notify(StatusError)
	n.reportError(ErrNegotiationTimeout)
}

func (n *Negotiator) fail(err error) {
	n.mu.Lock()
	n.teardownLocked()
	n.status = StatusError
	n.mu.Unlock()
	n.notify(StatusError)
	n.reportError(err)
}

func (n *Negotiator) notify(s Status) {
	if n.onStatus != nil {
		n.onStatus(s)
	}
}

func (n *Negotiator) reportError(err error) {
	n.log.Error().Err(err).Str("module", "client.peer").Msg("negotiation failed")
	if n.onError != nil {
		n.onError(err)
	}
}
