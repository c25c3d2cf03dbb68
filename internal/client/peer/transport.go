package peer

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Transport is one peer-to-peer link attempt: the SDP exchange plus the
// data channel it produces. Payloads are the JSON forms the signaling
// envelope carries. Implemented by pion in production, by fakes in tests.
type Transport interface {
	CreateOffer() ([]byte, error)
	CreateAnswer(offer []byte) ([]byte, error)
	AcceptAnswer(answer []byte) error
	AddCandidate(cand []byte) error
	Send(data []byte) error
	Close() error
	OnCandidate(func([]byte))
	OnOpen(func())
	OnMessage(func([]byte))
	OnClosed(func())
}

var errNoChannel = errors.New("data channel not open")

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// PionTransport drives a webrtc.PeerConnection with a single "data"
// channel. Remote candidates arriving before the remote description are
// queued and applied once it lands, never dropped.
type PionTransport struct {
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	pending   []webrtc.ICECandidateInit
	remoteSet bool

	onCandidate func([]byte)
	onOpen      func()
	onMessage   func([]byte)
	onClosed    func()
}

func NewPionTransport(cfg webrtc.Configuration, initiator bool) (*PionTransport, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	t := &PionTransport{pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Error().Err(err).Str("module", "peer.rtc").Msg("marshal candidate")
			return
		}
		t.mu.Lock()
		fn := t.onCandidate
		t.mu.Unlock()
		if fn != nil {
			fn(b)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "peer.rtc").Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateDisconnected ||
			s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed {
			t.mu.Lock()
			fn := t.onClosed
			t.mu.Unlock()
			if fn != nil {
				fn()
			}
		}
	})

	if initiator {
		dc, err := pc.CreateDataChannel("data", nil)
		if err != nil {
			_ = pc.Close()
			return nil, err
		}
		t.bindChannel(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			t.bindChannel(dc)
		})
	}
	return t, nil
}

func (t *PionTransport) bindChannel(dc *webrtc.DataChannel) {
	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()

	dc.OnOpen(func() {
		log.Info().Str("module", "peer.rtc").Str("label", dc.Label()).Msg("data channel open")
		t.mu.Lock()
		fn := t.onOpen
		t.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.mu.Lock()
		fn := t.onMessage
		t.mu.Unlock()
		if fn != nil {
			fn(msg.Data)
		}
	})
}

func (t *PionTransport) CreateOffer() ([]byte, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return json.Marshal(t.pc.LocalDescription())
}

func (t *PionTransport) CreateAnswer(offer []byte) ([]byte, error) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(offer, &sd); err != nil {
		return nil, err
	}
	if err := t.setRemote(sd); err != nil {
		return nil, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return json.Marshal(t.pc.LocalDescription())
}

func (t *PionTransport) AcceptAnswer(answer []byte) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(answer, &sd); err != nil {
		return err
	}
	return t.setRemote(sd)
}

func (t *PionTransport) setRemote(sd webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(sd); err != nil {
		return err
	}
	t.mu.Lock()
	t.remoteSet = true
	queued := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, ci := range queued {
		if err := t.pc.AddICECandidate(ci); err != nil {
			log.Error().Err(err).Str("module", "peer.rtc").Msg("apply queued candidate")
		}
	}
	return nil
}

func (t *PionTransport) AddCandidate(cand []byte) error {
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(cand, &ci); err != nil {
		return err
	}
	t.mu.Lock()
	if !t.remoteSet {
		t.pending = append(t.pending, ci)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	return t.pc.AddICECandidate(ci)
}

func (t *PionTransport) Send(data []byte) error {
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()
	if dc == nil {
		return errNoChannel
	}
	return dc.Send(data)
}

func (t *PionTransport) Close() error {
	return t.pc.Close()
}

func (t *PionTransport) OnCandidate(fn func([]byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCandidate = fn
}

func (t *PionTransport) OnOpen(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onOpen = fn
}

func (t *PionTransport) OnMessage(fn func([]byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = fn
}

func (t *PionTransport) OnClosed(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClosed = fn
}
