package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/parley/internal/domain"
	"github.com/dkeye/parley/internal/protocol"
)

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	ping := ctl.PingPeriod
	if ping <= 0 {
		ping = 54 * time.Second
	}
	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "ws").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("module", "ws").Msg("writePump ping failed")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "ws").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, id domain.ConnID, c *wsConn) {
	defer func() {
		log.Info().Str("module", "ws").Str("conn", string(id)).Msg("readPump closing")
		ctl.Relay.OnDisconnect(id)
		cancel()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "ws").Str("conn", string(id)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "ws").Str("conn", string(id)).Msg("readPump read error")
				return
			}
			ctl.handleMessage(id, data)
		}
	}
}

// handleMessage dispatches one inbound frame. Malformed input earns the
// sender a single error reply and nothing else; other connections are
// never affected.
func (ctl *Controller) handleMessage(id domain.ConnID, data []byte) {
	kind, err := protocol.PeekKind(data)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("bad json")
		ctl.Relay.ReplyError(id, "malformed message")
		return
	}

	switch kind {
	case protocol.KindJoin:
		var p protocol.Join
		if !ctl.decode(id, data, &p) {
			return
		}
		if p.SessionID == "" {
			ctl.Relay.ReplyError(id, "join requires a sessionId")
			return
		}
		ctl.Relay.Join(id, p)
	case protocol.KindLeave:
		ctl.Relay.Leave(id)
	case protocol.KindIdentify:
		var p protocol.Identify
		if !ctl.decode(id, data, &p) {
			return
		}
		ctl.Relay.Identify(id, p)
	case protocol.KindChat:
		var p protocol.ChatSend
		if !ctl.decode(id, data, &p) {
			return
		}
		ctl.Relay.Chat(id, p)
	case protocol.KindSignaling:
		var p protocol.Signal
		if !ctl.decode(id, data, &p) {
			return
		}
		if p.TargetID == "" || p.SignalingType == "" {
			ctl.Relay.ReplyError(id, "signaling requires targetId and signalingType")
			return
		}
		ctl.Relay.RelaySignal(id, p)
	default:
		log.Warn().Str("module", "ws").Str("type", kind).Msg("unknown message")
		ctl.Relay.ReplyError(id, "unknown message type")
	}
}

func (ctl *Controller) decode(id domain.ConnID, data []byte, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("bad payload")
		ctl.Relay.ReplyError(id, "malformed message")
		return false
	}
	return true
}
