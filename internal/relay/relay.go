// Package relay is the in-memory session hub. It maps connections to
// sessions, broadcasts presence and chat inside a session and forwards
// targeted signaling envelopes between two members. It knows nothing about
// what the envelopes mean.
package relay

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/parley/internal/domain"
	"github.com/dkeye/parley/internal/protocol"
)

// Default display name until the client identifies itself.
const guestName = "guest"

type Relay struct {
	store *Store
}

func New(store *Store) *Relay {
	return &Relay{store: store}
}

// OnConnect registers a fresh connection and announces its relay-assigned
// identity over the link.
func (r *Relay) OnConnect(link Sender) domain.ConnID {
	id := domain.ConnID(uuid.NewString())
	user := domain.User{ID: domain.UserID(uuid.NewString()), DisplayName: guestName, Type: domain.UserTypeHuman}
	r.store.Add(id, user, link)
	r.send(link, protocol.Connected{Type: protocol.KindConnected, ClientID: string(id)})
	return id
}

// Join moves the connection into the session, leaving any prior one first.
// The caller gets a joined ack, the other members a user_joined event, and
// remaining members of a previous session a user_left.
func (r *Relay) Join(id domain.ConnID, p protocol.Join) {
	snap, _, ok := r.store.Get(id)
	if !ok {
		return
	}
	kind, err := domain.ParseUserType(p.UserType)
	if err != nil {
		r.replyError(snap.Link, "unknown user type")
		return
	}
	user := snap.User
	if p.UserID != "" {
		user.ID = domain.UserID(p.UserID)
	}
	if p.DisplayName != "" {
		if err := user.SetDisplayName(p.DisplayName); err != nil {
			r.replyError(snap.Link, err.Error())
			return
		}
	}
	if p.UserType != "" {
		user.Type = kind
	}
	r.store.SetUser(id, user)

	sid := domain.SessionID(p.SessionID)
	prev, _ := r.store.JoinSession(id, sid)
	if prev != "" && prev != sid {
		log.Info().Str("module", "relay").Str("conn", string(id)).Str("from", string(prev)).Msg("implicit leave on join")
		r.broadcast(prev, id, protocol.UserLeft{
			Type: protocol.KindUserLeft, UserID: string(user.ID), DisplayName: user.DisplayName,
		})
	}

	r.send(snap.Link, protocol.Joined{
		Type: protocol.KindJoined, SessionID: string(sid),
		UserID: string(user.ID), DisplayName: user.DisplayName,
	})
	r.broadcast(sid, id, protocol.UserJoined{
		Type: protocol.KindUserJoined, UserID: string(user.ID),
		DisplayName: user.DisplayName, UserType: string(user.Type),
	})
	log.Info().Str("module", "relay").Str("conn", string(id)).Str("session", string(sid)).Msg("joined")
}

// Leave removes the connection from its session. No-op without one.
func (r *Relay) Leave(id domain.ConnID) {
	snap, _, ok := r.store.Get(id)
	if !ok {
		return
	}
	sid, left := r.store.LeaveSession(id)
	if !left {
		return
	}
	r.broadcast(sid, id, protocol.UserLeft{
		Type: protocol.KindUserLeft, UserID: string(snap.User.ID), DisplayName: snap.User.DisplayName,
	})
	log.Info().Str("module", "relay").Str("conn", string(id)).Str("session", string(sid)).Msg("left")
}

// Identify updates identity fields without touching membership.
func (r *Relay) Identify(id domain.ConnID, p protocol.Identify) {
	snap, sid, ok := r.store.Get(id)
	if !ok {
		return
	}
	kind, err := domain.ParseUserType(p.UserType)
	if err != nil {
		r.replyError(snap.Link, "unknown user type")
		return
	}
	user := snap.User
	if p.UserID != "" {
		user.ID = domain.UserID(p.UserID)
	}
	if p.DisplayName != "" {
		if err := user.SetDisplayName(p.DisplayName); err != nil {
			r.replyError(snap.Link, err.Error())
			return
		}
	}
	if p.UserType != "" {
		user.Type = kind
	}
	r.store.SetUser(id, user)

	r.send(snap.Link, protocol.Identified{
		Type: protocol.KindIdentified, UserID: string(user.ID),
		DisplayName: user.DisplayName, UserType: string(user.Type),
	})
	if sid != "" {
		r.broadcast(sid, id, protocol.UserUpdated{
			Type: protocol.KindUserUpdated, UserID: string(user.ID),
			DisplayName: user.DisplayName, UserType: string(user.Type),
		})
	}
}

// Chat stamps and broadcasts a chat message to every member of the sender's
// session, the sender included.
func (r *Relay) Chat(id domain.ConnID, p protocol.ChatSend) {
	snap, sid, ok := r.store.Get(id)
	if !ok {
		return
	}
	if sid == "" {
		r.replyError(snap.Link, "join a session before sending chat")
		return
	}
	event := protocol.ChatEvent{
		Type:        protocol.KindChat,
		UserID:      string(snap.User.ID),
		DisplayName: snap.User.DisplayName,
		Content:     p.Content,
		MessageType: p.MessageType,
		Timestamp:   time.Now().UnixMilli(),
	}
	r.broadcast(sid, "", event)
}

// RelaySignal forwards a negotiation envelope to its target, provided sender
// and target both belong to the stated session. Any mismatch is reported to
// the sender and nothing is delivered.
func (r *Relay) RelaySignal(id domain.ConnID, p protocol.Signal) {
	snap, sid, ok := r.store.Get(id)
	if !ok {
		return
	}
	if sid == "" {
		r.replyError(snap.Link, "join a session before signaling")
		return
	}
	if domain.SessionID(p.SessionID) != sid {
		r.replyError(snap.Link, "signaling session does not match joined session")
		return
	}
	target, targetSID, found := r.store.Get(domain.ConnID(p.TargetID))
	if !found {
		r.replyError(snap.Link, "signaling target does not exist")
		return
	}
	if targetSID != sid {
		r.replyError(snap.Link, "signaling target is not in this session")
		return
	}
	p.SenderID = string(id)
	p.SenderName = snap.User.DisplayName
	p.UserType = string(snap.User.Type)
	r.send(target.Link, p)
	log.Debug().Str("module", "relay").
		Str("from", string(id)).Str("to", p.TargetID).
		Str("signal", p.SignalingType).Msg("forwarded signal")
}

// OnDisconnect is Leave plus full deregistration. Idempotent for
// connections that never joined.
func (r *Relay) OnDisconnect(id domain.ConnID) {
	r.Leave(id)
	r.store.Remove(id)
}

// ReplyError sends a single error frame to the connection, used by adapters
// for malformed inbound payloads.
func (r *Relay) ReplyError(id domain.ConnID, msg string) {
	if snap, _, ok := r.store.Get(id); ok {
		r.replyError(snap.Link, msg)
	}
}

// broadcast fans an event out to every member of sid. A non-empty exclude
// skips that connection; chat passes "" so the sender hears itself.
func (r *Relay) broadcast(sid domain.SessionID, exclude domain.ConnID, v any) {
	for _, m := range r.store.MembersOf(sid) {
		if exclude != "" && m.ID == exclude {
			continue
		}
		r.send(m.Link, v)
	}
}

func (r *Relay) replyError(link Sender, msg string) {
	r.send(link, protocol.NewError(msg))
}

func (r *Relay) send(link Sender, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("marshal outbound")
		return
	}
	if err := link.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "relay").Msg("send dropped")
	}
}
