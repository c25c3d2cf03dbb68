package relay

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/parley/internal/domain"
)

type connection struct {
	id      domain.ConnID
	session domain.SessionID // empty until join
	user    domain.User
	link    Sender
}

// MemberSnap is a read-only view of one session member, safe to use outside
// the store's lock.
type MemberSnap struct {
	ID   domain.ConnID
	User domain.User
	Link Sender
}

// Store owns the connection and session tables. It is injected into the
// Relay so independent relay instances can coexist. A session with no
// members is removed as part of the same mutation that emptied it.
type Store struct {
	mu       sync.RWMutex
	conns    map[domain.ConnID]*connection
	sessions map[domain.SessionID]map[domain.ConnID]struct{}
}

func NewStore() *Store {
	return &Store{
		conns:    make(map[domain.ConnID]*connection),
		sessions: make(map[domain.SessionID]map[domain.ConnID]struct{}),
	}
}

func (s *Store) Add(id domain.ConnID, user domain.User, link Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[id] = &connection{id: id, user: user, link: link}
	log.Info().Str("module", "relay.store").Str("conn", string(id)).Msg("connection registered")
}

// Remove drops the connection entirely, leaving its session first if it had
// one. Safe to call for an unknown id.
func (s *Store) Remove(id domain.ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[id]; ok {
		s.detachLocked(c)
	}
	delete(s.conns, id)
	log.Info().Str("module", "relay.store").Str("conn", string(id)).Msg("connection removed")
}

// JoinSession moves the connection into sid, creating the session if absent.
// A prior membership is left implicitly so a connection never belongs to two
// sessions at once. Returns the session left, if any.
func (s *Store) JoinSession(id domain.ConnID, sid domain.SessionID) (prev domain.SessionID, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, found := s.conns[id]
	if !found {
		return "", false
	}
	prev = c.session
	s.detachLocked(c)
	members, exists := s.sessions[sid]
	if !exists {
		members = make(map[domain.ConnID]struct{})
		s.sessions[sid] = members
		log.Info().Str("module", "relay.store").Str("session", string(sid)).Msg("session created")
	}
	members[id] = struct{}{}
	c.session = sid
	return prev, true
}

// LeaveSession clears the connection's session slot. No-op without one.
func (s *Store) LeaveSession(id domain.ConnID) (domain.SessionID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, found := s.conns[id]
	if !found || c.session == "" {
		return "", false
	}
	sid := c.session
	s.detachLocked(c)
	return sid, true
}

func (s *Store) detachLocked(c *connection) {
	if c.session == "" {
		return
	}
	if members, ok := s.sessions[c.session]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(s.sessions, c.session)
			log.Info().Str("module", "relay.store").Str("session", string(c.session)).Msg("session removed, no members left")
		}
	}
	c.session = ""
}

func (s *Store) SetUser(id domain.ConnID, user domain.User) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, found := s.conns[id]
	if !found {
		return false
	}
	c.user = user
	return true
}

// Get returns a snapshot of one connection.
func (s *Store) Get(id domain.ConnID) (MemberSnap, domain.SessionID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, found := s.conns[id]
	if !found {
		return MemberSnap{}, "", false
	}
	return MemberSnap{ID: c.id, User: c.user, Link: c.link}, c.session, true
}

// MembersOf snapshots the membership of a session so callers can fan out
// without holding the lock.
func (s *Store) MembersOf(sid domain.SessionID) []MemberSnap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members, ok := s.sessions[sid]
	if !ok {
		return nil
	}
	out := make([]MemberSnap, 0, len(members))
	for id := range members {
		if c, found := s.conns[id]; found {
			out = append(out, MemberSnap{ID: c.id, User: c.user, Link: c.link})
		}
	}
	return out
}

// SessionExists reports whether sid currently has members.
func (s *Store) SessionExists(sid domain.SessionID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[sid]
	return ok
}

func (s *Store) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}
