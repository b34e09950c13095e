package core

import (
	"sort"
	"sync"

	"github.com/dkeye/wigma-ws/internal/domain"
	"github.com/rs/zerolog/log"
)

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	Conn     ConnID        `json:"conn"`
	UserID   domain.UserID `json:"userId"`
	JoinedAt int64         `json:"joinedAt"`
}

// Session is a threadsafe in-memory room for one project.
// It never closes adapter-owned resources.
type Session struct {
	id    domain.ProjectID
	mu    sync.RWMutex
	peers map[ConnID]*domain.Member
}

func NewSession(id domain.ProjectID) *Session {
	return &Session{
		id:    id,
		peers: make(map[ConnID]*domain.Member),
	}
}

func (s *Session) ID() domain.ProjectID { return s.id }

// AddPeer registers conn as user. It returns false if conn is already present.
func (s *Session) AddPeer(conn ConnID, user domain.UserID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[conn]; ok {
		return false
	}
	s.peers[conn] = domain.NewMember(user)
	log.Debug().Str("module", "core.session").Str("project", string(s.id)).Str("conn", string(conn)).Str("user", string(user)).Msg("peer added")
	return true
}

// RemovePeer drops conn and reports whether the session is now empty.
// Removing an absent conn is a no-op.
func (s *Session) RemovePeer(conn ConnID) (nowEmpty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[conn]; ok {
		delete(s.peers, conn)
		log.Debug().Str("module", "core.session").Str("project", string(s.id)).Str("conn", string(conn)).Msg("peer removed")
	}
	return len(s.peers) == 0
}

func (s *Session) Has(conn ConnID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.peers[conn]
	return ok
}

func (s *Session) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// PeerIDs lists the user of every peer, one entry per connection.
// A user with two tabs open appears twice.
func (s *Session) PeerIDs() []domain.UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.UserID, 0, len(s.peers))
	for _, m := range s.peers {
		out = append(out, m.UserID)
	}
	return out
}

// Conns lists connection ids in stable order.
func (s *Session) Conns() []ConnID {
	s.mu.RLock()
	out := make([]ConnID, 0, len(s.peers))
	for c := range s.peers {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Broadcast calls send once for every peer except from. An empty from
// reaches everyone. send runs outside the lock so it may call back into
// the session.
func (s *Session) Broadcast(from ConnID, payload []byte, binary bool, send SendFunc) {
	s.mu.RLock()
	targets := make([]ConnID, 0, len(s.peers))
	for c := range s.peers {
		if c == from {
			continue
		}
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	f := Frame{Data: payload, Binary: binary}
	for _, c := range targets {
		send(c, f)
	}
	log.Debug().Str("module", "core.session").Str("project", string(s.id)).Str("from", string(from)).Int("sent_to", len(targets)).Msg("broadcast")
}

func (s *Session) MembersSnapshot() []MemberDTO {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MemberDTO, 0, len(s.peers))
	for c, m := range s.peers {
		out = append(out, MemberDTO{Conn: c, UserID: m.UserID, JoinedAt: m.JoinedAt.Unix()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Conn < out[j].Conn })
	return out
}
