package app

import (
	"errors"
	"sort"
	"sync"

	"github.com/dkeye/wigma-ws/internal/core"
	"github.com/dkeye/wigma-ws/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	// ErrCapacityExceeded is returned when a new room would exceed maxRooms.
	ErrCapacityExceeded = errors.New("room capacity exceeded")
	// ErrRoomFull is returned when a room already holds maxPeers connections.
	ErrRoomFull = errors.New("room peer limit reached")
)

type RoomInfo struct {
	ProjectID domain.ProjectID `json:"projectId"`
	Peers     int              `json:"peers"`
}

// RoomManager maps project ids to live sessions. It never evicts on its own:
// creation beyond maxRooms fails.
type RoomManager struct {
	mu       sync.RWMutex
	rooms    map[domain.ProjectID]*core.Session
	maxRooms int
}

func NewRoomManager(maxRooms int) *RoomManager {
	return &RoomManager{
		rooms:    make(map[domain.ProjectID]*core.Session),
		maxRooms: maxRooms,
	}
}

func (m *RoomManager) GetOrCreate(id domain.ProjectID) (*core.Session, error) {
	m.mu.RLock()
	room, ok := m.rooms[id]
	m.mu.RUnlock()
	if ok {
		return room, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok = m.rooms[id]; ok {
		return room, nil
	}
	if len(m.rooms) >= m.maxRooms {
		log.Warn().Str("module", "app.rooms").Str("project", string(id)).Int("max_rooms", m.maxRooms).Msg("room capacity exceeded")
		return nil, ErrCapacityExceeded
	}
	room = core.NewSession(id)
	m.rooms[id] = room
	log.Info().Str("module", "app.rooms").Str("project", string(id)).Int("rooms", len(m.rooms)).Msg("room created")
	return room, nil
}

func (m *RoomManager) Get(id domain.ProjectID) (*core.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[id]
	return room, ok
}

// RemoveIfEmpty deletes the room only if it has no peers. Idempotent.
func (m *RoomManager) RemoveIfEmpty(id domain.ProjectID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[id]
	if !ok || room.PeerCount() > 0 {
		return false
	}
	delete(m.rooms, id)
	log.Info().Str("module", "app.rooms").Str("project", string(id)).Msg("room removed")
	return true
}

// StopRoom deletes the room regardless of peers. Callers disconnect the
// peers themselves.
func (m *RoomManager) StopRoom(id domain.ProjectID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, id)
}

// ForEach visits a snapshot of the rooms outside the lock.
func (m *RoomManager) ForEach(fn func(*core.Session)) {
	m.mu.RLock()
	rooms := make([]*core.Session, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()
	for _, r := range rooms {
		fn(r)
	}
}

func (m *RoomManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

func (m *RoomManager) List() []RoomInfo {
	out := make([]RoomInfo, 0, m.Count())
	m.ForEach(func(s *core.Session) {
		out = append(out, RoomInfo{ProjectID: s.ID(), Peers: s.PeerCount()})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}
