package app

import (
	"sync"

	"github.com/dkeye/wigma-ws/internal/core"
	"github.com/dkeye/wigma-ws/internal/domain"
	"github.com/rs/zerolog/log"
)

// Phase is the lifecycle state of one connection.
type Phase int

const (
	Unauthenticated Phase = iota
	// Joining: token verified, access check or room admission in flight.
	Joining
	Authenticated
	Closed
)

func (p Phase) String() string {
	switch p {
	case Unauthenticated:
		return "unauthenticated"
	case Joining:
		return "joining"
	case Authenticated:
		return "authenticated"
	case Closed:
		return "closed"
	}
	return "invalid"
}

// ConnState is a copy of a connection's state. UserID and ProjectID are
// set once, when the join is admitted.
type ConnState struct {
	Phase     Phase
	UserID    domain.UserID
	ProjectID domain.ProjectID
}

type connEntry struct {
	Conn  core.Connection
	State ConnState
}

// Registry is the table of live connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[core.ConnID]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[core.ConnID]*connEntry)}
}

// Bind adds a fresh, unauthenticated connection.
func (r *Registry) Bind(c core.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID()] = &connEntry{Conn: c}
	log.Debug().Str("module", "app.registry").Str("conn", string(c.ID())).Msg("bound connection")
}

func (r *Registry) Conn(id core.ConnID) (core.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return e.Conn, true
}

func (r *Registry) State(id core.ConnID) (ConnState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return ConnState{}, false
	}
	return e.State, true
}

// SetState replaces the state of a bound connection.
func (r *Registry) SetState(id core.ConnID, st ConnState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return false
	}
	e.State = st
	log.Debug().Str("module", "app.registry").Str("conn", string(id)).Str("phase", st.Phase.String()).Msg("updated state")
	return true
}

func (r *Registry) Unbind(id core.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
	log.Debug().Str("module", "app.registry").Str("conn", string(id)).Msg("unbind connection")
}

// Conns returns every bound connection.
func (r *Registry) Conns() []core.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Connection, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, e.Conn)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CountByPhase returns the number of connections in each phase.
func (r *Registry) CountByPhase() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, 4)
	for _, e := range r.conns {
		out[e.State.Phase.String()]++
	}
	return out
}
