// Package memory is an in-process store.Backend for tests and ephemeral runs.
package memory

import (
	"context"
	"sync"

	"github.com/dkeye/wigma-ws/internal/store"
)

type Store struct {
	mu        sync.Mutex
	nextID    int64
	snapshots map[string][]byte
	updates   map[string][]store.Update
	members   map[string]map[string]bool
	allowAll  bool
}

// New returns an empty store. With allowAll every access check passes.
func New(allowAll bool) *Store {
	return &Store{
		snapshots: make(map[string][]byte),
		updates:   make(map[string][]store.Update),
		members:   make(map[string]map[string]bool),
		allowAll:  allowAll,
	}
}

// Grant makes user a member of project.
func (s *Store) Grant(projectID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[projectID] == nil {
		s.members[projectID] = make(map[string]bool)
	}
	s.members[projectID][userID] = true
}

func (s *Store) GetSnapshot(ctx context.Context, projectID string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.snapshots[projectID]
	if !ok {
		return nil, false, nil
	}
	return clone(b), true, nil
}

func (s *Store) UpsertSnapshot(ctx context.Context, projectID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[projectID] = clone(data)
	return nil
}

func (s *Store) GetUpdates(ctx context.Context, projectID string, afterID int64) ([]store.Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Update
	for _, u := range s.updates[projectID] {
		if u.ID > afterID {
			out = append(out, store.Update{ID: u.ID, Data: clone(u.Data)})
		}
	}
	return out, nil
}

func (s *Store) AppendUpdate(ctx context.Context, projectID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.updates[projectID] = append(s.updates[projectID], store.Update{ID: s.nextID, Data: clone(data)})
	return nil
}

func (s *Store) LastUpdateID(ctx context.Context, projectID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ups := s.updates[projectID]
	if len(ups) == 0 {
		return 0, nil
	}
	return ups[len(ups)-1].ID, nil
}

func (s *Store) ClearUpdates(ctx context.Context, projectID string, uptoID int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []store.Update
	for _, u := range s.updates[projectID] {
		if u.ID > uptoID {
			kept = append(kept, u)
		}
	}
	removed := len(s.updates[projectID]) - len(kept)
	if len(kept) == 0 {
		delete(s.updates, projectID)
	} else {
		s.updates[projectID] = kept
	}
	return removed, nil
}

func (s *Store) CheckAccess(ctx context.Context, projectID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowAll || s.members[projectID][userID], nil
}

// UpdateCount returns the number of stored updates for project.
func (s *Store) UpdateCount(projectID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates[projectID])
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
