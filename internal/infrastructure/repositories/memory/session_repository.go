package memory

import (
	"context"
	"sort"
	"sync"

	"mediagate/internal/core/domain"
	"mediagate/internal/core/ports"
)

type MemorySessionRepository struct {
	sessions map[domain.SessionID]ports.Session
	mu       sync.RWMutex
}

func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[domain.SessionID]ports.Session),
	}
}

// GetOrCreate returns the session stored under id, calling create under the
// repository lock when there is none. The bool result reports creation.
func (r *MemorySessionRepository) GetOrCreate(ctx context.Context, id domain.SessionID, create func() (ports.Session, error)) (ports.Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	r.mu.RLock()
	sess, exists := r.sessions[id]
	r.mu.RUnlock()
	if exists {
		return sess, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, exists := r.sessions[id]; exists {
		return sess, false, nil
	}

	sess, err := create()
	if err != nil {
		return nil, false, err
	}
	r.sessions[id] = sess
	return sess, true, nil
}

func (r *MemorySessionRepository) Get(ctx context.Context, id domain.SessionID) (ports.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, exists := r.sessions[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	return sess, nil
}

func (r *MemorySessionRepository) Remove(ctx context.Context, id domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; !exists {
		return domain.ErrSessionNotFound
	}
	delete(r.sessions, id)
	return nil
}

// List returns the sessions ordered by id.
func (r *MemorySessionRepository) List(ctx context.Context) ([]ports.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]ports.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ID() < sessions[j].ID()
	})
	return sessions, nil
}

func (r *MemorySessionRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
