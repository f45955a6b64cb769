package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediagate/internal/core/domain"
	"mediagate/internal/core/ports"
)

type stubSession struct {
	id domain.SessionID
}

func (s *stubSession) ID() domain.SessionID { return s.id }

func (s *stubSession) Snapshot() domain.SessionSnapshot {
	return domain.SessionSnapshot{ID: s.id}
}

func TestMemorySessionRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("GetOrCreate creates once", func(t *testing.T) {
		repo := NewMemorySessionRepository()
		calls := 0
		create := func() (ports.Session, error) {
			calls++
			return &stubSession{id: "room-1"}, nil
		}

		first, created, err := repo.GetOrCreate(ctx, "room-1", create)
		require.NoError(t, err)
		assert.True(t, created)

		second, created, err := repo.GetOrCreate(ctx, "room-1", create)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Same(t, first, second)
		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, repo.Count())
	})

	t.Run("create error stores nothing", func(t *testing.T) {
		repo := NewMemorySessionRepository()
		boom := errors.New("boom")

		_, _, err := repo.GetOrCreate(ctx, "room-1", func() (ports.Session, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 0, repo.Count())
	})

	t.Run("Get and Remove", func(t *testing.T) {
		repo := NewMemorySessionRepository()

		_, err := repo.Get(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)

		_, _, err = repo.GetOrCreate(ctx, "room-1", func() (ports.Session, error) {
			return &stubSession{id: "room-1"}, nil
		})
		require.NoError(t, err)

		sess, err := repo.Get(ctx, "room-1")
		require.NoError(t, err)
		assert.Equal(t, domain.SessionID("room-1"), sess.ID())

		require.NoError(t, repo.Remove(ctx, "room-1"))
		assert.ErrorIs(t, repo.Remove(ctx, "room-1"), domain.ErrSessionNotFound)
		assert.Equal(t, 0, repo.Count())
	})

	t.Run("List is ordered", func(t *testing.T) {
		repo := NewMemorySessionRepository()
		for _, id := range []domain.SessionID{"c", "a", "b"} {
			id := id
			_, _, err := repo.GetOrCreate(ctx, id, func() (ports.Session, error) {
				return &stubSession{id: id}, nil
			})
			require.NoError(t, err)
		}

		sessions, err := repo.List(ctx)
		require.NoError(t, err)
		require.Len(t, sessions, 3)
		assert.Equal(t, domain.SessionID("a"), sessions[0].ID())
		assert.Equal(t, domain.SessionID("b"), sessions[1].ID())
		assert.Equal(t, domain.SessionID("c"), sessions[2].ID())
	})

	t.Run("concurrent GetOrCreate creates a single session", func(t *testing.T) {
		repo := NewMemorySessionRepository()
		var calls int32
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, err := repo.GetOrCreate(ctx, "room-1", func() (ports.Session, error) {
					atomic.AddInt32(&calls, 1)
					return &stubSession{id: "room-1"}, nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})
}
