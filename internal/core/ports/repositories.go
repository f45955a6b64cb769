package ports

import (
	"context"

	"mediagate/internal/core/domain"
)

// Session is a registry entry. Implementations hold live engine handles, so
// repositories keep them in process memory only.
type Session interface {
	ID() domain.SessionID
	Snapshot() domain.SessionSnapshot
}

type SessionRepository interface {
	// GetOrCreate returns the session with the given id, calling create when it
	// does not exist yet. The bool reports whether create was called.
	GetOrCreate(ctx context.Context, id domain.SessionID, create func() (Session, error)) (Session, bool, error)
	Get(ctx context.Context, id domain.SessionID) (Session, error)
	Remove(ctx context.Context, id domain.SessionID) error
	List(ctx context.Context) ([]Session, error)
	Count() int
}
