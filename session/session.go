// Package session persists conversation sessions between turns.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/nim-assistant/core"
)

var (
	// ErrNotFound is returned for unknown or expired sessions.
	ErrNotFound = goerr.New("session not found")

	// ErrOwnerMismatch is returned when a session is resumed by another owner.
	ErrOwnerMismatch = goerr.New("session belongs to another owner")
)

// Store loads and saves sessions.
type Store interface {
	Get(ctx context.Context, id string) (*core.Session, error)
	Save(ctx context.Context, s *core.Session) error
	Delete(ctx context.Context, id string) error
}

// LoadOrCreate resumes session id for owner, or starts a new one when id is
// empty or unknown. A new session keeps the requested id.
func LoadOrCreate(ctx context.Context, store Store, id, ownerID string) (*core.Session, error) {
	if id != "" {
		s, err := store.Get(ctx, id)
		switch {
		case err == nil:
			if s.OwnerID != ownerID {
				return nil, goerr.Wrap(ErrOwnerMismatch, "cannot resume session", goerr.V("session_id", id))
			}
			return s, nil
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
	}

	s := core.NewSession(ownerID)
	if id != "" {
		s.ID = id
	}
	return s, nil
}

// Locks serialises turns per session id.
type Locks struct {
	locks sync.Map // id -> *sync.Mutex
}

// Lock blocks until the session is free and returns its unlock function.
func (l *Locks) Lock(id string) func() {
	v, _ := l.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
