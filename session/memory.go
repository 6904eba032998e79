package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/nim-assistant/core"
)

// MemoryStore keeps sessions in process. Sessions are stored encoded so
// callers never share state with the store.
type MemoryStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]memoryEntry
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store whose sessions expire ttl after their last
// save. A ttl <= 0 never expires.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]memoryEntry),
	}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*core.Session, error) {
	m.mu.Lock()
	entry, ok := m.sessions[id]
	if ok && !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt) {
		delete(m.sessions, id)
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	var s core.Session
	if err := json.Unmarshal(entry.data, &s); err != nil {
		return nil, goerr.Wrap(err, "failed to decode session", goerr.V("session_id", id))
	}
	return &s, nil
}

func (m *MemoryStore) Save(ctx context.Context, s *core.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return goerr.Wrap(err, "failed to encode session", goerr.V("session_id", s.ID))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	entry := memoryEntry{data: data}
	if m.ttl > 0 {
		entry.expiresAt = m.now().Add(m.ttl)
	}
	m.sessions[s.ID] = entry
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}
