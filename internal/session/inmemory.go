package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore keeps sessions in process memory. Expired sessions are
// dropped lazily on access and by the janitor.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
	onExpire func(*Session)
}

func NewInMemoryStore(ttl time.Duration) *InMemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &InMemoryStore{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetExpireHook registers a callback invoked for each session the janitor purges.
func (m *InMemoryStore) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *InMemoryStore) Ensure(_ context.Context, id string) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, created := m.ensureLocked(id)
	return clone(s), created, nil
}

func (m *InMemoryStore) ensureLocked(id string) (*Session, bool) {
	now := m.now()
	if s, ok := m.sessions[id]; ok && !s.expired(now) {
		return s, false
	}
	s := newSession(id, now, m.ttl)
	m.sessions[id] = s
	return s, true
}

func (m *InMemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok || s.expired(m.now()) {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *InMemoryStore) mutate(id string, fn func(s *Session, now time.Time)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, _ := m.ensureLocked(id)
	fn(s, m.now())
}

func (m *InMemoryStore) AppendTurn(_ context.Context, id string, turn Turn) error {
	m.mutate(id, func(s *Session, now time.Time) { s.appendTurn(turn, now) })
	return nil
}

func (m *InMemoryStore) SetPatientContext(_ context.Context, id string, patient PatientContext, verified bool) error {
	m.mutate(id, func(s *Session, now time.Time) { s.setPatient(patient, verified, now) })
	return nil
}

func (m *InMemoryStore) MarkPatientVerified(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.expired(m.now()) {
		return ErrNotFound
	}
	s.markVerified(m.now())
	return nil
}

func (m *InMemoryStore) SetConversationLinkage(_ context.Context, id string, link Linkage) error {
	m.mutate(id, func(s *Session, now time.Time) { s.setLinkage(link, now) })
	return nil
}

func (m *InMemoryStore) ConversationLinkage(_ context.Context, id string) (Linkage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok || s.expired(m.now()) {
		return Linkage{}, ErrNotFound
	}
	return s.Linkage, nil
}

func (m *InMemoryStore) RecordHandoff(_ context.Context, id, fromAgent, toAgent string) error {
	m.mutate(id, func(s *Session, now time.Time) { s.recordHandoff(fromAgent, toAgent, now) })
	return nil
}

func (m *InMemoryStore) ListRecent(_ context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	now := m.now()
	out := make([]Summary, 0, len(m.sessions))
	for _, s := range m.sessions {
		if !s.expired(now) {
			out = append(out, s.summary())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *InMemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *InMemoryStore) PurgeExpired(context.Context) (int, error) {
	now := m.now()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.expired(now) {
			expired = append(expired, clone(s))
			delete(m.sessions, id)
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
	return len(expired), nil
}

func (m *InMemoryStore) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	count := 0
	for _, s := range m.sessions {
		if !s.expired(now) {
			count++
		}
	}
	return count, nil
}

func (m *InMemoryStore) Close() error { return nil }
