package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process memory store for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]Memory
	now     func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string][]Memory),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) Update(_ context.Context, scope string, turns []Turn) (string, error) {
	scope = strings.ToUpper(strings.TrimSpace(scope))
	items := extract(scope, turns, s.now())
	if len(items) == 0 {
		return "", nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[scope] = append(s.records[scope], items...)
	return uuid.NewString(), nil
}

func (s *InMemoryStore) Search(_ context.Context, scope, query string, limit int) ([]Memory, error) {
	scope = strings.ToUpper(strings.TrimSpace(scope))
	s.mu.RLock()
	arr := append([]Memory(nil), s.records[scope]...)
	s.mu.RUnlock()

	for i := range arr {
		arr[i].Score = overlapScore(query, arr[i].Content)
	}
	sort.SliceStable(arr, func(i, j int) bool {
		if arr[i].Score != arr[j].Score {
			return arr[i].Score > arr[j].Score
		}
		if arr[i].Kind != arr[j].Kind {
			return arr[i].Kind == KindProfile
		}
		return arr[i].CreatedAt.After(arr[j].CreatedAt)
	})
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	return arr, nil
}

func (s *InMemoryStore) Close() error { return nil }
