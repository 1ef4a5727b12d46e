package memory

import (
	"context"
	"strings"
)

// NewStore picks the memory backend: none when disabled, Postgres when a
// database URL is configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string, enabled bool) (Store, error) {
	if !enabled {
		return nil, nil
	}
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	pg, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	return pg, nil
}
