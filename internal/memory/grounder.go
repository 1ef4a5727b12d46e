// Package memory provides long-term patient memory and the grounding layer
// that feeds it into turns. Grounding never fails a turn: when the store is
// missing or erroring, lookups come back empty.
package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

const defaultMaxResults = 5

// Grounder wraps a Store for the turn path.
type Grounder struct {
	store      Store
	maxResults int
	logger     zerolog.Logger
}

// NewGrounder returns a grounder over store. A nil store yields a disabled
// grounder.
func NewGrounder(store Store, maxResults int, logger zerolog.Logger) *Grounder {
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	return &Grounder{
		store:      store,
		maxResults: maxResults,
		logger:     logger.With().Str("component", "memory").Logger(),
	}
}

func (g *Grounder) Enabled() bool {
	return g != nil && g.store != nil
}

// Search returns the best memories of scope for query, or nil when memory is
// unavailable.
func (g *Grounder) Search(ctx context.Context, scope, query string) []Memory {
	if !g.Enabled() || strings.TrimSpace(scope) == "" {
		return nil
	}
	items, err := g.store.Search(ctx, scope, query, g.maxResults)
	if err != nil {
		g.logger.Warn().Err(err).Str("scope", scope).Msg("memory search failed; continuing without grounding")
		return nil
	}
	return items
}

// Update records an exchange. ok is false when memory is unavailable or the
// exchange held nothing worth storing.
func (g *Grounder) Update(ctx context.Context, scope string, turns []Turn) (updateID string, ok bool) {
	if !g.Enabled() || strings.TrimSpace(scope) == "" {
		return "", false
	}
	id, err := g.store.Update(ctx, scope, turns)
	if err != nil {
		g.logger.Warn().Err(err).Str("scope", scope).Msg("memory update failed")
		return "", false
	}
	return id, id != ""
}

// Notes renders memories as grounding lines for the model.
func Notes(items []Memory) []string {
	out := make([]string, 0, len(items))
	for _, m := range items {
		out = append(out, fmt.Sprintf("[%s] %s", m.Kind, m.Content))
	}
	return out
}
