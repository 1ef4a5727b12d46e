package memory

import (
	"context"
	"time"
)

// Kind classifies a long-term memory.
type Kind string

const (
	KindProfile Kind = "user_profile"
	KindSummary Kind = "chat_summary"
)

// Memory is one long-term fact about a patient. Scope is the patient MRN.
type Memory struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"`
	Kind      Kind      `json:"kind"`
	Content   string    `json:"content"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// Turn is a conversational message handed to Update.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Store persists and retrieves long-term patient memory.
type Store interface {
	// Search ranks the memories of scope against query.
	Search(ctx context.Context, scope, query string, limit int) ([]Memory, error)
	// Update extracts memories from turns and returns an update id, or "" when
	// the turns held nothing to remember.
	Update(ctx context.Context, scope string, turns []Turn) (string, error)
	Close() error
}
