package session

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("session not found")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// EventHandoff marks a system turn that records a transfer between agents.
const EventHandoff = "handoff"

// Turn is one append-only history entry.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	ToolCalls []string  `json:"tool_calls,omitempty"`
	Agent     string    `json:"agent,omitempty"`
	Event     string    `json:"event,omitempty"`
	FromAgent string    `json:"from_agent,omitempty"`
	ToAgent   string    `json:"to_agent,omitempty"`
}

// PatientContext is the masked patient identity bound to a session.
type PatientContext struct {
	MRN         string     `json:"mrn"`
	Name        string     `json:"name"`
	PhoneMasked string     `json:"phone_masked"`
	DOB         string     `json:"dob"`
	VerifiedAt  *time.Time `json:"verified_at,omitempty"`
}

// Linkage ties a session to its remote conversation and the continuation
// token of the last response.
type Linkage struct {
	ConversationID string `json:"conversation_id,omitempty"`
	LastResponseID string `json:"last_response_id,omitempty"`
}

type Session struct {
	ID              string          `json:"session_id"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	Linkage         Linkage         `json:"linkage"`
	Turns           []Turn          `json:"turns"`
	Patient         *PatientContext `json:"patient,omitempty"`
	PatientVerified bool            `json:"patient_verified"`
	HandoffCount    int             `json:"handoff_count"`
	LastAgent       string          `json:"last_agent,omitempty"`
	LastToolCalls   []string        `json:"last_tool_calls,omitempty"`
}

// Summary is the listing view of a session.
type Summary struct {
	SessionID       string    `json:"session_id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	PatientMRN      string    `json:"patient_mrn,omitempty"`
	PatientVerified bool      `json:"patient_verified"`
	TurnCount       int       `json:"turn_count"`
	HandoffCount    int       `json:"handoff_count"`
}

// Store persists sessions. Mutations on an unknown or expired id create a
// fresh session first; every mutation of one session is atomic.
type Store interface {
	// Ensure returns the session, creating it when absent. created reports
	// whether this call created it.
	Ensure(ctx context.Context, id string) (s *Session, created bool, err error)
	Get(ctx context.Context, id string) (*Session, error)
	AppendTurn(ctx context.Context, id string, turn Turn) error
	SetPatientContext(ctx context.Context, id string, patient PatientContext, verified bool) error
	MarkPatientVerified(ctx context.Context, id string) error
	SetConversationLinkage(ctx context.Context, id string, link Linkage) error
	ConversationLinkage(ctx context.Context, id string) (Linkage, error)
	RecordHandoff(ctx context.Context, id, fromAgent, toAgent string) error
	ListRecent(ctx context.Context, limit int) ([]Summary, error)
	Delete(ctx context.Context, id string) error
	PurgeExpired(ctx context.Context) (int, error)
	Count(ctx context.Context) (int, error)
	Close() error
}
