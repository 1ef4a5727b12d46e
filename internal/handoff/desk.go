// Package handoff simulates warm transfers of a caller to the human call
// centre queues.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hamza-roujdami/clinic-voice-agent/internal/sessionctx"
)

const DefaultDepartment = "general"

var ErrTransferNotFound = errors.New("transfer not found")

type Status string

const (
	StatusPending    Status = "pending"
	StatusInQueue    Status = "in_queue"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
)

var progression = []Status{StatusPending, StatusInQueue, StatusConnecting, StatusConnected}

type QueueStats struct {
	AgentsAvailable int
	AvgWait         time.Duration
}

// DefaultQueues are the mock ACD statistics per department.
func DefaultQueues() map[string]QueueStats {
	return map[string]QueueStats{
		"general":    {AgentsAvailable: 3, AvgWait: 120 * time.Second},
		"scheduling": {AgentsAvailable: 2, AvgWait: 90 * time.Second},
		"billing":    {AgentsAvailable: 1, AvgWait: 180 * time.Second},
		"emergency":  {AgentsAvailable: 5, AvgWait: 30 * time.Second},
	}
}

type Transfer struct {
	ID              string        `json:"transfer_id"`
	SessionID       string        `json:"session_id,omitempty"`
	Department      string        `json:"department"`
	Reason          string        `json:"reason"`
	Priority        string        `json:"priority"`
	Summary         string        `json:"summary"`
	Status          Status        `json:"status"`
	InitiatedAt     time.Time     `json:"initiated_at"`
	EstimatedWait   time.Duration `json:"estimated_wait"`
	AgentsAvailable int           `json:"agents_available"`
}

type Option func(*Desk)

// WithRand makes status progression and queue positions deterministic.
func WithRand(r *rand.Rand) Option {
	return func(d *Desk) { d.rng = r }
}

func WithClock(now func() time.Time) Option {
	return func(d *Desk) { d.now = now }
}

func WithQueues(queues map[string]QueueStats) Option {
	return func(d *Desk) { d.queues = queues }
}

// Desk tracks transfers and the handoffs each session produced but the turn
// layer has not yet recorded.
type Desk struct {
	mu        sync.Mutex
	queues    map[string]QueueStats
	transfers map[string]*Transfer
	pending   map[string][]Transfer
	rng       *rand.Rand
	now       func() time.Time
	logger    zerolog.Logger
}

func NewDesk(logger zerolog.Logger, opts ...Option) *Desk {
	d := &Desk{
		queues:    DefaultQueues(),
		transfers: make(map[string]*Transfer),
		pending:   make(map[string][]Transfer),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
		logger:    logger.With().Str("component", "handoff").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Queue resolves department to a known queue, falling back to general.
func (d *Desk) Queue(department string) (string, QueueStats) {
	dept := strings.ToLower(strings.TrimSpace(department))
	if q, ok := d.queues[dept]; ok {
		return dept, q
	}
	return DefaultDepartment, d.queues[DefaultDepartment]
}

// Initiate opens a transfer for the session bound to ctx. High priority halves
// the expected wait, never below 30 seconds.
func (d *Desk) Initiate(ctx context.Context, reason, department, priority, summary string) Transfer {
	dept, q := d.Queue(department)
	priority = strings.ToLower(strings.TrimSpace(priority))
	if priority != "high" {
		priority = "normal"
	}
	wait := q.AvgWait
	if priority == "high" {
		wait = max(30*time.Second, wait/2)
	}
	sessionID, _ := sessionctx.From(ctx)

	d.mu.Lock()
	t := Transfer{
		ID:              d.newIDLocked(),
		SessionID:       sessionID,
		Department:      dept,
		Reason:          reason,
		Priority:        priority,
		Summary:         summary,
		Status:          StatusPending,
		InitiatedAt:     d.now().UTC(),
		EstimatedWait:   wait,
		AgentsAvailable: q.AgentsAvailable,
	}
	stored := t
	d.transfers[t.ID] = &stored
	if sessionID != "" {
		d.pending[sessionID] = append(d.pending[sessionID], t)
	}
	d.mu.Unlock()

	d.logger.Info().
		Str("transfer_id", t.ID).
		Str("session_id", sessionID).
		Str("department", dept).
		Str("priority", priority).
		Msg("human transfer initiated")
	return t
}

// Status advances the simulated transfer with probability one half and
// returns it with a queue position for in-queue transfers.
func (d *Desk) Status(id string) (Transfer, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.transfers[strings.ToUpper(strings.TrimSpace(id))]
	if !ok {
		return Transfer{}, 0, ErrTransferNotFound
	}
	for i, s := range progression {
		if s == t.Status && i < len(progression)-1 && d.rng.Float64() > 0.5 {
			t.Status = progression[i+1]
			break
		}
	}
	position := 0
	if t.Status == StatusInQueue {
		position = d.rng.Intn(3) + 1
	}
	return *t, position, nil
}

// TakeTransfers returns and clears the transfers initiated in sessionID since
// the last call.
func (d *Desk) TakeTransfers(sessionID string) []Transfer {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.pending[sessionID]
	delete(d.pending, sessionID)
	return out
}

// ForgetSession drops pending handoffs of a closed session.
func (d *Desk) ForgetSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, sessionID)
}

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func (d *Desk) newIDLocked() string {
	for {
		b := make([]byte, 6)
		for i := range b {
			b[i] = idAlphabet[d.rng.Intn(len(idAlphabet))]
		}
		id := "TRX-" + string(b)
		if _, exists := d.transfers[id]; !exists {
			return id
		}
	}
}

func formatWait(wait time.Duration) string {
	secs := int(wait / time.Second)
	if secs >= 60 {
		return fmt.Sprintf("%d minute(s)", secs/60)
	}
	return fmt.Sprintf("%d seconds", secs)
}
