// Package triage is the turn service behind every caller-facing surface: it
// keeps the session history, runs the orchestrator and folds the side effects
// of tools (verification, handoffs, memory) back into the session.
package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hamza-roujdami/clinic-voice-agent/internal/handoff"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/identity"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/memory"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/observability"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/orchestrator"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/session"
)

var ErrEmptyMessage = errors.New("message is empty")

// Session events reported on session_events_total.
const (
	EventCreated         = "created"
	EventEnded           = "ended"
	EventPatientVerified = "patient_verified"
	EventHandoff         = "handoff"
)

// Runner runs one orchestrated turn.
type Runner interface {
	Run(ctx context.Context, message, sessionID string, opts ...orchestrator.RunOption) (orchestrator.Result, error)
	AgentName() string
	Ready() bool
}

// Verifications hands over patients verified during a turn.
type Verifications interface {
	TakeLastVerified(sessionID string) (identity.Patient, bool)
	ForgetSession(sessionID string)
}

// Handoffs hands over transfers initiated during a turn.
type Handoffs interface {
	TakeTransfers(sessionID string) []handoff.Transfer
	ForgetSession(sessionID string)
}

// ConversationDeleter removes the remote conversation of an ended session.
type ConversationDeleter interface {
	DeleteConversation(ctx context.Context, conversationID string) error
}

type Deps struct {
	Sessions      session.Store
	Runner        Runner
	Verifications Verifications
	Handoffs      Handoffs
	Grounder      *memory.Grounder
	Conversations ConversationDeleter
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
	// TurnTimeout bounds one turn; zero means no limit beyond the caller's context.
	TurnTimeout time.Duration
}

// Reply is the caller-facing result of one message.
type Reply struct {
	SessionID       string   `json:"session_id"`
	Response        string   `json:"response"`
	Agent           string   `json:"agent,omitempty"`
	ToolsCalled     []string `json:"tools_called"`
	RoundTrips      int      `json:"round_trips"`
	CapReached      bool     `json:"cap_reached,omitempty"`
	PatientVerified bool     `json:"patient_verified"`
	Handoffs        []string `json:"handoffs,omitempty"`
}

type Service struct {
	sessions      session.Store
	runner        Runner
	verifications Verifications
	handoffs      Handoffs
	grounder      *memory.Grounder
	conversations ConversationDeleter
	metrics       *observability.Metrics
	logger        zerolog.Logger
	turnTimeout   time.Duration

	locks *keyedMutex
	newID func() string
}

func NewService(d Deps) *Service {
	return &Service{
		sessions:      d.Sessions,
		runner:        d.Runner,
		verifications: d.Verifications,
		handoffs:      d.Handoffs,
		grounder:      d.Grounder,
		conversations: d.Conversations,
		metrics:       d.Metrics,
		logger:        d.Logger.With().Str("component", "triage").Logger(),
		turnTimeout:   d.TurnTimeout,
		locks:         newKeyedMutex(),
		newID:         uuid.NewString,
	}
}

// Ready reports whether turns can be served.
func (s *Service) Ready() bool {
	return s.runner != nil && s.runner.Ready()
}

// HandleMessage processes one caller message. An empty sessionID starts a new
// session. Turns of one session run strictly one after another.
func (s *Service) HandleMessage(ctx context.Context, sessionID, message string) (Reply, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return Reply{}, ErrEmptyMessage
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = s.newID()
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, created, err := s.sessions.Ensure(ctx, sessionID)
	if err != nil {
		return Reply{}, fmt.Errorf("ensure session: %w", err)
	}
	if created {
		// The id may belong to an expired session whose state was not purged yet.
		s.Forget(sessionID)
		s.metrics.ObserveSessionEvent(EventCreated)
		s.refreshActive(ctx)
	}
	if err := s.sessions.AppendTurn(ctx, sessionID, session.Turn{Role: session.RoleUser, Text: message}); err != nil {
		return Reply{}, fmt.Errorf("append caller turn: %w", err)
	}

	var opts []orchestrator.RunOption
	mrn := verifiedMRN(sess)
	if mrn != "" {
		if notes := memory.Notes(s.grounder.Search(ctx, mrn, message)); len(notes) > 0 {
			opts = append(opts, orchestrator.WithGrounding(notes...))
		}
	}

	runCtx := ctx
	if s.turnTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.turnTimeout)
		defer cancel()
	}
	res, err := s.runner.Run(runCtx, message, sessionID, opts...)
	if err != nil {
		return Reply{}, fmt.Errorf("run turn: %w", err)
	}

	agent := s.runner.AgentName()
	if err := s.sessions.AppendTurn(ctx, sessionID, session.Turn{
		Role:      session.RoleAssistant,
		Text:      res.Reply,
		ToolCalls: res.ToolsCalled,
		Agent:     agent,
	}); err != nil {
		return Reply{}, fmt.Errorf("append assistant turn: %w", err)
	}

	reply := Reply{
		SessionID:       sessionID,
		Response:        res.Reply,
		Agent:           agent,
		ToolsCalled:     res.ToolsCalled,
		RoundTrips:      res.RoundTrips,
		CapReached:      res.CapReached,
		PatientVerified: mrn != "",
	}

	if p, ok := s.verifications.TakeLastVerified(sessionID); ok {
		masked := p.Mask()
		err := s.sessions.SetPatientContext(ctx, sessionID, session.PatientContext{
			MRN:         masked.MRN,
			Name:        masked.Name,
			PhoneMasked: masked.PhoneMasked,
			DOB:         masked.DOB,
		}, true)
		if err != nil {
			return reply, fmt.Errorf("store verified patient: %w", err)
		}
		s.metrics.ObserveSessionEvent(EventPatientVerified)
		s.logger.Info().Str("session_id", sessionID).Str("mrn", masked.MRN).Msg("patient verified")
		mrn = masked.MRN
		reply.PatientVerified = true
	}

	for _, t := range s.handoffs.TakeTransfers(sessionID) {
		to := "human:" + t.Department
		if err := s.sessions.RecordHandoff(ctx, sessionID, agent, to); err != nil {
			return reply, fmt.Errorf("record handoff: %w", err)
		}
		s.metrics.ObserveSessionEvent(EventHandoff)
		reply.Handoffs = append(reply.Handoffs, t.ID)
	}

	if mrn != "" {
		s.grounder.Update(ctx, mrn, []memory.Turn{
			{Role: string(session.RoleUser), Content: message},
			{Role: string(session.RoleAssistant), Content: res.Reply},
		})
	}
	return reply, nil
}

// EndSession removes the session and everything tied to it. Ending an unknown
// session is not an error.
func (s *Service) EndSession(ctx context.Context, sessionID string) error {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	link, err := s.sessions.ConversationLinkage(ctx, sessionID)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("load conversation linkage: %w", err)
	}
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.verifications.ForgetSession(sessionID)
	s.handoffs.ForgetSession(sessionID)

	if link.ConversationID != "" && s.conversations != nil {
		if err := s.conversations.DeleteConversation(ctx, link.ConversationID); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("delete remote conversation failed")
		}
	}
	s.metrics.ObserveSessionEvent(EventEnded)
	s.refreshActive(ctx)
	return nil
}

// Session returns the session without creating it.
func (s *Service) Session(ctx context.Context, sessionID string) (*session.Session, error) {
	return s.sessions.Get(ctx, sessionID)
}

// History returns the turns of a session in order.
func (s *Service) History(ctx context.Context, sessionID string) ([]session.Turn, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Turns, nil
}

func (s *Service) ListRecent(ctx context.Context, limit int) ([]session.Summary, error) {
	return s.sessions.ListRecent(ctx, limit)
}

// Forget drops per-session state held outside the store. It is the expiry hook
// of the in-memory store.
func (s *Service) Forget(sessionID string) {
	s.verifications.ForgetSession(sessionID)
	s.handoffs.ForgetSession(sessionID)
}

func (s *Service) refreshActive(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	n, err := s.sessions.Count(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Msg("count sessions")
		return
	}
	s.metrics.ActiveSessions.Set(float64(n))
}

func verifiedMRN(sess *session.Session) string {
	if sess == nil || !sess.PatientVerified || sess.Patient == nil {
		return ""
	}
	return sess.Patient.MRN
}
