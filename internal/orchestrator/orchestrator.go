// Package orchestrator runs one caller turn against the remote conversational
// service: it keeps the session linked to its remote conversation and drives
// the bounded tool loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hamza-roujdami/clinic-voice-agent/internal/brain"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/observability"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/policy"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/session"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/sessionctx"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/tools"
)

const DefaultMaxRoundTrips = 30

// Exit reasons logged when the tool loop ends.
const (
	ExitCompleted  = "completed"
	ExitCapReached = "cap_reached"
)

var ErrNotStarted = errors.New("orchestrator not started")

// Dispatcher executes tool calls by name.
type Dispatcher interface {
	ExecuteDetailed(ctx context.Context, name, arguments string) tools.Outcome
	Definitions() []tools.Definition
}

// LinkageStore records which remote conversation a session continues.
type LinkageStore interface {
	ConversationLinkage(ctx context.Context, sessionID string) (session.Linkage, error)
	SetConversationLinkage(ctx context.Context, sessionID string, link session.Linkage) error
}

type Config struct {
	AgentName     string
	Model         string
	Instructions  string
	MaxRoundTrips int
}

// Result is the outcome of one turn.
type Result struct {
	Reply          string
	ConversationID string
	ResponseID     string
	ToolsCalled    []string
	RoundTrips     int
	CapReached     bool
}

type runOptions struct {
	grounding []string
}

type RunOption func(*runOptions)

// WithGrounding adds context notes (long-term memory) ahead of the caller
// message.
func WithGrounding(notes ...string) RunOption {
	return func(o *runOptions) {
		for _, n := range notes {
			if strings.TrimSpace(n) != "" {
				o.grounding = append(o.grounding, n)
			}
		}
	}
}

type Orchestrator struct {
	cfg     Config
	brain   brain.Service
	tools   Dispatcher
	links   LinkageStore
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu    sync.RWMutex
	agent brain.AgentRef
	ready bool
}

func New(cfg Config, svc brain.Service, dispatcher Dispatcher, links LinkageStore, metrics *observability.Metrics, logger zerolog.Logger) *Orchestrator {
	if cfg.MaxRoundTrips <= 0 {
		cfg.MaxRoundTrips = DefaultMaxRoundTrips
	}
	if cfg.Instructions == "" {
		cfg.Instructions = DefaultInstructions
	}
	return &Orchestrator{
		cfg:     cfg,
		brain:   svc,
		tools:   dispatcher,
		links:   links,
		metrics: metrics,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Start registers the agent with its tool catalogue. It must succeed before Run.
func (o *Orchestrator) Start(ctx context.Context) error {
	defs := o.tools.Definitions()
	specs := make([]brain.ToolSpec, 0, len(defs))
	for _, d := range defs {
		specs = append(specs, brain.ToolSpec{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	started := time.Now()
	ref, err := o.brain.RegisterAgent(ctx, brain.AgentDefinition{
		Name:         o.cfg.AgentName,
		Model:        o.cfg.Model,
		Instructions: o.cfg.Instructions,
		Tools:        specs,
	})
	o.metrics.ObserveBrainRequest("register_agent", err, time.Since(started))
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}

	o.mu.Lock()
	o.agent = ref
	o.ready = true
	o.mu.Unlock()
	o.logger.Info().Str("agent", ref.Name).Str("version", ref.Version).Int("tools", len(specs)).Msg("agent ready")
	return nil
}

// Ready reports whether Start succeeded.
func (o *Orchestrator) Ready() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.ready
}

// AgentName is the registered agent name recorded on assistant turns.
func (o *Orchestrator) AgentName() string {
	return o.cfg.AgentName
}

// Run processes message for sessionID. The caller must serialise turns of
// one session.
func (o *Orchestrator) Run(ctx context.Context, message, sessionID string, opts ...RunOption) (Result, error) {
	o.mu.RLock()
	agent, ready := o.agent, o.ready
	o.mu.RUnlock()
	if !ready {
		return Result{}, ErrNotStarted
	}
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}

	started := time.Now()
	ctx = sessionctx.With(ctx, sessionID)
	log := o.logger.With().Str("session_id", sessionID).Logger()
	log.Info().Str("message", policy.LogPreview(message, 120)).Msg("turn started")

	res, err := o.run(ctx, agent, message, sessionID, ro, log)
	elapsed := time.Since(started)
	if err != nil {
		o.metrics.ObserveTurn(observability.OutcomeError, elapsed, res.RoundTrips)
		log.Error().Err(err).Int("round_trips", res.RoundTrips).Msg("turn failed")
		return res, err
	}

	outcome, exit := observability.OutcomeCompleted, ExitCompleted
	if res.CapReached {
		outcome, exit = observability.OutcomeCapReached, ExitCapReached
		log.Warn().
			Str("exit_reason", exit).
			Int("round_trips", res.RoundTrips).
			Strs("tools_called", res.ToolsCalled).
			Msg("tool loop cap reached; returning last response")
	} else {
		log.Info().
			Str("exit_reason", exit).
			Int("round_trips", res.RoundTrips).
			Strs("tools_called", res.ToolsCalled).
			Dur("elapsed", elapsed).
			Msg("turn completed")
	}
	o.metrics.ObserveTurn(outcome, elapsed, res.RoundTrips)
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, agent brain.AgentRef, message, sessionID string, ro runOptions, log zerolog.Logger) (Result, error) {
	link, err := o.links.ConversationLinkage(ctx, sessionID)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return Result{}, fmt.Errorf("load conversation linkage: %w", err)
	}

	input := make([]brain.InputItem, 0, len(ro.grounding)+1)
	for _, note := range ro.grounding {
		input = append(input, brain.SystemNote("Known patient context: "+note))
	}
	input = append(input, brain.UserMessage(message))

	res := Result{ToolsCalled: []string{}}
	resp, link, err := o.open(ctx, agent, link, input, log)
	if err != nil {
		o.saveLinkage(ctx, sessionID, link, log)
		return res, err
	}
	res.RoundTrips = 1
	res.ConversationID = link.ConversationID

	for len(resp.ToolCalls) > 0 {
		if res.RoundTrips >= o.cfg.MaxRoundTrips {
			res.CapReached = true
			break
		}
		outputs := make([]brain.InputItem, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			res.ToolsCalled = append(res.ToolsCalled, call.Name)
			outputs = append(outputs, brain.ToolOutput(call.CallID, o.execute(ctx, call, log)))
		}

		next, err := o.respond(ctx, "submit_tool_outputs", brain.ResponseRequest{
			Agent:              agent,
			PreviousResponseID: resp.ID,
			Input:              outputs,
		})
		if err != nil {
			o.saveLinkage(ctx, sessionID, link, log)
			return res, fmt.Errorf("submit tool outputs: %w", err)
		}
		resp = next
		res.RoundTrips++
	}

	link.LastResponseID = resp.ID
	if resp.ConversationID != "" {
		link.ConversationID = resp.ConversationID
	}
	if err := o.links.SetConversationLinkage(ctx, sessionID, link); err != nil {
		return res, fmt.Errorf("save conversation linkage: %w", err)
	}

	res.Reply = resp.OutputText
	res.ConversationID = link.ConversationID
	res.ResponseID = resp.ID
	return res, nil
}

// open sends the caller input: into a new conversation when there is no
// linkage, otherwise appended to the linked conversation and chained from the
// last response. A conversation the service no longer knows is replaced.
func (o *Orchestrator) open(ctx context.Context, agent brain.AgentRef, link session.Linkage, input []brain.InputItem, log zerolog.Logger) (*brain.Response, session.Linkage, error) {
	if link.ConversationID != "" {
		resp, err := o.continueConversation(ctx, agent, link, input)
		if err == nil {
			return resp, link, nil
		}
		if !errors.Is(err, brain.ErrUnknownConversation) {
			return nil, link, err
		}
		log.Warn().Str("conversation_id", link.ConversationID).Msg("linked conversation unknown to service; starting a new one")
	}

	started := time.Now()
	conversationID, err := o.brain.CreateConversation(ctx, input)
	o.metrics.ObserveBrainRequest("create_conversation", err, time.Since(started))
	if err != nil {
		return nil, link, fmt.Errorf("create conversation: %w", err)
	}
	link = session.Linkage{ConversationID: conversationID}

	resp, err := o.respond(ctx, "respond", brain.ResponseRequest{Agent: agent, ConversationID: conversationID})
	if err != nil {
		return nil, link, fmt.Errorf("respond: %w", err)
	}
	return resp, link, nil
}

func (o *Orchestrator) continueConversation(ctx context.Context, agent brain.AgentRef, link session.Linkage, input []brain.InputItem) (*brain.Response, error) {
	caller := input[len(input)-1:]
	appendItems := caller
	if link.LastResponseID == "" {
		appendItems = input
	}
	started := time.Now()
	err := o.brain.AppendItems(ctx, link.ConversationID, appendItems)
	o.metrics.ObserveBrainRequest("append_items", err, time.Since(started))
	if err != nil {
		return nil, err
	}

	if link.LastResponseID == "" {
		return o.respond(ctx, "respond", brain.ResponseRequest{Agent: agent, ConversationID: link.ConversationID})
	}
	return o.respond(ctx, "respond", brain.ResponseRequest{
		Agent:              agent,
		PreviousResponseID: link.LastResponseID,
		Input:              input,
	})
}

func (o *Orchestrator) respond(ctx context.Context, op string, req brain.ResponseRequest) (*brain.Response, error) {
	started := time.Now()
	resp, err := o.brain.Respond(ctx, req)
	o.metrics.ObserveBrainRequest(op, err, time.Since(started))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (o *Orchestrator) execute(ctx context.Context, call brain.ToolCall, log zerolog.Logger) string {
	started := time.Now()
	out := o.tools.ExecuteDetailed(ctx, call.Name, call.Arguments)
	elapsed := time.Since(started)
	o.metrics.ObserveToolCall(call.Name, out.Status, elapsed)

	ev := log.Debug()
	if out.Err != nil {
		ev = log.Warn().Err(out.Err)
	}
	ev.Str("tool", call.Name).
		Str("call_id", call.CallID).
		Str("status", out.Status).
		Dur("elapsed", elapsed).
		Msg("tool executed")
	return out.Output
}

// saveLinkage keeps a newly created conversation linked after a failed turn
// so the next turn continues it instead of starting over.
func (o *Orchestrator) saveLinkage(ctx context.Context, sessionID string, link session.Linkage, log zerolog.Logger) {
	if link.ConversationID == "" {
		return
	}
	if err := o.links.SetConversationLinkage(context.WithoutCancel(ctx), sessionID, link); err != nil {
		log.Warn().Err(err).Msg("save conversation linkage after failure")
	}
}
