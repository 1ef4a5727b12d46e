package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/hamza-roujdami/clinic-voice-agent/internal/reliability"
)

const (
	defaultModel      = "gpt-4o-mini"
	retryBackoffBase  = 250 * time.Millisecond
	retryBackoffLimit = 4 * time.Second
)

// OpenAIService implements Service on top of chat completions with function
// tools. Conversation state lives in this process; the model is stateless.
type OpenAIService struct {
	client      *openai.Client
	model       string
	temperature float32
	maxRetries  int
	backoffBase time.Duration
	logger      zerolog.Logger

	agents  *agents
	threads *threads
}

func NewOpenAIService(cfg Config, logger zerolog.Logger) *OpenAIService {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.BaseURL = strings.TrimRight(base, "/")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	return &OpenAIService{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		temperature: cfg.Temperature,
		maxRetries:  max(cfg.MaxRetries, 0),
		backoffBase: retryBackoffBase,
		logger:      logger.With().Str("component", "brain").Str("provider", "openai").Logger(),
		agents:      newAgents(),
		threads:     newThreads(),
	}
}

func (s *OpenAIService) RegisterAgent(_ context.Context, def AgentDefinition) (AgentRef, error) {
	if def.Model == "" {
		def.Model = s.model
	}
	ref, err := s.agents.register(def)
	if err != nil {
		return AgentRef{}, err
	}
	s.logger.Info().Str("agent", ref.Name).Str("version", ref.Version).Int("tools", len(def.Tools)).Msg("agent registered")
	return ref, nil
}

func (s *OpenAIService) CreateConversation(_ context.Context, seed []InputItem) (string, error) {
	return s.threads.create(seed), nil
}

func (s *OpenAIService) AppendItems(_ context.Context, conversationID string, items []InputItem) error {
	return s.threads.append(conversationID, items)
}

func (s *OpenAIService) DeleteConversation(_ context.Context, conversationID string) error {
	return s.threads.drop(conversationID)
}

func (s *OpenAIService) Respond(ctx context.Context, req ResponseRequest) (*Response, error) {
	agent, err := s.agents.get(req.Agent)
	if err != nil {
		return nil, err
	}
	conversationID, history, err := s.threads.prepare(req)
	if err != nil {
		return nil, err
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       agent.Model,
		Messages:    toChatMessages(agent.Instructions, history),
		Tools:       toChatTools(agent.Tools),
		Temperature: s.temperature,
	}
	resp, err := s.complete(ctx, chatReq)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai returned no choices")
	}

	msg := resp.Choices[0].Message
	reply := entry{Role: "assistant", Content: msg.Content, ToolCalls: fromChatToolCalls(msg.ToolCalls)}
	id := s.threads.commit(conversationID, history, reply)
	return &Response{
		ID:             id,
		ConversationID: conversationID,
		OutputText:     msg.Content,
		ToolCalls:      reply.ToolCalls,
	}, nil
}

func (s *OpenAIService) complete(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	for attempt := 0; ; attempt++ {
		resp, err := s.client.CreateChatCompletion(ctx, req)
		if err == nil {
			return resp, nil
		}
		if attempt >= s.maxRetries || !reliability.IsRetryableBrainError(err) {
			return openai.ChatCompletionResponse{}, fmt.Errorf("chat completion: %w", err)
		}
		wait := reliability.ExponentialBackoff(attempt, s.backoffBase, retryBackoffLimit)
		s.logger.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", wait).Msg("retrying chat completion")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return openai.ChatCompletionResponse{}, ctx.Err()
		case <-timer.C:
		}
	}
}

func toChatMessages(instructions string, history []entry) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if strings.TrimSpace(instructions) != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: instructions})
	}
	for _, e := range history {
		switch e.Role {
		case "tool":
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    e.Content,
				ToolCallID: e.CallID,
			})
		case "assistant":
			m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: e.Content}
			for _, c := range e.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:       c.CallID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: c.Name, Arguments: c.Arguments},
				})
			}
			msgs = append(msgs, m)
		case "system", "developer":
			msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: e.Content})
		default:
			msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: e.Content})
		}
	}
	return msgs
}

func toChatTools(specs []ToolSpec) []openai.Tool {
	if len(specs) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(specs))
	for _, spec := range specs {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.Parameters,
			},
		})
	}
	return out
}

func fromChatToolCalls(calls []openai.ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, ToolCall{CallID: c.ID, Name: c.Function.Name, Arguments: c.Function.Arguments})
	}
	return out
}
