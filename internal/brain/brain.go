// Package brain is the client side of the remote conversational service: it
// holds registered agents, conversations and response chains and produces
// model responses that may request tool calls.
package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

var (
	// ErrUnknownConversation is returned when a conversation or response id is
	// no longer known to the service.
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrAgentNotRegistered  = errors.New("agent not registered")
)

// ToolSpec describes a callable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// AgentDefinition is the model-side agent: instructions plus tool catalogue.
type AgentDefinition struct {
	Name         string
	Model        string
	Instructions string
	Tools        []ToolSpec
}

// AgentRef identifies a registered agent version.
type AgentRef struct {
	Name    string
	Version string
}

type ItemType string

const (
	ItemMessage    ItemType = "message"
	ItemToolOutput ItemType = "function_call_output"
)

// InputItem is one element sent to the service: a message or a tool result
// correlated by CallID.
type InputItem struct {
	Type    ItemType
	Role    string
	Content string
	CallID  string
}

func UserMessage(text string) InputItem {
	return InputItem{Type: ItemMessage, Role: "user", Content: text}
}

// SystemNote is a system-role message, used for grounding context.
func SystemNote(text string) InputItem {
	return InputItem{Type: ItemMessage, Role: "system", Content: text}
}

func ToolOutput(callID, output string) InputItem {
	return InputItem{Type: ItemToolOutput, CallID: callID, Content: output}
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	CallID    string
	Name      string
	Arguments string
}

type Response struct {
	ID             string
	ConversationID string
	OutputText     string
	ToolCalls      []ToolCall
}

// ResponseRequest asks for a response either from the current state of a
// conversation or chained from a previous response.
type ResponseRequest struct {
	Agent              AgentRef
	ConversationID     string
	PreviousResponseID string
	Input              []InputItem
}

type Service interface {
	RegisterAgent(ctx context.Context, def AgentDefinition) (AgentRef, error)
	CreateConversation(ctx context.Context, seed []InputItem) (string, error)
	AppendItems(ctx context.Context, conversationID string, items []InputItem) error
	Respond(ctx context.Context, req ResponseRequest) (*Response, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}

// Config controls service construction.
type Config struct {
	Mode        string
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxRetries  int
}

func NewService(cfg Config, logger zerolog.Logger) (Service, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.APIKey) == "" {
			logger.Info().Msg("no OpenAI credentials configured; using mock brain")
			return NewMockService(), nil
		}
		return NewOpenAIService(cfg, logger), nil
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("openai API key is required for openai mode")
		}
		return NewOpenAIService(cfg, logger), nil
	case "mock":
		return NewMockService(), nil
	default:
		return nil, fmt.Errorf("unsupported brain mode %q", cfg.Mode)
	}
}
