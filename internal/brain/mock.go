package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
)

var (
	mrnPattern   = regexp.MustCompile(`(?i)\bMRN-?\d{3,}\b`)
	phonePattern = regexp.MustCompile(`\+\d{9,15}`)
	codePattern  = regexp.MustCompile(`\b\d{6}\b`)
)

var specialtyKeywords = []struct{ keyword, specialty string }{
	{"cardio", "Cardiology"},
	{"heart", "Cardiology"},
	{"ortho", "Orthopedics"},
	{"bone", "Orthopedics"},
	{"derma", "Dermatology"},
	{"skin", "Dermatology"},
	{"pediatric", "Pediatrics"},
	{"child", "Pediatrics"},
	{"general", "General Medicine"},
}

// MockService is a deterministic rule-based brain for offline use. It picks at
// most one tool per caller message from keywords and summarises tool output.
type MockService struct {
	agents  *agents
	threads *threads
	calls   atomic.Int64
}

func NewMockService() *MockService {
	return &MockService{agents: newAgents(), threads: newThreads()}
}

func (m *MockService) RegisterAgent(_ context.Context, def AgentDefinition) (AgentRef, error) {
	return m.agents.register(def)
}

func (m *MockService) CreateConversation(_ context.Context, seed []InputItem) (string, error) {
	return m.threads.create(seed), nil
}

func (m *MockService) AppendItems(_ context.Context, conversationID string, items []InputItem) error {
	return m.threads.append(conversationID, items)
}

func (m *MockService) DeleteConversation(_ context.Context, conversationID string) error {
	return m.threads.drop(conversationID)
}

func (m *MockService) Respond(ctx context.Context, req ResponseRequest) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	agent, err := m.agents.get(req.Agent)
	if err != nil {
		return nil, err
	}
	conversationID, history, err := m.threads.prepare(req)
	if err != nil {
		return nil, err
	}

	reply := m.decide(agent, history)
	id := m.threads.commit(conversationID, history, reply)
	return &Response{
		ID:             id,
		ConversationID: conversationID,
		OutputText:     reply.Content,
		ToolCalls:      reply.ToolCalls,
	}, nil
}

func (m *MockService) decide(agent AgentDefinition, history []entry) entry {
	if len(history) == 0 {
		return entry{Role: "assistant", Content: greeting}
	}
	if history[len(history)-1].Role == "tool" {
		return entry{Role: "assistant", Content: summariseToolOutputs(history)}
	}

	text := lastUserText(history)
	available := make(map[string]bool, len(agent.Tools))
	for _, t := range agent.Tools {
		available[t.Name] = true
	}
	call := func(name string, args map[string]string) entry {
		if !available[name] {
			return entry{Role: "assistant", Content: greeting}
		}
		raw, _ := json.Marshal(args)
		id := fmt.Sprintf("call_mock_%d", m.calls.Add(1))
		return entry{Role: "assistant", ToolCalls: []ToolCall{{CallID: id, Name: name, Arguments: string(raw)}}}
	}

	lower := strings.ToLower(text)
	knownMRN := lastMRN(history)
	switch {
	case codePattern.MatchString(text) && knownMRN != "":
		return call("verify_code", map[string]string{"patient_mrn": knownMRN, "otp_code": codePattern.FindString(text)})
	case mrnPattern.MatchString(text):
		return call("lookup_patient", map[string]string{"identifier": normalizeMRN(mrnPattern.FindString(text))})
	case phonePattern.MatchString(text):
		return call("lookup_patient", map[string]string{"identifier": phonePattern.FindString(text)})
	case containsAny(lower, "human", "agent", "transfer", "representative", "real person"):
		return call("initiate_human_transfer", map[string]string{
			"reason":               "Caller asked to speak with a person",
			"department":           "general",
			"priority":             "normal",
			"conversation_summary": text,
		})
	case containsAny(lower, "code", "verify") && knownMRN != "":
		return call("issue_code", map[string]string{"patient_mrn": knownMRN})
	case containsAny(lower, "appointment", "history", "booking") && knownMRN != "":
		return call("get_appointment_history", map[string]string{"patient_mrn": knownMRN})
	}
	for _, k := range specialtyKeywords {
		if strings.Contains(lower, k.keyword) {
			return call("search_doctors", map[string]string{"specialty": k.specialty})
		}
	}
	return entry{Role: "assistant", Content: greeting}
}

const greeting = "I can help you look up your record, verify your identity, manage appointments or connect you with a staff member. How can I help?"

func summariseToolOutputs(history []entry) string {
	var outputs []string
	for i := len(history) - 1; i >= 0 && history[i].Role == "tool"; i-- {
		outputs = append([]string{history[i].Content}, outputs...)
	}
	return "Here is what I found:\n" + strings.Join(outputs, "\n")
}

func lastUserText(history []entry) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			return history[i].Content
		}
	}
	return ""
}

func lastMRN(history []entry) string {
	for i := len(history) - 1; i >= 0; i-- {
		if found := mrnPattern.FindString(history[i].Content); found != "" {
			return normalizeMRN(found)
		}
		for _, c := range history[i].ToolCalls {
			if found := mrnPattern.FindString(c.Arguments); found != "" {
				return normalizeMRN(found)
			}
		}
	}
	return ""
}

func normalizeMRN(raw string) string {
	upper := strings.ToUpper(raw)
	if !strings.HasPrefix(upper, "MRN-") {
		upper = "MRN-" + strings.TrimPrefix(upper, "MRN")
	}
	return upper
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
