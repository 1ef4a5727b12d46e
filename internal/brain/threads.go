package brain

import (
	"errors"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

const unexecutedToolOutput = `{"error":"tool call was not executed"}`

// entry is one element of a model-visible history.
type entry struct {
	Role      string
	Content   string
	CallID    string
	ToolCalls []ToolCall
}

func toEntries(items []InputItem) []entry {
	out := make([]entry, 0, len(items))
	for _, it := range items {
		switch it.Type {
		case ItemToolOutput:
			out = append(out, entry{Role: "tool", Content: it.Content, CallID: it.CallID})
		default:
			role := it.Role
			if role == "" {
				role = "user"
			}
			out = append(out, entry{Role: role, Content: it.Content})
		}
	}
	return out
}

type snapshot struct {
	conversationID string
	history        []entry
}

// threads keeps conversations (the caller dialogue) and response snapshots
// (the full model context after each response, tool exchanges included).
// Only the latest snapshot of a conversation is retained.
type threads struct {
	mu            sync.Mutex
	conversations map[string][]entry
	responses     map[string]snapshot
	latest        map[string]string
}

func newThreads() *threads {
	return &threads{
		conversations: make(map[string][]entry),
		responses:     make(map[string]snapshot),
		latest:        make(map[string]string),
	}
}

func (t *threads) create(seed []InputItem) string {
	id := "conv_" + uuid.NewString()
	t.mu.Lock()
	t.conversations[id] = toEntries(seed)
	t.mu.Unlock()
	return id
}

func (t *threads) append(conversationID string, items []InputItem) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	conv, ok := t.conversations[conversationID]
	if !ok {
		return ErrUnknownConversation
	}
	t.conversations[conversationID] = append(conv, toEntries(items)...)
	return nil
}

// prepare resolves the conversation and the history the model sees for req.
func (t *threads) prepare(req ResponseRequest) (string, []entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	input := toEntries(req.Input)
	if req.PreviousResponseID != "" {
		snap, ok := t.responses[req.PreviousResponseID]
		if !ok {
			return "", nil, ErrUnknownConversation
		}
		if _, ok := t.conversations[snap.conversationID]; !ok {
			return "", nil, ErrUnknownConversation
		}
		history := append([]entry(nil), snap.history...)
		history = closePending(history, input)
		return snap.conversationID, append(history, input...), nil
	}
	if req.ConversationID == "" {
		return "", nil, errors.New("conversation id or previous response id is required")
	}
	conv, ok := t.conversations[req.ConversationID]
	if !ok {
		return "", nil, ErrUnknownConversation
	}
	history := append([]entry(nil), conv...)
	return req.ConversationID, append(history, input...), nil
}

// closePending answers tool calls of the last model response that input does
// not answer, so the history stays well-formed.
func closePending(history, input []entry) []entry {
	last := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "assistant" {
			last = i
			break
		}
	}
	if last < 0 || len(history[last].ToolCalls) == 0 {
		return history
	}
	answered := make(map[string]struct{})
	for _, e := range history[last+1:] {
		if e.Role == "tool" {
			answered[e.CallID] = struct{}{}
		}
	}
	for _, e := range input {
		if e.Role == "tool" {
			answered[e.CallID] = struct{}{}
		}
	}
	for _, call := range history[last].ToolCalls {
		if _, ok := answered[call.CallID]; !ok {
			history = append(history, entry{Role: "tool", CallID: call.CallID, Content: unexecutedToolOutput})
		}
	}
	return history
}

// commit stores the snapshot after reply and returns the new response id.
// Final answers are also added to the conversation dialogue.
func (t *threads) commit(conversationID string, history []entry, reply entry) string {
	id := "resp_" + uuid.NewString()
	full := append(history, reply)

	t.mu.Lock()
	defer t.mu.Unlock()
	if conv, ok := t.conversations[conversationID]; ok {
		if len(reply.ToolCalls) == 0 && reply.Content != "" {
			t.conversations[conversationID] = append(conv, reply)
		}
	}
	if prev, ok := t.latest[conversationID]; ok {
		delete(t.responses, prev)
	}
	t.responses[id] = snapshot{conversationID: conversationID, history: full}
	t.latest[conversationID] = id
	return id
}

func (t *threads) drop(conversationID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conversations[conversationID]; !ok {
		return ErrUnknownConversation
	}
	delete(t.conversations, conversationID)
	if prev, ok := t.latest[conversationID]; ok {
		delete(t.responses, prev)
		delete(t.latest, conversationID)
	}
	return nil
}

// agents holds registered agent definitions by name. Re-registering a name
// bumps its version.
type agents struct {
	mu   sync.RWMutex
	defs map[string]AgentDefinition
	vers map[string]int
}

func newAgents() *agents {
	return &agents{defs: make(map[string]AgentDefinition), vers: make(map[string]int)}
}

func (a *agents) register(def AgentDefinition) (AgentRef, error) {
	if def.Name == "" {
		return AgentRef{}, errors.New("agent name is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.vers[def.Name]++
	a.defs[def.Name] = def
	return AgentRef{Name: def.Name, Version: strconv.Itoa(a.vers[def.Name])}, nil
}

func (a *agents) get(ref AgentRef) (AgentDefinition, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	def, ok := a.defs[ref.Name]
	if !ok {
		return AgentDefinition{}, ErrAgentNotRegistered
	}
	return def, nil
}
