// Package tools holds the named, schema-described operations the remote model
// may request during a turn, and dispatches them by name.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ParamType is the JSON schema type of a tool parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
)

// Param declares one tool argument. Every declared parameter is required.
type Param struct {
	Name        string
	Type        ParamType
	Description string
}

// Handler runs a tool. Recoverable conditions (unknown patient, wrong code,
// no slots) belong in the returned value; a returned error is reported to the
// model as a tool fault.
type Handler func(ctx context.Context, args Args) (any, error)

// Tool is a registrable operation. Params must be non-nil (use []Param{} for a
// tool without arguments) for the tool to be eligible.
type Tool struct {
	Name        string
	Description string
	Params      []Param
	Handler     Handler
}

// Schema returns the strict JSON schema for the tool's parameters.
func (t Tool) Schema() map[string]any {
	properties := make(map[string]any, len(t.Params))
	required := make([]string, 0, len(t.Params))
	for _, p := range t.Params {
		typ := p.Type
		if typ == "" {
			typ = TypeString
		}
		prop := map[string]any{"type": string(typ)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		properties[p.Name] = prop
		required = append(required, p.Name)
	}
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}

// Definition is the model-facing description of a registered tool.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Execution statuses reported in Outcome.Status.
const (
	StatusOK               = "ok"
	StatusUnknownTool      = "unknown_tool"
	StatusInvalidArguments = "invalid_arguments"
	StatusFailed           = "failed"
	StatusPanicked         = "panicked"
)

// Outcome is the detailed result of one dispatch.
type Outcome struct {
	Output string
	Status string
	Err    error
}

// Registry maps tool names to handlers. Registering a name twice replaces the
// earlier tool (last registration wins).
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string
	logger zerolog.Logger
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger.With().Str("component", "tools").Logger(),
	}
}

// Register adds every eligible tool and returns how many were accepted.
func (r *Registry) Register(tools ...Tool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	accepted := 0
	for _, t := range tools {
		name := strings.TrimSpace(t.Name)
		if name == "" || t.Handler == nil || t.Params == nil {
			r.logger.Warn().Str("tool", name).Msg("skipping tool without name, handler or parameter schema")
			continue
		}
		t.Name = name
		if _, exists := r.tools[name]; exists {
			r.logger.Warn().Str("tool", name).Msg("tool registered twice; replacing earlier registration")
		} else {
			r.order = append(r.order, name)
		}
		r.tools[name] = t
		accepted++
	}
	return accepted
}

// Names lists registered tools in first-registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Definitions describes every registered tool for the remote model.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, Definition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Schema(),
		})
	}
	return defs
}

// Execute dispatches name with the JSON-encoded arguments and always returns
// text for the model; failures come back as {"error": "..."} payloads.
func (r *Registry) Execute(ctx context.Context, name, arguments string) string {
	return r.ExecuteDetailed(ctx, name, arguments).Output
}

func (r *Registry) ExecuteDetailed(ctx context.Context, name, arguments string) Outcome {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn().Str("tool", name).Msg("unknown tool requested")
		return failure(StatusUnknownTool, fmt.Errorf("Unknown tool: %s", name))
	}

	args, err := parseArgs(arguments)
	if err != nil {
		return failure(StatusInvalidArguments, err)
	}
	if err := validateArgs(t.Params, args); err != nil {
		return failure(StatusInvalidArguments, err)
	}

	result, err := invoke(ctx, t.Handler, args)
	if err != nil {
		status := StatusFailed
		var p *panicError
		if errors.As(err, &p) {
			status = StatusPanicked
		}
		r.logger.Error().Str("tool", name).Err(err).Msg("tool failed")
		return failure(status, err)
	}

	out, err := render(result)
	if err != nil {
		return failure(StatusFailed, err)
	}
	r.logger.Debug().Str("tool", name).Msg("tool executed")
	return Outcome{Output: out, Status: StatusOK}
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("tool panicked: %v", e.value)
}

func invoke(ctx context.Context, h Handler, args Args) (result any, err error) {
	defer func() {
		if v := recover(); v != nil {
			result = nil
			err = &panicError{value: v}
		}
	}()
	return h(ctx, args)
}

func parseArgs(raw string) (Args, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return Args{}, nil
	}
	var args Args
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if args == nil {
		args = Args{}
	}
	return args, nil
}

func validateArgs(params []Param, args Args) error {
	declared := make(map[string]struct{}, len(params))
	for _, p := range params {
		declared[p.Name] = struct{}{}
		v, ok := args[p.Name]
		if !ok || v == nil {
			return fmt.Errorf("missing required argument %q", p.Name)
		}
		if !matchesType(p.Type, v) {
			typ := p.Type
			if typ == "" {
				typ = TypeString
			}
			return fmt.Errorf("argument %q must be of type %s", p.Name, typ)
		}
	}
	var unexpected []string
	for k := range args {
		if _, ok := declared[k]; !ok {
			unexpected = append(unexpected, k)
		}
	}
	if len(unexpected) > 0 {
		sort.Strings(unexpected)
		return fmt.Errorf("unexpected argument(s): %s", strings.Join(unexpected, ", "))
	}
	return nil
}

func matchesType(typ ParamType, v any) bool {
	switch typ {
	case TypeString, "":
		_, ok := v.(string)
		return ok
	case TypeNumber:
		_, ok := v.(float64)
		return ok
	case TypeInteger:
		f, ok := v.(float64)
		return ok && f == math.Trunc(f)
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	default:
		return true
	}
}

func render(result any) (string, error) {
	switch v := result.(type) {
	case string:
		return v, nil
	case json.RawMessage:
		return string(v), nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode tool result: %w", err)
	}
	return string(b), nil
}

func failure(status string, err error) Outcome {
	return Outcome{Output: ErrorPayload(err.Error()), Status: status, Err: err}
}

// ErrorPayload renders the structured error result handed back to the model.
func ErrorPayload(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}
