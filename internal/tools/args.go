package tools

import (
	"fmt"
	"strings"
)

// Args are the decoded arguments of one tool call.
type Args map[string]any

// String returns the trimmed string argument, or "" when absent.
func (a Args) String(name string) string {
	v, ok := a[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// Int returns the numeric argument truncated to int.
func (a Args) Int(name string) int {
	if f, ok := a[name].(float64); ok {
		return int(f)
	}
	return 0
}

// Bool returns the boolean argument, false when absent.
func (a Args) Bool(name string) bool {
	b, _ := a[name].(bool)
	return b
}
