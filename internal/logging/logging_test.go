package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewWithWriter(&buf, "debug", "json"), "orchestrator")
	logger.Info().Str("session_id", "s1").Msg("turn completed")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if line["component"] != "orchestrator" {
		t.Fatalf("component = %v, want orchestrator", line["component"])
	}
	if line["session_id"] != "s1" {
		t.Fatalf("session_id = %v, want s1", line["session_id"])
	}
	if line["level"] != "info" {
		t.Fatalf("level = %v, want info", line["level"])
	}
}

func TestNewWithWriterFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "chatty", "json")
	logger.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line written at default level: %q", buf.String())
	}
}
