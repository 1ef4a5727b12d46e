package main

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/hamza-roujdami/clinic-voice-agent/internal/app"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/config"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/observability"
)

var sessionBanner = regexp.MustCompile(`session [0-9a-f-]{36}`)

func testConfig() config.Config {
	return config.Config{
		Env:                    "test",
		AgentName:              "clinic-voice-agent",
		BrainMode:              "mock",
		MaxToolIterations:      30,
		SessionTTL:             time.Hour,
		SessionJanitorInterval: time.Minute,
		TurnTimeout:            5 * time.Second,
		MemoryEnabled:          true,
		MemoryMaxResults:       5,
		OTPDemoCode:            "123456",
	}
}

func TestRunChatVerifiesCaller(t *testing.T) {
	ctx := context.Background()
	built, err := app.Build(ctx, testConfig(), app.Options{
		Logger:  zerolog.Nop(),
		Metrics: observability.NewMetricsWith(prometheus.NewRegistry(), "chat_test"),
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer built.Cleanup()

	in := strings.NewReader(strings.Join([]string{
		"My MRN is MRN-5001",
		"please send the code",
		"123456",
		"/history",
		"/quit",
		"never read",
	}, "\n"))
	var out bytes.Buffer
	if err := runChat(ctx, built.Triage, in, &out); err != nil {
		t.Fatalf("runChat() error = %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"(tools: lookup_patient)",
		"(tools: issue_code)",
		"(tools: verify_code)",
		"[user] My MRN is MRN-5001",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "never read") {
		t.Fatalf("output continued after /quit:\n%s", got)
	}
}

func TestRunChatNewSession(t *testing.T) {
	ctx := context.Background()
	built, err := app.Build(ctx, testConfig(), app.Options{
		Logger:  zerolog.Nop(),
		Metrics: observability.NewMetricsWith(prometheus.NewRegistry(), "chat_test_new"),
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer built.Cleanup()

	var out bytes.Buffer
	if err := runChat(ctx, built.Triage, strings.NewReader("hello\n/new\n/history\n"), &out); err != nil {
		t.Fatalf("runChat() error = %v", err)
	}
	if n := len(sessionBanner.FindAllString(out.String(), -1)); n != 2 {
		t.Fatalf("session banners = %d, want 2:\n%s", n, out.String())
	}
	if !strings.Contains(out.String(), "(no history:") {
		t.Fatalf("history of a fresh session should be empty:\n%s", out.String())
	}
}
