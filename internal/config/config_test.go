package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8000" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8000")
	}
	if cfg.MaxToolIterations != 30 {
		t.Fatalf("MaxToolIterations = %d, want 30", cfg.MaxToolIterations)
	}
	if cfg.SessionTTL != 24*time.Hour {
		t.Fatalf("SessionTTL = %s, want 24h", cfg.SessionTTL)
	}
	if cfg.BrainMode != "auto" {
		t.Fatalf("BrainMode = %q, want auto", cfg.BrainMode)
	}
	if !cfg.MemoryEnabled {
		t.Fatalf("MemoryEnabled = false, want true")
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty default", cfg.DatabaseURL)
	}
	if cfg.OTPDemoCode != "" {
		t.Fatalf("OTPDemoCode = %q, want empty default (random codes)", cfg.OTPDemoCode)
	}
}

func TestLoadUsesExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("MAX_TOOL_ITERATIONS", "7")
	t.Setenv("SESSION_TTL", "2h")
	t.Setenv("BRAIN_MODE", "MOCK")
	t.Setenv("ENABLE_MEMORY", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want :9191", cfg.BindAddr)
	}
	if cfg.MaxToolIterations != 7 {
		t.Fatalf("MaxToolIterations = %d, want 7", cfg.MaxToolIterations)
	}
	if cfg.SessionTTL != 2*time.Hour {
		t.Fatalf("SessionTTL = %s, want 2h", cfg.SessionTTL)
	}
	if cfg.BrainMode != "mock" {
		t.Fatalf("BrainMode = %q, want mock", cfg.BrainMode)
	}
	if cfg.MemoryEnabled {
		t.Fatalf("MemoryEnabled = true, want false")
	}
}

func TestLoadRejectsOpenAIModeWithoutKey(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("BRAIN_MODE", "openai")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error without OPENAI_API_KEY")
	}
}

func TestValidateRejectsZeroIterationCap(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("MAX_TOOL_ITERATIONS", "0")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error for MAX_TOOL_ITERATIONS=0")
	}
}

func TestDemoCodeOnlyInDevelopment(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("OTP_DEMO_CODE", "123456")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OTPDemoCode != "123456" {
		t.Fatalf("OTPDemoCode = %q, want 123456", cfg.OTPDemoCode)
	}

	t.Setenv("APP_ENV", "production")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error for OTP_DEMO_CODE outside development")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd() error = %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("Chdir() error = %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	for key := range defaults {
		t.Setenv(key, "")
	}
}
