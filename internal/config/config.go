package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all runtime settings for the clinic triage agent.
type Config struct {
	BindAddr         string        `mapstructure:"APP_BIND_ADDR"`
	Env              string        `mapstructure:"APP_ENV"`
	ShutdownTimeout  time.Duration `mapstructure:"APP_SHUTDOWN_TIMEOUT"`
	TurnTimeout      time.Duration `mapstructure:"APP_TURN_TIMEOUT"`
	MetricsNamespace string        `mapstructure:"APP_METRICS_NAMESPACE"`
	AllowAnyOrigin   bool          `mapstructure:"APP_ALLOW_ANY_ORIGIN"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	BrainMode         string  `mapstructure:"BRAIN_MODE"`
	OpenAIAPIKey      string  `mapstructure:"OPENAI_API_KEY"`
	OpenAIBaseURL     string  `mapstructure:"OPENAI_BASE_URL"`
	OpenAIModel       string  `mapstructure:"OPENAI_MODEL"`
	OpenAITemperature float32 `mapstructure:"OPENAI_TEMPERATURE"`
	BrainMaxRetries   int     `mapstructure:"BRAIN_MAX_RETRIES"`
	AgentName         string  `mapstructure:"AGENT_NAME"`
	MaxToolIterations int     `mapstructure:"MAX_TOOL_ITERATIONS"`

	DatabaseURL            string        `mapstructure:"DATABASE_URL"`
	SessionTTL             time.Duration `mapstructure:"SESSION_TTL"`
	SessionJanitorInterval time.Duration `mapstructure:"SESSION_JANITOR_INTERVAL"`

	MemoryEnabled    bool `mapstructure:"ENABLE_MEMORY"`
	MemoryMaxResults int  `mapstructure:"MEMORY_MAX_RESULTS"`

	// OTPDemoCode is handed out for every verification when set; empty means
	// random codes. Only accepted in development.
	OTPDemoCode string `mapstructure:"OTP_DEMO_CODE"`
}

var defaults = map[string]any{
	"APP_BIND_ADDR":            ":8000",
	"APP_ENV":                  "development",
	"APP_SHUTDOWN_TIMEOUT":     "15s",
	"APP_TURN_TIMEOUT":         "60s",
	"APP_METRICS_NAMESPACE":    "clinic_agent",
	"APP_ALLOW_ANY_ORIGIN":     false,
	"LOG_LEVEL":                "info",
	"LOG_FORMAT":               "json",
	"BRAIN_MODE":               "auto",
	"OPENAI_API_KEY":           "",
	"OPENAI_BASE_URL":          "",
	"OPENAI_MODEL":             "gpt-4o-mini",
	"OPENAI_TEMPERATURE":       0.2,
	"BRAIN_MAX_RETRIES":        2,
	"AGENT_NAME":               "clinic-voice-agent",
	"MAX_TOOL_ITERATIONS":      30,
	"DATABASE_URL":             "",
	"SESSION_TTL":              "24h",
	"SESSION_JANITOR_INTERVAL": "1m",
	"ENABLE_MEMORY":            true,
	"MEMORY_MAX_RESULTS":       5,
	"OTP_DEMO_CODE":            "",
}

// Load reads environment variables (and an optional .env file) and applies safe defaults.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
		// Bind explicitly so Unmarshal sees env-only keys.
		_ = v.BindEnv(key)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.BrainMode = strings.ToLower(strings.TrimSpace(c.BrainMode))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.OpenAIAPIKey = strings.TrimSpace(c.OpenAIAPIKey)
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.OTPDemoCode = strings.TrimSpace(c.OTPDemoCode)
}

// Validate reports the first setting that would make the service misbehave.
func (c Config) Validate() error {
	if c.MaxToolIterations < 1 {
		return fmt.Errorf("MAX_TOOL_ITERATIONS must be at least 1")
	}
	if c.SessionTTL < time.Minute {
		return fmt.Errorf("SESSION_TTL must be at least 1m")
	}
	if c.SessionJanitorInterval <= 0 {
		return fmt.Errorf("SESSION_JANITOR_INTERVAL must be positive")
	}
	if c.BrainMaxRetries < 0 {
		return fmt.Errorf("BRAIN_MAX_RETRIES must be >= 0")
	}
	if c.MemoryMaxResults <= 0 {
		return fmt.Errorf("MEMORY_MAX_RESULTS must be positive")
	}
	if c.OTPDemoCode != "" && !c.IsDev() {
		return fmt.Errorf("OTP_DEMO_CODE is only allowed when APP_ENV=development")
	}
	switch c.BrainMode {
	case "auto", "mock":
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when BRAIN_MODE=openai")
		}
	default:
		return fmt.Errorf("invalid BRAIN_MODE: %q (expected auto|openai|mock)", c.BrainMode)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("invalid LOG_FORMAT: %q (expected json|console)", c.LogFormat)
	}
	return nil
}

// IsDev reports whether the service runs with development conveniences.
func (c Config) IsDev() bool {
	return c.Env == "development"
}
