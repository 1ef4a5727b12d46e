package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hamza-roujdami/clinic-voice-agent/internal/brain"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/config"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/handoff"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/httpapi"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/identity"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/memory"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/observability"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/orchestrator"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/scheduling"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/session"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/tools"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/triage"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Triage       *triage.Service
	Sessions     session.Store
	Orchestrator *orchestrator.Orchestrator
	Tools        *tools.Registry
	Metrics      *observability.Metrics

	// Cleanup should be called on shutdown to release external resources (DB pools).
	Cleanup func() error
}

// Options adjusts Build for embedding (tests and the CLI harness).
type Options struct {
	Logger zerolog.Logger
	// Metrics overrides the default-registry instruments.
	Metrics *observability.Metrics
}

func Build(ctx context.Context, cfg config.Config, opts Options) (*BuildResult, error) {
	logger := opts.Logger
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}

	sessions, err := session.NewStore(ctx, cfg.DatabaseURL, cfg.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("session store init failed: %w", err)
	}

	memoryStore, err := memory.NewStore(ctx, cfg.DatabaseURL, cfg.MemoryEnabled)
	if err != nil {
		// Grounding is optional; the agent keeps working without it.
		logger.Warn().Err(err).Msg("memory store unavailable; continuing without long-term memory")
		memoryStore = nil
	}
	grounder := memory.NewGrounder(memoryStore, cfg.MemoryMaxResults, logger)

	svc, err := brain.NewService(brain.Config{
		Mode:        cfg.BrainMode,
		APIKey:      cfg.OpenAIAPIKey,
		BaseURL:     cfg.OpenAIBaseURL,
		Model:       cfg.OpenAIModel,
		Temperature: cfg.OpenAITemperature,
		MaxRetries:  cfg.BrainMaxRetries,
	}, logger)
	if err != nil {
		closeAll(sessions, memoryStore)
		return nil, fmt.Errorf("brain init failed: %w", err)
	}

	var gen identity.CodeGenerator = identity.RandomCode
	if cfg.OTPDemoCode != "" {
		gen = identity.FixedCode(cfg.OTPDemoCode)
	}
	verifier := identity.NewVerifier(identity.NewInMemoryDirectory(identity.DemoPatients()...), identity.Options{
		Generator: gen,
		Demo:      cfg.OTPDemoCode != "",
		Logger:    logger,
	})
	desk := handoff.NewDesk(logger)
	scheduler := scheduling.NewService(scheduling.NewDemoStore(), verifier, logger)

	registry := tools.NewRegistry(logger)
	registry.Register(verifier.Tools()...)
	registry.Register(scheduler.Tools()...)
	registry.Register(desk.Tools()...)
	if grounder.Enabled() {
		registry.Register(grounder.Tools(verifier)...)
	}

	orch := orchestrator.New(orchestrator.Config{
		AgentName:     cfg.AgentName,
		Model:         cfg.OpenAIModel,
		MaxRoundTrips: cfg.MaxToolIterations,
	}, svc, registry, sessions, metrics, logger)
	if err := orch.Start(ctx); err != nil {
		closeAll(sessions, memoryStore)
		return nil, fmt.Errorf("agent init failed: %w", err)
	}

	triageSvc := triage.NewService(triage.Deps{
		Sessions:      sessions,
		Runner:        orch,
		Verifications: verifier,
		Handoffs:      desk,
		Grounder:      grounder,
		Conversations: svc,
		Metrics:       metrics,
		Logger:        logger,
		TurnTimeout:   cfg.TurnTimeout,
	})

	if mem, ok := sessions.(*session.InMemoryStore); ok {
		mem.SetExpireHook(func(s *session.Session) {
			triageSvc.Forget(s.ID)
			metrics.ObserveSessionEvent("expired")
		})
	}

	api := httpapi.New(cfg, triageSvc, metrics, logger)

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Triage:       triageSvc,
		Sessions:     sessions,
		Orchestrator: orch,
		Tools:        registry,
		Metrics:      metrics,
		Cleanup: func() error {
			return closeAll(sessions, memoryStore)
		},
	}, nil
}

func closeAll(sessions session.Store, memoryStore memory.Store) error {
	var errs []string
	if err := sessions.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if memoryStore != nil {
		if err := memoryStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
