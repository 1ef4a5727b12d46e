package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hamza-roujdami/clinic-voice-agent/internal/app"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/config"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/logging"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/session"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "clinic-agent",
		Short:         "Clinic call-center triage agent",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(sessionsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, logging.New(cfg.LogLevel, cfg.LogFormat), nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, logger)
		},
	}
}

func runServer(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	built, err := app.Build(runCtx, cfg, app.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.Warn().Err(err).Msg("cleanup failed")
		}
	}()

	session.StartJanitor(runCtx, built.Sessions, cfg.SessionJanitorInterval, logger.With().Str("component", "janitor").Logger())

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.BindAddr).
			Str("brain_mode", cfg.BrainMode).
			Bool("postgres", cfg.DatabaseURL != "").
			Int("tools", len(built.Tools.Names())).
			Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err, ok := <-serveErr:
		if ok {
			return err
		}
		return nil
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case <-runCtx.Done():
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}
	logger.Info().Msg("shutdown complete")
	return nil
}
