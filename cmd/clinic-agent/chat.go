package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hamza-roujdami/clinic-voice-agent/internal/app"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/observability"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/session"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/triage"
)

type chatService interface {
	HandleMessage(ctx context.Context, sessionID, message string) (triage.Reply, error)
	History(ctx context.Context, sessionID string) ([]session.Turn, error)
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the agent in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			// Keep the terminal readable; turn logs only above warn.
			if logger.GetLevel() < zerolog.WarnLevel {
				logger = logger.Level(zerolog.WarnLevel)
			}
			ctx := cmd.Context()
			built, err := app.Build(ctx, cfg, app.Options{
				Logger:  logger,
				Metrics: observability.NewMetricsWith(prometheus.NewRegistry(), cfg.MetricsNamespace),
			})
			if err != nil {
				return err
			}
			defer built.Cleanup()

			fmt.Fprintf(cmd.OutOrStdout(), "Clinic agent (%s brain). Commands: /new, /history, /quit\n", cfg.BrainMode)
			return runChat(ctx, built.Triage, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// runChat reads caller lines from in until EOF or /quit.
func runChat(ctx context.Context, svc chatService, in io.Reader, out io.Writer) error {
	sessionID := uuid.NewString()
	scanner := bufio.NewScanner(in)
	fmt.Fprintf(out, "session %s\n", sessionID)
	for {
		fmt.Fprint(out, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			sessionID = uuid.NewString()
			fmt.Fprintf(out, "session %s\n", sessionID)
			continue
		case "/history":
			turns, err := svc.History(ctx, sessionID)
			if err != nil {
				fmt.Fprintf(out, "(no history: %v)\n", err)
				continue
			}
			for _, t := range turns {
				fmt.Fprintf(out, "  [%s] %s\n", t.Role, t.Text)
			}
			continue
		}

		reply, err := svc.HandleMessage(ctx, sessionID, line)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "agent> %s\n", reply.Response)
		if len(reply.ToolsCalled) > 0 {
			fmt.Fprintf(out, "  (tools: %s)\n", strings.Join(reply.ToolsCalled, ", "))
		}
		if reply.CapReached {
			fmt.Fprintln(out, "  (tool loop cap reached)")
		}
	}
}
