package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hamza-roujdami/clinic-voice-agent/internal/session"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recently updated sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "DATABASE_URL is not set; in-memory sessions live only inside a running server.")
				return nil
			}

			ctx := cmd.Context()
			store, err := session.NewStore(ctx, cfg.DatabaseURL, cfg.SessionTTL)
			if err != nil {
				return err
			}
			defer store.Close()

			items, err := store.ListRecent(ctx, limit)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			printSummaries(cmd, items)
			return nil
		},
	}
	listCmd.Flags().Int("limit", 50, "Maximum number of sessions to list")
	cmd.AddCommand(listCmd)
	return cmd
}

func printSummaries(cmd *cobra.Command, items []session.Summary) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tPATIENT\tVERIFIED\tTURNS\tHANDOFFS\tUPDATED")
	for _, s := range items {
		patient := s.PatientMRN
		if patient == "" {
			patient = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%d\t%s\n",
			s.SessionID, patient, s.PatientVerified, s.TurnCount, s.HandoffCount, s.UpdatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}
