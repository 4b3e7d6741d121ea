package cmd

import (
	"fmt"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/spf13/cobra"

	"github.com/abhisek/nudge/internal/store"
	"github.com/abhisek/nudge/internal/ui/theme"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect assessment runs and outbox cycles",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent assessment runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		s, err := openStore(cmd, cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		runs, err := s.Runs().List(cmd.Context(), store.QueryOpts{UserID: userID, Limit: limit})
		if err != nil {
			return fmt.Errorf("query runs: %w", err)
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No assessment runs found.")
			return nil
		}

		rows := make([][]string, 0, len(runs))
		for _, r := range runs {
			score := "-"
			if r.Tier1CombinedScore != nil {
				score = fmt.Sprintf("%.2f", *r.Tier1CombinedScore)
				if r.Tier1Degraded {
					score += "*"
				}
			}
			ms := "-"
			if !r.CompletedAt.IsZero() {
				ms = fmt.Sprint(r.CompletedAt.Sub(r.StartedAt).Milliseconds())
			}
			outcome := theme.Mark(r.Error == "")
			if r.Error != "" {
				outcome += " " + theme.Truncate(r.Error, 30)
			}
			rows = append(rows, []string{
				shortID(r.ID),
				formatTime(r.StartedAt),
				r.UserID,
				string(r.WindowType),
				fmt.Sprintf("%d/%d/%d", r.SignalsReceived, r.SignalsProcessed, r.SignalsSkipped),
				string(r.FinalTier),
				strings.Join(r.Tier0RulesTriggered, ","),
				score,
				fmt.Sprintf("%d (-%d)", len(r.RecommendationIDs), r.Rejected),
				ms,
				outcome,
			})
		}
		lipgloss.Fprintln(cmd.OutOrStdout(), theme.Table(
			[]string{"ID", "Started", "User", "Window", "Sig r/p/s", "Tier", "Tier0", "Tier1", "Recs", "Ms", "OK"},
			rows,
		))
		lipgloss.Fprintln(cmd.OutOrStdout(), theme.Hint.Render("* Tier1 scored without retrieval"))
		return nil
	},
}

var runsOutboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "List recent embedding outbox cycles",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		s, err := openStore(cmd, cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		cycles, err := s.Audit().ListOutboxCycles(cmd.Context(), store.QueryOpts{Limit: limit})
		if err != nil {
			return fmt.Errorf("query outbox cycles: %w", err)
		}
		if len(cycles) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No outbox cycles found.")
			return nil
		}

		rows := make([][]string, 0, len(cycles))
		for _, c := range cycles {
			rows = append(rows, []string{
				formatTime(c.StartedAt),
				c.WorkerID,
				fmt.Sprint(c.ReleasedExpired),
				fmt.Sprint(c.Leased),
				fmt.Sprint(c.Unique),
				fmt.Sprint(c.Processed),
				fmt.Sprint(c.Failed),
				fmt.Sprint(c.CompletedAt.Sub(c.StartedAt).Milliseconds()),
				theme.Truncate(c.Error, 40),
			})
		}
		lipgloss.Fprintln(cmd.OutOrStdout(), theme.Table(
			[]string{"Started", "Worker", "Released", "Leased", "Unique", "Processed", "Failed", "Ms", "Error"},
			rows,
		))
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("user", "", "Only runs of this user")
	runsListCmd.Flags().Int("limit", 20, "Maximum number of runs to show")
	runsOutboxCmd.Flags().Int("limit", 20, "Maximum number of cycles to show")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsOutboxCmd)
}
