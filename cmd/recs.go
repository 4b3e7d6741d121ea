package cmd

import (
	"fmt"
	"strings"
	"time"

	"charm.land/lipgloss/v2"
	"github.com/spf13/cobra"

	"github.com/abhisek/nudge/internal/recommend"
	"github.com/abhisek/nudge/internal/ui/theme"
)

var recsCmd = &cobra.Command{
	Use:     "recs",
	Aliases: []string{"recommendations"},
	Short:   "List recommendations and record user decisions on them",
}

var recsListCmd = &cobra.Command{
	Use:   "list <user-id>",
	Short: "List a user's recommendations, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		rawStatuses, _ := cmd.Flags().GetStringSlice("status")

		var statuses []recommend.Status
		for _, st := range rawStatuses {
			statuses = append(statuses, recommend.Status(st))
		}
		if len(statuses) == 0 && !all {
			statuses = []recommend.Status{recommend.StatusPending, recommend.StatusSnoozed, recommend.StatusAccepted}
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		s, err := openStore(cmd, cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		svc, _ := newLifecycle(s, newLogger(cfg))
		recs, err := svc.List(cmd.Context(), args[0], statuses...)
		if err != nil {
			return fmt.Errorf("list recommendations: %w", err)
		}
		if len(recs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No recommendations found.")
			return nil
		}

		rows := make([][]string, 0, len(recs))
		for _, r := range recs {
			rows = append(rows, []string{
				r.ID,
				formatTime(r.CreatedAt),
				string(r.Type),
				theme.Truncate(r.Title, 40),
				fmt.Sprintf("%.2f", r.Score),
				statusLabel(r),
				formatTime(r.ExpiresAt),
			})
		}
		lipgloss.Fprintln(cmd.OutOrStdout(), theme.Table(
			[]string{"ID", "Created", "Type", "Title", "Score", "Status", "Expires"},
			rows,
		))
		return nil
	},
}

func statusLabel(r *recommend.Recommendation) string {
	switch r.Status {
	case recommend.StatusSnoozed:
		return theme.Warn.Render("snoozed until " + formatTime(r.SnoozedUntil))
	case recommend.StatusDismissed:
		return theme.Bad.Render("dismissed")
	case recommend.StatusAccepted, recommend.StatusExecuted:
		label := string(r.Status)
		if r.Completed != nil {
			label += " " + theme.Mark(*r.Completed)
		}
		return theme.Good.Render(label)
	}
	return string(r.Status)
}

// recsAction builds a subcommand applying fn to the recommendation named by
// the first argument and printing the result.
func recsAction(use, short string, fn func(cmd *cobra.Command, svc *recommend.Service, id string) (*recommend.Recommendation, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			s, err := openStore(cmd, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			svc, _ := newLifecycle(s, newLogger(cfg))
			rec, err := fn(cmd, svc, args[0])
			if err != nil {
				return err
			}
			if rec != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", rec.ID, rec.Title, statusLabel(rec))
			}
			return nil
		},
	}
}

var recsAcceptCmd = recsAction("accept <id>", "Accept a recommendation",
	func(cmd *cobra.Command, svc *recommend.Service, id string) (*recommend.Recommendation, error) {
		return svc.Accept(cmd.Context(), id)
	})

var recsDismissCmd = recsAction("dismiss <id>", "Dismiss a recommendation",
	func(cmd *cobra.Command, svc *recommend.Service, id string) (*recommend.Recommendation, error) {
		reason, _ := cmd.Flags().GetString("reason")
		return svc.Dismiss(cmd.Context(), id, reason)
	})

var recsSnoozeCmd = recsAction("snooze <id>", "Snooze a recommendation",
	func(cmd *cobra.Command, svc *recommend.Service, id string) (*recommend.Recommendation, error) {
		raw, _ := cmd.Flags().GetString("until")
		until, err := parseUntil(raw, time.Now())
		if err != nil {
			return nil, err
		}
		return svc.Snooze(cmd.Context(), id, until)
	})

var recsExecuteCmd = recsAction("execute <id>", "Mark a scheduling recommendation as applied",
	func(cmd *cobra.Command, svc *recommend.Service, id string) (*recommend.Recommendation, error) {
		return svc.Execute(cmd.Context(), id)
	})

var recsCompleteCmd = recsAction("complete <id>", "Record whether an accepted recommendation was carried out",
	func(cmd *cobra.Command, svc *recommend.Service, id string) (*recommend.Recommendation, error) {
		missed, _ := cmd.Flags().GetBool("missed")
		return svc.RecordCompletion(cmd.Context(), id, !missed)
	})

var recsExperimentCmd = recsAction("experiment <id>", "Record the result of an experiment recommendation",
	func(cmd *cobra.Command, svc *recommend.Service, id string) (*recommend.Recommendation, error) {
		result, _ := cmd.Flags().GetString("result")
		r := recommend.ExperimentResult(strings.ToLower(result))
		if !r.Valid() {
			return nil, fmt.Errorf("invalid --result %q: want positive, neutral, inconclusive or negative", result)
		}
		if err := svc.RecordExperimentOutcome(cmd.Context(), id, r); err != nil {
			return nil, err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s experiment outcome for %s.\n", r, id)
		return nil, nil
	})

// parseUntil accepts either a duration from now or an RFC 3339 time.
func parseUntil(raw string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("snooze duration must be positive, got %s", raw)
		}
		return now.Add(d), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --until %q: want a duration like 4h or an RFC 3339 time", raw)
	}
	return t, nil
}

func init() {
	recsListCmd.Flags().Bool("all", false, "Include closed recommendations")
	recsListCmd.Flags().StringSlice("status", nil, "Only these statuses (pending, accepted, dismissed, snoozed, expired, executed)")

	recsDismissCmd.Flags().String("reason", "", "Why the recommendation does not fit")
	recsSnoozeCmd.Flags().String("until", "24h", "Duration from now or RFC 3339 time")
	recsCompleteCmd.Flags().Bool("missed", false, "Record that it was not carried out")
	recsExperimentCmd.Flags().String("result", "", "positive, neutral, inconclusive or negative")
	_ = recsExperimentCmd.MarkFlagRequired("result")

	recsCmd.AddCommand(recsListCmd, recsAcceptCmd, recsDismissCmd, recsSnoozeCmd,
		recsExecuteCmd, recsCompleteCmd, recsExperimentCmd)
}
