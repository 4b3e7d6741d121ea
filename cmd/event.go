package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"charm.land/lipgloss/v2"
	"github.com/spf13/cobra"

	"github.com/abhisek/nudge/internal/signal"
	"github.com/abhisek/nudge/internal/ui/theme"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Ingest domain events and inspect the signals they produce",
}

var eventEmitCmd = &cobra.Command{
	Use:   "emit <event-type>",
	Short: "Ingest one domain event as a signal",
	Example: `  nudge event emit task.missed --user u1 --entity task:t42
  nudge event emit checkin.completed --user u1 --payload '{"energy":2}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		entity, _ := cmd.Flags().GetString("entity")
		payload, _ := cmd.Flags().GetString("payload")
		at, _ := cmd.Flags().GetString("at")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		ev := signal.Event{UserID: userID, Type: args[0], TTL: ttl}
		if entity != "" {
			var err error
			if ev.EntityType, ev.EntityID, err = parseEntity(entity); err != nil {
				return err
			}
		}
		if payload != "" {
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("payload is not valid JSON")
			}
			ev.Payload = json.RawMessage(payload)
		}
		if at != "" {
			t, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("invalid --at %q: %w", at, err)
			}
			ev.OccurredAt = t
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

		ingestor, err := newIngestor(cfg, s, newLogger(cfg))
		if err != nil {
			return err
		}
		sig, err := ingestor.Ingest(cmd.Context(), ev)
		if err != nil {
			return fmt.Errorf("ingest event: %w", err)
		}

		out := cmd.OutOrStdout()
		lipgloss.Fprintln(out, theme.Title.Render("Signal "+sig.ID))
		field := func(label, value string) {
			lipgloss.Fprintln(out, theme.Label.Render(label)+value)
		}
		field("Priority", string(sig.Priority))
		field("Window", string(sig.WindowType))
		if !sig.ScheduledWindowStart.IsZero() {
			field("Scheduled", formatTime(sig.ScheduledWindowStart))
		}
		field("Expires", formatTime(sig.ExpiresAt))
		return nil
	},
}

var eventListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's recent signals",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")
		if userID == "" {
			return fmt.Errorf("--user is required")
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

		signals, err := s.Signals().ListByUser(cmd.Context(), userID, limit)
		if err != nil {
			return fmt.Errorf("query signals: %w", err)
		}
		if len(signals) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No signals found.")
			return nil
		}

		rows := make([][]string, 0, len(signals))
		for _, sig := range signals {
			target := ""
			if sig.HasTarget() {
				target = sig.TargetEntityType + ":" + sig.TargetEntityID
			}
			detail := sig.SkipReason
			if detail == "" {
				detail = theme.Truncate(sig.LastError, 30)
			}
			rows = append(rows, []string{
				shortID(sig.ID),
				formatTime(sig.CreatedAt),
				sig.EventType,
				target,
				string(sig.Priority),
				string(sig.Status),
				string(sig.ProcessingTier),
				fmt.Sprint(sig.RetryCount),
				detail,
			})
		}
		lipgloss.Fprintln(cmd.OutOrStdout(), theme.Table(
			[]string{"ID", "Created", "Event", "Target", "Priority", "Status", "Tier", "Retries", "Detail"},
			rows,
		))
		return nil
	},
}

func init() {
	eventEmitCmd.Flags().String("user", "", "User the event belongs to (required)")
	eventEmitCmd.Flags().String("entity", "", "Target entity as type:id, e.g. task:t42")
	eventEmitCmd.Flags().String("payload", "", "Event payload as a JSON object")
	eventEmitCmd.Flags().String("at", "", "When the event occurred (RFC 3339, default now)")
	eventEmitCmd.Flags().Duration("ttl", 0, "Override the priority's time-to-live")
	_ = eventEmitCmd.MarkFlagRequired("user")

	eventListCmd.Flags().String("user", "", "User whose signals to list (required)")
	eventListCmd.Flags().Int("limit", 20, "Maximum number of signals to show")

	eventCmd.AddCommand(eventEmitCmd)
	eventCmd.AddCommand(eventListCmd)
}
