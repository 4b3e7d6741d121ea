package cmd

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"charm.land/lipgloss/v2"
	"github.com/spf13/cobra"

	"github.com/abhisek/nudge/internal/llm"
	"github.com/abhisek/nudge/internal/store"
	"github.com/abhisek/nudge/internal/ui/theme"
)

var llmCmd = &cobra.Command{
	Use:   "llm",
	Short: "Inspect recorded LLM calls",
}

var llmListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent LLM calls",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		purpose, _ := cmd.Flags().GetString("purpose")
		userID, _ := cmd.Flags().GetString("user")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		s, err := openStore(cmd, cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		calls, err := s.Audit().ListLLMCalls(cmd.Context(), store.QueryOpts{UserID: userID, Limit: limit})
		if err != nil {
			return fmt.Errorf("query llm calls: %w", err)
		}

		var rows [][]string
		for _, c := range calls {
			if purpose != "" && string(c.Purpose) != purpose {
				continue
			}
			rows = append(rows, []string{
				c.ID,
				formatTime(c.StartedAt),
				string(c.Purpose),
				theme.Truncate(c.Model, 28),
				fmt.Sprint(c.InputTokens),
				fmt.Sprint(c.OutputTokens),
				fmt.Sprint(c.LatencyMs),
				theme.Mark(c.Success),
			})
		}
		if len(rows) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No LLM calls found.")
			return nil
		}
		lipgloss.Fprintln(cmd.OutOrStdout(), theme.Table(
			[]string{"ID", "Timestamp", "Purpose", "Model", "In", "Out", "Ms", "OK"},
			rows,
		))
		return nil
	},
}

var llmViewCmd = &cobra.Command{
	Use:   "view <id>",
	Short: "View the full request and response of an LLM call",
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

		c, err := s.Audit().GetLLMCall(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		field := func(label, value string) {
			lipgloss.Fprintln(out, theme.Label.Render(label)+value)
		}
		field("ID", c.ID)
		field("Time", formatTime(c.StartedAt))
		field("User", c.UserID)
		field("Provider", c.Provider)
		field("Model", c.Model)
		field("Purpose", string(c.Purpose))
		field("Tokens", fmt.Sprintf("%d in / %d out", c.InputTokens, c.OutputTokens))
		field("Cost", formatCost(c.CostUSD))
		field("Latency", fmt.Sprintf("%dms", c.LatencyMs))
		field("Success", theme.Mark(c.Success))
		if !c.Success {
			field("Error", theme.Bad.Render(strings.TrimSpace(c.ErrorKind+" "+c.ErrorMessage)))
		}

		for _, section := range []struct{ title, body string }{
			{"REQUEST", c.Request},
			{"RESPONSE", c.Response},
		} {
			lipgloss.Fprintln(out)
			lipgloss.Fprintln(out, theme.Title.Render(section.title))
			if section.body == "" {
				lipgloss.Fprintln(out, theme.Hint.Render("(not captured)"))
				continue
			}
			fmt.Fprintln(out, section.body)
		}
		return nil
	},
}

type usage struct {
	key          string
	calls        int
	failed       int
	inputTokens  int
	outputTokens int
	latencyMs    int64
	costUSD      float64
	priced       bool
}

// aggregate groups calls by key, sorted by descending call count.
func aggregate(calls []llm.CallRecord, key func(llm.CallRecord) string) []*usage {
	byKey := map[string]*usage{}
	for _, c := range calls {
		k := key(c)
		u, ok := byKey[k]
		if !ok {
			u = &usage{key: k, priced: true}
			byKey[k] = u
		}
		u.calls++
		if !c.Success {
			u.failed++
		}
		u.inputTokens += c.InputTokens
		u.outputTokens += c.OutputTokens
		u.latencyMs += c.LatencyMs
		if llm.LookupCost(c.Model) == nil {
			u.priced = false
		}
		u.costUSD += c.CostUSD
	}
	out := make([]*usage, 0, len(byKey))
	for _, u := range byKey {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b *usage) int {
		if c := cmp.Compare(b.calls, a.calls); c != 0 {
			return c
		}
		return strings.Compare(a.key, b.key)
	})
	return out
}

var llmStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregated LLM token usage and estimated cost",
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetDuration("since")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		s, err := openStore(cmd, cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		opts := store.QueryOpts{}
		if since > 0 {
			opts.From = time.Now().Add(-since)
		}
		calls, err := s.Audit().ListLLMCalls(cmd.Context(), opts)
		if err != nil {
			return fmt.Errorf("query llm calls: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(calls) == 0 {
			fmt.Fprintln(out, "No LLM usage recorded yet.")
			return nil
		}

		var rows [][]string
		var total usage
		for _, u := range aggregate(calls, func(c llm.CallRecord) string { return string(c.Purpose) }) {
			rows = append(rows, []string{
				u.key,
				fmt.Sprint(u.calls),
				fmt.Sprint(u.failed),
				fmt.Sprint(u.inputTokens),
				fmt.Sprint(u.outputTokens),
				fmt.Sprint(u.latencyMs / int64(u.calls)),
			})
			total.calls += u.calls
			total.failed += u.failed
			total.inputTokens += u.inputTokens
			total.outputTokens += u.outputTokens
		}
		rows = append(rows, []string{"TOTAL", fmt.Sprint(total.calls), fmt.Sprint(total.failed),
			fmt.Sprint(total.inputTokens), fmt.Sprint(total.outputTokens), ""})
		lipgloss.Fprintln(out, theme.Title.Render("Usage by Purpose"))
		lipgloss.Fprintln(out, theme.Table([]string{"Purpose", "Calls", "Failed", "Input", "Output", "Avg Ms"}, rows))

		rows = nil
		var (
			totalCost float64
			unpriced  []string
		)
		for _, u := range aggregate(calls, func(c llm.CallRecord) string { return c.Model }) {
			cost := formatCost(u.costUSD)
			if !u.priced {
				cost = "?"
				unpriced = append(unpriced, u.key)
			}
			totalCost += u.costUSD
			rows = append(rows, []string{theme.Truncate(u.key, 32), fmt.Sprint(u.calls),
				fmt.Sprint(u.inputTokens), fmt.Sprint(u.outputTokens), cost})
		}
		label := "TOTAL"
		if len(unpriced) > 0 {
			label = "TOTAL (partial)"
		}
		rows = append(rows, []string{label, "", "", "", formatCost(totalCost)})
		lipgloss.Fprintln(out)
		lipgloss.Fprintln(out, theme.Title.Render("Estimated Cost (USD)"))
		lipgloss.Fprintln(out, theme.Table([]string{"Model", "Calls", "Input", "Output", "Cost"}, rows))
		if len(unpriced) > 0 {
			lipgloss.Fprintln(out, theme.Hint.Render("Pricing unavailable for: "+strings.Join(unpriced, ", ")))
		}
		return nil
	},
}

func formatCost(usd float64) string {
	if usd < 0.01 {
		return fmt.Sprintf("$%.4f", usd)
	}
	return fmt.Sprintf("$%.2f", usd)
}

func init() {
	llmListCmd.Flags().IntP("limit", "n", 20, "Number of calls to show")
	llmListCmd.Flags().StringP("purpose", "p", "", "Filter by purpose (e.g. tier2-assessment, tier2-strategy, tier2-candidates)")
	llmListCmd.Flags().String("user", "", "Only calls made for this user")
	llmStatsCmd.Flags().Duration("since", 0, "Only calls in this window, e.g. 168h (default all)")

	llmCmd.AddCommand(llmListCmd)
	llmCmd.AddCommand(llmViewCmd)
	llmCmd.AddCommand(llmStatsCmd)
}
