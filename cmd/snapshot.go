package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/abhisek/nudge/internal/outbox"
	"github.com/abhisek/nudge/internal/state"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Store and inspect user state snapshots",
}

var snapshotPutCmd = &cobra.Command{
	Use:   "put <file>",
	Short: "Store a user state snapshot from a JSON file (- for stdin)",
	Long: "Stores the snapshot as the user's latest state and enqueues re-embedding " +
		"for every goal, habit, task and experiment whose text changed.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keep, _ := cmd.Flags().GetInt("keep")

		data, err := readInput(cmd, args[0])
		if err != nil {
			return err
		}
		var snap state.UserStateSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("parse snapshot: %w", err)
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

		ctx := cmd.Context()
		changed, err := s.Snapshots().Save(ctx, &snap)
		if err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
		recorder := outbox.NewRecorder(s.Outbox(), nil)
		for _, key := range changed {
			if err := recorder.RecordChange(ctx, key.Type, key.ID); err != nil {
				return fmt.Errorf("enqueue embedding for %s/%s: %w", key.Type, key.ID, err)
			}
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Stored snapshot for %s (%d entities changed).\n", snap.UserID, len(changed))
		if keep > 0 {
			n, err := s.Snapshots().Prune(ctx, snap.UserID, keep)
			if err != nil {
				return err
			}
			if n > 0 {
				fmt.Fprintf(out, "Pruned %d older snapshot(s).\n", n)
			}
		}
		return nil
	},
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Print a user's latest snapshot as JSON",
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

		snap, err := s.Snapshots().Snapshot(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

func init() {
	snapshotPutCmd.Flags().Int("keep", 10, "Snapshots to retain per user (0 keeps all)")

	snapshotCmd.AddCommand(snapshotPutCmd)
	snapshotCmd.AddCommand(snapshotShowCmd)
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
