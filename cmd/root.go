package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/abhisek/nudge/internal/config"
	"github.com/abhisek/nudge/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "nudge",
	Short: "Signal-driven coaching recommendations",
	Long: "Nudge turns user activity events into prioritized signals, assesses them in tiers " +
		"and produces policy-checked recommendations that learn from user feedback.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "Path to SQLite database file (overrides NUDGE_DB env var)")
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file (overrides NUDGE_CONFIG env var)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(recsCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(llmCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(versionCmd)
}

// resolveConfigPath returns the config file path from --config, then
// NUDGE_CONFIG. An empty result means defaults and environment only.
func resolveConfigPath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return p
	}
	return os.Getenv("NUDGE_CONFIG")
}

// loadConfig loads the configuration and applies --log-level.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(resolveConfigPath(cmd))
	if err != nil {
		return config.Config{}, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

// newLogger builds the stderr text logger for cfg.
func newLogger(cfg config.Config) *slog.Logger {
	level, err := cfg.Log.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// resolveDBPath returns the database path using --db flag (highest priority),
// then database.path from the config (NUDGE_DB overrides it), then the
// default XDG path.
func resolveDBPath(cmd *cobra.Command, cfg config.Config) (string, error) {
	p, _ := cmd.Flags().GetString("db")
	if p == "" {
		p = cfg.Database.Path
	}
	if p == "" {
		return store.DefaultDBPath()
	}
	return p, os.MkdirAll(filepath.Dir(p), 0o755)
}

// openStore opens the database selected by the flags and cfg.
func openStore(cmd *cobra.Command, cfg config.Config) (*store.Store, error) {
	dbPath, err := resolveDBPath(cmd, cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve database path: %w", err)
	}
	s, err := store.Open(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return s, nil
}
