package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/abhisek/nudge/internal/config"
	"github.com/abhisek/nudge/internal/llm"
	"github.com/abhisek/nudge/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the outbox, signal and expiry workers",
	Long: "Runs the embedding outbox worker, the urgent, window and batch signal workers " +
		"and the recommendation expiry sweep until interrupted. The config file, when given, " +
		"is watched and changes apply from the next cycle.",
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().Bool("once", false, "Run one cycle of every enabled worker and exit")
	workerCmd.Flags().Bool("discover-llm", false, "Use the first vendor API key found in the environment when the mock LLM is configured")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if discover, _ := cmd.Flags().GetBool("discover-llm"); discover && cfg.LLM.Provider == "mock" {
		if found, ok := llm.DiscoverConfig(); ok {
			cfg.LLM = found
		}
	}

	ctx, stop := ossignal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openStore(cmd, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	p, err := newPipeline(ctx, cfg, s, logger)
	if err != nil {
		return err
	}

	holder := config.NewHolder(cfg)
	outboxWorker := worker.NewOutboxWorker(s.Outbox(), p.processor, s.Audit(), holder, nil, logger)
	signalWorker := worker.NewSignalWorker(s.Signals(), s.Outbox(), p.engine, holder, nil, logger)

	if once, _ := cmd.Flags().GetBool("once"); once {
		return runOnce(ctx, cmd, cfg, outboxWorker, signalWorker, p)
	}

	if path := resolveConfigPath(cmd); path != "" {
		go func() {
			if err := config.Watch(ctx, path, holder, logger); err != nil {
				logger.Warn("config watch stopped", "path", path, "error", err)
			}
		}()
	}

	loops := []*worker.Loop{outboxWorker.Loop()}
	loops = append(loops, signalWorker.Loops()...)
	loops = append(loops, worker.ExpiryLoop(p.recs, holder, nil, logger))

	logger.Info("workers starting",
		"embedding_model", p.embedder.ModelID(),
		"llm_provider", cfg.LLM.Provider,
		"rag_enabled", cfg.RAG.Enabled,
	)
	if err := worker.RunAll(ctx, loops...); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runOnce drains one cycle of each enabled worker in pipeline order:
// embeddings first so that signal assessment sees fresh vectors.
func runOnce(ctx context.Context, cmd *cobra.Command, cfg config.Config, ow *worker.OutboxWorker, sw *worker.SignalWorker, p *pipeline) error {
	out := cmd.OutOrStdout()

	if cfg.Outbox.Enabled {
		if err := ow.RunCycle(ctx); err != nil {
			return fmt.Errorf("outbox cycle: %w", err)
		}
	}

	if cfg.Signals.Enabled {
		for _, kind := range []struct {
			kind    worker.Kind
			enabled bool
		}{
			{worker.KindUrgent, cfg.Signals.Urgent.Enabled},
			{worker.KindWindow, cfg.Signals.Window.Enabled},
			{worker.KindBatch, cfg.Signals.Batch.Enabled},
		} {
			if !kind.enabled {
				continue
			}
			stats, err := sw.RunCycle(ctx, kind.kind)
			if err != nil {
				return fmt.Errorf("%s signal cycle: %w", kind.kind, err)
			}
			fmt.Fprintf(out, "%-7s users=%d acquired=%d processed=%d skipped=%d deferred=%d failed=%d lost=%d expired=%d released=%d\n",
				kind.kind, stats.Users, stats.Acquired, stats.Processed, stats.Skipped,
				stats.Deferred, stats.Failed, stats.Lost, stats.Expired, stats.Released)
		}
	}

	n, err := p.recs.ExpireDue(ctx)
	if err != nil {
		return fmt.Errorf("expire recommendations: %w", err)
	}
	fmt.Fprintf(out, "expired %d recommendation(s)\n", n)
	return nil
}
