package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/qepting91/reddit-harvester/internal/config"
	"github.com/qepting91/reddit-harvester/internal/pipeline"
	"github.com/qepting91/reddit-harvester/internal/source"
	"github.com/qepting91/reddit-harvester/internal/storage"
)

func main() {
	// 1. Setup
	godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Graceful shutdown: in-flight work finishes or times out, writes
	// are never cut mid-transaction.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received")
		cancel()
	}()

	// 3. Wire store and source
	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		logger.Error("Failed to initialize storage", "engine", cfg.Storage.Engine, "err", err)
		os.Exit(1)
	}
	defer store.Close()

	src, err := source.New(cfg)
	if err != nil {
		logger.Error("Failed to initialize source", "mode", cfg.Source.Mode, "err", err)
		os.Exit(1)
	}
	logger.Info("Harvester initialized",
		"mode", cfg.Source.Mode, "engine", cfg.Storage.Engine, "targets", cfg.Crawl.Targets)

	runner := pipeline.NewRunner(src, store, cfg.Crawl, logger)

	// 4. Crawl cycles: run once, or poll on an interval.
	fatal := runCycle(ctx, runner, cfg, logger)
	if cfg.Crawl.PollInterval > 0 {
		ticker := time.NewTicker(cfg.Crawl.PollInterval)
		defer ticker.Stop()
		for !fatal {
			select {
			case <-ctx.Done():
				logger.Info("Harvest stopped")
				return
			case <-ticker.C:
				fatal = runCycle(ctx, runner, cfg, logger)
			}
		}
	}
	if fatal {
		os.Exit(1)
	}
}

// runCycle crawls every configured target once and reports whether any run
// ended fatally.
func runCycle(ctx context.Context, runner *pipeline.Runner, cfg *config.Config, logger *slog.Logger) bool {
	fatal := false
	for _, target := range cfg.Crawl.Targets {
		if ctx.Err() != nil {
			return fatal
		}
		summary, err := runner.Run(ctx, target)
		attrs := []any{
			"target", summary.Target,
			"outcome", summary.Outcome,
			"pages", summary.Pages,
			"posts", summary.PostsWritten,
			"comments", summary.CommentsWritten,
			"items_skipped", summary.ItemsSkipped,
			"blocks_skipped", summary.BlocksSkipped,
			"reattached", summary.Reattached,
			"truncated_threads", summary.TruncatedThreads,
			"errors", summary.ErrorCounts,
			"elapsed", summary.Elapsed.Round(time.Millisecond).String(),
		}
		if err != nil {
			fatal = true
			logger.Error("Run ended fatally", append(attrs, "err", err)...)
			continue
		}
		logger.Info("Run complete", attrs...)
	}
	return fatal
}
