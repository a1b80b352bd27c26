// The worker binary drains the task queue once and exits, printing a JSON
// run summary to stdout. Intended for cron or manual operator runs; the API
// server schedules the same drain loop in-process.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/clipsum/clipsum/internal/config"
	"github.com/clipsum/clipsum/internal/notify"
	"github.com/clipsum/clipsum/internal/observability"
	"github.com/clipsum/clipsum/internal/pipeline"
	"github.com/clipsum/clipsum/internal/store"
	"github.com/clipsum/clipsum/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	dbType := flag.String("db-type", "", "task store backend (sqlite, postgres, notion); defaults to DB_TYPE")
	workerID := flag.String("worker-id", "", "worker identity; generated when empty")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *dbType != "" {
		cfg.DBType = *dbType
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	obsCfg := observability.Config{Enabled: cfg.OTelEnabled, ServiceName: cfg.ServiceName}
	lp, logger, err := observability.InitLogger(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown logger provider", "error", err)
		}
	}()
	slog.SetDefault(logger)

	ts, err := store.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	defer ts.Close()

	stages, err := pipeline.StagesFromConfig(cfg)
	if err != nil {
		return err
	}

	opts := []worker.Option{
		worker.WithTaskLease(cfg.TaskLease()),
		worker.WithProcessingLockTimeout(cfg.ProcessingLockTimeout()),
		worker.WithRefreshInterval(cfg.LockRefreshInterval()),
		worker.WithOutputDir(cfg.DataDir),
		worker.WithModelLabel(cfg.SummarizerModel),
		worker.WithWorkerID(*workerID),
	}
	if cfg.DiscordWebhookURL != "" {
		n := &notify.Notifier{
			WebhookURL:    cfg.DiscordWebhookURL,
			NotionBaseURL: cfg.NotionBaseURL,
		}
		opts = append(opts, worker.WithNotifier(n.NotifyCompletion))
	}

	w := worker.New(ts, stages, opts...)
	slog.InfoContext(ctx, "starting drain run",
		"worker_id", w.WorkerID(), "db_type", cfg.DBType)

	summary, err := w.Run(ctx)
	if err != nil {
		return fmt.Errorf("drain run failed: %w", err)
	}

	out, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
