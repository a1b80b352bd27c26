package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/clipsum/clipsum/internal/config"
	"github.com/clipsum/clipsum/internal/httpapi"
	"github.com/clipsum/clipsum/internal/notify"
	"github.com/clipsum/clipsum/internal/observability"
	"github.com/clipsum/clipsum/internal/pipeline"
	"github.com/clipsum/clipsum/internal/store"
	"github.com/clipsum/clipsum/internal/worker"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; the environment wins when both are set.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	obsCfg := observability.Config{Enabled: cfg.OTelEnabled, ServiceName: cfg.ServiceName}

	lp, logger, err := observability.InitLogger(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := newShutdownContext()
		defer cancel()
		if err := lp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown logger provider", "error", err)
		}
	}()
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init tracer provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := newShutdownContext()
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown tracer provider", "error", err)
		}
	}()

	mp, err := observability.InitMeterProvider(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init meter provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := newShutdownContext()
		defer cancel()
		if err := mp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown meter provider", "error", err)
		}
	}()

	slog.InfoContext(ctx, "starting clipsum api", "db_type", cfg.DBType)

	provider := httpapi.NewConfigStoreProvider(cfg)
	defer func() {
		if err := provider.Close(); err != nil {
			slog.Error("failed to close stores", "error", err)
		}
	}()

	stages, err := pipeline.StagesFromConfig(cfg)
	if err != nil {
		return err
	}
	notifyFn := buildNotifier(cfg)

	runWorker := func(ctx context.Context, ts store.TaskStore, workerID string) (worker.Summary, error) {
		w := worker.New(ts, stages,
			worker.WithWorkerID(workerID),
			worker.WithTaskLease(cfg.TaskLease()),
			worker.WithProcessingLockTimeout(cfg.ProcessingLockTimeout()),
			worker.WithRefreshInterval(cfg.LockRefreshInterval()),
			worker.WithOutputDir(cfg.DataDir),
			worker.WithModelLabel(cfg.SummarizerModel),
			worker.WithNotifier(notifyFn),
		)
		return w.Run(ctx)
	}

	scheduler := httpapi.NewScheduler(cfg.ProcessingLockTimeout(), runWorker)
	server := httpapi.NewServer(provider, scheduler,
		httpapi.WithAdminToken(cfg.AdminToken),
		httpapi.WithLockTimeout(cfg.ProcessingLockTimeout()),
	)

	httpServer := &http.Server{
		Addr:              cfg.HTTPHost + ":" + cfg.HTTPPort,
		Handler:           otelhttp.NewHandler(server.Router(), "clipsum-api"),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errResult := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errResult <- fmt.Errorf("failed to serve http: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.InfoContext(ctx, "shutting down")

		shutdownCtx, cancel := newShutdownContext()
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.WarnContext(shutdownCtx, "http server shutdown timed out", "error", err)
		}
		// Let in-flight drain runs finish so the processing lock is released
		// cleanly instead of aging out.
		if err := scheduler.Shutdown(shutdownCtx); err != nil {
			slog.WarnContext(shutdownCtx, "scheduler shutdown timeout", "error", err)
		}
		return nil
	case err := <-errResult:
		return err
	}
}

// buildNotifier returns the completion notifier, or nil when no webhook is
// configured.
func buildNotifier(cfg *config.Config) worker.NotifyFunc {
	if cfg.DiscordWebhookURL == "" {
		return nil
	}
	n := &notify.Notifier{
		WebhookURL:    cfg.DiscordWebhookURL,
		NotionBaseURL: cfg.NotionBaseURL,
	}
	return n.NotifyCompletion
}

// newShutdownContext returns a fresh timeout context for cleanup work; the
// main context is already cancelled by the time shutdown runs.
func newShutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), shutdownTimeout)
}
