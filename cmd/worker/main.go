package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/reviewpipe/reviewpipe/internal/application/worker"
	"github.com/reviewpipe/reviewpipe/internal/config"
	"github.com/reviewpipe/reviewpipe/internal/infrastructure/llm"
	"github.com/reviewpipe/reviewpipe/internal/infrastructure/notify"
	"github.com/reviewpipe/reviewpipe/internal/infrastructure/observability"
	"github.com/reviewpipe/reviewpipe/internal/infrastructure/perforce"
	"github.com/reviewpipe/reviewpipe/internal/infrastructure/persistence/postgres"
	"github.com/reviewpipe/reviewpipe/internal/infrastructure/persistence/sqlite"
	"github.com/reviewpipe/reviewpipe/internal/payload"
	payloadfs "github.com/reviewpipe/reviewpipe/internal/payload/fs"
	payloadgcs "github.com/reviewpipe/reviewpipe/internal/payload/gcs"
	"github.com/reviewpipe/reviewpipe/internal/redact"
	"github.com/reviewpipe/reviewpipe/internal/review"
)

// pipelineStore is everything the daemon needs from a persistence backend.
// Both the postgres and sqlite stores satisfy it.
type pipelineStore interface {
	worker.Coordinator
	worker.OutboxStore
	worker.ReconcilerStore
	perforce.AuditRecorder
	Close() error
}

func main() {
	if err := run(); err != nil {
		// Print to stderr directly; slog may not be initialized if config
		// loading failed.
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Root context for all normal operations, cancelled on SIGTERM/SIGINT.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Init observability (logger, tracer, meter). Exporter endpoint and
	// headers come from the OTEL_* env vars.
	logger, otelShutdown, err := observability.Setup(ctx, observability.Config{
		Enabled:     cfg.Observability.OTelEnabled,
		ServiceName: cfg.Observability.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("failed to init observability: %w", err)
	}
	defer func() {
		// Use a timeout to prevent hanging if the collector is unreachable.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown observability providers", "error", err)
		}
	}()
	slog.SetDefault(logger)

	slog.InfoContext(ctx, "starting review pipeline worker",
		"workers", cfg.WorkerCount,
		"driver", cfg.Database.Driver,
		"payload_backend", cfg.Payload.Backend)

	// Init storage.
	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.ErrorContext(ctx, "failed to close store", "error", err)
		}
	}()

	slog.InfoContext(ctx, "storage initialized",
		"driver", cfg.Database.Driver,
		"dsn", maskDSN(cfg.Database.Driver, cfg.Database.DSN))

	// Init payload store.
	payloads, closePayloads, err := openPayloadStore(ctx, cfg.Payload)
	if err != nil {
		return fmt.Errorf("failed to create payload store: %w", err)
	}
	defer func() {
		if err := closePayloads(); err != nil {
			slog.ErrorContext(ctx, "failed to close payload store", "error", err)
		}
	}()

	// Init stage adapters.
	redactor := redact.New()

	fetcher, err := perforce.NewFetcher(cfg.Fetch.P4Path, cfg.Fetch.Allowlist, cfg.Fetch.Timeout, store)
	if err != nil {
		return fmt.Errorf("failed to create fetcher: %w", err)
	}

	model, err := llm.NewClient(llm.Config{
		APIKey:        cfg.Model.APIKey,
		Model:         cfg.Model.Model,
		MaxTokens:     cfg.Model.MaxTokens,
		PromptVersion: cfg.Model.PromptVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to create model client: %w", err)
	}

	provider, err := notify.NewProvider(notify.Config{
		BaseURL:   cfg.Notify.BaseURL,
		AuthToken: cfg.Notify.AuthToken,
		Timeout:   cfg.Notify.Timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create notification provider: %w", err)
	}

	deliverer := worker.NewDeliverer(store, provider, redactor, cfg.Notify.Timeout)

	validator := review.NewValidator(review.Config{
		SchemaMajor:      cfg.Model.SchemaMajor,
		SchemaMinorFloor: cfg.Model.SchemaMinorFloor,
		PromptVersion:    cfg.Model.PromptVersion,
		PromptPatchDrift: cfg.Model.PromptPatchDrift,
	})

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	// Launch the worker pool plus the two background loops. All loops exit
	// only on ctx cancellation; operational failures are logged and retried
	// inside the loops themselves.
	var wg sync.WaitGroup
	for range cfg.WorkerCount {
		workerID := fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.Must(uuid.NewV7()).String())
		w := worker.NewReviewWorker(store, fetcher, model, deliverer, validator, payloads, redactor,
			workerConfig(cfg, workerID))

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.ErrorContext(ctx, "worker loop exited", "worker_id", workerID, "error", err)
			}
		}()
	}

	sweeper := worker.NewSweeper(store, sweeperConfig(cfg.Queue))
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.ErrorContext(ctx, "lease sweeper exited", "error", err)
		}
	}()

	reconciler := worker.NewOutboxReconciler(store, provider, reconcilerConfig(cfg))
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.ErrorContext(ctx, "outbox reconciler exited", "error", err)
		}
	}()

	<-ctx.Done()
	slog.InfoContext(ctx, "shutting down")

	// Loops abandon in-flight items on cancellation; the lease sweeper on a
	// surviving worker requeues them. The grace period only bounds how long
	// we wait for the goroutines themselves.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancelShutdown()

	select {
	case <-done:
		slog.InfoContext(shutdownCtx, "worker pool drained")
	case <-shutdownCtx.Done():
		slog.WarnContext(shutdownCtx, "shutdown grace expired, abandoning in-flight work to lease expiry")
	}

	return nil
}

// openStore opens the persistence backend selected by cfg.Driver. Both
// backends run their embedded migrations before accepting traffic.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (pipelineStore, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return postgres.NewStoreWithConfig(ctx, postgres.DBConfig{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxConns,
			MaxIdleConns:    cfg.MinConns,
			ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetime) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTime) * time.Second,
		})
	case config.DriverSQLite:
		return sqlite.NewStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// openPayloadStore opens the blob backend selected by cfg.Backend and returns
// it with its cleanup function.
func openPayloadStore(ctx context.Context, cfg config.PayloadConfig) (payload.Store, func() error, error) {
	switch cfg.Backend {
	case config.PayloadBackendFS:
		store, err := payloadfs.NewStore(cfg.BaseDir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() error { return nil }, nil
	case config.PayloadBackendGCS:
		store, err := payloadgcs.NewStore(ctx, cfg.Bucket)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown payload backend %q", cfg.Backend)
	}
}

func workerConfig(cfg *config.WorkerConfig, workerID string) worker.Config {
	return worker.Config{
		WorkerID:          workerID,
		Lease:             cfg.Queue.LeaseDuration,
		HeartbeatInterval: cfg.Queue.HeartbeatInterval,
		PollInterval:      cfg.Queue.PollInterval,
		FetchTimeout:      cfg.Fetch.Timeout,
		ModelTimeout:      cfg.Model.Timeout,
		NotifyTimeout:     cfg.Notify.Timeout,
		Retry:             worker.RetryPolicyFromConfig(cfg.Queue),
	}
}

func sweeperConfig(cfg config.QueueConfig) worker.SweeperConfig {
	sc := worker.DefaultSweeperConfig()
	sc.Interval = cfg.SweepInterval
	sc.BatchSize = cfg.SweepLimit
	return sc
}

func reconcilerConfig(cfg *config.WorkerConfig) worker.ReconcilerConfig {
	rc := worker.DefaultReconcilerConfig()
	rc.Interval = cfg.Queue.ReconcileInterval
	rc.LookupTimeout = cfg.Notify.Timeout
	// Staleness must stay above the lease so the reconciler never races a
	// live deliverer over a fresh attempt.
	if floor := 2 * cfg.Queue.LeaseDuration; rc.Staleness < floor {
		rc.Staleness = floor
	}
	return rc
}

// maskDSN masks the password in a connection string for logging. SQLite DSNs
// are file paths and pass through unchanged.
func maskDSN(driver, dsn string) string {
	if driver == config.DriverSQLite {
		return dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		// An unparseable DSN may still carry credentials.
		return "[REDACTED]"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "xxxxxx")
		}
	}
	return u.String()
}
