package a

import (
	"context"
	"log/slog"
)

func packageLevel(ctx context.Context) {
	slog.Info("work item claimed") // want "Info should be InfoContext when a context is in scope so log records carry trace correlation"
	slog.InfoContext(ctx, "work item claimed")
}

func errorLevel(ctx context.Context, err error) {
	slog.Error("stage failed", "error", err) // want "Error should be ErrorContext when a context is in scope so log records carry trace correlation"
	slog.ErrorContext(ctx, "stage failed", "error", err)
}

func onLogger(ctx context.Context, logger *slog.Logger) {
	logger.Warn("lease expiring") // want "Warn should be WarnContext when a context is in scope so log records carry trace correlation"
	logger.WarnContext(ctx, "lease expiring")
}

func debugLevel(ctx context.Context) {
	slog.Debug("poll idle") // want "Debug should be DebugContext when a context is in scope so log records carry trace correlation"
	slog.DebugContext(ctx, "poll idle")
}

func noContext() {
	slog.Info("daemon starting")
}

func discardedContext(_ context.Context) {
	slog.Info("best effort cleanup")
}

func nolintGeneral(ctx context.Context) {
	//nolint
	slog.Info("startup banner")
	slog.InfoContext(ctx, "ready")
}

func nolintSpecific(ctx context.Context) {
	slog.Info("startup banner") //nolint:slogctx
	slog.InfoContext(ctx, "ready")
}

func nolintOtherLinter(ctx context.Context) {
	slog.Info("startup banner") //nolint:otherlinter // want "Info should be InfoContext when a context is in scope so log records carry trace correlation"
	slog.InfoContext(ctx, "ready")
}

func notSlog(ctx context.Context, r recorder) {
	r.Info("unrelated method")
	slog.InfoContext(ctx, "done")
}

type recorder struct{}

func (recorder) Info(msg string) {}
