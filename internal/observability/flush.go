package observability

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// FlushTelemetry flushes buffered spans and logs before process exit. Prometheus is
// pull-based and needs no flush. Call during graceful shutdown after requests drain.
func FlushTelemetry(ctx context.Context, logger *zap.Logger) error {
	var errs []error
	// The global provider is a no-op unless an SDK provider was installed.
	if f, ok := otel.GetTracerProvider().(interface{ ForceFlush(context.Context) error }); ok {
		if err := f.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush spans: %w", err))
		}
	}
	if logger != nil {
		if err := logger.Sync(); err != nil && !isUnsyncableFile(err) {
			errs = append(errs, fmt.Errorf("flush logs: %w", err))
		}
	}
	return errors.Join(errs...)
}

// isUnsyncableFile reports the error fsync returns for terminals and pipes.
func isUnsyncableFile(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}
