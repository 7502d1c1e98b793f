package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-dashboard-service/internal/changefeed"
)

// Open returns the Gateway for backend. Postgres settings are ignored for in_memory.
func Open(ctx context.Context, backend string, pg PostgresConfig, publisher changefeed.Publisher, logger *zap.Logger) (Gateway, error) {
	switch backend {
	case "", BackendInMemory:
		return NewMemoryStore(publisher), nil
	case BackendPostgres:
		return NewPostgresStore(ctx, pg, publisher, logger)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", backend)
	}
}
