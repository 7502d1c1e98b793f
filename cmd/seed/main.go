// Command seed populates the weather store with synthetic stations, observations,
// predictions and alerts.
//
// Remote mode asks a running service to seed itself:
//
//	go run ./cmd/seed -url http://localhost:8080 -reset
//
// Local mode writes directly to the configured store (config/{ENV_NAME}.yaml):
//
//	go run ./cmd/seed -local -reset -events
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-dashboard-service/internal/changefeed"
	"github.com/kjstillabower/weather-dashboard-service/internal/client"
	"github.com/kjstillabower/weather-dashboard-service/internal/climate"
	"github.com/kjstillabower/weather-dashboard-service/internal/config"
	"github.com/kjstillabower/weather-dashboard-service/internal/generator"
	"github.com/kjstillabower/weather-dashboard-service/internal/models"
	"github.com/kjstillabower/weather-dashboard-service/internal/observability"
	"github.com/kjstillabower/weather-dashboard-service/internal/service"
	"github.com/kjstillabower/weather-dashboard-service/internal/store"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of a running dashboard service")
	local := flag.Bool("local", false, "seed the configured store directly instead of calling the service")
	reset := flag.Bool("reset", false, "delete every station before seeding")
	timeout := flag.Duration("timeout", 30*time.Second, "per-attempt request timeout in remote mode")
	events := flag.Bool("events", false, "log each committed change event (local mode)")
	flag.Parse()

	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var summary models.SeedSummary
	if *local {
		summary, err = runLocal(ctx, *reset, *events, logger)
	} else {
		var c *client.SeedClient
		c, err = client.NewSeedClient(*baseURL, *timeout)
		if err == nil {
			summary, err = runRemote(ctx, c, *reset)
		}
	}
	if err != nil {
		logger.Error("seed failed", zap.Error(err), zap.String("category", string(client.CategorizeError(err))))
		stop()
		os.Exit(1)
	}
	if err := printSummary(os.Stdout, summary); err != nil {
		logger.Error("print summary", zap.Error(err))
	}
}

// runRemote triggers seeding through the service API.
func runRemote(ctx context.Context, trigger client.SeedTrigger, reset bool) (models.SeedSummary, error) {
	return trigger.Trigger(ctx, reset)
}

// runLocal opens the configured store and seeds it in-process. Committed events go to
// Kafka when brokers are configured and to the log when events is set.
func runLocal(ctx context.Context, reset, events bool, logger *zap.Logger) (models.SeedSummary, error) {
	cfg, err := config.Load()
	if err != nil {
		return models.SeedSummary{}, fmt.Errorf("load config: %w", err)
	}

	feed := changefeed.NewFeed()
	publishers := changefeed.Multi{feed}
	if events {
		publishers = append(publishers, eventLogger{logger: logger})
	}

	fwdCtx, fwdCancel := context.WithCancel(ctx)
	var forwarder *changefeed.KafkaForwarder
	if len(cfg.KafkaBrokers) > 0 {
		forwarder = changefeed.NewKafkaForwarder(changefeed.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic), logger)
		forwarder.Start(fwdCtx, feed, cfg.ChangefeedBuffer*64)
	}
	defer func() {
		// Closing the feed drains the forwarder before its context is cancelled.
		feed.Close()
		if forwarder != nil {
			if err := forwarder.Close(); err != nil {
				logger.Warn("kafka writer close", zap.Error(err))
			}
		}
		fwdCancel()
	}()

	st, err := store.Open(ctx, cfg.StoreBackend, store.PostgresConfig{
		DSN:             cfg.DatabaseURL,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		AutoMigrate:     cfg.DBAutoMigrate,
	}, publishers, logger)
	if err != nil {
		return models.SeedSummary{}, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if cfg.StoreBackend == store.BackendInMemory {
		logger.Warn("local seed against the in_memory store is discarded on exit")
	}

	profiles := climate.Builtin()
	if cfg.SeedProfilesFile != "" {
		if profiles, err = climate.LoadFile(cfg.SeedProfilesFile); err != nil {
			return models.SeedSummary{}, err
		}
	}
	seed := cfg.SeedRandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	gen, err := generator.New(generator.NewSeededSource(seed), clockwork.NewRealClock(), generator.Options{
		HistoryDays:  cfg.SeedHistoryDays,
		ForecastDays: cfg.SeedForecastDays,
		StepHours:    cfg.SeedStepHours,
	})
	if err != nil {
		return models.SeedSummary{}, err
	}
	return service.NewSeeder(st, profiles, gen, logger).Seed(ctx, reset)
}

// eventLogger logs committed change events.
type eventLogger struct {
	logger *zap.Logger
}

func (e eventLogger) Publish(events ...changefeed.Event) {
	for _, ev := range events {
		e.logger.Info("change event",
			zap.String("table", ev.Table),
			zap.String("op", string(ev.Op)),
			zap.String("station_id", ev.StationID),
			zap.String("row_id", ev.RowID))
	}
}

func printSummary(w io.Writer, summary models.SeedSummary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
