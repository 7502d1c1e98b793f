package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-dashboard-service/internal/cache"
	"github.com/kjstillabower/weather-dashboard-service/internal/changefeed"
	"github.com/kjstillabower/weather-dashboard-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-dashboard-service/internal/climate"
	"github.com/kjstillabower/weather-dashboard-service/internal/config"
	"github.com/kjstillabower/weather-dashboard-service/internal/generator"
	httphandler "github.com/kjstillabower/weather-dashboard-service/internal/http"
	"github.com/kjstillabower/weather-dashboard-service/internal/lifecycle"
	"github.com/kjstillabower/weather-dashboard-service/internal/models"
	"github.com/kjstillabower/weather-dashboard-service/internal/observability"
	"github.com/kjstillabower/weather-dashboard-service/internal/service"
	"github.com/kjstillabower/weather-dashboard-service/internal/store"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	var cacheSvc cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		cacheSvc = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		cacheSvc = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	}

	feed := changefeed.NewFeed()
	invalidator := service.NewInvalidator(cacheSvc, feed, logger)

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	st, err := store.Open(startCtx, cfg.StoreBackend, store.PostgresConfig{
		DSN:             cfg.DatabaseURL,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		AutoMigrate:     cfg.DBAutoMigrate,
	}, invalidator, logger)
	startCancel()
	if err != nil {
		logger.Fatal("store", zap.Error(err))
	}
	logger.Info("store backend ready", zap.String("backend", cfg.StoreBackend))

	forwardCtx, forwardCancel := context.WithCancel(context.Background())
	var forwarder *changefeed.KafkaForwarder
	if len(cfg.KafkaBrokers) > 0 {
		forwarder = changefeed.NewKafkaForwarder(changefeed.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic), logger)
		forwarder.Start(forwardCtx, feed, cfg.ChangefeedBuffer)
		logger.Info("kafka change forwarding enabled", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	breaker := service.NewStoreBreaker(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerTimeout,
		OnStateChange: func(from, to circuitbreaker.State) {
			logger.Warn("store circuit breaker transition", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	dashboards := service.NewDashboardService(st, cacheSvc, service.DashboardOptions{
		TTL:             cfg.CacheTTL,
		HistoryLimit:    cfg.HistoryLimit,
		PredictionLimit: cfg.PredictionLimit,
		CoalesceTimeout: cfg.CoalesceTimeout,
		Breaker:         breaker,
		Invalidator:     invalidator,
	})

	profiles, err := loadProfiles(cfg.SeedProfilesFile)
	if err != nil {
		logger.Fatal("station profiles", zap.Error(err))
	}
	gen, err := generator.New(seedSource(cfg.SeedRandomSeed), clockwork.NewRealClock(), generator.Options{
		HistoryDays:  cfg.SeedHistoryDays,
		ForecastDays: cfg.SeedForecastDays,
		StepHours:    cfg.SeedStepHours,
	})
	if err != nil {
		logger.Fatal("generator", zap.Error(err))
	}
	seeder := service.NewSeeder(st, profiles, gen, logger)

	if cfg.SeedOnStartup {
		seedCtx, seedCancel := context.WithTimeout(context.Background(), time.Minute)
		if _, err := seeder.Seed(seedCtx, false); err != nil {
			logger.Error("startup seed failed", zap.Error(err))
		}
		seedCancel()
	}

	if len(cfg.TrackedStations) > 0 {
		trackCtx, trackCancel := context.WithTimeout(context.Background(), 5*time.Second)
		stations, err := dashboards.ListStations(trackCtx)
		trackCancel()
		if err != nil {
			logger.Warn("resolve tracked stations", zap.Error(err))
		}
		observability.SetTrackedStations(resolveTrackedStations(cfg.TrackedStations, stations))
	}

	healthConfig := &httphandler.HealthConfig{
		RateLimitRPS:     cfg.RateLimitRPS,
		RateLimitBurst:   cfg.RateLimitBurst,
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
		StartTime:        time.Now(),
		StorePing:        st.Ping,
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(dashboards, seeder, feed, healthConfig, logger, limiter)
	handler.SetEventsConfig(httphandler.EventsConfig{Buffer: cfg.ChangefeedBuffer, Heartbeat: cfg.EventsHeartbeat})

	observability.RegisterRateLimitGauges(cfg.DegradedWindow)

	warmCtx, warmCancel := context.WithCancel(context.Background())
	if cfg.WarmInterval > 0 {
		warmer := cache.NewCacheWarmer(dashboards, logger)
		go func() {
			if err := warmer.WarmPeriodic(warmCtx, stationIDLister(dashboards), cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("periodic cache warming stopped", zap.Error(err))
			}
		}()
	}

	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		TestingMode:    cfg.TestingMode,
	}, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	warmCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// Closing the feed ends open event streams so Shutdown does not wait on them.
	feed.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight), zap.Int64("event_streams", httphandler.OpenStreams()))
	observability.RecordShutdownInFlight(inFlight)
	if err := httphandler.WaitForInFlight(shutdownCtx, 100*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	forwardCancel()
	if forwarder != nil {
		if err := forwarder.Close(); err != nil {
			logger.Error("kafka writer close", zap.Error(err))
		}
	}
	if err := st.Close(); err != nil {
		logger.Error("store close", zap.Error(err))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}

// loadProfiles returns the builtin station table unless a profiles file is configured.
func loadProfiles(path string) (*climate.Table, error) {
	if path == "" {
		return climate.Builtin(), nil
	}
	return climate.LoadFile(path)
}

// seedSource returns a reproducible source for a non-zero seed, else one seeded from the clock.
func seedSource(seed int64) generator.Source {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return generator.NewSeededSource(seed)
}

// resolveTrackedStations maps configured station names (or ids) to station ids, the key
// dashboard metrics are recorded under. Unknown names are kept as given.
func resolveTrackedStations(tracked []string, stations []models.Station) []string {
	byName := make(map[string]string, len(stations))
	for _, s := range stations {
		byName[s.Name] = s.ID
	}
	out := make([]string, 0, len(tracked))
	for _, t := range tracked {
		if id, ok := byName[t]; ok {
			out = append(out, id)
			continue
		}
		out = append(out, t)
	}
	return out
}

// stationIDLister adapts the dashboard service to the cache warmer.
func stationIDLister(d *service.DashboardService) cache.StationLister {
	return func(ctx context.Context) ([]string, error) {
		stations, err := d.ListStations(ctx)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(stations))
		for i, s := range stations {
			ids[i] = s.ID
		}
		return ids, nil
	}
}
