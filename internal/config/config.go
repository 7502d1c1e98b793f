package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	TestingMode bool

	ServerPort string

	RequestTimeout time.Duration

	StoreBackend      string // "in_memory" or "postgres"
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBAutoMigrate     bool

	CacheTTL     time.Duration
	CacheBackend string // "in_memory" or "memcached"

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	CoalesceTimeout time.Duration

	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration

	RateLimitRPS   int
	RateLimitBurst int

	SeedHistoryDays  int
	SeedForecastDays int
	SeedStepHours    int
	SeedRandomSeed   int64 // 0 seeds from the clock
	SeedOnStartup    bool
	SeedProfilesFile string

	ChangefeedBuffer int
	KafkaBrokers     []string
	KafkaTopic       string

	EventsHeartbeat time.Duration

	HistoryLimit    int
	PredictionLimit int

	ShutdownTimeout time.Duration

	DegradedWindow   time.Duration
	DegradedErrorPct int

	WarmInterval    time.Duration
	TrackedStations []string
}

type fileConfig struct {
	TestingMode *bool `yaml:"testing_mode"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Store struct {
		Backend string `yaml:"backend"`
		Postgres struct {
			MaxOpenConns    int    `yaml:"max_open_conns"`
			MaxIdleConns    int    `yaml:"max_idle_conns"`
			ConnMaxLifetime string `yaml:"conn_max_lifetime"`
			AutoMigrate     *bool  `yaml:"auto_migrate"`
		} `yaml:"postgres"`
	} `yaml:"store"`

	Cache struct {
		Backend      string `yaml:"backend"`
		TTL          string `yaml:"ttl"`
		WarmInterval string `yaml:"warm_interval"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Coalesce struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"coalesce"`

	CircuitBreaker struct {
		FailureThreshold int    `yaml:"failure_threshold"`
		SuccessThreshold int    `yaml:"success_threshold"`
		Timeout          string `yaml:"timeout"`
	} `yaml:"circuit_breaker"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Seed struct {
		HistoryDays       int    `yaml:"history_days"`
		ForecastDays      int    `yaml:"forecast_days"`
		ForecastStepHours int    `yaml:"forecast_step_hours"`
		RandomSeed        int64  `yaml:"random_seed"`
		OnStartup         *bool  `yaml:"on_startup"`
		ProfilesFile      string `yaml:"profiles_file"`
	} `yaml:"seed"`

	Changefeed struct {
		Buffer    int    `yaml:"buffer"`
		Heartbeat string `yaml:"heartbeat"`
		Kafka struct {
			Brokers []string `yaml:"brokers"`
			Topic   string   `yaml:"topic"`
		} `yaml:"kafka"`
	} `yaml:"changefeed"`

	Dashboard struct {
		HistoryLimit    int `yaml:"history_limit"`
		PredictionLimit int `yaml:"prediction_limit"`
	} `yaml:"dashboard"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		DegradedWindow   string `yaml:"degraded_window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`

	Metrics struct {
		TrackedStations []string `yaml:"tracked_stations"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	DatabaseURL string `yaml:"database_url"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml.
// The database URL comes from DATABASE_URL env or the secrets file and is required only for
// the postgres store. Call from project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{
		TestingMode: false,
	}
	if fc.TestingMode != nil {
		cfg.TestingMode = *fc.TestingMode
	}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)

	cfg.StoreBackend = envOrFile("STORE_BACKEND", fc.Store.Backend, "in_memory")
	cfg.DBMaxOpenConns = positiveOr(fc.Store.Postgres.MaxOpenConns, 10)
	cfg.DBMaxIdleConns = positiveOr(fc.Store.Postgres.MaxIdleConns, 5)
	cfg.DBConnMaxLifetime = parseDuration(fc.Store.Postgres.ConnMaxLifetime, 30*time.Minute)
	cfg.DBAutoMigrate = true
	if fc.Store.Postgres.AutoMigrate != nil {
		cfg.DBAutoMigrate = *fc.Store.Postgres.AutoMigrate
	}
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if cfg.DatabaseURL == "" {
		secretsPath := filepath.Join(cwd, "config", "secrets.yaml")
		secretsData, err := os.ReadFile(secretsPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read secrets file: %w", err)
			}
		} else {
			var sec secretsFile
			if err := yaml.Unmarshal(secretsData, &sec); err != nil {
				return nil, fmt.Errorf("parse secrets file: %w", err)
			}
			cfg.DatabaseURL = strings.TrimSpace(sec.DatabaseURL)
		}
	}

	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 5*time.Minute)
	cfg.CacheBackend = envOrFile("CACHE_BACKEND", fc.Cache.Backend, "in_memory")
	cfg.MemcachedAddrs = strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS"))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.Cache.Memcached.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = positiveOr(fc.Cache.Memcached.MaxIdleConns, 2)
	cfg.WarmInterval = parseDurationOrZero(fc.Cache.WarmInterval, 0)

	cfg.CoalesceTimeout = parseDuration(fc.Coalesce.Timeout, 5*time.Second)

	cfg.BreakerFailureThreshold = positiveOr(fc.CircuitBreaker.FailureThreshold, 5)
	cfg.BreakerSuccessThreshold = positiveOr(fc.CircuitBreaker.SuccessThreshold, 2)
	cfg.BreakerTimeout = parseDuration(fc.CircuitBreaker.Timeout, 30*time.Second)

	cfg.RateLimitRPS = positiveOr(fc.Reliability.RateLimitRPS, 100)
	cfg.RateLimitBurst = positiveOr(fc.Reliability.RateLimitBurst, 250)

	cfg.SeedHistoryDays = positiveOr(fc.Seed.HistoryDays, 7)
	cfg.SeedForecastDays = positiveOr(fc.Seed.ForecastDays, 5)
	cfg.SeedStepHours = positiveOr(fc.Seed.ForecastStepHours, 6)
	cfg.SeedRandomSeed = fc.Seed.RandomSeed
	if v := strings.TrimSpace(os.Getenv("SEED_RANDOM_SEED")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("SEED_RANDOM_SEED must be an integer: %w", err)
		}
		cfg.SeedRandomSeed = n
	}
	if fc.Seed.OnStartup != nil {
		cfg.SeedOnStartup = *fc.Seed.OnStartup
	}
	cfg.SeedProfilesFile = strings.TrimSpace(fc.Seed.ProfilesFile)

	cfg.ChangefeedBuffer = positiveOr(fc.Changefeed.Buffer, 64)
	cfg.EventsHeartbeat = parseDurationOrZero(fc.Changefeed.Heartbeat, 15*time.Second)
	cfg.KafkaBrokers = splitList(os.Getenv("KAFKA_BROKERS"))
	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = fc.Changefeed.Kafka.Brokers
	}
	cfg.KafkaTopic = strings.TrimSpace(fc.Changefeed.Kafka.Topic)
	if cfg.KafkaTopic == "" {
		cfg.KafkaTopic = "weather.changes"
	}

	cfg.HistoryLimit = positiveOr(fc.Dashboard.HistoryLimit, 24)
	cfg.PredictionLimit = positiveOr(fc.Dashboard.PredictionLimit, 20)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = positiveOr(fc.Lifecycle.DegradedErrorPct, 5)
	cfg.TrackedStations = fc.Metrics.TrackedStations

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOrFile returns the lowercased env override, then the file value, then def.
func envOrFile(envKey, fileVal, def string) string {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(envKey)))
	if v == "" {
		v = strings.TrimSpace(strings.ToLower(fileVal))
	}
	if v == "" {
		return def
	}
	return v
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
// Used for parsing duration fields from YAML config with safe fallback to defaults.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
// Backends must be known, postgres needs a DATABASE_URL, and the coalescing timeout
// may not exceed the request timeout.
func validate(cfg *Config) error {
	switch cfg.StoreBackend {
	case "in_memory":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL required for postgres store (set env or config/secrets.yaml database_url)")
		}
	default:
		return fmt.Errorf("store.backend must be in_memory or postgres, got %q", cfg.StoreBackend)
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
		// valid
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	if cfg.CoalesceTimeout > cfg.RequestTimeout {
		cfg.CoalesceTimeout = cfg.RequestTimeout
	}
	if cfg.SeedStepHours > 24 {
		return fmt.Errorf("seed.forecast_step_hours must be at most 24, got %d", cfg.SeedStepHours)
	}
	return nil
}
