package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default location of the original deployment.
const (
	DefaultLocationID   = "cluj-napoca"
	DefaultLocationName = "Cluj-Napoca"
	DefaultLocationLat  = 46.7712
	DefaultLocationLon  = 23.6236
)

// Config holds pipeline configuration loaded from YAML and env.
// Secrets are not part of Config; they are resolved per invocation through secrets.Store.
type Config struct {
	ServerPort         string
	AdminManualTrigger bool
	ShutdownTimeout    time.Duration
	SecretsPath        string

	WeatherAPIURL     string
	WeatherAPITimeout time.Duration
	RetryAttempts     int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration

	BreakerFailureThreshold int
	BreakerOpenTimeout      time.Duration

	LocationID   string
	LocationName string
	// LocationHasCoords is false when only a name was configured; the provider then queries by name.
	LocationHasCoords bool
	LocationLat       float64
	LocationLon       float64

	FetchInterval          time.Duration
	FetchCron              string
	FetchRunOnStart        bool
	FetchInvocationTimeout time.Duration
	EnqueueRetryAttempts   int
	EnqueueRetryDelay      time.Duration

	QueueBackend             string // "in_memory" or "redis"
	QueueVisibilityTimeout   time.Duration
	QueueRetention           time.Duration
	QueueDeadLetterRetention time.Duration
	QueueMaxReceiveCount     int
	QueueDedupWindow         time.Duration

	DedupBackend string // "in_memory", "memcached" or "redis"

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	ProcessorBatchSize         int
	ProcessorWorkers           int
	ProcessorPollInterval      time.Duration
	ProcessorInvocationTimeout time.Duration
	ProcessorRetryBackoffBase  time.Duration
	ProcessorRetryBackoffMax   time.Duration

	NotificationEnabled       bool
	NotificationUsername      string
	NotificationTimeout       time.Duration
	NotificationRatePerMinute int
	NotificationBurst         int

	TimeseriesEnabled          bool
	TimeseriesBackend          string // "in_memory", "redis" or "dynamodb"
	TimeseriesRawRetention     time.Duration
	TimeseriesRollupRetention  time.Duration
	TimeseriesRollupResolution time.Duration
	DynamoDBTable              string
	DynamoDBRegion             string
	DynamoDBEndpoint           string

	HealthWindow              time.Duration
	HealthFailureThresholdPct int
	HealthMinSamples          int
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Admin struct {
		ManualTrigger bool `yaml:"manual_trigger"`
	} `yaml:"admin"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Secrets struct {
		Path string `yaml:"path"`
	} `yaml:"secrets"`

	WeatherAPI struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Reliability struct {
		RetryMaxAttempts        int    `yaml:"retry_max_attempts"`
		RetryBaseDelay          string `yaml:"retry_base_delay"`
		RetryMaxDelay           string `yaml:"retry_max_delay"`
		BreakerFailureThreshold int    `yaml:"breaker_failure_threshold"`
		BreakerOpenTimeout      string `yaml:"breaker_open_timeout"`
	} `yaml:"reliability"`

	Location struct {
		ID   string   `yaml:"id"`
		Name string   `yaml:"name"`
		Lat  *float64 `yaml:"lat"`
		Lon  *float64 `yaml:"lon"`
	} `yaml:"location"`

	Fetch struct {
		Interval             string `yaml:"interval"`
		Cron                 string `yaml:"cron"`
		RunOnStart           *bool  `yaml:"run_on_start"`
		InvocationTimeout    string `yaml:"invocation_timeout"`
		EnqueueRetryAttempts int    `yaml:"enqueue_retry_attempts"`
		EnqueueRetryDelay    string `yaml:"enqueue_retry_delay"`
	} `yaml:"fetch"`

	Queue struct {
		Backend             string `yaml:"backend"`
		VisibilityTimeout   string `yaml:"visibility_timeout"`
		Retention           string `yaml:"retention"`
		DeadLetterRetention string `yaml:"dead_letter_retention"`
		MaxReceiveCount     *int   `yaml:"max_receive_count"`
		DedupWindow         string `yaml:"dedup_window"`
	} `yaml:"queue"`

	Dedup struct {
		Backend   string `yaml:"backend"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"dedup"`

	Redis struct {
		Addr      string `yaml:"addr"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	Processor struct {
		BatchSize         int    `yaml:"batch_size"`
		Workers           int    `yaml:"workers"`
		PollInterval      string `yaml:"poll_interval"`
		InvocationTimeout string `yaml:"invocation_timeout"`
		RetryBackoffBase  string `yaml:"retry_backoff_base"`
		RetryBackoffMax   string `yaml:"retry_backoff_max"`
	} `yaml:"processor"`

	Sinks struct {
		Notification struct {
			Enabled       *bool  `yaml:"enabled"`
			Username      string `yaml:"username"`
			Timeout       string `yaml:"timeout"`
			RatePerMinute int    `yaml:"rate_per_minute"`
			Burst         int    `yaml:"burst"`
		} `yaml:"notification"`
		Timeseries struct {
			Enabled          *bool  `yaml:"enabled"`
			Backend          string `yaml:"backend"`
			RawRetention     string `yaml:"raw_retention"`
			RollupRetention  string `yaml:"rollup_retention"`
			RollupResolution string `yaml:"rollup_resolution"`
			DynamoDB         struct {
				Table    string `yaml:"table"`
				Region   string `yaml:"region"`
				Endpoint string `yaml:"endpoint"`
			} `yaml:"dynamodb"`
		} `yaml:"timeseries"`
	} `yaml:"sinks"`

	Health struct {
		Window              string `yaml:"window"`
		FailureThresholdPct int    `yaml:"failure_threshold_pct"`
		MinSamples          int    `yaml:"min_samples"`
	} `yaml:"health"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) after loading an optional
// .env file. Backend selection and connection addresses can be overridden from env. Call from
// project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	// Variables already in the environment win over .env.
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
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

	cfg := &Config{}

	cfg.ServerPort = envOr("SERVER_PORT", fc.Server.Port)
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	cfg.AdminManualTrigger = fc.Admin.ManualTrigger
	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 10*time.Second)
	cfg.SecretsPath = fc.Secrets.Path
	if cfg.SecretsPath == "" {
		cfg.SecretsPath = filepath.Join(cwd, "config", "secrets.yaml")
	}

	cfg.WeatherAPIURL = fc.WeatherAPI.URL
	if cfg.WeatherAPIURL == "" {
		cfg.WeatherAPIURL = "https://api.openweathermap.org/data/2.5/weather"
	}
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 5*time.Second)
	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.BreakerFailureThreshold = fc.Reliability.BreakerFailureThreshold
	if cfg.BreakerFailureThreshold <= 0 {
		cfg.BreakerFailureThreshold = 5
	}
	cfg.BreakerOpenTimeout = parseDuration(fc.Reliability.BreakerOpenTimeout, 30*time.Second)

	loadLocation(cfg, &fc)

	cfg.FetchInterval = parseDuration(fc.Fetch.Interval, time.Hour)
	cfg.FetchCron = strings.TrimSpace(fc.Fetch.Cron)
	cfg.FetchRunOnStart = true
	if fc.Fetch.RunOnStart != nil {
		cfg.FetchRunOnStart = *fc.Fetch.RunOnStart
	}
	cfg.FetchInvocationTimeout = parseDuration(fc.Fetch.InvocationTimeout, 30*time.Second)
	cfg.EnqueueRetryAttempts = fc.Fetch.EnqueueRetryAttempts
	if cfg.EnqueueRetryAttempts <= 0 {
		cfg.EnqueueRetryAttempts = 3
	}
	cfg.EnqueueRetryDelay = parseDuration(fc.Fetch.EnqueueRetryDelay, 200*time.Millisecond)

	cfg.QueueBackend = backendOr("QUEUE_BACKEND", fc.Queue.Backend)
	cfg.QueueVisibilityTimeout = parseDuration(fc.Queue.VisibilityTimeout, 300*time.Second)
	cfg.QueueRetention = parseDuration(fc.Queue.Retention, time.Hour)
	cfg.QueueDeadLetterRetention = parseDuration(fc.Queue.DeadLetterRetention, 24*time.Hour)
	cfg.QueueMaxReceiveCount = 1
	if fc.Queue.MaxReceiveCount != nil {
		cfg.QueueMaxReceiveCount = *fc.Queue.MaxReceiveCount
	}
	cfg.QueueDedupWindow = parseDuration(fc.Queue.DedupWindow, 5*time.Minute)

	cfg.DedupBackend = backendOr("DEDUP_BACKEND", fc.Dedup.Backend)
	cfg.MemcachedAddrs = envOr("MEMCACHED_ADDRS", fc.Dedup.Memcached.Addrs)
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "127.0.0.1:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Dedup.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Dedup.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.RedisAddr = envOr("REDIS_ADDR", fc.Redis.Addr)
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "127.0.0.1:6379"
	}
	cfg.RedisPassword = envOr("REDIS_PASSWORD", fc.Redis.Password)
	cfg.RedisDB = fc.Redis.DB
	cfg.RedisKeyPrefix = fc.Redis.KeyPrefix
	if cfg.RedisKeyPrefix == "" {
		cfg.RedisKeyPrefix = "weather:"
	}

	cfg.ProcessorBatchSize = fc.Processor.BatchSize
	if cfg.ProcessorBatchSize == 0 {
		cfg.ProcessorBatchSize = 1
	}
	cfg.ProcessorWorkers = fc.Processor.Workers
	if cfg.ProcessorWorkers <= 0 {
		cfg.ProcessorWorkers = 1
	}
	cfg.ProcessorPollInterval = parseDuration(fc.Processor.PollInterval, time.Second)
	cfg.ProcessorInvocationTimeout = parseDuration(fc.Processor.InvocationTimeout, 30*time.Second)
	cfg.ProcessorRetryBackoffBase = parseDurationOrZero(fc.Processor.RetryBackoffBase, 0)
	cfg.ProcessorRetryBackoffMax = parseDuration(fc.Processor.RetryBackoffMax, 300*time.Second)

	n := fc.Sinks.Notification
	cfg.NotificationEnabled = n.Enabled == nil || *n.Enabled
	cfg.NotificationUsername = n.Username
	if cfg.NotificationUsername == "" {
		cfg.NotificationUsername = "Weather Bot"
	}
	cfg.NotificationTimeout = parseDuration(n.Timeout, 5*time.Second)
	cfg.NotificationRatePerMinute = n.RatePerMinute
	if cfg.NotificationRatePerMinute <= 0 {
		cfg.NotificationRatePerMinute = 30
	}
	cfg.NotificationBurst = n.Burst
	if cfg.NotificationBurst <= 0 {
		cfg.NotificationBurst = 5
	}

	ts := fc.Sinks.Timeseries
	cfg.TimeseriesEnabled = ts.Enabled == nil || *ts.Enabled
	cfg.TimeseriesBackend = backendOr("TIMESERIES_BACKEND", ts.Backend)
	cfg.TimeseriesRawRetention = parseDuration(ts.RawRetention, 24*time.Hour)
	cfg.TimeseriesRollupRetention = parseDuration(ts.RollupRetention, 30*24*time.Hour)
	cfg.TimeseriesRollupResolution = parseDuration(ts.RollupResolution, time.Hour)
	cfg.DynamoDBTable = ts.DynamoDB.Table
	if cfg.DynamoDBTable == "" {
		cfg.DynamoDBTable = "weather-readings"
	}
	cfg.DynamoDBRegion = envOr("AWS_REGION", ts.DynamoDB.Region)
	cfg.DynamoDBEndpoint = envOr("DYNAMODB_ENDPOINT", ts.DynamoDB.Endpoint)

	cfg.HealthWindow = parseDuration(fc.Health.Window, 5*time.Minute)
	cfg.HealthFailureThresholdPct = fc.Health.FailureThresholdPct
	if cfg.HealthFailureThresholdPct <= 0 {
		cfg.HealthFailureThresholdPct = 50
	}
	cfg.HealthMinSamples = fc.Health.MinSamples
	if cfg.HealthMinSamples <= 0 {
		cfg.HealthMinSamples = 4
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadLocation applies the location section. With neither coordinates nor a name configured,
// the original deployment's location is used.
func loadLocation(cfg *Config, fc *fileConfig) {
	loc := fc.Location
	cfg.LocationName = strings.TrimSpace(loc.Name)
	cfg.LocationID = strings.TrimSpace(loc.ID)

	switch {
	case loc.Lat != nil && loc.Lon != nil:
		cfg.LocationHasCoords = true
		cfg.LocationLat = *loc.Lat
		cfg.LocationLon = *loc.Lon
	case cfg.LocationName == "":
		cfg.LocationHasCoords = true
		cfg.LocationLat = DefaultLocationLat
		cfg.LocationLon = DefaultLocationLon
		cfg.LocationName = DefaultLocationName
		if cfg.LocationID == "" {
			cfg.LocationID = DefaultLocationID
		}
	}

	if cfg.LocationID == "" {
		if cfg.LocationName != "" {
			cfg.LocationID = strings.ReplaceAll(strings.ToLower(cfg.LocationName), " ", "-")
		} else {
			cfg.LocationID = strconv.FormatFloat(cfg.LocationLat, 'f', 4, 64) + "," + strconv.FormatFloat(cfg.LocationLon, 'f', 4, 64)
		}
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// backendOr resolves a backend name from env, then the file, defaulting to in_memory.
func backendOr(key, fileValue string) string {
	b := strings.TrimSpace(strings.ToLower(envOr(key, fileValue)))
	if b == "" {
		return "in_memory"
	}
	return b
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
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
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.FetchInvocationTimeout <= cfg.WeatherAPITimeout {
		cfg.FetchInvocationTimeout = cfg.WeatherAPITimeout + time.Second
	}
	if cfg.ProcessorBatchSize != 1 {
		return fmt.Errorf("processor.batch_size is fixed at 1, got %d", cfg.ProcessorBatchSize)
	}
	if cfg.QueueMaxReceiveCount < 0 {
		return fmt.Errorf("queue.max_receive_count must not be negative, got %d", cfg.QueueMaxReceiveCount)
	}
	if cfg.ProcessorInvocationTimeout >= cfg.QueueVisibilityTimeout {
		return fmt.Errorf("processor.invocation_timeout (%s) must be shorter than queue.visibility_timeout (%s)",
			cfg.ProcessorInvocationTimeout, cfg.QueueVisibilityTimeout)
	}
	if cfg.ProcessorRetryBackoffBase < 0 {
		return fmt.Errorf("processor.retry_backoff_base must not be negative")
	}
	if cfg.HealthFailureThresholdPct > 100 {
		return fmt.Errorf("health.failure_threshold_pct must be at most 100, got %d", cfg.HealthFailureThresholdPct)
	}

	switch cfg.QueueBackend {
	case "in_memory", "redis":
	default:
		return fmt.Errorf("queue.backend must be in_memory or redis, got %q", cfg.QueueBackend)
	}
	switch cfg.DedupBackend {
	case "in_memory", "memcached", "redis":
	default:
		return fmt.Errorf("dedup.backend must be in_memory, memcached or redis, got %q", cfg.DedupBackend)
	}
	switch cfg.TimeseriesBackend {
	case "in_memory", "redis", "dynamodb":
	default:
		return fmt.Errorf("sinks.timeseries.backend must be in_memory, redis or dynamodb, got %q", cfg.TimeseriesBackend)
	}
	if cfg.QueueBackend == "redis" && cfg.DedupBackend == "in_memory" {
		// A shared queue with per-process dedup would let two replicas enqueue the same reading.
		cfg.DedupBackend = "redis"
	}
	if !cfg.NotificationEnabled && !cfg.TimeseriesEnabled {
		return fmt.Errorf("at least one sink must be enabled")
	}
	return nil
}
