package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all operator configuration.
type Config struct {
	// Application
	LogLevel string
	HTTPPort string

	// Ingress
	IngressSecret         string
	IngressRotationSecret string // second live secret during rotation, optional
	FreshnessWindow       time.Duration

	// Admission queue
	QueueCapacity     int
	QueueShedFraction float64

	// Execution
	ExecutionWorkers int
	ConfirmTimeout   time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	MaxPositionSize  float64

	// Backends
	PrimaryURL          string
	SecondaryURL        string
	FailoverThreshold   int
	LatencyThreshold    time.Duration
	HealthProbeInterval time.Duration

	// Tip sizing
	TipFloor           float64
	TipCeiling         float64
	TipSizeFraction    float64
	TipPercentile      float64
	TipMinSamples      int
	TipHistoryWindow   time.Duration
	TipPersistInterval time.Duration

	// Circuit breaker
	BreakerMaxDailyLoss    float64
	BreakerMaxConsecLosses int
	BreakerMaxDrawdownPct  float64
	BreakerCooldown        time.Duration
	MarkRefreshInterval    time.Duration

	// Recovery sweep
	SweepInterval    time.Duration
	ExitStuckTimeout time.Duration

	// Reconciliation
	ReconcileInterval time.Duration
	ReconcileEpsilon  float64 // relative tolerance

	// Ground truth
	GroundTruthURL string

	// Roster merge
	RosterStagePath     string
	RosterWatchInterval time.Duration

	// Storage
	DBPath        string
	DBBusyTimeout time.Duration
	DBMaxRetries  int

	// Control surface auth
	ReadToken    string
	OperateToken string
	AdminToken   string
}

// LoadFromEnv loads configuration from environment variables with defaults.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
		HTTPPort: getEnvOrDefault("HTTP_PORT", "8080"),

		IngressSecret:         os.Getenv("INGRESS_SECRET"),
		IngressRotationSecret: os.Getenv("INGRESS_ROTATION_SECRET"),
		FreshnessWindow:       getDurationOrDefault("INGRESS_FRESHNESS_WINDOW", 30*time.Second),

		QueueCapacity:     getIntOrDefault("QUEUE_CAPACITY", 1024),
		QueueShedFraction: getFloat64OrDefault("QUEUE_SHED_FRACTION", 0.8),

		ExecutionWorkers: getIntOrDefault("EXECUTION_WORKERS", 4),
		ConfirmTimeout:   getDurationOrDefault("EXECUTION_CONFIRM_TIMEOUT", 45*time.Second),
		MaxRetries:       getIntOrDefault("EXECUTION_MAX_RETRIES", 3),
		RetryBackoff:     getDurationOrDefault("EXECUTION_RETRY_BACKOFF", 2*time.Second),
		MaxPositionSize:  getFloat64OrDefault("EXECUTION_MAX_POSITION_SIZE", 1000.0),

		PrimaryURL:          getEnvOrDefault("BACKEND_PRIMARY_URL", "http://localhost:8899"),
		SecondaryURL:        getEnvOrDefault("BACKEND_SECONDARY_URL", "http://localhost:8900"),
		FailoverThreshold:   getIntOrDefault("BACKEND_FAILOVER_THRESHOLD", 3),
		LatencyThreshold:    getDurationOrDefault("BACKEND_LATENCY_THRESHOLD", 5*time.Second),
		HealthProbeInterval: getDurationOrDefault("BACKEND_HEALTH_PROBE_INTERVAL", 30*time.Second),

		TipFloor:           getFloat64OrDefault("TIP_FLOOR", 0.0001),
		TipCeiling:         getFloat64OrDefault("TIP_CEILING", 0.01),
		TipSizeFraction:    getFloat64OrDefault("TIP_SIZE_FRACTION", 0.05),
		TipPercentile:      getFloat64OrDefault("TIP_PERCENTILE", 0.50),
		TipMinSamples:      getIntOrDefault("TIP_MIN_SAMPLES", 20),
		TipHistoryWindow:   getDurationOrDefault("TIP_HISTORY_WINDOW", 6*time.Hour),
		TipPersistInterval: getDurationOrDefault("TIP_PERSIST_INTERVAL", 1*time.Minute),

		BreakerMaxDailyLoss:    getFloat64OrDefault("BREAKER_MAX_DAILY_LOSS", 500.0),
		BreakerMaxConsecLosses: getIntOrDefault("BREAKER_MAX_CONSEC_LOSSES", 5),
		BreakerMaxDrawdownPct:  getFloat64OrDefault("BREAKER_MAX_DRAWDOWN_PCT", 0.10),
		BreakerCooldown:        getDurationOrDefault("BREAKER_COOLDOWN", 30*time.Minute),
		MarkRefreshInterval:    getDurationOrDefault("MARK_REFRESH_INTERVAL", 15*time.Second),

		SweepInterval:    getDurationOrDefault("SWEEP_INTERVAL", 1*time.Minute),
		ExitStuckTimeout: getDurationOrDefault("SWEEP_EXIT_STUCK_TIMEOUT", 5*time.Minute),

		ReconcileInterval: getDurationOrDefault("RECONCILE_INTERVAL", 5*time.Minute),
		ReconcileEpsilon:  getFloat64OrDefault("RECONCILE_EPSILON", 0.0001),

		GroundTruthURL: getEnvOrDefault("GROUND_TRUTH_URL", "http://localhost:8901"),

		RosterStagePath:     getEnvOrDefault("ROSTER_STAGE_PATH", "data/roster_staged.db"),
		RosterWatchInterval: getDurationOrDefault("ROSTER_WATCH_INTERVAL", 30*time.Second),

		DBPath:        getEnvOrDefault("DB_PATH", "data/chimera.db"),
		DBBusyTimeout: getDurationOrDefault("DB_BUSY_TIMEOUT", 5*time.Second),
		DBMaxRetries:  getIntOrDefault("DB_MAX_RETRIES", 5),

		ReadToken:    os.Getenv("AUTH_READ_TOKEN"),
		OperateToken: os.Getenv("AUTH_OPERATE_TOKEN"),
		AdminToken:   os.Getenv("AUTH_ADMIN_TOKEN"),
	}

	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks that configuration values are valid.
func (c *Config) Validate() error {
	if c.HTTPPort == "" {
		return fmt.Errorf("HTTP_PORT cannot be empty")
	}

	if c.IngressSecret == "" {
		return fmt.Errorf("INGRESS_SECRET cannot be empty")
	}

	if c.QueueCapacity <= 0 {
		return fmt.Errorf("QUEUE_CAPACITY must be positive, got %d", c.QueueCapacity)
	}

	if c.QueueShedFraction <= 0 || c.QueueShedFraction > 1.0 {
		return fmt.Errorf("QUEUE_SHED_FRACTION must be in (0, 1], got %f", c.QueueShedFraction)
	}

	if c.TipFloor <= 0 {
		return fmt.Errorf("TIP_FLOOR must be positive, got %f", c.TipFloor)
	}

	if c.TipCeiling < c.TipFloor {
		return fmt.Errorf("TIP_CEILING must be >= TIP_FLOOR, got %f < %f", c.TipCeiling, c.TipFloor)
	}

	if c.TipPercentile <= 0 || c.TipPercentile >= 1.0 {
		return fmt.Errorf("TIP_PERCENTILE must be in (0, 1), got %f", c.TipPercentile)
	}

	if c.ReconcileEpsilon < 0 {
		return fmt.Errorf("RECONCILE_EPSILON cannot be negative, got %f", c.ReconcileEpsilon)
	}

	if c.FailoverThreshold <= 0 {
		return fmt.Errorf("BACKEND_FAILOVER_THRESHOLD must be positive, got %d", c.FailoverThreshold)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("EXECUTION_MAX_RETRIES cannot be negative, got %d", c.MaxRetries)
	}

	return nil
}

func getEnvOrDefault(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getFloat64OrDefault(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatVal, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}

	return floatVal
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return duration
}
