package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	DBBackend   DatabaseBackend
	DBDSN       string
	InstanceID  string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Redis backs the shared election cooldown across coordinator instances.
	// When RedisAddr is empty the cooldown is per-process.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// NATS mirrors bus events for external monitors. Empty URL disables it.
	NATSURL string

	// Sync coordination knobs
	OnlineWindow         time.Duration // heartbeat recency required to start a session
	ColdThreshold        time.Duration // heartbeat age beyond which a device counts as cold
	MasterTimeout        time.Duration // freshness bound on the master's heartbeat
	ElectionInterval     time.Duration // minimum spacing between election scans per session
	PrepBufferMinMs      int
	PrepBufferMaxMs      int
	StartTimeoutMinMs    int
	StartTimeoutMaxMs    int
	CommandRetention     time.Duration // PENDING commands older than this are failed
	JanitorInterval      time.Duration
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("WALLSYNC_ENV", "development"),
		HTTPBind:    getEnv("WALLSYNC_HTTP_BIND", "0.0.0.0"),
		HTTPPort:    getEnvInt("WALLSYNC_HTTP_PORT", 8080),
		DBBackend:   DatabaseBackend(getEnv("WALLSYNC_DB_BACKEND", string(DatabasePostgres))),
		DBDSN:       getEnv("WALLSYNC_DB_DSN", ""),
		InstanceID:  getEnv("WALLSYNC_INSTANCE_ID", ""),

		TracingEnabled:    getEnvBool("WALLSYNC_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("WALLSYNC_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("WALLSYNC_TRACING_SAMPLE_RATE", 1.0),

		RedisAddr:     getEnv("WALLSYNC_REDIS_ADDR", ""),
		RedisPassword: getEnv("WALLSYNC_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("WALLSYNC_REDIS_DB", 0),

		NATSURL: getEnv("WALLSYNC_NATS_URL", ""),

		OnlineWindow:      getEnvDuration("WALLSYNC_ONLINE_WINDOW", 5*time.Minute),
		ColdThreshold:     getEnvDuration("WALLSYNC_COLD_THRESHOLD", 60*time.Second),
		MasterTimeout:     getEnvDuration("WALLSYNC_MASTER_TIMEOUT", 5*time.Second),
		ElectionInterval:  getEnvDuration("WALLSYNC_ELECTION_INTERVAL", 10*time.Second),
		PrepBufferMinMs:   getEnvInt("WALLSYNC_PREP_BUFFER_MIN_MS", 8000),
		PrepBufferMaxMs:   getEnvInt("WALLSYNC_PREP_BUFFER_MAX_MS", 12000),
		StartTimeoutMinMs: getEnvInt("WALLSYNC_START_TIMEOUT_MIN_MS", 10000),
		StartTimeoutMaxMs: getEnvInt("WALLSYNC_START_TIMEOUT_MAX_MS", 20000),
		CommandRetention:  getEnvDuration("WALLSYNC_COMMAND_RETENTION", 10*time.Minute),
		JanitorInterval:   getEnvDuration("WALLSYNC_JANITOR_INTERVAL", time.Minute),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("WALLSYNC_DB_DSN must be provided")
	}

	if cfg.PrepBufferMinMs <= 0 || cfg.PrepBufferMaxMs < cfg.PrepBufferMinMs {
		return nil, fmt.Errorf("invalid preparation buffer bounds [%d, %d]", cfg.PrepBufferMinMs, cfg.PrepBufferMaxMs)
	}

	if cfg.StartTimeoutMinMs <= 0 || cfg.StartTimeoutMaxMs < cfg.StartTimeoutMinMs {
		return nil, fmt.Errorf("invalid start timeout bounds [%d, %d]", cfg.StartTimeoutMinMs, cfg.StartTimeoutMaxMs)
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(strings.TrimSpace(val))
		if val == "true" || val == "1" || val == "yes" {
			return true
		}
		if val == "false" || val == "0" || val == "no" {
			return false
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return def
}
