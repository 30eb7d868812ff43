// Package config builds the single immutable configuration both daemons are
// constructed from. All tunables come from environment variables, read once
// at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is passed by value to each component; nothing mutates it after Load.
type Config struct {
	// Gateway.
	ListenAddr      string
	RateLimitEvents int
	RateLimitWindow time.Duration
	DefaultDomain   string
	MaxBodyBytes    int64

	// Worker pool.
	WorkerMetricsAddr string
	WorkerCount       int
	RetryInterval     time.Duration
	MaxAttempts       uint
	DeliveryTimeout   time.Duration
	DrainTimeout      time.Duration

	// Queue.
	QueueBackend    string // "file" or "redis"
	QueueDir        string
	RedisAddr       string
	LeaseVisibility time.Duration

	// Store.
	StoreURL string

	// TLS material shared by server and client sides.
	TLSCertPath  string
	TLSKeyPath   string
	CABundlePath string

	// Oracle sources.
	ClientsFile    string
	RevocationFile string
	OracleRefresh  time.Duration

	// Logging.
	LogLevel string
}

const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// Load reads the environment and validates the result.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:      getEnvOrDefault("GATEWAY_LISTEN_ADDR", ":8443"),
		RateLimitEvents: getEnvInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow: getEnvSeconds("RATE_LIMIT_WINDOW_SECONDS", 60),
		DefaultDomain:   getEnvOrDefault("DEFAULT_DOMAIN", "default"),
		MaxBodyBytes:    int64(getEnvInt("MAX_BODY_BYTES", 64*1024)),

		WorkerMetricsAddr: getEnvOrDefault("WORKER_METRICS_ADDR", "127.0.0.1:9090"),
		WorkerCount:       getEnvInt("WORKER_COUNT", 4),
		RetryInterval:     getEnvSeconds("RETRY_INTERVAL_SECONDS", 30),
		MaxAttempts:       uint(getEnvInt("MAX_ATTEMPTS", 10000)),
		DeliveryTimeout:   getEnvSeconds("DELIVERY_TIMEOUT_SECONDS", 10),
		DrainTimeout:      getEnvSeconds("DRAIN_TIMEOUT_SECONDS", 20),

		QueueBackend:    getEnvOrDefault("QUEUE_BACKEND", BackendFile),
		QueueDir:        getEnvOrDefault("QUEUE_DIR", "./spool"),
		RedisAddr:       getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		LeaseVisibility: getEnvSeconds("LEASE_VISIBILITY_SECONDS", 60),

		StoreURL: os.Getenv("STORE_URL"),

		TLSCertPath:  os.Getenv("TLS_CERT_PATH"),
		TLSKeyPath:   os.Getenv("TLS_KEY_PATH"),
		CABundlePath: os.Getenv("CA_BUNDLE_PATH"),

		ClientsFile:    os.Getenv("CLIENTS_FILE"),
		RevocationFile: os.Getenv("REVOCATION_FILE"),
		OracleRefresh:  getEnvSeconds("ORACLE_REFRESH_SECONDS", 30),

		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1, got %d", c.WorkerCount)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1")
	}
	if c.RetryInterval <= 0 {
		return fmt.Errorf("RETRY_INTERVAL_SECONDS must be positive")
	}
	if c.DeliveryTimeout <= 0 {
		return fmt.Errorf("DELIVERY_TIMEOUT_SECONDS must be positive")
	}
	switch c.QueueBackend {
	case BackendFile, BackendRedis:
	default:
		return fmt.Errorf("QUEUE_BACKEND must be %q or %q, got %q", BackendFile, BackendRedis, c.QueueBackend)
	}
	if c.QueueBackend == BackendFile && c.QueueDir == "" {
		return fmt.Errorf("QUEUE_DIR is required for the file queue backend")
	}
	if c.RateLimitEvents < 1 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("rate limit requires positive RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW_SECONDS")
	}
	return nil
}

func getEnvOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}
