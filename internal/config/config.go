package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config configures the branch service.
type Config struct {
	StoreDriver string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	ServerPort string
	ServerHost string

	// Login tokens
	JWTSecret string
	JWTIssuer string
	TokenTTL  time.Duration

	// Per-connection limits
	MaxBranchSize int64
	RateLimit     float64
	RateBurst     int

	// Cross-instance fanout; empty disables it.
	RedisAddr    string
	RedisChannel string
	InstanceID   string

	// Compaction worker pool
	CompactionThreshold int
	CompactionWorkers   int
	CompactionQueueSize int

	// Observability
	JaegerEndpoint   string
	TraceSampleRatio float64
	LogLevel         logrus.Level
	ServiceName      string
	ServiceVersion   string
}

// ClientConfig configures instctl.
type ClientConfig struct {
	ServerURL     string
	Token         string
	DataDir       string
	EncryptionKey string
	LogLevel      logrus.Level
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	host, _ := os.Hostname()
	cfg := &Config{
		StoreDriver: getEnv("STORE_DRIVER", StoreMemory),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "instdocs"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		JWTSecret: getEnv("JWT_SECRET", ""),
		JWTIssuer: getEnv("JWT_ISSUER", "instdocs"),
		TokenTTL:  getEnvDuration("TOKEN_TTL", 24*time.Hour),

		MaxBranchSize: int64(getEnvInt("MAX_BRANCH_SIZE", 8<<20)),
		RateLimit:     getEnvFloat("RATE_LIMIT", 50),
		RateBurst:     getEnvInt("RATE_BURST", 100),

		RedisAddr:    getEnv("REDIS_ADDR", ""),
		RedisChannel: getEnv("REDIS_CHANNEL", "instdocs:branches"),
		InstanceID:   getEnv("INSTANCE_ID", host),

		CompactionThreshold: getEnvInt("COMPACTION_THRESHOLD", 500),
		CompactionWorkers:   getEnvInt("COMPACTION_WORKERS", 2),
		CompactionQueueSize: getEnvInt("COMPACTION_QUEUE_SIZE", 100),

		JaegerEndpoint:   getEnv("JAEGER_ENDPOINT", ""),
		TraceSampleRatio: getEnvFloat("TRACE_SAMPLE_RATIO", 1),
		ServiceName:      getEnv("SERVICE_NAME", "instdocs"),
		ServiceVersion:   getEnv("SERVICE_VERSION", "dev"),
	}

	level, err := logrus.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	cfg.LogLevel = level

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	switch c.StoreDriver {
	case StoreMemory, StorePostgres:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreMemory, StorePostgres, c.StoreDriver))
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 16 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 16 characters"))
	}
	if c.MaxBranchSize < 0 {
		errs = append(errs, errors.New("MAX_BRANCH_SIZE must not be negative"))
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		errs = append(errs, errors.New("RATE_LIMIT and RATE_BURST must not be negative"))
	}
	if c.RateLimit > 0 && c.RateBurst == 0 {
		errs = append(errs, errors.New("RATE_BURST must be positive when RATE_LIMIT is set"))
	}
	if c.CompactionWorkers < 1 {
		errs = append(errs, errors.New("COMPACTION_WORKERS must be at least 1"))
	}
	if c.CompactionQueueSize < 1 {
		errs = append(errs, errors.New("COMPACTION_QUEUE_SIZE must be at least 1"))
	}
	return errors.Join(errs...)
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return c.ServerHost + ":" + c.ServerPort
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// LoadClient reads the instctl settings.
func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	cfg := &ClientConfig{
		ServerURL:     getEnv("SERVER_URL", "ws://localhost:8080/ws"),
		Token:         getEnv("TOKEN", ""),
		DataDir:       getEnv("DATA_DIR", home+"/.instdocs"),
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
	}
	level, err := logrus.ParseLevel(getEnv("LOG_LEVEL", "warn"))
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	cfg.LogLevel = level
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
