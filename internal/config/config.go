package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Persistence backends
const (
	PersistenceNone     = "none"
	PersistenceBadger   = "badger"
	PersistencePostgres = "postgres"
	PersistenceRedis    = "redis"
)

type Config struct {
	ServerHost string
	ServerPort string

	// Persistence selects the snapshot backend. Empty means badger when
	// PersistenceDir is set, none otherwise.
	Persistence    string
	PersistenceDir string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// Relay tuning
	PingInterval       time.Duration
	SendQueueSize      int
	WriteTimeout       time.Duration
	PersistTimeout     time.Duration
	EvictRetryInterval time.Duration
	EvictRetryMax      time.Duration

	// Observability
	JaegerEndpoint string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		ServerHost: getEnv("SERVER_HOST", "localhost"),
		ServerPort: getEnv("SERVER_PORT", "1234"),

		Persistence:    getEnv("PERSISTENCE", ""),
		PersistenceDir: getEnv("YPERSISTENCE", ""),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "collab_relay"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisPrefix:   getEnv("REDIS_PREFIX", "relay:doc:"),

		PingInterval:       getEnvDuration("PING_INTERVAL", 30*time.Second),
		SendQueueSize:      getEnvInt("SEND_QUEUE_SIZE", 256),
		WriteTimeout:       getEnvDuration("WRITE_TIMEOUT", 10*time.Second),
		PersistTimeout:     getEnvDuration("PERSIST_TIMEOUT", 10*time.Second),
		EvictRetryInterval: getEnvDuration("EVICT_RETRY_INTERVAL", 500*time.Millisecond),
		EvictRetryMax:      getEnvDuration("EVICT_RETRY_MAX", 5*time.Minute),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", ""),
	}

	if cfg.Persistence == "" {
		cfg.Persistence = PersistenceNone
		if cfg.PersistenceDir != "" {
			cfg.Persistence = PersistenceBadger
		}
	}

	switch cfg.Persistence {
	case PersistenceNone, PersistencePostgres, PersistenceRedis:
	case PersistenceBadger:
		if cfg.PersistenceDir == "" {
			return nil, fmt.Errorf("YPERSISTENCE is required for badger persistence")
		}
	default:
		return nil, fmt.Errorf("unknown PERSISTENCE %q", cfg.Persistence)
	}

	if cfg.PingInterval <= 0 {
		return nil, fmt.Errorf("PING_INTERVAL must be positive")
	}

	return cfg, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("30s") or plain milliseconds ("30000")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
