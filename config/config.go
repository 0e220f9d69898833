package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServiceName string
	HTTP        HTTPConfig
	Store       StoreConfig
	Postgres    PostgresConfig
	SQLite      SQLiteConfig
	Mongo       MongoConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Auth        AuthConfig
	Tracing     TracingConfig
	Log         LogConfig
}

type HTTPConfig struct {
	Port               string
	RequestTimeout     time.Duration
	ShutdownTimeout    time.Duration
	MaxRequestBodySize int64
}

type StoreConfig struct {
	// Driver is one of postgres, sqlite, mongo, memory
	Driver    string
	TxTimeout time.Duration
}

type PostgresConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	DBName         string
	MigrationsPath string
}

type SQLiteConfig struct {
	Path           string
	MigrationsPath string
}

type MongoConfig struct {
	URI      string
	Database string
}

// RedisConfig with an empty Addr disables the product cache
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// KafkaConfig with no brokers disables the outbox poller
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	PollInterval time.Duration
}

type AuthConfig struct {
	JWTSecret string
}

// TracingConfig with an empty CollectorEndpoint keeps the no-op tracer
type TracingConfig struct {
	CollectorEndpoint string
}

type LogConfig struct {
	Level string
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	var errs []error
	duration := func(key, def string) time.Duration {
		d, err := time.ParseDuration(getEnv(key, def))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
		return d
	}
	integer := func(key, def string) int {
		n, err := strconv.Atoi(getEnv(key, def))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
		return n
	}

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "storefront"),
		HTTP: HTTPConfig{
			Port:               getEnv("HTTP_PORT", "8080"),
			RequestTimeout:     duration("REQUEST_TIMEOUT", "30s"),
			ShutdownTimeout:    duration("SHUTDOWN_TIMEOUT", "10s"),
			MaxRequestBodySize: 1 << 20, // 1MB
		},
		Store: StoreConfig{
			Driver:    getEnv("STORE_DRIVER", DriverPostgres),
			TxTimeout: duration("TX_TIMEOUT", "5s"),
		},
		Postgres: PostgresConfig{
			Host:           getEnv("DB_HOST", "localhost"),
			Port:           integer("DB_PORT", "5432"),
			User:           getEnv("DB_USER", "postgres"),
			Password:       getEnv("DB_PASSWORD", "postgres"),
			DBName:         getEnv("DB_NAME", "storefront"),
			MigrationsPath: getEnv("MIGRATIONS_PATH", "./internal/repository/migrations"),
		},
		SQLite: SQLiteConfig{
			Path:           getEnv("SQLITE_PATH", "storefront.db"),
			MigrationsPath: getEnv("MIGRATIONS_PATH", "./internal/repository/migrations"),
		},
		Mongo: MongoConfig{
			URI:      getEnv("MONGO_URI", "mongodb://localhost:27017/?replicaSet=rs0"),
			Database: getEnv("MONGO_DATABASE", "storefront"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       integer("REDIS_DB", "0"),
			TTL:      duration("PRODUCT_CACHE_TTL", "1m"),
		},
		Kafka: KafkaConfig{
			Brokers:      splitList(getEnv("KAFKA_BROKERS", "")),
			Topic:        getEnv("KAFKA_TOPIC", "orders-outbox"),
			PollInterval: duration("OUTBOX_POLL_INTERVAL", "1s"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Tracing: TracingConfig{
			CollectorEndpoint: getEnv("OTEL_COLLECTOR_ENDPOINT", ""),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	switch cfg.Store.Driver {
	case DriverPostgres, DriverSQLite, DriverMongo, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", cfg.Store.Driver))
	}
	if cfg.Auth.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("load config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
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
