package storage

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/providentiaww/trilix-authserver/internal/oauth"
)

// Storage drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

var (
	_ oauth.Store = (*MemoryStore)(nil)
	_ oauth.Store = (*FileStore)(nil)
	_ oauth.Store = (*PostgresStore)(nil)
	_ oauth.Store = (*RedisStore)(nil)
)

// Options selects and configures a backend.
type Options struct {
	Driver      string
	DataDir     string
	DatabaseURL string
	RedisURL    string
	Pool        PoolConfig
}

// OptionsFromEnv reads STORAGE_DRIVER, DATA_DIR, DATABASE_URL, REDIS_URL and
// the OAUTH_DB_* pool settings.
func OptionsFromEnv() Options {
	driver := strings.ToLower(strings.TrimSpace(os.Getenv("STORAGE_DRIVER")))
	if driver == "" {
		driver = DriverFile
	}
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}

	return Options{
		Driver:      driver,
		DataDir:     dataDir,
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		Pool: PoolConfig{
			MaxOpenConns:    parseEnvInt("OAUTH_DB_MAX_OPEN_CONNS", 5),
			MaxIdleConns:    parseEnvInt("OAUTH_DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: parseEnvDuration("OAUTH_DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
	}
}

// Open creates the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (oauth.Store, error) {
	switch opts.Driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverFile, "":
		return NewFileStore(opts.DataDir)
	case DriverPostgres:
		if opts.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
		return NewPostgresStore(ctx, opts.DatabaseURL, opts.Pool)
	case DriverRedis:
		if opts.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required for the redis driver")
		}
		return NewRedisStore(ctx, opts.RedisURL)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}

func parseEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}
