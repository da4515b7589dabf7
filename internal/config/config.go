package config

import (
	"os"
	"time"
)

// StoreConfig points at the durable sqlite store.
type StoreConfig struct {
	DSN string
}

// SchedulerConfig drives the periodic admission point into the sync
// engine. ConflictPolicy is one of SERVER_WINS/CLIENT_WINS/LAST_WRITE_WINS
// (see internal/sync/conflict); empty means the resolver's default.
type SchedulerConfig struct {
	Interval       time.Duration
	ConflictPolicy string
}

type Config struct {
	Store     StoreConfig
	Scheduler SchedulerConfig
	ICS       ICSConfig
	LogLevel  string
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func Load() (*Config, error) {
	return &Config{
		Store: StoreConfig{
			DSN: getenv("SYNC_STORE_DSN", "./data/sync-core.db"),
		},
		Scheduler: SchedulerConfig{
			Interval:       getenvDuration("SYNC_INTERVAL", 15*time.Minute),
			ConflictPolicy: getenv("SYNC_CONFLICT_POLICY", "SERVER_WINS"),
		},
		ICS: ICSConfig{
			CompanyName: getenv("ICS_COMPANY_NAME", "kashcal"),
			ProductName: getenv("ICS_PRODUCT_NAME", "sync-core"),
			Version:     getenv("ICS_VERSION", "1.0.0"),
			Language:    getenv("ICS_LANGUAGE", "EN"),
		},
		LogLevel: getenv("LOG_LEVEL", "info"),
	}, nil
}
