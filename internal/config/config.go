// Package config loads hatstore's runtime configuration with
// github.com/spf13/viper: defaults set in code, overridable by an
// optional config file and by environment variables prefixed HATSTORE_.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// KeyIndexBackend selects which keyindex.Index implementation to wire.
type KeyIndexBackend string

const (
	KeyIndexMemory   KeyIndexBackend = "memory"
	KeyIndexPostgres KeyIndexBackend = "postgres"
	KeyIndexSQLite   KeyIndexBackend = "sqlite"
)

// HashIndexBackend selects which hashindex.Index implementation to wire.
type HashIndexBackend string

const (
	HashIndexMemory HashIndexBackend = "memory"
	HashIndexRedis  HashIndexBackend = "redis"
)

// BlobStoreBackend selects which blobstore.Store implementation to wire.
type BlobStoreBackend string

const (
	BlobStoreMemory     BlobStoreBackend = "memory"
	BlobStoreFilesystem BlobStoreBackend = "filesystem"
)

// Config is hatstore's full runtime configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Keystore struct {
		MaxInFlightInserts int `mapstructure:"max_in_flight_inserts"`
	} `mapstructure:"keystore"`

	KeyIndex struct {
		Backend  KeyIndexBackend `mapstructure:"backend"`
		Postgres struct {
			DSN string `mapstructure:"dsn"`
		} `mapstructure:"postgres"`
		SQLite struct {
			Path string `mapstructure:"path"`
		} `mapstructure:"sqlite"`
	} `mapstructure:"key_index"`

	HashIndex struct {
		Backend HashIndexBackend `mapstructure:"backend"`
		Redis   struct {
			Addr     string `mapstructure:"addr"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
		} `mapstructure:"redis"`
	} `mapstructure:"hash_index"`

	BlobStore struct {
		Backend    BlobStoreBackend `mapstructure:"backend"`
		Filesystem struct {
			DataDir string `mapstructure:"data_dir"`
			TempDir string `mapstructure:"temp_dir"`
		} `mapstructure:"filesystem"`
		Encryption struct {
			Enabled bool   `mapstructure:"enabled"`
			KeyHex  string `mapstructure:"key_hex"`
		} `mapstructure:"encryption"`
	} `mapstructure:"blobstore"`

	Reservation struct {
		Enabled     bool          `mapstructure:"enabled"`
		Interval    time.Duration `mapstructure:"interval"`
		GracePeriod time.Duration `mapstructure:"grace_period"`
		BatchLimit  int           `mapstructure:"batch_limit"`
	} `mapstructure:"reservation"`

	AdminServer struct {
		Addr              string        `mapstructure:"addr"`
		RequestsPerSecond float64       `mapstructure:"requests_per_second"`
		BurstSize         int           `mapstructure:"burst_size"`
		RateLimitEnabled  bool          `mapstructure:"rate_limit_enabled"`
		ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"admin_server"`
}

// Load builds a viper instance with defaults, reads an optional config
// file at path (skipped if path is empty; no search is made), layers
// HATSTORE_-prefixed environment variables on top, and unmarshals the
// result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("hatstore")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("keystore.max_in_flight_inserts", 64)

	v.SetDefault("key_index.backend", string(KeyIndexMemory))
	v.SetDefault("key_index.postgres.dsn", "")
	v.SetDefault("key_index.sqlite.path", "hatstore.db")

	v.SetDefault("hash_index.backend", string(HashIndexMemory))
	v.SetDefault("hash_index.redis.addr", "localhost:6379")
	v.SetDefault("hash_index.redis.password", "")
	v.SetDefault("hash_index.redis.db", 0)

	v.SetDefault("blobstore.backend", string(BlobStoreMemory))
	v.SetDefault("blobstore.filesystem.data_dir", "./data/blobs")
	v.SetDefault("blobstore.filesystem.temp_dir", "./data/tmp")
	v.SetDefault("blobstore.encryption.enabled", false)
	v.SetDefault("blobstore.encryption.key_hex", "")

	v.SetDefault("reservation.enabled", true)
	v.SetDefault("reservation.interval", "1m")
	v.SetDefault("reservation.grace_period", "10m")
	v.SetDefault("reservation.batch_limit", 256)

	v.SetDefault("admin_server.addr", ":9090")
	v.SetDefault("admin_server.requests_per_second", 100)
	v.SetDefault("admin_server.burst_size", 200)
	v.SetDefault("admin_server.rate_limit_enabled", true)
	v.SetDefault("admin_server.shutdown_timeout", "10s")
}

func (c *Config) validate() error {
	switch c.KeyIndex.Backend {
	case KeyIndexMemory, KeyIndexSQLite:
	case KeyIndexPostgres:
		if c.KeyIndex.Postgres.DSN == "" {
			return fmt.Errorf("key_index.postgres.dsn is required for backend %q", c.KeyIndex.Backend)
		}
	default:
		return fmt.Errorf("unknown key_index.backend %q", c.KeyIndex.Backend)
	}

	switch c.HashIndex.Backend {
	case HashIndexMemory, HashIndexRedis:
	default:
		return fmt.Errorf("unknown hash_index.backend %q", c.HashIndex.Backend)
	}

	switch c.BlobStore.Backend {
	case BlobStoreMemory, BlobStoreFilesystem:
	default:
		return fmt.Errorf("unknown blobstore.backend %q", c.BlobStore.Backend)
	}

	if c.BlobStore.Encryption.Enabled && c.BlobStore.Encryption.KeyHex == "" {
		return fmt.Errorf("blobstore.encryption.key_hex is required when encryption is enabled")
	}

	return nil
}
