package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/devrev/hyperdrive/internal/model"
)

// Config represents the hyperdrive service configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	HyperDrive  HyperDriveConfig  `mapstructure:"hyperdrive" yaml:"hyperdrive"`
	Providers   ProvidersConfig   `mapstructure:"providers" yaml:"providers"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter" yaml:"rate_limiter"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig represents HTTP and gRPC health server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	GRPCHealthPort  int           `mapstructure:"grpc_health_port" yaml:"grpc_health_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// HyperDriveConfig controls failover and replication
type HyperDriveConfig struct {
	// Primary is tried first by every failover plan; empty means priority order only
	Primary string `mapstructure:"primary" yaml:"primary"`
	// Replicas is a comma-separated list restricting replication targets;
	// empty means every active provider
	Replicas                  string        `mapstructure:"replicas" yaml:"replicas"`
	AttemptTimeout            time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout"`
	ReplicationBackoff        time.Duration `mapstructure:"replication_backoff" yaml:"replication_backoff"`
	FailureThreshold          int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	FailureWindow             time.Duration `mapstructure:"failure_window" yaml:"failure_window"`
	MaxReplicationConcurrency int           `mapstructure:"max_replication_concurrency" yaml:"max_replication_concurrency"`
	ReplicationWorkers        int           `mapstructure:"replication_workers" yaml:"replication_workers"`
	ReplicationQueueSize      int           `mapstructure:"replication_queue_size" yaml:"replication_queue_size"`
}

// ProvidersConfig holds one section per built-in provider
type ProvidersConfig struct {
	Memory   MemoryConfig   `mapstructure:"memory" yaml:"memory"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
}

// MemoryConfig represents the in-process provider
type MemoryConfig struct {
	Enabled  bool `mapstructure:"enabled" yaml:"enabled"`
	Priority int  `mapstructure:"priority" yaml:"priority"`
}

// SQLiteConfig represents the embedded SQLite provider
type SQLiteConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Priority int    `mapstructure:"priority" yaml:"priority"`
	Path     string `mapstructure:"path" yaml:"path"`
}

// PostgresConfig represents the PostgreSQL provider
type PostgresConfig struct {
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled"`
	Priority       int    `mapstructure:"priority" yaml:"priority"`
	Host           string `mapstructure:"host" yaml:"host"`
	Port           int    `mapstructure:"port" yaml:"port"`
	Database       string `mapstructure:"database" yaml:"database"`
	User           string `mapstructure:"user" yaml:"user"`
	Password       string `mapstructure:"password" yaml:"-"`
	MaxConnections int    `mapstructure:"max_connections" yaml:"max_connections"`
	MinConnections int    `mapstructure:"min_connections" yaml:"min_connections"`
}

// RedisConfig represents the Redis provider
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Priority  int    `mapstructure:"priority" yaml:"priority"`
	Host      string `mapstructure:"host" yaml:"host"`
	Port      int    `mapstructure:"port" yaml:"port"`
	Password  string `mapstructure:"password" yaml:"-"`
	DB        int    `mapstructure:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// RateLimiterConfig holds rate limiter configuration
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size" yaml:"burst_size"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// ProviderSetting is the resolved registration of one enabled provider
type ProviderSetting struct {
	ID       model.ProviderID `yaml:"id"`
	Priority int              `yaml:"priority"`
}

// EnabledProviders lists enabled providers in the order they are documented
func (c *Config) EnabledProviders() []ProviderSetting {
	var out []ProviderSetting
	p := c.Providers
	if p.Memory.Enabled {
		out = append(out, ProviderSetting{ID: model.ProviderMemory, Priority: p.Memory.Priority})
	}
	if p.SQLite.Enabled {
		out = append(out, ProviderSetting{ID: model.ProviderSQLite, Priority: p.SQLite.Priority})
	}
	if p.Postgres.Enabled {
		out = append(out, ProviderSetting{ID: model.ProviderPostgres, Priority: p.Postgres.Priority})
	}
	if p.Redis.Enabled {
		out = append(out, ProviderSetting{ID: model.ProviderRedis, Priority: p.Redis.Priority})
	}
	return out
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.GRPCHealthPort < 0 || c.Server.GRPCHealthPort > 65535 {
		return fmt.Errorf("invalid grpc health port: %d", c.Server.GRPCHealthPort)
	}
	if c.Server.GRPCHealthPort != 0 && c.Server.GRPCHealthPort == c.Server.Port {
		return errors.New("server.grpc_health_port must differ from server.port")
	}

	hd := c.HyperDrive
	if hd.AttemptTimeout <= 0 {
		return errors.New("hyperdrive.attempt_timeout must be positive")
	}
	if hd.ReplicationBackoff <= 0 {
		return errors.New("hyperdrive.replication_backoff must be positive")
	}
	if hd.FailureThreshold <= 0 {
		return errors.New("hyperdrive.failure_threshold must be positive")
	}
	if hd.FailureWindow <= 0 {
		return errors.New("hyperdrive.failure_window must be positive")
	}
	if hd.MaxReplicationConcurrency <= 0 {
		return errors.New("hyperdrive.max_replication_concurrency must be positive")
	}
	if hd.ReplicationWorkers <= 0 {
		return errors.New("hyperdrive.replication_workers must be positive")
	}
	if hd.ReplicationQueueSize <= 0 {
		return errors.New("hyperdrive.replication_queue_size must be positive")
	}

	enabled := c.EnabledProviders()
	if len(enabled) == 0 {
		return errors.New("at least one provider must be enabled")
	}
	if hd.Primary != "" {
		primary, err := model.ParseProviderID(hd.Primary)
		if err != nil {
			return fmt.Errorf("hyperdrive.primary: %w", err)
		}
		found := false
		for _, p := range enabled {
			if p.ID == primary {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("hyperdrive.primary %q is not an enabled provider", primary)
		}
	}

	if c.Providers.SQLite.Enabled && c.Providers.SQLite.Path == "" {
		return errors.New("providers.sqlite.path is required")
	}
	if c.Providers.Postgres.Enabled {
		if c.Providers.Postgres.Host == "" {
			return errors.New("providers.postgres.host is required")
		}
		if c.Providers.Postgres.Database == "" {
			return errors.New("providers.postgres.database is required")
		}
	}
	if c.Providers.Redis.Enabled && c.Providers.Redis.Host == "" {
		return errors.New("providers.redis.host is required")
	}

	if c.RateLimiter.Enabled {
		if c.RateLimiter.RequestsPerSecond <= 0 {
			return errors.New("rate limiter requests per second must be positive")
		}
		if c.RateLimiter.BurstSize <= 0 {
			return errors.New("rate limiter burst size must be positive")
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	return nil
}

// DefaultConfig returns default configuration values: a single in-memory
// provider and the documented failover and replication timings
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			GRPCHealthPort:  50051,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		HyperDrive: HyperDriveConfig{
			AttemptTimeout:            10 * time.Second,
			ReplicationBackoff:        30 * time.Second,
			FailureThreshold:          3,
			FailureWindow:             60 * time.Second,
			MaxReplicationConcurrency: 8,
			ReplicationWorkers:        4,
			ReplicationQueueSize:      1024,
		},
		Providers: ProvidersConfig{
			Memory: MemoryConfig{
				Enabled:  true,
				Priority: 100,
			},
			SQLite: SQLiteConfig{
				Priority: 200,
				Path:     "hyperdrive.db",
			},
			Postgres: PostgresConfig{
				Priority:       300,
				Host:           "localhost",
				Port:           5432,
				Database:       "hyperdrive",
				User:           "hyperdrive",
				MaxConnections: 20,
				MinConnections: 2,
			},
			Redis: RedisConfig{
				Priority:  400,
				Host:      "localhost",
				Port:      6379,
				KeyPrefix: "hyperdrive",
			},
		},
		RateLimiter: RateLimiterConfig{
			Enabled:           true,
			RequestsPerSecond: 1000,
			BurstSize:         100,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
