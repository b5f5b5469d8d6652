package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/devrev/hyperdrive/internal/model"
	"github.com/devrev/hyperdrive/internal/result"
	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables. A missing
// file is not an error; defaults and the environment still apply. The
// returned warnings describe ignored settings.
func Load(configPath string) (*Config, []string, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v := viper.New()
			v.SetConfigFile(configPath)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
			}
			if err := v.Unmarshal(cfg); err != nil {
				return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("failed to stat config file %s: %w", configPath, err)
		}
	}

	// Environment variables take precedence over the file
	warnings := applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, warnings, fmt.Errorf("configuration validation failed: %w", err)
	}

	replicas := ParseProviderList("replicas", cfg.HyperDrive.Replicas)
	warnings = append(warnings, replicas.InnerMessages...)

	return cfg, warnings, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) []string {
	var warnings []string
	warn := func(name, value string, err error) {
		warnings = append(warnings, fmt.Sprintf("ignoring %s=%q: %v", name, value, err))
	}
	intVar := func(name string, dst *int) {
		if s := os.Getenv(name); s != "" {
			if n, err := strconv.Atoi(s); err == nil {
				*dst = n
			} else {
				warn(name, s, err)
			}
		}
	}
	durationVar := func(name string, dst *time.Duration) {
		if s := os.Getenv(name); s != "" {
			if d, err := time.ParseDuration(s); err == nil {
				*dst = d
			} else {
				warn(name, s, err)
			}
		}
	}
	stringVar := func(name string, dst *string) {
		if s := os.Getenv(name); s != "" {
			*dst = s
		}
	}

	// Server configuration
	stringVar("SERVER_HOST", &cfg.Server.Host)
	intVar("SERVER_PORT", &cfg.Server.Port)
	intVar("GRPC_HEALTH_PORT", &cfg.Server.GRPCHealthPort)

	// Failover and replication
	stringVar("HYPERDRIVE_PRIMARY", &cfg.HyperDrive.Primary)
	stringVar("HYPERDRIVE_REPLICAS", &cfg.HyperDrive.Replicas)
	durationVar("HYPERDRIVE_ATTEMPT_TIMEOUT", &cfg.HyperDrive.AttemptTimeout)
	durationVar("HYPERDRIVE_REPLICATION_BACKOFF", &cfg.HyperDrive.ReplicationBackoff)
	intVar("HYPERDRIVE_FAILURE_THRESHOLD", &cfg.HyperDrive.FailureThreshold)

	// HYPERDRIVE_PROVIDERS enables exactly the listed providers
	if list := os.Getenv("HYPERDRIVE_PROVIDERS"); list != "" {
		parsed := ParseProviderList("providers", list)
		warnings = append(warnings, parsed.InnerMessages...)
		enabled := make(map[model.ProviderID]bool, len(parsed.Value))
		for _, id := range parsed.Value {
			enabled[id] = true
		}
		cfg.Providers.Memory.Enabled = enabled[model.ProviderMemory]
		cfg.Providers.SQLite.Enabled = enabled[model.ProviderSQLite]
		cfg.Providers.Postgres.Enabled = enabled[model.ProviderPostgres]
		cfg.Providers.Redis.Enabled = enabled[model.ProviderRedis]
	}

	// Provider connections
	stringVar("SQLITE_PATH", &cfg.Providers.SQLite.Path)
	stringVar("POSTGRES_HOST", &cfg.Providers.Postgres.Host)
	intVar("POSTGRES_PORT", &cfg.Providers.Postgres.Port)
	stringVar("POSTGRES_DATABASE", &cfg.Providers.Postgres.Database)
	stringVar("POSTGRES_USER", &cfg.Providers.Postgres.User)
	stringVar("POSTGRES_PASSWORD", &cfg.Providers.Postgres.Password)
	stringVar("REDIS_HOST", &cfg.Providers.Redis.Host)
	intVar("REDIS_PORT", &cfg.Providers.Redis.Port)
	stringVar("REDIS_PASSWORD", &cfg.Providers.Redis.Password)

	// Logging configuration
	stringVar("LOG_LEVEL", &cfg.Logging.Level)
	stringVar("LOG_FORMAT", &cfg.Logging.Format)

	return warnings
}

// ParseProviderList parses a comma-separated provider list. Unknown or
// malformed entries are dropped with one warning each; the envelope is
// never an error. Duplicates keep their first position.
func ParseProviderList(listName, list string) *result.Envelope[[]model.ProviderID] {
	ids := make([]model.ProviderID, 0)
	res := result.Success(ids, "")

	seen := make(map[model.ProviderID]bool)
	var invalid []string
	for _, raw := range strings.Split(list, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := model.ParseProviderID(raw)
		if err == nil && !model.IsKnownProvider(id) {
			err = fmt.Errorf("unknown provider")
		}
		if err != nil {
			invalid = append(invalid, raw)
			res.Warn("the provider %q in the %s list is invalid: %v", raw, listName, err)
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	res.SetValue(ids)

	if len(invalid) > 0 {
		known := make([]string, len(model.KnownProviders))
		for i, id := range model.KnownProviders {
			known[i] = id.String()
		}
		res.Message = fmt.Sprintf("%d provider(s) in the %s list are invalid: %s. They must be one of: %s",
			len(invalid), listName, strings.Join(invalid, ", "), strings.Join(known, ", "))
	}
	return res
}
