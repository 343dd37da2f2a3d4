// Package config loads the service configuration from YAML and the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Load builds the configuration. Defaults come from the tier selected by
// KESTREL_TIER, then the YAML file at path (optional), then KESTREL_*
// environment variables. The result is validated.
func Load(path string) (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if os.Getenv("KESTREL_TIER") == string(domain.TierPro) {
		cfg = domain.ProConfig()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.Tunables = cfg.Tunables.WithDefaults()

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies KESTREL_SECTION_FIELD variables. Values that
// fail to parse are ignored.
func applyEnvOverrides(cfg *domain.Config) {
	setString(&cfg.Server.Host, "KESTREL_SERVER_HOST")
	setInt(&cfg.Server.Port, "KESTREL_SERVER_PORT")

	setString(&cfg.Repository.Driver, "KESTREL_REPOSITORY_DRIVER")
	setString(&cfg.Repository.SQLitePath, "KESTREL_SQLITE_PATH")
	setString(&cfg.Repository.PostgresHost, "KESTREL_POSTGRES_HOST")
	setInt(&cfg.Repository.PostgresPort, "KESTREL_POSTGRES_PORT")
	setString(&cfg.Repository.PostgresUser, "KESTREL_POSTGRES_USER")
	setString(&cfg.Repository.PostgresPassword, "KESTREL_POSTGRES_PASSWORD")
	setString(&cfg.Repository.PostgresDB, "KESTREL_POSTGRES_DB")
	setString(&cfg.Repository.PostgresSSLMode, "KESTREL_POSTGRES_SSL_MODE")

	setString(&cfg.Cache.Type, "KESTREL_CACHE_TYPE")
	setString(&cfg.Cache.RedisAddr, "KESTREL_REDIS_ADDR")
	setString(&cfg.Cache.RedisPassword, "KESTREL_REDIS_PASSWORD")

	setString(&cfg.EventBus.Type, "KESTREL_EVENT_BUS_TYPE")
	setString(&cfg.EventBus.NATSUrl, "KESTREL_NATS_URL")
	setString(&cfg.EventBus.NATSToken, "KESTREL_NATS_TOKEN")

	setString(&cfg.Policy.FilePath, "KESTREL_POLICY_FILE")
	setBool(&cfg.Policy.Watch, "KESTREL_POLICY_WATCH")
	setString(&cfg.Policy.ResyncSchedule, "KESTREL_POLICY_RESYNC_SCHEDULE")

	setBool(&cfg.Worker.Enabled, "KESTREL_ASYNC_WORKER")
	setInt(&cfg.Worker.Concurrency, "KESTREL_WORKER_CONCURRENCY")

	setDuration(&cfg.Tunables.LayerTimeout, "KESTREL_LAYER_TIMEOUT")

	setString(&cfg.Logging.Level, "KESTREL_LOG_LEVEL")
	setString(&cfg.Logging.Format, "KESTREL_LOG_FORMAT")
	if os.Getenv("KESTREL_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}

	setBool(&cfg.Tracing.Enabled, "KESTREL_TRACING_ENABLED")
	setBool(&cfg.Metrics.Enabled, "KESTREL_METRICS_ENABLED")
}

func setString(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func setInt(dst *int, key string) {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func setBool(dst *bool, key string) {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}
