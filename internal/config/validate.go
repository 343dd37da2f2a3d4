package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/snapshot"
)

// FieldError is a validation failure for one configuration field.
type FieldError struct {
	// Field is the dotted path, e.g. "server.port".
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every FieldError found in a configuration.
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "configuration validation failed: " + e.Errors[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d errors:\n", len(e.Errors))
	for _, err := range e.Errors {
		fmt.Fprintf(&sb, "  - %s\n", err.Error())
	}
	return sb.String()
}

// Validate checks the configuration and reports all problems together.
func Validate(cfg *domain.Config) error {
	var errs []FieldError
	add := func(field, format string, args ...any) {
		errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		add("server.port", "must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	switch cfg.Repository.Driver {
	case "sqlite":
		if cfg.Repository.SQLitePath == "" {
			add("repository.sqlite_path", "is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Repository.PostgresHost == "" {
			add("repository.postgres_host", "is required for the postgres driver")
		}
	default:
		add("repository.driver", "must be sqlite or postgres, got %q", cfg.Repository.Driver)
	}

	switch cfg.Cache.Type {
	case "memory":
	case "redis":
		if cfg.Cache.RedisAddr == "" {
			add("cache.redis_addr", "is required for the redis cache")
		}
	default:
		add("cache.type", "must be memory or redis, got %q", cfg.Cache.Type)
	}

	switch cfg.EventBus.Type {
	case "channel":
	case "nats":
		if cfg.EventBus.NATSUrl == "" {
			add("event_bus.nats_url", "is required for the nats bus")
		}
	default:
		add("event_bus.type", "must be channel or nats, got %q", cfg.EventBus.Type)
	}

	if s := cfg.Policy.ResyncSchedule; s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			add("policy.resync_schedule", "invalid schedule %q: %v", s, err)
		}
	}
	if cfg.Policy.Watch && cfg.Policy.FilePath == "" {
		add("policy.watch", "requires policy.file_path")
	}

	if cfg.Worker.Concurrency < 0 {
		add("worker.concurrency", "must not be negative")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level", "must be debug, info, warn or error, got %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		add("logging.format", "must be json or text, got %q", cfg.Logging.Format)
	}

	if err := snapshot.ValidateTunables(cfg.Tunables); err != nil {
		add("tunables", "%v", err)
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}
