// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Claim history
	SaveClaim(ctx context.Context, claim *NormalizedClaim) error
	GetClaim(ctx context.Context, claimID string) (*NormalizedClaim, error)
	ListClaimsByProvider(ctx context.Context, providerID string, since time.Time) ([]*NormalizedClaim, error)

	// Coverage rule operations
	SaveRule(ctx context.Context, rule *Rule) error
	GetRule(ctx context.Context, ruleID string) (*Rule, error)
	ListRules(ctx context.Context) ([]*Rule, error)
	DeleteRule(ctx context.Context, ruleID string) error

	// Fraud rule operations
	SaveFraudRule(ctx context.Context, rule *FraudRule) error
	GetFraudRule(ctx context.Context, ruleID string) (*FraudRule, error)
	ListFraudRules(ctx context.Context) ([]*FraudRule, error)
	DeleteFraudRule(ctx context.Context, ruleID string) error

	// Risk parameters are written as a complete set so the weight
	// invariant holds after every commit.
	ReplaceRiskParameters(ctx context.Context, params []*RiskParameter) error
	ListRiskParameters(ctx context.Context) ([]*RiskParameter, error)

	// NextSnapshotVersion reserves a new, strictly increasing version number.
	NextSnapshotVersion(ctx context.Context) (int64, error)

	// Audit trail (append-only)
	AppendAuditEntry(ctx context.Context, entry *AuditEntry) error
	GetAuditEntry(ctx context.Context, entryID string) (*AuditEntry, error)
	ListAuditEntries(ctx context.Context, claimID string) ([]*AuditEntry, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     int    `yaml:"postgres_port"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db"`
	PostgresSSLMode  string `yaml:"postgres_ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}
