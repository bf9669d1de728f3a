package domain

import (
	"context"
	"time"
)

// Repository is the persistence sink for assessments and the store for rule
// configurations and customer profile snapshots.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Assessment sink
	SaveAssessment(ctx context.Context, tenantID string, a *RiskAssessment) error
	GetAssessment(ctx context.Context, tenantID string, id string) (*RiskAssessment, error)
	GetAssessmentByTx(ctx context.Context, tenantID string, txID string) (*RiskAssessment, error)
	ListAssessments(ctx context.Context, tenantID string, since time.Time, limit int) ([]*RiskAssessment, error)

	// Rule configuration operations
	SaveRuleConfig(ctx context.Context, tenantID string, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*RuleConfig, error)

	// Customer profile snapshots
	SaveProfile(ctx context.Context, tenantID string, profile *CustomerProfile) error
	GetProfile(ctx context.Context, tenantID string, customerID string) (*CustomerProfile, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// AssessmentSink is the minimal write-side interface consumed by the scoring
// pipeline; Repository satisfies it.
type AssessmentSink interface {
	SaveAssessment(ctx context.Context, tenantID string, a *RiskAssessment) error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
