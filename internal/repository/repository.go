// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveAssessment stores a risk assessment with tenant isolation.
func (r *SQLRepository) SaveAssessment(ctx context.Context, tenantID string, a *domain.RiskAssessment) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	ensemble, _ := json.Marshal(a.Ensemble)
	adjustments, _ := json.Marshal(a.Adjustments)
	explanation, _ := json.Marshal(a.Explanation)
	metadata, _ := json.Marshal(a.Metadata)

	query := `
		INSERT INTO assessments (
			id, tenant_id, tx_id, customer_id, timestamp,
			status, failure_kind, failure_reason,
			final_score, category, priority,
			ensemble, adjustments, explanation, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, tenantID, a.TxID, a.CustomerID, a.Timestamp,
		a.Status, a.FailureKind, a.FailureReason,
		a.FinalScore, string(a.Category), a.Priority,
		string(ensemble), string(adjustments), string(explanation), string(metadata),
	)
	return err
}

// GetAssessment retrieves an assessment by ID with tenant isolation.
func (r *SQLRepository) GetAssessment(ctx context.Context, tenantID string, id string) (*domain.RiskAssessment, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := assessmentColumns + ` WHERE tenant_id = ? AND id = ?`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, id)
	return scanAssessment(row)
}

// GetAssessmentByTx retrieves the latest assessment for a transaction with
// tenant isolation.
func (r *SQLRepository) GetAssessmentByTx(ctx context.Context, tenantID string, txID string) (*domain.RiskAssessment, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := assessmentColumns + `
		WHERE tenant_id = ? AND tx_id = ?
		ORDER BY timestamp DESC
		LIMIT 1`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID)
	return scanAssessment(row)
}

// ListAssessments retrieves recent assessments for a tenant, newest first.
func (r *SQLRepository) ListAssessments(ctx context.Context, tenantID string, since time.Time, limit int) ([]*domain.RiskAssessment, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 100
	}

	query := assessmentColumns + `
		WHERE tenant_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assessments []*domain.RiskAssessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		assessments = append(assessments, a)
	}

	return assessments, rows.Err()
}

const assessmentColumns = `
	SELECT id, tenant_id, tx_id, customer_id, timestamp,
		   status, failure_kind, failure_reason,
		   final_score, category, priority,
		   ensemble, adjustments, explanation, metadata
	FROM assessments`

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAssessment(row scanner) (*domain.RiskAssessment, error) {
	var a domain.RiskAssessment
	var customerID, failureKind, failureReason, category sql.NullString
	var ensemble, adjustments, explanation, metadata string

	err := row.Scan(
		&a.ID, &a.TenantID, &a.TxID, &customerID, &a.Timestamp,
		&a.Status, &failureKind, &failureReason,
		&a.FinalScore, &category, &a.Priority,
		&ensemble, &adjustments, &explanation, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.CustomerID = customerID.String
	a.FailureKind = failureKind.String
	a.FailureReason = failureReason.String
	a.Category = domain.RiskCategory(category.String)

	if ensemble != "" && ensemble != "null" {
		json.Unmarshal([]byte(ensemble), &a.Ensemble)
	}
	if adjustments != "" && adjustments != "null" {
		json.Unmarshal([]byte(adjustments), &a.Adjustments)
	}
	if explanation != "" && explanation != "null" {
		json.Unmarshal([]byte(explanation), &a.Explanation)
	}
	json.Unmarshal([]byte(metadata), &a.Metadata)

	return &a, nil
}

// SaveRuleConfig stores a rule configuration with tenant isolation.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if err := domain.ValidateRuleConfig(rule); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}
	requiresDisagreement := 0
	if rule.RequiresDisagreement {
		requiresDisagreement = 1
	}

	version := rule.Version
	if version == "" {
		version = "1"
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, tenant_id, name, description, version, expression,
			kind, delta, floor_category, requires_disagreement, apply_order,
			reason, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			kind = excluded.kind,
			delta = excluded.delta,
			floor_category = excluded.floor_category,
			requires_disagreement = excluded.requires_disagreement,
			apply_order = excluded.apply_order,
			reason = excluded.reason,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description, version, rule.Expression,
		string(rule.Kind), rule.Delta, string(rule.Floor), requiresDisagreement, rule.Order,
		rule.Reason, enabled,
		now, now,
	)
	return err
}

// GetRuleConfig retrieves a rule configuration with tenant isolation.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression,
			   kind, delta, floor_category, requires_disagreement, apply_order,
			   reason, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND id = ? AND enabled = 1
		ORDER BY version DESC
		LIMIT 1
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID)
	return scanRuleConfig(row)
}

// ListRuleConfigs retrieves all active rule configurations for a tenant,
// ordered by application position.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression,
			   kind, delta, floor_category, requires_disagreement, apply_order,
			   reason, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY apply_order, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		cfg, err := scanRuleConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

func scanRuleConfig(row scanner) (*domain.RuleConfig, error) {
	var cfg domain.RuleConfig
	var kind string
	var floor, description, reason sql.NullString
	var requiresDisagreement, enabled int

	err := row.Scan(
		&cfg.ID, &cfg.TenantID, &cfg.Name, &description, &cfg.Version, &cfg.Expression,
		&kind, &cfg.Delta, &floor, &requiresDisagreement, &cfg.Order,
		&reason, &enabled,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cfg.Description = description.String
	cfg.Reason = reason.String
	cfg.Kind = domain.RuleKind(kind)
	cfg.Floor = domain.RiskCategory(floor.String)
	cfg.RequiresDisagreement = requiresDisagreement == 1
	cfg.Enabled = enabled == 1

	return &cfg, nil
}

// SaveProfile stores a customer profile snapshot with tenant isolation.
// Saving replaces any previous snapshot for the customer.
func (r *SQLRepository) SaveProfile(ctx context.Context, tenantID string, profile *domain.CustomerProfile) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if profile == nil || profile.CustomerID == "" {
		return fmt.Errorf("%w: customerID is required", ErrInvalidInput)
	}

	stats, _ := json.Marshal(profile.Stats)

	computedAt := profile.ComputedAt
	if computedAt.IsZero() {
		computedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO customer_profiles (
			customer_id, tenant_id, stats, monthly_baseline, sample_count, computed_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(customer_id, tenant_id) DO UPDATE SET
			stats = excluded.stats,
			monthly_baseline = excluded.monthly_baseline,
			sample_count = excluded.sample_count,
			computed_at = excluded.computed_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		profile.CustomerID, tenantID, string(stats),
		profile.MonthlyBaseline, profile.SampleCount, computedAt,
	)
	return err
}

// GetProfile retrieves a customer profile snapshot with tenant isolation.
func (r *SQLRepository) GetProfile(ctx context.Context, tenantID string, customerID string) (*domain.CustomerProfile, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT customer_id, tenant_id, stats, monthly_baseline, sample_count, computed_at
		FROM customer_profiles
		WHERE tenant_id = ? AND customer_id = ?
	`

	var p domain.CustomerProfile
	var stats string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, customerID).Scan(
		&p.CustomerID, &p.TenantID, &stats,
		&p.MonthlyBaseline, &p.SampleCount, &p.ComputedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(stats), &p.Stats); err != nil {
		return nil, fmt.Errorf("failed to parse profile stats: %w", err)
	}

	return &p, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
