package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaAssessments = `
CREATE TABLE IF NOT EXISTS assessments (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    tx_id TEXT NOT NULL,
    customer_id TEXT,
    timestamp TIMESTAMP NOT NULL,
    status TEXT NOT NULL,
    failure_kind TEXT,
    failure_reason TEXT,
    final_score REAL NOT NULL,
    category TEXT,
    priority INTEGER NOT NULL DEFAULT 0,
    ensemble TEXT,
    adjustments TEXT,
    explanation TEXT,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assessments_tenant ON assessments(tenant_id);
CREATE INDEX IF NOT EXISTS idx_assessments_tx ON assessments(tenant_id, tx_id);
CREATE INDEX IF NOT EXISTS idx_assessments_category ON assessments(tenant_id, category);
CREATE INDEX IF NOT EXISTS idx_assessments_timestamp ON assessments(tenant_id, timestamp);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    kind TEXT NOT NULL,
    delta REAL NOT NULL DEFAULT 0,
    floor_category TEXT,
    requires_disagreement INTEGER NOT NULL DEFAULT 0,
    apply_order INTEGER NOT NULL DEFAULT 0,
    reason TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_tenant ON rule_configs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(tenant_id, enabled);
`

const schemaCustomerProfiles = `
CREATE TABLE IF NOT EXISTS customer_profiles (
    customer_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    stats TEXT NOT NULL,
    monthly_baseline REAL NOT NULL DEFAULT 0,
    sample_count INTEGER NOT NULL DEFAULT 0,
    computed_at TIMESTAMP NOT NULL,
    PRIMARY KEY (customer_id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_customer_profiles_tenant ON customer_profiles(tenant_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaAssessments,
		schemaRuleConfigs,
		schemaCustomerProfiles,
	}
}
