package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

// schemaClaims stores every evaluated claim. The full claim is kept as JSON;
// provider_id and submitted_ms back the provider history queries.
const schemaClaims = `
CREATE TABLE IF NOT EXISTS claims (
    id TEXT PRIMARY KEY,
    provider_id TEXT NOT NULL,
    member_id TEXT NOT NULL,
    amount REAL NOT NULL,
    currency TEXT NOT NULL,
    submitted_ms BIGINT NOT NULL,
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_claims_provider ON claims(provider_id, submitted_ms);
`

const schemaCoverageRules = `
CREATE TABLE IF NOT EXISTS coverage_rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    condition_json TEXT NOT NULL,
    action TEXT NOT NULL,
    priority INTEGER NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_coverage_rules_priority ON coverage_rules(priority, id);
`

const schemaFraudRules = `
CREATE TABLE IF NOT EXISTS fraud_rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    pattern_type TEXT NOT NULL,
    threshold REAL NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// schemaRiskParameters is always written as a whole set so the enabled
// weights can be validated together.
const schemaRiskParameters = `
CREATE TABLE IF NOT EXISTS risk_parameters (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    factor TEXT NOT NULL,
    weight REAL NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaSnapshotVersions = `
CREATE TABLE IF NOT EXISTS snapshot_versions (
    version BIGINT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL
);
`

// schemaAuditEntries is append-only. Nothing in the repository updates or
// deletes rows in this table.
const schemaAuditEntries = `
CREATE TABLE IF NOT EXISTS audit_entries (
    id TEXT PRIMARY KEY,
    claim_id TEXT NOT NULL,
    input_hash TEXT NOT NULL,
    snapshot_version BIGINT NOT NULL,
    recommendation TEXT NOT NULL,
    decision TEXT NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_entries_claim ON audit_entries(claim_id, recorded_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaClaims,
		schemaCoverageRules,
		schemaFraudRules,
		schemaRiskParameters,
		schemaSnapshotVersions,
		schemaAuditEntries,
	}
}
