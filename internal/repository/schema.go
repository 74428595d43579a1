package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    type TEXT NOT NULL,
    channel TEXT NOT NULL,
    origin_account TEXT NOT NULL,
    destination_account TEXT NOT NULL,
    amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    device_id TEXT NOT NULL DEFAULT '',
    ip_address TEXT NOT NULL DEFAULT '',
    geo TEXT,
    account_created_at TIMESTAMP,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_entity ON transactions(tenant_id, entity_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(tenant_id, timestamp);
`

const schemaFeatureVectors = `
CREATE TABLE IF NOT EXISTS feature_vectors (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    transaction_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    numeric_features TEXT NOT NULL,
    categorical_features TEXT NOT NULL,
    extractor_version TEXT NOT NULL,
    computed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_feature_vectors_tx ON feature_vectors(tenant_id, transaction_id);
`

const schemaDetectorResults = `
CREATE TABLE IF NOT EXISTS detector_results (
    tenant_id TEXT NOT NULL,
    transaction_id TEXT NOT NULL,
    detector_name TEXT NOT NULL,
    detector_version TEXT NOT NULL,
    raw_score DOUBLE PRECISION NOT NULL,
    normalized_score DOUBLE PRECISION NOT NULL,
    confidence DOUBLE PRECISION NOT NULL,
    flagged INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    contributing_features TEXT NOT NULL,
    latency_ms BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (tenant_id, transaction_id, detector_name)
);
`

const schemaCompositeScores = `
CREATE TABLE IF NOT EXISTS composite_scores (
    tenant_id TEXT NOT NULL,
    transaction_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    risk_score DOUBLE PRECISION NOT NULL,
    severity TEXT NOT NULL,
    weight_version BIGINT NOT NULL,
    per_detector TEXT NOT NULL,
    applied_weights TEXT NOT NULL,
    computed_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, transaction_id)
);

CREATE INDEX IF NOT EXISTS idx_composite_scores_entity ON composite_scores(tenant_id, entity_id, computed_at);
`

// schemaAlerts holds the only mutable rows. The partial unique index makes
// the single-open-alert-per-entity rule hold across nodes.
const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    status TEXT NOT NULL,
    current_risk_score DOUBLE PRECISION NOT NULL,
    severity TEXT NOT NULL,
    transaction_id TEXT NOT NULL,
    claimed_by TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    version BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_tenant_status ON alerts(tenant_id, status, updated_at);
CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status, updated_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_open_entity ON alerts(tenant_id, entity_id)
    WHERE status IN ('CREATED', 'ACTIVE', 'IN_REVIEW');
`

const schemaInvestigationEvents = `
CREATE TABLE IF NOT EXISTS investigation_events (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    alert_id TEXT NOT NULL,
    action TEXT NOT NULL,
    old_status TEXT NOT NULL,
    new_status TEXT NOT NULL,
    actor TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    notes TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_investigation_events_alert ON investigation_events(tenant_id, alert_id, timestamp);
`

// schemaFeedback allows exactly one record per alert.
const schemaFeedback = `
CREATE TABLE IF NOT EXISTS feedback (
    alert_id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    decision TEXT NOT NULL,
    confidence DOUBLE PRECISION NOT NULL,
    notes TEXT NOT NULL DEFAULT '',
    analyst TEXT NOT NULL,
    resolved_at TIMESTAMP NOT NULL,
    used_for_training INTEGER NOT NULL DEFAULT 0,
    training_batch_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_feedback_resolved ON feedback(resolved_at);
CREATE INDEX IF NOT EXISTS idx_feedback_unused ON feedback(used_for_training);
`

const schemaWeightConfigs = `
CREATE TABLE IF NOT EXISTS weight_configs (
    version BIGINT PRIMARY KEY,
    source TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    config TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`

const schemaAdaptationReports = `
CREATE TABLE IF NOT EXISTS adaptation_reports (
    id TEXT PRIMARY KEY,
    drift TEXT NOT NULL,
    report TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_adaptation_reports_started ON adaptation_reports(started_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaFeatureVectors,
		schemaDetectorResults,
		schemaCompositeScores,
		schemaAlerts,
		schemaInvestigationEvents,
		schemaFeedback,
		schemaWeightConfigs,
		schemaAdaptationReports,
	}
}
