// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// GlobalTenantID scopes records shared by all tenants, such as weight configs.
const GlobalTenantID = "*"

// Repository defines the interface for data persistence.
// Tenant-scoped methods require tenantID for strict multi-tenancy isolation.
// Detection artifacts and audit rows are append-only; alerts are the only
// mutable records and only change through the transition methods.
type Repository interface {
	// Transaction operations
	SaveTransaction(ctx context.Context, tenantID string, tx *Transaction) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*Transaction, error)
	GetTransactionsByEntity(ctx context.Context, tenantID string, entityID string, since time.Time) ([]*Transaction, error)
	ListRecentTransactions(ctx context.Context, tenantID string, since time.Time, limit int) ([]*Transaction, error)

	// Detection artifacts (append-only)
	SaveFeatureVector(ctx context.Context, tenantID string, fv *FeatureVector) error
	SaveDetectorResults(ctx context.Context, tenantID string, txID string, results []DetectorResult) error
	SaveCompositeScore(ctx context.Context, tenantID string, score *CompositeScore) error
	GetCompositeScore(ctx context.Context, tenantID string, txID string) (*CompositeScore, error)

	// SaveScoredTransaction writes a transaction, its feature vector, detector
	// results and composite score atomically.
	SaveScoredTransaction(ctx context.Context, tenantID string, tx *Transaction, fv *FeatureVector, score *CompositeScore) error

	// Alerts
	CreateAlert(ctx context.Context, tenantID string, alert *Alert, events []*InvestigationEvent) error
	GetAlert(ctx context.Context, tenantID string, alertID string) (*Alert, error)
	FindOpenAlert(ctx context.Context, tenantID string, entityID string) (*Alert, error)
	ListAlerts(ctx context.Context, tenantID string, filter AlertFilter) ([]*Alert, error)
	ListAlertsByStatus(ctx context.Context, status AlertStatus, updatedBefore time.Time) ([]*Alert, error)

	// ApplyTransition updates an alert and appends its audit event in one
	// transaction. expectedVersion guards against lost updates.
	ApplyTransition(ctx context.Context, tenantID string, alert *Alert, expectedVersion int64, event *InvestigationEvent) error

	// ResolveAlert is ApplyTransition plus the alert's single FeedbackRecord.
	ResolveAlert(ctx context.Context, tenantID string, alert *Alert, expectedVersion int64, event *InvestigationEvent, feedback *FeedbackRecord) error

	AppendEvent(ctx context.Context, tenantID string, event *InvestigationEvent) error
	ListEvents(ctx context.Context, tenantID string, alertID string) ([]*InvestigationEvent, error)

	// Feedback. These span tenants because weights are global.
	GetFeedback(ctx context.Context, tenantID string, alertID string) (*FeedbackRecord, error)
	ListFeedbackSince(ctx context.Context, since time.Time) ([]*FeedbackRecord, error)
	ListUnconsumedFeedback(ctx context.Context) ([]*FeedbackRecord, error)
	MarkFeedbackUsed(ctx context.Context, alertIDs []string, batchID string) (int64, error)

	// Scoring configuration (append-only versions)
	SaveWeightConfig(ctx context.Context, cfg *WeightConfig) error
	LatestWeightConfig(ctx context.Context) (*WeightConfig, error)
	GetWeightConfig(ctx context.Context, version int64) (*WeightConfig, error)

	// Adaptation history
	SaveAdaptationReport(ctx context.Context, report *AdaptationReport) error
	ListAdaptationReports(ctx context.Context, limit int) ([]*AdaptationReport, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	Status   AlertStatus
	EntityID string
	Limit    int
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `koanf:"driver"`

	// SQLite specific
	SQLitePath string `koanf:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `koanf:"postgres_host"`
	PostgresPort     int    `koanf:"postgres_port"`
	PostgresUser     string `koanf:"postgres_user"`
	PostgresPassword string `koanf:"postgres_password"`
	PostgresDB       string `koanf:"postgres_db"`
	PostgresSSLMode  string `koanf:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}
