package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const transactionColumns = `
	id, tenant_id, entity_id, type, channel, origin_account, destination_account,
	amount, currency, device_id, ip_address, geo, account_created_at,
	timestamp, created_at, metadata`

// SaveTransaction stores a transaction with tenant isolation.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	return r.insertTransaction(ctx, r.db, tenantID, tx)
}

// SaveScoredTransaction commits a transaction together with its detection
// artifacts. Nothing is written unless all of it is, so an interrupted run
// can be retried with the same transaction id.
func (r *SQLRepository) SaveScoredTransaction(ctx context.Context, tenantID string, tx *domain.Transaction, fv *domain.FeatureVector, score *domain.CompositeScore) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	return r.inTx(ctx, func(sqlTx *sql.Tx) error {
		if err := r.insertTransaction(ctx, sqlTx, tenantID, tx); err != nil {
			return err
		}
		if err := r.insertFeatureVector(ctx, sqlTx, tenantID, fv); err != nil {
			return fmt.Errorf("failed to save feature vector: %w", err)
		}
		if err := r.insertDetectorResults(ctx, sqlTx, tenantID, tx.ID, score.PerDetector); err != nil {
			return fmt.Errorf("failed to save detector results: %w", err)
		}
		if err := r.insertCompositeScore(ctx, sqlTx, tenantID, score); err != nil {
			return fmt.Errorf("failed to save composite score: %w", err)
		}
		return nil
	})
}

func (r *SQLRepository) insertTransaction(ctx context.Context, q execer, tenantID string, tx *domain.Transaction) error {
	metadata, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	var geo sql.NullString
	if tx.Geo != nil {
		b, err := json.Marshal(tx.Geo)
		if err != nil {
			return fmt.Errorf("failed to encode geo: %w", err)
		}
		geo = sql.NullString{String: string(b), Valid: true}
	}

	var accountCreated sql.NullTime
	if tx.AccountCreatedAt != nil {
		accountCreated = sql.NullTime{Time: utc(*tx.AccountCreatedAt), Valid: true}
	}

	query := `INSERT INTO transactions (` + transactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = q.ExecContext(ctx, r.rebind(query),
		tx.ID, tenantID, tx.EntityID, tx.Type, tx.Channel,
		tx.OriginAccount, tx.DestinationAccount,
		tx.Amount.String(), tx.Currency,
		tx.DeviceID, tx.IPAddress, geo, accountCreated,
		utc(tx.Timestamp), utc(tx.CreatedAt), string(metadata),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: transaction %s", domain.ErrAlreadyExists, tx.ID)
	}
	return err
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE tenant_id = ? AND id = ?`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID))
	if err != nil {
		return nil, notFound(err)
	}
	return tx, nil
}

// GetTransactionsByEntity returns an entity's transactions at or after since,
// newest first.
func (r *SQLRepository) GetTransactionsByEntity(ctx context.Context, tenantID string, entityID string, since time.Time) ([]*domain.Transaction, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE tenant_id = ? AND entity_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC`

	return r.queryTransactions(ctx, query, tenantID, entityID, utc(since))
}

// ListRecentTransactions returns up to limit tenant transactions at or after
// since, newest first.
func (r *SQLRepository) ListRecentTransactions(ctx context.Context, tenantID string, since time.Time, limit int) ([]*domain.Transaction, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10000
	}

	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE tenant_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
		LIMIT ?`

	return r.queryTransactions(ctx, query, tenantID, utc(since), limit)
}

func (r *SQLRepository) queryTransactions(ctx context.Context, query string, args ...any) ([]*domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var geo, metadata sql.NullString
	var accountCreated sql.NullTime

	if err := s.Scan(
		&tx.ID, &tx.TenantID, &tx.EntityID, &tx.Type, &tx.Channel,
		&tx.OriginAccount, &tx.DestinationAccount,
		&tx.Amount, &tx.Currency,
		&tx.DeviceID, &tx.IPAddress, &geo, &accountCreated,
		&tx.Timestamp, &tx.CreatedAt, &metadata,
	); err != nil {
		return nil, err
	}

	tx.Timestamp = tx.Timestamp.UTC()
	tx.CreatedAt = tx.CreatedAt.UTC()

	if geo.Valid && geo.String != "" {
		var g domain.GeoPoint
		if err := json.Unmarshal([]byte(geo.String), &g); err != nil {
			return nil, fmt.Errorf("failed to decode geo for %s: %w", tx.ID, err)
		}
		tx.Geo = &g
	}
	if accountCreated.Valid {
		t := accountCreated.Time.UTC()
		tx.AccountCreatedAt = &t
	}
	if metadata.Valid && metadata.String != "" && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &tx.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for %s: %w", tx.ID, err)
		}
	}

	return &tx, nil
}
