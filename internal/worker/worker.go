// Package worker scores transactions delivered over the EventBus and runs
// the engine's periodic jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
)

// Scorer is the part of the engine the worker drives.
type Scorer interface {
	NewTransaction(tenantID string, req *domain.TransactionRequest) (*domain.Transaction, error)
	ScoreTransaction(ctx context.Context, tx *domain.Transaction) (*engine.ScoreOutcome, error)
}

// IngestMessage is the payload of transaction.ingested.
type IngestMessage struct {
	TraceID     string                    `json:"traceId,omitempty"`
	Transaction domain.TransactionRequest `json:"transaction"`
}

// Worker consumes transaction.ingested for a set of tenants.
type Worker struct {
	bus    domain.EventBus
	scorer Scorer

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
}

// NewWorker creates a worker.
func NewWorker(eventBus domain.EventBus, scorer Scorer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    eventBus,
		scorer: scorer,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes for every tenant. Tenants that fail to subscribe are
// logged and skipped; Start fails only when none could be served.
func (w *Worker) Start(tenantIDs []string) error {
	if len(tenantIDs) == 0 {
		return errors.New("worker needs at least one tenant")
	}

	for _, tenantID := range tenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
		}
	}

	if w.GetStats().SubscriptionCount == 0 {
		return fmt.Errorf("no tenant subscription succeeded")
	}

	slog.Info("workers started", "tenant_count", len(tenantIDs))
	return nil
}

func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicTransactionIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processTransaction(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicTransactionIngested,
	)
	return nil
}

// processTransaction scores one ingested transaction. Malformed and
// already-scored transactions are dropped; anything else is returned so the
// bus can log it.
func (w *Worker) processTransaction(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var in IngestMessage
	if err := bus.Decode(msg, &in); err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return nil
	}

	traceID := in.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	tx, err := w.scorer.NewTransaction(tenantID, &in.Transaction)
	if err != nil {
		w.failed.Add(1)
		slog.Error("rejected ingested transaction",
			"tenant_id", tenantID,
			"trace_id", traceID,
			"error", err,
		)
		return nil
	}

	out, err := w.scorer.ScoreTransaction(ctx, tx)
	switch {
	case errors.Is(err, domain.ErrAlreadyExists):
		w.skipped.Add(1)
		slog.Debug("transaction already scored", "tx_id", tx.ID, "tenant_id", tenantID)
		return nil
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInsufficientData):
		w.failed.Add(1)
		slog.Error("transaction cannot be scored", "tx_id", tx.ID, "tenant_id", tenantID, "error", err)
		return nil
	case err != nil:
		w.failed.Add(1)
		return fmt.Errorf("scoring %s: %w", tx.ID, err)
	}

	w.processed.Add(1)
	slog.Info("transaction processed",
		"tx_id", tx.ID,
		"tenant_id", tenantID,
		"trace_id", traceID,
		"risk_score", out.Score.RiskScore,
		"admission", out.Admission.Outcome,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop unsubscribes every tenant.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("workers stopped")
	return nil
}

// Stats is a snapshot of worker activity.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Skipped           int64    `json:"skipped"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Skipped:           w.skipped.Load(),
		Failed:            w.failed.Load(),
	}
}
