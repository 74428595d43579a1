package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/worker"
)

const (
	maxBodyBytes = 1 << 20

	defaultAnalyticsDays = 30
	defaultReportLimit   = 20
)

// Handler holds dependencies for API handlers.
type Handler struct {
	engine   *engine.Engine
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	validate *validator.Validate
	version  string
}

// NewHandler creates a new API handler. bus may be nil, which disables
// asynchronous ingestion.
func NewHandler(eng *engine.Engine, repo domain.Repository, cache domain.Cache, bus domain.EventBus, version string) *Handler {
	return &Handler{
		engine:   eng,
		repo:     repo,
		cache:    cache,
		bus:      bus,
		validate: validator.New(),
		version:  version,
	}
}

// ScoreResponse is the response for POST /transactions/score.
type ScoreResponse struct {
	*engine.ScoreOutcome
	TraceID string `json:"traceId"`
}

// ScoreTransaction handles POST /transactions/score.
func (h *Handler) ScoreTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.TransactionRequest
	if !h.decode(w, r, &req) {
		return
	}

	tx, err := h.engine.NewTransaction(GetTenantID(ctx), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	out, err := h.engine.ScoreTransaction(ctx, tx)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ScoreResponse{ScoreOutcome: out, TraceID: GetTraceID(ctx)})
}

// Ingest handles POST /transactions/ingest. The transaction id and
// timestamp are fixed here, so a redelivered message scores the same
// transaction and is skipped as a duplicate.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event bus not available"})
		return
	}

	var req domain.TransactionRequest
	if !h.decode(w, r, &req) {
		return
	}

	tx, err := h.engine.NewTransaction(tenantID, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	req.ID = tx.ID
	ts := tx.Timestamp
	req.Timestamp = &ts

	msg := worker.IngestMessage{TraceID: GetTraceID(ctx), Transaction: req}
	if err := bus.PublishJSON(ctx, h.bus, tenantID, domain.TopicTransactionIngested, msg); err != nil {
		slog.Error("failed to queue transaction", "tx_id", tx.ID, "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "failed to queue transaction"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"transactionId": tx.ID,
		"status":        "queued",
		"traceId":       GetTraceID(ctx),
	})
}

// ListAlerts handles GET /alerts.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.AlertFilter{
		Status:   domain.AlertStatus(q.Get("status")),
		EntityID: q.Get("entityId"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}

	alerts, err := h.engine.ListAlerts(r.Context(), GetTenantID(r.Context()), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetAlert handles GET /alerts/{id}.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.engine.GetAlert(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// ClaimRequest is the body of POST /alerts/{id}/claim.
type ClaimRequest struct {
	Analyst string `json:"analyst" validate:"required"`
}

// ClaimAlert handles POST /alerts/{id}/claim.
func (h *Handler) ClaimAlert(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if !h.decodeValid(w, r, &req) {
		return
	}

	alert, err := h.engine.ClaimAlert(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"), req.Analyst)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// ActorRequest is the body of release, close and note requests.
type ActorRequest struct {
	Actor string `json:"actor" validate:"required"`
	Notes string `json:"notes,omitempty"`
}

// ReleaseAlert handles POST /alerts/{id}/release.
func (h *Handler) ReleaseAlert(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !h.decodeValid(w, r, &req) {
		return
	}

	alert, err := h.engine.ReleaseAlert(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"), req.Actor, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// CloseAlert handles POST /alerts/{id}/close.
func (h *Handler) CloseAlert(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !h.decodeValid(w, r, &req) {
		return
	}

	alert, err := h.engine.CloseAlert(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"), req.Actor, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// AddNote handles POST /alerts/{id}/notes.
func (h *Handler) AddNote(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	if req.Notes == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "notes are required"})
		return
	}

	ev, err := h.engine.AddNote(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"), req.Actor, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// SubmitDecision handles POST /alerts/{id}/decision. Field checks are left
// to the engine so every rejection carries its specific error.
func (h *Handler) SubmitDecision(w http.ResponseWriter, r *http.Request) {
	var req domain.DecisionRequest
	if !h.decode(w, r, &req) {
		return
	}

	record, err := h.engine.SubmitDecision(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// History handles GET /alerts/{id}/history.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	events, err := h.engine.History(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// RunAdaptation handles POST /adaptation/run.
func (h *Handler) RunAdaptation(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.RunAdaptationCycle(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// AdaptationReports handles GET /adaptation/reports.
func (h *Handler) AdaptationReports(w http.ResponseWriter, r *http.Request) {
	limit := defaultReportLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	reports, err := h.engine.AdaptationReports(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reports": reports,
		"count":   len(reports),
	})
}

// Analytics handles GET /analytics. The window starts at ?since (RFC 3339)
// or ?days back from now, 30 days by default.
func (h *Handler) Analytics(w http.ResponseWriter, r *http.Request) {
	since, err := h.analyticsSince(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	a, err := h.engine.Analytics(r.Context(), GetTenantID(r.Context()), since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) analyticsSince(r *http.Request) (time.Time, error) {
	q := r.URL.Query()
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("since must be an RFC 3339 timestamp")
		}
		return t, nil
	}

	days := defaultAnalyticsDays
	if v := q.Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return time.Time{}, fmt.Errorf("days must be a positive integer")
		}
		days = n
	}
	return h.engine.Now().AddDate(0, 0, -days), nil
}

// Weights handles GET /config/weights. ?version selects a historical
// configuration; the live one is returned otherwise.
func (h *Handler) Weights(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query().Get("version")
	if v == "" {
		writeJSON(w, http.StatusOK, h.engine.Weights())
		return
	}

	version, err := strconv.ParseInt(v, 10, 64)
	if err != nil || version <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "version must be a positive integer"})
		return
	}

	wc, err := h.engine.WeightVersion(r.Context(), version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wc)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

// decode reads a JSON body into v, answering 400 itself on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("invalid request body: %v", err),
		})
		return false
	}
	return true
}

func (h *Handler) decodeValid(w http.ResponseWriter, r *http.Request, v any) bool {
	if !h.decode(w, r, v) {
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

// writeError maps engine errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrNotClaimOwner):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrInvalidDecision),
		errors.Is(err, domain.ErrNotesRequired),
		errors.Is(err, domain.ErrInsufficientData),
		errors.Is(err, domain.ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrNotInReview),
		errors.Is(err, domain.ErrAlreadyResolved),
		errors.Is(err, domain.ErrVersionConflict),
		errors.Is(err, domain.ErrAlertClosed),
		errors.Is(err, domain.ErrOpenAlertExists):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
