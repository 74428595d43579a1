package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// NewModel builds the model named in cfg.
func NewModel(cfg domain.MLConfig) (Model, error) {
	switch cfg.Model {
	case "", "logistic":
		return NewLogisticModel(cfg.Intercept, cfg.Coefficients), nil
	case "remote":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("%w: remote model requires an endpoint", domain.ErrInvalidConfig)
		}
		return NewRemoteModel(cfg.Endpoint, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("%w: unknown ml model %q", domain.ErrInvalidConfig, cfg.Model)
	}
}

// LogisticModel is an in-process logistic regression over numeric features.
// Missing features count as zero.
type LogisticModel struct {
	intercept    float64
	coefficients map[string]float64
}

// NewLogisticModel creates a logistic model.
func NewLogisticModel(intercept float64, coefficients map[string]float64) *LogisticModel {
	c := make(map[string]float64, len(coefficients))
	for k, v := range coefficients {
		c[k] = v
	}
	return &LogisticModel{intercept: intercept, coefficients: c}
}

// Score returns sigmoid(intercept + Σ coef·feature).
func (m *LogisticModel) Score(_ context.Context, fv *domain.FeatureVector) (float64, []domain.FeatureContribution, error) {
	if fv == nil {
		return 0, nil, fmt.Errorf("%w: feature vector", domain.ErrFeatureUnavailable)
	}

	z := m.intercept
	importances := make([]domain.FeatureContribution, 0, len(m.coefficients))
	for name, coef := range m.coefficients {
		v, ok := fv.Number(name)
		if !ok {
			continue
		}
		term := coef * v
		z += term
		importances = append(importances, domain.FeatureContribution{Feature: name, Weight: term})
	}

	return 1 / (1 + math.Exp(-z)), importances, nil
}

// RemoteModel calls an HTTP scoring service.
type RemoteModel struct {
	endpoint string
	client   *http.Client
}

// NewRemoteModel creates a client for endpoint.
func NewRemoteModel(endpoint string, timeout time.Duration) *RemoteModel {
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	return &RemoteModel{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type remoteRequest struct {
	TransactionID string             `json:"transactionId"`
	Numeric       map[string]float64 `json:"numeric"`
	Categorical   map[string]string  `json:"categorical"`
}

type remoteResponse struct {
	Score       float64                      `json:"score"`
	Importances []domain.FeatureContribution `json:"importances"`
}

// Score posts the feature vector and decodes the returned probability.
func (m *RemoteModel) Score(ctx context.Context, fv *domain.FeatureVector) (float64, []domain.FeatureContribution, error) {
	if fv == nil {
		return 0, nil, fmt.Errorf("%w: feature vector", domain.ErrFeatureUnavailable)
	}

	body, err := json.Marshal(remoteRequest{
		TransactionID: fv.TransactionID,
		Numeric:       fv.Numeric,
		Categorical:   fv.Categorical,
	})
	if err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("model request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, nil, fmt.Errorf("model returned status %d", resp.StatusCode)
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, nil, fmt.Errorf("failed to decode model response: %w", err)
	}
	return out.Score, out.Importances, nil
}
