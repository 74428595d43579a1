package domain

import (
	"time"
)

// DriftLevel is the escalation tier chosen by an adaptation cycle.
type DriftLevel string

const (
	DriftNone     DriftLevel = "NONE"
	DriftMinor    DriftLevel = "MINOR"
	DriftModerate DriftLevel = "MODERATE"
	DriftMajor    DriftLevel = "MAJOR"
)

// DetectorPrecision is the labelled precision of one detector.
type DetectorPrecision struct {
	Detector       string  `json:"detector"`
	Flagged        int     `json:"flagged"`
	TruePositives  int     `json:"truePositives"`
	FalsePositives int     `json:"falsePositives"`
	Precision      float64 `json:"precision"`
}

// AdaptationReport summarizes one feedback adaptation cycle.
type AdaptationReport struct {
	ID                string              `json:"id"`
	StartedAt         time.Time           `json:"startedAt"`
	FinishedAt        time.Time           `json:"finishedAt"`
	RecordsConsumed   int                 `json:"recordsConsumed"`
	RecordsInWindow   int                 `json:"recordsInWindow"`
	FalsePositiveRate float64             `json:"falsePositiveRate"`
	Precision         []DetectorPrecision `json:"precision"`
	Drift             DriftLevel          `json:"drift"`
	Actions           []string            `json:"actions"`
	PreviousVersion   int64               `json:"previousVersion"`
	NewVersion        int64               `json:"newVersion,omitempty"`
	TrainingBatchID   string              `json:"trainingBatchId,omitempty"`
	RetrainingFlagged bool                `json:"retrainingFlagged"`
}

// DetectorQuality is precision, recall and F1 of one detector measured
// against analyst decisions.
type DetectorQuality struct {
	Detector  string  `json:"detector"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// Analytics aggregates analyst feedback over a period.
type Analytics struct {
	Since                 time.Time         `json:"since"`
	Total                 int               `json:"total"`
	Decisions             map[Decision]int  `json:"decisions"`
	Precision             float64           `json:"precision"`
	FalsePositiveRate     float64           `json:"falsePositiveRate"`
	Detectors             []DetectorQuality `json:"detectors"`
	MeanResolutionMinutes float64           `json:"meanResolutionMinutes"`
}
