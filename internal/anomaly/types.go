// Package anomaly implements the statistical detection passes run over
// time-series data and the merge/classification policy combining them.
package anomaly

import (
	"time"
)

// Type classifies the shape of an anomaly relative to its neighbors.
type Type string

const (
	TypeSpike   Type = "spike"
	TypeDrop    Type = "drop"
	TypeDrift   Type = "drift"
	TypePattern Type = "pattern"
)

// Severity buckets an anomaly by its relative deviation from the series
// mean.
type Severity string

const (
	SeverityCritical Severity = "critical" // >50% deviation
	SeverityHigh     Severity = "high"     // >30%
	SeverityMedium   Severity = "medium"   // >20%
	SeverityLow      Severity = "low"
)

// Method identifies the detection pass that flagged a point.
type Method string

const (
	MethodZScore      Method = "zscore"
	MethodIQR         Method = "iqr"
	MethodWindow      Method = "moving_window"
	MethodCUSUM       Method = "cusum"
	MethodCorrelation Method = "pattern_correlation"
)

// Fixed per-method confidence constants. These are heuristic, not learned.
const (
	ConfidenceZScore      = 0.85
	ConfidenceIQR         = 0.75
	ConfidenceWindow      = 0.70
	ConfidenceCUSUM       = 0.80
	ConfidenceCorrelation = 0.90
)

// Anomaly is one classified, deduplicated anomaly record. Immutable once
// emitted.
type Anomaly struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	DeviceID   string    `json:"device_id"`
	Metric     string    `json:"metric"`
	Observed   float64   `json:"observed"`
	Expected   float64   `json:"expected"`
	Severity   Severity  `json:"severity"`
	Type       Type      `json:"type"`
	Method     Method    `json:"method"`
	Confidence float64   `json:"confidence"`
}
