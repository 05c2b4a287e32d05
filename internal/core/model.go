// Package core holds the pure data-quality decision pipeline: the data
// model, the baseline calculator, and the decision engine. Nothing in this
// package performs I/O.
package core

import "time"

// CollectStatus is the outcome of a single probe against a source.
type CollectStatus string

const (
	CollectSuccess CollectStatus = "SUCCESS"
	CollectFailed  CollectStatus = "COLLECT_FAILED"
)

// Status is a Decision's overall verdict.
type Status string

const (
	StatusOK      Status = "OK"
	StatusWarning Status = "WARNING"
	StatusAnomaly Status = "ANOMALY"
	StatusUnknown Status = "UNKNOWN" // sentinel: no decision yet
)

// Severity is a Reason's severity level.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Snapshot is one probe result for one source at one instant. Immutable
// once created.
type Snapshot struct {
	Source         string
	CollectedAt    time.Time
	Status         CollectStatus
	RowCount       *int64
	LatestTS       *time.Time
	Metrics        map[string]float64
	Metadata       map[string]string // duration_ms, error_code, error_message, ...
}

// BaselineSummary is the rolling statistical summary produced by the
// Baseline Calculator. Never stored; recomputed on every check.
type BaselineSummary struct {
	SnapshotCount           int
	RowCountMedian          *float64
	RowCountMin             *float64
	RowCountMax             *float64
	RowCountStddev          *float64
	ExpectedIntervalSeconds *float64
	OldestSnapshotAt        *time.Time
	NewestSnapshotAt        *time.Time
}

// Reason is one rule firing, embedded in a Decision.
type Reason struct {
	Code     string
	Message  string
	Severity Severity
	Details  map[string]any
}

// Decision is the typed verdict for one snapshot against its baseline and
// policy.
type Decision struct {
	Status     Status
	Reasons    []Reason
	Metrics    map[string]float64
	Baseline   *BaselineSummary
	Confidence float64
}

// AlertState is the persisted per-(source,target) memory of what was last
// notified. Exactly one exists per pair once evaluated at least once.
type AlertState struct {
	Source         string
	Target         string
	NotifiedStatus Status
	ReasonHash     string
	LastChangeAt   time.Time
	LastSentAt     time.Time
	CooldownUntil  time.Time
}

// DeliveryRecord is an append-only audit row for one delivery attempt
// outcome.
type DeliveryRecord struct {
	Source      string
	Target      string
	EventType   string
	PayloadHash string
	DeliveredAt time.Time
	Success     bool
	HTTPStatus  int
	LatencyMS   int64
	ErrorMsg    string
}

// SourceDescriptor identifies the source in a WebhookPayload.
type SourceDescriptor struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// EventType is one of the four wire-stable webhook event names.
type EventType string

const (
	EventAnomaly  EventType = "anomaly"
	EventWarning  EventType = "warning"
	EventRecovery EventType = "recovery"
	EventInfo     EventType = "info"
)
