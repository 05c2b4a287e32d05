// Package pipeline implements the per-(source,target) alert reconciler: it
// turns a core.Decision into zero or more signed webhook payloads, honoring
// subscription filters, cooldown, and reason-hash deduplication, and commits
// the resulting AlertState and DeliveryRecord through a ledger.Ledger.
package pipeline

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/thobiasn/dqsentry/internal/core"
)

// WebhookPayload is the bit-exact wire format delivered to targets. Field
// order matches the declaration order here, which json.Marshal preserves
// for structs; this is what "canonical JSON" means for this payload.
type WebhookPayload struct {
	Version   string             `json:"version"`
	EventID   string             `json:"event_id"`
	EventType core.EventType     `json:"event_type"`
	Timestamp string             `json:"timestamp"`
	Source    core.SourceDescriptor `json:"source"`
	Decision  decisionPayload    `json:"decision"`
	Metrics   map[string]any     `json:"metrics"`
	Baseline  baselinePayload    `json:"baseline"`
	Context   contextPayload     `json:"context"`
}

type decisionPayload struct {
	Status     core.Status   `json:"status"`
	Reasons    []reasonPayload `json:"reasons"`
	Confidence float64       `json:"confidence"`
}

type reasonPayload struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Severity core.Severity  `json:"severity"`
	Details  map[string]any `json:"details"`
}

type baselinePayload struct {
	SnapshotCount           int      `json:"snapshot_count"`
	RowCountMedian          *float64 `json:"row_count_median"`
	RowCountMin             *float64 `json:"row_count_min"`
	RowCountMax             *float64 `json:"row_count_max"`
	RowCountStddev          *float64 `json:"row_count_stddev"`
	ExpectedIntervalSeconds *float64 `json:"expected_interval_seconds"`
}

type contextPayload struct {
	AgentID string `json:"agent_id"`
}

// uuidNew is a package var so tests can pin deterministic event ids.
var uuidNew = uuid.NewString

// BuildPayload mints a WebhookPayload for one (source, target, event) from
// the current Snapshot and the Decision computed against it. eventType must
// be one of the four wire-stable event names; the caller (the state
// machine) decides which one applies.
func BuildPayload(snapshot core.Snapshot, sourceType string, eventType core.EventType, decision core.Decision, now time.Time, agentID string) WebhookPayload {
	reasons := make([]reasonPayload, len(decision.Reasons))
	for i, r := range decision.Reasons {
		reasons[i] = reasonPayload{
			Code: r.Code, Message: r.Message, Severity: r.Severity, Details: r.Details,
		}
	}

	metrics := map[string]any{}
	for k, v := range decision.Metrics {
		metrics[k] = v
	}
	if snapshot.RowCount != nil {
		metrics["row_count"] = *snapshot.RowCount
	} else {
		metrics["row_count"] = nil
	}
	if snapshot.LatestTS != nil {
		metrics["latest_timestamp"] = snapshot.LatestTS.UTC().Format(time.RFC3339)
	} else {
		metrics["latest_timestamp"] = nil
	}

	var baseline baselinePayload
	if decision.Baseline != nil {
		b := decision.Baseline
		baseline = baselinePayload{
			SnapshotCount:           b.SnapshotCount,
			RowCountMedian:          b.RowCountMedian,
			RowCountMin:             b.RowCountMin,
			RowCountMax:             b.RowCountMax,
			RowCountStddev:          b.RowCountStddev,
			ExpectedIntervalSeconds: b.ExpectedIntervalSeconds,
		}
	}

	return WebhookPayload{
		Version:   "1",
		EventID:   uuidNew(),
		EventType: eventType,
		Timestamp: now.UTC().Format(time.RFC3339),
		Source:    core.SourceDescriptor{Name: snapshot.Source, Type: sourceType},
		Decision: decisionPayload{
			Status:     decision.Status,
			Reasons:    reasons,
			Confidence: decision.Confidence,
		},
		Metrics:  metrics,
		Baseline: baseline,
		Context:  contextPayload{AgentID: agentID},
	}
}

// CanonicalJSON serializes p as the exact bytes that are signed and sent:
// UTF-8, no trailing newline, compact (no added whitespace).
func CanonicalJSON(p WebhookPayload) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	// json.Encoder.Encode appends a trailing newline; the wire format must
	// not have one.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// PayloadHash returns a short hex digest of the canonical JSON body, used as
// DeliveryRecord.PayloadHash.
func PayloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])[:16]
}

// Sign computes the HMAC-SHA256 of body keyed by secret (UTF-8), returning
// the lowercase hex digest for the X-Signature header's value, without the
// "sha256=" prefix.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
