package core

import (
	"fmt"
	"math"
	"time"
)

// SourcePolicy configures the Decision Engine's rule thresholds for one
// source. Zero-value optional fields (nil pointers) mean "rule unset".
type SourcePolicy struct {
	FreshnessMaxAgeHours *float64
	FreshnessFactor      float64 // default 2.0 when zero
	VolumeMinRowCount    *int64
	VolumeDeviationFactor float64 // default 3.0 when zero
}

func (p SourcePolicy) freshnessFactor() float64 {
	if p.FreshnessFactor == 0 {
		return 2.0
	}
	return p.FreshnessFactor
}

func (p SourcePolicy) deviationFactor() float64 {
	if p.VolumeDeviationFactor == 0 {
		return 3.0
	}
	return p.VolumeDeviationFactor
}

// Decide evaluates the fixed rule order R1-R6 against one current Snapshot,
// its BaselineSummary, and the source's policy. Pure, deterministic, and
// never fails: malformed inputs fall through to OK with no reasons.
func Decide(current Snapshot, baseline BaselineSummary, policy SourcePolicy, now time.Time) Decision {
	var reasons []Reason

	// R1: collection failure short-circuits everything else.
	if current.Status == CollectFailed {
		reasons = append(reasons, Reason{
			Code:     ReasonCollectFailed,
			Message:  "source collection failed",
			Severity: SeverityCritical,
			Details:  map[string]any{"metadata": current.Metadata},
		})
		return buildDecision(reasons, current, baseline)
	}

	rowCount := int64(0)
	haveRowCount := current.RowCount != nil
	if haveRowCount {
		rowCount = *current.RowCount
	}

	// R2: zero rows.
	if haveRowCount && rowCount == 0 {
		reasons = append(reasons, Reason{
			Code:     ReasonVolumeZero,
			Message:  "row count is zero",
			Severity: SeverityCritical,
		})
	}

	// R3: minimum volume.
	if haveRowCount && policy.VolumeMinRowCount != nil && rowCount < *policy.VolumeMinRowCount {
		reasons = append(reasons, Reason{
			Code:     ReasonVolumeBelowMinimum,
			Message:  fmt.Sprintf("row count %d below minimum %d", rowCount, *policy.VolumeMinRowCount),
			Severity: SeverityCritical,
			Details:  map[string]any{"row_count": rowCount, "min_row_count": *policy.VolumeMinRowCount},
		})
	}

	hardStaleFired := false

	// R4: hard freshness.
	if policy.FreshnessMaxAgeHours != nil && current.LatestTS != nil {
		ageHours := now.Sub(*current.LatestTS).Hours()
		if ageHours > *policy.FreshnessMaxAgeHours {
			reasons = append(reasons, Reason{
				Code:     ReasonDataStale,
				Message:  fmt.Sprintf("latest data is %.1fh old, exceeds max_age_hours %.1f", ageHours, *policy.FreshnessMaxAgeHours),
				Severity: SeverityCritical,
				Details:  map[string]any{"age_hours": ageHours, "max_age_hours": *policy.FreshnessMaxAgeHours},
			})
			hardStaleFired = true
		}
	}

	// R5: volume deviation.
	if haveRowCount && baseline.RowCountMedian != nil && baseline.RowCountStddev != nil && *baseline.RowCountStddev > 0 {
		deviation := math.Abs(float64(rowCount) - *baseline.RowCountMedian)
		threshold := policy.deviationFactor() * *baseline.RowCountStddev
		if deviation > threshold {
			reasons = append(reasons, Reason{
				Code:     ReasonVolumeDeviation,
				Message:  fmt.Sprintf("row count %d deviates %.1f from median %.1f (threshold %.1f)", rowCount, deviation, *baseline.RowCountMedian, threshold),
				Severity: SeverityWarning,
				Details:  map[string]any{"row_count": rowCount, "median": *baseline.RowCountMedian, "stddev": *baseline.RowCountStddev},
			})
		}
	}

	// R6: interval freshness, suppressed if R4 already covered staleness.
	if !hardStaleFired && baseline.ExpectedIntervalSeconds != nil && current.LatestTS != nil {
		ageSeconds := now.Sub(*current.LatestTS).Seconds()
		threshold := policy.freshnessFactor() * *baseline.ExpectedIntervalSeconds
		if ageSeconds > threshold {
			reasons = append(reasons, Reason{
				Code:     ReasonDataStale,
				Message:  fmt.Sprintf("latest data is %.0fs old, exceeds %.1fx expected interval %.0fs", ageSeconds, policy.freshnessFactor(), *baseline.ExpectedIntervalSeconds),
				Severity: SeverityWarning,
				Details:  map[string]any{"age_seconds": ageSeconds, "expected_interval_seconds": *baseline.ExpectedIntervalSeconds},
			})
		}
	}

	return buildDecision(reasons, current, baseline)
}

func buildDecision(reasons []Reason, current Snapshot, baseline BaselineSummary) Decision {
	status := StatusOK
	hasCritical, hasWarning := false, false
	for _, r := range reasons {
		if r.Severity == SeverityCritical {
			hasCritical = true
		} else if r.Severity == SeverityWarning {
			hasWarning = true
		}
	}
	switch {
	case hasCritical:
		status = StatusAnomaly
	case hasWarning:
		status = StatusWarning
	}

	return Decision{
		Status:     status,
		Reasons:    reasons,
		Metrics:    current.Metrics,
		Baseline:   &baseline,
		Confidence: confidenceFor(baseline.SnapshotCount),
	}
}

// confidenceFor is a step function over the baseline's contributing
// snapshot count. It informs human readers and payloads only — it never
// gates rule firing.
func confidenceFor(snapshotCount int) float64 {
	switch {
	case snapshotCount >= 10:
		return 1.0
	case snapshotCount >= 5:
		return 0.8
	case snapshotCount >= 3:
		return 0.5
	default:
		return 0.3
	}
}
