package core

import (
	"math"
	"sort"
	"time"
)

// BaselinePolicy configures the Baseline Calculator's window.
type BaselinePolicy struct {
	WindowSize int
	MaxAgeDays int
}

// ComputeBaseline derives a BaselineSummary from a chronologically
// unordered collection of Snapshots for one source. Pure and deterministic:
// the result depends only on snapshots, policy, and now.
func ComputeBaseline(snapshots []Snapshot, policy BaselinePolicy, now time.Time) BaselineSummary {
	cutoff := now.AddDate(0, 0, -policy.MaxAgeDays)

	selected := make([]Snapshot, 0, len(snapshots))
	for _, s := range snapshots {
		if s.Status != CollectSuccess || s.RowCount == nil {
			continue
		}
		if s.CollectedAt.Before(cutoff) {
			continue
		}
		selected = append(selected, s)
	}

	sort.Slice(selected, func(i, j int) bool {
		return selected[i].CollectedAt.Before(selected[j].CollectedAt)
	})

	if policy.WindowSize > 0 && len(selected) > policy.WindowSize {
		selected = selected[len(selected)-policy.WindowSize:]
	}

	if len(selected) == 0 {
		return BaselineSummary{SnapshotCount: 0}
	}

	counts := make([]float64, len(selected))
	for i, s := range selected {
		counts[i] = float64(*s.RowCount)
	}

	summary := BaselineSummary{
		SnapshotCount:    len(selected),
		OldestSnapshotAt: timePtr(selected[0].CollectedAt),
		NewestSnapshotAt: timePtr(selected[len(selected)-1].CollectedAt),
	}

	median := interpolatedMedian(counts)
	summary.RowCountMedian = &median
	lo, hi := minMax(counts)
	summary.RowCountMin = &lo
	summary.RowCountMax = &hi

	if len(counts) >= 2 {
		sd := populationStddev(counts)
		summary.RowCountStddev = &sd
	}

	if interval, ok := medianInterval(selected); ok {
		summary.ExpectedIntervalSeconds = &interval
	}

	return summary
}

func timePtr(t time.Time) *time.Time { return &t }

// interpolatedMedian computes the linear-interpolation median of an
// already-computable (unsorted) slice of counts, using the lower-midpoint
// average on ties.
func interpolatedMedian(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func minMax(values []float64) (float64, float64) {
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// populationStddev computes the population (not sample) standard deviation.
func populationStddev(values []float64) float64 {
	n := float64(len(values))
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= n

	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / n)
}

// medianInterval computes the median of positive consecutive deltas between
// CollectedAt values in a chronologically ascending, already-sorted slice.
// Returns false when no positive delta is available (fewer than two
// snapshots, or all sharing one instant).
func medianInterval(sortedAsc []Snapshot) (float64, bool) {
	if len(sortedAsc) < 2 {
		return 0, false
	}
	deltas := make([]float64, 0, len(sortedAsc)-1)
	for i := 1; i < len(sortedAsc); i++ {
		d := sortedAsc[i].CollectedAt.Sub(sortedAsc[i-1].CollectedAt).Seconds()
		if d > 0 {
			deltas = append(deltas, d)
		}
	}
	if len(deltas) == 0 {
		return 0, false
	}
	return interpolatedMedian(deltas), true
}
