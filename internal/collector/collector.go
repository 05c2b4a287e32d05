// Package collector turns a probe against a configured data source into a
// core.Snapshot. Collection failures never cross this boundary as errors:
// they are folded into a COLLECT_FAILED Snapshot so the Decision Engine's
// R1 rule is the only place that has to know about them.
package collector

import (
	"context"
	"time"

	"github.com/thobiasn/dqsentry/internal/core"
)

// SourceConfig names one source and the probe used to check it.
type SourceConfig struct {
	Name          string
	Query         string
	TimeoutSecs   int
}

// Collector probes one source and returns a Snapshot. Collect has no error
// return: a collection failure is recorded on the Snapshot itself (Status,
// Metadata) per the query contract, so callers never special-case a failed
// probe.
type Collector interface {
	Collect(ctx context.Context, cfg SourceConfig, now time.Time) core.Snapshot
}

func failedSnapshot(source string, now time.Time, errCode, errMsg string) core.Snapshot {
	return core.Snapshot{
		Source:      source,
		CollectedAt: now,
		Status:      core.CollectFailed,
		Metadata: map[string]string{
			"error_code":    errCode,
			"error_message": errMsg,
		},
	}
}
