package collector

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/thobiasn/dqsentry/internal/core"
)

// SQLCollector runs a SourceConfig's query against db and maps the result
// row to a Snapshot. The query contract requires a `row_count` column
// (integer) and tolerates an optional `latest_timestamp` column; any other
// returned column whose value converts to a number is folded into
// Snapshot.Metrics as a free-form metric, letting a source expose
// additional numeric signals without a schema change here. Columns with
// non-numeric values are dropped. db is dialect-agnostic: any driver registered under
// database/sql satisfies this, which is how tests exercise it against
// modernc.org/sqlite while the production binary points it at whatever
// driver a source's DSN names.
type SQLCollector struct {
	DB *sql.DB
}

var _ Collector = (*SQLCollector)(nil)

func (c *SQLCollector) Collect(ctx context.Context, cfg SourceConfig, now time.Time) core.Snapshot {
	timeout := defaultQueryTimeout
	if cfg.TimeoutSecs > 0 {
		timeout = time.Duration(cfg.TimeoutSecs) * time.Second
	}
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	rows, err := c.DB.QueryContext(queryCtx, cfg.Query)
	if err != nil {
		return failedSnapshot(cfg.Name, now, "query_failed", err.Error())
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return failedSnapshot(cfg.Name, now, "query_failed", err.Error())
		}
		return failedSnapshot(cfg.Name, now, "empty_result", "query returned no rows")
	}

	cols, err := rows.Columns()
	if err != nil {
		return failedSnapshot(cfg.Name, now, "query_failed", err.Error())
	}

	dest := make([]any, len(cols))
	for i := range dest {
		dest[i] = new(any)
	}
	if err := rows.Scan(dest...); err != nil {
		return failedSnapshot(cfg.Name, now, "scan_failed", err.Error())
	}

	values := make(map[string]any, len(cols))
	for i, col := range cols {
		values[col] = *(dest[i].(*any))
	}

	rowCount, ok, err := extractRowCount(values)
	if err != nil {
		return failedSnapshot(cfg.Name, now, "malformed_result", err.Error())
	}
	if !ok {
		return failedSnapshot(cfg.Name, now, "missing_row_count", "result did not contain row_count")
	}

	latestTS, err := extractLatestTimestamp(values)
	if err != nil {
		return failedSnapshot(cfg.Name, now, "malformed_result", err.Error())
	}

	metrics := map[string]float64{}
	for col, v := range values {
		if col == "row_count" || col == "latest_timestamp" {
			continue
		}
		if f, ok := toFloat(v); ok {
			metrics[col] = f
		}
	}

	return core.Snapshot{
		Source:      cfg.Name,
		CollectedAt: now,
		Status:      core.CollectSuccess,
		RowCount:    &rowCount,
		LatestTS:    latestTS,
		Metrics:     metrics,
		Metadata: map[string]string{
			"duration_ms": strconv.FormatInt(time.Since(start).Milliseconds(), 10),
		},
	}
}

const defaultQueryTimeout = 30 * time.Second

func extractRowCount(values map[string]any) (int64, bool, error) {
	raw, present := values["row_count"]
	if !present || raw == nil {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case int64:
		return v, true, nil
	case int:
		return int64(v), true, nil
	case float64:
		return int64(v), true, nil
	case []byte:
		n, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("row_count %q is not an integer: %w", v, err)
		}
		return n, true, nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("row_count %q is not an integer: %w", v, err)
		}
		return n, true, nil
	default:
		return 0, false, fmt.Errorf("row_count has unsupported type %T", raw)
	}
}

func extractLatestTimestamp(values map[string]any) (*time.Time, error) {
	raw, present := values["latest_timestamp"]
	if !present || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case time.Time:
		t := v.UTC()
		return &t, nil
	case []byte:
		return parseTimestamp(string(v))
	case string:
		return parseTimestamp(v)
	default:
		return nil, fmt.Errorf("latest_timestamp has unsupported type %T", raw)
	}
}

func parseTimestamp(s string) (*time.Time, error) {
	for _, layout := range []string{time.RFC3339, time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("latest_timestamp %q does not match a known layout", s)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case []byte:
		f, err := strconv.ParseFloat(string(n), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
