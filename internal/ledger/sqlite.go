package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	_ "modernc.org/sqlite"

	"github.com/thobiasn/dqsentry/internal/core"
)

// currentSchemaVersion is incremented when the schema changes in a way that
// requires data migration (not just adding columns).
const currentSchemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS schema_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	source       TEXT    NOT NULL,
	collected_at INTEGER NOT NULL,
	status       TEXT    NOT NULL,
	row_count    INTEGER,
	latest_ts    INTEGER,
	metrics      TEXT    NOT NULL DEFAULT '{}',
	metadata     TEXT    NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_snapshots_source_ts ON snapshots(source, collected_at);

CREATE TABLE IF NOT EXISTS alert_states (
	source           TEXT    NOT NULL,
	target           TEXT    NOT NULL,
	notified_status  TEXT    NOT NULL,
	reason_hash      TEXT    NOT NULL,
	last_change_at   INTEGER NOT NULL,
	last_sent_at     INTEGER NOT NULL,
	cooldown_until   INTEGER NOT NULL,
	UNIQUE(source, target)
);

CREATE TABLE IF NOT EXISTS delivery_log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	source       TEXT    NOT NULL,
	target       TEXT    NOT NULL,
	event_type   TEXT    NOT NULL,
	payload_hash TEXT    NOT NULL,
	delivered_at INTEGER NOT NULL,
	success      INTEGER NOT NULL,
	http_status  INTEGER NOT NULL,
	latency_ms   INTEGER NOT NULL,
	error_msg    TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_delivery_log_source_ts ON delivery_log(source, delivered_at);
`

// Store is the SQLite-backed reference Ledger. It is a single-writer store:
// SetMaxOpenConns(1) serializes every write (and read) through one
// connection, matching the concurrency contract's "guard against concurrent
// writers to the same source" requirement trivially by guarding the whole
// database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates a SQLite database at path with WAL mode and a bounded
// page cache, then runs migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	// Limit SQLite page cache to ~2MB (negative = KB).
	if _, err := db.Exec("PRAGMA cache_size = -2000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set cache_size: %w", err)
	}
	if _, err := db.Exec("PRAGMA auto_vacuum = 2"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set auto_vacuum: %w", err)
	}

	s := &Store{db: db, path: path}

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if err := os.Chmod(path, 0o600); err != nil {
		slog.Warn("failed to set database file permissions", "error", err)
	}

	return s, nil
}

// migrate tracks schema version in schema_meta rather than PRAGMA
// user_version, so a dump of schema_meta alone reveals the version without
// querying pragmas.
func (s *Store) migrate() error {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM schema_meta WHERE key = 'version'`).Scan(&raw)
	version := 0
	if err == nil {
		fmt.Sscanf(raw, "%d", &version)
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= currentSchemaVersion {
		return nil
	}

	// No migrations yet beyond the initial schema; future version bumps add
	// steps here, gated on `if version < N`.

	_, err = s.db.Exec(
		`INSERT INTO schema_meta (key, value) VALUES ('version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		fmt.Sprintf("%d", currentSchemaVersion),
	)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullableInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableUnix(p *time.Time) any {
	if p == nil {
		return nil
	}
	return p.UTC().Unix()
}

func marshalMap[T any](m map[string]T) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalFloatMap(raw string) map[string]float64 {
	var m map[string]float64
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

func unmarshalStringMap(raw string) map[string]string {
	var m map[string]string
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

// AppendSnapshot implements Ledger.
func (s *Store) AppendSnapshot(ctx context.Context, snap core.Snapshot) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (source, collected_at, status, row_count, latest_ts, metrics, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.Source, snap.CollectedAt.UTC().Unix(), string(snap.Status),
		nullableInt64(snap.RowCount), nullableUnix(snap.LatestTS),
		marshalMap(snap.Metrics), marshalMap(snap.Metadata),
	)
	if err != nil {
		return 0, fmt.Errorf("append snapshot: %w", err)
	}
	return res.LastInsertId()
}

func scanSnapshot(row interface {
	Scan(dest ...any) error
}) (core.Snapshot, error) {
	var (
		snap              core.Snapshot
		collectedAt       int64
		status            string
		rowCount          *int64
		latestTS          *int64
		metricsRaw, metaRaw string
	)
	if err := row.Scan(&snap.Source, &collectedAt, &status, &rowCount, &latestTS, &metricsRaw, &metaRaw); err != nil {
		return core.Snapshot{}, err
	}
	snap.CollectedAt = time.Unix(collectedAt, 0).UTC()
	snap.Status = core.CollectStatus(status)
	snap.RowCount = rowCount
	if latestTS != nil {
		t := time.Unix(*latestTS, 0).UTC()
		snap.LatestTS = &t
	}
	snap.Metrics = unmarshalFloatMap(metricsRaw)
	snap.Metadata = unmarshalStringMap(metaRaw)
	return snap, nil
}

// GetLastSnapshot implements Ledger.
func (s *Store) GetLastSnapshot(ctx context.Context, source string) (core.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT source, collected_at, status, row_count, latest_ts, metrics, metadata
		 FROM snapshots WHERE source = ? ORDER BY collected_at DESC LIMIT 1`, source)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return core.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return core.Snapshot{}, fmt.Errorf("get last snapshot: %w", err)
	}
	return snap, nil
}

// ListSnapshots implements Ledger.
func (s *Store) ListSnapshots(ctx context.Context, source string, opts ListOptions) ([]core.Snapshot, error) {
	query := `SELECT source, collected_at, status, row_count, latest_ts, metrics, metadata
		FROM snapshots WHERE source = ?`
	args := []any{source}

	if opts.MaxAgeDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -opts.MaxAgeDays).UTC().Unix()
		query += ` AND collected_at >= ?`
		args = append(args, cutoff)
	}
	if opts.SuccessOnly {
		query += ` AND status = ?`
		args = append(args, string(core.CollectSuccess))
	}
	query += ` ORDER BY collected_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var result []core.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		result = append(result, snap)
	}
	return result, rows.Err()
}

// GetAlertState implements Ledger.
func (s *Store) GetAlertState(ctx context.Context, source, target string) (core.AlertState, error) {
	var (
		state                                 core.AlertState
		lastChangeAt, lastSentAt, cooldownUntil int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT source, target, notified_status, reason_hash, last_change_at, last_sent_at, cooldown_until
		 FROM alert_states WHERE source = ? AND target = ?`, source, target,
	).Scan(&state.Source, &state.Target, &state.NotifiedStatus, &state.ReasonHash,
		&lastChangeAt, &lastSentAt, &cooldownUntil)
	if err == sql.ErrNoRows {
		return core.AlertState{}, ErrNotFound
	}
	if err != nil {
		return core.AlertState{}, fmt.Errorf("get alert state: %w", err)
	}
	state.LastChangeAt = time.Unix(lastChangeAt, 0).UTC()
	state.LastSentAt = time.Unix(lastSentAt, 0).UTC()
	state.CooldownUntil = time.Unix(cooldownUntil, 0).UTC()
	return state, nil
}

// SetAlertState implements Ledger. The UNIQUE(source, target) constraint
// plus ON CONFLICT makes the upsert atomic under the single-writer
// connection.
func (s *Store) SetAlertState(ctx context.Context, state core.AlertState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_states (source, target, notified_status, reason_hash, last_change_at, last_sent_at, cooldown_until)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source, target) DO UPDATE SET
			notified_status = excluded.notified_status,
			reason_hash = excluded.reason_hash,
			last_change_at = excluded.last_change_at,
			last_sent_at = excluded.last_sent_at,
			cooldown_until = excluded.cooldown_until`,
		state.Source, state.Target, string(state.NotifiedStatus), state.ReasonHash,
		state.LastChangeAt.UTC().Unix(), state.LastSentAt.UTC().Unix(), state.CooldownUntil.UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("set alert state: %w", err)
	}
	return nil
}

// LogDelivery implements Ledger.
func (s *Store) LogDelivery(ctx context.Context, rec core.DeliveryRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_log (source, target, event_type, payload_hash, delivered_at, success, http_status, latency_ms, error_msg)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Source, rec.Target, rec.EventType, rec.PayloadHash, rec.DeliveredAt.UTC().Unix(),
		boolToInt(rec.Success), rec.HTTPStatus, rec.LatencyMS, rec.ErrorMsg,
	)
	if err != nil {
		return fmt.Errorf("log delivery: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// purgeBatchSize limits the number of rows deleted per batch to avoid
// long-running transactions that block other database operations.
const purgeBatchSize = 5000

// PurgeOldSnapshots implements Ledger. For each source it finds the
// MinPerSource-th most recent successful snapshot and deletes, in batches,
// every snapshot older than both MaxAgeDays and that snapshot. A source
// with fewer than MinPerSource successful snapshots is left untouched.
func (s *Store) PurgeOldSnapshots(ctx context.Context, opts PurgeOptions) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -opts.MaxAgeDays).UTC().Unix()

	sources, err := s.distinctSources(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sources: %w", err)
	}

	var total int64
	for _, source := range sources {
		effectiveCutoff := cutoff
		if opts.MinPerSource > 0 {
			row := s.db.QueryRowContext(ctx,
				`SELECT collected_at FROM snapshots
				 WHERE source = ? AND status = ?
				 ORDER BY collected_at DESC LIMIT 1 OFFSET ?`,
				source, string(core.CollectSuccess), opts.MinPerSource-1)
			var ts int64
			switch err := row.Scan(&ts); {
			case err == nil:
				if ts < effectiveCutoff {
					effectiveCutoff = ts
				}
			case err == sql.ErrNoRows:
				// Fewer than MinPerSource successful snapshots exist for
				// this source; the floor protects all of them.
				continue
			default:
				return total, fmt.Errorf("find retention floor: %w", err)
			}
		}

		n, err := s.purgeSourceBatched(ctx, source, effectiveCutoff)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", source, err)
		}
		total += n
	}

	s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)")
	debug.FreeOSMemory()

	return total, nil
}

func (s *Store) distinctSources(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT source FROM snapshots`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// purgeSourceBatched deletes rows for source strictly older than cutoff, in
// batches of purgeBatchSize to avoid long-running transactions.
func (s *Store) purgeSourceBatched(ctx context.Context, source string, cutoff int64) (int64, error) {
	query := `DELETE FROM snapshots WHERE rowid IN (
		SELECT rowid FROM snapshots WHERE source = ? AND collected_at < ? LIMIT ?)`
	var total int64
	for {
		res, err := s.db.ExecContext(ctx, query, source, cutoff, purgeBatchSize)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
		if n < purgeBatchSize {
			return total, nil
		}
	}
}

var _ Ledger = (*Store)(nil)
