// Package ledger defines the durable append-and-upsert store the core
// consumes: snapshots, per-(source,target) alert state, and delivery
// records. Nothing outside this package's reference implementation knows
// about SQL; the core only ever sees the Ledger interface.
package ledger

import (
	"context"
	"errors"

	"github.com/thobiasn/dqsentry/internal/core"
)

// ErrNotFound is returned by lookups with no matching row. Most callers
// should treat it the same as a nil/zero-value result; it exists for
// callers that need to distinguish "never set" from "zero value".
var ErrNotFound = errors.New("ledger: not found")

// ListOptions filters ListSnapshots.
type ListOptions struct {
	Limit       int  // 0 = no limit
	MaxAgeDays  int  // 0 = no age filter
	SuccessOnly bool // only CollectSuccess snapshots
}

// PurgeOptions bounds PurgeOldSnapshots.
type PurgeOptions struct {
	MaxAgeDays  int
	MinPerSource int
}

// Ledger is the durable store contract the core consumes. Implementations
// must serialize writes per source and make SetAlertState atomic; concurrent
// reads are always permitted.
type Ledger interface {
	// AppendSnapshot durably appends s and returns its monotonically
	// assigned row id.
	AppendSnapshot(ctx context.Context, s core.Snapshot) (int64, error)

	// GetLastSnapshot returns the most recent snapshot for source by
	// CollectedAt, or ErrNotFound if none exists.
	GetLastSnapshot(ctx context.Context, source string) (core.Snapshot, error)

	// ListSnapshots returns snapshots for source, newest-first, with opts'
	// filters applied before any limit.
	ListSnapshots(ctx context.Context, source string, opts ListOptions) ([]core.Snapshot, error)

	// GetAlertState returns the AlertState for (source, target), or
	// ErrNotFound if the pair has never been evaluated.
	GetAlertState(ctx context.Context, source, target string) (core.AlertState, error)

	// SetAlertState atomically upserts state keyed by (source, target).
	SetAlertState(ctx context.Context, state core.AlertState) error

	// LogDelivery appends an audit row for one delivery attempt outcome.
	LogDelivery(ctx context.Context, record core.DeliveryRecord) error

	// PurgeOldSnapshots deletes snapshots older than opts.MaxAgeDays while
	// retaining at least opts.MinPerSource most recent successful snapshots
	// per source. Returns the number of rows deleted.
	PurgeOldSnapshots(ctx context.Context, opts PurgeOptions) (int64, error)

	// Close releases any resources held by the implementation.
	Close() error
}
