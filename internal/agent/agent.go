// Package agent wires the core pipeline stages (collector, ledger,
// baseline, decision, alert pipeline, delivery) into a single Checker the
// scheduler drives, and owns the per-source database/sql handles opened
// from each source's DSN.
package agent

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/thobiasn/dqsentry/internal/collector"
	"github.com/thobiasn/dqsentry/internal/config"
	"github.com/thobiasn/dqsentry/internal/core"
	"github.com/thobiasn/dqsentry/internal/delivery"
	"github.com/thobiasn/dqsentry/internal/ledger"
	"github.com/thobiasn/dqsentry/internal/pipeline"
	"github.com/thobiasn/dqsentry/internal/scheduler"
)

// Agent owns one Ledger, one Delivery Client shared across targets, and one
// Collector per configured source, and implements scheduler.Checker.
type Agent struct {
	cfg     *config.Config
	store   ledger.Ledger
	sender  pipeline.Sender
	targets []pipeline.Target

	sources map[string]sourceHandle
}

type sourceHandle struct {
	cfg       config.SourceConfig
	collector collector.Collector
	db        *sql.DB
}

// New opens the Ledger at cfg.Storage.Path, a database/sql handle per
// source DSN, and builds the Agent. driverFor maps a source's declared
// `type` (e.g. "postgres", "sqlite") to the database/sql driver name
// registered for it — the Agent itself never imports a dialect driver;
// cfg.Type is just a tag resolved by the caller-supplied map, rather than
// a type switch baked into the core.
func New(cfg *config.Config, driverFor map[string]string) (*Agent, error) {
	store, err := ledger.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	a := &Agent{
		cfg:     cfg,
		store:   store,
		sender:  delivery.NewClient(),
		sources: make(map[string]sourceHandle, len(cfg.Sources)),
	}

	for _, srcCfg := range cfg.Sources {
		driverName, ok := driverFor[srcCfg.Type]
		if !ok {
			store.Close()
			return nil, fmt.Errorf("source %q: no driver registered for type %q", srcCfg.Name, srcCfg.Type)
		}
		db, err := sql.Open(driverName, srcCfg.DSN)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("source %q: open dsn: %w", srcCfg.Name, err)
		}
		a.sources[srcCfg.Name] = sourceHandle{
			cfg:       srcCfg,
			collector: &collector.SQLCollector{DB: db},
			db:        db,
		}
	}

	for _, t := range cfg.Targets {
		a.targets = append(a.targets, pipeline.Target{
			Name:            t.Name,
			URL:             t.URL,
			Secret:          t.Secret,
			Events:          t.EventTypes(),
			CooldownMinutes: t.CooldownMinutes,
			TimeoutSeconds:  t.TimeoutSeconds,
		})
	}

	return a, nil
}

// Close releases the Ledger and every source's database handle.
func (a *Agent) Close() error {
	var firstErr error
	for name, h := range a.sources {
		if err := h.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close source %q: %w", name, err)
		}
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close ledger: %w", err)
	}
	return firstErr
}

// Schedules returns one SourceSchedule per configured source, for handing
// to scheduler.New.
func (a *Agent) Schedules() []scheduler.SourceSchedule {
	out := make([]scheduler.SourceSchedule, 0, len(a.cfg.Sources))
	for _, s := range a.cfg.Sources {
		out = append(out, scheduler.SourceSchedule{Name: s.Name, Interval: s.Interval.Duration})
	}
	return out
}

var _ scheduler.Checker = (*Agent)(nil)

// DryRunChecker adapts Agent.CheckDryRun to scheduler.Checker, for wiring
// into scheduler.New when the CLI's -dry-run flag is set.
type DryRunChecker struct{ *Agent }

func (d DryRunChecker) Check(ctx context.Context, sourceName string, now time.Time) (core.Decision, error) {
	return d.Agent.CheckDryRun(ctx, sourceName, now)
}

var _ scheduler.Checker = DryRunChecker{}

// Check implements scheduler.Checker: collect, append, compute baseline,
// decide, reconcile alert state — the full per-check data flow.
func (a *Agent) Check(ctx context.Context, sourceName string, now time.Time) (core.Decision, error) {
	return a.check(ctx, sourceName, now, false)
}

// CheckDryRun runs the same data flow as Check but in the Alert Pipeline's
// dry-run mode: it still appends the Snapshot (collection is never
// skipped, since the baseline needs real history), but the pipeline stage
// only computes the payloads that would be sent, without invoking the
// Delivery Client or mutating AlertState.
func (a *Agent) CheckDryRun(ctx context.Context, sourceName string, now time.Time) (core.Decision, error) {
	return a.check(ctx, sourceName, now, true)
}

func (a *Agent) check(ctx context.Context, sourceName string, now time.Time, dryRun bool) (core.Decision, error) {
	h, ok := a.sources[sourceName]
	if !ok {
		return core.Decision{}, fmt.Errorf("unknown source %q", sourceName)
	}

	snap := h.collector.Collect(ctx, collector.SourceConfig{
		Name:        h.cfg.Name,
		Query:       h.cfg.Query,
		TimeoutSecs: int(h.cfg.Timeout.Duration.Seconds()),
	}, now)

	if _, err := a.store.AppendSnapshot(ctx, snap); err != nil {
		return core.Decision{}, fmt.Errorf("append snapshot: %w", err)
	}

	history, err := a.store.ListSnapshots(ctx, sourceName, ledger.ListOptions{
		Limit:       h.cfg.Baseline.WindowSize * 4, // over-fetch; ComputeBaseline re-windows
		MaxAgeDays:  h.cfg.Baseline.MaxAgeDays,
		SuccessOnly: true,
	})
	if err != nil {
		return core.Decision{}, fmt.Errorf("list snapshots: %w", err)
	}

	baseline := core.ComputeBaseline(history, h.cfg.BaselinePolicy(), now)
	decision := core.Decide(snap, baseline, h.cfg.SourcePolicy(), now)

	p := &pipeline.Pipeline{Ledger: a.store, Sender: a.sender, AgentID: a.cfg.AgentID, SourceType: h.cfg.Type}
	dispatches, err := p.Run(ctx, snap, decision, a.targets, now, dryRun)
	if err != nil {
		return decision, fmt.Errorf("alert pipeline: %w", err)
	}

	for _, d := range dispatches {
		if dryRun {
			slog.Info("webhook would be dispatched (dry-run)", "source", sourceName, "target", d.Target, "event", d.Event)
			continue
		}
		slog.Info("webhook dispatched", "source", sourceName, "target", d.Target, "event", d.Event)
	}

	return decision, nil
}

// PurgeRetention runs the Ledger's retention purge using cfg.Storage's
// configured thresholds. It is not part of the per-check flow, and
// cmd/dqsentryd does not call it.
func (a *Agent) PurgeRetention(ctx context.Context) (int64, error) {
	return a.store.PurgeOldSnapshots(ctx, ledger.PurgeOptions{
		MaxAgeDays:   a.cfg.Storage.RetentionDays,
		MinPerSource: a.cfg.Storage.MinSnapshotsPerSource,
	})
}
