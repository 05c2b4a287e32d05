// Package scheduler drives periodic per-source checks: one goroutine per
// configured source, ticking at the source's interval, with an in-flight
// guard so at most one check runs per source concurrently. It owns time —
// the core never does — and hands each tick's `now` to the collector,
// baseline, decision, and pipeline stages it drives.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thobiasn/dqsentry/internal/core"
)

// Checker runs one full check for a source: collect, append, baseline,
// decide, reconcile. It returns the Decision so the caller (typically the
// CLI) can compute an exit code from the worst status observed.
type Checker interface {
	Check(ctx context.Context, sourceName string, now time.Time) (core.Decision, error)
}

// SourceSchedule is one source's ticking interval.
type SourceSchedule struct {
	Name     string
	Interval time.Duration
}

// Scheduler runs a Checker against every configured source on its own
// ticker, guarding against overlapping checks for the same source.
type Scheduler struct {
	checker Checker
	sources []SourceSchedule

	mu      sync.Mutex
	running map[string]*int32 // source -> in-flight guard
}

// New builds a Scheduler for sources, driving checker on each source's own
// interval.
func New(checker Checker, sources []SourceSchedule) *Scheduler {
	running := make(map[string]*int32, len(sources))
	for _, s := range sources {
		var flag int32
		running[s.Name] = &flag
	}
	return &Scheduler{checker: checker, sources: sources, running: running}
}

// Run starts one ticking goroutine per source and blocks until ctx is
// cancelled or every source goroutine has exited. The worst Status observed
// across all sources during the run is returned so the caller can derive
// a process exit code from it.
func (s *Scheduler) Run(ctx context.Context) core.Status {
	var (
		wg      sync.WaitGroup
		worstMu sync.Mutex
		worst   = core.StatusOK
	)
	recordStatus := func(st core.Status) {
		worstMu.Lock()
		defer worstMu.Unlock()
		if severityRank(st) > severityRank(worst) {
			worst = st
		}
	}

	for _, src := range s.sources {
		wg.Add(1)
		go func(src SourceSchedule) {
			defer wg.Done()
			s.runSource(ctx, src, recordStatus)
		}(src)
	}

	wg.Wait()
	return worst
}

// RunOnce runs a single check per source immediately (used by -dry-run and
// one-shot invocations) without starting any tickers, returning the worst
// status observed.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) core.Status {
	worst := core.StatusOK
	for _, src := range s.sources {
		decision, err := s.checker.Check(ctx, src.Name, now)
		if err != nil {
			slog.Error("check failed", "source", src.Name, "error", err)
			continue
		}
		if severityRank(decision.Status) > severityRank(worst) {
			worst = decision.Status
		}
	}
	return worst
}

func (s *Scheduler) runSource(ctx context.Context, src SourceSchedule, recordStatus func(core.Status)) {
	s.tick(ctx, src, recordStatus) // collect immediately on startup

	ticker := time.NewTicker(src.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, src, recordStatus)
		}
	}
}

// tick runs one check for src, skipping it entirely if the previous check
// for the same source is still in flight, so at most one check ever runs
// per source at a time.
func (s *Scheduler) tick(ctx context.Context, src SourceSchedule, recordStatus func(core.Status)) {
	s.mu.Lock()
	flag := s.running[src.Name]
	s.mu.Unlock()

	if !atomic.CompareAndSwapInt32(flag, 0, 1) {
		slog.Warn("skipping check: previous check still in flight", "source", src.Name)
		return
	}
	defer atomic.StoreInt32(flag, 0)

	now := time.Now().UTC()
	decision, err := s.checker.Check(ctx, src.Name, now)
	if err != nil {
		slog.Error("check failed", "source", src.Name, "error", err)
		return
	}
	recordStatus(decision.Status)
}

func severityRank(s core.Status) int {
	switch s {
	case core.StatusAnomaly:
		return 2
	case core.StatusWarning:
		return 1
	default:
		return 0
	}
}
