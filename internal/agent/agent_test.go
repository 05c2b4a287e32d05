package agent

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/thobiasn/dqsentry/internal/config"
	"github.com/thobiasn/dqsentry/internal/core"
	"github.com/thobiasn/dqsentry/internal/ledger"
)

func testConfig(t *testing.T, dbPath, query string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		AgentID: "agent-test",
		Storage: config.StorageConfig{Path: dbPath, RetentionDays: 30, MinSnapshotsPerSource: 5},
		Sources: []config.SourceConfig{{
			Name:     "orders",
			Type:     "sqlite",
			DSN:      ":memory:",
			Query:    query,
			Interval: config.Duration{Duration: time.Minute},
			Timeout:  config.Duration{Duration: 5 * time.Second},
			Baseline: config.BaselineConfig{WindowSize: 20, MaxAgeDays: 30},
			Decision: config.DecisionConfig{VolumeMinRowCount: int64Ptr(1)},
		}},
	}
	return cfg
}

func int64Ptr(v int64) *int64 { return &v }

func TestAgentCheckAppendsSnapshotAndReturnsDecision(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, filepath.Join(dir, "ledger.db"),
		`SELECT 0 AS row_count`)

	a, err := New(cfg, map[string]string{"sqlite": "sqlite"})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	defer a.Close()

	decision, err := a.Check(context.Background(), "orders", time.Now().UTC())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Status != core.StatusAnomaly {
		t.Fatalf("status = %q, want ANOMALY (zero rows)", decision.Status)
	}

	history, err := a.store.ListSnapshots(context.Background(), "orders", ledger.ListOptions{})
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 appended snapshot, got %d", len(history))
	}
}

func TestAgentCheckUnknownSourceErrors(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, filepath.Join(dir, "ledger.db"), `SELECT 1 AS row_count`)

	a, err := New(cfg, map[string]string{"sqlite": "sqlite"})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	defer a.Close()

	if _, err := a.Check(context.Background(), "does-not-exist", time.Now()); err == nil {
		t.Fatal("expected an error for an unknown source")
	}
}

func TestAgentCheckMissingDriverErrors(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, filepath.Join(dir, "ledger.db"), `SELECT 1 AS row_count`)

	if _, err := New(cfg, map[string]string{}); err == nil {
		t.Fatal("expected an error when no driver is registered for the source's type")
	}
}

func TestAgentCheckDryRunDoesNotDispatchOrMutateAlertState(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, filepath.Join(dir, "ledger.db"), `SELECT 0 AS row_count`)
	cfg.Targets = []config.TargetConfig{{
		Name: "ops", URL: "http://example.invalid/hook",
		Events: []string{"anomaly"}, CooldownMinutes: 30, TimeoutSeconds: 5,
	}}

	a, err := New(cfg, map[string]string{"sqlite": "sqlite"})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	defer a.Close()

	decision, err := a.CheckDryRun(context.Background(), "orders", time.Now().UTC())
	if err != nil {
		t.Fatalf("check dry run: %v", err)
	}
	if decision.Status != core.StatusAnomaly {
		t.Fatalf("status = %q, want ANOMALY", decision.Status)
	}

	if _, err := a.store.GetAlertState(context.Background(), "orders", "ops"); err == nil {
		t.Fatal("expected no alert state to be committed in dry-run mode")
	}
}

func TestAgentScheduleMirrorsConfiguredSources(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, filepath.Join(dir, "ledger.db"), `SELECT 1 AS row_count`)

	a, err := New(cfg, map[string]string{"sqlite": "sqlite"})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	defer a.Close()

	schedules := a.Schedules()
	if len(schedules) != 1 || schedules[0].Name != "orders" {
		t.Fatalf("schedules = %+v", schedules)
	}
	if schedules[0].Interval != time.Minute {
		t.Fatalf("interval = %v, want 1m", schedules[0].Interval)
	}
}
