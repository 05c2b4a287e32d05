package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "dqsentry.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalValidConfig = `
[storage]
path = "/tmp/dqsentry.db"

[[sources]]
name = "orders"
dsn = "postgres://localhost/orders"
query = "SELECT COUNT(*) AS row_count FROM orders"

[[targets]]
name = "ops"
url = "https://hooks.example.com/ops"
`

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, minimalValidConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AgentID != "dqsentry" {
		t.Errorf("agent id = %q, want default", cfg.AgentID)
	}
	if cfg.Storage.RetentionDays != 30 {
		t.Errorf("retention days = %d, want default 30", cfg.Storage.RetentionDays)
	}
	src := cfg.Sources[0]
	if src.Interval.Duration.String() != "5m0s" {
		t.Errorf("interval = %v, want default 5m", src.Interval.Duration)
	}
	if src.Baseline.WindowSize != 20 {
		t.Errorf("window size = %d, want default 20", src.Baseline.WindowSize)
	}
	if src.Decision.FreshnessFactor != 2.0 {
		t.Errorf("freshness factor = %v, want default 2.0", src.Decision.FreshnessFactor)
	}
	if src.Decision.VolumeDeviationFactor != 3.0 {
		t.Errorf("deviation factor = %v, want default 3.0", src.Decision.VolumeDeviationFactor)
	}
	target := cfg.Targets[0]
	if target.CooldownMinutes != 30 {
		t.Errorf("cooldown minutes = %d, want default 30", target.CooldownMinutes)
	}
	if len(target.Events) != 3 {
		t.Errorf("events = %v, want 3 defaults", target.Events)
	}
}

func TestLoadPreservesExplicitZero(t *testing.T) {
	body := minimalValidConfig + "\n[sources.decision]\n"
	path := writeConfig(t, `
[storage]
path = "/tmp/dqsentry.db"

[[sources]]
name = "orders"
dsn = "postgres://localhost/orders"
query = "SELECT COUNT(*) AS row_count FROM orders"

[sources.decision]
freshness_factor = 0.0

[[targets]]
name = "ops"
url = "https://hooks.example.com/ops"
cooldown_minutes = 0
`)
	_ = body
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Targets[0].CooldownMinutes != 0 {
		t.Errorf("cooldown minutes = %d, want explicit 0 preserved", cfg.Targets[0].CooldownMinutes)
	}
}

func TestLoadRejectsMissingSources(t *testing.T) {
	path := writeConfig(t, `
[storage]
path = "/tmp/dqsentry.db"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for config with no sources")
	}
}

func TestLoadRejectsMissingDSN(t *testing.T) {
	path := writeConfig(t, `
[[sources]]
name = "orders"
query = "SELECT COUNT(*) AS row_count FROM orders"

[[targets]]
name = "ops"
url = "https://hooks.example.com/ops"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for source missing dsn")
	}
}

func TestLoadRejectsBadTargetURLScheme(t *testing.T) {
	path := writeConfig(t, `
[[sources]]
name = "orders"
dsn = "postgres://localhost/orders"
query = "SELECT COUNT(*) AS row_count FROM orders"

[[targets]]
name = "ops"
url = "ftp://hooks.example.com/ops"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for non-http(s) target url")
	}
}

func TestLoadRejectsUnknownEventName(t *testing.T) {
	path := writeConfig(t, `
[[sources]]
name = "orders"
dsn = "postgres://localhost/orders"
query = "SELECT COUNT(*) AS row_count FROM orders"

[[targets]]
name = "ops"
url = "https://hooks.example.com/ops"
events = ["warning", "bogus"]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown event name")
	}
}

func TestLoadRejectsDuplicateSourceNames(t *testing.T) {
	path := writeConfig(t, `
[[sources]]
name = "orders"
dsn = "postgres://localhost/orders"
query = "SELECT COUNT(*) AS row_count FROM orders"

[[sources]]
name = "orders"
dsn = "postgres://localhost/orders2"
query = "SELECT COUNT(*) AS row_count FROM orders"

[[targets]]
name = "ops"
url = "https://hooks.example.com/ops"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for duplicate source name")
	}
}

func TestSourceConfigPolicyConversion(t *testing.T) {
	maxAge := 8.0
	minRows := int64(100)
	s := SourceConfig{
		Baseline: BaselineConfig{WindowSize: 10, MaxAgeDays: 14},
		Decision: DecisionConfig{
			FreshnessMaxAgeHours: &maxAge, FreshnessFactor: 2.5,
			VolumeMinRowCount: &minRows, VolumeDeviationFactor: 4.0,
		},
	}
	bp := s.BaselinePolicy()
	if bp.WindowSize != 10 || bp.MaxAgeDays != 14 {
		t.Errorf("baseline policy = %+v", bp)
	}
	sp := s.SourcePolicy()
	if sp.FreshnessFactor != 2.5 || *sp.FreshnessMaxAgeHours != 8.0 {
		t.Errorf("source policy = %+v", sp)
	}
}

func TestTargetConfigEventTypes(t *testing.T) {
	tc := TargetConfig{Events: []string{"WARNING", "Anomaly"}}
	types := tc.EventTypes()
	if len(types) != 2 || string(types[0]) != "warning" || string(types[1]) != "anomaly" {
		t.Errorf("event types = %v", types)
	}
}
