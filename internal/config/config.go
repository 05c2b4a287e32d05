// Package config parses the agent's TOML configuration file: storage
// location and retention, the SQL sources to probe, and the webhook targets
// to notify.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/thobiasn/dqsentry/internal/core"
)

// Duration wraps time.Duration for TOML string parsing ("30s", "6h").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	return nil
}

// Config is the top-level agent configuration.
type Config struct {
	AgentID string         `toml:"agent_id"`
	Storage StorageConfig  `toml:"storage"`
	Sources []SourceConfig `toml:"sources"`
	Targets []TargetConfig `toml:"targets"`
}

// StorageConfig controls the state ledger's file and retention policy.
type StorageConfig struct {
	Path              string `toml:"path"`
	RetentionDays     int    `toml:"retention_days"`
	MinSnapshotsPerSource int `toml:"min_snapshots_per_source"`
}

// SourceConfig is one monitored SQL source.
type SourceConfig struct {
	Name       string   `toml:"name"`
	Type       string   `toml:"type"`
	DSN        string   `toml:"dsn"`
	Query      string   `toml:"query"`
	Interval   Duration `toml:"interval"`
	Timeout    Duration `toml:"timeout"`
	Baseline   BaselineConfig `toml:"baseline"`
	Decision   DecisionConfig `toml:"decision"`
}

// BaselineConfig configures core.BaselinePolicy for one source.
type BaselineConfig struct {
	WindowSize int `toml:"window_size"`
	MaxAgeDays int `toml:"max_age_days"`
}

// DecisionConfig configures core.SourcePolicy for one source.
type DecisionConfig struct {
	FreshnessMaxAgeHours  *float64 `toml:"freshness_max_age_hours"`
	FreshnessFactor       float64  `toml:"freshness_factor"`
	VolumeMinRowCount     *int64   `toml:"volume_min_row_count"`
	VolumeDeviationFactor float64  `toml:"volume_deviation_factor"`
}

// TargetConfig is one webhook destination.
type TargetConfig struct {
	Name            string   `toml:"name"`
	URL             string   `toml:"url"`
	Secret          string   `toml:"secret"`
	Events          []string `toml:"events"`
	CooldownMinutes int      `toml:"cooldown_minutes"`
	TimeoutSeconds  int      `toml:"timeout_seconds"`
}

// Load reads and validates a Config from path, applying defaults for any
// field the TOML document left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(cfg, md)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func setDefaults(cfg *Config, md toml.MetaData) {
	if cfg.AgentID == "" {
		cfg.AgentID = "dqsentry"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "/var/lib/dqsentry/dqsentry.db"
	}
	if cfg.Storage.RetentionDays == 0 {
		cfg.Storage.RetentionDays = 30
	}
	if cfg.Storage.MinSnapshotsPerSource == 0 {
		cfg.Storage.MinSnapshotsPerSource = 20
	}

	for i := range cfg.Sources {
		s := &cfg.Sources[i]
		if s.Interval.Duration == 0 {
			s.Interval.Duration = 5 * time.Minute
		}
		if s.Timeout.Duration == 0 {
			s.Timeout.Duration = 30 * time.Second
		}
		if s.Baseline.WindowSize == 0 {
			s.Baseline.WindowSize = 20
		}
		if s.Baseline.MaxAgeDays == 0 {
			s.Baseline.MaxAgeDays = 30
		}
		idx := strconv.Itoa(i)
		if !md.IsDefined("sources", idx, "decision", "freshness_factor") && s.Decision.FreshnessFactor == 0 {
			s.Decision.FreshnessFactor = 2.0
		}
		if !md.IsDefined("sources", idx, "decision", "volume_deviation_factor") && s.Decision.VolumeDeviationFactor == 0 {
			s.Decision.VolumeDeviationFactor = 3.0
		}
	}

	for i := range cfg.Targets {
		t := &cfg.Targets[i]
		idx := strconv.Itoa(i)
		if !md.IsDefined("targets", idx, "cooldown_minutes") && t.CooldownMinutes == 0 {
			t.CooldownMinutes = 30
		}
		if !md.IsDefined("targets", idx, "timeout_seconds") && t.TimeoutSeconds == 0 {
			t.TimeoutSeconds = 10
		}
		if len(t.Events) == 0 {
			t.Events = []string{"warning", "anomaly", "recovery"}
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Storage.RetentionDays < 1 {
		return fmt.Errorf("storage.retention_days must be >= 1, got %d", cfg.Storage.RetentionDays)
	}
	if cfg.Storage.MinSnapshotsPerSource < 0 {
		return fmt.Errorf("storage.min_snapshots_per_source must be >= 0, got %d", cfg.Storage.MinSnapshotsPerSource)
	}
	if len(cfg.Sources) == 0 {
		return fmt.Errorf("at least one [[sources]] entry is required")
	}
	seen := make(map[string]bool, len(cfg.Sources))
	for i := range cfg.Sources {
		if err := validateSource(&cfg.Sources[i]); err != nil {
			return err
		}
		if seen[cfg.Sources[i].Name] {
			return fmt.Errorf("source %q: duplicate name", cfg.Sources[i].Name)
		}
		seen[cfg.Sources[i].Name] = true
	}
	for i := range cfg.Targets {
		if err := validateTarget(i, &cfg.Targets[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateSource(s *SourceConfig) error {
	if s.Name == "" {
		return fmt.Errorf("source: name is required")
	}
	if s.DSN == "" {
		return fmt.Errorf("source %q: dsn is required", s.Name)
	}
	if s.Query == "" {
		return fmt.Errorf("source %q: query is required", s.Name)
	}
	if s.Interval.Duration < time.Second {
		return fmt.Errorf("source %q: interval must be >= 1s, got %s", s.Name, s.Interval.Duration)
	}
	if s.Baseline.WindowSize < 1 {
		return fmt.Errorf("source %q: baseline.window_size must be >= 1, got %d", s.Name, s.Baseline.WindowSize)
	}
	if s.Baseline.MaxAgeDays < 1 {
		return fmt.Errorf("source %q: baseline.max_age_days must be >= 1, got %d", s.Name, s.Baseline.MaxAgeDays)
	}
	if s.Decision.FreshnessMaxAgeHours != nil && *s.Decision.FreshnessMaxAgeHours <= 0 {
		return fmt.Errorf("source %q: decision.freshness_max_age_hours must be positive when set", s.Name)
	}
	if s.Decision.VolumeMinRowCount != nil && *s.Decision.VolumeMinRowCount < 0 {
		return fmt.Errorf("source %q: decision.volume_min_row_count must be >= 0 when set", s.Name)
	}
	return nil
}

func validateTarget(idx int, t *TargetConfig) error {
	if t.Name == "" {
		return fmt.Errorf("target[%d]: name is required", idx)
	}
	if t.URL == "" {
		return fmt.Errorf("target %q: url is required", t.Name)
	}
	u, err := url.Parse(t.URL)
	if err != nil {
		return fmt.Errorf("target %q: invalid url: %w", t.Name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("target %q: url scheme must be http or https", t.Name)
	}
	if t.CooldownMinutes < 0 {
		return fmt.Errorf("target %q: cooldown_minutes must be >= 0", t.Name)
	}
	for _, e := range t.Events {
		if !validEventType(e) {
			return fmt.Errorf("target %q: unknown event %q", t.Name, e)
		}
	}
	return nil
}

func validEventType(e string) bool {
	switch core.EventType(e) {
	case core.EventWarning, core.EventAnomaly, core.EventRecovery, core.EventInfo:
		return true
	default:
		return false
	}
}

// EventTypes converts a target's configured event names to core.EventType.
func (t TargetConfig) EventTypes() []core.EventType {
	out := make([]core.EventType, len(t.Events))
	for i, e := range t.Events {
		out[i] = core.EventType(strings.ToLower(e))
	}
	return out
}

// BaselinePolicy converts a source's TOML baseline config to core.BaselinePolicy.
func (s SourceConfig) BaselinePolicy() core.BaselinePolicy {
	return core.BaselinePolicy{WindowSize: s.Baseline.WindowSize, MaxAgeDays: s.Baseline.MaxAgeDays}
}

// SourcePolicy converts a source's TOML decision config to core.SourcePolicy.
func (s SourceConfig) SourcePolicy() core.SourcePolicy {
	return core.SourcePolicy{
		FreshnessMaxAgeHours:  s.Decision.FreshnessMaxAgeHours,
		FreshnessFactor:       s.Decision.FreshnessFactor,
		VolumeMinRowCount:     s.Decision.VolumeMinRowCount,
		VolumeDeviationFactor: s.Decision.VolumeDeviationFactor,
	}
}
