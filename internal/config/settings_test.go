package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.EvidencePolicy != "strict" {
		t.Errorf("EvidencePolicy = %q, want strict", s.EvidencePolicy)
	}
	if s.MaxToolCalls != 100 {
		t.Errorf("MaxToolCalls = %d, want 100", s.MaxToolCalls)
	}
	if !s.EnableWebSearch {
		t.Error("EnableWebSearch should default true")
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	yaml := `
evidence_policy: relaxed
strict_fail_behavior: speculative
time_budget: "30m"
max_tool_calls: 40
doc_include_tags: [papers, notes]
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.EvidencePolicy != "relaxed" {
		t.Errorf("EvidencePolicy = %q", s.EvidencePolicy)
	}
	if s.StrictFailBehavior != "speculative" {
		t.Errorf("StrictFailBehavior = %q", s.StrictFailBehavior)
	}
	if s.MaxToolCalls != 40 {
		t.Errorf("MaxToolCalls = %d", s.MaxToolCalls)
	}
	if len(s.DocIncludeTags) != 2 || s.DocIncludeTags[0] != "papers" {
		t.Errorf("DocIncludeTags = %v", s.DocIncludeTags)
	}
	// Keys absent from the file keep their defaults.
	if s.MaxToolSteps != 30 {
		t.Errorf("MaxToolSteps = %d, want default 30", s.MaxToolSteps)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCHOLARCH_DB", "/tmp/other.db")
	t.Setenv("SCHOLARCH_EVIDENCE_POLICY", "relaxed")

	s, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.DatabasePath != "/tmp/other.db" {
		t.Errorf("DatabasePath = %q", s.DatabasePath)
	}
	if s.EvidencePolicy != "relaxed" {
		t.Errorf("EvidencePolicy = %q", s.EvidencePolicy)
	}
}

func TestTimeBudgetDuration(t *testing.T) {
	tests := []struct {
		name   string
		budget string
		sec    int
		want   time.Duration
	}{
		{"duration string", "30m", 0, 30 * time.Minute},
		{"hours", "2h", 0, 2 * time.Hour},
		{"bare seconds", "300", 0, 300 * time.Second},
		{"seconds field", "", 90, 90 * time.Second},
		{"string wins over field", "1m", 500, time.Minute},
		{"unset", "", 0, 0},
		{"garbage", "soon", 0, 0},
		{"negative", "-5m", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Settings{TimeBudget: tt.budget, TimeBudgetSec: tt.sec}
			if got := s.TimeBudgetDuration(); got != tt.want {
				t.Errorf("TimeBudgetDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	s := DefaultSettings()
	if err := s.Validate(); err != nil {
		t.Fatalf("default settings invalid: %v", err)
	}

	s.EvidencePolicy = "paranoid"
	if err := s.Validate(); err == nil {
		t.Error("expected error for bad evidence_policy")
	}

	s = DefaultSettings()
	s.EnableDocSearch = false
	s.EnableWebSearch = false
	s.EnableKiwixSearch = false
	if err := s.Validate(); err == nil {
		t.Error("expected error with no backends enabled")
	}
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	if err := os.WriteFile(path, []byte("evidence_policy: strict\n"), 0644); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Settings, 1)
	w := NewWatcher(path, func(s *Settings) {
		select {
		case reloaded <- s:
		default:
		}
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("evidence_policy: relaxed\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case s := <-reloaded:
		if s.EvidencePolicy != "relaxed" {
			t.Errorf("reloaded EvidencePolicy = %q", s.EvidencePolicy)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not fire")
	}
}
