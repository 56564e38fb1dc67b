// Package config loads and watches scholarch settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings holds all scholarch configuration.
type Settings struct {
	// Evidence policy
	EvidencePolicy     string   `yaml:"evidence_policy"`      // strict | relaxed
	StrictFailBehavior string   `yaml:"strict_fail_behavior"` // refuse | speculative
	AllowEpub          bool     `yaml:"allow_epub"`
	KiwixAllowList     []string `yaml:"kiwix_allow_list"`

	// Loop budgets
	TimeBudget          string `yaml:"time_budget"`     // "30m", "2h", or bare seconds
	TimeBudgetSec       int    `yaml:"time_budget_sec"` // takes effect when time_budget is empty
	MaxToolCalls        int    `yaml:"max_tool_calls"`
	MaxToolSteps        int    `yaml:"max_tool_steps"`
	MaxToolCallsPerStep int    `yaml:"max_tool_calls_per_step"`

	// Context builder
	MaxContextChars int `yaml:"max_context_chars"`
	PerSourceCap    int `yaml:"per_source_cap"`

	// Document retrieval tag filters
	DocIncludeTags []string `yaml:"doc_include_tags"`
	DocExcludeTags []string `yaml:"doc_exclude_tags"`

	// Models
	ChatModel            string  `yaml:"chat_model"`
	GenreClassifierModel string  `yaml:"genre_classifier_model"`
	GenreConfidence      float64 `yaml:"genre_confidence"` // min confidence to accept an LLM genre verdict
	CitationAuditModel   string  `yaml:"citation_audit_model"`
	EmbeddingModel       string  `yaml:"embedding_model"`

	// Endpoints
	ChatBaseURL      string `yaml:"chat_base_url"`
	EmbeddingBaseURL string `yaml:"embedding_base_url"`
	KiwixBaseURL     string `yaml:"kiwix_base_url"`

	// Enabled retrieval backends
	EnableDocSearch   bool `yaml:"enable_doc_search"`
	EnableWebSearch   bool `yaml:"enable_web_search"`
	EnableKiwixSearch bool `yaml:"enable_kiwix_search"`

	// Storage
	DatabasePath string `yaml:"database_path"`

	// Logging
	Logging LoggingSettings `yaml:"logging"`
}

// LoggingSettings configures logging.
type LoggingSettings struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	File   string `yaml:"file"`
}

// DefaultSettings returns the default configuration.
func DefaultSettings() *Settings {
	return &Settings{
		EvidencePolicy:     "strict",
		StrictFailBehavior: "refuse",
		AllowEpub:          false,

		MaxToolCalls:        100,
		MaxToolSteps:        30,
		MaxToolCallsPerStep: 6,

		MaxContextChars: 24000,
		PerSourceCap:    6,

		ChatModel:            "qwen2.5:14b",
		GenreClassifierModel: "qwen2.5:14b",
		GenreConfidence:      0.55,
		CitationAuditModel:   "qwen2.5:14b",
		EmbeddingModel:       "nomic-embed-text",

		ChatBaseURL:      "http://localhost:11434/v1",
		EmbeddingBaseURL: "http://localhost:11434",
		KiwixBaseURL:     "http://localhost:8090",

		EnableDocSearch:   true,
		EnableWebSearch:   true,
		EnableKiwixSearch: true,

		DatabasePath: "data/scholarch.db",

		Logging: LoggingSettings{
			Level:  "info",
			Format: "text",
			File:   "scholarch.log",
		},
	}
}

// Load loads settings from a YAML file. A missing file yields defaults.
func Load(path string) (*Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.applyEnvOverrides()
			return s, nil
		}
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}

	s.applyEnvOverrides()
	return s, nil
}

// Save writes settings to a YAML file.
func (s *Settings) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (s *Settings) applyEnvOverrides() {
	if v := os.Getenv("SCHOLARCH_CHAT_URL"); v != "" {
		s.ChatBaseURL = v
	}
	if v := os.Getenv("SCHOLARCH_EMBED_URL"); v != "" {
		s.EmbeddingBaseURL = v
	}
	if v := os.Getenv("SCHOLARCH_KIWIX_URL"); v != "" {
		s.KiwixBaseURL = v
	}
	if v := os.Getenv("SCHOLARCH_DB"); v != "" {
		s.DatabasePath = v
	}
	if v := os.Getenv("SCHOLARCH_MODEL"); v != "" {
		s.ChatModel = v
	}
	if v := os.Getenv("SCHOLARCH_EVIDENCE_POLICY"); v != "" {
		s.EvidencePolicy = v
	}
}

// TimeBudgetDuration returns the configured minimum research duration.
// time_budget accepts duration strings ("30m", "2h") or bare seconds
// ("300"); time_budget_sec is consulted when time_budget is empty. Zero
// means no minimum.
func (s *Settings) TimeBudgetDuration() time.Duration {
	raw := strings.TrimSpace(s.TimeBudget)
	if raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		return 0
	}
	if s.TimeBudgetSec > 0 {
		return time.Duration(s.TimeBudgetSec) * time.Second
	}
	return 0
}

// Validate checks the settings for obvious misconfiguration.
func (s *Settings) Validate() error {
	switch s.EvidencePolicy {
	case "strict", "relaxed":
	default:
		return fmt.Errorf("invalid evidence_policy %q (want strict or relaxed)", s.EvidencePolicy)
	}
	switch s.StrictFailBehavior {
	case "refuse", "speculative":
	default:
		return fmt.Errorf("invalid strict_fail_behavior %q (want refuse or speculative)", s.StrictFailBehavior)
	}
	if s.GenreConfidence < 0 || s.GenreConfidence > 1 {
		return fmt.Errorf("invalid genre_confidence %v (want 0..1)", s.GenreConfidence)
	}
	if !s.EnableDocSearch && !s.EnableWebSearch && !s.EnableKiwixSearch {
		return fmt.Errorf("no retrieval backends enabled")
	}
	return nil
}

// AsMap flattens settings into the map persisted with each run record.
func (s *Settings) AsMap() map[string]any {
	return map[string]any{
		"evidence_policy":         s.EvidencePolicy,
		"strict_fail_behavior":    s.StrictFailBehavior,
		"allow_epub":              s.AllowEpub,
		"time_budget":             s.TimeBudget,
		"time_budget_sec":         s.TimeBudgetSec,
		"max_tool_calls":          s.MaxToolCalls,
		"max_tool_steps":          s.MaxToolSteps,
		"max_tool_calls_per_step": s.MaxToolCallsPerStep,
		"doc_include_tags":        s.DocIncludeTags,
		"doc_exclude_tags":        s.DocExcludeTags,
		"genre_classifier_model":  s.GenreClassifierModel,
		"genre_confidence":        s.GenreConfidence,
		"citation_audit_model":    s.CitationAuditModel,
	}
}
