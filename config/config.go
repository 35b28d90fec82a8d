// Copyright 2025 Quorum Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads orchestrator configuration from a YAML file with
// environment variable overrides. Configuration is read once at startup
// and treated as read-only at request time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full orchestrator configuration.
type Config struct {
	// ListenAddr is the HTTP bind address of the orchestrator API.
	ListenAddr string `yaml:"listen_addr"`

	// DefaultMode is used when a request does not name a query mode.
	DefaultMode string `yaml:"default_mode"`

	// ContextTokenBudget caps aggregate retrieval context per request.
	ContextTokenBudget int `yaml:"context_token_budget"`

	// PerRequestDeadline is the default whole-request time budget.
	PerRequestDeadline time.Duration `yaml:"per_request_deadline"`

	// DebateRounds is the number of revision rounds after round 0.
	DebateRounds int `yaml:"debate_rounds"`

	// ConsensusSimilarityThreshold triggers the consensus fast path.
	ConsensusSimilarityThreshold float64 `yaml:"consensus_similarity_threshold"`

	// SynthesisTier names the tier used for synthesis calls.
	SynthesisTier string `yaml:"synthesis_tier"`

	// DegradeAfterTimeouts marks a model degraded after this many
	// consecutive timeouts.
	DegradeAfterTimeouts int `yaml:"degrade_after_timeouts"`

	// RecoverAfterSuccesses clears the degraded flag after this many
	// consecutive ok calls.
	RecoverAfterSuccesses int `yaml:"recover_after_successes"`

	// StageSafetyMargin is reserved per remaining stage when deriving
	// sub-deadlines from the request budget.
	StageSafetyMargin time.Duration `yaml:"stage_safety_margin"`

	// LatencyDecay is the EWMA decay factor for per-model latency.
	LatencyDecay float64 `yaml:"latency_decay"`

	// Retrieval configures the external retrieval subsystem client.
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Audit configures the optional Postgres audit log.
	Audit AuditConfig `yaml:"audit"`

	// Models seeds the registry at startup. Lifecycle updates arrive
	// from the backend manager afterwards.
	Models []ModelConfig `yaml:"models"`
}

// RetrievalConfig configures the retrieval client.
type RetrievalConfig struct {
	// Endpoint is the base URL of the retrieval service. Empty
	// disables retrieval entirely.
	Endpoint string `yaml:"endpoint"`

	// CacheAddr is an optional Redis address for chunk caching.
	CacheAddr string `yaml:"cache_addr"`

	// CacheTTL bounds cached chunk freshness.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// AuditConfig configures the audit log.
type AuditConfig struct {
	// DatabaseURL is the Postgres connection string. Empty disables
	// audit logging.
	DatabaseURL string `yaml:"database_url"`
}

// ModelConfig declares one backend at startup.
type ModelConfig struct {
	ID            string `yaml:"id"`
	Tier          string `yaml:"tier"`
	Endpoint      string `yaml:"endpoint"`
	ContextWindow int    `yaml:"context_window"`
}

// Default returns the shipped configuration defaults.
func Default() Config {
	return Config{
		ListenAddr:                   ":8080",
		DefaultMode:                  "simple",
		ContextTokenBudget:           2048,
		PerRequestDeadline:           60 * time.Second,
		DebateRounds:                 1,
		ConsensusSimilarityThreshold: 0.9,
		SynthesisTier:                "balanced",
		DegradeAfterTimeouts:         3,
		RecoverAfterSuccesses:        2,
		StageSafetyMargin:            250 * time.Millisecond,
		LatencyDecay:                 0.3,
		Retrieval: RetrievalConfig{
			CacheTTL: 5 * time.Minute,
		},
	}
}

// Load reads configuration from path (optional) and applies environment
// overrides. An empty path skips the file and uses defaults + env.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides applies QUORUM_* environment variables on top of
// the file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("QUORUM_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("QUORUM_DEFAULT_MODE"); v != "" {
		cfg.DefaultMode = v
	}
	if v := os.Getenv("QUORUM_CONTEXT_TOKEN_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ContextTokenBudget = n
		}
	}
	if v := os.Getenv("QUORUM_PER_REQUEST_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PerRequestDeadline = d
		}
	}
	if v := os.Getenv("QUORUM_DEBATE_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DebateRounds = n
		}
	}
	if v := os.Getenv("QUORUM_CONSENSUS_SIMILARITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ConsensusSimilarityThreshold = f
		}
	}
	if v := os.Getenv("QUORUM_SYNTHESIS_TIER"); v != "" {
		cfg.SynthesisTier = v
	}
	if v := os.Getenv("QUORUM_RETRIEVAL_ENDPOINT"); v != "" {
		cfg.Retrieval.Endpoint = v
	}
	if v := os.Getenv("QUORUM_RETRIEVAL_CACHE_ADDR"); v != "" {
		cfg.Retrieval.CacheAddr = v
	}
	if v := os.Getenv("QUORUM_AUDIT_DATABASE_URL"); v != "" {
		cfg.Audit.DatabaseURL = v
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime behavior.
func (c Config) Validate() error {
	switch c.DefaultMode {
	case "simple", "two_stage", "consensus", "debate", "benchmark":
	default:
		return fmt.Errorf("invalid default_mode %q", c.DefaultMode)
	}

	switch c.SynthesisTier {
	case "fast", "balanced", "powerful":
	default:
		return fmt.Errorf("invalid synthesis_tier %q", c.SynthesisTier)
	}

	if c.ConsensusSimilarityThreshold < 0 || c.ConsensusSimilarityThreshold > 1 {
		return fmt.Errorf("consensus_similarity_threshold %f out of range [0,1]", c.ConsensusSimilarityThreshold)
	}
	if c.DebateRounds < 0 {
		return fmt.Errorf("debate_rounds must not be negative")
	}
	if c.PerRequestDeadline <= 0 {
		return fmt.Errorf("per_request_deadline must be positive")
	}
	if c.LatencyDecay <= 0 || c.LatencyDecay > 1 {
		return fmt.Errorf("latency_decay %f out of range (0,1]", c.LatencyDecay)
	}

	seen := make(map[string]bool)
	for _, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("model entry missing id")
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate model id %q", m.ID)
		}
		seen[m.ID] = true

		switch m.Tier {
		case "fast", "balanced", "powerful":
		default:
			return fmt.Errorf("model %q: invalid tier %q", m.ID, m.Tier)
		}
		if m.Endpoint == "" {
			return fmt.Errorf("model %q: endpoint is required", m.ID)
		}
	}

	return nil
}
