// Copyright 2025 Quorum Authors
// SPDX-License-Identifier: Apache-2.0

// Package model holds the registry of known inference backends and their
// tier, lifecycle status, and recent latency. The registry is pure
// in-memory state: lifecycle transitions are reported by the external
// backend manager, the orchestrator only reads them and maintains its own
// advisory degraded flag on top.
package model

import (
	"fmt"
	"time"
)

// Tier is a coarse capability/speed class of a model backend.
type Tier string

const (
	// TierFast represents small, low-latency models.
	TierFast Tier = "fast"

	// TierBalanced represents mid-sized models balancing speed and quality.
	TierBalanced Tier = "balanced"

	// TierPowerful represents the largest, slowest, highest-quality models.
	TierPowerful Tier = "powerful"
)

// ValidTiers contains every recognized tier value.
var ValidTiers = []Tier{TierFast, TierBalanced, TierPowerful}

// ParseTier converts a string into a Tier.
func ParseTier(s string) (Tier, error) {
	for _, t := range ValidTiers {
		if Tier(s) == t {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown tier %q (valid: %v)", s, ValidTiers)
}

// Status is the lifecycle state of a backend, owned by the external
// backend manager. The orchestrator never sets it directly.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
)

// ValidStatuses contains every recognized lifecycle status.
var ValidStatuses = []Status{StatusStopped, StatusStarting, StatusRunning, StatusError}

// ParseStatus converts a string into a Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range ValidStatuses {
		if Status(s) == st {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q (valid: %v)", s, ValidStatuses)
}

// Model describes one registered inference backend.
type Model struct {
	// ID is the unique identifier for this backend.
	ID string `json:"id"`

	// Tier is the capability class used for automatic selection.
	Tier Tier `json:"tier"`

	// Status is the lifecycle state reported by the backend manager.
	Status Status `json:"status"`

	// Endpoint is the base URL of the backend's generation API.
	Endpoint string `json:"endpoint"`

	// ContextWindow is the declared context size in tokens.
	ContextWindow int `json:"context_window"`

	// Degraded marks a running model the orchestrator considers
	// temporarily unreliable. It is advisory: degraded models are
	// excluded from tier-based selection but stay selectable by id.
	Degraded bool `json:"degraded"`

	// AvgLatency is the decaying average latency of recent calls.
	AvgLatency time.Duration `json:"avg_latency_ms"`
}

// Available reports whether the model can receive inference calls.
func (m Model) Available() bool {
	return m.Status == StatusRunning
}

// Selectable reports whether tier-based selection may pick this model.
func (m Model) Selectable() bool {
	return m.Status == StatusRunning && !m.Degraded
}

// LifecycleEvent is a status change reported by the backend manager.
type LifecycleEvent struct {
	ModelID string `json:"model_id"`
	Status  Status `json:"status"`
}
