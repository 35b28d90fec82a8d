// Copyright 2025 Quorum Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"fmt"
	"sync"
	"time"
)

// DegradedPolicy controls when the registry flips the advisory degraded
// flag on a model. Both counters track consecutive outcomes: a run of
// timeouts sets the flag, a run of successes clears it.
type DegradedPolicy struct {
	// DegradeAfterTimeouts is the number of consecutive timeouts after
	// which a running model is marked degraded. Zero disables marking.
	DegradeAfterTimeouts int

	// RecoverAfterSuccesses is the number of consecutive ok calls after
	// which a degraded model is cleared. Zero disables auto-recovery.
	RecoverAfterSuccesses int
}

// DefaultDegradedPolicy mirrors the shipped configuration defaults.
var DefaultDegradedPolicy = DegradedPolicy{
	DegradeAfterTimeouts:  3,
	RecoverAfterSuccesses: 2,
}

// DefaultLatencyDecay is the EWMA decay factor applied to the
// per-model latency average on every recorded call.
const DefaultLatencyDecay = 0.3

// Registry manages the set of known model backends.
// It is safe for concurrent use: reads take the read lock, and writes
// hold the lock only for the update itself, never across a network call.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*entry
	order  []string // registration order, tie-break for selection
	policy DegradedPolicy
	decay  float64
}

type entry struct {
	model Model

	// consecutive outcome counters feeding the degraded policy
	consecutiveTimeouts  int
	consecutiveSuccesses int
	hasLatency           bool
}

// RegistryOption configures the registry during creation.
type RegistryOption func(*Registry)

// WithDegradedPolicy overrides the default degraded marking policy.
func WithDegradedPolicy(p DegradedPolicy) RegistryOption {
	return func(r *Registry) {
		r.policy = p
	}
}

// WithLatencyDecay overrides the EWMA decay factor (0 < decay <= 1).
func WithLatencyDecay(decay float64) RegistryOption {
	return func(r *Registry) {
		if decay > 0 && decay <= 1 {
			r.decay = decay
		}
	}
}

// NewRegistry creates an empty model registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		models: make(map[string]*entry),
		policy: DefaultDegradedPolicy,
		decay:  DefaultLatencyDecay,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Register adds a new model to the registry.
func (r *Registry) Register(m Model) error {
	if m.ID == "" {
		return fmt.Errorf("model id is required")
	}
	if _, err := ParseTier(string(m.Tier)); err != nil {
		return fmt.Errorf("model %q: %w", m.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.models[m.ID]; exists {
		return fmt.Errorf("model %q already registered", m.ID)
	}

	r.models[m.ID] = &entry{model: m}
	r.order = append(r.order, m.ID)
	return nil
}

// Get returns the model with the given id.
func (r *Registry) Get(id string) (Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.models[id]
	if !ok {
		return Model{}, &NotFoundError{ModelID: id}
	}
	return e.model, nil
}

// List returns all registered models in registration order.
// If tier is non-empty, only models of that tier are returned.
func (r *Registry) List(tier Tier) []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	models := make([]Model, 0, len(r.order))
	for _, id := range r.order {
		e := r.models[id]
		if tier != "" && e.model.Tier != tier {
			continue
		}
		models = append(models, e.model)
	}
	return models
}

// Selectable returns every model eligible for automatic selection
// (running and not degraded), in registration order. If tier is
// non-empty only that tier is considered.
func (r *Registry) Selectable(tier Tier) []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	models := make([]Model, 0, len(r.order))
	for _, id := range r.order {
		e := r.models[id]
		if tier != "" && e.model.Tier != tier {
			continue
		}
		if e.model.Selectable() {
			models = append(models, e.model)
		}
	}
	return models
}

// Select picks one model of the given tier for automatic dispatch.
// Among selectable candidates the one with the lowest decaying average
// latency wins; models without recorded latency sort before measured
// ones only when nothing has been measured, otherwise registration
// order breaks ties.
func (r *Registry) Select(tier Tier) (Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *entry
	for _, id := range r.order {
		e := r.models[id]
		if e.model.Tier != tier || !e.model.Selectable() {
			continue
		}
		if best == nil || lessLatency(e, best) {
			best = e
		}
	}

	if best == nil {
		return Model{}, &NoModelError{Tier: tier}
	}
	return best.model, nil
}

// lessLatency reports whether a should be preferred over the current
// best b. Ties (including two unmeasured models) keep b, which preserves
// registration order since iteration follows it.
func lessLatency(a, b *entry) bool {
	switch {
	case !a.hasLatency && !b.hasLatency:
		return false
	case !a.hasLatency:
		return false
	case !b.hasLatency:
		return true
	default:
		return a.model.AvgLatency < b.model.AvgLatency
	}
}

// MarkDegraded sets the advisory degraded flag on a model.
func (r *Registry) MarkDegraded(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.models[id]
	if !ok {
		return &NotFoundError{ModelID: id}
	}
	e.model.Degraded = true
	e.consecutiveSuccesses = 0
	return nil
}

// ClearDegraded clears the advisory degraded flag on a model.
func (r *Registry) ClearDegraded(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.models[id]
	if !ok {
		return &NotFoundError{ModelID: id}
	}
	e.model.Degraded = false
	e.consecutiveTimeouts = 0
	return nil
}

// Apply records a lifecycle status change reported by the backend
// manager. Unknown models are ignored with an error so callers can log.
func (r *Registry) Apply(ev LifecycleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.models[ev.ModelID]
	if !ok {
		return &NotFoundError{ModelID: ev.ModelID}
	}

	e.model.Status = ev.Status
	if ev.Status != StatusRunning {
		// A restart resets the advisory state along with the counters.
		e.model.Degraded = false
		e.consecutiveTimeouts = 0
		e.consecutiveSuccesses = 0
	}
	return nil
}

// RecordOutcome updates the decaying latency average and the degraded
// policy counters after a completed inference call. timedOut marks the
// call as a deadline expiry; errored calls reset the success run without
// counting toward degradation.
func (r *Registry) RecordOutcome(id string, latency time.Duration, ok, timedOut bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.models[id]
	if !exists {
		return
	}

	if ok {
		if e.hasLatency {
			e.model.AvgLatency = time.Duration(
				float64(e.model.AvgLatency)*(1-r.decay) + float64(latency)*r.decay)
		} else {
			e.model.AvgLatency = latency
			e.hasLatency = true
		}

		e.consecutiveTimeouts = 0
		e.consecutiveSuccesses++
		if e.model.Degraded &&
			r.policy.RecoverAfterSuccesses > 0 &&
			e.consecutiveSuccesses >= r.policy.RecoverAfterSuccesses {
			e.model.Degraded = false
		}
		return
	}

	e.consecutiveSuccesses = 0
	if timedOut {
		e.consecutiveTimeouts++
		if !e.model.Degraded &&
			r.policy.DegradeAfterTimeouts > 0 &&
			e.consecutiveTimeouts >= r.policy.DegradeAfterTimeouts {
			e.model.Degraded = true
		}
	}
}

// Count returns the number of registered models.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}

// NotFoundError indicates a model id is not registered.
type NotFoundError struct {
	ModelID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("model %q not found", e.ModelID)
}

// NoModelError indicates no selectable model exists in a tier.
type NoModelError struct {
	Tier Tier
}

func (e *NoModelError) Error() string {
	return fmt.Sprintf("no selectable model in tier %q", e.Tier)
}
