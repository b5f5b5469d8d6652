// Package registry holds the registered storage providers, their priority
// and active flags, and the failure tracker that deactivates providers after
// sustained failures.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	hderrors "github.com/devrev/hyperdrive/internal/errors"
	"github.com/devrev/hyperdrive/internal/events"
	"github.com/devrev/hyperdrive/internal/model"
	"github.com/devrev/hyperdrive/internal/provider"
	"go.uber.org/zap"
)

const (
	DefaultFailureThreshold = 3
	DefaultFailureWindow    = 60 * time.Second
)

// Options configures a Registry
type Options struct {
	FailureThreshold int
	FailureWindow    time.Duration
	Events           events.Publisher
	Logger           *zap.Logger
	Clock            func() time.Time
}

// entry is the mutable record for one provider. Everything below mu is
// guarded by it; provider, priority and order never change.
type entry struct {
	provider provider.StorageCapability
	priority int
	order    int

	mu             sync.Mutex
	active         bool
	recentFailures []time.Time
	totalFailures  uint64
	totalSuccesses uint64
	lastFailure    time.Time
	lastError      string
	deactivatedAt  time.Time
	deactivatedWhy string
}

// Registry is safe for concurrent use. The provider map has its own lock;
// each provider's state has another, so failure bookkeeping for one provider
// never blocks plans or other providers.
type Registry struct {
	threshold int
	window    time.Duration
	events    events.Publisher
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.RWMutex
	entries  map[model.ProviderID]*entry
	primary  model.ProviderID
	replicas []model.ProviderID
}

// New creates an empty registry
func New(opts Options) *Registry {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.FailureWindow <= 0 {
		opts.FailureWindow = DefaultFailureWindow
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Registry{
		threshold: opts.FailureThreshold,
		window:    opts.FailureWindow,
		events:    opts.Events,
		logger:    opts.Logger,
		now:       opts.Clock,
		entries:   make(map[model.ProviderID]*entry),
	}
}

// Register adds an active provider. Registering the same handle twice is a
// no-op; a different handle under an existing id is rejected.
func (r *Registry) Register(p provider.StorageCapability, priority int) error {
	if p == nil {
		return hderrors.Validation("provider", "nil handle")
	}
	id := p.ID()
	if parsed, err := model.ParseProviderID(id.String()); err != nil {
		return hderrors.Validation("provider_id", err.Error())
	} else if parsed != id {
		return hderrors.Validation("provider_id", "must be lowercase without surrounding spaces")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[id]; ok {
		if existing.provider == p {
			return nil
		}
		return hderrors.DuplicateProvider(id.String())
	}

	r.entries[id] = &entry{
		provider: p,
		priority: priority,
		order:    len(r.entries),
		active:   true,
	}
	r.logger.Info("Provider registered",
		zap.String("provider_id", id.String()),
		zap.Int("priority", priority))
	return nil
}

// SetPrimary makes id the first provider of every plan that does not
// exclude it
func (r *Registry) SetPrimary(id model.ProviderID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return hderrors.UnknownProvider(id.String())
	}
	if !e.isActive() {
		return hderrors.NotActive(id.String())
	}

	r.primary = id
	r.logger.Info("Primary provider set", zap.String("provider_id", id.String()))
	return nil
}

// Primary returns the configured primary, or "" if none
func (r *Registry) Primary() model.ProviderID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.primary
}

// SetReplicaSubset restricts ReplicaSet to ids. An empty list means every
// active provider is a replica.
func (r *Registry) SetReplicaSubset(ids []model.ProviderID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		if _, ok := r.entries[id]; !ok {
			return hderrors.UnknownProvider(id.String())
		}
	}
	r.replicas = append([]model.ProviderID(nil), ids...)
	return nil
}

// Get returns the provider handle for id
func (r *Registry) Get(id model.ProviderID) (provider.StorageCapability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, hderrors.UnknownProvider(id.String())
	}
	return e.provider, nil
}

// FailoverPlan returns the active providers in attempt order: the primary
// first, then ascending priority, ties broken by registration order.
func (r *Registry) FailoverPlan(exclude ...model.ProviderID) []provider.StorageCapability {
	skip := make(map[model.ProviderID]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	r.mu.RLock()
	primary := r.primary
	candidates := make([]*entry, 0, len(r.entries))
	for id, e := range r.entries {
		if skip[id] || !e.isActive() {
			continue
		}
		candidates = append(candidates, e)
	}
	r.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if aPrimary, bPrimary := a.provider.ID() == primary, b.provider.ID() == primary; aPrimary != bPrimary {
			return aPrimary
		}
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.order < b.order
	})

	plan := make([]provider.StorageCapability, len(candidates))
	for i, e := range candidates {
		plan[i] = e.provider
	}
	return plan
}

// ReplicaSet returns the active providers, other than source, that should
// receive copies of a write, in plan order
func (r *Registry) ReplicaSet(source model.ProviderID) []provider.StorageCapability {
	r.mu.RLock()
	subset := r.replicas
	r.mu.RUnlock()

	allowed := make(map[model.ProviderID]bool, len(subset))
	for _, id := range subset {
		allowed[id] = true
	}

	plan := r.FailoverPlan(source)
	if len(allowed) == 0 {
		return plan
	}
	replicas := make([]provider.StorageCapability, 0, len(plan))
	for _, p := range plan {
		if allowed[p.ID()] {
			replicas = append(replicas, p)
		}
	}
	return replicas
}

// Activate connects the provider and puts it back into plans, clearing its
// failure history. Reactivation is only ever manual.
func (r *Registry) Activate(ctx context.Context, id model.ProviderID) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	res := e.provider.Activate(ctx)
	if res == nil || res.IsError {
		return hderrors.Provider(id.String(), res.Reason(), res.Err())
	}

	e.mu.Lock()
	wasActive := e.active
	e.active = true
	e.recentFailures = nil
	e.deactivatedAt = time.Time{}
	e.deactivatedWhy = ""
	e.mu.Unlock()

	if !wasActive {
		r.logger.Info("Provider activated", zap.String("provider_id", id.String()))
		r.events.Publish(events.NewProviderActivated(id, r.now()))
	}
	return nil
}

// Deactivate removes id from plans. It reports whether the state changed;
// deactivating an inactive or unknown provider does nothing.
func (r *Registry) Deactivate(id model.ProviderID, reason string) bool {
	e, err := r.lookup(id)
	if err != nil {
		r.logger.Warn("Ignoring deactivation of unknown provider",
			zap.String("provider_id", id.String()),
			zap.String("reason", reason))
		return false
	}

	e.mu.Lock()
	changed := e.deactivateLocked(r.now(), reason)
	e.mu.Unlock()

	if changed {
		r.announceDeactivation(id, reason)
	}
	return changed
}

// RecordFailure counts a failed attempt against id and deactivates it once
// threshold consecutive failures fall inside the window. It reports whether
// this failure caused a deactivation.
func (r *Registry) RecordFailure(id model.ProviderID, reason string) bool {
	e, err := r.lookup(id)
	if err != nil {
		return false
	}

	now := r.now()
	cutoff := now.Add(-r.window)

	e.mu.Lock()
	e.totalFailures++
	e.lastFailure = now
	e.lastError = reason

	kept := e.recentFailures[:0]
	for _, at := range e.recentFailures {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	e.recentFailures = append(kept, now)

	var (
		deactivated bool
		why         string
	)
	if len(e.recentFailures) >= r.threshold {
		why = "consecutive failure threshold reached: " + reason
		deactivated = e.deactivateLocked(now, why)
	}
	e.mu.Unlock()

	if deactivated {
		r.announceDeactivation(id, why)
	}
	return deactivated
}

// RecordSuccess resets the consecutive failure count for id
func (r *Registry) RecordSuccess(id model.ProviderID) {
	e, err := r.lookup(id)
	if err != nil {
		return
	}

	e.mu.Lock()
	e.totalSuccesses++
	e.recentFailures = nil
	e.mu.Unlock()
}

// IsActive reports whether id is registered and active
func (r *Registry) IsActive(id model.ProviderID) bool {
	e, err := r.lookup(id)
	if err != nil {
		return false
	}
	return e.isActive()
}

// ActiveCount returns the number of active providers
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.entries {
		if e.isActive() {
			n++
		}
	}
	return n
}

// Status is a snapshot of one provider's record
type Status struct {
	ID                  model.ProviderID `json:"id" yaml:"id"`
	Priority            int              `json:"priority" yaml:"priority"`
	Active              bool             `json:"active" yaml:"active"`
	Primary             bool             `json:"primary" yaml:"primary"`
	Capabilities        []string         `json:"capabilities" yaml:"capabilities"`
	ConsecutiveFailures int              `json:"consecutive_failures" yaml:"consecutive_failures"`
	TotalFailures       uint64           `json:"total_failures" yaml:"total_failures"`
	TotalSuccesses      uint64           `json:"total_successes" yaml:"total_successes"`
	LastFailure         time.Time        `json:"last_failure,omitempty" yaml:"last_failure,omitempty"`
	LastError           string           `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	DeactivatedAt       time.Time        `json:"deactivated_at,omitempty" yaml:"deactivated_at,omitempty"`
	DeactivatedReason   string           `json:"deactivated_reason,omitempty" yaml:"deactivated_reason,omitempty"`
}

// Snapshot returns the status of id
func (r *Registry) Snapshot(id model.ProviderID) (Status, error) {
	r.mu.RLock()
	primary := r.primary
	e, ok := r.entries[id]
	r.mu.RUnlock()

	if !ok {
		return Status{}, hderrors.UnknownProvider(id.String())
	}
	return e.status(primary), nil
}

// List returns every provider's status in registration order
func (r *Registry) List() []Status {
	r.mu.RLock()
	primary := r.primary
	all := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].order < all[j].order })

	out := make([]Status, len(all))
	for i, e := range all {
		out[i] = e.status(primary)
	}
	return out
}

// IDs returns the ids of a plan in order
func IDs(plan []provider.StorageCapability) []model.ProviderID {
	ids := make([]model.ProviderID, len(plan))
	for i, p := range plan {
		ids[i] = p.ID()
	}
	return ids
}

func (r *Registry) lookup(id model.ProviderID) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, hderrors.UnknownProvider(id.String())
	}
	return e, nil
}

func (r *Registry) announceDeactivation(id model.ProviderID, reason string) {
	r.logger.Warn("Provider deactivated",
		zap.String("provider_id", id.String()),
		zap.String("reason", reason))
	r.events.Publish(events.NewProviderDeactivated(id, reason, r.now()))
}

func (e *entry) isActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// deactivateLocked must be called with e.mu held
func (e *entry) deactivateLocked(now time.Time, reason string) bool {
	if !e.active {
		return false
	}
	e.active = false
	e.deactivatedAt = now
	e.deactivatedWhy = reason
	return true
}

func (e *entry) status(primary model.ProviderID) Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.provider.ID()
	return Status{
		ID:                  id,
		Priority:            e.priority,
		Active:              e.active,
		Primary:             id == primary,
		Capabilities:        provider.Capabilities(e.provider),
		ConsecutiveFailures: len(e.recentFailures),
		TotalFailures:       e.totalFailures,
		TotalSuccesses:      e.totalSuccesses,
		LastFailure:         e.lastFailure,
		LastError:           e.lastError,
		DeactivatedAt:       e.deactivatedAt,
		DeactivatedReason:   e.deactivatedWhy,
	}
}
