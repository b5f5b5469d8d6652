package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	hderrors "github.com/devrev/hyperdrive/internal/errors"
	"github.com/devrev/hyperdrive/internal/events"
	"github.com/devrev/hyperdrive/internal/metrics"
	"github.com/devrev/hyperdrive/internal/model"
	"github.com/devrev/hyperdrive/internal/provider"
	"github.com/devrev/hyperdrive/internal/result"
	"github.com/devrev/hyperdrive/internal/util/workerpool"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxReplicationConcurrency = 8
	DefaultReplicationBackoff        = 30 * time.Second
)

// ReplicaSource returns the providers that should copy a write made on source
type ReplicaSource interface {
	ReplicaSet(source model.ProviderID) []provider.StorageCapability
}

// ReplicationOptions configures a Replicator
type ReplicationOptions struct {
	MaxConcurrency int
	RetryBackoff   time.Duration
	AttemptTimeout time.Duration
	Events         events.Publisher
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
}

// WriteOp is the write being replicated
type WriteOp struct {
	// Holon is the saved holon, or for deletes any holon carrying the id
	Holon      *model.Holon
	Delete     bool
	SoftDelete bool
}

func (w WriteOp) verb() string {
	if w.Delete {
		return "delete"
	}
	return "save"
}

// holonReplication is the tracked state of one holon. generation counts
// write cycles; an attempt belonging to an older cycle never touches it.
type holonReplication struct {
	mu         sync.Mutex
	evicted    bool
	generation uint64
	status     map[model.ProviderID]model.ReplicationState
	keys       map[model.ProviderID]string
}

// Replicator propagates successful writes to replica providers in the
// background and tracks per-provider status for each holon.
type Replicator struct {
	replicas       ReplicaSource
	pool           *workerpool.Pool
	maxConcurrency int
	backoff        time.Duration
	attemptTimeout time.Duration
	events         events.Publisher
	metrics        *metrics.Metrics
	logger         *zap.Logger

	mu     sync.Mutex
	holons map[uuid.UUID]*holonReplication

	// lifecycle guards stopped so that inflight is never added to once
	// Stop has begun waiting
	lifecycle sync.Mutex
	stopped   bool
	inflight  sync.WaitGroup
	stopCh    chan struct{}
}

// NewReplicator creates a replicator that runs its cycles on pool
func NewReplicator(replicas ReplicaSource, pool *workerpool.Pool, opts ReplicationOptions) *Replicator {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxReplicationConcurrency
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultReplicationBackoff
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Replicator{
		replicas:       replicas,
		pool:           pool,
		maxConcurrency: opts.MaxConcurrency,
		backoff:        opts.RetryBackoff,
		attemptTimeout: opts.AttemptTimeout,
		events:         opts.Events,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		holons:         make(map[uuid.UUID]*holonReplication),
		stopCh:         make(chan struct{}),
	}
}

// Replicate starts a write cycle for op, which succeeded on source. It marks
// source Replicated and every replica Pending, schedules the replica writes,
// and returns the resulting status snapshot without waiting for them.
func (r *Replicator) Replicate(op WriteOp, source model.ProviderID) map[model.ProviderID]model.ReplicationState {
	id := op.Holon.ID
	replicas := r.replicas.ReplicaSet(source)
	now := time.Now().UTC()

	state := r.lockedState(id)
	state.generation++
	generation := state.generation
	if op.Delete && !op.SoftDelete {
		state.keys = make(map[model.ProviderID]string)
	} else if key, ok := op.Holon.ProviderKeys[source]; ok {
		state.keys[source] = key
	}
	state.status = map[model.ProviderID]model.ReplicationState{
		source: {Status: model.ReplicationReplicated, Timestamp: now},
	}
	for _, p := range replicas {
		state.status[p.ID()] = model.ReplicationState{Status: model.ReplicationPending, Timestamp: now}
	}
	snapshot := copyStatus(state.status)
	state.mu.Unlock()

	cycle := &replicationCycle{
		id:         id,
		generation: generation,
		op:         op,
		holon:      op.Holon.Clone(),
	}

	if len(replicas) == 0 {
		r.evictIfGone(cycle)
		return snapshot
	}

	if !r.track() {
		for _, p := range replicas {
			r.recordFailure(cycle, p, "not scheduled: replicator stopped", false)
		}
		return snapshot
	}

	err := r.pool.Submit(workerpool.Job{
		Name: fmt.Sprintf("replicate-%s-%s", op.verb(), id),
		Run: func(ctx context.Context) error {
			defer r.inflight.Done()
			r.runCycle(ctx, cycle, replicas)
			return nil
		},
	})
	if err != nil {
		r.logger.Warn("Replication cycle not scheduled",
			zap.String("holon_id", id.String()),
			zap.Error(err))
		for _, p := range replicas {
			r.recordFailure(cycle, p, fmt.Sprintf("not scheduled: %v", err), true)
		}
		r.inflight.Done()
	}
	return snapshot
}

// track registers one unit of background work unless the replicator has
// stopped
func (r *Replicator) track() bool {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	if r.stopped {
		return false
	}
	r.inflight.Add(1)
	return true
}

type replicationCycle struct {
	id         uuid.UUID
	generation uint64
	op         WriteOp
	holon      *model.Holon
}

// runCycle writes to every replica concurrently, bounded by maxConcurrency
func (r *Replicator) runCycle(ctx context.Context, cycle *replicationCycle, replicas []provider.StorageCapability) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(len(replicas), r.maxConcurrency))

	for _, p := range replicas {
		p := p
		g.Go(func() error {
			r.replicateTo(gctx, cycle, p, false)
			return nil
		})
	}
	_ = g.Wait()
	r.evictIfGone(cycle)
}

// evictIfGone drops the tracked state of a hard-deleted holon once every
// replica has removed it. A failed replica keeps the state visible.
func (r *Replicator) evictIfGone(cycle *replicationCycle) {
	if !cycle.op.Delete || cycle.op.SoftDelete {
		return
	}

	state, ok := r.lookup(cycle.id)
	if !ok {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.evicted || state.generation != cycle.generation {
		return
	}
	for _, s := range state.status {
		if s.Status != model.ReplicationReplicated {
			return
		}
	}
	state.evicted = true

	r.mu.Lock()
	if r.holons[cycle.id] == state {
		delete(r.holons, cycle.id)
	}
	r.mu.Unlock()
}

// replicateTo makes one attempt against p. A first attempt that fails
// schedules the single retry.
func (r *Replicator) replicateTo(ctx context.Context, cycle *replicationCycle, p provider.StorageCapability, isRetry bool) {
	if r.superseded(cycle) {
		r.logger.Debug("Skipping superseded replication",
			zap.String("holon_id", cycle.id.String()),
			zap.String("provider_id", p.ID().String()))
		if isRetry {
			r.metrics.RecordReplicationRetry(p.ID(), "superseded")
		}
		return
	}

	key, reason := r.write(ctx, cycle, p)
	if reason != "" {
		if isRetry {
			r.metrics.RecordReplicationRetry(p.ID(), "failed")
		}
		r.recordFailure(cycle, p, reason, !isRetry)
		return
	}

	if isRetry {
		r.metrics.RecordReplicationRetry(p.ID(), "replicated")
	}
	r.metrics.RecordReplicaWrite(p.ID(), "replicated")

	state, ok := r.lookup(cycle.id)
	if !ok {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.generation != cycle.generation {
		return
	}
	state.status[p.ID()] = model.ReplicationState{Status: model.ReplicationReplicated, Timestamp: time.Now().UTC()}
	switch {
	case key != "":
		state.keys[p.ID()] = key
	case cycle.op.Delete && !cycle.op.SoftDelete:
		delete(state.keys, p.ID())
	}
}

// write performs the replica call under the attempt timeout. It returns the
// provider key on a save, or a non-empty failure reason.
func (r *Replicator) write(ctx context.Context, cycle *replicationCycle, p provider.StorageCapability) (string, string) {
	type reply struct {
		key    string
		reason string
	}
	done := make(chan reply, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- reply{reason: fmt.Sprintf("panicked: %v", rec)}
			}
		}()

		callCtx := context.WithoutCancel(ctx)
		if cycle.op.Delete {
			res := p.DeleteHolon(callCtx, cycle.id, cycle.op.SoftDelete)
			// Nothing to remove on a replica that never received the holon
			if res != nil && res.IsError && errors.Is(res.Exception, hderrors.ErrNotFound) {
				done <- reply{}
				return
			}
			done <- reply{reason: failureReason(res)}
			return
		}
		res := p.SaveHolon(callCtx, ownKeyOnly(cycle.holon, p.ID()))
		if reason := failureReason(res); reason != "" {
			done <- reply{reason: reason}
			return
		}
		var key string
		if res.Value != nil {
			key = res.Value.ProviderKeys[p.ID()]
		}
		done <- reply{key: key}
	}()

	timer := time.NewTimer(r.attemptTimeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.key, out.reason
	case <-timer.C:
		return "", fmt.Sprintf("timed out after %v", r.attemptTimeout)
	}
}

func (r *Replicator) recordFailure(cycle *replicationCycle, p provider.StorageCapability, reason string, scheduleRetry bool) {
	r.metrics.RecordReplicaWrite(p.ID(), "failed")

	state, ok := r.lookup(cycle.id)
	if !ok {
		return
	}
	state.mu.Lock()
	current := state.generation == cycle.generation
	if current {
		state.status[p.ID()] = model.ReplicationState{
			Status:    model.ReplicationFailed,
			Timestamp: time.Now().UTC(),
			Error:     reason,
		}
	}
	state.mu.Unlock()

	if !current {
		return
	}

	r.logger.Warn("Replication failed",
		zap.String("holon_id", cycle.id.String()),
		zap.String("provider_id", p.ID().String()),
		zap.Bool("retry_scheduled", scheduleRetry),
		zap.String("reason", reason))
	r.events.Publish(events.NewReplicationFailed(p.ID(), cycle.id, reason, time.Now()))

	if scheduleRetry {
		r.scheduleRetry(cycle, p)
	}
}

// scheduleRetry runs one more attempt after the backoff unless the
// replicator stops first
func (r *Replicator) scheduleRetry(cycle *replicationCycle, p provider.StorageCapability) {
	if !r.track() {
		return
	}
	go func() {
		defer r.inflight.Done()

		timer := time.NewTimer(r.backoff)
		defer timer.Stop()

		select {
		case <-timer.C:
			r.replicateTo(context.Background(), cycle, p, true)
			r.evictIfGone(cycle)
		case <-r.stopCh:
		}
	}()
}

func (r *Replicator) superseded(cycle *replicationCycle) bool {
	state, ok := r.lookup(cycle.id)
	if !ok {
		return true
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.generation != cycle.generation
}

// Status returns the tracked replication status and provider keys for id
func (r *Replicator) Status(id uuid.UUID) (map[model.ProviderID]model.ReplicationState, map[model.ProviderID]string, bool) {
	state, ok := r.lookup(id)
	if !ok {
		return nil, nil, false
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	keys := make(map[model.ProviderID]string, len(state.keys))
	for k, v := range state.keys {
		keys[k] = v
	}
	return copyStatus(state.status), keys, true
}

// MarkReplicated records an out-of-cycle copy of id on p, such as a
// manual copy between providers
func (r *Replicator) MarkReplicated(id uuid.UUID, p model.ProviderID, key string) {
	state := r.lockedState(id)
	defer state.mu.Unlock()

	state.status[p] = model.ReplicationState{Status: model.ReplicationReplicated, Timestamp: time.Now().UTC()}
	if key != "" {
		state.keys[p] = key
	}
}

// Decorate merges tracked keys and status into h. A tracked key is the
// one the provider last returned, so it replaces any key h carries.
func (r *Replicator) Decorate(h *model.Holon) {
	if h == nil {
		return
	}
	status, keys, ok := r.Status(h.ID)
	if !ok {
		return
	}
	for k, v := range keys {
		h.SetProviderKey(k, v)
	}
	h.ReplicationStatus = status
}

// Wait blocks until every scheduled cycle and retry has finished
func (r *Replicator) Wait() {
	r.inflight.Wait()
}

// Stop cancels pending retries and waits for running cycles
func (r *Replicator) Stop(timeout time.Duration) error {
	r.lifecycle.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.stopCh)
	}
	r.lifecycle.Unlock()

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("replication did not drain within %v", timeout)
	}
}

func (r *Replicator) state(id uuid.UUID) *holonReplication {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.holons[id]
	if !ok {
		state = &holonReplication{
			status: make(map[model.ProviderID]model.ReplicationState),
			keys:   make(map[model.ProviderID]string),
		}
		r.holons[id] = state
	}
	return state
}

func (r *Replicator) lookup(id uuid.UUID) (*holonReplication, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.holons[id]
	return state, ok
}

// lockedState returns the live state of id with its mutex held
func (r *Replicator) lockedState(id uuid.UUID) *holonReplication {
	for {
		state := r.state(id)
		state.mu.Lock()
		if !state.evicted {
			return state
		}
		state.mu.Unlock()
	}
}

func copyStatus(in map[model.ProviderID]model.ReplicationState) map[model.ProviderID]model.ReplicationState {
	out := make(map[model.ProviderID]model.ReplicationState, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func failureReason[T any](res *result.Envelope[T]) string {
	if res == nil {
		return "returned no result"
	}
	if res.IsError {
		return res.Reason()
	}
	return ""
}
