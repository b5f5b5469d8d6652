package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devrev/hyperdrive/internal/events"
	"github.com/devrev/hyperdrive/internal/model"
	"github.com/devrev/hyperdrive/internal/provider"
	"github.com/devrev/hyperdrive/internal/provider/memory"
	"github.com/devrev/hyperdrive/internal/registry"
	"github.com/devrev/hyperdrive/internal/result"
	"github.com/devrev/hyperdrive/internal/util/workerpool"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockProvider is a mock implementation of provider.StorageCapability
type MockProvider struct {
	mock.Mock
	id model.ProviderID
}

func newMockProvider(id model.ProviderID) *MockProvider {
	return &MockProvider{id: id}
}

func (m *MockProvider) ID() model.ProviderID {
	return m.id
}

func (m *MockProvider) Activate(ctx context.Context) *result.Envelope[bool] {
	args := m.Called(ctx)
	return args.Get(0).(*result.Envelope[bool])
}

func (m *MockProvider) Deactivate(ctx context.Context) *result.Envelope[bool] {
	args := m.Called(ctx)
	return args.Get(0).(*result.Envelope[bool])
}

func (m *MockProvider) LoadHolon(ctx context.Context, id uuid.UUID, version int) *result.Envelope[*model.Holon] {
	args := m.Called(ctx, id, version)
	return args.Get(0).(*result.Envelope[*model.Holon])
}

func (m *MockProvider) SaveHolon(ctx context.Context, holon *model.Holon) *result.Envelope[*model.Holon] {
	args := m.Called(ctx, holon)
	return args.Get(0).(*result.Envelope[*model.Holon])
}

func (m *MockProvider) DeleteHolon(ctx context.Context, id uuid.UUID, softDelete bool) *result.Envelope[bool] {
	args := m.Called(ctx, id, softDelete)
	return args.Get(0).(*result.Envelope[bool])
}

func (m *MockProvider) Search(ctx context.Context, criteria model.SearchCriteria) *result.Envelope[[]*model.Holon] {
	args := m.Called(ctx, criteria)
	return args.Get(0).(*result.Envelope[[]*model.Holon])
}

// scriptedProvider stores holons in memory and lets a test inject
// failures, latency and panics while counting calls
type scriptedProvider struct {
	*memory.Provider

	saves    atomic.Int32
	loads    atomic.Int32
	deletes  atomic.Int32
	searches atomic.Int32

	// failSaves is the number of upcoming saves to fail; negative fails all
	failSaves atomic.Int32
	failAll   atomic.Bool
	panics    atomic.Bool

	delay time.Duration
	key   string

	// optional shared gauge of concurrent calls
	inflight    *atomic.Int32
	maxInflight *atomic.Int32

	lastCtxErr atomic.Value
}

var _ provider.StorageCapability = (*scriptedProvider)(nil)

func newScripted(t *testing.T, id model.ProviderID) *scriptedProvider {
	t.Helper()
	p := &scriptedProvider{Provider: memory.New(id, zap.NewNop())}
	require.False(t, p.Activate(context.Background()).IsError)
	return p
}

func (p *scriptedProvider) enter(ctx context.Context) func() {
	if p.inflight != nil {
		n := p.inflight.Add(1)
		for {
			max := p.maxInflight.Load()
			if n <= max || p.maxInflight.CompareAndSwap(max, n) {
				break
			}
		}
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if err := ctx.Err(); err != nil {
		p.lastCtxErr.Store(err)
	}
	if p.panics.Load() {
		panic("provider exploded")
	}
	return func() {
		if p.inflight != nil {
			p.inflight.Add(-1)
		}
	}
}

func (p *scriptedProvider) shouldFailSave() bool {
	if p.failAll.Load() {
		return true
	}
	for {
		n := p.failSaves.Load()
		switch {
		case n == 0:
			return false
		case n < 0:
			return true
		case p.failSaves.CompareAndSwap(n, n-1):
			return true
		}
	}
}

func (p *scriptedProvider) SaveHolon(ctx context.Context, h *model.Holon) *result.Envelope[*model.Holon] {
	p.saves.Add(1)
	defer p.enter(ctx)()
	if p.shouldFailSave() {
		return result.Failure[*model.Holon]("connection refused", nil)
	}
	res := p.Provider.SaveHolon(ctx, h)
	if !res.IsError && p.key != "" {
		res.Value.SetProviderKey(p.ID(), p.key)
	}
	return res
}

func (p *scriptedProvider) LoadHolon(ctx context.Context, id uuid.UUID, version int) *result.Envelope[*model.Holon] {
	p.loads.Add(1)
	defer p.enter(ctx)()
	if p.failAll.Load() {
		return result.Failure[*model.Holon]("connection refused", nil)
	}
	return p.Provider.LoadHolon(ctx, id, version)
}

func (p *scriptedProvider) DeleteHolon(ctx context.Context, id uuid.UUID, softDelete bool) *result.Envelope[bool] {
	p.deletes.Add(1)
	defer p.enter(ctx)()
	if p.failAll.Load() {
		return result.Failure[bool]("connection refused", nil)
	}
	return p.Provider.DeleteHolon(ctx, id, softDelete)
}

func (p *scriptedProvider) Search(ctx context.Context, criteria model.SearchCriteria) *result.Envelope[[]*model.Holon] {
	p.searches.Add(1)
	defer p.enter(ctx)()
	if p.failAll.Load() {
		return result.Failure[[]*model.Holon]("connection refused", nil)
	}
	return p.Provider.Search(ctx, criteria)
}

// recorder collects published events
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harnessOptions struct {
	attemptTimeout time.Duration
	backoff        time.Duration
	maxConcurrency int
	replicas       []model.ProviderID
}

type harness struct {
	registry     *registry.Registry
	events       *recorder
	orchestrator *Orchestrator
	pool         *workerpool.Pool
	replicator   *Replicator
	holons       *HolonManager
	avatars      *AvatarManager
}

// newHarness registers providers with priorities in the given order
func newHarness(t *testing.T, opts harnessOptions, providers ...provider.StorageCapability) *harness {
	t.Helper()
	if opts.attemptTimeout == 0 {
		opts.attemptTimeout = time.Second
	}
	if opts.backoff == 0 {
		opts.backoff = 20 * time.Millisecond
	}

	rec := &recorder{}
	reg := registry.New(registry.Options{Events: rec, Logger: zap.NewNop()})
	for i, p := range providers {
		require.NoError(t, reg.Register(p, i+1))
	}
	if len(opts.replicas) > 0 {
		require.NoError(t, reg.SetReplicaSubset(opts.replicas))
	}

	orchestrator := NewOrchestrator(reg, opts.attemptTimeout, rec, nil, zap.NewNop())
	pool := workerpool.New(workerpool.Config{Name: "replication", Workers: 4, QueueSize: 64})
	replicator := NewReplicator(reg, pool, ReplicationOptions{
		MaxConcurrency: opts.maxConcurrency,
		RetryBackoff:   opts.backoff,
		AttemptTimeout: opts.attemptTimeout,
		Events:         rec,
		Logger:         zap.NewNop(),
	})
	holons := NewHolonManager(orchestrator, replicator, reg, zap.NewNop())

	t.Cleanup(func() {
		_ = replicator.Stop(5 * time.Second)
		_ = pool.Stop(5 * time.Second)
	})

	return &harness{
		registry:     reg,
		events:       rec,
		orchestrator: orchestrator,
		pool:         pool,
		replicator:   replicator,
		holons:       holons,
		avatars:      NewAvatarManager(holons, zap.NewNop()),
	}
}

func sampleHolon(name string) *model.Holon {
	h := model.NewHolon(model.HolonTypeHolon, name)
	h.Fields["color"] = "red"
	return h
}
