package service

import (
	"context"
	"errors"
	"sort"
	"time"

	hderrors "github.com/devrev/hyperdrive/internal/errors"
	"github.com/devrev/hyperdrive/internal/model"
	"github.com/devrev/hyperdrive/internal/provider"
	"github.com/devrev/hyperdrive/internal/result"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ProviderLookup resolves a provider id to its handle
type ProviderLookup interface {
	Get(id model.ProviderID) (provider.StorageCapability, error)
}

// HolonManager is the CRUD façade over the failover orchestrator and the
// replicator. Every method returns an envelope, never a bare error.
type HolonManager struct {
	orchestrator *Orchestrator
	replicator   *Replicator
	providers    ProviderLookup
	logger       *zap.Logger

	// writes serializes saves and deletes per holon id
	writes *keyedMutex[uuid.UUID]
}

// NewHolonManager creates a holon manager
func NewHolonManager(
	orchestrator *Orchestrator,
	replicator *Replicator,
	providers ProviderLookup,
	logger *zap.Logger,
) *HolonManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HolonManager{
		orchestrator: orchestrator,
		replicator:   replicator,
		providers:    providers,
		logger:       logger,
		writes:       newKeyedMutex[uuid.UUID](),
	}
}

// LoadHolon loads a holon; version 0 loads the latest
func (m *HolonManager) LoadHolon(ctx context.Context, id uuid.UUID, version int) *result.Envelope[*model.Holon] {
	if id == uuid.Nil {
		return invalid[*model.Holon]("id", "must not be empty")
	}
	if version < 0 {
		return invalid[*model.Holon]("version", "must not be negative")
	}

	res := Execute(ctx, m.orchestrator, Call[*model.Holon]{
		Verb:    "load",
		HolonID: id,
		Invoke: func(ctx context.Context, p provider.StorageCapability) *result.Envelope[*model.Holon] {
			return p.LoadHolon(ctx, id, version)
		},
	})
	if res.IsError || res.Value == nil {
		return res
	}

	m.replicator.Decorate(res.Value)
	return res
}

// SaveHolon writes h as the next version of its id. A holon without an id
// is created with a fresh one. The version is one past the latest stored
// version, whatever version h carries. The returned holon carries the new
// version, the provider keys and the initial replication status; replica
// writes continue in the background.
func (m *HolonManager) SaveHolon(ctx context.Context, h *model.Holon) *result.Envelope[*model.Holon] {
	if h == nil {
		return invalid[*model.Holon]("holon", "must not be nil")
	}
	if h.Version < 0 {
		return invalid[*model.Holon]("version", "must not be negative")
	}

	next := h.Clone()
	if next.ID == uuid.Nil {
		next.ID = uuid.New()
	}
	if next.Type == "" {
		next.Type = model.HolonTypeHolon
	}
	if next.Fields == nil {
		next.Fields = make(map[string]any)
	}

	unlock := m.writes.Lock(next.ID)
	defer unlock()

	// Last writer wins; the version only moves forward
	current, failed := m.latestVersion(ctx, next.ID)
	if failed != nil {
		return failed
	}
	next.Version = current + 1
	now := time.Now().UTC()
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.ModifiedAt = now
	next.ReplicationStatus = nil

	res := Execute(ctx, m.orchestrator, Call[*model.Holon]{
		Verb:    "save",
		HolonID: next.ID,
		Invoke: func(ctx context.Context, p provider.StorageCapability) *result.Envelope[*model.Holon] {
			return p.SaveHolon(ctx, ownKeyOnly(next, p.ID()))
		},
	})
	if res.IsError || res.Value == nil {
		return res
	}

	saved := res.Value
	saved.ReplicationStatus = m.replicator.Replicate(WriteOp{Holon: saved}, res.ProviderUsed)
	m.replicator.Decorate(saved)

	m.logger.Debug("Holon saved",
		zap.String("holon_id", saved.ID.String()),
		zap.Int("version", saved.Version),
		zap.String("provider_id", res.ProviderUsed.String()))
	return res
}

// DeleteHolon tombstones (softDelete) or removes a holon. Deletes do not
// bump the version.
func (m *HolonManager) DeleteHolon(ctx context.Context, id uuid.UUID, softDelete bool) *result.Envelope[bool] {
	if id == uuid.Nil {
		return invalid[bool]("id", "must not be empty")
	}

	unlock := m.writes.Lock(id)
	defer unlock()

	res := Execute(ctx, m.orchestrator, Call[bool]{
		Verb:    "delete",
		HolonID: id,
		Invoke: func(ctx context.Context, p provider.StorageCapability) *result.Envelope[bool] {
			return p.DeleteHolon(ctx, id, softDelete)
		},
	})
	if res.IsError {
		return res
	}

	m.replicator.Replicate(WriteOp{
		Holon:      &model.Holon{ID: id},
		Delete:     true,
		SoftDelete: softDelete,
	}, res.ProviderUsed)
	return res
}

// Search returns the matches of the first provider able to answer
func (m *HolonManager) Search(ctx context.Context, criteria model.SearchCriteria) *result.Envelope[[]*model.Holon] {
	if criteria.Limit < 0 {
		return invalid[[]*model.Holon]("limit", "must not be negative")
	}

	res := Execute(ctx, m.orchestrator, Call[[]*model.Holon]{
		Verb: "search",
		Invoke: func(ctx context.Context, p provider.StorageCapability) *result.Envelope[[]*model.Holon] {
			return p.Search(ctx, criteria)
		},
	})
	if res.IsError {
		return res
	}
	for _, h := range res.Value {
		m.replicator.Decorate(h)
	}
	return res
}

// SearchAll queries every provider in the plan, one after another, and
// merges the matches by id, keeping the highest version. If some providers
// fail the envelope is a warning carrying the partial result.
func (m *HolonManager) SearchAll(ctx context.Context, criteria model.SearchCriteria) *result.Envelope[[]*model.Holon] {
	if criteria.Limit < 0 {
		return invalid[[]*model.Holon]("limit", "must not be negative")
	}

	plan := m.orchestrator.planner.FailoverPlan()
	if len(plan) == 0 {
		res := result.Failure[[]*model.Holon](AllProvidersFailed, hderrors.AggregateFailover(0, nil))
		res.AddInnerMessage("no active providers")
		return res
	}

	call := Call[[]*model.Holon]{
		Verb: "search_all",
		Invoke: func(ctx context.Context, p provider.StorageCapability) *result.Envelope[[]*model.Holon] {
			return p.Search(ctx, criteria)
		},
	}

	merged := make(map[uuid.UUID]*model.Holon)
	var (
		failures  []string
		lastFault error
		firstUsed model.ProviderID
	)
	for _, p := range plan {
		res := ExecuteOn(ctx, m.orchestrator, p, call)
		if res.IsError {
			failures = append(failures, res.Message)
			lastFault = res.Exception
			continue
		}
		if firstUsed == "" {
			firstUsed = p.ID()
		}
		for _, h := range res.Value {
			mergeHolon(merged, h)
		}
	}

	if len(failures) == len(plan) {
		res := result.Failure[[]*model.Holon](AllProvidersFailed, hderrors.AggregateFailover(len(plan), lastFault))
		res.InnerMessages = failures
		return res
	}

	holons := make([]*model.Holon, 0, len(merged))
	for _, h := range merged {
		m.replicator.Decorate(h)
		holons = append(holons, h)
	}
	sort.Slice(holons, func(i, j int) bool {
		if !holons[i].CreatedAt.Equal(holons[j].CreatedAt) {
			return holons[i].CreatedAt.Before(holons[j].CreatedAt)
		}
		return holons[i].ID.String() < holons[j].ID.String()
	})
	if criteria.Limit > 0 && len(holons) > criteria.Limit {
		holons = holons[:criteria.Limit]
	}

	res := result.Success(holons, firstUsed)
	for _, f := range failures {
		res.Warn("%s", f)
	}
	return res
}

// CopyHolon loads the latest version of id from one provider and writes it
// unchanged to another, recording the destination key.
func (m *HolonManager) CopyHolon(ctx context.Context, id uuid.UUID, from, to model.ProviderID) *result.Envelope[*model.Holon] {
	if id == uuid.Nil {
		return invalid[*model.Holon]("id", "must not be empty")
	}
	if from == to {
		return invalid[*model.Holon]("to", "must differ from the source provider")
	}
	src, err := m.providers.Get(from)
	if err != nil {
		return result.Failure[*model.Holon](err.Error(), err)
	}
	dst, err := m.providers.Get(to)
	if err != nil {
		return result.Failure[*model.Holon](err.Error(), err)
	}

	loaded := ExecuteOn(ctx, m.orchestrator, src, Call[*model.Holon]{
		Verb:    "load",
		HolonID: id,
		Invoke: func(ctx context.Context, p provider.StorageCapability) *result.Envelope[*model.Holon] {
			return p.LoadHolon(ctx, id, 0)
		},
	})
	if loaded.IsError || loaded.Value == nil {
		return loaded
	}

	copied := loaded.Value.Clone()
	copied.ReplicationStatus = nil
	saved := ExecuteOn(ctx, m.orchestrator, dst, Call[*model.Holon]{
		Verb:    "copy",
		HolonID: id,
		Invoke: func(ctx context.Context, p provider.StorageCapability) *result.Envelope[*model.Holon] {
			return p.SaveHolon(ctx, copied)
		},
	})
	if saved.IsError || saved.Value == nil {
		return saved
	}

	m.replicator.MarkReplicated(id, to, saved.Value.ProviderKeys[to])
	m.replicator.Decorate(saved.Value)
	saved.AddInnerMessage("copied from provider %s", from)
	return saved
}

// ReplicationReport is the tracked replication state of one holon
type ReplicationReport struct {
	HolonID      uuid.UUID                                   `json:"holon_id"`
	Status       map[model.ProviderID]model.ReplicationState `json:"status"`
	ProviderKeys map[model.ProviderID]string                 `json:"provider_keys"`
}

// ReplicationStatus returns what this process knows about the replication
// of id
func (m *HolonManager) ReplicationStatus(id uuid.UUID) *result.Envelope[*ReplicationReport] {
	status, keys, ok := m.replicator.Status(id)
	if !ok {
		err := hderrors.NotFound("replication status for holon " + id.String())
		return result.Failure[*ReplicationReport](err.Error(), err)
	}
	return result.Success(&ReplicationReport{
		HolonID:      id,
		Status:       status,
		ProviderKeys: keys,
	}, "")
}

// latestVersion returns the newest stored version of id, or 0 for a new
// holon. It asks the providers in plan order and stops at the first that
// answers; a provider that does not hold id answers 0.
func (m *HolonManager) latestVersion(ctx context.Context, id uuid.UUID) (int, *result.Envelope[*model.Holon]) {
	plan := m.orchestrator.planner.FailoverPlan()
	if len(plan) == 0 {
		// The write itself reports the empty plan
		return 0, nil
	}

	call := Call[*model.Holon]{
		Verb:    "load",
		HolonID: id,
		Invoke: func(ctx context.Context, p provider.StorageCapability) *result.Envelope[*model.Holon] {
			return p.LoadHolon(ctx, id, 0)
		},
	}

	var (
		failures  []string
		lastFault error
	)
	for _, p := range plan {
		res := ExecuteOn(ctx, m.orchestrator, p, call)
		switch {
		case !res.IsError && res.Value != nil:
			return res.Value.Version, nil
		case errors.Is(res.Exception, hderrors.ErrNotFound):
			return 0, nil
		}
		failures = append(failures, res.Message)
		lastFault = res.Exception
	}

	m.logger.Warn("Could not resolve holon version",
		zap.String("holon_id", id.String()),
		zap.Int("attempts", len(plan)))
	res := result.Failure[*model.Holon](AllProvidersFailed, hderrors.AggregateFailover(len(plan), lastFault))
	res.InnerMessages = failures
	return 0, res
}

// ownKeyOnly returns h as written to p. Keys of other providers are
// tracked by the replicator and never persisted with the record.
func ownKeyOnly(h *model.Holon, p model.ProviderID) *model.Holon {
	out := h.Clone()
	out.ProviderKeys = nil
	if key, ok := h.ProviderKeys[p]; ok {
		out.SetProviderKey(p, key)
	}
	return out
}

func mergeHolon(merged map[uuid.UUID]*model.Holon, h *model.Holon) {
	if h == nil {
		return
	}
	existing, ok := merged[h.ID]
	if !ok {
		merged[h.ID] = h.Clone()
		return
	}

	winner, other := existing, h
	if h.Version > existing.Version {
		winner, other = h.Clone(), existing
	}
	for k, v := range other.ProviderKeys {
		if _, exists := winner.ProviderKeys[k]; !exists {
			winner.SetProviderKey(k, v)
		}
	}
	merged[h.ID] = winner
}

func invalid[T any](field, reason string) *result.Envelope[T] {
	err := hderrors.Validation(field, reason)
	return result.Failure[T](err.Error(), err)
}
