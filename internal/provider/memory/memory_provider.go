// Package memory implements an in-process storage provider. It keeps every
// saved version of every holon and is used for local development and as the
// reference adapter for the provider contract tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devrev/hyperdrive/internal/model"
	"github.com/devrev/hyperdrive/internal/provider"
	"github.com/devrev/hyperdrive/internal/result"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Provider implements provider.StorageCapability using in-memory maps
type Provider struct {
	id     model.ProviderID
	logger *zap.Logger

	mu       sync.RWMutex
	active   bool
	versions map[uuid.UUID][]*model.Holon // ascending version
}

var _ provider.StorageCapability = (*Provider)(nil)

// New creates a new in-memory provider
func New(id model.ProviderID, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		id:       id,
		logger:   logger,
		versions: make(map[uuid.UUID][]*model.Holon),
	}
}

// ID returns the provider id
func (p *Provider) ID() model.ProviderID {
	return p.id
}

// Activate marks the provider usable
func (p *Provider) Activate(ctx context.Context) *result.Envelope[bool] {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active {
		p.active = true
		p.logger.Info("Memory provider activated", zap.String("provider_id", p.id.String()))
	}
	return result.Success(true, p.id)
}

// Deactivate marks the provider unusable; stored data is kept
func (p *Provider) Deactivate(ctx context.Context) *result.Envelope[bool] {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active {
		p.active = false
		p.logger.Info("Memory provider deactivated", zap.String("provider_id", p.id.String()))
	}
	return result.Success(true, p.id)
}

// LoadHolon returns the requested version, or the latest when version is 0
func (p *Provider) LoadHolon(ctx context.Context, id uuid.UUID, version int) *result.Envelope[*model.Holon] {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.active {
		return p.notActive()
	}

	history, ok := p.versions[id]
	if !ok || len(history) == 0 {
		return result.NotFound[*model.Holon](id, 0)
	}

	if version == 0 {
		return result.Success(history[len(history)-1].Clone(), p.id)
	}
	for _, h := range history {
		if h.Version == version {
			return result.Success(h.Clone(), p.id)
		}
	}
	return result.NotFound[*model.Holon](id, version)
}

// SaveHolon stores the holon under its version
func (p *Provider) SaveHolon(ctx context.Context, holon *model.Holon) *result.Envelope[*model.Holon] {
	if holon == nil {
		return result.Failure[*model.Holon]("holon is nil", nil)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active {
		return p.notActive()
	}

	saved := holon.Clone()
	saved.SetProviderKey(p.id, saved.ID.String())
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = time.Now().UTC()
	}
	if saved.ModifiedAt.IsZero() {
		saved.ModifiedAt = saved.CreatedAt
	}

	// History stays sorted by version; a rewrite of an existing version
	// replaces it (last writer wins)
	history := p.versions[saved.ID]
	i := sort.Search(len(history), func(j int) bool { return history[j].Version >= saved.Version })
	switch {
	case i < len(history) && history[i].Version == saved.Version:
		history[i] = saved
	default:
		history = append(history, nil)
		copy(history[i+1:], history[i:])
		history[i] = saved
	}
	p.versions[saved.ID] = history

	p.logger.Debug("Holon saved",
		zap.String("provider_id", p.id.String()),
		zap.String("holon_id", saved.ID.String()),
		zap.Int("version", saved.Version))

	return result.Success(saved.Clone(), p.id)
}

// DeleteHolon tombstones or removes a holon
func (p *Provider) DeleteHolon(ctx context.Context, id uuid.UUID, softDelete bool) *result.Envelope[bool] {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active {
		return result.Failuref[bool](nil, "provider %s is not active", p.id)
	}

	history, ok := p.versions[id]
	if !ok || len(history) == 0 {
		return result.NotFound[bool](id, 0)
	}

	if !softDelete {
		delete(p.versions, id)
		return result.Success(true, p.id)
	}

	latest := history[len(history)-1].Clone()
	now := time.Now().UTC()
	latest.IsDeleted = true
	latest.DeletedAt = now
	latest.ModifiedAt = now
	history[len(history)-1] = latest
	return result.Success(true, p.id)
}

// Search scans the latest version of every holon
func (p *Provider) Search(ctx context.Context, criteria model.SearchCriteria) *result.Envelope[[]*model.Holon] {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.active {
		return result.Failuref[[]*model.Holon](nil, "provider %s is not active", p.id)
	}

	matches := make([]*model.Holon, 0)
	for _, history := range p.versions {
		latest := history[len(history)-1]
		if criteria.Matches(latest) {
			matches = append(matches, latest.Clone())
		}
		if criteria.Limit > 0 && len(matches) >= criteria.Limit {
			break
		}
	}
	return result.Success(matches, p.id)
}

// Size returns the number of distinct holons stored
func (p *Provider) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.versions)
}

func (p *Provider) notActive() *result.Envelope[*model.Holon] {
	return result.Failure[*model.Holon](fmt.Sprintf("provider %s is not active", p.id), nil)
}
