// Package redis implements a storage provider backed by Redis. Each version
// is stored as a JSON string; a sorted set per holon tracks its versions and
// a set indexes every holon id for Search.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/devrev/hyperdrive/internal/model"
	"github.com/devrev/hyperdrive/internal/provider"
	"github.com/devrev/hyperdrive/internal/result"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config holds connection settings
type Config struct {
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string
}

// Addr returns host:port
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Provider implements provider.StorageCapability on Redis
type Provider struct {
	id     model.ProviderID
	cfg    Config
	logger *zap.Logger

	mu     sync.RWMutex
	client *redis.Client
}

var _ provider.StorageCapability = (*Provider)(nil)

// New creates a Redis provider. The client is created on Activate.
func New(id model.ProviderID, cfg Config, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "hyperdrive"
	}
	return &Provider{
		id:     id,
		cfg:    cfg,
		logger: logger,
	}
}

// ID returns the provider id
func (p *Provider) ID() model.ProviderID {
	return p.id
}

// Activate connects to Redis
func (p *Provider) Activate(ctx context.Context) *result.Envelope[bool] {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return result.Success(true, p.id)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     p.cfg.Addr(),
		Password: p.cfg.Password,
		DB:       p.cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return result.Failure[bool]("failed to connect to Redis", err)
	}

	p.client = client
	p.logger.Info("Redis provider activated",
		zap.String("provider_id", p.id.String()),
		zap.String("addr", p.cfg.Addr()))
	return result.Success(true, p.id)
}

// Deactivate closes the client
func (p *Provider) Deactivate(ctx context.Context) *result.Envelope[bool] {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		return result.Success(true, p.id)
	}
	if err := p.client.Close(); err != nil {
		return result.Failure[bool]("failed to close Redis client", err)
	}
	p.client = nil
	p.logger.Info("Redis provider deactivated", zap.String("provider_id", p.id.String()))
	return result.Success(true, p.id)
}

// LoadHolon loads the requested version, or the latest when version is 0
func (p *Provider) LoadHolon(ctx context.Context, id uuid.UUID, version int) *result.Envelope[*model.Holon] {
	client, err := p.conn()
	if err != nil {
		return result.Failure[*model.Holon](err.Error(), nil)
	}

	if version == 0 {
		version, err = p.latestVersion(ctx, client, id)
		if errors.Is(err, redis.Nil) {
			return result.NotFound[*model.Holon](id, 0)
		}
		if err != nil {
			return result.Failure[*model.Holon]("failed to resolve latest version", err)
		}
	}

	h, err := p.get(ctx, client, id, version)
	if errors.Is(err, redis.Nil) {
		return result.NotFound[*model.Holon](id, version)
	}
	if err != nil {
		return result.Failure[*model.Holon]("failed to load holon", err)
	}
	return result.Success(h, p.id)
}

// SaveHolon writes the version, its index entries, and returns the version key
func (p *Provider) SaveHolon(ctx context.Context, holon *model.Holon) *result.Envelope[*model.Holon] {
	if holon == nil {
		return result.Failure[*model.Holon]("holon is nil", nil)
	}
	client, err := p.conn()
	if err != nil {
		return result.Failure[*model.Holon](err.Error(), nil)
	}

	saved := holon.Clone()
	now := time.Now().UTC()
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = now
	}
	if saved.ModifiedAt.IsZero() {
		saved.ModifiedAt = now
	}

	key := p.versionKey(saved.ID, saved.Version)
	saved.SetProviderKey(p.id, key)

	data, err := json.Marshal(saved)
	if err != nil {
		return result.Failure[*model.Holon]("failed to encode holon", err)
	}

	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		pipe.ZAdd(ctx, p.versionsKey(saved.ID), redis.Z{
			Score:  float64(saved.Version),
			Member: strconv.Itoa(saved.Version),
		})
		pipe.SAdd(ctx, p.indexKey(), saved.ID.String())
		return nil
	})
	if err != nil {
		return result.Failure[*model.Holon]("failed to save holon", err)
	}
	return result.Success(saved, p.id)
}

// DeleteHolon tombstones the latest version or removes every version
func (p *Provider) DeleteHolon(ctx context.Context, id uuid.UUID, softDelete bool) *result.Envelope[bool] {
	client, err := p.conn()
	if err != nil {
		return result.Failure[bool](err.Error(), nil)
	}

	if softDelete {
		return p.tombstone(ctx, client, id)
	}

	members, err := client.ZRange(ctx, p.versionsKey(id), 0, -1).Result()
	if err != nil {
		return result.Failure[bool]("failed to list versions", err)
	}
	if len(members) == 0 {
		return result.NotFound[bool](id, 0)
	}

	keys := make([]string, 0, len(members)+1)
	for _, m := range members {
		v, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		keys = append(keys, p.versionKey(id, v))
	}
	keys = append(keys, p.versionsKey(id))

	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.SRem(ctx, p.indexKey(), id.String())
		return nil
	})
	if err != nil {
		return result.Failure[bool]("failed to delete holon", err)
	}
	return result.Success(true, p.id)
}

// Search scans the id index and filters the latest versions in memory
func (p *Provider) Search(ctx context.Context, criteria model.SearchCriteria) *result.Envelope[[]*model.Holon] {
	client, err := p.conn()
	if err != nil {
		return result.Failure[[]*model.Holon](err.Error(), nil)
	}

	ids, err := client.SMembers(ctx, p.indexKey()).Result()
	if err != nil {
		return result.Failure[[]*model.Holon]("failed to read holon index", err)
	}

	matches := make([]*model.Holon, 0)
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			p.logger.Warn("Skipping malformed index entry", zap.String("entry", raw))
			continue
		}
		version, err := p.latestVersion(ctx, client, id)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return result.Failure[[]*model.Holon]("failed to resolve latest version", err)
		}
		h, err := p.get(ctx, client, id, version)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return result.Failure[[]*model.Holon]("failed to load holon", err)
		}
		if criteria.Matches(h) {
			matches = append(matches, h)
		}
	}

	// Set members come back unordered
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.Before(matches[j].CreatedAt)
		}
		return matches[i].ID.String() < matches[j].ID.String()
	})
	if criteria.Limit > 0 && len(matches) > criteria.Limit {
		matches = matches[:criteria.Limit]
	}
	return result.Success(matches, p.id)
}

// Ping checks the Redis connection
func (p *Provider) Ping(ctx context.Context) error {
	client, err := p.conn()
	if err != nil {
		return err
	}
	return client.Ping(ctx).Err()
}

func (p *Provider) tombstone(ctx context.Context, client *redis.Client, id uuid.UUID) *result.Envelope[bool] {
	version, err := p.latestVersion(ctx, client, id)
	if errors.Is(err, redis.Nil) {
		return result.NotFound[bool](id, 0)
	}
	if err != nil {
		return result.Failure[bool]("failed to resolve latest version", err)
	}

	h, err := p.get(ctx, client, id, version)
	if errors.Is(err, redis.Nil) {
		return result.NotFound[bool](id, 0)
	}
	if err != nil {
		return result.Failure[bool]("failed to load holon", err)
	}

	h.IsDeleted = true
	h.DeletedAt = time.Now().UTC()
	data, err := json.Marshal(h)
	if err != nil {
		return result.Failure[bool]("failed to encode holon", err)
	}
	if err := client.Set(ctx, p.versionKey(id, version), data, 0).Err(); err != nil {
		return result.Failure[bool]("failed to delete holon", err)
	}
	return result.Success(true, p.id)
}

func (p *Provider) latestVersion(ctx context.Context, client *redis.Client, id uuid.UUID) (int, error) {
	members, err := client.ZRevRange(ctx, p.versionsKey(id), 0, 0).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, redis.Nil
	}
	return strconv.Atoi(members[0])
}

func (p *Provider) get(ctx context.Context, client *redis.Client, id uuid.UUID, version int) (*model.Holon, error) {
	data, err := client.Get(ctx, p.versionKey(id, version)).Bytes()
	if err != nil {
		return nil, err
	}

	var h model.Holon
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to unmarshal holon: %w", err)
	}
	h.SetProviderKey(p.id, p.versionKey(id, version))
	return &h, nil
}

func (p *Provider) versionKey(id uuid.UUID, version int) string {
	return fmt.Sprintf("%s:holon:%s:v%d", p.cfg.KeyPrefix, id, version)
}

func (p *Provider) versionsKey(id uuid.UUID) string {
	return fmt.Sprintf("%s:holon:%s:versions", p.cfg.KeyPrefix, id)
}

func (p *Provider) indexKey() string {
	return p.cfg.KeyPrefix + ":holons"
}

func (p *Provider) conn() (*redis.Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.client == nil {
		return nil, fmt.Errorf("provider %s is not active", p.id)
	}
	return p.client, nil
}
