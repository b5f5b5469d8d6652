// Package postgres implements a storage provider backed by PostgreSQL
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/devrev/hyperdrive/internal/model"
	"github.com/devrev/hyperdrive/internal/provider"
	"github.com/devrev/hyperdrive/internal/result"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS holons (
		row_key    BIGSERIAL PRIMARY KEY,
		holon_id   UUID        NOT NULL,
		version    INTEGER     NOT NULL,
		holon_type TEXT        NOT NULL,
		parent_id  UUID,
		body       JSONB       NOT NULL,
		is_deleted BOOLEAN     NOT NULL DEFAULT FALSE,
		deleted_at TIMESTAMPTZ,
		saved_at   TIMESTAMPTZ NOT NULL,
		UNIQUE (holon_id, version)
	);
	CREATE INDEX IF NOT EXISTS idx_holons_type ON holons (holon_type);
	CREATE INDEX IF NOT EXISTS idx_holons_parent ON holons (parent_id);
`

// Config holds connection settings
type Config struct {
	Host           string
	Port           int
	Database       string
	User           string
	Password       string
	MaxConnections int
	MinConnections int
}

// ConnString renders the pgx key/value connection string
func (c Config) ConnString() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		c.Host, c.Port, c.Database, c.User, c.Password, c.MaxConnections, c.MinConnections,
	)
}

// Provider implements provider.StorageCapability on PostgreSQL
type Provider struct {
	id         model.ProviderID
	connString string
	logger     *zap.Logger

	mu   sync.RWMutex
	pool *pgxpool.Pool
}

var _ provider.StorageCapability = (*Provider)(nil)

// New creates a PostgreSQL provider. The pool is created on Activate.
func New(id model.ProviderID, cfg Config, logger *zap.Logger) *Provider {
	return NewFromConnString(id, cfg.ConnString(), logger)
}

// NewFromConnString creates a provider from a raw connection string or URL
func NewFromConnString(id model.ProviderID, connString string, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		id:         id,
		connString: connString,
		logger:     logger,
	}
}

// ID returns the provider id
func (p *Provider) ID() model.ProviderID {
	return p.id
}

// Activate creates the connection pool and ensures the schema exists
func (p *Provider) Activate(ctx context.Context) *result.Envelope[bool] {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pool != nil {
		return result.Success(true, p.id)
	}

	config, err := pgxpool.ParseConfig(p.connString)
	if err != nil {
		return result.Failure[bool]("failed to parse connection string", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return result.Failure[bool]("failed to create connection pool", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return result.Failure[bool]("failed to ping database", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return result.Failure[bool]("failed to apply schema", err)
	}

	p.pool = pool
	p.logger.Info("Postgres provider activated", zap.String("provider_id", p.id.String()))
	return result.Success(true, p.id)
}

// Deactivate closes the pool
func (p *Provider) Deactivate(ctx context.Context) *result.Envelope[bool] {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
		p.logger.Info("Postgres provider deactivated", zap.String("provider_id", p.id.String()))
	}
	return result.Success(true, p.id)
}

// LoadHolon loads the requested version, or the latest when version is 0
func (p *Provider) LoadHolon(ctx context.Context, id uuid.UUID, version int) *result.Envelope[*model.Holon] {
	pool, err := p.conn()
	if err != nil {
		return result.Failure[*model.Holon](err.Error(), nil)
	}

	query := `
		SELECT row_key, body, is_deleted, deleted_at
		FROM holons
		WHERE holon_id = $1
		ORDER BY version DESC
		LIMIT 1
	`
	args := []interface{}{id}
	if version != 0 {
		query = `
			SELECT row_key, body, is_deleted, deleted_at
			FROM holons
			WHERE holon_id = $1 AND version = $2
		`
		args = append(args, version)
	}

	h, err := p.scanHolon(pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return result.NotFound[*model.Holon](id, version)
	}
	if err != nil {
		return result.Failure[*model.Holon]("failed to load holon", err)
	}
	return result.Success(h, p.id)
}

// SaveHolon upserts the holon's version row
func (p *Provider) SaveHolon(ctx context.Context, holon *model.Holon) *result.Envelope[*model.Holon] {
	if holon == nil {
		return result.Failure[*model.Holon]("holon is nil", nil)
	}
	pool, err := p.conn()
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

	body, err := json.Marshal(saved)
	if err != nil {
		return result.Failure[*model.Holon]("failed to encode holon", err)
	}

	query := `
		INSERT INTO holons (holon_id, version, holon_type, parent_id, body, is_deleted, saved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (holon_id, version) DO UPDATE SET
			holon_type = EXCLUDED.holon_type,
			parent_id  = EXCLUDED.parent_id,
			body       = EXCLUDED.body,
			is_deleted = EXCLUDED.is_deleted,
			saved_at   = EXCLUDED.saved_at
		RETURNING row_key
	`

	var rowKey int64
	err = pool.QueryRow(ctx, query,
		saved.ID,
		saved.Version,
		string(saved.Type),
		nullableUUID(saved.ParentID),
		body,
		saved.IsDeleted,
		now,
	).Scan(&rowKey)
	if err != nil {
		return result.Failure[*model.Holon]("failed to save holon", err)
	}

	saved.SetProviderKey(p.id, strconv.FormatInt(rowKey, 10))
	return result.Success(saved, p.id)
}

// DeleteHolon tombstones the latest version or removes every version
func (p *Provider) DeleteHolon(ctx context.Context, id uuid.UUID, softDelete bool) *result.Envelope[bool] {
	pool, err := p.conn()
	if err != nil {
		return result.Failure[bool](err.Error(), nil)
	}

	var affected int64
	if softDelete {
		tag, err := pool.Exec(ctx, `
			UPDATE holons SET is_deleted = TRUE, deleted_at = $2
			WHERE row_key = (
				SELECT row_key FROM holons WHERE holon_id = $1 ORDER BY version DESC LIMIT 1
			)
		`, id, time.Now().UTC())
		if err != nil {
			return result.Failure[bool]("failed to delete holon", err)
		}
		affected = tag.RowsAffected()
	} else {
		tag, err := pool.Exec(ctx, `DELETE FROM holons WHERE holon_id = $1`, id)
		if err != nil {
			return result.Failure[bool]("failed to delete holon", err)
		}
		affected = tag.RowsAffected()
	}

	if affected == 0 {
		return result.NotFound[bool](id, 0)
	}
	return result.Success(true, p.id)
}

// Search filters on indexed columns in SQL and on payload fields in memory
func (p *Provider) Search(ctx context.Context, criteria model.SearchCriteria) *result.Envelope[[]*model.Holon] {
	pool, err := p.conn()
	if err != nil {
		return result.Failure[[]*model.Holon](err.Error(), nil)
	}

	query := `
		SELECT h.row_key, h.body, h.is_deleted, h.deleted_at
		FROM holons h
		WHERE h.version = (SELECT MAX(version) FROM holons WHERE holon_id = h.holon_id)
	`
	args := make([]interface{}, 0)
	argPos := 1

	if criteria.Type != "" {
		query += fmt.Sprintf(" AND h.holon_type = $%d", argPos)
		args = append(args, string(criteria.Type))
		argPos++
	}
	if criteria.ParentID != uuid.Nil {
		query += fmt.Sprintf(" AND h.parent_id = $%d", argPos)
		args = append(args, criteria.ParentID)
		argPos++
	}
	if !criteria.IncludeDeleted {
		query += " AND h.is_deleted = FALSE"
	}

	query += " ORDER BY h.row_key ASC"

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return result.Failure[[]*model.Holon]("failed to search holons", err)
	}
	defer rows.Close()

	matches := make([]*model.Holon, 0)
	for rows.Next() {
		h, err := p.scanHolon(rows)
		if err != nil {
			return result.Failure[[]*model.Holon]("failed to scan holon", err)
		}
		// Field values compare as strings, which JSONB containment can't express
		if !criteria.Matches(h) {
			continue
		}
		matches = append(matches, h)
		if criteria.Limit > 0 && len(matches) >= criteria.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return result.Failure[[]*model.Holon]("failed to search holons", err)
	}
	return result.Success(matches, p.id)
}

// Ping checks the database connection
func (p *Provider) Ping(ctx context.Context) error {
	pool, err := p.conn()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

func (p *Provider) scanHolon(row pgx.Row) (*model.Holon, error) {
	var (
		rowKey    int64
		body      []byte
		isDeleted bool
		deletedAt *time.Time
	)
	if err := row.Scan(&rowKey, &body, &isDeleted, &deletedAt); err != nil {
		return nil, err
	}

	var h model.Holon
	if err := json.Unmarshal(body, &h); err != nil {
		return nil, fmt.Errorf("failed to decode holon: %w", err)
	}
	h.IsDeleted = isDeleted
	if deletedAt != nil {
		h.DeletedAt = *deletedAt
	}
	h.SetProviderKey(p.id, strconv.FormatInt(rowKey, 10))
	return &h, nil
}

func (p *Provider) conn() (*pgxpool.Pool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.pool == nil {
		return nil, fmt.Errorf("provider %s is not active", p.id)
	}
	return p.pool, nil
}

func nullableUUID(id uuid.UUID) interface{} {
	if id == uuid.Nil {
		return nil
	}
	return id
}
