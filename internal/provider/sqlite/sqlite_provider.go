// Package sqlite implements a storage provider backed by an embedded SQLite
// database. Every saved version is kept as its own row; the row key is the
// backend key reported in ProviderKeys.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
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
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaSQL string

// Provider implements provider.StorageCapability on SQLite
type Provider struct {
	id     model.ProviderID
	path   string
	logger *zap.Logger

	mu sync.RWMutex
	db *sql.DB
}

var _ provider.StorageCapability = (*Provider)(nil)

// New creates a provider for the database at path. The database is opened
// on Activate.
func New(id model.ProviderID, path string, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		id:     id,
		path:   path,
		logger: logger,
	}
}

// ID returns the provider id
func (p *Provider) ID() model.ProviderID {
	return p.id
}

// Activate opens the database and applies the schema
func (p *Provider) Activate(ctx context.Context) *result.Envelope[bool] {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db != nil {
		return result.Success(true, p.id)
	}

	db, err := sql.Open("sqlite3", p.path)
	if err != nil {
		return result.Failure[bool]("failed to open database", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return result.Failure[bool]("failed to connect to database", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return result.Failure[bool]("failed to apply pragmas", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return result.Failure[bool]("failed to apply schema", err)
	}

	p.db = db
	p.logger.Info("SQLite provider activated",
		zap.String("provider_id", p.id.String()),
		zap.String("path", p.path))
	return result.Success(true, p.id)
}

// Deactivate closes the database
func (p *Provider) Deactivate(ctx context.Context) *result.Envelope[bool] {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db == nil {
		return result.Success(true, p.id)
	}
	if err := p.db.Close(); err != nil {
		return result.Failure[bool]("failed to close database", err)
	}
	p.db = nil
	p.logger.Info("SQLite provider deactivated", zap.String("provider_id", p.id.String()))
	return result.Success(true, p.id)
}

// LoadHolon loads the requested version, or the latest when version is 0
func (p *Provider) LoadHolon(ctx context.Context, id uuid.UUID, version int) *result.Envelope[*model.Holon] {
	db, err := p.conn()
	if err != nil {
		return result.Failure[*model.Holon](err.Error(), nil)
	}

	var row *sql.Row
	if version == 0 {
		row = db.QueryRowContext(ctx, `
			SELECT row_key, body, is_deleted, deleted_at
			FROM holons
			WHERE holon_id = ?
			ORDER BY version DESC
			LIMIT 1`, id.String())
	} else {
		row = db.QueryRowContext(ctx, `
			SELECT row_key, body, is_deleted, deleted_at
			FROM holons
			WHERE holon_id = ? AND version = ?`, id.String(), version)
	}

	h, err := p.scanHolon(row)
	if errors.Is(err, sql.ErrNoRows) {
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
	db, err := p.conn()
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

	var rowKey int64
	err = db.QueryRowContext(ctx, `
		INSERT INTO holons (holon_id, version, holon_type, parent_id, body, is_deleted, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (holon_id, version) DO UPDATE SET
			holon_type = excluded.holon_type,
			parent_id  = excluded.parent_id,
			body       = excluded.body,
			is_deleted = excluded.is_deleted,
			saved_at   = excluded.saved_at
		RETURNING row_key`,
		saved.ID.String(),
		saved.Version,
		string(saved.Type),
		parentString(saved.ParentID),
		string(body),
		boolToInt(saved.IsDeleted),
		now.Format(time.RFC3339Nano),
	).Scan(&rowKey)
	if err != nil {
		return result.Failure[*model.Holon]("failed to save holon", err)
	}

	saved.SetProviderKey(p.id, strconv.FormatInt(rowKey, 10))
	return result.Success(saved, p.id)
}

// DeleteHolon tombstones the latest version or removes every version
func (p *Provider) DeleteHolon(ctx context.Context, id uuid.UUID, softDelete bool) *result.Envelope[bool] {
	db, err := p.conn()
	if err != nil {
		return result.Failure[bool](err.Error(), nil)
	}

	var res sql.Result
	if softDelete {
		res, err = db.ExecContext(ctx, `
			UPDATE holons SET is_deleted = 1, deleted_at = ?
			WHERE row_key = (
				SELECT row_key FROM holons WHERE holon_id = ? ORDER BY version DESC LIMIT 1
			)`, time.Now().UTC().Format(time.RFC3339Nano), id.String())
	} else {
		res, err = db.ExecContext(ctx, `DELETE FROM holons WHERE holon_id = ?`, id.String())
	}
	if err != nil {
		return result.Failure[bool]("failed to delete holon", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return result.Failure[bool]("failed to delete holon", err)
	}
	if affected == 0 {
		return result.NotFound[bool](id, 0)
	}
	return result.Success(true, p.id)
}

// Search filters on indexed columns in SQL and on payload fields in memory
func (p *Provider) Search(ctx context.Context, criteria model.SearchCriteria) *result.Envelope[[]*model.Holon] {
	db, err := p.conn()
	if err != nil {
		return result.Failure[[]*model.Holon](err.Error(), nil)
	}

	query := `
		SELECT h.row_key, h.body, h.is_deleted, h.deleted_at
		FROM holons h
		WHERE h.version = (SELECT MAX(version) FROM holons WHERE holon_id = h.holon_id)`
	args := make([]interface{}, 0)

	if criteria.Type != "" {
		query += " AND h.holon_type = ?"
		args = append(args, string(criteria.Type))
	}
	if criteria.ParentID != uuid.Nil {
		query += " AND h.parent_id = ?"
		args = append(args, criteria.ParentID.String())
	}
	if !criteria.IncludeDeleted {
		query += " AND h.is_deleted = 0"
	}
	query += " ORDER BY h.row_key ASC"

	rows, err := db.QueryContext(ctx, query, args...)
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

type scanner interface {
	Scan(dest ...any) error
}

func (p *Provider) scanHolon(s scanner) (*model.Holon, error) {
	var (
		rowKey    int64
		body      string
		isDeleted int
		deletedAt string
	)
	if err := s.Scan(&rowKey, &body, &isDeleted, &deletedAt); err != nil {
		return nil, err
	}

	var h model.Holon
	if err := json.Unmarshal([]byte(body), &h); err != nil {
		return nil, fmt.Errorf("failed to decode holon: %w", err)
	}
	h.IsDeleted = isDeleted != 0
	if deletedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, deletedAt); err == nil {
			h.DeletedAt = t
		}
	}
	h.SetProviderKey(p.id, strconv.FormatInt(rowKey, 10))
	return &h, nil
}

func (p *Provider) conn() (*sql.DB, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.db == nil {
		return nil, fmt.Errorf("provider %s is not active", p.id)
	}
	return p.db, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func parentString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
