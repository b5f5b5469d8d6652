package service

import (
	"context"
	"net/mail"
	"strings"

	hderrors "github.com/devrev/hyperdrive/internal/errors"
	"github.com/devrev/hyperdrive/internal/model"
	"github.com/devrev/hyperdrive/internal/result"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AvatarManager stores avatars as holons of type Avatar through a
// HolonManager
type AvatarManager struct {
	holons *HolonManager
	logger *zap.Logger

	// usernames serializes the uniqueness check and the write per username
	usernames *keyedMutex[string]
}

// NewAvatarManager creates an avatar manager
func NewAvatarManager(holons *HolonManager, logger *zap.Logger) *AvatarManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AvatarManager{
		holons:    holons,
		logger:    logger,
		usernames: newKeyedMutex[string](),
	}
}

// LoadAvatar loads the latest version of an avatar
func (m *AvatarManager) LoadAvatar(ctx context.Context, id uuid.UUID) *result.Envelope[*model.Avatar] {
	return toAvatar(m.holons.LoadHolon(ctx, id, 0))
}

// LoadAvatarByUsername finds a live avatar by username
func (m *AvatarManager) LoadAvatarByUsername(ctx context.Context, username string) *result.Envelope[*model.Avatar] {
	username = strings.TrimSpace(username)
	if username == "" {
		return invalid[*model.Avatar]("username", "must not be empty")
	}
	return m.findOne(ctx, model.AvatarFieldUsername, username)
}

// LoadAvatarByEmail finds a live avatar by email
func (m *AvatarManager) LoadAvatarByEmail(ctx context.Context, email string) *result.Envelope[*model.Avatar] {
	email = strings.TrimSpace(email)
	if email == "" {
		return invalid[*model.Avatar]("email", "must not be empty")
	}
	return m.findOne(ctx, model.AvatarFieldEmail, strings.ToLower(email))
}

// SaveAvatar validates and saves an avatar. Usernames are unique among
// live avatars.
func (m *AvatarManager) SaveAvatar(ctx context.Context, a *model.Avatar) *result.Envelope[*model.Avatar] {
	if a == nil {
		return invalid[*model.Avatar]("avatar", "must not be nil")
	}

	normalized := *a
	normalized.Username = strings.TrimSpace(a.Username)
	normalized.Email = strings.ToLower(strings.TrimSpace(a.Email))
	if normalized.Username == "" {
		return invalid[*model.Avatar]("username", "must not be empty")
	}
	if _, err := mail.ParseAddress(normalized.Email); err != nil {
		return invalid[*model.Avatar]("email", "must be a valid address")
	}

	unlock := m.usernames.Lock(normalized.Username)
	defer unlock()

	existing := m.holons.Search(ctx, model.SearchCriteria{
		Type:   model.HolonTypeAvatar,
		Fields: map[string]string{model.AvatarFieldUsername: normalized.Username},
	})
	if existing.IsError {
		return result.Map(existing, func([]*model.Holon) *model.Avatar { return nil })
	}
	for _, h := range existing.Value {
		if h.ID != normalized.ID {
			m.logger.Debug("Username already taken",
				zap.String("username", normalized.Username),
				zap.String("avatar_id", h.ID.String()))
			return invalid[*model.Avatar]("username", "already taken")
		}
	}

	return toAvatar(m.holons.SaveHolon(ctx, normalized.ToHolon()))
}

// DeleteAvatar tombstones (softDelete) or removes an avatar
func (m *AvatarManager) DeleteAvatar(ctx context.Context, id uuid.UUID, softDelete bool) *result.Envelope[bool] {
	return m.holons.DeleteHolon(ctx, id, softDelete)
}

func (m *AvatarManager) findOne(ctx context.Context, field, value string) *result.Envelope[*model.Avatar] {
	found := m.holons.Search(ctx, model.SearchCriteria{
		Type:   model.HolonTypeAvatar,
		Fields: map[string]string{field: value},
		Limit:  1,
	})
	if found.IsError {
		return result.Map(found, func([]*model.Holon) *model.Avatar { return nil })
	}
	if len(found.Value) == 0 {
		err := hderrors.NotFound("avatar with " + field + " " + value)
		res := result.Failure[*model.Avatar](err.Error(), err)
		res.ProviderUsed = found.ProviderUsed
		return res
	}

	res := result.Success(found.Value[0], found.ProviderUsed)
	res.InnerMessages = found.InnerMessages
	return toAvatar(res)
}

// toAvatar converts a holon envelope, failing if the holon is not an avatar
func toAvatar(res *result.Envelope[*model.Holon]) *result.Envelope[*model.Avatar] {
	out := result.Map(res, func(*model.Holon) *model.Avatar { return nil })
	if res.IsError || res.Value == nil {
		out.ClearValue()
		return out
	}

	avatar, err := model.AvatarFromHolon(res.Value)
	if err != nil {
		verr := hderrors.Validation("holon", err.Error())
		out.Fail(verr.Error(), verr)
		return out
	}
	out.SetValue(avatar)
	return out
}
