package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Avatar field names inside the holon payload
const (
	AvatarFieldUsername   = "username"
	AvatarFieldEmail      = "email"
	AvatarFieldFirstName  = "first_name"
	AvatarFieldLastName   = "last_name"
	AvatarFieldAvatarType = "avatar_type"
)

// Avatar is a holon representing a user identity
type Avatar struct {
	ID                uuid.UUID                       `json:"id"`
	Username          string                          `json:"username"`
	Email             string                          `json:"email"`
	FirstName         string                          `json:"first_name,omitempty"`
	LastName          string                          `json:"last_name,omitempty"`
	AvatarType        string                          `json:"avatar_type,omitempty"`
	Version           int                             `json:"version"`
	ProviderKeys      map[ProviderID]string           `json:"provider_keys,omitempty"`
	ReplicationStatus map[ProviderID]ReplicationState `json:"replication_status,omitempty"`
	IsDeleted         bool                            `json:"is_deleted"`
	CreatedAt         time.Time                       `json:"created_at"`
	ModifiedAt        time.Time                       `json:"modified_at"`
}

// ToHolon encodes the avatar as a holon of type Avatar
func (a *Avatar) ToHolon() *Holon {
	h := &Holon{
		ID:         a.ID,
		Type:       HolonTypeAvatar,
		Name:       a.Username,
		Version:    a.Version,
		IsDeleted:  a.IsDeleted,
		CreatedAt:  a.CreatedAt,
		ModifiedAt: a.ModifiedAt,
		Fields: map[string]any{
			AvatarFieldUsername:   a.Username,
			AvatarFieldEmail:      a.Email,
			AvatarFieldFirstName:  a.FirstName,
			AvatarFieldLastName:   a.LastName,
			AvatarFieldAvatarType: a.AvatarType,
		},
	}
	for k, v := range a.ProviderKeys {
		h.SetProviderKey(k, v)
	}
	return h
}

// AvatarFromHolon decodes an avatar from a holon of type Avatar
func AvatarFromHolon(h *Holon) (*Avatar, error) {
	if h == nil {
		return nil, fmt.Errorf("holon is nil")
	}
	if h.Type != HolonTypeAvatar {
		return nil, fmt.Errorf("holon %s has type %s, expected %s", h.ID, h.Type, HolonTypeAvatar)
	}

	return &Avatar{
		ID:                h.ID,
		Username:          h.StringField(AvatarFieldUsername),
		Email:             h.StringField(AvatarFieldEmail),
		FirstName:         h.StringField(AvatarFieldFirstName),
		LastName:          h.StringField(AvatarFieldLastName),
		AvatarType:        h.StringField(AvatarFieldAvatarType),
		Version:           h.Version,
		ProviderKeys:      h.ProviderKeys,
		ReplicationStatus: h.ReplicationStatus,
		IsDeleted:         h.IsDeleted,
		CreatedAt:         h.CreatedAt,
		ModifiedAt:        h.ModifiedAt,
	}, nil
}
