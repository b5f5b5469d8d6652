package model

import (
	"time"

	"github.com/google/uuid"
)

// HolonType classifies a holon
type HolonType string

const (
	// HolonTypeHolon is a generic data record
	HolonTypeHolon HolonType = "Holon"
	// HolonTypeAvatar is a holon representing a user identity
	HolonTypeAvatar HolonType = "Avatar"
)

// ReplicationStatus is the per-provider state of a holon's latest write
type ReplicationStatus string

const (
	// ReplicationPending means the write has been scheduled but not confirmed
	ReplicationPending ReplicationStatus = "Pending"
	// ReplicationReplicated means the provider durably holds the latest write
	ReplicationReplicated ReplicationStatus = "Replicated"
	// ReplicationFailed means the latest attempt against the provider failed
	ReplicationFailed ReplicationStatus = "Failed"
)

// ReplicationState records the replication status for one provider
type ReplicationState struct {
	Status    ReplicationStatus `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Error     string            `json:"error,omitempty"`
}

// Holon is a generic versioned data record. Every successful write bumps
// Version by exactly one; ProviderKeys holds the backend key for every
// provider the holon was durably written to.
type Holon struct {
	ID                uuid.UUID                       `json:"id"`
	Type              HolonType                       `json:"type"`
	Name              string                          `json:"name,omitempty"`
	Description       string                          `json:"description,omitempty"`
	ParentID          uuid.UUID                       `json:"parent_id,omitempty"`
	Version           int                             `json:"version"`
	Fields            map[string]any                  `json:"fields,omitempty"`
	ProviderKeys      map[ProviderID]string           `json:"provider_keys,omitempty"`
	ReplicationStatus map[ProviderID]ReplicationState `json:"replication_status,omitempty"`
	IsDeleted         bool                            `json:"is_deleted"`
	CreatedAt         time.Time                       `json:"created_at"`
	ModifiedAt        time.Time                       `json:"modified_at"`
	DeletedAt         time.Time                       `json:"deleted_at,omitempty"`
}

// NewHolon creates an unsaved holon with a fresh id
func NewHolon(holonType HolonType, name string) *Holon {
	return &Holon{
		ID:     uuid.New(),
		Type:   holonType,
		Name:   name,
		Fields: make(map[string]any),
	}
}

// Clone returns a deep copy of the holon's maps so providers and
// replication never share mutable state with the caller.
func (h *Holon) Clone() *Holon {
	if h == nil {
		return nil
	}

	c := *h
	if h.Fields != nil {
		c.Fields = make(map[string]any, len(h.Fields))
		for k, v := range h.Fields {
			c.Fields[k] = v
		}
	}
	c.ProviderKeys = make(map[ProviderID]string, len(h.ProviderKeys))
	for k, v := range h.ProviderKeys {
		c.ProviderKeys[k] = v
	}
	c.ReplicationStatus = make(map[ProviderID]ReplicationState, len(h.ReplicationStatus))
	for k, v := range h.ReplicationStatus {
		c.ReplicationStatus[k] = v
	}
	return &c
}

// SetProviderKey records the backend key assigned by a provider
func (h *Holon) SetProviderKey(id ProviderID, key string) {
	if h.ProviderKeys == nil {
		h.ProviderKeys = make(map[ProviderID]string)
	}
	h.ProviderKeys[id] = key
}

// StringField returns a field as a string, or "" if absent or not a string
func (h *Holon) StringField(name string) string {
	if h.Fields == nil {
		return ""
	}
	s, _ := h.Fields[name].(string)
	return s
}
