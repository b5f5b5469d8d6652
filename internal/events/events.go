// Package events carries the observability feed: provider deactivations,
// replication failures, and failovers. Nothing in the data path depends on
// an event being delivered.
package events

import (
	"time"

	"github.com/devrev/hyperdrive/internal/model"
	"github.com/google/uuid"
)

// Type names an event kind
type Type string

const (
	ProviderDeactivated Type = "ProviderDeactivated"
	ProviderActivated   Type = "ProviderActivated"
	ReplicationFailed   Type = "ReplicationFailed"
	FailoverOccurred    Type = "FailoverOccurred"
)

// Event is a single entry in the feed. HolonID is uuid.Nil for
// provider-level events.
type Event struct {
	Type       Type             `json:"type"`
	ProviderID model.ProviderID `json:"provider_id"`
	HolonID    uuid.UUID        `json:"holon_id,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// NewProviderDeactivated builds a ProviderDeactivated event
func NewProviderDeactivated(id model.ProviderID, reason string, at time.Time) Event {
	return Event{Type: ProviderDeactivated, ProviderID: id, Reason: reason, Timestamp: at}
}

// NewProviderActivated builds a ProviderActivated event
func NewProviderActivated(id model.ProviderID, at time.Time) Event {
	return Event{Type: ProviderActivated, ProviderID: id, Timestamp: at}
}

// NewReplicationFailed builds a ReplicationFailed event
func NewReplicationFailed(id model.ProviderID, holonID uuid.UUID, reason string, at time.Time) Event {
	return Event{Type: ReplicationFailed, ProviderID: id, HolonID: holonID, Reason: reason, Timestamp: at}
}

// NewFailoverOccurred builds a FailoverOccurred event; id is the provider
// that finally served the call.
func NewFailoverOccurred(id model.ProviderID, holonID uuid.UUID, reason string, at time.Time) Event {
	return Event{Type: FailoverOccurred, ProviderID: id, HolonID: holonID, Reason: reason, Timestamp: at}
}

// Publisher is the producer side of the feed
type Publisher interface {
	Publish(e Event)
}

// Discard drops every event
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
