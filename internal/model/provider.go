package model

import (
	"fmt"
	"strings"
)

// ProviderID is a stable tag naming a storage backend. Once published an ID
// is never reused for a different backend.
type ProviderID string

const (
	// ProviderMemory is the in-process provider
	ProviderMemory ProviderID = "memory"
	// ProviderSQLite is the embedded SQLite provider
	ProviderSQLite ProviderID = "sqlite"
	// ProviderPostgres is the PostgreSQL provider
	ProviderPostgres ProviderID = "postgres"
	// ProviderRedis is the Redis provider
	ProviderRedis ProviderID = "redis"
)

// KnownProviders lists the providers shipped with this module, in the order
// they are documented.
var KnownProviders = []ProviderID{
	ProviderMemory,
	ProviderSQLite,
	ProviderPostgres,
	ProviderRedis,
}

// String implements fmt.Stringer
func (p ProviderID) String() string {
	return string(p)
}

// ParseProviderID normalizes and validates a provider tag.
// Tags are lowercase, non-empty and limited to [a-z0-9_-].
func ParseProviderID(s string) (ProviderID, error) {
	id := strings.ToLower(strings.TrimSpace(s))
	if id == "" {
		return "", fmt.Errorf("provider id cannot be empty")
	}
	if len(id) > 64 {
		return "", fmt.Errorf("provider id %q exceeds 64 characters", id)
	}
	for _, c := range id {
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' || c == '-') {
			return "", fmt.Errorf("provider id %q contains invalid character %q", id, c)
		}
	}
	return ProviderID(id), nil
}

// IsKnownProvider reports whether id is one of the built-in providers
func IsKnownProvider(id ProviderID) bool {
	for _, known := range KnownProviders {
		if known == id {
			return true
		}
	}
	return false
}
