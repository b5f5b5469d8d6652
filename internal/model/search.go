package model

import (
	"fmt"

	"github.com/google/uuid"
)

// SearchCriteria is an exact-match filter over holons.
// Zero values mean "don't filter on this attribute".
type SearchCriteria struct {
	Type           HolonType         `json:"type,omitempty"`
	ParentID       uuid.UUID         `json:"parent_id,omitempty"`
	Fields         map[string]string `json:"fields,omitempty"`
	IncludeDeleted bool              `json:"include_deleted,omitempty"`
	Limit          int               `json:"limit,omitempty"`
}

// Matches reports whether h satisfies the criteria
func (c SearchCriteria) Matches(h *Holon) bool {
	if h == nil {
		return false
	}
	if h.IsDeleted && !c.IncludeDeleted {
		return false
	}
	if c.Type != "" && h.Type != c.Type {
		return false
	}
	if c.ParentID != uuid.Nil && h.ParentID != c.ParentID {
		return false
	}
	for name, want := range c.Fields {
		got, ok := h.Fields[name]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}
