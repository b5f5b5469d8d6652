// Package handler provides the HTTP CRUD and admin façade over the holon
// and avatar managers. Every response body is a result envelope.
package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/devrev/hyperdrive/internal/model"
	"github.com/devrev/hyperdrive/internal/provider"
	"github.com/devrev/hyperdrive/internal/registry"
	"github.com/devrev/hyperdrive/internal/service"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Admin is the registry surface exposed to operators
type Admin interface {
	List() []registry.Status
	FailoverPlan(exclude ...model.ProviderID) []provider.StorageCapability
	Activate(ctx context.Context, id model.ProviderID) error
	Deactivate(id model.ProviderID, reason string) bool
	SetPrimary(id model.ProviderID) error
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	holons  *service.HolonManager
	avatars *service.AvatarManager
	admin   Admin
	logger  *zap.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	holons *service.HolonManager,
	avatars *service.AvatarManager,
	admin Admin,
	logger *zap.Logger,
) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		holons:  holons,
		avatars: avatars,
		admin:   admin,
		logger:  logger,
	}
}

// LoadHolon handles GET /v1/holons/{id}?version=
func (h *Handlers) LoadHolon(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeInvalid(w, "version", "must be an integer")
			return
		}
		version = n
	}
	writeEnvelope(w, h.holons.LoadHolon(r.Context(), id, version))
}

// SaveHolon handles PUT /v1/holons
func (h *Handlers) SaveHolon(w http.ResponseWriter, r *http.Request) {
	var holon model.Holon
	if !decodeBody(w, r, &holon) {
		return
	}
	writeEnvelope(w, h.holons.SaveHolon(r.Context(), &holon))
}

// DeleteHolon handles DELETE /v1/holons/{id}?soft=
func (h *Handlers) DeleteHolon(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	soft, ok := softFlag(w, r)
	if !ok {
		return
	}
	writeEnvelope(w, h.holons.DeleteHolon(r.Context(), id, soft))
}

// SearchHolons handles POST /v1/holons/search
func (h *Handlers) SearchHolons(w http.ResponseWriter, r *http.Request) {
	var criteria model.SearchCriteria
	if !decodeBody(w, r, &criteria) {
		return
	}
	writeEnvelope(w, h.holons.Search(r.Context(), criteria))
}

// SearchAllHolons handles POST /v1/holons/search/all
func (h *Handlers) SearchAllHolons(w http.ResponseWriter, r *http.Request) {
	var criteria model.SearchCriteria
	if !decodeBody(w, r, &criteria) {
		return
	}
	writeEnvelope(w, h.holons.SearchAll(r.Context(), criteria))
}

// ReplicationStatus handles GET /v1/holons/{id}/replication
func (h *Handlers) ReplicationStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	writeEnvelope(w, h.holons.ReplicationStatus(id))
}

// CopyHolon handles POST /v1/holons/{id}/copy?from=&to=
func (h *Handlers) CopyHolon(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	from, err := model.ParseProviderID(r.URL.Query().Get("from"))
	if err != nil {
		writeInvalid(w, "from", err.Error())
		return
	}
	to, err := model.ParseProviderID(r.URL.Query().Get("to"))
	if err != nil {
		writeInvalid(w, "to", err.Error())
		return
	}
	writeEnvelope(w, h.holons.CopyHolon(r.Context(), id, from, to))
}

func softFlag(w http.ResponseWriter, r *http.Request) (bool, bool) {
	s := r.URL.Query().Get("soft")
	if s == "" {
		return true, true
	}
	soft, err := strconv.ParseBool(s)
	if err != nil {
		writeInvalid(w, "soft", "must be a boolean")
		return false, false
	}
	return soft, true
}

func providerID(w http.ResponseWriter, r *http.Request) (model.ProviderID, bool) {
	id, err := model.ParseProviderID(mux.Vars(r)["id"])
	if err != nil {
		writeInvalid(w, "provider_id", err.Error())
		return "", false
	}
	return id, true
}
