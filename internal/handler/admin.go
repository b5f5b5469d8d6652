package handler

import (
	"net/http"

	"github.com/devrev/hyperdrive/internal/middleware"
	"github.com/devrev/hyperdrive/internal/model"
	"github.com/devrev/hyperdrive/internal/registry"
	"github.com/devrev/hyperdrive/internal/result"
	"go.uber.org/zap"
)

// ListProviders handles GET /v1/admin/providers
func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, result.Success(h.admin.List(), ""))
}

// FailoverPlan handles GET /v1/admin/plan
func (h *Handlers) FailoverPlan(w http.ResponseWriter, r *http.Request) {
	plan := registry.IDs(h.admin.FailoverPlan())
	if plan == nil {
		plan = []model.ProviderID{}
	}
	writeEnvelope(w, result.Success(plan, ""))
}

// ActivateProvider handles POST /v1/admin/providers/{id}/activate
func (h *Handlers) ActivateProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := providerID(w, r)
	if !ok {
		return
	}
	if err := h.admin.Activate(r.Context(), id); err != nil {
		writeEnvelope(w, result.Failure[bool](err.Error(), err))
		return
	}
	h.logger.Info("Provider activated by operator",
		zap.String("provider_id", id.String()),
		zap.String("request_id", middleware.RequestIDFrom(r.Context())))
	writeEnvelope(w, result.Success(true, id))
}

// DeactivateProvider handles POST /v1/admin/providers/{id}/deactivate?reason=
// The value reports whether the provider was active before the call.
func (h *Handlers) DeactivateProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := providerID(w, r)
	if !ok {
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "deactivated by operator"
	}

	changed := h.admin.Deactivate(id, reason)
	res := result.Success(changed, id)
	if !changed {
		res.AddInnerMessage("provider %s was not active", id)
	}
	h.logger.Info("Provider deactivation requested",
		zap.String("provider_id", id.String()),
		zap.Bool("changed", changed),
		zap.String("reason", reason))
	writeEnvelope(w, res)
}

// SetPrimary handles PUT /v1/admin/primary/{id}
func (h *Handlers) SetPrimary(w http.ResponseWriter, r *http.Request) {
	id, ok := providerID(w, r)
	if !ok {
		return
	}
	if err := h.admin.SetPrimary(id); err != nil {
		writeEnvelope(w, result.Failure[bool](err.Error(), err))
		return
	}
	writeEnvelope(w, result.Success(true, id))
}
