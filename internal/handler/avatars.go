package handler

import (
	"net/http"

	"github.com/devrev/hyperdrive/internal/model"
)

// LoadAvatar handles GET /v1/avatars/{id}
func (h *Handlers) LoadAvatar(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	writeEnvelope(w, h.avatars.LoadAvatar(r.Context(), id))
}

// FindAvatar handles GET /v1/avatars?username= and GET /v1/avatars?email=
func (h *Handlers) FindAvatar(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case q.Get("username") != "":
		writeEnvelope(w, h.avatars.LoadAvatarByUsername(r.Context(), q.Get("username")))
	case q.Get("email") != "":
		writeEnvelope(w, h.avatars.LoadAvatarByEmail(r.Context(), q.Get("email")))
	default:
		writeInvalid(w, "query", "username or email is required")
	}
}

// SaveAvatar handles PUT /v1/avatars
func (h *Handlers) SaveAvatar(w http.ResponseWriter, r *http.Request) {
	var avatar model.Avatar
	if !decodeBody(w, r, &avatar) {
		return
	}
	writeEnvelope(w, h.avatars.SaveAvatar(r.Context(), &avatar))
}

// DeleteAvatar handles DELETE /v1/avatars/{id}?soft=
func (h *Handlers) DeleteAvatar(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	soft, ok := softFlag(w, r)
	if !ok {
		return
	}
	writeEnvelope(w, h.avatars.DeleteAvatar(r.Context(), id, soft))
}
