package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	hderrors "github.com/devrev/hyperdrive/internal/errors"
	"github.com/devrev/hyperdrive/internal/middleware"
	"github.com/devrev/hyperdrive/internal/result"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// statusFor maps an envelope to its HTTP status. A failover that ran out of
// providers because the holon does not exist is a 404, not a 503.
func statusFor[T any](res *result.Envelope[T]) int {
	if !res.IsError {
		return http.StatusOK
	}
	switch {
	case errors.Is(res.Exception, hderrors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(res.Exception, hderrors.ErrNotFound):
		return http.StatusNotFound
	default:
		return hderrors.HTTPStatus(hderrors.GetCode(res.Exception))
	}
}

func writeEnvelope[T any](w http.ResponseWriter, res *result.Envelope[T]) {
	if res.ProviderUsed != "" {
		w.Header().Set(middleware.ProviderUsedHeader, res.ProviderUsed.String())
	}
	writeJSON(w, statusFor(res), res)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeInvalid(w http.ResponseWriter, field, reason string) {
	err := hderrors.Validation(field, reason)
	writeEnvelope(w, result.Failure[any](err.Error(), err))
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeInvalid(w, "id", "must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeInvalid(w, "body", err.Error())
		return false
	}
	return true
}
