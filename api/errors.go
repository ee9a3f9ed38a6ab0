package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dwhitlock/remca/ca"
	"github.com/dwhitlock/remca/vault"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

// mapError translates package sentinels to HTTP status codes.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vault.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, vault.ErrConflict):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, ca.ErrPolicyViolation):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, vault.ErrInvalidName):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, vault.ErrCapacityExceeded):
		writeError(w, http.StatusRequestEntityTooLarge, err)
	case errors.Is(err, vault.ErrSigningFailure):
		writeError(w, http.StatusBadGateway, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
