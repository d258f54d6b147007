// Package handler provides the HTTP handlers of the development relay.
package handler

import (
	"encoding/json"
	"io"
	"net/http"

	kerrors "fleetsync/pkg/errors"
	"fleetsync/pkg/logger"
)

const maxBodyBytes = 1 << 20

func respondJSON(w http.ResponseWriter, log logger.Logger, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error("json encode failed", map[string]interface{}{"error": err.Error()})
	}
}

func respondError(w http.ResponseWriter, log logger.Logger, status int, message string) {
	respondJSON(w, log, status, map[string]string{"error": message})
}

func respondValidationErrors(w http.ResponseWriter, log logger.Logger, errs map[string]string) {
	respondJSON(w, log, http.StatusBadRequest, map[string]interface{}{
		"error":             "Validation failed",
		"validation_errors": errs,
	})
}

// decodeBody reads a JSON body into dst. It writes the error response itself
// and reports whether decoding succeeded.
func decodeBody(w http.ResponseWriter, r *http.Request, log logger.Logger, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			respondError(w, log, http.StatusBadRequest, "Request body is required")
			return false
		}
		respondError(w, log, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// respondServiceError maps service errors onto HTTP statuses.
func respondServiceError(w http.ResponseWriter, log logger.Logger, err error, action string) {
	switch {
	case kerrors.Is(err, kerrors.ErrDeviceNotFound):
		respondError(w, log, http.StatusNotFound, "Device not found")
	case kerrors.Is(err, kerrors.ErrNoPosition):
		respondError(w, log, http.StatusNotFound, "No known position")
	case kerrors.Is(err, kerrors.ErrUnauthorized):
		respondError(w, log, http.StatusUnauthorized, "Invalid activation token")
	case kerrors.Is(err, kerrors.ErrActivationExpired):
		respondError(w, log, http.StatusGone, "Activation token expired")
	case kerrors.Is(err, kerrors.ErrInvalidTransition), kerrors.Is(err, kerrors.ErrDeviceSlotTaken):
		respondError(w, log, http.StatusConflict, err.Error())
	case kerrors.Is(err, kerrors.ErrInvalidPosition), kerrors.Is(err, kerrors.ErrInvalidDevice):
		respondError(w, log, http.StatusBadRequest, err.Error())
	default:
		log.Error(action+" failed", map[string]interface{}{"error": err.Error()})
		respondError(w, log, http.StatusInternalServerError, action+" failed")
	}
}
