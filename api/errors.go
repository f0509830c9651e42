package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/mtlsvault/certs"
	"github.com/jmcleod/mtlsvault/pki"
	"github.com/jmcleod/mtlsvault/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// mapError translates service errors into HTTP responses. Messages of
// unexpected failures are logged, not returned.
func mapError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, certs.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, certs.ErrAlreadySetup):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, certs.ErrCAExpired):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrNotSetup):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrReferential),
		errors.Is(err, storage.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pki.ErrEmptyName),
		errors.Is(err, pki.ErrInvalidValidity),
		errors.Is(err, pki.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, validationMessage(err))
	case pki.IsCryptoError(err):
		logger.Error("certificate operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "certificate operation failed")
	default:
		logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// validationMessage strips the CryptoError operation prefix.
func validationMessage(err error) string {
	var ce *pki.CryptoError
	if errors.As(err, &ce) {
		return ce.Err.Error()
	}
	return err.Error()
}
