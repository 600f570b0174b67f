package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/encodefleet/encodefleet/pkg/auth"
	"github.com/encodefleet/encodefleet/pkg/logging"
	"github.com/encodefleet/encodefleet/pkg/scheduler"
	"github.com/encodefleet/encodefleet/pkg/store"
)

// StatusFor maps an engine error to its HTTP status code
func StatusFor(err error) int {
	var ve *scheduler.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, scheduler.ErrInvalidLease), errors.Is(err, scheduler.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, store.ErrJobNotFound), errors.Is(err, store.ErrEncoderNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrJobTerminal), errors.Is(err, scheduler.ErrJobNotActive):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders err. Internal errors are logged and their text withheld.
func writeError(w http.ResponseWriter, logger *logging.Logger, err error) {
	status := StatusFor(err)
	body := ErrorResponse{Error: err.Error()}

	var ve *scheduler.ValidationError
	if errors.As(err, &ve) {
		body.Field = ve.Field
	}
	if status == http.StatusInternalServerError {
		logger.WithError(err).Error("Request failed")
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg})
}
