package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/cryptosim/sim-engine/internal/errs"
)

const maxBodyBytes = 1 << 20

// respond writes a success envelope. body fields are merged next to status.
func respond(w http.ResponseWriter, status int, body map[string]any) {
	if body == nil {
		body = make(map[string]any, 1)
	}
	body["status"] = "success"
	writeJSON(w, status, body)
}

// writeError maps err to its HTTP status and writes an error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errs.CodeOf(err)
	status := statusFor(err)

	message := "internal error"
	var e *errs.Error
	if errors.As(err, &e) {
		message = e.Message
		if e.Err != nil && errs.KindOf(code) != errs.KindSystemic {
			message += ": " + e.Err.Error()
		}
	}

	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Str("code", string(code)).Msg("request failed")
	}
	writeJSON(w, status, map[string]any{
		"status":  "error",
		"code":    code,
		"message": message,
	})
}

// statusFor translates an error code into an HTTP status.
func statusFor(err error) int {
	switch errs.KindOf(errs.CodeOf(err)) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindBusiness:
		return http.StatusConflict
	case errs.KindDependency:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case errs.KindAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into v. Malformed bodies are InvalidIntent.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errs.New(errs.InvalidIntent, "request body is required")
		}
		return errs.Wrap(errs.InvalidIntent, err, "invalid request body")
	}
	return nil
}
