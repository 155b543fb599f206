// Package api exposes the HTTP surface: identity roster, vault operations,
// unlock grants, share links, chunked uploads and the admin surface.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"stash/internal/errs"
)

// errorEnvelope is the uniform error body.
type errorEnvelope struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errs.IsConflict(err):
		return http.StatusConflict, "conflict"
	case errs.IsUnauthorized(err):
		return http.StatusUnauthorized, "unauthorized"
	case errs.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errs.IsExpired(err):
		return http.StatusGone, "expired"
	case errs.IsInvalidRequest(err):
		return http.StatusBadRequest, "invalid_request"
	case errs.IsResourceExceeded(err):
		return http.StatusRequestEntityTooLarge, "resource_exceeded"
	case errs.IsRateLimited(err):
		return http.StatusTooManyRequests, "rate_limited"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as the error envelope. Internal errors are logged
// with the operation detail but answered with a generic message so internals
// never leak to clients.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	status, kind := statusFor(err)

	msg := "internal error"
	if status != http.StatusInternalServerError {
		var oe errs.OpError
		if errors.As(err, &oe) {
			msg = oe.Msg
		} else {
			msg = kind
		}
	} else if log != nil {
		log.Error("http.internal", "err", err)
	}

	writeJSON(w, status, errorEnvelope{Kind: kind, Message: msg})
}

// decodeJSON decodes a request body into v, refusing unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.New("api.decode", errs.ErrInvalidRequest, "malformed request body")
	}
	return nil
}
