package ota

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"espota/services/firmware"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondText writes the plain-text bodies devices and scripts expect.
func respondText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if status == http.StatusNotModified || body == "" {
		return
	}
	_, _ = w.Write([]byte(body))
}

func respondStatus(w http.ResponseWriter, status int) {
	respondText(w, status, http.StatusText(status)+"\n")
}

// statusFor maps firmware errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, firmware.ErrValidation), errors.Is(err, firmware.ErrAlreadyExists):
		return http.StatusBadRequest
	case errors.Is(err, firmware.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, firmware.ErrMissingHeaders), errors.Is(err, firmware.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, firmware.ErrAmbiguous):
		return http.StatusConflict
	case errors.Is(err, firmware.ErrCorruption):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// wildcardParam returns the unescaped remainder of a "/*" route.
func wildcardParam(r *http.Request) string {
	raw := chi.URLParam(r, "*")
	if unescaped, err := url.PathUnescape(raw); err == nil {
		return unescaped
	}
	return raw
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}
