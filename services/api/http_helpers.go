package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"bootvault/pkg/errs"
)

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errs.Validationf("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return errs.Validationf("decode request: %v", err)
	}
	return nil
}

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
	respondJSON(w, status, errorResponse{Error: err.Error()})
}

// respondErr maps a domain error to its status. Storage faults are logged and reported without
// their cause.
func (a *API) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.Status(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		respondError(w, status, errors.New(http.StatusText(status)))
		return
	}
	respondError(w, status, err)
}

func respondText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}
