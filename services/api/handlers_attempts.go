package api

import (
	"net/http"
	"strconv"
	"strings"

	"bootvault/pkg/errs"
	"bootvault/services/audit"
)

func (a *API) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	limit := audit.DefaultLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			a.respondErr(w, r, errs.Validationf("limit must be a positive integer"))
			return
		}
		limit = audit.ClampLimit(parsed)
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	records, err := a.store.Attempts.Recent(ctx, limit)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, attemptListResponse{Attempts: records})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.store.Ready != nil {
		ctx, cancel := withTimeout(r.Context())
		defer cancel()
		if err := a.store.Ready(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("readiness check failed")
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
