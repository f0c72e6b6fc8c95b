package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.config.Registry, promhttp.HandlerOpts{}))

	// Firmware cannot present tokens; the boot and download routes stay open. Over the limit the
	// boot routes still answer with a script.
	r.Group(func(r chi.Router) {
		if a.config.BootRateLimit > 0 {
			r.Use(httprate.Limit(a.config.BootRateLimit, time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(a.handleBootLimited),
			))
		}
		r.Get("/boot/entry", a.handleBootEntry)
		r.Get("/menu.ipxe", a.handleBootEntry)
		r.Get("/boot/resolve", a.handleBootResolve)
	})
	r.Get("/artifacts/{storedName}", a.handleArtifactDownload)
	r.Head("/artifacts/{storedName}", a.handleArtifactDownload)

	r.Route("/v1", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: a.config.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
		r.Use(a.requireAdmin)
		r.Use(func(next http.Handler) http.Handler { return gzhttp.GzipHandler(next) })

		r.Get("/artifacts", a.handleListArtifacts)
		r.Post("/artifacts", a.handleUploadArtifact)
		r.Put("/artifacts/{displayName}", a.handlePutArtifact)
		r.Delete("/artifacts/{storedName}", a.handleDeleteArtifact)
		r.Get("/artifacts/{storedName}/presign", a.handlePresignArtifact)

		r.Get("/profiles", a.handleListProfiles)
		r.Get("/profiles/{name}", a.handleGetProfile)
		r.Put("/profiles/{name}", a.handleUpsertProfile)
		r.Delete("/profiles/{name}", a.handleDeleteProfile)

		r.Get("/accounts", a.handleListAccounts)
		r.Post("/accounts", a.handleCreateAccount)
		r.Get("/accounts/{principal}", a.handleGetAccount)
		r.Patch("/accounts/{principal}", a.handleUpdateAccount)
		r.Delete("/accounts/{principal}", a.handleDeleteAccount)

		r.Get("/attempts", a.handleListAttempts)
	})

	return r, nil
}

func (a *API) requireAdmin(next http.Handler) http.Handler {
	if a.config.AdminToken == "" {
		return next
	}
	want := []byte(a.config.AdminToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="bootvault"`)
			respondError(w, http.StatusUnauthorized, errors.New("valid bearer token required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
