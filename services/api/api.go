package api

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"bootvault/services/artifacts"
	"bootvault/services/audit"
	"bootvault/services/boot"
	"bootvault/services/catalog"
)

const (
	defaultPresignTTL    = 15 * time.Minute
	defaultBootRateLimit = 60
)

// Config controls runtime behaviour for the API handlers.
type Config struct {
	// AdminToken, when set, is required as a bearer token on every /v1 route.
	AdminToken     string
	AllowedOrigins []string
	// BootRateLimit is the number of boot requests allowed per client IP per minute. Negative
	// disables the limiter.
	BootRateLimit int
	PresignTTL    time.Duration
	// Registry receives the HTTP metrics and backs /metrics. A nil registry gets a private one.
	Registry *prometheus.Registry
}

// Publisher is the subset of the event bus used for artifact events.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Store holds external dependencies required by the API layer.
type Store struct {
	Artifacts *artifacts.Store
	Profiles  *catalog.Profiles
	Accounts  *catalog.Accounts
	Attempts  audit.Log
	Resolver  *boot.Resolver
	// Bus is optional.
	Bus Publisher
	// Ready reports whether backing services are reachable. Optional.
	Ready func(ctx context.Context) error
}

// API wires dependencies and configuration for HTTP handlers.
type API struct {
	store   *Store
	config  Config
	logger  zerolog.Logger
	metrics *metrics
}

// New initialises the API layer with sane defaults applied to the provided configuration.
func New(store *Store, cfg Config, logger zerolog.Logger) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	switch {
	case store.Artifacts == nil:
		return nil, errors.New("artifact store is required")
	case store.Profiles == nil:
		return nil, errors.New("profile catalog is required")
	case store.Accounts == nil:
		return nil, errors.New("account directory is required")
	case store.Attempts == nil:
		return nil, errors.New("attempt log is required")
	case store.Resolver == nil:
		return nil, errors.New("boot resolver is required")
	}

	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = defaultPresignTTL
	}
	if cfg.BootRateLimit == 0 {
		cfg.BootRateLimit = defaultBootRateLimit
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}

	return &API{
		store:   store,
		config:  cfg,
		logger:  logger,
		metrics: newMetrics(cfg.Registry),
	}, nil
}

type metrics struct {
	uploads       prometheus.Counter
	uploadedBytes prometheus.Counter
	deletes       prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		uploads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bootvault",
			Subsystem: "artifacts",
			Name:      "uploads_total",
			Help:      "Artifact uploads accepted.",
		}),
		uploadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bootvault",
			Subsystem: "artifacts",
			Name:      "uploaded_bytes_total",
			Help:      "Bytes accepted by artifact uploads.",
		}),
		deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bootvault",
			Subsystem: "artifacts",
			Name:      "deletes_total",
			Help:      "Artifact deletions.",
		}),
	}
	reg.MustRegister(m.uploads, m.uploadedBytes, m.deletes)
	return m
}
