package boot

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"bootvault/pkg/render"
	"bootvault/services/audit"
	"bootvault/services/catalog"
)

// State of a resolution.
type State string

const (
	StateAwaitingCredentials State = "awaiting_credentials"
	StateAuthenticating      State = "authenticating"
	StateResolved            State = "resolved"
	StateRejected            State = "rejected"
)

// Rejection reasons recorded with failed attempts.
const (
	ReasonMissingCredentials = "missing_credentials"
	ReasonUnknownPrincipal   = "unknown_principal"
	ReasonBadSecret          = "bad_secret"
	ReasonNoProfile          = "no_profile"
	ReasonDanglingProfile    = "dangling_profile"
	ReasonInternalError      = "internal_error"
	ReasonRateLimited        = "rate_limited"
)

const defaultAppendTimeout = 2 * time.Second

// AccountDirectory looks up boot principals.
type AccountDirectory interface {
	FindAccount(ctx context.Context, principal string) (catalog.Account, bool, error)
}

// ProfileCatalog looks up boot profiles.
type ProfileCatalog interface {
	FindProfile(ctx context.Context, name string) (catalog.Profile, bool, error)
}

// Digester hashes plaintext secrets the same way account creation does.
type Digester interface {
	Digest(secret string) string
}

// Config holds the resolver settings.
type Config struct {
	Scripts render.Scripts
	// AppendTimeout bounds how long a resolution waits on the attempt log.
	AppendTimeout time.Duration
}

// Request carries what the firmware sent back from the entry script.
type Request struct {
	Principal        string
	Secret           string
	ClientIdentifier string
	RemoteAddr       string
	UserAgent        string
}

// Result is the script to return and how the resolution ended.
type Result struct {
	State  State
	Script string
	Reason string
}

// Resolver authenticates boot requests and picks the script to serve. It only reads accounts and
// profiles and writes exactly one attempt record per call.
type Resolver struct {
	cfg      Config
	accounts AccountDirectory
	profiles ProfileCatalog
	digester Digester
	attempts audit.Log
	metrics  *Metrics
	logger   zerolog.Logger
}

// NewResolver wires a Resolver. metrics may be nil.
func NewResolver(cfg Config, accounts AccountDirectory, profiles ProfileCatalog, digester Digester, attempts audit.Log, metrics *Metrics, logger zerolog.Logger) (*Resolver, error) {
	switch {
	case accounts == nil:
		return nil, errors.New("account directory is required")
	case profiles == nil:
		return nil, errors.New("profile catalog is required")
	case digester == nil:
		return nil, errors.New("secret digester is required")
	case attempts == nil:
		return nil, errors.New("attempt log is required")
	case cfg.Scripts.Entry == "" || cfg.Scripts.Reject == "":
		return nil, errors.New("entry and reject scripts are required")
	}
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = defaultAppendTimeout
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Resolver{
		cfg:      cfg,
		accounts: accounts,
		profiles: profiles,
		digester: digester,
		attempts: attempts,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// Entry returns the script that collects credentials from the firmware.
func (r *Resolver) Entry() Result {
	return Result{State: StateAwaitingCredentials, Script: r.cfg.Scripts.Entry}
}

// Resolve authenticates req and returns either the assigned profile body or the reject script.
// Every fault is treated as a rejection.
func (r *Resolver) Resolve(ctx context.Context, req Request) (res Result) {
	ctx, span := otel.Tracer("bootvault/boot").Start(ctx, "boot.resolve")
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Str("principal", req.Principal).Msg("boot resolution panicked")
			span.SetStatus(codes.Error, "panic")
			res = r.reject(ReasonInternalError)
		}
		span.SetAttributes(
			attribute.String("boot.outcome", string(res.State)),
			attribute.String("boot.reason", res.Reason),
		)
		r.metrics.resolutions.WithLabelValues(string(res.State), res.Reason).Inc()
		r.record(ctx, req, res)
	}()

	if req.Principal == "" || req.Secret == "" {
		return r.reject(ReasonMissingCredentials)
	}

	res, err := r.authenticate(ctx, req)
	if err != nil {
		r.logger.Error().Err(err).Str("principal", req.Principal).Msg("boot resolution failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "lookup failed")
		return r.reject(ReasonInternalError)
	}
	return res
}

// Reject answers req with the reject script without consulting accounts or profiles, recording
// a failure with reason. Used when a request is refused before resolution can run.
func (r *Resolver) Reject(ctx context.Context, req Request, reason string) Result {
	ctx, span := otel.Tracer("bootvault/boot").Start(ctx, "boot.reject")
	defer span.End()

	res := r.reject(reason)
	span.SetAttributes(
		attribute.String("boot.outcome", string(res.State)),
		attribute.String("boot.reason", res.Reason),
	)
	r.metrics.resolutions.WithLabelValues(string(res.State), res.Reason).Inc()
	r.record(ctx, req, res)
	return res
}

func (r *Resolver) authenticate(ctx context.Context, req Request) (Result, error) {
	account, ok, err := r.accounts.FindAccount(ctx, req.Principal)
	if err != nil {
		return Result{}, fmt.Errorf("find account: %w", err)
	}
	if !ok {
		return r.reject(ReasonUnknownPrincipal), nil
	}

	digest := r.digester.Digest(req.Secret)
	if subtle.ConstantTimeCompare([]byte(digest), []byte(account.SecretDigest)) != 1 {
		return r.reject(ReasonBadSecret), nil
	}

	if account.AssignedProfile == nil || *account.AssignedProfile == "" {
		return r.reject(ReasonNoProfile), nil
	}

	profile, ok, err := r.profiles.FindProfile(ctx, *account.AssignedProfile)
	if err != nil {
		return Result{}, fmt.Errorf("find profile: %w", err)
	}
	if !ok {
		return r.reject(ReasonDanglingProfile), nil
	}

	return Result{State: StateResolved, Script: profile.ScriptBody}, nil
}

func (r *Resolver) reject(reason string) Result {
	return Result{State: StateRejected, Script: r.cfg.Scripts.Reject, Reason: reason}
}

// record appends the attempt. The append survives client disconnects but is bounded so a slow
// log cannot hold the response; failures go to the operational log only.
func (r *Resolver) record(ctx context.Context, req Request, res Result) {
	outcome := audit.OutcomeFailure
	if res.State == StateResolved {
		outcome = audit.OutcomeSuccess
	}

	var client *string
	if req.ClientIdentifier != "" {
		client = &req.ClientIdentifier
	}

	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.AppendTimeout)
	defer cancel()

	err := r.attempts.Append(appendCtx, audit.Record{
		Principal:        req.Principal,
		ClientIdentifier: client,
		Outcome:          outcome,
		Reason:           res.Reason,
		RemoteAddr:       req.RemoteAddr,
		UserAgent:        req.UserAgent,
	})
	if err != nil {
		r.metrics.appendFailures.Inc()
		r.logger.Error().
			Err(err).
			Str("principal", req.Principal).
			Str("outcome", string(outcome)).
			Msg("record boot attempt")
	}
}
