package audit

import (
	"context"
	"time"
)

// Outcome of a boot resolution attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Recent limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Record is one boot resolution attempt. Records are only ever appended.
type Record struct {
	Principal        string    `json:"principal"`
	ClientIdentifier *string   `json:"client_identifier"`
	Outcome          Outcome   `json:"outcome"`
	Reason           string    `json:"reason,omitempty"`
	RemoteAddr       string    `json:"remote_addr,omitempty"`
	UserAgent        string    `json:"user_agent,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Log is the append-only attempt log.
type Log interface {
	Append(ctx context.Context, rec Record) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
}

// ClampLimit maps a requested limit onto [1, MaxLimit], with DefaultLimit for non-positive input.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

func details(rec Record) map[string]any {
	out := map[string]any{}
	if rec.Reason != "" {
		out["reason"] = rec.Reason
	}
	if rec.RemoteAddr != "" {
		out["remote_addr"] = rec.RemoteAddr
	}
	if rec.UserAgent != "" {
		out["user_agent"] = rec.UserAgent
	}
	return out
}

func fromDetails(rec *Record, src map[string]any) {
	str := func(key string) string {
		v, _ := src[key].(string)
		return v
	}
	rec.Reason = str("reason")
	rec.RemoteAddr = str("remote_addr")
	rec.UserAgent = str("user_agent")
}

func outcomeOf(success bool) Outcome {
	if success {
		return OutcomeSuccess
	}
	return OutcomeFailure
}

func stamp(rec Record) time.Time {
	if rec.Timestamp.IsZero() {
		return time.Now().UTC().Truncate(time.Microsecond)
	}
	return rec.Timestamp.UTC()
}
