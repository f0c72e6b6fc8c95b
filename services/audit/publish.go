package audit

import (
	"context"

	"github.com/rs/zerolog"

	"bootvault/pkg/bus"
)

// Publisher is the subset of the event bus the audit log needs.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Publishing announces every appended record on the bus after it is stored. Bus failures are
// logged and never fail the append.
type Publishing struct {
	Log
	pub    Publisher
	logger zerolog.Logger
}

// NewPublishing decorates log. A nil pub returns log unchanged.
func NewPublishing(log Log, pub Publisher, logger zerolog.Logger) Log {
	if pub == nil {
		return log
	}
	return &Publishing{Log: log, pub: pub, logger: logger}
}

func (p *Publishing) Append(ctx context.Context, rec Record) error {
	rec.Timestamp = stamp(rec)
	if err := p.Log.Append(ctx, rec); err != nil {
		return err
	}
	if err := p.pub.Publish(ctx, bus.SubjectAttempts, rec); err != nil {
		p.logger.Warn().Err(err).Str("principal", rec.Principal).Msg("publish attempt event")
	}
	return nil
}
