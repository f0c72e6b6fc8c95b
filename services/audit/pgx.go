package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"bootvault/pkg/db"
	"bootvault/pkg/errs"
)

const (
	insertAttemptSQL = `INSERT INTO boot_attempts (principal, client_identifier, success, details, created_at)
VALUES ($1, $2, $3, $4::jsonb, $5)`

	recentAttemptsSQL = `SELECT principal, client_identifier, success, details, created_at
FROM boot_attempts
ORDER BY created_at DESC, id DESC
LIMIT $1`
)

type attemptRow struct {
	Principal        string         `db:"principal"`
	ClientIdentifier *string        `db:"client_identifier"`
	Success          bool           `db:"success"`
	Details          map[string]any `db:"details"`
	CreatedAt        time.Time      `db:"created_at"`
}

func (r attemptRow) toAPI() Record {
	rec := Record{
		Principal:        r.Principal,
		ClientIdentifier: r.ClientIdentifier,
		Outcome:          outcomeOf(r.Success),
		Timestamp:        r.CreatedAt.UTC(),
	}
	fromDetails(&rec, r.Details)
	return rec
}

// PgxLog writes attempts straight through a pgx pool. It shares the boot_attempts table with
// GormLog and is used on Postgres deployments to keep the boot hot path off the ORM.
type PgxLog struct {
	pool *pgxpool.Pool
}

// NewPgxLog returns an attempt log over pool.
func NewPgxLog(pool *pgxpool.Pool) (*PgxLog, error) {
	if pool == nil {
		return nil, errors.New("pgx pool is required")
	}
	return &PgxLog{pool: pool}, nil
}

func (l *PgxLog) Append(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(details(rec))
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, l.pool, insertAttemptSQL,
		rec.Principal,
		rec.ClientIdentifier,
		rec.Outcome == OutcomeSuccess,
		string(payload),
		stamp(rec),
	)
	return errs.Storage("append attempt", err)
}

func (l *PgxLog) Recent(ctx context.Context, limit int) ([]Record, error) {
	var rows []attemptRow
	if err := db.Select(ctx, l.pool, &rows, recentAttemptsSQL, ClampLimit(limit)); err != nil {
		return nil, errs.Storage("list attempts", err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toAPI())
	}
	return out, nil
}
