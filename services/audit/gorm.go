package audit

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"bootvault/pkg/errs"
)

type attemptModel struct {
	ID               int64             `gorm:"primaryKey;autoIncrement"`
	Principal        string            `gorm:"type:text;not null;index"`
	ClientIdentifier *string           `gorm:"type:text"`
	Success          bool              `gorm:"not null"`
	Details          datatypes.JSONMap
	CreatedAt        time.Time `gorm:"not null;index"`
}

func (attemptModel) TableName() string { return "boot_attempts" }

func (m attemptModel) toAPI() Record {
	rec := Record{
		Principal:        m.Principal,
		ClientIdentifier: m.ClientIdentifier,
		Outcome:          outcomeOf(m.Success),
		Timestamp:        m.CreatedAt,
	}
	fromDetails(&rec, m.Details)
	return rec
}

// GormLog stores attempts in the boot_attempts table through gorm.
type GormLog struct {
	orm *gorm.DB
}

// NewGormLog returns an attempt log over orm.
func NewGormLog(orm *gorm.DB) *GormLog {
	return &GormLog{orm: orm}
}

func (l *GormLog) Append(ctx context.Context, rec Record) error {
	model := attemptModel{
		Principal:        rec.Principal,
		ClientIdentifier: rec.ClientIdentifier,
		Success:          rec.Outcome == OutcomeSuccess,
		Details:          datatypes.JSONMap(details(rec)),
		CreatedAt:        stamp(rec),
	}
	return errs.Storage("append attempt", l.orm.WithContext(ctx).Create(&model).Error)
}

func (l *GormLog) Recent(ctx context.Context, limit int) ([]Record, error) {
	var rows []attemptModel
	err := l.orm.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Limit(ClampLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, errs.Storage("list attempts", err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toAPI())
	}
	return out, nil
}
