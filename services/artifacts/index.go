package artifacts

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bootvault/pkg/errs"
)

type artifactModel struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	DisplayName string    `gorm:"type:text;not null"`
	StoredName  string    `gorm:"type:text;not null;uniqueIndex"`
	Digest      string    `gorm:"type:text;not null;index"`
	Size        int64     `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null;index"`
}

func (artifactModel) TableName() string { return "artifacts" }

func (m artifactModel) toAPI() Artifact {
	return Artifact{
		DisplayName: m.DisplayName,
		StoredName:  m.StoredName,
		Digest:      m.Digest,
		Size:        m.Size,
		CreatedAt:   m.CreatedAt,
	}
}

// index is the metadata half of the store. Every method runs as one statement so it holds a
// pooled connection only for that statement.
type index struct {
	orm *gorm.DB
}

// insert records m unless a row with the same stored name exists. created reports whether this
// call inserted the row.
func (i index) insert(ctx context.Context, m *artifactModel) (created bool, err error) {
	res := i.orm.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "stored_name"}},
			DoNothing: true,
		}).
		Create(m)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (i index) find(ctx context.Context, storedName string) (artifactModel, error) {
	var m artifactModel
	err := i.orm.WithContext(ctx).Where("stored_name = ?", storedName).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return artifactModel{}, errs.NotFoundf("artifact %q not found", storedName)
	}
	return m, err
}

func (i index) list(ctx context.Context) ([]artifactModel, error) {
	var rows []artifactModel
	err := i.orm.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Find(&rows).Error
	return rows, err
}

// remove deletes the row for storedName. Absence is not an error.
func (i index) remove(ctx context.Context, storedName string) error {
	return i.orm.WithContext(ctx).
		Where("stored_name = ?", storedName).
		Delete(&artifactModel{}).Error
}
