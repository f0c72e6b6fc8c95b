package catalog

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bootvault/pkg/errs"
)

// Profile is a named boot script.
type Profile struct {
	Name       string    `json:"name"`
	ScriptBody string    `json:"script_body"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

type profileModel struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	Name       string    `gorm:"type:text;not null;uniqueIndex"`
	ScriptBody string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"not null"`
	ModifiedAt time.Time `gorm:"not null"`
}

func (profileModel) TableName() string { return "profiles" }

func (m profileModel) toAPI() Profile {
	return Profile{
		Name:       m.Name,
		ScriptBody: m.ScriptBody,
		CreatedAt:  m.CreatedAt,
		ModifiedAt: m.ModifiedAt,
	}
}

// Profiles is the gorm-backed profile catalog.
type Profiles struct {
	orm *gorm.DB
}

// NewProfiles returns a catalog over the profiles table.
func NewProfiles(orm *gorm.DB) *Profiles {
	return &Profiles{orm: orm}
}

// FindProfile returns the profile called name. ok is false when none exists.
func (p *Profiles) FindProfile(ctx context.Context, name string) (Profile, bool, error) {
	var m profileModel
	err := p.orm.WithContext(ctx).Where("name = ?", name).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, errs.Storage("load profile", err)
	}
	return m.toAPI(), true, nil
}

// Get is FindProfile with absence reported as errs.ErrNotFound.
func (p *Profiles) Get(ctx context.Context, name string) (Profile, error) {
	profile, ok, err := p.FindProfile(ctx, name)
	if err != nil {
		return Profile{}, err
	}
	if !ok {
		return Profile{}, errs.NotFoundf("profile %q not found", name)
	}
	return profile, nil
}

// List returns every profile ordered by name.
func (p *Profiles) List(ctx context.Context) ([]Profile, error) {
	var rows []profileModel
	if err := p.orm.WithContext(ctx).Order("name ASC").Find(&rows).Error; err != nil {
		return nil, errs.Storage("list profiles", err)
	}
	out := make([]Profile, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toAPI())
	}
	return out, nil
}

// Upsert stores body under name. An existing profile keeps its created_at and gets a new
// modified_at; a new one starts with both equal.
func (p *Profiles) Upsert(ctx context.Context, name, body string) (Profile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Profile{}, errs.Validationf("profile name is required")
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	model := profileModel{
		Name:       name,
		ScriptBody: body,
		CreatedAt:  now,
		ModifiedAt: now,
	}

	err := p.orm.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"script_body", "modified_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return Profile{}, errs.Storage("upsert profile", err)
	}

	return p.Get(ctx, name)
}

// Delete removes the profile called name; deleting an absent profile succeeds. Accounts still
// pointing at it resolve to no profile.
func (p *Profiles) Delete(ctx context.Context, name string) error {
	err := p.orm.WithContext(ctx).Where("name = ?", name).Delete(&profileModel{}).Error
	return errs.Storage("delete profile", err)
}
