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

// Account is a boot principal. SecretDigest never leaves the process: it is excluded from JSON.
type Account struct {
	Principal       string    `json:"principal"`
	SecretDigest    string    `json:"-"`
	AssignedProfile *string   `json:"assigned_profile"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type accountModel struct {
	ID              int64     `gorm:"primaryKey;autoIncrement"`
	Principal       string    `gorm:"type:text;not null;uniqueIndex"`
	SecretDigest    string    `gorm:"type:text;not null"`
	AssignedProfile *string   `gorm:"type:text"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (accountModel) TableName() string { return "accounts" }

func (m accountModel) toAPI() Account {
	return Account{
		Principal:       m.Principal,
		SecretDigest:    m.SecretDigest,
		AssignedProfile: m.AssignedProfile,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

// NewAccount is the input to Accounts.Create.
type NewAccount struct {
	Principal       string
	Secret          string
	AssignedProfile string
}

// AccountUpdate changes an existing account. A nil Secret keeps the current digest; an empty
// AssignedProfile clears the assignment.
type AccountUpdate struct {
	Secret          *string
	AssignedProfile string
}

// Accounts is the gorm-backed account directory.
type Accounts struct {
	orm      *gorm.DB
	digester SecretDigester
}

// NewAccounts returns a directory over the accounts table. digester must be the one the boot
// resolver uses.
func NewAccounts(orm *gorm.DB, digester SecretDigester) *Accounts {
	return &Accounts{orm: orm, digester: digester}
}

// FindAccount returns the account for principal. ok is false when none exists.
func (a *Accounts) FindAccount(ctx context.Context, principal string) (Account, bool, error) {
	var m accountModel
	err := a.orm.WithContext(ctx).Where("principal = ?", principal).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, false, nil
	}
	if err != nil {
		return Account{}, false, errs.Storage("load account", err)
	}
	return m.toAPI(), true, nil
}

// Get is FindAccount with absence reported as errs.ErrNotFound.
func (a *Accounts) Get(ctx context.Context, principal string) (Account, error) {
	account, ok, err := a.FindAccount(ctx, principal)
	if err != nil {
		return Account{}, err
	}
	if !ok {
		return Account{}, errs.NotFoundf("account %q not found", principal)
	}
	return account, nil
}

// List returns every account, newest first.
func (a *Accounts) List(ctx context.Context) ([]Account, error) {
	var rows []accountModel
	err := a.orm.WithContext(ctx).Order("created_at DESC").Order("id DESC").Find(&rows).Error
	if err != nil {
		return nil, errs.Storage("list accounts", err)
	}
	out := make([]Account, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toAPI())
	}
	return out, nil
}

// Create adds an account. A taken principal is a conflict.
func (a *Accounts) Create(ctx context.Context, in NewAccount) (Account, error) {
	principal := strings.TrimSpace(in.Principal)
	if principal == "" {
		return Account{}, errs.Validationf("principal is required")
	}
	if in.Secret == "" {
		return Account{}, errs.Validationf("secret is required")
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	model := accountModel{
		Principal:       principal,
		SecretDigest:    a.digester.Digest(in.Secret),
		AssignedProfile: optional(in.AssignedProfile),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	res := a.orm.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "principal"}},
			DoNothing: true,
		}).
		Create(&model)
	if res.Error != nil {
		return Account{}, errs.Storage("create account", res.Error)
	}
	if res.RowsAffected == 0 {
		return Account{}, errs.Conflictf("account %q already exists", principal)
	}
	return model.toAPI(), nil
}

// Update rewrites the secret (when given) and the assigned profile of principal.
func (a *Accounts) Update(ctx context.Context, principal string, in AccountUpdate) (Account, error) {
	updates := map[string]any{
		"assigned_profile": optional(in.AssignedProfile),
		"updated_at":       time.Now().UTC().Truncate(time.Microsecond),
	}
	if in.Secret != nil {
		if *in.Secret == "" {
			return Account{}, errs.Validationf("secret must not be empty")
		}
		updates["secret_digest"] = a.digester.Digest(*in.Secret)
	}

	res := a.orm.WithContext(ctx).
		Model(&accountModel{}).
		Where("principal = ?", principal).
		Updates(updates)
	if res.Error != nil {
		return Account{}, errs.Storage("update account", res.Error)
	}
	if res.RowsAffected == 0 {
		return Account{}, errs.NotFoundf("account %q not found", principal)
	}
	return a.Get(ctx, principal)
}

// Delete removes principal; deleting an absent account succeeds.
func (a *Accounts) Delete(ctx context.Context, principal string) error {
	err := a.orm.WithContext(ctx).Where("principal = ?", principal).Delete(&accountModel{}).Error
	return errs.Storage("delete account", err)
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
