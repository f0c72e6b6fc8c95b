package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// All returns the ordered Go migrations for the named gorm dialect ("postgres" or "sqlite").
func All(dialect string) []*goose.Migration {
	return []*goose.Migration{
		goose.NewGoMigration(1,
			&goose.GoFunc{RunTx: upInit(dialect)},
			&goose.GoFunc{RunTx: downInit(dialect)},
		),
	}
}

type Artifact struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	DisplayName string    `gorm:"type:text;not null"`
	StoredName  string    `gorm:"type:text;not null;uniqueIndex"`
	Digest      string    `gorm:"type:text;not null;index"`
	Size        int64     `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null;index"`
}

type Profile struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	Name       string    `gorm:"type:text;not null;uniqueIndex"`
	ScriptBody string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"not null"`
	ModifiedAt time.Time `gorm:"not null"`
}

type Account struct {
	ID              int64     `gorm:"primaryKey;autoIncrement"`
	Principal       string    `gorm:"type:text;not null;uniqueIndex"`
	SecretDigest    string    `gorm:"type:text;not null"`
	AssignedProfile *string   `gorm:"type:text"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

type BootAttempt struct {
	ID               int64             `gorm:"primaryKey;autoIncrement"`
	Principal        string            `gorm:"type:text;not null;index"`
	ClientIdentifier *string           `gorm:"type:text"`
	Success          bool              `gorm:"not null"`
	Details          datatypes.JSONMap
	CreatedAt        time.Time `gorm:"not null;index"`
}

func openTx(dialect string, tx *sql.Tx) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch dialect {
	case "postgres":
		dialector = postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true})
	case "sqlite":
		dialector = &sqlite.Dialector{Conn: tx}
	default:
		return nil, fmt.Errorf("unsupported migration dialect %q", dialect)
	}

	return gorm.Open(dialector, &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(dialect string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		gormDB, err := openTx(dialect, tx)
		if err != nil {
			return err
		}

		return gormDB.WithContext(ctx).AutoMigrate(
			&Artifact{},
			&Profile{},
			&Account{},
			&BootAttempt{},
		)
	}
}

func downInit(dialect string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		gormDB, err := openTx(dialect, tx)
		if err != nil {
			return err
		}

		return gormDB.WithContext(ctx).Migrator().DropTable(
			&BootAttempt{},
			&Account{},
			&Profile{},
			&Artifact{},
		)
	}
}
