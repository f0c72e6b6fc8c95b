package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"gorm.io/gorm"

	"bootvault/pkg/db"
)

// NewSQLite opens a migrated SQLite database under t.TempDir and closes it when the test ends.
func NewSQLite(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "bootvault.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	orm, err := db.OpenORM(context.Background(), db.Config{
		Driver:       db.DriverSQLite,
		DSN:          dsn,
		MaxOpenConns: 1,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = db.CloseORM(orm)
	})

	if err := db.Migrate(context.Background(), orm); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return orm
}
