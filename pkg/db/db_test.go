package db_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"bootvault/pkg/db"
	"bootvault/pkg/db/dbtest"
)

func TestMigrateIsRepeatable(t *testing.T) {
	orm := dbtest.NewSQLite(t)

	require.NoError(t, db.Migrate(context.Background(), orm))

	for _, table := range []string{"artifacts", "profiles", "accounts", "boot_attempts"} {
		assert.True(t, orm.Migrator().HasTable(table), "table %s should exist", table)
	}
	require.NoError(t, db.Ping(context.Background(), orm))
}

func TestOpenORMRejectsUnknownDriver(t *testing.T) {
	_, err := db.OpenORM(context.Background(), db.Config{Driver: "oracle", DSN: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestOpenORMRequiresDSN(t *testing.T) {
	_, err := db.OpenORM(context.Background(), db.Config{Driver: db.DriverSQLite})
	require.Error(t, err)
}

func TestOpenORMLogsThroughZerolog(t *testing.T) {
	type widget struct {
		ID int
	}

	tests := []struct {
		name       string
		logQueries bool
		query      func(orm *gorm.DB) error
		wantErr    error
		want       []string
		notWant    []string
	}{
		{
			name:    "missing row is quiet",
			query:   func(orm *gorm.DB) error { var w widget; return orm.Table("widgets").Take(&w).Error },
			wantErr: gorm.ErrRecordNotFound,
			notWant: []string{"record not found", "SELECT"},
		},
		{
			name:       "missing row traces query when enabled",
			logQueries: true,
			query:      func(orm *gorm.DB) error { var w widget; return orm.Table("widgets").Take(&w).Error },
			wantErr:    gorm.ErrRecordNotFound,
			want:       []string{`"component":"gorm"`, `"level":"info"`, "SELECT"},
			notWant:    []string{"record not found", `\u001b[`},
		},
		{
			name:    "failed query is logged",
			query:   func(orm *gorm.DB) error { var w widget; return orm.Table("gadgets").Take(&w).Error },
			want:    []string{`"component":"gorm"`, `"level":"warn"`, "no such table"},
			notWant: []string{`\u001b[`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log := zerolog.New(&buf)

			orm, err := db.OpenORM(context.Background(), db.Config{
				Driver:     db.DriverSQLite,
				DSN:        filepath.Join(t.TempDir(), "log.db"),
				LogQueries: tt.logQueries,
				Logger:     &log,
			})
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.CloseORM(orm) })

			require.NoError(t, orm.Exec("CREATE TABLE widgets (id INTEGER PRIMARY KEY)").Error)
			buf.Reset()

			err = tt.query(orm)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.Error(t, err)
			}

			out := buf.String()
			for _, s := range tt.want {
				assert.Contains(t, out, s)
			}
			for _, s := range tt.notWant {
				assert.NotContains(t, out, s)
			}
		})
	}
}
