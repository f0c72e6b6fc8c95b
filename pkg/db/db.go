package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"bootvault/pkg/db/migrations"
)

const (
	// DefaultTimeout is used when executing queries to avoid leaking resources on hung calls.
	DefaultTimeout = 5 * time.Second

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	slowQueryThreshold = 200 * time.Millisecond
)

// Config selects the SQL backend and sizes its connection pool.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogQueries      bool
	// Logger receives gorm warnings, errors and (with LogQueries) traces. Nil discards them.
	Logger *zerolog.Logger
}

// OpenORM opens a pooled gorm session for the configured driver. Every repository call checks a
// connection out of this pool for the duration of one operation.
func OpenORM(ctx context.Context, cfg Config) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database dsn is required")
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverPostgres, "":
		dialector = postgres.New(postgres.Config{DSN: cfg.DSN, PreferSimpleProtocol: true})
	case DriverSQLite:
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	orm, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 newGormLogger(cfg),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := orm.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return orm, nil
}

// gormWriter routes gorm's log lines into zerolog.
type gormWriter struct {
	log   zerolog.Logger
	level zerolog.Level
}

func (w gormWriter) Printf(format string, args ...any) {
	msg := strings.ReplaceAll(strings.TrimSpace(fmt.Sprintf(format, args...)), "\n", " ")
	w.log.WithLevel(w.level).Str("component", "gorm").Msg(msg)
}

func newGormLogger(cfg Config) logger.Interface {
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	level, zlevel := logger.Warn, zerolog.WarnLevel
	if cfg.LogQueries {
		level, zlevel = logger.Info, zerolog.InfoLevel
	}

	return logger.New(gormWriter{log: log, level: zlevel}, logger.Config{
		SlowThreshold:             slowQueryThreshold,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// CloseORM releases the underlying sql.DB resources for the provided gorm handle.
func CloseORM(orm *gorm.DB) error {
	if orm == nil {
		return nil
	}
	sqlDB, err := orm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate applies the schema migrations against the database behind orm.
func Migrate(ctx context.Context, orm *gorm.DB) error {
	if orm == nil {
		return errors.New("nil orm provided")
	}

	sqlDB, err := orm.DB()
	if err != nil {
		return err
	}

	dialect := orm.Dialector.Name()
	var gooseDialect goose.Dialect
	switch dialect {
	case DriverPostgres:
		gooseDialect = goose.DialectPostgres
	case DriverSQLite:
		gooseDialect = goose.DialectSQLite3
	default:
		return fmt.Errorf("no migration dialect for %q", dialect)
	}

	provider, err := goose.NewProvider(gooseDialect, sqlDB, nil,
		goose.WithDisableGlobalRegistry(true),
		goose.WithGoMigrations(migrations.All(dialect)...),
	)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	_, err = provider.Up(ctx)
	return err
}

// Open creates a new pgx connection pool using the provided DSN.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	// Prefer simple protocol for compatibility with poolers in front of postgres.
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// Exec executes a statement with the default timeout applied.
func Exec(ctx context.Context, pool *pgxpool.Pool, query string, args ...any) (pgconn.CommandTag, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	return pool.Exec(ctx, query, args...)
}

// Select retrieves multiple rows into dest with the default timeout applied.
func Select(ctx context.Context, pool *pgxpool.Pool, dest any, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	return pgxscan.Select(ctx, pool, dest, query, args...)
}

// Ping ensures the database behind orm is reachable with the default timeout.
func Ping(ctx context.Context, orm *gorm.DB) error {
	sqlDB, err := orm.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	return sqlDB.PingContext(ctx)
}
