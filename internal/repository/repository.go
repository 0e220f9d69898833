package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/XSAM/otelsql"
	"github.com/fjod/go_cart/storefront/internal/logger"
	"github.com/fjod/go_cart/storefront/internal/store"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

const maxTxAttempts = 3

type Credentials struct {
	Dialect Dialect

	// postgres
	Host     string
	Port     int
	User     string
	Password string
	DBName   string

	// sqlite file path
	Path string

	// MigrationsDirPath holds one sub-directory per dialect
	MigrationsDirPath string
	MaxOpenConns      int
	MaxIdleConns      int
}

func (c *Credentials) dsn() string {
	if c.Dialect == DialectSQLite {
		return "file:" + c.Path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.DBName)
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository is the SQL implementation of store.Store. A Repository handed to a
// TxFunc is bound to the open transaction.
type Repository struct {
	db      *sql.DB
	q       querier
	dialect Dialect
	inTx    bool
}

var _ store.Store = (*Repository)(nil)

func NewRepository(cred *Credentials) (*Repository, error) {
	dialect := cred.Dialect
	if dialect == "" {
		dialect = DialectPostgres
	}
	cred.Dialect = dialect

	driverName, system := "postgres", "postgresql"
	if dialect == DialectSQLite {
		driverName, system = "sqlite", "sqlite"
	}

	db, err := otelsql.Open(driverName, cred.dsn(),
		otelsql.WithAttributes(
			attribute.String("db.system", system),
			attribute.String("db.name", cred.DBName),
		),
		otelsql.WithSpanOptions(otelsql.SpanOptions{
			DisableQuery: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if e2 := db.Ping(); e2 != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", e2)
	}

	if dialect == DialectSQLite {
		// one writer at a time; a transaction owns the only connection
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(orDefault(cred.MaxOpenConns, 100))
		db.SetMaxIdleConns(orDefault(cred.MaxIdleConns, 10))
	}

	log.Info().Str("component", "NewRepository").Str("dialect", string(dialect)).Msg("connected to database")
	return &Repository{db: db, q: db, dialect: dialect}, nil
}

func (r *Repository) RunMigrations(cred *Credentials) error {
	var (
		driver database.Driver
		err    error
	)
	switch r.dialect {
	case DialectSQLite:
		driver, err = migratesqlite.WithInstance(r.db, &migratesqlite.Config{})
	default:
		driver, err = postgres.WithInstance(r.db, &postgres.Config{
			MigrationsTable: "storefront_schema_migrations",
		})
	}
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", filepath.Join(cred.MigrationsDirPath, string(r.dialect))),
		string(r.dialect),
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if e2 := m.Up(); e2 != nil && !errors.Is(e2, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", e2)
	}

	return nil
}

// WithinTx runs fn in a database transaction. Serialization failures and deadlocks
// reported by postgres restart fn from scratch.
func (r *Repository) WithinTx(ctx context.Context, fn store.TxFunc) error {
	if r.inTx {
		return fn(ctx, r)
	}

	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = r.runTx(ctx, fn)
		if err == nil || !isRetryable(err) || ctx.Err() != nil {
			return err
		}
		logger.Ctx(ctx).Warn().Err(err).Int("attempt", attempt).Msg("retrying transaction")
	}
	return err
}

func (r *Repository) runTx(ctx context.Context, fn store.TxFunc) (err error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if err != nil {
			tx.Rollback()
		} else if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("commit tx: %w", cerr)
		}
	}()

	txRepo := &Repository{db: r.db, q: tx, dialect: r.dialect, inTx: true}
	err = fn(ctx, txRepo)
	return err
}

func (r *Repository) Close() error {
	if r.inTx {
		return nil
	}
	return r.db.Close()
}

var placeholder = regexp.MustCompile(`\$(\d+)`)

// rebind rewrites postgres placeholders into sqlite's numbered form
func (r *Repository) rebind(query string) string {
	if r.dialect != DialectSQLite {
		return query
	}
	return placeholder.ReplaceAllString(query, "?$1")
}

func (r *Repository) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.q.ExecContext(ctx, r.rebind(query), args...)
}

func (r *Repository) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.q.QueryContext(ctx, r.rebind(query), args...)
}

func (r *Repository) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return r.q.QueryRowContext(ctx, r.rebind(query), args...)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func isRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
