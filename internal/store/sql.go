package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailsync/internal/model"
)

// SQLStore implements Store on SQLite (modernc.org/sqlite) or PostgreSQL
// (lib/pq). Queries are written with ? placeholders and rebound per driver.
type SQLStore struct {
	db     *sqlx.DB
	driver string
	blobs  *BlobStore
	locks  *keyedMutex
	log    log.FieldLogger
	now    func() time.Time
}

// Option configures a SQLStore.
type Option func(*SQLStore)

// WithBlobStore enables persisting attachment content.
func WithBlobStore(b *BlobStore) Option {
	return func(s *SQLStore) { s.blobs = b }
}

// WithLogger sets the logger. The default is the logrus standard logger.
func WithLogger(l log.FieldLogger) Option {
	return func(s *SQLStore) { s.log = l }
}

// Open connects to the database selected by driver ("sqlite" or
// "postgres") and runs any pending schema migrations.
func Open(driver, dsn string, opts ...Option) (*SQLStore, error) {
	switch driver {
	case model.DriverSQLite, model.DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	if driver == model.DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s db: %w", driver, err)
	}

	s := &SQLStore{
		db:     db,
		driver: driver,
		locks:  newKeyedMutex(),
		log:    log.StandardLogger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	if driver == model.DriverSQLite {
		// A single connection keeps ":memory:" databases shared and makes
		// SQLite's single-writer model explicit.
		db.SetMaxOpenConns(1)

		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("applying %q: %w", pragma, err)
			}
		}
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLStore, error) {
	return Open(model.DriverSQLite, dbPath, opts...)
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// LockFolder implements Store.
func (s *SQLStore) LockFolder(accountID, folder string) func() {
	return s.locks.lock(accountID + "\x00" + folder)
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order, each in its own transaction.
func (s *SQLStore) runMigrations() error {
	if _, err := s.db.Exec("CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var currentVersion int
	if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("beginning migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration v%d: %w", m.version, err)
		}

		s.log.WithFields(log.Fields{"version": m.version, "driver": s.driver}).Debug("store_migration_applied")
	}

	return nil
}

// withTx runs fn in a transaction, committing on success.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// sqliteDSN makes the driver write timestamps in SQLite's own format, so
// that they compare correctly as text.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_time_format=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_time_format=sqlite"
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
