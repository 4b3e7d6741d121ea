// Package store persists every queue, audit row and user record in SQLite.
// Queries are built with the ent SQL builder and the tables are created by
// ent's schema migration.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"entgo.io/ent/dialect/sql/schema"

	"github.com/abhisek/nudge/internal/clock"

	// Pure Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// Store owns the database handle and hands out repositories.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

// Open connects to the SQLite database at dsn, applies the connection
// pragmas and runs auto-migration. A nil clk uses the real clock.
func Open(dsn string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.Real()
	}
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &Store{db: db, clock: clk}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates missing tables, columns and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	m, err := schema.NewMigrate(entsql.OpenDB(dialect.SQLite, s.db))
	if err != nil {
		return fmt.Errorf("create migration: %w", err)
	}
	if err := m.Create(ctx, Tables...); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

// DB returns the underlying *sql.DB for raw queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Signals() *SignalQueue {
	return &SignalQueue{leaseTable: leaseTable{db: s.db, clock: s.clock, table: signalsTable}}
}

func (s *Store) Outbox() *OutboxQueue {
	return &OutboxQueue{leaseTable: leaseTable{db: s.db, clock: s.clock, table: outboxTable}}
}

func (s *Store) Recommendations() *RecommendationRepo {
	return &RecommendationRepo{db: s.db}
}

func (s *Store) Playbooks() *PlaybookRepo {
	return &PlaybookRepo{db: s.db}
}

func (s *Store) Runs() *RunRepo {
	return &RunRepo{db: s.db}
}

// Audit returns the repository for outbox cycle and LLM call rows.
func (s *Store) Audit() *AuditRepo {
	return &AuditRepo{db: s.db}
}

// Snapshots returns the user state snapshot repository. It also serves
// entity text to the embedding outbox.
func (s *Store) Snapshots() *SnapshotRepo {
	return &SnapshotRepo{db: s.db, clock: s.clock}
}

// pragmas are applied by the driver to every pooled connection.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"foreign_keys(1)",
	"synchronous(NORMAL)",
}

// withPragmas appends the connection pragmas to dsn. Writes take the lock
// up front so concurrent workers wait on busy_timeout instead of failing
// a lock upgrade.
func withPragmas(dsn string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	q.Set("_txlock", "immediate")
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + q.Encode()
}

// DefaultDBPath resolves the database file path in priority order:
// 1. NUDGE_DB environment variable
// 2. $XDG_DATA_HOME/nudge/nudge.db
// 3. ~/.local/share/nudge/nudge.db
func DefaultDBPath() (string, error) {
	if p := os.Getenv("NUDGE_DB"); p != "" {
		return p, ensureDir(p)
	}

	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		dataHome = filepath.Join(home, ".local", "share")
	}

	p := filepath.Join(dataHome, "nudge", "nudge.db")
	return p, ensureDir(p)
}

// ensureDir creates the parent directory of path if it doesn't exist.
func ensureDir(path string) error {
	dir := filepath.Dir(path)
	return os.MkdirAll(dir, 0o755)
}
