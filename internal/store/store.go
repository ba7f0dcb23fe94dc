// Package store is the durable SQL persistence layer (spec §4.6). It
// owns all persisted state; every other component is a read-through or
// write-through collaborator (§3 Ownership).
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is bumped whenever a migration adds columns or
// tables. Mirrors the teacher's DBSchemaVersion convention: the store
// refuses to open a database from a newer, unknown future version, and
// additively migrates an older one (§4.6).
const CurrentSchemaVersion = 1

var (
	// ErrConflictingAuthor is the §4.6 invariant violation: a block's
	// non-null author may never be overwritten with a different
	// non-null author.
	ErrConflictingAuthor = errors.New("store: conflicting author for block")

	// ErrSchemaTooNew is returned by Open when the on-disk schema_version
	// exceeds CurrentSchemaVersion.
	ErrSchemaTooNew = errors.New("store: database schema is newer than supported")
)

// Store wraps a single sqlite database file per spec §4.6's operational
// configuration: WAL journaling, NORMAL synchronous mode, a generous
// page cache, and memory-mapped I/O.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens (creating if absent) the sqlite file at path and applies
// pragmas and migrations. The underlying *sql.DB is limited to one
// connection (§5: store accessed by exactly one writer task), so every
// read and write made through this Store is serialized on it; reads
// through this Store do not run concurrently with its writes. A
// separate Store opened on the same file (e.g. by a CLI query process)
// can read concurrently under WAL.
func Open(ctx context.Context, path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "store: open")
	}
	// A single physical connection is reused for writes to make the
	// "exactly one writer" contract (§5) explicit rather than relying
	// on sqlite's own locking to serialize an accidental pool.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-20000", // ~20MB page cache
		"PRAGMA mmap_size=268435456",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "store: pragma %q", p)
		}
	}

	s := &Store{db: db, log: log}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// DB exposes the underlying handle for callers that want to query
// without routing through the methods below. It is the same
// single-connection handle, so its queries are serialized with the
// Store's own reads and writes.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL
		)`); err != nil {
		return errors.Wrap(err, "store: create schema_meta")
	}

	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_meta WHERE id = 1`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		version = 0
	case err != nil:
		return errors.Wrap(err, "store: read schema version")
	}

	if version > CurrentSchemaVersion {
		return errors.Wrapf(ErrSchemaTooNew, "on-disk version %d > supported %d", version, CurrentSchemaVersion)
	}

	for v := version; v < CurrentSchemaVersion; v++ {
		if err := migrations[v](ctx, s.db); err != nil {
			return errors.Wrapf(err, "store: migration to version %d", v+1)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schema_meta (id, version) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version`, CurrentSchemaVersion)
	if err != nil {
		return errors.Wrap(err, "store: write schema version")
	}
	return nil
}

// migrations[i] upgrades from version i to version i+1. Migrations are
// additive only (new tables/columns), never destructive (§4.6).
var migrations = []func(context.Context, *sql.DB) error{
	0: migrateV1,
}

func migrateV1(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS blocks (
			number            INTEGER PRIMARY KEY,
			hash              TEXT NOT NULL UNIQUE,
			parent_hash       TEXT NOT NULL,
			state_root        TEXT NOT NULL,
			extrinsics_root   TEXT NOT NULL,
			slot              INTEGER NOT NULL,
			sidechain_epoch   INTEGER NOT NULL,
			mainchain_epoch   INTEGER NOT NULL,
			timestamp_ms      INTEGER NOT NULL,
			finalized         INTEGER NOT NULL DEFAULT 0,
			author            TEXT,
			extrinsics_count  INTEGER NOT NULL DEFAULT 0,
			created_at        INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blocks_author ON blocks(author)`,
		`CREATE INDEX IF NOT EXISTS idx_blocks_sidechain_epoch ON blocks(sidechain_epoch)`,
		`CREATE INDEX IF NOT EXISTS idx_blocks_finalized ON blocks(finalized)`,

		`CREATE TABLE IF NOT EXISTS validators (
			sidechain_key        TEXT PRIMARY KEY,
			aura_key             TEXT NOT NULL,
			grandpa_key          TEXT NOT NULL,
			label                TEXT NOT NULL DEFAULT '',
			is_ours              INTEGER NOT NULL DEFAULT 0,
			status               TEXT NOT NULL DEFAULT 'unknown',
			first_seen_mainchain_epoch INTEGER NOT NULL,
			total_blocks         INTEGER NOT NULL DEFAULT 0,
			created_at           INTEGER NOT NULL,
			updated_at           INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_validators_aura_key ON validators(aura_key)`,

		`CREATE TABLE IF NOT EXISTS committee_snapshots (
			sidechain_epoch INTEGER NOT NULL,
			position        INTEGER NOT NULL,
			aura_key        TEXT NOT NULL,
			captured_at_ms  INTEGER NOT NULL,
			PRIMARY KEY (sidechain_epoch, position)
		)`,

		`CREATE TABLE IF NOT EXISTS sync_status (
			id                INTEGER PRIMARY KEY CHECK (id = 1),
			last_synced       INTEGER NOT NULL DEFAULT 0,
			last_finalized    INTEGER NOT NULL DEFAULT 0,
			chain_tip         INTEGER NOT NULL DEFAULT 0,
			current_epoch     INTEGER NOT NULL DEFAULT 0,
			last_updated_ms   INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "exec %q", stmt)
		}
	}
	return nil
}
