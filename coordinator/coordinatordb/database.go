// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

// Package coordinatordb implements the coordinator catalog on SQLite:
// peers, files, transfer logs and the search audit trail.
package coordinatordb

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"redp2p.io/redp2p/coordinator/catalog"
	"redp2p.io/redp2p/coordinator/registry"
	"redp2p.io/redp2p/coordinator/transfer"
	"redp2p.io/redp2p/private/migrate"
)

// VersionTable is the table that stores the schema version.
const VersionTable = "versions"

var (
	mon = monkit.Package()

	// Error is the default coordinatordb errs class.
	Error = errs.Class("coordinatordb")
	// ErrPreflight is returned when the schema version check fails.
	ErrPreflight = errs.Class("preflight")
)

// Config configures the coordinator database.
type Config struct {
	URL string `help:"location of the coordinator catalog database" default:"$CONFDIR/coordinator.db"`
}

// DB is the master database for the coordinator.
//
// architecture: Master Database
type DB struct {
	log *zap.Logger
	db  *sql.DB

	location string

	peers      peersDB
	files      filesDB
	transfers  transfersDB
	searchLogs searchLogsDB
}

// Open creates an instance of the master database, creating the
// containing directory when necessary.
func Open(ctx context.Context, log *zap.Logger, config Config) (*DB, error) {
	location := strings.TrimPrefix(config.URL, "sqlite3://")
	location = strings.TrimPrefix(location, "file:")

	if dir := filepath.Dir(location); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, Error.Wrap(err)
		}
	}

	handle, err := sql.Open("sqlite3", location+"?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	// SQLite serializes writers; a single connection avoids busy errors
	// under concurrent chores.
	handle.SetMaxOpenConns(1)

	if err := handle.PingContext(ctx); err != nil {
		return nil, Error.Wrap(errs.Combine(err, handle.Close()))
	}

	db := &DB{
		log:      log,
		db:       handle,
		location: location,
	}
	db.peers.db = handle
	db.files.db = handle
	db.transfers.db = handle
	db.searchLogs.db = handle
	return db, nil
}

// Close closes the underlying handle.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// Peers returns the peers table.
func (db *DB) Peers() registry.DB { return &db.peers }

// Files returns the files table.
func (db *DB) Files() catalog.DB { return &db.files }

// Transfers returns the transfer_logs table.
func (db *DB) Transfers() transfer.DB { return &db.transfers }

// SearchLogs returns the search audit table.
func (db *DB) SearchLogs() catalog.SearchLogDB { return &db.searchLogs }

// MigrateToLatest applies all outstanding schema migrations.
func (db *DB) MigrateToLatest(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return db.Migration().Run(ctx, db.log.Named("migrate"), db.db)
}

// Preflight verifies the database is at the expected schema version.
func (db *DB) Preflight(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	migration := db.Migration()
	version, err := migration.CurrentVersion(ctx, db.db)
	if err != nil {
		return ErrPreflight.Wrap(err)
	}
	latest := migration.Steps[len(migration.Steps)-1].Version
	if version != latest {
		return ErrPreflight.New("expected schema version %d got %d", latest, version)
	}
	return nil
}

// Migration returns the schema migration for the coordinator database.
func (db *DB) Migration() *migrate.Migration {
	return &migrate.Migration{
		Table: VersionTable,
		Steps: []*migrate.Step{
			{
				Description: "initial schema",
				Version:     0,
				Action: migrate.SQL{
					`CREATE TABLE peers (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						peer_id TEXT UNIQUE NOT NULL,
						host TEXT NOT NULL,
						port INTEGER NOT NULL,
						grpc_port INTEGER NOT NULL DEFAULT 0,
						is_online INTEGER NOT NULL DEFAULT 0,
						last_seen TIMESTAMP,
						created_at TIMESTAMP NOT NULL,
						updated_at TIMESTAMP NOT NULL
					)`,
					`CREATE TABLE files (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						filename TEXT NOT NULL,
						file_hash TEXT NOT NULL,
						size INTEGER NOT NULL,
						peer_id TEXT NOT NULL REFERENCES peers (peer_id),
						is_available INTEGER NOT NULL DEFAULT 1,
						source TEXT NOT NULL DEFAULT 'indexed' CHECK (source IN ('indexed','upload')),
						last_modified TIMESTAMP,
						created_at TIMESTAMP NOT NULL,
						updated_at TIMESTAMP NOT NULL,
						UNIQUE (file_hash, peer_id)
					)`,
					`CREATE INDEX idx_files_file_hash ON files (file_hash)`,
					`CREATE INDEX idx_files_peer_id ON files (peer_id)`,
					`CREATE TABLE transfer_logs (
						id TEXT PRIMARY KEY NOT NULL,
						file_hash TEXT NOT NULL,
						source_peer_id TEXT NOT NULL,
						target_peer_id TEXT NOT NULL,
						transfer_type TEXT NOT NULL,
						status TEXT NOT NULL,
						bytes_transferred INTEGER NOT NULL DEFAULT 0,
						total_bytes INTEGER NOT NULL,
						started_at TIMESTAMP NOT NULL,
						completed_at TIMESTAMP,
						error_message TEXT
					)`,
					`CREATE INDEX idx_transfer_logs_started_at ON transfer_logs (started_at)`,
					`CREATE TABLE search_logs (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						query TEXT NOT NULL,
						peer_id TEXT,
						results_count INTEGER NOT NULL,
						search_time_ms REAL NOT NULL,
						created_at TIMESTAMP NOT NULL
					)`,
				},
			},
		},
	}
}

// isConstraintViolation reports whether err is a SQLite constraint
// failure (uniqueness, foreign key, check).
func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

// withTx runs fn inside a transaction, rolling back on error.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}
