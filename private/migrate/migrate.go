// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

// Package migrate provides a minimal versioned schema migration runner
// for a single SQL database.
package migrate

import (
	"context"
	"database/sql"
	"regexp"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the default migrate errs class.
var Error = errs.Class("migrate")

// Migration describes a migration as an ordered list of steps recorded
// in a version table.
type Migration struct {
	Table string
	Steps []*Step
}

// Step describes a single schema change.
type Step struct {
	Description string
	Version     int
	Action      Action
}

// Action is something that can run inside a migration transaction.
type Action interface {
	Run(ctx context.Context, log *zap.Logger, tx *sql.Tx) error
}

// SQL statements are executed in order as a single action.
type SQL []string

// Run executes the SQL statements.
func (sql SQL) Run(ctx context.Context, log *zap.Logger, tx *sql.Tx) error {
	for _, query := range sql {
		_, err := tx.ExecContext(ctx, query)
		if err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// Func is an arbitrary migration action.
type Func func(ctx context.Context, log *zap.Logger, tx *sql.Tx) error

// Run calls the function.
func (fn Func) Run(ctx context.Context, log *zap.Logger, tx *sql.Tx) error {
	return fn(ctx, log, tx)
}

var validTableName = regexp.MustCompile(`^[a-z_]+$`)

// Run applies all steps with a version higher than the currently
// recorded one, each inside its own transaction.
func (migration *Migration) Run(ctx context.Context, log *zap.Logger, db *sql.DB) error {
	err := migration.ValidateSteps()
	if err != nil {
		return err
	}

	err = migration.ensureVersionTable(ctx, db)
	if err != nil {
		return Error.New("creating version table failed: %v", err)
	}

	version, err := migration.CurrentVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, step := range migration.Steps {
		if step.Version <= version {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return Error.Wrap(err)
		}

		err = step.Action.Run(ctx, log.Named(step.Description), tx)
		if err == nil {
			err = migration.addVersion(ctx, tx, step.Version)
		}
		if err != nil {
			return Error.Wrap(errs.Combine(err, tx.Rollback()))
		}
		if err := tx.Commit(); err != nil {
			return Error.Wrap(err)
		}

		log.Info("database migrated", zap.Int("version", step.Version), zap.String("step", step.Description))
	}

	return nil
}

// ValidateSteps checks that the steps have a valid table name and
// strictly increasing versions.
func (migration *Migration) ValidateSteps() error {
	if !validTableName.MatchString(migration.Table) {
		return Error.New("invalid table name %q", migration.Table)
	}
	previous := -1
	for _, step := range migration.Steps {
		if step.Version <= previous {
			return Error.New("steps have non-increasing versions: %d after %d", step.Version, previous)
		}
		previous = step.Version
	}
	return nil
}

// CurrentVersion returns the latest applied version, -1 when none.
func (migration *Migration) CurrentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM `+migration.Table).Scan(&version)
	if err != nil {
		if err == sql.ErrNoRows {
			return -1, nil
		}
		return -1, Error.Wrap(err)
	}
	if !version.Valid {
		return -1, nil
	}
	return int(version.Int64), nil
}

func (migration *Migration) ensureVersionTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+migration.Table+` (version INTEGER, committed_at TEXT)`)
	return Error.Wrap(err)
}

func (migration *Migration) addVersion(ctx context.Context, tx *sql.Tx, version int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO `+migration.Table+` (version, committed_at) VALUES (?, ?)`,
		version, time.Now().UTC().Format(time.RFC3339))
	return Error.Wrap(err)
}
