// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

package coordinatordb

import (
	"context"
	"database/sql"
	"time"

	"github.com/zeebo/errs"

	"redp2p.io/redp2p/coordinator/transfer"
)

type transfersDB struct {
	db *sql.DB
}

const transferColumns = `id, file_hash, source_peer_id, target_peer_id, transfer_type, status,
	bytes_transferred, total_bytes, started_at, completed_at, error_message`

// Create inserts a new transfer log row.
func (db *transfersDB) Create(ctx context.Context, record *transfer.Record) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO transfer_logs (id, file_hash, source_peer_id, target_peer_id, transfer_type, status,
			bytes_transferred, total_bytes, started_at, completed_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.FileHash, record.SourcePeerID, record.TargetPeerID,
		string(record.Kind), string(record.State),
		record.BytesTransferred, record.TotalBytes, record.StartedAt,
		nullTime(record.CompletedAt), nullString(record.ErrorMessage))
	return Error.Wrap(err)
}

// Save persists the mutable fields of the record.
func (db *transfersDB) Save(ctx context.Context, record *transfer.Record) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		UPDATE transfer_logs
		SET status = ?, bytes_transferred = ?, completed_at = ?, error_message = ?
		WHERE id = ?`,
		string(record.State), record.BytesTransferred,
		nullTime(record.CompletedAt), nullString(record.ErrorMessage), record.ID)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return transfer.ErrNotFound.New("%s", record.ID)
	}
	return nil
}

// Get returns one row.
func (db *transfersDB) Get(ctx context.Context, id string) (_ *transfer.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	records, err := db.query(ctx, `SELECT `+transferColumns+` FROM transfer_logs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, transfer.ErrNotFound.New("%s", id)
	}
	return &records[0], nil
}

// Active returns rows in a non-terminal state.
func (db *transfersDB) Active(ctx context.Context) (_ []transfer.Record, err error) {
	defer mon.Task()(&ctx)(&err)
	return db.query(ctx, `
		SELECT `+transferColumns+` FROM transfer_logs
		WHERE status IN ('pending', 'initiated', 'in_progress')
		ORDER BY started_at`)
}

// History returns the most recent rows, optionally filtered to a peer
// appearing as source or target.
func (db *transfersDB) History(ctx context.Context, peerID string, limit int) (_ []transfer.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	if peerID != "" {
		return db.query(ctx, `
			SELECT `+transferColumns+` FROM transfer_logs
			WHERE source_peer_id = ? OR target_peer_id = ?
			ORDER BY started_at DESC LIMIT ?`, peerID, peerID, limit)
	}
	return db.query(ctx, `
		SELECT `+transferColumns+` FROM transfer_logs
		ORDER BY started_at DESC LIMIT ?`, limit)
}

// CountActive counts rows in a non-terminal state.
func (db *transfersDB) CountActive(ctx context.Context) (count int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.db.QueryRowContext(ctx, `
		SELECT COUNT(id) FROM transfer_logs
		WHERE status IN ('pending', 'initiated', 'in_progress')`).Scan(&count)
	return count, Error.Wrap(err)
}

// CompletedSince counts rows completed at or after the given time.
func (db *transfersDB) CompletedSince(ctx context.Context, since time.Time) (count int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.db.QueryRowContext(ctx, `
		SELECT COUNT(id) FROM transfer_logs
		WHERE status = 'completed' AND completed_at >= ?`, since.UTC()).Scan(&count)
	return count, Error.Wrap(err)
}

func (db *transfersDB) query(ctx context.Context, query string, args ...interface{}) (records []transfer.Record, err error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	for rows.Next() {
		var record transfer.Record
		var kind, state string
		var completedAt sql.NullTime
		var errorMessage sql.NullString
		err := rows.Scan(&record.ID, &record.FileHash, &record.SourcePeerID, &record.TargetPeerID,
			&kind, &state, &record.BytesTransferred, &record.TotalBytes,
			&record.StartedAt, &completedAt, &errorMessage)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		record.Kind = transfer.Kind(kind)
		record.State = transfer.State(state)
		if completedAt.Valid {
			completed := completedAt.Time
			record.CompletedAt = &completed
		}
		record.ErrorMessage = errorMessage.String
		records = append(records, record)
	}
	return records, Error.Wrap(rows.Err())
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
