// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

package coordinatordb

import (
	"context"
	"database/sql"
	"time"

	"github.com/zeebo/errs"

	"redp2p.io/redp2p/coordinator/catalog"
)

type filesDB struct {
	db *sql.DB
}

const fileColumns = `id, filename, file_hash, size, peer_id, is_available, source, last_modified, created_at, updated_at`

// Insert adds a new row. A (file_hash, peer_id) collision surfaces as
// catalog.ErrFileExists, never a silent overwrite.
func (db *filesDB) Insert(ctx context.Context, peerID string, entry catalog.Entry, source string) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := time.Now().UTC()
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO files (filename, file_hash, size, peer_id, is_available, source, last_modified, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Filename, entry.Hash, entry.Size, peerID, entry.IsAvailable, source,
		nullTime(entry.LastModified), now, now)
	if isConstraintViolation(err) {
		return catalog.ErrFileExists.New("%s on %s", entry.Hash, peerID)
	}
	return Error.Wrap(err)
}

// Reconcile applies one peer's observed file list in a single
// transaction. Unknown hashes are inserted as indexed, indexed rows are
// refreshed, upload rows are left untouched, and rows whose hash was
// not observed flip to unavailable regardless of provenance.
func (db *filesDB) Reconcile(ctx context.Context, peerID string, observed []catalog.Entry) (err error) {
	defer mon.Task()(&ctx)(&err)

	return Error.Wrap(withTx(ctx, db.db, func(tx *sql.Tx) (err error) {
		existing := map[string]string{} // hash -> source
		rows, err := tx.QueryContext(ctx, `SELECT file_hash, source FROM files WHERE peer_id = ?`, peerID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var hash, source string
			if err := rows.Scan(&hash, &source); err != nil {
				return errs.Combine(err, rows.Close())
			}
			existing[hash] = source
		}
		if err := errs.Combine(rows.Err(), rows.Close()); err != nil {
			return err
		}

		now := time.Now().UTC()
		seen := make(map[string]bool, len(observed))
		for _, entry := range observed {
			seen[entry.Hash] = true

			source, known := existing[entry.Hash]
			switch {
			case !known:
				_, err = tx.ExecContext(ctx, `
					INSERT INTO files (filename, file_hash, size, peer_id, is_available, source, last_modified, created_at, updated_at)
					VALUES (?, ?, ?, ?, ?, 'indexed', ?, ?, ?)`,
					entry.Filename, entry.Hash, entry.Size, peerID, entry.IsAvailable,
					nullTime(entry.LastModified), now, now)
			case source == catalog.SourceIndexed:
				_, err = tx.ExecContext(ctx, `
					UPDATE files SET filename = ?, size = ?, is_available = ?, last_modified = ?, updated_at = ?
					WHERE file_hash = ? AND peer_id = ?`,
					entry.Filename, entry.Size, entry.IsAvailable,
					nullTime(entry.LastModified), now, entry.Hash, peerID)
			default:
				// upload provenance dominates; the observed entry is
				// ignored so a scanner quirk cannot rewrite it.
			}
			if err != nil {
				return err
			}
		}

		for hash := range existing {
			if seen[hash] {
				continue
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE files SET is_available = 0, updated_at = ?
				WHERE file_hash = ? AND peer_id = ?`, now, hash, peerID)
			if err != nil {
				return err
			}
		}
		return nil
	}))
}

// RecordUpload upserts a row for a coordinator-mediated upload. New
// rows are created with upload provenance; an existing row keeps its
// source since source never changes after creation.
func (db *filesDB) RecordUpload(ctx context.Context, peerID string, entry catalog.Entry) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := time.Now().UTC()
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO files (filename, file_hash, size, peer_id, is_available, source, last_modified, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, 'upload', ?, ?, ?)
		ON CONFLICT (file_hash, peer_id) DO UPDATE SET
			filename = excluded.filename,
			size = excluded.size,
			is_available = 1,
			last_modified = excluded.last_modified,
			updated_at = excluded.updated_at`,
		entry.Filename, entry.Hash, entry.Size, peerID,
		nullTime(entry.LastModified), now, now)
	if isConstraintViolation(err) {
		return catalog.Error.New("peer %s is not registered", peerID)
	}
	return Error.Wrap(err)
}

// ListForPeer returns every row for the peer, available or not.
func (db *filesDB) ListForPeer(ctx context.Context, peerID string) (_ []catalog.FileInfo, err error) {
	defer mon.Task()(&ctx)(&err)
	return db.query(ctx, `SELECT `+fileColumns+` FROM files WHERE peer_id = ? ORDER BY id`, peerID)
}

// Page returns available rows for the peer with offset pagination.
func (db *filesDB) Page(ctx context.Context, peerID string, offset, limit int) (_ []catalog.FileInfo, err error) {
	defer mon.Task()(&ctx)(&err)
	return db.query(ctx, `
		SELECT `+fileColumns+` FROM files
		WHERE peer_id = ? AND is_available = 1
		ORDER BY id LIMIT ? OFFSET ?`, peerID, limit, offset)
}

// Search returns available rows matching every set filter field.
func (db *filesDB) Search(ctx context.Context, filter catalog.SearchFilter) (_ []catalog.FileInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	query := `SELECT ` + fileColumns + ` FROM files WHERE is_available = 1`
	var args []interface{}
	if filter.Filename != "" {
		query += ` AND filename LIKE ?`
		args = append(args, "%"+filter.Filename+"%")
	}
	if filter.FileHash != "" {
		query += ` AND file_hash = ?`
		args = append(args, filter.FileHash)
	}
	if filter.MinSize != nil {
		query += ` AND size >= ?`
		args = append(args, *filter.MinSize)
	}
	if filter.MaxSize != nil {
		query += ` AND size <= ?`
		args = append(args, *filter.MaxSize)
	}
	if filter.PeerID != "" {
		query += ` AND peer_id = ?`
		args = append(args, filter.PeerID)
	}
	query += ` ORDER BY id`

	return db.query(ctx, query, args...)
}

// ByHash resolves a hash to an available row; the oldest row wins when
// several peers hold the content.
func (db *filesDB) ByHash(ctx context.Context, hash string) (_ *catalog.FileInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	infos, err := db.query(ctx, `
		SELECT `+fileColumns+` FROM files
		WHERE file_hash = ? AND is_available = 1
		ORDER BY id LIMIT 1`, hash)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, catalog.ErrFileNotFound.New("%s", hash)
	}
	return &infos[0], nil
}

// Totals returns the count and combined size of available rows.
func (db *filesDB) Totals(ctx context.Context) (files, totalSize int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.db.QueryRowContext(ctx, `
		SELECT COUNT(id), COALESCE(SUM(size), 0) FROM files WHERE is_available = 1`).Scan(&files, &totalSize)
	return files, totalSize, Error.Wrap(err)
}

func (db *filesDB) query(ctx context.Context, query string, args ...interface{}) (infos []catalog.FileInfo, err error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	for rows.Next() {
		var info catalog.FileInfo
		var lastModified sql.NullTime
		err := rows.Scan(&info.ID, &info.Filename, &info.FileHash, &info.Size,
			&info.PeerID, &info.IsAvailable, &info.Source, &lastModified,
			&info.CreatedAt, &info.UpdatedAt)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if lastModified.Valid {
			modified := lastModified.Time
			info.LastModified = &modified
		}
		infos = append(infos, info)
	}
	return infos, Error.Wrap(rows.Err())
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
