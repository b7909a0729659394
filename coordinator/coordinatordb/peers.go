// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

package coordinatordb

import (
	"context"
	"database/sql"
	"time"

	"github.com/zeebo/errs"

	"redp2p.io/redp2p/coordinator/registry"
)

type peersDB struct {
	db *sql.DB
}

// Upsert creates the peer or refreshes its endpoint fields, marking it
// online with a fresh last_seen. Endpoint fields from a re-registration
// supersede the stored ones; no history is kept.
func (db *peersDB) Upsert(ctx context.Context, reg registry.Registration) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := time.Now().UTC()
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO peers (peer_id, host, port, grpc_port, is_online, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (peer_id) DO UPDATE SET
			host = excluded.host,
			port = excluded.port,
			grpc_port = excluded.grpc_port,
			is_online = 1,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at`,
		reg.PeerID, reg.Host, reg.Port, reg.GRPCPort, now, now, now)
	return Error.Wrap(err)
}

// Get returns the stored record for one peer.
func (db *peersDB) Get(ctx context.Context, peerID string) (_ *registry.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	record := registry.Record{PeerID: peerID}
	var lastSeen sql.NullTime
	err = db.db.QueryRowContext(ctx, `
		SELECT host, port, grpc_port, is_online, last_seen, created_at, updated_at
		FROM peers WHERE peer_id = ?`, peerID).Scan(
		&record.Host, &record.Port, &record.GRPCPort, &record.IsOnline,
		&lastSeen, &record.CreatedAt, &record.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, registry.ErrPeerNotFound.New("%s", peerID)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if lastSeen.Valid {
		record.LastSeen = lastSeen.Time
	}
	return &record, nil
}

// All returns every peer with its available files count via one join.
func (db *peersDB) All(ctx context.Context) (_ []registry.Info, err error) {
	defer mon.Task()(&ctx)(&err)
	return db.list(ctx, `
		SELECT p.peer_id, p.host, p.port, p.grpc_port, p.is_online, p.last_seen, COUNT(f.id)
		FROM peers p
		LEFT JOIN files f ON f.peer_id = p.peer_id AND f.is_available = 1
		GROUP BY p.id
		ORDER BY p.peer_id`)
}

// Online returns peers currently marked online.
func (db *peersDB) Online(ctx context.Context) (_ []registry.Info, err error) {
	defer mon.Task()(&ctx)(&err)
	return db.list(ctx, `
		SELECT p.peer_id, p.host, p.port, p.grpc_port, p.is_online, p.last_seen, COUNT(f.id)
		FROM peers p
		LEFT JOIN files f ON f.peer_id = p.peer_id AND f.is_available = 1
		WHERE p.is_online = 1
		GROUP BY p.id
		ORDER BY p.peer_id`)
}

func (db *peersDB) list(ctx context.Context, query string) (infos []registry.Info, err error) {
	rows, err := db.db.QueryContext(ctx, query)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	for rows.Next() {
		var info registry.Info
		var lastSeen sql.NullTime
		err := rows.Scan(&info.PeerID, &info.Host, &info.Port, &info.GRPCPort,
			&info.IsOnline, &lastSeen, &info.FilesCount)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if lastSeen.Valid {
			seen := lastSeen.Time
			info.LastSeen = &seen
		}
		infos = append(infos, info)
	}
	return infos, Error.Wrap(rows.Err())
}

// SetOnline flips the online flag, refreshing last_seen when the peer
// comes online.
func (db *peersDB) SetOnline(ctx context.Context, peerID string, online bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := time.Now().UTC()
	var result sql.Result
	if online {
		result, err = db.db.ExecContext(ctx, `
			UPDATE peers SET is_online = 1, last_seen = ?, updated_at = ? WHERE peer_id = ?`,
			now, now, peerID)
	} else {
		result, err = db.db.ExecContext(ctx, `
			UPDATE peers SET is_online = 0, updated_at = ? WHERE peer_id = ?`,
			now, peerID)
	}
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return registry.ErrPeerNotFound.New("%s", peerID)
	}
	return nil
}

// Counts returns the available file count and total size for one peer.
func (db *peersDB) Counts(ctx context.Context, peerID string) (files, totalSize int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.db.QueryRowContext(ctx, `
		SELECT COUNT(id), COALESCE(SUM(size), 0)
		FROM files WHERE peer_id = ? AND is_available = 1`, peerID).Scan(&files, &totalSize)
	return files, totalSize, Error.Wrap(err)
}

// PeerCounts returns how many peers exist and how many are online.
func (db *peersDB) PeerCounts(ctx context.Context) (total, online int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.db.QueryRowContext(ctx, `
		SELECT COUNT(id), COALESCE(SUM(is_online), 0) FROM peers`).Scan(&total, &online)
	return total, online, Error.Wrap(err)
}
