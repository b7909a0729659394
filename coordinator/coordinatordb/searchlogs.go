// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

package coordinatordb

import (
	"context"
	"database/sql"
	"time"
)

type searchLogsDB struct {
	db *sql.DB
}

// Log records one search query for auditing.
func (db *searchLogsDB) Log(ctx context.Context, query, peerID string, results int, elapsed time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO search_logs (query, peer_id, results_count, search_time_ms, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		query, nullString(peerID), results,
		float64(elapsed.Microseconds())/1000.0, time.Now().UTC())
	return Error.Wrap(err)
}
