// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

// Package catalog reconciles peer file listings into the durable file
// catalog and answers searches against it.
package catalog

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default catalog errs class.
	Error = errs.Class("catalog")
	// ErrFileNotFound is returned when no available row matches a hash.
	ErrFileNotFound = errs.Class("file not found")
	// ErrFileExists is returned when a row creation violates the
	// (file_hash, peer_id) uniqueness constraint.
	ErrFileExists = errs.Class("file already registered")
	// ErrPeerOffline is returned when indexing requires a peer that is
	// not online.
	ErrPeerOffline = errs.Class("peer offline")
)

// File provenance values. Source never changes after a row is created.
const (
	SourceIndexed = "indexed"
	SourceUpload  = "upload"
)

// Entry is one file observation, either fetched from a peer's published
// list or recorded after a coordinator-mediated upload.
type Entry struct {
	Filename     string
	Hash         string
	Size         int64
	IsAvailable  bool
	LastModified *time.Time
}

// FileInfo is a stored catalog row.
type FileInfo struct {
	ID           int64      `json:"id"`
	Filename     string     `json:"filename"`
	FileHash     string     `json:"file_hash"`
	Size         int64      `json:"size"`
	PeerID       string     `json:"peer_id"`
	IsAvailable  bool       `json:"is_available"`
	Source       string     `json:"source"`
	LastModified *time.Time `json:"last_modified"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// SearchFilter is a conjunctive filter over available catalog rows.
// Zero-valued fields are not applied.
type SearchFilter struct {
	Filename string
	FileHash string
	MinSize  *int64
	MaxSize  *int64
	PeerID   string
}

// DB is the interface for the files table. Rows are only ever created
// through Reconcile (indexed provenance) or RecordUpload (upload
// provenance); the (file_hash, peer_id) uniqueness constraint is
// enforced by the schema underneath both.
//
// architecture: Database
type DB interface {
	// Reconcile applies one peer's observed file list in a single
	// transaction under the provenance rules: unknown hashes are
	// inserted as indexed, indexed rows are refreshed, upload rows are
	// left untouched, and rows whose hash was not observed are marked
	// unavailable regardless of provenance.
	Reconcile(ctx context.Context, peerID string, observed []Entry) error
	// RecordUpload upserts a row for a coordinator-mediated upload. New
	// rows get source=upload; an existing row keeps its source.
	RecordUpload(ctx context.Context, peerID string, entry Entry) error
	// ListForPeer returns every row for the peer, available or not.
	ListForPeer(ctx context.Context, peerID string) ([]FileInfo, error)
	// Page returns available rows for the peer with offset pagination.
	Page(ctx context.Context, peerID string, offset, limit int) ([]FileInfo, error)
	// Search returns available rows matching the filter.
	Search(ctx context.Context, filter SearchFilter) ([]FileInfo, error)
	// ByHash resolves a hash to an available row, ErrFileNotFound
	// otherwise. When several peers hold the hash the oldest row wins.
	ByHash(ctx context.Context, hash string) (*FileInfo, error)
	// Totals returns the count and combined size of available rows.
	Totals(ctx context.Context) (files, totalSize int64, err error)
}

// SearchLogDB records search queries for auditing.
type SearchLogDB interface {
	Log(ctx context.Context, query, peerID string, results int, elapsed time.Duration) error
}
