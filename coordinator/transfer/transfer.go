// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

// Package transfer orchestrates downloads and uploads between peers and
// owns the transfer log state machine.
package transfer

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default transfer errs class.
	Error = errs.Class("transfer")
	// ErrNotFound is returned when the requested transfer is unknown.
	ErrNotFound = errs.Class("transfer not found")
	// ErrPeerUnavailable is returned when a transfer requires a peer
	// that is not online.
	ErrPeerUnavailable = errs.Class("peer unavailable")
	// ErrValidation is returned when an upload payload or request field
	// fails validation.
	ErrValidation = errs.Class("upload validation")
)

// Kind distinguishes downloads from uploads.
type Kind string

// Transfer kinds.
const (
	KindDownload Kind = "download"
	KindUpload   Kind = "upload"
)

// State is one position in the transfer state machine.
type State string

// Transfer states. Transitions are monotone:
// pending -> initiated -> in_progress -> completed | failed.
const (
	StatePending    State = "pending"
	StateInitiated  State = "initiated"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether the state ends the machine.
func (state State) Terminal() bool {
	return state == StateCompleted || state == StateFailed
}

var stateRank = map[State]int{
	StatePending:    0,
	StateInitiated:  1,
	StateInProgress: 2,
	StateCompleted:  3,
	StateFailed:     3,
}

// Record is one transfer log row.
type Record struct {
	ID               string
	FileHash         string
	SourcePeerID     string
	TargetPeerID     string
	Kind             Kind
	State            State
	BytesTransferred int64
	TotalBytes       int64
	StartedAt        time.Time
	CompletedAt      *time.Time
	ErrorMessage     string
}

// Progress returns the transferred fraction, 0 when the total is unknown.
func (record *Record) Progress() float64 {
	if record.TotalBytes <= 0 {
		return 0
	}
	return float64(record.BytesTransferred) / float64(record.TotalBytes)
}

// Status is the JSON view of a transfer served by the API.
type Status struct {
	TransferID       string     `json:"transfer_id"`
	FileHash         string     `json:"file_hash"`
	SourcePeerID     string     `json:"source_peer_id"`
	TargetPeerID     string     `json:"target_peer_id"`
	TransferType     Kind       `json:"transfer_type"`
	Status           State      `json:"status"`
	Progress         float64    `json:"progress"`
	BytesTransferred int64      `json:"bytes_transferred"`
	TotalBytes       int64      `json:"total_bytes"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
}

// View converts the record to its API shape.
func (record *Record) View() Status {
	return Status{
		TransferID:       record.ID,
		FileHash:         record.FileHash,
		SourcePeerID:     record.SourcePeerID,
		TargetPeerID:     record.TargetPeerID,
		TransferType:     record.Kind,
		Status:           record.State,
		Progress:         record.Progress(),
		BytesTransferred: record.BytesTransferred,
		TotalBytes:       record.TotalBytes,
		StartedAt:        record.StartedAt,
		CompletedAt:      record.CompletedAt,
		ErrorMessage:     record.ErrorMessage,
	}
}

// DB is the interface for the transfer_logs table.
//
// architecture: Database
type DB interface {
	// Create inserts a new transfer log row.
	Create(ctx context.Context, record *Record) error
	// Save persists the mutable fields of the record.
	Save(ctx context.Context, record *Record) error
	// Get returns one row, ErrNotFound otherwise.
	Get(ctx context.Context, id string) (*Record, error)
	// Active returns rows in a non-terminal state.
	Active(ctx context.Context) ([]Record, error)
	// History returns the most recent rows ordered by started_at
	// descending. When peerID is set the peer must appear as source or
	// target.
	History(ctx context.Context, peerID string, limit int) ([]Record, error)
	// CountActive counts rows in a non-terminal state.
	CountActive(ctx context.Context) (int64, error)
	// CompletedSince counts rows completed at or after the given time.
	CompletedSince(ctx context.Context, since time.Time) (int64, error)
}
