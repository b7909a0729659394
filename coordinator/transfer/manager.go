// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/memory"
	"storj.io/common/sync2"
	"storj.io/common/uuid"

	"redp2p.io/redp2p/coordinator/catalog"
	"redp2p.io/redp2p/coordinator/registry"
)

// Config holds transfer manager settings.
type Config struct {
	ScratchDir       string        `help:"directory for temporary upload payloads" default:"/tmp/redp2p-uploads"`
	ProgressInterval time.Duration `help:"delay between synthetic progress ticks" default:"2s"`
	UploadAttempts   int           `help:"upload attempts against the target peer" default:"3"`
	MaxUploadSize    memory.Size   `help:"maximum accepted upload payload" default:"100.00 MiB"`
	SweepInterval    time.Duration `help:"how often finished transfers are evicted from memory" default:"1m"`
	Retention        time.Duration `help:"how long finished transfers stay queryable in memory" default:"5m"`
}

// Files resolves catalog rows for downloads.
type Files interface {
	ByHash(ctx context.Context, hash string) (*catalog.FileInfo, error)
}

// Recorder records upload provenance in the catalog.
type Recorder interface {
	RecordUpload(ctx context.Context, peerID string, entry catalog.Entry) error
}

// Peers is the subset of the registry the manager depends on.
type Peers interface {
	Get(ctx context.Context, peerID string) (*registry.Record, error)
}

// Uploader pushes one payload to a peer agent.
type Uploader interface {
	Upload(ctx context.Context, addr, filename, hash string, payload io.Reader) error
}

// DownloadRequest asks the coordinator to broker a download.
type DownloadRequest struct {
	FileHash         string `json:"file_hash"`
	RequestingPeerID string `json:"requesting_peer_id"`
}

// DownloadResponse points the caller at the coordinator download proxy.
type DownloadResponse struct {
	Success     bool              `json:"success"`
	TransferID  string            `json:"transfer_id"`
	FileInfo    *catalog.FileInfo `json:"file_info"`
	DownloadURL string            `json:"download_url"`
}

// UploadResponse reports the outcome of a coordinator-mediated upload.
type UploadResponse struct {
	Success    bool   `json:"success"`
	TransferID string `json:"transfer_id"`
	FileID     string `json:"file_id"`
	Message    string `json:"message,omitempty"`
}

// AnnounceRequest registers an upload whose bytes the announcing peer
// already holds locally.
type AnnounceRequest struct {
	Filename        string `json:"filename"`
	FileHash        string `json:"file_hash"`
	FileSize        int64  `json:"file_size"`
	UploadingPeerID string `json:"uploading_peer_id"`
}

// Manager drives the transfer state machine and keeps the in-memory
// view of live transfers.
//
// architecture: Service
type Manager struct {
	log      *zap.Logger
	db       DB
	files    Files
	recorder Recorder
	peers    Peers
	uploader Uploader
	config   Config

	// Lock order: mu before any catalog call made while mutating the
	// same record, never the reverse.
	mu   sync.Mutex
	live map[string]*Record

	sweep     *sync2.Cycle
	done      chan struct{}
	closeOnce sync.Once
	workers   sync.WaitGroup
}

// NewManager creates a transfer manager.
func NewManager(log *zap.Logger, db DB, files Files, recorder Recorder, peers Peers, uploader Uploader, config Config) *Manager {
	if config.UploadAttempts < 1 {
		config.UploadAttempts = 1
	}
	return &Manager{
		log:      log,
		db:       db,
		files:    files,
		recorder: recorder,
		peers:    peers,
		uploader: uploader,
		config:   config,
		live:     make(map[string]*Record),
		sweep:    sync2.NewCycle(config.SweepInterval),
		done:     make(chan struct{}),
	}
}

// Run evicts finished transfers from memory until the context is done.
func (manager *Manager) Run(ctx context.Context) error {
	return manager.sweep.Run(ctx, func(ctx context.Context) error {
		manager.evictFinished(time.Now())
		return nil
	})
}

// Close stops background progress monitors and the sweep cycle.
func (manager *Manager) Close() error {
	manager.closeOnce.Do(func() { close(manager.done) })
	manager.workers.Wait()
	manager.sweep.Close()
	return nil
}

// InitiateDownload validates the request, records the transfer and
// returns the coordinator-local download URL. Byte streaming is served
// separately by the download proxy.
func (manager *Manager) InitiateDownload(ctx context.Context, req DownloadRequest) (_ *DownloadResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := ValidateHash(req.FileHash); err != nil {
		return nil, err
	}
	if req.RequestingPeerID == "" {
		return nil, ErrValidation.New("requesting_peer_id is required")
	}

	file, err := manager.files.ByHash(ctx, req.FileHash)
	if err != nil {
		return nil, err
	}

	source, err := manager.peers.Get(ctx, file.PeerID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if !source.IsOnline {
		return nil, ErrPeerUnavailable.New("source peer %s is not available", file.PeerID)
	}

	record, err := manager.createRecord(ctx, Record{
		FileHash:     req.FileHash,
		SourcePeerID: file.PeerID,
		TargetPeerID: req.RequestingPeerID,
		Kind:         KindDownload,
		TotalBytes:   file.Size,
	})
	if err != nil {
		return nil, err
	}

	manager.monitorAsync(record.ID)

	manager.log.Info("download initiated",
		zap.String("transfer", record.ID),
		zap.String("hash", req.FileHash),
		zap.String("source", file.PeerID),
		zap.String("target", req.RequestingPeerID))

	return &DownloadResponse{
		Success:     true,
		TransferID:  record.ID,
		FileInfo:    file,
		DownloadURL: "/api/download/" + req.FileHash,
	}, nil
}

// InitiateUpload validates and places one payload on the target peer,
// then records upload provenance in the catalog. The scratch copy is
// removed on every exit path.
func (manager *Manager) InitiateUpload(ctx context.Context, filename, claimedHash, targetPeerID string, payload io.Reader) (_ *UploadResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	if targetPeerID == "" {
		return nil, ErrValidation.New("target_peer is required")
	}
	if err := ValidateFilename(filename); err != nil {
		return nil, err
	}
	if err := ValidateExtension(filename); err != nil {
		return nil, err
	}

	scratch, size, hash, err := manager.spool(payload)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errs.Combine(err, scratch.Close())
		if removeErr := os.Remove(scratch.Name()); removeErr != nil && !os.IsNotExist(removeErr) {
			manager.log.Warn("scratch file not removed",
				zap.String("path", scratch.Name()), zap.Error(removeErr))
		}
	}()

	if err := ValidateSize(size, manager.config.MaxUploadSize.Int64()); err != nil {
		return nil, err
	}
	if claimedHash != "" {
		if err := ValidateHash(claimedHash); err != nil {
			return nil, err
		}
		if claimedHash != hash {
			return nil, ErrValidation.New("payload hash %s does not match declared hash %s", hash, claimedHash)
		}
	}

	target, err := manager.peers.Get(ctx, targetPeerID)
	if err != nil {
		if registry.ErrPeerNotFound.Has(err) {
			return nil, ErrPeerUnavailable.New("target peer %s is not available", targetPeerID)
		}
		return nil, Error.Wrap(err)
	}
	if !target.IsOnline {
		return nil, ErrPeerUnavailable.New("target peer %s is not available", targetPeerID)
	}

	record, err := manager.createRecord(ctx, Record{
		FileHash:     hash,
		SourcePeerID: targetPeerID,
		TargetPeerID: targetPeerID,
		Kind:         KindUpload,
		TotalBytes:   size,
	})
	if err != nil {
		return nil, err
	}

	manager.advance(ctx, record.ID, 0.1, StateInProgress)

	if err := manager.place(ctx, target.Address(), filename, hash, scratch); err != nil {
		manager.fail(ctx, record.ID, err.Error())
		return nil, err
	}

	now := time.Now().UTC()
	if err := manager.recorder.RecordUpload(ctx, targetPeerID, catalog.Entry{
		Filename:     filename,
		Hash:         hash,
		Size:         size,
		IsAvailable:  true,
		LastModified: &now,
	}); err != nil {
		manager.fail(ctx, record.ID, err.Error())
		return nil, Error.Wrap(err)
	}

	manager.advance(ctx, record.ID, 1.0, StateCompleted)

	manager.log.Info("upload completed",
		zap.String("transfer", record.ID),
		zap.String("hash", hash),
		zap.String("target", targetPeerID),
		zap.Int64("size", size))

	return &UploadResponse{
		Success:    true,
		TransferID: record.ID,
		FileID:     hash,
		Message:    "file placed on " + targetPeerID,
	}, nil
}

// AnnounceUpload records an upload whose bytes already live on the
// announcing peer. No payload transport happens; the catalog row is
// created with upload provenance and progress advances synthetically.
func (manager *Manager) AnnounceUpload(ctx context.Context, req AnnounceRequest) (_ *UploadResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := ValidateFilename(req.Filename); err != nil {
		return nil, err
	}
	if err := ValidateExtension(req.Filename); err != nil {
		return nil, err
	}
	if err := ValidateHash(req.FileHash); err != nil {
		return nil, err
	}
	if err := ValidateSize(req.FileSize, manager.config.MaxUploadSize.Int64()); err != nil {
		return nil, err
	}

	peer, err := manager.peers.Get(ctx, req.UploadingPeerID)
	if err != nil {
		if registry.ErrPeerNotFound.Has(err) {
			return nil, ErrPeerUnavailable.New("target peer %s is not available", req.UploadingPeerID)
		}
		return nil, Error.Wrap(err)
	}
	if !peer.IsOnline {
		return nil, ErrPeerUnavailable.New("target peer %s is not available", req.UploadingPeerID)
	}

	record, err := manager.createRecord(ctx, Record{
		FileHash:     req.FileHash,
		SourcePeerID: req.UploadingPeerID,
		TargetPeerID: req.UploadingPeerID,
		Kind:         KindUpload,
		TotalBytes:   req.FileSize,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := manager.recorder.RecordUpload(ctx, req.UploadingPeerID, catalog.Entry{
		Filename:     req.Filename,
		Hash:         req.FileHash,
		Size:         req.FileSize,
		IsAvailable:  true,
		LastModified: &now,
	}); err != nil {
		manager.fail(ctx, record.ID, err.Error())
		return nil, Error.Wrap(err)
	}

	manager.monitorAsync(record.ID)

	return &UploadResponse{
		Success:    true,
		TransferID: record.ID,
		FileID:     req.FileHash,
	}, nil
}

// Status returns one transfer. The in-memory view wins while the
// transfer is live; the database serves the rest.
func (manager *Manager) Status(ctx context.Context, id string) (_ *Status, err error) {
	defer mon.Task()(&ctx)(&err)

	manager.mu.Lock()
	if record, ok := manager.live[id]; ok {
		view := record.View()
		manager.mu.Unlock()
		return &view, nil
	}
	manager.mu.Unlock()

	record, err := manager.db.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := record.View()
	return &view, nil
}

// Active returns transfers still in flight. Memory is authoritative
// when it holds any non-terminal transfer; otherwise the database view
// is served.
func (manager *Manager) Active(ctx context.Context) (_ []Status, err error) {
	defer mon.Task()(&ctx)(&err)

	manager.mu.Lock()
	views := make([]Status, 0, len(manager.live))
	for _, record := range manager.live {
		if !record.State.Terminal() {
			views = append(views, record.View())
		}
	}
	manager.mu.Unlock()

	if len(views) > 0 {
		sort.Slice(views, func(i, j int) bool {
			return views[i].StartedAt.Before(views[j].StartedAt)
		})
		return views, nil
	}

	records, err := manager.db.Active(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	for i := range records {
		views = append(views, records[i].View())
	}
	return views, nil
}

// History returns the most recent transfer logs, optionally filtered to
// one peer appearing as source or target.
func (manager *Manager) History(ctx context.Context, peerID string, limit int) (_ []Status, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit < 1 || limit > 100 {
		limit = 50
	}
	records, err := manager.db.History(ctx, peerID, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	views := make([]Status, 0, len(records))
	for i := range records {
		views = append(views, records[i].View())
	}
	return views, nil
}

// MaxUploadSize returns the configured payload bound in bytes.
func (manager *Manager) MaxUploadSize() int64 {
	return manager.config.MaxUploadSize.Int64()
}

// Counts reports active and completed-today totals for system stats.
func (manager *Manager) Counts(ctx context.Context) (active, completedToday int64, err error) {
	defer mon.Task()(&ctx)(&err)

	active, err = manager.db.CountActive(ctx)
	if err != nil {
		return 0, 0, Error.Wrap(err)
	}
	year, month, day := time.Now().UTC().Date()
	midnight := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	completedToday, err = manager.db.CompletedSince(ctx, midnight)
	return active, completedToday, Error.Wrap(err)
}

// createRecord persists a new pending log, promotes it to initiated and
// registers it in the live table.
func (manager *Manager) createRecord(ctx context.Context, template Record) (*Record, error) {
	id, err := uuid.New()
	if err != nil {
		return nil, Error.Wrap(err)
	}

	record := template
	record.ID = id.String()
	record.State = StatePending
	record.StartedAt = time.Now().UTC()

	if err := manager.db.Create(ctx, &record); err != nil {
		return nil, Error.Wrap(err)
	}

	record.State = StateInitiated
	if err := manager.db.Save(ctx, &record); err != nil {
		return nil, Error.Wrap(err)
	}

	manager.mu.Lock()
	manager.live[record.ID] = &record
	manager.mu.Unlock()

	return &record, nil
}

// monitorAsync drives synthetic progress ticks for a transfer whose
// transport does not report byte counts. Progress is monotone and
// reaches exactly 1.0 on completion.
func (manager *Manager) monitorAsync(id string) {
	manager.workers.Add(1)
	go func() {
		defer manager.workers.Done()
		ctx := context.Background()
		for _, fraction := range []float64{0.25, 0.5, 0.75, 1.0} {
			select {
			case <-manager.done:
				return
			case <-time.After(manager.config.ProgressInterval):
			}
			state := StateInProgress
			if fraction >= 1.0 {
				state = StateCompleted
			}
			manager.advance(ctx, id, fraction, state)
		}
	}()
}

// advance moves a live transfer forward. Regressions are ignored so
// progress stays monotone even if ticks race a completion.
func (manager *Manager) advance(ctx context.Context, id string, fraction float64, state State) {
	manager.mu.Lock()
	defer manager.mu.Unlock()

	record, ok := manager.live[id]
	if !ok || record.State.Terminal() {
		return
	}
	if stateRank[state] < stateRank[record.State] {
		return
	}

	bytes := int64(float64(record.TotalBytes) * fraction)
	if bytes > record.BytesTransferred {
		record.BytesTransferred = bytes
	}
	record.State = state
	if state == StateCompleted {
		record.BytesTransferred = record.TotalBytes
		now := time.Now().UTC()
		record.CompletedAt = &now
	}

	if err := manager.db.Save(ctx, record); err != nil {
		manager.log.Warn("transfer progress not persisted",
			zap.String("transfer", id), zap.Error(err))
	}
}

// fail marks the transfer failed with a one-line cause.
func (manager *Manager) fail(ctx context.Context, id, cause string) {
	manager.mu.Lock()
	defer manager.mu.Unlock()

	record, ok := manager.live[id]
	if !ok || record.State.Terminal() {
		return
	}
	record.State = StateFailed
	record.ErrorMessage = cause
	now := time.Now().UTC()
	record.CompletedAt = &now

	if err := manager.db.Save(ctx, record); err != nil {
		manager.log.Warn("transfer failure not persisted",
			zap.String("transfer", id), zap.Error(err))
	}
}

// place pushes the scratch payload to the peer, retrying on transport
// failure with a doubling delay between attempts.
func (manager *Manager) place(ctx context.Context, addr, filename, hash string, scratch *os.File) error {
	var lastErr error
	for attempt := 1; attempt <= manager.config.UploadAttempts; attempt++ {
		if _, err := scratch.Seek(0, io.SeekStart); err != nil {
			return Error.Wrap(err)
		}
		lastErr = manager.uploader.Upload(ctx, addr, filename, hash, scratch)
		if lastErr == nil {
			return nil
		}
		manager.log.Warn("upload attempt failed",
			zap.String("peer", addr),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if attempt < manager.config.UploadAttempts {
			if !sync2.Sleep(ctx, time.Duration(1<<attempt)*time.Second) {
				return ctx.Err()
			}
		}
	}
	return lastErr
}

// spool copies the payload into the scratch directory, hashing it on
// the way through. The caller owns the returned file.
func (manager *Manager) spool(payload io.Reader) (_ *os.File, size int64, hash string, err error) {
	if err := os.MkdirAll(manager.config.ScratchDir, 0o700); err != nil {
		return nil, 0, "", Error.Wrap(err)
	}
	scratch, err := os.CreateTemp(manager.config.ScratchDir, "upload-*")
	if err != nil {
		return nil, 0, "", Error.Wrap(err)
	}

	digest := sha256.New()
	size, err = io.Copy(scratch, io.TeeReader(payload, digest))
	if err != nil {
		_ = scratch.Close()
		_ = os.Remove(scratch.Name())
		return nil, 0, "", Error.Wrap(err)
	}
	return scratch, size, hex.EncodeToString(digest.Sum(nil)), nil
}

// evictFinished drops terminal transfers older than the retention
// window from the live table.
func (manager *Manager) evictFinished(now time.Time) {
	manager.mu.Lock()
	defer manager.mu.Unlock()

	for id, record := range manager.live {
		if !record.State.Terminal() || record.CompletedAt == nil {
			continue
		}
		if now.Sub(*record.CompletedAt) >= manager.config.Retention {
			delete(manager.live, id)
		}
	}
}
