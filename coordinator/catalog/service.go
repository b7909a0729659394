// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

package catalog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"redp2p.io/redp2p/coordinator/peerclient"
	"redp2p.io/redp2p/coordinator/registry"
)

// Config holds indexer settings.
type Config struct {
	IndexConcurrency int `help:"maximum peers indexed in parallel by index-all" default:"4"`
	QueueSize        int `help:"capacity of the registration-triggered reindex queue" default:"64"`
}

// Peers is the subset of the registry the indexer depends on.
type Peers interface {
	Get(ctx context.Context, peerID string) (*registry.Record, error)
	Online(ctx context.Context) ([]registry.Info, error)
}

// Lister fetches a peer's published file list.
type Lister interface {
	Files(ctx context.Context, addr string) ([]peerclient.FileEntry, error)
}

// SearchRequest is the search surface exposed over the API.
type SearchRequest struct {
	Filename string `json:"filename,omitempty"`
	FileHash string `json:"file_hash,omitempty"`
	MinSize  *int64 `json:"min_size,omitempty"`
	MaxSize  *int64 `json:"max_size,omitempty"`
	PeerID   string `json:"peer_id,omitempty"`
}

// SearchResponse carries search results plus query timing.
type SearchResponse struct {
	Files         []FileInfo `json:"files"`
	TotalFound    int        `json:"total_found"`
	SearchTime    float64    `json:"search_time"`
	SearchedPeers int        `json:"searched_peers"`
}

// Service pulls peer file lists and reconciles them into the catalog.
//
// architecture: Service
type Service struct {
	log        *zap.Logger
	db         DB
	searchLogs SearchLogDB
	peers      Peers
	lister     Lister
	config     Config

	queue chan string
}

// NewService creates the catalog service. searchLogs may be nil to
// disable search auditing.
func NewService(log *zap.Logger, db DB, searchLogs SearchLogDB, peers Peers, lister Lister, config Config) *Service {
	if config.QueueSize < 1 {
		config.QueueSize = 64
	}
	if config.IndexConcurrency < 1 {
		config.IndexConcurrency = 4
	}
	return &Service{
		log:        log,
		db:         db,
		searchLogs: searchLogs,
		peers:      peers,
		lister:     lister,
		config:     config,
		queue:      make(chan string, config.QueueSize),
	}
}

// SetPeers wires the registry dependency after construction. The
// registry and the catalog reference each other, so one side is wired
// late; call before Run.
func (service *Service) SetPeers(peers Peers) {
	service.peers = peers
}

// RequestReindex queues an asynchronous reindex of the peer. The request
// is dropped when the queue is full; the periodic resync catches up.
func (service *Service) RequestReindex(peerID string) {
	select {
	case service.queue <- peerID:
	default:
		mon.Event("reindex_queue_full")
		service.log.Warn("reindex queue full, dropping request", zap.String("peer", peerID))
	}
}

// Run consumes the reindex queue until the context is done.
func (service *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case peerID := <-service.queue:
			if err := service.IndexPeer(ctx, peerID); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				service.log.Warn("queued reindex failed",
					zap.String("peer", peerID), zap.Error(err))
			}
		}
	}
}

// IndexPeer fetches the peer's file list and reconciles it into the
// catalog in one transaction. A fetch failure leaves existing rows
// untouched.
func (service *Service) IndexPeer(ctx context.Context, peerID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	record, err := service.peers.Get(ctx, peerID)
	if err != nil {
		return Error.Wrap(err)
	}
	if !record.IsOnline {
		return ErrPeerOffline.New("%s", peerID)
	}

	entries, err := service.lister.Files(ctx, record.Address())
	if err != nil {
		return Error.Wrap(err)
	}

	observed := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		observed = append(observed, Entry{
			Filename:     entry.Filename,
			Hash:         entry.Hash,
			Size:         entry.Size,
			IsAvailable:  entry.IsAvailable,
			LastModified: entry.LastModified,
		})
	}

	if err := service.db.Reconcile(ctx, peerID, observed); err != nil {
		return Error.Wrap(err)
	}

	service.log.Debug("peer indexed",
		zap.String("peer", peerID), zap.Int("files", len(observed)))
	return nil
}

// IndexAll indexes the online set concurrently and reports per-peer
// success. One peer failing never aborts the others.
func (service *Service) IndexAll(ctx context.Context) (_ map[string]bool, err error) {
	defer mon.Task()(&ctx)(&err)

	online, err := service.peers.Online(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var mu sync.Mutex
	results := make(map[string]bool, len(online))

	var group errgroup.Group
	group.SetLimit(service.config.IndexConcurrency)
	for _, info := range online {
		peerID := info.PeerID
		group.Go(func() error {
			err := service.IndexPeer(ctx, peerID)
			if err != nil {
				service.log.Warn("index-all: peer failed",
					zap.String("peer", peerID), zap.Error(err))
			}
			mu.Lock()
			results[peerID] = err == nil
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	return results, nil
}

// RecordUpload records a file placed on a peer through the coordinator.
// The row is created with upload provenance so later reindexes cannot
// erase it.
func (service *Service) RecordUpload(ctx context.Context, peerID string, entry Entry) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(service.db.RecordUpload(ctx, peerID, entry))
}

// Search runs a conjunctive filter over available rows and reports the
// wall clock spent in the query.
func (service *Service) Search(ctx context.Context, req SearchRequest) (_ *SearchResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	online, err := service.peers.Online(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	start := time.Now()
	files, err := service.db.Search(ctx, SearchFilter{
		Filename: req.Filename,
		FileHash: req.FileHash,
		MinSize:  req.MinSize,
		MaxSize:  req.MaxSize,
		PeerID:   req.PeerID,
	})
	elapsed := time.Since(start)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if service.searchLogs != nil {
		query := req.Filename
		if query == "" {
			query = req.FileHash
		}
		if err := service.searchLogs.Log(ctx, query, req.PeerID, len(files), elapsed); err != nil {
			service.log.Warn("search audit log failed", zap.Error(err))
		}
	}

	return &SearchResponse{
		Files:         files,
		TotalFound:    len(files),
		SearchTime:    elapsed.Seconds(),
		SearchedPeers: len(online),
	}, nil
}

// PeerFiles returns one page of the peer's available rows. Out-of-range
// pagination values are clamped to (1, 50).
func (service *Service) PeerFiles(ctx context.Context, peerID string, page, limit int) (_ []FileInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := service.peers.Get(ctx, peerID); err != nil {
		return nil, Error.Wrap(err)
	}

	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 50
	}

	files, err := service.db.Page(ctx, peerID, (page-1)*limit, limit)
	return files, Error.Wrap(err)
}

// Totals reports the available file count and combined size.
func (service *Service) Totals(ctx context.Context) (files, totalSize int64, err error) {
	defer mon.Task()(&ctx)(&err)
	files, totalSize, err = service.db.Totals(ctx)
	return files, totalSize, Error.Wrap(err)
}
