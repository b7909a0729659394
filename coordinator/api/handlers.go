// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"redp2p.io/redp2p/coordinator/cache"
	"redp2p.io/redp2p/coordinator/catalog"
	"redp2p.io/redp2p/coordinator/registry"
	"redp2p.io/redp2p/coordinator/transfer"
)

const (
	statusKeyPrefix = "peerstatus:"
	searchKeyPrefix = "search:"
)

// SystemStats is the coordinator-wide summary served by /api/stats.
type SystemStats struct {
	TotalPeers      int64   `json:"total_peers"`
	OnlinePeers     int64   `json:"online_peers"`
	TotalFiles      int64   `json:"total_files"`
	TotalSize       int64   `json:"total_size"`
	ActiveTransfers int64   `json:"active_transfers"`
	TransfersToday  int64   `json:"transfers_today"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

func (server *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var reg registry.Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		server.writeError(w, registry.ErrValidation.New("malformed request body: %v", err))
		return
	}

	if err := server.registry.Register(ctx, reg); err != nil {
		server.writeError(w, err)
		return
	}

	server.invalidateStatus(ctx, reg.PeerID)
	server.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "peer " + reg.PeerID + " registered",
	})
}

func (server *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	peerID := mux.Vars(r)["peer_id"]

	if err := server.registry.Unregister(ctx, peerID); err != nil {
		server.writeError(w, err)
		return
	}

	server.invalidateStatus(ctx, peerID)
	server.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "peer " + peerID + " unregistered",
	})
}

func (server *Server) handleAllPeers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	infos, err := server.registry.All(ctx)
	if err != nil {
		server.writeError(w, err)
		return
	}
	if infos == nil {
		infos = []registry.Info{}
	}
	server.writeJSON(w, http.StatusOK, infos)
}

func (server *Server) handleOnlinePeers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	infos, err := server.registry.Online(ctx)
	if err != nil {
		server.writeError(w, err)
		return
	}
	if infos == nil {
		infos = []registry.Info{}
	}
	server.writeJSON(w, http.StatusOK, infos)
}

func (server *Server) handlePeerStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	peerID := mux.Vars(r)["peer_id"]

	if cached, ok := server.cached(ctx, statusKeyPrefix+peerID); ok {
		writeRawJSON(w, cached)
		return
	}

	status, err := server.registry.Status(ctx, peerID)
	if err != nil {
		server.writeError(w, err)
		return
	}

	server.store(ctx, statusKeyPrefix+peerID, status, server.config.Cache.StatusTTL)
	server.writeJSON(w, http.StatusOK, status)
}

func (server *Server) handleIndexPeer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	peerID := mux.Vars(r)["peer_id"]

	if err := server.catalog.IndexPeer(ctx, peerID); err != nil {
		server.writeError(w, err)
		return
	}

	server.invalidateSearches(ctx)
	server.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "peer " + peerID + " indexed",
	})
}

func (server *Server) handleIndexAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	results, err := server.catalog.IndexAll(ctx)
	if err != nil {
		server.writeError(w, err)
		return
	}

	server.invalidateSearches(ctx)
	server.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"results": results,
	})
}

func (server *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req catalog.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.writeError(w, registry.ErrValidation.New("malformed request body: %v", err))
		return
	}

	key := searchKey(req)
	if cached, ok := server.cached(ctx, key); ok {
		writeRawJSON(w, cached)
		return
	}

	response, err := server.catalog.Search(ctx, req)
	if err != nil {
		server.writeError(w, err)
		return
	}

	server.store(ctx, key, response, server.config.Cache.SearchTTL)
	server.writeJSON(w, http.StatusOK, response)
}

func (server *Server) handlePeerFiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	peerID := mux.Vars(r)["peer_id"]

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	files, err := server.catalog.PeerFiles(ctx, peerID, page, limit)
	if err != nil {
		server.writeError(w, err)
		return
	}
	if files == nil {
		files = []catalog.FileInfo{}
	}
	server.writeJSON(w, http.StatusOK, files)
}

func (server *Server) handleInitiateDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req transfer.DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.writeError(w, transfer.ErrValidation.New("malformed request body: %v", err))
		return
	}

	response, err := server.transfers.InitiateDownload(ctx, req)
	if err != nil {
		server.writeError(w, err)
		return
	}
	server.writeJSON(w, http.StatusOK, response)
}

func (server *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// One extra MiB covers multipart framing around the payload bound.
	r.Body = http.MaxBytesReader(w, r.Body, server.transfers.MaxUploadSize()+1024*1024)

	file, header, err := r.FormFile("file")
	if err != nil {
		server.writeError(w, transfer.ErrValidation.New("multipart field 'file' is required: %v", err))
		return
	}
	defer func() { _ = file.Close() }()

	targetPeer := r.FormValue("target_peer")
	claimedHash := r.FormValue("file_hash")

	response, err := server.transfers.InitiateUpload(ctx, header.Filename, claimedHash, targetPeer, file)
	if err != nil {
		server.writeError(w, err)
		return
	}

	server.invalidateSearches(ctx)
	server.writeJSON(w, http.StatusOK, response)
}

func (server *Server) handleAnnounceUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req transfer.AnnounceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.writeError(w, transfer.ErrValidation.New("malformed request body: %v", err))
		return
	}

	response, err := server.transfers.AnnounceUpload(ctx, req)
	if err != nil {
		server.writeError(w, err)
		return
	}

	server.invalidateSearches(ctx)
	server.writeJSON(w, http.StatusOK, response)
}

func (server *Server) handleTransferStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["transfer_id"]

	status, err := server.transfers.Status(ctx, id)
	if err != nil {
		server.writeError(w, err)
		return
	}
	server.writeJSON(w, http.StatusOK, status)
}

func (server *Server) handleActiveTransfers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	active, err := server.transfers.Active(ctx)
	if err != nil {
		server.writeError(w, err)
		return
	}
	if active == nil {
		active = []transfer.Status{}
	}
	server.writeJSON(w, http.StatusOK, active)
}

func (server *Server) handleTransferHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	peerID := r.URL.Query().Get("peer_id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	history, err := server.transfers.History(ctx, peerID, limit)
	if err != nil {
		server.writeError(w, err)
		return
	}
	if history == nil {
		history = []transfer.Status{}
	}
	server.writeJSON(w, http.StatusOK, history)
}

func (server *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	server.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (server *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totalPeers, onlinePeers, err := server.registry.PeerCounts(ctx)
	if err != nil {
		server.writeError(w, err)
		return
	}
	totalFiles, totalSize, err := server.catalog.Totals(ctx)
	if err != nil {
		server.writeError(w, err)
		return
	}
	active, today, err := server.transfers.Counts(ctx)
	if err != nil {
		server.writeError(w, err)
		return
	}

	server.writeJSON(w, http.StatusOK, SystemStats{
		TotalPeers:      totalPeers,
		OnlinePeers:     onlinePeers,
		TotalFiles:      totalFiles,
		TotalSize:       totalSize,
		ActiveTransfers: active,
		TransfersToday:  today,
		UptimeSeconds:   time.Since(server.startedAt).Seconds(),
	})
}

// cached returns a previously stored response body. Cache failures
// degrade to a direct read.
func (server *Server) cached(ctx context.Context, key string) ([]byte, bool) {
	if server.hot == nil {
		return nil, false
	}
	value, err := server.hot.Get(ctx, key)
	if err != nil {
		if !cache.ErrKeyNotFound.Has(err) {
			server.log.Debug("cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return value, true
}

func (server *Server) store(ctx context.Context, key string, body interface{}, ttl time.Duration) {
	if server.hot == nil || ttl <= 0 {
		return
	}
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	if err := server.hot.Set(ctx, key, data, ttl); err != nil {
		server.log.Debug("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (server *Server) invalidateStatus(ctx context.Context, peerID string) {
	if server.hot == nil {
		return
	}
	if err := server.hot.Delete(ctx, statusKeyPrefix+peerID); err != nil {
		server.log.Debug("cache invalidation failed", zap.Error(err))
	}
}

func (server *Server) invalidateSearches(ctx context.Context) {
	if server.hot == nil {
		return
	}
	if err := server.hot.DeletePrefix(ctx, searchKeyPrefix); err != nil {
		server.log.Debug("cache invalidation failed", zap.Error(err))
	}
}

func searchKey(req catalog.SearchRequest) string {
	normalized, _ := json.Marshal(req)
	return searchKeyPrefix + string(normalized)
}

func writeRawJSON(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
