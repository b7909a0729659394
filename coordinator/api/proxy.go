// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

package api

import (
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// handleDownloadProxy resolves the owning peer for a content hash and
// relays its byte stream to the caller. Nothing is written to disk and
// at most one chunk is buffered; a mid-stream failure is terminal.
func (server *Server) handleDownloadProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hash := mux.Vars(r)["file_hash"]

	file, err := server.files.ByHash(ctx, hash)
	if err != nil {
		server.writeError(w, err)
		return
	}

	record, err := server.registry.Get(ctx, file.PeerID)
	if err != nil {
		server.writeError(w, err)
		return
	}
	if !record.IsOnline {
		server.writeJSON(w, http.StatusServiceUnavailable,
			map[string]string{"detail": "peer " + file.PeerID + " is not available"})
		return
	}

	stream, err := server.downloader.Download(ctx, record.Address(), hash)
	if err != nil {
		server.writeJSON(w, http.StatusBadGateway,
			map[string]string{"detail": "peer download failed: " + err.Error()})
		return
	}
	defer func() { _ = stream.Body.Close() }()

	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": file.Filename})
	w.Header().Set("Content-Disposition", disposition)
	w.Header().Set("Content-Type", "application/octet-stream")
	if stream.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(stream.ContentLength, 10))
	}

	chunk := make([]byte, server.config.ProxyChunkSize.Int())
	written, err := io.CopyBuffer(w, stream.Body, chunk)
	if err != nil {
		// Bytes are already on the wire; the connection is torn down
		// and the caller retries from scratch if it wants to.
		server.log.Warn("download relay interrupted",
			zap.String("hash", hash),
			zap.String("peer", file.PeerID),
			zap.Int64("written", written),
			zap.Error(err))
		return
	}

	mon.IntVal("proxy_bytes_relayed").Observe(written)
}
