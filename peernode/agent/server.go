// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

// Package agent implements the REST surface every peer node exposes to
// the coordinator and to other peers.
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/errs2"
	"storj.io/common/memory"

	"redp2p.io/redp2p/peernode/fileindex"
)

var (
	mon = monkit.Package()

	// Error is the default agent errs class.
	Error = errs.Class("agent")
)

// Config configures the peer agent server.
type Config struct {
	Address       string      `help:"address the peer agent listens on" default:":8001"`
	MaxUploadSize memory.Size `help:"maximum accepted upload payload" default:"100.00 MiB"`
	ChunkSize     memory.Size `help:"chunk size used when streaming downloads" default:"8.0 KiB"`
}

// Neighbor is one entry of the peer's own known-neighbor list.
type Neighbor struct {
	PeerID   string `json:"peer_id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	IsOnline bool   `json:"is_online"`
}

// NeighborSource provides the peer's view of its neighbors, used for
// discovery seeding only.
type NeighborSource interface {
	Neighbors(ctx context.Context) ([]Neighbor, error)
}

// Server is the peer agent HTTP server.
//
// architecture: Endpoint
type Server struct {
	log    *zap.Logger
	peerID string
	index  *fileindex.Service
	source NeighborSource
	config Config

	listener  net.Listener
	server    http.Server
	startedAt time.Time
}

// NewServer creates the agent server. source may be nil when the peer
// has no discovery client wired.
func NewServer(log *zap.Logger, listener net.Listener, peerID string, index *fileindex.Service, source NeighborSource, config Config) *Server {
	server := &Server{
		log:       log,
		peerID:    peerID,
		index:     index,
		source:    source,
		config:    config,
		listener:  listener,
		startedAt: time.Now().UTC(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/health", server.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/api/files", server.handleFiles).Methods(http.MethodGet)
	router.HandleFunc("/api/download/{hash}", server.handleDownload).Methods(http.MethodGet)
	router.HandleFunc("/api/upload", server.handleUpload).Methods(http.MethodPost)
	router.HandleFunc("/api/peers", server.handlePeers).Methods(http.MethodGet)
	router.HandleFunc("/api/stats", server.handleStats).Methods(http.MethodGet)

	server.server = http.Server{Handler: router}
	return server
}

// Run serves requests until the context is done.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(server.server.Shutdown(context.Background()))
	})
	group.Go(func() error {
		defer cancel()
		err := server.server.Serve(server.listener)
		if errs2.IsCanceled(err) || errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close stops the server.
func (server *Server) Close() error {
	return Error.Wrap(server.server.Close())
}

// Addr returns the listener address.
func (server *Server) Addr() string {
	return server.listener.Addr().String()
}

func (server *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	server.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"peer_id":     server.peerID,
		"files_count": server.index.Count(),
	})
}

func (server *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	entries := server.index.List()
	if entries == nil {
		entries = []fileindex.Entry{}
	}
	server.writeJSON(w, http.StatusOK, map[string]interface{}{"files": entries})
}

func (server *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]

	path, ok := server.index.Path(hash)
	if !ok {
		server.writeErrorStatus(w, http.StatusNotFound, "unknown hash "+hash)
		return
	}

	file, err := os.Open(path)
	if err != nil {
		server.writeErrorStatus(w, http.StatusNotFound, "file no longer available")
		return
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		server.writeErrorStatus(w, http.StatusInternalServerError, "stat failed")
		return
	}

	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": filepath.Base(path)})
	w.Header().Set("Content-Disposition", disposition)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))

	chunk := make([]byte, server.config.ChunkSize.Int())
	if written, err := io.CopyBuffer(w, file, chunk); err != nil {
		server.log.Warn("download stream interrupted",
			zap.String("hash", hash),
			zap.Int64("written", written),
			zap.Error(err))
	}
}

func (server *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, server.config.MaxUploadSize.Int64()+1024*1024)

	payload, header, err := r.FormFile("file")
	if err != nil {
		server.writeErrorStatus(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer func() { _ = payload.Close() }()

	filename := header.Filename
	if !safeFilename(filename) {
		server.writeErrorStatus(w, http.StatusBadRequest, "unsafe filename")
		return
	}

	if err := os.MkdirAll(server.sharedDir(), 0o755); err != nil {
		server.writeErrorStatus(w, http.StatusInternalServerError, "shared directory unavailable")
		return
	}

	// Spool next to the destination so the final rename is atomic.
	scratch, err := os.CreateTemp(server.sharedDir(), ".upload-*")
	if err != nil {
		server.writeErrorStatus(w, http.StatusInternalServerError, "scratch file creation failed")
		return
	}
	scratchPath := scratch.Name()
	defer func() {
		_ = scratch.Close()
		_ = os.Remove(scratchPath)
	}()

	digest := sha256.New()
	size, err := io.Copy(scratch, io.TeeReader(payload, digest))
	if err != nil {
		server.writeErrorStatus(w, http.StatusBadRequest, "payload read failed")
		return
	}
	if size < 1 || size > server.config.MaxUploadSize.Int64() {
		server.writeErrorStatus(w, http.StatusBadRequest, "payload size out of bounds")
		return
	}
	hash := hex.EncodeToString(digest.Sum(nil))

	if claimed := r.FormValue("file_hash"); claimed != "" && claimed != hash {
		server.writeErrorStatus(w, http.StatusBadRequest, "payload hash does not match declared hash")
		return
	}

	if err := scratch.Close(); err != nil {
		server.writeErrorStatus(w, http.StatusInternalServerError, "payload flush failed")
		return
	}

	destination := filepath.Join(server.sharedDir(), filename)
	if err := os.Rename(scratchPath, destination); err != nil {
		server.writeErrorStatus(w, http.StatusInternalServerError, "payload store failed")
		return
	}

	if _, err := server.index.Add(ctx, destination); err != nil {
		server.log.Warn("uploaded file not indexed",
			zap.String("path", destination), zap.Error(err))
	}

	mon.Event("upload_accepted")
	server.log.Info("upload accepted",
		zap.String("filename", filename),
		zap.String("hash", hash),
		zap.Int64("size", size))

	server.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"filename": filename,
		"hash":     hash,
		"size":     size,
	})
}

func (server *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	neighbors := []Neighbor{}
	if server.source != nil {
		found, err := server.source.Neighbors(ctx)
		if err != nil {
			server.log.Debug("neighbor fetch failed", zap.Error(err))
		} else if found != nil {
			neighbors = found
		}
	}
	server.writeJSON(w, http.StatusOK, neighbors)
}

func (server *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	server.writeJSON(w, http.StatusOK, map[string]interface{}{
		"peer_id":        server.peerID,
		"files_count":    server.index.Count(),
		"bytes_shared":   server.index.TotalBytes(),
		"uptime_seconds": time.Since(server.startedAt).Seconds(),
	})
}

func (server *Server) sharedDir() string {
	return server.index.SharedDir()
}

func (server *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		server.log.Error("response marshal failed", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (server *Server) writeErrorStatus(w http.ResponseWriter, status int, detail string) {
	server.writeJSON(w, status, map[string]string{"detail": detail})
}

// safeFilename rejects names that could escape the shared directory or
// break a supported filesystem.
func safeFilename(filename string) bool {
	if filename == "" || len(filename) > 255 {
		return false
	}
	for _, seq := range []string{"..", "/", "\\", ":", "*", "?", "\"", "<", ">", "|"} {
		if strings.Contains(filename, seq) {
			return false
		}
	}
	return true
}
