// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

// Package api implements the coordinator REST surface, including the
// streaming download proxy.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
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
	"storj.io/common/sync2"

	"redp2p.io/redp2p/coordinator/cache"
	"redp2p.io/redp2p/coordinator/catalog"
	"redp2p.io/redp2p/coordinator/peerclient"
	"redp2p.io/redp2p/coordinator/registry"
	"redp2p.io/redp2p/coordinator/transfer"
	"redp2p.io/redp2p/private/ratelimit"
)

var (
	mon = monkit.Package()

	// Error is the default api errs class.
	Error = errs.Class("api")
)

// Config configures the coordinator API server.
type Config struct {
	Address        string           `help:"address the coordinator api listens on" default:":8000"`
	ProxyChunkSize memory.Size      `help:"chunk size used when relaying peer downloads" default:"8.0 KiB"`
	RateLimit      ratelimit.Config `help:""`
	Cache          cache.Config     `help:""`
}

// Downloader opens a byte stream on a peer agent.
type Downloader interface {
	Download(ctx context.Context, addr, hash string) (*peerclient.Stream, error)
}

// Server serves the coordinator REST surface.
//
// architecture: Endpoint
type Server struct {
	log    *zap.Logger
	config Config

	registry   *registry.Service
	catalog    *catalog.Service
	transfers  *transfer.Manager
	files      transfer.Files
	downloader Downloader
	hot        cache.Store

	limiter    *ratelimit.Limiter
	pruneCycle *sync2.Cycle

	listener net.Listener
	server   http.Server

	startedAt time.Time
}

// NewServer creates the API server on the given listener. hot may be
// nil to disable response caching.
func NewServer(log *zap.Logger, listener net.Listener, registryService *registry.Service, catalogService *catalog.Service, transferManager *transfer.Manager, files transfer.Files, downloader Downloader, hot cache.Store, config Config) *Server {
	server := &Server{
		log:        log,
		config:     config,
		registry:   registryService,
		catalog:    catalogService,
		transfers:  transferManager,
		files:      files,
		downloader: downloader,
		hot:        hot,
		limiter:    ratelimit.NewLimiter(config.RateLimit),
		pruneCycle: sync2.NewCycle(time.Minute),
		listener:   listener,
		startedAt:  time.Now().UTC(),
	}

	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()
	api.Use(server.rateLimitMiddleware)

	api.HandleFunc("/peers/register", server.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/peers/online", server.handleOnlinePeers).Methods(http.MethodGet)
	api.HandleFunc("/peers/{peer_id}/status", server.handlePeerStatus).Methods(http.MethodGet)
	api.HandleFunc("/peers/{peer_id}", server.handleUnregister).Methods(http.MethodDelete)
	api.HandleFunc("/peers", server.handleAllPeers).Methods(http.MethodGet)

	api.HandleFunc("/files/index-all", server.handleIndexAll).Methods(http.MethodPost)
	api.HandleFunc("/files/index/{peer_id}", server.handleIndexPeer).Methods(http.MethodPost)
	api.HandleFunc("/files/search", server.handleSearch).Methods(http.MethodPost)
	api.HandleFunc("/files/peer/{peer_id}", server.handlePeerFiles).Methods(http.MethodGet)

	api.HandleFunc("/transfers/download", server.handleInitiateDownload).Methods(http.MethodPost)
	api.HandleFunc("/transfers/upload-file", server.handleUploadFile).Methods(http.MethodPost)
	api.HandleFunc("/transfers/upload", server.handleAnnounceUpload).Methods(http.MethodPost)
	api.HandleFunc("/transfers/active", server.handleActiveTransfers).Methods(http.MethodGet)
	api.HandleFunc("/transfers/history", server.handleTransferHistory).Methods(http.MethodGet)
	api.HandleFunc("/transfers/{transfer_id}/status", server.handleTransferStatus).Methods(http.MethodGet)

	api.HandleFunc("/download/{file_hash}", server.handleDownloadProxy).Methods(http.MethodGet)

	api.HandleFunc("/health", server.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/stats", server.handleStats).Methods(http.MethodGet)

	server.server = http.Server{
		Handler: router,
	}
	return server
}

// Run serves requests until the context is done. In-flight streams are
// allowed to drain during shutdown.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(server.server.Shutdown(context.Background()))
	})
	group.Go(func() error {
		server.pruneCycle.Run(ctx, func(ctx context.Context) error {
			server.limiter.Prune()
			return nil
		})
		return nil
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
	server.pruneCycle.Close()
	return Error.Wrap(server.server.Close())
}

// Addr returns the listener address.
func (server *Server) Addr() string {
	return server.listener.Addr().String()
}

// rateLimitMiddleware applies the sliding-window limiter per client
// network identity and attaches the window headers to every response.
func (server *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := server.limiter.Allow(clientKey(r))

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset.Unix(), 10))

		if !decision.Allowed {
			mon.Event("rate_limited")
			retryAfter := int(decision.RetryAfter.Seconds() + 0.5)
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			server.writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"detail":      "rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies the client: the first X-Forwarded-For hop when
// present, the remote host otherwise.
func clientKey(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if first := strings.TrimSpace(strings.Split(forwarded, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
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

// writeError converts a domain error to its HTTP status with a
// {"detail": ...} body.
func (server *Server) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		server.log.Error("request failed", zap.Error(err))
	} else {
		server.log.Debug("request rejected", zap.Error(err))
	}
	server.writeJSON(w, status, map[string]string{"detail": err.Error()})
}

// statusOf maps the domain error taxonomy to HTTP statuses.
func statusOf(err error) int {
	switch {
	case registry.ErrValidation.Has(err), transfer.ErrValidation.Has(err):
		return http.StatusBadRequest
	case registry.ErrPeerNotFound.Has(err), catalog.ErrFileNotFound.Has(err), transfer.ErrNotFound.Has(err):
		return http.StatusNotFound
	case catalog.ErrPeerOffline.Has(err), transfer.ErrPeerUnavailable.Has(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case peerclient.Error.Has(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
