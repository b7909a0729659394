// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

// Package registry maintains the authoritative set of known peers,
// probes their health and owns the reconnect back-off state machine.
package registry

import (
	"context"
	"net"
	"regexp"
	"strconv"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	mon = monkit.Package()

	// Error is the default registry errs class.
	Error = errs.Class("registry")
	// ErrValidation is returned when a registration carries invalid fields.
	ErrValidation = errs.Class("peer validation")
	// ErrPeerNotFound is returned when the requested peer is unknown.
	ErrPeerNotFound = errs.Class("peer not found")
)

var peerIDRx = regexp.MustCompile(`^[A-Za-z0-9_-]{3,50}$`)

// Registration is the set of fields a peer provides when it registers.
type Registration struct {
	PeerID   string `json:"peer_id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	GRPCPort int    `json:"grpc_port"`
}

// Validate checks the registration fields.
func (reg Registration) Validate() error {
	switch {
	case !peerIDRx.MatchString(reg.PeerID):
		return ErrValidation.New("peer_id must be 3-50 characters of letters, digits, '_' or '-'")
	case reg.Host == "":
		return ErrValidation.New("host is required")
	case reg.Port < 1 || reg.Port > 65535:
		return ErrValidation.New("port must be between 1 and 65535")
	case reg.GRPCPort < 0 || reg.GRPCPort > 65535:
		return ErrValidation.New("grpc_port must be between 0 and 65535")
	}
	return nil
}

// Record is a stored peer row.
type Record struct {
	PeerID    string
	Host      string
	Port      int
	GRPCPort  int
	IsOnline  bool
	LastSeen  time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Address returns the host:port the peer agent serves on.
func (record *Record) Address() string {
	return net.JoinHostPort(record.Host, strconv.Itoa(record.Port))
}

// Info is the peer view returned by list endpoints. FilesCount counts
// available catalog rows only.
type Info struct {
	PeerID     string     `json:"peer_id"`
	Host       string     `json:"host"`
	Port       int        `json:"port"`
	GRPCPort   int        `json:"grpc_port"`
	IsOnline   bool       `json:"is_online"`
	LastSeen   *time.Time `json:"last_seen"`
	FilesCount int64      `json:"files_count"`
}

// Status is the result of probing one peer on demand.
type Status struct {
	PeerID     string     `json:"peer_id"`
	IsOnline   bool       `json:"is_online"`
	LastSeen   *time.Time `json:"last_seen"`
	FilesCount int64      `json:"files_count"`
	TotalSize  int64      `json:"total_size"`
}

// DB is the interface for the peers table.
//
// architecture: Database
type DB interface {
	// Upsert creates the peer or refreshes its endpoint fields, marking it
	// online with a fresh last_seen.
	Upsert(ctx context.Context, reg Registration) error
	// Get returns the stored record, ErrPeerNotFound otherwise.
	Get(ctx context.Context, peerID string) (*Record, error)
	// All returns every peer with its available files count.
	All(ctx context.Context) ([]Info, error)
	// Online returns peers currently marked online.
	Online(ctx context.Context) ([]Info, error)
	// SetOnline flips the online flag; last_seen is refreshed when online is
	// true. Returns ErrPeerNotFound when the peer is unknown.
	SetOnline(ctx context.Context, peerID string, online bool) error
	// Counts returns the available file count and total size for one peer.
	Counts(ctx context.Context, peerID string) (files, totalSize int64, err error)
	// PeerCounts returns how many peers exist and how many are online.
	PeerCounts(ctx context.Context) (total, online int64, err error)
}

// Pinger probes a peer agent address.
type Pinger interface {
	Ping(ctx context.Context, addr string) error
}

// Reindexer accepts asynchronous reindex requests for a peer.
type Reindexer interface {
	RequestReindex(peerID string)
}

// Config holds registry and reconnect settings.
type Config struct {
	ProbeInterval          time.Duration `help:"how often online peers are health probed" default:"60s"`
	ReconnectInterval      time.Duration `help:"fixed delay between reconnect attempts for an offline peer" default:"30s"`
	ReconnectMaxAttempts   int           `help:"consecutive failed reconnect attempts before a peer is marked failed" default:"5"`
	ReconnectCheckInterval time.Duration `help:"how often due reconnect attempts are evaluated" default:"10s"`
}

// Service exposes peer registration, views and on-demand probing.
//
// architecture: Service
type Service struct {
	log         *zap.Logger
	db          DB
	pinger      Pinger
	reconnector *Reconnector
	reindexer   Reindexer
	config      Config
}

// NewService creates a registry service. The reconnector and reindexer
// may be nil when those subsystems are not wired.
func NewService(log *zap.Logger, db DB, pinger Pinger, reconnector *Reconnector, reindexer Reindexer, config Config) *Service {
	return &Service{
		log:         log,
		db:          db,
		pinger:      pinger,
		reconnector: reconnector,
		reindexer:   reindexer,
		config:      config,
	}
}

// Register upserts the peer, marks it online and schedules a reindex of
// its file list. Re-registration replaces endpoint fields; no history is
// kept.
func (service *Service) Register(ctx context.Context, reg Registration) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := reg.Validate(); err != nil {
		return err
	}
	if err := service.db.Upsert(ctx, reg); err != nil {
		return Error.Wrap(err)
	}

	if service.reconnector != nil {
		service.reconnector.PeerSeen(ctx, reg.PeerID)
	}

	service.log.Info("peer registered",
		zap.String("peer", reg.PeerID),
		zap.String("host", reg.Host),
		zap.Int("port", reg.Port))

	// The upsert is committed before the reindex is requested, so the
	// indexer always observes the registration.
	if service.reindexer != nil {
		service.reindexer.RequestReindex(reg.PeerID)
	}
	return nil
}

// Unregister marks the peer offline. The row is kept.
func (service *Service) Unregister(ctx context.Context, peerID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := service.db.SetOnline(ctx, peerID, false); err != nil {
		return Error.Wrap(err)
	}
	if service.reconnector != nil {
		service.reconnector.Forget(ctx, peerID)
	}
	service.log.Info("peer unregistered", zap.String("peer", peerID))
	return nil
}

// All returns every known peer.
func (service *Service) All(ctx context.Context) (_ []Info, err error) {
	defer mon.Task()(&ctx)(&err)
	infos, err := service.db.All(ctx)
	return infos, Error.Wrap(err)
}

// Online returns the current online set.
func (service *Service) Online(ctx context.Context) (_ []Info, err error) {
	defer mon.Task()(&ctx)(&err)
	infos, err := service.db.Online(ctx)
	return infos, Error.Wrap(err)
}

// Get returns the stored record for one peer.
func (service *Service) Get(ctx context.Context, peerID string) (_ *Record, err error) {
	defer mon.Task()(&ctx)(&err)
	record, err := service.db.Get(ctx, peerID)
	return record, Error.Wrap(err)
}

// Status probes the peer once and persists the observed liveness when it
// disagrees with the stored flag.
func (service *Service) Status(ctx context.Context, peerID string) (_ *Status, err error) {
	defer mon.Task()(&ctx)(&err)

	record, err := service.db.Get(ctx, peerID)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	online := service.pinger.Ping(ctx, record.Address()) == nil
	if online != record.IsOnline {
		if err := service.db.SetOnline(ctx, peerID, online); err != nil {
			return nil, Error.Wrap(err)
		}
		if service.reconnector != nil {
			if online {
				service.reconnector.PeerSeen(ctx, peerID)
			} else {
				service.reconnector.PeerLost(ctx, peerID, record.Address())
			}
		}
		record.IsOnline = online
		if online {
			record.LastSeen = time.Now().UTC()
		}
	}

	files, totalSize, err := service.db.Counts(ctx, peerID)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	return &Status{
		PeerID:     record.PeerID,
		IsOnline:   record.IsOnline,
		LastSeen:   timePtr(record.LastSeen),
		FilesCount: files,
		TotalSize:  totalSize,
	}, nil
}

// PeerCounts reports the totals used by the system stats endpoint.
func (service *Service) PeerCounts(ctx context.Context) (total, online int64, err error) {
	defer mon.Task()(&ctx)(&err)
	total, online, err = service.db.PeerCounts(ctx)
	return total, online, Error.Wrap(err)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
