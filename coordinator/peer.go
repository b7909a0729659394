// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

// Package coordinator assembles the central coordinator: peer registry,
// file catalog, transfer manager and the REST API.
package coordinator

import (
	"context"
	"net"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/errs2"

	"redp2p.io/redp2p/coordinator/api"
	"redp2p.io/redp2p/coordinator/cache"
	"redp2p.io/redp2p/coordinator/catalog"
	"redp2p.io/redp2p/coordinator/coordinatordb"
	"redp2p.io/redp2p/coordinator/peerclient"
	"redp2p.io/redp2p/coordinator/registry"
	"redp2p.io/redp2p/coordinator/transfer"
)

// Error is the default coordinator errs class.
var Error = errs.Class("coordinator")

// Config is all the configuration for the coordinator.
type Config struct {
	Database coordinatordb.Config

	API        api.Config
	PeerClient peerclient.Config
	Registry   registry.Config
	Catalog    catalog.Config
	Transfer   transfer.Config
}

// Peer is the coordinator process.
//
// architecture: Peer
type Peer struct {
	Log *zap.Logger
	DB  *coordinatordb.DB

	PeerClient *peerclient.Client

	Hot cache.Store

	Registry struct {
		Service     *registry.Service
		Chore       *registry.Chore
		Reconnector *registry.Reconnector
	}

	Catalog struct {
		Service *catalog.Service
	}

	Transfers struct {
		Manager *transfer.Manager
	}

	API struct {
		Listener net.Listener
		Server   *api.Server
	}
}

// New creates a new coordinator peer.
func New(ctx context.Context, log *zap.Logger, db *coordinatordb.DB, config Config) (peer *Peer, err error) {
	peer = &Peer{
		Log: log,
		DB:  db,
	}

	{ // setup peer client
		peer.PeerClient = peerclient.New(config.PeerClient)
	}

	{ // setup hot cache
		peer.Hot, err = cache.Open(ctx, config.API.Cache)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
	}

	{ // setup registry
		peer.Registry.Reconnector = registry.NewReconnector(
			log.Named("reconnect"),
			db.Peers(),
			peer.PeerClient,
			config.Registry,
		)
		peer.Registry.Reconnector.Subscribe(loggingObserver{log: log.Named("reconnect")})

		peer.Registry.Chore = registry.NewChore(
			log.Named("probe"),
			db.Peers(),
			peer.PeerClient,
			peer.Registry.Reconnector,
			config.Registry,
		)
	}

	{ // setup catalog
		peer.Catalog.Service = catalog.NewService(
			log.Named("catalog"),
			db.Files(),
			db.SearchLogs(),
			nil, // registry service is wired below
			peer.PeerClient,
			config.Catalog,
		)
	}

	{ // finish registry wiring
		peer.Registry.Service = registry.NewService(
			log.Named("registry"),
			db.Peers(),
			peer.PeerClient,
			peer.Registry.Reconnector,
			peer.Catalog.Service,
			config.Registry,
		)
		peer.Catalog.Service.SetPeers(peer.Registry.Service)
	}

	{ // setup transfer manager
		peer.Transfers.Manager = transfer.NewManager(
			log.Named("transfer"),
			db.Transfers(),
			db.Files(),
			peer.Catalog.Service,
			peer.Registry.Service,
			peer.PeerClient,
			config.Transfer,
		)
	}

	{ // setup api
		peer.API.Listener, err = net.Listen("tcp", config.API.Address)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
		peer.API.Server = api.NewServer(
			log.Named("api"),
			peer.API.Listener,
			peer.Registry.Service,
			peer.Catalog.Service,
			peer.Transfers.Manager,
			db.Files(),
			peer.PeerClient,
			peer.Hot,
			config.API,
		)
	}

	return peer, nil
}

// Run runs the coordinator until the context is canceled.
func (peer *Peer) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var group errgroup.Group
	group.Go(func() error {
		return ignoreCancel(peer.Registry.Chore.Run(ctx))
	})
	group.Go(func() error {
		return ignoreCancel(peer.Registry.Reconnector.Run(ctx))
	})
	group.Go(func() error {
		return ignoreCancel(peer.Catalog.Service.Run(ctx))
	})
	group.Go(func() error {
		return ignoreCancel(peer.Transfers.Manager.Run(ctx))
	})
	group.Go(func() error {
		return ignoreCancel(peer.API.Server.Run(ctx))
	})

	return group.Wait()
}

func ignoreCancel(err error) error {
	if errs2.IsCanceled(err) {
		return nil
	}
	return err
}

// Close closes all the resources in reverse initialization order.
func (peer *Peer) Close() error {
	var errlist errs.Group

	if peer.API.Server != nil {
		errlist.Add(peer.API.Server.Close())
	} else if peer.API.Listener != nil {
		errlist.Add(peer.API.Listener.Close())
	}
	if peer.Transfers.Manager != nil {
		errlist.Add(peer.Transfers.Manager.Close())
	}
	if peer.Registry.Chore != nil {
		errlist.Add(peer.Registry.Chore.Close())
	}
	if peer.Registry.Reconnector != nil {
		errlist.Add(peer.Registry.Reconnector.Close())
	}
	if peer.Hot != nil {
		errlist.Add(peer.Hot.Close())
	}

	return errlist.Err()
}

// loggingObserver reports reconnect transitions to the log.
type loggingObserver struct {
	log *zap.Logger
}

func (observer loggingObserver) ReconnectStateChanged(event registry.Event) {
	observer.log.Info("peer connection state changed",
		zap.String("peer", event.PeerID),
		zap.String("from", string(event.From)),
		zap.String("to", string(event.To)),
		zap.Int("attempts", event.Attempts))
}
