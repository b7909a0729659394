// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

// Package peernode assembles a peer node: the shared-directory indexer,
// the agent REST server and the coordinator contact chore.
package peernode

import (
	"context"
	"net"
	"strconv"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/errs2"

	"redp2p.io/redp2p/peernode/agent"
	"redp2p.io/redp2p/peernode/contact"
	"redp2p.io/redp2p/peernode/fileindex"
)

// Error is the default peernode errs class.
var Error = errs.Class("peernode")

// Config is all the configuration for a peer node.
type Config struct {
	PeerID       string `help:"unique peer identifier" default:""`
	ExternalHost string `help:"host other nodes use to reach this peer" default:"localhost"`

	Agent     agent.Config
	Contact   contact.Config
	FileIndex fileindex.Config
}

// Peer is the peer node process.
//
// architecture: Peer
type Peer struct {
	Log *zap.Logger

	FileIndex struct {
		Cache   *fileindex.HashCache
		Service *fileindex.Service
	}

	Contact struct {
		Client *contact.Client
		Chore  *contact.Chore
	}

	Agent struct {
		Listener net.Listener
		Server   *agent.Server
	}
}

// New creates a new peer node.
func New(ctx context.Context, log *zap.Logger, config Config) (peer *Peer, err error) {
	if config.PeerID == "" {
		return nil, Error.New("peer-id is required")
	}

	peer = &Peer{
		Log: log,
	}

	{ // setup file index
		peer.FileIndex.Cache, err = fileindex.OpenHashCache(config.FileIndex.CachePath)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
		peer.FileIndex.Service = fileindex.NewService(
			log.Named("fileindex"),
			peer.FileIndex.Cache,
			config.FileIndex,
		)
	}

	{ // setup agent listener
		peer.Agent.Listener, err = net.Listen("tcp", config.Agent.Address)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
	}

	{ // setup contact
		peer.Contact.Client = contact.NewClient(config.Contact.CoordinatorURL, config.Contact.Timeout)

		port, err := listenerPort(peer.Agent.Listener)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
		peer.Contact.Chore = contact.NewChore(
			log.Named("contact"),
			peer.Contact.Client,
			contact.Registration{
				PeerID: config.PeerID,
				Host:   config.ExternalHost,
				Port:   port,
			},
			config.Contact,
		)
	}

	{ // setup agent server
		peer.Agent.Server = agent.NewServer(
			log.Named("agent"),
			peer.Agent.Listener,
			config.PeerID,
			peer.FileIndex.Service,
			neighborSource{client: peer.Contact.Client, self: config.PeerID},
			config.Agent,
		)
	}

	return peer, nil
}

// Run runs the peer node until the context is canceled.
func (peer *Peer) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var group errgroup.Group
	group.Go(func() error {
		return ignoreCancel(peer.FileIndex.Service.Run(ctx))
	})
	group.Go(func() error {
		return ignoreCancel(peer.Contact.Chore.Run(ctx))
	})
	group.Go(func() error {
		return ignoreCancel(peer.Agent.Server.Run(ctx))
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

	if peer.Agent.Server != nil {
		errlist.Add(peer.Agent.Server.Close())
	} else if peer.Agent.Listener != nil {
		errlist.Add(peer.Agent.Listener.Close())
	}
	if peer.Contact.Chore != nil {
		errlist.Add(peer.Contact.Chore.Close())
	}
	if peer.FileIndex.Service != nil {
		errlist.Add(peer.FileIndex.Service.Close())
	}
	if peer.FileIndex.Cache != nil {
		errlist.Add(peer.FileIndex.Cache.Close())
	}

	return errlist.Err()
}

func listenerPort(listener net.Listener) (int, error) {
	_, portStr, err := net.SplitHostPort(listener.Addr().String())
	if err != nil {
		return 0, Error.Wrap(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return port, nil
}

// neighborSource adapts the coordinator client to the agent's neighbor
// listing, filtering the peer itself out of the result.
type neighborSource struct {
	client *contact.Client
	self   string
}

func (source neighborSource) Neighbors(ctx context.Context) ([]agent.Neighbor, error) {
	peers, err := source.client.OnlinePeers(ctx)
	if err != nil {
		return nil, err
	}
	neighbors := make([]agent.Neighbor, 0, len(peers))
	for _, info := range peers {
		if info.PeerID == source.self {
			continue
		}
		neighbors = append(neighbors, agent.Neighbor{
			PeerID:   info.PeerID,
			Host:     info.Host,
			Port:     info.Port,
			IsOnline: info.IsOnline,
		})
	}
	return neighbors, nil
}
