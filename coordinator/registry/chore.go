// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

package registry

import (
	"context"

	"go.uber.org/zap"

	"storj.io/common/sync2"
)

// Chore probes every online peer on an interval. Probe failure marks
// the peer offline and hands it to the reconnector.
//
// architecture: Chore
type Chore struct {
	log         *zap.Logger
	db          DB
	pinger      Pinger
	reconnector *Reconnector

	Loop *sync2.Cycle
}

// NewChore creates the health probe chore.
func NewChore(log *zap.Logger, db DB, pinger Pinger, reconnector *Reconnector, config Config) *Chore {
	return &Chore{
		log:         log,
		db:          db,
		pinger:      pinger,
		reconnector: reconnector,
		Loop:        sync2.NewCycle(config.ProbeInterval),
	}
}

// Run probes the online set until the context is done.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return chore.Loop.Run(ctx, chore.probeAll)
}

// Close stops the probe loop.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}

func (chore *Chore) probeAll(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	online, err := chore.db.Online(ctx)
	if err != nil {
		chore.log.Warn("listing online peers failed", zap.Error(err))
		return nil
	}

	for _, info := range online {
		if ctx.Err() != nil {
			return nil
		}
		record := Record{PeerID: info.PeerID, Host: info.Host, Port: info.Port}

		if pingErr := chore.pinger.Ping(ctx, record.Address()); pingErr != nil {
			mon.Event("peer_probe_failed")
			chore.log.Info("peer went offline",
				zap.String("peer", info.PeerID), zap.Error(pingErr))
			if err := chore.db.SetOnline(ctx, info.PeerID, false); err != nil {
				chore.log.Warn("offline flag not persisted",
					zap.String("peer", info.PeerID), zap.Error(err))
				continue
			}
			if chore.reconnector != nil {
				chore.reconnector.PeerLost(ctx, info.PeerID, record.Address())
			}
			continue
		}

		// Refreshes last_seen so the liveness invariant holds.
		if err := chore.db.SetOnline(ctx, info.PeerID, true); err != nil {
			chore.log.Warn("last_seen not refreshed",
				zap.String("peer", info.PeerID), zap.Error(err))
		}
	}
	return nil
}
