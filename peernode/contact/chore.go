// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

package contact

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storj.io/common/sync2"
)

// Config holds contact settings.
type Config struct {
	CoordinatorURL   string        `help:"base URL of the coordinator" default:"http://localhost:8000"`
	Timeout          time.Duration `help:"timeout for coordinator requests" default:"10s"`
	RegisterAttempts int           `help:"startup registration attempts before giving up" default:"5"`
	RegisterDelay    time.Duration `help:"delay between startup registration attempts" default:"2s"`
	ResyncInterval   time.Duration `help:"how often the registration is refreshed" default:"30s"`
}

// Chore registers the peer at startup and keeps the registration fresh.
//
// architecture: Chore
type Chore struct {
	log    *zap.Logger
	client *Client
	reg    Registration
	config Config

	Loop *sync2.Cycle
}

// NewChore creates the contact chore.
func NewChore(log *zap.Logger, client *Client, reg Registration, config Config) *Chore {
	return &Chore{
		log:    log,
		client: client,
		reg:    reg,
		config: config,
		Loop:   sync2.NewCycle(config.ResyncInterval),
	}
}

// Run registers with the coordinator and then resyncs periodically.
// Startup registration retries a few times before failing the process;
// later resync failures are logged and retried on the next cycle.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := chore.register(ctx); err != nil {
		return err
	}

	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		if err := chore.client.Register(ctx, chore.reg); err != nil {
			mon.Event("resync_failed")
			chore.log.Warn("registration resync failed", zap.Error(err))
		}
		return nil
	})
}

func (chore *Chore) register(ctx context.Context) error {
	attempts := chore.config.RegisterAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = chore.client.Register(ctx, chore.reg)
		if err == nil {
			chore.log.Info("registered with coordinator",
				zap.String("peer_id", chore.reg.PeerID),
				zap.Int("attempt", attempt))
			return nil
		}
		chore.log.Warn("registration attempt failed",
			zap.Int("attempt", attempt), zap.Error(err))
		if attempt < attempts {
			if !sync2.Sleep(ctx, chore.config.RegisterDelay) {
				return ctx.Err()
			}
		}
	}
	return Error.New("registration failed after %d attempts: %v", attempts, err)
}

// Close deregisters the peer and stops the resync loop. Deregistration
// uses a fresh short-lived context because the run context is already
// canceled during shutdown.
func (chore *Chore) Close() error {
	chore.Loop.Close()

	ctx, cancel := context.WithTimeout(context.Background(), chore.config.Timeout)
	defer cancel()
	if err := chore.client.Deregister(ctx, chore.reg.PeerID); err != nil {
		chore.log.Warn("deregistration failed", zap.Error(err))
	}
	return nil
}
