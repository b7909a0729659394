// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"storj.io/common/sync2"
)

// PeerState is one position in the reconnect state machine.
type PeerState string

// Reconnect states.
const (
	StateConnected    PeerState = "connected"
	StateDisconnected PeerState = "disconnected"
	StateReconnecting PeerState = "reconnecting"
	StateFailed       PeerState = "failed"
)

// Event describes one reconnect state transition.
type Event struct {
	PeerID   string
	From     PeerState
	To       PeerState
	Attempts int
}

// Observer receives reconnect state transitions. Observers subscribe at
// startup; delivery is synchronous and must not block.
type Observer interface {
	ReconnectStateChanged(event Event)
}

type reconnectEntry struct {
	addr        string
	state       PeerState
	attempts    int
	nextAttempt time.Time
}

// Reconnector retries peers that went offline on a fixed interval until
// they answer or the attempt budget is exhausted.
//
// architecture: Chore
type Reconnector struct {
	log    *zap.Logger
	db     DB
	pinger Pinger
	config Config

	Loop *sync2.Cycle

	mu        sync.Mutex
	peers     map[string]*reconnectEntry
	observers []Observer
}

// NewReconnector creates a reconnector.
func NewReconnector(log *zap.Logger, db DB, pinger Pinger, config Config) *Reconnector {
	return &Reconnector{
		log:    log,
		db:     db,
		pinger: pinger,
		config: config,
		Loop:   sync2.NewCycle(config.ReconnectCheckInterval),
		peers:  make(map[string]*reconnectEntry),
	}
}

// Subscribe registers an observer. Call before Run.
func (reconnector *Reconnector) Subscribe(observer Observer) {
	reconnector.mu.Lock()
	defer reconnector.mu.Unlock()
	reconnector.observers = append(reconnector.observers, observer)
}

// Run evaluates due reconnect attempts until the context is done.
func (reconnector *Reconnector) Run(ctx context.Context) error {
	return reconnector.Loop.Run(ctx, reconnector.check)
}

// Close stops the reconnect loop.
func (reconnector *Reconnector) Close() error {
	reconnector.Loop.Close()
	return nil
}

// PeerSeen records a successful observation of the peer: the attempt
// counter resets and tracking stops.
func (reconnector *Reconnector) PeerSeen(ctx context.Context, peerID string) {
	reconnector.mu.Lock()
	entry, ok := reconnector.peers[peerID]
	if !ok {
		reconnector.mu.Unlock()
		return
	}
	from := entry.state
	delete(reconnector.peers, peerID)
	observers := reconnector.observers
	reconnector.mu.Unlock()

	notify(observers, Event{PeerID: peerID, From: from, To: StateConnected})
}

// PeerLost starts tracking an offline peer. The first attempt is
// scheduled one reconnect interval from now.
func (reconnector *Reconnector) PeerLost(ctx context.Context, peerID, addr string) {
	reconnector.mu.Lock()
	if _, ok := reconnector.peers[peerID]; ok {
		reconnector.mu.Unlock()
		return
	}
	reconnector.peers[peerID] = &reconnectEntry{
		addr:        addr,
		state:       StateDisconnected,
		nextAttempt: time.Now().Add(reconnector.config.ReconnectInterval),
	}
	observers := reconnector.observers
	reconnector.mu.Unlock()

	notify(observers, Event{PeerID: peerID, From: StateConnected, To: StateDisconnected})
}

// Forget drops the peer without emitting events, for explicit
// deregistration.
func (reconnector *Reconnector) Forget(ctx context.Context, peerID string) {
	reconnector.mu.Lock()
	defer reconnector.mu.Unlock()
	delete(reconnector.peers, peerID)
}

// Reset re-arms a peer that exhausted its attempts. The next check
// cycle retries immediately.
func (reconnector *Reconnector) Reset(peerID string) {
	reconnector.mu.Lock()
	entry, ok := reconnector.peers[peerID]
	if !ok || entry.state != StateFailed {
		reconnector.mu.Unlock()
		return
	}
	entry.state = StateDisconnected
	entry.attempts = 0
	entry.nextAttempt = time.Now()
	observers := reconnector.observers
	reconnector.mu.Unlock()

	notify(observers, Event{PeerID: peerID, From: StateFailed, To: StateDisconnected})
}

// State reports the tracked state of a peer, StateConnected when the
// peer is not tracked.
func (reconnector *Reconnector) State(peerID string) PeerState {
	reconnector.mu.Lock()
	defer reconnector.mu.Unlock()
	if entry, ok := reconnector.peers[peerID]; ok {
		return entry.state
	}
	return StateConnected
}

// check probes every peer whose retry is due.
func (reconnector *Reconnector) check(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	type due struct {
		peerID string
		addr   string
	}

	now := time.Now()
	reconnector.mu.Lock()
	var pending []due
	for peerID, entry := range reconnector.peers {
		if entry.state == StateFailed || now.Before(entry.nextAttempt) {
			continue
		}
		entry.state = StateReconnecting
		pending = append(pending, due{peerID: peerID, addr: entry.addr})
	}
	reconnector.mu.Unlock()

	for _, attempt := range pending {
		if ctx.Err() != nil {
			return nil
		}
		if pingErr := reconnector.pinger.Ping(ctx, attempt.addr); pingErr != nil {
			reconnector.attemptFailed(attempt.peerID, pingErr)
			continue
		}
		reconnector.attemptSucceeded(ctx, attempt.peerID)
	}
	return nil
}

func (reconnector *Reconnector) attemptSucceeded(ctx context.Context, peerID string) {
	if err := reconnector.db.SetOnline(ctx, peerID, true); err != nil {
		reconnector.log.Warn("reconnected peer not persisted",
			zap.String("peer", peerID), zap.Error(err))
	}

	reconnector.mu.Lock()
	entry, ok := reconnector.peers[peerID]
	var from PeerState
	if ok {
		from = entry.state
		delete(reconnector.peers, peerID)
	}
	observers := reconnector.observers
	reconnector.mu.Unlock()

	if ok {
		mon.Event("peer_reconnected")
		reconnector.log.Info("peer reconnected", zap.String("peer", peerID))
		notify(observers, Event{PeerID: peerID, From: from, To: StateConnected})
	}
}

func (reconnector *Reconnector) attemptFailed(peerID string, cause error) {
	reconnector.mu.Lock()
	entry, ok := reconnector.peers[peerID]
	if !ok {
		reconnector.mu.Unlock()
		return
	}
	entry.attempts++
	event := Event{PeerID: peerID, From: StateReconnecting, Attempts: entry.attempts}
	if entry.attempts >= reconnector.config.ReconnectMaxAttempts {
		entry.state = StateFailed
		event.To = StateFailed
	} else {
		entry.state = StateDisconnected
		// Fixed interval, not exponential.
		entry.nextAttempt = time.Now().Add(reconnector.config.ReconnectInterval)
		event.To = StateDisconnected
	}
	observers := reconnector.observers
	attempts := entry.attempts
	reconnector.mu.Unlock()

	if event.To == StateFailed {
		mon.Event("peer_reconnect_exhausted")
		reconnector.log.Warn("peer reconnect attempts exhausted",
			zap.String("peer", peerID),
			zap.Int("attempts", attempts),
			zap.Error(cause))
	} else {
		reconnector.log.Debug("peer reconnect attempt failed",
			zap.String("peer", peerID),
			zap.Int("attempts", attempts),
			zap.Error(cause))
	}
	notify(observers, event)
}

func notify(observers []Observer, event Event) {
	for _, observer := range observers {
		observer.ReconnectStateChanged(event)
	}
}
