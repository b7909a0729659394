// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"redp2p.io/redp2p/coordinator/registry"
)

func TestRegistrationValidate(t *testing.T) {
	valid := registry.Registration{PeerID: "peer-1", Host: "localhost", Port: 9001}
	require.NoError(t, valid.Validate())

	for _, tt := range []struct {
		name string
		reg  registry.Registration
	}{
		{"empty peer id", registry.Registration{Host: "localhost", Port: 9001}},
		{"short peer id", registry.Registration{PeerID: "ab", Host: "localhost", Port: 9001}},
		{"invalid characters", registry.Registration{PeerID: "peer 1!", Host: "localhost", Port: 9001}},
		{"missing host", registry.Registration{PeerID: "peer-1", Port: 9001}},
		{"zero port", registry.Registration{PeerID: "peer-1", Host: "localhost"}},
		{"port too large", registry.Registration{PeerID: "peer-1", Host: "localhost", Port: 70000}},
		{"negative grpc port", registry.Registration{PeerID: "peer-1", Host: "localhost", Port: 9001, GRPCPort: -1}},
	} {
		err := tt.reg.Validate()
		require.True(t, registry.ErrValidation.Has(err), tt.name)
	}

	long := make([]byte, 51)
	for i := range long {
		long[i] = 'a'
	}
	err := registry.Registration{PeerID: string(long), Host: "localhost", Port: 9001}.Validate()
	require.True(t, registry.ErrValidation.Has(err))
}

func TestRegisterSchedulesReindex(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newFakePeersDB()
	reindexer := &fakeReindexer{}
	service := registry.NewService(zaptest.NewLogger(t), db, &fakePinger{}, nil, reindexer, registry.Config{})

	err := service.Register(ctx, registry.Registration{PeerID: "x", Host: "localhost", Port: 9001})
	require.True(t, registry.ErrValidation.Has(err), err)
	require.Empty(t, reindexer.Requested())

	require.NoError(t, service.Register(ctx, registry.Registration{
		PeerID: "peer-1", Host: "localhost", Port: 9001,
	}))
	require.Equal(t, []string{"peer-1"}, reindexer.Requested())

	record, err := service.Get(ctx, "peer-1")
	require.NoError(t, err)
	require.True(t, record.IsOnline)

	require.NoError(t, service.Unregister(ctx, "peer-1"))
	record, err = service.Get(ctx, "peer-1")
	require.NoError(t, err)
	require.False(t, record.IsOnline)
}

func TestReconnectorExhaustionAndReset(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newFakePeersDB()
	db.records["peer-1"] = &registry.Record{PeerID: "peer-1", Host: "localhost", Port: 9001}

	pinger := &fakePinger{err: errs.New("connection refused")}
	config := registry.Config{
		ReconnectInterval:      0, // every attempt is immediately due
		ReconnectMaxAttempts:   3,
		ReconnectCheckInterval: time.Hour,
	}

	reconnector := registry.NewReconnector(zaptest.NewLogger(t), db, pinger, config)
	recorder := &eventRecorder{}
	reconnector.Subscribe(recorder)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctx.Go(func() error { return reconnector.Run(runCtx) })
	defer ctx.Check(reconnector.Close)

	require.Equal(t, registry.StateConnected, reconnector.State("peer-1"))

	reconnector.PeerLost(ctx, "peer-1", "localhost:9001")
	require.Equal(t, registry.StateDisconnected, reconnector.State("peer-1"))

	for i := 0; i < config.ReconnectMaxAttempts; i++ {
		reconnector.Loop.TriggerWait()
	}
	require.Equal(t, registry.StateFailed, reconnector.State("peer-1"))

	// A failed peer is not probed anymore.
	attempts := pinger.Attempts()
	reconnector.Loop.TriggerWait()
	require.Equal(t, attempts, pinger.Attempts())

	// Reset re-arms the machine and a now-reachable peer comes back.
	pinger.SetErr(nil)
	reconnector.Reset("peer-1")
	require.Equal(t, registry.StateDisconnected, reconnector.State("peer-1"))

	reconnector.Loop.TriggerWait()
	require.Equal(t, registry.StateConnected, reconnector.State("peer-1"))
	require.True(t, db.records["peer-1"].IsOnline)

	events := recorder.Events()
	require.Equal(t, registry.StateDisconnected, events[0].To)
	last := events[len(events)-1]
	require.Equal(t, registry.StateConnected, last.To)

	var sawFailed bool
	for _, event := range events {
		if event.To == registry.StateFailed {
			sawFailed = true
			require.Equal(t, config.ReconnectMaxAttempts, event.Attempts)
		}
	}
	require.True(t, sawFailed)
}

func TestReconnectorPeerSeenStopsTracking(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newFakePeersDB()
	pinger := &fakePinger{err: errs.New("unreachable")}
	reconnector := registry.NewReconnector(zaptest.NewLogger(t), db, pinger, registry.Config{
		ReconnectInterval:      time.Hour,
		ReconnectMaxAttempts:   5,
		ReconnectCheckInterval: time.Hour,
	})

	reconnector.PeerLost(ctx, "peer-1", "localhost:9001")
	require.Equal(t, registry.StateDisconnected, reconnector.State("peer-1"))

	// Registration while tracked resolves the peer without a probe.
	reconnector.PeerSeen(ctx, "peer-1")
	require.Equal(t, registry.StateConnected, reconnector.State("peer-1"))
	require.Zero(t, pinger.Attempts())
}

type fakePeersDB struct {
	mu      sync.Mutex
	records map[string]*registry.Record
}

func newFakePeersDB() *fakePeersDB {
	return &fakePeersDB{records: make(map[string]*registry.Record)}
}

func (db *fakePeersDB) Upsert(ctx context.Context, reg registry.Registration) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.records[reg.PeerID] = &registry.Record{
		PeerID:   reg.PeerID,
		Host:     reg.Host,
		Port:     reg.Port,
		GRPCPort: reg.GRPCPort,
		IsOnline: true,
		LastSeen: time.Now().UTC(),
	}
	return nil
}

func (db *fakePeersDB) Get(ctx context.Context, peerID string) (*registry.Record, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	record, ok := db.records[peerID]
	if !ok {
		return nil, registry.ErrPeerNotFound.New("%s", peerID)
	}
	copied := *record
	return &copied, nil
}

func (db *fakePeersDB) All(ctx context.Context) ([]registry.Info, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var infos []registry.Info
	for _, record := range db.records {
		infos = append(infos, registry.Info{PeerID: record.PeerID, IsOnline: record.IsOnline})
	}
	return infos, nil
}

func (db *fakePeersDB) Online(ctx context.Context) ([]registry.Info, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var infos []registry.Info
	for _, record := range db.records {
		if record.IsOnline {
			infos = append(infos, registry.Info{PeerID: record.PeerID, IsOnline: true})
		}
	}
	return infos, nil
}

func (db *fakePeersDB) SetOnline(ctx context.Context, peerID string, online bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	record, ok := db.records[peerID]
	if !ok {
		return registry.ErrPeerNotFound.New("%s", peerID)
	}
	record.IsOnline = online
	if online {
		record.LastSeen = time.Now().UTC()
	}
	return nil
}

func (db *fakePeersDB) Counts(ctx context.Context, peerID string) (int64, int64, error) {
	return 0, 0, nil
}

func (db *fakePeersDB) PeerCounts(ctx context.Context) (int64, int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var online int64
	for _, record := range db.records {
		if record.IsOnline {
			online++
		}
	}
	return int64(len(db.records)), online, nil
}

type fakePinger struct {
	mu       sync.Mutex
	err      error
	attempts int
}

func (pinger *fakePinger) Ping(ctx context.Context, addr string) error {
	pinger.mu.Lock()
	defer pinger.mu.Unlock()
	pinger.attempts++
	return pinger.err
}

func (pinger *fakePinger) SetErr(err error) {
	pinger.mu.Lock()
	defer pinger.mu.Unlock()
	pinger.err = err
}

func (pinger *fakePinger) Attempts() int {
	pinger.mu.Lock()
	defer pinger.mu.Unlock()
	return pinger.attempts
}

type fakeReindexer struct {
	mu        sync.Mutex
	requested []string
}

func (reindexer *fakeReindexer) RequestReindex(peerID string) {
	reindexer.mu.Lock()
	defer reindexer.mu.Unlock()
	reindexer.requested = append(reindexer.requested, peerID)
}

func (reindexer *fakeReindexer) Requested() []string {
	reindexer.mu.Lock()
	defer reindexer.mu.Unlock()
	return append([]string(nil), reindexer.requested...)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []registry.Event
}

func (recorder *eventRecorder) ReconnectStateChanged(event registry.Event) {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	recorder.events = append(recorder.events, event)
}

func (recorder *eventRecorder) Events() []registry.Event {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	return append([]registry.Event(nil), recorder.events...)
}
