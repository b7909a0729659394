// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

package cache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"

	"redp2p.io/redp2p/coordinator/cache"
)

func TestMemoryGetSetExpiry(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := cache.NewMemory(10)
	defer ctx.Check(store.Close)

	now := time.Now()
	store.SetNow(func() time.Time { return now })

	_, err := store.Get(ctx, "missing")
	require.True(t, cache.ErrKeyNotFound.Has(err), err)

	require.NoError(t, store.Set(ctx, "key", []byte("value"), time.Minute))

	value, err := store.Get(ctx, "key")
	require.NoError(t, err)
	require.Equal(t, []byte("value"), value)

	// Mutating the returned slice must not affect the stored copy.
	value[0] = 'X'
	value, err = store.Get(ctx, "key")
	require.NoError(t, err)
	require.Equal(t, []byte("value"), value)

	now = now.Add(time.Minute + time.Second)
	_, err = store.Get(ctx, "key")
	require.True(t, cache.ErrKeyNotFound.Has(err), err)
}

func TestMemoryDeletePrefix(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := cache.NewMemory(10)
	defer ctx.Check(store.Close)

	require.NoError(t, store.Set(ctx, "search:abc", []byte("1"), time.Minute))
	require.NoError(t, store.Set(ctx, "search:def", []byte("2"), time.Minute))
	require.NoError(t, store.Set(ctx, "peerstatus:peer-1", []byte("3"), time.Minute))

	require.NoError(t, store.DeletePrefix(ctx, "search:"))

	_, err := store.Get(ctx, "search:abc")
	require.True(t, cache.ErrKeyNotFound.Has(err), err)
	_, err = store.Get(ctx, "search:def")
	require.True(t, cache.ErrKeyNotFound.Has(err), err)

	value, err := store.Get(ctx, "peerstatus:peer-1")
	require.NoError(t, err)
	require.Equal(t, []byte("3"), value)

	require.NoError(t, store.Delete(ctx, "peerstatus:peer-1"))
	_, err = store.Get(ctx, "peerstatus:peer-1")
	require.True(t, cache.ErrKeyNotFound.Has(err), err)

	// Deleting a missing key is not an error.
	require.NoError(t, store.Delete(ctx, "peerstatus:peer-1"))
}

func TestMemoryEvictsOldest(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := cache.NewMemory(2)
	defer ctx.Check(store.Close)

	base := time.Now()
	now := base
	store.SetNow(func() time.Time { return now })

	require.NoError(t, store.Set(ctx, "first", []byte("1"), time.Hour))
	now = base.Add(time.Second)
	require.NoError(t, store.Set(ctx, "second", []byte("2"), time.Hour))
	now = base.Add(2 * time.Second)
	require.NoError(t, store.Set(ctx, "third", []byte("3"), time.Hour))

	_, err := store.Get(ctx, "first")
	require.True(t, cache.ErrKeyNotFound.Has(err), err)

	_, err = store.Get(ctx, "second")
	require.NoError(t, err)
	_, err = store.Get(ctx, "third")
	require.NoError(t, err)
}

func TestOpenDefaultsToMemory(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := cache.Open(ctx, cache.Config{})
	require.NoError(t, err)
	defer ctx.Check(store.Close)

	require.NoError(t, store.Ping(ctx))
	require.IsType(t, &cache.Memory{}, store)
}
