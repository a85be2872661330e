// Copyright (c) 2025, the DFlexy contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dflexy/metarr/internal/kv"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// brokenStore fails every operation, standing in for an unreachable Redis.
type brokenStore struct{}

var errStoreDown = errors.New("store down")

func (brokenStore) Get(context.Context, string) (string, error)          { return "", errStoreDown }
func (brokenStore) Set(context.Context, string, string) error            { return errStoreDown }
func (brokenStore) SetWithTTL(context.Context, string, string, time.Duration) error {
	return errStoreDown
}
func (brokenStore) Exists(context.Context, string) (bool, error)         { return false, errStoreDown }
func (brokenStore) Delete(context.Context, ...string) error              { return errStoreDown }
func (brokenStore) Expire(context.Context, string, time.Duration) error  { return errStoreDown }
func (brokenStore) TTL(context.Context, string) (time.Duration, error)   { return 0, errStoreDown }
func (brokenStore) HGet(context.Context, string, string) (string, error) { return "", errStoreDown }
func (brokenStore) HSet(context.Context, string, string, string) error   { return errStoreDown }
func (brokenStore) HDel(context.Context, string, ...string) error        { return errStoreDown }
func (brokenStore) HIncrBy(context.Context, string, string, int64) (int64, error) {
	return 0, errStoreDown
}
func (brokenStore) Ping(context.Context) error { return errStoreDown }

func newTestCache(t *testing.T, store kv.Store) (*Tiered, *testClock) {
	t.Helper()

	clock := newTestClock()
	tiered := New(store, DefaultConfig())
	tiered.SetClock(clock.Now)
	return tiered, clock
}

func TestTieredSetGetRoundTrip(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	store := kv.NewMemoryStore()
	store.SetClock(clock.Now)
	tiered := New(store, DefaultConfig())
	tiered.SetClock(clock.Now)
	ctx := context.Background()

	key := kv.MetadataKey("aa")
	tiered.Set(ctx, key, `{"size":100}`, 7*24*time.Hour)

	value, ok := tiered.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, `{"size":100}`, value)

	// Second read is served from the local tier even with the store gone.
	tiered.store = brokenStore{}
	value, ok = tiered.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, `{"size":100}`, value)
}

func TestTieredSharedTTLExpiry(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	store := kv.NewMemoryStore()
	store.SetClock(clock.Now)

	cfg := DefaultConfig()
	tiered := New(store, cfg)
	tiered.SetClock(clock.Now)
	ctx := context.Background()

	key := kv.TrackerKey("bb")
	tiered.Set(ctx, key, `{"seed":5,"leech":2}`, time.Hour)

	_, ok := tiered.Get(ctx, key)
	require.True(t, ok)

	// Past both the local TTL and the entry TTL, the value is gone.
	clock.Advance(time.Hour + time.Second)
	_, ok = tiered.Get(ctx, key)
	assert.False(t, ok)
}

func TestTieredLocalEntryExpiry(t *testing.T) {
	t.Parallel()

	tiered, clock := newTestCache(t, nil)
	ctx := context.Background()

	tiered.Set(ctx, "k", "v", 10*time.Second)

	_, ok := tiered.Get(ctx, "k")
	require.True(t, ok)

	clock.Advance(11 * time.Second)
	_, ok = tiered.Get(ctx, "k")
	assert.False(t, ok, "entry TTL shorter than the local tier TTL must win")
}

func TestTieredFailureClasses(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	store := kv.NewMemoryStore()
	store.SetClock(clock.Now)
	tiered := New(store, DefaultConfig())
	tiered.SetClock(clock.Now)
	ctx := context.Background()

	notFound := kv.MetadataFailureKey("cc")
	overload := kv.MetadataOverloadKey("cc")
	tiered.SetFailure(ctx, notFound, FailureNotFound)
	tiered.SetFailure(ctx, overload, FailureOverload)

	assert.True(t, tiered.IsFailureCached(ctx, notFound, overload))

	// The not-found marker lapses first, the overload marker outlives it.
	clock.Advance(61 * time.Second)
	assert.False(t, tiered.IsFailureCached(ctx, notFound))
	assert.True(t, tiered.IsFailureCached(ctx, overload))

	clock.Advance(5 * time.Minute)
	assert.False(t, tiered.IsFailureCached(ctx, notFound, overload))
}

func TestTieredDegradesToLocalTier(t *testing.T) {
	t.Parallel()

	tiered, clock := newTestCache(t, brokenStore{})
	ctx := context.Background()

	tiered.Set(ctx, "k", "v", time.Hour)

	value, ok := tiered.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", value)

	tiered.SetFailure(ctx, "fail", FailureNotFound)
	assert.True(t, tiered.IsFailureCached(ctx, "fail"))

	// Local writes are bounded by the local tier TTL even for long entries.
	clock.Advance(DefaultLocalTTL + time.Second)
	_, ok = tiered.Get(ctx, "k")
	assert.False(t, ok)
}

func TestTieredDelete(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	store := kv.NewMemoryStore()
	store.SetClock(clock.Now)
	tiered := New(store, DefaultConfig())
	tiered.SetClock(clock.Now)
	ctx := context.Background()

	tiered.Set(ctx, "k", "v", time.Hour)
	_, ok := tiered.Get(ctx, "k")
	require.True(t, ok)

	tiered.Delete(ctx, "k")
	_, ok = tiered.Get(ctx, "k")
	assert.False(t, ok)
}
