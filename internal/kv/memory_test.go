// Copyright (c) 2025, the DFlexy contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSetGetWithTTL(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	require.NoError(t, store.SetWithTTL(ctx, "metadata/data/abc", `{"size":1}`, time.Minute))

	val, err := store.Get(ctx, "metadata/data/abc")
	require.NoError(t, err)
	assert.Equal(t, `{"size":1}`, val)

	// Advance past the TTL; the entry must be gone.
	now = now.Add(61 * time.Second)

	_, err = store.Get(ctx, "metadata/data/abc")
	assert.ErrorIs(t, err, ErrNotFound)

	exists, err := store.Exists(ctx, "metadata/data/abc")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryStoreHashOps(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	key := CircuitKey("metadata")

	n, err := store.HIncrBy(ctx, key, "timeouts", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.HIncrBy(ctx, key, "timeouts", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, store.HSet(ctx, key, "disabled", "12345"))

	val, err := store.HGet(ctx, key, "disabled")
	require.NoError(t, err)
	assert.Equal(t, "12345", val)

	require.NoError(t, store.HDel(ctx, key, "timeouts", "disabled"))

	_, err = store.HGet(ctx, key, "timeouts")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreHashExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	key := CircuitKey("tracker")
	_, err := store.HIncrBy(ctx, key, "timeouts", 3)
	require.NoError(t, err)
	require.NoError(t, store.Expire(ctx, key, time.Minute))

	now = now.Add(2 * time.Minute)

	_, err = store.HGet(ctx, key, "timeouts")
	assert.ErrorIs(t, err, ErrNotFound)

	// A fresh increment starts over from zero.
	n, err := store.HIncrBy(ctx, key, "timeouts", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryStoreTTLReporting(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ttl, err := store.TTL(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, -2*time.Second, ttl)

	require.NoError(t, store.Set(ctx, "forever", "v"))
	ttl, err = store.TTL(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, -1*time.Second, ttl)

	require.NoError(t, store.SetWithTTL(ctx, "bounded", "v", time.Hour))
	ttl, err = store.TTL(ctx, "bounded")
	require.NoError(t, err)
	assert.InDelta(t, time.Hour, ttl, float64(time.Second))
}
