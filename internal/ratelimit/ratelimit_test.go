// Copyright (c) 2025, the DFlexy contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBurstPassesWithoutDelay(t *testing.T) {
	limiter := New(5, 100*time.Millisecond)

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Acquire(context.Background()))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond, "burst-sized batch should not block")
}

func TestRequestBeyondBurstIsDelayed(t *testing.T) {
	interval := 100 * time.Millisecond
	limiter := New(2, interval)

	require.NoError(t, limiter.Acquire(context.Background()))
	require.NoError(t, limiter.Acquire(context.Background()))

	start := time.Now()
	require.NoError(t, limiter.Acquire(context.Background()))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, interval-10*time.Millisecond,
		"third request after draining a burst of two must wait for a refill")
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	limiter := New(1, time.Hour)
	require.NoError(t, limiter.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := limiter.Acquire(ctx)
	assert.Error(t, err)
}

func TestAllowDoesNotBlock(t *testing.T) {
	limiter := New(1, time.Hour)
	assert.True(t, limiter.Allow())
	assert.False(t, limiter.Allow())
}
