// Copyright (c) 2025, the DFlexy contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireUpToLimit(t *testing.T) {
	sem := New(2)

	rel1, ok := sem.TryAcquire()
	require.True(t, ok)
	rel2, ok := sem.TryAcquire()
	require.True(t, ok)

	_, ok = sem.TryAcquire()
	assert.False(t, ok, "third acquisition must be refused at limit 2")

	rel1()
	rel3, ok := sem.TryAcquire()
	assert.True(t, ok, "released slot must be reusable")

	rel2()
	rel3()
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	sem := New(1)

	rel, err := sem.Acquire(context.Background())
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		rel2, err := sem.Acquire(context.Background())
		if err == nil {
			close(acquired)
			rel2()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while the slot is held")
	case <-time.After(30 * time.Millisecond):
	}

	rel()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never completed after release")
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	sem := New(1)
	rel, err := sem.Acquire(context.Background())
	require.NoError(t, err)
	defer rel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = sem.Acquire(ctx)
	assert.Error(t, err)
}

func TestResizeAppliesToNewAcquisitions(t *testing.T) {
	sem := New(1)
	assert.Equal(t, int64(1), sem.Limit())

	rel, ok := sem.TryAcquire()
	require.True(t, ok)

	sem.Resize(2)
	assert.Equal(t, int64(2), sem.Limit())

	// The fresh budget admits two holders regardless of the old permit.
	relA, ok := sem.TryAcquire()
	require.True(t, ok)
	relB, ok := sem.TryAcquire()
	require.True(t, ok)
	_, ok = sem.TryAcquire()
	assert.False(t, ok)

	// Release of a pre-resize permit does not leak into the new budget.
	rel()
	_, ok = sem.TryAcquire()
	assert.False(t, ok)

	relA()
	relB()
}

func TestReleaseIsIdempotent(t *testing.T) {
	sem := New(1)
	rel, ok := sem.TryAcquire()
	require.True(t, ok)
	rel()
	rel() // second call must be a no-op, not a panic

	rel2, ok := sem.TryAcquire()
	assert.True(t, ok)
	rel2()
}
