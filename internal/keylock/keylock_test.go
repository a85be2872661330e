// Copyright (c) 2025, the DFlexy contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package keylock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleFlightPerKey(t *testing.T) {
	kl := New()

	var inFlight atomic.Int32
	var maxInFlight atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kl.Do("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", func() {
				cur := inFlight.Add(1)
				for {
					prev := maxInFlight.Load()
					if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inFlight.Add(-1)
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load(), "no two holders for the same key may overlap")
}

func TestDifferentKeysDoNotContend(t *testing.T) {
	kl := New()

	releaseA := kl.Lock("key-a")
	defer releaseA()

	done := make(chan struct{})
	go func() {
		kl.Do("key-b", func() {})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on key-b blocked behind key-a")
	}
}

func TestTryLock(t *testing.T) {
	kl := New()

	release, ok := kl.TryLock("key")
	require.True(t, ok)

	_, ok = kl.TryLock("key")
	assert.False(t, ok, "second TryLock while held must fail")

	release()

	release2, ok := kl.TryLock("key")
	require.True(t, ok)
	release2()
}

func TestDoReleasesOnPanic(t *testing.T) {
	kl := New()

	func() {
		defer func() { _ = recover() }()
		kl.Do("key", func() { panic("boom") })
	}()

	_, ok := kl.TryLock("key")
	assert.True(t, ok, "mutex must be released after a panic inside fn")
}
