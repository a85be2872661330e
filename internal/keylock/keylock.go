// Copyright (c) 2025, the DFlexy contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package keylock provides lazily-created per-key mutexes so that at most
// one upstream resolution runs per info hash or URL process-wide.
package keylock

import "sync"

// KeyedLock hands out one mutex per key. Entries are created atomically on
// first contention and never destroyed; the leak is bounded by the number of
// distinct keys seen, which is acceptable at info-hash cardinality.
type KeyedLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New() *KeyedLock {
	return &KeyedLock{locks: make(map[string]*sync.Mutex)}
}

// get returns the mutex for key, creating it under the guard if needed. The
// guard is held only during entry creation, never during use.
func (k *KeyedLock) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()

	if lock, exists := k.locks[key]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	k.locks[key] = lock
	return lock
}

// Lock blocks until the key's mutex is held and returns its release func.
func (k *KeyedLock) Lock(key string) func() {
	lock := k.get(key)
	lock.Lock()
	return lock.Unlock
}

// TryLock attempts to take the key's mutex without blocking.
func (k *KeyedLock) TryLock(key string) (release func(), ok bool) {
	lock := k.get(key)
	if !lock.TryLock() {
		return nil, false
	}
	return lock.Unlock, true
}

// Do runs fn while holding the key's mutex. Release is guaranteed on every
// exit path, including panics.
func (k *KeyedLock) Do(key string, fn func()) {
	release := k.Lock(key)
	defer release()
	fn()
}
