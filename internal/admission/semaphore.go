// Copyright (c) 2025, the DFlexy contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package admission caps the number of concurrent upstream fetches globally,
// independent of any per-caller worker pool sizing.
package admission

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

const DefaultLimit = 128

// Semaphore is a resizable admission gate. Resize swaps in a fresh weighted
// semaphore for new acquisitions; permits already held drain against the
// semaphore they were acquired from, so a resize never corrupts accounting.
type Semaphore struct {
	mu    sync.Mutex
	limit int64
	sem   *semaphore.Weighted
}

func New(limit int64) *Semaphore {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Semaphore{limit: limit, sem: semaphore.NewWeighted(limit)}
}

// Acquire blocks until a slot frees or ctx is done. The returned release
// func must be called exactly once.
func (s *Semaphore) Acquire(ctx context.Context) (release func(), err error) {
	s.mu.Lock()
	sem := s.sem
	s.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { sem.Release(1) })
	}, nil
}

// TryAcquire takes a slot without blocking.
func (s *Semaphore) TryAcquire() (release func(), ok bool) {
	s.mu.Lock()
	sem := s.sem
	s.mu.Unlock()

	if !sem.TryAcquire(1) {
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() { sem.Release(1) })
	}, true
}

// Resize changes the concurrency budget for future acquisitions.
func (s *Semaphore) Resize(limit int64) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if limit == s.limit {
		return
	}

	log.Info().Int64("old", s.limit).Int64("new", limit).Msg("Resized upstream admission budget")
	s.limit = limit
	s.sem = semaphore.NewWeighted(limit)
}

// Limit returns the current concurrency budget.
func (s *Semaphore) Limit() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}
