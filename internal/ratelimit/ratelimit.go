// Copyright (c) 2025, the DFlexy contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package ratelimit throttles requests against a single upstream host.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultBurst    = 10
	DefaultInterval = 150 * time.Millisecond
)

// Limiter is a token bucket protecting one upstream host. Tokens replenish
// proportionally to elapsed time, capped at the burst capacity. Acquire can
// only delay, never fail, unless the context is cancelled.
type Limiter struct {
	limiter *rate.Limiter
}

// New builds a limiter with the given burst capacity and minimum
// inter-request interval. Non-positive arguments fall back to defaults.
func New(burst int, minInterval time.Duration) *Limiter {
	if burst <= 0 {
		burst = DefaultBurst
	}
	if minInterval <= 0 {
		minInterval = DefaultInterval
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Every(minInterval), burst)}
}

// Acquire blocks until a token is available or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Allow reports whether a token is available right now without waiting.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}
