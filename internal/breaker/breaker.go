// Copyright (c) 2025, the DFlexy contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package breaker implements a named circuit breaker shared across processes
// through the key-value store, with a process-local fallback when the store
// is unreachable.
package breaker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/rs/zerolog/log"

	"github.com/dflexy/metarr/internal/kv"
)

// Resource classes guarded by the breaker.
const (
	ClassMetadata = "metadata"
	ClassTracker  = "tracker"
)

const (
	fieldTimeouts  = "timeouts"
	fieldOverloads = "503s"
	fieldDisabled  = "disabled"

	logCooldown = 30 * time.Second
)

type Config struct {
	// TimeoutThreshold trips the breaker after N consecutive timeouts.
	TimeoutThreshold int
	// OverloadThreshold trips the breaker after N consecutive 503s.
	OverloadThreshold int
	// CounterTTL bounds how long consecutive-failure counters survive
	// without further failures.
	CounterTTL time.Duration
	// Cooldown is how long the breaker stays open once tripped.
	Cooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		TimeoutThreshold:  3,
		OverloadThreshold: 5,
		CounterTTL:        time.Minute,
		Cooldown:          time.Minute,
	}
}

// localState is the degraded, unshared fallback used while the store is
// unreachable. It protects only the current process, a weaker guarantee
// than the shared breaker; callers are expected to tolerate that.
type localState struct {
	timeouts      int
	overloads     int
	lastFailure   time.Time
	disabledUntil time.Time
}

type Breaker struct {
	store kv.Store
	cfg   Config

	mu    sync.Mutex
	local map[string]*localState

	logThrottle *ttlcache.Cache[string, struct{}]

	onTrip func(class string)
	now    func() time.Time
}

// New builds a breaker. store may be nil, in which case only the local
// fallback is used.
func New(store kv.Store, cfg Config) *Breaker {
	if cfg.TimeoutThreshold <= 0 {
		cfg.TimeoutThreshold = 3
	}
	if cfg.OverloadThreshold <= 0 {
		cfg.OverloadThreshold = 5
	}
	if cfg.CounterTTL <= 0 {
		cfg.CounterTTL = time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}

	return &Breaker{
		store:       store,
		cfg:         cfg,
		local:       make(map[string]*localState),
		logThrottle: ttlcache.New(ttlcache.Options[string, struct{}]{}.SetDefaultTTL(logCooldown)),
		now:         time.Now,
	}
}

// SetClock replaces the time source. Test helper.
func (b *Breaker) SetClock(now func() time.Time) { b.now = now }

// SetTripHook registers a callback invoked each time a circuit opens,
// shared or local. Used for instrumentation.
func (b *Breaker) SetTripHook(fn func(class string)) { b.onTrip = fn }

func (b *Breaker) notifyTrip(class string) {
	if b.onTrip != nil {
		b.onTrip(class)
	}
}

// IsOpen reports whether the class is currently disabled. Open breakers are
// expected steady-state behavior and must stay cheap: one hash read on the
// shared path, one map lookup on the fallback path.
func (b *Breaker) IsOpen(ctx context.Context, class string) bool {
	if b.store != nil {
		raw, err := b.store.HGet(ctx, kv.CircuitKey(class), fieldDisabled)
		switch {
		case err == nil:
			deadline, parseErr := strconv.ParseInt(raw, 10, 64)
			if parseErr != nil {
				return false
			}
			if b.now().Unix() < deadline {
				b.logThrottled("open/"+class, func() {
					remaining := deadline - b.now().Unix()
					log.Debug().Str("class", class).Int64("remainingSec", remaining).Msg("Circuit breaker open, skipping upstream")
				})
				return true
			}
			// Cooldown elapsed, clear the stale field.
			_ = b.store.HDel(ctx, kv.CircuitKey(class), fieldDisabled)
			return false
		case errors.Is(err, kv.ErrNotFound):
			return false
		default:
			b.logStoreError("read circuit state", err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.localLocked(class)
	return b.now().Before(state.disabledUntil)
}

// RecordTimeout counts a consecutive upstream timeout and trips the breaker
// at the configured threshold.
func (b *Breaker) RecordTimeout(ctx context.Context, class string) {
	b.record(ctx, class, fieldTimeouts, b.cfg.TimeoutThreshold)
}

// RecordOverload counts a consecutive upstream 503 and trips the breaker at
// the configured threshold. Repeated 503s mean the upstream is shedding
// load, which justifies the same cooldown as timeouts but a higher
// threshold per event.
func (b *Breaker) RecordOverload(ctx context.Context, class string) {
	b.record(ctx, class, fieldOverloads, b.cfg.OverloadThreshold)
}

// RecordSuccess clears both failure counters and any open disable window
// (half-open recovery back to closed).
func (b *Breaker) RecordSuccess(ctx context.Context, class string) {
	if b.store != nil {
		if err := b.store.HDel(ctx, kv.CircuitKey(class), fieldTimeouts, fieldOverloads, fieldDisabled); err != nil {
			b.logStoreError("reset circuit counters", err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.localLocked(class)
	state.timeouts = 0
	state.overloads = 0
	state.disabledUntil = time.Time{}
}

func (b *Breaker) record(ctx context.Context, class, field string, threshold int) {
	if b.store != nil && b.recordShared(ctx, class, field, threshold) {
		return
	}
	b.recordLocal(class, field, threshold)
}

func (b *Breaker) recordShared(ctx context.Context, class, field string, threshold int) bool {
	key := kv.CircuitKey(class)

	count, err := b.store.HIncrBy(ctx, key, field, 1)
	if err != nil {
		b.logStoreError("increment circuit counter", err)
		return false
	}
	_ = b.store.Expire(ctx, key, b.cfg.CounterTTL)

	if count < int64(threshold) {
		return true
	}

	deadline := b.now().Add(b.cfg.Cooldown).Unix()
	if err := b.store.HSet(ctx, key, fieldDisabled, strconv.FormatInt(deadline, 10)); err != nil {
		b.logStoreError("open circuit", err)
		return false
	}
	_ = b.store.Expire(ctx, key, b.cfg.Cooldown)
	_ = b.store.HDel(ctx, key, field)

	log.Warn().
		Str("class", class).
		Str("reason", field).
		Int64("count", count).
		Dur("cooldown", b.cfg.Cooldown).
		Msg("Circuit breaker opened")
	b.notifyTrip(class)
	return true
}

func (b *Breaker) recordLocal(class, field string, threshold int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.localLocked(class)
	now := b.now()

	// The local counter honors the same TTL as the shared one: failures
	// separated by more than CounterTTL are not consecutive.
	if !state.lastFailure.IsZero() && now.Sub(state.lastFailure) > b.cfg.CounterTTL {
		state.timeouts = 0
		state.overloads = 0
	}
	state.lastFailure = now

	var count int
	switch field {
	case fieldTimeouts:
		state.timeouts++
		count = state.timeouts
	case fieldOverloads:
		state.overloads++
		count = state.overloads
	}

	if count >= threshold {
		state.disabledUntil = now.Add(b.cfg.Cooldown)
		state.timeouts = 0
		state.overloads = 0
		log.Debug().
			Str("class", class).
			Str("reason", field).
			Int("count", count).
			Msg("Circuit breaker opened (process-local fallback)")
		b.notifyTrip(class)
	}
}

func (b *Breaker) localLocked(class string) *localState {
	state, ok := b.local[class]
	if !ok {
		state = &localState{}
		b.local[class] = state
	}
	return state
}

func (b *Breaker) logThrottled(key string, emit func()) {
	if _, seen := b.logThrottle.Get(key); seen {
		return
	}
	b.logThrottle.Set(key, struct{}{}, ttlcache.DefaultTTL)
	emit()
}

func (b *Breaker) logStoreError(operation string, err error) {
	b.logThrottled("storeerr/"+operation, func() {
		log.Debug().Err(err).Msgf("Shared store unavailable, %s falling back to process-local state", operation)
	})
}
