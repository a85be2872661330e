// Copyright (c) 2025, the DFlexy contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package cache implements the two-tier cache used by the resolvers: a
// bounded in-process LRU in front of the shared key-value store, with
// differentiated negative caching per failure class.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"

	"github.com/dflexy/metarr/internal/kv"
)

const (
	DefaultLocalSize = 1000
	DefaultLocalTTL  = time.Minute

	failureMarker = "1"
)

// FailureClass selects the TTL of a negative cache entry. Ascending TTLs:
// a plain miss is retried soonest, an overloaded upstream latest.
type FailureClass int

const (
	// FailureNotFound: upstream 404 or other plain HTTP error.
	FailureNotFound FailureClass = iota
	// FailureNoSize: payload decoded but carried no usable length field.
	FailureNoSize
	// FailureOverload: upstream 503 or a whole-fetch timeout.
	FailureOverload
)

func (c FailureClass) String() string {
	switch c {
	case FailureNotFound:
		return "not-found"
	case FailureNoSize:
		return "no-size"
	case FailureOverload:
		return "overload"
	default:
		return "unknown"
	}
}

type Config struct {
	LocalSize   int
	LocalTTL    time.Duration
	NotFoundTTL time.Duration
	NoSizeTTL   time.Duration
	OverloadTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		LocalSize:   DefaultLocalSize,
		LocalTTL:    DefaultLocalTTL,
		NotFoundTTL: time.Minute,
		NoSizeTTL:   2 * time.Minute,
		OverloadTTL: 5 * time.Minute,
	}
}

type localEntry struct {
	value     string
	expiresAt time.Time
}

// Tiered is the two-tier cache. Reads consult the local tier first, then the
// shared store, populating the local tier opportunistically on the way back.
// Writes go to the shared tier only; the local tier fills on the next
// read-through, which keeps the hot write path to a single store call.
// When the shared store errors or is absent the cache degrades to
// local-tier-only: a declared capability loss, never a crash.
type Tiered struct {
	store kv.Store
	cfg   Config

	// The LRU evicts least-recently-accessed entries at capacity and
	// sweeps expired ones on its own ticker.
	local *lru.LRU[string, localEntry]

	logThrottle *ttlcache.Cache[string, struct{}]

	now func() time.Time
}

// New builds a tiered cache. store may be nil for local-only operation.
func New(store kv.Store, cfg Config) *Tiered {
	if cfg.LocalSize <= 0 {
		cfg.LocalSize = DefaultLocalSize
	}
	if cfg.LocalTTL <= 0 {
		cfg.LocalTTL = DefaultLocalTTL
	}
	if cfg.NotFoundTTL <= 0 {
		cfg.NotFoundTTL = time.Minute
	}
	if cfg.NoSizeTTL <= 0 {
		cfg.NoSizeTTL = 2 * time.Minute
	}
	if cfg.OverloadTTL <= 0 {
		cfg.OverloadTTL = 5 * time.Minute
	}

	return &Tiered{
		store:       store,
		cfg:         cfg,
		local:       lru.NewLRU[string, localEntry](cfg.LocalSize, nil, cfg.LocalTTL),
		logThrottle: ttlcache.New(ttlcache.Options[string, struct{}]{}.SetDefaultTTL(time.Minute)),
		now:         time.Now,
	}
}

// SetClock replaces the time source. Test helper; the LRU keeps its own
// wall-clock TTL, so simulated-clock tests exercise entry-level expiry.
func (t *Tiered) SetClock(now func() time.Time) { t.now = now }

// Get returns the cached value for key, consulting local then shared tier.
func (t *Tiered) Get(ctx context.Context, key string) (string, bool) {
	if entry, ok := t.local.Get(key); ok {
		if t.now().Before(entry.expiresAt) {
			return entry.value, true
		}
		t.local.Remove(key)
	}

	if t.store == nil {
		return "", false
	}

	value, err := t.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			t.logStoreError("read", err)
		}
		return "", false
	}

	// Opportunistic local populate; bounded by the local tier's own TTL.
	t.local.Add(key, localEntry{value: value, expiresAt: t.now().Add(t.cfg.LocalTTL)})
	return value, true
}

// Set writes a positive value with the given TTL to the shared tier, or to
// the local tier when degraded.
func (t *Tiered) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if t.store != nil {
		err := t.store.SetWithTTL(ctx, key, value, ttl)
		if err == nil {
			return
		}
		t.logStoreError("write", err)
	}

	expiry := ttl
	if t.cfg.LocalTTL < expiry {
		expiry = t.cfg.LocalTTL
	}
	t.local.Add(key, localEntry{value: value, expiresAt: t.now().Add(expiry)})
}

// SetFailure writes a negative marker at key with the TTL of its class.
func (t *Tiered) SetFailure(ctx context.Context, key string, class FailureClass) {
	ttl := t.failureTTL(class)

	if t.store != nil {
		err := t.store.SetWithTTL(ctx, key, failureMarker, ttl)
		if err == nil {
			return
		}
		t.logStoreError("write failure marker", err)
	}

	expiry := ttl
	if t.cfg.LocalTTL < expiry {
		expiry = t.cfg.LocalTTL
	}
	t.local.Add(key, localEntry{value: failureMarker, expiresAt: t.now().Add(expiry)})
}

// IsFailureCached reports whether any of the given negative-marker keys is
// still live.
func (t *Tiered) IsFailureCached(ctx context.Context, keys ...string) bool {
	for _, key := range keys {
		if entry, ok := t.local.Get(key); ok && t.now().Before(entry.expiresAt) {
			return true
		}
	}

	if t.store == nil {
		return false
	}

	for _, key := range keys {
		exists, err := t.store.Exists(ctx, key)
		if err != nil {
			t.logStoreError("probe failure marker", err)
			return false
		}
		if exists {
			return true
		}
	}
	return false
}

// Delete removes keys from both tiers.
func (t *Tiered) Delete(ctx context.Context, keys ...string) {
	for _, key := range keys {
		t.local.Remove(key)
	}
	if t.store != nil {
		if err := t.store.Delete(ctx, keys...); err != nil {
			t.logStoreError("delete", err)
		}
	}
}

func (t *Tiered) failureTTL(class FailureClass) time.Duration {
	switch class {
	case FailureOverload:
		return t.cfg.OverloadTTL
	case FailureNoSize:
		return t.cfg.NoSizeTTL
	default:
		return t.cfg.NotFoundTTL
	}
}

func (t *Tiered) logStoreError(operation string, err error) {
	key := "storeerr/" + operation
	if _, seen := t.logThrottle.Get(key); seen {
		return
	}
	t.logThrottle.Set(key, struct{}{}, ttlcache.DefaultTTL)
	log.Debug().Err(err).Msgf("Shared cache tier unavailable, %s degraded to local tier", operation)
}
