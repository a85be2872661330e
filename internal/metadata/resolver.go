// Copyright (c) 2025, the DFlexy contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metadata resolves info hashes to torrent metadata through a
// public .torrent mirror, behind admission control, tiered caching, a
// circuit breaker, per-hash single flight and rate limiting.
package metadata

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/dflexy/metarr/internal/admission"
	"github.com/dflexy/metarr/internal/breaker"
	"github.com/dflexy/metarr/internal/cache"
	"github.com/dflexy/metarr/internal/domain"
	"github.com/dflexy/metarr/internal/keylock"
	"github.com/dflexy/metarr/internal/kv"
	"github.com/dflexy/metarr/internal/metrics"
	"github.com/dflexy/metarr/internal/ratelimit"
)

// ErrUnavailable means the mirror could not produce metadata for the hash
// right now: a cached failure, an open circuit or a fresh upstream miss.
// Callers treat it as "no metadata yet" and move on.
var ErrUnavailable = errors.New("metadata: unavailable")

// ErrResolving means another caller holds the per-hash lock and did not
// finish within the bounded wait. Soft miss; retryable.
var ErrResolving = errors.New("metadata: resolution in progress")

const (
	defaultPositiveTTL = 7 * 24 * time.Hour
	defaultLockWait    = 2 * time.Second
	defaultLockPoll    = 100 * time.Millisecond
)

type Resolver struct {
	cfg     domain.MirrorConfig
	cache   *cache.Tiered
	breaker *breaker.Breaker
	limiter *ratelimit.Limiter
	locks   *keylock.KeyedLock
	sem     *admission.Semaphore
	client  *mirrorClient
	metrics *metrics.Metrics
}

// NewResolver wires the resolution pipeline. metrics may be nil.
func NewResolver(cfg domain.MirrorConfig, tiered *cache.Tiered, brk *breaker.Breaker, sem *admission.Semaphore, m *metrics.Metrics) *Resolver {
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = ratelimit.DefaultBurst
	}
	interval := cfg.RateInterval()
	if interval <= 0 {
		interval = ratelimit.DefaultInterval
	}

	return &Resolver{
		cfg:     cfg,
		cache:   tiered,
		breaker: brk,
		limiter: ratelimit.New(burst, interval),
		locks:   keylock.New(),
		sem:     sem,
		client:  newMirrorClient(cfg.BaseURL, cfg.ConnectTimeout(), cfg.ReadTimeout()),
		metrics: m,
	}
}

// Resolve turns an info hash into torrent metadata. The only hard error is a
// malformed hash; every upstream condition surfaces as ErrUnavailable or
// ErrResolving.
func (r *Resolver) Resolve(ctx context.Context, rawHash string) (*domain.TorrentMetadata, error) {
	hash, err := domain.ParseInfoHash(rawHash)
	if err != nil {
		return nil, err
	}

	release, err := r.acquireSlot(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if meta, ok := r.cachedMetadata(ctx, hash); ok {
		r.countCacheHit()
		return meta, nil
	}
	r.countCacheMiss()

	if r.breaker.IsOpen(ctx, breaker.ClassMetadata) {
		if r.metrics != nil {
			r.metrics.BreakerRejections.WithLabelValues(breaker.ClassMetadata).Inc()
		}
		return nil, ErrUnavailable
	}

	if class, cached := r.cachedFailure(ctx, hash); cached {
		if r.metrics != nil {
			r.metrics.NegativeCacheHits.WithLabelValues(class.String()).Inc()
		}
		return nil, ErrUnavailable
	}

	releaseLock, err := r.lockHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if releaseLock == nil {
		// The owning caller finished while we waited; its result is in
		// the cache now.
		return r.afterSiblingResolve(ctx, hash)
	}
	defer releaseLock()

	// A sibling may have resolved between the failure check and the lock.
	if meta, ok := r.cachedMetadata(ctx, hash); ok {
		return meta, nil
	}
	if _, cached := r.cachedFailure(ctx, hash); cached {
		return nil, ErrUnavailable
	}

	if err := r.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	return r.fetchAndClassify(ctx, hash)
}

// acquireSlot takes an admission permit, counting callers that had to wait.
func (r *Resolver) acquireSlot(ctx context.Context) (func(), error) {
	if release, ok := r.sem.TryAcquire(); ok {
		return r.trackInFlight(release), nil
	}

	if r.metrics != nil {
		r.metrics.AdmissionWaits.Inc()
	}
	release, err := r.sem.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return r.trackInFlight(release), nil
}

func (r *Resolver) trackInFlight(release func()) func() {
	if r.metrics == nil {
		return release
	}
	r.metrics.ResolvesInFlight.Inc()
	return func() {
		r.metrics.ResolvesInFlight.Dec()
		release()
	}
}

func (r *Resolver) cachedMetadata(ctx context.Context, hash domain.InfoHash) (*domain.TorrentMetadata, bool) {
	raw, ok := r.cache.Get(ctx, kv.MetadataKey(hash.String()))
	if !ok {
		return nil, false
	}

	var meta domain.TorrentMetadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		log.Debug().Err(err).Str("hash", hash.String()).Msg("Dropping undecodable cached metadata")
		r.cache.Delete(ctx, kv.MetadataKey(hash.String()))
		return nil, false
	}
	return &meta, true
}

// cachedFailure probes the three negative marker keys, most persistent
// class first.
func (r *Resolver) cachedFailure(ctx context.Context, hash domain.InfoHash) (cache.FailureClass, bool) {
	probes := []struct {
		key   string
		class cache.FailureClass
	}{
		{kv.MetadataOverloadKey(hash.String()), cache.FailureOverload},
		{kv.MetadataNoSizeKey(hash.String()), cache.FailureNoSize},
		{kv.MetadataFailureKey(hash.String()), cache.FailureNotFound},
	}
	for _, p := range probes {
		if r.cache.IsFailureCached(ctx, p.key) {
			return p.class, true
		}
	}
	return 0, false
}

// lockHash acquires the per-hash lock with a bounded wait, polling the cache
// so a waiter can pick up the owner's result without ever touching the
// network. Returns (nil, nil) when the result appeared while waiting.
func (r *Resolver) lockHash(ctx context.Context, hash domain.InfoHash) (func(), error) {
	if release, ok := r.locks.TryLock(hash.String()); ok {
		return release, nil
	}

	wait := r.cfg.LockWait()
	if wait <= 0 {
		wait = defaultLockWait
	}
	poll := r.cfg.LockPoll()
	if poll <= 0 {
		poll = defaultLockPoll
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrResolving
		case <-ticker.C:
			if _, ok := r.cachedMetadata(ctx, hash); ok {
				return nil, nil
			}
			if _, cached := r.cachedFailure(ctx, hash); cached {
				return nil, nil
			}
			if release, ok := r.locks.TryLock(hash.String()); ok {
				return release, nil
			}
		}
	}
}

func (r *Resolver) afterSiblingResolve(ctx context.Context, hash domain.InfoHash) (*domain.TorrentMetadata, error) {
	if meta, ok := r.cachedMetadata(ctx, hash); ok {
		return meta, nil
	}
	return nil, ErrUnavailable
}

// fetchAndClassify runs the upstream fetch and maps its outcome onto the
// breaker and the negative cache. The lowercase rendering goes first; the
// uppercase variant is worth a second request only on a plain miss, never
// when the upstream is slow or shedding load.
func (r *Resolver) fetchAndClassify(ctx context.Context, hash domain.InfoHash) (*domain.TorrentMetadata, error) {
	log.Debug().Str("hash", hash.String()).Msg("Fetching metadata from mirror")

	started := time.Now()
	data, err := r.client.fetchHeader(ctx, hash.String())
	if err != nil && isPlainMiss(err) {
		data, err = r.client.fetchHeader(ctx, hash.Upper())
	}
	if r.metrics != nil {
		r.metrics.FetchDuration.Observe(time.Since(started).Seconds())
	}

	switch {
	case err == nil:
		return r.handlePayload(ctx, hash, data)

	case errors.Is(err, errUpstreamTimeout):
		r.breaker.RecordTimeout(ctx, breaker.ClassMetadata)
		r.cache.SetFailure(ctx, kv.MetadataOverloadKey(hash.String()), cache.FailureOverload)
		r.countFetch("timeout")
		return nil, ErrUnavailable

	case errors.Is(err, errUpstreamOverloaded):
		r.breaker.RecordOverload(ctx, breaker.ClassMetadata)
		r.cache.SetFailure(ctx, kv.MetadataOverloadKey(hash.String()), cache.FailureOverload)
		r.countFetch("overloaded")
		return nil, ErrUnavailable

	default:
		r.cache.SetFailure(ctx, kv.MetadataFailureKey(hash.String()), cache.FailureNotFound)
		r.countFetch("not_found")
		return nil, ErrUnavailable
	}
}

func (r *Resolver) handlePayload(ctx context.Context, hash domain.InfoHash, data []byte) (*domain.TorrentMetadata, error) {
	// The transfer itself succeeded, whatever the payload holds.
	r.breaker.RecordSuccess(ctx, breaker.ClassMetadata)

	meta, ok := extractMetadata(data)
	if !ok {
		r.cache.SetFailure(ctx, kv.MetadataNoSizeKey(hash.String()), cache.FailureNoSize)
		r.countFetch("no_size")
		return nil, ErrUnavailable
	}

	encoded, err := json.Marshal(meta)
	if err != nil {
		return nil, errors.Wrap(err, "encode metadata")
	}
	r.cache.Set(ctx, kv.MetadataKey(hash.String()), string(encoded), r.positiveTTL())
	r.countFetch("success")

	log.Debug().
		Str("hash", hash.String()).
		Str("name", meta.Name).
		Str("size", humanize.Bytes(meta.SizeBytes)).
		Msg("Resolved metadata")

	return meta, nil
}

func (r *Resolver) positiveTTL() time.Duration {
	if ttl := r.cfg.PositiveTTL(); ttl > 0 {
		return ttl
	}
	return defaultPositiveTTL
}

func (r *Resolver) countFetch(outcome string) {
	if r.metrics != nil {
		r.metrics.FetchTotal.WithLabelValues(outcome).Inc()
	}
}

func (r *Resolver) countCacheHit() {
	if r.metrics != nil {
		r.metrics.CacheHits.WithLabelValues("metadata").Inc()
	}
}

func (r *Resolver) countCacheMiss() {
	if r.metrics != nil {
		r.metrics.CacheMisses.WithLabelValues("metadata").Inc()
	}
}

// isPlainMiss reports whether the uppercase rendering is worth a retry:
// 404s and junk payloads only. Timeouts and 503s abort immediately, a second
// slow request against a struggling upstream helps nobody.
func isPlainMiss(err error) bool {
	return errors.Is(err, errUpstreamNotFound) ||
		errors.Is(err, errUpstreamBadPayload) ||
		errors.Is(err, errUpstreamEmpty)
}
