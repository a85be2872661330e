// Copyright (c) 2025, the DFlexy contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package tracker resolves peer counts for batches of info hashes over the
// UDP tracker scrape protocol, with per-hash caching and a dynamically
// fetched tracker list.
package tracker

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dflexy/metarr/internal/admission"
	"github.com/dflexy/metarr/internal/cache"
	"github.com/dflexy/metarr/internal/domain"
	"github.com/dflexy/metarr/internal/kv"
	"github.com/dflexy/metarr/internal/metrics"
)

const (
	defaultMaxWorkers = 8
	defaultCacheTTL   = 24 * time.Hour
)

// PeerResolver turns info hashes plus candidate announce lists into peer
// counts. A (0,0) answer is a real observation ("nobody is sharing this")
// and is cached like any other; per-tracker failures only narrow the sample.
type PeerResolver struct {
	cfg      domain.TrackerConfig
	cache    *cache.Tiered
	provider *ListProvider
	scraper  *udpScraper
	sem      *admission.Semaphore
	metrics  *metrics.Metrics
}

// NewPeerResolver wires the bulk scrape pipeline. metrics may be nil.
func NewPeerResolver(cfg domain.TrackerConfig, tiered *cache.Tiered, provider *ListProvider, sem *admission.Semaphore, m *metrics.Metrics) *PeerResolver {
	return &PeerResolver{
		cfg:      cfg,
		cache:    tiered,
		provider: provider,
		scraper:  newUDPScraper(cfg.ScrapeTimeout(), cfg.ScrapeRetries),
		sem:      sem,
		metrics:  m,
	}
}

// Resolve is the single-hash convenience form of ResolveBulk.
func (r *PeerResolver) Resolve(ctx context.Context, infoHash string, trackers []string) domain.PeerCount {
	results := r.ResolveBulk(ctx, map[string][]string{infoHash: trackers})
	return results[infoHash]
}

// ResolveBulk resolves a batch of hashes concurrently. Every input hash gets
// an entry in the result; malformed hashes and full tracker failures come
// back as (0,0).
func (r *PeerResolver) ResolveBulk(ctx context.Context, targets map[string][]string) map[string]domain.PeerCount {
	results := make(map[string]domain.PeerCount, len(targets))
	var resultsMu sync.Mutex

	type job struct {
		raw      string
		hash     domain.InfoHash
		trackers []string
	}
	var todo []job

	for raw, trackers := range targets {
		hash, err := domain.ParseInfoHash(raw)
		if err != nil {
			log.Debug().Str("hash", raw).Msg("Skipping malformed info hash in peer batch")
			results[raw] = domain.PeerCount{}
			continue
		}

		if count, ok := r.cachedCount(ctx, hash); ok {
			r.countCacheHit()
			results[raw] = count
			continue
		}
		r.countCacheMiss()
		todo = append(todo, job{raw: raw, hash: hash, trackers: trackers})
	}

	if len(todo) == 0 {
		return results
	}

	maxWorkers := r.cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)

	for _, j := range todo {
		g.Go(func() error {
			count := r.scrapeHash(gctx, j.hash, j.trackers)
			r.storeCount(gctx, j.hash, count)

			resultsMu.Lock()
			results[j.raw] = count
			resultsMu.Unlock()
			return nil
		})
	}
	// Workers never return errors; Wait only synchronizes.
	_ = g.Wait()

	return results
}

// scrapeHash queries every candidate tracker for one hash and keeps the most
// optimistic seed and leech counts. Trackers under-report independently, so
// the maximum across responders is the closest to current.
func (r *PeerResolver) scrapeHash(ctx context.Context, hash domain.InfoHash, provided []string) domain.PeerCount {
	trackers := r.candidateTrackers(ctx, provided)
	if len(trackers) == 0 {
		return domain.PeerCount{}
	}

	hashBytes, err := hash.Bytes()
	if err != nil {
		return domain.PeerCount{}
	}

	var (
		mu   sync.Mutex
		best domain.PeerCount
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(trackers))

	for _, trackerURL := range trackers {
		g.Go(func() error {
			release, err := r.sem.Acquire(gctx)
			if err != nil {
				return nil
			}
			defer release()

			count, err := r.scrapeOne(gctx, trackerURL, hashBytes)
			if err != nil {
				return nil
			}

			mu.Lock()
			if count.Seeds > best.Seeds {
				best.Seeds = count.Seeds
			}
			if count.Leechers > best.Leechers {
				best.Leechers = count.Leechers
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return best
}

func (r *PeerResolver) scrapeOne(ctx context.Context, trackerURL string, hashBytes [20]byte) (domain.PeerCount, error) {
	started := time.Now()
	count, err := r.scraper.scrape(ctx, trackerURL, hashBytes)
	if r.metrics != nil {
		r.metrics.ScrapeDuration.Observe(time.Since(started).Seconds())
	}

	if err != nil {
		r.countScrape(scrapeOutcome(err))
		log.Debug().Err(err).Str("tracker", trackerURL).Msg("Tracker scrape failed")
		return domain.PeerCount{}, err
	}

	r.countScrape("success")
	return count, nil
}

// candidateTrackers merges the caller's announce list with the dynamic one:
// sanitized, de-duplicated in first-seen order, UDP only, capped.
func (r *PeerResolver) candidateTrackers(ctx context.Context, provided []string) []string {
	seen := make(map[string]struct{})
	var candidates []string

	appendOne := func(raw string) {
		normalized, ok := NormalizeAnnounceURL(raw)
		if !ok {
			return
		}
		if !strings.HasPrefix(strings.ToLower(normalized), "udp://") {
			return
		}
		if _, dup := seen[normalized]; dup {
			return
		}
		seen[normalized] = struct{}{}
		candidates = append(candidates, normalized)
	}

	for _, t := range provided {
		appendOne(t)
	}
	for _, t := range r.provider.Trackers(ctx) {
		appendOne(t)
	}

	if r.cfg.MaxTrackers > 0 && len(candidates) > r.cfg.MaxTrackers {
		candidates = candidates[:r.cfg.MaxTrackers]
	}
	return candidates
}

func (r *PeerResolver) cachedCount(ctx context.Context, hash domain.InfoHash) (domain.PeerCount, bool) {
	raw, ok := r.cache.Get(ctx, kv.TrackerKey(hash.String()))
	if !ok {
		return domain.PeerCount{}, false
	}

	var count domain.PeerCount
	if err := json.Unmarshal([]byte(raw), &count); err != nil {
		r.cache.Delete(ctx, kv.TrackerKey(hash.String()))
		return domain.PeerCount{}, false
	}
	return count, true
}

func (r *PeerResolver) storeCount(ctx context.Context, hash domain.InfoHash, count domain.PeerCount) {
	encoded, err := json.Marshal(count)
	if err != nil {
		return
	}

	ttl := r.cfg.CacheTTL()
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	r.cache.Set(ctx, kv.TrackerKey(hash.String()), string(encoded), ttl)
}

func (r *PeerResolver) countScrape(outcome string) {
	if r.metrics != nil {
		r.metrics.ScrapeTotal.WithLabelValues(outcome).Inc()
	}
}

func (r *PeerResolver) countCacheHit() {
	if r.metrics != nil {
		r.metrics.CacheHits.WithLabelValues("tracker").Inc()
	}
}

func (r *PeerResolver) countCacheMiss() {
	if r.metrics != nil {
		r.metrics.CacheMisses.WithLabelValues("tracker").Inc()
	}
}

func scrapeOutcome(err error) string {
	switch {
	case errors.Is(err, errScrapeTimeout):
		return "timeout"
	case errors.Is(err, errNotUDP):
		return "unsupported"
	default:
		return "error"
	}
}
