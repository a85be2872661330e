// Copyright (c) 2025, the DFlexy contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package tracker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	retry "github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/dflexy/metarr/internal/breaker"
	"github.com/dflexy/metarr/internal/buildinfo"
	"github.com/dflexy/metarr/internal/domain"
	"github.com/dflexy/metarr/internal/kv"
)

const (
	defaultListTTL   = 24 * time.Hour
	listFetchTimeout = 15 * time.Second
	maxListBytes     = 1 << 20

	localListKey = "trackerlist"
)

// DefaultListSources are the public tracker-list endpoints probed in order.
var DefaultListSources = []string{
	"https://cf.trackerslist.com/best.txt",
	"https://ngosang.github.io/trackerslist/trackers_all_ip.txt",
}

// StaticTrackers is the last-resort announce list when every remote source
// is unreachable.
var StaticTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://tracker.openbittorrent.com:80/announce",
	"udp://tracker.trackerfix.com:83/announce",
	"udp://tracker.coppersurfer.tk:6969/announce",
	"udp://tracker.leechers-paradise.org:6969/announce",
	"udp://eddie4.nl:6969/announce",
	"udp://p4p.arenabg.com:1337/announce",
	"udp://explodie.org:6969/announce",
	"udp://zer0day.ch:1337/announce",
	"udp://glotorrents.pw:6969/announce",
	"udp://torrent.gresille.org:80/announce",
	"udp://tracker.internetwarriors.net:1337/announce",
	"udp://tracker.btzoo.eu:80/announce",
}

// ListProvider serves the dynamic tracker list: remote sources, cached in
// the shared store and a short-lived local cache, with a static fallback.
// Remote fetch timeouts feed the tracker breaker class so a dead CDN does
// not get probed on every batch.
type ListProvider struct {
	store      kv.Store
	breaker    *breaker.Breaker
	sources    []string
	listTTL    time.Duration
	httpClient *http.Client

	local *ttlcache.Cache[string, []string]
}

func NewListProvider(store kv.Store, brk *breaker.Breaker, cfg domain.TrackerConfig) *ListProvider {
	sources := cfg.ListSources
	if len(sources) == 0 {
		sources = DefaultListSources
	}
	listTTL := cfg.ListTTL()
	if listTTL <= 0 {
		listTTL = defaultListTTL
	}

	return &ListProvider{
		store:      store,
		breaker:    brk,
		sources:    sources,
		listTTL:    listTTL,
		httpClient: &http.Client{Timeout: listFetchTimeout},
		local:      ttlcache.New(ttlcache.Options[string, []string]{}.SetDefaultTTL(time.Hour)),
	}
}

// Trackers returns the current announce list. Never returns an error; the
// static list is always available.
func (p *ListProvider) Trackers(ctx context.Context) []string {
	if cached, ok := p.local.Get(localListKey); ok && len(cached) > 0 {
		return cached
	}

	if cached := p.sharedList(ctx); len(cached) > 0 {
		p.local.Set(localListKey, cached, ttlcache.DefaultTTL)
		return cached
	}

	if p.breaker.IsOpen(ctx, breaker.ClassTracker) {
		return StaticTrackers
	}

	if fetched := p.fetchRemote(ctx); len(fetched) > 0 {
		p.cacheList(ctx, fetched)
		return fetched
	}

	log.Debug().Msg("All tracker list sources failed, using static list")
	return StaticTrackers
}

func (p *ListProvider) sharedList(ctx context.Context) []string {
	if p.store == nil {
		return nil
	}
	raw, err := p.store.Get(ctx, kv.TrackerListKey())
	if err != nil {
		return nil
	}

	var trackers []string
	if err := json.Unmarshal([]byte(raw), &trackers); err != nil {
		return nil
	}
	return trackers
}

func (p *ListProvider) cacheList(ctx context.Context, trackers []string) {
	p.local.Set(localListKey, trackers, ttlcache.DefaultTTL)

	if p.store == nil {
		return
	}
	encoded, err := json.Marshal(trackers)
	if err != nil {
		return
	}
	if err := p.store.SetWithTTL(ctx, kv.TrackerListKey(), string(encoded), p.listTTL); err != nil {
		log.Debug().Err(err).Msg("Failed to store tracker list in shared cache")
	}
}

// fetchRemote probes the sources in order and returns the first usable list.
func (p *ListProvider) fetchRemote(ctx context.Context) []string {
	for _, source := range p.sources {
		var trackers []string

		err := retry.Do(
			func() error {
				fetched, err := p.fetchSource(ctx, source)
				if err != nil {
					return err
				}
				trackers = fetched
				return nil
			},
			retry.Attempts(2),
			retry.Delay(time.Second),
			retry.DelayType(retry.FixedDelay),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			if isTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
				p.breaker.RecordTimeout(ctx, breaker.ClassTracker)
			}
			log.Debug().Err(err).Str("source", source).Msg("Tracker list source failed")
			continue
		}

		if len(trackers) > 0 {
			p.breaker.RecordSuccess(ctx, breaker.ClassTracker)
			log.Debug().Str("source", source).Int("count", len(trackers)).Msg("Loaded tracker list")
			return trackers
		}
	}
	return nil
}

func (p *ListProvider) fetchSource(ctx context.Context, source string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("tracker list source returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListBytes))
	if err != nil {
		return nil, err
	}

	var trackers []string
	for _, line := range strings.Split(string(body), "\n") {
		if normalized, ok := NormalizeAnnounceURL(line); ok {
			trackers = append(trackers, normalized)
		}
	}
	return trackers, nil
}

// NormalizeAnnounceURL trims an announce URL, rejects unsupported schemes
// and repairs machine-translated announce paths seen in the wild.
func NormalizeAnnounceURL(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}

	lowered := strings.ToLower(trimmed)
	if !strings.HasPrefix(lowered, "udp://") &&
		!strings.HasPrefix(lowered, "http://") &&
		!strings.HasPrefix(lowered, "https://") {
		return "", false
	}

	// "/anunciar" before "/anunc": the shorter token is a prefix of the
	// longer one.
	trimmed = strings.ReplaceAll(trimmed, "/anunciar", "/announce")
	trimmed = strings.ReplaceAll(trimmed, "/Anunciar", "/announce")
	trimmed = strings.ReplaceAll(trimmed, "/anunc", "/announce")
	return trimmed, true
}
