// Copyright (c) 2025, the DFlexy contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dflexy/metarr/internal/admission"
	"github.com/dflexy/metarr/internal/breaker"
	"github.com/dflexy/metarr/internal/cache"
	"github.com/dflexy/metarr/internal/domain"
	"github.com/dflexy/metarr/internal/kv"
)

// fakeTracker answers BEP 15 connect and scrape packets on loopback.
type fakeTracker struct {
	conn     *net.UDPConn
	seeds    uint32
	leechers uint32
}

func newFakeTracker(t *testing.T, seeds, leechers uint32) *fakeTracker {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ft := &fakeTracker{conn: conn, seeds: seeds, leechers: leechers}
	go ft.serve()
	return ft
}

func (f *fakeTracker) announceURL() string {
	return fmt.Sprintf("udp://%s/announce", f.conn.LocalAddr())
}

func (f *fakeTracker) serve() {
	buf := make([]byte, 512)
	for {
		n, addr, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}

		switch {
		case n >= connectRequestLen &&
			binary.BigEndian.Uint64(buf[0:8]) == protocolID &&
			binary.BigEndian.Uint32(buf[8:12]) == actionConnect:
			resp := make([]byte, connectResponseLen)
			binary.BigEndian.PutUint32(resp[0:4], actionConnect)
			copy(resp[4:8], buf[12:16])
			binary.BigEndian.PutUint64(resp[8:16], 0xfeedface)
			f.conn.WriteToUDP(resp, addr)

		case n >= scrapeRequestLen &&
			binary.BigEndian.Uint32(buf[8:12]) == actionScrape:
			resp := make([]byte, scrapeResponseLen)
			binary.BigEndian.PutUint32(resp[0:4], actionScrape)
			copy(resp[4:8], buf[12:16])
			binary.BigEndian.PutUint32(resp[8:12], f.seeds)
			binary.BigEndian.PutUint32(resp[12:16], 0)
			binary.BigEndian.PutUint32(resp[16:20], f.leechers)
			f.conn.WriteToUDP(resp, addr)
		}
	}
}

func testTrackerConfig() domain.TrackerConfig {
	return domain.TrackerConfig{
		ScrapeTimeoutMs: 200,
		ScrapeRetries:   1,
		MaxWorkers:      4,
		CacheTTLHours:   24,
		ListSources:     []string{"http://127.0.0.1:1/best.txt"},
	}
}

// newTestPeerResolver seeds the provider's local list cache so no remote
// source is ever contacted.
func newTestPeerResolver(t *testing.T, store kv.Store, dynamicTrackers []string) (*PeerResolver, kv.Store) {
	t.Helper()

	if store == nil {
		store = kv.NewMemoryStore()
	}
	cfg := testTrackerConfig()
	brk := breaker.New(store, breaker.DefaultConfig())

	if len(dynamicTrackers) == 0 {
		// A dead loopback tracker keeps tests off the static list.
		dynamicTrackers = []string{"udp://127.0.0.1:9/announce"}
	}
	provider := NewListProvider(store, brk, cfg)
	provider.local.Set(localListKey, dynamicTrackers, ttlcache.DefaultTTL)

	tiered := cache.New(store, cache.DefaultConfig())
	resolver := NewPeerResolver(cfg, tiered, provider, admission.New(admission.DefaultLimit), nil)
	return resolver, store
}

func hashOf(c byte) string { return strings.Repeat(string(c), 40) }

func TestScrapeReturnsCounts(t *testing.T) {
	t.Parallel()

	ft := newFakeTracker(t, 42, 7)
	scraper := newUDPScraper(0, 0)

	hash, err := domain.ParseInfoHash(hashOf('a'))
	require.NoError(t, err)
	hashBytes, err := hash.Bytes()
	require.NoError(t, err)

	count, err := scraper.scrape(context.Background(), ft.announceURL(), hashBytes)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), count.Seeds)
	assert.Equal(t, uint32(7), count.Leechers)
}

func TestScrapeRejectsHTTPTrackers(t *testing.T) {
	t.Parallel()

	scraper := newUDPScraper(0, 0)
	_, err := scraper.scrape(context.Background(), "http://tracker.example/announce", [20]byte{})
	require.ErrorIs(t, err, errNotUDP)
}

func TestResolveBulkAggregatesMaxAcrossTrackers(t *testing.T) {
	t.Parallel()

	optimistic := newFakeTracker(t, 10, 2)
	pessimistic := newFakeTracker(t, 4, 7)

	resolver, _ := newTestPeerResolver(t, nil, nil)

	results := resolver.ResolveBulk(context.Background(), map[string][]string{
		hashOf('b'): {optimistic.announceURL(), pessimistic.announceURL()},
	})

	count := results[hashOf('b')]
	assert.Equal(t, uint32(10), count.Seeds, "max seeds across responders")
	assert.Equal(t, uint32(7), count.Leechers, "max leechers across responders")
}

func TestResolveBulkCachesZeroResult(t *testing.T) {
	t.Parallel()

	// Nothing listens on the discard port; every scrape times out.
	dead := "udp://127.0.0.1:9/announce"
	resolver, store := newTestPeerResolver(t, nil, []string{dead})
	ctx := context.Background()

	results := resolver.ResolveBulk(ctx, map[string][]string{hashOf('c'): nil})
	assert.Equal(t, domain.PeerCount{}, results[hashOf('c')])

	exists, err := store.Exists(ctx, kv.TrackerKey(hashOf('c')))
	require.NoError(t, err)
	assert.True(t, exists, "a (0,0) observation is cached, not discarded")

	// Kill the dynamic list; the second call must be served from cache.
	resolver.provider.local.Delete(localListKey)
	results = resolver.ResolveBulk(ctx, map[string][]string{hashOf('c'): nil})
	assert.Equal(t, domain.PeerCount{}, results[hashOf('c')])
}

func TestResolveBulkServesCachedCounts(t *testing.T) {
	t.Parallel()

	ft := newFakeTracker(t, 3, 1)
	resolver, _ := newTestPeerResolver(t, nil, nil)
	ctx := context.Background()

	first := resolver.ResolveBulk(ctx, map[string][]string{hashOf('d'): {ft.announceURL()}})
	require.Equal(t, uint32(3), first[hashOf('d')].Seeds)

	// No trackers supplied this time; the cache answers.
	second := resolver.ResolveBulk(ctx, map[string][]string{hashOf('d'): nil})
	assert.Equal(t, first[hashOf('d')], second[hashOf('d')])
}

func TestResolveBulkMalformedHash(t *testing.T) {
	t.Parallel()

	resolver, _ := newTestPeerResolver(t, nil, []string{"udp://127.0.0.1:9/announce"})

	results := resolver.ResolveBulk(context.Background(), map[string][]string{"zzz": nil})
	assert.Equal(t, domain.PeerCount{}, results["zzz"])
}

func TestCandidateTrackersSanitized(t *testing.T) {
	t.Parallel()

	resolver, _ := newTestPeerResolver(t, nil, []string{
		"udp://dynamic.example:6969/announce",
	})

	candidates := resolver.candidateTrackers(context.Background(), []string{
		"udp://a.example:80/anunciar",
		"udp://a.example:80/announce", // duplicate after sanitation
		"https://web.example/announce", // not UDP
		"",
	})

	assert.Equal(t, []string{
		"udp://a.example:80/announce",
		"udp://dynamic.example:6969/announce",
	}, candidates)
}

func TestCandidateTrackersCap(t *testing.T) {
	t.Parallel()

	resolver, _ := newTestPeerResolver(t, nil, nil)
	resolver.cfg.MaxTrackers = 2

	candidates := resolver.candidateTrackers(context.Background(), []string{
		"udp://a.example:1/announce",
		"udp://b.example:2/announce",
		"udp://c.example:3/announce",
	})
	assert.Len(t, candidates, 2)
}

func TestNormalizeAnnounceURL(t *testing.T) {
	t.Parallel()

	normalized, ok := NormalizeAnnounceURL("  udp://t.example:80/anunciar \n")
	require.True(t, ok)
	assert.Equal(t, "udp://t.example:80/announce", normalized)

	normalized, ok = NormalizeAnnounceURL("udp://t.example:80/anunc")
	require.True(t, ok)
	assert.Equal(t, "udp://t.example:80/announce", normalized)

	_, ok = NormalizeAnnounceURL("ws://t.example/announce")
	assert.False(t, ok)
	_, ok = NormalizeAnnounceURL("   ")
	assert.False(t, ok)
}

func TestListProviderFetchesAndCaches(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "udp://one.example:1337/announce\n\nudp://two.example:80/anunciar\nmagnet:?ignored\n")
	}))
	defer server.Close()

	store := kv.NewMemoryStore()
	cfg := testTrackerConfig()
	cfg.ListSources = []string{server.URL}
	provider := NewListProvider(store, breaker.New(store, breaker.DefaultConfig()), cfg)
	ctx := context.Background()

	trackers := provider.Trackers(ctx)
	assert.Equal(t, []string{
		"udp://one.example:1337/announce",
		"udp://two.example:80/announce",
	}, trackers)

	// The fetched list landed in the shared store.
	raw, err := store.Get(ctx, kv.TrackerListKey())
	require.NoError(t, err)
	assert.Contains(t, raw, "udp://one.example:1337/announce")
}

func TestListProviderFallsBackToStatic(t *testing.T) {
	t.Parallel()

	cfg := testTrackerConfig() // sources point at a closed port
	provider := NewListProvider(nil, breaker.New(nil, breaker.DefaultConfig()), cfg)

	trackers := provider.Trackers(context.Background())
	assert.Equal(t, StaticTrackers, trackers)
}
