// Copyright (c) 2025, the DFlexy contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes Prometheus instrumentation for the resolution
// engine on a dedicated registry and listener.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics contains the Prometheus instruments for the resolution engine.
type Metrics struct {
	CacheHits         *prometheus.CounterVec
	CacheMisses       *prometheus.CounterVec
	NegativeCacheHits *prometheus.CounterVec
	FetchTotal        *prometheus.CounterVec
	FetchDuration     prometheus.Histogram
	BreakerTrips      *prometheus.CounterVec
	BreakerRejections *prometheus.CounterVec
	ScrapeTotal       *prometheus.CounterVec
	ScrapeDuration    prometheus.Histogram
	ResolvesInFlight  prometheus.Gauge
	AdmissionWaits    prometheus.Counter
}

// New creates and registers the engine metrics on the given registry.
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "metarr_cache_hits_total",
			Help: "Cache hits by resource (metadata, tracker)",
		}, []string{"resource"}),
		CacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "metarr_cache_misses_total",
			Help: "Lookups that missed both cache tiers, by resource",
		}, []string{"resource"}),
		NegativeCacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "metarr_negative_cache_hits_total",
			Help: "Lookups short-circuited by a negative cache marker, by class",
		}, []string{"class"}),
		FetchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "metarr_metadata_fetch_total",
			Help: "Upstream metadata fetches by outcome",
		}, []string{"outcome"}),
		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "metarr_metadata_fetch_duration_seconds",
			Help:    "Time spent fetching metadata from the mirror",
			Buckets: prometheus.DefBuckets,
		}),
		BreakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "metarr_breaker_trips_total",
			Help: "Circuit breaker trips by upstream class",
		}, []string{"class"}),
		BreakerRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "metarr_breaker_rejections_total",
			Help: "Requests rejected by an open circuit, by upstream class",
		}, []string{"class"}),
		ScrapeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "metarr_tracker_scrape_total",
			Help: "Tracker scrape attempts by outcome",
		}, []string{"outcome"}),
		ScrapeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "metarr_tracker_scrape_duration_seconds",
			Help:    "Round-trip time of UDP tracker scrapes",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}),
		ResolvesInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "metarr_resolves_in_flight",
			Help: "Metadata resolutions currently admitted",
		}),
		AdmissionWaits: factory.NewCounter(prometheus.CounterOpts{
			Name: "metarr_admission_waits_total",
			Help: "Resolutions that had to wait for an admission permit",
		}),
	}
}

// Server serves the registry on its own listener, separate from the API port.
type Server struct {
	registry *prometheus.Registry
	host     string
	port     int
}

func NewServer(registry *prometheus.Registry, host string, port int) *Server {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Server{
		registry: registry,
		host:     host,
		port:     port,
	}
}

func (s *Server) ListenAndServe() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	log.Info().Msgf("Starting metrics server on %s", addr)

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return server.ListenAndServe()
}
