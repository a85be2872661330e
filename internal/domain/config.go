// Copyright (c) 2025, the DFlexy contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "time"

type Config struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	BaseURL       string `mapstructure:"baseUrl"`
	LogLevel      string `mapstructure:"logLevel"`
	LogPath       string `mapstructure:"logPath"`
	LogMaxSize    int    `mapstructure:"logMaxSize"`
	LogMaxBackups int    `mapstructure:"logMaxBackups"`

	MetricsEnabled bool   `mapstructure:"metricsEnabled"`
	MetricsHost    string `mapstructure:"metricsHost"`
	MetricsPort    int    `mapstructure:"metricsPort"`

	// Shared store; empty addr disables the shared tier entirely and the
	// engine runs on its process-local caches alone.
	RedisAddr     string `mapstructure:"redisAddr"`
	RedisPassword string `mapstructure:"redisPassword"`
	RedisDB       int    `mapstructure:"redisDB"`

	Mirror     MirrorConfig     `mapstructure:"mirror"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Tracker    TrackerConfig    `mapstructure:"tracker"`
	LocalCache LocalCacheConfig `mapstructure:"localCache"`

	Version string `mapstructure:"-"`
}

// MirrorConfig controls the .torrent metadata mirror client.
type MirrorConfig struct {
	BaseURL           string `mapstructure:"baseUrl"`
	MaxConcurrent     int64  `mapstructure:"maxConcurrent"`
	RateBurst         int    `mapstructure:"rateBurst"`
	RateIntervalMs    int    `mapstructure:"rateIntervalMs"`
	ConnectTimeoutSec int    `mapstructure:"connectTimeoutSec"`
	ReadTimeoutSec    int    `mapstructure:"readTimeoutSec"`
	PositiveTTLHours  int    `mapstructure:"positiveTtlHours"`
	FailureTTLSec     int    `mapstructure:"failureTtlSec"`
	OverloadTTLSec    int    `mapstructure:"overloadTtlSec"`
	NoSizeTTLSec      int    `mapstructure:"noSizeTtlSec"`
	LockWaitMs        int    `mapstructure:"lockWaitMs"`
	LockPollMs        int    `mapstructure:"lockPollMs"`
}

func (c MirrorConfig) RateInterval() time.Duration   { return time.Duration(c.RateIntervalMs) * time.Millisecond }
func (c MirrorConfig) ConnectTimeout() time.Duration { return time.Duration(c.ConnectTimeoutSec) * time.Second }
func (c MirrorConfig) ReadTimeout() time.Duration    { return time.Duration(c.ReadTimeoutSec) * time.Second }
func (c MirrorConfig) PositiveTTL() time.Duration    { return time.Duration(c.PositiveTTLHours) * time.Hour }
func (c MirrorConfig) FailureTTL() time.Duration     { return time.Duration(c.FailureTTLSec) * time.Second }
func (c MirrorConfig) OverloadTTL() time.Duration    { return time.Duration(c.OverloadTTLSec) * time.Second }
func (c MirrorConfig) NoSizeTTL() time.Duration      { return time.Duration(c.NoSizeTTLSec) * time.Second }
func (c MirrorConfig) LockWait() time.Duration       { return time.Duration(c.LockWaitMs) * time.Millisecond }
func (c MirrorConfig) LockPoll() time.Duration       { return time.Duration(c.LockPollMs) * time.Millisecond }

// BreakerConfig controls the shared circuit breaker for both resource classes.
type BreakerConfig struct {
	TimeoutThreshold  int `mapstructure:"timeoutThreshold"`
	OverloadThreshold int `mapstructure:"overloadThreshold"`
	CounterTTLSec     int `mapstructure:"counterTtlSec"`
	CooldownSec       int `mapstructure:"cooldownSec"`
}

func (c BreakerConfig) CounterTTL() time.Duration { return time.Duration(c.CounterTTLSec) * time.Second }
func (c BreakerConfig) Cooldown() time.Duration   { return time.Duration(c.CooldownSec) * time.Second }

// TrackerConfig controls the UDP scrape resolver and tracker-list provider.
type TrackerConfig struct {
	ScrapeTimeoutMs int      `mapstructure:"scrapeTimeoutMs"`
	ScrapeRetries   int      `mapstructure:"scrapeRetries"`
	MaxTrackers     int      `mapstructure:"maxTrackers"`
	MaxWorkers      int      `mapstructure:"maxWorkers"`
	CacheTTLHours   int      `mapstructure:"cacheTtlHours"`
	ListTTLHours    int      `mapstructure:"listTtlHours"`
	ListSources     []string `mapstructure:"listSources"`
}

func (c TrackerConfig) ScrapeTimeout() time.Duration { return time.Duration(c.ScrapeTimeoutMs) * time.Millisecond }
func (c TrackerConfig) CacheTTL() time.Duration      { return time.Duration(c.CacheTTLHours) * time.Hour }
func (c TrackerConfig) ListTTL() time.Duration       { return time.Duration(c.ListTTLHours) * time.Hour }

// LocalCacheConfig bounds the in-process tier of the tiered cache.
type LocalCacheConfig struct {
	Size   int `mapstructure:"size"`
	TTLSec int `mapstructure:"ttlSec"`
}

func (c LocalCacheConfig) TTL() time.Duration { return time.Duration(c.TTLSec) * time.Second }
