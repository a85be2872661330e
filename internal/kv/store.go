// Copyright (c) 2025, the DFlexy contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package kv defines the shared key-value store boundary used for
// cross-process caching and circuit-breaker counters. Every call is
// fallible; callers are expected to degrade to process-local state when the
// store is unreachable rather than propagate the failure.
package kv

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get/HGet when the key or field is absent.
var ErrNotFound = errors.New("kv: not found")

// Store is the contract between the resolution engine and the shared store.
// String keys plus hash-structured records, matching what Redis provides
// natively; the in-memory implementation mirrors the same semantics.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key, field, value string) error
	HDel(ctx context.Context, key string, fields ...string) error
	HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error)

	Ping(ctx context.Context) error
}

// Key layout. Keeping every namespace in one place makes the shared store
// inspectable and avoids collisions between components.

func MetadataKey(infoHash string) string        { return "metadata/data/" + infoHash }
func MetadataFailureKey(infoHash string) string { return "metadata/failure/" + infoHash }
func MetadataOverloadKey(infoHash string) string {
	return "metadata/failure503/" + infoHash
}
func MetadataNoSizeKey(infoHash string) string { return "metadata/nosize/" + infoHash }
func TrackerKey(infoHash string) string        { return "tracker/data/" + infoHash }
func TrackerListKey() string                   { return "tracker/list" }
func CircuitKey(class string) string           { return "circuit/" + class }
