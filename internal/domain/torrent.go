// Copyright (c) 2025, the DFlexy contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/pkg/errors"
)

// ErrInvalidInfoHash indicates a caller contract violation; every other
// upstream failure surfaces as a soft "no result" instead.
var ErrInvalidInfoHash = errors.New("invalid info hash")

var imdbIDRe = regexp.MustCompile(`^tt\d+$`)

// InfoHash is a 40-character lowercase hex SHA-1 torrent identifier. It is
// the universal key for metadata, peer counts, and cache entries.
type InfoHash string

// ParseInfoHash validates and normalizes a hex info hash to lowercase.
func ParseInfoHash(s string) (InfoHash, error) {
	s = strings.TrimSpace(s)
	if len(s) != 40 {
		return "", errors.Wrapf(ErrInvalidInfoHash, "expected 40 hex characters, got %d", len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", errors.Wrapf(ErrInvalidInfoHash, "not hex: %q", s)
	}
	return InfoHash(strings.ToLower(s)), nil
}

func (h InfoHash) String() string { return string(h) }

// Upper returns the uppercase rendering, used as a fallback probe against
// mirrors that index some releases case-sensitively.
func (h InfoHash) Upper() string { return strings.ToUpper(string(h)) }

// Bytes returns the raw 20-byte digest for wire protocols.
func (h InfoHash) Bytes() ([20]byte, error) {
	mh := metainfo.Hash{}
	if err := mh.FromHexString(string(h)); err != nil {
		return [20]byte{}, errors.Wrap(ErrInvalidInfoHash, err.Error())
	}
	return mh, nil
}

// TorrentMetadata holds the scalar fields extracted from a partially
// downloaded .torrent file. Immutable once cached.
type TorrentMetadata struct {
	SizeBytes    uint64 `json:"size"`
	Name         string `json:"name,omitempty"`
	CreationDate int64  `json:"creation_date,omitempty"` // unix seconds, sanity-bounded 2000-2100
	IMDBID       string `json:"imdb,omitempty"`          // "tt" + digits
}

// ValidIMDBID reports whether s looks like an IMDB title id.
func ValidIMDBID(s string) bool { return imdbIDRe.MatchString(s) }

// PeerCount is a per-infohash swarm snapshot. The zero value is a real,
// cacheable "nobody is sharing this" state, distinct from unknown.
type PeerCount struct {
	Seeds    uint32 `json:"seed"`
	Leechers uint32 `json:"leech"`
}
