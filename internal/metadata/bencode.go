// Copyright (c) 2025, the DFlexy contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metadata

import (
	"regexp"
	"strconv"

	"github.com/dflexy/metarr/internal/domain"
)

// Field extraction over a truncated .torrent prefix. The payload is cut off
// before (or just inside) the piece table, so a structural bencode decode
// would fail on it; scalar fields are pulled out by pattern instead.
var (
	lengthFieldRe  = regexp.MustCompile(`6:lengthi(\d+)e`)
	bareLengthRe   = regexp.MustCompile(`lengthi(\d+)e`)
	largeIntRe     = regexp.MustCompile(`i(\d{6,15})e`)
	nameFieldRe    = regexp.MustCompile(`4:name(\d+):`)
	creationDateRe = regexp.MustCompile(`13:creation datei(\d+)e`)
	imdbURLRe      = regexp.MustCompile(`imdb\.com/title/(tt\d+)`)

	// Vendor-specific keys some release groups embed in the info dict.
	imdbFieldRes = []*regexp.Regexp{
		regexp.MustCompile(`4:imdb(\d+):`),
		regexp.MustCompile(`7:imdb_id(\d+):`),
		regexp.MustCompile(`8:imdb-id(\d+):`),
		regexp.MustCompile(`9:imdb\.com(\d+):`),
	}
)

// Creation dates outside 2000-01-01..2100-01-01 are garbage and dropped.
const (
	minCreationDate = 946684800
	maxCreationDate = 4102444800
)

// Heuristic bounds for the last-resort size scan: a plausible payload is
// between 1 MiB and 1 PiB.
const (
	minPlausibleSize = 1 << 20
	maxPlausibleSize = 1 << 50
)

// parseTotalSize extracts the payload size from a truncated torrent prefix.
// Multi-file torrents carry one length entry per file; they are summed.
// When no length field survived the truncation, any sufficiently large
// integers are summed as a last resort.
func parseTotalSize(data []byte) (uint64, bool) {
	if matches := lengthFieldRe.FindAllSubmatch(data, -1); len(matches) > 0 {
		var total uint64
		for _, m := range matches {
			n, err := strconv.ParseUint(string(m[1]), 10, 64)
			if err != nil {
				continue
			}
			total += n
		}
		if total > 0 {
			return total, true
		}
	}

	if m := bareLengthRe.FindSubmatch(data); m != nil {
		if n, err := strconv.ParseUint(string(m[1]), 10, 64); err == nil && n > 0 {
			return n, true
		}
	}

	var total uint64
	for _, m := range largeIntRe.FindAllSubmatch(data, -1) {
		n, err := strconv.ParseUint(string(m[1]), 10, 64)
		if err != nil || n < minPlausibleSize || n > maxPlausibleSize {
			continue
		}
		total += n
	}
	return total, total > 0
}

// parseName extracts the torrent name, a length-prefixed string.
func parseName(data []byte) (string, bool) {
	loc := nameFieldRe.FindSubmatchIndex(data)
	if loc == nil {
		return "", false
	}

	nameLen, err := strconv.Atoi(string(data[loc[2]:loc[3]]))
	if err != nil || nameLen <= 0 {
		return "", false
	}

	start := loc[1]
	if start+nameLen > len(data) {
		return "", false
	}
	return string(data[start : start+nameLen]), true
}

func parseCreationDate(data []byte) (int64, bool) {
	m := creationDateRe.FindSubmatch(data)
	if m == nil {
		return 0, false
	}

	ts, err := strconv.ParseInt(string(m[1]), 10, 64)
	if err != nil || ts < minCreationDate || ts > maxCreationDate {
		return 0, false
	}
	return ts, true
}

// parseIMDBID probes the known vendor keys. The value is accepted either as
// a bare tt id or as an imdb.com title URL.
func parseIMDBID(data []byte) (string, bool) {
	for _, re := range imdbFieldRes {
		loc := re.FindSubmatchIndex(data)
		if loc == nil {
			continue
		}

		valueLen, err := strconv.Atoi(string(data[loc[2]:loc[3]]))
		if err != nil || valueLen <= 0 {
			continue
		}
		start := loc[1]
		if start+valueLen > len(data) {
			continue
		}

		value := string(data[start : start+valueLen])
		if domain.ValidIMDBID(value) {
			return value, true
		}
		if m := imdbURLRe.FindStringSubmatch(value); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// extractMetadata scans a truncated torrent prefix for the fields the engine
// cares about. Size is mandatory; everything else is best effort.
func extractMetadata(data []byte) (*domain.TorrentMetadata, bool) {
	size, ok := parseTotalSize(data)
	if !ok {
		return nil, false
	}

	meta := &domain.TorrentMetadata{SizeBytes: size}
	if name, ok := parseName(data); ok {
		meta.Name = name
	}
	if ts, ok := parseCreationDate(data); ok {
		meta.CreationDate = ts
	}
	if id, ok := parseIMDBID(data); ok {
		meta.IMDBID = id
	}
	return meta, true
}
