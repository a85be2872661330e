// Copyright (c) 2025, the DFlexy contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metadata

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/dflexy/metarr/internal/buildinfo"
)

const (
	initialWindow = 128 << 10
	maxWindow     = 256 << 10
	maxTotalBytes = 512 << 10
	maxChunks     = 8

	// Bytes kept past the pieces marker so the key itself plus its length
	// prefix stay available to the field scanner.
	piecesTail = 20
)

var piecesMarker = []byte("pieces")

// Upstream failure classes. The resolver turns these into breaker signals
// and negative cache entries.
var (
	errUpstreamTimeout    = errors.New("mirror: upstream unreachable or timed out")
	errUpstreamNotFound   = errors.New("mirror: torrent not found")
	errUpstreamOverloaded = errors.New("mirror: upstream overloaded")
	errUpstreamBadPayload = errors.New("mirror: response is not a torrent file")
	errUpstreamEmpty      = errors.New("mirror: empty response")
)

// mirrorClient downloads the leading bytes of a .torrent file from the
// metadata mirror using Range requests. It never fetches the piece table:
// the windows grow until the pieces marker shows up, then stop.
type mirrorClient struct {
	baseURL      string
	httpClient   *http.Client
	chunkTimeout time.Duration
}

func newMirrorClient(baseURL string, connectTimeout, readTimeout time.Duration) *mirrorClient {
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	if readTimeout <= 0 {
		readTimeout = 1500 * time.Millisecond
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
		ResponseHeaderTimeout: readTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}

	return &mirrorClient{
		baseURL:      baseURL,
		httpClient:   &http.Client{Transport: transport},
		chunkTimeout: connectTimeout + readTimeout,
	}
}

func (c *mirrorClient) torrentURL(hexHash string) string {
	return fmt.Sprintf("%s/torrent/%s.torrent", c.baseURL, hexHash)
}

// fetchHeader downloads the torrent prefix for the given hex rendering of an
// info hash. It returns the accumulated bytes truncated just past the pieces
// marker, or one of the errUpstream* classes.
func (c *mirrorClient) fetchHeader(ctx context.Context, hexHash string) ([]byte, error) {
	url := c.torrentURL(hexHash)

	var all []byte
	start := 0
	window := initialWindow

	for i := 0; i < maxChunks && start < maxTotalBytes; i++ {
		chunk, ranged, err := c.fetchRange(ctx, url, start, window)
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			break
		}

		if ranged {
			all = append(all, chunk...)
		} else {
			// The server ignored Range and resent the file head; a second
			// request would duplicate the prefix, so this read is the whole
			// budget.
			all = chunk
		}

		// Mirrors answer missing hashes with an HTML error page and a
		// 200 now and then; that is a miss, not a payload.
		if looksLikeHTML(all) {
			return nil, errUpstreamBadPayload
		}

		if idx := bytes.Index(all, piecesMarker); idx >= 0 {
			end := idx + len(piecesMarker) + piecesTail
			if end > len(all) {
				end = len(all)
			}
			return all[:end], nil
		}

		if !ranged || len(chunk) < window {
			break
		}

		start += len(chunk)
		window = min(window*2, maxWindow)
	}

	if len(all) == 0 {
		return nil, errUpstreamEmpty
	}
	return all, nil
}

// fetchRange issues one Range GET. ranged reports whether the server honored
// the header; a plain 200 carries the file from offset 0 regardless of the
// requested window.
func (c *mirrorClient) fetchRange(ctx context.Context, url string, start, window int) (body []byte, ranged bool, err error) {
	chunkCtx, cancel := context.WithTimeout(ctx, c.chunkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(chunkCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, errors.Wrap(err, "build range request")
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, start+window-1))
	req.Header.Set("Accept", "application/x-bittorrent, application/octet-stream")
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, errors.Wrap(errUpstreamTimeout, err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, errUpstreamNotFound
	case resp.StatusCode == http.StatusServiceUnavailable:
		return nil, false, errUpstreamOverloaded
	default:
		return nil, false, errors.Wrapf(errUpstreamNotFound, "unexpected status %d", resp.StatusCode)
	}

	ranged = resp.StatusCode == http.StatusPartialContent
	limit := int64(window)
	if !ranged {
		// Range ignored; take the whole fetch budget in this one read.
		limit = maxTotalBytes
	}

	body, err = io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, false, errors.Wrap(errUpstreamTimeout, err.Error())
	}
	return body, ranged, nil
}

func looksLikeHTML(data []byte) bool {
	if bytes.Contains(data, []byte("<!DOCTYPE html")) {
		return true
	}
	return bytes.Contains(bytes.ToLower(data), []byte("<html"))
}
