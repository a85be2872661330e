// Copyright (c) 2025, the DFlexy contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package tracker

import (
	"context"
	"encoding/binary"
	"math/rand/v2"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/dflexy/metarr/internal/domain"
)

// UDP tracker protocol (BEP 15), scrape subset.
const (
	protocolID    = 0x41727101980
	actionConnect = 0
	actionScrape  = 2

	connectRequestLen  = 16
	connectResponseLen = 16
	scrapeRequestLen   = 36
	scrapeResponseLen  = 20
)

const (
	defaultScrapeTimeout = 500 * time.Millisecond
	defaultScrapeRetries = 2
	defaultTrackerPort   = "80"
)

var (
	errScrapeTimeout   = errors.New("tracker: no response within deadline")
	errBadResponse     = errors.New("tracker: malformed response")
	errNotUDP          = errors.New("tracker: only udp announce URLs are scrapeable")
	errTransactionSkew = errors.New("tracker: transaction id mismatch")
)

// udpScraper runs the connect/scrape exchange against one tracker at a time.
// Every attempt uses a fresh socket and transaction id; a response carrying
// the wrong transaction id is a protocol violation, not a retry candidate.
type udpScraper struct {
	timeout time.Duration
	retries int
}

func newUDPScraper(timeout time.Duration, retries int) *udpScraper {
	if timeout <= 0 {
		timeout = defaultScrapeTimeout
	}
	if retries < 0 {
		retries = defaultScrapeRetries
	}
	return &udpScraper{timeout: timeout, retries: retries}
}

// scrape resolves seed and leech counts for one info hash from one tracker.
func (s *udpScraper) scrape(ctx context.Context, trackerURL string, infoHash [20]byte) (domain.PeerCount, error) {
	addr, err := trackerAddr(trackerURL)
	if err != nil {
		return domain.PeerCount{}, err
	}

	dialer := net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return domain.PeerCount{}, errors.Wrap(err, "dial tracker")
	}
	defer conn.Close()

	connectionID, err := s.connect(ctx, conn)
	if err != nil {
		return domain.PeerCount{}, err
	}
	return s.scrapeHash(ctx, conn, connectionID, infoHash)
}

// trackerAddr extracts host:port from a udp announce URL.
func trackerAddr(trackerURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(trackerURL))
	if err != nil {
		return "", errors.Wrap(err, "parse tracker url")
	}
	if !strings.EqualFold(parsed.Scheme, "udp") {
		return "", errNotUDP
	}
	host := parsed.Host
	if host == "" {
		return "", errors.New("tracker: announce url has no host")
	}
	if parsed.Port() == "" {
		host = net.JoinHostPort(host, defaultTrackerPort)
	}
	return host, nil
}

func (s *udpScraper) connect(ctx context.Context, conn net.Conn) (uint64, error) {
	tid := rand.Uint32()

	request := make([]byte, connectRequestLen)
	binary.BigEndian.PutUint64(request[0:8], protocolID)
	binary.BigEndian.PutUint32(request[8:12], actionConnect)
	binary.BigEndian.PutUint32(request[12:16], tid)

	response, err := s.exchange(ctx, conn, request, connectResponseLen)
	if err != nil {
		return 0, err
	}

	if binary.BigEndian.Uint32(response[0:4]) != actionConnect {
		return 0, errBadResponse
	}
	if binary.BigEndian.Uint32(response[4:8]) != tid {
		return 0, errTransactionSkew
	}
	return binary.BigEndian.Uint64(response[8:16]), nil
}

func (s *udpScraper) scrapeHash(ctx context.Context, conn net.Conn, connectionID uint64, infoHash [20]byte) (domain.PeerCount, error) {
	tid := rand.Uint32()

	request := make([]byte, scrapeRequestLen)
	binary.BigEndian.PutUint64(request[0:8], connectionID)
	binary.BigEndian.PutUint32(request[8:12], actionScrape)
	binary.BigEndian.PutUint32(request[12:16], tid)
	copy(request[16:36], infoHash[:])

	response, err := s.exchange(ctx, conn, request, scrapeResponseLen)
	if err != nil {
		return domain.PeerCount{}, err
	}

	if binary.BigEndian.Uint32(response[0:4]) != actionScrape {
		return domain.PeerCount{}, errBadResponse
	}
	if binary.BigEndian.Uint32(response[4:8]) != tid {
		return domain.PeerCount{}, errTransactionSkew
	}

	seeders := binary.BigEndian.Uint32(response[8:12])
	// response[12:16] is the completed (snatch) count; unused here.
	leechers := binary.BigEndian.Uint32(response[16:20])
	return domain.PeerCount{Seeds: seeders, Leechers: leechers}, nil
}

// exchange sends the request and waits for a response of at least wantLen
// bytes, retransmitting on timeout up to the retry budget.
func (s *udpScraper) exchange(ctx context.Context, conn net.Conn, request []byte, wantLen int) ([]byte, error) {
	buf := make([]byte, 512)

	for attempt := 0; attempt <= s.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if _, err := conn.Write(request); err != nil {
			return nil, errors.Wrap(err, "send tracker request")
		}
		if err := conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
			return nil, errors.Wrap(err, "set read deadline")
		}

		n, err := conn.Read(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return nil, errors.Wrap(err, "read tracker response")
		}
		if n < wantLen {
			continue
		}
		return buf[:n], nil
	}
	return nil, errScrapeTimeout
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
