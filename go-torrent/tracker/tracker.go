package tracker

import (
	"context"
	"math/rand"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/Charana123/tori/go-torrent/compact"
	"github.com/Charana123/tori/go-torrent/stats"
	"github.com/Charana123/tori/go-torrent/torrent"
	mapset "github.com/deckarep/golang-set"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	NONE      = 0
	COMPLETED = 1
	STARTED   = 2
	STOPPED   = 3
)

var (
	NUMWANT          = 50
	DEFAULT_INTERVAL = 30 * time.Minute
	MIN_INTERVAL     = 10 * time.Second
)

var eventNames = map[int]string{
	NONE:      "",
	COMPLETED: "completed",
	STARTED:   "started",
	STOPPED:   "stopped",
}

var ErrTimeout = errors.New("tracker request timed out")

// ExhaustedError is returned when no URL in any tier answered.
type ExhaustedError struct {
	Err error
}

func (e *ExhaustedError) Error() string {
	if e.Err == nil {
		return "not a single tracker responded: no trackers"
	}
	return "not a single tracker responded: " + e.Err.Error()
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// PeerAdder receives newly discovered peer addresses, a nil conn meaning
// we should dial out.
type PeerAdder interface {
	AddPeer(id string, conn net.Conn)
}

type Tracker interface {
	Started(ctx context.Context) error
	Completed(ctx context.Context) error
	Stopped(ctx context.Context) error
	// Run re-announces every interval until ctx is done or Completed or
	// Stopped is called.
	Run(ctx context.Context)
	Announce(ctx context.Context, event int) (resp *Response, err error)
	Scrape(ctx context.Context) (stats *ScrapeStats, err error)
	GetStats() (seeders int, leechers int)
	GetPeers() []compact.Peer
}

type Response struct {
	Interval time.Duration
	Seeders  int
	Leechers int
	Peers    []compact.Peer
}

type ScrapeStats struct {
	Seeders   int
	Completed int
	Leechers  int
}

type Options struct {
	PeerID [20]byte
	Port   uint16
	// UDPMaxTimeout caps the doubling UDP retry timeout, UDP_MAX_TIMEOUT
	// when zero.
	UDPMaxTimeout time.Duration
	Logger        zerolog.Logger
}

type tracker struct {
	sync.Mutex
	torrent  *torrent.Torrent
	stats    stats.Stats
	peerMgr  PeerAdder
	logger   zerolog.Logger
	peerID   [20]byte
	port     uint16
	maxRetry time.Duration
	key      uint32
	tiers    [][]string
	interval time.Duration
	seeders  int
	leechers int
	peerIPs  mapset.Set
	peers    []compact.Peer
	udpConns map[string]*connectionID
	quit     chan int
	stopOnce sync.Once
}

func genKey() uint32 {
	return rand.Uint32()
}

// shuffle returns a shuffled copy, done once per tier at startup.
func shuffle(tier []string) []string {
	shuffled := append([]string{}, tier...)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled
}

func NewTracker(
	tor *torrent.Torrent,
	stats stats.Stats,
	peerMgr PeerAdder,
	opts Options) Tracker {

	maxRetry := opts.UDPMaxTimeout
	if maxRetry <= 0 {
		maxRetry = UDP_MAX_TIMEOUT
	}
	tiers := [][]string{}
	for _, tier := range tor.Tiers() {
		tiers = append(tiers, shuffle(tier))
	}
	return &tracker{
		torrent:  tor,
		stats:    stats,
		peerMgr:  peerMgr,
		logger:   opts.Logger.With().Str("component", "tracker").Logger(),
		peerID:   opts.PeerID,
		port:     opts.Port,
		maxRetry: maxRetry,
		key:      genKey(),
		tiers:    tiers,
		interval: DEFAULT_INTERVAL,
		peerIPs:  mapset.NewSet(),
		udpConns: make(map[string]*connectionID),
		quit:     make(chan int),
	}
}

func (tr *tracker) Started(ctx context.Context) error {
	_, err := tr.Announce(ctx, STARTED)
	return err
}

func (tr *tracker) Completed(ctx context.Context) error {
	tr.stop()
	_, err := tr.Announce(ctx, COMPLETED)
	return err
}

func (tr *tracker) Stopped(ctx context.Context) error {
	tr.stop()
	_, err := tr.Announce(ctx, STOPPED)
	return err
}

func (tr *tracker) stop() {
	tr.stopOnce.Do(func() {
		close(tr.quit)
	})
}

func (tr *tracker) Run(ctx context.Context) {
	for {
		tr.Lock()
		interval := tr.interval
		tr.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-tr.quit:
			return
		case <-time.After(interval):
			if _, err := tr.Announce(ctx, NONE); err != nil {
				tr.logger.Debug().Err(err).Msg("periodic announce failed")
			}
		}
	}
}

func (tr *tracker) GetStats() (int, int) {
	tr.Lock()
	defer tr.Unlock()

	return tr.seeders, tr.leechers
}

func (tr *tracker) GetPeers() []compact.Peer {
	tr.Lock()
	defer tr.Unlock()

	return append([]compact.Peer{}, tr.peers...)
}

// Announce tries each tier in order and each URL within a tier in order.
// The first URL that answers is moved to the front of its tier.
func (tr *tracker) Announce(ctx context.Context, event int) (*Response, error) {
	tr.Lock()
	tiers := tr.tiers
	tr.Unlock()

	var result *multierror.Error
	for t, tier := range tiers {
		for i := 0; i < len(tier); i++ {
			tr.Lock()
			trackerURL := tr.tiers[t][i]
			tr.Unlock()

			tr.logger.Debug().Str("url", trackerURL).Str("event", eventNames[event]).Msg("tracker request")
			resp, err := tr.announceURL(ctx, trackerURL, event)
			if err != nil {
				tr.logger.Debug().Err(err).Str("url", trackerURL).Msg("tracker request failed")
				result = multierror.Append(result, errors.Wrap(err, trackerURL))
				if ctx.Err() != nil {
					return nil, &ExhaustedError{Err: result.ErrorOrNil()}
				}
				continue
			}

			tr.Lock()
			promote(tr.tiers[t], i)
			tr.Unlock()
			if event != STOPPED {
				tr.handleResponse(resp)
			}
			return resp, nil
		}
	}
	return nil, &ExhaustedError{Err: result.ErrorOrNil()}
}

func promote(tier []string, i int) {
	u := tier[i]
	copy(tier[1:i+1], tier[:i])
	tier[0] = u
}

func (tr *tracker) announceURL(ctx context.Context, trackerURL string, event int) (*Response, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
		return tr.queryHTTPTracker(ctx, u, event)
	case "udp":
		return tr.queryUDPTracker(ctx, u, event)
	}
	return nil, errors.Errorf("tracker protocol %s is not supported", u.Scheme)
}

func (tr *tracker) handleResponse(resp *Response) {
	tr.Lock()
	if resp.Interval > 0 {
		tr.interval = resp.Interval
		if tr.interval < MIN_INTERVAL {
			tr.interval = MIN_INTERVAL
		}
	}
	tr.seeders = resp.Seeders
	tr.leechers = resp.Leechers
	fresh := []compact.Peer{}
	for _, p := range resp.Peers {
		if tr.peerIPs.Add(p.IP.String()) {
			tr.peers = append(tr.peers, p)
			fresh = append(fresh, p)
		}
	}
	tr.Unlock()

	for _, p := range fresh {
		tr.peerMgr.AddPeer(p.String(), nil)
	}
}

// Scrape asks the first UDP tracker that answers for swarm statistics.
func (tr *tracker) Scrape(ctx context.Context) (*ScrapeStats, error) {
	tr.Lock()
	tiers := tr.tiers
	tr.Unlock()

	var result *multierror.Error
	for _, tier := range tiers {
		for _, trackerURL := range tier {
			u, err := url.Parse(trackerURL)
			if err != nil || u.Scheme != "udp" {
				continue
			}
			s, err := tr.scrapeUDPTracker(ctx, u)
			if err != nil {
				result = multierror.Append(result, errors.Wrap(err, trackerURL))
				continue
			}
			return s, nil
		}
	}
	return nil, &ExhaustedError{Err: result.ErrorOrNil()}
}
