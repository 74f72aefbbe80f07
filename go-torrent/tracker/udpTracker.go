package tracker

import (
	"context"
	"math/rand"
	"net"
	"net/url"
	"time"

	"github.com/Charana123/tori/go-torrent/udpmsg"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
)

// BEP 0015 - UDP Tracker Protocol for BitTorrent

var (
	UDP_MIN_TIMEOUT      = 15 * time.Second
	UDP_MAX_TIMEOUT      = 3840 * time.Second
	CONNECTION_ID_EXPIRY = time.Minute
	MAX_DATAGRAM_SIZE    = 2048
)

var dialUDP = func(address string) (net.Conn, error) {
	return net.Dial("udp", address)
}

type connectionID struct {
	id      uint64
	expires time.Time
}

var udpEvents = map[int]uint32{
	NONE:      udpmsg.NONE,
	COMPLETED: udpmsg.COMPLETED,
	STARTED:   udpmsg.STARTED,
	STOPPED:   udpmsg.STOPPED,
}

type udpSession struct {
	tr   *tracker
	host string
	conn net.Conn
	buf  []byte
}

func (tr *tracker) openUDP(ctx context.Context, u *url.URL) (*udpSession, func(), error) {
	if u.Host == "" {
		return nil, nil, errors.Errorf("udp tracker url %s has no host", u)
	}
	conn, err := dialUDP(u.Host)
	if err != nil {
		return nil, nil, err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	closer := func() {
		stop()
		conn.Close()
	}
	return &udpSession{tr: tr, host: u.Host, conn: conn, buf: make([]byte, MAX_DATAGRAM_SIZE)}, closer, nil
}

func (tr *tracker) queryUDPTracker(ctx context.Context, u *url.URL, event int) (*Response, error) {
	s, closer, err := tr.openUDP(ctx, u)
	if err != nil {
		return nil, err
	}
	defer closer()

	var resp *udpmsg.AnnounceResponse
	err = s.retry(ctx, func(timeout time.Duration) error {
		connID, err := s.connect(timeout)
		if err != nil {
			return err
		}
		uploaded, downloaded, left := tr.stats.GetTrackerStats()
		transactionID := rand.Uint32()
		req := &udpmsg.AnnounceRequest{
			ConnectionID:  connID,
			TransactionID: transactionID,
			InfoHash:      tr.torrent.InfoHash,
			PeerID:        tr.peerID,
			Downloaded:    uint64(downloaded),
			Left:          uint64(left),
			Uploaded:      uint64(uploaded),
			Event:         udpEvents[event],
			Key:           tr.key,
			NumWant:       int32(NUMWANT),
			Port:          tr.port,
		}
		data, err := s.roundTrip(udpmsg.EncodeAnnounce(req), transactionID, timeout)
		if err != nil {
			return err
		}
		resp, err = udpmsg.DecodeAnnounce(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Response{
		Interval: time.Duration(resp.Interval) * time.Second,
		Seeders:  int(resp.Seeders),
		Leechers: int(resp.Leechers),
		Peers:    resp.Peers,
	}, nil
}

func (tr *tracker) scrapeUDPTracker(ctx context.Context, u *url.URL) (*ScrapeStats, error) {
	s, closer, err := tr.openUDP(ctx, u)
	if err != nil {
		return nil, err
	}
	defer closer()

	var resp *udpmsg.ScrapeResponse
	err = s.retry(ctx, func(timeout time.Duration) error {
		connID, err := s.connect(timeout)
		if err != nil {
			return err
		}
		transactionID := rand.Uint32()
		req := udpmsg.EncodeScrape(connID, transactionID, [][20]byte{tr.torrent.InfoHash})
		data, err := s.roundTrip(req, transactionID, timeout)
		if err != nil {
			return err
		}
		resp, err = udpmsg.DecodeScrape(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Stats) == 0 {
		return nil, errors.New("scrape response carries no statistics")
	}
	st := resp.Stats[0]
	return &ScrapeStats{
		Seeders:   int(st.Seeders),
		Completed: int(st.Completed),
		Leechers:  int(st.Leechers),
	}, nil
}

// retry runs attempt with a timeout of UDP_MIN_TIMEOUT doubling up to the
// tracker's retry cap. Only timeouts are retried.
func (s *udpSession) retry(ctx context.Context, attempt func(timeout time.Duration) error) error {
	b := &backoff.Backoff{
		Min:    UDP_MIN_TIMEOUT,
		Max:    s.tr.maxRetry,
		Factor: 2,
	}
	for {
		timeout := b.Duration()
		err := attempt(timeout)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != ErrTimeout {
			return err
		}
		s.tr.logger.Debug().Str("host", s.host).Dur("timeout", timeout).Msg("udp tracker timed out")
		if timeout >= s.tr.maxRetry {
			return ErrTimeout
		}
	}
}

// connect returns a cached connection id or obtains a fresh one.
func (s *udpSession) connect(timeout time.Duration) (uint64, error) {
	s.tr.Lock()
	cached, ok := s.tr.udpConns[s.host]
	s.tr.Unlock()
	if ok && time.Now().Before(cached.expires) {
		return cached.id, nil
	}

	transactionID := rand.Uint32()
	data, err := s.roundTrip(udpmsg.EncodeConnect(transactionID), transactionID, timeout)
	if err != nil {
		return 0, err
	}
	resp, err := udpmsg.DecodeConnect(data)
	if err != nil {
		return 0, err
	}

	s.tr.Lock()
	s.tr.udpConns[s.host] = &connectionID{id: resp.ConnectionID, expires: time.Now().Add(CONNECTION_ID_EXPIRY)}
	s.tr.Unlock()
	return resp.ConnectionID, nil
}

// roundTrip sends req and waits for a datagram echoing transactionID.
// Datagrams for other transactions are dropped. An ERROR action becomes an
// error carrying the tracker's message.
func (s *udpSession) roundTrip(req []byte, transactionID uint32, timeout time.Duration) ([]byte, error) {
	if _, err := s.conn.Write(req); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	for {
		n, err := s.conn.Read(s.buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, ErrTimeout
			}
			return nil, err
		}
		data := s.buf[:n]
		action, tid, err := udpmsg.Header(data)
		if err != nil {
			return nil, err
		}
		if tid != transactionID {
			s.tr.logger.Debug().Uint32("transaction", tid).Msg("dropping datagram for another transaction")
			continue
		}
		if action == udpmsg.ERROR {
			e, _ := udpmsg.DecodeErrorResponse(data)
			s.tr.Lock()
			delete(s.tr.udpConns, s.host)
			s.tr.Unlock()
			return nil, errors.Errorf("tracker error: %s", e.Message)
		}
		return append([]byte{}, data...), nil
	}
}
