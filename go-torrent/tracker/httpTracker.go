package tracker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Charana123/tori/go-torrent/bencode"
	"github.com/Charana123/tori/go-torrent/compact"
	"github.com/pkg/errors"
)

var (
	HTTP_TIMEOUT      = 30 * time.Second
	MAX_RESPONSE_SIZE = int64(1 << 20)
)

var httpClient = &http.Client{}

// percentEncode escapes every byte, which is what trackers expect for the
// binary info_hash and peer_id parameters.
func percentEncode(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		fmt.Fprintf(&sb, "%%%02x", c)
	}
	return sb.String()
}

func (tr *tracker) announceQuery(u *url.URL, event int) string {
	uploaded, downloaded, left := tr.stats.GetTrackerStats()
	q := url.Values{}
	q.Set("uploaded", strconv.Itoa(uploaded))
	q.Set("downloaded", strconv.Itoa(downloaded))
	q.Set("left", strconv.Itoa(left))
	q.Set("port", strconv.Itoa(int(tr.port)))
	q.Set("key", strconv.FormatUint(uint64(tr.key), 10))
	q.Set("numwant", strconv.Itoa(NUMWANT))
	q.Set("compact", "1")
	if name := eventNames[event]; name != "" {
		q.Set("event", name)
	}

	query := q.Encode() +
		"&info_hash=" + percentEncode(tr.torrent.InfoHash[:]) +
		"&peer_id=" + percentEncode(tr.peerID[:])
	if u.RawQuery != "" {
		query = u.RawQuery + "&" + query
	}
	return query
}

func (tr *tracker) queryHTTPTracker(ctx context.Context, u *url.URL, event int) (*Response, error) {
	announceURL := *u
	announceURL.RawQuery = tr.announceQuery(u, event)

	ctx, cancel := context.WithTimeout(ctx, HTTP_TIMEOUT)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, announceURL.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("tracker responded with status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, MAX_RESPONSE_SIZE))
	if err != nil {
		return nil, err
	}
	return tr.parseHTTPResponse(body)
}

func (tr *tracker) parseHTTPResponse(body []byte) (*Response, error) {
	decoder := &bencode.Decoder{Logger: tr.logger}
	v, _, err := decoder.Decode(body)
	if err != nil {
		return nil, errors.Wrap(err, "malformed tracker response")
	}
	d, ok := v.(*bencode.Dictionary)
	if !ok {
		return nil, errors.New("tracker response is not a dictionary")
	}

	if reason, ok := d.Str("failure reason"); ok {
		return nil, errors.Errorf("tracker failure: %s", reason)
	}
	if warning, ok := d.Str("warning message"); ok {
		tr.logger.Warn().Str("warning", warning).Msg("tracker warning")
	}

	resp := &Response{}
	if interval, ok := d.Int("interval"); ok {
		resp.Interval = time.Duration(interval) * time.Second
	}
	if complete, ok := d.Int("complete"); ok {
		resp.Seeders = int(complete)
	}
	if incomplete, ok := d.Int("incomplete"); ok {
		resp.Leechers = int(incomplete)
	}

	raw, ok := d.Get("peers")
	if !ok {
		return resp, nil
	}
	switch peers := raw.(type) {
	case bencode.ByteString:
		resp.Peers, err = compact.DecodePeers(peers)
		if err != nil {
			return nil, errors.Wrap(err, "malformed compact peers")
		}
	case bencode.List:
		for _, item := range peers {
			pd, ok := item.(*bencode.Dictionary)
			if !ok {
				continue
			}
			host, _ := pd.Str("ip")
			port, _ := pd.Int("port")
			ip := net.ParseIP(host)
			if ip == nil || port <= 0 || port > 65535 {
				tr.logger.Debug().Str("ip", host).Int64("port", port).Msg("skipping unusable peer entry")
				continue
			}
			if v4 := ip.To4(); v4 != nil {
				ip = v4
			}
			resp.Peers = append(resp.Peers, compact.Peer{IP: ip, Port: uint16(port)})
		}
	default:
		return nil, errors.New("tracker peers is neither a string nor a list")
	}
	return resp, nil
}
