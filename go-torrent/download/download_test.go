package download

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Charana123/tori/go-torrent/config"
	"github.com/Charana123/tori/go-torrent/dht"
	"github.com/Charana123/tori/go-torrent/torrent"
	"github.com/Charana123/tori/go-torrent/tracker"
	"github.com/Charana123/tori/go-torrent/wire"
	bitmap "github.com/boljen/go-bitmap"
	jbencode "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPieceLength = 16384
	testLength      = 40000
)

func content() []byte {
	data := make([]byte, testLength)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func marshal(t *testing.T, v interface{}) []byte {
	b := &bytes.Buffer{}
	require.NoError(t, jbencode.Marshal(b, v))
	return b.Bytes()
}

// newTorrent describes data as a single file torrent announced at
// announce, if any.
func newTorrent(t *testing.T, data []byte, announce string) *torrent.Torrent {
	pieces := &bytes.Buffer{}
	for begin := 0; begin < len(data); begin += testPieceLength {
		end := begin + testPieceLength
		if end > len(data) {
			end = len(data)
		}
		h := sha1.Sum(data[begin:end])
		pieces.Write(h[:])
	}
	meta := map[string]interface{}{
		"info": map[string]interface{}{
			"name":         "tori.bin",
			"piece length": testPieceLength,
			"length":       len(data),
			"pieces":       pieces.String(),
		},
	}
	if announce != "" {
		meta["announce"] = announce
	}
	tor, err := torrent.NewTorrent(marshal(t, meta))
	require.NoError(t, err)
	return tor
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Output:        t.TempDir(),
		PeerPort:      0,
		NodePort:      0,
		MaxPeers:      4,
		Strategy:      config.RAREST,
		UDPMaxTimeout: time.Second,
		PeerID:        config.GeneratePeerID(),
		NodeID:        config.GenerateNodeID(),
	}
}

func withFreeSpace(t *testing.T, free uint64) {
	old := diskUsage
	diskUsage = func(path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Path: path, Free: free}, nil
	}
	t.Cleanup(func() { diskUsage = old })
}

// seeder serves every piece of data to whoever connects.
type seeder struct {
	ln       net.Listener
	tor      *torrent.Torrent
	data     []byte
	mu       sync.Mutex
	requests []int
}

func newSeeder(t *testing.T, tor *torrent.Torrent, data []byte) *seeder {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	s := &seeder{ln: ln, tor: tor, data: data}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *seeder) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *seeder) requested() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int{}, s.requests...)
}

func (s *seeder) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *seeder) handle(conn net.Conn) {
	w := wire.NewWire(conn, 5*time.Second)
	defer w.Close()

	h, err := w.ReadHandshake()
	if err != nil || h.InfoHash != s.tor.InfoHash {
		return
	}
	var id [20]byte
	copy(id[:], "-SD0001-seederseeder")
	have := bitmap.New(s.tor.NumPieces)
	for i := 0; i < s.tor.NumPieces; i++ {
		have.Set(i, true)
	}
	if w.SendHandshake(wire.NewHandshake(s.tor.InfoHash, id, false)) != nil ||
		w.SendBitField(wire.NewBitfield(have, s.tor.NumPieces)) != nil ||
		w.SendUnchoke() != nil {
		return
	}
	for {
		m, err := w.ReadMessage()
		if err != nil {
			return
		}
		switch r := m.(type) {
		case wire.Request:
			s.mu.Lock()
			s.requests = append(s.requests, r.Index)
			s.mu.Unlock()
			offset := r.Index*testPieceLength + r.Begin
			if w.SendBlock(r.Index, r.Begin, s.data[offset:offset+r.Length]) != nil {
				return
			}
		case wire.NotInterested:
			return
		}
	}
}

func compactPeer(port int) string {
	b := make([]byte, 6)
	copy(b, net.IPv4(127, 0, 0, 1).To4())
	binary.BigEndian.PutUint16(b[4:], uint16(port))
	return string(b)
}

// httpTracker answers announces with respond and records every event it
// sees.
type httpTracker struct {
	srv    *httptest.Server
	mu     sync.Mutex
	events []string
}

func newHTTPTracker(t *testing.T, respond func() map[string]interface{}) *httpTracker {
	ht := &httpTracker{}
	ht.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ht.mu.Lock()
		ht.events = append(ht.events, r.URL.Query().Get("event"))
		ht.mu.Unlock()
		jbencode.Marshal(w, respond())
	}))
	t.Cleanup(ht.srv.Close)
	return ht
}

func respondWith(response map[string]interface{}) func() map[string]interface{} {
	return func() map[string]interface{} { return response }
}

// respondWithPeer announces the seeder stored in port once it is known.
func respondWithPeer(port *atomic.Int32) func() map[string]interface{} {
	return func() map[string]interface{} {
		return map[string]interface{}{
			"interval": 1800,
			"complete": 1,
			"peers":    compactPeer(int(port.Load())),
		}
	}
}

func (ht *httpTracker) url() string {
	return ht.srv.URL + "/announce"
}

func (ht *httpTracker) seen() []string {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	return append([]string{}, ht.events...)
}

func start(t *testing.T, tor *torrent.Torrent, cfg *config.Config) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	return NewDownload(tor, cfg, zerolog.Nop()).Start(ctx)
}

func readOutput(t *testing.T, cfg *config.Config) []byte {
	data, err := os.ReadFile(filepath.Join(cfg.Output, "tori.bin"))
	require.NoError(t, err)
	return data
}

func TestDownloadFromTracker(t *testing.T) {
	withFreeSpace(t, 1<<30)
	data := content()
	var port atomic.Int32
	ht := newHTTPTracker(t, respondWithPeer(&port))
	tor := newTorrent(t, data, ht.url())
	s := newSeeder(t, tor, data)
	port.Store(int32(s.port()))
	cfg := testConfig(t)

	res, err := start(t, tor, cfg)
	require.NoError(t, err)
	assert.False(t, res.AlreadyComplete)
	assert.Equal(t, testLength, res.Downloaded)
	assert.Equal(t, data, readOutput(t, cfg))
	assert.ElementsMatch(t, []int{0, 1, 2}, s.requested())
	assert.Equal(t, []string{"started", "completed", "stopped"}, ht.seen())
}

func TestAlreadyComplete(t *testing.T) {
	withFreeSpace(t, 0)
	data := content()
	ht := newHTTPTracker(t, respondWith(map[string]interface{}{"interval": 1800}))
	tor := newTorrent(t, data, ht.url())
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Output, "tori.bin"), data, 0644))

	res, err := start(t, tor, cfg)
	require.NoError(t, err)
	assert.True(t, res.AlreadyComplete)
	assert.Empty(t, ht.seen())
}

func TestResume(t *testing.T) {
	withFreeSpace(t, 1<<30)
	data := content()
	var port atomic.Int32
	ht := newHTTPTracker(t, respondWithPeer(&port))
	tor := newTorrent(t, data, ht.url())
	s := newSeeder(t, tor, data)
	port.Store(int32(s.port()))
	cfg := testConfig(t)

	// the first piece is intact, the second corrupted, the third missing
	partial := append([]byte{}, data[:2*testPieceLength]...)
	partial[testPieceLength] ^= 0xff
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Output, "tori.bin"), partial, 0644))

	res, err := start(t, tor, cfg)
	require.NoError(t, err)
	assert.Equal(t, testLength-testPieceLength, res.Downloaded)
	assert.Equal(t, data, readOutput(t, cfg))
	assert.NotContains(t, s.requested(), 0)
}

func TestResourceErrors(t *testing.T) {
	data := content()
	ht := newHTTPTracker(t, respondWith(map[string]interface{}{"interval": 1800}))
	tor := newTorrent(t, data, ht.url())

	t.Run("not enough space", func(t *testing.T) {
		withFreeSpace(t, testLength-1)
		_, err := start(t, tor, testConfig(t))
		var re *ResourceError
		require.True(t, errors.As(err, &re), "%v", err)
		assert.Contains(t, re.Error(), "not enough space")
	})

	t.Run("missing directory", func(t *testing.T) {
		withFreeSpace(t, 1<<30)
		cfg := testConfig(t)
		cfg.Output = filepath.Join(cfg.Output, "missing")
		_, err := start(t, tor, cfg)
		var re *ResourceError
		assert.True(t, errors.As(err, &re), "%v", err)
	})

	t.Run("not a directory", func(t *testing.T) {
		withFreeSpace(t, 1<<30)
		cfg := testConfig(t)
		file := filepath.Join(cfg.Output, "file")
		require.NoError(t, os.WriteFile(file, nil, 0644))
		cfg.Output = file
		_, err := start(t, tor, cfg)
		var re *ResourceError
		assert.True(t, errors.As(err, &re), "%v", err)
	})

	// resource problems are reported before any tracker is contacted
	assert.Empty(t, ht.seen())
}

func TestTrackersExhausted(t *testing.T) {
	withFreeSpace(t, 1<<30)
	ht := newHTTPTracker(t, respondWith(map[string]interface{}{"failure reason": "unregistered torrent"}))
	tor := newTorrent(t, content(), ht.url())

	_, err := start(t, tor, testConfig(t))
	var ee *tracker.ExhaustedError
	require.True(t, errors.As(err, &ee), "%v", err)
	assert.Contains(t, err.Error(), "unregistered torrent")
}

func TestNoPeers(t *testing.T) {
	withFreeSpace(t, 1<<30)
	ht := newHTTPTracker(t, respondWith(map[string]interface{}{"interval": 1800, "peers": ""}))
	tor := newTorrent(t, content(), ht.url())

	_, err := start(t, tor, testConfig(t))
	assert.Equal(t, ErrNoPeers, err)
	assert.Equal(t, []string{"started", "stopped"}, ht.seen())
}

func serveNode(t *testing.T, first byte) (*dht.Node, string) {
	var id [20]byte
	id[0] = first
	node, err := dht.Listen(id, 0, zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		node.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return node, "127.0.0.1:" + strconv.Itoa(node.Addr().(*net.UDPAddr).Port)
}

func TestDownloadFromDHT(t *testing.T) {
	withFreeSpace(t, 1<<30)
	data := content()
	tor := newTorrent(t, data, "")
	s := newSeeder(t, tor, data)

	// the seeder's address is announced to the bootstrap node beforehand
	_, bootstrap := serveNode(t, 0x40)
	announcer, _ := serveNode(t, 0x80)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := announcer.GetPeers(ctx, []string{bootstrap}, tor.InfoHash)
	require.NoError(t, err)
	require.Equal(t, 1, announcer.Announce(ctx, tor.InfoHash, uint16(s.port())))

	cfg := testConfig(t)
	cfg.DHT = true
	cfg.Bootstrap = []string{bootstrap}

	res, err := start(t, tor, cfg)
	require.NoError(t, err)
	assert.Equal(t, testLength, res.Downloaded)
	assert.Equal(t, data, readOutput(t, cfg))
}
