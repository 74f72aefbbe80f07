package dht

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/Charana123/tori/go-torrent/bencode"
	"github.com/Charana123/tori/go-torrent/compact"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T, first byte) *Node {
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	var id [20]byte
	id[0] = first
	id[19] = 0x01
	n, err := NewNode(id, conn, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return n
}

func udpAddr(n *Node) *net.UDPAddr {
	return n.Addr().(*net.UDPAddr)
}

func testInfoHash() [20]byte {
	var h [20]byte
	copy(h[:], "abcdefghijklmnopqrst")
	return h
}

func TestPing(t *testing.T) {
	a := newTestNode(t, 0x10)
	b := newTestNode(t, 0x20)

	id, err := a.Ping(context.Background(), udpAddr(b))
	require.NoError(t, err)
	assert.Equal(t, b.ID(), id)

	// both sides learn about each other
	assert.Equal(t, 1, a.Table().Len())
	assert.Eventually(t, func() bool { return b.Table().Len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestFindNode(t *testing.T) {
	a := newTestNode(t, 0x10)
	b := newTestNode(t, 0x20)
	c := newTestNode(t, 0x30)

	_, err := c.Ping(context.Background(), udpAddr(b))
	require.NoError(t, err)

	nodes, err := a.FindNode(context.Background(), udpAddr(b), c.ID())
	require.NoError(t, err)
	require.NotEmpty(t, nodes)
	assert.Equal(t, c.ID(), nodes[0].ID)
	assert.Equal(t, uint16(udpAddr(c).Port), nodes[0].Addr.Port)
}

func TestAnnounceAndGetPeers(t *testing.T) {
	a := newTestNode(t, 0x10)
	b := newTestNode(t, 0x20)
	infoHash := testInfoHash()

	res, err := a.getPeers(context.Background(), udpAddr(b), infoHash)
	require.NoError(t, err)
	assert.Empty(t, res.peers)
	require.NotEmpty(t, res.token)

	require.NoError(t, a.AnnouncePeer(context.Background(), udpAddr(b), infoHash, 51413, res.token))

	res, err = a.getPeers(context.Background(), udpAddr(b), infoHash)
	require.NoError(t, err)
	require.Len(t, res.peers, 1)
	assert.Equal(t, "127.0.0.1:51413", res.peers[0].String())
}

func TestAnnounceBadToken(t *testing.T) {
	a := newTestNode(t, 0x10)
	b := newTestNode(t, 0x20)

	err := a.AnnouncePeer(context.Background(), udpAddr(b), testInfoHash(), 6881, []byte("forged"))
	var krpcErr *KRPCError
	require.True(t, errors.As(err, &krpcErr))
	assert.Equal(t, PROTOCOL_ERROR, krpcErr.Code)
}

func TestUnknownMethod(t *testing.T) {
	a := newTestNode(t, 0x10)
	b := newTestNode(t, 0x20)

	_, err := a.query(context.Background(), udpAddr(b), "vote", bencode.NewDictionary())
	var krpcErr *KRPCError
	require.True(t, errors.As(err, &krpcErr))
	assert.Equal(t, METHOD_UNKNOWN, krpcErr.Code)
}

func TestMalformedQuery(t *testing.T) {
	b := newTestNode(t, 0x20)
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	query := bencode.MustEncode(bencode.NewDictionary().
		Set("q", bencode.ByteString("ping")).
		Set("t", bencode.ByteString("aa")).
		Set("y", bencode.ByteString("q")))
	_, err = conn.WriteTo(query, b.Addr())
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, _, err := conn.ReadFrom(buf)
	require.NoError(t, err)

	m, err := decodeMessage(&bencode.Decoder{Strict: true}, buf[:n])
	require.NoError(t, err)
	assert.Equal(t, "aa", m.T)
	require.NotNil(t, m.E)
	assert.Equal(t, PROTOCOL_ERROR, m.E.Code)
}

func TestQueryTimeout(t *testing.T) {
	old := QUERY_TIMEOUT
	QUERY_TIMEOUT = 100 * time.Millisecond
	defer func() { QUERY_TIMEOUT = old }()

	a := newTestNode(t, 0x10)
	silent, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()

	_, err = a.Ping(context.Background(), silent.LocalAddr().(*net.UDPAddr))
	assert.Equal(t, ErrTimeout, err)
}

func TestReplyFromWrongAddressIgnored(t *testing.T) {
	old := QUERY_TIMEOUT
	QUERY_TIMEOUT = 200 * time.Millisecond
	defer func() { QUERY_TIMEOUT = old }()

	a := newTestNode(t, 0x10)
	target, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer target.Close()
	imposter, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer imposter.Close()

	go func() {
		buf := make([]byte, 1024)
		n, _, err := target.ReadFrom(buf)
		if err != nil {
			return
		}
		m, err := decodeMessage(&bencode.Decoder{}, buf[:n])
		if err != nil {
			return
		}
		var id [20]byte
		imposter.WriteTo(encodeResponse(m.T, bencode.NewDictionary().Set("id", bencode.ByteString(id[:]))), a.Addr())
	}()

	_, err = a.Ping(context.Background(), target.LocalAddr().(*net.UDPAddr))
	assert.Equal(t, ErrTimeout, err)
}

func TestCrawl(t *testing.T) {
	a := newTestNode(t, 0x10)
	bootstrap := newTestNode(t, 0x20)
	c := newTestNode(t, 0x30)
	infoHash := testInfoHash()

	// c knows the swarm and is known to the bootstrap node
	c.storePeer(infoHash, compact.Peer{IP: net.IPv4(192, 168, 0, 7).To4(), Port: 6881})
	_, err := c.Ping(context.Background(), udpAddr(bootstrap))
	require.NoError(t, err)

	peers, err := a.GetPeers(context.Background(), []string{udpAddr(bootstrap).String()}, infoHash)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "192.168.0.7:6881", peers[0].String())

	// both nodes issued tokens, so both accept our announce
	assert.Equal(t, 2, a.Announce(context.Background(), infoHash, 6881))
	stored := c.storedPeers(infoHash)
	assert.Len(t, stored, 2)
}

func TestCrawlStopsAtEnoughPeers(t *testing.T) {
	old := MIN_PEER_IPS
	MIN_PEER_IPS = 2
	defer func() { MIN_PEER_IPS = old }()

	a := newTestNode(t, 0x10)
	b := newTestNode(t, 0x20)
	infoHash := testInfoHash()
	b.storePeer(infoHash, compact.Peer{IP: net.IPv4(10, 0, 0, 1).To4(), Port: 1})
	b.storePeer(infoHash, compact.Peer{IP: net.IPv4(10, 0, 0, 2).To4(), Port: 2})

	peers, err := a.GetPeers(context.Background(), []string{udpAddr(b).String()}, infoHash)
	require.NoError(t, err)
	assert.Len(t, peers, 2)
}

func TestTokens(t *testing.T) {
	tk := newTokens()
	ip := net.IPv4(1, 2, 3, 4)
	token := tk.issue(ip)

	assert.True(t, tk.valid(token, ip))
	assert.False(t, tk.valid(token, net.IPv4(1, 2, 3, 5)))

	tk.rotate()
	assert.True(t, tk.valid(token, ip))
	tk.rotate()
	assert.False(t, tk.valid(token, ip))
}

func TestDecodeMessageErrors(t *testing.T) {
	decoder := &bencode.Decoder{}
	_, err := decodeMessage(decoder, []byte("i1e"))
	assert.Error(t, err)

	raw := bencode.MustEncode(bencode.NewDictionary().
		Set("e", bencode.List{bencode.Integer(201)}).
		Set("t", bencode.ByteString("xy")).
		Set("y", bencode.ByteString("e")))
	m, err := decodeMessage(decoder, raw)
	assert.Error(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "xy", m.T)
}
