// Package dht implements a Kademlia node speaking the BitTorrent KRPC
// protocol (BEP 5) over a single UDP socket.
package dht

import (
	"context"
	"crypto/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/Charana123/tori/go-torrent/bencode"
	"github.com/Charana123/tori/go-torrent/compact"
	mapset "github.com/deckarep/golang-set"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	QUERY_TIMEOUT      = 16 * time.Second
	MIN_PEER_IPS       = 10
	PEER_STORE_SIZE    = 1024
	MAX_PEERS_PER_HASH = 100
	MAX_DATAGRAM_SIZE  = 65536
)

var ErrTimeout = errors.New("dht query timed out")

var listenUDP = func(port int) (net.PacketConn, error) {
	return net.ListenPacket("udp4", ":"+strconv.Itoa(port))
}

var resolveUDPAddr = net.ResolveUDPAddr

type result struct {
	m   *message
	err error
}

type pendingQuery struct {
	addr string
	res  chan result
}

type responder struct {
	addr  *net.UDPAddr
	token []byte
}

type Node struct {
	sync.Mutex
	id         [20]byte
	conn       net.PacketConn
	table      *RoutingTable
	peers      *lru.Cache
	tokens     *tokens
	pending    map[string]*pendingQuery
	responders map[[20]byte][]responder
	decoder    *bencode.Decoder
	logger     zerolog.Logger
}

func NewNode(id [20]byte, conn net.PacketConn, logger zerolog.Logger) (*Node, error) {
	peers, err := lru.New(PEER_STORE_SIZE)
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("component", "dht").Logger()
	return &Node{
		id:         id,
		conn:       conn,
		table:      NewRoutingTable(id),
		peers:      peers,
		tokens:     newTokens(),
		pending:    make(map[string]*pendingQuery),
		responders: make(map[[20]byte][]responder),
		decoder:    &bencode.Decoder{Logger: logger},
		logger:     logger,
	}, nil
}

// Listen opens the node's UDP socket on port.
func Listen(id [20]byte, port int, logger zerolog.Logger) (*Node, error) {
	conn, err := listenUDP(port)
	if err != nil {
		return nil, errors.Wrap(err, "dht listen")
	}
	n, err := NewNode(id, conn, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) ID() [20]byte {
	return n.id
}

func (n *Node) Addr() net.Addr {
	return n.conn.LocalAddr()
}

func (n *Node) Table() *RoutingTable {
	return n.table
}

func (n *Node) Close() error {
	return n.conn.Close()
}

// Serve reads datagrams until ctx is done or the socket is closed.
func (n *Node) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { n.conn.Close() })
	defer stop()

	buf := make([]byte, MAX_DATAGRAM_SIZE)
	for {
		size, addr, err := n.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		data := append([]byte{}, buf[:size]...)
		n.handle(data, addr)
	}
}

func (n *Node) handle(data []byte, addr net.Addr) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok || udpAddr.IP.To4() == nil {
		n.logger.Debug().Str("addr", addr.String()).Msg("dropping datagram from non IPv4 address")
		return
	}
	udpAddr = &net.UDPAddr{IP: udpAddr.IP.To4(), Port: udpAddr.Port}

	m, err := decodeMessage(n.decoder, data)
	if m == nil {
		n.logger.Debug().Err(err).Str("addr", udpAddr.String()).Msg("dropping undecodable datagram")
		return
	}
	if m.Y == "r" || m.Y == "e" {
		n.deliver(m, udpAddr, err)
		return
	}
	if err != nil {
		n.replyError(m.T, udpAddr, PROTOCOL_ERROR, err.Error())
		return
	}
	n.handleQuery(m, udpAddr)
}

func (n *Node) deliver(m *message, addr *net.UDPAddr, err error) {
	n.Lock()
	p, ok := n.pending[m.T]
	n.Unlock()
	if !ok || p.addr != addr.String() {
		n.logger.Debug().Str("addr", addr.String()).Msg("dropping reply for an unknown transaction")
		return
	}
	select {
	case p.res <- result{m: m, err: err}:
	default:
	}
}

func (n *Node) send(data []byte, addr *net.UDPAddr) error {
	_, err := n.conn.WriteTo(data, addr)
	return err
}

func (n *Node) replyError(t string, addr *net.UDPAddr, code int, msg string) {
	n.logger.Debug().Str("addr", addr.String()).Int("code", code).Str("error", msg).Msg("krpc error reply")
	n.send(encodeError(t, &KRPCError{Code: code, Message: msg}), addr)
}

func (n *Node) handleQuery(m *message, addr *net.UDPAddr) {
	sender, ok := id20(m.A, "id")
	if !ok {
		n.replyError(m.T, addr, PROTOCOL_ERROR, "missing or malformed id")
		return
	}
	n.logger.Debug().Str("addr", addr.String()).Str("query", m.Q).Msg("krpc query")

	r := bencode.NewDictionary().Set("id", bencode.ByteString(n.id[:]))
	switch m.Q {
	case PING:
	case FIND_NODE:
		target, ok := id20(m.A, "target")
		if !ok {
			n.replyError(m.T, addr, PROTOCOL_ERROR, "missing or malformed target")
			return
		}
		r.Set("nodes", bencode.ByteString(compact.EncodeNodes(n.table.Closest(target, BUCKET_SIZE))))
	case GET_PEERS:
		infoHash, ok := id20(m.A, "info_hash")
		if !ok {
			n.replyError(m.T, addr, PROTOCOL_ERROR, "missing or malformed info_hash")
			return
		}
		r.Set("token", bencode.ByteString(n.tokens.issue(addr.IP)))
		if peers := n.storedPeers(infoHash); len(peers) > 0 {
			values := bencode.List{}
			for _, p := range peers {
				values = append(values, bencode.ByteString(compact.EncodePeer(p)))
			}
			r.Set("values", values)
		} else {
			r.Set("nodes", bencode.ByteString(compact.EncodeNodes(n.table.Closest(infoHash, BUCKET_SIZE))))
		}
	case ANNOUNCE_PEER:
		infoHash, ok := id20(m.A, "info_hash")
		if !ok {
			n.replyError(m.T, addr, PROTOCOL_ERROR, "missing or malformed info_hash")
			return
		}
		token, _ := m.A.Bytes("token")
		if !n.tokens.valid(token, addr.IP) {
			n.replyError(m.T, addr, PROTOCOL_ERROR, "bad token")
			return
		}
		port := addr.Port
		if implied, _ := m.A.Int("implied_port"); implied == 0 {
			p, ok := m.A.Int("port")
			if !ok || p <= 0 || p > 65535 {
				n.replyError(m.T, addr, PROTOCOL_ERROR, "missing or malformed port")
				return
			}
			port = int(p)
		}
		n.storePeer(infoHash, compact.Peer{IP: addr.IP, Port: uint16(port)})
	default:
		n.replyError(m.T, addr, METHOD_UNKNOWN, "method unknown")
		return
	}

	n.table.Insert(compact.Node{ID: sender, Addr: compact.PeerFromUDPAddr(addr)})
	if err := n.send(encodeResponse(m.T, r), addr); err != nil {
		n.logger.Debug().Err(err).Str("addr", addr.String()).Msg("krpc reply failed")
	}
}

func (n *Node) storedPeers(infoHash [20]byte) []compact.Peer {
	n.Lock()
	defer n.Unlock()

	v, ok := n.peers.Get(infoHash)
	if !ok {
		return nil
	}
	return append([]compact.Peer{}, v.([]compact.Peer)...)
}

func (n *Node) storePeer(infoHash [20]byte, peer compact.Peer) {
	n.Lock()
	defer n.Unlock()

	stored := []compact.Peer{}
	if v, ok := n.peers.Get(infoHash); ok {
		stored = v.([]compact.Peer)
	}
	for _, p := range stored {
		if p.String() == peer.String() {
			return
		}
	}
	stored = append(stored, peer)
	if len(stored) > MAX_PEERS_PER_HASH {
		stored = stored[1:]
	}
	n.peers.Add(infoHash, stored)
}

func (n *Node) newTransaction(addr *net.UDPAddr) (string, *pendingQuery) {
	n.Lock()
	defer n.Unlock()

	p := &pendingQuery{addr: addr.String(), res: make(chan result, 1)}
	for {
		var t [2]byte
		rand.Read(t[:])
		if _, ok := n.pending[string(t[:])]; !ok {
			n.pending[string(t[:])] = p
			return string(t[:]), p
		}
	}
}

// query sends q to addr and waits for the matching reply.
func (n *Node) query(ctx context.Context, addr *net.UDPAddr, q string, a *bencode.Dictionary) (*bencode.Dictionary, error) {
	a.Set("id", bencode.ByteString(n.id[:]))
	t, p := n.newTransaction(addr)
	defer func() {
		n.Lock()
		delete(n.pending, t)
		n.Unlock()
	}()

	if err := n.send(encodeQuery(t, q, a), addr); err != nil {
		return nil, err
	}

	timer := time.NewTimer(QUERY_TIMEOUT)
	defer timer.Stop()
	var res result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	case res = <-p.res:
	}

	if res.err != nil {
		return nil, res.err
	}
	if res.m.E != nil {
		return nil, res.m.E
	}
	id, ok := id20(res.m.R, "id")
	if !ok {
		return nil, errors.New("reply has no node id")
	}
	n.table.Insert(compact.Node{ID: id, Addr: compact.PeerFromUDPAddr(addr)})
	return res.m.R, nil
}

func (n *Node) Ping(ctx context.Context, addr *net.UDPAddr) ([20]byte, error) {
	r, err := n.query(ctx, addr, PING, bencode.NewDictionary())
	if err != nil {
		return [20]byte{}, err
	}
	id, _ := id20(r, "id")
	return id, nil
}

func (n *Node) FindNode(ctx context.Context, addr *net.UDPAddr, target [20]byte) ([]compact.Node, error) {
	r, err := n.query(ctx, addr, FIND_NODE, bencode.NewDictionary().
		Set("target", bencode.ByteString(target[:])))
	if err != nil {
		return nil, err
	}
	raw, _ := r.Bytes("nodes")
	return compact.DecodeNodes(raw)
}

type getPeersResult struct {
	peers []compact.Peer
	nodes []compact.Node
	token []byte
}

func (n *Node) getPeers(ctx context.Context, addr *net.UDPAddr, infoHash [20]byte) (*getPeersResult, error) {
	r, err := n.query(ctx, addr, GET_PEERS, bencode.NewDictionary().
		Set("info_hash", bencode.ByteString(infoHash[:])))
	if err != nil {
		return nil, err
	}

	res := &getPeersResult{}
	res.token, _ = r.Bytes("token")
	if values, ok := r.List("values"); ok {
		for _, v := range values {
			b, ok := v.(bencode.ByteString)
			if !ok {
				continue
			}
			peers, err := compact.DecodePeers(b)
			if err != nil {
				return nil, err
			}
			res.peers = append(res.peers, peers...)
		}
	}
	if raw, ok := r.Bytes("nodes"); ok {
		if res.nodes, err = compact.DecodeNodes(raw); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (n *Node) AnnouncePeer(ctx context.Context, addr *net.UDPAddr, infoHash [20]byte, port uint16, token []byte) error {
	_, err := n.query(ctx, addr, ANNOUNCE_PEER, bencode.NewDictionary().
		Set("implied_port", bencode.Integer(0)).
		Set("info_hash", bencode.ByteString(infoHash[:])).
		Set("port", bencode.Integer(port)).
		Set("token", bencode.ByteString(token)))
	return err
}

// GetPeers crawls depth first from the bootstrap nodes and the closest
// known nodes, stopping once MIN_PEER_IPS distinct IPs are known or
// nothing is left to visit.
func (n *Node) GetPeers(ctx context.Context, bootstrap []string, infoHash [20]byte) ([]compact.Peer, error) {
	visited := mapset.NewSet()
	stack := []*net.UDPAddr{}
	push := func(addr *net.UDPAddr) {
		if visited.Add(addr.String()) {
			stack = append(stack, addr)
		}
	}
	for _, node := range n.table.Closest(infoHash, BUCKET_SIZE) {
		push(node.Addr.UDPAddr())
	}
	for _, b := range bootstrap {
		addr, err := resolveUDPAddr("udp4", b)
		if err != nil {
			n.logger.Debug().Err(err).Str("bootstrap", b).Msg("cannot resolve bootstrap node")
			continue
		}
		push(addr)
	}

	peers := []compact.Peer{}
	seen := mapset.NewSet()
	ips := mapset.NewSet()
	for len(stack) > 0 && ctx.Err() == nil {
		addr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		res, err := n.getPeers(ctx, addr, infoHash)
		if err != nil {
			n.logger.Debug().Err(err).Str("addr", addr.String()).Msg("get_peers failed")
			continue
		}
		if len(res.token) > 0 {
			n.rememberResponder(infoHash, addr, res.token)
		}
		if len(res.peers) > 0 {
			for _, p := range res.peers {
				if seen.Add(p.String()) {
					peers = append(peers, p)
					ips.Add(p.IP.String())
				}
			}
			if ips.Cardinality() >= MIN_PEER_IPS {
				break
			}
			continue
		}
		for _, node := range res.nodes {
			if node.ID == n.id {
				continue
			}
			push(node.Addr.UDPAddr())
		}
	}

	if len(peers) == 0 && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	n.logger.Debug().Int("peers", len(peers)).Int("visited", visited.Cardinality()).Msg("dht crawl finished")
	return peers, nil
}

func (n *Node) rememberResponder(infoHash [20]byte, addr *net.UDPAddr, token []byte) {
	n.Lock()
	defer n.Unlock()

	rs := n.responders[infoHash]
	if len(rs) >= BUCKET_SIZE {
		return
	}
	n.responders[infoHash] = append(rs, responder{addr: addr, token: append([]byte{}, token...)})
}

// Announce sends announce_peer to nodes that issued a token during a
// previous crawl for infoHash and returns how many accepted.
func (n *Node) Announce(ctx context.Context, infoHash [20]byte, port uint16) int {
	n.Lock()
	rs := append([]responder{}, n.responders[infoHash]...)
	n.Unlock()

	accepted := 0
	for _, r := range rs {
		if err := n.AnnouncePeer(ctx, r.addr, infoHash, port, r.token); err != nil {
			n.logger.Debug().Err(err).Str("addr", r.addr.String()).Msg("announce_peer failed")
			continue
		}
		accepted++
	}
	return accepted
}
