// Package compact implements the packed peer (6 byte) and node (26 byte)
// address formats shared by trackers and the DHT.
package compact

import (
	"encoding/binary"
	"net"
	"strconv"

	"github.com/pkg/errors"
)

const (
	PEER_SIZE = 6
	NODE_SIZE = 26
)

type Peer struct {
	IP   net.IP
	Port uint16
}

func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

func PeerFromUDPAddr(addr *net.UDPAddr) Peer {
	return Peer{IP: addr.IP, Port: uint16(addr.Port)}
}

func (p Peer) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: p.IP, Port: int(p.Port)}
}

type Node struct {
	ID   [20]byte
	Addr Peer
}

func EncodePeer(p Peer) []byte {
	b := make([]byte, PEER_SIZE)
	copy(b[:4], p.IP.To4())
	binary.BigEndian.PutUint16(b[4:], p.Port)
	return b
}

func DecodePeers(b []byte) ([]Peer, error) {
	if len(b)%PEER_SIZE != 0 {
		return nil, errors.Errorf("compact peers length %d is not a multiple of %d", len(b), PEER_SIZE)
	}
	peers := make([]Peer, 0, len(b)/PEER_SIZE)
	for i := 0; i < len(b); i += PEER_SIZE {
		peers = append(peers, Peer{
			IP:   net.IPv4(b[i], b[i+1], b[i+2], b[i+3]).To4(),
			Port: binary.BigEndian.Uint16(b[i+4 : i+6]),
		})
	}
	return peers, nil
}

func EncodePeers(peers []Peer) []byte {
	b := make([]byte, 0, len(peers)*PEER_SIZE)
	for _, p := range peers {
		b = append(b, EncodePeer(p)...)
	}
	return b
}

func DecodeNodes(b []byte) ([]Node, error) {
	if len(b)%NODE_SIZE != 0 {
		return nil, errors.Errorf("compact nodes length %d is not a multiple of %d", len(b), NODE_SIZE)
	}
	nodes := make([]Node, 0, len(b)/NODE_SIZE)
	for i := 0; i < len(b); i += NODE_SIZE {
		n := Node{}
		copy(n.ID[:], b[i:i+20])
		peers, _ := DecodePeers(b[i+20 : i+NODE_SIZE])
		n.Addr = peers[0]
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func EncodeNodes(nodes []Node) []byte {
	b := make([]byte, 0, len(nodes)*NODE_SIZE)
	for _, n := range nodes {
		b = append(b, n.ID[:]...)
		b = append(b, EncodePeer(n.Addr)...)
	}
	return b
}
