package wire

import (
	"bytes"
	"encoding/binary"
)

const (
	PROTOCOL       = "BitTorrent protocol"
	HANDSHAKE_SIZE = 1 + 19 + 8 + 20 + 20
)

type Handshake struct {
	Protocol string
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

func NewHandshake(infoHash, peerID [20]byte, dht bool) *Handshake {
	h := &Handshake{
		Protocol: PROTOCOL,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
	if dht {
		h.Reserved[7] |= 0x01
	}
	return h
}

// SupportsDHT reports bit 0 of the last reserved byte.
func (h *Handshake) SupportsDHT() bool {
	return h.Reserved[7]&0x01 != 0
}

func EncodeHandshake(h *Handshake) []byte {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, uint8(len(h.Protocol)))
	b.WriteString(h.Protocol)
	b.Write(h.Reserved[:])
	b.Write(h.InfoHash[:])
	b.Write(h.PeerID[:])
	return b.Bytes()
}

func DecodeHandshake(data []byte) (*Handshake, error) {
	if len(data) < 1 {
		return nil, decodeErrorf("empty handshake")
	}
	pstrlen := int(data[0])
	if len(data) < 1+pstrlen+48 {
		return nil, decodeErrorf("handshake of %d bytes, want %d", len(data), 1+pstrlen+48)
	}
	h := &Handshake{Protocol: string(data[1 : 1+pstrlen])}
	rest := data[1+pstrlen:]
	copy(h.Reserved[:], rest[0:8])
	copy(h.InfoHash[:], rest[8:28])
	copy(h.PeerID[:], rest[28:48])
	return h, nil
}
