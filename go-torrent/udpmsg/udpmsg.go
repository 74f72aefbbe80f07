// Package udpmsg encodes and decodes UDP tracker datagrams (BEP 15).
package udpmsg

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/Charana123/tori/go-torrent/compact"
)

const PROTOCOL_ID uint64 = 0x41727101980

const (
	CONNECT  uint32 = 0
	ANNOUNCE uint32 = 1
	SCRAPE   uint32 = 2
	ERROR    uint32 = 3
)

const (
	NONE      uint32 = 0
	COMPLETED uint32 = 1
	STARTED   uint32 = 2
	STOPPED   uint32 = 3
)

const (
	CONNECT_REQUEST_SIZE   = 16
	CONNECT_RESPONSE_SIZE  = 16
	ANNOUNCE_REQUEST_SIZE  = 98
	ANNOUNCE_RESPONSE_SIZE = 20
	HEADER_SIZE            = 8
)

type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "udp tracker: decode error: " + e.Reason
}

func decodeErrorf(format string, args ...interface{}) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

type AnnounceRequest struct {
	ConnectionID  uint64
	TransactionID uint32
	InfoHash      [20]byte
	PeerID        [20]byte
	Downloaded    uint64
	Left          uint64
	Uploaded      uint64
	Event         uint32
	Key           uint32
	NumWant       int32
	Port          uint16
}

type AnnounceResponse struct {
	TransactionID uint32
	Interval      uint32
	Leechers      uint32
	Seeders       uint32
	Peers         []compact.Peer
}

type ScrapeStats struct {
	Seeders   uint32
	Completed uint32
	Leechers  uint32
}

type ScrapeResponse struct {
	TransactionID uint32
	Stats         []ScrapeStats
}

type ConnectResponse struct {
	TransactionID uint32
	ConnectionID  uint64
}

type ErrorResponse struct {
	TransactionID uint32
	Message       string
}

func EncodeConnect(transactionID uint32) []byte {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, PROTOCOL_ID)
	binary.Write(b, binary.BigEndian, CONNECT)
	binary.Write(b, binary.BigEndian, transactionID)
	return b.Bytes()
}

func EncodeAnnounce(r *AnnounceRequest) []byte {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, r.ConnectionID)
	binary.Write(b, binary.BigEndian, ANNOUNCE)
	binary.Write(b, binary.BigEndian, r.TransactionID)
	b.Write(r.InfoHash[:])
	b.Write(r.PeerID[:])
	binary.Write(b, binary.BigEndian, r.Downloaded)
	binary.Write(b, binary.BigEndian, r.Left)
	binary.Write(b, binary.BigEndian, r.Uploaded)
	binary.Write(b, binary.BigEndian, r.Event)
	binary.Write(b, binary.BigEndian, uint32(0)) // ip: default
	binary.Write(b, binary.BigEndian, r.Key)
	binary.Write(b, binary.BigEndian, r.NumWant)
	binary.Write(b, binary.BigEndian, r.Port)
	return b.Bytes()
}

func EncodeScrape(connectionID uint64, transactionID uint32, infoHashes [][20]byte) []byte {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, connectionID)
	binary.Write(b, binary.BigEndian, SCRAPE)
	binary.Write(b, binary.BigEndian, transactionID)
	for _, h := range infoHashes {
		b.Write(h[:])
	}
	return b.Bytes()
}

// Header returns the action and transaction id common to every response.
func Header(data []byte) (action uint32, transactionID uint32, err error) {
	if len(data) < HEADER_SIZE {
		return 0, 0, decodeErrorf("response of %d bytes is shorter than the %d byte header", len(data), HEADER_SIZE)
	}
	return binary.BigEndian.Uint32(data[0:4]), binary.BigEndian.Uint32(data[4:8]), nil
}

func expectAction(data []byte, want uint32, minSize int) (uint32, error) {
	if len(data) < minSize {
		return 0, decodeErrorf("response of %d bytes is shorter than %d", len(data), minSize)
	}
	action, transactionID, _ := Header(data)
	if action != want {
		return 0, decodeErrorf("action %d, want %d", action, want)
	}
	return transactionID, nil
}

func DecodeConnect(data []byte) (*ConnectResponse, error) {
	transactionID, err := expectAction(data, CONNECT, CONNECT_RESPONSE_SIZE)
	if err != nil {
		return nil, err
	}
	return &ConnectResponse{
		TransactionID: transactionID,
		ConnectionID:  binary.BigEndian.Uint64(data[8:16]),
	}, nil
}

func DecodeAnnounce(data []byte) (*AnnounceResponse, error) {
	transactionID, err := expectAction(data, ANNOUNCE, ANNOUNCE_RESPONSE_SIZE)
	if err != nil {
		return nil, err
	}
	peers, err := compact.DecodePeers(data[ANNOUNCE_RESPONSE_SIZE:])
	if err != nil {
		return nil, decodeErrorf("%s", err)
	}
	return &AnnounceResponse{
		TransactionID: transactionID,
		Interval:      binary.BigEndian.Uint32(data[8:12]),
		Leechers:      binary.BigEndian.Uint32(data[12:16]),
		Seeders:       binary.BigEndian.Uint32(data[16:20]),
		Peers:         peers,
	}, nil
}

func DecodeScrape(data []byte) (*ScrapeResponse, error) {
	transactionID, err := expectAction(data, SCRAPE, HEADER_SIZE)
	if err != nil {
		return nil, err
	}
	stats := data[HEADER_SIZE:]
	if len(stats)%12 != 0 {
		return nil, decodeErrorf("scrape stats length %d is not a multiple of 12", len(stats))
	}
	resp := &ScrapeResponse{TransactionID: transactionID}
	for i := 0; i < len(stats); i += 12 {
		resp.Stats = append(resp.Stats, ScrapeStats{
			Seeders:   binary.BigEndian.Uint32(stats[i : i+4]),
			Completed: binary.BigEndian.Uint32(stats[i+4 : i+8]),
			Leechers:  binary.BigEndian.Uint32(stats[i+8 : i+12]),
		})
	}
	return resp, nil
}

func DecodeErrorResponse(data []byte) (*ErrorResponse, error) {
	transactionID, err := expectAction(data, ERROR, HEADER_SIZE)
	if err != nil {
		return nil, err
	}
	return &ErrorResponse{
		TransactionID: transactionID,
		Message:       string(data[HEADER_SIZE:]),
	}, nil
}

// Response encoders, used by trackers and tests.

func EncodeConnectResponse(r *ConnectResponse) []byte {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, CONNECT)
	binary.Write(b, binary.BigEndian, r.TransactionID)
	binary.Write(b, binary.BigEndian, r.ConnectionID)
	return b.Bytes()
}

func EncodeAnnounceResponse(r *AnnounceResponse) []byte {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, ANNOUNCE)
	binary.Write(b, binary.BigEndian, r.TransactionID)
	binary.Write(b, binary.BigEndian, r.Interval)
	binary.Write(b, binary.BigEndian, r.Leechers)
	binary.Write(b, binary.BigEndian, r.Seeders)
	b.Write(compact.EncodePeers(r.Peers))
	return b.Bytes()
}

func EncodeScrapeResponse(r *ScrapeResponse) []byte {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, SCRAPE)
	binary.Write(b, binary.BigEndian, r.TransactionID)
	for _, s := range r.Stats {
		binary.Write(b, binary.BigEndian, s.Seeders)
		binary.Write(b, binary.BigEndian, s.Completed)
		binary.Write(b, binary.BigEndian, s.Leechers)
	}
	return b.Bytes()
}

func EncodeErrorResponse(r *ErrorResponse) []byte {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, ERROR)
	binary.Write(b, binary.BigEndian, r.TransactionID)
	b.WriteString(r.Message)
	return b.Bytes()
}

// DecodeAnnounceRequest and DecodeConnectRequest are the tracker side of
// the exchange.
func DecodeConnectRequest(data []byte) (uint32, error) {
	if len(data) < CONNECT_REQUEST_SIZE {
		return 0, decodeErrorf("connect request of %d bytes", len(data))
	}
	if binary.BigEndian.Uint64(data[0:8]) != PROTOCOL_ID {
		return 0, decodeErrorf("bad protocol id")
	}
	if binary.BigEndian.Uint32(data[8:12]) != CONNECT {
		return 0, decodeErrorf("not a connect request")
	}
	return binary.BigEndian.Uint32(data[12:16]), nil
}

func DecodeAnnounceRequest(data []byte) (*AnnounceRequest, error) {
	if len(data) < ANNOUNCE_REQUEST_SIZE {
		return nil, decodeErrorf("announce request of %d bytes", len(data))
	}
	if binary.BigEndian.Uint32(data[8:12]) != ANNOUNCE {
		return nil, decodeErrorf("not an announce request")
	}
	r := &AnnounceRequest{
		ConnectionID:  binary.BigEndian.Uint64(data[0:8]),
		TransactionID: binary.BigEndian.Uint32(data[12:16]),
		Downloaded:    binary.BigEndian.Uint64(data[56:64]),
		Left:          binary.BigEndian.Uint64(data[64:72]),
		Uploaded:      binary.BigEndian.Uint64(data[72:80]),
		Event:         binary.BigEndian.Uint32(data[80:84]),
		Key:           binary.BigEndian.Uint32(data[88:92]),
		NumWant:       int32(binary.BigEndian.Uint32(data[92:96])),
		Port:          binary.BigEndian.Uint16(data[96:98]),
	}
	copy(r.InfoHash[:], data[16:36])
	copy(r.PeerID[:], data[36:56])
	return r, nil
}
