package dht

import (
	"fmt"

	"github.com/Charana123/tori/go-torrent/bencode"
	"github.com/pkg/errors"
)

const (
	GENERIC_ERROR  = 201
	SERVER_ERROR   = 202
	PROTOCOL_ERROR = 203
	METHOD_UNKNOWN = 204
)

const (
	PING          = "ping"
	FIND_NODE     = "find_node"
	GET_PEERS     = "get_peers"
	ANNOUNCE_PEER = "announce_peer"
)

// KRPCError is an error reply, either received from or sent to a node.
type KRPCError struct {
	Code    int
	Message string
}

func (e *KRPCError) Error() string {
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

type message struct {
	T string
	Y string
	Q string
	A *bencode.Dictionary
	R *bencode.Dictionary
	E *KRPCError
}

func encodeQuery(t, q string, a *bencode.Dictionary) []byte {
	return bencode.MustEncode(bencode.NewDictionary().
		Set("a", a).
		Set("q", bencode.ByteString(q)).
		Set("t", bencode.ByteString(t)).
		Set("y", bencode.ByteString("q")))
}

func encodeResponse(t string, r *bencode.Dictionary) []byte {
	return bencode.MustEncode(bencode.NewDictionary().
		Set("r", r).
		Set("t", bencode.ByteString(t)).
		Set("y", bencode.ByteString("r")))
}

func encodeError(t string, e *KRPCError) []byte {
	return bencode.MustEncode(bencode.NewDictionary().
		Set("e", bencode.List{bencode.Integer(e.Code), bencode.ByteString(e.Message)}).
		Set("t", bencode.ByteString(t)).
		Set("y", bencode.ByteString("e")))
}

// decodeMessage parses a datagram. A message whose transaction id could be
// read is returned along with any error so the caller can still reply.
func decodeMessage(decoder *bencode.Decoder, data []byte) (*message, error) {
	v, _, err := decoder.Decode(data)
	if err != nil {
		return nil, err
	}
	d, ok := v.(*bencode.Dictionary)
	if !ok {
		return nil, errors.New("krpc message is not a dictionary")
	}
	t, ok := d.Str("t")
	if !ok {
		return nil, errors.New("krpc message has no transaction id")
	}
	m := &message{T: t}
	if m.Y, ok = d.Str("y"); !ok {
		return m, errors.New("krpc message has no type")
	}

	switch m.Y {
	case "q":
		if m.Q, ok = d.Str("q"); !ok {
			return m, errors.New("query has no method")
		}
		if m.A, ok = d.Dict("a"); !ok {
			return m, errors.New("query has no arguments")
		}
	case "r":
		if m.R, ok = d.Dict("r"); !ok {
			return m, errors.New("response has no body")
		}
	case "e":
		l, ok := d.List("e")
		if !ok || len(l) != 2 {
			return m, errors.New("error reply is not a 2 element list")
		}
		code, ok1 := l[0].(bencode.Integer)
		msg, ok2 := l[1].(bencode.ByteString)
		if !ok1 || !ok2 {
			return m, errors.New("error reply has wrong element types")
		}
		m.E = &KRPCError{Code: int(code), Message: string(msg)}
	default:
		return m, errors.Errorf("unexpected message type %q", m.Y)
	}
	return m, nil
}

// id20 reads a 20 byte id from d.
func id20(d *bencode.Dictionary, key string) ([20]byte, bool) {
	var id [20]byte
	b, ok := d.Bytes(key)
	if !ok || len(b) != 20 {
		return id, false
	}
	copy(id[:], b)
	return id, true
}
