package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

type MessageID uint8

const (
	CHOKE          MessageID = 0
	UNCHOKE        MessageID = 1
	INTERESTED     MessageID = 2
	NOT_INTERESTED MessageID = 3
	HAVE           MessageID = 4
	BITFIELD       MessageID = 5
	REQUEST        MessageID = 6
	PIECE          MessageID = 7
	CANCEL         MessageID = 8
	PORT           MessageID = 9
)

var messageNames = map[MessageID]string{
	CHOKE:          "CHOKE",
	UNCHOKE:        "UNCHOKE",
	INTERESTED:     "INTERESTED",
	NOT_INTERESTED: "NOT_INTERESTED",
	HAVE:           "HAVE",
	BITFIELD:       "BITFIELD",
	REQUEST:        "REQUEST",
	PIECE:          "PIECE",
	CANCEL:         "CANCEL",
	PORT:           "PORT",
}

func (id MessageID) String() string {
	if name, ok := messageNames[id]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(id))
}

// Message is one of the message types below.
type Message interface {
	isMessage()
}

type KeepAlive struct{}
type Choke struct{}
type Unchoke struct{}
type Interested struct{}
type NotInterested struct{}

type Have struct {
	Index int
}

// Bitfield carries the raw wire bytes, see ParseBitfield.
type Bitfield struct {
	Bits []byte
}

type Request struct {
	Index  int
	Begin  int
	Length int
}

type Piece struct {
	Index int
	Begin int
	Block []byte
}

type Cancel struct {
	Index  int
	Begin  int
	Length int
}

type Port struct {
	Port uint16
}

func (KeepAlive) isMessage()     {}
func (Choke) isMessage()         {}
func (Unchoke) isMessage()       {}
func (Interested) isMessage()    {}
func (NotInterested) isMessage() {}
func (Have) isMessage()          {}
func (Bitfield) isMessage()      {}
func (Request) isMessage()       {}
func (Piece) isMessage()         {}
func (Cancel) isMessage()        {}
func (Port) isMessage()          {}

// Name is used in logs.
func Name(m Message) string {
	switch m.(type) {
	case KeepAlive:
		return "KEEP_ALIVE"
	case Choke:
		return CHOKE.String()
	case Unchoke:
		return UNCHOKE.String()
	case Interested:
		return INTERESTED.String()
	case NotInterested:
		return NOT_INTERESTED.String()
	case Have:
		return HAVE.String()
	case Bitfield:
		return BITFIELD.String()
	case Request:
		return REQUEST.String()
	case Piece:
		return PIECE.String()
	case Cancel:
		return CANCEL.String()
	case Port:
		return PORT.String()
	}
	return fmt.Sprintf("%T", m)
}

// Encode returns the length prefixed frame for m.
func Encode(m Message) []byte {
	b := &bytes.Buffer{}
	switch m := m.(type) {
	case KeepAlive:
		binary.Write(b, binary.BigEndian, uint32(0))
	case Choke:
		writeHeader(b, CHOKE, 0)
	case Unchoke:
		writeHeader(b, UNCHOKE, 0)
	case Interested:
		writeHeader(b, INTERESTED, 0)
	case NotInterested:
		writeHeader(b, NOT_INTERESTED, 0)
	case Have:
		writeHeader(b, HAVE, 4)
		binary.Write(b, binary.BigEndian, uint32(m.Index))
	case Bitfield:
		writeHeader(b, BITFIELD, len(m.Bits))
		b.Write(m.Bits)
	case Request:
		writeHeader(b, REQUEST, 12)
		binary.Write(b, binary.BigEndian, uint32(m.Index))
		binary.Write(b, binary.BigEndian, uint32(m.Begin))
		binary.Write(b, binary.BigEndian, uint32(m.Length))
	case Piece:
		writeHeader(b, PIECE, 8+len(m.Block))
		binary.Write(b, binary.BigEndian, uint32(m.Index))
		binary.Write(b, binary.BigEndian, uint32(m.Begin))
		b.Write(m.Block)
	case Cancel:
		writeHeader(b, CANCEL, 12)
		binary.Write(b, binary.BigEndian, uint32(m.Index))
		binary.Write(b, binary.BigEndian, uint32(m.Begin))
		binary.Write(b, binary.BigEndian, uint32(m.Length))
	case Port:
		writeHeader(b, PORT, 2)
		binary.Write(b, binary.BigEndian, m.Port)
	}
	return b.Bytes()
}

func writeHeader(b *bytes.Buffer, id MessageID, payloadLen int) {
	binary.Write(b, binary.BigEndian, uint32(1+payloadLen))
	b.WriteByte(byte(id))
}

// DecodeMessage decodes one frame without its length prefix. An empty
// frame is a keep-alive.
func DecodeMessage(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return KeepAlive{}, nil
	}
	id, payload := MessageID(frame[0]), frame[1:]
	switch id {
	case CHOKE, UNCHOKE, INTERESTED, NOT_INTERESTED:
		if len(payload) != 0 {
			return nil, decodeErrorf("%s with %d byte payload", id, len(payload))
		}
		switch id {
		case CHOKE:
			return Choke{}, nil
		case UNCHOKE:
			return Unchoke{}, nil
		case INTERESTED:
			return Interested{}, nil
		}
		return NotInterested{}, nil
	case HAVE:
		if len(payload) != 4 {
			return nil, decodeErrorf("HAVE payload of %d bytes", len(payload))
		}
		return Have{Index: int(binary.BigEndian.Uint32(payload))}, nil
	case BITFIELD:
		bits := make([]byte, len(payload))
		copy(bits, payload)
		return Bitfield{Bits: bits}, nil
	case REQUEST, CANCEL:
		if len(payload) != 12 {
			return nil, decodeErrorf("%s payload of %d bytes", id, len(payload))
		}
		index := int(binary.BigEndian.Uint32(payload[0:4]))
		begin := int(binary.BigEndian.Uint32(payload[4:8]))
		length := int(binary.BigEndian.Uint32(payload[8:12]))
		if id == REQUEST {
			return Request{Index: index, Begin: begin, Length: length}, nil
		}
		return Cancel{Index: index, Begin: begin, Length: length}, nil
	case PIECE:
		if len(payload) < 8 {
			return nil, decodeErrorf("PIECE payload of %d bytes", len(payload))
		}
		block := make([]byte, len(payload)-8)
		copy(block, payload[8:])
		return Piece{
			Index: int(binary.BigEndian.Uint32(payload[0:4])),
			Begin: int(binary.BigEndian.Uint32(payload[4:8])),
			Block: block,
		}, nil
	case PORT:
		if len(payload) != 2 {
			return nil, decodeErrorf("PORT payload of %d bytes", len(payload))
		}
		return Port{Port: binary.BigEndian.Uint16(payload)}, nil
	}
	return nil, protocolErrorf("unknown message id %d", uint8(id))
}
