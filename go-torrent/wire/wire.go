package wire

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"
)

// MAX_FRAME_LENGTH bounds a single message. The largest legitimate frame is
// a PIECE carrying a 16KiB block, or a bitfield for a very large torrent.
var MAX_FRAME_LENGTH = 2 * 1024 * 1024

// Reader accumulates bytes from an underlying stream until a whole frame is
// buffered, then decodes it. Several frames may arrive in one read and one
// frame may span many reads.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 32*1024)}
}

func (rd *Reader) ReadHandshake() (*Handshake, error) {
	pstrlen, err := rd.r.ReadByte()
	if err != nil {
		return nil, err
	}
	data := make([]byte, 1+int(pstrlen)+48)
	data[0] = pstrlen
	if _, err := io.ReadFull(rd.r, data[1:]); err != nil {
		return nil, err
	}
	return DecodeHandshake(data)
}

// ReadFrame returns the next frame without its length prefix.
func (rd *Reader) ReadFrame() ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(rd.r, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if int64(length) > int64(MAX_FRAME_LENGTH) {
		return nil, protocolErrorf("frame of %d bytes exceeds %d", length, MAX_FRAME_LENGTH)
	}
	frame := make([]byte, length)
	if _, err := io.ReadFull(rd.r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (rd *Reader) ReadMessage() (Message, error) {
	frame, err := rd.ReadFrame()
	if err != nil {
		return nil, err
	}
	return DecodeMessage(frame)
}

type Wire interface {
	// Reading
	ReadHandshake() (*Handshake, error)
	ReadMessage() (Message, error)

	// Writing
	SendHandshake(h *Handshake) error
	SendMessage(m Message) error
	SendKeepAlive() error
	SendChoke() error
	SendUnchoke() error
	SendInterested() error
	SendUnInterested() error
	SendHave(pieceIndex int) error
	SendBitField(bitfield []byte) error
	SendRequest(pieceIndex, begin, length int) error
	SendBlock(pieceIndex, begin int, block []byte) error
	SendPort(port uint16) error

	// Other
	GetLastMessageSent() (lastMessageSent time.Time)
	RemoteAddr() net.Addr
	Close() error
}

type wire struct {
	sync.Mutex
	conn            net.Conn
	reader          *Reader
	timeoutDuration time.Duration
	lastMessageSent time.Time
}

// NewWire wraps conn. Every read and write must complete within
// timeoutDuration, which doubles as the idle timeout.
func NewWire(
	conn net.Conn,
	timeoutDuration time.Duration) Wire {

	return &wire{
		conn:            conn,
		reader:          NewReader(conn),
		timeoutDuration: timeoutDuration,
	}
}

func (w *wire) GetLastMessageSent() time.Time {
	w.Lock()
	defer w.Unlock()

	return w.lastMessageSent
}

func (w *wire) RemoteAddr() net.Addr {
	return w.conn.RemoteAddr()
}

func (w *wire) Close() error {
	return w.conn.Close()
}

func (w *wire) ReadHandshake() (*Handshake, error) {
	w.conn.SetReadDeadline(time.Now().Add(w.timeoutDuration))
	return w.reader.ReadHandshake()
}

func (w *wire) ReadMessage() (Message, error) {
	w.conn.SetReadDeadline(time.Now().Add(w.timeoutDuration))
	return w.reader.ReadMessage()
}

func (w *wire) SendHandshake(h *Handshake) error {
	return w.send(EncodeHandshake(h))
}

func (w *wire) SendMessage(m Message) error {
	return w.send(Encode(m))
}

func (w *wire) SendKeepAlive() error {
	return w.SendMessage(KeepAlive{})
}

func (w *wire) SendChoke() error {
	return w.SendMessage(Choke{})
}

func (w *wire) SendUnchoke() error {
	return w.SendMessage(Unchoke{})
}

func (w *wire) SendInterested() error {
	return w.SendMessage(Interested{})
}

func (w *wire) SendUnInterested() error {
	return w.SendMessage(NotInterested{})
}

func (w *wire) SendHave(pieceIndex int) error {
	return w.SendMessage(Have{Index: pieceIndex})
}

func (w *wire) SendBitField(bitfield []byte) error {
	return w.SendMessage(Bitfield{Bits: bitfield})
}

func (w *wire) SendRequest(pieceIndex, begin, length int) error {
	return w.SendMessage(Request{Index: pieceIndex, Begin: begin, Length: length})
}

func (w *wire) SendBlock(pieceIndex, begin int, block []byte) error {
	return w.SendMessage(Piece{Index: pieceIndex, Begin: begin, Block: block})
}

func (w *wire) SendPort(port uint16) error {
	return w.SendMessage(Port{Port: port})
}

func (w *wire) send(msg []byte) error {
	w.Lock()
	defer w.Unlock()

	w.lastMessageSent = time.Now()
	w.conn.SetWriteDeadline(time.Now().Add(w.timeoutDuration))
	_, err := w.conn.Write(msg)
	return err
}
