package piece

import (
	"github.com/Charana123/tori/go-torrent/torrent"
	"github.com/pkg/errors"
)

// Assembly reassembles the one piece a connection has claimed.
type Assembly struct {
	Index     int
	blocks    []Block
	received  []bool
	requested []bool
	inFlight  int
	remaining int
	buf       []byte
}

func NewAssembly(tor *torrent.Torrent, pieceIndex int) *Assembly {
	blocks := Blocks(tor, pieceIndex)
	return &Assembly{
		Index:     pieceIndex,
		blocks:    blocks,
		received:  make([]bool, len(blocks)),
		requested: make([]bool, len(blocks)),
		remaining: len(blocks),
		buf:       make([]byte, tor.PieceLength(pieceIndex)),
	}
}

func (a *Assembly) InFlight() int {
	return a.inFlight
}

// Remaining is the number of blocks not yet received.
func (a *Assembly) Remaining() int {
	return a.remaining
}

// NextRequests returns the next blocks to request, keeping at most max in
// flight. Blocks are issued in increasing offset order.
func (a *Assembly) NextRequests(max int) []Block {
	requests := []Block{}
	for i := range a.blocks {
		if a.inFlight >= max {
			break
		}
		if a.received[i] || a.requested[i] {
			continue
		}
		a.requested[i] = true
		a.inFlight++
		requests = append(requests, a.blocks[i])
	}
	return requests
}

// Reset forgets outstanding requests, so the next NextRequests resumes from
// the first missing block. Used when the remote chokes us.
func (a *Assembly) Reset() {
	for i := range a.requested {
		a.requested[i] = false
	}
	a.inFlight = 0
}

// Receive stores a block. It reports whether every block has arrived.
// Repeated blocks are ignored.
func (a *Assembly) Receive(begin int, data []byte) (bool, error) {
	i := begin / BLOCK_SIZE
	if begin%BLOCK_SIZE != 0 || i < 0 || i >= len(a.blocks) {
		return false, errors.Errorf("unexpected block at offset %d of piece %d", begin, a.Index)
	}
	if len(data) != a.blocks[i].Length {
		return false, errors.Errorf("block at offset %d of piece %d has %d bytes, want %d",
			begin, a.Index, len(data), a.blocks[i].Length)
	}
	if a.received[i] {
		return a.remaining == 0, nil
	}
	copy(a.buf[begin:], data)
	a.received[i] = true
	a.remaining--
	if a.requested[i] {
		a.requested[i] = false
		a.inFlight--
	}
	return a.remaining == 0, nil
}

func (a *Assembly) Data() []byte {
	return a.buf
}

// Verify hashes the reassembled piece.
func (a *Assembly) Verify(expected [20]byte) error {
	if !Verify(a.buf, expected) {
		return errors.Wrapf(ErrHashMismatch, "piece %d", a.Index)
	}
	return nil
}
