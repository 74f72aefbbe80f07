package piece

import (
	"crypto/sha1"

	"github.com/Charana123/tori/go-torrent/torrent"
	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"
)

var (
	MAX_OUTSTANDING_REQUESTS = 8
	BLOCK_SIZE               = 16384 // 2^14
)

var ErrHashMismatch = errors.New("piece hash mismatch")

// PieceManager owns the pool of outstanding pieces. A piece is held by at
// most one connection at a time and becomes complete exactly once.
type PieceManager interface {
	GetPiecesDownloaded() (piecesDownloaded int)
	GetBitField() (clientBitfield []byte)
	HasPiece(pieceIndex int) bool
	Left() (bytesLeft int)
	Completed() bool
	Done() <-chan struct{}

	// Availability
	PeerBitfield(id string, peerBitfield bitmap.Bitmap)
	PieceHave(id string, pieceIndex int)
	PeerStopped(id string, peerBitfield bitmap.Bitmap)
	Interesting(peerBitfield bitmap.Bitmap) bool

	// Claims
	Claim(id string, peerBitfield bitmap.Bitmap, skip mapset.Set) (pieceIndex int, ok bool)
	Release(id string)
	Complete(id string, pieceIndex int) (err error)
	Outstanding() (pieces int)
}

type Block struct {
	Index  int
	Begin  int
	Length int
}

// Blocks partitions a piece into BLOCK_SIZE blocks, the last one truncated.
func Blocks(tor *torrent.Torrent, pieceIndex int) []Block {
	length := tor.PieceLength(pieceIndex)
	blocks := make([]Block, 0, (length+BLOCK_SIZE-1)/BLOCK_SIZE)
	for begin := 0; begin < length; begin += BLOCK_SIZE {
		blockLength := BLOCK_SIZE
		if begin+blockLength > length {
			blockLength = length - begin
		}
		blocks = append(blocks, Block{Index: pieceIndex, Begin: begin, Length: blockLength})
	}
	return blocks
}

func Verify(data []byte, expected [20]byte) bool {
	return sha1.Sum(data) == expected
}
