package piece

import (
	"github.com/Charana123/tori/go-torrent/torrent"
	bitmap "github.com/boljen/go-bitmap"
)

type sequential struct {
	*rarestFirst
}

// NewSequentialPieceManager claims pieces in index order, which lets a
// partially downloaded file be read from the start.
func NewSequentialPieceManager(
	tor *torrent.Torrent,
	clientBitField bitmap.Bitmap) PieceManager {

	seq := &sequential{
		rarestFirst: newRarestFirst(tor, clientBitField),
	}
	seq.selectPiece = func(candidates []int) int {
		return candidates[0]
	}
	return seq
}
