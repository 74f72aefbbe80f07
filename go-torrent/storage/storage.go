package storage

import (
	"os"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/spf13/afero"
)

var appFS = afero.NewOsFs()
var openFile = func(name string, flag int, perm os.FileMode) (afero.File, error) {
	return appFS.OpenFile(name, flag, perm)
}

type Storage interface {
	BlockReadRequest(pieceIndex, blockByteOffset, length int) (blockData []byte, err error)
	WritePieceRequest(pieceIndex int, data []byte) (err error)
	// GetCurrentDownloadState re-hashes whatever is already on disk.
	GetCurrentDownloadState() (clientBitfield bitmap.Bitmap, completed bool, left int)
	// Finalize creates the empty files no piece ever touches.
	Finalize() (err error)
	Close() (err error)
}
