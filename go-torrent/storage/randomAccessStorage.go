package storage

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Charana123/tori/go-torrent/piece"
	"github.com/Charana123/tori/go-torrent/torrent"
	bitmap "github.com/boljen/go-bitmap"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

type randomAccessStorage struct {
	torrent   *torrent.Torrent
	entries   []fileEntry
	files     []afero.File
	fileLocks []*sync.Mutex
}

type fileEntry struct {
	path   string
	start  int
	length int
}

// fileLocation is the part of a global byte range that lives in one file.
type fileLocation struct {
	fileIndex  int
	fileOffset int64
	length     int
	dataOffset int
}

// NewRandomAccessStorage lays the torrent's files out under root. Files are
// created, with their parent directories, on first write.
func NewRandomAccessStorage(
	torrent *torrent.Torrent,
	root string) Storage {

	d := &randomAccessStorage{
		torrent: torrent,
	}
	start := 0
	for _, f := range torrent.Files {
		d.entries = append(d.entries, fileEntry{
			path:   filepath.Join(append([]string{root}, f.Path...)...),
			start:  start,
			length: f.Length,
		})
		d.files = append(d.files, nil)
		d.fileLocks = append(d.fileLocks, &sync.Mutex{})
		start += f.Length
	}
	return d
}

func (d *randomAccessStorage) locations(offset, length int) []fileLocation {
	// first file whose range ends past offset
	fileIndex := sort.Search(len(d.entries), func(i int) bool {
		return d.entries[i].start+d.entries[i].length > offset
	})
	locs := []fileLocation{}
	dataOffset := 0
	for ; fileIndex < len(d.entries) && length > 0; fileIndex++ {
		e := d.entries[fileIndex]
		if e.length == 0 {
			continue
		}
		within := offset - e.start
		n := e.length - within
		if n > length {
			n = length
		}
		locs = append(locs, fileLocation{
			fileIndex:  fileIndex,
			fileOffset: int64(within),
			length:     n,
			dataOffset: dataOffset,
		})
		offset += n
		length -= n
		dataOffset += n
	}
	return locs
}

func (d *randomAccessStorage) checkRange(pieceIndex, begin, length int) error {
	if pieceIndex < 0 || pieceIndex >= d.torrent.NumPieces {
		return errors.Errorf("piece index %d out of range", pieceIndex)
	}
	if begin < 0 || length < 0 || begin+length > d.torrent.PieceLength(pieceIndex) {
		return errors.Errorf("range %d+%d outside piece %d", begin, length, pieceIndex)
	}
	return nil
}

// file returns the open handle for an entry, opening it if needed. The
// caller holds the entry's lock.
func (d *randomAccessStorage) file(fileIndex int, create bool) (afero.File, error) {
	if f := d.files[fileIndex]; f != nil {
		return f, nil
	}
	path := d.entries[fileIndex].path
	flag := os.O_RDWR
	if create {
		if err := appFS.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.Wrapf(err, "creating directory for %s", path)
		}
		flag |= os.O_CREATE
	}
	f, err := openFile(path, flag, 0644)
	if err != nil {
		return nil, err
	}
	d.files[fileIndex] = f
	return f, nil
}

func (d *randomAccessStorage) BlockReadRequest(pieceIndex, blockByteOffset, length int) ([]byte, error) {
	if err := d.checkRange(pieceIndex, blockByteOffset, length); err != nil {
		return nil, err
	}
	offset := pieceIndex*d.torrent.MetaInfo.Info.PieceLength + blockByteOffset
	blockData := make([]byte, length)
	for _, loc := range d.locations(offset, length) {
		d.fileLocks[loc.fileIndex].Lock()
		f, err := d.file(loc.fileIndex, false)
		if err == nil {
			_, err = f.ReadAt(blockData[loc.dataOffset:loc.dataOffset+loc.length], loc.fileOffset)
		}
		d.fileLocks[loc.fileIndex].Unlock()
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", d.entries[loc.fileIndex].path)
		}
	}
	return blockData, nil
}

func (d *randomAccessStorage) WritePieceRequest(pieceIndex int, data []byte) error {
	if err := d.checkRange(pieceIndex, 0, len(data)); err != nil {
		return err
	}
	offset := pieceIndex * d.torrent.MetaInfo.Info.PieceLength
	for _, loc := range d.locations(offset, len(data)) {
		d.fileLocks[loc.fileIndex].Lock()
		f, err := d.file(loc.fileIndex, true)
		if err == nil {
			_, err = f.WriteAt(data[loc.dataOffset:loc.dataOffset+loc.length], loc.fileOffset)
		}
		d.fileLocks[loc.fileIndex].Unlock()
		if err != nil {
			return errors.Wrapf(err, "writing %s", d.entries[loc.fileIndex].path)
		}
	}
	return nil
}

func (d *randomAccessStorage) GetCurrentDownloadState() (bitmap.Bitmap, bool, int) {
	clientBitfield := bitmap.New(d.torrent.NumPieces)
	left := 0
	for pieceIndex := 0; pieceIndex < d.torrent.NumPieces; pieceIndex++ {
		length := d.torrent.PieceLength(pieceIndex)
		data, err := d.BlockReadRequest(pieceIndex, 0, length)
		if err == nil && piece.Verify(data, d.torrent.PieceHash(pieceIndex)) {
			clientBitfield.Set(pieceIndex, true)
			continue
		}
		left += length
	}
	return clientBitfield, left == 0, left
}

func (d *randomAccessStorage) Finalize() error {
	for i, e := range d.entries {
		if e.length != 0 {
			continue
		}
		d.fileLocks[i].Lock()
		_, err := d.file(i, true)
		d.fileLocks[i].Unlock()
		if err != nil {
			return errors.Wrapf(err, "creating %s", e.path)
		}
	}
	return nil
}

func (d *randomAccessStorage) Close() error {
	var firstErr error
	for i, f := range d.files {
		if f == nil {
			continue
		}
		d.fileLocks[i].Lock()
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		d.files[i] = nil
		d.fileLocks[i].Unlock()
	}
	return firstErr
}
