package piece

import (
	"sync"

	"github.com/Charana123/tori/go-torrent/torrent"
	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"
)

type rarestFirst struct {
	sync.RWMutex
	clientBitField   bitmap.Bitmap
	tor              *torrent.Torrent
	peerToPiece      map[string]int
	pieceInfo        []*pieceInfo
	piecesDownloaded int
	done             chan struct{}
	// selectPiece picks one of the claimable candidates, listed in
	// increasing index order.
	selectPiece func(candidates []int) int
}

type pieceInfo struct {
	downloaded  bool
	downloading bool
	availabilty int
}

func NewRarestFirstPieceManager(
	tor *torrent.Torrent,
	clientBitField bitmap.Bitmap) PieceManager {

	return newRarestFirst(tor, clientBitField)
}

func newRarestFirst(tor *torrent.Torrent, clientBitField bitmap.Bitmap) *rarestFirst {
	if clientBitField == nil {
		clientBitField = bitmap.New(tor.NumPieces)
	}
	pm := &rarestFirst{
		clientBitField: clientBitField,
		tor:            tor,
		peerToPiece:    make(map[string]int),
		done:           make(chan struct{}),
	}
	pm.selectPiece = pm.rarest

	for i := 0; i < tor.NumPieces; i++ {
		pi := &pieceInfo{downloaded: clientBitField.Get(i)}
		if pi.downloaded {
			pm.piecesDownloaded++
		}
		pm.pieceInfo = append(pm.pieceInfo, pi)
	}
	if pm.piecesDownloaded == tor.NumPieces {
		close(pm.done)
	}
	return pm
}

// rarest picks the lowest availability, ties going to the lowest index.
func (pm *rarestFirst) rarest(candidates []int) int {
	best := candidates[0]
	for _, pieceIndex := range candidates[1:] {
		if pm.pieceInfo[pieceIndex].availabilty < pm.pieceInfo[best].availabilty {
			best = pieceIndex
		}
	}
	return best
}

func (pm *rarestFirst) GetPiecesDownloaded() int {
	pm.RLock()
	defer pm.RUnlock()

	return pm.piecesDownloaded
}

func (pm *rarestFirst) GetBitField() []byte {
	pm.RLock()
	defer pm.RUnlock()

	raw := make([]byte, (pm.tor.NumPieces+7)/8)
	for i := 0; i < pm.tor.NumPieces; i++ {
		if pm.pieceInfo[i].downloaded {
			raw[i/8] |= 0x80 >> uint(i%8)
		}
	}
	return raw
}

func (pm *rarestFirst) HasPiece(pieceIndex int) bool {
	pm.RLock()
	defer pm.RUnlock()

	return pieceIndex >= 0 && pieceIndex < pm.tor.NumPieces && pm.pieceInfo[pieceIndex].downloaded
}

func (pm *rarestFirst) Left() int {
	pm.RLock()
	defer pm.RUnlock()

	left := 0
	for i, pi := range pm.pieceInfo {
		if !pi.downloaded {
			left += pm.tor.PieceLength(i)
		}
	}
	return left
}

func (pm *rarestFirst) Completed() bool {
	pm.RLock()
	defer pm.RUnlock()

	return pm.piecesDownloaded == pm.tor.NumPieces
}

func (pm *rarestFirst) Done() <-chan struct{} {
	return pm.done
}

func (pm *rarestFirst) PeerBitfield(id string, peerBitfield bitmap.Bitmap) {
	pm.Lock()
	defer pm.Unlock()

	for i := 0; i < pm.tor.NumPieces; i++ {
		if peerBitfield.Get(i) {
			pm.pieceInfo[i].availabilty++
		}
	}
}

func (pm *rarestFirst) PieceHave(id string, pieceIndex int) {
	pm.Lock()
	defer pm.Unlock()

	if pieceIndex >= 0 && pieceIndex < pm.tor.NumPieces {
		pm.pieceInfo[pieceIndex].availabilty++
	}
}

func (pm *rarestFirst) PeerStopped(id string, peerBitfield bitmap.Bitmap) {
	pm.Lock()
	defer pm.Unlock()

	// Update piece availabilities
	if peerBitfield != nil {
		for i := 0; i < pm.tor.NumPieces; i++ {
			if peerBitfield.Get(i) && pm.pieceInfo[i].availabilty > 0 {
				pm.pieceInfo[i].availabilty--
			}
		}
	}
	pm.release(id)
}

func (pm *rarestFirst) Interesting(peerBitfield bitmap.Bitmap) bool {
	pm.RLock()
	defer pm.RUnlock()

	if peerBitfield == nil {
		return false
	}
	for i := 0; i < pm.tor.NumPieces; i++ {
		if peerBitfield.Get(i) && !pm.pieceInfo[i].downloaded {
			return true
		}
	}
	return false
}

// Claim atomically removes one piece the peer has from the pool. A
// connection holds at most one claim; claiming again returns the held piece.
func (pm *rarestFirst) Claim(id string, peerBitfield bitmap.Bitmap, skip mapset.Set) (int, bool) {
	pm.Lock()
	defer pm.Unlock()

	if pieceIndex, ok := pm.peerToPiece[id]; ok {
		return pieceIndex, true
	}
	if peerBitfield == nil {
		return 0, false
	}
	candidates := []int{}
	for i := 0; i < pm.tor.NumPieces; i++ {
		pi := pm.pieceInfo[i]
		if pi.downloaded || pi.downloading || !peerBitfield.Get(i) {
			continue
		}
		if skip != nil && skip.Contains(i) {
			continue
		}
		candidates = append(candidates, i)
	}
	if len(candidates) == 0 {
		return 0, false
	}
	pieceIndex := pm.selectPiece(candidates)
	pm.pieceInfo[pieceIndex].downloading = true
	pm.peerToPiece[id] = pieceIndex
	return pieceIndex, true
}

func (pm *rarestFirst) Release(id string) {
	pm.Lock()
	defer pm.Unlock()

	pm.release(id)
}

func (pm *rarestFirst) release(id string) {
	if pieceIndex, ok := pm.peerToPiece[id]; ok {
		pm.pieceInfo[pieceIndex].downloading = false
		delete(pm.peerToPiece, id)
	}
}

// Complete marks a verified piece as downloaded. Only the claim holder may
// complete it.
func (pm *rarestFirst) Complete(id string, pieceIndex int) error {
	pm.Lock()
	defer pm.Unlock()

	if held, ok := pm.peerToPiece[id]; !ok || held != pieceIndex {
		return errors.Errorf("piece %d is not claimed by %s", pieceIndex, id)
	}
	delete(pm.peerToPiece, id)
	pi := pm.pieceInfo[pieceIndex]
	pi.downloading = false
	if pi.downloaded {
		return nil
	}
	pi.downloaded = true
	pm.clientBitField.Set(pieceIndex, true)
	pm.piecesDownloaded++
	if pm.piecesDownloaded == pm.tor.NumPieces {
		close(pm.done)
	}
	return nil
}

func (pm *rarestFirst) Outstanding() int {
	pm.RLock()
	defer pm.RUnlock()

	n := 0
	for _, pi := range pm.pieceInfo {
		if !pi.downloaded && !pi.downloading {
			n++
		}
	}
	return n
}
