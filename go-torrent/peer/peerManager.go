package peer

import (
	"context"
	"net"
	"sync"

	"github.com/Charana123/tori/go-torrent/piece"
	"github.com/Charana123/tori/go-torrent/stats"
	"github.com/Charana123/tori/go-torrent/storage"
	"github.com/Charana123/tori/go-torrent/torrent"
	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	DEFAULT_MAX_PEERS = 8
	MAX_ATTEMPTS      = 3
)

var ErrNoPeers = errors.New("no peers left and pieces are still missing")

type PeerManager interface {
	// AddPeer registers a candidate address when conn is nil, or takes over
	// an accepted connection.
	AddPeer(id string, conn net.Conn)
	RemovePeer(id string, err error)
	GetPeerList() []Peer
	StopPeers()
	BroadcastHave(pieceIndex int)
	BanPeer(id string)
	// Run keeps the connection slots filled until every piece is verified,
	// ctx is done, or no usable address remains.
	Run(ctx context.Context) error
}

type candidate struct {
	attempts int
}

type peerManager struct {
	sync.RWMutex
	torrent     *torrent.Torrent
	pieceMgr    piece.PieceManager
	storage     storage.Storage
	stats       stats.Stats
	opts        Options
	logger      zerolog.Logger
	peers       map[string]Peer
	candidates  map[string]*candidate
	order       []string
	maxPeers    int
	bannedPeers mapset.Set
	changed     chan struct{}
}

var newPeer = func(
	id string,
	conn net.Conn,
	torrent *torrent.Torrent,
	storage storage.Storage,
	peerMgr PeerManager,
	pieceMgr piece.PieceManager,
	stats stats.Stats,
	opts Options) Peer {

	return NewPeer(id, conn, torrent, storage, peerMgr, pieceMgr, stats, opts)
}

func NewPeerManager(
	torrent *torrent.Torrent,
	pieceMgr piece.PieceManager,
	storage storage.Storage,
	stats stats.Stats,
	opts Options) PeerManager {

	maxPeers := opts.MaxPeers
	if maxPeers <= 0 {
		maxPeers = DEFAULT_MAX_PEERS
	}
	return &peerManager{
		torrent:     torrent,
		pieceMgr:    pieceMgr,
		storage:     storage,
		stats:       stats,
		opts:        opts,
		logger:      opts.Logger.With().Str("component", "peers").Logger(),
		peers:       make(map[string]Peer),
		candidates:  make(map[string]*candidate),
		bannedPeers: mapset.NewSet(),
		maxPeers:    maxPeers,
		changed:     make(chan struct{}, 1),
	}
}

func (pm *peerManager) notify() {
	select {
	case pm.changed <- struct{}{}:
	default:
	}
}

func (pm *peerManager) BanPeer(id string) {
	pm.bannedPeers.Add(id)
}

func (pm *peerManager) BroadcastHave(pieceIndex int) {
	for _, peer := range pm.GetPeerList() {
		peer.SendHave(pieceIndex)
	}
}

func (pm *peerManager) StopPeers() {
	for _, peer := range pm.GetPeerList() {
		peer.Stop(errStopped)
	}
}

func (pm *peerManager) GetPeerList() []Peer {
	pm.RLock()
	defer pm.RUnlock()

	peers := []Peer{}
	for _, peer := range pm.peers {
		peers = append(peers, peer)
	}
	return peers
}

func (pm *peerManager) AddPeer(id string, conn net.Conn) {
	if pm.bannedPeers.Contains(id) {
		if conn != nil {
			conn.Close()
		}
		return
	}

	pm.Lock()
	defer pm.Unlock()

	if conn == nil {
		if _, ok := pm.candidates[id]; !ok {
			pm.candidates[id] = &candidate{}
			pm.order = append(pm.order, id)
			pm.notify()
		}
		return
	}

	if _, ok := pm.peers[id]; ok || len(pm.peers) >= pm.maxPeers {
		conn.Close()
		return
	}
	pm.start(id, conn)
}

func (pm *peerManager) start(id string, conn net.Conn) {
	peer := newPeer(id, conn, pm.torrent, pm.storage, pm, pm.pieceMgr, pm.stats, pm.opts)
	pm.peers[id] = peer
	go peer.Start()
}

func (pm *peerManager) RemovePeer(id string, err error) {
	if errors.Is(err, ErrBadHandshake) {
		pm.logger.Debug().Str("peer", id).Msg("banning peer")
		pm.BanPeer(id)
	}

	pm.Lock()
	delete(pm.peers, id)
	pm.Unlock()
	pm.notify()
}

// next picks the usable candidate with the fewest attempts, earliest
// added first.
func (pm *peerManager) next() (string, bool) {
	best := ""
	for _, id := range pm.order {
		c := pm.candidates[id]
		if c.attempts >= MAX_ATTEMPTS || pm.bannedPeers.Contains(id) {
			continue
		}
		if _, ok := pm.peers[id]; ok {
			continue
		}
		if best == "" || c.attempts < pm.candidates[best].attempts {
			best = id
		}
	}
	return best, best != ""
}

func (pm *peerManager) fill() (active int) {
	pm.Lock()
	defer pm.Unlock()

	for len(pm.peers) < pm.maxPeers {
		id, ok := pm.next()
		if !ok {
			break
		}
		pm.candidates[id].attempts++
		pm.start(id, nil)
	}
	return len(pm.peers)
}

func (pm *peerManager) Run(ctx context.Context) error {
	defer pm.StopPeers()

	for {
		if pm.pieceMgr.Completed() {
			return nil
		}
		if active := pm.fill(); active == 0 {
			return ErrNoPeers
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pm.pieceMgr.Done():
			return nil
		case <-pm.changed:
		}
	}
}
