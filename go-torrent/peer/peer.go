package peer

import (
	"net"
	"sync"
	"time"

	"github.com/Charana123/tori/go-torrent/piece"
	"github.com/Charana123/tori/go-torrent/stats"
	"github.com/Charana123/tori/go-torrent/storage"
	"github.com/Charana123/tori/go-torrent/torrent"
	"github.com/Charana123/tori/go-torrent/wire"
	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	KEEP_ALIVE_INTERVAL = time.Minute
	IDLE_TIMEOUT        = 20 * time.Second
	DIAL_TIMEOUT        = 30 * time.Second
	PUMP_INTERVAL       = 250 * time.Millisecond
	MAINTENANCE_TICK    = time.Second
	MAX_REQUEST_LENGTH  = 128 * 1024
)

var (
	ErrBadHandshake = errors.New("handshake mismatch")
	errStopped      = errors.New("peer stopped")
	errExhausted    = errors.New("nothing left to exchange")
)

var (
	newWire = wire.NewWire
	dial    = net.DialTimeout
)

// Options are the per-session settings shared by every connection.
type Options struct {
	PeerID   [20]byte
	DHTPort  uint16
	MaxPeers int
	Logger   zerolog.Logger
}

type Peer interface {
	// Start runs the connection until it closes.
	Start()
	Stop(err error)
	GetPeerInfo() PeerInfo
	SendHave(pieceIndex int)
}

type PeerInfo struct {
	ID          string
	Inbound     bool
	Established bool
	State       ConnState
	DHTPort     uint16
	LastPiece   time.Time
}

type ConnState struct {
	PeerInterested   bool
	ClientInterested bool
	PeerChoking      bool
	ClientChoking    bool
}

type peer struct {
	sync.Mutex
	id           string
	inbound      bool
	established  bool
	state        ConnState
	dhtPort      uint16
	lastPiece    time.Time
	opts         Options
	logger       zerolog.Logger
	storage      storage.Storage
	torrent      *torrent.Torrent
	peerMgr      PeerManager
	pieceMgr     piece.PieceManager
	wire         wire.Wire
	stats        stats.Stats
	peerBitfield bitmap.Bitmap
	available    int
	// advertised is set by the first BITFIELD or HAVE
	advertised bool
	since      time.Time
	assembly   *piece.Assembly
	// finished is the piece most recently completed or discarded here,
	// whose blocks may still be in flight after a choke
	finished int
	// failed holds pieces that did not verify when fetched from this peer
	failed   mapset.Set
	pumpC    <-chan time.Time
	pump     *time.Ticker
	quit     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// NewPeer creates a connection to id. A nil conn means we dial out and
// send our handshake first; otherwise conn was accepted and the remote
// speaks first.
func NewPeer(
	id string,
	conn net.Conn,
	torrent *torrent.Torrent,
	storage storage.Storage,
	peerMgr PeerManager,
	pieceMgr piece.PieceManager,
	stats stats.Stats,
	opts Options) *peer {

	p := &peer{
		id:           id,
		inbound:      conn != nil,
		opts:         opts,
		logger:       opts.Logger.With().Str("peer", id).Logger(),
		torrent:      torrent,
		storage:      storage,
		peerMgr:      peerMgr,
		pieceMgr:     pieceMgr,
		stats:        stats,
		peerBitfield: bitmap.New(torrent.NumPieces),
		failed:       mapset.NewSet(),
		finished:     -1,
		quit:         make(chan struct{}),
		state: ConnState{
			PeerChoking:   true,
			ClientChoking: true,
		},
	}
	if conn != nil {
		p.wire = newWire(conn, IDLE_TIMEOUT)
	}
	return p
}

func (p *peer) GetPeerInfo() PeerInfo {
	p.Lock()
	defer p.Unlock()

	return PeerInfo{
		ID:          p.id,
		Inbound:     p.inbound,
		Established: p.established,
		State:       p.state,
		DHTPort:     p.dhtPort,
		LastPiece:   p.lastPiece,
	}
}

func (p *peer) Stop(err error) {
	p.stopOnce.Do(func() {
		p.Lock()
		p.stopErr = err
		w := p.wire
		p.Unlock()
		close(p.quit)
		if w != nil {
			w.Close()
		}
	})
}

func (p *peer) SendHave(pieceIndex int) {
	p.Lock()
	w, established := p.wire, p.established
	p.Unlock()
	if !established {
		return
	}
	if err := w.SendHave(pieceIndex); err != nil {
		p.Stop(err)
	}
}

func (p *peer) Start() {
	err := p.run()
	select {
	case <-p.quit:
		p.Lock()
		err = p.stopErr
		p.Unlock()
	default:
	}
	p.Stop(err)

	p.pieceMgr.PeerStopped(p.id, p.peerBitfield)
	p.stats.RemovePeer(p.id)
	if err != nil && err != errExhausted {
		p.logger.Debug().Err(err).Msg("connection closed")
	} else {
		p.logger.Debug().Msg("connection done")
	}
	p.peerMgr.RemovePeer(p.id, err)
}

func (p *peer) connect() error {
	if p.wire != nil {
		return nil
	}
	conn, err := dial("tcp4", p.id, DIAL_TIMEOUT)
	if err != nil {
		return err
	}
	p.Lock()
	p.wire = newWire(conn, IDLE_TIMEOUT)
	p.Unlock()

	// Stop may have raced with the dial
	select {
	case <-p.quit:
		conn.Close()
		return errStopped
	default:
	}
	return nil
}

func (p *peer) sendHandshake() error {
	h := wire.NewHandshake(p.torrent.InfoHash, p.opts.PeerID, p.opts.DHTPort != 0)
	if err := p.wire.SendHandshake(h); err != nil {
		return err
	}
	return p.wire.SendBitField(p.pieceMgr.GetBitField())
}

func (p *peer) readHandshake() (*wire.Handshake, error) {
	h, err := p.wire.ReadHandshake()
	if err != nil {
		return nil, err
	}
	if h.Protocol != wire.PROTOCOL {
		return nil, errors.Wrapf(ErrBadHandshake, "protocol %q", h.Protocol)
	}
	if h.InfoHash != p.torrent.InfoHash {
		return nil, errors.Wrap(ErrBadHandshake, "info hash")
	}
	if h.PeerID == p.opts.PeerID {
		return nil, errors.Wrap(ErrBadHandshake, "connected to ourselves")
	}
	return h, nil
}

func (p *peer) handshake() error {
	var h *wire.Handshake
	var err error
	if p.inbound {
		if h, err = p.readHandshake(); err != nil {
			return err
		}
		if err = p.sendHandshake(); err != nil {
			return err
		}
	} else {
		if err = p.sendHandshake(); err != nil {
			return err
		}
		if h, err = p.readHandshake(); err != nil {
			return err
		}
	}

	p.Lock()
	p.established = true
	p.Unlock()
	p.since = time.Now()
	p.logger.Debug().Bool("dht", h.SupportsDHT()).Msg("handshake complete")

	if h.SupportsDHT() && p.opts.DHTPort != 0 {
		return p.wire.SendPort(p.opts.DHTPort)
	}
	return nil
}

func (p *peer) run() error {
	if err := p.connect(); err != nil {
		return err
	}
	if err := p.handshake(); err != nil {
		return err
	}

	messages := make(chan wire.Message)
	readErr := make(chan error, 1)
	go func() {
		for {
			m, err := p.wire.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case messages <- m:
			case <-p.quit:
				return
			}
		}
	}()

	p.pump = time.NewTicker(PUMP_INTERVAL)
	defer p.pump.Stop()
	maintenance := time.NewTicker(MAINTENANCE_TICK)
	defer maintenance.Stop()

	for {
		select {
		case <-p.quit:
			return errStopped
		case err := <-readErr:
			return err
		case m := <-messages:
			if err := p.handleMessage(m); err != nil {
				return err
			}
		case <-p.pumpC:
			if err := p.requestBlocks(); err != nil {
				return err
			}
		case now := <-maintenance.C:
			if now.Sub(p.wire.GetLastMessageSent()) >= KEEP_ALIVE_INTERVAL {
				if err := p.wire.SendKeepAlive(); err != nil {
					return err
				}
			}
			if p.exhausted(now) {
				return errExhausted
			}
		}
	}
}

// exhausted reports that neither side wants anything from the other. A
// remote that has not advertised its pieces yet gets IDLE_TIMEOUT to do so.
func (p *peer) exhausted(now time.Time) bool {
	if p.assembly != nil {
		return false
	}
	if !p.advertised && now.Sub(p.since) < IDLE_TIMEOUT {
		return false
	}
	p.Lock()
	peerInterested := p.state.PeerInterested
	p.Unlock()
	return !peerInterested && !p.pieceMgr.Interesting(p.peerBitfield)
}

func (p *peer) setState(f func(s *ConnState)) {
	p.Lock()
	f(&p.state)
	p.Unlock()
}

func (p *peer) handleMessage(m wire.Message) error {
	switch msg := m.(type) {
	case wire.KeepAlive:
	case wire.Choke:
		p.setState(func(s *ConnState) { s.PeerChoking = true })
		p.pumpC = nil
		if p.assembly != nil {
			p.assembly.Reset()
		}
	case wire.Unchoke:
		p.setState(func(s *ConnState) { s.PeerChoking = false })
		p.pumpC = p.pump.C
		return p.requestBlocks()
	case wire.Interested:
		p.setState(func(s *ConnState) { s.PeerInterested = true })
		if p.state.ClientChoking {
			p.setState(func(s *ConnState) { s.ClientChoking = false })
			return p.wire.SendUnchoke()
		}
	case wire.NotInterested:
		p.setState(func(s *ConnState) { s.PeerInterested = false })
		if !p.state.ClientChoking {
			p.setState(func(s *ConnState) { s.ClientChoking = true })
			return p.wire.SendChoke()
		}
	case wire.Have:
		if msg.Index < 0 || msg.Index >= p.torrent.NumPieces {
			return &wire.ProtocolError{Reason: "have for unknown piece"}
		}
		p.advertised = true
		if !p.peerBitfield.Get(msg.Index) {
			p.peerBitfield.Set(msg.Index, true)
			p.available++
			p.pieceMgr.PieceHave(p.id, msg.Index)
		}
		return p.updateInterest()
	case wire.Bitfield:
		bf, err := wire.ParseBitfield(msg.Bits, p.torrent.NumPieces)
		if err != nil {
			return err
		}
		p.advertised = true
		if p.available == 0 {
			p.peerBitfield = bf
			for i := 0; i < p.torrent.NumPieces; i++ {
				if bf.Get(i) {
					p.available++
				}
			}
			p.pieceMgr.PeerBitfield(p.id, bf)
		} else {
			for i := 0; i < p.torrent.NumPieces; i++ {
				if bf.Get(i) && !p.peerBitfield.Get(i) {
					p.peerBitfield.Set(i, true)
					p.available++
					p.pieceMgr.PieceHave(p.id, i)
				}
			}
		}
		return p.updateInterest()
	case wire.Request:
		return p.serveRequest(msg)
	case wire.Piece:
		return p.receiveBlock(msg)
	case wire.Cancel:
		p.logger.Debug().Int("index", msg.Index).Int("begin", msg.Begin).Msg("cancel")
	case wire.Port:
		p.Lock()
		p.dhtPort = msg.Port
		p.Unlock()
	default:
		return &wire.ProtocolError{Reason: "unexpected message " + wire.Name(m)}
	}
	return nil
}

func (p *peer) updateInterest() error {
	interesting := p.pieceMgr.Interesting(p.peerBitfield)
	switch {
	case interesting && !p.state.ClientInterested:
		p.setState(func(s *ConnState) { s.ClientInterested = true })
		return p.wire.SendInterested()
	case !interesting && p.state.ClientInterested && p.assembly == nil:
		p.setState(func(s *ConnState) { s.ClientInterested = false })
		return p.wire.SendUnInterested()
	}
	return nil
}

func (p *peer) serveRequest(req wire.Request) error {
	if req.Length <= 0 || req.Length > MAX_REQUEST_LENGTH {
		return &wire.ProtocolError{Reason: "request length out of range"}
	}
	if p.state.ClientChoking {
		p.logger.Debug().Int("index", req.Index).Msg("ignoring request while choking")
		return nil
	}
	if !p.pieceMgr.HasPiece(req.Index) {
		p.logger.Debug().Int("index", req.Index).Msg("ignoring request for a piece we lack")
		return nil
	}
	block, err := p.storage.BlockReadRequest(req.Index, req.Begin, req.Length)
	if err != nil {
		return err
	}
	if err := p.wire.SendBlock(req.Index, req.Begin, block); err != nil {
		return err
	}
	p.stats.UpdatePeer(p.id, len(block), 0)
	return nil
}

// requestBlocks keeps the pipeline to the remote full, claiming a new
// piece when we hold none.
func (p *peer) requestBlocks() error {
	if p.state.PeerChoking {
		return nil
	}
	if p.assembly == nil {
		pieceIndex, ok := p.pieceMgr.Claim(p.id, p.peerBitfield, p.failed)
		if !ok {
			return p.updateInterest()
		}
		p.assembly = piece.NewAssembly(p.torrent, pieceIndex)
	}
	for _, b := range p.assembly.NextRequests(piece.MAX_OUTSTANDING_REQUESTS) {
		if err := p.wire.SendRequest(b.Index, b.Begin, b.Length); err != nil {
			return err
		}
	}
	return nil
}

func (p *peer) receiveBlock(msg wire.Piece) error {
	if p.assembly == nil || msg.Index != p.assembly.Index {
		if msg.Index == p.finished {
			p.logger.Debug().Int("index", msg.Index).Int("begin", msg.Begin).Msg("ignoring late block")
			return nil
		}
		return &wire.ProtocolError{Reason: "block for a piece we did not request"}
	}
	complete, err := p.assembly.Receive(msg.Begin, msg.Block)
	if err != nil {
		return &wire.ProtocolError{Reason: err.Error()}
	}
	p.stats.UpdatePeer(p.id, 0, len(msg.Block))
	p.Lock()
	p.lastPiece = time.Now()
	p.Unlock()
	if !complete {
		return p.requestBlocks()
	}

	a := p.assembly
	p.assembly = nil
	p.finished = a.Index
	if err := a.Verify(p.torrent.PieceHash(a.Index)); err != nil {
		p.logger.Debug().Err(err).Msg("discarding piece")
		p.failed.Add(a.Index)
		p.pieceMgr.Release(p.id)
		return p.requestBlocks()
	}
	if err := p.storage.WritePieceRequest(a.Index, a.Data()); err != nil {
		return err
	}
	p.stats.PieceCompleted(p.torrent.PieceLength(a.Index))
	if err := p.pieceMgr.Complete(p.id, a.Index); err != nil {
		return err
	}
	p.logger.Debug().Int("index", a.Index).Msg("piece verified")
	p.peerMgr.BroadcastHave(a.Index)
	if err := p.requestBlocks(); err != nil {
		return err
	}
	return p.updateInterest()
}
