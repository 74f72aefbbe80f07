package download

import (
	"context"
	"net"
	"time"

	"github.com/Charana123/tori/go-torrent/compact"
	"github.com/Charana123/tori/go-torrent/config"
	"github.com/Charana123/tori/go-torrent/dht"
	"github.com/Charana123/tori/go-torrent/peer"
	"github.com/Charana123/tori/go-torrent/piece"
	"github.com/Charana123/tori/go-torrent/server"
	"github.com/Charana123/tori/go-torrent/stats"
	"github.com/Charana123/tori/go-torrent/storage"
	"github.com/Charana123/tori/go-torrent/torrent"
	"github.com/Charana123/tori/go-torrent/tracker"
	bitmap "github.com/boljen/go-bitmap"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

var (
	CRAWL_TIMEOUT    = 30 * time.Second
	ANNOUNCE_TIMEOUT = 10 * time.Second
	TICK_INTERVAL    = time.Second
	PROGRESS_TICKS   = 10
)

var ErrNoPeers = peer.ErrNoPeers

var (
	appFS      = afero.NewOsFs()
	diskUsage  = disk.Usage
	listenDHT  = dht.Listen
	newStorage = storage.NewRandomAccessStorage
)

// ResourceError reports a local problem that prevents the transfer from
// starting at all.
type ResourceError struct {
	Path string
	Err  error
}

func (e *ResourceError) Error() string {
	return e.Path + ": " + e.Err.Error()
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

type Result struct {
	// AlreadyComplete is set when every piece was found on disk and no
	// network activity took place.
	AlreadyComplete bool
	Uploaded        int
	Downloaded      int
	Elapsed         time.Duration
}

type Download interface {
	// Start blocks until every piece is verified, ctx is done or the
	// transfer cannot make progress.
	Start(ctx context.Context) (*Result, error)
}

type download struct {
	torrent *torrent.Torrent
	cfg     *config.Config
	logger  zerolog.Logger
}

func NewDownload(
	torrent *torrent.Torrent,
	cfg *config.Config,
	logger zerolog.Logger) Download {

	return &download{
		torrent: torrent,
		cfg:     cfg,
		logger:  logger.With().Str("component", "download").Logger(),
	}
}

// CheckOutput requires dir to be an existing directory.
func CheckOutput(dir string) error {
	info, err := appFS.Stat(dir)
	if err != nil {
		return &ResourceError{Path: dir, Err: errors.New("directory does not exist")}
	}
	if !info.IsDir() {
		return &ResourceError{Path: dir, Err: errors.New("not a directory")}
	}
	return nil
}

func checkSpace(dir string, left int) error {
	usage, err := diskUsage(dir)
	if err != nil {
		return &ResourceError{Path: dir, Err: errors.Wrap(err, "free space")}
	}
	if usage.Free < uint64(left) {
		return &ResourceError{Path: dir, Err: errors.Errorf("not enough space available: %s free, %s needed",
			humanize.Bytes(usage.Free), humanize.Bytes(uint64(left)))}
	}
	return nil
}

func (d *download) newPieceManager(have bitmap.Bitmap) piece.PieceManager {
	if d.cfg.Strategy == config.SEQUENTIAL {
		return piece.NewSequentialPieceManager(d.torrent, have)
	}
	return piece.NewRarestFirstPieceManager(d.torrent, have)
}

func (d *download) Start(ctx context.Context) (*Result, error) {
	began := time.Now()

	if err := CheckOutput(d.cfg.Output); err != nil {
		return nil, err
	}
	store := newStorage(d.torrent, d.cfg.Output)
	defer store.Close()

	have, completed, left := store.GetCurrentDownloadState()
	if completed {
		d.logger.Info().Str("name", d.torrent.MetaInfo.Info.Name).Msg("already downloaded")
		if err := store.Finalize(); err != nil {
			return nil, err
		}
		return &Result{AlreadyComplete: true, Elapsed: time.Since(began)}, nil
	}
	if left < d.torrent.Length {
		d.logger.Info().
			Str("verified", humanize.Bytes(uint64(d.torrent.Length-left))).
			Str("left", humanize.Bytes(uint64(left))).
			Msg("resuming")
	}
	if err := checkSpace(d.cfg.Output, left); err != nil {
		return nil, err
	}

	st := stats.NewStats(0, 0, left)
	pieceMgr := d.newPieceManager(have)

	var node *dht.Node
	if d.cfg.DHT {
		var err error
		node, err = listenDHT(d.cfg.NodeID, d.cfg.NodePort, d.logger)
		if err != nil {
			d.logger.Warn().Err(err).Msg("continuing without DHT")
		}
	}
	opts := peer.Options{
		PeerID:   d.cfg.PeerID,
		MaxPeers: d.cfg.MaxPeers,
		Logger:   d.logger,
	}
	if node != nil {
		opts.DHTPort = uint16(node.Addr().(*net.UDPAddr).Port)
	}
	peerMgr := peer.NewPeerManager(d.torrent, pieceMgr, store, st, opts)

	sv, err := server.NewServer(peerMgr, d.cfg.PeerPort, d.logger)
	if err != nil {
		if node != nil {
			node.Close()
		}
		return nil, err
	}
	port := uint16(sv.GetServerPort())
	tr := tracker.NewTracker(d.torrent, st, peerMgr, tracker.Options{
		PeerID:        d.cfg.PeerID,
		Port:          port,
		UDPMaxTimeout: d.cfg.UDPMaxTimeout,
		Logger:        d.logger,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return sv.Serve(gctx)
	})
	if node != nil {
		g.Go(func() error {
			return node.Serve(gctx)
		})
	}
	g.Go(func() error {
		d.tick(gctx, st, pieceMgr)
		return nil
	})

	found := 0
	if node != nil {
		found = d.crawl(gctx, node, peerMgr, port)
	}
	if err := tr.Started(gctx); err != nil {
		if found == 0 {
			cancel()
			g.Wait()
			peerMgr.StopPeers()
			return nil, err
		}
		d.logger.Debug().Err(err).Msg("tracker announce failed, using DHT peers")
	}

	done := false
	g.Go(func() error {
		tr.Run(gctx)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		if err := peerMgr.Run(gctx); err != nil {
			return err
		}
		done = true
		return nil
	})
	err = g.Wait()

	announceCtx, stop := context.WithTimeout(context.Background(), ANNOUNCE_TIMEOUT)
	defer stop()
	if done {
		if err := tr.Completed(announceCtx); err != nil {
			d.logger.Debug().Err(err).Msg("completed announce failed")
		}
	}
	if err := tr.Stopped(announceCtx); err != nil {
		d.logger.Debug().Err(err).Msg("stopped announce failed")
	}

	if !done {
		if err == nil {
			err = ctx.Err()
		}
		return nil, err
	}
	if err := store.Finalize(); err != nil {
		return nil, err
	}

	uploaded, downloaded, _ := st.GetTrackerStats()
	res := &Result{
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Elapsed:    time.Since(began),
	}
	d.logger.Info().
		Str("name", d.torrent.MetaInfo.Info.Name).
		Str("downloaded", humanize.Bytes(uint64(downloaded))).
		Str("uploaded", humanize.Bytes(uint64(uploaded))).
		Dur("elapsed", res.Elapsed).
		Msg("download complete")
	return res, nil
}

// crawl looks the torrent up in the DHT, hands the peers found to the
// peer manager and announces ourselves to the nodes that gave a token.
func (d *download) crawl(ctx context.Context, node *dht.Node, peerMgr peer.PeerManager, port uint16) int {
	ctx, cancel := context.WithTimeout(ctx, CRAWL_TIMEOUT)
	defer cancel()

	peers, err := node.GetPeers(ctx, d.cfg.Bootstrap, d.torrent.InfoHash)
	if err != nil {
		d.logger.Debug().Err(err).Msg("dht crawl failed")
	}
	addPeers(peerMgr, peers)
	if len(peers) > 0 {
		accepted := node.Announce(ctx, d.torrent.InfoHash, port)
		d.logger.Debug().Int("peers", len(peers)).Int("announced", accepted).Msg("dht lookup done")
	}
	return len(peers)
}

func addPeers(peerMgr peer.PeerManager, peers []compact.Peer) {
	for _, p := range peers {
		peerMgr.AddPeer(p.String(), nil)
	}
}

// tick advances the rate windows every second and logs progress.
func (d *download) tick(ctx context.Context, st stats.Stats, pieceMgr piece.PieceManager) {
	ticker := time.NewTicker(TICK_INTERVAL)
	defer ticker.Stop()

	for i := 1; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		st.Tick()
		if i%PROGRESS_TICKS != 0 {
			continue
		}
		cs := st.GetClientStats()
		_, downloaded, left := st.GetTrackerStats()
		d.logger.Debug().
			Int("pieces", pieceMgr.GetPiecesDownloaded()).
			Int("of", d.torrent.NumPieces).
			Str("downloaded", humanize.Bytes(uint64(downloaded))).
			Str("left", humanize.Bytes(uint64(left))).
			Str("down", humanize.Bytes(uint64(cs.DownloadRate))+"/s").
			Str("up", humanize.Bytes(uint64(cs.UploadRate))+"/s").
			Msg("progress")
	}
}
