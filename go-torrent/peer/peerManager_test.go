package peer

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Charana123/tori/go-torrent/piece"
	"github.com/Charana123/tori/go-torrent/stats"
	"github.com/Charana123/tori/go-torrent/storage"
	"github.com/Charana123/tori/go-torrent/torrent"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	id       string
	pm       PeerManager
	run      func(f *fakePeer)
	stop     chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
	haves    []int
}

func (f *fakePeer) Start() {
	f.run(f)
}

func (f *fakePeer) Stop(err error) {
	f.stopOnce.Do(func() { close(f.stop) })
}

func (f *fakePeer) GetPeerInfo() PeerInfo {
	return PeerInfo{ID: f.id, Established: true}
}

func (f *fakePeer) SendHave(pieceIndex int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.haves = append(f.haves, pieceIndex)
}

type fakePeers struct {
	sync.Mutex
	starts map[string]int
	peers  []*fakePeer
}

// useFakePeers replaces connections with fakes driven by run.
func useFakePeers(t *testing.T, run func(f *fakePeer)) *fakePeers {
	fp := &fakePeers{starts: make(map[string]int)}
	old := newPeer
	newPeer = func(
		id string,
		conn net.Conn,
		torrent *torrent.Torrent,
		storage storage.Storage,
		peerMgr PeerManager,
		pieceMgr piece.PieceManager,
		stats stats.Stats,
		opts Options) Peer {

		f := &fakePeer{id: id, pm: peerMgr, run: run, stop: make(chan struct{})}
		fp.Lock()
		fp.starts[id]++
		fp.peers = append(fp.peers, f)
		fp.Unlock()
		return f
	}
	t.Cleanup(func() { newPeer = old })
	return fp
}

func (fp *fakePeers) count(id string) int {
	fp.Lock()
	defer fp.Unlock()
	return fp.starts[id]
}

func failWith(err error) func(f *fakePeer) {
	return func(f *fakePeer) {
		f.pm.RemovePeer(f.id, err)
	}
}

func blockUntilStopped(f *fakePeer) {
	<-f.stop
	f.pm.RemovePeer(f.id, errStopped)
}

func newTestManager(maxPeers int) (PeerManager, piece.PieceManager, *torrent.Torrent) {
	tor := singlePieceTorrent(pieceData())
	pieceMgr := piece.NewRarestFirstPieceManager(tor, nil)
	opts := testOptions()
	opts.MaxPeers = maxPeers
	return NewPeerManager(tor, pieceMgr, &mockStorage{}, stats.NewStats(0, 0, tor.Length), opts), pieceMgr, tor
}

func runManager(ctx context.Context, pm PeerManager) chan error {
	done := make(chan error, 1)
	go func() { done <- pm.Run(ctx) }()
	return done
}

func waitRun(t *testing.T, done chan error) error {
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	return nil
}

func TestNoCandidates(t *testing.T) {
	useFakePeers(t, failWith(errors.New("refused")))
	pm, _, _ := newTestManager(8)

	assert.Equal(t, ErrNoPeers, pm.Run(context.Background()))
}

func TestEachAddressTriedThreeTimes(t *testing.T) {
	fp := useFakePeers(t, failWith(errors.New("connection refused")))
	pm, _, _ := newTestManager(8)
	pm.AddPeer("10.0.0.1:6881", nil)
	pm.AddPeer("10.0.0.2:6881", nil)
	pm.AddPeer("10.0.0.1:6881", nil)

	err := waitRun(t, runManager(context.Background(), pm))
	assert.Equal(t, ErrNoPeers, err)
	assert.Equal(t, MAX_ATTEMPTS, fp.count("10.0.0.1:6881"))
	assert.Equal(t, MAX_ATTEMPTS, fp.count("10.0.0.2:6881"))
}

func TestBadHandshakeBans(t *testing.T) {
	fp := useFakePeers(t, failWith(errors.Wrap(ErrBadHandshake, "info hash")))
	pm, _, _ := newTestManager(8)
	pm.AddPeer("10.0.0.1:6881", nil)

	err := waitRun(t, runManager(context.Background(), pm))
	assert.Equal(t, ErrNoPeers, err)
	assert.Equal(t, 1, fp.count("10.0.0.1:6881"))

	// banned addresses are refused, inbound too
	client, server := net.Pipe()
	defer client.Close()
	pm.AddPeer("10.0.0.1:6881", server)
	assert.Empty(t, pm.GetPeerList())
}

func TestSlotsAreBounded(t *testing.T) {
	fp := useFakePeers(t, blockUntilStopped)
	pm, _, _ := newTestManager(3)
	for _, id := range []string{"a:1", "b:1", "c:1", "d:1", "e:1"} {
		pm.AddPeer(id, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := runManager(ctx, pm)
	assert.Eventually(t, func() bool { return len(pm.GetPeerList()) == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, pm.GetPeerList(), 3)

	cancel()
	assert.Equal(t, context.Canceled, waitRun(t, done))
	fp.Lock()
	defer fp.Unlock()
	assert.Len(t, fp.peers, 3)
	for _, f := range fp.peers {
		select {
		case <-f.stop:
		default:
			t.Errorf("peer %s was not stopped", f.id)
		}
	}
}

func TestReplacementAfterFailure(t *testing.T) {
	var mu sync.Mutex
	first := true
	fp := useFakePeers(t, func(f *fakePeer) {
		mu.Lock()
		fail := first
		first = false
		mu.Unlock()
		if fail {
			f.pm.RemovePeer(f.id, errors.New("reset"))
			return
		}
		blockUntilStopped(f)
	})
	pm, _, _ := newTestManager(1)
	pm.AddPeer("a:1", nil)
	pm.AddPeer("b:1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runManager(ctx, pm)

	// the failed slot is refilled from the untried address
	assert.Eventually(t, func() bool { return fp.count("b:1") == 1 && len(pm.GetPeerList()) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, fp.count("a:1"))
	cancel()
	waitRun(t, done)
}

func TestRunReturnsOnCompletion(t *testing.T) {
	useFakePeers(t, blockUntilStopped)
	pm, pieceMgr, _ := newTestManager(8)
	pm.AddPeer("a:1", nil)

	done := runManager(context.Background(), pm)
	assert.Eventually(t, func() bool { return len(pm.GetPeerList()) == 1 }, time.Second, 5*time.Millisecond)

	index, ok := pieceMgr.Claim("a:1", fullBitmap(1), nil)
	require.True(t, ok)
	require.NoError(t, pieceMgr.Complete("a:1", index))

	assert.NoError(t, waitRun(t, done))
}

func TestBroadcastHave(t *testing.T) {
	fp := useFakePeers(t, blockUntilStopped)
	pm, _, _ := newTestManager(8)

	client, server := net.Pipe()
	defer client.Close()
	pm.AddPeer("10.0.0.9:50000", server)
	require.Len(t, pm.GetPeerList(), 1)

	pm.BroadcastHave(0)
	fp.Lock()
	f := fp.peers[0]
	fp.Unlock()
	f.mu.Lock()
	assert.Equal(t, []int{0}, f.haves)
	f.mu.Unlock()

	pm.StopPeers()
	assert.Eventually(t, func() bool { return len(pm.GetPeerList()) == 0 }, time.Second, 5*time.Millisecond)
}
