package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTotals(t *testing.T) {
	s := NewStats(0, 0, 32768)
	s.UpdatePeer("a", 0, 16384)
	s.UpdatePeer("b", 100, 0)
	s.PieceCompleted(16384)

	uploaded, downloaded, left := s.GetTrackerStats()
	assert.Equal(t, 100, uploaded)
	assert.Equal(t, 16384, downloaded)
	assert.Equal(t, 16384, left)

	s.PieceCompleted(20000)
	_, _, left = s.GetTrackerStats()
	assert.Equal(t, 0, left)
}

func TestRates(t *testing.T) {
	s := NewStats(0, 0, 0)
	s.UpdatePeer("a", 0, 1000)
	s.Tick()
	s.UpdatePeer("a", 0, 1000)
	s.Tick()

	peer := s.GetPeerStats()["a"]
	assert.Equal(t, 2000/PONDERATION_TIME, peer.DownloadRate)
	assert.Equal(t, 2000, peer.Downloaded)
	assert.Equal(t, 2000/PONDERATION_TIME, s.GetClientStats().DownloadRate)

	for i := 0; i < PONDERATION_TIME; i++ {
		s.Tick()
	}
	assert.Equal(t, 0, s.GetPeerStats()["a"].DownloadRate)

	s.RemovePeer("a")
	assert.Empty(t, s.GetPeerStats())
}
