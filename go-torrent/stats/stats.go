package stats

import (
	"sync"
)

type Stats interface {
	GetTrackerStats() (uploaded int, downloaded int, left int)
	GetPeerStats() (peerStats map[string]PeerStat)
	GetClientStats() (clientStats ClientStats)
	UpdatePeer(id string, uploaded int, downloaded int)
	PieceCompleted(length int)
	RemovePeer(id string)
	// Tick closes the current one second sample of every rate window.
	Tick()
}

const (
	PONDERATION_TIME = 10
)

type stats struct {
	sync.Mutex

	trackerStats *TrackerStats
	clientStats  *activity
	peerStats    map[string]*activity
}

type TrackerStats struct {
	TotalUpload   int
	TotalDownload int
	Left          int
}

// ClientStats and PeerStat rates are bytes per second averaged over the
// last PONDERATION_TIME ticks.
type ClientStats struct {
	UploadRate   int
	DownloadRate int
}

type PeerStat struct {
	UploadRate   int
	DownloadRate int
	Uploaded     int
	Downloaded   int
}

type activity struct {
	uploadRate       int
	downloadRate     int
	uploaded         int
	downloaded       int
	currentUpload    int
	currentDownload  int
	uploadActivity   [PONDERATION_TIME]int
	downloadActivity [PONDERATION_TIME]int
	i                int
}

func NewStats(
	uploaded int, downloaded int, left int) Stats {

	return &stats{
		trackerStats: &TrackerStats{
			TotalUpload:   uploaded,
			TotalDownload: downloaded,
			Left:          left,
		},
		clientStats: &activity{},
		peerStats:   make(map[string]*activity),
	}
}

func (s *stats) GetTrackerStats() (int, int, int) {
	s.Lock()
	defer s.Unlock()

	return s.trackerStats.TotalUpload, s.trackerStats.TotalDownload, s.trackerStats.Left
}

func (s *stats) UpdatePeer(id string, uploaded int, downloaded int) {
	s.Lock()
	defer s.Unlock()

	a, ok := s.peerStats[id]
	if !ok {
		a = &activity{}
		s.peerStats[id] = a
	}
	a.add(uploaded, downloaded)
	s.clientStats.add(uploaded, downloaded)
	s.trackerStats.TotalUpload += uploaded
	s.trackerStats.TotalDownload += downloaded
}

func (s *stats) PieceCompleted(length int) {
	s.Lock()
	defer s.Unlock()

	s.trackerStats.Left -= length
	if s.trackerStats.Left < 0 {
		s.trackerStats.Left = 0
	}
}

func (s *stats) RemovePeer(id string) {
	s.Lock()
	defer s.Unlock()

	delete(s.peerStats, id)
}

func (s *stats) Tick() {
	s.Lock()
	defer s.Unlock()

	for _, a := range s.peerStats {
		a.tick()
	}
	s.clientStats.tick()
}

func (s *stats) GetPeerStats() map[string]PeerStat {
	s.Lock()
	defer s.Unlock()

	peerStats := make(map[string]PeerStat, len(s.peerStats))
	for id, a := range s.peerStats {
		peerStats[id] = PeerStat{
			UploadRate:   a.uploadRate,
			DownloadRate: a.downloadRate,
			Uploaded:     a.uploaded,
			Downloaded:   a.downloaded,
		}
	}
	return peerStats
}

func (s *stats) GetClientStats() ClientStats {
	s.Lock()
	defer s.Unlock()

	return ClientStats{
		UploadRate:   s.clientStats.uploadRate,
		DownloadRate: s.clientStats.downloadRate,
	}
}

func (a *activity) add(uploaded, downloaded int) {
	a.currentUpload += uploaded
	a.currentDownload += downloaded
	a.uploaded += uploaded
	a.downloaded += downloaded
}

func (a *activity) tick() {
	a.uploadActivity[a.i] = a.currentUpload
	a.downloadActivity[a.i] = a.currentDownload
	a.uploadRate = sum(a.uploadActivity) / PONDERATION_TIME
	a.downloadRate = sum(a.downloadActivity) / PONDERATION_TIME
	a.i = (a.i + 1) % PONDERATION_TIME
	a.currentUpload = 0
	a.currentDownload = 0
}

func sum(window [PONDERATION_TIME]int) int {
	total := 0
	for _, x := range window {
		total += x
	}
	return total
}
