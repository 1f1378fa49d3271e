// Package peerstats tracks per-peer transfer statistics and backs the
// chunk-peer selection tie-break.
package peerstats

import (
	"sync"
	"time"

	"github.com/p2p-filesharing/lanshare/pkg/hash"
)

// PeerStats contains statistics about a peer's transfers.
type PeerStats struct {
	PeerID           hash.Hash
	Outstanding      int // chunks currently being downloaded from this peer
	SuccessfulChunks int
	FailedChunks     int
	BytesDownloaded  int64
	AverageLatency   time.Duration
	LastSeen         time.Time

	lastPicked uint64
}

// Stats aggregates statistics for all known peers.
type Stats struct {
	mu    sync.Mutex
	peers map[hash.Hash]*PeerStats
	clock uint64
}

// New creates an empty Stats.
func New() *Stats {
	return &Stats{peers: make(map[hash.Hash]*PeerStats)}
}

func (s *Stats) get(id hash.Hash) *PeerStats {
	stats, ok := s.peers[id]
	if !ok {
		stats = &PeerStats{PeerID: id, LastSeen: time.Now()}
		s.peers[id] = stats
	}
	return stats
}

// Acquire records the start of a chunk transfer from a peer.
func (s *Stats) Acquire(id hash.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.get(id)
	stats.Outstanding++
	stats.LastSeen = time.Now()
}

// ReleaseSuccess records a completed chunk transfer.
func (s *Stats) ReleaseSuccess(id hash.Hash, bytes int64, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.get(id)
	if stats.Outstanding > 0 {
		stats.Outstanding--
	}
	stats.SuccessfulChunks++
	stats.BytesDownloaded += bytes
	// Exponential moving average, weighted toward history.
	if stats.AverageLatency == 0 {
		stats.AverageLatency = latency
	} else {
		stats.AverageLatency = (stats.AverageLatency*7 + latency*3) / 10
	}
	stats.LastSeen = time.Now()
}

// ReleaseFailure records a failed chunk transfer.
func (s *Stats) ReleaseFailure(id hash.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.get(id)
	if stats.Outstanding > 0 {
		stats.Outstanding--
	}
	stats.FailedChunks++
}

// Outstanding returns the number of in-flight chunks for a peer.
func (s *Stats) Outstanding(id hash.Hash) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stats, ok := s.peers[id]; ok {
		return stats.Outstanding
	}
	return 0
}

// Select picks the candidate with the fewest outstanding chunks,
// breaking ties by least recently picked, and marks it picked. Returns
// -1 when candidates is empty.
func (s *Stats) Select(candidates []hash.Hash) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	best := -1
	var bestStats *PeerStats
	for i, id := range candidates {
		stats := s.get(id)
		if best == -1 ||
			stats.Outstanding < bestStats.Outstanding ||
			(stats.Outstanding == bestStats.Outstanding && stats.lastPicked < bestStats.lastPicked) {
			best = i
			bestStats = stats
		}
	}
	if best >= 0 {
		s.clock++
		bestStats.lastPicked = s.clock
	}
	return best
}

// Get returns a copy of a peer's statistics.
func (s *Stats) Get(id hash.Hash) (PeerStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stats, ok := s.peers[id]; ok {
		return *stats, true
	}
	return PeerStats{}, false
}
