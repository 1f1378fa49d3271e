package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/p2p-filesharing/lanshare/internal/cache"
	"github.com/p2p-filesharing/lanshare/internal/metrics"
	"github.com/p2p-filesharing/lanshare/pkg/hash"
	"github.com/p2p-filesharing/lanshare/pkg/throttle"
)

// ChunkDownload transfers one chunk from one peer at a time, writing
// through the cache file which verifies the rolling digest. A chunk
// slot has at most one in-flight transfer; the worker survives retries
// and remembers peers excluded by hash mismatches.
type ChunkDownload struct {
	fd    *FileDownload
	chunk *cache.Chunk

	mu         sync.Mutex
	active     bool
	peer       Peer
	banned     map[hash.Hash]bool
	onFinished func()
}

func newChunkDownload(fd *FileDownload, chunk *cache.Chunk) *ChunkDownload {
	return &ChunkDownload{
		fd:     fd,
		chunk:  chunk,
		banned: make(map[hash.Hash]bool),
	}
}

// Chunk returns the slot this worker fills.
func (cd *ChunkDownload) Chunk() *cache.Chunk { return cd.chunk }

// IsActive reports whether a transfer is running.
func (cd *ChunkDownload) IsActive() bool {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	return cd.active
}

// SetFinishedHandler installs the callback run when a transfer ends.
// It runs strictly before the peer-freeing event, so the manager's
// counter is decremented before any new chunk is scheduled on that
// peer.
func (cd *ChunkDownload) SetFinishedHandler(fn func()) {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	cd.onFinished = fn
}

// candidates returns the peers advertising this chunk plus the file's
// source peer, excluding banned ones.
func (cd *ChunkDownload) candidates() []Peer {
	chunkHash, ok := cd.chunk.Hash()
	var advertising []Peer
	if ok {
		advertising = cd.fd.env.peers.PeersHaving(chunkHash)
	}

	cd.mu.Lock()
	defer cd.mu.Unlock()

	var out []Peer
	seen := make(map[hash.Hash]bool)
	if p := cd.fd.env.peers.Peer(cd.fd.peerSourceID); p != nil && !cd.banned[p.ID()] {
		out = append(out, p)
		seen[p.ID()] = true
	}
	for _, p := range advertising {
		if !seen[p.ID()] && !cd.banned[p.ID()] {
			out = append(out, p)
			seen[p.ID()] = true
		}
	}
	return out
}

// hasAnyCandidate reports whether some connected peer could serve this
// chunk, busy or not.
func (cd *ChunkDownload) hasAnyCandidate() bool {
	for _, p := range cd.candidates() {
		if p.IsConnected() {
			return true
		}
	}
	return false
}

// freeCandidates filters candidates down to connected peers with a free
// slot in the chunk-downloading pool.
func (cd *ChunkDownload) freeCandidates() []Peer {
	var out []Peer
	for _, p := range cd.candidates() {
		if p.IsConnected() && !cd.fd.env.occupiedChunk.IsOccupied(p.ID()) {
			out = append(out, p)
		}
	}
	return out
}

// StartDownloading claims a peer and launches the transfer goroutine.
// Peers with the fewest outstanding chunks are preferred, then the
// least recently picked. Returns false when every candidate is busy.
func (cd *ChunkDownload) StartDownloading() bool {
	cd.mu.Lock()
	if cd.active {
		cd.mu.Unlock()
		return false
	}
	cd.mu.Unlock()

	free := cd.freeCandidates()
	for len(free) > 0 {
		ids := make([]hash.Hash, len(free))
		for i, p := range free {
			ids[i] = p.ID()
		}
		idx := cd.fd.env.stats.Select(ids)
		if idx < 0 {
			return false
		}
		peer := free[idx]
		if !cd.fd.env.occupiedChunk.TryOccupy(peer) {
			free = append(free[:idx], free[idx+1:]...)
			continue
		}

		cd.mu.Lock()
		cd.active = true
		cd.peer = peer
		cd.mu.Unlock()

		// A transfer is running again; leave any stale error state.
		cd.fd.setStatus(StatusDownloading)

		cd.fd.env.stats.Acquire(peer.ID())
		go cd.run(peer)
		return true
	}
	return false
}

// run performs one transfer attempt and the post-transfer bookkeeping
// in the mandated order: chunk accounting, then the finished callback,
// then the peer release that may schedule new work.
func (cd *ChunkDownload) run(peer Peer) {
	start := time.Now()
	var transferred int64
	err := cd.transfer(peer, &transferred)
	success := err == nil

	logger := cd.fd.env.logger
	switch {
	case success:
		cd.fd.env.stats.ReleaseSuccess(peer.ID(), transferred, time.Since(start))
		metrics.ChunkCompleted(transferred)
		logger.Debug("chunk complete",
			zap.String("file", cd.fd.entry.Name),
			zap.Int("chunk", cd.chunk.Index()),
			zap.String("peer", peer.ID().String()))
	case errors.Is(err, cache.ErrHashMismatch):
		cd.fd.env.stats.ReleaseFailure(peer.ID())
		metrics.ChunkFailed("hash_mismatch")
		cd.mu.Lock()
		cd.banned[peer.ID()] = true
		cd.mu.Unlock()
		logger.Warn("chunk hash mismatch, peer excluded for this chunk",
			zap.String("file", cd.fd.entry.Name),
			zap.Int("chunk", cd.chunk.Index()),
			zap.String("peer", peer.ID().String()))
	case errors.Is(err, context.Canceled):
		cd.fd.env.stats.ReleaseFailure(peer.ID())
		metrics.ChunkFailed("cancelled")
	default:
		cd.fd.env.stats.ReleaseFailure(peer.ID())
		metrics.ChunkFailed("transfer_error")
		logger.Debug("chunk transfer failed",
			zap.String("file", cd.fd.entry.Name),
			zap.Int("chunk", cd.chunk.Index()),
			zap.Error(err))
	}

	cd.mu.Lock()
	cd.active = false
	cd.peer = nil
	onFinished := cd.onFinished
	cd.mu.Unlock()

	cd.fd.onChunkDone(success)
	if onFinished != nil {
		onFinished()
	}
	cd.fd.env.occupiedChunk.Release(peer)
}

// transfer streams the chunk's missing bytes through the verifying
// cache writer. On failure the bytes already written stay on disk; the
// chunk is re-eligible at the next scheduler pass.
func (cd *ChunkDownload) transfer(peer Peer, transferred *int64) error {
	chunkHash, ok := cd.chunk.Hash()
	if !ok {
		return cache.ErrNoHash
	}

	w, err := cd.chunk.Writer()
	if err != nil {
		return err
	}

	// The writer may have discarded a stale resume marker; ask the
	// peer for the offset it settled on.
	stream, err := peer.GetChunkStream(cd.fd.transferCtx(), chunkHash, w.Written())
	if err != nil {
		w.Close()
		return err
	}
	defer stream.Close()

	reader := throttle.NewReader(cd.fd.transferCtx(), stream, cd.fd.env.limiter, cd.fd.meter)
	n, copyErr := io.Copy(w, reader)
	*transferred = n
	closeErr := w.Close()

	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return closeErr
	}
	if !cd.chunk.IsComplete() {
		return fmt.Errorf("stream ended %d bytes short of the chunk", cd.chunk.Len()-cd.chunk.KnownBytes())
	}
	return nil
}
