package download

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/p2p-filesharing/lanshare/internal/cache"
	"github.com/p2p-filesharing/lanshare/internal/metrics"
	"github.com/p2p-filesharing/lanshare/pkg/hash"
	"github.com/p2p-filesharing/lanshare/pkg/peerstats"
	"github.com/p2p-filesharing/lanshare/pkg/protocol"
	"github.com/p2p-filesharing/lanshare/pkg/throttle"
)

// env bundles the collaborators shared by every download record.
type env struct {
	cache         *cache.Cache
	peers         PeerManager
	occupiedHash  *OccupiedPeers
	occupiedChunk *OccupiedPeers
	stats         *peerstats.Stats
	limiter       *throttle.Limiter
	logger        *zap.Logger

	// onChunksReady asks the manager for a queue scan after new chunks
	// became downloadable (hashes arrived).
	onChunksReady func()
}

// FileDownload drives a single file from QUEUED to COMPLETE: it obtains
// the chunk hashes, owns the per-chunk downloads and reports progress.
type FileDownload struct {
	env          *env
	id           uuid.UUID
	entry        protocol.Entry
	peerSourceID hash.Hash
	meter        *throttle.Meter

	mu             sync.Mutex
	status         Status
	paused         bool
	gettingHashes  bool
	file           *cache.File
	chunkDownloads map[int]*ChunkDownload
	ctx            context.Context
	cancel         context.CancelFunc
}

// NewFileDownload creates a queued file download. complete restores a
// finished entry that stays in the queue until removed.
func NewFileDownload(e *env, entry protocol.Entry, peerSource hash.Hash, complete bool) *FileDownload {
	ctx, cancel := context.WithCancel(context.Background())
	fd := &FileDownload{
		env:            e,
		id:             uuid.New(),
		entry:          entry,
		peerSourceID:   peerSource,
		meter:          throttle.NewMeter(),
		status:         StatusQueued,
		chunkDownloads: make(map[int]*ChunkDownload),
		ctx:            ctx,
		cancel:         cancel,
	}
	if complete {
		fd.status = StatusComplete
	}
	return fd
}

// ID implements Download.
func (fd *FileDownload) ID() uuid.UUID { return fd.id }

// Entry implements Download.
func (fd *FileDownload) Entry() protocol.Entry { return fd.entry }

// PeerSourceID implements Download.
func (fd *FileDownload) PeerSourceID() hash.Hash { return fd.peerSourceID }

// Status implements Download.
func (fd *FileDownload) Status() Status {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.status
}

// setStatus updates the status unless the download is complete or
// paused; those states only change through their own transitions.
func (fd *FileDownload) setStatus(s Status) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if fd.status == StatusComplete || (fd.paused && s != StatusComplete) {
		return
	}
	fd.status = s
}

// Start prepares a fresh download: the backing cache file is located or
// created, which may already surface an error status. On success the
// status stays QUEUED until a hash request or a transfer begins.
func (fd *FileDownload) Start() {
	fd.mu.Lock()
	if fd.status == StatusComplete {
		fd.mu.Unlock()
		return
	}
	if fd.paused {
		fd.status = StatusPaused
		fd.mu.Unlock()
		return
	}
	fd.mu.Unlock()

	fd.ensureFile()
}

// ensureFile locates or creates the cache file. It returns false after
// setting the corresponding error status.
func (fd *FileDownload) ensureFile() bool {
	fd.mu.Lock()
	if fd.file != nil {
		fd.mu.Unlock()
		return true
	}
	fd.mu.Unlock()

	f, err := fd.env.cache.FileForDownload(fd.entry)
	if err != nil {
		switch {
		case errors.Is(err, cache.ErrNoWritableShare):
			fd.setStatus(StatusNoSharedDirectoryToWrite)
		case errors.Is(err, cache.ErrNotEnoughSpace):
			fd.setStatus(StatusNotEnoughFreeSpace)
		default:
			fd.env.logger.Warn("cannot allocate download file", zap.String("name", fd.entry.Name), zap.Error(err))
			fd.setStatus(StatusNoSharedDirectoryToWrite)
		}
		return false
	}

	fd.mu.Lock()
	fd.file = f
	fd.mu.Unlock()

	if f.HasAllHashes() && f.IsComplete() {
		fd.markComplete()
	}
	return true
}

func (fd *FileDownload) fileRef() *cache.File {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.file
}

func (fd *FileDownload) markComplete() {
	fd.mu.Lock()
	fd.status = StatusComplete
	fd.mu.Unlock()
}

func (fd *FileDownload) transferCtx() context.Context {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.ctx
}

// candidatePeers returns the peers a request for this file may target:
// the submitting peer plus every peer advertising the file. Offline
// peers are included; callers filter on connectivity.
func (fd *FileDownload) candidatePeers() []Peer {
	var out []Peer
	seen := make(map[hash.Hash]bool)

	if p := fd.env.peers.Peer(fd.peerSourceID); p != nil {
		out = append(out, p)
		seen[p.ID()] = true
	}

	if f := fd.fileRef(); f != nil && f.NumChunks() > 0 {
		if h, ok := f.Chunk(0).Hash(); ok {
			for _, p := range fd.env.peers.PeersHaving(h) {
				if !seen[p.ID()] {
					out = append(out, p)
					seen[p.ID()] = true
				}
			}
		}
	}
	return out
}

// RetrieveHashes is offered the idle hash-asker slot. It returns true
// if it consumed the slot by issuing a hash request. Eligibility: the
// file lacks at least one hash, is not paused, and a connected
// candidate peer is free in the hash-asker pool.
func (fd *FileDownload) RetrieveHashes() bool {
	fd.mu.Lock()
	if fd.paused || fd.gettingHashes ||
		fd.status == StatusComplete || fd.status == StatusEntryNotFound {
		fd.mu.Unlock()
		return false
	}
	fd.mu.Unlock()

	if !fd.ensureFile() {
		return false
	}
	file := fd.fileRef()
	if file.HasAllHashes() {
		return false
	}

	candidates := fd.candidatePeers()
	connected := candidates[:0:0]
	for _, p := range candidates {
		if p.IsConnected() {
			connected = append(connected, p)
		}
	}
	if len(connected) == 0 {
		if fd.env.peers.Peer(fd.peerSourceID) == nil && len(candidates) == 0 {
			fd.setStatus(StatusUnknownPeer)
		} else {
			fd.setStatus(StatusNoSource)
		}
		return false
	}

	for _, p := range connected {
		if !fd.env.occupiedHash.TryOccupy(p) {
			continue
		}
		fd.mu.Lock()
		fd.gettingHashes = true
		if !fd.paused && fd.status != StatusComplete {
			fd.status = StatusGettingHashes
		}
		fd.mu.Unlock()

		metrics.HashRequestIssued()
		go fd.runHashRequest(p, file)
		return true
	}
	return false
}

// runHashRequest streams the missing hashes from peer into the cache
// file. The occupied slot is released last, so the manager observes the
// final status before scheduling the next hash request.
func (fd *FileDownload) runHashRequest(peer Peer, file *cache.File) {
	defer fd.env.occupiedHash.Release(peer)

	firstChunk := 0
	for i, chunk := range file.Chunks() {
		if !chunk.HasHash() {
			firstChunk = i
			break
		}
	}

	ch, err := peer.GetHashes(fd.transferCtx(), fd.entry, firstChunk)
	if err != nil {
		fd.mu.Lock()
		fd.gettingHashes = false
		fd.mu.Unlock()

		switch {
		case errors.Is(err, ErrEntryNotFound):
			fd.setStatus(StatusEntryNotFound)
		case errors.Is(err, context.Canceled):
			// Paused or cancelled; keep the pause status.
		default:
			fd.env.logger.Debug("hash request failed",
				zap.String("peer", peer.ID().String()), zap.Error(err))
			fd.setStatus(StatusUnknownPeer)
		}
		return
	}

	received := 0
	for hc := range ch {
		if chunk := file.Chunk(hc.Index); chunk != nil {
			chunk.SetHash(hc.Hash)
			received++
		}
	}

	fd.mu.Lock()
	fd.gettingHashes = false
	paused := fd.paused
	fd.mu.Unlock()

	switch {
	case paused:
		// Received hashes are kept in the cache; nothing else to do.
	case file.HasAllHashes():
		if file.IsComplete() {
			fd.markComplete()
		} else {
			fd.setStatus(StatusDownloading)
		}
	default:
		// The stream ended early; the rescan timer will retry.
		fd.setStatus(StatusHashMissing)
	}

	fd.env.logger.Debug("hashes received",
		zap.String("file", fd.entry.Name),
		zap.Int("count", received),
		zap.String("peer", peer.ID().String()))

	if received > 0 && !paused && fd.env.onChunksReady != nil {
		fd.env.onChunksReady()
	}
}

// chunkDownload returns the persistent per-chunk worker, creating it on
// first use. One worker exists per chunk slot for the life of the file
// download; it carries the peer exclusions earned by hash mismatches.
func (fd *FileDownload) chunkDownload(chunk *cache.Chunk) *ChunkDownload {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	cd, ok := fd.chunkDownloads[chunk.Index()]
	if !ok {
		cd = newChunkDownload(fd, chunk)
		fd.chunkDownloads[chunk.Index()] = cd
	}
	return cd
}

// GetAChunkToDownload returns the first chunk that has a hash, is not
// complete, is not already being downloaded and has a free candidate
// peer. It may return nil while transitioning the file to an error
// status, in which case the manager arms the rescan timer.
func (fd *FileDownload) GetAChunkToDownload() *ChunkDownload {
	fd.mu.Lock()
	if fd.paused || fd.status == StatusComplete {
		fd.mu.Unlock()
		return nil
	}
	gettingHashes := fd.gettingHashes
	fd.mu.Unlock()

	if !fd.ensureFile() {
		return nil
	}
	file := fd.fileRef()

	if file.IsComplete() {
		if file.HasAllHashes() {
			fd.markComplete()
		}
		return nil
	}

	missingHash := false
	sawUsablePeer := false
	for _, chunk := range file.Chunks() {
		if chunk.IsComplete() {
			continue
		}
		if !chunk.HasHash() {
			missingHash = true
			continue
		}

		cd := fd.chunkDownload(chunk)
		if cd.IsActive() {
			sawUsablePeer = true
			continue
		}
		if !cd.hasAnyCandidate() {
			continue
		}
		sawUsablePeer = true
		if len(cd.freeCandidates()) == 0 {
			// All candidates busy downloading chunks; skip so later
			// queue entries can progress.
			continue
		}
		return cd
	}

	// Nothing eligible. Decide whether that is an error worth a rescan,
	// using the same connectivity filter the per-chunk test applies.
	if !sawUsablePeer && !gettingHashes {
		if missingHash {
			// Without a connected candidate the hash pass has already
			// surfaced NO_SOURCE or UNKNOWN_PEER; keep that status.
			if s := fd.Status(); s != StatusNoSource && s != StatusUnknownPeer {
				fd.setStatus(StatusHashMissing)
			}
		} else {
			candidates := fd.candidatePeers()
			connected := false
			for _, p := range candidates {
				if p.IsConnected() {
					connected = true
					break
				}
			}
			if len(candidates) == 0 {
				fd.setStatus(StatusNoSource)
			} else if !connected {
				// All known sources dropped mid-download; the rescan
				// timer watches for them to come back.
				fd.setStatus(StatusUnknownPeer)
			}
		}
	}
	return nil
}

// onChunkDone is called by a chunk worker after its transfer ends and
// before the manager's counter callback runs.
func (fd *FileDownload) onChunkDone(success bool) {
	if !success {
		return
	}
	if f := fd.fileRef(); f != nil && f.IsComplete() {
		fd.markComplete()
		fd.env.logger.Info("file download complete", zap.String("name", fd.entry.Name))
	}
}

// SetPaused pauses or resumes the download. Pausing interrupts running
// transfers at their next IO boundary; progress and received hashes are
// kept.
func (fd *FileDownload) SetPaused(paused bool) {
	fd.mu.Lock()
	if fd.paused == paused {
		fd.mu.Unlock()
		return
	}
	fd.paused = paused
	var cancel context.CancelFunc
	if paused {
		if fd.status != StatusComplete {
			fd.status = StatusPaused
		}
		cancel = fd.cancel
		fd.ctx, fd.cancel = context.WithCancel(context.Background())
	} else {
		if fd.status == StatusPaused {
			fd.status = StatusQueued
		}
	}
	fd.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// IsPaused reports the user-requested pause flag.
func (fd *FileDownload) IsPaused() bool {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.paused
}

// Abort interrupts every transfer for good; used on cancellation.
// Partially written bytes stay on disk so a re-add resumes.
func (fd *FileDownload) Abort() {
	fd.mu.Lock()
	cancel := fd.cancel
	fd.mu.Unlock()
	cancel()
}

// DownloadedBytes returns the number of bytes on disk.
func (fd *FileDownload) DownloadedBytes() int64 {
	f := fd.fileRef()
	if f == nil {
		return 0
	}
	var total int64
	for _, chunk := range f.Chunks() {
		total += chunk.KnownBytes()
	}
	return total
}

// DownloadRate returns the transfer rate while the file is downloading,
// 0 otherwise.
func (fd *FileDownload) DownloadRate() int64 {
	if fd.Status() != StatusDownloading {
		return 0
	}
	return fd.meter.Rate()
}

// GetUnfinishedChunks appends up to n-len(*out) unfinished chunk
// workers, surfacing resumable work.
func (fd *FileDownload) GetUnfinishedChunks(out *[]*ChunkDownload, n int) {
	f := fd.fileRef()
	if f == nil {
		return
	}
	for _, chunk := range f.Chunks() {
		if len(*out) >= n {
			return
		}
		if !chunk.IsComplete() && chunk.HasHash() {
			*out = append(*out, fd.chunkDownload(chunk))
		}
	}
}
