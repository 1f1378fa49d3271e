package download

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/p2p-filesharing/lanshare/internal/cache"
	"github.com/p2p-filesharing/lanshare/internal/config"
	"github.com/p2p-filesharing/lanshare/internal/metrics"
	"github.com/p2p-filesharing/lanshare/pkg/hash"
	"github.com/p2p-filesharing/lanshare/pkg/peerstats"
	"github.com/p2p-filesharing/lanshare/pkg/protocol"
	"github.com/p2p-filesharing/lanshare/pkg/throttle"
)

// Manager owns the download queue and runs the scheduling loop: hash
// requests serialized per peer through the hash-asker pool, chunk
// transfers bounded by the global downloader cap, directory expansions
// serialized by a single latch. All entry points are idempotent and
// safe to call from any goroutine.
type Manager struct {
	env                 *env
	numberOfDownloaders int
	rescanPeriod        time.Duration
	stateDir            string

	mu                sync.Mutex
	downloads         []Download
	inFlight          int
	retrievingEntries bool
	timerArmed        bool
	closed            bool
}

// NewManager wires the manager to its collaborators. Call Start to
// begin replaying the persisted queue once the cache has loaded.
func NewManager(cfg *config.Config, c *cache.Cache, peers PeerManager, logger *zap.Logger) *Manager {
	m := &Manager{
		numberOfDownloaders: cfg.NumberOfDownloaders,
		rescanPeriod:        cfg.RescanPeriodIfError,
		stateDir:            cfg.StateDir,
	}
	m.env = &env{
		cache:         c,
		peers:         peers,
		occupiedHash:  NewOccupiedPeers(1),
		occupiedChunk: NewOccupiedPeers(1),
		stats:         peerstats.New(),
		limiter:       throttle.NewLimiter(cfg.DownloadRateLimit, 0),
		logger:        logger,
	}
	m.env.occupiedHash.SetFreeHandler(m.peerNoLongerAskingForHashes)
	m.env.occupiedChunk.SetFreeHandler(m.peerNoLongerDownloadingChunk)
	m.env.onChunksReady = m.ScanTheQueue
	return m
}

// Start waits for the cache to finish loading, then replays the
// persisted queue and kicks the schedulers.
func (m *Manager) Start() {
	go func() {
		<-m.env.cache.Loaded()
		m.loadQueue()
		m.scanForHashes()
		m.ScanTheQueue()
		m.ScanTheQueueToRetrieveEntries()
	}()
}

// Stop saves the queue and interrupts all transfers.
func (m *Manager) Stop() error {
	m.mu.Lock()
	m.closed = true
	snapshot := make([]Download, len(m.downloads))
	copy(snapshot, m.downloads)
	m.mu.Unlock()

	err := m.SaveQueue()
	for _, d := range snapshot {
		if fd, ok := d.(*FileDownload); ok {
			fd.Abort()
		}
	}
	return err
}

// AddDownload appends an entry to the queue. Exact duplicates (same
// type, path, name and size, peer identity ignored) are rejected with a
// warning.
func (m *Manager) AddDownload(entry protocol.Entry, peerSource hash.Hash) Download {
	d := m.addDownload(entry, peerSource, false, -1)
	if d == nil {
		return nil
	}
	m.scanForHashes()
	m.ScanTheQueue()
	m.ScanTheQueueToRetrieveEntries()
	return d
}

// addDownload inserts a record at pos (-1 appends). It returns nil for
// duplicates.
func (m *Manager) addDownload(entry protocol.Entry, peerSource hash.Hash, complete bool, pos int) Download {
	m.mu.Lock()
	for _, existing := range m.downloads {
		if existing.Entry().SameEntry(entry) {
			m.mu.Unlock()
			m.env.logger.Warn("entry already queued, not added",
				zap.String("name", entry.Name),
				zap.String("path", entry.Path))
			return nil
		}
	}

	var d Download
	switch entry.Type {
	case protocol.EntryDir:
		d = NewDirDownload(m.env, entry, peerSource, m.newEntries)
	default:
		d = NewFileDownload(m.env, entry, peerSource, complete)
	}

	if pos < 0 || pos > len(m.downloads) {
		pos = len(m.downloads)
	}
	m.downloads = append(m.downloads, nil)
	copy(m.downloads[pos+1:], m.downloads[pos:])
	m.downloads[pos] = d
	queueLen := len(m.downloads)
	m.mu.Unlock()

	metrics.SetQueueLength(queueLen)
	if fd, ok := d.(*FileDownload); ok {
		fd.Start()
	}
	return d
}

// newEntries handles a directory download's result. On success the
// record is replaced in place by its children, carrying its peer
// source; queue order around it is preserved.
func (m *Manager) newEntries(dd *DirDownload, entries *protocol.Entries) {
	m.mu.Lock()
	m.retrievingEntries = false
	m.mu.Unlock()

	if entries == nil {
		// The peer could not be reached; the record stays queued and
		// the timer re-drives the scan.
		m.armRescanTimer()
		return
	}

	m.mu.Lock()
	pos := -1
	for i, d := range m.downloads {
		if d == dd {
			pos = i
			break
		}
	}
	if pos < 0 {
		m.mu.Unlock()
		m.ScanTheQueueToRetrieveEntries()
		return
	}
	m.downloads = append(m.downloads[:pos], m.downloads[pos+1:]...)
	m.mu.Unlock()

	for _, child := range entries.Entries {
		if m.addDownload(child, dd.peerSourceID, false, pos) != nil {
			pos++
		}
	}

	m.env.logger.Debug("directory expanded",
		zap.String("dir", dd.entry.Name),
		zap.Int("children", len(entries.Entries)))

	m.scanForHashes()
	m.ScanTheQueue()
	m.ScanTheQueueToRetrieveEntries()
}

// snapshot returns a copy of the queue.
func (m *Manager) snapshot() []Download {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Download, len(m.downloads))
	copy(out, m.downloads)
	return out
}

// scanForHashes offers the idle hash-asker slot to the first file that
// accepts it. Called when a peer leaves the hash-asker pool and after
// queue changes.
func (m *Manager) scanForHashes() {
	for _, d := range m.snapshot() {
		fd, ok := d.(*FileDownload)
		if !ok {
			continue
		}
		accepted := fd.RetrieveHashes()
		if fd.Status().IsError() {
			m.armRescanTimer()
		}
		if accepted {
			return
		}
	}
}

func (m *Manager) peerNoLongerAskingForHashes(Peer) {
	m.scanForHashes()
}

func (m *Manager) peerNoLongerDownloadingChunk(Peer) {
	m.ScanTheQueue()
}

// ScanTheQueue walks the queue in FIFO order and starts eligible chunk
// transfers while the global cap allows. A file whose head chunk is
// blocked is skipped so later entries progress.
func (m *Manager) ScanTheQueue() {
	for _, d := range m.snapshot() {
		fd, ok := d.(*FileDownload)
		if !ok {
			continue
		}

		// Drain this file while it yields startable chunks.
		for {
			m.mu.Lock()
			if m.closed || m.inFlight >= m.numberOfDownloaders {
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()

			cd := fd.GetAChunkToDownload()
			if fd.Status().IsError() {
				m.armRescanTimer()
			}
			if cd == nil {
				break
			}

			// Reserve a slot before launching so the cap is never
			// overshot by concurrent scans.
			m.mu.Lock()
			if m.inFlight >= m.numberOfDownloaders {
				m.mu.Unlock()
				return
			}
			m.inFlight++
			reserved := m.inFlight
			m.mu.Unlock()
			metrics.SetInFlightChunks(reserved)

			cd.SetFinishedHandler(m.chunkDownloadFinished)
			if !cd.StartDownloading() {
				m.mu.Lock()
				m.inFlight--
				reserved = m.inFlight
				m.mu.Unlock()
				metrics.SetInFlightChunks(reserved)
				break
			}
		}
	}
}

// chunkDownloadFinished runs when a transfer ends, strictly before the
// peer-freeing event, so the counter is already decremented when the
// freed peer triggers the next scan.
func (m *Manager) chunkDownloadFinished() {
	m.mu.Lock()
	m.inFlight--
	n := m.inFlight
	m.mu.Unlock()
	metrics.SetInFlightChunks(n)
}

// ScanTheQueueToRetrieveEntries asks the first idle directory download
// to fetch its listing. A single request runs at a time.
func (m *Manager) ScanTheQueueToRetrieveEntries() {
	m.mu.Lock()
	if m.retrievingEntries || m.closed {
		m.mu.Unlock()
		return
	}
	m.retrievingEntries = true
	snapshot := make([]Download, len(m.downloads))
	copy(snapshot, m.downloads)
	m.mu.Unlock()

	for _, d := range snapshot {
		if dd, ok := d.(*DirDownload); ok && dd.RetrieveEntries() {
			return
		}
	}

	m.mu.Lock()
	m.retrievingEntries = false
	m.mu.Unlock()
}

// armRescanTimer starts the single-shot error-rescan timer. Repeated
// arming while it runs is coalesced.
func (m *Manager) armRescanTimer() {
	m.mu.Lock()
	if m.timerArmed || m.closed {
		m.mu.Unlock()
		return
	}
	m.timerArmed = true
	m.mu.Unlock()

	time.AfterFunc(m.rescanPeriod, func() {
		m.mu.Lock()
		m.timerArmed = false
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		m.scanForHashes()
		m.ScanTheQueue()
		m.ScanTheQueueToRetrieveEntries()
	})
}

// Downloads returns a read-only snapshot of the queue for the UI.
func (m *Manager) Downloads() []Info {
	snapshot := m.snapshot()
	out := make([]Info, 0, len(snapshot))
	for _, d := range snapshot {
		info := Info{
			ID:           d.ID(),
			Entry:        d.Entry(),
			PeerSourceID: d.PeerSourceID(),
			Status:       d.Status(),
		}
		if fd, ok := d.(*FileDownload); ok {
			info.DownloadedBytes = fd.DownloadedBytes()
			info.DownloadRate = fd.DownloadRate()
		}
		out = append(out, info)
	}
	return out
}

// GetUnfinishedChunks aggregates up to n unfinished chunk workers in
// queue order.
func (m *Manager) GetUnfinishedChunks(n int) []*ChunkDownload {
	var out []*ChunkDownload
	for _, d := range m.snapshot() {
		if len(out) >= n {
			break
		}
		if fd, ok := d.(*FileDownload); ok {
			fd.GetUnfinishedChunks(&out, n)
		}
	}
	return out
}

// DownloadRate sums the rates of the files currently downloading.
func (m *Manager) DownloadRate() int64 {
	var total int64
	for _, d := range m.snapshot() {
		if fd, ok := d.(*FileDownload); ok {
			total += fd.DownloadRate()
		}
	}
	metrics.SetDownloadRate(total)
	return total
}

// PauseDownloads pauses or resumes the given records.
func (m *Manager) PauseDownloads(ids []uuid.UUID, paused bool) {
	wanted := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	for _, d := range m.snapshot() {
		if !wanted[d.ID()] {
			continue
		}
		if fd, ok := d.(*FileDownload); ok {
			fd.SetPaused(paused)
		}
	}
	if !paused {
		m.scanForHashes()
		m.ScanTheQueue()
	}
}

// CancelDownloads removes the given records from the queue. With
// removeCompletedOnly set, only completed ones are removed. In-flight
// transfers are interrupted at their next IO boundary; partial bytes
// stay on disk so a re-add resumes.
func (m *Manager) CancelDownloads(ids []uuid.UUID, removeCompletedOnly bool) {
	wanted := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	m.mu.Lock()
	var kept []Download
	var removed []Download
	for _, d := range m.downloads {
		if wanted[d.ID()] && (!removeCompletedOnly || d.Status() == StatusComplete) {
			removed = append(removed, d)
		} else {
			kept = append(kept, d)
		}
	}
	m.downloads = kept
	queueLen := len(kept)
	m.mu.Unlock()

	for _, d := range removed {
		if fd, ok := d.(*FileDownload); ok {
			fd.Abort()
		}
	}
	metrics.SetQueueLength(queueLen)
}

// RemoveCompleted drops every completed file download from the queue.
func (m *Manager) RemoveCompleted() {
	m.mu.Lock()
	var kept []Download
	for _, d := range m.downloads {
		if d.Status() != StatusComplete {
			kept = append(kept, d)
		}
	}
	m.downloads = kept
	queueLen := len(kept)
	m.mu.Unlock()
	metrics.SetQueueLength(queueLen)
}
