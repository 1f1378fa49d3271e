package download

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/p2p-filesharing/lanshare/pkg/hash"
	"github.com/p2p-filesharing/lanshare/pkg/protocol"
)

// QueueVersion guards the persisted queue format. A mismatch deletes
// the file and the queue starts empty.
const QueueVersion = 1

// FileQueueName is the file the queue is stored under inside the state
// directory.
const FileQueueName = "queue.json"

// QueueEntry is one persisted queue record.
type QueueEntry struct {
	Entry    protocol.Entry `json:"entry"`
	PeerID   hash.Hash      `json:"peer_id"`
	Complete bool           `json:"complete"`
}

type queueRecord struct {
	Version uint32       `json:"version"`
	Entries []QueueEntry `json:"entry"`
}

// SaveQueue persists the queue in order, with each record's peer source
// and completeness flag. The write is atomic.
func (m *Manager) SaveQueue() error {
	record := queueRecord{Version: QueueVersion}
	for _, d := range m.snapshot() {
		record.Entries = append(record.Entries, QueueEntry{
			Entry:    d.Entry(),
			PeerID:   d.PeerSourceID(),
			Complete: d.Status() == StatusComplete,
		})
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode queue: %w", err)
	}

	if err := os.MkdirAll(m.stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	target := filepath.Join(m.stateDir, FileQueueName)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write queue: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("failed to replace queue: %w", err)
	}

	m.env.logger.Debug("queue saved", zap.Int("entries", len(record.Entries)))
	return nil
}

// loadQueue replays the persisted queue through addDownload, keeping
// order, peer sources and completeness flags. Runs once the cache has
// loaded.
func (m *Manager) loadQueue() {
	target := filepath.Join(m.stateDir, FileQueueName)
	data, err := os.ReadFile(target)
	if err != nil {
		if !os.IsNotExist(err) {
			m.env.logger.Warn("cannot read queue file", zap.Error(err))
		}
		return
	}

	var record queueRecord
	if err := json.Unmarshal(data, &record); err != nil {
		m.env.logger.Error("corrupted queue file deleted", zap.Error(err))
		os.Remove(target)
		return
	}
	if record.Version != QueueVersion {
		m.env.logger.Error("queue file version mismatch, deleted",
			zap.Uint32("found", record.Version),
			zap.Uint32("expected", QueueVersion))
		os.Remove(target)
		return
	}

	for _, entry := range record.Entries {
		m.addDownload(entry.Entry, entry.PeerID, entry.Complete, -1)
	}

	m.env.logger.Info("queue restored", zap.Int("entries", len(record.Entries)))
}
