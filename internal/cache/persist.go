package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/p2p-filesharing/lanshare/pkg/hash"
)

// HashIndexVersion guards the persisted hash index format. A mismatch
// discards the whole index.
const HashIndexVersion = 1

// FileCacheName is the file the hash index is stored under inside the
// state directory.
const FileCacheName = "file_cache.json"

// Persisted hash index records.

type hashesRecord struct {
	Version    uint32        `json:"version"`
	ChunkSize  int64         `json:"chunk_size"`
	SharedDirs []hashesShare `json:"shared_dir"`
}

type hashesShare struct {
	ID   hash.Hash `json:"id"`
	Path string    `json:"path"`
	Root hashesDir `json:"root"`
}

type hashesDir struct {
	Name  string       `json:"name"`
	Files []hashesFile `json:"file,omitempty"`
	Dirs  []hashesDir  `json:"dir,omitempty"`
}

type hashesFile struct {
	Filename           string        `json:"filename"`
	Size               int64         `json:"size"`
	DateLastModifiedMS int64         `json:"date_last_modified_ms"`
	Chunks             []hashesChunk `json:"chunk"`
}

type hashesChunk struct {
	KnownBytes int64      `json:"known_bytes"`
	Hash       *hash.Hash `json:"hash,omitempty"`
}

// SaveHashIndex walks the live cache and writes the hash index under
// dir. Only files with at least one chunk hash are emitted. The write
// is atomic: a temp file is renamed over the target.
func (c *Cache) SaveHashIndex(dir string) error {
	record := hashesRecord{
		Version:   HashIndexVersion,
		ChunkSize: c.chunker.ChunkSize,
	}
	for _, share := range c.SharedDirs() {
		record.SharedDirs = append(record.SharedDirs, hashesShare{
			ID:   share.ID(),
			Path: share.SharePath(),
			Root: populateHashesDir(&share.Directory),
		})
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode hash index: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	target := filepath.Join(dir, FileCacheName)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write hash index: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("failed to replace hash index: %w", err)
	}

	c.logger.Debug("hash index saved", zap.String("path", target))
	return nil
}

func populateHashesDir(d *Directory) hashesDir {
	out := hashesDir{Name: d.Name()}

	for _, f := range d.Files() {
		if !f.HasOneOrMoreHashes() {
			continue
		}
		pf := hashesFile{
			Filename:           f.Name(),
			Size:               f.Size(),
			DateLastModifiedMS: f.MTime(),
		}
		for _, chunk := range f.Chunks() {
			pc := hashesChunk{KnownBytes: chunk.KnownBytes()}
			if h, ok := chunk.Hash(); ok {
				hCopy := h
				pc.Hash = &hCopy
			}
			pf.Chunks = append(pf.Chunks, pc)
		}
		out.Files = append(out.Files, pf)
	}

	for _, sub := range d.SubDirs() {
		out.Dirs = append(out.Dirs, populateHashesDir(sub))
	}
	return out
}

// LoadHashIndex reads the persisted hash index from dir and reconciles
// it with the live tree. A version or chunk-size mismatch discards the
// whole index. Hashes are adopted only where the live file still has
// the persisted size and mtime. Unfinished files left without all
// their hashes are physically removed afterwards.
func (c *Cache) LoadHashIndex(dir string) error {
	defer c.SignalLoaded()

	// Unfinished files the index knows nothing about cannot be resumed
	// and are physically removed, whatever the index's fate.
	defer c.removeUnknownUnfinishedFiles()

	target := filepath.Join(dir, FileCacheName)
	data, err := os.ReadFile(target)
	if err != nil {
		if os.IsNotExist(err) {
			c.logger.Info("no hash index on disk, starting empty")
			return nil
		}
		return fmt.Errorf("failed to read hash index: %w", err)
	}

	var record hashesRecord
	if err := json.Unmarshal(data, &record); err != nil {
		c.logger.Error("corrupted hash index discarded", zap.Error(err))
		os.Remove(target)
		return nil
	}

	if record.Version != HashIndexVersion {
		c.logger.Error("hash index version mismatch, discarding",
			zap.Uint32("found", record.Version),
			zap.Uint32("expected", HashIndexVersion))
		os.Remove(target)
		return nil
	}
	if record.ChunkSize != c.chunker.ChunkSize {
		c.logger.Error("hash index chunk size mismatch, discarding",
			zap.Int64("found", record.ChunkSize),
			zap.Int64("expected", c.chunker.ChunkSize))
		os.Remove(target)
		return nil
	}

	for _, persistedShare := range record.SharedDirs {
		for _, share := range c.SharedDirs() {
			if share.ID() == persistedShare.ID || share.SharePath() == persistedShare.Path {
				restoreDir(&share.Directory, persistedShare.Root)
			}
		}
	}

	c.logger.Info("hash index loaded", zap.String("path", target))
	return nil
}

// restoreDir walks the persisted tree in parallel with the live one,
// adopting chunk state where names match and metadata still agrees.
func restoreDir(live *Directory, persisted hashesDir) {
	for _, pf := range persisted.Files {
		f := live.File(pf.Filename)
		if f == nil {
			continue
		}
		// A size or mtime change means the file was modified outside
		// our control; its hashes are stale. Unfinished files are
		// mutated by the downloader itself: the scan saw their partial
		// on-disk size, so the persisted expected size is adopted
		// instead and only the chunk resume markers are checked
		// against disk later, when a writer primes its digest.
		f.mu.Lock()
		unfinished := f.unfinished
		f.mu.Unlock()
		if unfinished {
			f.resize(pf.Size)
			f.mu.Lock()
			f.mtimeMS = pf.DateLastModifiedMS
			f.mu.Unlock()
		} else if f.Size() != pf.Size || f.MTime() != pf.DateLastModifiedMS {
			continue
		}
		if len(pf.Chunks) != f.NumChunks() {
			continue
		}
		for i, pc := range pf.Chunks {
			var h hash.Hash
			hasHash := pc.Hash != nil
			if hasHash {
				h = *pc.Hash
			}
			f.Chunk(i).restore(pc.KnownBytes, h, hasHash)
		}
	}

	for _, pd := range persisted.Dirs {
		if sub := live.SubDir(pd.Name); sub != nil {
			restoreDir(sub, pd)
		}
	}
}

// removeUnknownUnfinishedFiles physically deletes files that carry the
// unfinished suffix but lack their hashes: without hashes nothing can
// be verified or resumed.
func (c *Cache) removeUnknownUnfinishedFiles() {
	for _, share := range c.SharedDirs() {
		removeUnknownUnfinished(&share.Directory)
	}
}

func removeUnknownUnfinished(d *Directory) {
	for _, f := range d.Files() {
		f.mu.Lock()
		unfinished := f.unfinished
		f.mu.Unlock()
		if unfinished && !f.HasAllHashes() {
			f.Remove()
		}
	}
	for _, sub := range d.SubDirs() {
		removeUnknownUnfinished(sub)
	}
}
