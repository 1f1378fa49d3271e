// Package cache implements the shared-directory forest: the in-memory
// tree mirroring the on-disk structure and carrying per-chunk hash
// state, plus its persisted hash index.
package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/p2p-filesharing/lanshare/pkg/chunker"
	"github.com/p2p-filesharing/lanshare/pkg/hash"
	"github.com/p2p-filesharing/lanshare/pkg/protocol"
)

var (
	// ErrEntryNotFound is returned when a path does not resolve.
	ErrEntryNotFound = errors.New("entry not found in cache")

	// ErrNoWritableShare is returned when no shared directory can
	// receive a download.
	ErrNoWritableShare = errors.New("no shared directory to write to")

	// ErrNotEnoughSpace is returned when the disk reservation fails.
	ErrNotEnoughSpace = errors.New("not enough free space")
)

// Cache owns the forest of shared directories. There is deliberately no
// cache-wide tree lock: the mutex below only guards the root list, and
// all tree consistency comes from per-directory locks taken
// parent-first.
type Cache struct {
	logger           *zap.Logger
	chunker          *chunker.Chunker
	unfinishedSuffix string
	freeSpace        func(path string) (int64, error)

	mu     sync.RWMutex
	shares []*SharedDirectory

	loadedOnce sync.Once
	loaded     chan struct{}
}

// New creates an empty cache.
func New(chunkSize int64, unfinishedSuffix string, logger *zap.Logger) *Cache {
	return &Cache{
		logger:           logger,
		chunker:          chunker.New(chunkSize),
		unfinishedSuffix: unfinishedSuffix,
		freeSpace:        diskFreeSpace,
		loaded:           make(chan struct{}),
	}
}

// SetFreeSpaceFunc replaces the disk free-space probe, for tests.
func (c *Cache) SetFreeSpaceFunc(fn func(path string) (int64, error)) {
	c.freeSpace = fn
}

// ChunkSize returns the process-wide chunk size.
func (c *Cache) ChunkSize() int64 {
	return c.chunker.ChunkSize
}

// Loaded is closed once the persisted hash index has been applied (or
// found absent). The download queue is only replayed after that.
func (c *Cache) Loaded() <-chan struct{} {
	return c.loaded
}

// SignalLoaded marks the cache as loaded.
func (c *Cache) SignalLoaded() {
	c.loadedOnce.Do(func() { close(c.loaded) })
}

// AddSharedDirectory registers a shared root and scans its current
// content into the tree. The stored path always ends with the
// separator; the id is derived from the cleaned path so it is stable
// across restarts.
func (c *Cache) AddSharedDirectory(path string, readOnly bool) (*SharedDirectory, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("shared directory unavailable: %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("shared directory %s is not a directory", abs)
	}

	sharePath := abs
	if !strings.HasSuffix(sharePath, string(os.PathSeparator)) {
		sharePath += string(os.PathSeparator)
	}

	share := &SharedDirectory{
		id:       hash.Compute([]byte(abs)),
		path:     sharePath,
		readOnly: readOnly,
	}
	share.Directory.share = share
	share.cache = c

	c.mu.Lock()
	for _, existing := range c.shares {
		if existing.path == sharePath {
			c.mu.Unlock()
			return existing, nil
		}
	}
	c.shares = append(c.shares, share)
	c.mu.Unlock()

	c.scanDirectory(&share.Directory)

	c.logger.Info("shared directory added",
		zap.String("path", sharePath),
		zap.Bool("read_only", readOnly),
		zap.Int64("size", share.Size()))
	return share, nil
}

// scanDirectory walks the on-disk content of dir into the tree. This is
// the one-shot discovery pass; continuous watching belongs to the
// file-system surveillance layer.
func (c *Cache) scanDirectory(dir *Directory) {
	entries, err := os.ReadDir(dir.FullPath())
	if err != nil {
		c.logger.Warn("failed to scan directory", zap.String("path", dir.FullPath()), zap.Error(err))
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			sub, err := dir.CreateSubDirectory(entry.Name(), false)
			if err == nil {
				c.scanDirectory(sub)
			}
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		name := entry.Name()
		unfinished := false
		if strings.HasSuffix(name, c.unfinishedSuffix) {
			name = strings.TrimSuffix(name, c.unfinishedSuffix)
			unfinished = true
		}
		if dir.File(name) != nil {
			continue
		}
		c.NewFile(dir, name, info.Size(), info.ModTime().UnixMilli(), unfinished)
	}
}

// SharedDirs returns a snapshot of the shared roots.
func (c *Cache) SharedDirs() []*SharedDirectory {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*SharedDirectory, len(c.shares))
	copy(out, c.shares)
	return out
}

// shareFor resolves the share an entry refers to: by id when given,
// otherwise nil.
func (c *Cache) shareFor(id hash.Hash) *SharedDirectory {
	if id.IsNull() {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, share := range c.shares {
		if share.id == id {
			return share
		}
	}
	return nil
}

// resolveDir walks an entry path ("/a/b/") from the share root,
// optionally creating missing directories (physically when create is
// set). Locks are taken one directory at a time going down.
func (c *Cache) resolveDir(share *SharedDirectory, path string, create bool) (*Directory, error) {
	dir := &share.Directory
	for _, segment := range strings.Split(strings.Trim(path, "/"), "/") {
		if segment == "" {
			continue
		}
		next := dir.SubDir(segment)
		if next == nil {
			if !create {
				return nil, ErrEntryNotFound
			}
			var err error
			next, err = dir.CreateSubDirectory(segment, true)
			if err != nil {
				return nil, err
			}
		}
		dir = next
	}
	return dir, nil
}

// GetFile resolves an entry to its cache file. When the entry names a
// known share only that share is searched; otherwise every share is.
func (c *Cache) GetFile(e protocol.Entry) *File {
	shares := c.SharedDirs()
	if share := c.shareFor(e.SharedDirID); share != nil {
		shares = []*SharedDirectory{share}
	}
	for _, share := range shares {
		dir, err := c.resolveDir(share, e.Path, false)
		if err != nil {
			continue
		}
		if f := dir.File(e.Name); f != nil && f.Size() == e.Size {
			return f
		}
	}
	return nil
}

// FileForDownload finds or creates the cache file backing a download.
// An existing file (a resumed download) is returned as-is. Creation
// picks the entry's share when writable, or the first writable share,
// reserves disk space, and allocates the chunk slots.
func (c *Cache) FileForDownload(e protocol.Entry) (*File, error) {
	if f := c.GetFile(e); f != nil {
		return f, nil
	}

	var target *SharedDirectory
	if share := c.shareFor(e.SharedDirID); share != nil && !share.isReadOnly() {
		target = share
	} else {
		for _, share := range c.SharedDirs() {
			if !share.isReadOnly() {
				target = share
				break
			}
		}
	}
	if target == nil {
		return nil, ErrNoWritableShare
	}

	free, err := c.freeSpace(target.SharePath())
	if err != nil {
		c.logger.Warn("free-space probe failed", zap.String("path", target.SharePath()), zap.Error(err))
	} else if free < e.Size {
		return nil, fmt.Errorf("%w: %d bytes needed, %d available", ErrNotEnoughSpace, e.Size, free)
	}

	dir, err := c.resolveDir(target, e.Path, true)
	if err != nil {
		return nil, err
	}
	return c.NewFile(dir, e.Name, e.Size, 0, true), nil
}

// RemoveIncompleteFiles deletes, in every share, files that are neither
// complete nor fully hashed.
func (c *Cache) RemoveIncompleteFiles() {
	for _, share := range c.SharedDirs() {
		share.removeIncompleteFiles()
	}
}

// SetSharedDirsReadOnly flips the writable flag of every share. Each
// share takes only its own lock, so the call cannot deadlock against a
// concurrent scan; blocked downloads pick the change up at the next
// rescan.
func (c *Cache) SetSharedDirsReadOnly(readOnly bool) {
	for _, share := range c.SharedDirs() {
		share.SetReadOnly(readOnly)
	}
}
