package cache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/p2p-filesharing/lanshare/pkg/hash"
)

var (
	// ErrHashMismatch is returned when a completed chunk's digest does
	// not equal its stored hash. The chunk's progress is reset.
	ErrHashMismatch = errors.New("chunk hash mismatch")

	// ErrChunkBusy is returned when a writer is requested for a chunk
	// that already has one open.
	ErrChunkBusy = errors.New("chunk already has an open writer")

	// ErrNoHash is returned when a writer is requested for a chunk
	// whose hash is not known yet.
	ErrNoHash = errors.New("chunk hash not known")

	// ErrChunkFull is returned on writes past the end of a chunk.
	ErrChunkFull = errors.New("write past the end of the chunk")
)

// File is a leaf of the cache tree. Its chunk slots carry the per-chunk
// hash and resume state; the physical file carries the unfinished
// suffix until every chunk is complete and verified.
type File struct {
	dir  *Directory
	name string // final name, without the unfinished suffix

	mu         sync.Mutex
	size       int64
	mtimeMS    int64
	chunks     []*Chunk
	unfinished bool
}

// Chunk is one fixed-size slot of a file.
type Chunk struct {
	file  *File
	index int

	mu         sync.Mutex
	knownBytes int64
	hash       hash.Hash
	hasHash    bool
	complete   bool
	writing    bool
}

// NewFile creates a file entry under dir with the given expected size
// and last-modified time (ms since epoch), allocating its chunk slots.
// unfinished marks a file whose physical counterpart carries the
// suffix.
func (c *Cache) NewFile(dir *Directory, name string, size, mtimeMS int64, unfinished bool) *File {
	f := &File{
		dir:        dir,
		name:       name,
		size:       size,
		mtimeMS:    mtimeMS,
		unfinished: unfinished,
	}
	count := c.chunker.Count(size)
	f.chunks = make([]*Chunk, count)
	for i := range f.chunks {
		f.chunks[i] = &Chunk{file: f, index: i}
	}
	dir.addFile(f)
	return f
}

// Name returns the final file name, without the unfinished suffix.
func (f *File) Name() string { return f.name }

// Dir returns the owning directory.
func (f *File) Dir() *Directory { return f.dir }

// Size returns the expected size in bytes.
func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

// MTime returns the last-modified time in ms since epoch.
func (f *File) MTime() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mtimeMS
}

// NumChunks returns the number of chunk slots.
func (f *File) NumChunks() int {
	return len(f.chunks)
}

// Chunk returns the slot at index, nil when out of range.
func (f *File) Chunk(index int) *Chunk {
	if index < 0 || index >= len(f.chunks) {
		return nil
	}
	return f.chunks[index]
}

// Chunks returns all chunk slots in order.
func (f *File) Chunks() []*Chunk {
	return f.chunks
}

// HasAllHashes reports whether every chunk slot has a hash, regardless
// of completion.
func (f *File) HasAllHashes() bool {
	for _, c := range f.chunks {
		if !c.HasHash() {
			return false
		}
	}
	return true
}

// HasOneOrMoreHashes reports whether at least one chunk has its hash.
// Only such files are persisted in the hash index.
func (f *File) HasOneOrMoreHashes() bool {
	for _, c := range f.chunks {
		if c.HasHash() {
			return true
		}
	}
	return false
}

// IsComplete reports whether every chunk is written in full and
// verified against its hash.
func (f *File) IsComplete() bool {
	for _, c := range f.chunks {
		if !c.IsComplete() {
			return false
		}
	}
	return true
}

// FullPath returns the absolute path of the physical file, including
// the unfinished suffix while the download is not complete.
func (f *File) FullPath() string {
	f.mu.Lock()
	unfinished := f.unfinished
	f.mu.Unlock()

	path := f.dir.FullPath() + string(os.PathSeparator) + f.name
	if unfinished {
		path += f.cache().unfinishedSuffix
	}
	return path
}

func (f *File) cache() *Cache {
	return f.dir.share.cache
}

// Remove physically deletes the file and detaches it from the tree.
func (f *File) Remove() {
	path := f.FullPath()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		f.cache().logger.Warn("failed to remove file", zap.String("path", path), zap.Error(err))
	}
	f.dir.fileDeleted(f)
}

// resize adjusts the expected size and chunk slot count, propagating
// the size delta up the tree. Used when a restored unfinished file's
// scanned (partial) size is replaced by its persisted expected size.
func (f *File) resize(size int64) {
	f.mu.Lock()
	delta := size - f.size
	f.size = size
	count := f.cache().chunker.Count(size)
	for len(f.chunks) < count {
		f.chunks = append(f.chunks, &Chunk{file: f, index: len(f.chunks)})
	}
	f.chunks = f.chunks[:count]
	f.mu.Unlock()

	if delta != 0 {
		f.dir.addSize(delta)
	}
}

// setMTime refreshes the cached mtime from disk.
func (f *File) setMTime() {
	info, err := os.Stat(f.FullPath())
	if err != nil {
		return
	}
	f.mu.Lock()
	f.mtimeMS = info.ModTime().UnixMilli()
	f.mu.Unlock()
}

// onChunkComplete strips the unfinished suffix once the last chunk is
// verified.
func (f *File) onChunkComplete() {
	if !f.IsComplete() {
		return
	}

	f.mu.Lock()
	if !f.unfinished {
		f.mu.Unlock()
		return
	}
	unfinishedPath := f.dir.FullPath() + string(os.PathSeparator) + f.name + f.cache().unfinishedSuffix
	finalPath := f.dir.FullPath() + string(os.PathSeparator) + f.name
	f.unfinished = false
	f.mu.Unlock()

	if err := os.Rename(unfinishedPath, finalPath); err != nil {
		f.cache().logger.Error("failed to rename finished file",
			zap.String("path", unfinishedPath), zap.Error(err))
		return
	}
	f.setMTime()
}

// Index returns the chunk's position in the file.
func (c *Chunk) Index() int { return c.index }

// File returns the owning file.
func (c *Chunk) File() *File { return c.file }

// Len returns the expected chunk length; the last chunk may be short.
func (c *Chunk) Len() int64 {
	return c.file.cache().chunker.Len(c.index, c.file.size)
}

// Offset returns the chunk's byte offset in the file.
func (c *Chunk) Offset() int64 {
	return c.file.cache().chunker.Offset(c.index)
}

// KnownBytes returns how many bytes of the chunk are on disk.
func (c *Chunk) KnownBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.knownBytes
}

// Hash returns the chunk's stored hash and whether one is known.
func (c *Chunk) Hash() (hash.Hash, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hash, c.hasHash
}

// HasHash reports whether the hash is known.
func (c *Chunk) HasHash() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasHash
}

// IsComplete reports whether the chunk is fully written and verified.
func (c *Chunk) IsComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.complete
}

// SetHash stores the chunk's hash. A different hash for a chunk that
// already had one invalidates its progress.
func (c *Chunk) SetHash(h hash.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasHash && c.hash != h {
		c.knownBytes = 0
		c.complete = false
	}
	c.hash = h
	c.hasHash = true
}

// restore adopts persisted state; only called while rebuilding the tree.
func (c *Chunk) restore(knownBytes int64, h hash.Hash, hasHash bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.knownBytes = knownBytes
	c.hash = h
	c.hasHash = hasHash
	c.complete = hasHash && knownBytes == c.file.cache().chunker.Len(c.index, c.file.size)
}

// Writer opens a verifying writer resuming at KnownBytes. The rolling
// digest is primed with the bytes already on disk so the final digest
// covers the whole chunk.
func (c *Chunk) Writer() (*ChunkWriter, error) {
	c.mu.Lock()
	if !c.hasHash {
		c.mu.Unlock()
		return nil, ErrNoHash
	}
	if c.writing {
		c.mu.Unlock()
		return nil, ErrChunkBusy
	}
	c.writing = true
	resume := c.knownBytes
	expected := c.hash
	c.mu.Unlock()

	w, err := newChunkWriter(c, resume, expected)
	if err != nil {
		c.mu.Lock()
		c.writing = false
		c.mu.Unlock()
		return nil, err
	}
	return w, nil
}

// ChunkWriter writes a chunk's bytes through the cache, feeding a
// rolling digest. Close verifies the digest when the chunk is full.
type ChunkWriter struct {
	chunk    *Chunk
	f        *os.File
	digest   *hash.Digest
	expected hash.Hash
	written  int64
	length   int64
	closed   bool
}

func newChunkWriter(c *Chunk, resume int64, expected hash.Hash) (*ChunkWriter, error) {
	path := c.file.FullPath()
	if err := os.MkdirAll(c.file.dir.FullPath(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	w := &ChunkWriter{
		chunk:    c,
		f:        f,
		digest:   hash.NewDigest(),
		expected: expected,
		written:  resume,
		length:   c.Len(),
	}

	// Prime the digest with the bytes already on disk.
	if resume > 0 {
		if _, err := f.Seek(c.Offset(), io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
		if _, err := io.CopyN(w.digest, f, resume); err != nil {
			// The resume marker points past the file's end; restart
			// the chunk from scratch.
			w.written = 0
			w.digest.Reset()
			c.mu.Lock()
			c.knownBytes = 0
			c.mu.Unlock()
		}
	}
	return w, nil
}

// Write implements io.Writer.
func (w *ChunkWriter) Write(p []byte) (int, error) {
	if w.written+int64(len(p)) > w.length {
		return 0, ErrChunkFull
	}
	n, err := w.f.WriteAt(p, w.chunk.Offset()+w.written)
	if n > 0 {
		w.digest.Write(p[:n])
		w.written += int64(n)
		w.chunk.mu.Lock()
		w.chunk.knownBytes = w.written
		w.chunk.mu.Unlock()
	}
	if err != nil {
		return n, fmt.Errorf("chunk write failed: %w", err)
	}
	return n, nil
}

// Written returns the number of bytes of the chunk now on disk.
func (w *ChunkWriter) Written() int64 { return w.written }

// Close releases the writer. If the chunk is fully written, the rolling
// digest is compared with the stored hash: a match marks the chunk
// complete, a mismatch resets the chunk to zero known bytes and returns
// ErrHashMismatch. A partial chunk keeps its progress for a later
// resume.
func (w *ChunkWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	closeErr := w.f.Close()

	c := w.chunk
	c.mu.Lock()

	if w.written < w.length {
		c.writing = false
		c.mu.Unlock()
		return closeErr
	}

	if w.digest.Sum() != w.expected {
		c.knownBytes = 0
		c.complete = false
		c.writing = false
		c.mu.Unlock()
		return ErrHashMismatch
	}

	c.complete = true
	c.writing = false
	c.mu.Unlock()

	// Takes other locks; must run outside ours.
	c.file.onChunkComplete()
	return closeErr
}
