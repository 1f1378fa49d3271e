package cache

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/p2p-filesharing/lanshare/pkg/hash"
	"github.com/p2p-filesharing/lanshare/pkg/logger"
	"github.com/p2p-filesharing/lanshare/pkg/protocol"
)

const testChunkSize = 16 * 1024

// newTestCache returns a cache over one writable share rooted in a temp
// directory.
func newTestCache(t *testing.T) (*Cache, *SharedDirectory) {
	t.Helper()
	c := New(testChunkSize, ".unfinished", logger.Nop())
	share, err := c.AddSharedDirectory(t.TempDir(), false)
	if err != nil {
		t.Fatalf("AddSharedDirectory failed: %v", err)
	}
	return c, share
}

// checkSizes verifies that every directory's aggregate size equals the
// sum of its children.
func checkSizes(t *testing.T, d *Directory) int64 {
	t.Helper()
	var sum int64
	for _, f := range d.Files() {
		sum += f.Size()
	}
	for _, sub := range d.SubDirs() {
		sum += checkSizes(t, sub)
	}
	if got := d.Size(); got != sum {
		t.Errorf("directory %s size = %d, children sum to %d", d.Path(), got, sum)
	}
	return sum
}

func TestSizeAggregation(t *testing.T) {
	c, share := newTestCache(t)

	sub, err := share.CreateSubDirectory("music", false)
	if err != nil {
		t.Fatalf("CreateSubDirectory failed: %v", err)
	}
	deep, err := sub.CreateSubDirectory("albums", false)
	if err != nil {
		t.Fatalf("CreateSubDirectory failed: %v", err)
	}

	c.NewFile(sub, "a.ogg", 1000, 0, true)
	f := c.NewFile(deep, "b.ogg", 500, 0, true)

	if share.Size() != 1500 {
		t.Errorf("root size = %d, expected 1500", share.Size())
	}
	checkSizes(t, &share.Directory)

	f.Remove()
	if share.Size() != 1000 {
		t.Errorf("root size after removal = %d, expected 1000", share.Size())
	}
	checkSizes(t, &share.Directory)
}

func TestScanPicksUpExistingContent(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "docs"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "docs", "readme.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "part.bin.unfinished"), []byte("xx"), 0644); err != nil {
		t.Fatal(err)
	}

	c := New(testChunkSize, ".unfinished", logger.Nop())
	share, err := c.AddSharedDirectory(dir, false)
	if err != nil {
		t.Fatalf("AddSharedDirectory failed: %v", err)
	}

	docs := share.SubDir("docs")
	if docs == nil {
		t.Fatal("docs directory not scanned")
	}
	if docs.File("readme.txt") == nil {
		t.Error("readme.txt not scanned")
	}

	// The suffix is stripped from the logical name.
	part := share.File("part.bin")
	if part == nil {
		t.Fatal("unfinished file not scanned")
	}
	if part.FullPath() != filepath.Join(dir, "part.bin.unfinished") {
		t.Errorf("unfinished path = %s", part.FullPath())
	}
}

func TestGetFileByEntry(t *testing.T) {
	c, share := newTestCache(t)
	sub, _ := share.CreateSubDirectory("a", false)
	f := c.NewFile(sub, "x.bin", 42, 0, true)

	got := c.GetFile(protocol.Entry{Type: protocol.EntryFile, Path: "/a/", Name: "x.bin", Size: 42})
	if got != f {
		t.Error("GetFile did not resolve the entry")
	}

	if c.GetFile(protocol.Entry{Type: protocol.EntryFile, Path: "/a/", Name: "x.bin", Size: 43}) != nil {
		t.Error("GetFile should not match a different size")
	}
	if c.GetFile(protocol.Entry{Type: protocol.EntryFile, Path: "/b/", Name: "x.bin", Size: 42}) != nil {
		t.Error("GetFile should not match a different path")
	}
}

func TestStealContent(t *testing.T) {
	c, share := newTestCache(t)
	src, _ := share.CreateSubDirectory("old", false)
	dst, _ := share.CreateSubDirectory("new", false)
	srcSub, _ := src.CreateSubDirectory("inner", false)
	c.NewFile(src, "f1", 100, 0, true)
	c.NewFile(srcSub, "f2", 50, 0, true)

	dst.StealContent(src)

	if src.Size() != 0 || !src.IsEmpty() {
		t.Errorf("source should be empty, size = %d", src.Size())
	}
	if dst.Size() != 150 {
		t.Errorf("destination size = %d, expected 150", dst.Size())
	}
	if dst.SubDir("inner") == nil || dst.File("f1") == nil {
		t.Error("children were not moved")
	}
	if dst.SubDir("inner").Parent() != dst {
		t.Error("moved directory has a stale parent pointer")
	}
	checkSizes(t, &share.Directory)
}

func TestIsAChildOf(t *testing.T) {
	_, share := newTestCache(t)
	a, _ := share.CreateSubDirectory("a", false)
	b, _ := a.CreateSubDirectory("b", false)
	other, _ := share.CreateSubDirectory("other", false)

	if !b.IsAChildOf(a) || !b.IsAChildOf(&share.Directory) {
		t.Error("b should be a child of a and of the root")
	}
	if b.IsAChildOf(other) || a.IsAChildOf(b) {
		t.Error("unrelated or inverted ancestry reported")
	}
}

func TestDirIteratorBreadthFirst(t *testing.T) {
	_, share := newTestCache(t)
	a, _ := share.CreateSubDirectory("a", false)
	b, _ := share.CreateSubDirectory("b", false)
	a1, _ := a.CreateSubDirectory("a1", false)
	b1, _ := b.CreateSubDirectory("b1", false)

	var order []*Directory
	it := NewDirIterator(&share.Directory)
	for d := it.Next(); d != nil; d = it.Next() {
		order = append(order, d)
	}

	want := []*Directory{a, b, a1, b1}
	if len(order) != len(want) {
		t.Fatalf("iterator yielded %d directories, expected %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, order[i].Name(), want[i].Name())
		}
	}
}

func writeChunk(t *testing.T, chunk *Chunk, data []byte) error {
	t.Helper()
	w, err := chunk.Writer()
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func TestChunkWriterVerifies(t *testing.T) {
	c, share := newTestCache(t)

	content := bytes.Repeat([]byte{0xAB}, testChunkSize)
	tail := []byte("short last chunk")
	f := c.NewFile(&share.Directory, "data.bin", int64(testChunkSize+len(tail)), 0, true)

	f.Chunk(0).SetHash(hash.Compute(content))
	f.Chunk(1).SetHash(hash.Compute(tail))

	if err := writeChunk(t, f.Chunk(0), content); err != nil {
		t.Fatalf("chunk 0 write failed: %v", err)
	}
	if !f.Chunk(0).IsComplete() {
		t.Error("chunk 0 should be complete")
	}
	if f.IsComplete() {
		t.Error("file should not be complete yet")
	}

	if err := writeChunk(t, f.Chunk(1), tail); err != nil {
		t.Fatalf("chunk 1 write failed: %v", err)
	}
	if !f.IsComplete() {
		t.Fatal("file should be complete")
	}

	// The unfinished suffix must be gone.
	final := filepath.Join(share.SharePath(), "data.bin")
	if _, err := os.Stat(final); err != nil {
		t.Errorf("final file missing: %v", err)
	}
	stored, _ := os.ReadFile(final)
	if !bytes.Equal(stored[:testChunkSize], content) || !bytes.Equal(stored[testChunkSize:], tail) {
		t.Error("stored bytes differ from written bytes")
	}
}

func TestChunkWriterHashMismatchResets(t *testing.T) {
	c, share := newTestCache(t)
	f := c.NewFile(&share.Directory, "bad.bin", 8, 0, true)
	f.Chunk(0).SetHash(hash.Compute([]byte("expected")))

	err := writeChunk(t, f.Chunk(0), []byte("garbage!"))
	if !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
	if f.Chunk(0).KnownBytes() != 0 {
		t.Error("known bytes should reset to 0 on mismatch")
	}
	if f.Chunk(0).IsComplete() {
		t.Error("chunk must not be complete after a mismatch")
	}
}

func TestChunkWriterResume(t *testing.T) {
	c, share := newTestCache(t)
	data := []byte("0123456789")
	f := c.NewFile(&share.Directory, "resume.bin", int64(len(data)), 0, true)
	f.Chunk(0).SetHash(hash.Compute(data))

	// First half.
	w, err := f.Chunk(0).Writer()
	if err != nil {
		t.Fatalf("Writer failed: %v", err)
	}
	if _, err := w.Write(data[:4]); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if f.Chunk(0).KnownBytes() != 4 {
		t.Fatalf("KnownBytes = %d, expected 4", f.Chunk(0).KnownBytes())
	}

	// Second half resumes and verifies the whole chunk.
	w, err = f.Chunk(0).Writer()
	if err != nil {
		t.Fatalf("Writer failed: %v", err)
	}
	if _, err := w.Write(data[4:]); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !f.Chunk(0).IsComplete() {
		t.Error("chunk should be complete after the resumed write")
	}
}

func TestChunkWriterExclusive(t *testing.T) {
	c, share := newTestCache(t)
	f := c.NewFile(&share.Directory, "x.bin", 4, 0, true)
	f.Chunk(0).SetHash(hash.Compute([]byte("abcd")))

	w, err := f.Chunk(0).Writer()
	if err != nil {
		t.Fatalf("Writer failed: %v", err)
	}
	defer w.Close()

	if _, err := f.Chunk(0).Writer(); !errors.Is(err, ErrChunkBusy) {
		t.Errorf("second writer should fail with ErrChunkBusy, got %v", err)
	}
}

func TestFileForDownloadErrors(t *testing.T) {
	c := New(testChunkSize, ".unfinished", logger.Nop())
	entry := protocol.Entry{Type: protocol.EntryFile, Path: "/", Name: "f", Size: 10}

	if _, err := c.FileForDownload(entry); !errors.Is(err, ErrNoWritableShare) {
		t.Errorf("expected ErrNoWritableShare, got %v", err)
	}

	if _, err := c.AddSharedDirectory(t.TempDir(), true); err != nil {
		t.Fatal(err)
	}
	if _, err := c.FileForDownload(entry); !errors.Is(err, ErrNoWritableShare) {
		t.Errorf("read-only share should not accept downloads, got %v", err)
	}

	share, err := c.AddSharedDirectory(t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	c.SetFreeSpaceFunc(func(string) (int64, error) { return 5, nil })
	if _, err := c.FileForDownload(entry); !errors.Is(err, ErrNotEnoughSpace) {
		t.Errorf("expected ErrNotEnoughSpace, got %v", err)
	}

	c.SetFreeSpaceFunc(func(string) (int64, error) { return 1 << 40, nil })
	f, err := c.FileForDownload(entry)
	if err != nil {
		t.Fatalf("FileForDownload failed: %v", err)
	}
	if f.Dir() != &share.Directory || f.NumChunks() != 1 {
		t.Error("file created in the wrong place or with wrong chunk count")
	}
}

func TestSetSharedDirsReadOnly(t *testing.T) {
	c := New(testChunkSize, ".unfinished", logger.Nop())
	share, err := c.AddSharedDirectory(t.TempDir(), true)
	if err != nil {
		t.Fatal(err)
	}
	if !share.ReadOnly() {
		t.Fatal("share should start read-only")
	}

	entry := protocol.Entry{Type: protocol.EntryFile, Path: "/", Name: "f", Size: 10}
	if _, err := c.FileForDownload(entry); !errors.Is(err, ErrNoWritableShare) {
		t.Fatalf("read-only share should refuse downloads, got %v", err)
	}

	c.SetSharedDirsReadOnly(false)
	if share.ReadOnly() {
		t.Error("share should be writable after the flip")
	}
	if _, err := c.FileForDownload(entry); err != nil {
		t.Errorf("writable share should accept downloads, got %v", err)
	}
}

func TestRemoveIncompleteFiles(t *testing.T) {
	c, share := newTestCache(t)

	data := []byte("know it all")
	hashed := c.NewFile(&share.Directory, "hashed.bin", int64(len(data)), 0, true)
	hashed.Chunk(0).SetHash(hash.Compute(data))

	orphan := c.NewFile(&share.Directory, "orphan.bin", 128, 0, true)
	if err := os.WriteFile(orphan.FullPath(), make([]byte, 16), 0644); err != nil {
		t.Fatal(err)
	}

	c.RemoveIncompleteFiles()

	if share.File("hashed.bin") == nil {
		t.Error("fully hashed file should survive")
	}
	if share.File("orphan.bin") != nil {
		t.Error("unhashed incomplete file should be removed from the tree")
	}
	if _, err := os.Stat(filepath.Join(share.SharePath(), "orphan.bin.unfinished")); !os.IsNotExist(err) {
		t.Error("unhashed incomplete file should be removed from disk")
	}
}
