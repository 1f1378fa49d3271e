package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/p2p-filesharing/lanshare/pkg/hash"
)

// Directory is a node of the cache tree. It owns its children and keeps
// a non-owning pointer to its parent. Its lock covers its own children
// and size; operations touching several directories acquire locks in
// parent-first order and never hold more than one at a time while
// walking, which rules out the cache-wide lock deadlock.
type Directory struct {
	share  *SharedDirectory
	parent *Directory
	name   string

	mu      sync.Mutex
	size    int64
	subDirs []*Directory
	files   []*File
}

// SharedDirectory is the root of a shared tree. Its filesystem path is
// absolute and always ends with the separator.
type SharedDirectory struct {
	Directory
	cache    *Cache
	id       hash.Hash
	path     string
	readOnly bool
}

// ID returns the stable identifier of the shared directory.
func (s *SharedDirectory) ID() hash.Hash { return s.id }

// SharePath returns the absolute root path, ending with the separator.
func (s *SharedDirectory) SharePath() string { return s.path }

// ReadOnly reports whether downloads may not write into this share.
func (s *SharedDirectory) ReadOnly() bool {
	return s.isReadOnly()
}

// SetReadOnly flips the writable flag. Only the share's own lock is
// taken; no superordinate lock exists to deadlock against scanning.
func (s *SharedDirectory) SetReadOnly(readOnly bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readOnly = readOnly
}

func (s *SharedDirectory) isReadOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readOnly
}

// Name returns the directory name; empty for a shared root.
func (d *Directory) Name() string { return d.name }

// Parent returns the parent directory, nil for a shared root.
func (d *Directory) Parent() *Directory { return d.parent }

// Share returns the root the directory belongs to.
func (d *Directory) Share() *SharedDirectory { return d.share }

// Size returns the aggregated size of all descendants.
func (d *Directory) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

// SubDirs returns a copy of the child directory list.
func (d *Directory) SubDirs() []*Directory {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Directory, len(d.subDirs))
	copy(out, d.subDirs)
	return out
}

// Files returns a copy of the file list.
func (d *Directory) Files() []*File {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*File, len(d.files))
	copy(out, d.files)
	return out
}

// SubDir returns the child directory with the given name, nil if none
// matches. Children are few; a linear scan suffices.
func (d *Directory) SubDir(name string) *Directory {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subDirLocked(name)
}

func (d *Directory) subDirLocked(name string) *Directory {
	for _, sub := range d.subDirs {
		if sub.name == name {
			return sub
		}
	}
	return nil
}

// File returns the file with the given name, nil if none matches.
func (d *Directory) File(name string) *File {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fileLocked(name)
}

func (d *Directory) fileLocked(name string) *File {
	for _, f := range d.files {
		if f.name == name {
			return f
		}
	}
	return nil
}

// IsEmpty reports whether the directory has no children.
func (d *Directory) IsEmpty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subDirs) == 0 && len(d.files) == 0
}

// CreateSubDirectory returns the existing child with that name or
// creates it, optionally on disk too.
func (d *Directory) CreateSubDirectory(name string, createPhysically bool) (*Directory, error) {
	d.mu.Lock()
	if sub := d.subDirLocked(name); sub != nil {
		d.mu.Unlock()
		return sub, nil
	}

	sub := &Directory{share: d.share, parent: d, name: name}
	d.subDirs = append(d.subDirs, sub)
	d.mu.Unlock()

	if createPhysically {
		if err := os.MkdirAll(sub.FullPath(), 0755); err != nil {
			d.mu.Lock()
			d.removeSubDirLocked(sub)
			d.mu.Unlock()
			return nil, fmt.Errorf("failed to create directory %s: %w", sub.FullPath(), err)
		}
	}
	return sub, nil
}

func (d *Directory) removeSubDirLocked(sub *Directory) {
	for i, s := range d.subDirs {
		if s == sub {
			d.subDirs = append(d.subDirs[:i], d.subDirs[i+1:]...)
			return
		}
	}
}

// addFile appends a file created by NewFile and propagates its size.
func (d *Directory) addFile(f *File) {
	d.mu.Lock()
	d.files = append(d.files, f)
	d.mu.Unlock()
	d.addSize(f.size)
}

// fileDeleted detaches a file and subtracts its size.
func (d *Directory) fileDeleted(f *File) {
	d.mu.Lock()
	for i, existing := range d.files {
		if existing == f {
			d.files = append(d.files[:i], d.files[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
	d.addSize(-f.size)
}

// addSize updates the aggregate size of this directory and every
// ancestor. Each lock is released before the parent's is taken, so the
// chain is always acquired one directory at a time going up.
func (d *Directory) addSize(delta int64) {
	for dir := d; dir != nil; dir = dir.parent {
		dir.mu.Lock()
		dir.size += delta
		dir.mu.Unlock()
	}
}

// Path returns the directory's path inside its share, starting and
// ending with a slash. The share root's name is not included.
func (d *Directory) Path() string {
	if d.parent == nil {
		return "/"
	}
	return d.parent.Path() + d.name + "/"
}

// FullPath returns the absolute filesystem path of the directory.
func (d *Directory) FullPath() string {
	if d.parent == nil {
		return filepath.Clean(d.share.path)
	}
	return filepath.Join(d.parent.FullPath(), d.name)
}

// IsAChildOf reports whether other is an ancestor of d.
func (d *Directory) IsAChildOf(other *Directory) bool {
	for dir := d.parent; dir != nil; dir = dir.parent {
		if dir == other {
			return true
		}
	}
	return false
}

// lockKey is a total order over directories: ancestors sort before
// their descendants, unrelated directories by their stable full path.
func (d *Directory) lockKey() string {
	return d.share.path + d.Path()
}

// StealContent moves all children of src into d. Used when a directory
// is renamed onto an existing name. The two locks are taken in a fixed
// order: the ancestor first when related, by path otherwise.
func (d *Directory) StealContent(src *Directory) {
	if src == d {
		return
	}

	first, second := d, src
	if src.lockKey() < d.lockKey() {
		first, second = src, d
	}
	first.mu.Lock()
	second.mu.Lock()

	var moved int64
	for _, sub := range src.subDirs {
		sub.parent = d
		sub.reshare(d.share)
		moved += sub.size
	}
	for _, f := range src.files {
		f.dir = d
		moved += f.size
	}
	d.subDirs = append(d.subDirs, src.subDirs...)
	d.files = append(d.files, src.files...)
	src.subDirs = nil
	src.files = nil

	second.mu.Unlock()
	first.mu.Unlock()

	// The gaining and losing chains re-aggregate; common ancestors net
	// to zero.
	d.addSize(moved)
	src.addSize(-moved)
}

// reshare rebinds a stolen subtree to its new root.
func (d *Directory) reshare(share *SharedDirectory) {
	d.share = share
	for _, sub := range d.subDirs {
		sub.reshare(share)
	}
}

// removeIncompleteFiles recursively deletes files that are neither
// complete nor fully hashed. The files are physically removed.
func (d *Directory) removeIncompleteFiles() {
	for _, f := range d.Files() {
		if !f.IsComplete() && !f.HasAllHashes() {
			f.Remove()
		}
	}
	for _, sub := range d.SubDirs() {
		sub.removeIncompleteFiles()
	}
}

// DirIterator yields descendant directories in breadth-first order.
type DirIterator struct {
	toVisit []*Directory
}

// NewDirIterator starts an iteration over the descendants of dir; dir
// itself is not yielded.
func NewDirIterator(dir *Directory) *DirIterator {
	return &DirIterator{toVisit: dir.SubDirs()}
}

// Next returns the next directory, nil when the iteration is done.
func (it *DirIterator) Next() *Directory {
	if len(it.toVisit) == 0 {
		return nil
	}
	dir := it.toVisit[0]
	it.toVisit = it.toVisit[1:]
	it.toVisit = append(it.toVisit, dir.SubDirs()...)
	return dir
}
