// Package protocol defines the records exchanged with the peer layer and
// embedded in persisted state.
package protocol

import (
	"github.com/p2p-filesharing/lanshare/pkg/hash"
)

// EntryType distinguishes files from directories.
type EntryType string

const (
	EntryFile EntryType = "FILE"
	EntryDir  EntryType = "DIR"
)

// Entry describes a file or directory advertised by a peer. Path is
// relative to the shared directory root and uses forward slashes; it
// always starts and ends with a slash.
type Entry struct {
	Type        EntryType `json:"type"`
	Path        string    `json:"path"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	SharedDirID hash.Hash `json:"shared_dir_id,omitempty"`
	IsEmpty     bool      `json:"is_empty,omitempty"`
}

// SameEntry reports whether two entries designate the same item in the
// download queue. Peer identity deliberately does not participate.
func (e Entry) SameEntry(other Entry) bool {
	return e.Type == other.Type &&
		e.Path == other.Path &&
		e.Name == other.Name &&
		e.Size == other.Size
}

// Entries is an ordered directory listing.
type Entries struct {
	Entries []Entry `json:"entries"`
}

// HashChunk is one element of a hash stream: the content hash of the
// chunk at the given index.
type HashChunk struct {
	Index int       `json:"index"`
	Hash  hash.Hash `json:"hash"`
}
