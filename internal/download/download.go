package download

import (
	"github.com/google/uuid"

	"github.com/p2p-filesharing/lanshare/pkg/hash"
	"github.com/p2p-filesharing/lanshare/pkg/protocol"
)

// Status is the state of a download in the queue. Statuses at
// StatusNoSource and beyond are error states; they arm the manager's
// rescan timer.
type Status int

const (
	StatusQueued Status = iota
	StatusGettingHashes
	StatusDownloading
	StatusComplete
	StatusPaused

	StatusNoSource
	StatusUnknownPeer
	StatusEntryNotFound
	StatusNoSharedDirectoryToWrite
	StatusNotEnoughFreeSpace
	StatusHashMissing
)

var statusNames = map[Status]string{
	StatusQueued:                   "QUEUED",
	StatusGettingHashes:            "GETTING_THE_HASHES",
	StatusDownloading:              "DOWNLOADING",
	StatusComplete:                 "COMPLETE",
	StatusPaused:                   "PAUSED",
	StatusNoSource:                 "NO_SOURCE",
	StatusUnknownPeer:              "UNKNOWN_PEER",
	StatusEntryNotFound:            "ENTRY_NOT_FOUND",
	StatusNoSharedDirectoryToWrite: "NO_SHARED_DIRECTORY_TO_WRITE",
	StatusNotEnoughFreeSpace:       "NO_ENOUGH_FREE_SPACE",
	StatusHashMissing:              "HASH_MISSING",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsError reports whether the status is an error state.
func (s Status) IsError() bool {
	return s >= StatusNoSource
}

// Download is one record of the queue: a file or a directory awaiting
// expansion. The manager pattern-matches on the two concrete types.
type Download interface {
	// ID identifies the record toward the UI/RPC layer.
	ID() uuid.UUID

	// Entry returns the descriptor the download was created from.
	Entry() protocol.Entry

	// PeerSourceID returns the peer the entry was submitted from.
	PeerSourceID() hash.Hash

	// Status returns the current state.
	Status() Status
}

// Info is the read-only snapshot of a queue record handed to callers.
type Info struct {
	ID              uuid.UUID
	Entry           protocol.Entry
	PeerSourceID    hash.Hash
	Status          Status
	DownloadedBytes int64
	DownloadRate    int64
}
