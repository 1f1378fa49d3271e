package download

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/p2p-filesharing/lanshare/pkg/hash"
	"github.com/p2p-filesharing/lanshare/pkg/protocol"
)

// ExpansionState tracks a directory download's lifecycle. The record is
// terminal on expansion: the manager removes it and inserts its
// children at its queue position.
type ExpansionState int

const (
	ExpansionIdle ExpansionState = iota
	ExpansionRequesting
	ExpansionExpanded
)

// DirDownload is a queue placeholder for a directory: it asks its
// source peer for the directory listing and hands the children back to
// the manager.
type DirDownload struct {
	env          *env
	id           uuid.UUID
	entry        protocol.Entry
	peerSourceID hash.Hash
	onResult     func(dd *DirDownload, entries *protocol.Entries)

	mu    sync.Mutex
	state ExpansionState
}

// NewDirDownload creates an idle directory download. onResult is
// invoked once per request: with the listing when the peer answers,
// with nil when the request failed and the record went back to idle.
func NewDirDownload(e *env, entry protocol.Entry, peerSource hash.Hash, onResult func(*DirDownload, *protocol.Entries)) *DirDownload {
	return &DirDownload{
		env:          e,
		id:           uuid.New(),
		entry:        entry,
		peerSourceID: peerSource,
		onResult:     onResult,
	}
}

// ID implements Download.
func (dd *DirDownload) ID() uuid.UUID { return dd.id }

// Entry implements Download.
func (dd *DirDownload) Entry() protocol.Entry { return dd.entry }

// PeerSourceID implements Download.
func (dd *DirDownload) PeerSourceID() hash.Hash { return dd.peerSourceID }

// Status implements Download. A directory download is always queued
// from the caller's point of view; it disappears on expansion.
func (dd *DirDownload) Status() Status { return StatusQueued }

// State returns the expansion state.
func (dd *DirDownload) State() ExpansionState {
	dd.mu.Lock()
	defer dd.mu.Unlock()
	return dd.state
}

// RetrieveEntries issues the single outstanding directory-listing
// request to the source peer. Returns true when a request was sent; an
// unreachable peer leaves the record idle so a later pass retries.
func (dd *DirDownload) RetrieveEntries() bool {
	dd.mu.Lock()
	if dd.state != ExpansionIdle {
		dd.mu.Unlock()
		return false
	}

	peer := dd.env.peers.Peer(dd.peerSourceID)
	if peer == nil || !peer.IsConnected() {
		dd.mu.Unlock()
		return false
	}
	dd.state = ExpansionRequesting
	dd.mu.Unlock()

	go dd.runEntriesRequest(peer)
	return true
}

func (dd *DirDownload) runEntriesRequest(peer Peer) {
	entries, err := peer.GetEntries(context.Background(), dd.entry)
	if err != nil {
		dd.env.logger.Debug("directory listing failed",
			zap.String("dir", dd.entry.Name),
			zap.String("peer", peer.ID().String()),
			zap.Error(err))
		dd.mu.Lock()
		dd.state = ExpansionIdle
		dd.mu.Unlock()
		dd.onResult(dd, nil)
		return
	}

	dd.mu.Lock()
	dd.state = ExpansionExpanded
	dd.mu.Unlock()

	dd.onResult(dd, &entries)
}
