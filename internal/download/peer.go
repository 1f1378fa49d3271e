// Package download implements the download core: the queue of pending
// entries, the per-file and per-chunk state machines, and the scheduler
// that drives chunk transfers across peers under a global cap.
package download

import (
	"context"
	"errors"
	"io"

	"github.com/p2p-filesharing/lanshare/pkg/hash"
	"github.com/p2p-filesharing/lanshare/pkg/protocol"
)

var (
	// ErrEntryNotFound is returned by a peer that does not share the
	// requested entry.
	ErrEntryNotFound = errors.New("entry not found on peer")

	// ErrPeerUnreachable is returned when the peer cannot be talked to.
	ErrPeerUnreachable = errors.New("peer unreachable")
)

// Peer is the download core's view of a remote peer. Implementations
// live in the peer layer; timeouts are theirs, the downloader only
// observes completion or failure.
type Peer interface {
	// ID returns the peer's stable identifier.
	ID() hash.Hash

	// IsConnected reports whether the peer is currently reachable.
	IsConnected() bool

	// GetEntries lists the immediate children of a remote directory.
	GetEntries(ctx context.Context, dir protocol.Entry) (protocol.Entries, error)

	// GetHashes streams the chunk hashes of a file, starting at
	// firstChunk. The channel is closed when the stream ends; a close
	// before all hashes arrived means the stream failed.
	GetHashes(ctx context.Context, e protocol.Entry, firstChunk int) (<-chan protocol.HashChunk, error)

	// GetChunkStream streams a chunk's bytes from offset to the end of
	// the chunk.
	GetChunkStream(ctx context.Context, chunkHash hash.Hash, offset int64) (io.ReadCloser, error)
}

// PeerManager supplies the known peers. It keeps no reference to the
// downloads; the occupied-peer sets only hold peer ids.
type PeerManager interface {
	// Peer resolves an id, nil when the peer is unknown.
	Peer(id hash.Hash) Peer

	// PeersHaving returns the peers advertising the given content
	// hash in their shared trees.
	PeersHaving(h hash.Hash) []Peer
}
