package download

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/p2p-filesharing/lanshare/pkg/chunker"
	"github.com/p2p-filesharing/lanshare/pkg/hash"
	"github.com/p2p-filesharing/lanshare/pkg/protocol"
)

// fakeFile is a file served by a fake peer, pre-chunked and hashed.
type fakeFile struct {
	entry       protocol.Entry
	data        []byte
	chunkHashes []hash.Hash
}

// fakePeer implements Peer from in-memory data.
type fakePeer struct {
	id      hash.Hash
	chunker *chunker.Chunker

	mu        sync.Mutex
	connected bool
	files     map[string]*fakeFile          // by entry name
	dirs      map[string]protocol.Entries   // listings by entry name
	corrupt   map[string]map[int]bool       // file name -> chunk index -> serve bad bytes
	gates     map[string]map[int]chan struct{} // block a chunk stream until closed
	hashErr   error
	entryErr  error
}

func newFakePeer(name string, chunkSize int64) *fakePeer {
	return &fakePeer{
		id:        hash.Compute([]byte(name)),
		chunker:   chunker.New(chunkSize),
		connected: true,
		files:     make(map[string]*fakeFile),
		dirs:      make(map[string]protocol.Entries),
		corrupt:   make(map[string]map[int]bool),
		gates:     make(map[string]map[int]chan struct{}),
	}
}

func (p *fakePeer) addFile(name string, data []byte) *fakeFile {
	f := &fakeFile{
		entry: protocol.Entry{Type: protocol.EntryFile, Path: "/", Name: name, Size: int64(len(data))},
		data:  data,
	}
	for i := 0; i < p.chunker.Count(int64(len(data))); i++ {
		start := p.chunker.Offset(i)
		end := start + p.chunker.Len(i, int64(len(data)))
		f.chunkHashes = append(f.chunkHashes, hash.Compute(data[start:end]))
	}
	p.mu.Lock()
	p.files[name] = f
	p.mu.Unlock()
	return f
}

func (p *fakePeer) addDir(name string, children protocol.Entries) protocol.Entry {
	p.mu.Lock()
	p.dirs[name] = children
	p.mu.Unlock()
	return protocol.Entry{Type: protocol.EntryDir, Path: "/", Name: name}
}

func (p *fakePeer) corruptChunk(fileName string, index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.corrupt[fileName] == nil {
		p.corrupt[fileName] = make(map[int]bool)
	}
	p.corrupt[fileName][index] = true
}

// gateChunk makes the stream of one chunk block until the returned
// channel is closed.
func (p *fakePeer) gateChunk(fileName string, index int) chan struct{} {
	gate := make(chan struct{})
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gates[fileName] == nil {
		p.gates[fileName] = make(map[int]chan struct{})
	}
	p.gates[fileName][index] = gate
	return gate
}

func (p *fakePeer) setConnected(connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = connected
}

func (p *fakePeer) ID() hash.Hash { return p.id }

func (p *fakePeer) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePeer) GetEntries(ctx context.Context, dir protocol.Entry) (protocol.Entries, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.entryErr != nil {
		return protocol.Entries{}, p.entryErr
	}
	entries, ok := p.dirs[dir.Name]
	if !ok {
		return protocol.Entries{}, ErrEntryNotFound
	}
	return entries, nil
}

func (p *fakePeer) GetHashes(ctx context.Context, e protocol.Entry, firstChunk int) (<-chan protocol.HashChunk, error) {
	p.mu.Lock()
	hashErr := p.hashErr
	f, ok := p.files[e.Name]
	p.mu.Unlock()

	if hashErr != nil {
		return nil, hashErr
	}
	if !ok {
		return nil, ErrEntryNotFound
	}

	ch := make(chan protocol.HashChunk, len(f.chunkHashes))
	go func() {
		defer close(ch)
		for i := firstChunk; i < len(f.chunkHashes); i++ {
			select {
			case ch <- protocol.HashChunk{Index: i, Hash: f.chunkHashes[i]}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// gatedReader blocks on its first Read until the gate closes.
type gatedReader struct {
	gate <-chan struct{}
	ctx  context.Context
	r    io.Reader
	open bool
}

func (g *gatedReader) Read(b []byte) (int, error) {
	if !g.open {
		select {
		case <-g.gate:
			g.open = true
		case <-g.ctx.Done():
			return 0, g.ctx.Err()
		}
	}
	return g.r.Read(b)
}

func (p *fakePeer) GetChunkStream(ctx context.Context, chunkHash hash.Hash, offset int64) (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return nil, ErrPeerUnreachable
	}

	for name, f := range p.files {
		for i, h := range f.chunkHashes {
			if h != chunkHash {
				continue
			}
			start := p.chunker.Offset(i)
			end := start + p.chunker.Len(i, int64(len(f.data)))
			chunk := append([]byte(nil), f.data[start:end]...)
			if p.corrupt[name][i] {
				for j := range chunk {
					chunk[j] ^= 0xFF
				}
			}
			var r io.Reader = bytes.NewReader(chunk[offset:])
			if gate, ok := p.gates[name][i]; ok {
				r = &gatedReader{gate: gate, ctx: ctx, r: r}
			}
			return io.NopCloser(r), nil
		}
	}
	return nil, ErrEntryNotFound
}

// fakePeerManager implements PeerManager over a fixed peer list.
type fakePeerManager struct {
	mu    sync.Mutex
	peers []*fakePeer
}

func (pm *fakePeerManager) add(p *fakePeer) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.peers = append(pm.peers, p)
}

func (pm *fakePeerManager) Peer(id hash.Hash) Peer {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, p := range pm.peers {
		if p.id == id {
			return p
		}
	}
	return nil
}

func (pm *fakePeerManager) PeersHaving(h hash.Hash) []Peer {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	var out []Peer
	for _, p := range pm.peers {
		p.mu.Lock()
		for _, f := range p.files {
			for _, ch := range f.chunkHashes {
				if ch == h {
					out = append(out, p)
					goto next
				}
			}
		}
	next:
		p.mu.Unlock()
	}
	return out
}
