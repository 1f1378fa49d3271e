// Package wspeer implements the downloader's Peer interface over a
// websocket connection to a LAN peer.
package wspeer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/p2p-filesharing/lanshare/internal/download"
	"github.com/p2p-filesharing/lanshare/pkg/hash"
	"github.com/p2p-filesharing/lanshare/pkg/protocol"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	sendBuffer       = 256
)

// Client talks to one remote peer. It implements download.Peer:
// directory listings, hash streams and chunk byte streams multiplexed
// over a single websocket connection by request id.
type Client struct {
	id     hash.Hash
	addr   string
	logger *zap.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	responses map[string]chan *protocol.Message
	send      chan []byte
	done      chan struct{}
}

// New creates a client for the peer with the given id listening at
// addr (host:port).
func New(id hash.Hash, addr string, logger *zap.Logger) *Client {
	return &Client{
		id:        id,
		addr:      addr,
		logger:    logger,
		responses: make(map[string]chan *protocol.Message),
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}
}

// Connect dials the peer and starts the read/write pumps.
func (c *Client) Connect() error {
	u := url.URL{Scheme: "ws", Host: c.addr, Path: "/peer"}
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("peer connect failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readPump()
	go c.writePump()

	c.logger.Info("peer connected", zap.String("peer", c.id.String()), zap.String("addr", c.addr))
	return nil
}

// Close tears the connection down. In-flight requests fail.
func (c *Client) Close() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	conn := c.conn
	c.conn = nil
	close(c.done)
	for id, ch := range c.responses {
		close(ch)
		delete(c.responses, id)
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// ID implements download.Peer.
func (c *Client) ID() hash.Hash { return c.id }

// IsConnected implements download.Peer.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) readPump() {
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Debug("peer connection lost", zap.String("peer", c.id.String()), zap.Error(err))
			c.Close()
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("malformed peer message dropped", zap.Error(err))
			continue
		}

		c.mu.RLock()
		ch := c.responses[msg.RequestID]
		c.mu.RUnlock()
		if ch != nil {
			select {
			case ch <- &msg:
			case <-c.done:
				return
			}
		}
	}
}

func (c *Client) writePump() {
	for {
		select {
		case data := <-c.send:
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn == nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// request registers a response channel and sends one message. The
// caller must call c.unregister when done with the channel.
func (c *Client) request(msgType protocol.MessageType, payload any) (string, chan *protocol.Message, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return "", nil, download.ErrPeerUnreachable
	}
	requestID := uuid.New().String()
	ch := make(chan *protocol.Message, 32)
	c.responses[requestID] = ch
	c.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		c.unregister(requestID)
		return "", nil, err
	}
	data, err := json.Marshal(protocol.Message{
		Type:      msgType,
		RequestID: requestID,
		Payload:   raw,
		Timestamp: time.Now(),
	})
	if err != nil {
		c.unregister(requestID)
		return "", nil, err
	}

	select {
	case c.send <- data:
	case <-c.done:
		c.unregister(requestID)
		return "", nil, download.ErrPeerUnreachable
	}
	return requestID, ch, nil
}

func (c *Client) unregister(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.responses, requestID)
}

func asError(msg *protocol.Message) error {
	var p protocol.ErrorPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("peer error")
	}
	if p.Code == protocol.ErrCodeEntryNotFound {
		return download.ErrEntryNotFound
	}
	return fmt.Errorf("peer error %d: %s", p.Code, p.Message)
}

// GetEntries implements download.Peer.
func (c *Client) GetEntries(ctx context.Context, dir protocol.Entry) (protocol.Entries, error) {
	requestID, ch, err := c.request(protocol.MsgGetEntries, protocol.GetEntriesRequest{Dir: dir})
	if err != nil {
		return protocol.Entries{}, err
	}
	defer c.unregister(requestID)

	select {
	case msg, ok := <-ch:
		if !ok {
			return protocol.Entries{}, download.ErrPeerUnreachable
		}
		if msg.Type == protocol.MsgError {
			return protocol.Entries{}, asError(msg)
		}
		var entries protocol.Entries
		if err := json.Unmarshal(msg.Payload, &entries); err != nil {
			return protocol.Entries{}, fmt.Errorf("malformed entries reply: %w", err)
		}
		return entries, nil
	case <-ctx.Done():
		return protocol.Entries{}, ctx.Err()
	}
}

// GetHashes implements download.Peer.
func (c *Client) GetHashes(ctx context.Context, e protocol.Entry, firstChunk int) (<-chan protocol.HashChunk, error) {
	requestID, ch, err := c.request(protocol.MsgGetHashes, protocol.GetHashesRequest{Entry: e, FirstChunk: firstChunk})
	if err != nil {
		return nil, err
	}

	// The first message decides between an error reply and a stream.
	var first *protocol.Message
	select {
	case msg, ok := <-ch:
		if !ok {
			c.unregister(requestID)
			return nil, download.ErrPeerUnreachable
		}
		if msg.Type == protocol.MsgError {
			c.unregister(requestID)
			return nil, asError(msg)
		}
		first = msg
	case <-ctx.Done():
		c.unregister(requestID)
		return nil, ctx.Err()
	}

	out := make(chan protocol.HashChunk)
	go func() {
		defer close(out)
		defer c.unregister(requestID)

		deliver := func(msg *protocol.Message) bool {
			switch msg.Type {
			case protocol.MsgHashChunk:
				var hc protocol.HashChunk
				if err := json.Unmarshal(msg.Payload, &hc); err != nil {
					return false
				}
				select {
				case out <- hc:
					return true
				case <-ctx.Done():
					return false
				}
			case protocol.MsgHashesEnd:
				return false
			default:
				return false
			}
		}

		if !deliver(first) {
			return
		}
		for {
			select {
			case msg, ok := <-ch:
				if !ok || !deliver(msg) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// chunkStream exposes a chunk byte stream as an io.ReadCloser.
type chunkStream struct {
	client    *Client
	requestID string
	ch        chan *protocol.Message
	ctx       context.Context
	buf       []byte
	err       error
}

func (s *chunkStream) Read(p []byte) (int, error) {
	for len(s.buf) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		select {
		case msg, ok := <-s.ch:
			if !ok {
				s.err = download.ErrPeerUnreachable
				return 0, s.err
			}
			switch msg.Type {
			case protocol.MsgChunkData:
				var data protocol.ChunkData
				if err := json.Unmarshal(msg.Payload, &data); err != nil {
					s.err = fmt.Errorf("malformed chunk data: %w", err)
					return 0, s.err
				}
				s.buf = data.Data
			case protocol.MsgChunkEnd:
				s.err = io.EOF
				return 0, s.err
			case protocol.MsgError:
				s.err = asError(msg)
				return 0, s.err
			}
		case <-s.ctx.Done():
			s.err = s.ctx.Err()
			return 0, s.err
		}
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *chunkStream) Close() error {
	s.client.unregister(s.requestID)
	return nil
}

// GetChunkStream implements download.Peer.
func (c *Client) GetChunkStream(ctx context.Context, chunkHash hash.Hash, offset int64) (io.ReadCloser, error) {
	requestID, ch, err := c.request(protocol.MsgGetChunk, protocol.GetChunkRequest{ChunkHash: chunkHash, Offset: offset})
	if err != nil {
		return nil, err
	}
	return &chunkStream{client: c, requestID: requestID, ch: ch, ctx: ctx}, nil
}

// Manager keeps the set of known peers and implements
// download.PeerManager. Peers come and go with LAN presence
// announcements handled by the discovery layer, which calls Add and
// Remove.
type Manager struct {
	logger *zap.Logger

	mu    sync.RWMutex
	peers map[hash.Hash]*Client
	// advertised maps a content hash to the peers that announced it.
	advertised map[hash.Hash]map[hash.Hash]bool
}

// NewManager creates an empty peer manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:     logger,
		peers:      make(map[hash.Hash]*Client),
		advertised: make(map[hash.Hash]map[hash.Hash]bool),
	}
}

// Add registers (or replaces) a peer.
func (m *Manager) Add(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[c.ID()] = c
}

// Remove forgets a peer and everything it advertised.
func (m *Manager) Remove(id hash.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, id)
	for h, byPeer := range m.advertised {
		delete(byPeer, id)
		if len(byPeer) == 0 {
			delete(m.advertised, h)
		}
	}
}

// Announce records that a peer advertises the given content hashes.
func (m *Manager) Announce(peerID hash.Hash, hashes []hash.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range hashes {
		if m.advertised[h] == nil {
			m.advertised[h] = make(map[hash.Hash]bool)
		}
		m.advertised[h][peerID] = true
	}
}

// Peer implements download.PeerManager.
func (m *Manager) Peer(id hash.Hash) download.Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.peers[id]; ok {
		return p
	}
	return nil
}

// PeersHaving implements download.PeerManager.
func (m *Manager) PeersHaving(h hash.Hash) []download.Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []download.Peer
	for peerID := range m.advertised[h] {
		if p, ok := m.peers[peerID]; ok {
			out = append(out, p)
		}
	}
	return out
}
