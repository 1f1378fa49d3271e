package wspeer

import (
	"testing"

	"github.com/p2p-filesharing/lanshare/pkg/hash"
	"github.com/p2p-filesharing/lanshare/pkg/logger"
)

func TestManagerTracksPeersAndAdvertisements(t *testing.T) {
	m := NewManager(logger.Nop())
	id := hash.Compute([]byte("peer-1"))
	c := New(id, "192.168.1.10:4000", logger.Nop())

	if m.Peer(id) != nil {
		t.Error("unknown peer should resolve to nil")
	}

	m.Add(c)
	if m.Peer(id) == nil {
		t.Fatal("added peer should resolve")
	}

	h := hash.Compute([]byte("chunk"))
	m.Announce(id, []hash.Hash{h})
	if got := m.PeersHaving(h); len(got) != 1 || got[0].ID() != id {
		t.Error("announced hash should map to the peer")
	}
	if got := m.PeersHaving(hash.Compute([]byte("other"))); len(got) != 0 {
		t.Error("unannounced hash should map to no peers")
	}

	m.Remove(id)
	if m.Peer(id) != nil {
		t.Error("removed peer should resolve to nil")
	}
	if got := m.PeersHaving(h); len(got) != 0 {
		t.Error("removing a peer should drop its advertisements")
	}
}

func TestClientNotConnected(t *testing.T) {
	c := New(hash.Compute([]byte("p")), "127.0.0.1:0", logger.Nop())
	if c.IsConnected() {
		t.Error("fresh client should not report connected")
	}
}
