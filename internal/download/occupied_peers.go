package download

import (
	"sync"

	"github.com/p2p-filesharing/lanshare/pkg/hash"
)

// OccupiedPeers tracks peers busy with one kind of work. Two disjoint
// instances exist: one for hash requests, one for chunk transfers.
// The sets are authoritative for availability; every scheduler checks
// them before issuing work. Releasing the last holder emits the
// free-peer event.
type OccupiedPeers struct {
	mu         sync.Mutex
	holders    map[hash.Hash]int
	maxHolders int
	onFree     func(Peer)
}

// NewOccupiedPeers creates a set allowing maxHolders concurrent
// holders per peer (at least 1).
func NewOccupiedPeers(maxHolders int) *OccupiedPeers {
	if maxHolders < 1 {
		maxHolders = 1
	}
	return &OccupiedPeers{
		holders:    make(map[hash.Hash]int),
		maxHolders: maxHolders,
	}
}

// SetFreeHandler installs the callback invoked when a peer's last
// holder releases it. The handler runs outside the set's lock.
func (o *OccupiedPeers) SetFreeHandler(fn func(Peer)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onFree = fn
}

// TryOccupy claims a holder slot on the peer. It fails when the peer
// already has maxHolders holders.
func (o *OccupiedPeers) TryOccupy(p Peer) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.holders[p.ID()] >= o.maxHolders {
		return false
	}
	o.holders[p.ID()]++
	return true
}

// IsOccupied reports whether the peer has no free holder slot.
func (o *OccupiedPeers) IsOccupied(id hash.Hash) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.holders[id] >= o.maxHolders
}

// Release drops one holder. Releasing the last one emits the free-peer
// event, strictly after the caller's own bookkeeping: callers must
// finish their accounting before calling Release.
func (o *OccupiedPeers) Release(p Peer) {
	o.mu.Lock()
	count, ok := o.holders[p.ID()]
	if !ok {
		o.mu.Unlock()
		return
	}
	count--
	free := count <= 0
	if free {
		delete(o.holders, p.ID())
	} else {
		o.holders[p.ID()] = count
	}
	onFree := o.onFree
	o.mu.Unlock()

	if free && onFree != nil {
		onFree(p)
	}
}
