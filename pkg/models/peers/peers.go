// Package peers models replication peers and the tracker that follows their
// coordination-tree state.
package peers

import (
	"sync"

	"github.com/tab-sharding/tabrs/pkg/tablog"
)

// Peer is one replication peer. The region-server list is kept behind a
// copy-on-write snapshot: readers get a private copy and writers replace the
// slice wholesale, so no caller ever holds a reference into live state.
type Peer struct {
	ID string

	mu            sync.RWMutex
	regionServers []string
}

func NewPeer(id string) *Peer {
	return &Peer{ID: id}
}

// RegionServers returns a snapshot of the peer's region servers.
func (p *Peer) RegionServers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.regionServers))
	copy(out, p.regionServers)
	return out
}

// SetRegionServers replaces the region-server list with a copy of servers.
func (p *Peer) SetRegionServers(servers []string) {
	next := make([]string, len(servers))
	copy(next, servers)
	p.mu.Lock()
	p.regionServers = next
	p.mu.Unlock()
}

// Tracker observes a coordination path on behalf of a peer. The peer owns
// the tracker's lifetime; the tracker holds only a non-owning handle used
// for callback dispatch, never the peer itself.
type Tracker struct {
	path   string
	notify func(servers []string)
}

func NewTracker(path string, notify func(servers []string)) *Tracker {
	return &Tracker{
		path:   path,
		notify: notify,
	}
}

// Observe dispatches one observed change to the owning peer.
func (t *Tracker) Observe(servers []string) {
	tablog.Zero.Debug().
		Str("path", t.path).
		Int("servers", len(servers)).
		Msg("peers: observed region server change")
	if t.notify != nil {
		t.notify(servers)
	}
}
