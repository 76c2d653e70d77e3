package replication

import (
	"sync"
	"time"

	"github.com/kegdisplay/tapsync/node"
	"github.com/kegdisplay/tapsync/utils/log"
)

// PeerRecord is the coordinator's view of one peer. Session scheduling state
// lives under the record's own lock so sessions with different peers never
// contend.
type PeerRecord struct {
	NodeID string
	Manual bool

	mu          sync.Mutex
	role        node.Role
	addr        string
	lastSeen    time.Time
	watermarks  map[string]uint64
	inFlight    bool
	failures    int
	nextAttempt time.Time
}

// Refresh updates the record from a discovery announcement or handshake.
func (p *PeerRecord) Refresh(role node.Role, addr string, marks map[string]uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.role = role
	if addr != "" {
		p.addr = addr
	}
	p.lastSeen = time.Now()
	if marks != nil {
		p.watermarks = marks
	}
}

func (p *PeerRecord) Role() node.Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

func (p *PeerRecord) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}

func (p *PeerRecord) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// Watermarks returns a copy of the peer's last advertised watermark map.
func (p *PeerRecord) Watermarks() map[string]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]uint64, len(p.watermarks))
	for k, v := range p.watermarks {
		out[k] = v
	}
	return out
}

// TryAcquire claims the peer for a sync session. It fails while another
// session with this peer is in flight or while backoff has not elapsed.
func (p *PeerRecord) TryAcquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight || time.Now().Before(p.nextAttempt) {
		return false
	}
	p.inFlight = true
	return true
}

// Release ends the session claim and records its outcome for backoff.
func (p *PeerRecord) Release(err error, backoff Backoff) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight = false
	if err == nil {
		p.failures = 0
		p.nextAttempt = time.Time{}
		return
	}
	p.failures++
	delay := backoff.Next(p.failures)
	p.nextAttempt = time.Now().Add(delay)
	log.Warn("sync with peer %s failed (%d in a row), next attempt in %v: %v",
		p.NodeID, p.failures, delay, err)
}

// PeerTable is the live set of known peers, owned exclusively by the sync
// coordinator.
type PeerTable struct {
	mu    sync.RWMutex
	peers map[string]*PeerRecord
}

func NewPeerTable() *PeerTable {
	return &PeerTable{peers: map[string]*PeerRecord{}}
}

// Upsert refreshes the record for a peer, creating it on first sight.
func (t *PeerTable) Upsert(id string, role node.Role, addr string, marks map[string]uint64) *PeerRecord {
	t.mu.Lock()
	p, ok := t.peers[id]
	if !ok {
		p = &PeerRecord{NodeID: id}
		t.peers[id] = p
		log.Info("discovered peer %s (%s) at %s", id, role, addr)
	}
	t.mu.Unlock()
	p.Refresh(role, addr, marks)
	return p
}

// AddManual registers a configured peer hint. Manual peers behave like
// learned ones but are never evicted for silence. The node ID is unknown
// until the first handshake, so the address doubles as the key.
func (t *PeerTable) AddManual(addr string) *PeerRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[addr]; ok {
		p.Manual = true
		return p
	}
	p := &PeerRecord{NodeID: addr, Manual: true}
	p.addr = addr
	t.peers[addr] = p
	log.Info("added manual peer hint %s", addr)
	return p
}

// Rebind renames a record once the peer's real node ID is learned from a
// handshake. Manual peers start out keyed by their configured address.
func (t *PeerTable) Rebind(oldID, newID string) {
	if oldID == newID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[oldID]
	if !ok {
		return
	}
	if existing, dup := t.peers[newID]; dup {
		// Keep the established record; carry over the manual flag.
		existing.Manual = existing.Manual || p.Manual
		delete(t.peers, oldID)
		return
	}
	delete(t.peers, oldID)
	p.NodeID = newID
	t.peers[newID] = p
	log.Debug("peer %s identified as %s", oldID, newID)
}

func (t *PeerTable) Get(id string) (*PeerRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	return p, ok
}

// All returns a snapshot of the current records.
func (t *PeerTable) All() []*PeerRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*PeerRecord, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

func (t *PeerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// EvictSilent removes learned peers not heard from within the timeout.
// Manual peers stay: only discovery silence evicts, and a manual hint is a
// standing instruction, not a discovery.
func (t *PeerTable) EvictSilent(timeout time.Duration) []string {
	cutoff := time.Now().Add(-timeout)
	t.mu.Lock()
	defer t.mu.Unlock()
	var evicted []string
	for id, p := range t.peers {
		if p.Manual {
			continue
		}
		if p.LastSeen().Before(cutoff) {
			delete(t.peers, id)
			evicted = append(evicted, id)
			log.Info("evicted silent peer %s", id)
		}
	}
	return evicted
}
