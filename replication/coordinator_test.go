package replication

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kegdisplay/tapsync/discovery"
	"github.com/kegdisplay/tapsync/node"
)

func startCoordinator(t *testing.T, n *testNode, mem *MemNetwork, peers ...string) *Coordinator {
	t.Helper()
	c := NewCoordinator(Config{
		NodeID:       n.id,
		Role:         n.role,
		ListenAddr:   n.id,
		MaxSessions:  2,
		PeerTimeout:  time.Second,
		PollInterval: 25 * time.Millisecond,
		Backoff:      Backoff{Interval: 10 * time.Millisecond, Coeff: 2, Cap: 100 * time.Millisecond},
	}, n.clog, n.db, mem.Transport())
	for _, addr := range peers {
		c.AddManualPeer(addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		if err := c.Run(ctx); err != nil {
			t.Errorf("coordinator %s failed: %v", n.id, err)
		}
	}()
	return c
}

func eventuallyBeerCount(t *testing.T, n *testNode, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(n.beerNames(t)) == want
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCoordinator_ManualPeerConvergence(t *testing.T) {
	t.Parallel()
	// --- given ---
	// Discovery is absent; a manual peer hint alone must drive convergence.
	mem := NewMemNetwork()
	primary := newTestNode(t, "primary", node.RolePrimary)
	secondary := newTestNode(t, "node-b", node.RoleSecondary)
	primary.commitBeer(t, 1, "Helles")
	primary.commitBeer(t, 2, "Stout")

	// --- when ---
	startCoordinator(t, primary, mem)
	startCoordinator(t, secondary, mem, "primary")

	// --- then ---
	eventuallyBeerCount(t, secondary, 2)

	// Later commits are picked up by the next poll cycle.
	primary.commitBeer(t, 3, "Saison")
	eventuallyBeerCount(t, secondary, 3)
}

func TestCoordinator_RelayThroughIntermediary(t *testing.T) {
	t.Parallel()
	// --- given ---
	// node-c can only reach node-b, which can reach the primary. The
	// primary's entries must flow through node-b's relayed log.
	mem := NewMemNetwork()
	a := newTestNode(t, "primary", node.RolePrimary)
	b := newTestNode(t, "node-b", node.RoleSecondary)
	c := newTestNode(t, "node-c", node.RoleSecondary)
	a.commitBeer(t, 1, "Helles")
	a.commitBeer(t, 2, "Stout")

	// --- when ---
	startCoordinator(t, a, mem)
	startCoordinator(t, b, mem, "primary")
	startCoordinator(t, c, mem, "node-b")

	// --- then ---
	eventuallyBeerCount(t, c, 2)
	require.Eventually(t, func() bool {
		seq, err := c.store.AppliedSequence("primary")
		return err == nil && seq == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCoordinator_SyncPeerKicksImmediately(t *testing.T) {
	t.Parallel()
	// --- given ---
	mem := NewMemNetwork()
	primary := newTestNode(t, "primary", node.RolePrimary)
	secondary := newTestNode(t, "node-b", node.RoleSecondary)
	coordP := startCoordinator(t, primary, mem)
	startCoordinator(t, secondary, mem, "primary")
	eventuallyBeerCount(t, secondary, 0)

	// --- when ---
	// A local commit on the primary kicks every known peer right away.
	primary.commitBeer(t, 1, "Helles")
	require.Eventually(t, func() bool {
		coordP.KickAll()
		return len(secondary.beerNames(t)) == 1
	}, 5*time.Second, 20*time.Millisecond)

	// --- then ---
	assert.Equal(t, []string{"Helles"}, secondary.beerNames(t))
}

func TestCoordinator_OnAnnouncementKicksWhenBehind(t *testing.T) {
	t.Parallel()
	// --- given ---
	n := newTestNode(t, "node-b", node.RoleSecondary)
	c := NewCoordinator(Config{
		NodeID: n.id, Role: n.role, ListenAddr: n.id,
	}, n.clog, n.db, NewMemNetwork().Transport())

	// --- when ---
	// The peer advertises entries we have not applied.
	c.OnAnnouncement(discovery.Announcement{
		Proto:      discovery.ProtoVersion,
		Kind:       discovery.KindHeartbeat,
		NodeID:     "primary",
		Role:       node.RolePrimary,
		Watermarks: map[string]uint64{"primary": 3},
	}, "10.0.0.1:5003")

	// --- then ---
	select {
	case id := <-c.kickC:
		assert.Equal(t, "primary", id)
	default:
		t.Fatal("expected a sync kick for the lagging origin")
	}
	// The primary's identity also reached the conflict policy.
	assert.Equal(t, "primary", n.store.PrimaryID())
	_, known := c.Peers().Get("primary")
	assert.True(t, known)
}

func TestCoordinator_OnAnnouncementNoGapNoKick(t *testing.T) {
	t.Parallel()
	// --- given ---
	n := newTestNode(t, "node-b", node.RoleSecondary)
	c := NewCoordinator(Config{
		NodeID: n.id, Role: n.role, ListenAddr: n.id,
	}, n.clog, n.db, NewMemNetwork().Transport())

	// --- when ---
	// An announcement with nothing beyond our state is only a liveness hint.
	c.OnAnnouncement(discovery.Announcement{
		Proto:  discovery.ProtoVersion,
		Kind:   discovery.KindHeartbeat,
		NodeID: "node-c",
		Role:   node.RoleSecondary,
	}, "10.0.0.2:5003")

	// --- then ---
	select {
	case id := <-c.kickC:
		t.Fatalf("unexpected kick for %s", id)
	default:
	}
	assert.Equal(t, 1, c.Peers().Len())
}
