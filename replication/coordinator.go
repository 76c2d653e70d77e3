// Package replication keeps divergent local databases convergent: it decides
// when to talk to which peer, transfers the precisely missing change-log
// entries over point-to-point sessions, and serializes their application to
// the local database in per-origin order.
package replication

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/kegdisplay/tapsync/changelog"
	"github.com/kegdisplay/tapsync/discovery"
	"github.com/kegdisplay/tapsync/node"
	"github.com/kegdisplay/tapsync/utils/log"
)

// Config carries the coordinator's tunables.
type Config struct {
	NodeID       string
	Role         node.Role
	ListenAddr   string
	MaxSessions  int
	PeerTimeout  time.Duration
	PollInterval time.Duration
	Session      SessionConfig
	Backoff      Backoff
}

const defaultMaxSessions = 4

// Coordinator owns the peer table and every session lifecycle. Discovery is
// only a hint to it: even with every datagram lost, the periodic poll over
// manual peers keeps replication correct.
type Coordinator struct {
	cfg       Config
	clog      *changelog.Store
	db        Applier
	transport Transport

	peers  *PeerTable
	resync *resyncSet
	sem    chan struct{}
	kickC  chan string
}

// NewCoordinator wires the coordinator. Run must be called to start it.
func NewCoordinator(cfg Config, clog *changelog.Store, db Applier, transport Transport) *Coordinator {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.Backoff.Interval == 0 {
		cfg.Backoff = DefaultBackoff()
	}
	cfg.Session.NodeID = cfg.NodeID
	cfg.Session.Role = cfg.Role
	cfg.Session.fill()
	return &Coordinator{
		cfg:       cfg,
		clog:      clog,
		db:        db,
		transport: transport,
		peers:     NewPeerTable(),
		resync:    newResyncSet(),
		sem:       make(chan struct{}, cfg.MaxSessions),
		kickC:     make(chan string, 64),
	}
}

// Peers exposes the peer table for inspection (logging, tests, status).
func (c *Coordinator) Peers() *PeerTable {
	return c.peers
}

// AddManualPeer registers a configured peer address. Manual peers are
// treated like learned ones but never time out.
func (c *Coordinator) AddManualPeer(addr string) {
	c.peers.AddManual(addr)
}

// OnAnnouncement implements discovery.Handler. It refreshes the peer table
// and emits a sync kick when the peer advertises entries beyond our applied
// watermark for any origin.
func (c *Coordinator) OnAnnouncement(a discovery.Announcement, syncAddr string) {
	p := c.peers.Upsert(a.NodeID, a.Role, syncAddr, a.Watermarks)
	if a.Role == node.RolePrimary {
		c.db.SetPrimary(a.NodeID)
	}

	gap, err := c.versionGap(a.Watermarks)
	if err != nil {
		log.Error("failed to compute version gap for peer %s: %v", a.NodeID, err)
		return
	}
	if gap {
		log.Debug("version gap detected behind peer %s", p.NodeID)
		c.kick(p.NodeID)
	}
}

// versionGap reports whether the advertised watermarks exceed ours for any
// origin other than ourselves.
func (c *Coordinator) versionGap(theirs map[string]uint64) (bool, error) {
	ours, err := c.db.AppliedWatermarks()
	if err != nil {
		return false, err
	}
	for origin, seq := range theirs {
		if origin == c.cfg.NodeID {
			continue
		}
		if seq > ours[origin] || c.resync.needs(origin) {
			return true, nil
		}
	}
	return false, nil
}

// kick schedules a sync attempt with the peer. Dropping a kick is harmless;
// the poll timer covers it.
func (c *Coordinator) kick(peerID string) {
	select {
	case c.kickC <- peerID:
	default:
	}
}

// SyncPeer requests an immediate sync round with a peer, used after local
// commits on a secondary and by tests.
func (c *Coordinator) SyncPeer(peerID string) {
	c.kick(peerID)
}

// KickAll schedules a sync round with every known peer, used right after a
// local commit so changes propagate without waiting for a heartbeat cycle.
func (c *Coordinator) KickAll() {
	for _, p := range c.peers.All() {
		c.kick(p.NodeID)
	}
}

// Run starts the sync listener, the poll timer and the eviction janitor, and
// blocks until the context is canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	ln, err := c.transport.Listen(c.cfg.ListenAddr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go c.acceptLoop(ctx, ln)

	pollTicker := time.NewTicker(c.cfg.PollInterval)
	defer pollTicker.Stop()
	evictEvery := c.cfg.PeerTimeout / 3
	if evictEvery <= 0 {
		evictEvery = 5 * time.Second
	}
	evictTicker := time.NewTicker(evictEvery)
	defer evictTicker.Stop()

	// Reach out to manual peers right away rather than waiting a poll cycle.
	c.pollAll(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown sync coordinator")
			return nil
		case peerID := <-c.kickC:
			if p, ok := c.peers.Get(peerID); ok {
				c.attempt(ctx, p)
			}
		case <-pollTicker.C:
			c.pollAll(ctx)
		case <-evictTicker.C:
			c.peers.EvictSilent(c.cfg.PeerTimeout)
		}
	}
}

func (c *Coordinator) pollAll(ctx context.Context) {
	for _, p := range c.peers.All() {
		c.attempt(ctx, p)
	}
}

// attempt opens a dial-side session with the peer unless one is already in
// flight, backoff has not elapsed, or the session budget is exhausted.
func (c *Coordinator) attempt(ctx context.Context, p *PeerRecord) {
	if p.Addr() == "" {
		return
	}
	if !p.TryAcquire() {
		return
	}
	select {
	case c.sem <- struct{}{}:
	default:
		// Session budget exhausted; the poll timer retries.
		p.Release(nil, c.cfg.Backoff)
		return
	}

	go func() {
		err := c.runDialSession(ctx, p)
		p.Release(err, c.cfg.Backoff)
		<-c.sem
	}()
}

func (c *Coordinator) runDialSession(ctx context.Context, p *PeerRecord) error {
	conn, err := c.transport.Dial(ctx, p.Addr())
	if err != nil {
		return err
	}

	register := func(peerID string, role node.Role, marks map[string]uint64) (func(error), error) {
		// A manual peer is keyed by address until its identity is learned.
		if p.NodeID != peerID {
			c.peers.Rebind(p.NodeID, peerID)
		}
		p.Refresh(role, "", marks)
		return func(error) {}, nil
	}

	sess := newSession(c.cfg.Session, conn, c.clog, c.db, true, c.resync, register)
	if err := sess.Run(ctx); err != nil {
		return err
	}
	log.Debug("sync round with peer %s complete", sess.PeerID())
	return nil
}

func (c *Coordinator) acceptLoop(ctx context.Context, ln Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				log.Info("shutdown sync listener")
				return
			}
			log.Warn("sync accept failed: %v", err)
			continue
		}
		select {
		case c.sem <- struct{}{}:
		default:
			log.Warn("rejecting inbound session from %s: session budget exhausted", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}
		go func() {
			defer func() { <-c.sem }()
			c.runAcceptSession(ctx, conn)
		}()
	}
}

func (c *Coordinator) runAcceptSession(ctx context.Context, conn Conn) {
	register := func(peerID string, role node.Role, marks map[string]uint64) (func(error), error) {
		p := c.peers.Upsert(peerID, role, "", marks)
		if !p.TryAcquire() {
			return nil, errors.Errorf("session with peer %s already in flight", peerID)
		}
		return func(err error) { p.Release(err, c.cfg.Backoff) }, nil
	}

	sess := newSession(c.cfg.Session, conn, c.clog, c.db, false, c.resync, register)
	if err := sess.Run(ctx); err != nil {
		log.Warn("inbound session from %s failed: %v", conn.RemoteAddr(), err)
	}
}
