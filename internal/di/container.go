// Package di wires the tapsync services together with lazily-built
// singletons so the start command stays declarative.
package di

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kegdisplay/tapsync/changelog"
	"github.com/kegdisplay/tapsync/discovery"
	"github.com/kegdisplay/tapsync/frontend"
	"github.com/kegdisplay/tapsync/frontend/stream"
	"github.com/kegdisplay/tapsync/node"
	"github.com/kegdisplay/tapsync/replication"
	"github.com/kegdisplay/tapsync/taplist"
	"github.com/kegdisplay/tapsync/utils"
	"github.com/kegdisplay/tapsync/utils/log"
)

type Container struct {
	cfg *utils.Config

	db        *sql.DB
	nodeID    string
	clog      *changelog.Store
	store     *taplist.Store
	memNet    *replication.MemNetwork
	transport replication.Transport
	coord     *replication.Coordinator
	disc      *discovery.Service
	synced    *frontend.SyncedDB
	hub       *stream.Hub
}

func NewContainer(cfg *utils.Config) *Container {
	return &Container{cfg: cfg}
}

func (c *Container) GetDB() *sql.DB {
	if c.db != nil {
		return c.db
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", c.cfg.DBPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		log.Fatal("failed to open database %s: %v", c.cfg.DBPath, err)
	}
	c.db = db
	return c.db
}

func (c *Container) GetNodeID() string {
	if c.nodeID != "" {
		return c.nodeID
	}
	if c.cfg.NodeID != "" {
		c.nodeID = c.cfg.NodeID
		return c.nodeID
	}
	id, err := node.LoadOrCreateID(c.cfg.DBPath + ".nodeid")
	if err != nil {
		log.Fatal("failed to establish node identity: %v", err)
	}
	c.nodeID = id
	return c.nodeID
}

func (c *Container) GetChangeLog() *changelog.Store {
	if c.clog != nil {
		return c.clog
	}
	clog, err := changelog.NewStore(c.GetDB(), c.GetNodeID())
	if err != nil {
		log.Fatal("failed to initialize change log: %v", err)
	}
	c.clog = clog
	return c.clog
}

func (c *Container) GetTapList() *taplist.Store {
	if c.store != nil {
		return c.store
	}
	store, err := taplist.NewStore(c.GetDB(), c.GetChangeLog(), c.cfg.ConflictPolicy)
	if err != nil {
		log.Fatal("failed to initialize taplist store: %v", err)
	}
	if c.cfg.Role == node.RolePrimary {
		store.SetPrimary(c.GetNodeID())
	}
	c.store = store
	return c.store
}

func (c *Container) GetTransport() replication.Transport {
	if c.transport != nil {
		return c.transport
	}
	if c.cfg.TestMode {
		c.memNet = replication.NewMemNetwork()
		c.transport = c.memNet.Transport()
	} else {
		c.transport = replication.NewTCPTransport()
	}
	return c.transport
}

// SyncListenAddr is the address the coordinator accepts sessions on: a TCP
// port in production, the node ID on the in-process test network.
func (c *Container) SyncListenAddr() string {
	if c.cfg.TestMode {
		return c.GetNodeID()
	}
	return fmt.Sprintf(":%d", c.cfg.SyncPort)
}

func (c *Container) GetCoordinator() *replication.Coordinator {
	if c.coord != nil {
		return c.coord
	}
	c.coord = replication.NewCoordinator(replication.Config{
		NodeID:       c.GetNodeID(),
		Role:         c.cfg.Role,
		ListenAddr:   c.SyncListenAddr(),
		PeerTimeout:  c.cfg.PeerTimeout,
		PollInterval: c.cfg.PollInterval,
	}, c.GetChangeLog(), c.GetTapList(), c.GetTransport())
	for _, addr := range c.cfg.Peers {
		c.coord.AddManualPeer(addr)
	}
	return c.coord
}

// GetDiscovery returns the discovery service, or nil in test mode where
// manual peers and coordinator polling replace broadcasts entirely.
func (c *Container) GetDiscovery() *discovery.Service {
	if c.cfg.TestMode {
		return nil
	}
	if c.disc != nil {
		return c.disc
	}
	c.disc = discovery.NewService(
		c.GetNodeID(), c.cfg.Role, c.cfg.BroadcastPort, c.cfg.SyncPort,
		c.cfg.HeartbeatInterval, c.GetTapList(), c.GetCoordinator(),
	)
	return c.disc
}

func (c *Container) GetStreamHub() *stream.Hub {
	if c.hub != nil {
		return c.hub
	}
	c.hub = stream.NewHub()
	return c.hub
}

func (c *Container) GetSyncedDB() *frontend.SyncedDB {
	if c.synced != nil {
		return c.synced
	}
	s := frontend.NewSyncedDB(c.GetDB(), c.GetChangeLog(), c.GetTapList())

	hub := c.GetStreamHub()
	coord := c.GetCoordinator()
	disc := c.GetDiscovery()
	s.OnCommit(func(e changelog.Entry) {
		hub.Publish(e)
		if disc != nil {
			disc.Announce(discovery.KindUpdate)
		}
		// Peers pull during bidirectional rounds, so kicking sessions also
		// pushes local commits outward without waiting for a heartbeat.
		coord.KickAll()
	})
	c.synced = s
	return c.synced
}
