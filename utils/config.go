package utils

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/kegdisplay/tapsync/node"
	"github.com/kegdisplay/tapsync/utils/log"
)

const (
	DefaultBroadcastPort     = 5002
	DefaultSyncPort          = 5003
	DefaultHeartbeatInterval = 5 * time.Second
	// Eviction timeout is kept at >= 3x the heartbeat interval so a couple of
	// lost datagrams do not drop a live peer.
	DefaultPeerTimeout     = 15 * time.Second
	DefaultPollInterval    = 30 * time.Second
	DefaultStopGracePeriod = 3 * time.Second
)

// ConflictPolicy decides which write survives when the primary and a
// secondary both mutated the same row while out of contact.
type ConflictPolicy int8

const (
	// PolicyPrimaryWins suppresses a secondary-origin mutation whose target
	// row was last written by the primary.
	PolicyPrimaryWins ConflictPolicy = iota
	// PolicyLastSequenceWins applies whichever entry arrives with no
	// origin-based preference.
	PolicyLastSequenceWins
)

func (p ConflictPolicy) String() string {
	if p == PolicyLastSequenceWins {
		return "last-sequence-wins"
	}
	return "primary-wins"
}

// Config is the validated tapsync instance configuration.
type Config struct {
	NodeID            string
	Role              node.Role
	DBPath            string
	BroadcastPort     int
	SyncPort          int
	ListenURL         string
	Peers             []string
	TestMode          bool
	HeartbeatInterval time.Duration
	PeerTimeout       time.Duration
	PollInterval      time.Duration
	StopGracePeriod   time.Duration
	ConflictPolicy    ConflictPolicy
	StartTime         time.Time
}

// ParseConfig parses the YAML configuration, applies defaults and validates.
func ParseConfig(data []byte) (*Config, error) {
	var aux struct {
		NodeID            string   `yaml:"node_id"`
		Role              string   `yaml:"role"`
		DBPath            string   `yaml:"db_path"`
		BroadcastPort     int      `yaml:"broadcast_port"`
		SyncPort          int      `yaml:"sync_port"`
		ListenURL         string   `yaml:"listen_url"`
		Peers             []string `yaml:"peers"`
		TestMode          bool     `yaml:"test_mode"`
		LogLevel          string   `yaml:"log_level"`
		HeartbeatInterval int      `yaml:"heartbeat_interval"`
		PeerTimeout       int      `yaml:"peer_timeout"`
		PollInterval      int      `yaml:"poll_interval"`
		StopGracePeriod   int      `yaml:"stop_grace_period"`
		ConflictPolicy    string   `yaml:"conflict_policy"`
	}

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config yaml")
	}

	if aux.DBPath == "" {
		return nil, errors.New("db_path must be set")
	}

	role, err := node.ParseRole(aux.Role)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		NodeID:            aux.NodeID,
		Role:              role,
		DBPath:            aux.DBPath,
		BroadcastPort:     aux.BroadcastPort,
		SyncPort:          aux.SyncPort,
		ListenURL:         aux.ListenURL,
		Peers:             aux.Peers,
		TestMode:          aux.TestMode,
		HeartbeatInterval: DefaultHeartbeatInterval,
		PeerTimeout:       DefaultPeerTimeout,
		PollInterval:      DefaultPollInterval,
		StopGracePeriod:   DefaultStopGracePeriod,
	}

	if cfg.BroadcastPort == 0 {
		cfg.BroadcastPort = DefaultBroadcastPort
	}
	if cfg.SyncPort == 0 {
		cfg.SyncPort = DefaultSyncPort
	}
	if aux.HeartbeatInterval > 0 {
		cfg.HeartbeatInterval = time.Duration(aux.HeartbeatInterval) * time.Second
	}
	if aux.PeerTimeout > 0 {
		cfg.PeerTimeout = time.Duration(aux.PeerTimeout) * time.Second
	}
	if aux.PollInterval > 0 {
		cfg.PollInterval = time.Duration(aux.PollInterval) * time.Second
	}
	if aux.StopGracePeriod > 0 {
		cfg.StopGracePeriod = time.Duration(aux.StopGracePeriod) * time.Second
	}
	if cfg.PeerTimeout < 3*cfg.HeartbeatInterval {
		log.Warn("peer_timeout %v is below 3x heartbeat_interval %v; lost datagrams may evict live peers",
			cfg.PeerTimeout, cfg.HeartbeatInterval)
	}

	switch strings.ToLower(strings.TrimSpace(aux.ConflictPolicy)) {
	case "", "primary-wins":
		cfg.ConflictPolicy = PolicyPrimaryWins
	case "last-sequence-wins":
		cfg.ConflictPolicy = PolicyLastSequenceWins
	default:
		return nil, errors.Errorf("unknown conflict_policy %q", aux.ConflictPolicy)
	}

	if aux.LogLevel != "" {
		switch strings.ToLower(aux.LogLevel) {
		case "debug":
			log.SetLevel(log.DEBUG)
		case "info":
			log.SetLevel(log.INFO)
		case "warning":
			log.SetLevel(log.WARNING)
		case "error":
			log.SetLevel(log.ERROR)
		case "fatal":
			log.SetLevel(log.FATAL)
		default:
			log.Error("invalid log_level %q, defaulting to info", aux.LogLevel)
		}
	}

	return cfg, nil
}
