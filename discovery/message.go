package discovery

import (
	"github.com/pkg/errors"
	msgpack "github.com/vmihailenco/msgpack/v4"

	"github.com/kegdisplay/tapsync/node"
)

// ProtoVersion gates incompatible datagram changes. A receiver drops
// announcements from a different protocol version.
const ProtoVersion uint8 = 1

// Kind tags the announcement variants.
type Kind int8

const (
	// KindHeartbeat is the periodic presence announcement.
	KindHeartbeat Kind = iota
	// KindUpdate is sent immediately after a local commit so peers detect
	// the version gap without waiting for the next heartbeat.
	KindUpdate
)

func (k Kind) String() string {
	if k == KindUpdate {
		return "update"
	}
	return "heartbeat"
}

// Announcement is the broadcast datagram: node identity, role, where to open
// sync connections, and the per-origin applied watermark summary.
type Announcement struct {
	Proto      uint8             `msgpack:"proto"`
	Kind       Kind              `msgpack:"kind"`
	NodeID     string            `msgpack:"node_id"`
	Role       node.Role         `msgpack:"role"`
	SyncPort   int               `msgpack:"sync_port"`
	Watermarks map[string]uint64 `msgpack:"watermarks"`
}

// Encode serializes the announcement for the wire.
func (a Announcement) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(a)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode announcement")
	}
	return data, nil
}

// DecodeAnnouncement parses a datagram, rejecting foreign protocol versions.
func DecodeAnnouncement(data []byte) (Announcement, error) {
	var a Announcement
	if err := msgpack.Unmarshal(data, &a); err != nil {
		return Announcement{}, errors.Wrap(err, "failed to decode announcement")
	}
	if a.Proto != ProtoVersion {
		return Announcement{}, errors.Errorf("announcement protocol version %d, want %d", a.Proto, ProtoVersion)
	}
	if a.NodeID == "" {
		return Announcement{}, errors.New("announcement without node_id")
	}
	return a, nil
}
