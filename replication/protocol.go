package replication

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/snappy"
	"github.com/pkg/errors"
	msgpack "github.com/vmihailenco/msgpack/v4"

	"github.com/kegdisplay/tapsync/changelog"
	"github.com/kegdisplay/tapsync/node"
)

// ProtoVersion gates incompatible sync-protocol changes.
const ProtoVersion uint8 = 1

// Frames larger than this are rejected as corrupt.
const maxFrameSize = 8 << 20

// MessageKind tags the sync-connection frame variants. Keeping the variant
// set explicit keeps the session state machine exhaustive.
type MessageKind int8

const (
	KindHello MessageKind = iota
	KindRequest
	KindEntries
	KindComplete
	KindError
)

func (k MessageKind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindRequest:
		return "request"
	case KindEntries:
		return "entries"
	case KindComplete:
		return "complete"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrorCode classifies Error frames.
type ErrorCode int8

const (
	// CodeResyncRequired: the provider no longer holds the requested range;
	// the requester must re-request the origin's full log.
	CodeResyncRequired ErrorCode = iota
	// CodeProtoMismatch: incompatible protocol versions.
	CodeProtoMismatch
	// CodeInternal: provider-side failure unrelated to the protocol.
	CodeInternal
)

// Hello opens a session in both directions: identity, role, and the full
// per-origin applied watermark map.
type Hello struct {
	Proto      uint8             `msgpack:"proto"`
	NodeID     string            `msgpack:"node_id"`
	Role       node.Role         `msgpack:"role"`
	Watermarks map[string]uint64 `msgpack:"watermarks"`
}

// Request names what the sending side wants from the other side: for each
// origin, entries after the given sequence. Origins listed in Full are
// requested from sequence zero after a resync-required condition.
type Request struct {
	Wants map[string]uint64 `msgpack:"wants"`
	Full  []string          `msgpack:"full,omitempty"`
}

// Entries carries one snappy-compressed batch of entries for a single
// origin, in increasing sequence order.
type Entries struct {
	Origin string `msgpack:"origin"`
	Batch  []byte `msgpack:"batch"`
}

// ErrorFrame reports a session-fatal condition to the peer.
type ErrorFrame struct {
	Code   ErrorCode `msgpack:"code"`
	Origin string    `msgpack:"origin,omitempty"`
	Msg    string    `msgpack:"msg"`
}

// Frame is the tagged union written on the wire.
type Frame struct {
	Kind    MessageKind `msgpack:"kind"`
	Hello   *Hello      `msgpack:"hello,omitempty"`
	Request *Request    `msgpack:"request,omitempty"`
	Entries *Entries    `msgpack:"entries,omitempty"`
	Error   *ErrorFrame `msgpack:"error,omitempty"`
}

func writeFrame(w *bufio.Writer, f *Frame) error {
	data, err := msgpack.Marshal(f)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s frame", f.Kind)
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(data)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return errors.Wrap(err, "failed to write frame length")
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrapf(err, "failed to write %s frame", f.Kind)
	}
	return errors.Wrap(w.Flush(), "failed to flush frame")
}

func readFrame(r *bufio.Reader) (*Frame, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read frame length")
	}
	if size > maxFrameSize {
		return nil, errors.Errorf("frame of %d bytes exceeds limit", size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errors.Wrap(err, "failed to read frame body")
	}
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "failed to decode frame")
	}
	return &f, nil
}

// encodeBatch packs entries into the compressed Entries payload.
func encodeBatch(entries []changelog.Entry) ([]byte, error) {
	data, err := msgpack.Marshal(entries)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode entry batch")
	}
	return snappy.Encode(nil, data), nil
}

// decodeBatch unpacks an Entries payload.
func decodeBatch(batch []byte) ([]changelog.Entry, error) {
	data, err := snappy.Decode(nil, batch)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decompress entry batch")
	}
	var entries []changelog.Entry
	if err := msgpack.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrap(err, "failed to decode entry batch")
	}
	return entries, nil
}
