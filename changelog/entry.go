package changelog

import (
	"bytes"
	"sort"
	"time"

	"github.com/pkg/errors"
	msgpack "github.com/vmihailenco/msgpack/v4"
)

// Operation is the kind of mutation an entry carries.
type Operation int8

const (
	OpInsert Operation = iota
	OpUpdate
	OpDelete
)

func (op Operation) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Entry is one committed mutation in a node's change log. Entries are
// immutable once appended and are identified system-wide by
// (Origin, Sequence). Timestamp is a wall-clock hint for diagnostics only and
// never participates in ordering.
type Entry struct {
	Origin    string    `msgpack:"origin"`
	Sequence  uint64    `msgpack:"seq"`
	Table     string    `msgpack:"table"`
	Op        Operation `msgpack:"op"`
	RowKey    int64     `msgpack:"row_key"`
	Payload   []byte    `msgpack:"payload"`
	Timestamp time.Time `msgpack:"ts"`
}

// EncodeRow serializes a column-name to value map into the canonical payload
// form. Keys are written in sorted order so the same row always produces the
// same bytes regardless of which node encoded it.
func EncodeRow(row map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeMapLen(len(keys)); err != nil {
		return nil, errors.Wrap(err, "failed to encode row map length")
	}
	for _, k := range keys {
		if err := enc.EncodeString(k); err != nil {
			return nil, errors.Wrapf(err, "failed to encode column name %q", k)
		}
		if err := enc.Encode(row[k]); err != nil {
			return nil, errors.Wrapf(err, "failed to encode value of column %q", k)
		}
	}
	return buf.Bytes(), nil
}

// DecodeRow deserializes a canonical payload back into a column map.
func DecodeRow(payload []byte) (map[string]interface{}, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode row map length")
	}
	row := make(map[string]interface{}, n)
	for i := 0; i < n; i++ {
		k, err := dec.DecodeString()
		if err != nil {
			return nil, errors.Wrap(err, "failed to decode column name")
		}
		v, err := dec.DecodeInterface()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode value of column %q", k)
		}
		row[k] = v
	}
	return row, nil
}
