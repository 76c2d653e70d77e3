package replication

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kegdisplay/tapsync/changelog"
	"github.com/kegdisplay/tapsync/node"
)

func TestFrame_Roundtrip(t *testing.T) {
	t.Parallel()
	// --- given ---
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	sent := &Frame{Kind: KindHello, Hello: &Hello{
		Proto:      ProtoVersion,
		NodeID:     "node-a",
		Role:       node.RolePrimary,
		Watermarks: map[string]uint64{"node-a": 12, "node-b": 3},
	}}

	// --- when ---
	require.NoError(t, writeFrame(w, sent))
	got, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)

	// --- then ---
	require.Equal(t, KindHello, got.Kind)
	require.NotNil(t, got.Hello)
	assert.Equal(t, sent.Hello.NodeID, got.Hello.NodeID)
	assert.Equal(t, sent.Hello.Role, got.Hello.Role)
	assert.Equal(t, sent.Hello.Watermarks, got.Hello.Watermarks)
}

func TestFrame_RoundtripRequest(t *testing.T) {
	t.Parallel()
	// --- given ---
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	sent := &Frame{Kind: KindRequest, Request: &Request{
		Wants: map[string]uint64{"node-a": 4},
		Full:  []string{"node-c"},
	}}

	// --- when ---
	require.NoError(t, writeFrame(w, sent))
	got, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)

	// --- then ---
	require.Equal(t, KindRequest, got.Kind)
	require.NotNil(t, got.Request)
	assert.Equal(t, sent.Request.Wants, got.Request.Wants)
	assert.Equal(t, sent.Request.Full, got.Request.Full)
}

func TestFrame_RejectsOversizeLength(t *testing.T) {
	t.Parallel()
	// --- given ---
	// A corrupt length prefix claiming a frame beyond the limit.
	var buf bytes.Buffer
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], maxFrameSize+1)
	buf.Write(lenBuf[:n])

	// --- when ---
	_, err := readFrame(bufio.NewReader(&buf))

	// --- then ---
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestBatch_Roundtrip(t *testing.T) {
	t.Parallel()
	// --- given ---
	entries := []changelog.Entry{
		{Origin: "node-a", Sequence: 1, Table: "beers", Op: changelog.OpInsert,
			RowKey: 1, Payload: []byte{0x81}, Timestamp: time.Unix(100, 0).UTC()},
		{Origin: "node-a", Sequence: 2, Table: "beers", Op: changelog.OpDelete,
			RowKey: 1, Timestamp: time.Unix(101, 0).UTC()},
	}

	// --- when ---
	batch, err := encodeBatch(entries)
	require.NoError(t, err)
	got, err := decodeBatch(batch)
	require.NoError(t, err)

	// --- then ---
	require.Len(t, got, 2)
	assert.Equal(t, entries[0].Origin, got[0].Origin)
	assert.Equal(t, entries[0].Sequence, got[0].Sequence)
	assert.Equal(t, entries[0].Payload, got[0].Payload)
	assert.Equal(t, entries[1].Op, got[1].Op)
}

func TestBatch_RejectsGarbage(t *testing.T) {
	t.Parallel()
	_, err := decodeBatch([]byte("not snappy data"))
	require.Error(t, err)
}
