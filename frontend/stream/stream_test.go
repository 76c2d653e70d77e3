package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	msgpack "github.com/vmihailenco/msgpack/v4"

	"github.com/kegdisplay/tapsync/changelog"
)

func TestSubscriber_Subscribed(t *testing.T) {
	t.Parallel()
	// --- given ---
	sub := &Subscriber{done: make(chan struct{})}
	require.NoError(t, sub.handleInbound(SubscribeMessage{Streams: []string{"beers/*"}}))

	// --- when / then ---
	assert.True(t, sub.Subscribed("beers/3"))
	assert.False(t, sub.Subscribed("taps/1"))
}

func TestSubscriber_WildcardAcrossTables(t *testing.T) {
	t.Parallel()
	sub := &Subscriber{done: make(chan struct{})}
	require.NoError(t, sub.handleInbound(SubscribeMessage{Streams: []string{"*/*"}}))

	assert.True(t, sub.Subscribed("beers/3"))
	assert.True(t, sub.Subscribed("taps/1"))
}

func TestSubscriber_RejectsInvalidPattern(t *testing.T) {
	t.Parallel()
	sub := &Subscriber{done: make(chan struct{})}
	err := sub.handleInbound(SubscribeMessage{Streams: []string{"beers/["}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid stream pattern")
}

func TestSubscriber_ResubscribeReplacesPatterns(t *testing.T) {
	t.Parallel()
	sub := &Subscriber{done: make(chan struct{})}
	require.NoError(t, sub.handleInbound(SubscribeMessage{Streams: []string{"beers/*"}}))
	require.NoError(t, sub.handleInbound(SubscribeMessage{Streams: []string{"taps/*"}}))

	assert.False(t, sub.Subscribed("beers/3"))
	assert.True(t, sub.Subscribed("taps/1"))
}

// waitSubscribed blocks until the hub has one subscriber with patterns set,
// since the subscribe message is processed asynchronously.
func waitSubscribed(t *testing.T, h *Hub) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		for sub := range h.subs {
			sub.RLock()
			n := len(sub.streams)
			sub.RUnlock()
			if n > 0 {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

func TestHub_DeliversMatchingUpdates(t *testing.T) {
	t.Parallel()
	// --- given ---
	h := NewHub()
	defer h.Close()
	srv := httptest.NewServer(http.HandlerFunc(h.Handler))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(srv.URL, "http")+"/", nil)
	require.NoError(t, err)
	defer conn.Close()

	sub, err := msgpack.Marshal(SubscribeMessage{Streams: []string{"beers/*"}})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, sub))
	waitSubscribed(t, h)

	// --- when ---
	h.Publish(changelog.Entry{
		Origin: "node-a", Sequence: 4, Table: "beers",
		Op: changelog.OpUpdate, RowKey: 3,
	})

	// --- then ---
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, buf, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg UpdateMessage
	require.NoError(t, msgpack.Unmarshal(buf, &msg))
	assert.Equal(t, "beers/3", msg.Key)
	assert.Equal(t, "update", msg.Op)
	assert.Equal(t, "node-a", msg.Origin)
	assert.Equal(t, uint64(4), msg.Sequence)
}

func TestHub_FiltersNonMatchingUpdates(t *testing.T) {
	t.Parallel()
	// --- given ---
	h := NewHub()
	defer h.Close()
	srv := httptest.NewServer(http.HandlerFunc(h.Handler))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(srv.URL, "http")+"/", nil)
	require.NoError(t, err)
	defer conn.Close()

	sub, err := msgpack.Marshal(SubscribeMessage{Streams: []string{"taps/*"}})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, sub))
	waitSubscribed(t, h)

	// --- when ---
	// A beers update, then a taps update. Only the latter is delivered.
	h.Publish(changelog.Entry{Origin: "node-a", Sequence: 1, Table: "beers", RowKey: 3})
	h.Publish(changelog.Entry{Origin: "node-a", Sequence: 2, Table: "taps", RowKey: 1})

	// --- then ---
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, buf, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg UpdateMessage
	require.NoError(t, msgpack.Unmarshal(buf, &msg))
	assert.Equal(t, "taps/1", msg.Key)
}
