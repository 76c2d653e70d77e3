// Package stream pushes committed-change notifications to display renderers
// over websockets, so a display repaints the moment the tap list changes
// instead of polling the database.
package stream

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/eapache/channels"
	"github.com/gobwas/glob"
	"github.com/gorilla/websocket"
	msgpack "github.com/vmihailenco/msgpack/v4"

	"github.com/kegdisplay/tapsync/changelog"
	"github.com/kegdisplay/tapsync/utils/log"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// UpdateMessage is pushed to subscribers whose patterns match the changed
// row's key ("table/rowkey", e.g. "beers/3").
type UpdateMessage struct {
	Key      string `msgpack:"key"`
	Table    string `msgpack:"table"`
	RowKey   int64  `msgpack:"row_key"`
	Op       string `msgpack:"op"`
	Origin   string `msgpack:"origin"`
	Sequence uint64 `msgpack:"seq"`
}

// SubscribeMessage is the inbound subscription request.
type SubscribeMessage struct {
	Streams []string `msgpack:"streams"`
}

// ErrorMessage reports an invalid subscription back to the client.
type ErrorMessage struct {
	Error string `msgpack:"error"`
}

// Subscriber is one connected renderer.
type Subscriber struct {
	sync.RWMutex
	c        *websocket.Conn
	done     chan struct{}
	doneOnce sync.Once
	streams  map[string]glob.Glob
}

func (s *Subscriber) close() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Subscribed matches the subscriber's patterns against an update key.
func (s *Subscriber) Subscribed(key string) bool {
	s.RLock()
	defer s.RUnlock()
	for _, g := range s.streams {
		if g.Match(key) {
			return true
		}
	}
	return false
}

func (s *Subscriber) handleInbound(msg SubscribeMessage) error {
	m := map[string]glob.Glob{}
	for _, stream := range msg.Streams {
		g, err := glob.Compile(stream, '/')
		if err != nil {
			return fmt.Errorf("%s is an invalid stream pattern", stream)
		}
		m[stream] = g
	}
	s.Lock()
	defer s.Unlock()
	s.streams = m
	return nil
}

func (s *Subscriber) send(buf []byte) error {
	s.Lock()
	defer s.Unlock()
	_ = s.c.SetWriteDeadline(time.Now().Add(writeWait))
	return s.c.WriteMessage(websocket.BinaryMessage, buf)
}

// Hub fans committed-change notifications out to every matching subscriber.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscriber]struct{}
	send *channels.InfiniteChannel
}

func NewHub() *Hub {
	h := &Hub{
		subs: map[*Subscriber]struct{}{},
		send: channels.NewInfiniteChannel(),
	}
	go h.fanout()
	return h
}

// Publish queues an update for delivery. It never blocks the commit path.
func (h *Hub) Publish(e changelog.Entry) {
	h.send.In() <- UpdateMessage{
		Key:      fmt.Sprintf("%s/%d", e.Table, e.RowKey),
		Table:    e.Table,
		RowKey:   e.RowKey,
		Op:       e.Op.String(),
		Origin:   e.Origin,
		Sequence: e.Sequence,
	}
}

// Close stops the fan-out loop.
func (h *Hub) Close() {
	h.send.Close()
}

func (h *Hub) fanout() {
	for raw := range h.send.Out() {
		msg, ok := raw.(UpdateMessage)
		if !ok {
			continue
		}
		buf, err := msgpack.Marshal(msg)
		if err != nil {
			log.Error("stream: failed to encode update: %v", err)
			continue
		}
		h.mu.RLock()
		for sub := range h.subs {
			if !sub.Subscribed(msg.Key) {
				continue
			}
			if err := sub.send(buf); err != nil {
				log.Debug("stream: dropping slow subscriber: %v", err)
				sub.close()
			}
		}
		h.mu.RUnlock()
	}
}

func (h *Hub) add(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[sub] = struct{}{}
}

func (h *Hub) remove(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
}

// Handler upgrades an HTTP request to a websocket subscription.
func (h *Hub) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("stream: websocket upgrade failed: %v", err)
		return
	}
	sub := &Subscriber{
		c:       conn,
		done:    make(chan struct{}),
		streams: map[string]glob.Glob{},
	}
	h.add(sub)
	defer func() {
		h.remove(sub)
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-sub.done:
			return
		default:
		}
		_, buf, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg SubscribeMessage
		if err := msgpack.Unmarshal(buf, &msg); err != nil {
			continue
		}
		if err := sub.handleInbound(msg); err != nil {
			if out, mErr := msgpack.Marshal(ErrorMessage{Error: err.Error()}); mErr == nil {
				_ = sub.send(out)
			}
		}
	}
}
