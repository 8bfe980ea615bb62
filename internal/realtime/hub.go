package realtime

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"

	"huddle/api/internal/logging"
	"huddle/api/internal/metrics"
)

// Frame is what travels over a websocket in either direction.
type Frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

var clientSeq atomic.Uint64

// Client is one websocket connection as seen by the hub.
type Client struct {
	seq      uint64
	SocketID string
	UserID   string
	DeviceID string

	mu     sync.Mutex
	send   chan []byte
	closed bool
	subs   map[string]struct{}
}

func NewClient(socketID, userID, deviceID string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{
		seq:      clientSeq.Add(1),
		SocketID: socketID,
		UserID:   userID,
		DeviceID: deviceID,
		send:     make(chan []byte, buffer),
		subs:     make(map[string]struct{}),
	}
}

// Send returns the outbound queue. It is closed when the hub drops the client.
func (c *Client) Send() <-chan []byte {
	return c.send
}

// trySend queues a frame without blocking and reports whether it fit.
func (c *Client) trySend(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// SendFrame queues a frame addressed to this client only.
func (c *Client) SendFrame(f Frame) bool {
	raw, err := json.Marshal(f)
	if err != nil {
		return false
	}
	return c.trySend(raw)
}

// Hub tracks local clients per channel and delivers envelopes to them.
// Membership changes happen under the lock; deliveries are serialized
// through Serve.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]struct{}
	channels map[string]map[*Client]struct{}
	inbox    chan Envelope
}

func NewHub(inboxSize int) *Hub {
	if inboxSize <= 0 {
		inboxSize = 1024
	}
	return &Hub{
		clients:  make(map[*Client]struct{}),
		channels: make(map[string]map[*Client]struct{}),
		inbox:    make(chan Envelope, inboxSize),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	metrics.RealtimeConnections.Inc()
	logging.Debug().Str("socket_id", c.SocketID).Str("user_id", c.UserID).Int("total_clients", total).Msg("realtime client connected")
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		h.removeLocked(c)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if ok {
		metrics.RealtimeConnections.Dec()
		logging.Debug().Str("socket_id", c.SocketID).Int("total_clients", total).Msg("realtime client disconnected")
	}
}

// removeLocked detaches c from every channel and closes its queue.
func (h *Hub) removeLocked(c *Client) {
	delete(h.clients, c)
	for name := range c.subs {
		if members := h.channels[name]; members != nil {
			delete(members, c)
			if len(members) == 0 {
				delete(h.channels, name)
			}
		}
	}
	c.subs = map[string]struct{}{}
	c.close()
}

func (h *Hub) Subscribe(c *Client, channel string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	members := h.channels[channel]
	if members == nil {
		members = make(map[*Client]struct{})
		h.channels[channel] = members
	}
	members[c] = struct{}{}
	c.subs[channel] = struct{}{}
	return true
}

func (h *Hub) Unsubscribe(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.subs, channel)
	if members := h.channels[channel]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.channels, channel)
		}
	}
}

// Deliver queues an envelope for local fan-out. It never blocks; when the
// queue is full the envelope is dropped.
func (h *Hub) Deliver(env Envelope) bool {
	select {
	case h.inbox <- env:
		return true
	default:
		logging.Warn().Str("channel", env.Channel).Str("event", env.Event).Msg("realtime inbox full, dropping event")
		return false
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Serve drains the inbox until ctx ends, then disconnects every client.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			closed := h.closeAll()
			logging.Info().Str("component", "realtime-hub").Int("clients_closed", closed).Msg("realtime hub stopped")
			return ctx.Err()
		case env := <-h.inbox:
			h.fanOut(env)
		}
	}
}

func (h *Hub) String() string {
	return "realtime-hub"
}

func (h *Hub) fanOut(env Envelope) {
	raw, err := json.Marshal(Frame{Event: env.Event, Channel: env.Channel, Data: env.Data})
	if err != nil {
		logging.Error().Err(err).Str("event", env.Event).Msg("encode realtime frame")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.channels[env.Channel]
	targets := make([]*Client, 0, len(members))
	for c := range members {
		if env.ExcludeSocket != "" && c.SocketID == env.ExcludeSocket {
			continue
		}
		targets = append(targets, c)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].seq < targets[j].seq })

	for _, c := range targets {
		if c.trySend(raw) {
			continue
		}
		// Full queue: drop the client.
		h.removeLocked(c)
		metrics.RealtimeConnections.Dec()
		metrics.RealtimeDropped.Inc()
		logging.Warn().Str("socket_id", c.SocketID).Str("user_id", c.UserID).Msg("realtime client too slow, dropped")
	}
}

func (h *Hub) closeAll() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.clients)
	for c := range h.clients {
		h.removeLocked(c)
		metrics.RealtimeConnections.Dec()
	}
	return n
}
