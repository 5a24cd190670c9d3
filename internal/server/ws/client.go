package ws

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout   = 10 * time.Second
	idleTimeout    = 60 * time.Second
	pingInterval   = idleTimeout * 9 / 10
	maxInboundSize = 4096
	sendQueueSize  = 256
)

// subscribeMsg is sent by clients to change subscriptions. Channel names
// may end in * to match a prefix, e.g. "book:mkt-1/*".
type subscribeMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// channelFilter selects the channels a client receives. Entries ending in *
// match by prefix; a lone * matches everything.
type channelFilter struct {
	mu       sync.RWMutex
	exact    map[string]struct{}
	prefixes []string
}

func newChannelFilter(channels ...string) *channelFilter {
	f := &channelFilter{}
	f.reset(channels)
	return f
}

func (f *channelFilter) reset(channels []string) {
	f.exact = make(map[string]struct{}, len(channels))
	f.prefixes = nil
	f.add(channels)
}

func (f *channelFilter) add(channels []string) {
	for _, ch := range channels {
		if p, ok := strings.CutSuffix(ch, "*"); ok {
			f.prefixes = append(f.prefixes, p)
			continue
		}
		f.exact[ch] = struct{}{}
	}
}

func (f *channelFilter) remove(channels []string) {
	for _, ch := range channels {
		if p, ok := strings.CutSuffix(ch, "*"); ok {
			kept := f.prefixes[:0]
			for _, q := range f.prefixes {
				if q != p {
					kept = append(kept, q)
				}
			}
			f.prefixes = kept
			continue
		}
		delete(f.exact, ch)
	}
}

// apply updates the filter from a client request. Unknown actions are
// ignored.
func (f *channelFilter) apply(msg subscribeMsg) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		f.add(msg.Channels)
	case "unsubscribe":
		f.remove(msg.Channels)
	case "reset":
		f.reset(msg.Channels)
	}
}

func (f *channelFilter) matches(channel string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if _, ok := f.exact[channel]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(channel, p) {
			return true
		}
	}
	return false
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	filter *channelFilter
}

func newClient(h *Hub, conn *websocket.Conn) *client {
	return &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		filter: newChannelFilter("*"),
	}
}

// readLoop applies subscription requests until the peer goes away or stops
// answering pings.
func (c *client) readLoop() {
	defer func() {
		c.hub.detach(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInboundSize)
	extend := func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	}
	_ = extend("")
	c.conn.SetPongHandler(extend)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg subscribeMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		c.filter.apply(msg)
	}
}

// writeLoop drains the send queue and keeps the connection alive with pings.
// A closed queue means the hub dropped this client.
func (c *client) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	write := func(kind int, payload []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return c.conn.WriteMessage(kind, payload)
	}
	for {
		select {
		case msg, open := <-c.send:
			if !open {
				_ = write(websocket.CloseMessage, nil)
				return
			}
			if write(websocket.TextMessage, msg) != nil {
				return
			}
		case <-ping.C:
			if write(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}
