// Package ws bridges signal bus channels to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polymatch/internal/domain"
	"github.com/alanyoungcy/polymatch/internal/service"
)

// busChannels are subscribed on the signal bus. book:* is a pattern.
var busChannels = []string{
	service.ChannelOrders,
	service.ChannelTrades,
	service.ChannelSettlement,
	service.ChannelBookPrefix + "*",
}

// Config carries hub metadata and the browser origins allowed to connect.
type Config struct {
	Mode           string
	StartedAt      time.Time
	AllowedOrigins []string
}

// Envelope wraps every message sent to clients.
type Envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type frame struct {
	channel string
	data    []byte
}

// Hub fans bus messages out to connected clients by channel.
type Hub struct {
	bus       domain.SignalBus
	upgrader  websocket.Upgrader
	mode      string
	startedAt time.Time
	logger    *slog.Logger
	frames    chan frame

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	started := cfg.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	return &Hub{
		bus:       bus,
		mode:      mode,
		startedAt: started,
		logger:    logger.With(slog.String("component", "ws")),
		frames:    make(chan frame, 256),
		clients:   make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originAllowed(cfg.AllowedOrigins),
		},
	}
}

// originAllowed accepts requests without an Origin header (non-browser
// clients) and, when no list is configured, every origin.
func originAllowed(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Run subscribes to the bus and delivers frames until ctx is cancelled, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	for _, ch := range busChannels {
		go h.relay(ctx, ch)
	}
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		case f := <-h.frames:
			h.deliver(f)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) deliver(f frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.filter.matches(f.channel) {
			continue
		}
		select {
		case c.send <- f.data:
		default:
			h.logger.Warn("dropping message for slow client", slog.String("channel", f.channel))
		}
	}
}

// attach registers c and queues its status frame. It reports false once the
// hub has shut down.
func (h *Hub) attach(c *client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	if status, err := h.statusFrame(n); err == nil {
		c.send <- status
	}
	h.mu.Unlock()
	h.logger.Info("client connected", slog.Int("clients", n))
	return true
}

// detach removes c and closes its send queue, at most once.
func (h *Hub) detach(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Info("client disconnected", slog.Int("clients", n))
	}
}

func (h *Hub) statusFrame(clients int) ([]byte, error) {
	data, err := json.Marshal(map[string]any{
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"clients":        clients,
		"channels":       busChannels,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Channel: "status", Data: data})
}

// relay copies one bus subscription into the frame queue.
func (h *Hub) relay(ctx context.Context, channel string) {
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("bus subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	pattern := strings.HasSuffix(channel, "*")
	for {
		var data []byte
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-msgs:
			if !ok {
				h.logger.Warn("bus subscription closed", slog.String("channel", channel))
				return
			}
			data = payload
		}

		name := channel
		if pattern {
			name = bookChannel(data, channel)
		}
		encoded, err := json.Marshal(Envelope{Channel: name, Data: data})
		if err != nil {
			h.logger.Warn("dropping non-json bus payload", slog.String("channel", channel))
			continue
		}
		select {
		case h.frames <- frame{channel: name, data: encoded}:
		case <-ctx.Done():
			return
		}
	}
}

// bookChannel recovers the concrete book channel from a snapshot payload,
// since pattern subscriptions deliver payloads without their channel.
func bookChannel(data []byte, fallback string) string {
	var snap struct {
		MarketID string         `json:"market_id"`
		Outcome  domain.Outcome `json:"outcome"`
	}
	if err := json.Unmarshal(data, &snap); err != nil || snap.MarketID == "" {
		return fallback
	}
	return service.BookChannel(domain.BookKey{MarketID: snap.MarketID, Outcome: snap.Outcome})
}

// HandleWS upgrades the request and attaches the client with every channel
// selected.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := newClient(h, conn)
	if !h.attach(c) {
		_ = conn.Close()
		return
	}
	go c.writeLoop()
	go c.readLoop()
}
