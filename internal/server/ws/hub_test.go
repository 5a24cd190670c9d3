package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanBus struct {
	mu   sync.Mutex
	subs map[string]chan []byte
}

func (b *chanBus) Publish(context.Context, string, []byte) error {
	return errors.New("not supported")
}

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[string]chan []byte)
	}
	ch := make(chan []byte, 8)
	b.subs[channel] = ch
	return ch, nil
}

func (b *chanBus) push(channel string, payload string) bool {
	b.mu.Lock()
	ch, ok := b.subs[channel]
	b.mu.Unlock()
	if ok {
		ch <- []byte(payload)
	}
	return ok
}

func (b *chanBus) subscribed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

func TestHubForwardsBusMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := &chanBus{}
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Mode: "full"})
	go func() { _ = hub.Run(ctx) }()
	require.Eventually(t, func() bool { return bus.subscribed() == len(busChannels) }, 2*time.Second, 5*time.Millisecond)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	status := readEnvelope(t, conn)
	assert.Equal(t, "status", status.Channel)
	assert.Contains(t, string(status.Data), `"mode":"full"`)

	require.True(t, bus.push("orders", `{"event":"order_submitted"}`))
	env := readEnvelope(t, conn)
	assert.Equal(t, "orders", env.Channel)
	assert.JSONEq(t, `{"event":"order_submitted"}`, string(env.Data))

	require.True(t, bus.push("book:*", `{"market_id":"mkt-1","outcome":1,"bids":[]}`))
	env = readEnvelope(t, conn)
	assert.Equal(t, "book:mkt-1/no", env.Channel)
}

func TestChannelFilter(t *testing.T) {
	f := newChannelFilter("*")
	assert.True(t, f.matches("trades"))

	f.apply(subscribeMsg{Action: "reset", Channels: []string{"book:mkt-1/*", "settlement"}})
	assert.True(t, f.matches("book:mkt-1/yes"))
	assert.True(t, f.matches("settlement"))
	assert.False(t, f.matches("book:mkt-2/yes"))
	assert.False(t, f.matches("orders"))

	f.apply(subscribeMsg{Action: "unsubscribe", Channels: []string{"settlement", "book:mkt-1/*"}})
	assert.False(t, f.matches("settlement"))
	assert.False(t, f.matches("book:mkt-1/yes"))

	f.apply(subscribeMsg{Action: "subscribe", Channels: []string{"orders"}})
	assert.True(t, f.matches("orders"))
	f.apply(subscribeMsg{Action: "bogus", Channels: []string{"trades"}})
	assert.False(t, f.matches("trades"))
}

func TestHubRefusesClientsAfterShutdown(t *testing.T) {
	hub := NewHub(&chanBus{}, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{})
	c := &client{hub: hub, send: make(chan []byte, 1), filter: newChannelFilter("*")}
	require.True(t, hub.attach(c))
	assert.Len(t, c.send, 1)

	hub.shutdown()
	_, open := <-c.send
	assert.True(t, open)
	_, open = <-c.send
	assert.False(t, open)
	assert.False(t, hub.attach(&client{hub: hub, send: make(chan []byte, 1), filter: newChannelFilter()}))
	hub.detach(c)
}

func TestBookChannelFallback(t *testing.T) {
	assert.Equal(t, "book:*", bookChannel([]byte("not json"), "book:*"))
	assert.Equal(t, "book:m/yes", bookChannel([]byte(`{"market_id":"m","outcome":0}`), "book:*"))
}
