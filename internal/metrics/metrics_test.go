package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

func TestMatchingInstruments(t *testing.T) {
	m := New()
	o := domain.Order{Type: domain.OrderTypeLimit, Side: domain.OrderSideBuy}
	m.OrderSubmitted(o, []domain.Trade{{Size: 3}, {Size: 4}}, time.Millisecond)
	m.OrderRejected("validation")
	m.SetHaltedBooks(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ordersSubmitted.WithLabelValues("limit", "buy")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.trades))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.tradeVolume))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ordersRejected.WithLabelValues("validation")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.booksHalted))
}

func TestSettlementObserver(t *testing.T) {
	m := New()
	m.BatchCompleted(3, time.Second, nil)
	m.BatchCompleted(3, time.Second, errors.New("rpc down"))
	m.TradeSettled(domain.Trade{})
	m.TradeSettled(domain.Trade{})
	m.TradeRetrying(domain.Trade{})
	m.TradeFailed(domain.Trade{})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.batches.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batches.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.settlementByOK.WithLabelValues("settled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.settlementByOK.WithLabelValues("failed")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.TradeSettled(domain.Trade{})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `polymatch_settlement_trades_total{outcome="settled"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestWatchQueues(t *testing.T) {
	m := New()
	bindings, outstanding := 4, 9
	m.WatchQueues(func() int { return bindings }, func() int { return outstanding })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "polymatch_matching_mapper_bindings 4")
	assert.Contains(t, body, "polymatch_settlement_outstanding_trades 9")
}
