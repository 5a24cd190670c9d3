package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublishTradesKeysByMarket(t *testing.T) {
	w := &fakeWriter{}
	p := &Producer{writer: w}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	err := p.PublishTrades(context.Background(), []domain.Trade{
		{ID: "t1", MarketID: "m1", Outcome: domain.OutcomeNo, Price: 3000, Size: 4,
			MakerAccount: "maker", TakerAccount: "taker", TakerSide: domain.OrderSideSell, ExecutedAt: at},
		{ID: "t2", MarketID: "m2", TakerSide: domain.OrderSideBuy, ExecutedAt: at},
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "m1", string(w.msgs[0].Key))
	assert.Equal(t, at, w.msgs[0].Time)

	var ev TradeEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.Equal(t, "t1", ev.TradeID)
	assert.Equal(t, "no", ev.Outcome)
	assert.Equal(t, "maker", ev.Buyer)
	assert.Equal(t, "taker", ev.Seller)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestPublishTradesErrors(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := &Producer{writer: w}

	assert.NoError(t, p.PublishTrades(context.Background(), nil))
	err := p.PublishTrades(context.Background(), []domain.Trade{{ID: "t1"}})
	assert.ErrorContains(t, err, "broker down")
}
