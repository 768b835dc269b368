package og

import (
	"testing"
	"time"

	"tradecore/internal/model"
	"tradecore/internal/state"
	"tradecore/pkg/exception"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdopt(t *testing.T) {
	f := newFixture(t)
	exchangeOrder := model.Order{
		ClientOrderID:   "lost-1",
		ExchangeOrderID: "ex-9",
		Symbol:          "BTCUSDT",
		Side:            model.OrderSideBuy,
		Type:            model.OrderTypeLimit,
		Price:           d("100"),
		Status:          model.OrderStatusSubmitted,
		RequestedQty:    d("0.02"),
	}

	f.sim.PlaceOpenOrder(exchangeOrder)

	order, err := f.mgr.Adopt(t.Context(), exchangeOrder)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusSubmitted, order.Status)
	assert.Equal(t, t0.Add(600*time.Second), order.ExpiresAt)
	assert.Equal(t, model.IntentEntry, order.Intent)

	updates := f.pub.updates("lost-1")
	require.Len(t, updates, 1)
	assert.True(t, updates[0].Synthesized)

	_, err = f.mgr.Adopt(t.Context(), exchangeOrder)
	assert.True(t, exception.Is(err, exception.ErrOrderDuplicate))

	cancelled := f.mgr.Sweep(t.Context(), f.clock.Add(600*time.Second))
	require.Len(t, cancelled, 1)
	assert.Equal(t, "lost-1", cancelled[0].ClientOrderID)
}

func TestMarkTerminal(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Submit(t.Context(), limitBuy("o1", "0.01", "100"))
	require.NoError(t, err)

	_, err = f.mgr.MarkTerminal(t.Context(), "o1", model.OrderStatusSubmitted, "")
	assert.True(t, exception.Is(err, exception.ErrInvalidArgument))

	order, err := f.mgr.MarkTerminal(t.Context(), "o1", model.OrderStatusCancelled, "missing on exchange")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, order.Status)

	updates := f.pub.updates("o1")
	assert.True(t, updates[len(updates)-1].Synthesized)

	order, err = f.mgr.MarkTerminal(t.Context(), "o1", model.OrderStatusFilled, "")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, order.Status)
	assert.Len(t, f.pub.updates("o1"), len(updates))
}

func TestOverwrite(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Submit(t.Context(), limitBuy("o1", "0.01", "100"))
	require.NoError(t, err)

	venue, ok := f.sim.Order("o1")
	require.True(t, ok)
	venue.FilledQty = d("0.004")
	venue.Status = model.OrderStatusPartiallyFilled

	order, err := f.mgr.Overwrite(t.Context(), venue)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPartiallyFilled, order.Status)
	assert.True(t, d("0.004").Equal(order.FilledQty))
}

func TestRestoreRebuildsOrdersAndTrades(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Submit(t.Context(), limitBuy("o1", "0.01", "100"))
	require.NoError(t, err)
	_, err = f.sim.Fill(t.Context(), "o1", d("0.004"), d("100"))
	require.NoError(t, err)
	_, err = f.mgr.Submit(t.Context(), limitBuy("o2", "0.01", "100"))
	require.NoError(t, err)
	_, err = f.mgr.Cancel(t.Context(), "o2")
	require.NoError(t, err)

	restored := New(DefaultConfig(), f.sim, state.NewTracker(), f.repo, WithClock(f.clock.Now))
	n, err := restored.Restore(t.Context(), f.repo)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	o1 := restored.Order("o1")
	assert.Equal(t, model.OrderStatusPartiallyFilled, o1.Status)
	assert.True(t, d("0.004").Equal(o1.FilledQty))
	assert.Equal(t, model.OrderStatusCancelled, restored.Order("o2").Status)
	assert.True(t, t0.Equal(restored.LastFillAt()))

	fills, err := f.sim.FetchFills(t.Context(), "BTCUSDT", time.Time{})
	require.NoError(t, err)
	require.Len(t, fills, 1)
	for _, fill := range fills {
		assert.True(t, restored.SeenTrade(fill.TradeID))
	}
	assert.Len(t, restored.OpenOrders("BTCUSDT"), 1)
}
