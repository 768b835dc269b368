package precision

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tradecore/internal/model"
	"tradecore/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"
)

type stubSource struct {
	calls  atomic.Int64
	filter model.ExchangeFilter
	err    error
	gate   chan struct{}
}

func (s *stubSource) FetchFilters(ctx context.Context, symbol string) (model.ExchangeFilter, error) {
	s.calls.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return model.ExchangeFilter{}, ctx.Err()
		}
	}
	return s.filter, s.err
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func btcFilter() model.ExchangeFilter {
	return model.ExchangeFilter{
		Symbol:      "BTCUSDT",
		StepSize:    d("0.001"),
		TickSize:    d("0.1"),
		MinNotional: d("5"),
	}
}

func TestRounding(t *testing.T) {
	testCases := []struct {
		desc     string
		v        string
		step     string
		floor    string
		ceil     string
		nearest  string
		multiple bool
	}{
		{"qty scenario", "0.00137", "0.001", "0.001", "0.002", "0.001", false},
		{"price scenario", "50000.07", "0.1", "50000", "50000.1", "50000.1", false},
		{"on grid", "50000.1", "0.1", "50000.1", "50000.1", "50000.1", true},
		{"tie rounds away", "1.25", "0.5", "1", "1.5", "1.5", false},
		{"coarse step", "17", "5", "15", "20", "15", false},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			v, step := d(tc.v), d(tc.step)
			assert.True(t, d(tc.floor).Equal(FloorToStep(v, step)), "floor %s", FloorToStep(v, step))
			assert.True(t, d(tc.ceil).Equal(CeilToStep(v, step)), "ceil %s", CeilToStep(v, step))
			assert.True(t, d(tc.nearest).Equal(NearestStep(v, step)), "nearest %s", NearestStep(v, step))
			assert.Equal(t, tc.multiple, IsMultiple(v, step))
		})
	}
}

func TestRoundPriceModes(t *testing.T) {
	tick := d("0.1")
	price := d("50000.07")

	assert.True(t, d("50000.1").Equal(RoundPrice(price, tick, model.OrderSideBuy, RoundNearest)))
	assert.True(t, d("50000").Equal(RoundPrice(price, tick, model.OrderSideBuy, RoundPassive)))
	assert.True(t, d("50000.1").Equal(RoundPrice(price, tick, model.OrderSideSell, RoundPassive)))
	assert.True(t, d("50000.1").Equal(RoundPrice(price, tick, model.OrderSideBuy, RoundAggressive)))
	assert.True(t, d("50000").Equal(RoundPrice(price, tick, model.OrderSideSell, RoundAggressive)))
	assert.Equal(t, RoundPassive, ParseRoundingMode("passive"))
	assert.Equal(t, RoundNearest, ParseRoundingMode(""))
}

func TestValidatorScenarioBTCUSDT(t *testing.T) {
	src := &stubSource{filter: btcFilter()}
	v := NewValidator(NewCache(src, time.Hour, nil), RoundNearest)

	qty, err := v.RoundQuantity(t.Context(), "BTCUSDT", d("0.00137"))
	require.NoError(t, err)
	assert.Equal(t, "0.001", qty.String())

	price, err := v.RoundPrice(t.Context(), "BTCUSDT", d("50000.07"), model.OrderSideBuy)
	require.NoError(t, err)
	assert.Equal(t, "50000.1", price.String())

	ok, err := v.ValidateNotional(t.Context(), "BTCUSDT", qty, price)
	require.NoError(t, err)
	assert.True(t, ok)

	qty, price, err = v.Prepare(t.Context(), "BTCUSDT", model.OrderSideBuy, d("0.00137"), d("50000.07"), decimal.Zero)
	require.NoError(t, err)
	assert.True(t, qty.Mod(d("0.001")).IsZero())
	assert.True(t, price.Mod(d("0.1")).IsZero())
	assert.Equal(t, int64(1), src.calls.Load())
}

func TestCheck(t *testing.T) {
	f := btcFilter()
	f.MinQty = d("0.001")
	f.MaxQty = d("100")

	testCases := []struct {
		desc  string
		qty   string
		price string
		ref   string
		ok    bool
	}{
		{"valid limit", "0.001", "50000.1", "0", true},
		{"valid market", "0.001", "0", "50000", true},
		{"below notional", "0.001", "4000", "0", false},
		{"off step", "0.0015", "50000.1", "0", false},
		{"off tick", "0.001", "50000.05", "0", false},
		{"above max qty", "101", "50000.1", "0", false},
		{"zero qty", "0", "50000.1", "0", false},
		{"market without price", "0.001", "0", "0", false},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			err := Check(f, d(tc.qty), d(tc.price), d(tc.ref))
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, exception.ErrValidation)
		})
	}
}

func TestCacheFailClosedWhenStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	src := &stubSource{filter: btcFilter()}
	c := NewCache(src, time.Minute, clock)

	_, err := c.Get(t.Context(), "BTCUSDT")
	require.NoError(t, err)
	_, err = c.Get(t.Context(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(1), src.calls.Load())

	now = now.Add(2 * time.Minute)
	src.err = errors.New("exchange down")
	_, err = c.Get(t.Context(), "BTCUSDT")
	assert.ErrorIs(t, err, exception.ErrFilterUnavailable)
	assert.Equal(t, int64(2), src.calls.Load())

	src.err = nil
	f, err := c.Get(t.Context(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, now, f.FetchedAt)
}

func TestCacheSingleRefresh(t *testing.T) {
	src := &stubSource{filter: btcFilter(), gate: make(chan struct{})}
	c := NewCache(src, time.Hour, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(t.Context(), "BTCUSDT")
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(src.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(1), src.calls.Load())
}

func TestCacheRefreshSurvivesCancelledCaller(t *testing.T) {
	src := &stubSource{filter: btcFilter(), gate: make(chan struct{})}
	c := NewCache(src, time.Hour, nil)

	firstCtx, cancel := context.WithCancel(t.Context())
	first := make(chan error, 1)
	go func() {
		_, err := c.Get(firstCtx, "BTCUSDT")
		first <- err
	}()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := c.Get(t.Context(), "BTCUSDT")
		second <- err
	}()

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	close(src.gate)
	require.NoError(t, <-second)
	assert.Equal(t, int64(1), src.calls.Load())
	assert.Equal(t, []string{"BTCUSDT"}, c.Symbols())
}
