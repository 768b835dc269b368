package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"tradecore/internal/bus"
	"tradecore/internal/exchange"
	"tradecore/internal/model"
	"tradecore/internal/og"
	"tradecore/internal/state"
	"tradecore/internal/store"
	"tradecore/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type freezer struct {
	mu  sync.Mutex
	ids map[string]map[string]struct{}
}

func (f *freezer) Freeze(symbol, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ids == nil {
		f.ids = make(map[string]map[string]struct{})
	}
	if f.ids[symbol] == nil {
		f.ids[symbol] = make(map[string]struct{})
	}
	f.ids[symbol][id] = struct{}{}
}

func (f *freezer) Release(symbol, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ids[symbol], id)
}

func (f *freezer) Frozen(symbol string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids[symbol]) != 0
}

type updates struct {
	mu     sync.Mutex
	events []model.OrderUpdate
}

func (u *updates) Publish(_ context.Context, topic string, payload any) error {
	if topic != bus.TopicOrderUpdate {
		return nil
	}
	u.mu.Lock()
	u.events = append(u.events, payload.(model.OrderUpdate))
	u.mu.Unlock()
	return nil
}

func (u *updates) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.events)
}

func (u *updates) Last() model.OrderUpdate {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.events[len(u.events)-1]
}

type fixture struct {
	coord   *Coordinator
	mgr     *og.Manager
	sim     *exchange.Simulator
	tracker *state.Tracker
	repo    *store.Memory
	freezer *freezer
	updates *updates
}

func newFixture(t *testing.T, policy Policy) fixture {
	t.Helper()
	now := func() time.Time { return t0 }
	f := fixture{
		sim:     exchange.NewSimulator(exchange.SimulatorConfig{Now: now}),
		tracker: state.NewTracker(),
		repo:    store.NewMemory(),
		freezer: &freezer{},
		updates: &updates{},
	}
	f.mgr = og.New(og.DefaultConfig(), f.sim, f.tracker, f.repo, og.WithClock(now), og.WithPublisher(f.updates))
	cfg := DefaultConfig()
	cfg.Symbols = []string{"BTCUSDT"}
	cfg.Policy = policy
	f.coord = New(cfg, f.sim, f.mgr, f.tracker, f.freezer, f.repo, WithClock(now))
	return f
}

func (f fixture) submit(t *testing.T, id, qty, price string) {
	t.Helper()
	_, err := f.mgr.Submit(t.Context(), model.OrderRequest{
		ClientOrderID: id,
		Symbol:        "BTCUSDT",
		StrategyID:    "s1",
		Side:          model.OrderSideBuy,
		Type:          model.OrderTypeLimit,
		Intent:        model.IntentEntry,
		Quantity:      d(qty),
		Price:         d(price),
		TTL:           600 * time.Second,
		CreatedAt:     t0,
	})
	require.NoError(t, err)
}

func TestAdoptsUnknownExchangeOrder(t *testing.T) {
	f := newFixture(t, PolicyHalt)
	f.sim.PlaceOpenOrder(model.Order{
		ClientOrderID: "lost-1",
		Symbol:        "BTCUSDT",
		Side:          model.OrderSideBuy,
		Type:          model.OrderTypeLimit,
		Price:         d("100"),
		Status:        model.OrderStatusPartiallyFilled,
		RequestedQty:  d("0.01"),
		FilledQty:     d("0.004"),
		AvgFillPrice:  d("100"),
		CreatedAt:     t0.Add(-time.Hour),
	})
	f.sim.SetPosition(model.Position{Symbol: "BTCUSDT", Size: d("0.004"), EntryPrice: d("100")})
	f.sim.RecordFill(model.Fill{TradeID: "t-1", ClientOrderID: "lost-1", Symbol: "BTCUSDT", Side: model.OrderSideBuy, Price: d("100"), Qty: d("0.004"), Timestamp: t0.Add(-30 * time.Minute)})

	report, err := f.coord.Run(t.Context())
	require.NoError(t, err)
	require.NoError(t, report.Err())
	assert.Equal(t, []string{"lost-1"}, report.Adopted)
	assert.Equal(t, 1, report.Absorbed)
	assert.Empty(t, report.Conflicts)
	assert.True(t, f.coord.Complete())
	assert.False(t, f.freezer.Frozen("BTCUSDT"))

	adopted, ok := f.mgr.Lookup("lost-1")
	require.True(t, ok)
	assert.Equal(t, model.OrderStatusPartiallyFilled, adopted.Status)
	assert.True(t, d("0.004").Equal(adopted.FilledQty))

	require.Equal(t, 1, f.updates.Len())
	assert.True(t, f.updates.Last().Synthesized)
	assert.Equal(t, "lost-1", f.updates.Last().Order.ClientOrderID)

	pos := f.tracker.Position("BTCUSDT")
	assert.True(t, d("0.004").Equal(pos.Size))
	assert.True(t, d("100").Equal(pos.EntryPrice))

	second, err := f.coord.Run(t.Context())
	require.NoError(t, err)
	assert.False(t, second.Changed(), "%+v", second)
	assert.Equal(t, 1, f.updates.Len())

	checkpoints, err := f.repo.Query(t.Context(), store.Criteria{Kind: store.KindCheckpoint})
	require.NoError(t, err)
	assert.Len(t, checkpoints, 1)
}

func TestAppliesMissedFills(t *testing.T) {
	f := newFixture(t, PolicyHalt)
	f.submit(t, "o1", "0.01", "100")
	_, err := f.sim.Fill(t.Context(), "o1", d("0.01"), d("100"))
	require.NoError(t, err)

	report, err := f.coord.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fills)
	assert.Empty(t, report.Conflicts)
	assert.Empty(t, report.Positions)
	assert.Equal(t, model.OrderStatusFilled, f.mgr.Order("o1").Status)
	assert.True(t, d("0.01").Equal(f.tracker.Position("BTCUSDT").Size))

	second, err := f.coord.Run(t.Context())
	require.NoError(t, err)
	assert.False(t, second.Changed())
}

func TestMarksVanishedOrdersTerminal(t *testing.T) {
	f := newFixture(t, PolicyHalt)
	f.submit(t, "o1", "0.01", "100")
	_, err := f.sim.CancelOrder(t.Context(), "BTCUSDT", "o1")
	require.NoError(t, err)

	report, err := f.coord.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"o1"}, report.Terminated)
	assert.Equal(t, model.OrderStatusCancelled, f.mgr.Order("o1").Status)
	assert.True(t, f.updates.Last().Synthesized)
}

func TestPositionConflict(t *testing.T) {
	testCases := []struct {
		desc    string
		policy  Policy
		pending bool
	}{
		{desc: "halt policy freezes the symbol", policy: PolicyHalt, pending: true},
		{desc: "auto policy takes exchange truth", policy: PolicyAuto, pending: false},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			f := newFixture(t, tc.policy)
			f.tracker.Set(model.Position{Symbol: "BTCUSDT", Size: d("1"), EntryPrice: d("100")})
			f.sim.SetPosition(model.Position{Symbol: "BTCUSDT", Size: d("2"), EntryPrice: d("101")})

			report, err := f.coord.Run(t.Context())
			require.NoError(t, err)
			require.Len(t, report.Conflicts, 1)
			conflict := report.Conflicts[0]
			assert.Equal(t, model.ConflictPositionSize, conflict.Kind)
			assert.True(t, d("1").Equal(conflict.Local))
			assert.True(t, d("2").Equal(conflict.Exchange))
			assert.Equal(t, tc.pending, conflict.Pending())
			assert.Equal(t, tc.pending, f.freezer.Frozen("BTCUSDT"))
			assert.Equal(t, tc.pending, exception.Is(report.Err(), exception.ErrRecoveryConflict))
			assert.True(t, d("2").Equal(f.tracker.Position("BTCUSDT").Size))

			second, err := f.coord.Run(t.Context())
			require.NoError(t, err)
			assert.False(t, second.Changed())
			assert.Len(t, f.coord.Conflicts(), 1)

			if !tc.pending {
				return
			}
			acked, err := f.coord.Acknowledge(t.Context(), conflict.ID)
			require.NoError(t, err)
			assert.True(t, acked.Acknowledged)
			assert.False(t, f.freezer.Frozen("BTCUSDT"))
			assert.Zero(t, f.coord.PendingConflicts())
		})
	}
}

func TestQuantityConflictTakesExchangeCopy(t *testing.T) {
	f := newFixture(t, PolicyHalt)
	f.submit(t, "o1", "0.01", "100")
	venue, ok := f.sim.Order("o1")
	require.True(t, ok)
	venue.RequestedQty = d("0.02")
	f.sim.PlaceOpenOrder(venue)

	report, err := f.coord.Run(t.Context())
	require.NoError(t, err)
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, model.ConflictOrderQuantity, report.Conflicts[0].Kind)
	assert.True(t, d("0.02").Equal(f.mgr.Order("o1").RequestedQty))
	assert.True(t, f.freezer.Frozen("BTCUSDT"))
}

func TestIdentityConflictAppliedOnAcknowledge(t *testing.T) {
	f := newFixture(t, PolicyHalt)
	f.submit(t, "o1", "0.01", "100")
	venue, ok := f.sim.Order("o1")
	require.True(t, ok)
	venue.Side = model.OrderSideSell
	f.sim.PlaceOpenOrder(venue)

	report, err := f.coord.Run(t.Context())
	require.NoError(t, err)
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, model.ConflictOrderIdentity, report.Conflicts[0].Kind)
	assert.Equal(t, model.OrderSideBuy, f.mgr.Order("o1").Side)

	_, err = f.coord.Acknowledge(t.Context(), report.Conflicts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderSideSell, f.mgr.Order("o1").Side)

	_, err = f.coord.Acknowledge(t.Context(), "missing")
	assert.True(t, exception.Is(err, exception.ErrRecoveryUnknownConflict))
}

func TestRestoreFreezesPendingConflicts(t *testing.T) {
	f := newFixture(t, PolicyHalt)
	f.sim.SetPosition(model.Position{Symbol: "BTCUSDT", Size: d("1"), EntryPrice: d("100")})
	_, err := f.coord.Run(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, f.coord.PendingConflicts())

	fresh := &freezer{}
	restarted := New(DefaultConfig(), f.sim, f.mgr, f.tracker, fresh, f.repo)
	n, err := restarted.Restore(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, fresh.Frozen("BTCUSDT"))
}

func TestRunFailsClosedWhenDisconnected(t *testing.T) {
	f := newFixture(t, PolicyHalt)
	f.sim.Disconnect()

	_, err := f.coord.Run(t.Context())
	require.Error(t, err)
	assert.True(t, exception.IsTransient(err))
	assert.False(t, f.coord.Complete())

	f.sim.Reconnect()
	_, err = f.coord.Run(t.Context())
	require.NoError(t, err)
	assert.True(t, f.coord.Complete())
}

func TestRunFreezesBeforeFetching(t *testing.T) {
	f := newFixture(t, PolicyHalt)
	f.sim.Disconnect()

	_, err := f.coord.Run(t.Context())
	require.Error(t, err)
	assert.True(t, f.freezer.Frozen("BTCUSDT"))

	f.sim.Reconnect()
	_, err = f.coord.Run(t.Context())
	require.NoError(t, err)
	assert.False(t, f.freezer.Frozen("BTCUSDT"))
}

func TestParsePolicy(t *testing.T) {
	testCases := []struct {
		in     string
		policy Policy
		err    bool
	}{
		{in: "", policy: PolicyHalt},
		{in: "HALT", policy: PolicyHalt},
		{in: "auto", policy: PolicyAuto},
		{in: "ignore", err: true},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			p, err := ParsePolicy(tc.in)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.policy, p)
		})
	}
}
