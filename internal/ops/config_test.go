package ops

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tradecore/internal/model"
	"tradecore/internal/precision"
	"tradecore/internal/recovery"
	"tradecore/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
symbols: [btcusdt]
risk:
  default:
    maxConsecutiveLosses: 4
    dailyMaxLoss: "75.5"
    maxExposure: "1000"
    orderTTL: 300s
    haltPolicy: manual
  symbols:
    ETHUSDT:
      maxExposure: "250"
      leverage: 3
      haltPolicy: TIMED
      haltDuration: 15m
  fundingTimes: ["00:00", "08:00", "16:00"]
  fundingWindow: 2m
  volatilityThreshold: "0.03"
order:
  maxAttempts: 3
  retryInterval: 2s
recovery:
  policy: auto
  positionTolerance: "0.0001"
precision:
  rounding: passive
store:
  kind: memory
paper:
  filters:
    - symbol: btcusdt
      stepSize: "0.001"
      tickSize: "0.1"
      minNotional: "5"
  feed:
    interval: 250ms
    prices:
      BTCUSDT: "50000"
  chaos:
    failRate: 0.05
    maxDelay: 20ms
strategies:
  - id: breakout
    symbols: [ETHUSDT]
    lookback: 30
    quantity: "0.01"
`

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	loaded, err := Load(writeConfig(t, "trader.yaml", sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, loaded.Symbols)
	assert.Equal(t, loaded.Symbols, loaded.Recovery.Symbols)

	def := loaded.Risk.Default
	assert.Equal(t, 4, def.MaxConsecutiveLosses)
	assert.True(t, decimal.RequireFromString("75.5").Equal(def.DailyMaxLoss))
	assert.True(t, decimal.NewFromInt(1000).Equal(def.MaxExposure))
	assert.Equal(t, 300*time.Second, def.OrderTTL)
	assert.Equal(t, model.HaltPolicyManual, def.HaltPolicy)
	assert.True(t, decimal.NewFromInt(100).Equal(def.OrderNotional), "unset fields keep defaults")

	eth := loaded.Risk.LimitsOf("ETHUSDT")
	assert.True(t, decimal.NewFromInt(250).Equal(eth.MaxExposure))
	assert.True(t, decimal.RequireFromString("75.5").Equal(eth.DailyMaxLoss), "symbol entry inherits default")
	assert.Equal(t, model.HaltPolicyTimed, eth.HaltPolicy)
	assert.Equal(t, 15*time.Minute, eth.HaltDuration)
	assert.Equal(t, 3, eth.Leverage)
	assert.Equal(t, 1, loaded.Risk.LimitsOf("BTCUSDT").Leverage)

	assert.Equal(t, []time.Duration{0, 8 * time.Hour, 16 * time.Hour}, loaded.Risk.FundingTimes)
	assert.Equal(t, 2*time.Minute, loaded.Risk.FundingWindow)
	assert.True(t, decimal.RequireFromString("0.03").Equal(loaded.Risk.VolatilityThreshold))
	assert.Equal(t, 5*time.Second, loaded.Risk.VolatilityWindow)

	assert.Equal(t, 3, loaded.Order.MaxAttempts)
	assert.Equal(t, 2*time.Second, loaded.Order.RetryInterval)
	assert.Equal(t, 10*time.Second, loaded.Order.CallTimeout)

	assert.Equal(t, recovery.PolicyAuto, loaded.Recovery.Policy)
	assert.True(t, decimal.RequireFromString("0.0001").Equal(loaded.Recovery.PositionTolerance))

	assert.Equal(t, precision.RoundPassive, loaded.Engine.Rounding)
	assert.Equal(t, 1024, loaded.Engine.QueueLength)
	assert.Equal(t, time.Second, loaded.Engine.SweepInterval)
	assert.Equal(t, time.Hour, loaded.Engine.FilterStaleAfter)
	assert.Equal(t, "0 0 * * *", loaded.Engine.DailyReset)

	assert.Equal(t, StoreMemory, loaded.Store.Kind)
	require.Len(t, loaded.Paper.Filters, 1)
	assert.Equal(t, "BTCUSDT", loaded.Paper.Filters[0].Symbol)
	assert.True(t, decimal.RequireFromString("0.1").Equal(loaded.Paper.Filters[0].TickSize))

	assert.Equal(t, 250*time.Millisecond, loaded.Paper.Feed.Interval)
	assert.True(t, d("50000").Equal(loaded.Paper.Feed.BasePrices["BTCUSDT"]))
	assert.True(t, d("0.0005").Equal(loaded.Paper.Feed.MaxMove))
	assert.InDelta(t, 0.05, loaded.Paper.Chaos.FailRate, 1e-9)
	assert.Equal(t, 20*time.Millisecond, loaded.Paper.Chaos.MaxDelay)

	require.Len(t, loaded.Strategies, 1)
	assert.Equal(t, "breakout", loaded.Strategies[0].ID)
	assert.Equal(t, 30, loaded.Strategies[0].Lookback)

	assert.Equal(t, ":8080", loaded.Health.Addr)
	assert.True(t, loaded.Health.Metrics)
}

func TestLoadJSON(t *testing.T) {
	body := `{
		"symbols": ["BTCUSDT"],
		"store": {"kind": "postgres", "postgres": {"host": "db", "database": "tradecore"}},
		"health": {"addr": ":9090", "metrics": false}
	}`
	loaded, err := Load(writeConfig(t, "trader.json", body))
	require.NoError(t, err)

	assert.Equal(t, StorePostgres, loaded.Store.Kind)
	dsn, err := loaded.Store.Postgres.DSN()
	require.NoError(t, err)
	assert.Equal(t, "postgres://db:5432/tradecore?sslmode=disable", dsn)
	assert.Equal(t, ":9090", loaded.Health.Addr)
	assert.False(t, loaded.Health.Metrics)
	assert.Equal(t, recovery.PolicyHalt, loaded.Recovery.Policy)
	assert.Equal(t, model.HaltPolicyDailyReset, loaded.Risk.Default.HaltPolicy)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TRADECORE_RISK_DEFAULT_DAILYMAXLOSS", "12.25")
	t.Setenv("TRADECORE_ORDER_RETRYINTERVAL", "750ms")
	t.Setenv("TRADECORE_STORE_KIND", "memory")

	loaded, err := Load(writeConfig(t, "trader.yaml", "symbols: [BTCUSDT]\n"))
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("12.25").Equal(loaded.Risk.Default.DailyMaxLoss))
	assert.Equal(t, 750*time.Millisecond, loaded.Order.RetryInterval)
	assert.Equal(t, StoreMemory, loaded.Store.Kind)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trader.yaml")
	require.NoError(t, os.WriteFile(path, []byte("symbols: [BTCUSDT]\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TRADECORE_HEALTH_ADDR=:7070\n"), 0o644))
	t.Cleanup(func() { _ = os.Unsetenv("TRADECORE_HEALTH_ADDR") })

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", loaded.Health.Addr)
}

func TestLoadInvalid(t *testing.T) {
	testCases := []struct {
		desc string
		body string
	}{
		{"no symbols", "store: {kind: memory}\n"},
		{"bad decimal", "symbols: [BTCUSDT]\nrisk: {default: {dailyMaxLoss: abc}}\n"},
		{"bad funding time", "symbols: [BTCUSDT]\nrisk: {fundingTimes: [\"25:99\"]}\n"},
		{"bad halt policy", "symbols: [BTCUSDT]\nrisk: {default: {haltPolicy: sometimes}}\n"},
		{"negative leverage", "symbols: [BTCUSDT]\nrisk: {default: {leverage: -2}}\n"},
		{"timed without duration", "symbols: [BTCUSDT]\nrisk: {default: {haltPolicy: timed}}\n"},
		{"bad recovery policy", "symbols: [BTCUSDT]\nrecovery: {policy: ignore}\n"},
		{"negative tolerance", "symbols: [BTCUSDT]\nrecovery: {positionTolerance: \"-1\"}\n"},
		{"bad store", "symbols: [BTCUSDT]\nstore: {kind: mongo}\n"},
		{"bad rounding", "symbols: [BTCUSDT]\nprecision: {rounding: up}\n"},
		{"zero attempts", "symbols: [BTCUSDT]\norder: {maxAttempts: 0}\n"},
		{"filter without tick", "symbols: [BTCUSDT]\npaper: {filters: [{symbol: BTCUSDT, stepSize: \"0.001\"}]}\n"},
		{"feed without prices", "symbols: [BTCUSDT]\npaper: {feed: {interval: 1s}}\n"},
		{"chaos rate above one", "symbols: [BTCUSDT]\npaper: {chaos: {failRate: 1.5}}\n"},
		{"strategy without id", "symbols: [BTCUSDT]\nstrategies: [{symbols: [BTCUSDT]}]\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := Load(writeConfig(t, "trader.yaml", tc.body))
			require.Error(t, err)
			assert.True(t, exception.Is(err, exception.ErrInvalidArgument), "%+v", err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestParseClock(t *testing.T) {
	d, err := parseClock("07:30")
	require.NoError(t, err)
	assert.Equal(t, 7*time.Hour+30*time.Minute, d)

	_, err = parseClock("7h")
	assert.Error(t, err)
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, "trader.yaml", "symbols: [BTCUSDT]\n")

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	updates := make(chan Loaded, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watch(ctx, path, 10*time.Millisecond, func(l Loaded) { updates <- l })
	}()

	body := "symbols: [BTCUSDT]\nrisk: {default: {dailyMaxLoss: \"9\"}}\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case l := <-updates:
		assert.True(t, decimal.NewFromInt(9).Equal(l.Risk.Default.DailyMaxLoss))
	case <-time.After(2 * time.Second):
		t.Fatal("config was not reloaded")
	}

	cancel()
	<-done
}
