package chaos

import (
	"context"
	"testing"
	"time"

	"tradecore/internal/exchange"
	"tradecore/internal/model"
	"tradecore/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(id string) model.OrderRequest {
	return model.OrderRequest{
		ClientOrderID: id,
		Symbol:        "BTCUSDT",
		Side:          model.OrderSideBuy,
		Type:          model.OrderTypeLimit,
		Price:         decimal.NewFromInt(100),
		Quantity:      decimal.RequireFromString("0.1"),
	}
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		desc    string
		cfg     Config
		wantErr bool
	}{
		{desc: "zero", cfg: Config{}},
		{desc: "full", cfg: Config{FailRate: 1, MaxDelay: time.Second}},
		{desc: "negative rate", cfg: Config{FailRate: -0.1}, wantErr: true},
		{desc: "rate above one", cfg: Config{FailRate: 1.5}, wantErr: true},
		{desc: "negative delay", cfg: Config{MaxDelay: -time.Second}, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr {
				assert.True(t, exception.Is(err, exception.ErrInvalidArgument))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestGatewayAlwaysFailsBeforeVenue(t *testing.T) {
	sim := exchange.NewSimulator(exchange.SimulatorConfig{})
	gw, err := Wrap(sim, Config{Seed: 1, FailRate: 1})
	require.NoError(t, err)

	_, err = gw.SubmitOrder(t.Context(), request("c-1"))
	require.Error(t, err)
	assert.True(t, exception.IsTransient(err))
	assert.Zero(t, sim.Submissions("c-1"), "failed call must not reach the venue")

	_, err = gw.FetchPositions(t.Context())
	assert.True(t, exception.IsTransient(err))
	assert.NoError(t, gw.Ping(t.Context()))
}

func TestGatewayPassesThrough(t *testing.T) {
	sim := exchange.NewSimulator(exchange.SimulatorConfig{})
	gw, err := Wrap(sim, Config{Seed: 1})
	require.NoError(t, err)

	_, err = gw.SubmitOrder(t.Context(), request("c-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, sim.Submissions("c-1"))
}

func TestGatewayDelayHonoursContext(t *testing.T) {
	gw, err := Wrap(exchange.NewSimulator(exchange.SimulatorConfig{}), Config{Seed: 3, MaxDelay: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	_, err = gw.FetchOpenOrders(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWrapNil(t *testing.T) {
	_, err := Wrap(nil, Config{})
	assert.True(t, exception.Is(err, exception.ErrNilInstance))
}
