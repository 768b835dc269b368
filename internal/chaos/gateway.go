package chaos

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"tradecore/internal/exchange"
	"tradecore/internal/model"
	"tradecore/pkg/exception"

	"github.com/yanun0323/errors"
)

// Config controls fault injection on gateway calls.
type Config struct {
	Seed uint64
	// FailRate is the chance in [0, 1] that a call fails with a transient
	// error before it reaches the wrapped gateway.
	FailRate float64
	// MaxDelay adds a uniform random delay in [0, MaxDelay] to every call.
	MaxDelay time.Duration
}

// Enabled reports whether c injects anything.
func (c Config) Enabled() bool {
	return c.FailRate > 0 || c.MaxDelay > 0
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	if c.FailRate < 0 || c.FailRate > 1 {
		return errors.Wrap(exception.ErrInvalidArgument, "chaos failRate must be between 0 and 1")
	}
	if c.MaxDelay < 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "chaos maxDelay must be >= 0")
	}
	return nil
}

// Gateway wraps an exchange gateway and injects transient failures and
// latency. Ping and FetchFilters pass through untouched.
type Gateway struct {
	exchange.Gateway

	cfg Config
	mu  sync.Mutex
	rng *rand.Rand
}

var _ exchange.Gateway = (*Gateway)(nil)

// Wrap returns gw decorated with the faults of cfg.
func Wrap(gw exchange.Gateway, cfg Config) (*Gateway, error) {
	if gw == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "chaos gateway")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UTC().UnixNano())
	}
	return &Gateway{
		Gateway: gw,
		cfg:     cfg,
		rng:     rand.New(rand.NewPCG(seed, seed>>1|1)),
	}, nil
}

func (g *Gateway) SubmitOrder(ctx context.Context, req model.OrderRequest) (model.OrderAck, error) {
	if err := g.inject(ctx, "submit "+req.ClientOrderID); err != nil {
		return model.OrderAck{}, err
	}
	return g.Gateway.SubmitOrder(ctx, req)
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, clientOrderID string) (model.OrderAck, error) {
	if err := g.inject(ctx, "cancel "+clientOrderID); err != nil {
		return model.OrderAck{}, err
	}
	return g.Gateway.CancelOrder(ctx, symbol, clientOrderID)
}

func (g *Gateway) FetchOpenOrders(ctx context.Context, symbol string) ([]model.Order, error) {
	if err := g.inject(ctx, "fetch open orders "+symbol); err != nil {
		return nil, err
	}
	return g.Gateway.FetchOpenOrders(ctx, symbol)
}

func (g *Gateway) FetchPositions(ctx context.Context) ([]model.Position, error) {
	if err := g.inject(ctx, "fetch positions"); err != nil {
		return nil, err
	}
	return g.Gateway.FetchPositions(ctx)
}

func (g *Gateway) FetchFills(ctx context.Context, symbol string, since time.Time) ([]model.Fill, error) {
	if err := g.inject(ctx, "fetch fills "+symbol); err != nil {
		return nil, err
	}
	return g.Gateway.FetchFills(ctx, symbol, since)
}

func (g *Gateway) inject(ctx context.Context, call string) error {
	delay, fail := g.roll()
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if fail {
		return errors.Wrapf(exception.ErrGatewayTransient, "chaos: %s", call)
	}
	return nil
}

func (g *Gateway) roll() (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var delay time.Duration
	if g.cfg.MaxDelay > 0 {
		delay = time.Duration(g.rng.Int64N(g.cfg.MaxDelay.Nanoseconds() + 1))
	}
	return delay, g.cfg.FailRate > 0 && g.rng.Float64() < g.cfg.FailRate
}
