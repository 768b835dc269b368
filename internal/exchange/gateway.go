package exchange

import (
	"context"
	"time"

	"tradecore/internal/model"
)

// Gateway is the capability the core needs from an exchange. Implementations
// hide the wire protocol and classify every returned error as either
// exception.ErrGatewayTransient or exception.ErrGatewayDefinitive; anything
// left unclassified is treated as transient by the callers.
type Gateway interface {
	SubmitOrder(ctx context.Context, req model.OrderRequest) (model.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) (model.OrderAck, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]model.Order, error)
	FetchPositions(ctx context.Context) ([]model.Position, error)
	FetchFills(ctx context.Context, symbol string, since time.Time) ([]model.Fill, error)
	FetchFilters(ctx context.Context, symbol string) (model.ExchangeFilter, error)
	Ping(ctx context.Context) error
}

// Listener receives exchange-pushed events. The order lifecycle manager is
// the only listener in the process.
type Listener interface {
	OnExchangeFill(ctx context.Context, fill model.Fill)
	OnExchangeUpdate(ctx context.Context, order model.Order)
}
