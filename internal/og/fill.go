package og

import (
	"context"

	"tradecore/internal/model"
	"tradecore/internal/state"
	"tradecore/internal/store"
	"tradecore/pkg/exception"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

func newClientOrderID() string {
	return uuid.NewString()
}

// ApplyFill applies one exchange fill. Fills are deduplicated by trade id.
// The fill is persisted first; only an acknowledged write lets the order and
// the position change, and both change inside one critical section. The
// quantity of a fill being persisted stays reserved against the order, so
// concurrent fills can never push the filled quantity past the requested
// one. When the fill reduces a position its realized PnL is fed to the risk
// guard before ApplyFill returns.
func (m *Manager) ApplyFill(ctx context.Context, fill model.Fill) (state.FillResult, error) {
	if fill.TradeID == "" {
		return state.FillResult{}, errors.Wrap(exception.ErrOrderInvalidFill, "empty trade id")
	}
	if !fill.Qty.IsPositive() {
		return state.FillResult{}, errors.Wrapf(exception.ErrOrderInvalidFill, "trade %s quantity %s", fill.TradeID, fill.Qty)
	}

	m.mu.Lock()
	if _, ok := m.trades[fill.TradeID]; ok {
		m.mu.Unlock()
		return state.FillResult{}, errors.Wrapf(exception.ErrOrderDuplicateFill, "trade %s", fill.TradeID)
	}
	o, ok := m.orders[fill.ClientOrderID]
	if !ok {
		m.mu.Unlock()
		return state.FillResult{}, errors.Wrapf(exception.ErrOrderUnknown, "trade %s for client order id %s", fill.TradeID, fill.ClientOrderID)
	}
	reserved := m.filling[o.ClientOrderID]
	if o.FilledQty.Add(reserved).Add(fill.Qty).GreaterThan(o.RequestedQty) {
		m.mu.Unlock()
		return state.FillResult{}, errors.Wrapf(exception.ErrOrderInvalidFill, "trade %s overfills %s: %s + %s (in flight %s) > %s", fill.TradeID, o.ClientOrderID, o.FilledQty, fill.Qty, reserved, o.RequestedQty)
	}
	m.trades[fill.TradeID] = struct{}{}
	m.filling[o.ClientOrderID] = reserved.Add(fill.Qty)
	m.mu.Unlock()

	if err := m.persistFill(ctx, fill); err != nil {
		m.mu.Lock()
		delete(m.trades, fill.TradeID)
		m.releaseLocked(o.ClientOrderID, fill.Qty)
		m.mu.Unlock()
		return state.FillResult{}, err
	}

	now := m.now()
	m.mu.Lock()
	m.releaseLocked(o.ClientOrderID, fill.Qty)
	if o.Status.IsTerminal() {
		logs.Errorf("fill %s for %s order %s, applying to position only", fill.TradeID, o.Status, o.ClientOrderID)
	}
	filled := o.FilledQty.Add(fill.Qty)
	o.AvgFillPrice = o.AvgFillPrice.Mul(o.FilledQty).Add(fill.Price.Mul(fill.Qty)).DivRound(filled, 8)
	o.FilledQty = filled
	o.LastUpdateAt = now

	next := model.OrderStatusPartiallyFilled
	if o.RemainingQty().IsZero() {
		next = model.OrderStatusFilled
	}
	if CanTransition(o.Status, next) {
		if next.IsLive() {
			stampExpiry(o, now)
		}
		m.transitionLocked(o, next, "", now)
	}
	if fill.Side != o.Side {
		fill.Side = o.Side
	}
	res := m.tracker.ApplyFill(fill, o.StrategyID)
	if fill.Timestamp.After(m.lastFillAt) {
		m.lastFillAt = fill.Timestamp
	}
	strategyID := o.StrategyID
	m.outbox = append(m.outbox, outgoing{fill: &fill})
	m.mu.Unlock()

	m.flush(ctx)
	m.audit.Metrics().IncFill(fill.Symbol)

	if res.Reduced && m.risk != nil {
		m.risk.OnFill(ctx, fill, strategyID, res.RealizedPnL)
	}
	return res, nil
}

// ApplyUpdate applies an exchange-pushed status change. Only cancellations
// and rejections change the status; fill progress comes from fills.
func (m *Manager) ApplyUpdate(ctx context.Context, update model.Order) error {
	now := m.now()
	m.mu.Lock()
	o, ok := m.orders[update.ClientOrderID]
	if !ok {
		m.mu.Unlock()
		return errors.Wrapf(exception.ErrOrderUnknown, "client order id %s", update.ClientOrderID)
	}
	if o.ExchangeOrderID == "" && update.ExchangeOrderID != "" {
		o.ExchangeOrderID = update.ExchangeOrderID
	}
	var err error
	switch update.Status {
	case model.OrderStatusCancelled, model.OrderStatusRejected:
		if o.Status == update.Status {
			break
		}
		if err = checkTransition(o, update.Status); err == nil {
			m.transitionLocked(o, update.Status, update.Reason, now)
		}
	case model.OrderStatusSubmitted:
		if o.Status == model.OrderStatusPending {
			stampExpiry(o, now)
			m.transitionLocked(o, model.OrderStatusSubmitted, "", now)
		}
	}
	m.mu.Unlock()

	m.flush(ctx)
	return err
}

// OnExchangeFill implements exchange.Listener.
func (m *Manager) OnExchangeFill(ctx context.Context, fill model.Fill) {
	if _, err := m.ApplyFill(ctx, fill); err != nil {
		if exception.Is(err, exception.ErrOrderDuplicateFill) {
			return
		}
		logs.Errorf("apply exchange fill %s, err: %+v", fill.TradeID, err)
	}
}

// OnExchangeUpdate implements exchange.Listener.
func (m *Manager) OnExchangeUpdate(ctx context.Context, order model.Order) {
	if err := m.ApplyUpdate(ctx, order); err != nil {
		logs.Errorf("apply exchange update %s, err: %+v", order.ClientOrderID, err)
	}
}

// releaseLocked returns qty reserved by an in-flight fill of an order.
func (m *Manager) releaseLocked(clientOrderID string, qty decimal.Decimal) {
	left := m.filling[clientOrderID].Sub(qty)
	if left.IsPositive() {
		m.filling[clientOrderID] = left
		return
	}
	delete(m.filling, clientOrderID)
}

func (m *Manager) persistFill(ctx context.Context, fill model.Fill) error {
	if m.repo == nil {
		return nil
	}
	r, err := store.NewRecord(store.KindFill, fill.Symbol, fill.TradeID, fill.Timestamp, fill)
	if err != nil {
		return err
	}
	if _, err := m.repo.Append(ctx, r); err != nil {
		m.audit.Metrics().IncPersistFailure()
		return errors.Wrapf(err, "persist fill %s", fill.TradeID)
	}
	return nil
}
