package og

import (
	"context"

	"tradecore/internal/model"
	"tradecore/internal/store"
	"tradecore/pkg/exception"

	"github.com/yanun0323/errors"
)

// Adopt creates a local record for an order the exchange reports but the
// process does not know. The synthesized order.update marks it as adopted.
func (m *Manager) Adopt(ctx context.Context, exchangeOrder model.Order) (model.Order, error) {
	now := m.now()
	m.mu.Lock()
	if _, ok := m.orders[exchangeOrder.ClientOrderID]; ok {
		m.mu.Unlock()
		return model.Order{}, errors.Wrapf(exception.ErrOrderDuplicate, "adopt %s", exchangeOrder.ClientOrderID)
	}
	o := exchangeOrder
	if !o.Status.IsLive() {
		o.Status = model.OrderStatusSubmitted
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if !o.Intent.IsAvailable() {
		o.Intent = model.IntentEntry
	}
	o.ExpiresAt = now.Add(m.cfg.AdoptTTL)
	o.LastUpdateAt = now
	o.Reason = "adopted during recovery"
	m.orders[o.ClientOrderID] = &o
	m.outbox = append(m.outbox, outgoing{
		update:  &model.OrderUpdate{Order: o, From: model.OrderStatusPending, Synthesized: true, Timestamp: now},
		persist: true,
	})
	m.mu.Unlock()

	m.flush(ctx)
	return o, nil
}

// MarkTerminal forces a non-terminal order into a terminal status to match
// the exchange. It is a no-op for orders already terminal.
func (m *Manager) MarkTerminal(ctx context.Context, clientOrderID string, to model.OrderStatus, reason string) (model.Order, error) {
	if !to.IsTerminal() {
		return model.Order{}, errors.Wrapf(exception.ErrInvalidArgument, "status %s is not terminal", to)
	}
	now := m.now()
	m.mu.Lock()
	o, ok := m.orders[clientOrderID]
	if !ok {
		m.mu.Unlock()
		return model.Order{}, errors.Wrapf(exception.ErrOrderUnknown, "client order id %s", clientOrderID)
	}
	if !o.Status.IsTerminal() {
		m.transitionLocked(o, to, reason, now)
		m.outbox[len(m.outbox)-1].update.Synthesized = true
	}
	result := *o
	m.mu.Unlock()

	m.flush(ctx)
	return result, nil
}

// Overwrite replaces the identity, quantities and status of a local order
// with the exchange's copy. A live order without expiry gets the adoption TTL.
func (m *Manager) Overwrite(ctx context.Context, exchangeOrder model.Order) (model.Order, error) {
	now := m.now()
	m.mu.Lock()
	o, ok := m.orders[exchangeOrder.ClientOrderID]
	if !ok {
		m.mu.Unlock()
		return model.Order{}, errors.Wrapf(exception.ErrOrderUnknown, "client order id %s", exchangeOrder.ClientOrderID)
	}
	from := o.Status
	o.Symbol = exchangeOrder.Symbol
	o.Side = exchangeOrder.Side
	o.RequestedQty = exchangeOrder.RequestedQty
	o.FilledQty = exchangeOrder.FilledQty
	o.AvgFillPrice = exchangeOrder.AvgFillPrice
	if exchangeOrder.ExchangeOrderID != "" {
		o.ExchangeOrderID = exchangeOrder.ExchangeOrderID
	}
	if exchangeOrder.Status.IsAvailable() {
		o.Status = exchangeOrder.Status
	}
	if o.Status.IsLive() && o.ExpiresAt.IsZero() {
		o.ExpiresAt = now.Add(m.cfg.AdoptTTL)
	}
	o.LastUpdateAt = now
	m.outbox = append(m.outbox, outgoing{
		update:  &model.OrderUpdate{Order: *o, From: from, Synthesized: true, Timestamp: now},
		persist: true,
	})
	result := *o
	m.mu.Unlock()

	m.flush(ctx)
	return result, nil
}

// Restore rebuilds orders and the trade id set from persisted records. It
// runs once at startup before recovery reconciles against the exchange.
func (m *Manager) Restore(ctx context.Context, repo store.Repository) (int, error) {
	transitions, err := repo.Query(ctx, store.Criteria{Kind: store.KindOrderTransition})
	if err != nil {
		return 0, errors.Wrap(err, "query order transitions")
	}
	fills, err := repo.Query(ctx, store.Criteria{Kind: store.KindFill})
	if err != nil {
		return 0, errors.Wrap(err, "query fills")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range transitions {
		u, err := store.Decode[model.OrderUpdate](r)
		if err != nil {
			return 0, err
		}
		o := u.Order
		m.orders[o.ClientOrderID] = &o
	}
	for _, r := range fills {
		f, err := store.Decode[model.Fill](r)
		if err != nil {
			return 0, err
		}
		m.trades[f.TradeID] = struct{}{}
		if f.Timestamp.After(m.lastFillAt) {
			m.lastFillAt = f.Timestamp
		}
	}
	return len(m.orders), nil
}

// SeenTrade reports whether a trade id was already applied.
func (m *Manager) SeenTrade(tradeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.trades[tradeID]
	return ok
}

// Absorb records fills that the exchange already reflects in an adopted
// order or in its reported position. They are persisted and marked as seen
// without changing any order or position.
func (m *Manager) Absorb(ctx context.Context, fills []model.Fill) (int, error) {
	absorbed := 0
	for _, fill := range fills {
		m.mu.Lock()
		_, seen := m.trades[fill.TradeID]
		if !seen {
			m.trades[fill.TradeID] = struct{}{}
		}
		m.mu.Unlock()
		if seen {
			continue
		}

		if err := m.persistFill(ctx, fill); err != nil {
			m.mu.Lock()
			delete(m.trades, fill.TradeID)
			m.mu.Unlock()
			return absorbed, err
		}

		m.mu.Lock()
		if fill.Timestamp.After(m.lastFillAt) {
			m.lastFillAt = fill.Timestamp
		}
		m.mu.Unlock()
		absorbed++
	}
	return absorbed, nil
}
