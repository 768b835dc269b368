package og

import (
	"context"
	"slices"
	"sync"
	"time"

	"tradecore/internal/bus"
	"tradecore/internal/exchange"
	"tradecore/internal/model"
	"tradecore/internal/obs"
	"tradecore/internal/state"
	"tradecore/internal/store"
	"tradecore/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

var _ exchange.Listener = (*Manager)(nil)

// Publisher is the part of the event bus the manager needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// RiskFeedback receives realized PnL of position-reducing fills.
type RiskFeedback interface {
	OnFill(ctx context.Context, fill model.Fill, strategyID string, pnl decimal.Decimal)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSleep replaces the retry backoff wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

// WithPublisher publishes order events on the bus.
func WithPublisher(pub Publisher) Option {
	return func(m *Manager) {
		m.pub = pub
	}
}

// WithAuditor reports retries.
func WithAuditor(a *obs.Auditor) Option {
	return func(m *Manager) {
		m.audit = a
	}
}

// WithRiskFeedback forwards fill PnL to the risk guard.
func WithRiskFeedback(r RiskFeedback) Option {
	return func(m *Manager) {
		m.risk = r
	}
}

// Manager is the order lifecycle manager. It owns the authoritative state of
// every order from request to terminal status and applies fills to orders
// and positions together.
type Manager struct {
	cfg     Config
	gw      exchange.Gateway
	tracker *state.Tracker
	repo    store.Repository
	pub     Publisher
	audit   *obs.Auditor
	risk    RiskFeedback
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	orders     map[string]*model.Order
	trades     map[string]struct{}
	filling    map[string]decimal.Decimal
	cancelling map[string]struct{}
	lastFillAt time.Time
	outbox     []outgoing

	emitMu sync.Mutex
}

type outgoing struct {
	update  *model.OrderUpdate
	fill    *model.Fill
	persist bool
}

// New creates a manager. repo must acknowledge writes durably.
func New(cfg Config, gw exchange.Gateway, tracker *state.Tracker, repo store.Repository, opts ...Option) *Manager {
	m := &Manager{
		cfg:        cfg.withDefaults(),
		gw:         gw,
		tracker:    tracker,
		repo:       repo,
		now:        time.Now,
		sleep:      sleepContext,
		orders:     make(map[string]*model.Order),
		trades:     make(map[string]struct{}),
		filling:    make(map[string]decimal.Decimal),
		cancelling: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit registers req as a PENDING order, persists it and sends it to the
// exchange. Transient failures are retried with the same client order id up
// to the retry budget; a definitive rejection ends in REJECTED and an
// exhausted budget in FAILED. An order that went live through an exchange
// push while attempts were failing is returned without error once the budget
// runs out. Every other outcome than an acknowledged order returns an error.
func (m *Manager) Submit(ctx context.Context, req model.OrderRequest) (model.Order, error) {
	if err := validateRequest(req); err != nil {
		return model.Order{}, err
	}
	start := time.Now()
	defer func() { m.audit.Metrics().ObserveSubmit(time.Since(start)) }()

	now := m.now()
	m.mu.Lock()
	if _, ok := m.orders[req.ClientOrderID]; ok {
		m.mu.Unlock()
		return model.Order{}, errors.Wrapf(exception.ErrOrderDuplicate, "client order id %s", req.ClientOrderID)
	}
	o := &model.Order{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		StrategyID:    req.StrategyID,
		Side:          req.Side,
		Type:          req.Type,
		Intent:        req.Intent,
		Price:         req.Price,
		Status:        model.OrderStatusPending,
		RequestedQty:  req.Quantity,
		TTL:           req.TTL,
		CreatedAt:     now,
		LastUpdateAt:  now,
	}
	m.orders[o.ClientOrderID] = o
	pending := *o
	m.mu.Unlock()

	if err := m.persistRequest(ctx, req, pending); err != nil {
		m.mu.Lock()
		delete(m.orders, req.ClientOrderID)
		m.mu.Unlock()
		return model.Order{}, err
	}
	m.publish(ctx, bus.TopicOrderRequest, req)
	m.publish(ctx, bus.TopicOrderUpdate, model.OrderUpdate{Order: pending, Timestamp: now})
	m.audit.Metrics().ObserveTransition(model.OrderStatusPending)

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		m.mu.Lock()
		o.Attempts = attempt
		m.mu.Unlock()

		ack, err := m.callSubmit(ctx, req)
		if err == nil {
			return m.acknowledge(ctx, req, ack), nil
		}
		lastErr = err

		if exception.IsDefinitive(err) {
			order := m.finish(ctx, req.ClientOrderID, model.OrderStatusRejected, err.Error())
			logs.Errorf("order rejected, client order id: %s, symbol: %s, err: %+v", req.ClientOrderID, req.Symbol, err)
			return order, err
		}
		if ctx.Err() != nil {
			return m.Order(req.ClientOrderID), errors.Wrapf(ctx.Err(), "submit %s interrupted after %d attempts", req.ClientOrderID, attempt)
		}

		m.audit.Retry(ctx, model.RetryNotice{
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Attempt:       attempt,
			Error:         err.Error(),
			Timestamp:     m.now(),
		})
		if attempt == m.cfg.MaxAttempts {
			break
		}
		if err := m.sleep(ctx, m.cfg.RetryInterval); err != nil {
			return m.Order(req.ClientOrderID), errors.Wrapf(err, "submit %s interrupted after %d attempts", req.ClientOrderID, attempt)
		}
	}

	order := m.finish(ctx, req.ClientOrderID, model.OrderStatusFailed, lastErr.Error())
	if order.Status.IsLive() {
		logs.Infof("order live on exchange after %d failed attempts, client order id: %s, status: %s, expires at: %s", m.cfg.MaxAttempts, req.ClientOrderID, order.Status, order.ExpiresAt)
		return order, nil
	}
	logs.Errorf("order failed after %d attempts, client order id: %s, symbol: %s, err: %+v", m.cfg.MaxAttempts, req.ClientOrderID, req.Symbol, lastErr)
	return order, errors.Wrapf(exception.ErrGatewayTransient, "retry budget exhausted for %s, last err: %+v", req.ClientOrderID, lastErr)
}

func (m *Manager) callSubmit(ctx context.Context, req model.OrderRequest) (model.OrderAck, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	return m.gw.SubmitOrder(callCtx, req)
}

func (m *Manager) acknowledge(ctx context.Context, req model.OrderRequest, ack model.OrderAck) model.Order {
	now := m.now()
	m.mu.Lock()
	o := m.orders[req.ClientOrderID]
	o.ExchangeOrderID = ack.ExchangeOrderID
	stampExpiry(o, now)
	if o.Status == model.OrderStatusPending {
		m.transitionLocked(o, model.OrderStatusSubmitted, "", now)
	}
	if ack.Status == model.OrderStatusRejected || ack.Status == model.OrderStatusCancelled {
		if CanTransition(o.Status, ack.Status) {
			m.transitionLocked(o, ack.Status, "acknowledged as "+ack.Status.String(), now)
		}
	}
	result := *o
	m.mu.Unlock()

	m.flush(ctx)
	return result
}

// finish moves a non-terminal order into a terminal status.
func (m *Manager) finish(ctx context.Context, clientOrderID string, to model.OrderStatus, reason string) model.Order {
	now := m.now()
	m.mu.Lock()
	o := m.orders[clientOrderID]
	if CanTransition(o.Status, to) {
		m.transitionLocked(o, to, reason, now)
	}
	result := *o
	m.mu.Unlock()

	m.flush(ctx)
	return result
}

// Cancel cancels a live order. Cancelling a terminal order, or one whose
// cancel is already in flight, returns its current state without calling the
// exchange. When the exchange rejects the cancel definitively or does not
// know the order, its open orders decide: an order missing there is closed
// locally, one still resting stays live and the error is returned.
func (m *Manager) Cancel(ctx context.Context, clientOrderID string) (model.Order, error) {
	m.mu.Lock()
	o, ok := m.orders[clientOrderID]
	if !ok {
		m.mu.Unlock()
		return model.Order{}, errors.Wrapf(exception.ErrOrderUnknown, "client order id %s", clientOrderID)
	}
	if o.Status.IsTerminal() {
		result := *o
		m.mu.Unlock()
		return result, nil
	}
	if _, busy := m.cancelling[clientOrderID]; busy {
		result := *o
		m.mu.Unlock()
		return result, nil
	}
	if o.Status == model.OrderStatusPending {
		result := *o
		m.mu.Unlock()
		return result, errors.Wrapf(exception.ErrOrderInvalidTransition, "order %s is not acknowledged yet", clientOrderID)
	}
	m.cancelling[clientOrderID] = struct{}{}
	symbol := o.Symbol
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.cancelling, clientOrderID)
		m.mu.Unlock()
	}()

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	ack, err := m.gw.CancelOrder(callCtx, symbol, clientOrderID)
	cancel()
	if err != nil {
		if exception.Is(err, exception.ErrGatewayOrderNotFound) || exception.IsDefinitive(err) {
			return m.settleMissing(ctx, clientOrderID, symbol, err)
		}
		return m.Order(clientOrderID), errors.Wrapf(err, "cancel %s", clientOrderID)
	}

	now := m.now()
	m.mu.Lock()
	if ack.Status == model.OrderStatusCancelled && CanTransition(o.Status, model.OrderStatusCancelled) {
		m.transitionLocked(o, model.OrderStatusCancelled, "cancelled", now)
	}
	result := *o
	m.mu.Unlock()

	m.flush(ctx)
	return result, nil
}

// settleMissing closes an order the exchange refused to cancel when the
// exchange no longer lists it as open. A fully filled order ends FILLED,
// anything else CANCELLED.
func (m *Manager) settleMissing(ctx context.Context, clientOrderID, symbol string, cancelErr error) (model.Order, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	open, err := m.gw.FetchOpenOrders(callCtx, symbol)
	cancel()
	if err != nil {
		return m.Order(clientOrderID), errors.Wrapf(err, "cancel %s refused (%s), fetch open orders", clientOrderID, cancelErr.Error())
	}
	for _, o := range open {
		if o.ClientOrderID == clientOrderID {
			return m.Order(clientOrderID), errors.Wrapf(cancelErr, "cancel %s refused while order is open", clientOrderID)
		}
	}

	now := m.now()
	m.mu.Lock()
	o := m.orders[clientOrderID]
	to := model.OrderStatusCancelled
	if o.RemainingQty().IsZero() {
		to = model.OrderStatusFilled
	}
	if CanTransition(o.Status, to) {
		m.transitionLocked(o, to, "not open on exchange", now)
		m.outbox[len(m.outbox)-1].update.Synthesized = true
	}
	result := *o
	m.mu.Unlock()

	m.flush(ctx)
	logs.Errorf("cancel %s refused and order not open on exchange, closed as %s, err: %+v", clientOrderID, result.Status, cancelErr)
	return result, nil
}

// Sweep cancels every live order past its TTL at now. An expired FLATTEN
// order is cancelled and its unfilled remainder is liquidated with a
// reduce-only market order. It returns the orders it cancelled.
func (m *Manager) Sweep(ctx context.Context, now time.Time) []model.Order {
	m.mu.Lock()
	expired := make([]string, 0)
	for id, o := range m.orders {
		if _, busy := m.cancelling[id]; busy {
			continue
		}
		if o.Expired(now) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()
	slices.Sort(expired)

	cancelled := make([]model.Order, 0, len(expired))
	for _, id := range expired {
		order, err := m.Cancel(ctx, id)
		if err != nil {
			logs.Errorf("ttl cancel %s, err: %+v", id, err)
			continue
		}
		if order.Status != model.OrderStatusCancelled {
			continue
		}
		logs.Infof("order expired and cancelled, client order id: %s, symbol: %s, filled: %s/%s", order.ClientOrderID, order.Symbol, order.FilledQty, order.RequestedQty)
		cancelled = append(cancelled, order)

		if order.Intent == model.IntentFlatten && order.RemainingQty().IsPositive() {
			m.liquidate(ctx, order)
		}
	}
	return cancelled
}

func (m *Manager) liquidate(ctx context.Context, expired model.Order) {
	req := model.OrderRequest{
		ClientOrderID: newClientOrderID(),
		Symbol:        expired.Symbol,
		StrategyID:    expired.StrategyID,
		Side:          expired.Side,
		Type:          model.OrderTypeMarket,
		Intent:        model.IntentFlatten,
		Quantity:      expired.RemainingQty(),
		Price:         expired.Price,
		TimeInForce:   model.TimeInForceIOC,
		TTL:           m.cfg.FlattenTTL,
		ReduceOnly:    true,
		CreatedAt:     m.now(),
	}
	order, err := m.Submit(ctx, req)
	if err != nil {
		logs.Errorf("liquidate remainder of %s as %s (%s), err: %+v", expired.ClientOrderID, req.ClientOrderID, order.Status, err)
		return
	}
	logs.Infof("liquidating remainder of %s with market order %s, qty: %s", expired.ClientOrderID, req.ClientOrderID, req.Quantity)
}

// Order returns a copy of an order. The zero value means unknown.
func (m *Manager) Order(clientOrderID string) model.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[clientOrderID]; ok {
		return *o
	}
	return model.Order{}
}

// Lookup returns a copy of an order and whether it exists.
func (m *Manager) Lookup(clientOrderID string) (model.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[clientOrderID]
	if !ok {
		return model.Order{}, false
	}
	return *o, true
}

// Orders returns copies of every order ordered by creation time.
func (m *Manager) Orders() []model.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]model.Order, 0, len(m.orders))
	for _, o := range m.orders {
		result = append(result, *o)
	}
	sortOrders(result)
	return result
}

// OpenOrders returns the non-terminal orders of symbol.
func (m *Manager) OpenOrders(symbol string) []model.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]model.Order, 0)
	for _, o := range m.orders {
		if o.Symbol == symbol && !o.Status.IsTerminal() {
			result = append(result, *o)
		}
	}
	sortOrders(result)
	return result
}

// Exposure is the summed absolute notional of the unfilled part of every
// non-terminal order of symbol.
func (m *Manager) Exposure(symbol string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, o := range m.orders {
		if o.Symbol != symbol || o.Status.IsTerminal() {
			continue
		}
		total = total.Add(o.RemainingQty().Mul(o.Price).Abs())
	}
	return total
}

// LastFillAt returns the timestamp of the newest applied fill.
func (m *Manager) LastFillAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFillAt
}

// stampExpiry starts the TTL clock the first time an order is live.
func stampExpiry(o *model.Order, now time.Time) {
	if o.ExpiresAt.IsZero() && o.TTL > 0 {
		o.ExpiresAt = now.Add(o.TTL)
	}
}

func (m *Manager) transitionLocked(o *model.Order, to model.OrderStatus, reason string, now time.Time) {
	from := o.Status
	o.Status = to
	if reason != "" {
		o.Reason = reason
	}
	o.LastUpdateAt = now
	m.outbox = append(m.outbox, outgoing{
		update:  &model.OrderUpdate{Order: *o, From: from, Timestamp: now},
		persist: true,
	})
}

// flush persists and publishes queued events in the order they were
// produced. Only one goroutine flushes at a time.
func (m *Manager) flush(ctx context.Context) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	for {
		m.mu.Lock()
		batch := m.outbox
		m.outbox = nil
		m.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, out := range batch {
			if out.update != nil {
				if out.persist {
					m.persistTransition(ctx, *out.update)
				}
				m.audit.Metrics().ObserveTransition(out.update.Order.Status)
				m.publish(ctx, bus.TopicOrderUpdate, *out.update)
			}
			if out.fill != nil {
				m.publish(ctx, bus.TopicOrderFill, *out.fill)
			}
		}
	}
}

func (m *Manager) persistRequest(ctx context.Context, req model.OrderRequest, pending model.Order) error {
	if m.repo == nil {
		return nil
	}
	r, err := store.NewRecord(store.KindOrderRequest, req.Symbol, req.ClientOrderID, req.CreatedAt, req)
	if err != nil {
		return err
	}
	if _, err := m.repo.Append(ctx, r); err != nil {
		m.audit.Metrics().IncPersistFailure()
		return errors.Wrapf(err, "persist order request %s", req.ClientOrderID)
	}
	update := model.OrderUpdate{Order: pending, Timestamp: pending.CreatedAt}
	r, err = store.NewRecord(store.KindOrderTransition, req.Symbol, req.ClientOrderID, pending.CreatedAt, update)
	if err != nil {
		return err
	}
	if _, err := m.repo.Append(ctx, r); err != nil {
		m.audit.Metrics().IncPersistFailure()
		return errors.Wrapf(err, "persist pending order %s", req.ClientOrderID)
	}
	return nil
}

func (m *Manager) persistTransition(ctx context.Context, u model.OrderUpdate) {
	if m.repo == nil {
		return
	}
	r, err := store.NewRecord(store.KindOrderTransition, u.Order.Symbol, u.Order.ClientOrderID, u.Timestamp, u)
	if err == nil {
		_, err = m.repo.Append(ctx, r)
	}
	if err != nil {
		m.audit.Metrics().IncPersistFailure()
		logs.Errorf("persist order transition %s -> %s, err: %+v", u.Order.ClientOrderID, u.Order.Status, err)
	}
}

func (m *Manager) publish(ctx context.Context, topic string, payload any) {
	if m.pub == nil {
		return
	}
	if err := m.pub.Publish(ctx, topic, payload); err != nil {
		logs.Errorf("publish %s, err: %+v", topic, err)
	}
}

func validateRequest(req model.OrderRequest) error {
	switch {
	case req.ClientOrderID == "":
		return errors.Wrap(exception.ErrOrderInvalidRequest, "empty client order id")
	case req.Symbol == "":
		return errors.Wrap(exception.ErrOrderInvalidRequest, "empty symbol")
	case !req.Side.IsAvailable():
		return errors.Wrapf(exception.ErrOrderInvalidRequest, "invalid side %d", req.Side)
	case !req.Type.IsAvailable():
		return errors.Wrapf(exception.ErrOrderInvalidRequest, "invalid type %d", req.Type)
	case !req.Quantity.IsPositive():
		return errors.Wrapf(exception.ErrOrderInvalidRequest, "quantity %s is not positive", req.Quantity)
	}
	return nil
}

func sortOrders(orders []model.Order) {
	slices.SortFunc(orders, func(a, b model.Order) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ClientOrderID < b.ClientOrderID:
			return -1
		case a.ClientOrderID > b.ClientOrderID:
			return 1
		}
		return 0
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
