package exchange

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"time"

	"tradecore/internal/model"
	"tradecore/internal/precision"
	"tradecore/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

var _ Gateway = (*Simulator)(nil)

// SimulatorConfig controls the simulated gateway.
type SimulatorConfig struct {
	Session string
	// Latency delays every call. A call whose context expires first fails
	// with the context error, which callers treat as transient.
	Latency time.Duration
	Now     func() time.Time
}

type submitFault struct {
	err    error
	accept bool
}

// Simulator is an in-memory exchange used for paper trading and tests. It
// deduplicates submissions by client order id the way a real venue does,
// fills resting orders when the market crosses them and supports fault
// injection and disconnects.
type Simulator struct {
	cfg SimulatorConfig

	mu        sync.Mutex
	connected bool
	seq       uint64
	orders    map[string]*model.Order
	positions map[string]model.Position
	filters   map[string]model.ExchangeFilter
	fills     []model.Fill
	last      map[string]decimal.Decimal
	faults    []submitFault
	cancelErr []error
	submits   map[string]int
	listener  Listener
}

// NewSimulator creates a connected simulator.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.Session == "" {
		cfg.Session = "sim"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Simulator{
		cfg:       cfg,
		connected: true,
		orders:    make(map[string]*model.Order),
		positions: make(map[string]model.Position),
		filters:   make(map[string]model.ExchangeFilter),
		last:      make(map[string]decimal.Decimal),
		submits:   make(map[string]int),
	}
}

// SetListener registers the receiver of pushed fills and order updates.
func (s *Simulator) SetListener(l Listener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

// SetFilter installs the trading rules of a symbol.
func (s *Simulator) SetFilter(f model.ExchangeFilter) {
	s.mu.Lock()
	s.filters[f.Symbol] = f
	s.mu.Unlock()
}

// SetPosition overwrites the exchange-side position of a symbol.
func (s *Simulator) SetPosition(p model.Position) {
	s.mu.Lock()
	s.positions[p.Symbol] = p
	s.mu.Unlock()
}

// PlaceOpenOrder puts an order on the book that the local process never
// submitted, as happens when a crash loses the local record.
func (s *Simulator) PlaceOpenOrder(o model.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ExchangeOrderID == "" {
		o.ExchangeOrderID = s.nextID("ex")
	}
	if !o.Status.IsLive() {
		o.Status = model.OrderStatusSubmitted
	}
	s.orders[o.ClientOrderID] = &o
}

// RecordFill adds a historical fill without touching orders or positions.
func (s *Simulator) RecordFill(f model.Fill) {
	s.mu.Lock()
	s.fills = append(s.fills, f)
	s.mu.Unlock()
}

// FailSubmit makes the next submission fail with err. When accept is true the
// exchange still takes the order, which models a timeout after the venue
// received the request.
func (s *Simulator) FailSubmit(err error, accept bool) {
	s.mu.Lock()
	s.faults = append(s.faults, submitFault{err: err, accept: accept})
	s.mu.Unlock()
}

// FailCancel makes the next cancel fail with err.
func (s *Simulator) FailCancel(err error) {
	s.mu.Lock()
	s.cancelErr = append(s.cancelErr, err)
	s.mu.Unlock()
}

// Disconnect marks the gateway as disconnected.
func (s *Simulator) Disconnect() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

// Reconnect marks the gateway as connected again.
func (s *Simulator) Reconnect() {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
}

// Submissions returns how many times a client order id reached the venue.
func (s *Simulator) Submissions(clientOrderID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits[clientOrderID]
}

// Order returns the venue's copy of an order.
func (s *Simulator) Order(clientOrderID string) (model.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[clientOrderID]
	if !ok {
		return model.Order{}, false
	}
	return *o, true
}

func (s *Simulator) SubmitOrder(ctx context.Context, req model.OrderRequest) (model.OrderAck, error) {
	if err := s.wait(ctx); err != nil {
		return model.OrderAck{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return model.OrderAck{}, errors.Wrap(exception.ErrGatewayTransient, exception.ErrGatewayDisconnected.Error())
	}
	s.submits[req.ClientOrderID]++

	var fault *submitFault
	if len(s.faults) != 0 {
		fault = &s.faults[0]
		s.faults = s.faults[1:]
		if !fault.accept {
			return model.OrderAck{}, fault.err
		}
	}

	if o, ok := s.orders[req.ClientOrderID]; ok {
		if fault != nil {
			return model.OrderAck{}, fault.err
		}
		return s.ack(o), nil
	}

	if f, ok := s.filters[req.Symbol]; ok {
		price := req.Price
		if req.Type == model.OrderTypeMarket {
			price = decimal.Zero
		}
		if err := precision.Check(f, req.Quantity, price, req.Price); err != nil {
			return model.OrderAck{}, errors.Wrapf(exception.ErrGatewayDefinitive, "-1013 filter failure, %s", err.Error())
		}
	}
	if req.ReduceOnly && !s.reduces(req) {
		return model.OrderAck{}, errors.Wrap(exception.ErrGatewayDefinitive, "-2022 reduce only order rejected")
	}

	now := s.cfg.Now()
	o := &model.Order{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: s.nextID("ex"),
		Symbol:          req.Symbol,
		StrategyID:      req.StrategyID,
		Side:            req.Side,
		Type:            req.Type,
		Intent:          req.Intent,
		Price:           req.Price,
		Status:          model.OrderStatusSubmitted,
		RequestedQty:    req.Quantity,
		CreatedAt:       now,
		LastUpdateAt:    now,
	}
	s.orders[o.ClientOrderID] = o

	if fault != nil {
		return model.OrderAck{}, fault.err
	}
	return s.ack(o), nil
}

func (s *Simulator) CancelOrder(ctx context.Context, symbol, clientOrderID string) (model.OrderAck, error) {
	if err := s.wait(ctx); err != nil {
		return model.OrderAck{}, err
	}

	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return model.OrderAck{}, errors.Wrap(exception.ErrGatewayTransient, exception.ErrGatewayDisconnected.Error())
	}
	if len(s.cancelErr) != 0 {
		err := s.cancelErr[0]
		s.cancelErr = s.cancelErr[1:]
		s.mu.Unlock()
		return model.OrderAck{}, err
	}
	o, ok := s.orders[clientOrderID]
	if !ok || o.Symbol != symbol {
		s.mu.Unlock()
		return model.OrderAck{}, errors.Wrapf(exception.ErrGatewayOrderNotFound, "symbol %s, client order id %s", symbol, clientOrderID)
	}
	if o.Status.IsLive() {
		o.Status = model.OrderStatusCancelled
		o.LastUpdateAt = s.cfg.Now()
	}
	ack := s.ack(o)
	s.mu.Unlock()
	return ack, nil
}

func (s *Simulator) FetchOpenOrders(ctx context.Context, symbol string) ([]model.Order, error) {
	if err := s.online(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]model.Order, 0, len(s.orders))
	for _, o := range s.orders {
		if o.Symbol == symbol && o.Status.IsLive() {
			result = append(result, *o)
		}
	}
	slices.SortFunc(result, func(a, b model.Order) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return result, nil
}

func (s *Simulator) FetchPositions(ctx context.Context) ([]model.Position, error) {
	if err := s.online(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		result = append(result, p)
	}
	slices.SortFunc(result, func(a, b model.Position) int {
		return compareString(a.Symbol, b.Symbol)
	})
	return result, nil
}

func (s *Simulator) FetchFills(ctx context.Context, symbol string, since time.Time) ([]model.Fill, error) {
	if err := s.online(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]model.Fill, 0)
	for _, f := range s.fills {
		if f.Symbol == symbol && f.Timestamp.After(since) {
			result = append(result, f)
		}
	}
	return result, nil
}

func (s *Simulator) FetchFilters(ctx context.Context, symbol string) (model.ExchangeFilter, error) {
	if err := s.online(ctx); err != nil {
		return model.ExchangeFilter{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.filters[symbol]
	if !ok {
		return model.ExchangeFilter{}, errors.Wrapf(exception.ErrGatewayDefinitive, "-1121 invalid symbol %s", symbol)
	}
	f.FetchedAt = s.cfg.Now()
	return f, nil
}

func (s *Simulator) Ping(ctx context.Context) error {
	return s.online(ctx)
}

// MatchPrice records the latest traded price of a symbol and fills every live
// order it crosses. Market orders fill at price; limit orders fill at their
// own price. Fills are pushed to the listener outside the simulator lock.
func (s *Simulator) MatchPrice(ctx context.Context, symbol string, price decimal.Decimal) []model.Fill {
	s.mu.Lock()
	s.last[symbol] = price
	crossed := make([]*model.Order, 0)
	for _, o := range s.orders {
		if o.Symbol != symbol || !o.Status.IsLive() {
			continue
		}
		if crosses(o, price) {
			crossed = append(crossed, o)
		}
	}
	slices.SortFunc(crossed, func(a, b *model.Order) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	fills := make([]model.Fill, 0, len(crossed))
	for _, o := range crossed {
		execPrice := o.Price
		if o.Type == model.OrderTypeMarket || execPrice.IsZero() {
			execPrice = price
		}
		fills = append(fills, s.fillLocked(o, o.RemainingQty(), execPrice))
	}
	listener := s.listener
	s.mu.Unlock()

	s.push(ctx, listener, fills)
	return fills
}

// Fill executes qty of a live order at price and pushes the fill.
func (s *Simulator) Fill(ctx context.Context, clientOrderID string, qty, price decimal.Decimal) (model.Fill, error) {
	s.mu.Lock()
	o, ok := s.orders[clientOrderID]
	if !ok {
		s.mu.Unlock()
		return model.Fill{}, errors.Wrapf(exception.ErrGatewayOrderNotFound, "client order id %s", clientOrderID)
	}
	if !o.Status.IsLive() {
		s.mu.Unlock()
		return model.Fill{}, errors.Wrapf(exception.ErrOrderInvalidTransition, "order %s is %s", clientOrderID, o.Status)
	}
	if qty.GreaterThan(o.RemainingQty()) {
		qty = o.RemainingQty()
	}
	fill := s.fillLocked(o, qty, price)
	listener := s.listener
	s.mu.Unlock()

	s.push(ctx, listener, []model.Fill{fill})
	return fill, nil
}

// Reject moves a live order to REJECTED and pushes the update, as an exchange
// does when it refuses an order after acknowledging it.
func (s *Simulator) Reject(ctx context.Context, clientOrderID, reason string) error {
	s.mu.Lock()
	o, ok := s.orders[clientOrderID]
	if !ok {
		s.mu.Unlock()
		return errors.Wrapf(exception.ErrGatewayOrderNotFound, "client order id %s", clientOrderID)
	}
	o.Status = model.OrderStatusRejected
	o.Reason = reason
	o.LastUpdateAt = s.cfg.Now()
	update := *o
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener.OnExchangeUpdate(ctx, update)
	}
	return nil
}

func (s *Simulator) fillLocked(o *model.Order, qty, price decimal.Decimal) model.Fill {
	now := s.cfg.Now()
	filled := o.FilledQty.Add(qty)
	if !filled.IsZero() {
		o.AvgFillPrice = o.AvgFillPrice.Mul(o.FilledQty).Add(price.Mul(qty)).DivRound(filled, 8)
	}
	o.FilledQty = filled
	o.Status = model.OrderStatusPartiallyFilled
	if o.RemainingQty().IsZero() {
		o.Status = model.OrderStatusFilled
	}
	o.LastUpdateAt = now

	fill := model.Fill{
		TradeID:       s.nextID("t"),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Price:         price,
		Qty:           qty,
		Timestamp:     now,
	}
	s.fills = append(s.fills, fill)
	s.applyPositionLocked(fill)
	return fill
}

func (s *Simulator) applyPositionLocked(fill model.Fill) {
	p := s.positions[fill.Symbol]
	p.Symbol = fill.Symbol
	delta := fill.SignedQty()
	next := p.Size.Add(delta)
	switch {
	case p.Size.IsZero() || p.Size.Sign() == delta.Sign():
		if !next.IsZero() {
			p.EntryPrice = p.EntryPrice.Mul(p.Size.Abs()).Add(fill.Price.Mul(delta.Abs())).DivRound(next.Abs(), 8)
		}
	case next.IsZero():
		p.EntryPrice = decimal.Zero
	case next.Sign() != p.Size.Sign():
		p.EntryPrice = fill.Price
	}
	p.Size = next
	p.UpdatedAt = fill.Timestamp
	s.positions[fill.Symbol] = p
}

func (s *Simulator) push(ctx context.Context, listener Listener, fills []model.Fill) {
	if listener == nil {
		return
	}
	for _, f := range fills {
		listener.OnExchangeFill(ctx, f)
	}
}

func (s *Simulator) reduces(req model.OrderRequest) bool {
	p := s.positions[req.Symbol]
	if p.Size.IsZero() {
		return false
	}
	if req.Side == model.OrderSideSell {
		return p.Size.IsPositive() && req.Quantity.LessThanOrEqual(p.Size)
	}
	return p.Size.IsNegative() && req.Quantity.LessThanOrEqual(p.Size.Abs())
}

func (s *Simulator) ack(o *model.Order) model.OrderAck {
	return model.OrderAck{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		Status:          o.Status,
		Timestamp:       s.cfg.Now(),
	}
}

func (s *Simulator) nextID(prefix string) string {
	s.seq++
	return s.cfg.Session + "-" + prefix + "-" + strconv.FormatUint(s.seq, 10)
}

func (s *Simulator) wait(ctx context.Context) error {
	if s.cfg.Latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.cfg.Latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Simulator) online(ctx context.Context) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return errors.Wrap(exception.ErrGatewayTransient, exception.ErrGatewayDisconnected.Error())
	}
	return nil
}

func crosses(o *model.Order, price decimal.Decimal) bool {
	if o.Type == model.OrderTypeMarket {
		return true
	}
	if o.Side == model.OrderSideBuy {
		return price.LessThanOrEqual(o.Price)
	}
	return price.GreaterThanOrEqual(o.Price)
}

func compareString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
