package risk

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tradecore/internal/model"
	"tradecore/internal/obs"
	"tradecore/internal/precision"
	"tradecore/internal/store"
	"tradecore/pkg/exception"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// ExposureSource reports the summed absolute notional of the open and
// pending orders of a symbol.
type ExposureSource interface {
	Exposure(symbol string) decimal.Decimal
}

// PositionSource reports the current position of a symbol.
type PositionSource interface {
	Position(symbol string) model.Position
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithRepository persists every risk state change.
func WithRepository(repo store.Repository) Option {
	return func(g *Guard) {
		g.repo = repo
	}
}

// WithAuditor publishes rejections and halt transitions.
func WithAuditor(a *obs.Auditor) Option {
	return func(g *Guard) {
		g.audit = a
	}
}

// Guard is the gatekeeper between signals and order requests. It keeps one
// RiskState per (symbol, strategy) scope plus one symbol-wide state used by
// the volatility halt.
type Guard struct {
	cfg       atomic.Pointer[Config]
	validator *precision.Validator
	exposure  ExposureSource
	positions PositionSource
	repo      store.Repository
	audit     *obs.Auditor
	now       func() time.Time

	mu     sync.Mutex
	states map[model.Scope]*model.RiskState
	frozen map[string]map[string]struct{}
	prices map[string]*priceWindow
}

type change struct {
	state      model.RiskState
	transition *model.HaltTransition
}

// New creates a guard.
func New(cfg Config, validator *precision.Validator, exposure ExposureSource, positions PositionSource, opts ...Option) *Guard {
	g := &Guard{
		validator: validator,
		exposure:  exposure,
		positions: positions,
		now:       time.Now,
		states:    make(map[model.Scope]*model.RiskState),
		frozen:    make(map[string]map[string]struct{}),
		prices:    make(map[string]*priceWindow),
	}
	g.cfg.Store(&cfg)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetConfig swaps the limits for new evaluations.
func (g *Guard) SetConfig(cfg Config) {
	g.cfg.Store(&cfg)
}

// Config returns the active configuration.
func (g *Guard) Config() Config {
	return *g.cfg.Load()
}

// Evaluate turns sig into an order request or a single-reason rejection. The
// checks run in a fixed order: halt, funding window, sizing and validation,
// exposure, daily quantity cap. An approved entry is charged against the
// daily quantity cap; flatten orders are not.
func (g *Guard) Evaluate(ctx context.Context, sig model.Signal) (model.OrderRequest, *model.Rejection) {
	start := time.Now()
	defer func() { g.audit.Metrics().ObserveRiskEval(time.Since(start)) }()

	cfg := g.cfg.Load()
	now := g.now()
	scope := sig.Scope()

	if sig.Symbol == "" || sig.StrategyID == "" || !sig.Side.IsAvailable() {
		return model.OrderRequest{}, g.reject(ctx, sig, model.RejectValidation, "malformed signal", now)
	}

	g.mu.Lock()
	reason, detail, changes := g.gateLocked(cfg, scope, now)
	g.mu.Unlock()
	g.emit(ctx, changes)
	if reason != 0 {
		return model.OrderRequest{}, g.reject(ctx, sig, reason, detail, now)
	}

	limits := cfg.LimitsOf(sig.Symbol)
	req, err := g.size(ctx, sig, limits, now)
	if err != nil {
		return model.OrderRequest{}, g.reject(ctx, sig, model.RejectValidation, err.Error(), now)
	}

	var exposure decimal.Decimal
	if req.Intent == model.IntentEntry && limits.MaxExposure.IsPositive() && g.exposure != nil {
		exposure = g.exposure.Exposure(sig.Symbol)
	}

	g.mu.Lock()
	reason, detail, changes = g.gateLocked(cfg, scope, now)
	if reason == 0 && req.Intent == model.IntentEntry {
		reason, detail = g.limitLocked(limits, scope, req, exposure)
	}
	if reason == 0 && req.Intent == model.IntentEntry {
		st := g.stateLocked(scope, now, &changes)
		st.DailyMaxQtyUsed = st.DailyMaxQtyUsed.Add(req.Quantity)
		st.UpdatedAt = now
		changes = append(changes, change{state: *st})
	}
	g.mu.Unlock()
	g.emit(ctx, changes)

	if reason != 0 {
		return model.OrderRequest{}, g.reject(ctx, sig, reason, detail, now)
	}
	return req, nil
}

// Refund returns the daily quantity charged for req after its order ended
// REJECTED or FAILED. Charges of an earlier day are left alone.
func (g *Guard) Refund(ctx context.Context, req model.OrderRequest) {
	if req.Intent != model.IntentEntry || !req.Quantity.IsPositive() {
		return
	}
	now := g.now()
	scope := model.Scope{Symbol: req.Symbol, StrategyID: req.StrategyID}

	g.mu.Lock()
	st, ok := g.states[scope]
	if !ok || dayOf(req.CreatedAt).Before(st.Day) {
		g.mu.Unlock()
		return
	}
	st.DailyMaxQtyUsed = decimal.Max(st.DailyMaxQtyUsed.Sub(req.Quantity), decimal.Zero)
	st.UpdatedAt = now
	changes := []change{{state: *st}}
	g.mu.Unlock()

	g.emit(ctx, changes)
}

func (g *Guard) gateLocked(cfg *Config, scope model.Scope, now time.Time) (model.RejectReason, string, []change) {
	var changes []change
	if ids, ok := g.frozen[scope.Symbol]; ok && len(ids) != 0 {
		return model.RejectRecovery, fmt.Sprintf("symbol %s frozen by %s", scope.Symbol, strings.Join(slices.Sorted(maps.Keys(ids)), ",")), changes
	}

	sym := g.stateLocked(model.SymbolScope(scope.Symbol), now, &changes)
	if !sym.ActiveAt(now) {
		return model.RejectHalted, "symbol halted: " + sym.HaltReason, changes
	}
	st := g.stateLocked(scope, now, &changes)
	if !st.ActiveAt(now) {
		return model.RejectHalted, "scope halted: " + st.HaltReason, changes
	}

	if cfg.InFundingWindow(now) {
		return model.RejectFundingWindow, "inside funding window", changes
	}
	return 0, "", changes
}

func (g *Guard) limitLocked(limits Limits, scope model.Scope, req model.OrderRequest, exposure decimal.Decimal) (model.RejectReason, string) {
	if limits.MaxExposure.IsPositive() {
		next := exposure.Add(req.Notional())
		if next.GreaterThan(limits.MaxExposure) {
			return model.RejectExposure, fmt.Sprintf("exposure %s would exceed %s", next, limits.MaxExposure)
		}
	}
	if limits.DailyMaxQty.IsPositive() {
		st := g.states[scope]
		next := st.DailyMaxQtyUsed.Add(req.Quantity)
		if next.GreaterThan(limits.DailyMaxQty) {
			return model.RejectDailyQtyCap, fmt.Sprintf("daily quantity %s would exceed %s", next, limits.DailyMaxQty)
		}
	}
	return 0, ""
}

func (g *Guard) size(ctx context.Context, sig model.Signal, limits Limits, now time.Time) (model.OrderRequest, error) {
	refPrice := sig.Price
	if !refPrice.IsPositive() {
		refPrice = g.LastPrice(sig.Symbol)
	}
	if !refPrice.IsPositive() {
		return model.OrderRequest{}, errors.Wrapf(exception.ErrRiskNoPrice, "symbol %s", sig.Symbol)
	}

	req := model.OrderRequest{
		ClientOrderID: uuid.NewString(),
		Symbol:        sig.Symbol,
		StrategyID:    sig.StrategyID,
		Type:          model.OrderTypeLimit,
		Intent:        model.IntentEntry,
		TimeInForce:   limits.TimeInForce,
		TTL:           limits.OrderTTL,
		CreatedAt:     now,
	}
	if !sig.Price.IsPositive() {
		req.Type = model.OrderTypeMarket
	}

	var qty decimal.Decimal
	switch sig.Side {
	case model.SideLong:
		req.Side = model.OrderSideBuy
	case model.SideShort:
		req.Side = model.OrderSideSell
	case model.SideFlat:
		pos := model.Position{}
		if g.positions != nil {
			pos = g.positions.Position(sig.Symbol)
		}
		if pos.IsFlat() {
			return model.OrderRequest{}, errors.Wrapf(exception.ErrRiskNothingToFlat, "symbol %s", sig.Symbol)
		}
		req.Side = model.OrderSideSell
		if pos.Size.IsNegative() {
			req.Side = model.OrderSideBuy
		}
		req.Intent = model.IntentFlatten
		req.ReduceOnly = true
		qty = pos.Size.Abs()
	}

	if qty.IsZero() {
		qty = sig.Quantity
		if !qty.IsPositive() {
			if !limits.OrderNotional.IsPositive() {
				return model.OrderRequest{}, errors.Wrapf(exception.ErrRiskZeroQuantity, "symbol %s has no order notional", sig.Symbol)
			}
			qty = limits.OrderNotional.Div(refPrice)
		}
	}

	limitPrice := decimal.Zero
	if req.Type == model.OrderTypeLimit {
		limitPrice = sig.Price
	}
	qty, price, err := g.validator.Prepare(ctx, sig.Symbol, req.Side, qty, limitPrice, refPrice)
	if err != nil {
		return model.OrderRequest{}, err
	}
	req.Quantity = qty
	req.Price = price
	if req.Type == model.OrderTypeMarket {
		req.Price = refPrice
	}
	return req, nil
}

func (g *Guard) reject(ctx context.Context, sig model.Signal, reason model.RejectReason, detail string, now time.Time) *model.Rejection {
	r := &model.Rejection{
		Scope:     sig.Scope(),
		Reason:    reason,
		Detail:    detail,
		Signal:    sig,
		Timestamp: now,
	}
	g.audit.Rejection(ctx, *r)
	return r
}

// OnFill feeds realized PnL of a position-reducing fill back into the scope
// counters. A loss increments the consecutive-loss count, a gain resets it.
// Crossing a threshold halts the scope before OnFill returns.
func (g *Guard) OnFill(ctx context.Context, fill model.Fill, strategyID string, pnl decimal.Decimal) {
	cfg := g.cfg.Load()
	limits := cfg.LimitsOf(fill.Symbol)
	now := g.now()
	scope := model.Scope{Symbol: fill.Symbol, StrategyID: strategyID}

	g.mu.Lock()
	var changes []change
	st := g.stateLocked(scope, now, &changes)
	switch {
	case pnl.IsNegative():
		st.ConsecutiveLosses++
		st.DailyLossAmount = st.DailyLossAmount.Add(pnl.Abs())
	case pnl.IsPositive():
		st.ConsecutiveLosses = 0
	}
	st.UpdatedAt = now

	c := change{}
	if !st.Halted {
		switch {
		case limits.MaxConsecutiveLosses > 0 && st.ConsecutiveLosses >= limits.MaxConsecutiveLosses:
			g.haltLocked(st, limits.HaltPolicy, limits.HaltDuration, fmt.Sprintf("%d consecutive losses", st.ConsecutiveLosses), now)
			c.transition = haltTransition(st, now)
		case limits.DailyMaxLoss.IsPositive() && st.DailyLossAmount.GreaterThanOrEqual(limits.DailyMaxLoss):
			g.haltLocked(st, limits.HaltPolicy, limits.HaltDuration, fmt.Sprintf("daily loss %s reached %s", st.DailyLossAmount, limits.DailyMaxLoss), now)
			c.transition = haltTransition(st, now)
		}
	}
	c.state = *st
	changes = append(changes, c)
	g.mu.Unlock()

	g.emit(ctx, changes)
}

// ObservePrice records a traded price. When the price range of the rolling
// volatility window reaches the threshold, every scope of the symbol gets a
// timed halt.
func (g *Guard) ObservePrice(ctx context.Context, symbol string, price decimal.Decimal, at time.Time) {
	if !price.IsPositive() {
		return
	}
	cfg := g.cfg.Load()

	g.mu.Lock()
	w, ok := g.prices[symbol]
	if !ok {
		w = &priceWindow{}
		g.prices[symbol] = w
	}
	w.add(at, price, cfg.VolatilityWindow)

	var changes []change
	if cfg.VolatilityThreshold.IsPositive() && cfg.VolatilityHalt > 0 {
		if move := w.move(); move.GreaterThanOrEqual(cfg.VolatilityThreshold) {
			st := g.stateLocked(model.SymbolScope(symbol), at, &changes)
			if st.ActiveAt(at) {
				reason := fmt.Sprintf("volatility %s within %s", move.StringFixed(4), cfg.VolatilityWindow)
				g.haltLocked(st, model.HaltPolicyTimed, cfg.VolatilityHalt, reason, at)
				changes = append(changes, change{state: *st, transition: haltTransition(st, at)})
				w.reset(at, price)
			}
		}
	}
	g.mu.Unlock()

	g.emit(ctx, changes)
}

// LastPrice returns the newest observed price of symbol.
func (g *Guard) LastPrice(symbol string) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w, ok := g.prices[symbol]; ok {
		return w.last
	}
	return decimal.Zero
}

// Halt halts a scope manually until Clear.
func (g *Guard) Halt(ctx context.Context, scope model.Scope, reason string) {
	now := g.now()
	g.mu.Lock()
	var changes []change
	st := g.stateLocked(scope, now, &changes)
	g.haltLocked(st, model.HaltPolicyManual, 0, reason, now)
	changes = append(changes, change{state: *st, transition: haltTransition(st, now)})
	g.mu.Unlock()
	g.emit(ctx, changes)
}

// Clear lifts the halt of scope and resets its consecutive-loss count.
func (g *Guard) Clear(ctx context.Context, scope model.Scope) error {
	now := g.now()
	g.mu.Lock()
	st, ok := g.states[scope]
	if !ok {
		g.mu.Unlock()
		return errors.Wrapf(exception.ErrRiskUnknownScope, "scope %s", scope)
	}
	var changes []change
	if st.Halted {
		g.liftLocked(st, now)
		changes = append(changes, change{state: *st, transition: &model.HaltTransition{
			Scope:     st.Scope,
			Reason:    "manual clear",
			Timestamp: now,
		}})
	}
	g.mu.Unlock()
	g.emit(ctx, changes)
	return nil
}

// ResetDaily rolls every scope to the day of now: daily counters reset and
// halts with the daily-reset policy are lifted.
func (g *Guard) ResetDaily(ctx context.Context, now time.Time) {
	g.mu.Lock()
	var changes []change
	for _, st := range g.states {
		g.rollLocked(st, now, &changes, true)
	}
	g.mu.Unlock()
	g.emit(ctx, changes)
}

// Freeze blocks new orders on symbol until every frozen conflict id is
// released.
func (g *Guard) Freeze(symbol, conflictID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids, ok := g.frozen[symbol]
	if !ok {
		ids = make(map[string]struct{})
		g.frozen[symbol] = ids
	}
	ids[conflictID] = struct{}{}
}

// Release removes one conflict id from the freeze of symbol.
func (g *Guard) Release(symbol, conflictID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ids, ok := g.frozen[symbol]; ok {
		delete(ids, conflictID)
		if len(ids) == 0 {
			delete(g.frozen, symbol)
		}
	}
}

// Frozen reports whether symbol has any freeze id held.
func (g *Guard) Frozen(symbol string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.frozen[symbol]) != 0
}

// State returns a copy of the state of scope.
func (g *Guard) State(scope model.Scope) (model.RiskState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[scope]
	if !ok {
		return model.RiskState{}, false
	}
	return *st, true
}

// States returns copies of every state ordered by scope.
func (g *Guard) States() []model.RiskState {
	g.mu.Lock()
	defer g.mu.Unlock()
	result := make([]model.RiskState, 0, len(g.states))
	for _, st := range g.states {
		result = append(result, *st)
	}
	slices.SortFunc(result, func(a, b model.RiskState) int {
		return strings.Compare(a.Scope.String(), b.Scope.String())
	})
	return result
}

// HaltedScopes lists the scopes that reject signals at now, including the
// symbol-wide scopes of frozen symbols.
func (g *Guard) HaltedScopes(now time.Time) []model.Scope {
	g.mu.Lock()
	defer g.mu.Unlock()
	seen := make(map[model.Scope]struct{})
	result := make([]model.Scope, 0)
	for scope, st := range g.states {
		if !st.ActiveAt(now) {
			seen[scope] = struct{}{}
			result = append(result, scope)
		}
	}
	for symbol := range g.frozen {
		scope := model.SymbolScope(symbol)
		if _, ok := seen[scope]; !ok {
			result = append(result, scope)
		}
	}
	slices.SortFunc(result, func(a, b model.Scope) int {
		return strings.Compare(a.String(), b.String())
	})
	return result
}

// Restore loads the newest persisted state of every scope. It runs once at
// startup, before any evaluation.
func (g *Guard) Restore(ctx context.Context, repo store.Repository) (int, error) {
	records, err := repo.Query(ctx, store.Criteria{Kind: store.KindRiskChange})
	if err != nil {
		return 0, errors.Wrap(err, "query risk changes")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range records {
		st, err := store.Decode[model.RiskState](r)
		if err != nil {
			return 0, err
		}
		g.states[st.Scope] = &st
	}
	return len(g.states), nil
}

func (g *Guard) stateLocked(scope model.Scope, now time.Time, changes *[]change) *model.RiskState {
	st, ok := g.states[scope]
	if !ok {
		st = &model.RiskState{Scope: scope, Day: dayOf(now), UpdatedAt: now}
		g.states[scope] = st
		return st
	}
	g.rollLocked(st, now, changes, false)
	if st.Halted && st.ActiveAt(now) {
		g.liftLocked(st, now)
		*changes = append(*changes, change{state: *st, transition: &model.HaltTransition{
			Scope:     st.Scope,
			Reason:    "timed halt elapsed",
			Timestamp: now,
		}})
	}
	return st
}

func (g *Guard) rollLocked(st *model.RiskState, now time.Time, changes *[]change, force bool) {
	day := dayOf(now)
	if !force && !day.After(st.Day) {
		return
	}
	st.Day = day
	st.DailyLossAmount = decimal.Zero
	st.DailyMaxQtyUsed = decimal.Zero
	st.UpdatedAt = now
	c := change{state: *st}
	if st.Halted && st.HaltPolicy == model.HaltPolicyDailyReset {
		g.liftLocked(st, now)
		c.state = *st
		c.transition = &model.HaltTransition{Scope: st.Scope, Reason: "daily reset", Timestamp: now}
	}
	*changes = append(*changes, c)
}

func (g *Guard) haltLocked(st *model.RiskState, policy model.HaltPolicy, d time.Duration, reason string, now time.Time) {
	st.Halted = true
	st.HaltPolicy = policy
	st.HaltReason = reason
	st.HaltedUntil = time.Time{}
	if policy == model.HaltPolicyTimed {
		st.HaltedUntil = now.Add(d)
	}
	st.UpdatedAt = now
}

func (g *Guard) liftLocked(st *model.RiskState, now time.Time) {
	st.Halted = false
	st.HaltReason = ""
	st.HaltedUntil = time.Time{}
	st.ConsecutiveLosses = 0
	st.UpdatedAt = now
}

func haltTransition(st *model.RiskState, now time.Time) *model.HaltTransition {
	return &model.HaltTransition{
		Scope:       st.Scope,
		Halted:      true,
		Policy:      st.HaltPolicy,
		Reason:      st.HaltReason,
		HaltedUntil: st.HaltedUntil,
		Timestamp:   now,
	}
}

func (g *Guard) emit(ctx context.Context, changes []change) {
	for _, c := range changes {
		if g.repo != nil {
			r, err := store.NewRecord(store.KindRiskChange, c.state.Scope.Symbol, c.state.Scope.String(), c.state.UpdatedAt, c.state)
			if err == nil {
				_, err = g.repo.Append(ctx, r)
			}
			if err != nil {
				logs.Errorf("persist risk state %s, err: %+v", c.state.Scope, err)
				g.audit.Metrics().IncPersistFailure()
			}
		}
		if c.transition != nil {
			g.audit.Halt(ctx, *c.transition)
		}
	}
}
