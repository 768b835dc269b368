package recovery

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"tradecore/internal/exchange"
	"tradecore/internal/model"
	"tradecore/internal/obs"
	"tradecore/internal/state"
	"tradecore/internal/store"
	"tradecore/pkg/exception"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	// freezeID blocks signal intake for every symbol while a run is active.
	freezeID = "recovery"
	// fillLookback widens the fill query before the checkpoint. Trade ids
	// deduplicate the overlap.
	fillLookback = time.Minute
)

// Orders is the part of the order lifecycle manager recovery drives.
type Orders interface {
	Orders() []model.Order
	Lookup(clientOrderID string) (model.Order, bool)
	Adopt(ctx context.Context, exchangeOrder model.Order) (model.Order, error)
	MarkTerminal(ctx context.Context, clientOrderID string, to model.OrderStatus, reason string) (model.Order, error)
	Overwrite(ctx context.Context, exchangeOrder model.Order) (model.Order, error)
	ApplyFill(ctx context.Context, fill model.Fill) (state.FillResult, error)
	Absorb(ctx context.Context, fills []model.Fill) (int, error)
	SeenTrade(tradeID string) bool
	LastFillAt() time.Time
}

// Positions is the part of the position tracker recovery overwrites.
type Positions interface {
	Position(symbol string) model.Position
	Positions() []model.Position
	Set(pos model.Position)
}

// Freezer blocks signal intake per symbol.
type Freezer interface {
	Freeze(symbol, conflictID string)
	Release(symbol, conflictID string)
}

// Checkpoint is persisted after every run that changed it.
type Checkpoint struct {
	LastFillAt       time.Time `json:"lastFillAt"`
	PendingConflicts int       `json:"pendingConflicts"`
	At               time.Time `json:"at"`
}

// Report describes what one run changed.
type Report struct {
	Symbols     []string
	Adopted     []string
	Terminated  []string
	Overwritten []string
	Fills       int
	Absorbed    int
	Positions   []string
	Conflicts   []model.RecoveryConflict
	Checkpoint  Checkpoint
}

// Changed reports whether the run changed any local state.
func (r Report) Changed() bool {
	return len(r.Adopted)+len(r.Terminated)+len(r.Overwritten)+len(r.Positions)+len(r.Conflicts)+r.Fills+r.Absorbed > 0
}

// Err returns an ErrRecoveryConflict when the run left conflicts pending.
func (r Report) Err() error {
	pending := make([]string, 0)
	for _, c := range r.Conflicts {
		if c.Pending() {
			pending = append(pending, c.ID)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	return errors.Wrapf(exception.ErrRecoveryConflict, "pending conflicts: %s", strings.Join(pending, ", "))
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func WithAuditor(a *obs.Auditor) Option {
	return func(c *Coordinator) {
		c.audit = a
	}
}

// Coordinator reconciles local orders and positions with the exchange after
// a restart or reconnect. Under ambiguity it freezes the symbol instead of
// guessing.
type Coordinator struct {
	cfg       Config
	gw        exchange.Gateway
	orders    Orders
	positions Positions
	freezer   Freezer
	repo      store.Repository
	audit     *obs.Auditor
	now       func() time.Time

	running sync.Mutex

	mu        sync.Mutex
	conflicts map[string]*model.RecoveryConflict
	pendingEx map[string]model.Order
	complete  bool
	lastRunAt time.Time
}

func New(cfg Config, gw exchange.Gateway, orders Orders, positions Positions, freezer Freezer, repo store.Repository, opts ...Option) *Coordinator {
	if !cfg.Policy.IsAvailable() {
		cfg.Policy = PolicyHalt
	}
	c := &Coordinator{
		cfg:       cfg,
		gw:        gw,
		orders:    orders,
		positions: positions,
		freezer:   freezer,
		repo:      repo,
		now:       time.Now,
		conflicts: make(map[string]*model.RecoveryConflict),
		pendingEx: make(map[string]model.Order),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes one reconciliation. Signal intake for every reconciled symbol
// is frozen before the first exchange fetch and stays frozen for the
// duration of the run. A failed run leaves the symbols
// frozen and recovery incomplete; the caller runs it again.
func (c *Coordinator) Run(ctx context.Context) (Report, error) {
	if !c.running.TryLock() {
		return Report{}, errors.Wrap(exception.ErrRecoveryInProgress, "run")
	}
	defer c.running.Unlock()

	c.mu.Lock()
	c.complete = false
	c.mu.Unlock()

	for _, symbol := range c.symbols(nil) {
		c.freezer.Freeze(symbol, freezeID)
	}

	exPositions, err := c.gw.FetchPositions(ctx)
	if err != nil {
		return Report{}, errors.Wrap(err, "fetch positions")
	}
	exBySymbol := make(map[string]model.Position, len(exPositions))
	for _, p := range exPositions {
		exBySymbol[p.Symbol] = p
	}

	// positions held only on the exchange join the run
	report := Report{Symbols: c.symbols(exPositions)}
	for _, symbol := range report.Symbols {
		c.freezer.Freeze(symbol, freezeID)
	}
	logs.Infof("recovery started, symbols: %v", report.Symbols)

	since, err := c.since(ctx)
	if err != nil {
		return report, err
	}

	for _, symbol := range report.Symbols {
		if err := c.reconcile(ctx, symbol, since, exBySymbol[symbol], &report); err != nil {
			return report, errors.Wrapf(err, "reconcile %s", symbol)
		}
	}

	cp, err := c.writeCheckpoint(ctx)
	if err != nil {
		return report, err
	}
	report.Checkpoint = cp

	for _, symbol := range report.Symbols {
		c.freezer.Release(symbol, freezeID)
	}

	c.mu.Lock()
	c.complete = true
	c.lastRunAt = c.now()
	c.mu.Unlock()

	logs.Infof("recovery complete, adopted: %d, terminated: %d, overwritten: %d, fills: %d, absorbed: %d, positions: %d, conflicts: %d",
		len(report.Adopted), len(report.Terminated), len(report.Overwritten), report.Fills, report.Absorbed, len(report.Positions), len(report.Conflicts))
	return report, nil
}

func (c *Coordinator) reconcile(ctx context.Context, symbol string, since time.Time, exPos model.Position, report *Report) error {
	open, err := c.gw.FetchOpenOrders(ctx, symbol)
	if err != nil {
		return errors.Wrap(err, "fetch open orders")
	}
	fills, err := c.gw.FetchFills(ctx, symbol, since)
	if err != nil {
		return errors.Wrap(err, "fetch fills")
	}
	slices.SortFunc(fills, func(a, b model.Fill) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	foreign, err := c.applyMissedFills(ctx, fills, report)
	if err != nil {
		return err
	}

	exOpen := make(map[string]model.Order, len(open))
	for _, o := range open {
		exOpen[o.ClientOrderID] = o
	}
	for _, local := range c.orders.Orders() {
		if local.Symbol != symbol || local.Status.IsTerminal() {
			continue
		}
		ex, ok := exOpen[local.ClientOrderID]
		if !ok {
			to, reason := terminalStatus(local)
			if _, err := c.orders.MarkTerminal(ctx, local.ClientOrderID, to, reason); err != nil {
				return err
			}
			report.Terminated = append(report.Terminated, local.ClientOrderID)
			continue
		}
		if err := c.compareOrder(ctx, local, ex, report); err != nil {
			return err
		}
	}

	explained := decimal.Zero
	for _, f := range foreign {
		explained = explained.Add(f.SignedQty())
	}
	for _, ex := range open {
		local, ok := c.orders.Lookup(ex.ClientOrderID)
		if !ok {
			if _, err := c.orders.Adopt(ctx, ex); err != nil {
				return err
			}
			report.Adopted = append(report.Adopted, ex.ClientOrderID)
			logs.Infof("adopted exchange order %s, symbol: %s, side: %s, qty: %s, filled: %s", ex.ClientOrderID, ex.Symbol, ex.Side, ex.RequestedQty, ex.FilledQty)
			explained = explained.Add(unexplainedFill(ex, foreign))
			continue
		}
		if local.Status.IsTerminal() {
			if err := c.raise(ctx, model.RecoveryConflict{
				Kind:          model.ConflictOrderIdentity,
				Symbol:        symbol,
				ClientOrderID: ex.ClientOrderID,
				Local:         local.FilledQty,
				Exchange:      ex.FilledQty,
				Detail:        "order is " + local.Status.String() + " locally but " + ex.Status.String() + " on exchange",
			}, &ex, report); err != nil {
				return err
			}
		}
	}

	if len(foreign) != 0 {
		n, err := c.orders.Absorb(ctx, foreign)
		if err != nil {
			return err
		}
		report.Absorbed += n
	}

	return c.reconcilePosition(ctx, symbol, exPos, explained, report)
}

// applyMissedFills applies fills of locally known orders and returns the
// fills of orders the process does not know.
func (c *Coordinator) applyMissedFills(ctx context.Context, fills []model.Fill, report *Report) ([]model.Fill, error) {
	foreign := make([]model.Fill, 0)
	for _, f := range fills {
		if c.orders.SeenTrade(f.TradeID) {
			continue
		}
		if _, ok := c.orders.Lookup(f.ClientOrderID); !ok {
			foreign = append(foreign, f)
			continue
		}
		_, err := c.orders.ApplyFill(ctx, f)
		switch {
		case err == nil:
			report.Fills++
		case exception.Is(err, exception.ErrOrderDuplicateFill):
		case exception.Is(err, exception.ErrOrderInvalidFill):
			logs.Errorf("missed fill %s of %s does not fit the local order, err: %+v", f.TradeID, f.ClientOrderID, err)
		default:
			return nil, errors.Wrapf(err, "apply missed fill %s", f.TradeID)
		}
	}
	return foreign, nil
}

func (c *Coordinator) compareOrder(ctx context.Context, local, ex model.Order, report *Report) error {
	if local.Symbol != ex.Symbol || local.Side != ex.Side {
		return c.raise(ctx, model.RecoveryConflict{
			Kind:          model.ConflictOrderIdentity,
			Symbol:        local.Symbol,
			ClientOrderID: local.ClientOrderID,
			Local:         local.RequestedQty,
			Exchange:      ex.RequestedQty,
			Detail:        "local " + local.Symbol + " " + local.Side.String() + ", exchange " + ex.Symbol + " " + ex.Side.String(),
		}, &ex, report)
	}

	tol := c.cfg.QuantityTolerance
	requestedOff := ex.RequestedQty.Sub(local.RequestedQty).Abs().GreaterThan(tol)
	filledOff := ex.FilledQty.Sub(local.FilledQty).Abs().GreaterThan(tol)
	if local.Status != model.OrderStatusPending && (requestedOff || filledOff) {
		conflict := model.RecoveryConflict{
			Kind:          model.ConflictOrderQuantity,
			Symbol:        local.Symbol,
			ClientOrderID: local.ClientOrderID,
			Local:         local.FilledQty,
			Exchange:      ex.FilledQty,
			Detail:        "local " + local.FilledQty.String() + "/" + local.RequestedQty.String() + ", exchange " + ex.FilledQty.String() + "/" + ex.RequestedQty.String(),
		}
		if err := c.raise(ctx, conflict, nil, report); err != nil {
			return err
		}
	}

	same := local.Status == ex.Status &&
		local.RequestedQty.Equal(ex.RequestedQty) &&
		local.FilledQty.Equal(ex.FilledQty) &&
		(ex.ExchangeOrderID == "" || local.ExchangeOrderID == ex.ExchangeOrderID)
	if same {
		return nil
	}
	if _, err := c.orders.Overwrite(ctx, ex); err != nil {
		return err
	}
	report.Overwritten = append(report.Overwritten, local.ClientOrderID)
	return nil
}

func (c *Coordinator) reconcilePosition(ctx context.Context, symbol string, ex model.Position, explained decimal.Decimal, report *Report) error {
	local := c.positions.Position(symbol)
	sameSize := local.Size.Equal(ex.Size)
	sameEntry := ex.Size.IsZero() || local.EntryPrice.Equal(ex.EntryPrice)
	if sameSize && sameEntry {
		return nil
	}

	diff := ex.Size.Sub(local.Size.Add(explained)).Abs()
	if diff.GreaterThan(c.cfg.PositionTolerance) {
		if err := c.raise(ctx, model.RecoveryConflict{
			Kind:     model.ConflictPositionSize,
			Symbol:   symbol,
			Local:    local.Size,
			Exchange: ex.Size,
			Detail:   "unexplained difference " + diff.String(),
		}, nil, report); err != nil {
			return err
		}
	}

	entry := ex.EntryPrice
	if ex.Size.IsZero() {
		entry = decimal.Zero
	}
	c.positions.Set(model.Position{
		Symbol:     symbol,
		StrategyID: local.StrategyID,
		Size:       ex.Size,
		EntryPrice: entry,
		Leverage:   ex.Leverage,
		UpdatedAt:  c.now(),
	})
	report.Positions = append(report.Positions, symbol)
	logs.Infof("position overwritten from exchange, symbol: %s, local: %s@%s, exchange: %s@%s", symbol, local.Size, local.EntryPrice, ex.Size, entry)
	return nil
}

// raise records a conflict unless the same one is already pending. With the
// halt policy the symbol stays frozen until Acknowledge; with the auto policy
// exchange truth is applied and the conflict is recorded as resolved.
func (c *Coordinator) raise(ctx context.Context, conflict model.RecoveryConflict, exchangeCopy *model.Order, report *Report) error {
	c.mu.Lock()
	for _, existing := range c.conflicts {
		if existing.Pending() && existing.Kind == conflict.Kind && existing.Symbol == conflict.Symbol && existing.ClientOrderID == conflict.ClientOrderID {
			c.mu.Unlock()
			return nil
		}
	}
	c.mu.Unlock()

	conflict.ID = uuid.NewString()
	conflict.DetectedAt = c.now()
	conflict.AutoResolved = c.cfg.Policy == PolicyAuto
	if err := c.persist(ctx, conflict); err != nil {
		return err
	}

	c.mu.Lock()
	c.conflicts[conflict.ID] = &conflict
	if exchangeCopy != nil && conflict.Pending() {
		c.pendingEx[conflict.ID] = *exchangeCopy
	}
	c.mu.Unlock()

	if conflict.Pending() {
		c.freezer.Freeze(conflict.Symbol, conflict.ID)
	} else if exchangeCopy != nil {
		if _, err := c.orders.Overwrite(ctx, *exchangeCopy); err != nil {
			return err
		}
		report.Overwritten = append(report.Overwritten, exchangeCopy.ClientOrderID)
	}
	c.audit.Conflict(ctx, conflict)
	report.Conflicts = append(report.Conflicts, conflict)
	return nil
}

// Acknowledge resolves a pending conflict. Order identity conflicts take the
// exchange's copy of the order; the symbol is released once no other
// conflict holds it.
func (c *Coordinator) Acknowledge(ctx context.Context, conflictID string) (model.RecoveryConflict, error) {
	c.mu.Lock()
	existing, ok := c.conflicts[conflictID]
	if !ok {
		c.mu.Unlock()
		return model.RecoveryConflict{}, errors.Wrapf(exception.ErrRecoveryUnknownConflict, "id %s", conflictID)
	}
	if !existing.Pending() {
		result := *existing
		c.mu.Unlock()
		return result, nil
	}
	acked := *existing
	acked.Acknowledged = true
	exchangeCopy, hasCopy := c.pendingEx[conflictID]
	c.mu.Unlock()

	if hasCopy {
		if _, err := c.orders.Overwrite(ctx, exchangeCopy); err != nil {
			return model.RecoveryConflict{}, err
		}
	}
	if err := c.persist(ctx, acked); err != nil {
		return model.RecoveryConflict{}, err
	}

	c.mu.Lock()
	*existing = acked
	delete(c.pendingEx, conflictID)
	c.mu.Unlock()

	c.freezer.Release(acked.Symbol, acked.ID)
	logs.Infof("recovery conflict acknowledged, id: %s, kind: %s, symbol: %s", acked.ID, acked.Kind, acked.Symbol)
	return acked, nil
}

// Conflicts returns every known conflict ordered by detection time.
func (c *Coordinator) Conflicts() []model.RecoveryConflict {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]model.RecoveryConflict, 0, len(c.conflicts))
	for _, conflict := range c.conflicts {
		result = append(result, *conflict)
	}
	slices.SortFunc(result, func(a, b model.RecoveryConflict) int {
		if n := a.DetectedAt.Compare(b.DetectedAt); n != 0 {
			return n
		}
		return strings.Compare(a.ID, b.ID)
	})
	return result
}

// PendingConflicts counts the conflicts that still block their symbol.
func (c *Coordinator) PendingConflicts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, conflict := range c.conflicts {
		if conflict.Pending() {
			n++
		}
	}
	return n
}

// Complete reports whether the last run finished.
func (c *Coordinator) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.complete
}

// Restore loads persisted conflicts and freezes the symbols of the pending
// ones. It runs once at startup before the first Run.
func (c *Coordinator) Restore(ctx context.Context) (int, error) {
	if c.repo == nil {
		return 0, nil
	}
	records, err := c.repo.Query(ctx, store.Criteria{Kind: store.KindConflict})
	if err != nil {
		return 0, errors.Wrap(err, "query conflicts")
	}

	c.mu.Lock()
	for _, r := range records {
		conflict, err := store.Decode[model.RecoveryConflict](r)
		if err != nil {
			c.mu.Unlock()
			return 0, err
		}
		c.conflicts[conflict.ID] = &conflict
	}
	pending := make([]model.RecoveryConflict, 0)
	for _, conflict := range c.conflicts {
		if conflict.Pending() {
			pending = append(pending, *conflict)
		}
	}
	c.mu.Unlock()

	for _, conflict := range pending {
		c.freezer.Freeze(conflict.Symbol, conflict.ID)
		logs.Errorf("recovery conflict still pending, id: %s, kind: %s, symbol: %s, detail: %s", conflict.ID, conflict.Kind, conflict.Symbol, conflict.Detail)
	}
	return len(pending), nil
}

func (c *Coordinator) symbols(exPositions []model.Position) []string {
	set := make(map[string]struct{})
	for _, s := range c.cfg.Symbols {
		set[s] = struct{}{}
	}
	for _, p := range exPositions {
		if !p.IsFlat() {
			set[p.Symbol] = struct{}{}
		}
	}
	for _, p := range c.positions.Positions() {
		if !p.IsFlat() {
			set[p.Symbol] = struct{}{}
		}
	}
	for _, o := range c.orders.Orders() {
		if !o.Status.IsTerminal() {
			set[o.Symbol] = struct{}{}
		}
	}
	result := make([]string, 0, len(set))
	for s := range set {
		result = append(result, s)
	}
	slices.Sort(result)
	return result
}

func (c *Coordinator) since(ctx context.Context) (time.Time, error) {
	since := c.orders.LastFillAt()
	if c.repo != nil {
		r, ok, err := store.Last(ctx, c.repo, store.Criteria{Kind: store.KindCheckpoint})
		if err != nil {
			return time.Time{}, errors.Wrap(err, "query checkpoint")
		}
		if ok {
			cp, err := store.Decode[Checkpoint](r)
			if err != nil {
				return time.Time{}, err
			}
			if cp.LastFillAt.After(since) {
				since = cp.LastFillAt
			}
		}
	}
	if since.IsZero() {
		return since, nil
	}
	return since.Add(-fillLookback), nil
}

func (c *Coordinator) writeCheckpoint(ctx context.Context) (Checkpoint, error) {
	cp := Checkpoint{
		LastFillAt:       c.orders.LastFillAt(),
		PendingConflicts: c.PendingConflicts(),
		At:               c.now(),
	}
	if c.repo == nil {
		return cp, nil
	}
	r, ok, err := store.Last(ctx, c.repo, store.Criteria{Kind: store.KindCheckpoint})
	if err != nil {
		return cp, errors.Wrap(err, "query checkpoint")
	}
	if ok {
		prev, err := store.Decode[Checkpoint](r)
		if err == nil && prev.LastFillAt.Equal(cp.LastFillAt) && prev.PendingConflicts == cp.PendingConflicts {
			return prev, nil
		}
	}
	rec, err := store.NewRecord(store.KindCheckpoint, "", "recovery", cp.At, cp)
	if err != nil {
		return cp, err
	}
	if _, err := c.repo.Append(ctx, rec); err != nil {
		return cp, errors.Wrap(err, "persist checkpoint")
	}
	return cp, nil
}

func (c *Coordinator) persist(ctx context.Context, conflict model.RecoveryConflict) error {
	if c.repo == nil {
		return nil
	}
	r, err := store.NewRecord(store.KindConflict, conflict.Symbol, conflict.ID, c.now(), conflict)
	if err != nil {
		return err
	}
	if _, err := c.repo.Append(ctx, r); err != nil {
		return errors.Wrapf(err, "persist conflict %s", conflict.ID)
	}
	return nil
}

// terminalStatus decides the local end state of an order the exchange no
// longer lists as open.
func terminalStatus(o model.Order) (model.OrderStatus, string) {
	switch {
	case o.Status == model.OrderStatusPending:
		return model.OrderStatusFailed, "never reached the exchange"
	case o.RemainingQty().IsZero():
		return model.OrderStatusFilled, "filled while disconnected"
	default:
		return model.OrderStatusCancelled, "closed on exchange while disconnected"
	}
}

// unexplainedFill is the signed filled quantity of an adopted order not
// covered by fetched fills.
func unexplainedFill(o model.Order, fills []model.Fill) decimal.Decimal {
	covered := decimal.Zero
	for _, f := range fills {
		if f.ClientOrderID == o.ClientOrderID {
			covered = covered.Add(f.Qty)
		}
	}
	left := o.FilledQty.Sub(covered)
	if !left.IsPositive() {
		return decimal.Zero
	}
	if o.Side == model.OrderSideSell {
		return left.Neg()
	}
	return left
}
