package strategy

import (
	"slices"
	"strings"
	"sync"

	"tradecore/internal/model"
	"tradecore/pkg/exception"

	"github.com/yanun0323/errors"
)

// MarketState is what a strategy sees on every market tick of one symbol.
type MarketState struct {
	Symbol string
	Tick   model.MarketTick
	// Window holds the most recent ticks, oldest first, Tick included.
	Window []model.MarketTick
}

// Strategy produces signals from market data. Strategies never talk to the
// exchange; their signals go through the risk guard.
type Strategy interface {
	ID() string
	Symbols() []string
	ProduceSignals(state MarketState) []model.Signal
}

// Registry is the set of strategies loaded at startup.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds a strategy. IDs are unique and may not contain dots, which
// separate topic segments.
func (r *Registry) Register(s Strategy) error {
	if s == nil {
		return errors.Wrap(exception.ErrNilInstance, "register strategy")
	}
	id := s.ID()
	if id == "" || strings.Contains(id, ".") || id == model.AnyStrategy {
		return errors.Wrapf(exception.ErrInvalidArgument, "invalid strategy id %q", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.strategies[id]; ok {
		return errors.Wrapf(exception.ErrInvalidArgument, "strategy %s already registered", id)
	}
	r.strategies[id] = s
	return nil
}

func (r *Registry) Get(id string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[id]
	return s, ok
}

// Strategies returns every registered strategy ordered by id.
func (r *Registry) Strategies() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		result = append(result, s)
	}
	slices.SortFunc(result, func(a, b Strategy) int {
		return strings.Compare(a.ID(), b.ID())
	})
	return result
}

// ForSymbol returns the strategies trading symbol ordered by id.
func (r *Registry) ForSymbol(symbol string) []Strategy {
	result := make([]Strategy, 0)
	for _, s := range r.Strategies() {
		if slices.Contains(s.Symbols(), symbol) {
			result = append(result, s)
		}
	}
	return result
}

// Symbols returns the union of every strategy's symbols, sorted.
func (r *Registry) Symbols() []string {
	set := make(map[string]struct{})
	for _, s := range r.Strategies() {
		for _, symbol := range s.Symbols() {
			set[symbol] = struct{}{}
		}
	}
	result := make([]string, 0, len(set))
	for symbol := range set {
		result = append(result, symbol)
	}
	slices.Sort(result)
	return result
}
