package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jikey8911/signalkey/pkg/models"
)

// Registry resolves strategies by (market type, name). Market-specific
// entries shadow root entries of the same name; the listing order is
// alphabetical and therefore stable, because downstream classifiers map
// positional class ids onto it.
type Registry struct {
	mu       sync.RWMutex
	root     map[string]Strategy
	byMarket map[models.MarketType]map[string]Strategy
}

// NewRegistry creates a registry preloaded with the built-in
// strategies, including the futures-tuned rsi_macd override.
func NewRegistry() *Registry {
	r := &Registry{
		root:     make(map[string]Strategy),
		byMarket: make(map[models.MarketType]map[string]Strategy),
	}
	r.Register(NewRSIMACD())
	r.Register(NewBollingerReversion())
	r.RegisterFor(models.MarketFutures, NewRSIMACDFutures())
	return r
}

// Register adds or replaces a root strategy visible to every market.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.root[s.Name()] = s
}

// RegisterFor adds or replaces a market-specific strategy that shadows
// any root strategy of the same name for that market.
func (r *Registry) RegisterFor(market models.MarketType, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byMarket[market]
	if !ok {
		m = make(map[string]Strategy)
		r.byMarket[market] = m
	}
	m[s.Name()] = s
}

// Get resolves a strategy, preferring the market-specific entry.
func (r *Registry) Get(market models.MarketType, name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if m, ok := r.byMarket[market]; ok {
		if s, ok := m[name]; ok {
			return s, nil
		}
	}
	if s, ok := r.root[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("strategy %q not registered for market %s", name, market)
}

// List returns the strategies visible to one market, market-specific
// overrides applied, sorted alphabetically by name.
func (r *Registry) List(market models.MarketType) []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	merged := make(map[string]Strategy, len(r.root))
	for name, s := range r.root {
		merged[name] = s
	}
	for name, s := range r.byMarket[market] {
		merged[name] = s
	}

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Strategy, 0, len(names))
	for _, name := range names {
		out = append(out, merged[name])
	}
	return out
}

// Names returns the alphabetical strategy names for one market.
func (r *Registry) Names(market models.MarketType) []string {
	list := r.List(market)
	names := make([]string, len(list))
	for i, s := range list {
		names[i] = s.Name()
	}
	return names
}
