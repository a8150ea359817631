package boot

import (
	"context"
	"sync"
	"time"

	"github.com/jikey8911/signalkey/internal/stream"
	"github.com/jikey8911/signalkey/pkg/models"
)

// PriceSink receives the shared price fan-out. Implemented by
// notify.Bus.
type PriceSink interface {
	PriceUpdate(exchangeID string, market models.CanonicalMarket, symbol string, price float64, ts time.Time)
}

// priceHub coalesces raw ticker updates into one emission per market
// key per interval. Only keys that moved since the last flush emit.
type priceHub struct {
	sink     PriceSink
	interval time.Duration

	mu      sync.Mutex
	latest  map[string]stream.TickerUpdate
	dirty   map[string]struct{}
	started bool
}

func newPriceHub(sink PriceSink, interval time.Duration) *priceHub {
	return &priceHub{
		sink:     sink,
		interval: interval,
		latest:   make(map[string]stream.TickerUpdate),
		dirty:    make(map[string]struct{}),
	}
}

// observe records the newest tick for its key.
func (h *priceHub) observe(u stream.TickerUpdate) {
	key := stream.TickerKey(u.Exchange, string(u.Market), u.Symbol)

	h.mu.Lock()
	h.latest[key] = u
	h.dirty[key] = struct{}{}
	h.mu.Unlock()
}

// run flushes moved keys every interval until the context ends.
func (h *priceHub) run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.flush()
		}
	}
}

func (h *priceHub) flush() {
	h.mu.Lock()
	updates := make([]stream.TickerUpdate, 0, len(h.dirty))
	for key := range h.dirty {
		updates = append(updates, h.latest[key])
	}
	h.dirty = make(map[string]struct{})
	h.mu.Unlock()

	for _, u := range updates {
		h.sink.PriceUpdate(u.Exchange, u.Market, u.Symbol, u.Last, u.Ts)
	}
}
