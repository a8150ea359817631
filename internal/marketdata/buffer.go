package marketdata

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/jikey8911/signalkey/internal/adapters/exchange"
	"github.com/jikey8911/signalkey/pkg/logger"
	"github.com/jikey8911/signalkey/pkg/models"
)

const (
	// MaxCandles bounds every buffer; older candles are evicted FIFO.
	MaxCandles = 500

	// WarmupLimit is the history window fetched over REST on first use.
	WarmupLimit = 100
)

// Buffer is a bounded in-memory candle window for one
// (exchange, market, symbol, timeframe). Appends keep timestamps
// strictly increasing: a same-timestamp candle replaces the last entry
// in place, an older one is dropped.
type Buffer struct {
	Exchange  string
	Market    models.CanonicalMarket
	Symbol    string
	Timeframe string

	mu      sync.Mutex
	candles []models.Candle
}

// NewBuffer creates an empty buffer for one stream identity.
func NewBuffer(exchangeID string, marketType models.MarketType, symbol, timeframe string) *Buffer {
	return &Buffer{
		Exchange:  exchangeID,
		Market:    models.Canonical(string(marketType)),
		Symbol:    symbol,
		Timeframe: timeframe,
		candles:   make([]models.Candle, 0, MaxCandles),
	}
}

// Warmup seeds the buffer from REST history. It replaces any existing
// contents; live updates arriving during the fetch are applied after
// the seed through the ordinary Upsert path.
func (b *Buffer) Warmup(ctx context.Context, ex exchange.Exchange) error {
	candles, err := ex.FetchOHLCV(ctx, b.Symbol, b.Timeframe, WarmupLimit, 0)
	if err != nil {
		return fmt.Errorf("warmup %s %s %s: %w", b.Exchange, b.Symbol, b.Timeframe, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.candles = b.candles[:0]
	for _, c := range candles {
		b.upsertLocked(c)
	}

	logger.Debug("candle buffer warmed",
		zap.String("exchange", b.Exchange),
		zap.String("symbol", b.Symbol),
		zap.String("timeframe", b.Timeframe),
		zap.Int("candles", len(b.candles)),
	)
	return nil
}

// Upsert applies one live candle: same timestamp updates the tail in
// place (partial candle refresh), a newer one appends, an older one is
// dropped. Returns true when the previous tail closed, i.e. a strictly
// newer candle arrived.
func (b *Buffer) Upsert(c models.Candle) (closed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.upsertLocked(c)
}

func (b *Buffer) upsertLocked(c models.Candle) bool {
	n := len(b.candles)
	if n == 0 {
		b.candles = append(b.candles, c)
		return false
	}

	last := b.candles[n-1].Timestamp
	switch {
	case c.Timestamp.Equal(last):
		b.candles[n-1] = c
		return false
	case c.Timestamp.Before(last):
		return false
	}

	b.candles = append(b.candles, c)
	if len(b.candles) > MaxCandles {
		b.candles = b.candles[len(b.candles)-MaxCandles:]
	}
	return true
}

// Latest returns a copy of up to n most recent candles, oldest first.
// n <= 0 returns the whole window.
func (b *Buffer) Latest(n int) []models.Candle {
	b.mu.Lock()
	defer b.mu.Unlock()

	candles := b.candles
	if n > 0 && len(candles) > n {
		candles = candles[len(candles)-n:]
	}
	return append([]models.Candle(nil), candles...)
}

// Len returns the current number of buffered candles.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.candles)
}

// LastClosed returns the most recent candle preceding the live one.
// ok is false when fewer than two candles are buffered.
func (b *Buffer) LastClosed() (models.Candle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.candles) < 2 {
		return models.Candle{}, false
	}
	return b.candles[len(b.candles)-2], true
}

// Manager owns one buffer per stream identity and hands out the same
// instance for the same key, warming it lazily on first use.
type Manager struct {
	mu      sync.Mutex
	buffers map[string]*Buffer
}

// NewManager creates an empty buffer manager.
func NewManager() *Manager {
	return &Manager{buffers: make(map[string]*Buffer)}
}

func bufferKey(exchangeID string, market models.CanonicalMarket, symbol, timeframe string) string {
	return fmt.Sprintf("%s:%s:%s:%s", exchangeID, market, symbol, timeframe)
}

// Get returns the buffer for the identity, creating it when absent.
// A freshly created buffer is warmed from ex before being returned;
// warmup failure returns the empty buffer alongside the error so the
// caller can still attach live updates.
func (m *Manager) Get(ctx context.Context, ex exchange.Exchange, exchangeID string, marketType models.MarketType, symbol, timeframe string) (*Buffer, error) {
	market := models.Canonical(string(marketType))
	key := bufferKey(exchangeID, market, symbol, timeframe)

	m.mu.Lock()
	buf, ok := m.buffers[key]
	if !ok {
		buf = NewBuffer(exchangeID, marketType, symbol, timeframe)
		m.buffers[key] = buf
	}
	m.mu.Unlock()

	if !ok && ex != nil {
		if err := buf.Warmup(ctx, ex); err != nil {
			return buf, err
		}
	}
	return buf, nil
}

// Peek returns the buffer when it already exists, without warming.
func (m *Manager) Peek(exchangeID string, marketType models.MarketType, symbol, timeframe string) (*Buffer, bool) {
	market := models.Canonical(string(marketType))

	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.buffers[bufferKey(exchangeID, market, symbol, timeframe)]
	return buf, ok
}

// Drop removes one buffer from the manager.
func (m *Manager) Drop(exchangeID string, marketType models.MarketType, symbol, timeframe string) {
	market := models.Canonical(string(marketType))

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buffers, bufferKey(exchangeID, market, symbol, timeframe))
}
