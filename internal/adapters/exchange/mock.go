package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jikey8911/signalkey/pkg/models"
)

// MockExchange implements Exchange for tests and offline runs. Prices
// are scripted by the caller.
type MockExchange struct {
	name string

	mu       sync.Mutex
	price    float64
	candles  []models.Candle
	balance  map[string]models.AssetBalance
	orders   []models.Order
	tickerCh chan models.Ticker
	candleCh chan models.Candle

	// FailOrders makes CreateOrder return an error, for abort paths.
	FailOrders bool
}

// NewMockExchange creates mock with a starting price and quote balance.
func NewMockExchange(name string, price float64, quoteFree float64) *MockExchange {
	return &MockExchange{
		name:  name,
		price: price,
		balance: map[string]models.AssetBalance{
			"USDT": {Asset: "USDT", Free: quoteFree, Total: quoteFree},
		},
		tickerCh: make(chan models.Ticker, 64),
		candleCh: make(chan models.Candle, 64),
	}
}

func (m *MockExchange) Name() string { return m.name }

// SetPrice moves the scripted price and pushes a ticker to watchers.
func (m *MockExchange) SetPrice(price float64) {
	m.mu.Lock()
	m.price = price
	m.mu.Unlock()

	select {
	case m.tickerCh <- models.Ticker{Last: price, Timestamp: time.Now()}:
	default:
	}
}

// PushCandle feeds a candle to WatchOHLCV consumers and the history.
func (m *MockExchange) PushCandle(c models.Candle) {
	m.mu.Lock()
	m.candles = append(m.candles, c)
	m.mu.Unlock()

	select {
	case m.candleCh <- c:
	default:
	}
}

// SeedCandles replaces the REST history window.
func (m *MockExchange) SeedCandles(candles []models.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles = append([]models.Candle(nil), candles...)
}

// SetBalance sets the free amount for one asset.
func (m *MockExchange) SetBalance(asset string, free float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance[asset] = models.AssetBalance{Asset: asset, Free: free, Total: free}
}

// Orders returns submitted orders in submission order.
func (m *MockExchange) Orders() []models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Order(nil), m.orders...)
}

func (m *MockExchange) LoadMarkets(ctx context.Context) (map[string]models.Market, error) {
	return map[string]models.Market{
		"BTC/USDT": {Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT", Active: true},
		"ETH/USDT": {Symbol: "ETH/USDT", Base: "ETH", Quote: "USDT", Active: true},
	}, nil
}

func (m *MockExchange) SupportsSymbol(ctx context.Context, symbol string) (bool, error) {
	markets, _ := m.LoadMarkets(ctx)
	_, ok := markets[NormalizeSymbol(symbol)]
	return ok, nil
}

func (m *MockExchange) FetchTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &models.Ticker{Symbol: symbol, Last: m.price, Timestamp: time.Now()}, nil
}

func (m *MockExchange) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int, since int64) ([]models.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	candles := m.candles
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return append([]models.Candle(nil), candles...), nil
}

func (m *MockExchange) WatchTicker(ctx context.Context, symbol string) (<-chan models.Ticker, error) {
	return m.tickerCh, nil
}

func (m *MockExchange) WatchOHLCV(ctx context.Context, symbol, timeframe string) (<-chan models.Candle, error) {
	return m.candleCh, nil
}

func (m *MockExchange) FetchBalance(ctx context.Context) (*models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	assets := make(map[string]models.AssetBalance, len(m.balance))
	for k, v := range m.balance {
		assets[k] = v
	}
	return &models.Balance{Assets: assets}, nil
}

func (m *MockExchange) CreateOrder(ctx context.Context, symbol string, side models.Side, amount float64, price float64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailOrders {
		return nil, wrap(KindNetwork, fmt.Errorf("mock order rejected"))
	}

	fill := m.price
	if price > 0 {
		fill = price
	}

	order := models.Order{
		ID:           fmt.Sprintf("mock_%d", len(m.orders)+1),
		Symbol:       symbol,
		Side:         side,
		AvgFillPrice: fill,
		FilledQty:    amount,
		Timestamp:    time.Now(),
	}
	m.orders = append(m.orders, order)

	return &order, nil
}

func (m *MockExchange) Close() error { return nil }
