package exchange

import (
	"context"

	"github.com/jikey8911/signalkey/pkg/models"
)

// Exchange is the uniform port over heterogeneous exchanges. Watch
// streams are lazy: the channel is created on the first call and closed
// when the passed context is cancelled.
type Exchange interface {
	// Name returns exchange id (binance, bybit, ...)
	Name() string

	// Markets
	LoadMarkets(ctx context.Context) (map[string]models.Market, error)
	SupportsSymbol(ctx context.Context, symbol string) (bool, error)

	// Market data
	FetchTicker(ctx context.Context, symbol string) (*models.Ticker, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int, since int64) ([]models.Candle, error)
	WatchTicker(ctx context.Context, symbol string) (<-chan models.Ticker, error)
	WatchOHLCV(ctx context.Context, symbol, timeframe string) (<-chan models.Candle, error)

	// Account / trading
	FetchBalance(ctx context.Context) (*models.Balance, error)
	CreateOrder(ctx context.Context, symbol string, side models.Side, amount float64, price float64) (*models.Order, error)

	// Close releases all async handles
	Close() error
}
