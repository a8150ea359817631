package exchange

import (
	"context"
	"fmt"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"github.com/jikey8911/signalkey/internal/adapters/config"
	"github.com/jikey8911/signalkey/pkg/logger"
	"github.com/jikey8911/signalkey/pkg/models"
)

// BinanceAdapter wraps CCXT Binance exchange
type BinanceAdapter struct {
	exchange *ccxt.Binance
	config   *config.ExchangeConfig
	markets  map[string]models.Market
	watcher  *pollWatcher
}

// NewBinanceAdapter creates new Binance adapter. Empty credentials
// produce a public instance usable for tickers and history only.
func NewBinanceAdapter(cfg *config.ExchangeConfig, marketType models.MarketType) (*BinanceAdapter, error) {
	options := map[string]interface{}{}
	if cfg.APIKey != "" {
		options["apiKey"] = cfg.APIKey
		options["secret"] = cfg.Secret
	}
	if cfg.Testnet {
		options["testnet"] = true
	}

	exchange := ccxt.NewBinance(options)

	if marketType == models.MarketFutures {
		exchange.SetOption("defaultType", "future")
	} else {
		exchange.SetOption("defaultType", "spot")
	}
	exchange.SetOption("adjustForTimeDifference", true)

	adapter := &BinanceAdapter{
		exchange: exchange,
		config:   cfg,
		watcher:  newPollWatcher(cfg.RESTTimeout),
	}

	logger.Info("binance adapter initialized",
		zap.Bool("testnet", cfg.Testnet),
		zap.Bool("authenticated", cfg.APIKey != ""),
		zap.String("market_type", string(marketType)),
	)

	return adapter, nil
}

func (b *BinanceAdapter) Name() string {
	return "binance"
}

// LoadMarkets loads and caches the tradable pair map.
func (b *BinanceAdapter) LoadMarkets(ctx context.Context) (map[string]models.Market, error) {
	if b.markets != nil {
		return b.markets, nil
	}

	if err := b.exchange.LoadMarkets(); err != nil {
		return nil, wrap(Classify(err), fmt.Errorf("failed to load binance markets: %w", err))
	}

	markets := make(map[string]models.Market, len(b.exchange.Markets))
	for sym, raw := range b.exchange.Markets {
		markets[sym] = models.Market{
			Symbol: sym,
			Base:   getString(raw, "base"),
			Quote:  getString(raw, "quote"),
			Active: getBool(raw, "active"),
		}
	}
	b.markets = markets

	logger.Debug("binance markets loaded", zap.Int("count", len(markets)))

	return markets, nil
}

// SupportsSymbol reports whether the normalized symbol trades here.
func (b *BinanceAdapter) SupportsSymbol(ctx context.Context, symbol string) (bool, error) {
	normalized := NormalizeSymbol(symbol)
	if !IsKnownSymbol(normalized) {
		return false, nil
	}

	markets, err := b.LoadMarkets(ctx)
	if err != nil {
		return false, err
	}

	m, ok := markets[normalized]
	return ok && m.Active, nil
}

func (b *BinanceAdapter) FetchTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	ticker, err := b.exchange.FetchTicker(symbol)
	if err != nil {
		return nil, wrap(Classify(err), fmt.Errorf("failed to fetch ticker %s: %w", symbol, err))
	}

	return &models.Ticker{
		Symbol:    symbol,
		Last:      derefFloat(ticker.Last),
		Timestamp: time.UnixMilli(derefInt(ticker.Timestamp)),
	}, nil
}

func (b *BinanceAdapter) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int, since int64) ([]models.Candle, error) {
	opts := []ccxt.FetchOHLCVOptions{
		ccxt.WithFetchOHLCVTimeframe(timeframe),
		ccxt.WithFetchOHLCVLimit(limit),
	}
	if since > 0 {
		opts = append(opts, ccxt.WithFetchOHLCVSince(since))
	}

	ohlcv, err := b.exchange.FetchOHLCV(symbol, opts...)
	if err != nil {
		return nil, wrap(Classify(err), fmt.Errorf("failed to fetch OHLCV %s %s: %w", symbol, timeframe, err))
	}

	candles := make([]models.Candle, len(ohlcv))
	for i, bar := range ohlcv {
		candles[i] = models.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			Timestamp: time.UnixMilli(int64(bar[0])),
			Open:      bar[1],
			High:      bar[2],
			Low:       bar[3],
			Close:     bar[4],
			Volume:    bar[5],
		}
	}

	return candles, nil
}

// WatchTicker polls REST under the hood; the stream service throttles
// ticker fan-out anyway.
func (b *BinanceAdapter) WatchTicker(ctx context.Context, symbol string) (<-chan models.Ticker, error) {
	return b.watcher.watchTicker(ctx, symbol, func(ctx context.Context) (*models.Ticker, error) {
		return b.FetchTicker(ctx, symbol)
	})
}

// WatchOHLCV polls the two most recent bars so partial candles are
// observed between closes.
func (b *BinanceAdapter) WatchOHLCV(ctx context.Context, symbol, timeframe string) (<-chan models.Candle, error) {
	return b.watcher.watchOHLCV(ctx, symbol, timeframe, func(ctx context.Context) ([]models.Candle, error) {
		return b.FetchOHLCV(ctx, symbol, timeframe, 2, 0)
	})
}

func (b *BinanceAdapter) FetchBalance(ctx context.Context) (*models.Balance, error) {
	if b.config.APIKey == "" {
		return nil, wrap(KindAuth, fmt.Errorf("binance: balance requires credentials"))
	}

	balance, err := b.exchange.FetchBalance()
	if err != nil {
		return nil, wrap(Classify(err), fmt.Errorf("failed to fetch balance: %w", err))
	}

	assets := make(map[string]models.AssetBalance)
	for currency, bal := range balance {
		balMap, ok := bal.(map[string]interface{})
		if !ok {
			continue
		}
		assets[currency] = models.AssetBalance{
			Asset: currency,
			Free:  getFloat(balMap, "free"),
			Used:  getFloat(balMap, "used"),
			Total: getFloat(balMap, "total"),
		}
	}

	return &models.Balance{Assets: assets}, nil
}

func (b *BinanceAdapter) CreateOrder(ctx context.Context, symbol string, side models.Side, amount float64, price float64) (*models.Order, error) {
	var sideStr string
	switch side {
	case models.SideBuy:
		sideStr = "buy"
	case models.SideSell:
		sideStr = "sell"
	default:
		return nil, fmt.Errorf("invalid order side %q", side)
	}

	var order *ccxt.Order
	var err error

	if price > 0 {
		order, err = b.exchange.CreateOrder(symbol, "limit", sideStr, amount, ccxt.WithCreateOrderPrice(price))
	} else {
		order, err = b.exchange.CreateOrder(symbol, "market", sideStr, amount)
	}
	if err != nil {
		return nil, wrap(Classify(err), fmt.Errorf("failed to create order: %w", err))
	}

	return &models.Order{
		ID:           derefString(order.Id),
		Symbol:       symbol,
		Side:         side,
		AvgFillPrice: derefFloat(order.Price),
		FilledQty:    derefFloat(order.Filled),
		Timestamp:    time.UnixMilli(derefInt(order.Timestamp)),
	}, nil
}

func (b *BinanceAdapter) Close() error {
	b.watcher.close()
	return nil
}
