package stream

import (
	"fmt"
	"time"

	"github.com/jikey8911/signalkey/pkg/models"
)

// TickerUpdate is the typed fan-out event for a ticker tick.
type TickerUpdate struct {
	Exchange string                 `json:"exchange"`
	Market   models.CanonicalMarket `json:"market"`
	Symbol   string                 `json:"symbol"`
	Last     float64                `json:"last"`
	Ts       time.Time              `json:"ts"`
}

// CandleUpdate is the typed fan-out event for a (possibly partial)
// candle. A candle is closed once a later open timestamp arrives on
// the same key; consumers decide that, the stream only orders.
type CandleUpdate struct {
	Exchange  string                 `json:"exchange"`
	Market    models.CanonicalMarket `json:"market"`
	Symbol    string                 `json:"symbol"`
	Timeframe string                 `json:"timeframe"`
	Candle    models.Candle          `json:"candle"`
}

// TickerFunc consumes ticker updates.
type TickerFunc func(TickerUpdate)

// CandleFunc consumes candle updates.
type CandleFunc func(CandleUpdate)

// TickerKey builds the canonical stream key for a ticker task.
func TickerKey(exchangeID, marketType, symbol string) string {
	return fmt.Sprintf("ticker:%s:%s:%s", exchangeID, models.Canonical(marketType), symbol)
}

// OHLCVKey builds the canonical stream key for a candle task.
func OHLCVKey(exchangeID, marketType, symbol, timeframe string) string {
	return fmt.Sprintf("ohlcv:%s:%s:%s:%s", exchangeID, models.Canonical(marketType), symbol, timeframe)
}
