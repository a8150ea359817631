package strategy

import (
	"fmt"

	"github.com/cinar/indicator"

	"github.com/jikey8911/signalkey/pkg/models"
)

// rsiMacd combines RSI exhaustion with MACD direction: oversold RSI
// plus a bullish MACD line buys, overbought plus bearish sells.
type rsiMacd struct {
	name       string
	oversold   float64
	overbought float64
}

// rsiMacdWarmup covers the MACD slow EMA plus the RSI period.
const rsiMacdWarmup = 35

// NewRSIMACD creates the default spot-tuned RSI+MACD strategy.
func NewRSIMACD() Strategy {
	return &rsiMacd{name: "rsi_macd", oversold: 30, overbought: 70}
}

// NewRSIMACDFutures creates the futures variant with tighter bands,
// reacting earlier on leveraged markets.
func NewRSIMACDFutures() Strategy {
	return &rsiMacd{name: "rsi_macd", oversold: 35, overbought: 65}
}

func (s *rsiMacd) Name() string { return s.name }

func (s *rsiMacd) Features() []string {
	return []string{"rsi_14", "macd", "macd_signal", "macd_hist"}
}

func (s *rsiMacd) Apply(candles []models.Candle, pos *models.PositionState) ([]models.FeatureRow, error) {
	if len(candles) < rsiMacdWarmup {
		return nil, fmt.Errorf("insufficient candles for %s (need at least %d, got %d)", s.name, rsiMacdWarmup, len(candles))
	}

	closes := closePrices(candles)
	_, rsi := indicator.Rsi(closes)
	macdLine, signalLine := indicator.Macd(closes)

	rows := make([]models.FeatureRow, len(candles))
	for i, c := range candles {
		hist := macdLine[i] - signalLine[i]
		rows[i] = models.FeatureRow{
			Candle: c,
			Features: map[string]float64{
				"rsi_14":      rsi[i],
				"macd":        macdLine[i],
				"macd_signal": signalLine[i],
				"macd_hist":   hist,
			},
			Signal: models.SignalWait,
		}
		if i < rsiMacdWarmup-1 {
			continue
		}
		switch {
		case rsi[i] <= s.oversold && hist > 0:
			rows[i].Signal = models.SignalBuy
		case rsi[i] >= s.overbought && hist < 0:
			rows[i].Signal = models.SignalSell
		}
	}
	return rows, nil
}

func (s *rsiMacd) OnPriceTick(price float64, pos *models.PositionState, tctx TickContext) models.Signal {
	return spikeTick(price, pos, tctx)
}
