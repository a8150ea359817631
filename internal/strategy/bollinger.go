package strategy

import (
	"fmt"

	"github.com/cinar/indicator"

	"github.com/jikey8911/signalkey/pkg/models"
)

// bollingerReversion trades mean reversion off the Bollinger envelope:
// a close under the lower band buys, over the upper band sells.
type bollingerReversion struct{}

const bollingerWarmup = 20

// NewBollingerReversion creates the Bollinger mean-reversion strategy.
func NewBollingerReversion() Strategy {
	return &bollingerReversion{}
}

func (s *bollingerReversion) Name() string { return "bollinger_reversion" }

func (s *bollingerReversion) Features() []string {
	return []string{"bb_upper", "bb_middle", "bb_lower"}
}

func (s *bollingerReversion) Apply(candles []models.Candle, pos *models.PositionState) ([]models.FeatureRow, error) {
	if len(candles) < bollingerWarmup {
		return nil, fmt.Errorf("insufficient candles for bollinger_reversion (need at least %d, got %d)", bollingerWarmup, len(candles))
	}

	closes := closePrices(candles)
	middle, upper, lower := indicator.BollingerBands(closes)

	rows := make([]models.FeatureRow, len(candles))
	for i, c := range candles {
		rows[i] = models.FeatureRow{
			Candle: c,
			Features: map[string]float64{
				"bb_upper":  upper[i],
				"bb_middle": middle[i],
				"bb_lower":  lower[i],
			},
			Signal: models.SignalWait,
		}
		if i < bollingerWarmup-1 {
			continue
		}
		switch {
		case c.Close < lower[i]:
			rows[i].Signal = models.SignalBuy
		case c.Close > upper[i]:
			rows[i].Signal = models.SignalSell
		}
	}
	return rows, nil
}

func (s *bollingerReversion) OnPriceTick(price float64, pos *models.PositionState, tctx TickContext) models.Signal {
	return spikeTick(price, pos, tctx)
}
