package strategy

import (
	"github.com/jikey8911/signalkey/pkg/models"
)

// TickContext carries per-tick parameters for the cheap intra-bar hook.
type TickContext struct {
	// SpikeThresholdPct is the relative move against the position's
	// average price that triggers an intra-bar signal. Zero disables
	// the hook.
	SpikeThresholdPct float64
}

// Strategy produces trading signals from candle windows. Apply is the
// per-candle batch pass; OnPriceTick is a cheap intra-bar hook that
// may fire between candle closes.
type Strategy interface {
	// Name is the registry identifier, stable across releases.
	Name() string

	// Features lists the computed feature columns in emission order.
	Features() []string

	// Apply computes features and a signal for every candle. The
	// returned rows align 1:1 with the input; warm-up rows carry
	// SignalWait.
	Apply(candles []models.Candle, pos *models.PositionState) ([]models.FeatureRow, error)

	// OnPriceTick reacts to a raw price between candles. Strategies
	// without an open position never flip here.
	OnPriceTick(price float64, pos *models.PositionState, tctx TickContext) models.Signal
}

// spikeTick is the shared default intra-bar reaction: with an open
// position, a move beyond the threshold against the entry flips the
// side; without a position the hook stays silent.
func spikeTick(price float64, pos *models.PositionState, tctx TickContext) models.Signal {
	if pos == nil || pos.Qty == 0 || pos.AvgPrice <= 0 || tctx.SpikeThresholdPct <= 0 {
		return models.SignalWait
	}

	movePct := (price - pos.AvgPrice) / pos.AvgPrice * 100
	switch {
	case movePct >= tctx.SpikeThresholdPct:
		return models.SignalSell
	case movePct <= -tctx.SpikeThresholdPct:
		return models.SignalBuy
	default:
		return models.SignalWait
	}
}

func closePrices(candles []models.Candle) []float64 {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	return closes
}
