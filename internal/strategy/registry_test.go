package strategy

import (
	"math"
	"testing"
	"time"

	"github.com/jikey8911/signalkey/pkg/models"
)

func TestRegistryMarketOverride(t *testing.T) {
	r := NewRegistry()

	spot, err := r.Get(models.MarketSpot, "rsi_macd")
	if err != nil {
		t.Fatalf("spot get: %v", err)
	}
	fut, err := r.Get(models.MarketFutures, "rsi_macd")
	if err != nil {
		t.Fatalf("futures get: %v", err)
	}
	if spot == fut {
		t.Error("futures must resolve to its own rsi_macd variant")
	}

	if _, err := r.Get(models.MarketSpot, "nope"); err == nil {
		t.Error("unknown strategy must error")
	}
}

func TestRegistryListIsAlphabeticalAndStable(t *testing.T) {
	r := NewRegistry()

	want := []string{"bollinger_reversion", "rsi_macd"}
	for i := 0; i < 3; i++ {
		got := r.Names(models.MarketFutures)
		if len(got) != len(want) {
			t.Fatalf("names = %v, want %v", got, want)
		}
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("names = %v, want %v", got, want)
			}
		}
	}
}

func trendCandles(n int, start, step float64) []models.Candle {
	base := time.Unix(1700000000, 0).UTC()
	out := make([]models.Candle, n)
	price := start
	for i := range out {
		out[i] = models.Candle{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      price,
			High:      price * 1.001,
			Low:       price * 0.999,
			Close:     price,
			Volume:    10,
		}
		price += step
	}
	return out
}

func TestApplyAlignsRowsWithCandles(t *testing.T) {
	candles := trendCandles(60, 100, 0.5)

	for _, s := range NewRegistry().List(models.MarketSpot) {
		rows, err := s.Apply(candles, nil)
		if err != nil {
			t.Fatalf("%s: %v", s.Name(), err)
		}
		if len(rows) != len(candles) {
			t.Fatalf("%s: rows %d, candles %d", s.Name(), len(rows), len(candles))
		}
		for _, name := range s.Features() {
			if _, ok := rows[len(rows)-1].Features[name]; !ok {
				t.Errorf("%s: missing feature %q on last row", s.Name(), name)
			}
		}
		// Warm-up rows never signal.
		if rows[0].Signal != models.SignalWait {
			t.Errorf("%s: first row signalled during warm-up", s.Name())
		}
	}
}

func TestApplyRejectsShortWindow(t *testing.T) {
	candles := trendCandles(5, 100, 1)
	if _, err := NewRSIMACD().Apply(candles, nil); err == nil {
		t.Error("rsi_macd must reject a short window")
	}
	if _, err := NewBollingerReversion().Apply(candles, nil); err == nil {
		t.Error("bollinger_reversion must reject a short window")
	}
}

func TestBollingerSignalsAtBandBreak(t *testing.T) {
	// Flat series then a sharp dump under the lower band.
	candles := trendCandles(40, 100, 0)
	candles[len(candles)-1].Close = 80

	rows, err := NewBollingerReversion().Apply(candles, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rows[len(rows)-1].Signal != models.SignalBuy {
		t.Errorf("dump under lower band should buy, got %s", rows[len(rows)-1].Signal)
	}

	candles[len(candles)-1].Close = 120
	rows, err = NewBollingerReversion().Apply(candles, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rows[len(rows)-1].Signal != models.SignalSell {
		t.Errorf("pump over upper band should sell, got %s", rows[len(rows)-1].Signal)
	}
}

func TestOnPriceTickSpikeDefaults(t *testing.T) {
	s := NewRSIMACD()
	tctx := TickContext{SpikeThresholdPct: 2}

	t.Run("no position never flips", func(t *testing.T) {
		if got := s.OnPriceTick(50, nil, tctx); got != models.SignalWait {
			t.Errorf("got %s, want WAIT", got)
		}
		flat := &models.PositionState{Qty: 0, AvgPrice: 100}
		if got := s.OnPriceTick(50, flat, tctx); got != models.SignalWait {
			t.Errorf("got %s, want WAIT", got)
		}
	})

	t.Run("spike against position", func(t *testing.T) {
		pos := &models.PositionState{Qty: 1, AvgPrice: 100}
		if got := s.OnPriceTick(103, pos, tctx); got != models.SignalSell {
			t.Errorf("pump: got %s, want SELL", got)
		}
		if got := s.OnPriceTick(97, pos, tctx); got != models.SignalBuy {
			t.Errorf("dump: got %s, want BUY", got)
		}
		if got := s.OnPriceTick(101, pos, tctx); got != models.SignalWait {
			t.Errorf("inside threshold: got %s, want WAIT", got)
		}
	})

	t.Run("threshold boundary", func(t *testing.T) {
		pos := &models.PositionState{Qty: 1, AvgPrice: 100}
		if got := s.OnPriceTick(102, pos, tctx); got != models.SignalSell {
			t.Errorf("exact threshold: got %s, want SELL", got)
		}
	})
}

func TestRSIMACDFeaturesAreFinite(t *testing.T) {
	candles := trendCandles(80, 100, 0.3)
	rows, err := NewRSIMACD().Apply(candles, nil)
	if err != nil {
		t.Fatal(err)
	}
	last := rows[len(rows)-1]
	for name, v := range last.Features {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("feature %q is not finite: %v", name, v)
		}
	}
}
