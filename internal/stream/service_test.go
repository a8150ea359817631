package stream

import (
	"sync"
	"testing"
	"time"

	"github.com/jikey8911/signalkey/internal/adapters/config"
	"github.com/jikey8911/signalkey/internal/adapters/exchange"
	"github.com/jikey8911/signalkey/pkg/models"
)

type fakeSource struct {
	mu   sync.Mutex
	mock *exchange.MockExchange
}

func (f *fakeSource) Public(exchangeID string, marketType models.MarketType) (exchange.Exchange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mock == nil {
		f.mock = exchange.NewMockExchange(exchangeID, 100, 0)
	}
	return f.mock, nil
}

func testConfig() *config.StreamConfig {
	return &config.StreamConfig{
		TickerThrottle: 50 * time.Millisecond,
		ReconnectBase:  10 * time.Millisecond,
		ReconnectMax:   100 * time.Millisecond,
	}
}

func TestSubscribeTickerIsIdempotent(t *testing.T) {
	src := &fakeSource{}
	svc := NewService(testConfig(), src)
	defer svc.Shutdown()

	noop := func(TickerUpdate) {}

	if err := svc.SubscribeTicker("binance", models.MarketSpot, "BTC/USDT", "client-a", noop); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := svc.SubscribeTicker("binance", models.MarketSpot, "BTC/USDT", "client-a", noop); err != nil {
		t.Fatalf("re-subscribe: %v", err)
	}
	if err := svc.SubscribeTicker("binance", models.MarketSpot, "BTC/USDT", "client-b", noop); err != nil {
		t.Fatalf("second subscriber: %v", err)
	}

	keys := svc.ActiveKeys()
	if len(keys) != 1 {
		t.Fatalf("expected exactly one task, got %v", keys)
	}

	key := TickerKey("binance", "SPOT", "BTC/USDT")
	if got := svc.Subscribers(key); got != 2 {
		t.Fatalf("expected 2 subscribers, got %d", got)
	}

	// Dropping one client leaves the task alive.
	svc.UnsubscribeTicker("binance", models.MarketSpot, "BTC/USDT", "client-a")
	if len(svc.ActiveKeys()) != 1 {
		t.Fatal("task must survive while one subscriber remains")
	}

	// Dropping the last cancels it; a repeat unsubscribe is a no-op.
	svc.UnsubscribeTicker("binance", models.MarketSpot, "BTC/USDT", "client-b")
	svc.UnsubscribeTicker("binance", models.MarketSpot, "BTC/USDT", "client-b")
	if len(svc.ActiveKeys()) != 0 {
		t.Fatal("task must be cancelled when no subscriber remains")
	}
}

func TestStreamKeyCollapsesMarket(t *testing.T) {
	if TickerKey("binance", "SPOT", "BTC/USDT") != TickerKey("binance", "futures", "BTC/USDT") {
		t.Error("SPOT and FUTURES must collapse to the same canonical key")
	}
	if TickerKey("binance", "DEX", "BTC/USDT") == TickerKey("binance", "SPOT", "BTC/USDT") {
		t.Error("DEX must not collapse into CEX")
	}
}

func TestTickerThrottleDropsWithoutReordering(t *testing.T) {
	tk := &task{
		exchange:  "binance",
		market:    models.MarketSpot,
		symbol:    "BTC/USDT",
		tickerFns: make(map[string]TickerFunc),
	}

	var got []float64
	tk.tickerFns["c"] = func(u TickerUpdate) { got = append(got, u.Last) }

	throttle := 50 * time.Millisecond
	tk.emitTicker(models.Ticker{Last: 1, Timestamp: time.Now()}, throttle)
	tk.emitTicker(models.Ticker{Last: 2, Timestamp: time.Now()}, throttle) // inside window: dropped
	time.Sleep(throttle + 10*time.Millisecond)
	tk.emitTicker(models.Ticker{Last: 3, Timestamp: time.Now()}, throttle)

	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("expected [1 3], got %v", got)
	}
}

func TestCandleOrdering(t *testing.T) {
	tk := &task{
		exchange:  "binance",
		market:    models.MarketSpot,
		symbol:    "BTC/USDT",
		timeframe: "1m",
		candleFns: make(map[string]CandleFunc),
	}

	var got []time.Time
	tk.candleFns["c"] = func(u CandleUpdate) { got = append(got, u.Candle.Timestamp) }

	base := time.Unix(1700000000, 0).UTC()
	tk.emitCandle(models.Candle{Timestamp: base})
	tk.emitCandle(models.Candle{Timestamp: base.Add(time.Minute)})
	tk.emitCandle(models.Candle{Timestamp: base})                  // older: dropped
	tk.emitCandle(models.Candle{Timestamp: base.Add(time.Minute)}) // same ts: in-place update passes

	if len(got) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(got))
	}
	if got[2] != base.Add(time.Minute) {
		t.Fatal("same-timestamp update must be delivered")
	}
}

func TestFanOutDeliversToAllSubscribers(t *testing.T) {
	src := &fakeSource{}
	svc := NewService(testConfig(), src)
	defer svc.Shutdown()

	var mu sync.Mutex
	counts := map[string]int{}
	mk := func(id string) CandleFunc {
		return func(CandleUpdate) {
			mu.Lock()
			counts[id]++
			mu.Unlock()
		}
	}

	if err := svc.SubscribeOHLCV("binance", models.MarketSpot, "BTC/USDT", "1m", "a", mk("a")); err != nil {
		t.Fatal(err)
	}
	if err := svc.SubscribeOHLCV("binance", models.MarketSpot, "BTC/USDT", "1m", "b", mk("b")); err != nil {
		t.Fatal(err)
	}

	// Let the task attach to the mock stream, then push a candle.
	time.Sleep(20 * time.Millisecond)
	src.mu.Lock()
	mock := src.mock
	src.mu.Unlock()
	mock.PushCandle(models.Candle{Symbol: "BTC/USDT", Timeframe: "1m", Timestamp: time.Now(), Close: 101})

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		done := counts["a"] >= 1 && counts["b"] >= 1
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("fan-out timed out, counts=%v", counts)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
