package boot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jikey8911/signalkey/internal/adapters/config"
	"github.com/jikey8911/signalkey/internal/adapters/exchange"
	"github.com/jikey8911/signalkey/internal/engine"
	"github.com/jikey8911/signalkey/internal/marketdata"
	"github.com/jikey8911/signalkey/internal/strategy"
	"github.com/jikey8911/signalkey/internal/stream"
	"github.com/jikey8911/signalkey/pkg/models"
)

func testEngineConfig() *config.EngineConfig {
	return &config.EngineConfig{
		AutotradeInterval:   3 * time.Millisecond,
		PriceStreamInterval: 3 * time.Millisecond,
	}
}

type fakeBots struct {
	bots []*models.BotInstance
}

func (f *fakeBots) ListActiveBots(ctx context.Context) ([]*models.BotInstance, error) {
	return f.bots, nil
}

type fakeMarkets struct {
	ex *exchange.MockExchange
}

func (f *fakeMarkets) Public(exchangeID string, marketType models.MarketType) (exchange.Exchange, error) {
	return f.ex, nil
}

// fakeStreams records subscriptions by key and lets tests inject
// candles and ticks.
type fakeStreams struct {
	mu        sync.Mutex
	candleFns map[string]stream.CandleFunc
	tickerFns map[string]stream.TickerFunc
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{
		candleFns: make(map[string]stream.CandleFunc),
		tickerFns: make(map[string]stream.TickerFunc),
	}
}

func (f *fakeStreams) SubscribeOHLCV(exchangeID string, marketType models.MarketType, symbol, timeframe, subscriberID string, fn stream.CandleFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candleFns[stream.OHLCVKey(exchangeID, string(marketType), symbol, timeframe)+"|"+subscriberID] = fn
	return nil
}

func (f *fakeStreams) UnsubscribeOHLCV(exchangeID string, marketType models.MarketType, symbol, timeframe, subscriberID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.candleFns, stream.OHLCVKey(exchangeID, string(marketType), symbol, timeframe)+"|"+subscriberID)
}

func (f *fakeStreams) SubscribeTicker(exchangeID string, marketType models.MarketType, symbol, subscriberID string, fn stream.TickerFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickerFns[stream.TickerKey(exchangeID, string(marketType), symbol)+"|"+subscriberID] = fn
	return nil
}

func (f *fakeStreams) UnsubscribeTicker(exchangeID string, marketType models.MarketType, symbol, subscriberID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tickerFns, stream.TickerKey(exchangeID, string(marketType), symbol)+"|"+subscriberID)
}

func (f *fakeStreams) candleSubs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.candleFns)
}

func (f *fakeStreams) tickerSubs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tickerFns)
}

func (f *fakeStreams) pushCandle(symbol string, c models.Candle) {
	f.mu.Lock()
	fns := make([]stream.CandleFunc, 0, len(f.candleFns))
	for _, fn := range f.candleFns {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(stream.CandleUpdate{Symbol: symbol, Candle: c})
	}
}

func (f *fakeStreams) pushTick(exchangeID string, marketType models.MarketType, symbol string, price float64) {
	f.mu.Lock()
	fns := make([]stream.TickerFunc, 0, len(f.tickerFns))
	for _, fn := range f.tickerFns {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(stream.TickerUpdate{
			Exchange: exchangeID,
			Market:   models.Canonical(string(marketType)),
			Symbol:   symbol,
			Last:     price,
			Ts:       time.Now(),
		})
	}
}

type fakeTrader struct {
	mu    sync.Mutex
	calls []engine.SignalData
}

func (f *fakeTrader) Execute(ctx context.Context, bot *models.BotInstance, sig engine.SignalData) (*engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sig)
	return &engine.Result{Executed: true, Action: engine.ActionOpen}, nil
}

func (f *fakeTrader) executions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeFeatures struct {
	mu      sync.Mutex
	updates int
}

func (f *fakeFeatures) Update(ctx context.Context, bot *models.BotInstance, tail []models.Candle) (*models.FeatureState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	return &models.FeatureState{BotID: bot.ID}, nil
}

func (f *fakeFeatures) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates
}

type priceEvent struct {
	symbol string
	price  float64
}

type fakeSink struct {
	mu     sync.Mutex
	events []priceEvent
}

func (f *fakeSink) PriceUpdate(exchangeID string, market models.CanonicalMarket, symbol string, price float64, ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, priceEvent{symbol: symbol, price: price})
}

func (f *fakeSink) snapshot() []priceEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]priceEvent(nil), f.events...)
}

type fakeResumer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeResumer) Resume(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

// scriptedStrategy always emits one fixed signal on the newest candle.
type scriptedStrategy struct {
	signal models.Signal
}

func (s *scriptedStrategy) Name() string        { return "scripted" }
func (s *scriptedStrategy) Features() []string  { return []string{"close"} }
func (s *scriptedStrategy) Apply(candles []models.Candle, pos *models.PositionState) ([]models.FeatureRow, error) {
	rows := make([]models.FeatureRow, len(candles))
	for i, c := range candles {
		rows[i] = models.FeatureRow{
			Candle:   c,
			Features: map[string]float64{"close": c.Close},
			Signal:   models.SignalWait,
		}
	}
	rows[len(rows)-1].Signal = s.signal
	return rows, nil
}
func (s *scriptedStrategy) OnPriceTick(price float64, pos *models.PositionState, tctx strategy.TickContext) models.Signal {
	return models.SignalWait
}

func activeBot(id, symbol string) *models.BotInstance {
	return &models.BotInstance{
		ID:           id,
		UserID:       "u1",
		Symbol:       symbol,
		Timeframe:    "1m",
		MarketType:   models.MarketSpot,
		ExchangeID:   "binance",
		StrategyName: "scripted",
		Mode:         models.ModeSimulated,
		Status:       models.BotActive,
		Amount:       100,
		Side:         models.SideNone,
	}
}

func candleAt(ts time.Time, close float64) models.Candle {
	return models.Candle{
		Timestamp: ts,
		Open:      close,
		High:      close,
		Low:       close,
		Close:     close,
	}
}

type harness struct {
	svc      *Service
	streams  *fakeStreams
	trader   *fakeTrader
	features *fakeFeatures
	sink     *fakeSink
	resumer  *fakeResumer
}

func newHarness(t *testing.T, bots ...*models.BotInstance) *harness {
	t.Helper()

	registry := strategy.NewRegistry()
	registry.Register(&scriptedStrategy{signal: models.SignalBuy})

	h := &harness{
		streams:  newFakeStreams(),
		trader:   &fakeTrader{},
		features: &fakeFeatures{},
		sink:     &fakeSink{},
		resumer:  &fakeResumer{},
	}
	h.svc = NewService(
		testEngineConfig(),
		&fakeBots{bots: bots},
		&fakeMarkets{ex: exchange.NewMockExchange("binance", 100, 10000)},
		marketdata.NewManager(),
		h.streams,
		h.features,
		registry,
		h.trader,
		h.sink,
		h.resumer,
	)
	return h
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestRecoverRebuildsRuntime(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t,
		activeBot("b1", "BTC/USDT"),
		activeBot("b2", "BTC/USDT"),
		activeBot("b3", "ETH/USDT"),
	)
	defer h.svc.Shutdown()

	if err := h.svc.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	for _, id := range []string{"b1", "b2", "b3"} {
		if !h.svc.Attached(id) {
			t.Fatalf("expected %s attached", id)
		}
	}

	// Two bots share BTC/USDT: one candle feed and one ticker key each
	// per distinct market, so 2 of each for 3 bots.
	if n := h.streams.candleSubs(); n != 2 {
		t.Fatalf("expected 2 candle subscriptions, got %d", n)
	}
	if n := h.streams.tickerSubs(); n != 2 {
		t.Fatalf("expected 2 ticker subscriptions, got %d", n)
	}

	h.resumer.mu.Lock()
	resumed := h.resumer.calls
	h.resumer.mu.Unlock()
	if resumed != 1 {
		t.Fatalf("expected signal workflows resumed once, got %d", resumed)
	}
}

func TestClosedCandleTradesOncePerBot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t,
		activeBot("b1", "BTC/USDT"),
		activeBot("b2", "BTC/USDT"),
	)
	defer h.svc.Shutdown()

	if err := h.svc.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	t0 := time.Now().Truncate(time.Minute)
	h.streams.pushCandle("BTC/USDT", candleAt(t0, 100))
	h.streams.pushCandle("BTC/USDT", candleAt(t0.Add(time.Minute), 101))

	// The t0 candle closed: both bots decide on it exactly once even
	// though the loop keeps ticking.
	waitFor(t, time.Second, func() bool { return h.trader.executions() == 2 })
	time.Sleep(20 * time.Millisecond)
	if n := h.trader.executions(); n != 2 {
		t.Fatalf("expected one trade per bot, got %d", n)
	}

	if n := h.features.count(); n != 2 {
		t.Fatalf("expected one feature update per bot, got %d", n)
	}

	// Next close produces the next round, again exactly once per bot.
	h.streams.pushCandle("BTC/USDT", candleAt(t0.Add(2*time.Minute), 102))
	waitFor(t, time.Second, func() bool { return h.trader.executions() == 4 })
}

func TestRecoverIsReplaySafe(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, activeBot("b1", "BTC/USDT"))
	defer h.svc.Shutdown()

	if err := h.svc.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if err := h.svc.Recover(ctx); err != nil {
		t.Fatalf("second Recover: %v", err)
	}

	if n := h.streams.candleSubs(); n != 1 {
		t.Fatalf("expected subscriptions unchanged after replay, got %d", n)
	}

	t0 := time.Now().Truncate(time.Minute)
	h.streams.pushCandle("BTC/USDT", candleAt(t0, 100))
	h.streams.pushCandle("BTC/USDT", candleAt(t0.Add(time.Minute), 101))

	waitFor(t, time.Second, func() bool { return h.trader.executions() == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := h.trader.executions(); n != 1 {
		t.Fatalf("expected no duplicate trades after replay, got %d", n)
	}
}

func TestDecidedCandleSkippedAfterRestart(t *testing.T) {
	ctx := context.Background()
	t0 := time.Now().Truncate(time.Minute)

	bot := activeBot("b1", "BTC/USDT")
	ts := t0
	bot.LastCandleTs = &ts

	h := newHarness(t, bot)
	defer h.svc.Shutdown()

	if err := h.svc.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	// The t0 candle was already decided on before the restart; only the
	// t1 close may trade.
	h.streams.pushCandle("BTC/USDT", candleAt(t0, 100))
	h.streams.pushCandle("BTC/USDT", candleAt(t0.Add(time.Minute), 101))
	time.Sleep(20 * time.Millisecond)
	if n := h.trader.executions(); n != 0 {
		t.Fatalf("expected persisted candle skipped, got %d trades", n)
	}

	h.streams.pushCandle("BTC/USDT", candleAt(t0.Add(2*time.Minute), 102))
	waitFor(t, time.Second, func() bool { return h.trader.executions() == 1 })
}

func TestSharedPriceStreamCoalesces(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t,
		activeBot("b1", "BTC/USDT"),
		activeBot("b2", "BTC/USDT"),
	)
	defer h.svc.Shutdown()

	if err := h.svc.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	h.streams.pushTick("binance", models.MarketSpot, "BTC/USDT", 100.5)
	h.streams.pushTick("binance", models.MarketSpot, "BTC/USDT", 100.7)

	// The hub coalesces to the latest price per key, despite two bots
	// sharing the subscription.
	waitFor(t, time.Second, func() bool {
		events := h.sink.snapshot()
		return len(events) > 0 && events[len(events)-1].price == 100.7
	})
	events := h.sink.snapshot()
	if last := events[len(events)-1]; last.symbol != "BTC/USDT" {
		t.Fatalf("expected BTC/USDT emission, got %+v", last)
	}

	// Quiet keys do not re-emit.
	time.Sleep(20 * time.Millisecond)
	if n := len(h.sink.snapshot()); n != len(events) {
		t.Fatalf("expected no emissions without movement, got %d", n)
	}
}

func TestDetachDropsFeedWhenLastBotLeaves(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t,
		activeBot("b1", "BTC/USDT"),
		activeBot("b2", "BTC/USDT"),
	)
	defer h.svc.Shutdown()

	if err := h.svc.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	h.svc.Detach("b1")
	if n := h.streams.candleSubs(); n != 1 {
		t.Fatalf("feed must survive while a bot remains, got %d subs", n)
	}
	if h.svc.Attached("b1") {
		t.Fatal("expected b1 detached")
	}

	h.svc.Detach("b2")
	if n := h.streams.candleSubs(); n != 0 {
		t.Fatalf("expected feed dropped with its last bot, got %d subs", n)
	}
}
