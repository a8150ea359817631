package stream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jikey8911/signalkey/internal/adapters/config"
	"github.com/jikey8911/signalkey/internal/adapters/exchange"
	"github.com/jikey8911/signalkey/pkg/logger"
	"github.com/jikey8911/signalkey/pkg/models"
)

// ExchangeSource provides shared public exchange instances for stream
// tasks. Implemented by exchange.Registry.
type ExchangeSource interface {
	Public(exchangeID string, marketType models.MarketType) (exchange.Exchange, error)
}

// Service maintains exactly one supervisor task per unique stream key
// and fans every item out to the key's registered listeners. Subscribe
// is idempotent per (key, subscriber); the task dies only when its
// reference count drops to zero.
type Service struct {
	cfg    *config.StreamConfig
	source ExchangeSource

	mu    sync.Mutex
	tasks map[string]*task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type task struct {
	key       string
	kind      string // "ticker" | "ohlcv"
	exchange  string
	market    models.MarketType
	symbol    string
	timeframe string

	mu        sync.Mutex
	tickerFns map[string]TickerFunc
	candleFns map[string]CandleFunc

	lastEmit time.Time // ticker throttle
	lastTs   time.Time // candle ordering

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates new stream service
func NewService(cfg *config.StreamConfig, source ExchangeSource) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:    cfg,
		source: source,
		tasks:  make(map[string]*task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SubscribeTicker registers a listener on the ticker key, spawning the
// underlying task on first use. Re-subscribing the same subscriber is
// a no-op.
func (s *Service) SubscribeTicker(exchangeID string, marketType models.MarketType, symbol, subscriberID string, fn TickerFunc) error {
	key := TickerKey(exchangeID, string(marketType), symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[key]
	if !ok {
		t = &task{
			key:       key,
			kind:      "ticker",
			exchange:  exchangeID,
			market:    marketType,
			symbol:    symbol,
			tickerFns: make(map[string]TickerFunc),
			done:      make(chan struct{}),
		}
		s.tasks[key] = t
		s.spawn(t)
	}

	t.mu.Lock()
	t.tickerFns[subscriberID] = fn
	t.mu.Unlock()

	return nil
}

// SubscribeOHLCV registers a candle listener analogous to ticker.
func (s *Service) SubscribeOHLCV(exchangeID string, marketType models.MarketType, symbol, timeframe, subscriberID string, fn CandleFunc) error {
	key := OHLCVKey(exchangeID, string(marketType), symbol, timeframe)

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[key]
	if !ok {
		t = &task{
			key:       key,
			kind:      "ohlcv",
			exchange:  exchangeID,
			market:    marketType,
			symbol:    symbol,
			timeframe: timeframe,
			candleFns: make(map[string]CandleFunc),
			done:      make(chan struct{}),
		}
		s.tasks[key] = t
		s.spawn(t)
	}

	t.mu.Lock()
	t.candleFns[subscriberID] = fn
	t.mu.Unlock()

	return nil
}

// UnsubscribeTicker removes one subscriber; idempotent. The task is
// cancelled only when no subscriber remains.
func (s *Service) UnsubscribeTicker(exchangeID string, marketType models.MarketType, symbol, subscriberID string) {
	s.unsubscribe(TickerKey(exchangeID, string(marketType), symbol), subscriberID)
}

// UnsubscribeOHLCV removes one candle subscriber; idempotent.
func (s *Service) UnsubscribeOHLCV(exchangeID string, marketType models.MarketType, symbol, timeframe, subscriberID string) {
	s.unsubscribe(OHLCVKey(exchangeID, string(marketType), symbol, timeframe), subscriberID)
}

func (s *Service) unsubscribe(key, subscriberID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[key]
	if !ok {
		return
	}

	t.mu.Lock()
	delete(t.tickerFns, subscriberID)
	delete(t.candleFns, subscriberID)
	remaining := len(t.tickerFns) + len(t.candleFns)
	t.mu.Unlock()

	if remaining == 0 {
		t.cancel()
		delete(s.tasks, key)
		logger.Debug("stream task cancelled", zap.String("key", key))
	}
}

// ActiveKeys returns the keys of all running tasks.
func (s *Service) ActiveKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.tasks))
	for key := range s.tasks {
		keys = append(keys, key)
	}
	return keys
}

// Subscribers returns the reference count of one key.
func (s *Service) Subscribers(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[key]
	if !ok {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tickerFns) + len(t.candleFns)
}

func (s *Service) spawn(t *task) {
	ctx, cancel := context.WithCancel(s.ctx)
	t.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(t.done)
		s.runTask(ctx, t)
	}()

	logger.Debug("stream task started", zap.String("key", t.key))
}

// runTask is the per-key supervisor loop: obtain the lazy stream,
// forward items, reconnect with exponential backoff on failure.
// Cancellation passes through untouched.
func (s *Service) runTask(ctx context.Context, t *task) {
	backoff := s.cfg.ReconnectBase

	for {
		if ctx.Err() != nil {
			return
		}

		ex, err := s.source.Public(t.exchange, t.market)
		if err != nil {
			logger.Error("stream task: exchange unavailable",
				zap.String("key", t.key),
				zap.Error(err),
			)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, s.cfg.ReconnectMax)
			continue
		}

		ok, fatal := s.consume(ctx, t, ex)
		if ctx.Err() != nil {
			return
		}
		if fatal {
			// Market-level failure: drop this stream, other keys on
			// the same exchange keep running.
			return
		}

		if ok {
			// At least one event flowed before the disconnect.
			backoff = s.cfg.ReconnectBase
		}

		logger.Warn("stream disconnected, reconnecting",
			zap.String("key", t.key),
			zap.Duration("backoff", backoff),
		)
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, s.cfg.ReconnectMax)
	}
}

// consume drains one stream until it ends. It reports whether at
// least one event was forwarded and whether the failure is fatal for
// this key (unknown symbol/market).
func (s *Service) consume(ctx context.Context, t *task, ex exchange.Exchange) (forwarded, fatal bool) {
	switch t.kind {
	case "ticker":
		ch, err := ex.WatchTicker(ctx, t.symbol)
		if err != nil {
			return false, s.streamError(t, err)
		}
		for {
			select {
			case <-ctx.Done():
				return forwarded, false
			case tick, open := <-ch:
				if !open {
					return forwarded, false
				}
				forwarded = true
				t.emitTicker(tick, s.cfg.TickerThrottle)
			}
		}

	default:
		ch, err := ex.WatchOHLCV(ctx, t.symbol, t.timeframe)
		if err != nil {
			return false, s.streamError(t, err)
		}
		for {
			select {
			case <-ctx.Done():
				return forwarded, false
			case candle, open := <-ch:
				if !open {
					return forwarded, false
				}
				forwarded = true
				t.emitCandle(candle)
			}
		}
	}
}

// streamError logs an open failure; market errors are fatal for the key.
func (s *Service) streamError(t *task, err error) bool {
	if exchange.Classify(err) == exchange.KindMarket {
		logger.Info("stream dropped: market error",
			zap.String("key", t.key),
			zap.Error(err),
		)
		return true
	}
	logger.Warn("stream open failed",
		zap.String("key", t.key),
		zap.Error(err),
	)
	return false
}

// emitTicker forwards a tick to every listener, throttled to one
// update per throttle window. Drops never reorder.
func (t *task) emitTicker(tick models.Ticker, throttle time.Duration) {
	t.mu.Lock()
	now := time.Now()
	if throttle > 0 && now.Sub(t.lastEmit) < throttle {
		t.mu.Unlock()
		return
	}
	t.lastEmit = now
	fns := make([]TickerFunc, 0, len(t.tickerFns))
	for _, fn := range t.tickerFns {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	update := TickerUpdate{
		Exchange: t.exchange,
		Market:   models.Canonical(string(t.market)),
		Symbol:   t.symbol,
		Last:     tick.Last,
		Ts:       tick.Timestamp,
	}
	for _, fn := range fns {
		fn(update)
	}
}

// emitCandle forwards a candle keeping non-decreasing timestamp order;
// out-of-order arrivals are dropped, same-ts updates pass through.
func (t *task) emitCandle(candle models.Candle) {
	t.mu.Lock()
	if candle.Timestamp.Before(t.lastTs) {
		t.mu.Unlock()
		return
	}
	t.lastTs = candle.Timestamp
	fns := make([]CandleFunc, 0, len(t.candleFns))
	for _, fn := range t.candleFns {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	update := CandleUpdate{
		Exchange:  t.exchange,
		Market:    models.Canonical(string(t.market)),
		Symbol:    t.symbol,
		Timeframe: t.timeframe,
		Candle:    candle,
	}
	for _, fn := range fns {
		fn(update)
	}
}

// Shutdown cancels all tasks and waits for them to finish.
func (s *Service) Shutdown() {
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.tasks = make(map[string]*task)
	s.mu.Unlock()

	logger.Info("stream service stopped")
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
