package boot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jikey8911/signalkey/internal/adapters/config"
	"github.com/jikey8911/signalkey/internal/adapters/exchange"
	"github.com/jikey8911/signalkey/internal/engine"
	"github.com/jikey8911/signalkey/internal/marketdata"
	"github.com/jikey8911/signalkey/internal/strategy"
	"github.com/jikey8911/signalkey/internal/stream"
	"github.com/jikey8911/signalkey/pkg/logger"
	"github.com/jikey8911/signalkey/pkg/models"
)

// BotSource lists the bots that must be running. Implemented by
// bots.Repository.
type BotSource interface {
	ListActiveBots(ctx context.Context) ([]*models.BotInstance, error)
}

// MarketSource resolves shared public exchange instances.
type MarketSource interface {
	Public(exchangeID string, marketType models.MarketType) (exchange.Exchange, error)
}

// Streams is the market stream slice recovery subscribes to.
type Streams interface {
	SubscribeOHLCV(exchangeID string, marketType models.MarketType, symbol, timeframe, subscriberID string, fn stream.CandleFunc) error
	UnsubscribeOHLCV(exchangeID string, marketType models.MarketType, symbol, timeframe, subscriberID string)
	SubscribeTicker(exchangeID string, marketType models.MarketType, symbol, subscriberID string, fn stream.TickerFunc) error
	UnsubscribeTicker(exchangeID string, marketType models.MarketType, symbol, subscriberID string)
}

// FeatureSink receives the candle tail after every closed candle.
type FeatureSink interface {
	Update(ctx context.Context, bot *models.BotInstance, tail []models.Candle) (*models.FeatureState, error)
}

// Trader is the execution engine slice the autotrade loops drive.
type Trader interface {
	Execute(ctx context.Context, bot *models.BotInstance, sig engine.SignalData) (*engine.Result, error)
}

// Resumer relaunches interrupted signal workflows. Implemented by
// signals.Orchestrator.
type Resumer interface {
	Resume(ctx context.Context) error
}

// Service rebuilds the runtime state after a restart: candle buffers
// warmed, stream subscriptions re-established, one autotrade loop per
// active bot and one shared price fan-out per distinct market. Recover
// is replay safe; running it again attaches nothing twice.
type Service struct {
	cfg      *config.EngineConfig
	bots     BotSource
	markets  MarketSource
	buffers  *marketdata.Manager
	streams  Streams
	features FeatureSink
	registry *strategy.Registry
	trader   Trader
	prices   *priceHub
	resumer  Resumer // nil when signal processing is disabled

	mu       sync.Mutex
	attached map[string]*botRuntime
	feeds    map[string]*bufferFeed
	priceSub map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// botRuntime is the in-memory state of one recovered bot.
type botRuntime struct {
	bot    *models.BotInstance
	buf    *marketdata.Buffer
	cancel context.CancelFunc

	mu     sync.Mutex
	lastTs time.Time // newest candle already decided on
}

// bufferFeed owns the single stream subscription feeding one shared
// candle buffer. Bots on the same market key register here instead of
// subscribing themselves, so the buffer sees every candle exactly once.
type bufferFeed struct {
	buf *marketdata.Buffer

	mu   sync.Mutex
	bots map[string]*botRuntime
}

func (f *bufferFeed) runtimes() []*botRuntime {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*botRuntime, 0, len(f.bots))
	for _, rt := range f.bots {
		out = append(out, rt)
	}
	return out
}

// NewService creates the boot recovery service. prices may be nil to
// disable the shared price stream, resumer may be nil.
func NewService(cfg *config.EngineConfig, bots BotSource, markets MarketSource, buffers *marketdata.Manager, streams Streams, features FeatureSink, registry *strategy.Registry, trader Trader, prices PriceSink, resumer Resumer) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:      cfg,
		bots:     bots,
		markets:  markets,
		buffers:  buffers,
		streams:  streams,
		features: features,
		registry: registry,
		trader:   trader,
		resumer:  resumer,
		attached: make(map[string]*botRuntime),
		feeds:    make(map[string]*bufferFeed),
		priceSub: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	if prices != nil {
		s.prices = newPriceHub(prices, cfg.PriceStreamInterval)
	}
	return s
}

// Recover loads every ACTIVE bot and rebuilds its runtime. Failures on
// one bot never stop the others.
func (s *Service) Recover(ctx context.Context) error {
	bots, err := s.bots.ListActiveBots(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active bots: %w", err)
	}

	recovered := 0
	for _, bot := range bots {
		if err := s.Attach(ctx, bot); err != nil {
			logger.Error("bot recovery failed",
				zap.String("bot_id", bot.ID),
				zap.String("symbol", bot.Symbol),
				zap.Error(err),
			)
			continue
		}
		recovered++
	}

	if s.prices != nil {
		s.startPriceHub()
	}

	if s.resumer != nil {
		if err := s.resumer.Resume(ctx); err != nil {
			logger.Error("signal workflow resume failed", zap.Error(err))
		}
	}

	logger.Info("boot recovery finished",
		zap.Int("active_bots", len(bots)),
		zap.Int("recovered", recovered),
	)
	return nil
}

// Attach wires one bot into the runtime: warm buffer, candle
// subscription, autotrade loop, price fan-out. Attaching an already
// attached bot is a no-op.
func (s *Service) Attach(ctx context.Context, bot *models.BotInstance) error {
	if !exchange.IsKnownSymbol(bot.Symbol) {
		return fmt.Errorf("bot %s has unrecognized symbol %q", bot.ID, bot.Symbol)
	}

	s.mu.Lock()
	if _, ok := s.attached[bot.ID]; ok {
		s.mu.Unlock()
		return nil
	}
	botCtx, cancel := context.WithCancel(s.ctx)
	rt := &botRuntime{bot: bot, cancel: cancel}
	s.attached[bot.ID] = rt
	s.mu.Unlock()

	ex, err := s.markets.Public(bot.ExchangeID, bot.MarketType)
	if err != nil {
		s.drop(bot.ID)
		return fmt.Errorf("exchange unavailable: %w", err)
	}

	buf, err := s.buffers.Get(ctx, ex, bot.ExchangeID, bot.MarketType, bot.Symbol, bot.Timeframe)
	if err != nil {
		// Live candles still fill the buffer; warm-up is best effort.
		logger.Warn("candle warmup failed",
			zap.String("bot_id", bot.ID),
			zap.String("symbol", bot.Symbol),
			zap.Error(err),
		)
	}
	rt.buf = buf
	if bot.LastCandleTs != nil {
		rt.lastTs = *bot.LastCandleTs
	}

	if err := s.joinFeed(bot, rt, buf); err != nil {
		s.drop(bot.ID)
		return fmt.Errorf("candle subscribe failed: %w", err)
	}

	s.subscribePrices(bot.ExchangeID, bot.MarketType, bot.Symbol)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.autotradeLoop(botCtx, rt)
	}()

	logger.Info("bot attached",
		zap.String("bot_id", bot.ID),
		zap.String("symbol", bot.Symbol),
		zap.String("strategy", bot.StrategyName),
	)
	return nil
}

// Detach stops one bot's loop and subscriptions, for bots paused or
// stopped at runtime.
func (s *Service) Detach(botID string) {
	s.mu.Lock()
	rt, ok := s.attached[botID]
	if ok {
		delete(s.attached, botID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	rt.cancel()
	s.leaveFeed(rt.bot)
}

// joinFeed registers the bot on the shared candle feed for its market
// key, creating the feed's single stream subscription on first use.
func (s *Service) joinFeed(bot *models.BotInstance, rt *botRuntime, buf *marketdata.Buffer) error {
	key := stream.OHLCVKey(bot.ExchangeID, string(bot.MarketType), bot.Symbol, bot.Timeframe)

	s.mu.Lock()
	feed, ok := s.feeds[key]
	if !ok {
		feed = &bufferFeed{buf: buf, bots: make(map[string]*botRuntime)}
		s.feeds[key] = feed
	}
	feed.mu.Lock()
	feed.bots[bot.ID] = rt
	feed.mu.Unlock()
	s.mu.Unlock()

	if ok {
		return nil
	}

	err := s.streams.SubscribeOHLCV(bot.ExchangeID, bot.MarketType, bot.Symbol, bot.Timeframe, "boot:"+key, func(u stream.CandleUpdate) {
		if closed := feed.buf.Upsert(u.Candle); closed {
			for _, rt := range feed.runtimes() {
				s.onCandleClosed(rt)
			}
		}
	})
	if err != nil {
		s.mu.Lock()
		delete(s.feeds, key)
		s.mu.Unlock()
	}
	return err
}

// leaveFeed removes the bot from its feed, dropping the subscription
// once no bot remains on the key.
func (s *Service) leaveFeed(bot *models.BotInstance) {
	key := stream.OHLCVKey(bot.ExchangeID, string(bot.MarketType), bot.Symbol, bot.Timeframe)

	s.mu.Lock()
	feed, ok := s.feeds[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	feed.mu.Lock()
	delete(feed.bots, bot.ID)
	empty := len(feed.bots) == 0
	feed.mu.Unlock()
	if empty {
		delete(s.feeds, key)
	}
	s.mu.Unlock()

	if empty {
		s.streams.UnsubscribeOHLCV(bot.ExchangeID, bot.MarketType, bot.Symbol, bot.Timeframe, "boot:"+key)
	}
}

// Attached reports whether a bot is currently recovered.
func (s *Service) Attached(botID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.attached[botID]
	return ok
}

func (s *Service) drop(botID string) {
	s.mu.Lock()
	if rt, ok := s.attached[botID]; ok {
		rt.cancel()
		delete(s.attached, botID)
	}
	s.mu.Unlock()
}

// onCandleClosed refreshes the bot's feature state with the buffer
// tail. Trading decisions stay with the autotrade loop.
func (s *Service) onCandleClosed(rt *botRuntime) {
	tail := rt.buf.Latest(0)
	if len(tail) < 2 {
		return
	}
	// The newest candle is the live one; features see closed data only.
	tail = tail[:len(tail)-1]

	if _, err := s.features.Update(s.ctx, rt.bot, tail); err != nil {
		logger.Warn("feature update failed",
			zap.String("bot_id", rt.bot.ID),
			zap.Error(err),
		)
	}
}

// autotradeLoop periodically evaluates the bot's strategy on the last
// closed candle and hands actionable signals to the engine. A candle
// already decided on is never evaluated again, which keeps restarts
// from duplicating trades.
func (s *Service) autotradeLoop(ctx context.Context, rt *botRuntime) {
	ticker := time.NewTicker(s.cfg.AutotradeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.autotradeStep(ctx, rt); err != nil {
				logger.Error("autotrade step failed",
					zap.String("bot_id", rt.bot.ID),
					zap.Error(err),
				)
			}
		}
	}
}

func (s *Service) autotradeStep(ctx context.Context, rt *botRuntime) error {
	candles := rt.buf.Latest(0)
	if len(candles) < 2 {
		return nil
	}
	// Drop the live candle; the decision runs on closed data.
	closed := candles[:len(candles)-1]
	last := closed[len(closed)-1]

	rt.mu.Lock()
	fresh := last.Timestamp.After(rt.lastTs)
	if fresh {
		rt.lastTs = last.Timestamp
	}
	rt.mu.Unlock()
	if !fresh {
		return nil
	}

	strat, err := s.registry.Get(rt.bot.MarketType, rt.bot.StrategyName)
	if err != nil {
		return err
	}
	rows, err := strat.Apply(closed, &rt.bot.Position)
	if err != nil {
		return err
	}
	sig := rows[len(rows)-1].Signal

	ts := last.Timestamp
	rt.bot.LastCandleTs = &ts
	if sig == models.SignalWait {
		return nil
	}

	res, err := s.trader.Execute(ctx, rt.bot, engine.SignalData{
		Signal:    sig,
		Price:     last.Close,
		Reasoning: strat.Name(),
	})
	if err != nil {
		return err
	}
	if res.Blocked {
		logger.Info("autotrade signal blocked",
			zap.String("bot_id", rt.bot.ID),
			zap.String("reason", res.Reason),
		)
	}
	return nil
}

// subscribePrices joins the shared price stream for one market key.
// Bots on the same (exchange, market, symbol) share one subscription.
func (s *Service) subscribePrices(exchangeID string, marketType models.MarketType, symbol string) {
	if s.prices == nil {
		return
	}

	key := stream.TickerKey(exchangeID, string(marketType), symbol)
	s.mu.Lock()
	if _, ok := s.priceSub[key]; ok {
		s.mu.Unlock()
		return
	}
	s.priceSub[key] = struct{}{}
	s.mu.Unlock()

	if err := s.streams.SubscribeTicker(exchangeID, marketType, symbol, "prices:"+key, s.prices.observe); err != nil {
		logger.Warn("price stream subscribe failed",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

func (s *Service) startPriceHub() {
	s.mu.Lock()
	started := s.prices.started
	s.prices.started = true
	s.mu.Unlock()
	if started {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.prices.run(s.ctx)
	}()
}

// Shutdown stops every loop and waits for them to finish.
func (s *Service) Shutdown() {
	s.cancel()
	s.wg.Wait()
	logger.Info("boot service stopped")
}
