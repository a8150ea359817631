package signals

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jikey8911/signalkey/internal/adapters/config"
	"github.com/jikey8911/signalkey/internal/engine"
	"github.com/jikey8911/signalkey/internal/stream"
	"github.com/jikey8911/signalkey/pkg/logger"
	"github.com/jikey8911/signalkey/pkg/models"
)

// TickerStream is the market stream slice the workflows consume.
type TickerStream interface {
	SubscribeTicker(exchangeID string, marketType models.MarketType, symbol, subscriberID string, fn stream.TickerFunc) error
	UnsubscribeTicker(exchangeID string, marketType models.MarketType, symbol, subscriberID string)
}

// Runner owns one monitoring goroutine per live signal bot: a passive
// wait on the ticker stream until price approaches the entry, then a
// tight loop resolving entry, stop loss and the TP ladder.
type Runner struct {
	cfg     *config.SignalsConfig
	store   Store
	trader  Trader
	streams TickerStream
	events  Events

	mu      sync.Mutex
	running map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates the workflow runner.
func NewRunner(cfg *config.SignalsConfig, store Store, trader Trader, streams TickerStream, events Events) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:     cfg,
		store:   store,
		trader:  trader,
		streams: streams,
		events:  events,
		running: make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Launch starts the workflow for one bot. Launching a bot that is
// already monitored is a no-op.
func (r *Runner) Launch(bot *models.TelegramBot) {
	r.mu.Lock()
	if _, ok := r.running[bot.ID]; ok {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	r.running[bot.ID] = cancel
	r.mu.Unlock()

	w := &workflow{r: r, bot: bot}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(bot.ID)
		w.run(ctx)
	}()
}

// Stop cancels one workflow, for bots closed out of band.
func (r *Runner) Stop(botID string) {
	r.mu.Lock()
	cancel, ok := r.running[botID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// Running reports whether a bot is currently monitored.
func (r *Runner) Running(botID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[botID]
	return ok
}

// Shutdown cancels every workflow and waits for them to finish.
func (r *Runner) Shutdown() {
	r.cancel()
	r.wg.Wait()
}

func (r *Runner) release(botID string) {
	r.mu.Lock()
	if cancel, ok := r.running[botID]; ok {
		cancel()
		delete(r.running, botID)
	}
	r.mu.Unlock()
}

// workflow is the per-bot monitoring state.
type workflow struct {
	r   *Runner
	bot *models.TelegramBot

	// exec is the transient engine-side view of this bot. The engine
	// mutates its side and position across entry and exits.
	exec *models.BotInstance

	priceMu   sync.Mutex
	lastPrice float64
	bump      chan struct{}

	// remainingPct tracks how much of the original position is still
	// open, for converting ladder percents into close fractions.
	remainingPct float64
}

func (w *workflow) run(ctx context.Context) {
	w.bump = make(chan struct{}, 1)
	w.remainingPct = 100
	w.exec = bridgeBot(w.bot)

	subID := "signal:" + w.bot.ID
	err := w.r.streams.SubscribeTicker(w.bot.ExchangeID, w.bot.MarketType, w.bot.Symbol, subID, w.onTick)
	if err != nil {
		logger.Error("signal workflow: stream subscribe failed",
			zap.String("bot_id", w.bot.ID),
			zap.Error(err),
		)
		return
	}
	defer w.r.streams.UnsubscribeTicker(w.bot.ExchangeID, w.bot.MarketType, w.bot.Symbol, subID)

	// Bots recovered mid-flight skip the passive phase and restore the
	// ladder progress from the persisted items.
	if w.bot.Status == models.TGWaitingEntry {
		if !w.passiveWait(ctx) {
			return
		}
	} else if items, err := w.r.store.ListItems(ctx, w.bot.ID); err == nil {
		for _, item := range items {
			if item.Kind == models.ItemTP && item.Status == models.ItemHit {
				w.remainingPct -= item.Percent
			}
		}
		w.exec.Position.Qty *= w.remainingPct / 100
	}
	w.monitor(ctx)
}

// onTick records the latest price and nudges the passive waiter. The
// channel write never blocks; monitoring reads the latest value.
func (w *workflow) onTick(update stream.TickerUpdate) {
	w.priceMu.Lock()
	w.lastPrice = update.Last
	w.priceMu.Unlock()

	select {
	case w.bump <- struct{}{}:
	default:
	}
}

func (w *workflow) price() float64 {
	w.priceMu.Lock()
	defer w.priceMu.Unlock()
	return w.lastPrice
}

// passiveWait suspends on ticker events until the price comes within
// the proximity threshold of the entry. No polling happens here.
func (w *workflow) passiveWait(ctx context.Context) bool {
	entry := w.bot.Config.EntryPrice
	for {
		select {
		case <-ctx.Done():
			return false
		case <-w.bump:
			price := w.price()
			if price <= 0 {
				continue
			}
			if math.Abs(price-entry)/entry*100 <= w.r.cfg.ProximityPct {
				logger.Debug("signal entry proximity reached",
					zap.String("bot_id", w.bot.ID),
					zap.Float64("price", price),
					zap.Float64("entry", entry),
				)
				return true
			}
		}
	}
}

// monitor is the critical phase: a short-interval loop resolving the
// entry trigger, per-tick pnl, stop loss and take profits.
func (w *workflow) monitor(ctx context.Context) {
	ticker := time.NewTicker(w.r.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			price := w.price()
			if price <= 0 {
				continue
			}

			done, err := w.step(ctx, price)
			if err != nil {
				logger.Error("signal workflow step failed",
					zap.String("bot_id", w.bot.ID),
					zap.Error(err),
				)
				continue
			}
			if done {
				return
			}
		}
	}
}

func (w *workflow) step(ctx context.Context, price float64) (done bool, err error) {
	if w.bot.Status == models.TGWaitingEntry {
		return false, w.tryEnter(ctx, price)
	}

	if err := w.publishPnL(ctx, price); err != nil {
		return false, err
	}

	items, err := w.r.store.ListItems(ctx, w.bot.ID)
	if err != nil {
		return false, err
	}

	if hit := findStopLoss(items, w.bot.Side, price); hit != nil {
		return true, w.stopOut(ctx, price, hit)
	}
	return w.takeProfits(ctx, price, items)
}

// tryEnter fills the entry when price crosses it in the trade's
// direction: LONG fills at or above, SHORT at or below.
func (w *workflow) tryEnter(ctx context.Context, price float64) error {
	entry := w.bot.Config.EntryPrice
	crossed := (w.bot.Side == models.SideBuy && price >= entry) ||
		(w.bot.Side == models.SideSell && price <= entry)
	if !crossed {
		return nil
	}

	sig := engine.SignalData{
		Price:     price,
		Reasoning: "signal entry " + w.bot.Symbol,
		IsAlert:   true,
	}
	if w.bot.Side == models.SideBuy {
		sig.Signal = models.SignalBuy
	} else {
		sig.Signal = models.SignalSell
	}

	res, err := w.r.trader.Execute(ctx, w.exec, sig)
	if err != nil {
		return err
	}
	if res.Blocked {
		logger.Warn("signal entry blocked",
			zap.String("bot_id", w.bot.ID),
			zap.String("reason", res.Reason),
		)
		if err := w.r.store.CloseTelegramBot(ctx, w.bot.ID, models.TGCancelled, res.Reason); err != nil {
			return err
		}
		w.bot.Status = models.TGCancelled
		w.r.events.TelegramTradeUpdate(w.bot.UserID, w.bot)
		return nil
	}

	if err := w.r.store.MarkEntered(ctx, w.bot.ID, price); err != nil {
		return err
	}
	w.bot.Status = models.TGActive
	w.bot.ActualEntryPrice = price

	items, err := w.r.store.ListItems(ctx, w.bot.ID)
	if err != nil {
		return err
	}
	for _, item := range items {
		switch {
		case item.Kind == models.ItemEntry && item.Status == models.ItemActive:
			if err := w.r.store.SetItemStatus(ctx, item.ID, models.ItemHit); err != nil {
				return err
			}
		case item.Kind == models.ItemTP && item.Status == models.ItemPending:
			if err := w.r.store.SetItemStatus(ctx, item.ID, models.ItemActive); err != nil {
				return err
			}
		}
	}

	w.r.events.TelegramTradeUpdate(w.bot.UserID, w.bot)
	logger.Info("signal entry filled",
		zap.String("bot_id", w.bot.ID),
		zap.String("symbol", w.bot.Symbol),
		zap.Float64("price", price),
	)
	return nil
}

func (w *workflow) publishPnL(ctx context.Context, price float64) error {
	entry := w.bot.ActualEntryPrice
	if entry <= 0 {
		return nil
	}
	pnl := (price - entry) / entry * 100
	if w.bot.Side == models.SideSell {
		pnl = -pnl
	}
	if pnl == w.bot.UnrealizedPnLPct {
		return nil
	}

	w.bot.UnrealizedPnLPct = pnl
	if err := w.r.store.UpdateUnrealizedPnL(ctx, w.bot.ID, pnl); err != nil {
		return err
	}
	w.r.events.TelegramTradeUpdate(w.bot.UserID, w.bot)
	return nil
}

func (w *workflow) stopOut(ctx context.Context, price float64, item *models.TelegramTradeItem) error {
	if _, err := w.r.trader.Close(ctx, w.bot.UserID, w.exec, price); err != nil {
		return err
	}
	if err := w.r.store.SetItemStatus(ctx, item.ID, models.ItemHit); err != nil {
		return err
	}
	if err := w.r.store.CloseTelegramBot(ctx, w.bot.ID, models.TGClosed, "stop_loss"); err != nil {
		return err
	}
	w.bot.Status = models.TGClosed
	w.bot.ExitReason = "stop_loss"
	w.r.events.TelegramTradeUpdate(w.bot.UserID, w.bot)

	logger.Info("signal stopped out",
		zap.String("bot_id", w.bot.ID),
		zap.Float64("price", price),
	)
	return nil
}

// takeProfits resolves the ladder in level order. Each hit closes its
// percent of the original position; the last hit closes the bot.
func (w *workflow) takeProfits(ctx context.Context, price float64, items []models.TelegramTradeItem) (done bool, err error) {
	for i := range items {
		item := &items[i]
		if item.Kind != models.ItemTP || item.Status != models.ItemActive {
			continue
		}

		crossed := (w.bot.Side == models.SideBuy && price >= item.TargetPrice) ||
			(w.bot.Side == models.SideSell && price <= item.TargetPrice)
		if !crossed {
			continue
		}

		fraction := 1.0
		if w.remainingPct > item.Percent {
			fraction = item.Percent / w.remainingPct
		}
		if _, err := w.r.trader.ClosePortion(ctx, w.bot.UserID, w.exec, price, fraction, "take_profit"); err != nil {
			return false, err
		}
		if err := w.r.store.SetItemStatus(ctx, item.ID, models.ItemHit); err != nil {
			return false, err
		}
		w.remainingPct -= item.Percent
		item.Status = models.ItemHit

		logger.Info("take profit hit",
			zap.String("bot_id", w.bot.ID),
			zap.Int("level", item.Level),
			zap.Float64("price", price),
		)
		w.r.events.TelegramTradeUpdate(w.bot.UserID, w.bot)
	}

	if remainingTPs(items) == 0 {
		if err := w.r.store.CloseTelegramBot(ctx, w.bot.ID, models.TGClosed, "all_tps_hit"); err != nil {
			return false, err
		}
		w.bot.Status = models.TGClosed
		w.bot.ExitReason = "all_tps_hit"
		w.r.events.TelegramTradeUpdate(w.bot.UserID, w.bot)
		return true, nil
	}
	return false, nil
}

func findStopLoss(items []models.TelegramTradeItem, side models.Side, price float64) *models.TelegramTradeItem {
	for i := range items {
		item := &items[i]
		if item.Kind != models.ItemSL || item.Status != models.ItemActive {
			continue
		}
		if (side == models.SideBuy && price <= item.TargetPrice) ||
			(side == models.SideSell && price >= item.TargetPrice) {
			return item
		}
	}
	return nil
}

func remainingTPs(items []models.TelegramTradeItem) int {
	n := 0
	for _, item := range items {
		if item.Kind == models.ItemTP &&
			(item.Status == models.ItemActive || item.Status == models.ItemPending) {
			n++
		}
	}
	return n
}

// bridgeBot builds the transient engine-side instance for one signal
// bot. Trades and positions it produces reference the signal bot id.
func bridgeBot(bot *models.TelegramBot) *models.BotInstance {
	side := models.SideNone
	qty := 0.0
	avg := 0.0
	if bot.Status == models.TGActive && bot.ActualEntryPrice > 0 {
		// Recovered mid-position: reconstruct from the entry snapshot.
		side = bot.Side
		avg = bot.ActualEntryPrice
		qty = bot.Config.Investment / bot.ActualEntryPrice
	}

	return &models.BotInstance{
		ID:         bot.ID,
		UserID:     bot.UserID,
		Name:       "signal " + bot.Symbol,
		Symbol:     bot.Symbol,
		MarketType: bot.MarketType,
		ExchangeID: bot.ExchangeID,
		Mode:       bot.Mode,
		Status:     models.BotActive,
		Amount:     bot.Config.Investment,
		Side:       side,
		Position:   models.PositionState{Qty: qty, AvgPrice: avg},
	}
}
