package signals

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jikey8911/signalkey/internal/adapters/redis"
	"github.com/jikey8911/signalkey/pkg/logger"
	"github.com/jikey8911/signalkey/pkg/models"
)

// ExpirySweeper walks live bots whose deadline has passed and applies
// the collaborator's verdict: close everything or replace the risk
// plan. It implements worker.Worker and is guarded by a distributed
// lock so only one replica sweeps at a time.
type ExpirySweeper struct {
	store    Store
	analyzer Analyzer
	markets  MarketSource
	trader   Trader
	runner   *Runner
	events   Events
	lock     redis.JobLock
}

// NewExpirySweeper creates the sweeper. locks may come from the mock
// factory when Redis is disabled.
func NewExpirySweeper(store Store, analyzer Analyzer, markets MarketSource, trader Trader, runner *Runner, events Events, locks redis.LockFactory) *ExpirySweeper {
	return &ExpirySweeper{
		store:    store,
		analyzer: analyzer,
		markets:  markets,
		trader:   trader,
		runner:   runner,
		events:   events,
		lock:     locks.JobLock("signal-expiry-sweeper"),
	}
}

// Name implements worker.Worker.
func (s *ExpirySweeper) Name() string {
	return "signal-expiry-sweeper"
}

// Run performs one sweep.
func (s *ExpirySweeper) Run(ctx context.Context) error {
	acquired, err := s.lock.TryAcquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire sweeper lock: %w", err)
	}
	if !acquired {
		return nil
	}
	defer s.lock.Release(ctx)

	now := time.Now().UTC()
	expired, err := s.store.ListExpired(ctx, now)
	if err != nil {
		return err
	}

	for _, bot := range expired {
		if err := s.handle(ctx, bot, now); err != nil {
			logger.Error("expiry handling failed",
				zap.String("bot_id", bot.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// handle processes one expired bot. The handled stamp is claimed
// first; losing the claim to a concurrent sweeper means skipping.
func (s *ExpirySweeper) handle(ctx context.Context, bot *models.TelegramBot, now time.Time) error {
	claimed, err := s.store.MarkExpiryHandled(ctx, bot.ID, now)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	items, err := s.store.ListItems(ctx, bot.ID)
	if err != nil {
		return err
	}

	decision, err := s.analyzer.DecideExpiry(ctx, bot, items)
	if err != nil {
		// Analyzer unavailable: fall back to the safe path and close.
		logger.Warn("expiry analyzer failed, closing position",
			zap.String("bot_id", bot.ID),
			zap.Error(err),
		)
		decision = &ExpiryDecision{Action: "close", Reasoning: "analyzer unavailable"}
	}

	switch decision.Action {
	case "update":
		return s.applyUpdate(ctx, bot, decision)
	default:
		return s.closeOut(ctx, bot, items)
	}
}

// applyUpdate swaps the SL and/or the TP ladder atomically. Open
// positions are left untouched.
func (s *ExpirySweeper) applyUpdate(ctx context.Context, bot *models.TelegramBot, decision *ExpiryDecision) error {
	var newTPs []models.TelegramTradeItem
	if len(decision.NewTakeProfits) > 0 {
		entry := bot.Config.EntryPrice
		if bot.ActualEntryPrice > 0 {
			entry = bot.ActualEntryPrice
		}
		status := models.ItemPending
		if bot.Status == models.TGActive {
			status = models.ItemActive
		}
		for i, tp := range normalizeTakeProfits(entry, decision.NewTakeProfits) {
			newTPs = append(newTPs, models.TelegramTradeItem{
				Kind:        models.ItemTP,
				Level:       i + 1,
				TargetPrice: tp.Price,
				Percent:     tp.Percent,
				Status:      status,
			})
		}
	}

	if decision.NewStopLoss == nil && len(newTPs) == 0 {
		return nil
	}

	if err := s.store.ReplaceRiskItems(ctx, bot, decision.NewStopLoss, newTPs); err != nil {
		return err
	}

	s.events.TelegramTradeUpdate(bot.UserID, bot)
	logger.Info("expired signal plan updated",
		zap.String("bot_id", bot.ID),
		zap.Bool("new_sl", decision.NewStopLoss != nil),
		zap.Int("new_tps", len(newTPs)),
	)
	return nil
}

// closeOut liquidates any open position at the current market price
// and retires the bot with its items. Ladder percents already taken
// by hit TPs shrink the close quantity.
func (s *ExpirySweeper) closeOut(ctx context.Context, bot *models.TelegramBot, items []models.TelegramTradeItem) error {
	if bot.Status == models.TGActive {
		remaining := 100.0
		for _, item := range items {
			if item.Kind == models.ItemTP && item.Status == models.ItemHit {
				remaining -= item.Percent
			}
		}
		if remaining > 0 {
			price, err := s.marketPrice(ctx, bot)
			if err != nil {
				return err
			}
			exec := bridgeBot(bot)
			exec.Position.Qty *= remaining / 100
			if _, err := s.trader.Close(ctx, bot.UserID, exec, price); err != nil {
				return err
			}
		}
	}

	if err := s.store.CloseTelegramBot(ctx, bot.ID, models.TGExpired, "expired"); err != nil {
		return err
	}
	s.runner.Stop(bot.ID)
	bot.Status = models.TGExpired
	bot.ExitReason = "expired"
	s.events.TelegramTradeUpdate(bot.UserID, bot)

	logger.Info("expired signal closed",
		zap.String("bot_id", bot.ID),
		zap.String("symbol", bot.Symbol),
	)
	return nil
}

func (s *ExpirySweeper) marketPrice(ctx context.Context, bot *models.TelegramBot) (float64, error) {
	ex, err := s.markets.Public(bot.ExchangeID, bot.MarketType)
	if err != nil {
		return 0, fmt.Errorf("exchange unavailable for expiry close: %w", err)
	}
	ticker, err := ex.FetchTicker(ctx, bot.Symbol)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch price for expiry close: %w", err)
	}
	return ticker.Last, nil
}
