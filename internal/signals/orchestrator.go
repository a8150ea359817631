package signals

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/jikey8911/signalkey/internal/adapters/exchange"
	"github.com/jikey8911/signalkey/internal/engine"
	"github.com/jikey8911/signalkey/pkg/logger"
	"github.com/jikey8911/signalkey/pkg/models"
)

// Store is the persistence surface the orchestrator, workflows and the
// expiry sweeper share. Implemented by Repository.
type Store interface {
	CreateSignal(ctx context.Context, sig *models.ExternalSignal) error
	UpdateSignalOutcome(ctx context.Context, signalID string, status models.SignalStatus, symbol, decision, message string, confidence float64) error
	SetSignalStatus(ctx context.Context, signalID string, status models.SignalStatus) error

	CreateTelegramBot(ctx context.Context, bot *models.TelegramBot, items []models.TelegramTradeItem) error
	GetTelegramBot(ctx context.Context, botID string) (*models.TelegramBot, error)
	ActiveTelegramBotForSymbol(ctx context.Context, userID, symbol string) (*models.TelegramBot, error)
	CountActiveTelegramBots(ctx context.Context, userID string) (int, error)
	ListLiveTelegramBots(ctx context.Context) ([]*models.TelegramBot, error)
	MarkEntered(ctx context.Context, botID string, actualEntryPrice float64) error
	UpdateUnrealizedPnL(ctx context.Context, botID string, pnlPct float64) error
	CloseTelegramBot(ctx context.Context, botID string, status models.TelegramBotStatus, exitReason string) error

	ListItems(ctx context.Context, botID string) ([]models.TelegramTradeItem, error)
	SetItemStatus(ctx context.Context, itemID string, status models.TradeItemStatus) error
	ReplaceRiskItems(ctx context.Context, bot *models.TelegramBot, newSL *float64, newTPs []models.TelegramTradeItem) error

	ListExpired(ctx context.Context, now time.Time) ([]*models.TelegramBot, error)
	MarkExpiryHandled(ctx context.Context, botID string, at time.Time) (bool, error)
}

// ConfigSource loads the per-user configuration snapshot.
type ConfigSource interface {
	GetConfig(ctx context.Context, userID string) (*models.AppConfig, error)
}

// MarketSource resolves public exchange instances for symbol checks
// and price reads.
type MarketSource interface {
	Public(exchangeID string, marketType models.MarketType) (exchange.Exchange, error)
}

// Trader is the execution engine slice the signal workflows drive.
type Trader interface {
	Execute(ctx context.Context, bot *models.BotInstance, sig engine.SignalData) (*engine.Result, error)
	Close(ctx context.Context, userID string, bot *models.BotInstance, price float64) (*engine.Result, error)
	ClosePortion(ctx context.Context, userID string, bot *models.BotInstance, price, fraction float64, reason string) (*engine.Result, error)
}

// Events is the notification slice used for signal lifecycle updates.
// Signal documents and signal bot documents go out as distinct event
// kinds.
type Events interface {
	SignalNew(userID string, sig *models.ExternalSignal)
	SignalUpdate(userID string, sig *models.ExternalSignal)
	TelegramTradeNew(userID string, bot *models.TelegramBot)
	TelegramTradeUpdate(userID string, bot *models.TelegramBot)
}

// Orchestrator turns raw signal messages into monitored per-signal
// bots and runs their workflows.
type Orchestrator struct {
	store    Store
	analyzer Analyzer
	configs  ConfigSource
	markets  MarketSource
	trader   Trader
	events   Events
	runner   *Runner
}

// NewOrchestrator wires the signal processing pipeline. runner owns
// the per-bot monitoring goroutines.
func NewOrchestrator(store Store, analyzer Analyzer, configs ConfigSource, markets MarketSource, trader Trader, events Events, runner *Runner) *Orchestrator {
	return &Orchestrator{
		store:    store,
		analyzer: analyzer,
		configs:  configs,
		markets:  markets,
		trader:   trader,
		events:   events,
		runner:   runner,
	}
}

// ProcessRaw handles one inbound message: persist, analyze, validate
// and spawn a monitored bot per accepted trade plan.
func (o *Orchestrator) ProcessRaw(ctx context.Context, userID, source, chatID, rawText string) (*models.ExternalSignal, error) {
	cfg, err := o.configs.GetConfig(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user config: %w", err)
	}
	if !chatAllowed(cfg, chatID) {
		return nil, fmt.Errorf("chat %s is not in the allow list", chatID)
	}

	sig := &models.ExternalSignal{
		UserID:  userID,
		Source:  source,
		RawText: rawText,
	}
	if err := o.store.CreateSignal(ctx, sig); err != nil {
		return nil, err
	}
	o.events.SignalNew(userID, sig)

	if !cfg.IsAutoEnabled {
		msg := "auto trading is disabled"
		_ = o.store.UpdateSignalOutcome(ctx, sig.ID, models.SignalRejected, "", "", msg, 0)
		sig.Status = models.SignalRejected
		sig.ExecutionMessage = msg
		o.events.SignalUpdate(userID, sig)
		return sig, nil
	}

	analyses, err := o.analyzer.AnalyzeSignal(ctx, rawText)
	if err != nil {
		logger.Error("signal analysis failed",
			zap.String("signal_id", sig.ID),
			zap.Error(err),
		)
		_ = o.store.UpdateSignalOutcome(ctx, sig.ID, models.SignalFailed, "", "", err.Error(), 0)
		sig.Status = models.SignalFailed
		o.events.SignalUpdate(userID, sig)
		return sig, nil
	}

	status, message := o.applyAnalyses(ctx, sig, cfg, chatID, analyses)
	sig.Status = status
	sig.ExecutionMessage = message
	o.events.SignalUpdate(userID, sig)
	return sig, nil
}

// applyAnalyses validates every extracted plan and creates a bot for
// each accepted one. The signal's final status reflects the best
// outcome: one launched bot makes the whole signal EXECUTING.
func (o *Orchestrator) applyAnalyses(ctx context.Context, sig *models.ExternalSignal, cfg *models.AppConfig, chatID string, analyses []Analysis) (models.SignalStatus, string) {
	if len(analyses) == 0 {
		msg := "no actionable trade plan found"
		_ = o.store.UpdateSignalOutcome(ctx, sig.ID, models.SignalRejected, "", "", msg, 0)
		return models.SignalRejected, msg
	}

	launched := 0
	lastStatus := models.SignalRejected
	lastMsg := ""

	for i := range analyses {
		a := &analyses[i]
		status, msg := o.applyOne(ctx, sig, cfg, chatID, a)
		if status == models.SignalExecuting {
			launched++
		}
		lastStatus = status
		lastMsg = msg

		symbol := exchange.NormalizeSymbol(a.Symbol)
		_ = o.store.UpdateSignalOutcome(ctx, sig.ID, status, symbol, a.Decision, msg, a.Confidence)
	}

	if launched > 0 {
		_ = o.store.SetSignalStatus(ctx, sig.ID, models.SignalExecuting)
		return models.SignalExecuting, fmt.Sprintf("%d of %d plans launched", launched, len(analyses))
	}
	return lastStatus, lastMsg
}

func (o *Orchestrator) applyOne(ctx context.Context, sig *models.ExternalSignal, cfg *models.AppConfig, chatID string, a *Analysis) (models.SignalStatus, string) {
	if !a.Tradable() {
		return models.SignalRejected, "analyzer declined: " + a.Reasoning
	}
	if !a.IsSafe {
		return models.SignalRejectedUnsafe, "unsafe signal: " + a.Reasoning
	}

	symbol := exchange.NormalizeSymbol(a.Symbol)
	if !exchange.IsKnownSymbol(symbol) {
		return models.SignalRejected, fmt.Sprintf("unrecognized symbol %q", a.Symbol)
	}
	if a.Params.EntryPrice <= 0 || a.Params.StopLoss <= 0 {
		return models.SignalRejected, "missing entry or stop loss"
	}

	marketType := models.MarketType(a.MarketType)
	if marketType == "" {
		marketType = models.MarketSpot
	}

	exchangeID := cfg.DefaultExchange
	if exchangeID == "" {
		exchangeID = "binance"
	}
	ex, err := o.markets.Public(exchangeID, marketType)
	if err != nil {
		return models.SignalFailed, fmt.Sprintf("exchange unavailable: %v", err)
	}
	supported, err := ex.SupportsSymbol(ctx, symbol)
	if err != nil {
		return models.SignalFailed, fmt.Sprintf("symbol check failed: %v", err)
	}
	if !supported {
		return models.SignalRejected, fmt.Sprintf("%s is not listed on %s %s", symbol, exchangeID, marketType)
	}

	if existing, err := o.store.ActiveTelegramBotForSymbol(ctx, sig.UserID, symbol); err != nil {
		return models.SignalFailed, fmt.Sprintf("dedupe check failed: %v", err)
	} else if existing != nil {
		return models.SignalRejected, fmt.Sprintf("an active bot already covers %s", symbol)
	}

	if cfg.MaxActiveTelegramBots > 0 {
		n, err := o.store.CountActiveTelegramBots(ctx, sig.UserID)
		if err != nil {
			return models.SignalFailed, fmt.Sprintf("cap check failed: %v", err)
		}
		if n >= cfg.MaxActiveTelegramBots {
			return models.SignalRejected, fmt.Sprintf("active bot cap %d reached", cfg.MaxActiveTelegramBots)
		}
	}

	bot, items := buildPlan(sig, cfg, chatID, symbol, marketType, exchangeID, a)
	if err := o.store.CreateTelegramBot(ctx, bot, items); err != nil {
		return models.SignalFailed, fmt.Sprintf("failed to persist bot: %v", err)
	}

	o.events.TelegramTradeNew(sig.UserID, bot)
	o.runner.Launch(bot)
	logger.Info("signal bot launched",
		zap.String("bot_id", bot.ID),
		zap.String("symbol", symbol),
		zap.String("side", string(bot.Side)),
		zap.Float64("entry", bot.Config.EntryPrice),
	)
	return models.SignalExecuting, ""
}

// buildPlan snapshots the analysis into a bot row plus its monitored
// items: one ENTRY, one SL, TPs ordered by closeness to the entry with
// percents rescaled to sum 100.
func buildPlan(sig *models.ExternalSignal, cfg *models.AppConfig, chatID, symbol string, marketType models.MarketType, exchangeID string, a *Analysis) (*models.TelegramBot, []models.TelegramTradeItem) {
	investment := a.Params.Investment
	limit := cfg.InvestmentLimit(marketType)
	if investment <= 0 || investment > limit {
		investment = limit
	}

	mode := models.ModeSimulated
	if cfg.TradingMode == "live" {
		mode = models.ModeReal
	}

	tps := normalizeTakeProfits(a.Params.EntryPrice, a.Params.TakeProfits)

	bot := &models.TelegramBot{
		UserID:     sig.UserID,
		Source:     sig.Source,
		ChatID:     chatID,
		Symbol:     symbol,
		Side:       a.Side(),
		MarketType: marketType,
		ExchangeID: exchangeID,
		Mode:       mode,
		Status:     models.TGWaitingEntry,
		Config: models.TelegramBotConfig{
			EntryPrice:  a.Params.EntryPrice,
			StopLoss:    a.Params.StopLoss,
			TakeProfits: tps,
			Leverage:    a.Params.Leverage,
			Investment:  investment,
		},
	}
	if a.Params.ValidForMinutes > 0 {
		deadline := time.Now().UTC().Add(time.Duration(a.Params.ValidForMinutes) * time.Minute)
		bot.ExpiresAt = &deadline
	}

	items := []models.TelegramTradeItem{
		{Kind: models.ItemEntry, Level: 0, TargetPrice: a.Params.EntryPrice, Status: models.ItemActive},
		{Kind: models.ItemSL, Level: 0, TargetPrice: a.Params.StopLoss, Status: models.ItemActive},
	}
	for i, tp := range tps {
		items = append(items, models.TelegramTradeItem{
			Kind:        models.ItemTP,
			Level:       i + 1,
			TargetPrice: tp.Price,
			Percent:     tp.Percent,
			Status:      models.ItemPending,
		})
	}
	return bot, items
}

// normalizeTakeProfits orders the ladder by distance from the entry
// and rescales the percents to sum exactly 100. A ladder with no
// percents splits evenly.
func normalizeTakeProfits(entry float64, targets []TakeProfitTarget) []models.TakeProfit {
	if len(targets) == 0 {
		return nil
	}

	sorted := make([]TakeProfitTarget, len(targets))
	copy(sorted, targets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return math.Abs(sorted[i].Price-entry) < math.Abs(sorted[j].Price-entry)
	})

	total := 0.0
	for _, t := range sorted {
		total += t.Percent
	}

	out := make([]models.TakeProfit, len(sorted))
	for i, t := range sorted {
		pct := t.Percent
		if total <= 0 {
			pct = 100 / float64(len(sorted))
		} else {
			pct = pct / total * 100
		}
		out[i] = models.TakeProfit{Price: t.Price, Percent: pct, Status: string(models.ItemPending)}
	}
	return out
}

func chatAllowed(cfg *models.AppConfig, chatID string) bool {
	if len(cfg.TelegramAllowChats) == 0 {
		return true
	}
	for _, allowed := range cfg.TelegramAllowChats {
		if allowed == chatID {
			return true
		}
	}
	return false
}

// Resume relaunches workflows for every live bot, for boot recovery.
func (o *Orchestrator) Resume(ctx context.Context) error {
	bots, err := o.store.ListLiveTelegramBots(ctx)
	if err != nil {
		return err
	}
	for _, bot := range bots {
		o.runner.Launch(bot)
	}
	if len(bots) > 0 {
		logger.Info("resumed signal workflows", zap.Int("count", len(bots)))
	}
	return nil
}
