package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jikey8911/signalkey/internal/adapters/exchange"
	"github.com/jikey8911/signalkey/pkg/logger"
	"github.com/jikey8911/signalkey/pkg/models"
)

// SignalData is one actionable decision handed to the engine.
type SignalData struct {
	Signal     models.Signal
	Price      float64
	Confidence float64
	Reasoning  string
	// IsAlert marks orchestrator-driven executions which bypass the
	// profit guard.
	IsAlert bool
}

// Action classifies what a signal does to the bot's position.
type Action string

const (
	ActionOpen Action = "OPEN"
	ActionDCA  Action = "DCA"
	ActionFlip Action = "FLIP"
)

// Block reasons.
const (
	ReasonBotNotActive        = "bot_not_active"
	ReasonUnknownSymbol       = "unknown_symbol"
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonProfitGuard         = "profit_guard"
)

// profitGuardPct is the unrealized PnL floor under which automatic
// signals may not flip a position.
const profitGuardPct = -0.5

// Result reports one execution attempt. breach carries an executor
// reported invariant violation back to the pause gate.
type Result struct {
	Executed bool
	Blocked  bool
	Reason   string
	Action   Action
	Trades   []models.Trade

	breach string
}

// BotStore is the persistence surface the engine mutates.
type BotStore interface {
	GetOpenPosition(ctx context.Context, botID string) (*models.Position, error)
	OpenPosition(ctx context.Context, pos *models.Position) error
	UpdatePosition(ctx context.Context, pos *models.Position) error
	ClosePosition(ctx context.Context, positionID string, finalPnL float64) error
	RecordTrade(ctx context.Context, trade *models.Trade) error
	UpdateBotState(ctx context.Context, bot *models.BotInstance) error
	SetBotStatus(ctx context.Context, botID string, status models.BotStatus) error
}

// BalanceLedger is the simulated funds surface.
type BalanceLedger interface {
	Get(ctx context.Context, userID string, marketType models.MarketType, asset string) (float64, error)
	Add(ctx context.Context, userID string, marketType models.MarketType, asset string, delta float64) (float64, error)
}

// ExchangeProvider resolves the authenticated per-user instance for
// real-mode execution.
type ExchangeProvider interface {
	ForUser(ctx context.Context, userID, exchangeID string, marketType models.MarketType) (exchange.Exchange, error)
}

// Notifier receives execution side effects.
type Notifier interface {
	BotUpdate(bot *models.BotInstance)
	TradeExecuted(trade *models.Trade)
}

// Engine runs the per-bot trade state machine: IDLE ⇄ LONG ⇄ SHORT.
// Executions are serialized per bot; different bots run concurrently.
type Engine struct {
	store     BotStore
	ledger    BalanceLedger
	notifier  Notifier
	executors map[models.TradeMode]executor

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates the execution engine. exchanges may be nil when real
// mode is not configured; real executions then fail with an auth error.
func New(store BotStore, ledger BalanceLedger, exchanges ExchangeProvider, notifier Notifier) *Engine {
	return &Engine{
		store:    store,
		ledger:   ledger,
		notifier: notifier,
		executors: map[models.TradeMode]executor{
			models.ModeSimulated: &simExecutor{ledger: ledger},
			models.ModeReal:      &liveExecutor{exchanges: exchanges},
		},
		locks: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lockBot(botID string) func() {
	e.locksMu.Lock()
	mu, ok := e.locks[botID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[botID] = mu
	}
	e.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// Execute runs one signal through the gates and the state machine.
// The returned error covers infrastructure failures; business
// rejections come back as Result.Blocked.
func (e *Engine) Execute(ctx context.Context, bot *models.BotInstance, sig SignalData) (*Result, error) {
	if sig.Signal == models.SignalWait {
		return &Result{}, nil
	}

	unlock := e.lockBot(bot.ID)
	defer unlock()

	if bot.Status != models.BotActive {
		return &Result{Blocked: true, Reason: ReasonBotNotActive}, nil
	}
	if !exchange.IsKnownSymbol(bot.Symbol) {
		return &Result{Blocked: true, Reason: ReasonUnknownSymbol}, nil
	}

	exec, ok := e.executors[bot.Mode]
	if !ok {
		return nil, fmt.Errorf("no executor for mode %q", bot.Mode)
	}

	enough, err := exec.hasFunds(ctx, bot, bot.Amount)
	if err != nil {
		return nil, fmt.Errorf("balance gate: %w", err)
	}
	if !enough {
		return &Result{Blocked: true, Reason: ReasonInsufficientBalance}, nil
	}

	side := sig.Signal.Side()
	action := classify(bot, side)

	if action == ActionFlip && !sig.IsAlert {
		if pnl := unrealizedPct(bot, sig.Price); pnl < profitGuardPct {
			logger.Debug("flip blocked by profit guard",
				zap.String("bot_id", bot.ID),
				zap.Float64("pnl_pct", pnl),
			)
			return &Result{Blocked: true, Reason: ReasonProfitGuard, Action: action}, nil
		}
	}

	res, err := e.run(ctx, exec, bot, side, action, sig)
	if err != nil {
		return nil, err
	}

	breach := invariantBreach(bot)
	if breach == "" {
		breach = res.breach
	}
	if breach != "" {
		logger.Error("bot invariant breached, pausing",
			zap.String("bot_id", bot.ID),
			zap.String("breach", breach),
		)
		bot.Status = models.BotPaused
		if err := e.store.SetBotStatus(ctx, bot.ID, models.BotPaused); err != nil {
			return nil, fmt.Errorf("failed to pause bot after breach: %w", err)
		}
	}

	e.notifier.BotUpdate(bot)
	return res, nil
}

func (e *Engine) run(ctx context.Context, exec executor, bot *models.BotInstance, side models.Side, action Action, sig SignalData) (*Result, error) {
	res := &Result{Executed: true, Action: action}

	switch action {
	case ActionOpen:
		fill, err := exec.open(ctx, bot, side, sig.Price)
		if err != nil {
			return nil, err
		}
		res.breach = fill.breach
		e.applyOpen(bot, side, fill)

		pos := &models.Position{
			BotID:          bot.ID,
			UserID:         bot.UserID,
			Symbol:         bot.Symbol,
			Side:           side,
			CurrentQty:     fill.qty,
			AvgEntryPrice:  fill.price,
			InvestedAmount: fill.qty * fill.price,
		}
		if err := e.store.OpenPosition(ctx, pos); err != nil {
			exec.compensate(ctx, bot, bot.Amount)
			return nil, fmt.Errorf("failed to persist opened position: %w", err)
		}

		trade, err := e.record(ctx, bot, side, "OPEN_"+direction(side), fill, 0, sig.Reasoning)
		if err != nil {
			return nil, err
		}
		res.Trades = append(res.Trades, *trade)

	case ActionDCA:
		fill, err := exec.open(ctx, bot, side, sig.Price)
		if err != nil {
			return nil, err
		}
		res.breach = fill.breach
		e.applyDCA(bot, fill)

		pos, err := e.store.GetOpenPosition(ctx, bot.ID)
		if err != nil {
			return nil, err
		}
		if pos != nil {
			pos.CurrentQty = bot.Position.Qty
			pos.AvgEntryPrice = bot.Position.AvgPrice
			pos.InvestedAmount = bot.Position.Qty * bot.Position.AvgPrice
			if err := e.store.UpdatePosition(ctx, pos); err != nil {
				return nil, fmt.Errorf("failed to persist DCA: %w", err)
			}
		}

		trade, err := e.record(ctx, bot, side, "DCA_"+direction(side), fill, 0, sig.Reasoning)
		if err != nil {
			return nil, err
		}
		res.Trades = append(res.Trades, *trade)

	case ActionFlip:
		oldSide := bot.Side
		closeFill, realized, err := exec.close(ctx, bot, sig.Price, bot.Position.Qty)
		if err != nil {
			return nil, err
		}

		pos, err := e.store.GetOpenPosition(ctx, bot.ID)
		if err != nil {
			return nil, err
		}
		if pos != nil {
			if err := e.store.ClosePosition(ctx, pos.ID, realized); err != nil {
				return nil, fmt.Errorf("failed to close position: %w", err)
			}
		}
		e.applyClose(bot, realized)

		closeTrade, err := e.record(ctx, bot, oldSide.Opposite(), "CLOSE_"+direction(oldSide), closeFill, realized, sig.Reasoning)
		if err != nil {
			return nil, err
		}
		res.Trades = append(res.Trades, *closeTrade)

		// Second half: open the opposite side. A failure here leaves
		// the bot flat, which is a legal state.
		openFill, err := exec.open(ctx, bot, side, sig.Price)
		if err != nil {
			if persistErr := e.store.UpdateBotState(ctx, bot); persistErr != nil {
				return nil, persistErr
			}
			return nil, fmt.Errorf("flip open half failed: %w", err)
		}
		res.breach = openFill.breach
		e.applyOpen(bot, side, openFill)

		newPos := &models.Position{
			BotID:          bot.ID,
			UserID:         bot.UserID,
			Symbol:         bot.Symbol,
			Side:           side,
			CurrentQty:     openFill.qty,
			AvgEntryPrice:  openFill.price,
			InvestedAmount: openFill.qty * openFill.price,
		}
		if err := e.store.OpenPosition(ctx, newPos); err != nil {
			exec.compensate(ctx, bot, bot.Amount)
			return nil, fmt.Errorf("failed to persist flipped position: %w", err)
		}

		openTrade, err := e.record(ctx, bot, side, "OPEN_"+direction(side), openFill, 0, sig.Reasoning)
		if err != nil {
			return nil, err
		}
		res.Trades = append(res.Trades, *openTrade)
	}

	if err := e.store.UpdateBotState(ctx, bot); err != nil {
		return nil, fmt.Errorf("failed to persist bot state: %w", err)
	}
	return res, nil
}

// Close force-exits the position at the given price. Ownership is
// checked against userID.
func (e *Engine) Close(ctx context.Context, userID string, bot *models.BotInstance, price float64) (*Result, error) {
	if bot.UserID != userID {
		return nil, fmt.Errorf("bot %s does not belong to user %s", bot.ID, userID)
	}

	unlock := e.lockBot(bot.ID)
	defer unlock()

	if bot.Position.Qty == 0 {
		return &Result{}, nil
	}

	exec, ok := e.executors[bot.Mode]
	if !ok {
		return nil, fmt.Errorf("no executor for mode %q", bot.Mode)
	}

	oldSide := bot.Side
	fill, realized, err := exec.close(ctx, bot, price, bot.Position.Qty)
	if err != nil {
		return nil, err
	}

	pos, err := e.store.GetOpenPosition(ctx, bot.ID)
	if err != nil {
		return nil, err
	}
	if pos != nil {
		if err := e.store.ClosePosition(ctx, pos.ID, realized); err != nil {
			return nil, err
		}
	}
	e.applyClose(bot, realized)

	trade, err := e.record(ctx, bot, oldSide.Opposite(), "CLOSE_"+direction(oldSide), fill, realized, "manual close")
	if err != nil {
		return nil, err
	}
	if err := e.store.UpdateBotState(ctx, bot); err != nil {
		return nil, err
	}

	e.notifier.BotUpdate(bot)
	return &Result{Executed: true, Trades: []models.Trade{*trade}}, nil
}

// ClosePortion exits fraction (0 < fraction ≤ 1) of the position at
// the given price, crediting the proportional capital and pnl. A full
// fraction behaves like Close.
func (e *Engine) ClosePortion(ctx context.Context, userID string, bot *models.BotInstance, price, fraction float64, reason string) (*Result, error) {
	if bot.UserID != userID {
		return nil, fmt.Errorf("bot %s does not belong to user %s", bot.ID, userID)
	}
	if fraction <= 0 || fraction > 1 {
		return nil, fmt.Errorf("invalid close fraction %v", fraction)
	}
	if fraction == 1 {
		return e.Close(ctx, userID, bot, price)
	}

	unlock := e.lockBot(bot.ID)
	defer unlock()

	if bot.Position.Qty == 0 {
		return &Result{}, nil
	}

	exec, ok := e.executors[bot.Mode]
	if !ok {
		return nil, fmt.Errorf("no executor for mode %q", bot.Mode)
	}

	qty := bot.Position.Qty * fraction
	fill, realized, err := exec.close(ctx, bot, price, qty)
	if err != nil {
		return nil, err
	}

	bot.Position.Qty -= fill.qty
	bot.TotalPnL += realized

	pos, err := e.store.GetOpenPosition(ctx, bot.ID)
	if err != nil {
		return nil, err
	}
	if pos != nil {
		pos.CurrentQty = bot.Position.Qty
		pos.InvestedAmount = bot.Position.Qty * bot.Position.AvgPrice
		pos.RealizedPnL += realized
		if err := e.store.UpdatePosition(ctx, pos); err != nil {
			return nil, err
		}
	}

	trade, err := e.record(ctx, bot, bot.Side.Opposite(), "PARTIAL_CLOSE_"+direction(bot.Side), fill, realized, reason)
	if err != nil {
		return nil, err
	}
	if err := e.store.UpdateBotState(ctx, bot); err != nil {
		return nil, err
	}

	e.notifier.BotUpdate(bot)
	return &Result{Executed: true, Trades: []models.Trade{*trade}}, nil
}

// Increase runs an explicit DCA on the current side.
func (e *Engine) Increase(ctx context.Context, userID string, bot *models.BotInstance, price float64) (*Result, error) {
	if bot.UserID != userID {
		return nil, fmt.Errorf("bot %s does not belong to user %s", bot.ID, userID)
	}
	if bot.Position.Qty == 0 {
		return &Result{Blocked: true, Reason: "no_position"}, nil
	}

	sig := SignalData{Price: price, Reasoning: "manual increase", IsAlert: true}
	if bot.Side == models.SideBuy {
		sig.Signal = models.SignalBuy
	} else {
		sig.Signal = models.SignalSell
	}
	return e.Execute(ctx, bot, sig)
}

// Reverse force-flips the position, bypassing the profit guard.
func (e *Engine) Reverse(ctx context.Context, userID string, bot *models.BotInstance, price float64) (*Result, error) {
	if bot.UserID != userID {
		return nil, fmt.Errorf("bot %s does not belong to user %s", bot.ID, userID)
	}
	if bot.Position.Qty == 0 {
		return &Result{Blocked: true, Reason: "no_position"}, nil
	}

	sig := SignalData{Price: price, Reasoning: "manual reverse", IsAlert: true}
	if bot.Side == models.SideBuy {
		sig.Signal = models.SignalSell
	} else {
		sig.Signal = models.SignalBuy
	}
	return e.Execute(ctx, bot, sig)
}

func (e *Engine) applyOpen(bot *models.BotInstance, side models.Side, f *fill) {
	bot.Side = side
	bot.Position.Qty = f.qty
	bot.Position.AvgPrice = f.price
}

func (e *Engine) applyDCA(bot *models.BotInstance, f *fill) {
	oldQty := bot.Position.Qty
	oldAvg := bot.Position.AvgPrice
	newQty := oldQty + f.qty
	bot.Position.AvgPrice = (oldQty*oldAvg + f.qty*f.price) / newQty
	bot.Position.Qty = newQty
}

func (e *Engine) applyClose(bot *models.BotInstance, realized float64) {
	bot.Position.Qty = 0
	bot.Position.AvgPrice = 0
	bot.Side = models.SideNone
	bot.TotalPnL += realized
}

func (e *Engine) record(ctx context.Context, bot *models.BotInstance, side models.Side, action string, f *fill, pnl float64, reason string) (*models.Trade, error) {
	trade := &models.Trade{
		BotID:  bot.ID,
		UserID: bot.UserID,
		Symbol: bot.Symbol,
		Side:   side,
		Action: action,
		Price:  decimal.NewFromFloat(f.price),
		Amount: decimal.NewFromFloat(f.qty * f.price),
		Qty:    decimal.NewFromFloat(f.qty),
		PnL:    decimal.NewFromFloat(pnl),
		Mode:   bot.Mode,
		Reason: reason,
	}
	if err := e.store.RecordTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("failed to record trade: %w", err)
	}
	e.notifier.TradeExecuted(trade)
	return trade, nil
}

func classify(bot *models.BotInstance, side models.Side) Action {
	switch {
	case bot.Position.Qty == 0:
		return ActionOpen
	case bot.Side == side:
		return ActionDCA
	default:
		return ActionFlip
	}
}

// unrealizedPct is sign-adjusted: losing longs and losing shorts both
// go negative.
func unrealizedPct(bot *models.BotInstance, price float64) float64 {
	avg := bot.Position.AvgPrice
	if avg <= 0 {
		return 0
	}
	pct := (price - avg) / avg * 100
	if bot.Side == models.SideSell {
		pct = -pct
	}
	return pct
}

func direction(side models.Side) string {
	if side == models.SideBuy {
		return "LONG"
	}
	return "SHORT"
}

func invariantBreach(bot *models.BotInstance) string {
	if bot.Position.Qty < 0 {
		return "negative position qty"
	}
	if bot.Position.Qty == 0 && bot.Side != models.SideNone {
		return "flat bot with residual side"
	}
	if bot.Position.Qty > 0 && bot.Side == models.SideNone {
		return "position without side"
	}
	return ""
}
