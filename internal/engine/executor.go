package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jikey8911/signalkey/pkg/logger"
	"github.com/jikey8911/signalkey/pkg/models"
)

// fill is the normalized outcome of one executed order leg. breach is
// set when the leg completed but left the funding source in an illegal
// state, such as an overdrawn virtual balance.
type fill struct {
	price  float64
	qty    float64
	breach string
}

// executor is the mode-specific half of the engine: funds checks,
// order legs and compensation. The simulated and live variants are
// separate types so mode never branches inside the state machine.
type executor interface {
	hasFunds(ctx context.Context, bot *models.BotInstance, amount float64) (bool, error)
	open(ctx context.Context, bot *models.BotInstance, side models.Side, price float64) (*fill, error)
	close(ctx context.Context, bot *models.BotInstance, price, qty float64) (*fill, float64, error)
	compensate(ctx context.Context, bot *models.BotInstance, amount float64)
}

// simExecutor trades against the virtual ledger. Bots with a
// sub-wallet allocation spend only their own slice.
type simExecutor struct {
	ledger BalanceLedger
}

func (s *simExecutor) hasFunds(ctx context.Context, bot *models.BotInstance, amount float64) (bool, error) {
	if bot.WalletAllocated > 0 {
		return bot.WalletAvailable >= amount, nil
	}

	available, err := s.ledger.Get(ctx, bot.UserID, bot.MarketType, bot.QuoteAsset())
	if err != nil {
		return false, err
	}
	return available >= amount, nil
}

func (s *simExecutor) open(ctx context.Context, bot *models.BotInstance, side models.Side, price float64) (*fill, error) {
	if price <= 0 {
		return nil, fmt.Errorf("invalid price %v", price)
	}

	balance, err := s.debit(ctx, bot, bot.Amount)
	if err != nil {
		return nil, err
	}

	f := &fill{price: price, qty: bot.Amount / price}
	// The funds gate ran outside the ledger transaction, so a
	// concurrent spend can still overdraw the balance here.
	if balance < 0 {
		f.breach = "negative virtual balance"
	}
	return f, nil
}

// close liquidates qty of the position at price, crediting the
// invested capital plus the realized pnl back to the funding source.
func (s *simExecutor) close(ctx context.Context, bot *models.BotInstance, price, qty float64) (*fill, float64, error) {
	avg := bot.Position.AvgPrice

	realized := (price - avg) * qty
	if bot.Side == models.SideSell {
		realized = -realized
	}

	if err := s.credit(ctx, bot, qty*avg+realized, realized); err != nil {
		return nil, 0, err
	}
	return &fill{price: price, qty: qty}, realized, nil
}

func (s *simExecutor) compensate(ctx context.Context, bot *models.BotInstance, amount float64) {
	if err := s.credit(ctx, bot, amount, 0); err != nil {
		logger.Error("failed to compensate simulated debit",
			zap.String("bot_id", bot.ID),
			zap.Float64("amount", amount),
			zap.Error(err),
		)
	}
}

// debit spends amount and reports the remaining balance of the
// funding source.
func (s *simExecutor) debit(ctx context.Context, bot *models.BotInstance, amount float64) (float64, error) {
	if bot.WalletAllocated > 0 {
		if bot.WalletAvailable < amount {
			return bot.WalletAvailable, fmt.Errorf("sub-wallet exhausted: %v < %v", bot.WalletAvailable, amount)
		}
		bot.WalletAvailable -= amount
		return bot.WalletAvailable, nil
	}

	return s.ledger.Add(ctx, bot.UserID, bot.MarketType, bot.QuoteAsset(), -amount)
}

func (s *simExecutor) credit(ctx context.Context, bot *models.BotInstance, amount, realized float64) error {
	if bot.WalletAllocated > 0 {
		bot.WalletAvailable += amount
		bot.WalletRealized += realized
		return nil
	}

	_, err := s.ledger.Add(ctx, bot.UserID, bot.MarketType, bot.QuoteAsset(), amount)
	return err
}

// liveExecutor submits real market orders through the per-user
// exchange instance.
type liveExecutor struct {
	exchanges ExchangeProvider
}

func (l *liveExecutor) instance(ctx context.Context, bot *models.BotInstance) (exchangeLike, error) {
	if l.exchanges == nil {
		return nil, fmt.Errorf("real trading is not configured")
	}
	ex, err := l.exchanges.ForUser(ctx, bot.UserID, bot.ExchangeID, bot.MarketType)
	if err != nil {
		return nil, err
	}
	return ex, nil
}

func (l *liveExecutor) hasFunds(ctx context.Context, bot *models.BotInstance, amount float64) (bool, error) {
	ex, err := l.instance(ctx, bot)
	if err != nil {
		return false, err
	}

	balance, err := ex.FetchBalance(ctx)
	if err != nil {
		// Missing real balance is a hard fail, not "assume enough".
		return false, fmt.Errorf("failed to read exchange balance: %w", err)
	}
	return balance.Free(bot.QuoteAsset()) >= amount, nil
}

func (l *liveExecutor) open(ctx context.Context, bot *models.BotInstance, side models.Side, price float64) (*fill, error) {
	if price <= 0 {
		return nil, fmt.Errorf("invalid price %v", price)
	}

	ex, err := l.instance(ctx, bot)
	if err != nil {
		return nil, err
	}

	order, err := ex.CreateOrder(ctx, bot.Symbol, side, bot.Amount/price, 0)
	if err != nil {
		return nil, fmt.Errorf("open order failed: %w", err)
	}
	return orderFill(order, price), nil
}

func (l *liveExecutor) close(ctx context.Context, bot *models.BotInstance, price, qty float64) (*fill, float64, error) {
	ex, err := l.instance(ctx, bot)
	if err != nil {
		return nil, 0, err
	}

	order, err := ex.CreateOrder(ctx, bot.Symbol, bot.Side.Opposite(), qty, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("close order failed: %w", err)
	}

	f := orderFill(order, price)
	realized := (f.price - bot.Position.AvgPrice) * f.qty
	if bot.Side == models.SideSell {
		realized = -realized
	}
	return f, realized, nil
}

// Real orders cannot be compensated by crediting a ledger; the fill
// already happened. Log it for the operator.
func (l *liveExecutor) compensate(ctx context.Context, bot *models.BotInstance, amount float64) {
	logger.Error("real order persisted state mismatch, manual review needed",
		zap.String("bot_id", bot.ID),
		zap.Float64("amount", amount),
	)
}

// exchangeLike is the slice of the exchange surface the live executor
// needs; narrowed for test fakes.
type exchangeLike interface {
	FetchBalance(ctx context.Context) (*models.Balance, error)
	CreateOrder(ctx context.Context, symbol string, side models.Side, amount float64, price float64) (*models.Order, error)
}

func orderFill(order *models.Order, fallbackPrice float64) *fill {
	f := &fill{price: order.AvgFillPrice, qty: order.FilledQty}
	if f.price <= 0 {
		f.price = fallbackPrice
	}
	return f
}
