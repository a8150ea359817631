package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jikey8911/signalkey/pkg/logger"
	"github.com/jikey8911/signalkey/pkg/models"
)

// AllocateSubWallet carves a per-bot slice out of the user's global
// quote balance at bot creation. Simulated bots only; a no-op when the
// policy is disabled.
func (e *Engine) AllocateSubWallet(ctx context.Context, bot *models.BotInstance, policy models.WalletPolicy) error {
	if !policy.Enabled || bot.Mode != models.ModeSimulated {
		return nil
	}

	unlock := e.lockBot(bot.ID)
	defer unlock()

	quote := bot.QuoteAsset()
	global, err := e.ledger.Get(ctx, bot.UserID, bot.MarketType, quote)
	if err != nil {
		return fmt.Errorf("failed to read global balance: %w", err)
	}

	allocated := clamp(global*policy.PerBotAllocationPct/100, policy.MinAllocationUSDT, policy.MaxAllocationUSDT)
	if allocated > global {
		return fmt.Errorf("global balance %v cannot fund allocation %v", global, allocated)
	}

	if _, err := e.ledger.Add(ctx, bot.UserID, bot.MarketType, quote, -allocated); err != nil {
		return fmt.Errorf("failed to move allocation: %w", err)
	}

	bot.WalletAllocated = allocated
	bot.WalletAvailable = allocated
	if err := e.store.UpdateBotState(ctx, bot); err != nil {
		// Return the funds rather than leaving them orphaned.
		if _, undoErr := e.ledger.Add(ctx, bot.UserID, bot.MarketType, quote, allocated); undoErr != nil {
			logger.Error("failed to undo sub-wallet allocation",
				zap.String("bot_id", bot.ID),
				zap.Error(undoErr),
			)
		}
		bot.WalletAllocated = 0
		bot.WalletAvailable = 0
		return fmt.Errorf("failed to persist allocation: %w", err)
	}

	logger.Info("sub-wallet allocated",
		zap.String("bot_id", bot.ID),
		zap.Float64("allocated", allocated),
	)
	return nil
}

// ReleaseSubWallet returns the remaining sub-wallet funds, including
// booked pnl, to the global balance. Called on bot deletion.
func (e *Engine) ReleaseSubWallet(ctx context.Context, bot *models.BotInstance) error {
	if bot.WalletAllocated == 0 {
		return nil
	}

	unlock := e.lockBot(bot.ID)
	defer unlock()

	remaining := bot.WalletAvailable
	if _, err := e.ledger.Add(ctx, bot.UserID, bot.MarketType, bot.QuoteAsset(), remaining); err != nil {
		return fmt.Errorf("failed to release sub-wallet: %w", err)
	}

	bot.WalletAllocated = 0
	bot.WalletAvailable = 0
	bot.WalletRealized = 0
	return e.store.UpdateBotState(ctx, bot)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
