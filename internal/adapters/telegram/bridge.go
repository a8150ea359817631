package telegram

import (
	"context"
	"time"

	"github.com/jikey8911/signalkey/pkg/models"
)

const sendTimeout = 15 * time.Second

// Sink is the downstream event surface the bridge forwards to,
// implemented by the notification bus.
type Sink interface {
	BotUpdate(bot *models.BotInstance)
	TradeExecuted(trade *models.Trade)
	SignalNew(userID string, sig *models.ExternalSignal)
	SignalUpdate(userID string, sig *models.ExternalSignal)
	TelegramTradeNew(userID string, bot *models.TelegramBot)
	TelegramTradeUpdate(userID string, bot *models.TelegramBot)
}

// Bridge forwards execution and signal events to the bus and mirrors
// the user-facing ones to telegram. Telegram sends run detached so a
// slow API call never stalls an execution path.
type Bridge struct {
	sink     Sink
	notifier *Notifier
}

// NewBridge wires telegram mirroring in front of a sink.
func NewBridge(sink Sink, notifier *Notifier) *Bridge {
	return &Bridge{sink: sink, notifier: notifier}
}

// BotUpdate passes through untouched.
func (b *Bridge) BotUpdate(bot *models.BotInstance) {
	b.sink.BotUpdate(bot)
}

// TradeExecuted forwards the event and alerts the trade's owner.
func (b *Bridge) TradeExecuted(trade *models.Trade) {
	b.sink.TradeExecuted(trade)

	t := *trade
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		_ = b.notifier.SendTradeAlert(ctx, t.UserID, t.Symbol, &t)
	}()
}

// SignalNew passes through untouched; signal documents are not
// mirrored to telegram.
func (b *Bridge) SignalNew(userID string, sig *models.ExternalSignal) {
	b.sink.SignalNew(userID, sig)
}

// SignalUpdate passes through untouched.
func (b *Bridge) SignalUpdate(userID string, sig *models.ExternalSignal) {
	b.sink.SignalUpdate(userID, sig)
}

// TelegramTradeNew forwards the event and announces the launched
// signal bot to its owner.
func (b *Bridge) TelegramTradeNew(userID string, bot *models.TelegramBot) {
	b.sink.TelegramTradeNew(userID, bot)

	cp := *bot
	if cp.Status != models.TGWaitingEntry {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		_ = b.notifier.SendSignalLaunched(ctx, &cp)
	}()
}

// TelegramTradeUpdate forwards the event and mirrors terminal
// transitions. Per-tick pnl updates stay off telegram.
func (b *Bridge) TelegramTradeUpdate(userID string, bot *models.TelegramBot) {
	b.sink.TelegramTradeUpdate(userID, bot)

	cp := *bot
	switch cp.Status {
	case models.TGClosed, models.TGExpired, models.TGCancelled:
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			_ = b.notifier.SendSignalClosed(ctx, &cp)
		}()
	}
}
