package telegram

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/jikey8911/signalkey/internal/adapters/config"
	"github.com/jikey8911/signalkey/pkg/logger"
	"github.com/jikey8911/signalkey/pkg/models"
)

// ChatSource resolves the user's alert chat. Implemented by
// users.Repository.
type ChatSource interface {
	GetTelegramChatID(ctx context.Context, userID string) (int64, error)
}

// Notifier pushes trade and signal alerts to users' telegram chats.
// Delivery is best effort; a failed send is logged and reported, never
// retried.
type Notifier struct {
	api       *tgbotapi.BotAPI
	chats     ChatSource
	cfg       *config.TelegramConfig
	templates *templateSet
}

// NewNotifier creates the notifier. Returns an error when the token is
// missing; callers skip construction when telegram is disabled.
func NewNotifier(cfg *config.TelegramConfig, chats ChatSource) (*Notifier, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}
	api.Debug = false

	templates, err := newTemplateSet()
	if err != nil {
		return nil, err
	}

	logger.Info("telegram notifier initialized",
		zap.String("bot_username", api.Self.UserName),
	)

	return &Notifier{api: api, chats: chats, cfg: cfg, templates: templates}, nil
}

// SendTradeAlert notifies the bot owner about one executed trade.
func (n *Notifier) SendTradeAlert(ctx context.Context, userID, botName string, trade *models.Trade) error {
	chatID, err := n.chats.GetTelegramChatID(ctx, userID)
	if err != nil {
		return err
	}
	if chatID == 0 {
		return nil
	}

	pnl, _ := trade.PnL.Float64()
	price, _ := trade.Price.Float64()
	qty, _ := trade.Qty.Float64()

	msg, err := n.templates.render("trade_alert", map[string]interface{}{
		"Emoji":   tradeEmoji(trade.Action, pnl),
		"BotName": botName,
		"Action":  trade.Action,
		"Symbol":  trade.Symbol,
		"Qty":     qty,
		"Price":   price,
		"HasPnL":  pnl != 0,
		"PnL":     pnl,
		"PnLSign": pnlSign(pnl),
		"Time":    trade.CreatedAt.UTC().Format("15:04:05"),
	})
	if err != nil {
		return err
	}
	return n.sendMarkdown(chatID, msg)
}

// SendSignalLaunched notifies the user that a signal bot started
// waiting for its entry. Sent to the chat the signal came from.
func (n *Notifier) SendSignalLaunched(ctx context.Context, bot *models.TelegramBot) error {
	chatID, ok := n.chatFor(ctx, bot)
	if !ok {
		return nil
	}

	msg, err := n.templates.render("signal_launched", map[string]interface{}{
		"Symbol":     bot.Symbol,
		"Side":       string(bot.Side),
		"Entry":      bot.Config.EntryPrice,
		"StopLoss":   bot.Config.StopLoss,
		"Investment": bot.Config.Investment,
		"Mode":       string(bot.Mode),
	})
	if err != nil {
		return err
	}
	return n.sendMarkdown(chatID, msg)
}

// SendSignalClosed notifies the user that a signal bot reached a
// terminal state.
func (n *Notifier) SendSignalClosed(ctx context.Context, bot *models.TelegramBot) error {
	chatID, ok := n.chatFor(ctx, bot)
	if !ok {
		return nil
	}

	emoji := "🏁"
	switch {
	case bot.UnrealizedPnLPct > 0:
		emoji = "✅"
	case bot.UnrealizedPnLPct < 0:
		emoji = "❌"
	}

	msg, err := n.templates.render("signal_closed", map[string]interface{}{
		"Emoji":   emoji,
		"Symbol":  bot.Symbol,
		"Reason":  bot.ExitReason,
		"HasPnL":  bot.Status != models.TGCancelled,
		"PnLPct":  bot.UnrealizedPnLPct,
		"PnLSign": pnlSign(bot.UnrealizedPnLPct),
	})
	if err != nil {
		return err
	}
	return n.sendMarkdown(chatID, msg)
}

// chatFor prefers the chat the signal arrived in, falling back to the
// user's linked alert chat.
func (n *Notifier) chatFor(ctx context.Context, bot *models.TelegramBot) (int64, bool) {
	if bot.ChatID != "" {
		if chatID, err := strconv.ParseInt(bot.ChatID, 10, 64); err == nil && chatID != 0 {
			return chatID, true
		}
	}

	chatID, err := n.chats.GetTelegramChatID(ctx, bot.UserID)
	if err != nil {
		logger.Warn("failed to resolve alert chat",
			zap.String("user_id", bot.UserID),
			zap.Error(err),
		)
		return 0, false
	}
	return chatID, chatID != 0
}

func (n *Notifier) sendMarkdown(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "Markdown"

	if _, err := n.api.Send(msg); err != nil {
		logger.Error("failed to send telegram message",
			zap.Int64("chat_id", chatID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func tradeEmoji(action string, pnl float64) string {
	switch {
	case pnl > 0:
		return "💚"
	case pnl < 0:
		return "💔"
	}
	switch action {
	case "OPEN_LONG":
		return "📈"
	case "OPEN_SHORT":
		return "📉"
	default:
		return "🤖"
	}
}

func pnlSign(v float64) string {
	if v > 0 {
		return "+"
	}
	return ""
}
