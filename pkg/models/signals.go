package models

import "time"

// SignalStatus is the lifecycle of an inbound external signal.
// Terminal rows are never mutated again.
type SignalStatus string

const (
	SignalProcessing     SignalStatus = "PROCESSING"
	SignalAccepted       SignalStatus = "ACCEPTED"
	SignalRejected       SignalStatus = "REJECTED"
	SignalRejectedUnsafe SignalStatus = "REJECTED_UNSAFE"
	SignalExecuting      SignalStatus = "EXECUTING"
	SignalCompleted      SignalStatus = "COMPLETED"
	SignalFailed         SignalStatus = "FAILED"
	SignalCancelled      SignalStatus = "CANCELLED"
)

// ExternalSignal is one raw inbound signal and its analysis outcome.
type ExternalSignal struct {
	ID               string       `json:"id" db:"id"`
	UserID           string       `json:"user_id" db:"user_id"`
	Source           string       `json:"source" db:"source"`
	RawText          string       `json:"raw_text" db:"raw_text"`
	Status           SignalStatus `json:"status" db:"status"`
	Symbol           string       `json:"symbol" db:"symbol"`
	Decision         string       `json:"decision" db:"decision"`
	Confidence       float64      `json:"confidence" db:"confidence"`
	TradeID          string       `json:"trade_id" db:"trade_id"`
	ExecutionMessage string       `json:"execution_message" db:"execution_message"`
	CreatedAt        time.Time    `json:"created_at" db:"created_at"`
}

// TelegramBotStatus is the per-signal bot lifecycle.
type TelegramBotStatus string

const (
	TGWaitingEntry TelegramBotStatus = "WAITING_ENTRY"
	TGActive       TelegramBotStatus = "ACTIVE"
	TGClosed       TelegramBotStatus = "CLOSED"
	TGExpired      TelegramBotStatus = "EXPIRED"
	TGCancelled    TelegramBotStatus = "CANCELLED"
)

// TakeProfit is one rung of the TP ladder in a telegram bot config.
type TakeProfit struct {
	Price   float64 `json:"price"`
	Percent float64 `json:"percent"`
	Status  string  `json:"status"`
}

// TelegramBotConfig is the trade-plan snapshot taken at creation.
type TelegramBotConfig struct {
	EntryPrice  float64      `json:"entry_price"`
	StopLoss    float64      `json:"stop_loss"`
	TakeProfits []TakeProfit `json:"take_profits"`
	Leverage    int          `json:"leverage,omitempty"`
	Investment  float64      `json:"investment,omitempty"`
}

// TelegramBot is the 1:1 bot synthesized for one accepted signal.
type TelegramBot struct {
	ID               string            `json:"id" db:"id"`
	UserID           string            `json:"user_id" db:"user_id"`
	Source           string            `json:"source" db:"source"`
	ChatID           string            `json:"chat_id" db:"chat_id"`
	Symbol           string            `json:"symbol" db:"symbol"`
	Side             Side              `json:"side" db:"side"`
	MarketType       MarketType        `json:"market_type" db:"market_type"`
	ExchangeID       string            `json:"exchange_id" db:"exchange_id"`
	Mode             TradeMode         `json:"mode" db:"mode"`
	Status           TelegramBotStatus `json:"status" db:"status"`
	Config           TelegramBotConfig `json:"config"`
	ActualEntryPrice float64           `json:"actual_entry_price" db:"actual_entry_price"`
	UnrealizedPnLPct float64           `json:"unrealized_pnl_pct" db:"unrealized_pnl_pct"`
	ExitReason       string            `json:"exit_reason" db:"exit_reason"`
	ExpiresAt        *time.Time        `json:"expires_at,omitempty" db:"expires_at"`
	ExpiryHandledAt  *time.Time        `json:"expiry_handled_at,omitempty" db:"expiry_handled_at"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
}

// TradeItemKind distinguishes entry, stop-loss and take-profit items.
type TradeItemKind string

const (
	ItemEntry TradeItemKind = "ENTRY"
	ItemSL    TradeItemKind = "SL"
	ItemTP    TradeItemKind = "TP"
)

// TradeItemStatus is the monitoring state of one trade item.
type TradeItemStatus string

const (
	ItemActive    TradeItemStatus = "ACTIVE"
	ItemPending   TradeItemStatus = "PENDING"
	ItemHit       TradeItemStatus = "HIT"
	ItemCancelled TradeItemStatus = "CANCELLED"
)

// TelegramTradeItem is one monitored price level of a telegram bot.
// TP percents of a bot must sum to 100.
type TelegramTradeItem struct {
	ID          string          `json:"id" db:"id"`
	BotID       string          `json:"bot_id" db:"bot_id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Kind        TradeItemKind   `json:"kind" db:"kind"`
	Level       int             `json:"level" db:"level"`
	TargetPrice float64         `json:"target_price" db:"target_price"`
	Percent     float64         `json:"percent" db:"percent"`
	Status      TradeItemStatus `json:"status" db:"status"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// WalletPolicy is the per-user sub-wallet allocation rule set.
type WalletPolicy struct {
	Enabled             bool    `json:"enabled"`
	PerBotAllocationPct float64 `json:"per_bot_allocation_pct"`
	MinAllocationUSDT   float64 `json:"min_allocation_usdt"`
	MaxAllocationUSDT   float64 `json:"max_allocation_usdt"`
}

// AppConfig is the closed set of per-user configuration knobs.
type AppConfig struct {
	UserID                string       `json:"user_id" db:"user_id"`
	IsAutoEnabled         bool         `json:"is_auto_enabled" db:"is_auto_enabled"`
	TradingMode           string       `json:"trading_mode" db:"trading_mode"` // demo | live
	DefaultExchange       string       `json:"default_exchange" db:"default_exchange"`
	CEXMaxAmount          float64      `json:"cex_max_amount" db:"cex_max_amount"`
	DEXMaxAmount          float64      `json:"dex_max_amount" db:"dex_max_amount"`
	MaxActiveBots         int          `json:"max_active_bots" db:"max_active_bots"`
	MaxActiveTelegramBots int          `json:"max_active_telegram_bots" db:"max_active_telegram_bots"`
	WalletPolicy          WalletPolicy `json:"wallet_policy"`
	TelegramAllowChats    []string     `json:"telegram_allow_chats"`
	UpdatedAt             time.Time    `json:"updated_at" db:"updated_at"`
}

// InvestmentLimit returns the max bot amount for a market type.
func (c *AppConfig) InvestmentLimit(market MarketType) float64 {
	if Canonical(string(market)) == CanonicalDEX {
		return c.DEXMaxAmount
	}
	return c.CEXMaxAmount
}
