package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// NewDecimal creates decimal from float64
func NewDecimal(value float64) decimal.Decimal {
	return decimal.NewFromFloat(value)
}

// MarketType identifies the venue class a bot trades on.
type MarketType string

const (
	MarketSpot    MarketType = "SPOT"
	MarketFutures MarketType = "FUTURES"
	MarketDEX     MarketType = "DEX"
)

// CanonicalMarket is the normalized market label used for virtual
// balances and stream keys. Every centralized spelling collapses to CEX.
type CanonicalMarket string

const (
	CanonicalCEX CanonicalMarket = "CEX"
	CanonicalDEX CanonicalMarket = "DEX"
)

// Canonical collapses heterogeneous market spellings into CEX | DEX.
// SPOT, CEX, FUTURES, SWAP and PERP in any casing map to CEX.
func Canonical(market string) CanonicalMarket {
	switch upper(market) {
	case "DEX":
		return CanonicalDEX
	default:
		return CanonicalCEX
	}
}

func upper(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'a' && b[i] <= 'z' {
			b[i] -= 'a' - 'A'
		}
	}
	return string(b)
}

// TradeMode separates simulated and real execution.
type TradeMode string

const (
	ModeSimulated TradeMode = "SIMULATED"
	ModeReal      TradeMode = "REAL"
)

// BotStatus represents current bot state
type BotStatus string

const (
	BotActive  BotStatus = "ACTIVE"
	BotPaused  BotStatus = "PAUSED"
	BotStopped BotStatus = "STOPPED"
)

// Side represents the direction of a held position or an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
	SideNone Side = "NONE"
)

// Opposite returns the flipped side. NONE flips to NONE.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideNone
	}
}

// Signal is the tagged strategy decision variant.
type Signal int

const (
	SignalWait Signal = iota
	SignalBuy
	SignalSell
)

func (s Signal) String() string {
	switch s {
	case SignalBuy:
		return "BUY"
	case SignalSell:
		return "SELL"
	default:
		return "WAIT"
	}
}

// Side maps an actionable signal to the order side it implies.
func (s Signal) Side() Side {
	switch s {
	case SignalBuy:
		return SideBuy
	case SignalSell:
		return SideSell
	default:
		return SideNone
	}
}

// User is created externally; the core only needs the stable owner id.
type User struct {
	ID        string    `json:"id" db:"id"`
	OpenID    string    `json:"open_id" db:"open_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ExchangeCredential holds per-user API keys for one exchange.
// At most one active row per (user, exchange).
type ExchangeCredential struct {
	ID         string    `json:"id" db:"id"`
	UserID     string    `json:"user_id" db:"user_id"`
	ExchangeID string    `json:"exchange_id" db:"exchange_id"`
	APIKey     string    `json:"api_key" db:"api_key"`
	Secret     string    `json:"secret" db:"secret"`
	Passphrase string    `json:"passphrase" db:"passphrase"`
	UID        string    `json:"uid" db:"uid"`
	Active     bool      `json:"active" db:"active"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// PositionState is the position snapshot embedded in a bot instance.
// Qty == 0 always implies Side == NONE on the bot.
type PositionState struct {
	Qty      float64 `json:"qty" db:"position_qty"`
	AvgPrice float64 `json:"avg_price" db:"position_avg_price"`
}

// BotInstance is the unit the execution engine operates on.
type BotInstance struct {
	ID              string        `json:"id" db:"id"`
	UserID          string        `json:"user_id" db:"user_id"`
	Name            string        `json:"name" db:"name"`
	Symbol          string        `json:"symbol" db:"symbol"`
	Timeframe       string        `json:"timeframe" db:"timeframe"`
	MarketType      MarketType    `json:"market_type" db:"market_type"`
	ExchangeID      string        `json:"exchange_id" db:"exchange_id"`
	StrategyName    string        `json:"strategy_name" db:"strategy_name"`
	Mode            TradeMode     `json:"mode" db:"mode"`
	Status          BotStatus     `json:"status" db:"status"`
	Amount          float64       `json:"amount" db:"amount"`
	Side            Side          `json:"side" db:"side"`
	Position        PositionState `json:"position"`
	WalletAllocated float64       `json:"wallet_allocated" db:"wallet_allocated"`
	WalletAvailable float64       `json:"wallet_available" db:"wallet_available"`
	WalletRealized  float64       `json:"wallet_realized_pnl" db:"wallet_realized_pnl"`
	TotalPnL        float64       `json:"total_pnl" db:"total_pnl"`
	LastCandleTs    *time.Time    `json:"last_candle_ts,omitempty" db:"last_candle_ts"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
}

// QuoteAsset returns the quote currency of the bot's symbol.
func (b *BotInstance) QuoteAsset() string {
	for i := len(b.Symbol) - 1; i >= 0; i-- {
		if b.Symbol[i] == '/' {
			return b.Symbol[i+1:]
		}
	}
	return "USDT"
}

// VirtualBalance is one simulated-funds row. Unique per
// (user, canonical market, asset).
type VirtualBalance struct {
	ID         string          `json:"id" db:"id"`
	UserID     string          `json:"user_id" db:"user_id"`
	MarketType CanonicalMarket `json:"market_type" db:"market_type"`
	Asset      string          `json:"asset" db:"asset"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// PositionStatus for canonical live positions.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// Position is the canonical live position row. BotID is unique among
// OPEN rows.
type Position struct {
	ID             string         `json:"id" db:"id"`
	BotID          string         `json:"bot_id" db:"bot_id"`
	UserID         string         `json:"user_id" db:"user_id"`
	Symbol         string         `json:"symbol" db:"symbol"`
	Side           Side           `json:"side" db:"side"`
	CurrentQty     float64        `json:"current_qty" db:"current_qty"`
	AvgEntryPrice  float64        `json:"avg_entry_price" db:"avg_entry_price"`
	InvestedAmount float64        `json:"invested_amount" db:"invested_amount"`
	RealizedPnL    float64        `json:"realized_pnl" db:"realized_pnl"`
	ROI            float64        `json:"roi" db:"roi"`
	Status         PositionStatus `json:"status" db:"status"`
	FinalPnL       *float64       `json:"final_pnl,omitempty" db:"final_pnl"`
	OpenedAt       time.Time      `json:"opened_at" db:"opened_at"`
	ClosedAt       *time.Time     `json:"closed_at,omitempty" db:"closed_at"`
}

// Trade is the immutable execution audit row.
type Trade struct {
	ID        string          `json:"id" db:"id"`
	BotID     string          `json:"bot_id" db:"bot_id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Side      Side            `json:"side" db:"side"`
	Action    string          `json:"action" db:"action"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Qty       decimal.Decimal `json:"qty" db:"qty"`
	PnL       decimal.Decimal `json:"pnl" db:"pnl"`
	Mode      TradeMode       `json:"mode" db:"mode"`
	Reason    string          `json:"reason" db:"reason"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Ticker represents market ticker data
type Ticker struct {
	Symbol    string    `json:"symbol"`
	Last      float64   `json:"last"`
	Timestamp time.Time `json:"timestamp"`
}

// Candle represents OHLCV candlestick data
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Order is the fill report returned by an exchange.
type Order struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	AvgFillPrice float64   `json:"avg_fill_price"`
	FilledQty    float64   `json:"filled_qty"`
	Timestamp    time.Time `json:"timestamp"`
}

// AssetBalance is one currency row of an exchange balance.
type AssetBalance struct {
	Asset string  `json:"asset"`
	Free  float64 `json:"free"`
	Used  float64 `json:"used"`
	Total float64 `json:"total"`
}

// Balance represents an account balance keyed by asset.
type Balance struct {
	Assets map[string]AssetBalance `json:"assets"`
}

// Free returns the free amount of one asset, zero when absent.
func (b *Balance) Free(asset string) float64 {
	if b == nil {
		return 0
	}
	return b.Assets[asset].Free
}

// Market describes one tradable pair.
type Market struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
	Active bool   `json:"active"`
}

// FeatureRow is one candle augmented with computed strategy features.
type FeatureRow struct {
	Candle   Candle             `json:"candle"`
	Features map[string]float64 `json:"features"`
	Signal   Signal             `json:"signal"`
}

// FeatureState is the persisted per-bot snapshot of the last 120
// candles and their computed features.
type FeatureState struct {
	BotID          string             `json:"bot_id" db:"bot_id"`
	StrategyName   string             `json:"strategy_name" db:"strategy_name"`
	Symbol         string             `json:"symbol" db:"symbol"`
	Timeframe      string             `json:"timeframe" db:"timeframe"`
	MarketType     MarketType         `json:"market_type" db:"market_type"`
	Features       []string           `json:"features"`
	LatestFeatures map[string]float64 `json:"latest_features"`
	Window         []FeatureRow       `json:"window"`
	LastCandleTs   *time.Time         `json:"last_candle_ts,omitempty" db:"last_candle_ts"`
	UpdatedAt      time.Time          `json:"updated_at" db:"updated_at"`
}
