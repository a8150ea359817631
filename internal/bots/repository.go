package bots

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jikey8911/signalkey/internal/adapters/database"
	"github.com/jikey8911/signalkey/pkg/models"
)

// Repository persists bot instances, positions and the trade audit log.
type Repository struct {
	db *database.DB
}

// NewRepository creates new bot repository
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

const botColumns = `
	id, user_id, name, symbol, timeframe, market_type, exchange_id,
	strategy_name, mode, status, amount, side, position_qty,
	position_avg_price, wallet_allocated, wallet_available,
	wallet_realized_pnl, total_pnl, last_candle_ts, created_at`

// CreateBot inserts a new bot instance and returns it with its id set.
func (r *Repository) CreateBot(ctx context.Context, bot *models.BotInstance) error {
	if bot.ID == "" {
		bot.ID = uuid.New().String()
	}
	if bot.Status == "" {
		bot.Status = models.BotActive
	}
	if bot.Side == "" {
		bot.Side = models.SideNone
	}
	bot.CreatedAt = time.Now().UTC()

	_, err := r.db.Conn().ExecContext(ctx, `
		INSERT INTO bot_instances (`+botColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17, $18, $19, $20)
	`,
		bot.ID, bot.UserID, bot.Name, bot.Symbol, bot.Timeframe,
		string(bot.MarketType), bot.ExchangeID, bot.StrategyName,
		string(bot.Mode), string(bot.Status), bot.Amount, string(bot.Side),
		bot.Position.Qty, bot.Position.AvgPrice, bot.WalletAllocated,
		bot.WalletAvailable, bot.WalletRealized, bot.TotalPnL,
		bot.LastCandleTs, bot.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}
	return nil
}

// GetBot loads one bot by id; nil when absent.
func (r *Repository) GetBot(ctx context.Context, botID string) (*models.BotInstance, error) {
	row := r.db.Conn().QueryRowContext(ctx, `
		SELECT `+botColumns+` FROM bot_instances WHERE id = $1
	`, botID)

	bot, err := scanBot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bot: %w", err)
	}
	return bot, nil
}

// ListActiveBots returns every ACTIVE bot, for boot recovery.
func (r *Repository) ListActiveBots(ctx context.Context) ([]*models.BotInstance, error) {
	return r.listBots(ctx, `
		SELECT `+botColumns+` FROM bot_instances
		WHERE status = $1 ORDER BY created_at
	`, string(models.BotActive))
}

// ListUserBots returns every bot owned by one user.
func (r *Repository) ListUserBots(ctx context.Context, userID string) ([]*models.BotInstance, error) {
	return r.listBots(ctx, `
		SELECT `+botColumns+` FROM bot_instances
		WHERE user_id = $1 ORDER BY created_at
	`, userID)
}

// CountActiveBots counts ACTIVE bots of one user, for creation limits.
func (r *Repository) CountActiveBots(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.Conn().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bot_instances
		WHERE user_id = $1 AND status = $2
	`, userID, string(models.BotActive)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active bots: %w", err)
	}
	return n, nil
}

// UpdateBotState persists the mutable runtime fields after execution.
func (r *Repository) UpdateBotState(ctx context.Context, bot *models.BotInstance) error {
	_, err := r.db.Conn().ExecContext(ctx, `
		UPDATE bot_instances SET
			status = $2,
			side = $3,
			position_qty = $4,
			position_avg_price = $5,
			wallet_allocated = $6,
			wallet_available = $7,
			wallet_realized_pnl = $8,
			total_pnl = $9,
			last_candle_ts = $10
		WHERE id = $1
	`,
		bot.ID, string(bot.Status), string(bot.Side),
		bot.Position.Qty, bot.Position.AvgPrice,
		bot.WalletAllocated, bot.WalletAvailable, bot.WalletRealized,
		bot.TotalPnL, bot.LastCandleTs,
	)
	if err != nil {
		return fmt.Errorf("failed to update bot state: %w", err)
	}
	return nil
}

// SetBotStatus flips only the status column.
func (r *Repository) SetBotStatus(ctx context.Context, botID string, status models.BotStatus) error {
	_, err := r.db.Conn().ExecContext(ctx, `
		UPDATE bot_instances SET status = $2 WHERE id = $1
	`, botID, string(status))
	if err != nil {
		return fmt.Errorf("failed to set bot status: %w", err)
	}
	return nil
}

func (r *Repository) listBots(ctx context.Context, query string, args ...interface{}) ([]*models.BotInstance, error) {
	rows, err := r.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bots: %w", err)
	}
	defer rows.Close()

	var out []*models.BotInstance
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bot: %w", err)
		}
		out = append(out, bot)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBot(row rowScanner) (*models.BotInstance, error) {
	var (
		bot    models.BotInstance
		market string
		mode   string
		status string
		side   string
	)
	err := row.Scan(
		&bot.ID, &bot.UserID, &bot.Name, &bot.Symbol, &bot.Timeframe,
		&market, &bot.ExchangeID, &bot.StrategyName, &mode, &status,
		&bot.Amount, &side, &bot.Position.Qty, &bot.Position.AvgPrice,
		&bot.WalletAllocated, &bot.WalletAvailable, &bot.WalletRealized,
		&bot.TotalPnL, &bot.LastCandleTs, &bot.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	bot.MarketType = models.MarketType(market)
	bot.Mode = models.TradeMode(mode)
	bot.Status = models.BotStatus(status)
	bot.Side = models.Side(side)
	return &bot, nil
}

// OpenPosition inserts an OPEN position row for a bot. The partial
// unique index on (bot_id) WHERE status = 'OPEN' enforces one open
// position per bot.
func (r *Repository) OpenPosition(ctx context.Context, pos *models.Position) error {
	if pos.ID == "" {
		pos.ID = uuid.New().String()
	}
	pos.Status = models.PositionOpen
	pos.OpenedAt = time.Now().UTC()

	_, err := r.db.Conn().ExecContext(ctx, `
		INSERT INTO positions (
			id, bot_id, user_id, symbol, side, current_qty,
			avg_entry_price, invested_amount, realized_pnl, roi,
			status, opened_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		pos.ID, pos.BotID, pos.UserID, pos.Symbol, string(pos.Side),
		pos.CurrentQty, pos.AvgEntryPrice, pos.InvestedAmount,
		pos.RealizedPnL, pos.ROI, string(pos.Status), pos.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to open position: %w", err)
	}
	return nil
}

// GetOpenPosition loads the single OPEN position of a bot; nil when flat.
func (r *Repository) GetOpenPosition(ctx context.Context, botID string) (*models.Position, error) {
	var (
		pos    models.Position
		side   string
		status string
	)
	err := r.db.Conn().QueryRowContext(ctx, `
		SELECT id, bot_id, user_id, symbol, side, current_qty,
		       avg_entry_price, invested_amount, realized_pnl, roi,
		       status, final_pnl, opened_at, closed_at
		FROM positions
		WHERE bot_id = $1 AND status = $2
	`, botID, string(models.PositionOpen)).Scan(
		&pos.ID, &pos.BotID, &pos.UserID, &pos.Symbol, &side,
		&pos.CurrentQty, &pos.AvgEntryPrice, &pos.InvestedAmount,
		&pos.RealizedPnL, &pos.ROI, &status, &pos.FinalPnL,
		&pos.OpenedAt, &pos.ClosedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open position: %w", err)
	}
	pos.Side = models.Side(side)
	pos.Status = models.PositionStatus(status)
	return &pos, nil
}

// UpdatePosition persists the mutable fields of an open position.
func (r *Repository) UpdatePosition(ctx context.Context, pos *models.Position) error {
	_, err := r.db.Conn().ExecContext(ctx, `
		UPDATE positions SET
			side = $2,
			current_qty = $3,
			avg_entry_price = $4,
			invested_amount = $5,
			realized_pnl = $6,
			roi = $7
		WHERE id = $1
	`,
		pos.ID, string(pos.Side), pos.CurrentQty, pos.AvgEntryPrice,
		pos.InvestedAmount, pos.RealizedPnL, pos.ROI,
	)
	if err != nil {
		return fmt.Errorf("failed to update position: %w", err)
	}
	return nil
}

// ClosePosition marks a position CLOSED with its final pnl.
func (r *Repository) ClosePosition(ctx context.Context, positionID string, finalPnL float64) error {
	_, err := r.db.Conn().ExecContext(ctx, `
		UPDATE positions SET
			status = $2,
			current_qty = 0,
			final_pnl = $3,
			closed_at = $4
		WHERE id = $1
	`, positionID, string(models.PositionClosed), finalPnL, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to close position: %w", err)
	}
	return nil
}

// RecordTrade appends one immutable trade audit row.
func (r *Repository) RecordTrade(ctx context.Context, trade *models.Trade) error {
	if trade.ID == "" {
		trade.ID = uuid.New().String()
	}
	trade.CreatedAt = time.Now().UTC()

	_, err := r.db.Conn().ExecContext(ctx, `
		INSERT INTO trades (
			id, bot_id, user_id, symbol, side, action, price, amount,
			qty, pnl, mode, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		trade.ID, trade.BotID, trade.UserID, trade.Symbol,
		string(trade.Side), trade.Action, trade.Price.String(),
		trade.Amount.String(), trade.Qty.String(), trade.PnL.String(),
		string(trade.Mode), trade.Reason, trade.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record trade: %w", err)
	}
	return nil
}

// ListTrades returns the trade history of one bot, newest first.
func (r *Repository) ListTrades(ctx context.Context, botID string, limit int) ([]models.Trade, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT id, bot_id, user_id, symbol, side, action, price, amount,
		       qty, pnl, mode, reason, created_at
		FROM trades
		WHERE bot_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var out []models.Trade
	for rows.Next() {
		var (
			t                      models.Trade
			side, mode             string
			price, amount, qty, pl string
		)
		if err := rows.Scan(
			&t.ID, &t.BotID, &t.UserID, &t.Symbol, &side, &t.Action,
			&price, &amount, &qty, &pl, &mode, &t.Reason, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.Side = models.Side(side)
		t.Mode = models.TradeMode(mode)
		if t.Price, err = parseDecimal(price); err != nil {
			return nil, err
		}
		if t.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		if t.Qty, err = parseDecimal(qty); err != nil {
			return nil, err
		}
		if t.PnL, err = parseDecimal(pl); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
