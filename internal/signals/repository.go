package signals

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jikey8911/signalkey/internal/adapters/database"
	"github.com/jikey8911/signalkey/pkg/models"
)

// Repository persists external signals, their synthesized bots and the
// monitored trade items.
type Repository struct {
	db *database.DB
}

// NewRepository creates new signals repository
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// ---- external signals ----

// CreateSignal inserts a raw inbound signal in PROCESSING state.
func (r *Repository) CreateSignal(ctx context.Context, sig *models.ExternalSignal) error {
	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	if sig.Status == "" {
		sig.Status = models.SignalProcessing
	}
	sig.CreatedAt = time.Now().UTC()

	_, err := r.db.Conn().ExecContext(ctx, `
		INSERT INTO external_signals (
			id, user_id, source, raw_text, status, symbol, decision,
			confidence, trade_id, execution_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		sig.ID, sig.UserID, sig.Source, sig.RawText, string(sig.Status),
		sig.Symbol, sig.Decision, sig.Confidence, sig.TradeID,
		sig.ExecutionMessage, sig.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create signal: %w", err)
	}
	return nil
}

// UpdateSignalOutcome records the analysis verdict for one signal.
func (r *Repository) UpdateSignalOutcome(ctx context.Context, signalID string, status models.SignalStatus, symbol, decision, message string, confidence float64) error {
	_, err := r.db.Conn().ExecContext(ctx, `
		UPDATE external_signals SET
			status = $2, symbol = $3, decision = $4,
			execution_message = $5, confidence = $6
		WHERE id = $1
	`, signalID, string(status), symbol, decision, message, confidence)
	if err != nil {
		return fmt.Errorf("failed to update signal: %w", err)
	}
	return nil
}

// SetSignalStatus moves one signal to a new lifecycle status.
func (r *Repository) SetSignalStatus(ctx context.Context, signalID string, status models.SignalStatus) error {
	_, err := r.db.Conn().ExecContext(ctx, `
		UPDATE external_signals SET status = $2 WHERE id = $1
	`, signalID, string(status))
	if err != nil {
		return fmt.Errorf("failed to set signal status: %w", err)
	}
	return nil
}

// GetSignal loads one signal by id; nil when absent.
func (r *Repository) GetSignal(ctx context.Context, signalID string) (*models.ExternalSignal, error) {
	var sig models.ExternalSignal
	var status string
	err := r.db.Conn().QueryRowContext(ctx, `
		SELECT id, user_id, source, raw_text, status, symbol, decision,
		       confidence, trade_id, execution_message, created_at
		FROM external_signals WHERE id = $1
	`, signalID).Scan(
		&sig.ID, &sig.UserID, &sig.Source, &sig.RawText, &status,
		&sig.Symbol, &sig.Decision, &sig.Confidence, &sig.TradeID,
		&sig.ExecutionMessage, &sig.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signal: %w", err)
	}
	sig.Status = models.SignalStatus(status)
	return &sig, nil
}

// ---- telegram bots ----

const tgBotColumns = `
	id, user_id, source, chat_id, symbol, side, market_type, exchange_id,
	mode, status, config, actual_entry_price, unrealized_pnl_pct,
	exit_reason, expires_at, expiry_handled_at, created_at`

// CreateTelegramBot inserts the bot and its trade items in one
// transaction so a half-created plan never becomes visible.
func (r *Repository) CreateTelegramBot(ctx context.Context, bot *models.TelegramBot, items []models.TelegramTradeItem) error {
	if bot.ID == "" {
		bot.ID = uuid.New().String()
	}
	if bot.Status == "" {
		bot.Status = models.TGWaitingEntry
	}
	bot.CreatedAt = time.Now().UTC()

	cfg, err := json.Marshal(bot.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal bot config: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO telegram_bots (`+tgBotColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17)
	`,
		bot.ID, bot.UserID, bot.Source, bot.ChatID, bot.Symbol,
		string(bot.Side), string(bot.MarketType), bot.ExchangeID,
		string(bot.Mode), string(bot.Status), cfg, bot.ActualEntryPrice,
		bot.UnrealizedPnLPct, bot.ExitReason, bot.ExpiresAt,
		bot.ExpiryHandledAt, bot.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create telegram bot: %w", err)
	}

	for i := range items {
		if err := insertItem(ctx, tx, bot, &items[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit telegram bot: %w", err)
	}
	return nil
}

func insertItem(ctx context.Context, tx *sqlx.Tx, bot *models.TelegramBot, item *models.TelegramTradeItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	item.BotID = bot.ID
	item.UserID = bot.UserID
	if item.Status == "" {
		item.Status = models.ItemPending
	}
	item.CreatedAt = time.Now().UTC()

	_, err := tx.ExecContext(ctx, `
		INSERT INTO telegram_trade_items (
			id, bot_id, user_id, kind, level, target_price, percent,
			status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		item.ID, item.BotID, item.UserID, string(item.Kind), item.Level,
		item.TargetPrice, item.Percent, string(item.Status), item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade item: %w", err)
	}
	return nil
}

// GetTelegramBot loads one bot by id; nil when absent.
func (r *Repository) GetTelegramBot(ctx context.Context, botID string) (*models.TelegramBot, error) {
	row := r.db.Conn().QueryRowContext(ctx, `
		SELECT `+tgBotColumns+` FROM telegram_bots WHERE id = $1
	`, botID)

	bot, err := scanTelegramBot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get telegram bot: %w", err)
	}
	return bot, nil
}

// ActiveTelegramBotForSymbol finds a live bot of one user on one pair,
// for signal deduplication. Nil when the pair is free.
func (r *Repository) ActiveTelegramBotForSymbol(ctx context.Context, userID, symbol string) (*models.TelegramBot, error) {
	row := r.db.Conn().QueryRowContext(ctx, `
		SELECT `+tgBotColumns+` FROM telegram_bots
		WHERE user_id = $1 AND symbol = $2 AND status IN ($3, $4)
		LIMIT 1
	`, userID, symbol, string(models.TGWaitingEntry), string(models.TGActive))

	bot, err := scanTelegramBot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active bot for symbol: %w", err)
	}
	return bot, nil
}

// CountActiveTelegramBots counts live bots of one user, for caps.
func (r *Repository) CountActiveTelegramBots(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.Conn().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM telegram_bots
		WHERE user_id = $1 AND status IN ($2, $3)
	`, userID, string(models.TGWaitingEntry), string(models.TGActive)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active telegram bots: %w", err)
	}
	return n, nil
}

// ListLiveTelegramBots returns every WAITING_ENTRY or ACTIVE bot, for
// workflow recovery after restart.
func (r *Repository) ListLiveTelegramBots(ctx context.Context) ([]*models.TelegramBot, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT `+tgBotColumns+` FROM telegram_bots
		WHERE status IN ($1, $2) ORDER BY created_at
	`, string(models.TGWaitingEntry), string(models.TGActive))
	if err != nil {
		return nil, fmt.Errorf("failed to list live telegram bots: %w", err)
	}
	defer rows.Close()

	var bots []*models.TelegramBot
	for rows.Next() {
		bot, err := scanTelegramBot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan telegram bot: %w", err)
		}
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

// MarkEntered flips the bot to ACTIVE recording the actual fill price.
func (r *Repository) MarkEntered(ctx context.Context, botID string, actualEntryPrice float64) error {
	_, err := r.db.Conn().ExecContext(ctx, `
		UPDATE telegram_bots SET status = $2, actual_entry_price = $3
		WHERE id = $1
	`, botID, string(models.TGActive), actualEntryPrice)
	if err != nil {
		return fmt.Errorf("failed to mark bot entered: %w", err)
	}
	return nil
}

// UpdateUnrealizedPnL persists the latest per-tick pnl snapshot.
func (r *Repository) UpdateUnrealizedPnL(ctx context.Context, botID string, pnlPct float64) error {
	_, err := r.db.Conn().ExecContext(ctx, `
		UPDATE telegram_bots SET unrealized_pnl_pct = $2 WHERE id = $1
	`, botID, pnlPct)
	if err != nil {
		return fmt.Errorf("failed to update unrealized pnl: %w", err)
	}
	return nil
}

// CloseTelegramBot moves the bot to a terminal status with its exit
// reason and cancels every still-pending item.
func (r *Repository) CloseTelegramBot(ctx context.Context, botID string, status models.TelegramBotStatus, exitReason string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE telegram_bots SET status = $2, exit_reason = $3 WHERE id = $1
	`, botID, string(status), exitReason)
	if err != nil {
		return fmt.Errorf("failed to close telegram bot: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE telegram_trade_items SET status = $2
		WHERE bot_id = $1 AND status IN ($3, $4)
	`, botID, string(models.ItemCancelled), string(models.ItemPending), string(models.ItemActive))
	if err != nil {
		return fmt.Errorf("failed to cancel trade items: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bot close: %w", err)
	}
	return nil
}

// ---- trade items ----

// ListItems returns all items of one bot ordered by kind and level.
func (r *Repository) ListItems(ctx context.Context, botID string) ([]models.TelegramTradeItem, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT id, bot_id, user_id, kind, level, target_price, percent,
		       status, created_at
		FROM telegram_trade_items
		WHERE bot_id = $1 ORDER BY kind, level
	`, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trade items: %w", err)
	}
	defer rows.Close()

	var items []models.TelegramTradeItem
	for rows.Next() {
		var item models.TelegramTradeItem
		var kind, status string
		if err := rows.Scan(
			&item.ID, &item.BotID, &item.UserID, &kind, &item.Level,
			&item.TargetPrice, &item.Percent, &status, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade item: %w", err)
		}
		item.Kind = models.TradeItemKind(kind)
		item.Status = models.TradeItemStatus(status)
		items = append(items, item)
	}
	return items, rows.Err()
}

// SetItemStatus moves one item to a new monitoring state.
func (r *Repository) SetItemStatus(ctx context.Context, itemID string, status models.TradeItemStatus) error {
	_, err := r.db.Conn().ExecContext(ctx, `
		UPDATE telegram_trade_items SET status = $2 WHERE id = $1
	`, itemID, string(status))
	if err != nil {
		return fmt.Errorf("failed to set item status: %w", err)
	}
	return nil
}

// ReplaceRiskItems atomically swaps the SL and/or the TP ladder of one
// bot: old rows of the replaced kinds are cancelled and the new rows
// inserted in the same transaction.
func (r *Repository) ReplaceRiskItems(ctx context.Context, bot *models.TelegramBot, newSL *float64, newTPs []models.TelegramTradeItem) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if newSL != nil {
		if err := cancelKind(ctx, tx, bot.ID, models.ItemSL); err != nil {
			return err
		}
		sl := models.TelegramTradeItem{
			Kind:        models.ItemSL,
			Level:       0,
			TargetPrice: *newSL,
			Status:      models.ItemActive,
		}
		if err := insertItem(ctx, tx, bot, &sl); err != nil {
			return err
		}
	}

	if len(newTPs) > 0 {
		if err := cancelKind(ctx, tx, bot.ID, models.ItemTP); err != nil {
			return err
		}
		for i := range newTPs {
			if err := insertItem(ctx, tx, bot, &newTPs[i]); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit risk item replacement: %w", err)
	}
	return nil
}

func cancelKind(ctx context.Context, tx *sqlx.Tx, botID string, kind models.TradeItemKind) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE telegram_trade_items SET status = $3
		WHERE bot_id = $1 AND kind = $2 AND status IN ($4, $5)
	`, botID, string(kind), string(models.ItemCancelled),
		string(models.ItemPending), string(models.ItemActive))
	if err != nil {
		return fmt.Errorf("failed to cancel %s items: %w", kind, err)
	}
	return nil
}

// ---- expiry sweeping ----

// ListExpired returns every live bot whose deadline has passed and
// that has not been handled yet.
func (r *Repository) ListExpired(ctx context.Context, now time.Time) ([]*models.TelegramBot, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT `+tgBotColumns+` FROM telegram_bots
		WHERE expires_at IS NOT NULL
		  AND expires_at <= $1
		  AND status IN ($2, $3)
		  AND expiry_handled_at IS NULL
		ORDER BY expires_at
	`, now, string(models.TGWaitingEntry), string(models.TGActive))
	if err != nil {
		return nil, fmt.Errorf("failed to list expired bots: %w", err)
	}
	defer rows.Close()

	var bots []*models.TelegramBot
	for rows.Next() {
		bot, err := scanTelegramBot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expired bot: %w", err)
		}
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

// MarkExpiryHandled stamps one bot as processed. Returns false when a
// concurrent sweeper got there first.
func (r *Repository) MarkExpiryHandled(ctx context.Context, botID string, at time.Time) (bool, error) {
	res, err := r.db.Conn().ExecContext(ctx, `
		UPDATE telegram_bots SET expiry_handled_at = $2
		WHERE id = $1 AND expiry_handled_at IS NULL
	`, botID, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark expiry handled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

func scanTelegramBot(row rowScanner) (*models.TelegramBot, error) {
	var bot models.TelegramBot
	var side, market, mode, status string
	var cfg []byte

	err := row.Scan(
		&bot.ID, &bot.UserID, &bot.Source, &bot.ChatID, &bot.Symbol,
		&side, &market, &bot.ExchangeID, &mode, &status, &cfg,
		&bot.ActualEntryPrice, &bot.UnrealizedPnLPct, &bot.ExitReason,
		&bot.ExpiresAt, &bot.ExpiryHandledAt, &bot.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	bot.Side = models.Side(side)
	bot.MarketType = models.MarketType(market)
	bot.Mode = models.TradeMode(mode)
	bot.Status = models.TelegramBotStatus(status)
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &bot.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal bot config: %w", err)
		}
	}
	return &bot, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}
