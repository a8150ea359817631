package users

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jikey8911/signalkey/internal/adapters/database"
	"github.com/jikey8911/signalkey/pkg/models"
)

// Repository handles user, exchange credential and per-user config
// persistence.
type Repository struct {
	db *database.DB
}

// NewRepository creates new user repository
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// CreateUser creates a new user keyed by an external open id.
func (r *Repository) CreateUser(ctx context.Context, openID string) (*models.User, error) {
	user := models.User{
		ID:        uuid.New().String(),
		OpenID:    openID,
		CreatedAt: time.Now().UTC(),
	}

	_, err := r.db.Conn().ExecContext(ctx, `
		INSERT INTO users (id, open_id, created_at)
		VALUES ($1, $2, $3)
	`, user.ID, user.OpenID, user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &user, nil
}

// GetUser loads one user by id; nil when absent.
func (r *Repository) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var user models.User

	err := r.db.Conn().QueryRowContext(ctx, `
		SELECT id, open_id, created_at FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.OpenID, &user.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// SetTelegramChatID links a user to their telegram chat for alerts.
func (r *Repository) SetTelegramChatID(ctx context.Context, userID string, chatID int64) error {
	_, err := r.db.Conn().ExecContext(ctx, `
		UPDATE users SET telegram_chat_id = $2 WHERE id = $1
	`, userID, chatID)
	if err != nil {
		return fmt.Errorf("failed to set telegram chat id: %w", err)
	}
	return nil
}

// GetTelegramChatID returns the user's alert chat; 0 when unlinked.
func (r *Repository) GetTelegramChatID(ctx context.Context, userID string) (int64, error) {
	var chatID sql.NullInt64

	err := r.db.Conn().QueryRowContext(ctx, `
		SELECT telegram_chat_id FROM users WHERE id = $1
	`, userID).Scan(&chatID)

	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get telegram chat id: %w", err)
	}
	return chatID.Int64, nil
}

// SaveCredential stores exchange API keys for one user, deactivating
// any previous active credential of the same exchange.
func (r *Repository) SaveCredential(ctx context.Context, cred *models.ExchangeCredential) error {
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	cred.Active = true
	cred.CreatedAt = time.Now().UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin credential save: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE user_exchanges SET active = false
		WHERE user_id = $1 AND exchange_id = $2 AND active = true
	`, cred.UserID, cred.ExchangeID)
	if err != nil {
		return fmt.Errorf("failed to deactivate previous credential: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_exchanges (
			id, user_id, exchange_id, api_key, secret, passphrase,
			uid, active, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		cred.ID, cred.UserID, cred.ExchangeID, cred.APIKey, cred.Secret,
		cred.Passphrase, cred.UID, cred.Active, cred.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}

	return tx.Commit()
}

// ActiveCredential returns the single active credential for one
// (user, exchange); nil when none is configured.
func (r *Repository) ActiveCredential(ctx context.Context, userID, exchangeID string) (*models.ExchangeCredential, error) {
	var cred models.ExchangeCredential

	err := r.db.Conn().QueryRowContext(ctx, `
		SELECT id, user_id, exchange_id, api_key, secret, passphrase,
		       uid, active, created_at
		FROM user_exchanges
		WHERE user_id = $1 AND exchange_id = $2 AND active = true
	`, userID, exchangeID).Scan(
		&cred.ID, &cred.UserID, &cred.ExchangeID, &cred.APIKey,
		&cred.Secret, &cred.Passphrase, &cred.UID, &cred.Active,
		&cred.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active credential: %w", err)
	}
	return &cred, nil
}

// SaveConfig upserts the per-user configuration document.
func (r *Repository) SaveConfig(ctx context.Context, cfg *models.AppConfig) error {
	wallet, err := json.Marshal(cfg.WalletPolicy)
	if err != nil {
		return fmt.Errorf("failed to marshal wallet policy: %w", err)
	}
	chats, err := json.Marshal(cfg.TelegramAllowChats)
	if err != nil {
		return fmt.Errorf("failed to marshal allowed chats: %w", err)
	}

	_, err = r.db.Conn().ExecContext(ctx, `
		INSERT INTO app_configs (
			user_id, is_auto_enabled, trading_mode, default_exchange,
			cex_max_amount, dex_max_amount, max_active_bots,
			max_active_telegram_bots, wallet_policy, telegram_allow_chats,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id) DO UPDATE SET
			is_auto_enabled = $2,
			trading_mode = $3,
			default_exchange = $4,
			cex_max_amount = $5,
			dex_max_amount = $6,
			max_active_bots = $7,
			max_active_telegram_bots = $8,
			wallet_policy = $9,
			telegram_allow_chats = $10,
			updated_at = $11
	`,
		cfg.UserID, cfg.IsAutoEnabled, cfg.TradingMode, cfg.DefaultExchange,
		cfg.CEXMaxAmount, cfg.DEXMaxAmount, cfg.MaxActiveBots,
		cfg.MaxActiveTelegramBots, wallet, chats, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save app config: %w", err)
	}
	return nil
}

// GetConfig loads the per-user configuration; defaults when absent.
func (r *Repository) GetConfig(ctx context.Context, userID string) (*models.AppConfig, error) {
	var (
		cfg    models.AppConfig
		wallet []byte
		chats  []byte
	)

	err := r.db.Conn().QueryRowContext(ctx, `
		SELECT user_id, is_auto_enabled, trading_mode, default_exchange,
		       cex_max_amount, dex_max_amount, max_active_bots,
		       max_active_telegram_bots, wallet_policy,
		       telegram_allow_chats, updated_at
		FROM app_configs
		WHERE user_id = $1
	`, userID).Scan(
		&cfg.UserID, &cfg.IsAutoEnabled, &cfg.TradingMode,
		&cfg.DefaultExchange, &cfg.CEXMaxAmount, &cfg.DEXMaxAmount,
		&cfg.MaxActiveBots, &cfg.MaxActiveTelegramBots, &wallet, &chats,
		&cfg.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return DefaultConfig(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get app config: %w", err)
	}

	if err := json.Unmarshal(wallet, &cfg.WalletPolicy); err != nil {
		return nil, fmt.Errorf("failed to unmarshal wallet policy: %w", err)
	}
	if err := json.Unmarshal(chats, &cfg.TelegramAllowChats); err != nil {
		return nil, fmt.Errorf("failed to unmarshal allowed chats: %w", err)
	}
	return &cfg, nil
}

// DefaultConfig is the config a user gets before saving one.
func DefaultConfig(userID string) *models.AppConfig {
	return &models.AppConfig{
		UserID:                userID,
		IsAutoEnabled:         false,
		TradingMode:           "demo",
		DefaultExchange:       "binance",
		CEXMaxAmount:          1000,
		DEXMaxAmount:          500,
		MaxActiveBots:         10,
		MaxActiveTelegramBots: 5,
		WalletPolicy: models.WalletPolicy{
			Enabled:             false,
			PerBotAllocationPct: 10,
			MinAllocationUSDT:   10,
			MaxAllocationUSDT:   1000,
		},
	}
}
