package features

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jikey8911/signalkey/internal/adapters/database"
	"github.com/jikey8911/signalkey/pkg/models"
)

// Repository persists feature state documents in Postgres, one row per
// bot with the window stored as JSONB.
type Repository struct {
	db *database.DB
}

// NewRepository creates new feature state repository
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// Save upserts the state document for its bot.
func (r *Repository) Save(ctx context.Context, state *models.FeatureState) error {
	features, err := json.Marshal(state.Features)
	if err != nil {
		return fmt.Errorf("failed to marshal feature names: %w", err)
	}
	latest, err := json.Marshal(state.LatestFeatures)
	if err != nil {
		return fmt.Errorf("failed to marshal latest features: %w", err)
	}
	window, err := json.Marshal(state.Window)
	if err != nil {
		return fmt.Errorf("failed to marshal feature window: %w", err)
	}

	_, err = r.db.Conn().ExecContext(ctx, `
		INSERT INTO bot_feature_states (
			bot_id, strategy_name, symbol, timeframe, market_type,
			features, latest_features, window_rows, last_candle_ts, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (bot_id) DO UPDATE SET
			strategy_name = $2,
			symbol = $3,
			timeframe = $4,
			market_type = $5,
			features = $6,
			latest_features = $7,
			window_rows = $8,
			last_candle_ts = $9,
			updated_at = $10
	`,
		state.BotID, state.StrategyName, state.Symbol, state.Timeframe,
		string(state.MarketType), features, latest, window,
		state.LastCandleTs, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save feature state: %w", err)
	}
	return nil
}

// Get loads one state document; nil when the bot has none.
func (r *Repository) Get(ctx context.Context, botID string) (*models.FeatureState, error) {
	var (
		state    models.FeatureState
		market   string
		features []byte
		latest   []byte
		window   []byte
	)

	err := r.db.Conn().QueryRowContext(ctx, `
		SELECT bot_id, strategy_name, symbol, timeframe, market_type,
		       features, latest_features, window_rows, last_candle_ts, updated_at
		FROM bot_feature_states
		WHERE bot_id = $1
	`, botID).Scan(
		&state.BotID, &state.StrategyName, &state.Symbol, &state.Timeframe,
		&market, &features, &latest, &window,
		&state.LastCandleTs, &state.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feature state: %w", err)
	}

	state.MarketType = models.MarketType(market)
	if err := json.Unmarshal(features, &state.Features); err != nil {
		return nil, fmt.Errorf("failed to unmarshal feature names: %w", err)
	}
	if err := json.Unmarshal(latest, &state.LatestFeatures); err != nil {
		return nil, fmt.Errorf("failed to unmarshal latest features: %w", err)
	}
	if err := json.Unmarshal(window, &state.Window); err != nil {
		return nil, fmt.Errorf("failed to unmarshal feature window: %w", err)
	}

	return &state, nil
}

// Delete removes the state document for one bot.
func (r *Repository) Delete(ctx context.Context, botID string) error {
	_, err := r.db.Conn().ExecContext(ctx, `DELETE FROM bot_feature_states WHERE bot_id = $1`, botID)
	if err != nil {
		return fmt.Errorf("failed to delete feature state: %w", err)
	}
	return nil
}
