package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jikey8911/signalkey/internal/adapters/config"
	"github.com/jikey8911/signalkey/pkg/logger"
	"github.com/jikey8911/signalkey/pkg/models"
)

// Repository handles the append-only feature history in ClickHouse.
type Repository struct {
	db *sqlx.DB
}

// Connect opens the ClickHouse connection and verifies it.
func Connect(cfg *config.ClickHouseConfig) (*Repository, error) {
	db, err := sqlx.Connect("clickhouse", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	return &Repository{db: db}, nil
}

// NewRepository wraps an existing connection, for tests.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// EnsureSchema creates the history table when absent.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS bot_feature_history (
			ts         DateTime,
			bot_id     String,
			symbol     String,
			timeframe  String,
			open       Float64,
			high       Float64,
			low        Float64,
			close      Float64,
			volume     Float64,
			signal     String,
			features   String
		) ENGINE = MergeTree()
		ORDER BY (bot_id, ts)
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure feature history schema: %w", err)
	}
	return nil
}

// featureRecord is one buffered history row with its owning bot.
type featureRecord struct {
	BotID string
	Row   models.FeatureRow
}

// SaveFeatureRows writes one batch of feature rows in a single
// transaction.
func (r *Repository) SaveFeatureRows(ctx context.Context, records []featureRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}

	stmt, err := tx.Preparex(`
		INSERT INTO bot_feature_history
		(ts, bot_id, symbol, timeframe, open, high, low, close, volume, signal, features)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		features, err := json.Marshal(rec.Row.Features)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to encode features: %w", err)
		}

		c := rec.Row.Candle
		_, err = stmt.ExecContext(ctx,
			c.Timestamp,
			rec.BotID,
			c.Symbol,
			c.Timeframe,
			c.Open,
			c.High,
			c.Low,
			c.Close,
			c.Volume,
			rec.Row.Signal.String(),
			string(features),
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert feature row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	logger.Debug("saved feature rows to ClickHouse",
		zap.Int("count", len(records)),
	)
	return nil
}

// Close releases the connection.
func (r *Repository) Close() error {
	return r.db.Close()
}
