package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jikey8911/signalkey/internal/adapters/database"
	"github.com/jikey8911/signalkey/pkg/logger"
	"github.com/jikey8911/signalkey/pkg/models"
)

// EventSink receives balance change events after every mutation.
// Implemented by the notification bus; nil disables emission.
type EventSink interface {
	BalanceUpdate(userID string, marketType models.CanonicalMarket, asset string, amount float64)
}

// Ledger keeps simulated funds, one row per (user, canonical market,
// asset). All mutations are single atomic upserts; additions happen
// server-side so concurrent writers never lose deltas. Negative
// balances are allowed here; the execution gates above prevent them.
type Ledger struct {
	db   *database.DB
	sink EventSink
}

// New creates a virtual ledger. sink may be nil.
func New(db *database.DB, sink EventSink) *Ledger {
	return &Ledger{db: db, sink: sink}
}

// Set writes an absolute amount.
func (l *Ledger) Set(ctx context.Context, userID string, marketType models.MarketType, asset string, amount float64) error {
	market := models.Canonical(string(marketType))

	_, err := l.db.Conn().ExecContext(ctx, `
		INSERT INTO virtual_balances (id, user_id, market_type, asset, amount, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, market_type, asset) DO UPDATE SET
			amount = $5,
			updated_at = $6
	`, uuid.New().String(), userID, string(market), asset,
		decimal.NewFromFloat(amount).String(), time.Now())
	if err != nil {
		return fmt.Errorf("failed to set virtual balance: %w", err)
	}

	l.emit(userID, market, asset, amount)
	return nil
}

// Add applies a relative delta (may be negative) and returns the new
// amount. The addition runs inside the upsert, never read-modify-write.
func (l *Ledger) Add(ctx context.Context, userID string, marketType models.MarketType, asset string, delta float64) (float64, error) {
	market := models.Canonical(string(marketType))

	var amountStr string
	err := l.db.Conn().QueryRowContext(ctx, `
		INSERT INTO virtual_balances (id, user_id, market_type, asset, amount, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, market_type, asset) DO UPDATE SET
			amount = virtual_balances.amount + EXCLUDED.amount,
			updated_at = $6
		RETURNING amount
	`, uuid.New().String(), userID, string(market), asset,
		decimal.NewFromFloat(delta).String(), time.Now()).Scan(&amountStr)
	if err != nil {
		return 0, fmt.Errorf("failed to add to virtual balance: %w", err)
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return 0, fmt.Errorf("failed to parse virtual balance: %w", err)
	}

	value, _ := amount.Float64()
	l.emit(userID, market, asset, value)
	return value, nil
}

// Get returns the amount for one key, zero when absent.
func (l *Ledger) Get(ctx context.Context, userID string, marketType models.MarketType, asset string) (float64, error) {
	market := models.Canonical(string(marketType))

	var amountStr string
	err := l.db.Conn().QueryRowContext(ctx, `
		SELECT amount FROM virtual_balances
		WHERE user_id = $1 AND market_type = $2 AND asset = $3
	`, userID, string(market), asset).Scan(&amountStr)

	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get virtual balance: %w", err)
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return 0, fmt.Errorf("failed to parse virtual balance: %w", err)
	}
	value, _ := amount.Float64()
	return value, nil
}

// List returns every balance row of one user.
func (l *Ledger) List(ctx context.Context, userID string) ([]models.VirtualBalance, error) {
	rows, err := l.db.Conn().QueryContext(ctx, `
		SELECT id, user_id, market_type, asset, amount, updated_at
		FROM virtual_balances
		WHERE user_id = $1
		ORDER BY market_type, asset
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list virtual balances: %w", err)
	}
	defer rows.Close()

	var out []models.VirtualBalance
	for rows.Next() {
		var (
			vb        models.VirtualBalance
			market    string
			amountStr string
		)
		if err := rows.Scan(&vb.ID, &vb.UserID, &market, &vb.Asset, &amountStr, &vb.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan virtual balance: %w", err)
		}
		vb.MarketType = models.CanonicalMarket(market)
		vb.Amount, err = decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse virtual balance: %w", err)
		}
		out = append(out, vb)
	}
	return out, rows.Err()
}

func (l *Ledger) emit(userID string, market models.CanonicalMarket, asset string, amount float64) {
	if l.sink == nil {
		return
	}
	l.sink.BalanceUpdate(userID, market, asset, amount)
}

// MigrateCanonicalMarkets folds legacy market casings (spot, Futures,
// SWAP, …) into the canonical CEX/DEX rows, summing amounts. Safe to
// run on every startup; a second run finds nothing to fold.
func (l *Ledger) MigrateCanonicalMarkets(ctx context.Context) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin canonical market migration: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, user_id, market_type, asset, amount
		FROM virtual_balances
		FOR UPDATE
	`)
	if err != nil {
		return fmt.Errorf("failed to load virtual balances: %w", err)
	}

	var all []models.VirtualBalance
	for rows.Next() {
		var (
			vb        models.VirtualBalance
			market    string
			amountStr string
		)
		if err := rows.Scan(&vb.ID, &vb.UserID, &market, &vb.Asset, &amountStr); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan virtual balance: %w", err)
		}
		vb.MarketType = models.CanonicalMarket(market)
		vb.Amount, err = decimal.NewFromString(amountStr)
		if err != nil {
			rows.Close()
			return fmt.Errorf("failed to parse virtual balance: %w", err)
		}
		all = append(all, vb)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	merged, obsolete := foldPlan(all)
	if len(obsolete) == 0 {
		return tx.Commit()
	}

	for _, id := range obsolete {
		if _, err := tx.ExecContext(ctx, `DELETE FROM virtual_balances WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete folded balance row: %w", err)
		}
	}
	for _, vb := range merged {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO virtual_balances (id, user_id, market_type, asset, amount, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, market_type, asset) DO UPDATE SET
				amount = $5,
				updated_at = $6
		`, vb.ID, vb.UserID, string(vb.MarketType), vb.Asset, vb.Amount.String(), time.Now()); err != nil {
			return fmt.Errorf("failed to upsert folded balance row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit canonical market migration: %w", err)
	}

	logger.Info("virtual balances folded to canonical markets",
		zap.Int("folded_rows", len(obsolete)),
		zap.Int("result_rows", len(merged)),
	)
	return nil
}

// foldPlan groups rows by (user, canonical market, asset). It returns
// the rows to upsert with summed amounts and the ids of rows made
// obsolete by the fold. Rows already canonical and unique are left
// untouched.
func foldPlan(all []models.VirtualBalance) (merged []models.VirtualBalance, obsolete []string) {
	type key struct {
		user   string
		market models.CanonicalMarket
		asset  string
	}

	groups := make(map[key][]models.VirtualBalance)
	order := make([]key, 0)
	for _, vb := range all {
		k := key{vb.UserID, models.Canonical(string(vb.MarketType)), vb.Asset}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], vb)
	}

	for _, k := range order {
		rows := groups[k]
		needsFold := len(rows) > 1 || rows[0].MarketType != k.market
		if !needsFold {
			continue
		}

		sum := decimal.Zero
		for _, vb := range rows {
			sum = sum.Add(vb.Amount)
			obsolete = append(obsolete, vb.ID)
		}
		merged = append(merged, models.VirtualBalance{
			ID:         rows[0].ID,
			UserID:     k.user,
			MarketType: k.market,
			Asset:      k.asset,
			Amount:     sum,
		})
	}
	return merged, obsolete
}
