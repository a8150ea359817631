package features

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jikey8911/signalkey/internal/adapters/exchange"
	"github.com/jikey8911/signalkey/internal/strategy"
	"github.com/jikey8911/signalkey/pkg/logger"
	"github.com/jikey8911/signalkey/pkg/models"
)

const (
	// bootstrapCandles is the history window used on bot creation.
	bootstrapCandles = 200

	// windowCap bounds the persisted feature window per bot.
	windowCap = 120

	// updateTail is the candle tail re-applied on each closed candle;
	// it must cover the longest strategy warm-up.
	updateTail = 60
)

// StateRepository persists per-bot feature state documents.
type StateRepository interface {
	Save(ctx context.Context, state *models.FeatureState) error
	Get(ctx context.Context, botID string) (*models.FeatureState, error)
	Delete(ctx context.Context, botID string) error
}

// HistoryWriter appends feature rows to the long-term history backend.
// Only the backfill pass writes history; runtime updates never do.
type HistoryWriter interface {
	Append(ctx context.Context, botID string, rows []models.FeatureRow) error
}

// Store computes and persists per-bot feature state: a bootstrap pass
// on bot creation and an incremental pass on every closed candle.
type Store struct {
	repo     StateRepository
	registry *strategy.Registry
	history  HistoryWriter // nil disables backfill
}

// NewStore creates a feature store. history may be nil.
func NewStore(repo StateRepository, registry *strategy.Registry, history HistoryWriter) *Store {
	return &Store{repo: repo, registry: registry, history: history}
}

// Bootstrap fetches history, applies the bot's strategy and persists
// the resulting state. Any failure still persists an empty state so
// runtime updates can fill it later; the error is reported for
// logging but the bot remains usable.
func (s *Store) Bootstrap(ctx context.Context, bot *models.BotInstance, ex exchange.Exchange) (*models.FeatureState, error) {
	state := &models.FeatureState{
		BotID:        bot.ID,
		StrategyName: bot.StrategyName,
		Symbol:       bot.Symbol,
		Timeframe:    bot.Timeframe,
		MarketType:   bot.MarketType,
		UpdatedAt:    time.Now().UTC(),
	}

	rows, err := s.computeBootstrap(ctx, bot, ex)
	if err != nil {
		logger.Warn("feature bootstrap failed, persisting empty state",
			zap.String("bot_id", bot.ID),
			zap.String("symbol", bot.Symbol),
			zap.Error(err),
		)
		if saveErr := s.repo.Save(ctx, state); saveErr != nil {
			return nil, saveErr
		}
		return state, err
	}

	s.fill(state, rows)
	if err := s.repo.Save(ctx, state); err != nil {
		return nil, err
	}

	logger.Info("feature state bootstrapped",
		zap.String("bot_id", bot.ID),
		zap.String("strategy", bot.StrategyName),
		zap.Int("window", len(state.Window)),
	)
	return state, nil
}

func (s *Store) computeBootstrap(ctx context.Context, bot *models.BotInstance, ex exchange.Exchange) ([]models.FeatureRow, error) {
	strat, err := s.registry.Get(bot.MarketType, bot.StrategyName)
	if err != nil {
		return nil, err
	}

	candles, err := ex.FetchOHLCV(ctx, bot.Symbol, bot.Timeframe, bootstrapCandles, 0)
	if err != nil {
		return nil, err
	}

	return strat.Apply(candles, &bot.Position)
}

// Update re-applies the strategy on the candle tail after a candle
// closed, appends the newest row and refreshes the latest vector. The
// tail normally comes from the in-memory candle buffer.
func (s *Store) Update(ctx context.Context, bot *models.BotInstance, tail []models.Candle) (*models.FeatureState, error) {
	if len(tail) > updateTail {
		tail = tail[len(tail)-updateTail:]
	}

	strat, err := s.registry.Get(bot.MarketType, bot.StrategyName)
	if err != nil {
		return nil, err
	}

	rows, err := strat.Apply(tail, &bot.Position)
	if err != nil {
		return nil, err
	}
	newest := rows[len(rows)-1]

	state, err := s.repo.Get(ctx, bot.ID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = &models.FeatureState{
			BotID:        bot.ID,
			StrategyName: bot.StrategyName,
			Symbol:       bot.Symbol,
			Timeframe:    bot.Timeframe,
			MarketType:   bot.MarketType,
		}
	}

	// Same-timestamp rows replace the tail entry, older ones are
	// dropped, mirroring the buffer's ordering rules.
	n := len(state.Window)
	switch {
	case n > 0 && newest.Candle.Timestamp.Equal(state.Window[n-1].Candle.Timestamp):
		state.Window[n-1] = newest
	case n > 0 && newest.Candle.Timestamp.Before(state.Window[n-1].Candle.Timestamp):
		return state, nil
	default:
		state.Window = append(state.Window, newest)
		if len(state.Window) > windowCap {
			state.Window = state.Window[len(state.Window)-windowCap:]
		}
	}

	state.Features = strat.Features()
	state.LatestFeatures = newest.Features
	ts := newest.Candle.Timestamp
	state.LastCandleTs = &ts
	state.UpdatedAt = time.Now().UTC()

	if err := s.repo.Save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// Backfill pushes the bot's current window into the history backend.
// No-op when no history writer is configured.
func (s *Store) Backfill(ctx context.Context, botID string) error {
	if s.history == nil {
		return nil
	}

	state, err := s.repo.Get(ctx, botID)
	if err != nil {
		return err
	}
	if state == nil || len(state.Window) == 0 {
		return nil
	}
	return s.history.Append(ctx, botID, state.Window)
}

// Get loads the persisted state for one bot; nil when absent.
func (s *Store) Get(ctx context.Context, botID string) (*models.FeatureState, error) {
	return s.repo.Get(ctx, botID)
}

// Drop removes the persisted state for one bot.
func (s *Store) Drop(ctx context.Context, botID string) error {
	return s.repo.Delete(ctx, botID)
}

func (s *Store) fill(state *models.FeatureState, rows []models.FeatureRow) {
	strat, err := s.registry.Get(state.MarketType, state.StrategyName)
	if err == nil {
		state.Features = strat.Features()
	}

	if len(rows) > windowCap {
		rows = rows[len(rows)-windowCap:]
	}
	state.Window = rows

	if len(rows) > 0 {
		newest := rows[len(rows)-1]
		state.LatestFeatures = newest.Features
		ts := newest.Candle.Timestamp
		state.LastCandleTs = &ts
	}
}
