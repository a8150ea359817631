package exchange

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/jikey8911/signalkey/internal/adapters/config"
	"github.com/jikey8911/signalkey/pkg/logger"
	"github.com/jikey8911/signalkey/pkg/models"
)

// CredentialSource resolves the active per-user API credential for an
// exchange. Implemented by the users repository.
type CredentialSource interface {
	ActiveCredential(ctx context.Context, userID, exchangeID string) (*models.ExchangeCredential, error)
}

// Registry caches exchange instances: one shared public instance per
// (exchange, market) for tickers/history, and lazy per-user instances
// built from the active credential for trading.
type Registry struct {
	cfg   *config.ExchangesConfig
	creds CredentialSource

	mu     sync.Mutex
	public map[string]Exchange // exchange:market -> instance
	users  map[string]Exchange // user:exchange:market -> instance
}

// NewRegistry creates new exchange registry
func NewRegistry(cfg *config.ExchangesConfig, creds CredentialSource) *Registry {
	return &Registry{
		cfg:    cfg,
		creds:  creds,
		public: make(map[string]Exchange),
		users:  make(map[string]Exchange),
	}
}

// Public returns the shared unauthenticated instance for an exchange.
func (r *Registry) Public(exchangeID string, marketType models.MarketType) (Exchange, error) {
	key := fmt.Sprintf("%s:%s", exchangeID, models.Canonical(string(marketType)))

	r.mu.Lock()
	defer r.mu.Unlock()

	if ex, ok := r.public[key]; ok {
		return ex, nil
	}

	ex, err := r.build(exchangeID, marketType, "", "")
	if err != nil {
		return nil, err
	}
	r.public[key] = ex

	return ex, nil
}

// ForUser returns (building lazily) the instance bound to the user's
// active credential. The instance is shared by all of the user's bots
// and must not be closed while any of them references it; the registry
// owns the lifecycle.
func (r *Registry) ForUser(ctx context.Context, userID, exchangeID string, marketType models.MarketType) (Exchange, error) {
	key := fmt.Sprintf("%s:%s:%s", userID, exchangeID, models.Canonical(string(marketType)))

	r.mu.Lock()
	if ex, ok := r.users[key]; ok {
		r.mu.Unlock()
		return ex, nil
	}
	r.mu.Unlock()

	cred, err := r.creds.ActiveCredential(ctx, userID, exchangeID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credential: %w", err)
	}
	if cred == nil {
		return nil, wrap(KindAuth, fmt.Errorf("no active credential for user %s on %s", userID, exchangeID))
	}

	ex, err := r.build(exchangeID, marketType, cred.APIKey, cred.Secret)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.users[key]; ok {
		_ = ex.Close()
		return existing, nil
	}
	r.users[key] = ex

	logger.Info("per-user exchange instance created",
		zap.String("user_id", userID),
		zap.String("exchange", exchangeID),
	)

	return ex, nil
}

func (r *Registry) build(exchangeID string, marketType models.MarketType, apiKey, secret string) (Exchange, error) {
	var base config.ExchangeConfig
	switch exchangeID {
	case "binance":
		base = r.cfg.Binance
	case "bybit":
		base = r.cfg.Bybit
	default:
		return nil, wrap(KindMarket, fmt.Errorf("unsupported exchange %q", exchangeID))
	}

	cfg := base
	cfg.APIKey = apiKey
	cfg.Secret = secret

	switch exchangeID {
	case "binance":
		return NewBinanceAdapter(&cfg, marketType)
	default:
		return NewBybitAdapter(&cfg, marketType)
	}
}

// Close closes all cached instances.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for key, ex := range r.public {
		if err := ex.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.public, key)
	}
	for key, ex := range r.users {
		if err := ex.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.users, key)
	}

	return firstErr
}
