package ledger

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/jikey8911/signalkey/pkg/models"
)

func vb(id, user, market, asset string, amount float64) models.VirtualBalance {
	return models.VirtualBalance{
		ID:         id,
		UserID:     user,
		MarketType: models.CanonicalMarket(market),
		Asset:      asset,
		Amount:     decimal.NewFromFloat(amount),
	}
}

func TestFoldPlanMergesLegacyCasings(t *testing.T) {
	all := []models.VirtualBalance{
		vb("a", "u1", "spot", "USDT", 100),
		vb("b", "u1", "CEX", "USDT", 50),
		vb("c", "u1", "FUTURES", "USDT", 25),
		vb("d", "u1", "DEX", "USDT", 10),
	}

	merged, obsolete := foldPlan(all)

	if len(merged) != 1 {
		t.Fatalf("merged = %d rows, want 1", len(merged))
	}
	got := merged[0]
	if got.MarketType != models.CanonicalCEX {
		t.Errorf("market = %s, want CEX", got.MarketType)
	}
	if !got.Amount.Equal(decimal.NewFromInt(175)) {
		t.Errorf("amount = %s, want 175", got.Amount)
	}
	if len(obsolete) != 3 {
		t.Errorf("obsolete = %d, want 3 (DEX row untouched)", len(obsolete))
	}
}

func TestFoldPlanLeavesCanonicalRowsAlone(t *testing.T) {
	all := []models.VirtualBalance{
		vb("a", "u1", "CEX", "USDT", 100),
		vb("b", "u1", "DEX", "USDT", 50),
		vb("c", "u2", "CEX", "BTC", 1),
	}

	merged, obsolete := foldPlan(all)
	if len(merged) != 0 || len(obsolete) != 0 {
		t.Fatalf("idempotency broken: merged=%d obsolete=%d", len(merged), len(obsolete))
	}
}

func TestFoldPlanIsScopedPerUserAndAsset(t *testing.T) {
	all := []models.VirtualBalance{
		vb("a", "u1", "spot", "USDT", 100),
		vb("b", "u2", "spot", "USDT", 100),
		vb("c", "u1", "spot", "BTC", 1),
	}

	merged, obsolete := foldPlan(all)

	// Each row folds to its own canonical key, no cross-user or
	// cross-asset summing.
	if len(merged) != 3 {
		t.Fatalf("merged = %d rows, want 3", len(merged))
	}
	for _, m := range merged {
		if !m.Amount.Equal(decimal.NewFromFloat(100)) && !m.Amount.Equal(decimal.NewFromInt(1)) {
			t.Errorf("unexpected folded amount %s", m.Amount)
		}
		if m.MarketType != models.CanonicalCEX {
			t.Errorf("market = %s, want CEX", m.MarketType)
		}
	}
	if len(obsolete) != 3 {
		t.Errorf("obsolete = %d, want 3", len(obsolete))
	}
}

func TestEmitWithNilSink(t *testing.T) {
	l := &Ledger{}
	// Must not panic without a sink.
	l.emit("u1", models.CanonicalCEX, "USDT", 10)
}
