package signals

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/jikey8911/signalkey/internal/adapters/exchange"
	"github.com/jikey8911/signalkey/pkg/models"
)

type fakeConfigs struct {
	cfg *models.AppConfig
}

func (f *fakeConfigs) GetConfig(ctx context.Context, userID string) (*models.AppConfig, error) {
	cp := *f.cfg
	cp.UserID = userID
	return &cp, nil
}

func demoConfig() *models.AppConfig {
	return &models.AppConfig{
		TradingMode:           "demo",
		DefaultExchange:       "binance",
		CEXMaxAmount:          1000,
		DEXMaxAmount:          500,
		MaxActiveTelegramBots: 2,
		IsAutoEnabled:         true,
	}
}

func longAnalysis() Analysis {
	return Analysis{
		Decision:  "trade",
		Symbol:    "BTCUSDT",
		Direction: "LONG",
		IsSafe:    true,
		Params: AnalysisParams{
			EntryPrice: 100,
			StopLoss:   95,
			TakeProfits: []TakeProfitTarget{
				{Price: 102, Percent: 30},
				{Price: 101, Percent: 30},
			},
			Investment:      5000,
			ValidForMinutes: 60,
		},
		Confidence: 0.8,
	}
}

func newOrchestratorHarness(store *memStore, analyzer Analyzer) *Orchestrator {
	markets := &fakeMarkets{ex: exchange.NewMockExchange("binance", 100, 10000)}
	runner := NewRunner(testSignalsConfig(), store, &fakeTrader{}, newFakeStream(), &fakeEvents{})
	return NewOrchestrator(store, analyzer, &fakeConfigs{cfg: demoConfig()}, markets, &fakeTrader{}, &fakeEvents{}, runner)
}

func TestProcessRawLaunchesBot(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	analyzer := &fakeAnalyzer{analyses: []Analysis{longAnalysis()}}
	orch := newOrchestratorHarness(store, analyzer)
	defer orch.runner.Shutdown()

	sig, err := orch.ProcessRaw(ctx, "u1", "telegram", "chat-1", "LONG BTC entry 100 sl 95")
	if err != nil {
		t.Fatalf("ProcessRaw: %v", err)
	}
	if sig.Status != models.SignalExecuting {
		t.Fatalf("expected EXECUTING, got %s", sig.Status)
	}

	bot, err := store.ActiveTelegramBotForSymbol(ctx, "u1", "BTC/USDT")
	if err != nil || bot == nil {
		t.Fatalf("expected a bot for BTC/USDT, got %v/%v", bot, err)
	}

	t.Run("config snapshot", func(t *testing.T) {
		if bot.Side != models.SideBuy || bot.Mode != models.ModeSimulated {
			t.Fatalf("unexpected side/mode %s/%s", bot.Side, bot.Mode)
		}
		// 5000 exceeds the CEX cap and clamps to it.
		if bot.Config.Investment != 1000 {
			t.Fatalf("expected investment clamped to 1000, got %v", bot.Config.Investment)
		}
		if bot.ExpiresAt == nil {
			t.Fatal("expected an expiry deadline")
		}
	})

	t.Run("ladder ordered by closeness with rescaled percents", func(t *testing.T) {
		tps := store.itemsByKind(bot.ID, models.ItemTP)
		if len(tps) != 2 {
			t.Fatalf("expected 2 TP items, got %d", len(tps))
		}
		if tps[0].TargetPrice != 101 || tps[0].Level != 1 {
			t.Fatalf("expected nearest TP first, got %v at level %d", tps[0].TargetPrice, tps[0].Level)
		}
		if math.Abs(tps[0].Percent-50) > 1e-9 || math.Abs(tps[1].Percent-50) > 1e-9 {
			t.Fatalf("expected 30/30 rescaled to 50/50, got %v/%v", tps[0].Percent, tps[1].Percent)
		}
	})

	t.Run("entry and stop items", func(t *testing.T) {
		entries := store.itemsByKind(bot.ID, models.ItemEntry)
		sls := store.itemsByKind(bot.ID, models.ItemSL)
		if len(entries) != 1 || entries[0].TargetPrice != 100 {
			t.Fatalf("bad entry items: %+v", entries)
		}
		if len(sls) != 1 || sls[0].TargetPrice != 95 {
			t.Fatalf("bad SL items: %+v", sls)
		}
	})
}

func TestProcessRawRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("unsafe analysis", func(t *testing.T) {
		a := longAnalysis()
		a.IsSafe = false
		store := newMemStore()
		orch := newOrchestratorHarness(store, &fakeAnalyzer{analyses: []Analysis{a}})

		sig, err := orch.ProcessRaw(ctx, "u1", "telegram", "chat-1", "pump incoming")
		if err != nil {
			t.Fatalf("ProcessRaw: %v", err)
		}
		if sig.Status != models.SignalRejectedUnsafe {
			t.Fatalf("expected REJECTED_UNSAFE, got %s", sig.Status)
		}
	})

	t.Run("duplicate pair", func(t *testing.T) {
		store := newMemStore()
		orch := newOrchestratorHarness(store, &fakeAnalyzer{analyses: []Analysis{longAnalysis()}})
		defer orch.runner.Shutdown()

		if _, err := orch.ProcessRaw(ctx, "u1", "telegram", "chat-1", "first"); err != nil {
			t.Fatalf("first ProcessRaw: %v", err)
		}
		sig, err := orch.ProcessRaw(ctx, "u1", "telegram", "chat-1", "second")
		if err != nil {
			t.Fatalf("second ProcessRaw: %v", err)
		}
		if sig.Status != models.SignalRejected {
			t.Fatalf("expected duplicate REJECTED, got %s", sig.Status)
		}
	})

	t.Run("unsupported symbol", func(t *testing.T) {
		a := longAnalysis()
		a.Symbol = "DOGEUSDT" // not listed on the mock exchange
		store := newMemStore()
		orch := newOrchestratorHarness(store, &fakeAnalyzer{analyses: []Analysis{a}})

		sig, err := orch.ProcessRaw(ctx, "u1", "telegram", "chat-1", "doge moon")
		if err != nil {
			t.Fatalf("ProcessRaw: %v", err)
		}
		if sig.Status != models.SignalRejected {
			t.Fatalf("expected REJECTED, got %s", sig.Status)
		}
	})

	t.Run("analyzer failure marks signal failed", func(t *testing.T) {
		store := newMemStore()
		orch := newOrchestratorHarness(store, &fakeAnalyzer{err: errors.New("timeout")})

		sig, err := orch.ProcessRaw(ctx, "u1", "telegram", "chat-1", "whatever")
		if err != nil {
			t.Fatalf("ProcessRaw: %v", err)
		}
		if sig.Status != models.SignalFailed {
			t.Fatalf("expected FAILED, got %s", sig.Status)
		}
	})

	t.Run("chat not in allow list", func(t *testing.T) {
		store := newMemStore()
		orch := newOrchestratorHarness(store, &fakeAnalyzer{analyses: []Analysis{longAnalysis()}})
		orch.configs = &fakeConfigs{cfg: func() *models.AppConfig {
			c := demoConfig()
			c.TelegramAllowChats = []string{"chat-9"}
			return c
		}()}

		if _, err := orch.ProcessRaw(ctx, "u1", "telegram", "chat-1", "spam"); err == nil {
			t.Fatal("expected disallowed chat to be refused")
		}
	})

	t.Run("auto trading disabled", func(t *testing.T) {
		store := newMemStore()
		analyzer := &fakeAnalyzer{analyses: []Analysis{longAnalysis()}}
		orch := newOrchestratorHarness(store, analyzer)
		orch.configs = &fakeConfigs{cfg: func() *models.AppConfig {
			c := demoConfig()
			c.IsAutoEnabled = false
			return c
		}()}

		sig, err := orch.ProcessRaw(ctx, "u1", "telegram", "chat-1", "btc")
		if err != nil {
			t.Fatalf("ProcessRaw: %v", err)
		}
		if sig.Status != models.SignalRejected {
			t.Fatalf("expected REJECTED, got %s", sig.Status)
		}
		if !strings.Contains(sig.ExecutionMessage, "disabled") {
			t.Fatalf("expected disabled message, got %q", sig.ExecutionMessage)
		}
		// The signal is stored but never analyzed and no bot launches.
		if analyzer.callCount() != 0 {
			t.Fatalf("expected analyzer untouched, got %d calls", analyzer.callCount())
		}
		if bot, _ := store.ActiveTelegramBotForSymbol(ctx, "u1", "BTC/USDT"); bot != nil {
			t.Fatal("expected no bot while auto trading is off")
		}
	})

	t.Run("active bot cap", func(t *testing.T) {
		store := newMemStore()
		orch := newOrchestratorHarness(store, &fakeAnalyzer{analyses: []Analysis{longAnalysis()}})
		defer orch.runner.Shutdown()
		orch.configs = &fakeConfigs{cfg: func() *models.AppConfig {
			c := demoConfig()
			c.MaxActiveTelegramBots = 1
			return c
		}()}

		if _, err := orch.ProcessRaw(ctx, "u1", "telegram", "chat-1", "btc"); err != nil {
			t.Fatalf("ProcessRaw: %v", err)
		}

		// ETH/USDT is listed and free, but the cap of 1 is already used.
		eth := longAnalysis()
		eth.Symbol = "ETHUSDT"
		orch.analyzer = &fakeAnalyzer{analyses: []Analysis{eth}}
		sig, err := orch.ProcessRaw(ctx, "u1", "telegram", "chat-1", "eth")
		if err != nil {
			t.Fatalf("ProcessRaw: %v", err)
		}
		if sig.Status != models.SignalRejected {
			t.Fatalf("expected cap REJECTED, got %s", sig.Status)
		}
		if !strings.Contains(sig.ExecutionMessage, "cap") {
			t.Fatalf("expected cap rejection message, got %q", sig.ExecutionMessage)
		}
	})
}

func TestResumeRelaunchesLiveBots(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	orch := newOrchestratorHarness(store, &fakeAnalyzer{analyses: []Analysis{longAnalysis()}})
	defer orch.runner.Shutdown()

	if _, err := orch.ProcessRaw(ctx, "u1", "telegram", "chat-1", "btc"); err != nil {
		t.Fatalf("ProcessRaw: %v", err)
	}
	bot, _ := store.ActiveTelegramBotForSymbol(ctx, "u1", "BTC/USDT")
	orch.runner.Stop(bot.ID)
	waitFor(t, time.Second, func() bool { return !orch.runner.Running(bot.ID) })

	if err := orch.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !orch.runner.Running(bot.ID) {
		t.Fatal("expected the live bot to be monitored again after resume")
	}
}

func TestNormalizeTakeProfitsEvenSplit(t *testing.T) {
	tps := normalizeTakeProfits(100, []TakeProfitTarget{
		{Price: 103},
		{Price: 101},
		{Price: 102},
	})
	if len(tps) != 3 {
		t.Fatalf("expected 3 rungs, got %d", len(tps))
	}
	if tps[0].Price != 101 || tps[1].Price != 102 || tps[2].Price != 103 {
		t.Fatalf("expected closeness ordering, got %+v", tps)
	}
	total := 0.0
	for _, tp := range tps {
		total += tp.Percent
	}
	if math.Abs(total-100) > 1e-9 {
		t.Fatalf("expected percents to sum 100, got %v", total)
	}
}
