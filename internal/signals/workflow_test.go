package signals

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/jikey8911/signalkey/internal/adapters/config"
	"github.com/jikey8911/signalkey/pkg/models"
)

func testSignalsConfig() *config.SignalsConfig {
	return &config.SignalsConfig{
		ProximityPct:    0.5,
		MonitorInterval: 3 * time.Millisecond,
		SweeperInterval: time.Minute,
	}
}

func ladderBot(t *testing.T, store *memStore) *models.TelegramBot {
	t.Helper()

	sig := &models.ExternalSignal{ID: "sig-1", UserID: "u1", Source: "telegram"}
	cfg := &models.AppConfig{
		UserID:       "u1",
		TradingMode:  "demo",
		CEXMaxAmount: 1000,
	}
	a := &Analysis{
		Decision:  "trade",
		Symbol:    "BTC/USDT",
		Direction: "LONG",
		IsSafe:    true,
		Params: AnalysisParams{
			EntryPrice: 100,
			StopLoss:   95,
			TakeProfits: []TakeProfitTarget{
				{Price: 101, Percent: 50},
				{Price: 102, Percent: 50},
			},
			Investment: 100,
		},
		Confidence: 0.9,
	}

	bot, items := buildPlan(sig, cfg, "chat-1", "BTC/USDT", models.MarketSpot, "binance", a)
	if err := store.CreateTelegramBot(context.Background(), bot, items); err != nil {
		t.Fatalf("CreateTelegramBot: %v", err)
	}
	return bot
}

func TestTakeProfitLadder(t *testing.T) {
	store := newMemStore()
	trader := &fakeTrader{}
	streams := newFakeStream()
	events := &fakeEvents{}
	runner := NewRunner(testSignalsConfig(), store, trader, streams, events)
	defer runner.Shutdown()

	bot := ladderBot(t, store)
	runner.Launch(bot)
	waitFor(t, time.Second, func() bool { return streams.subscribers() == 1 })

	// Far from entry: passive phase, nothing fills.
	streams.Push(99)
	time.Sleep(20 * time.Millisecond)
	got, _ := store.GetTelegramBot(context.Background(), bot.ID)
	if got.Status != models.TGWaitingEntry {
		t.Fatalf("expected WAITING_ENTRY before proximity, got %s", got.Status)
	}
	if opens, _, _ := trader.stats(); opens != 0 {
		t.Fatalf("expected no entry yet, got %d opens", opens)
	}

	// 100.5 is within 0.5% of entry and above it: LONG fills here.
	streams.Push(100.5)
	waitFor(t, time.Second, func() bool {
		b, _ := store.GetTelegramBot(context.Background(), bot.ID)
		return b.Status == models.TGActive && b.ActualEntryPrice == 100.5
	})
	if opens, _, _ := trader.stats(); opens != 1 {
		t.Fatalf("expected 1 entry open, got %d", opens)
	}

	// First rung: half the position comes off.
	streams.Push(101.3)
	waitFor(t, time.Second, func() bool {
		_, _, portions := trader.stats()
		return len(portions) == 1
	})
	_, _, portions := trader.stats()
	if math.Abs(portions[0]-0.5) > 1e-9 {
		t.Fatalf("expected first close fraction 0.5, got %v", portions[0])
	}

	// Between rungs: nothing else fires.
	streams.Push(101.8)
	time.Sleep(20 * time.Millisecond)
	if _, _, p := trader.stats(); len(p) != 1 {
		t.Fatalf("expected no extra closes at 101.8, got %d", len(p))
	}

	// Last rung closes the remainder and retires the bot.
	streams.Push(102.1)
	waitFor(t, time.Second, func() bool {
		b, _ := store.GetTelegramBot(context.Background(), bot.ID)
		return b.Status == models.TGClosed
	})

	got, _ = store.GetTelegramBot(context.Background(), bot.ID)
	if got.ExitReason != "all_tps_hit" {
		t.Fatalf("expected exit reason all_tps_hit, got %q", got.ExitReason)
	}
	opens, closes, portions := trader.stats()
	if opens != 1 || len(portions) != 2 {
		t.Fatalf("expected 1 open and 2 partial closes, got %d/%d", opens, len(portions))
	}
	if portions[1] != 1 {
		t.Fatalf("expected final close fraction 1, got %v", portions[1])
	}
	if closes != 1 {
		// The final rung closes via ClosePortion with fraction 1.
		t.Fatalf("expected exactly the ladder exit, got %d closes", closes)
	}

	for _, item := range store.itemsByKind(bot.ID, models.ItemTP) {
		if item.Status != models.ItemHit {
			t.Fatalf("expected every TP HIT, level %d is %s", item.Level, item.Status)
		}
	}
	waitFor(t, time.Second, func() bool { return !runner.Running(bot.ID) })
}

func TestStopLossClosesPosition(t *testing.T) {
	store := newMemStore()
	trader := &fakeTrader{}
	streams := newFakeStream()
	runner := NewRunner(testSignalsConfig(), store, trader, streams, &fakeEvents{})
	defer runner.Shutdown()

	bot := ladderBot(t, store)
	runner.Launch(bot)
	waitFor(t, time.Second, func() bool { return streams.subscribers() == 1 })

	streams.Push(100.2)
	waitFor(t, time.Second, func() bool {
		b, _ := store.GetTelegramBot(context.Background(), bot.ID)
		return b.Status == models.TGActive
	})

	streams.Push(94.5)
	waitFor(t, time.Second, func() bool {
		b, _ := store.GetTelegramBot(context.Background(), bot.ID)
		return b.Status == models.TGClosed
	})

	got, _ := store.GetTelegramBot(context.Background(), bot.ID)
	if got.ExitReason != "stop_loss" {
		t.Fatalf("expected stop_loss exit, got %q", got.ExitReason)
	}
	if _, closes, portions := trader.stats(); closes != 1 || len(portions) != 0 {
		t.Fatalf("expected one full close and no partials, got %d/%d", closes, len(portions))
	}

	// TPs never fired and are cancelled with the bot.
	for _, item := range store.itemsByKind(bot.ID, models.ItemTP) {
		if item.Status != models.ItemCancelled {
			t.Fatalf("expected TP cancelled after stop, got %s", item.Status)
		}
	}
}

func TestBlockedEntryCancelsBot(t *testing.T) {
	store := newMemStore()
	trader := &fakeTrader{blockReason: "insufficient_balance"}
	streams := newFakeStream()
	runner := NewRunner(testSignalsConfig(), store, trader, streams, &fakeEvents{})
	defer runner.Shutdown()

	bot := ladderBot(t, store)
	runner.Launch(bot)
	waitFor(t, time.Second, func() bool { return streams.subscribers() == 1 })

	streams.Push(100.1)
	waitFor(t, time.Second, func() bool {
		b, _ := store.GetTelegramBot(context.Background(), bot.ID)
		return b.Status == models.TGCancelled
	})

	got, _ := store.GetTelegramBot(context.Background(), bot.ID)
	if got.ExitReason != "insufficient_balance" {
		t.Fatalf("expected block reason recorded, got %q", got.ExitReason)
	}
}

func TestLaunchIsIdempotent(t *testing.T) {
	store := newMemStore()
	streams := newFakeStream()
	runner := NewRunner(testSignalsConfig(), store, &fakeTrader{}, streams, &fakeEvents{})
	defer runner.Shutdown()

	bot := ladderBot(t, store)
	runner.Launch(bot)
	runner.Launch(bot)
	waitFor(t, time.Second, func() bool { return streams.subscribers() == 1 })

	if !runner.Running(bot.ID) {
		t.Fatal("expected bot to be monitored")
	}

	runner.Stop(bot.ID)
	waitFor(t, time.Second, func() bool { return streams.subscribers() == 0 })
}
