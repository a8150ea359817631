package signals

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jikey8911/signalkey/internal/adapters/exchange"
	"github.com/jikey8911/signalkey/internal/engine"
	"github.com/jikey8911/signalkey/internal/stream"
	"github.com/jikey8911/signalkey/pkg/models"
)

// memStore is an in-memory Store for workflow and sweeper tests.
type memStore struct {
	mu      sync.Mutex
	signals map[string]*models.ExternalSignal
	bots    map[string]*models.TelegramBot
	items   map[string]*models.TelegramTradeItem
	nextID  int
}

func newMemStore() *memStore {
	return &memStore{
		signals: make(map[string]*models.ExternalSignal),
		bots:    make(map[string]*models.TelegramBot),
		items:   make(map[string]*models.TelegramTradeItem),
	}
}

func (m *memStore) id() string {
	m.nextID++
	return fmt.Sprintf("id-%d", m.nextID)
}

func (m *memStore) CreateSignal(ctx context.Context, sig *models.ExternalSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sig.ID == "" {
		sig.ID = m.id()
	}
	if sig.Status == "" {
		sig.Status = models.SignalProcessing
	}
	cp := *sig
	m.signals[sig.ID] = &cp
	return nil
}

func (m *memStore) UpdateSignalOutcome(ctx context.Context, signalID string, status models.SignalStatus, symbol, decision, message string, confidence float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sig, ok := m.signals[signalID]; ok {
		sig.Status = status
		sig.Symbol = symbol
		sig.Decision = decision
		sig.ExecutionMessage = message
		sig.Confidence = confidence
	}
	return nil
}

func (m *memStore) SetSignalStatus(ctx context.Context, signalID string, status models.SignalStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sig, ok := m.signals[signalID]; ok {
		sig.Status = status
	}
	return nil
}

func (m *memStore) CreateTelegramBot(ctx context.Context, bot *models.TelegramBot, items []models.TelegramTradeItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bot.ID == "" {
		bot.ID = m.id()
	}
	if bot.Status == "" {
		bot.Status = models.TGWaitingEntry
	}
	cp := *bot
	m.bots[bot.ID] = &cp
	for i := range items {
		item := items[i]
		if item.ID == "" {
			item.ID = m.id()
		}
		item.BotID = bot.ID
		item.UserID = bot.UserID
		items[i] = item
		icp := item
		m.items[item.ID] = &icp
	}
	return nil
}

func (m *memStore) GetTelegramBot(ctx context.Context, botID string) (*models.TelegramBot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bot, ok := m.bots[botID]
	if !ok {
		return nil, nil
	}
	cp := *bot
	return &cp, nil
}

func (m *memStore) ActiveTelegramBotForSymbol(ctx context.Context, userID, symbol string) (*models.TelegramBot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, bot := range m.bots {
		if bot.UserID == userID && bot.Symbol == symbol &&
			(bot.Status == models.TGWaitingEntry || bot.Status == models.TGActive) {
			cp := *bot
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) CountActiveTelegramBots(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, bot := range m.bots {
		if bot.UserID == userID &&
			(bot.Status == models.TGWaitingEntry || bot.Status == models.TGActive) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListLiveTelegramBots(ctx context.Context) ([]*models.TelegramBot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TelegramBot
	for _, bot := range m.bots {
		if bot.Status == models.TGWaitingEntry || bot.Status == models.TGActive {
			cp := *bot
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) MarkEntered(ctx context.Context, botID string, actualEntryPrice float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bot, ok := m.bots[botID]; ok {
		bot.Status = models.TGActive
		bot.ActualEntryPrice = actualEntryPrice
	}
	return nil
}

func (m *memStore) UpdateUnrealizedPnL(ctx context.Context, botID string, pnlPct float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bot, ok := m.bots[botID]; ok {
		bot.UnrealizedPnLPct = pnlPct
	}
	return nil
}

func (m *memStore) CloseTelegramBot(ctx context.Context, botID string, status models.TelegramBotStatus, exitReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bot, ok := m.bots[botID]; ok {
		bot.Status = status
		bot.ExitReason = exitReason
	}
	for _, item := range m.items {
		if item.BotID == botID &&
			(item.Status == models.ItemPending || item.Status == models.ItemActive) {
			item.Status = models.ItemCancelled
		}
	}
	return nil
}

func (m *memStore) ListItems(ctx context.Context, botID string) ([]models.TelegramTradeItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TelegramTradeItem
	for _, item := range m.items {
		if item.BotID == botID {
			out = append(out, *item)
		}
	}
	// Stable kind+level ordering, as the SQL does.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Kind < out[i].Kind ||
				(out[j].Kind == out[i].Kind && out[j].Level < out[i].Level) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (m *memStore) SetItemStatus(ctx context.Context, itemID string, status models.TradeItemStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.items[itemID]; ok {
		item.Status = status
	}
	return nil
}

func (m *memStore) ReplaceRiskItems(ctx context.Context, bot *models.TelegramBot, newSL *float64, newTPs []models.TelegramTradeItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cancel := func(kind models.TradeItemKind) {
		for _, item := range m.items {
			if item.BotID == bot.ID && item.Kind == kind &&
				(item.Status == models.ItemPending || item.Status == models.ItemActive) {
				item.Status = models.ItemCancelled
			}
		}
	}

	if newSL != nil {
		cancel(models.ItemSL)
		id := m.id()
		m.items[id] = &models.TelegramTradeItem{
			ID: id, BotID: bot.ID, UserID: bot.UserID,
			Kind: models.ItemSL, TargetPrice: *newSL, Status: models.ItemActive,
		}
	}
	if len(newTPs) > 0 {
		cancel(models.ItemTP)
		for i := range newTPs {
			item := newTPs[i]
			item.ID = m.id()
			item.BotID = bot.ID
			item.UserID = bot.UserID
			icp := item
			m.items[icp.ID] = &icp
		}
	}
	return nil
}

func (m *memStore) ListExpired(ctx context.Context, now time.Time) ([]*models.TelegramBot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TelegramBot
	for _, bot := range m.bots {
		if bot.ExpiresAt != nil && !bot.ExpiresAt.After(now) &&
			bot.ExpiryHandledAt == nil &&
			(bot.Status == models.TGWaitingEntry || bot.Status == models.TGActive) {
			cp := *bot
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) MarkExpiryHandled(ctx context.Context, botID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bot, ok := m.bots[botID]
	if !ok || bot.ExpiryHandledAt != nil {
		return false, nil
	}
	bot.ExpiryHandledAt = &at
	return true, nil
}

func (m *memStore) itemsByKind(botID string, kind models.TradeItemKind) []models.TelegramTradeItem {
	items, _ := m.ListItems(context.Background(), botID)
	var out []models.TelegramTradeItem
	for _, item := range items {
		if item.Kind == kind {
			out = append(out, item)
		}
	}
	return out
}

// fakeTrader records engine calls and simulates fills.
type fakeTrader struct {
	mu          sync.Mutex
	opens       int
	closes      int
	portions    []float64
	blockReason string
}

func (f *fakeTrader) Execute(ctx context.Context, bot *models.BotInstance, sig engine.SignalData) (*engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blockReason != "" {
		return &engine.Result{Blocked: true, Reason: f.blockReason}, nil
	}
	f.opens++
	bot.Side = sig.Signal.Side()
	bot.Position.Qty = bot.Amount / sig.Price
	bot.Position.AvgPrice = sig.Price
	return &engine.Result{Executed: true, Action: engine.ActionOpen}, nil
}

func (f *fakeTrader) Close(ctx context.Context, userID string, bot *models.BotInstance, price float64) (*engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	bot.Position.Qty = 0
	bot.Side = models.SideNone
	return &engine.Result{Executed: true}, nil
}

func (f *fakeTrader) ClosePortion(ctx context.Context, userID string, bot *models.BotInstance, price, fraction float64, reason string) (*engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.portions = append(f.portions, fraction)
	bot.Position.Qty *= 1 - fraction
	if fraction == 1 {
		f.closes++
		bot.Side = models.SideNone
	}
	return &engine.Result{Executed: true}, nil
}

func (f *fakeTrader) stats() (opens, closes int, portions []float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.closes, append([]float64(nil), f.portions...)
}

// fakeStream captures ticker listeners so tests can script prices.
type fakeStream struct {
	mu  sync.Mutex
	fns map[string]stream.TickerFunc
}

func newFakeStream() *fakeStream {
	return &fakeStream{fns: make(map[string]stream.TickerFunc)}
}

func (f *fakeStream) SubscribeTicker(exchangeID string, marketType models.MarketType, symbol, subscriberID string, fn stream.TickerFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fns[subscriberID] = fn
	return nil
}

func (f *fakeStream) UnsubscribeTicker(exchangeID string, marketType models.MarketType, symbol, subscriberID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.fns, subscriberID)
}

func (f *fakeStream) Push(price float64) {
	f.mu.Lock()
	fns := make([]stream.TickerFunc, 0, len(f.fns))
	for _, fn := range f.fns {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(stream.TickerUpdate{Last: price, Ts: time.Now()})
	}
}

func (f *fakeStream) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fns)
}

// fakeEvents counts emitted events by kind.
type fakeEvents struct {
	mu           sync.Mutex
	signalNews   int
	signalUpds   int
	tradeNews    int
	tradeUpds    int
	lastTradeBot *models.TelegramBot
}

func (f *fakeEvents) SignalNew(userID string, sig *models.ExternalSignal) {
	f.mu.Lock()
	f.signalNews++
	f.mu.Unlock()
}

func (f *fakeEvents) SignalUpdate(userID string, sig *models.ExternalSignal) {
	f.mu.Lock()
	f.signalUpds++
	f.mu.Unlock()
}

func (f *fakeEvents) TelegramTradeNew(userID string, bot *models.TelegramBot) {
	f.mu.Lock()
	f.tradeNews++
	f.lastTradeBot = bot
	f.mu.Unlock()
}

func (f *fakeEvents) TelegramTradeUpdate(userID string, bot *models.TelegramBot) {
	f.mu.Lock()
	f.tradeUpds++
	f.lastTradeBot = bot
	f.mu.Unlock()
}

// fakeAnalyzer returns scripted results.
type fakeAnalyzer struct {
	analyses []Analysis
	decision *ExpiryDecision
	err      error

	mu    sync.Mutex
	calls int
}

func (f *fakeAnalyzer) AnalyzeSignal(ctx context.Context, rawText string) ([]Analysis, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.analyses, nil
}

func (f *fakeAnalyzer) DecideExpiry(ctx context.Context, bot *models.TelegramBot, items []models.TelegramTradeItem) (*ExpiryDecision, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.decision, nil
}

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeMarkets serves one shared mock exchange.
type fakeMarkets struct {
	ex *exchange.MockExchange
}

func (f *fakeMarkets) Public(exchangeID string, marketType models.MarketType) (exchange.Exchange, error) {
	return f.ex, nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}
