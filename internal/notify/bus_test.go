package notify

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jikey8911/signalkey/pkg/models"
)

type fakeConn struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.events = append(c.events, v.(Event))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *fakeConn) last() Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[len(c.events)-1]
}

func TestEmitUserReachesAllUserConns(t *testing.T) {
	bus := NewBus()
	a, b := &fakeConn{}, &fakeConn{}
	bus.Register("u1", a)
	bus.Register("u1", b)
	other := &fakeConn{}
	bus.Register("u2", other)

	bus.EmitUser("u1", Event{Event: EventBotUpdate})

	if a.count() != 1 || b.count() != 1 {
		t.Errorf("u1 conns got %d/%d events, want 1/1", a.count(), b.count())
	}
	if other.count() != 0 {
		t.Error("u2 must not receive u1 events")
	}
}

func TestFailingConnIsDroppedOthersKeepReceiving(t *testing.T) {
	bus := NewBus()
	good, bad := &fakeConn{}, &fakeConn{fail: true}
	bus.Register("u1", good)
	bus.Register("u1", bad)

	bus.EmitUser("u1", Event{Event: EventOperationUpdate})
	bus.EmitUser("u1", Event{Event: EventOperationUpdate})

	if good.count() != 2 {
		t.Errorf("healthy conn got %d events, want 2", good.count())
	}
	if !bad.closed {
		t.Error("failing conn must be closed")
	}
	if bus.UserConns("u1") != 1 {
		t.Errorf("user conns = %d, want 1", bus.UserConns("u1"))
	}
}

func TestTopicSubscriptions(t *testing.T) {
	bus := NewBus()
	conn := &fakeConn{}
	bus.Register("u1", conn)
	bus.SubscribeTopic(conn, BotTopic("b1"))

	bus.EmitTopic(BotTopic("b1"), Event{Event: EventBotUpdate})
	bus.EmitTopic(BotTopic("b2"), Event{Event: EventBotUpdate})

	if conn.count() != 1 {
		t.Fatalf("got %d events, want 1", conn.count())
	}

	bus.UnsubscribeTopic(conn, BotTopic("b1"))
	bus.EmitTopic(BotTopic("b1"), Event{Event: EventBotUpdate})
	if conn.count() != 1 {
		t.Error("unsubscribed conn must not receive topic events")
	}
}

func TestTradeEmitsOperationUpdate(t *testing.T) {
	bus := NewBus()
	conn := &fakeConn{}
	bus.Register("u1", conn)

	bus.TradeExecuted(&models.Trade{UserID: "u1", Symbol: "BTC/USDT"})

	if conn.count() != 1 || conn.last().Event != EventOperationUpdate {
		t.Fatalf("expected one operation_update, got %d events, last %q", conn.count(), conn.last().Event)
	}
}

func TestSignalAndTelegramTradeEventKinds(t *testing.T) {
	bus := NewBus()
	conn := &fakeConn{}
	bus.Register("u1", conn)

	bus.SignalNew("u1", &models.ExternalSignal{ID: "s1", UserID: "u1"})
	if conn.last().Event != EventSignalNew {
		t.Errorf("got %q, want signal_new", conn.last().Event)
	}

	bus.SignalUpdate("u1", &models.ExternalSignal{ID: "s1", UserID: "u1"})
	if conn.last().Event != EventSignalUpdate {
		t.Errorf("got %q, want signal_update", conn.last().Event)
	}

	bus.TelegramTradeNew("u1", &models.TelegramBot{ID: "b1", UserID: "u1"})
	if conn.last().Event != EventTelegramTradeNew {
		t.Errorf("got %q, want telegram_trade_new", conn.last().Event)
	}

	bus.TelegramTradeUpdate("u1", &models.TelegramBot{ID: "b1", UserID: "u1"})
	if conn.last().Event != EventTelegramTradeUpdate {
		t.Errorf("got %q, want telegram_trade_update", conn.last().Event)
	}
}

func TestPriceUpdatePayload(t *testing.T) {
	bus := NewBus()
	conn := &fakeConn{}
	bus.Register("u1", conn)
	bus.SubscribeTopic(conn, PriceTopic("binance", models.CanonicalCEX, "BTC/USDT"))

	loc := time.FixedZone("UTC+5", 5*3600)
	bus.PriceUpdate("binance", models.CanonicalCEX, "BTC/USDT", 50000, time.Date(2026, 1, 2, 10, 0, 0, 0, loc))

	if conn.count() != 1 || conn.last().Event != EventPriceUpdate {
		t.Fatalf("expected one price_update, got %d events", conn.count())
	}
	raw, err := json.Marshal(conn.last())
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`"marketType":"CEX"`,
		`"exchangeId":"binance"`,
		`"symbol":"BTC/USDT"`,
		`"ts":"2026-01-02T05:00:00Z"`,
	} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("price payload missing %s, got %s", want, raw)
		}
	}
}

func TestHandleMessageProtocol(t *testing.T) {
	bus := NewBus()
	conn := &fakeConn{}
	bus.Register("u1", conn)

	t.Run("ping pong", func(t *testing.T) {
		if err := bus.HandleMessage(conn, []byte(`{"action":"PING"}`)); err != nil {
			t.Fatal(err)
		}
		if conn.last().Event != EventPong {
			t.Errorf("got %q, want pong", conn.last().Event)
		}
	})

	t.Run("subscribe bot routes events", func(t *testing.T) {
		if err := bus.HandleMessage(conn, []byte(`{"action":"SUBSCRIBE_BOT","bot_id":"b1"}`)); err != nil {
			t.Fatal(err)
		}
		before := conn.count()
		bus.EmitTopic(BotTopic("b1"), Event{Event: EventBotUpdate})
		if conn.count() != before+1 {
			t.Error("subscribed conn must receive bot events")
		}
	})

	t.Run("prices subscribe binds listed markets only", func(t *testing.T) {
		msg := `{"action":"PRICES_SUBSCRIBE","items":[{"exchangeId":"binance","marketType":"SPOT","symbol":"BTC/USDT"}]}`
		if err := bus.HandleMessage(conn, []byte(msg)); err != nil {
			t.Fatal(err)
		}
		before := conn.count()
		bus.PriceUpdate("binance", models.CanonicalCEX, "BTC/USDT", 50000, time.Now())
		if conn.count() != before+1 {
			t.Error("prices subscriber must receive updates for its market")
		}
		bus.PriceUpdate("binance", models.CanonicalCEX, "ETH/USDT", 3000, time.Now())
		if conn.count() != before+1 {
			t.Error("unlisted market must not reach the subscriber")
		}
	})

	t.Run("errors", func(t *testing.T) {
		if err := bus.HandleMessage(conn, []byte(`{"action":"SUBSCRIBE_BOT"}`)); err == nil {
			t.Error("missing bot_id must error")
		}
		if err := bus.HandleMessage(conn, []byte(`{"action":"PRICES_SUBSCRIBE"}`)); err == nil {
			t.Error("PRICES_SUBSCRIBE without items must error")
		}
		if err := bus.HandleMessage(conn, []byte(`not json`)); err == nil {
			t.Error("malformed frame must error")
		}
		if err := bus.HandleMessage(conn, []byte(`{"action":"NOPE"}`)); err == nil {
			t.Error("unknown action must error")
		}
	})
}

func TestBalanceUpdateSink(t *testing.T) {
	bus := NewBus()
	conn := &fakeConn{}
	bus.Register("u1", conn)

	bus.BalanceUpdate("u1", models.CanonicalCEX, "USDT", 832.08)

	if conn.count() != 1 || conn.last().Event != EventBalanceUpdate {
		t.Fatalf("expected one balance_update, got %d events", conn.count())
	}
}
