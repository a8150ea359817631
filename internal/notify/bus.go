package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jikey8911/signalkey/pkg/logger"
	"github.com/jikey8911/signalkey/pkg/models"
)

// Conn is one outbound client connection. The websocket adapter and
// test fakes implement it; WriteJSON must be safe for concurrent use.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Event is the wire envelope for every outbound notification.
// Timestamps live inside the data document and are always UTC so they
// serialize as RFC3339 with a Z suffix.
type Event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// Event names emitted by the core. Signal events carry the signal
// document; telegram trade events carry the signal bot document.
const (
	EventBalanceUpdate       = "balance_update"
	EventBotUpdate           = "bot_update"
	EventOperationUpdate     = "operation_update"
	EventPriceUpdate         = "price_update"
	EventSignalNew           = "signal_new"
	EventSignalUpdate        = "signal_update"
	EventTelegramTradeNew    = "telegram_trade_new"
	EventTelegramTradeUpdate = "telegram_trade_update"
	EventPong                = "PONG"
)

// Bus fans events out to connected clients. Delivery is best effort:
// a failing connection is dropped from every index and closed, the
// rest keep receiving.
type Bus struct {
	mu     sync.Mutex
	users  map[string]map[Conn]struct{}
	topics map[string]map[Conn]struct{}
}

// NewBus creates an empty notification bus.
func NewBus() *Bus {
	return &Bus{
		users:  make(map[string]map[Conn]struct{}),
		topics: make(map[string]map[Conn]struct{}),
	}
}

// Register attaches a connection to its user.
func (b *Bus) Register(userID string, conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.users[userID]
	if !ok {
		set = make(map[Conn]struct{})
		b.users[userID] = set
	}
	set[conn] = struct{}{}
}

// Unregister detaches a connection from every index and closes it.
func (b *Bus) Unregister(conn Conn) {
	b.mu.Lock()
	b.removeLocked(conn)
	b.mu.Unlock()
	conn.Close()
}

// SubscribeTopic attaches a connection to one topic.
func (b *Bus) SubscribeTopic(conn Conn, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.topics[topic]
	if !ok {
		set = make(map[Conn]struct{})
		b.topics[topic] = set
	}
	set[conn] = struct{}{}
}

// UnsubscribeTopic detaches a connection from one topic.
func (b *Bus) UnsubscribeTopic(conn Conn, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.topics[topic]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(b.topics, topic)
		}
	}
}

// EmitUser sends one event to every connection of a user.
func (b *Bus) EmitUser(userID string, event Event) {
	b.mu.Lock()
	conns := connSnapshot(b.users[userID])
	b.mu.Unlock()

	b.send(conns, event)
}

// EmitTopic sends one event to every subscriber of a topic.
func (b *Bus) EmitTopic(topic string, event Event) {
	b.mu.Lock()
	conns := connSnapshot(b.topics[topic])
	b.mu.Unlock()

	b.send(conns, event)
}

func (b *Bus) send(conns []Conn, event Event) {
	for _, conn := range conns {
		if err := conn.WriteJSON(event); err != nil {
			logger.Debug("dropping failed client connection",
				zap.String("event", event.Event),
				zap.Error(err),
			)
			b.mu.Lock()
			b.removeLocked(conn)
			b.mu.Unlock()
			conn.Close()
		}
	}
}

func (b *Bus) removeLocked(conn Conn) {
	for userID, set := range b.users {
		delete(set, conn)
		if len(set) == 0 {
			delete(b.users, userID)
		}
	}
	for topic, set := range b.topics {
		delete(set, conn)
		if len(set) == 0 {
			delete(b.topics, topic)
		}
	}
}

func connSnapshot(set map[Conn]struct{}) []Conn {
	out := make([]Conn, 0, len(set))
	for conn := range set {
		out = append(out, conn)
	}
	return out
}

// UserConns returns the number of live connections for one user.
func (b *Bus) UserConns(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.users[userID])
}

// BalanceUpdate implements the ledger event sink.
func (b *Bus) BalanceUpdate(userID string, marketType models.CanonicalMarket, asset string, amount float64) {
	b.EmitUser(userID, Event{
		Event: EventBalanceUpdate,
		Data: map[string]interface{}{
			"marketType": marketType,
			"asset":      asset,
			"amount":     amount,
			"updatedAt":  time.Now().UTC(),
		},
	})
}

// BotUpdate pushes the current bot snapshot to its owner and to the
// bot topic.
func (b *Bus) BotUpdate(bot *models.BotInstance) {
	event := Event{Event: EventBotUpdate, Data: bot}
	b.EmitUser(bot.UserID, event)
	b.EmitTopic(BotTopic(bot.ID), event)
}

// TradeExecuted pushes one executed trade to its owner.
func (b *Bus) TradeExecuted(trade *models.Trade) {
	b.EmitUser(trade.UserID, Event{Event: EventOperationUpdate, Data: trade})
}

// PriceUpdate pushes a shared price tick to its market's price topic.
func (b *Bus) PriceUpdate(exchangeID string, market models.CanonicalMarket, symbol string, price float64, ts time.Time) {
	b.EmitTopic(PriceTopic(exchangeID, market, symbol), Event{
		Event: EventPriceUpdate,
		Data: map[string]interface{}{
			"exchangeId": exchangeID,
			"marketType": market,
			"symbol":     symbol,
			"price":      price,
			"ts":         ts.UTC(),
		},
	})
}

// SignalNew pushes a freshly persisted signal document to its owner.
func (b *Bus) SignalNew(userID string, sig *models.ExternalSignal) {
	b.EmitUser(userID, Event{Event: EventSignalNew, Data: sig})
}

// SignalUpdate pushes a signal document status change to its owner.
func (b *Bus) SignalUpdate(userID string, sig *models.ExternalSignal) {
	b.EmitUser(userID, Event{Event: EventSignalUpdate, Data: sig})
}

// TelegramTradeNew pushes a newly launched signal bot to its owner.
func (b *Bus) TelegramTradeNew(userID string, bot *models.TelegramBot) {
	b.EmitUser(userID, Event{Event: EventTelegramTradeNew, Data: bot})
}

// TelegramTradeUpdate pushes a signal bot lifecycle change to its
// owner.
func (b *Bus) TelegramTradeUpdate(userID string, bot *models.TelegramBot) {
	b.EmitUser(userID, Event{Event: EventTelegramTradeUpdate, Data: bot})
}
