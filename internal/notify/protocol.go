package notify

import (
	"encoding/json"
	"fmt"

	"github.com/jikey8911/signalkey/pkg/models"
)

// Inbound client actions.
const (
	ActionSubscribeBot    = "SUBSCRIBE_BOT"
	ActionUnsubscribeBot  = "UNSUBSCRIBE_BOT"
	ActionPricesSubscribe = "PRICES_SUBSCRIBE"
	ActionPing            = "PING"
)

// BotTopic is the per-bot event topic.
func BotTopic(botID string) string {
	return "bot:" + botID
}

// PriceTopic is the per-market price stream topic. The market type is
// folded to its canonical form so SPOT and FUTURES subscribers land on
// the same key the emitter uses.
func PriceTopic(exchangeID string, market models.CanonicalMarket, symbol string) string {
	return fmt.Sprintf("prices:%s:%s:%s", exchangeID, market, symbol)
}

// PriceItem selects one market key of the shared price stream.
type PriceItem struct {
	ExchangeID string `json:"exchangeId"`
	MarketType string `json:"marketType"`
	Symbol     string `json:"symbol"`
}

// clientMessage is the inbound frame format.
type clientMessage struct {
	Action string      `json:"action"`
	BotID  string      `json:"bot_id,omitempty"`
	Items  []PriceItem `json:"items,omitempty"`
}

// HandleMessage dispatches one inbound client frame. Unknown actions
// and malformed frames return an error; the connection stays open,
// closing on bad input is the caller's call.
func (b *Bus) HandleMessage(conn Conn, raw []byte) error {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("malformed client frame: %w", err)
	}

	switch msg.Action {
	case ActionSubscribeBot:
		if msg.BotID == "" {
			return fmt.Errorf("SUBSCRIBE_BOT requires bot_id")
		}
		b.SubscribeTopic(conn, BotTopic(msg.BotID))
		return nil

	case ActionUnsubscribeBot:
		if msg.BotID == "" {
			return fmt.Errorf("UNSUBSCRIBE_BOT requires bot_id")
		}
		b.UnsubscribeTopic(conn, BotTopic(msg.BotID))
		return nil

	case ActionPricesSubscribe:
		if len(msg.Items) == 0 {
			return fmt.Errorf("PRICES_SUBSCRIBE requires items")
		}
		for _, item := range msg.Items {
			b.SubscribeTopic(conn, PriceTopic(item.ExchangeID, models.Canonical(item.MarketType), item.Symbol))
		}
		return nil

	case ActionPing:
		return conn.WriteJSON(Event{Event: EventPong})

	default:
		return fmt.Errorf("unknown action %q", msg.Action)
	}
}
