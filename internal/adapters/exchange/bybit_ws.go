package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jikey8911/signalkey/pkg/logger"
	"github.com/jikey8911/signalkey/pkg/models"
)

// bybitIntervals maps standard timeframes to Bybit V5 intervals.
var bybitIntervals = map[string]string{
	"1m":  "1",
	"5m":  "5",
	"15m": "15",
	"30m": "30",
	"1h":  "60",
	"4h":  "240",
	"1d":  "D",
}

// socketGroup owns one kline websocket per watched (symbol, timeframe)
// and tears all of them down on adapter close.
type socketGroup struct {
	url     string
	mu      sync.Mutex
	sockets []*klineSocket
	closed  bool
}

func newSocketGroup(testnet bool) *socketGroup {
	url := "wss://stream.bybit.com/v5/public/linear"
	if testnet {
		url = "wss://stream-testnet.bybit.com/v5/public/linear"
	}
	return &socketGroup{url: url}
}

func (g *socketGroup) watchKlines(ctx context.Context, symbol, timeframe string) (<-chan models.Candle, error) {
	interval, ok := bybitIntervals[timeframe]
	if !ok {
		return nil, wrap(KindMarket, fmt.Errorf("unsupported timeframe %q", timeframe))
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, wrap(KindNetwork, context.Canceled)
	}

	sock := newKlineSocket(g.url, symbol, timeframe, interval)
	g.sockets = append(g.sockets, sock)
	g.mu.Unlock()

	if err := sock.start(ctx); err != nil {
		return nil, err
	}

	return sock.candles, nil
}

func (g *socketGroup) close() error {
	g.mu.Lock()
	g.closed = true
	sockets := g.sockets
	g.sockets = nil
	g.mu.Unlock()

	for _, sock := range sockets {
		sock.stop()
	}
	return nil
}

// klineSocket streams one (symbol, timeframe) kline topic over the
// Bybit V5 public websocket.
type klineSocket struct {
	url       string
	symbol    string
	timeframe string
	topic     string
	candles   chan models.Candle
	cancel    context.CancelFunc
	mu        sync.Mutex
	conn      *websocket.Conn
}

// wsMessage is the Bybit V5 envelope.
type wsMessage struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Ts    int64           `json:"ts"`
}

// wsKline is one kline row of a V5 message.
type wsKline struct {
	Start    int64  `json:"start"`
	Interval string `json:"interval"`
	Open     string `json:"open"`
	Close    string `json:"close"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Volume   string `json:"volume"`
	Confirm  bool   `json:"confirm"`
}

func newKlineSocket(url, symbol, timeframe, interval string) *klineSocket {
	return &klineSocket{
		url:       url,
		symbol:    symbol,
		timeframe: timeframe,
		topic:     fmt.Sprintf("kline.%s.%s", interval, strings.ReplaceAll(symbol, "/", "")),
		candles:   make(chan models.Candle, 256),
	}
}

func (s *klineSocket) start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.connect(); err != nil {
		cancel()
		return wrap(Classify(err), err)
	}

	go s.run(ctx)
	go s.pingLoop(ctx)

	return nil
}

func (s *klineSocket) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect kline socket: %w", err)
	}

	sub := map[string]interface{}{
		"op":   "subscribe",
		"args": []string{s.topic},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe %s: %w", s.topic, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	logger.Debug("kline socket subscribed",
		zap.String("topic", s.topic),
	)

	return nil
}

// run reads until cancellation, reconnecting on read failures.
func (s *klineSocket) run(ctx context.Context) {
	defer close(s.candles)
	defer s.closeConn()

	reconnectDelay := time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kline socket read error, reconnecting",
				zap.String("topic", s.topic),
				zap.Duration("delay", reconnectDelay),
				zap.Error(err),
			)
			s.closeConn()

			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			if reconnectDelay < 30*time.Second {
				reconnectDelay *= 2
			}
			if err := s.connect(); err != nil {
				continue
			}
			continue
		}
		reconnectDelay = time.Second

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Topic != s.topic || len(msg.Data) == 0 {
			continue
		}

		var klines []wsKline
		if err := json.Unmarshal(msg.Data, &klines); err != nil {
			logger.Warn("failed to parse kline data", zap.Error(err))
			continue
		}

		for _, k := range klines {
			candle := models.Candle{
				Symbol:    s.symbol,
				Timeframe: s.timeframe,
				Timestamp: time.UnixMilli(k.Start),
				Open:      parsePrice(k.Open),
				High:      parsePrice(k.High),
				Low:       parsePrice(k.Low),
				Close:     parsePrice(k.Close),
				Volume:    parsePrice(k.Volume),
			}

			select {
			case s.candles <- candle:
			case <-ctx.Done():
				return
			default:
				logger.Warn("kline channel full, dropping candle",
					zap.String("topic", s.topic),
				)
			}
		}
	}
}

func (s *klineSocket) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.conn != nil {
				_ = s.conn.WriteJSON(map[string]interface{}{"op": "ping"})
			}
			s.mu.Unlock()
		}
	}
}

func (s *klineSocket) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

func (s *klineSocket) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.closeConn()
}

func parsePrice(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
