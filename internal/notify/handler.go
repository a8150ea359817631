package notify

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jikey8911/signalkey/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The bus authorizes by user id, not origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades one client connection and attaches it to the bus.
// The read loop runs until the client disconnects.
func (b *Bus) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return
	}

	conn := NewWSConn(ws)
	b.Register(userID, conn)

	go b.readLoop(userID, conn, ws)
}

func (b *Bus) readLoop(userID string, conn *WSConn, ws *websocket.Conn) {
	defer func() {
		b.Unregister(conn)
		_ = conn.Close()
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if err := b.HandleMessage(conn, raw); err != nil {
			logger.Warn("client frame rejected",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}
}
