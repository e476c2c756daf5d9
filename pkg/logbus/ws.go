package logbus

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
)

const heartbeatInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Authorizer validates the observer session token carried on the connect
// request and reports whether the connection may proceed.
type Authorizer func(token string) bool

// ServeWS upgrades the request to a full-duplex WebSocket connection and
// streams log records: a burst of recent records, then live records, with
// a heartbeat ping every 30s. Unauthorized connects are rejected with 401
// before the upgrade.
func (b *Bus) ServeWS(w http.ResponseWriter, r *http.Request, authorize Authorizer, logger arbor.ILogger) {
	token := r.URL.Query().Get("token")
	if authorize != nil && !authorize(token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if logger != nil {
			logger.Warn().Err(err).Msg("log stream upgrade failed")
		}
		return
	}
	defer conn.Close()

	subID := uuid.NewString()
	sub, burst := b.Subscribe(subID)
	defer sub.Close()

	for _, rec := range burst {
		if err := conn.WriteJSON(rec); err != nil {
			return
		}
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	// Drain client messages (close/ping frames) on its own goroutine so
	// disconnects are detected promptly.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case rec, ok := <-sub.Records():
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
