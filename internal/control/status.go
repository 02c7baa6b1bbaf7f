package control

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/NodePath81/netdiag/internal/observe"
	"github.com/gorilla/websocket"
)

// stateMessage wraps every snapshot pushed on a state stream.
type stateMessage[T any] struct {
	SchemaVersion int    `json:"schema_version"`
	Type          string `json:"type"`
	Timestamp     int64  `json:"timestamp"`
	State         T      `json:"state"`
}

type streamRequest struct {
	Type string `json:"type"`
}

// serveState upgrades the request and streams value to the client. The
// current snapshot is sent first; later snapshots are coalesced so a slow
// client only ever receives the newest one. A client may send
// {"type":"refresh"} to get the current snapshot again.
func serveState[T any](c *ControlServer, w http.ResponseWriter, r *http.Request, kind string, value *observe.Value[T]) {
	if !c.checkStreamAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	upgrader := c.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	sub := value.Subscribe()
	refresh := make(chan struct{}, 1)
	done := make(chan struct{})
	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() {
			close(done)
			sub.Close()
			_ = conn.Close()
		})
	}
	c.logger.Debug().Str("stream", kind).Str("client", clientIP(r)).Msg("state stream opened")

	go func() {
		defer cleanup()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req streamRequest
			if err := json.Unmarshal(msg, &req); err != nil {
				continue
			}
			if req.Type == "refresh" {
				select {
				case refresh <- struct{}{}:
				default:
				}
			}
		}
	}()

	go func() {
		defer cleanup()
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		send := func(state T) bool {
			data, err := json.Marshal(stateMessage[T]{
				SchemaVersion: 1,
				Type:          kind,
				Timestamp:     time.Now().UnixMilli(),
				State:         state,
			})
			if err != nil {
				c.logger.Warn().Err(err).Str("stream", kind).Msg("encode state failed")
				return true
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			return conn.WriteMessage(websocket.TextMessage, data) == nil
		}
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case <-refresh:
				if !send(value.Load()) {
					return
				}
			case state, ok := <-sub.C():
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
						time.Now().Add(wsWriteWait))
					return
				}
				if !send(state) {
					return
				}
			}
		}
	}()
}
