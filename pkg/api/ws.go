package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Token auth already gates the endpoint; origins are not restricted.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// handleWebSocket bridges the progress hub onto a WebSocket connection.
// Every event published for the dataset is forwarded as one JSON
// message; a slow client is disconnected by the hub's send timeout.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	fileID := pathID(r)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe(fileID)
	defer s.hub.Unsubscribe(sub)

	// Reads only service close/pong frames; clients do not send data.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pings := time.NewTicker(wsPingInterval)
	defer pings.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-pings.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
