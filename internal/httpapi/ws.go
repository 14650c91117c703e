package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 20 * time.Second
	wsDrainEvery   = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The proxy fronts browser clients on other origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS streams a client's mailbox over a websocket. The connection is
// just another drain loop; HTTP polling on the same client id keeps
// working and both see the same queue.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = r.Header.Get("Clientid")
	}
	if clientID == "" {
		writeError(w, http.StatusBadRequest, 400, "clientId is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	s.logger.Info("Websocket client connected", zap.String("client_id", clientID))

	done := make(chan struct{})

	// Reader pump: discard inbound frames, keep the pong deadline fresh.
	go func() {
		defer close(done)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	drain := time.NewTicker(wsDrainEvery)
	defer drain.Stop()
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			s.logger.Info("Websocket client disconnected", zap.String("client_id", clientID))
			return
		case <-s.ctx.Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-drain.C:
			for _, msg := range s.mailboxes.Drain(clientID, 0) {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					s.logger.Debug("Websocket write failed",
						zap.String("client_id", clientID), zap.Error(err))
					return
				}
			}
		}
	}
}
