package serve

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agidotai/memini/internal/events"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	// wsSendBuffer bounds per-client queueing; a client that cannot keep up
	// is disconnected rather than allowed to stall the bus.
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Observer API binds to loopback by default; cross-origin dashboards
	// are expected.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents upgrades to a websocket and streams every bus event as JSON
// until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	send := make(chan events.BusEvent, wsSendBuffer)
	closed := make(chan struct{})
	unsub := s.bus.SubscribeAll(func(ev events.BusEvent) {
		select {
		case send <- ev:
		case <-closed:
		default:
			// client too slow; drop the event for this subscriber
		}
	})
	defer unsub()
	defer close(closed)

	// Reader goroutine: we never expect client messages, but reading is how
	// websocket close frames surface.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev := <-send:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
