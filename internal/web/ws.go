package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fernbed/drip/internal/events"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// wsEvent is the push frame sent to dashboard pages. Pages use the
// kind to decide which fragment to re-fetch via htmx.
type wsEvent struct {
	Kind string         `json:"kind"`
	Data map[string]any `json:"data,omitempty"`
}

// handleWebsocket streams store and connection events to the page so
// live readings update without polling. One goroutine per socket; the
// bus subscription is dropped when the client goes away.
func (s *WebServer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "event bus not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	ch := s.bus.Subscribe(16)
	done := make(chan struct{})

	// Read pump: we expect nothing from the page, but reading is how
	// gorilla surfaces the close frame.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer s.bus.Unsubscribe(ch)
		defer conn.Close()

		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if !pushable(ev.Kind) {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(wsEvent{Kind: ev.Kind, Data: ev.Data}); err != nil {
					s.logger.Debug("websocket write failed", "error", err)
					return
				}
			}
		}
	}()
}

// pushable filters the bus down to events pages care about.
func pushable(kind string) bool {
	switch kind {
	case events.KindDeviceUpdated, events.KindDeviceRemoved, events.KindStatusChanged:
		return true
	default:
		return false
	}
}
