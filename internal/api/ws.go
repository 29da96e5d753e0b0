package api

import (
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jedarden/ringmaster/internal/eventbus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is served from arbitrary origins in dev setups.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsHub fans bus events out to WebSocket clients. Each connection gets its
// own bounded subscriber queue; a slow client drops oldest events rather
// than stalling the bus.
type wsHub struct {
	bus *eventbus.Bus
}

func newWSHub(bus *eventbus.Bus) *wsHub {
	return &wsHub{bus: bus}
}

// handleWS serves GET /ws?project_id=... by upgrading and streaming events
// until either side closes.
func (h *wsHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the error response
	}
	defer conn.Close()

	var filter func(*eventbus.Event) bool
	if projectID := r.URL.Query().Get("project_id"); projectID != "" {
		filter = eventbus.ProjectFilter(projectID)
	}
	subID := "ws-" + uuid.New().String()[:8]
	sub := h.bus.Subscribe(subID, filter)
	defer h.bus.Unsubscribe(subID)

	// Read pump: we accept no client messages, but reading drives pong
	// handling and detects closure.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	// The request context is unreliable once the connection is hijacked;
	// the read pump is the closure signal.
	for {
		select {
		case <-done:
			return
		case evt, ok := <-sub.Channel:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Printf("[API] ws write to %s: %v", subID, err)
				}
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
