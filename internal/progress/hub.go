package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/apperr"
)

const writeWait = 10 * time.Second

// Hub streams bus events to websocket clients watching one export each.
type Hub struct {
	mu       sync.Mutex
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
	log      *slog.Logger
}

type client struct {
	conn     *websocket.Conn
	exportID string
	send     chan []byte
	tracker  *Tracker
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: logger,
	}
}

// Run dispatches events until ctx ends or the event channel closes.
func (h *Hub) Run(ctx context.Context, events <-chan Event) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.dispatch(ev)
		}
	}
}

// Clients returns the number of connected sockets.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) dispatch(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("exports.ws.marshal_failed", slog.String("error", err.Error()))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.exportID != ev.ExportID || !c.tracker.Accept(ev) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			h.log.Warn("exports.ws.client_too_slow", slog.String("export_id", c.exportID))
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// ServeHTTP upgrades GET /ws?export_id=... into a progress stream.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	exportID := r.URL.Query().Get("export_id")
	if exportID == "" {
		apperr.Write(w, apperr.BadRequest("export_id is required"))
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("exports.ws.upgrade_failed", slog.String("error", err.Error()))
		return
	}
	c := &client{conn: conn, exportID: exportID, send: make(chan []byte, 16), tracker: NewTracker()}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("exports.ws.connected", slog.String("export_id", exportID), slog.Int("clients", n))

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.unregister(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

// readPump only watches for the peer going away.
func (h *Hub) readPump(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.unregister(c)
			return
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
