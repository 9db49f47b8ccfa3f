package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/supplychain/pkg/types"
)

const snapshotInterval = 200 * time.Millisecond

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}

		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if originURL.Host == r.Host {
			return true
		}
		return originURL.Hostname() == "localhost" || originURL.Hostname() == "127.0.0.1"
	},
}

// WebSocketServer streams run events to connected clients: status snapshots
// polled while a run is active, plus whatever is handed to Publish.
type WebSocketServer struct {
	runs   RunProvider
	logger *slog.Logger

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// All writes happen on the broadcast goroutine.
	broadcast chan []byte

	done     chan struct{}
	stopOnce sync.Once
}

// NewWebSocketServer creates a new WebSocket server. runs may be nil, in
// which case only published events are streamed.
func NewWebSocketServer(runs RunProvider, logger *slog.Logger) *WebSocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketServer{
		runs:      runs,
		logger:    logger,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, 64),
		done:      make(chan struct{}),
	}
}

// Handler returns the WebSocket HTTP handler.
func (ws *WebSocketServer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			ws.logger.Error("WebSocket upgrade failed", slog.String("error", err.Error()))
			return
		}

		ws.clientsMu.Lock()
		ws.clients[conn] = true
		total := len(ws.clients)
		ws.clientsMu.Unlock()
		ws.logger.Debug("WebSocket client connected", slog.Int("total_clients", total))

		defer func() {
			ws.clientsMu.Lock()
			delete(ws.clients, conn)
			total := len(ws.clients)
			ws.clientsMu.Unlock()
			conn.Close()
			ws.logger.Debug("WebSocket client disconnected", slog.Int("total_clients", total))
		}()

		// Read until the client goes away; incoming messages are ignored.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					ws.logger.Debug("WebSocket read error", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

// Start begins the broadcasting goroutine.
func (ws *WebSocketServer) Start() {
	go ws.broadcastLoop()
}

// Stop stops the WebSocket server and closes every client connection.
func (ws *WebSocketServer) Stop() {
	ws.stopOnce.Do(func() {
		close(ws.done)

		ws.clientsMu.Lock()
		for conn := range ws.clients {
			conn.Close()
		}
		ws.clients = make(map[*websocket.Conn]bool)
		ws.clientsMu.Unlock()
	})
}

// Publish queues an event for every connected client. Events are dropped
// when the queue is full rather than blocking the run.
func (ws *WebSocketServer) Publish(ev types.StreamEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		ws.logger.Error("Failed to marshal event", slog.String("error", err.Error()))
		return
	}
	select {
	case ws.broadcast <- data:
	case <-ws.done:
	default:
		ws.logger.Debug("Stream queue full, dropping event", slog.String("type", string(ev.Type)))
	}
}

func (ws *WebSocketServer) broadcastLoop() {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	var last types.RunStatus
	for {
		select {
		case <-ws.done:
			return
		case data := <-ws.broadcast:
			ws.send(data)
		case <-ticker.C:
			if ws.runs == nil {
				continue
			}
			snap := ws.runs.Snapshot()
			// Stream while active, and once more when the status changes so
			// clients see the terminal state.
			if !isActive(snap.Status) && snap.Status == last {
				continue
			}
			last = snap.Status
			data, err := json.Marshal(types.StreamEvent{Type: types.EventStatus, Time: time.Now(), Status: &snap})
			if err != nil {
				ws.logger.Error("Failed to marshal snapshot", slog.String("error", err.Error()))
				continue
			}
			ws.send(data)
		}
	}
}

func isActive(s types.RunStatus) bool {
	return s == types.StatusPreparing || s == types.StatusRunning
}

// send writes data to all connected clients.
func (ws *WebSocketServer) send(data []byte) {
	ws.clientsMu.RLock()
	defer ws.clientsMu.RUnlock()

	for conn := range ws.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			// The read loop removes the client.
			ws.logger.Debug("Failed to write to WebSocket", slog.String("error", err.Error()))
		}
	}
}

// ClientCount returns the number of connected clients.
func (ws *WebSocketServer) ClientCount() int {
	ws.clientsMu.RLock()
	defer ws.clientsMu.RUnlock()
	return len(ws.clients)
}
