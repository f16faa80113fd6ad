package api

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/zerofleet/backend/internal/events"
)

// Streamer pushes every bus event to connected websocket clients. Dashboards
// subscribe here instead of polling the REST surface.
type Streamer struct {
	bus      *events.EventBus
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool

	once sync.Once
}

// NewStreamer creates the streamer. The pump goroutine starts lazily on the
// first connection.
func NewStreamer(bus *events.EventBus) *Streamer {
	return &Streamer{
		bus:     bus,
		clients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // dashboards are served from another origin
			},
		},
	}
}

// HandleWebSocket upgrades the connection and registers the client.
func (st *Streamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := st.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	st.once.Do(func() { go st.pump() })

	st.mu.Lock()
	st.clients[conn] = true
	total := len(st.clients)
	st.mu.Unlock()
	log.Printf("WebSocket client connected (total: %d)", total)

	// Drain reads until the client hangs up.
	go func() {
		defer st.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (st *Streamer) drop(conn *websocket.Conn) {
	st.mu.Lock()
	if _, ok := st.clients[conn]; ok {
		delete(st.clients, conn)
		conn.Close()
	}
	total := len(st.clients)
	st.mu.Unlock()
	log.Printf("WebSocket client disconnected (total: %d)", total)
}

// pump fans every bus event out to all clients. A failed write drops the
// client; the bus channel is buffered so slow clients cannot stall sweeps.
func (st *Streamer) pump() {
	ch := st.bus.Subscribe()
	for event := range ch {
		st.mu.Lock()
		for conn := range st.clients {
			if err := conn.WriteJSON(event); err != nil {
				delete(st.clients, conn)
				conn.Close()
			}
		}
		st.mu.Unlock()
	}
}

// ClientCount reports connected websocket clients.
func (st *Streamer) ClientCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.clients)
}
