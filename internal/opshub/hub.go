// Package opshub is the operator-facing metrics feed of spec.md's ambient
// observability surface: a websocket hub that periodically pushes a
// snapshot of scheduler/flow health to connected operator consoles. It is
// explicitly not the client-to-core wire protocol (spec.md §1 non-goal) —
// only a read-only feed analogous to the teacher's dashboard websocket
// hub, grounded directly on control_plane/ws_hub.go's MetricsHub: a single
// broadcaster goroutine over register/unregister channels prevents one
// ticker per connection.
package opshub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxConnections = 200

// Snapshot is one broadcast payload. SnapshotFunc supplies a fresh one on
// every tick; concrete wiring to scheduler/flow state lives with the host
// that constructs the Hub.
type Snapshot struct {
	QueueDepths         map[string]int `json:"queue_depths"`
	SessionsRescheduled uint64         `json:"sessions_rescheduled"`
	SessionsOrphaned    uint64         `json:"sessions_orphaned"`
	FlowErrors          uint64         `json:"flow_errors"`
	JanitorReclaims     uint64         `json:"janitor_reclaims"`
	GeneratedAt         time.Time      `json:"generated_at"`
}

// SnapshotFunc produces the Snapshot broadcast on the next tick.
type SnapshotFunc func() Snapshot

type registration struct {
	conn *websocket.Conn
}

// Hub manages websocket connections and periodically broadcasts a
// Snapshot to all of them. The zero value is not usable; construct with
// NewHub.
type Hub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan registration
	unregister chan *websocket.Conn
	mu         sync.RWMutex

	snapshot SnapshotFunc
	interval time.Duration
	log      *zap.SugaredLogger
}

// NewHub returns a Hub that calls snapshot once per interval and
// broadcasts the result to every connected client.
func NewHub(snapshot SnapshotFunc, interval time.Duration, log *zap.SugaredLogger) *Hub {
	if interval <= 0 {
		interval = time.Second
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		snapshot:   snapshot,
		interval:   interval,
		log:        log,
	}
}

// Run is the hub's main loop; it blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxConnections {
				h.mu.Unlock()
				reg.conn.Close()
				if h.log != nil {
					h.log.Warnw("opshub: connection rejected, at capacity", "max", maxConnections)
				}
				continue
			}
			h.clients[reg.conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case <-ticker.C:
			h.broadcast(h.snapshot())
		}
	}
}

func (h *Hub) broadcast(snap Snapshot) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(snap); err != nil {
			if h.log != nil {
				h.log.Warnw("opshub: write failed, unregistering client", "error", err)
			}
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// Register adds conn to the broadcast set.
func (h *Hub) Register(conn *websocket.Conn) { h.register <- registration{conn: conn} }

// Unregister removes conn from the broadcast set.
func (h *Hub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

// ClientCount reports the number of currently connected operator clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
