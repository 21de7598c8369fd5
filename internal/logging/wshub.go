package logging

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// ErrHubFull is returned when the hub already serves its connection cap.
var ErrHubFull = errors.New("log hub connection limit reached")

// Entry is one log line as shipped to management clients.
type Entry struct {
	ID        uint64                 `json:"id"`
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Hub keeps a bounded history of recent log entries and pushes new ones
// to connected WebSocket clients.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*websocket.Conn]struct{}
	maxConns int

	histMu  sync.RWMutex
	history []Entry
	histCap int
	seq     uint64

	feed     chan Entry
	stopOnce sync.Once
	stopCh   chan struct{}
}

var (
	hubOnce   sync.Once
	globalHub *Hub
)

// GetHub returns the process-wide hub, starting it on first use.
func GetHub() *Hub {
	hubOnce.Do(func() {
		globalHub = NewHub(500, 50)
		globalHub.Run()
	})
	return globalHub
}

func NewHub(historyCap, maxConns int) *Hub {
	return &Hub{
		clients:  make(map[*websocket.Conn]struct{}),
		maxConns: maxConns,
		history:  make([]Entry, 0, historyCap),
		histCap:  historyCap,
		feed:     make(chan Entry, 128),
		stopCh:   make(chan struct{}),
	}
}

// Run starts the broadcast loop.
func (h *Hub) Run() {
	go func() {
		for {
			select {
			case e := <-h.feed:
				h.mu.RLock()
				conns := make([]*websocket.Conn, 0, len(h.clients))
				for c := range h.clients {
					conns = append(conns, c)
				}
				h.mu.RUnlock()
				for _, c := range conns {
					if err := c.WriteJSON(e); err != nil {
						h.Remove(c)
					}
				}
			case <-h.stopCh:
				return
			}
		}
	}()
}

// Stop closes all clients and stops the broadcast loop.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// Add registers a client and replays the current history to it.
func (h *Hub) Add(conn *websocket.Conn) error {
	h.mu.Lock()
	if len(h.clients) >= h.maxConns {
		h.mu.Unlock()
		return ErrHubFull
	}
	h.clients[conn] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.WithField("clients", n).Debug("log hub client connected")

	for _, e := range h.Since(0, h.histCap) {
		if err := conn.WriteJSON(e); err != nil {
			h.Remove(conn)
			return err
		}
	}
	return nil
}

// Remove drops a client and closes its connection.
func (h *Hub) Remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// ClientCount reports current connections (management status endpoint).
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish records an entry and offers it to the broadcast loop. Never
// blocks: when the feed is full the live push is dropped, history keeps it.
func (h *Hub) Publish(level, message string, fields map[string]interface{}) {
	e := Entry{
		ID:        atomic.AddUint64(&h.seq, 1),
		Timestamp: time.Now().Format(time.RFC3339),
		Level:     level,
		Message:   message,
		Fields:    fields,
	}
	h.histMu.Lock()
	h.history = append(h.history, e)
	if len(h.history) > h.histCap {
		h.history = append([]Entry(nil), h.history[len(h.history)-h.histCap:]...)
	}
	h.histMu.Unlock()

	select {
	case h.feed <- e:
	default:
	}
}

// Since returns up to limit entries with ID greater than cursor, oldest
// first. cursor 0 means "the most recent limit entries".
func (h *Hub) Since(cursor uint64, limit int) []Entry {
	h.histMu.RLock()
	defer h.histMu.RUnlock()

	if limit <= 0 || limit > h.histCap {
		limit = h.histCap
	}
	start := 0
	if cursor == 0 {
		if len(h.history) > limit {
			start = len(h.history) - limit
		}
	} else {
		start = len(h.history)
		for i, e := range h.history {
			if e.ID > cursor {
				start = i
				break
			}
		}
	}
	end := start + limit
	if end > len(h.history) {
		end = len(h.history)
	}
	out := make([]Entry, end-start)
	copy(out, h.history[start:end])
	return out
}

// hubHook forwards every logrus entry into the hub.
type hubHook struct{ hub *Hub }

func (hubHook) Levels() []log.Level { return log.AllLevels }

func (hk hubHook) Fire(entry *log.Entry) error {
	fields := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		fields[k] = v
	}
	hk.hub.Publish(entry.Level.String(), entry.Message, fields)
	return nil
}

// InstallHubHook attaches the global hub to logrus. Call once at startup.
func InstallHubHook() {
	log.AddHook(hubHook{hub: GetHub()})
}
