package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhiheng-yu/transcriptor/internal/events"
)

// ErrConnClosed is returned when writing to a closed connection
var ErrConnClosed = errors.New("connection closed")

// Conn wraps a websocket connection. Writes are serialized; reads happen on
// the owning read loop only.
type Conn struct {
	key    string // unique per socket, a resumed session gets a new one
	id     string
	mode   string
	socket *websocket.Conn
	mu     sync.Mutex
	closed atomic.Bool
	done   chan struct{}

	// events is owned by the read loop, nil without a publisher
	events *events.Queue
}

func newConn(id, mode string, socket *websocket.Conn) *Conn {
	return &Conn{
		key:    uuid.NewString(),
		id:     id,
		mode:   mode,
		socket: socket,
		done:   make(chan struct{}),
	}
}

// ID returns the session id. Two connections share one while a session is
// being resumed.
func (c *Conn) ID() string {
	return c.id
}

// Mode returns the protocol mode the connection speaks
func (c *Conn) Mode() string {
	return c.mode
}

// WriteJSON sends v as an indented JSON text message
func (c *Conn) WriteJSON(v any) error {
	data, err := marshalResponse(v)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Conn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("%s: %w", c.id, ErrConnClosed)
	}
	return c.socket.WriteMessage(websocket.TextMessage, data)
}

// keepalive pings the peer every interval. The read deadline is pushed out
// on every pong, so a peer silent for interval+timeout is dropped by the
// read loop.
func (c *Conn) keepalive(interval, timeout time.Duration) {
	if interval <= 0 {
		return
	}
	c.socket.SetPongHandler(func(string) error {
		return c.extendDeadline(interval, timeout)
	})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(timeout)
				if err := c.socket.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					_ = c.Close()
					return
				}
			case <-c.done:
				return
			}
		}
	}()
}

func (c *Conn) extendDeadline(interval, timeout time.Duration) error {
	if interval <= 0 {
		return nil
	}
	return c.socket.SetReadDeadline(time.Now().Add(interval + timeout))
}

// Close closes the socket once
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	return c.socket.Close()
}

// Hub tracks live connections so they can be closed on shutdown
type Hub struct {
	conns sync.Map // connection key -> *Conn
	count atomic.Int64
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{}
}

// Register adds c
func (h *Hub) Register(c *Conn) {
	if c == nil {
		return
	}
	if _, loaded := h.conns.LoadOrStore(c.key, c); !loaded {
		h.count.Add(1)
	}
}

// Unregister removes c
func (h *Hub) Unregister(c *Conn) {
	if c == nil {
		return
	}
	if _, loaded := h.conns.LoadAndDelete(c.key); loaded {
		h.count.Add(-1)
	}
}

// Sessions returns how many live connections serve session id
func (h *Hub) Sessions(id string) int {
	n := 0
	h.conns.Range(func(_, value any) bool {
		if c, ok := value.(*Conn); ok && c.ID() == id {
			n++
		}
		return true
	})
	return n
}

// Count returns the number of live connections
func (h *Hub) Count() int {
	return int(h.count.Load())
}

// CloseAll closes every live connection
func (h *Hub) CloseAll() {
	h.conns.Range(func(_, value any) bool {
		if c, ok := value.(*Conn); ok {
			_ = c.Close()
			h.Unregister(c)
		}
		return true
	})
}
