package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/threadline/threadline/internal/protocol"
)

// connection is one graphql-transport-ws client.
type connection struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	// owned by the read loop
	initReceived bool
	userID       string

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

func newConnection(ws *websocket.Conn) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		id:     uuid.New().String(),
		ws:     ws,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]context.CancelFunc),
	}
}

// enqueue queues a frame for the write pump. It reports false once the
// connection is closed.
func (c *connection) enqueue(msg protocol.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	}
}

// addSub registers an operation id. It reports false if the id is taken.
func (c *connection) addSub(id string, cancel context.CancelFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.subs[id]; exists {
		return false
	}
	c.subs[id] = cancel
	return true
}

// removeSub cancels and forgets id. It reports whether id was active.
func (c *connection) removeSub(id string) bool {
	c.mu.Lock()
	cancel, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// closeWith sends a close frame with code and tears the connection down.
func (c *connection) closeWith(code int, reason string, writeTimeout time.Duration) {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(writeTimeout))
		c.shutdown()
	})
}

func (c *connection) close() {
	c.closeOnce.Do(c.shutdown)
}

func (c *connection) shutdown() {
	c.cancel()
	close(c.done)
	_ = c.ws.Close()
}
