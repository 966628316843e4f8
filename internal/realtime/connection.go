package realtime

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/0Andriy/livemap/internal/metrics"
)

const (
	writeDeadline  = 5 * time.Second
	sendBufferSize = 32
)

type outboundFrame struct {
	messageType int
	data        []byte
}

// Connection is one live transport session, owned by the namespace that
// admitted it. Outbound writes go through a buffered channel drained by a
// dedicated writer goroutine so one slow recipient never blocks a dispatch
// loop.
type Connection struct {
	id        string
	ns        *Namespace
	transport *websocket.Conn
	clock     clockwork.Clock
	createdAt time.Time

	sendCh   chan outboundFrame
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu     sync.RWMutex
	userID string

	// alive is cleared by the liveness sweep when a probe is sent and set
	// again by any pong or inbound frame.
	alive atomic.Bool

	// rooms is guarded by the owning namespace's mutex.
	rooms map[string]struct{}
}

func newConnection(ns *Namespace, transport *websocket.Conn, clock clockwork.Clock) *Connection {
	c := &Connection{
		id:        uuid.NewString(),
		ns:        ns,
		transport: transport,
		clock:     clock,
		createdAt: clock.Now(),
		sendCh:    make(chan outboundFrame, sendBufferSize),
		done:      make(chan struct{}),
		rooms:     make(map[string]struct{}),
	}
	c.alive.Store(true)

	transport.SetPongHandler(func(string) error {
		c.alive.Store(true)
		c.extendReadDeadline()
		return nil
	})
	c.extendReadDeadline()

	c.wg.Add(1)
	go c.writeLoop()
	return c
}

func (c *Connection) ID() string            { return c.id }
func (c *Connection) Namespace() *Namespace { return c.ns }
func (c *Connection) CreatedAt() time.Time  { return c.createdAt }

// UserID returns the resolved user identity, or empty while anonymous.
func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) setUserID(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
}

// Rooms returns a snapshot of the rooms this connection has joined.
func (c *Connection) Rooms() []string {
	c.ns.mu.RLock()
	defer c.ns.mu.RUnlock()
	names := make([]string, 0, len(c.rooms))
	for name := range c.rooms {
		names = append(names, name)
	}
	return names
}

// Send enqueues a raw text frame. It never blocks: a full buffer returns
// ErrSendBufferFull and the caller decides whether to evict.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.sendCh <- outboundFrame{messageType: websocket.TextMessage, data: data}:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// SendEvent marshals and sends one wire frame, echoing requestID when set.
func (c *Connection) SendEvent(event string, payload any, requestID string) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = data
	}
	frame, err := json.Marshal(ServerMessage{Event: event, Payload: raw, RequestID: requestID})
	if err != nil {
		return err
	}
	return c.Send(frame)
}

// probe enqueues a liveness ping, best effort.
func (c *Connection) probe() {
	select {
	case c.sendCh <- outboundFrame{messageType: websocket.PingMessage}:
	case <-c.done:
	default:
	}
}

func (c *Connection) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case frame := <-c.sendCh:
			start := c.clock.Now()
			_ = c.transport.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.transport.WriteMessage(frame.messageType, frame.data); err != nil {
				return
			}
			if frame.messageType == websocket.TextMessage {
				metrics.MessageSendDuration.Observe(c.clock.Since(start).Seconds())
			}
		case <-c.done:
			return
		}
	}
}

// stop ends the session, sending a close frame with the given code before
// closing the transport. Safe to call repeatedly and concurrently with an
// in-flight dispatch: sends after stop fail with ErrConnectionClosed.
func (c *Connection) stop(closeCode int, reason string) {
	c.stopOnce.Do(func() {
		close(c.done)
		// Wait for the writer to exit before the close frame so the two
		// never write concurrently.
		c.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(closeCode, reason)
		_ = c.transport.SetWriteDeadline(time.Now().Add(writeDeadline))
		_ = c.transport.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = c.transport.Close()
	})
}

func (c *Connection) extendReadDeadline() {
	_ = c.transport.SetReadDeadline(time.Now().Add(2 * c.ns.server.pingInterval))
}

// ReadLoop processes the inbound stream until the transport fails or
// closes, then removes the connection from its namespace. Each connection's
// loop runs on its own goroutine, independent of every other connection.
func (c *Connection) ReadLoop() {
	defer c.ns.RemoveConnection(c)

	for {
		_, data, err := c.transport.ReadMessage()
		if err != nil {
			return
		}
		c.alive.Store(true)
		c.extendReadDeadline()

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.ns.log.Debug("Dropping malformed client frame", "conn_id", c.id, "error", err)
			continue
		}
		c.ns.dispatchClientMessage(c, msg)
	}
}
