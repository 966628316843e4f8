// Package client is a reconnecting WebSocket client for the realtime
// gateway. It keeps a desired set of joined rooms and replays the joins
// after every reconnect, so a transient disconnect does not lose
// subscriptions.
package client

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/0Andriy/livemap/internal/realtime"
)

// State is the connection lifecycle phase.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyStarted = errors.New("client: already started")
	ErrNotOpen        = errors.New("client: not connected")
	ErrClosed         = errors.New("client: closed")
)

// Options configures a Client. URL is mandatory and points at a namespace
// path on the gateway, e.g. "ws://host:8080/realtime/chat".
type Options struct {
	URL     string
	Backoff BackoffPolicy
	Clock   clockwork.Clock
	Dialer  *websocket.Dialer
	Logger  *slog.Logger

	// OnEvent receives every server frame. Called from the read goroutine.
	OnEvent func(msg realtime.ServerMessage)

	// OnStateChange observes lifecycle transitions.
	OnStateChange func(state State)
}

type Client struct {
	opts   Options
	clock  clockwork.Clock
	dialer *websocket.Dialer
	log    *slog.Logger
	rnd    *rand.Rand

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	rooms   map[string]struct{}
	started bool

	writeMu sync.Mutex

	done     chan struct{}
	loopDone chan struct{}
}

func New(opts Options) *Client {
	if opts.Backoff == (BackoffPolicy{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		opts:     opts,
		clock:    opts.Clock,
		dialer:   opts.Dialer,
		log:      opts.Logger.With("component", "client", "url", opts.URL),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		rooms:    make(map[string]struct{}),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// State returns the current lifecycle phase.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(state)
	}
}

// Connect starts the connection loop. It returns immediately; the client
// dials and redials in the background until Close.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	go c.run()
	return nil
}

func (c *Client) run() {
	defer close(c.loopDone)
	defer c.setState(StateClosed)

	attempt := 0
	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.setState(StateConnecting)
		conn, resp, err := c.dialer.Dial(c.opts.URL, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			attempt++
			delay := c.opts.Backoff.Delay(attempt, c.rnd)
			c.log.Warn("Dial failed, backing off", "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-c.clock.After(delay):
				continue
			case <-c.done:
				return
			}
		}
		attempt = 0

		c.mu.Lock()
		if c.state == StateClosing {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateOpen)

		c.replayJoins()
		c.readFrames(conn)

		c.mu.Lock()
		c.conn = nil
		closing := c.state == StateClosing
		c.mu.Unlock()
		if closing {
			return
		}
		c.log.Info("Connection lost, reconnecting")
	}
}

// replayJoins re-sends the desired room set after a (re)connect.
func (c *Client) replayJoins() {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.mu.Unlock()

	for _, room := range rooms {
		if err := c.send(realtime.ClientMessage{Event: "join", Payload: roomJSON(room)}); err != nil {
			c.log.Warn("Failed to replay room join", "room", room, "error", err)
			return
		}
	}
}

func (c *Client) readFrames(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg realtime.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("Dropping malformed server frame", "error", err)
			continue
		}
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(msg)
		}
	}
}

// Join adds the room to the desired set and subscribes now if connected.
// The join is replayed after every reconnect.
func (c *Client) Join(room string) error {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open {
		return nil
	}
	return c.send(realtime.ClientMessage{Event: "join", Payload: roomJSON(room)})
}

// Leave removes the room from the desired set and unsubscribes if connected.
func (c *Client) Leave(room string) error {
	c.mu.Lock()
	delete(c.rooms, room)
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open {
		return nil
	}
	return c.send(realtime.ClientMessage{Event: "leave", Payload: roomJSON(room)})
}

// Emit sends a custom event to the server.
func (c *Client) Emit(event string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = data
	}
	return c.send(realtime.ClientMessage{Event: event, Payload: raw})
}

func (c *Client) send(msg realtime.ClientMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

// Close ends the session permanently. Safe to call once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = StateClosing
	conn := c.conn
	started := c.started
	c.mu.Unlock()

	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(StateClosing)
	}
	close(c.done)
	if conn != nil {
		_ = conn.Close()
	}
	if started {
		<-c.loopDone
	} else {
		c.setState(StateClosed)
	}
	return nil
}

func roomJSON(room string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"room": room})
	return data
}
