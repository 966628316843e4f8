package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0Andriy/livemap/internal/realtime"
)

// fakeGateway accepts WebSocket connections, acknowledges joins and records
// every inbound frame.
type fakeGateway struct {
	hts      *httptest.Server
	received chan realtime.ClientMessage

	mu    sync.Mutex
	conns []*ws.Conn
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{received: make(chan realtime.ClientMessage, 64)}

	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	g.hts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.mu.Lock()
		g.conns = append(g.conns, conn)
		g.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg realtime.ClientMessage
			if json.Unmarshal(data, &msg) == nil {
				g.received <- msg
				if msg.Event == "join" {
					_ = conn.WriteJSON(realtime.ServerMessage{Event: "join", Payload: msg.Payload})
				}
			}
		}
	}))
	t.Cleanup(g.hts.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.hts.URL, "http") + "/realtime/chat"
}

func (g *fakeGateway) dropConnections() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, conn := range g.conns {
		conn.Close()
	}
	g.conns = nil
}

func (g *fakeGateway) expect(t *testing.T, event string) realtime.ClientMessage {
	t.Helper()
	select {
	case msg := <-g.received:
		require.Equal(t, event, msg.Event)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("gateway never received %q", event)
		return realtime.ClientMessage{}
	}
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func waitForState(c *Client, want State) bool {
	for i := 0; i < 400; i++ {
		if c.State() == want {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestClient_ConnectOpenClose(t *testing.T) {
	gateway := newFakeGateway(t)
	recorder := &stateRecorder{}

	c := New(Options{URL: gateway.url(), OnStateChange: recorder.record})
	assert.Equal(t, StateIdle, c.State())

	require.NoError(t, c.Connect())
	require.True(t, waitForState(c, StateOpen))

	require.NoError(t, c.Close())
	require.True(t, waitForState(c, StateClosed))

	states := recorder.snapshot()
	assert.Equal(t, StateConnecting, states[0])
	assert.Contains(t, states, StateOpen)
	assert.Equal(t, StateClosed, states[len(states)-1])
}

func TestClient_DoubleConnectFails(t *testing.T) {
	gateway := newFakeGateway(t)
	c := New(Options{URL: gateway.url()})
	require.NoError(t, c.Connect())
	assert.ErrorIs(t, c.Connect(), ErrAlreadyStarted)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Close(), ErrClosed)
}

func TestClient_EmitBeforeConnectFails(t *testing.T) {
	gateway := newFakeGateway(t)
	c := New(Options{URL: gateway.url()})
	assert.ErrorIs(t, c.Emit("chat", map[string]string{"text": "hi"}), ErrNotOpen)
}

func TestClient_JoinAndEmit(t *testing.T) {
	gateway := newFakeGateway(t)
	c := New(Options{URL: gateway.url()})
	require.NoError(t, c.Connect())
	require.True(t, waitForState(c, StateOpen))
	defer c.Close()

	require.NoError(t, c.Join("lobby"))
	msg := gateway.expect(t, "join")
	assert.JSONEq(t, `{"room":"lobby"}`, string(msg.Payload))

	require.NoError(t, c.Emit("chat", map[string]string{"text": "hi"}))
	msg = gateway.expect(t, "chat")
	assert.JSONEq(t, `{"text":"hi"}`, string(msg.Payload))
}

func TestClient_ReplaysJoinsAfterReconnect(t *testing.T) {
	gateway := newFakeGateway(t)
	c := New(Options{
		URL: gateway.url(),
		Backoff: BackoffPolicy{
			Initial:    10 * time.Millisecond,
			Max:        50 * time.Millisecond,
			Multiplier: 2,
		},
	})
	require.NoError(t, c.Connect())
	require.True(t, waitForState(c, StateOpen))
	defer c.Close()

	require.NoError(t, c.Join("lobby"))
	gateway.expect(t, "join")

	gateway.dropConnections()
	require.True(t, waitForState(c, StateOpen))

	// The desired room set survives the reconnect.
	msg := gateway.expect(t, "join")
	assert.JSONEq(t, `{"room":"lobby"}`, string(msg.Payload))
}

func TestClient_OnEventDeliversFrames(t *testing.T) {
	gateway := newFakeGateway(t)
	events := make(chan realtime.ServerMessage, 1)
	c := New(Options{
		URL:     gateway.url(),
		OnEvent: func(msg realtime.ServerMessage) { events <- msg },
	})
	require.NoError(t, c.Connect())
	require.True(t, waitForState(c, StateOpen))
	defer c.Close()

	require.NoError(t, c.Join("lobby"))
	select {
	case msg := <-events:
		assert.Equal(t, "join", msg.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("no server frame received")
	}
}
