package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0Andriy/livemap/internal/broker"
	"github.com/0Andriy/livemap/internal/state"
)

func TestJoinLeave_TracksMembership(t *testing.T) {
	st := state.NewMemory()
	srv, hts := newTestInstance(t, Options{State: st})
	ns, err := srv.Of("/chat")
	require.NoError(t, err)

	var mu sync.Mutex
	var created, destroyed []string
	ns.OnRoomCreated(func(room string) {
		mu.Lock()
		defer mu.Unlock()
		created = append(created, room)
	})
	ns.OnRoomDestroyed(func(room string) {
		mu.Lock()
		defer mu.Unlock()
		destroyed = append(destroyed, room)
	})
	snapshot := func(s *[]string) []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), *s...)
	}

	conn := dialWS(t, hts, "/realtime/chat")
	joinRoom(t, conn, "lobby")

	ctx := context.Background()
	room := ns.Room("lobby")
	require.NotNil(t, room)
	assert.Equal(t, int64(1), room.MemberCount(ctx))
	assert.Equal(t, []string{"lobby"}, snapshot(&created))

	// Joining again is a no-op.
	joinRoom(t, conn, "lobby")
	assert.Equal(t, int64(1), room.MemberCount(ctx))
	assert.Equal(t, []string{"lobby"}, snapshot(&created))

	sendClientEvent(t, conn, eventLeave, roomPayload{Room: "lobby"}, "req-1")
	msg, err := readEvent(conn, time.Second)
	require.NoError(t, err)
	assert.Equal(t, eventLeave, msg.Event)
	assert.Equal(t, "req-1", msg.RequestID)

	require.True(t, waitFor(func() bool { return ns.Room("lobby") == nil }))
	assert.Equal(t, []string{"lobby"}, snapshot(&destroyed))
	count, err := st.CountMembers(ctx, "/chat", "lobby")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestJoin_MissingRoomReturnsError(t *testing.T) {
	_, hts := newTestInstance(t, Options{})

	conn := dialWS(t, hts, "/realtime/chat")
	sendClientEvent(t, conn, eventJoin, map[string]string{}, "req-7")

	msg, err := readEvent(conn, time.Second)
	require.NoError(t, err)
	assert.Equal(t, eventError, msg.Event)
	assert.Equal(t, "req-7", msg.RequestID)
}

func TestAddConnection_RejectionLeavesNoTrace(t *testing.T) {
	srv, hts := newTestInstance(t, Options{})
	ns, err := srv.Of("/chat")
	require.NoError(t, err)
	ns.Use(func(_ context.Context, hs *Handshake, next func() error) error {
		if hs.Request.URL.Query().Get("reject") == "1" {
			return errors.New("not welcome")
		}
		return next()
	})

	var admitted atomic.Int64
	ns.OnConnection(func(*Connection) { admitted.Add(1) })

	conn := dialWS(t, hts, "/realtime/chat?reject=1")
	_, err = readEvent(conn, time.Second)
	assert.Error(t, err, "rejected connection must be closed")

	assert.Equal(t, 0, ns.ConnectionCount())
	assert.EqualValues(t, 0, admitted.Load())

	ok := dialWS(t, hts, "/realtime/chat")
	joinRoom(t, ok, "lobby")
	assert.Equal(t, 1, ns.ConnectionCount())
	assert.EqualValues(t, 1, admitted.Load())
}

func TestBroadcast_ScopedToNamespace(t *testing.T) {
	srv, hts := newTestInstance(t, Options{})
	chat, err := srv.Of("/chat")
	require.NoError(t, err)
	_, err = srv.Of("/game")
	require.NoError(t, err)

	chatConn := dialWS(t, hts, "/realtime/chat")
	gameConn := dialWS(t, hts, "/realtime/game")
	require.True(t, waitFor(func() bool { return chat.ConnectionCount() == 1 }))

	require.NoError(t, chat.Broadcast(context.Background(), "news", map[string]string{"headline": "hello"}))

	msg, err := readEvent(chatConn, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "news", msg.Event)

	_, err = readEvent(gameConn, 200*time.Millisecond)
	assert.Error(t, err, "other namespaces must not receive the broadcast")
}

func TestToUser_TargetsAllUserConnections(t *testing.T) {
	srv, hts := newTestInstance(t, Options{})
	srv.Use(Authenticate(func(_ context.Context, token string) (string, error) {
		return "user-" + token, nil
	}))
	ns, err := srv.Of("/chat")
	require.NoError(t, err)

	first := dialWS(t, hts, "/realtime/chat?token=a")
	second := dialWS(t, hts, "/realtime/chat?token=a")
	other := dialWS(t, hts, "/realtime/chat?token=b")
	require.True(t, waitFor(func() bool { return ns.ConnectionCount() == 3 }))

	require.NoError(t, ns.ToUser("user-a").Emit(context.Background(), "nudge", nil))

	msg, err := readEvent(first, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "nudge", msg.Event)
	msg, err = readEvent(second, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "nudge", msg.Event)
	_, err = readEvent(other, 200*time.Millisecond)
	assert.Error(t, err, "other users must not receive the event")
}

func TestHandleBrokerMessage_SuppressesOwnEcho(t *testing.T) {
	bus := broker.NewMemoryBus()
	srv, hts := newTestInstance(t, Options{ServerID: "instance-1", Broker: bus.Broker()})
	_, err := srv.Of("/chat")
	require.NoError(t, err)

	conn := dialWS(t, hts, "/realtime/chat")
	joinRoom(t, conn, "lobby")

	pub := bus.Broker()
	publish := func(origin, event string) {
		env := Envelope{
			Namespace:      "/chat",
			Room:           "lobby",
			Event:          event,
			OriginServerID: origin,
			CreatedAt:      time.Now(),
		}
		data, err := env.Encode()
		require.NoError(t, err)
		require.NoError(t, pub.Publish(context.Background(), broker.RoomTopic("/chat", "lobby"), data))
	}

	// An envelope stamped with this instance's own id is an echo of a local
	// emission and must not be delivered again; only the foreign one lands.
	publish("instance-1", "own-echo")
	publish("instance-2", "replicated")

	msg, err := readEvent(conn, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "replicated", msg.Event)
	_, err = readEvent(conn, 200*time.Millisecond)
	assert.Error(t, err, "exactly one delivery expected")
}

func TestDefaultHandler_ReceivesUnroutedEvents(t *testing.T) {
	srv, hts := newTestInstance(t, Options{})
	ns, err := srv.Of("/chat")
	require.NoError(t, err)

	got := make(chan ClientMessage, 1)
	ns.HandleDefault(func(_ context.Context, _ *Connection, msg ClientMessage) {
		got <- msg
	})

	conn := dialWS(t, hts, "/realtime/chat")
	sendClientEvent(t, conn, "custom", map[string]string{"k": "v"}, "")

	select {
	case msg := <-got:
		assert.Equal(t, "custom", msg.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("default handler never ran")
	}
}

func TestDestroy_Idempotent(t *testing.T) {
	srv, hts := newTestInstance(t, Options{})
	ns, err := srv.Of("/chat")
	require.NoError(t, err)

	conn := dialWS(t, hts, "/realtime/chat")
	joinRoom(t, conn, "lobby")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ns.Destroy(ctx))
	require.NoError(t, ns.Destroy(ctx))

	assert.Equal(t, 0, ns.ConnectionCount())
	_, err = readEvent(conn, time.Second)
	assert.Error(t, err, "connections must be closed on destroy")
}
