package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/0Andriy/livemap/internal/broker"
	"github.com/0Andriy/livemap/internal/metrics"
)

// EventHandler processes one client frame on an admitted connection.
type EventHandler func(ctx context.Context, c *Connection, msg ClientMessage)

// Namespace is an isolated communication domain. Connections, rooms, users
// and handlers of one namespace are invisible to every other namespace; the
// only shared machinery is the broker subscription keeping instances in sync.
type Namespace struct {
	name   string
	server *Server
	log    *slog.Logger

	mu        sync.RWMutex
	conns     map[string]*Connection
	users     map[string]map[string]*Connection
	rooms     map[string]*Room
	destroyed bool

	middlewares    []Middleware
	handlers       map[string]EventHandler
	defaultHandler EventHandler

	// admissions tracks handshakes in flight so Destroy can wait for them.
	admissions sync.WaitGroup

	hooks hookBus
}

func newNamespace(server *Server, name string) *Namespace {
	return &Namespace{
		name:     name,
		server:   server,
		log:      server.log.With("namespace", name),
		conns:    make(map[string]*Connection),
		users:    make(map[string]map[string]*Connection),
		rooms:    make(map[string]*Room),
		handlers: make(map[string]EventHandler),
	}
}

func (ns *Namespace) Name() string { return ns.name }

// Use appends an admission middleware. Middlewares run in registration order
// for every subsequent connection attempt.
func (ns *Namespace) Use(m Middleware) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.middlewares = append(ns.middlewares, m)
}

// HandleEvent registers the handler for a named client event. The names
// "join" and "leave" are reserved and handled by the namespace itself.
func (ns *Namespace) HandleEvent(event string, h EventHandler) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.handlers[event] = h
}

// HandleDefault registers the fallback handler for events with no dedicated
// handler.
func (ns *Namespace) HandleDefault(h EventHandler) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.defaultHandler = h
}

// OnConnection registers a hook invoked after each successful admission.
func (ns *Namespace) OnConnection(h func(*Connection)) { ns.hooks.onConnection(h) }

// OnRoomCreated registers a hook invoked when a room gains its first local
// member.
func (ns *Namespace) OnRoomCreated(h func(room string)) { ns.hooks.onRoomCreated(h) }

// OnRoomDestroyed registers a hook invoked when a room loses its last local
// member.
func (ns *Namespace) OnRoomDestroyed(h func(room string)) { ns.hooks.onRoomDestroyed(h) }

// AddConnection admits a transport session into the namespace. The
// middleware chain runs to completion before the connection becomes visible
// to dispatches; a rejected connection leaves no trace in the registry and
// the error reports why.
func (ns *Namespace) AddConnection(ctx context.Context, transport *websocket.Conn, req *http.Request) (*Connection, error) {
	ns.mu.Lock()
	if ns.destroyed {
		ns.mu.Unlock()
		return nil, ErrNamespaceDestroyed
	}
	ns.admissions.Add(1)
	chain := make([]Middleware, len(ns.middlewares))
	copy(chain, ns.middlewares)
	ns.mu.Unlock()
	defer ns.admissions.Done()

	conn := newConnection(ns, transport, ns.server.clock)
	hs := &Handshake{Conn: conn, Namespace: ns, Request: req}

	if err := runChain(ctx, hs, chain); err != nil {
		ns.log.Info("Connection rejected by handshake chain", "conn_id", conn.id, "error", err)
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		metrics.ConnectionsRejected.WithLabelValues("admission").Inc()
		conn.stop(websocket.ClosePolicyViolation, "admission rejected")
		return nil, err
	}

	ns.mu.Lock()
	if ns.destroyed {
		ns.mu.Unlock()
		conn.stop(websocket.CloseGoingAway, "namespace destroyed")
		return nil, ErrNamespaceDestroyed
	}
	ns.conns[conn.id] = conn
	if userID := conn.UserID(); userID != "" {
		byUser, ok := ns.users[userID]
		if !ok {
			byUser = make(map[string]*Connection)
			ns.users[userID] = byUser
		}
		byUser[conn.id] = conn
	}
	ns.mu.Unlock()

	metrics.ConnectionsCurrent.Inc()
	metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	ns.log.Info("Connection admitted", "conn_id", conn.id, "user_id", conn.UserID())
	ns.hooks.emitConnection(conn)
	return conn, nil
}

// RemoveConnection tears down one session: leave every joined room, drop the
// registry entries and stop the transport. Idempotent; the read loop, the
// liveness sweep and explicit disconnects may all race to call it.
func (ns *Namespace) RemoveConnection(c *Connection) {
	ns.mu.Lock()
	if _, ok := ns.conns[c.id]; !ok {
		ns.mu.Unlock()
		c.stop(websocket.CloseNormalClosure, "")
		return
	}
	delete(ns.conns, c.id)
	if userID := c.UserID(); userID != "" {
		if byUser, ok := ns.users[userID]; ok {
			delete(byUser, c.id)
			if len(byUser) == 0 {
				delete(ns.users, userID)
			}
		}
	}
	joined := make([]string, 0, len(c.rooms))
	destroyedRooms := make([]string, 0)
	for roomName := range c.rooms {
		joined = append(joined, roomName)
		if room, ok := ns.rooms[roomName]; ok {
			delete(room.conns, c.id)
			if len(room.conns) == 0 {
				delete(ns.rooms, roomName)
				destroyedRooms = append(destroyedRooms, roomName)
			}
		}
	}
	c.rooms = make(map[string]struct{})
	ns.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), stateOpTimeout)
	defer cancel()
	for _, roomName := range joined {
		if err := ns.server.state.RemoveMember(ctx, ns.name, roomName, c.id); err != nil {
			ns.log.Warn("Failed to remove membership from state adapter",
				"conn_id", c.id, "room", roomName, "error", err)
		}
	}
	for _, roomName := range destroyedRooms {
		metrics.RoomsCurrent.Dec()
		ns.hooks.emitRoomDestroyed(roomName)
	}

	metrics.ConnectionsCurrent.Dec()
	ns.log.Info("Connection removed", "conn_id", c.id, "rooms_left", len(joined))
	c.stop(websocket.CloseNormalClosure, "")
}

// JoinRoom adds a connection to a room, creating the room on first local
// member. Joining a room twice is a no-op. A state adapter failure is logged
// and does not undo the local join: cluster-wide counts degrade, local
// delivery does not.
func (ns *Namespace) JoinRoom(ctx context.Context, c *Connection, roomName string) error {
	ns.mu.Lock()
	if ns.destroyed {
		ns.mu.Unlock()
		return ErrNamespaceDestroyed
	}
	if _, ok := ns.conns[c.id]; !ok {
		ns.mu.Unlock()
		return ErrConnectionClosed
	}
	room, exists := ns.rooms[roomName]
	if !exists {
		room = &Room{name: roomName, ns: ns, conns: make(map[string]*Connection)}
		ns.rooms[roomName] = room
	}
	if _, joined := room.conns[c.id]; joined {
		ns.mu.Unlock()
		return nil
	}
	room.conns[c.id] = c
	c.rooms[roomName] = struct{}{}
	ns.mu.Unlock()

	if !exists {
		metrics.RoomsCurrent.Inc()
		ns.hooks.emitRoomCreated(roomName)
	}
	if err := ns.server.state.AddMember(ctx, ns.name, roomName, c.id); err != nil {
		ns.log.Warn("Failed to record membership in state adapter",
			"conn_id", c.id, "room", roomName, "error", err)
		metrics.StateFallbacks.Inc()
	}
	return nil
}

// LeaveRoom removes a connection from a room, destroying the room when its
// last local member leaves. Leaving a room never joined is a no-op.
func (ns *Namespace) LeaveRoom(ctx context.Context, c *Connection, roomName string) error {
	ns.mu.Lock()
	room, ok := ns.rooms[roomName]
	if !ok {
		ns.mu.Unlock()
		return nil
	}
	if _, joined := room.conns[c.id]; !joined {
		ns.mu.Unlock()
		return nil
	}
	delete(room.conns, c.id)
	delete(c.rooms, roomName)
	emptied := len(room.conns) == 0
	if emptied {
		delete(ns.rooms, roomName)
	}
	ns.mu.Unlock()

	if emptied {
		metrics.RoomsCurrent.Dec()
		ns.hooks.emitRoomDestroyed(roomName)
	}
	if err := ns.server.state.RemoveMember(ctx, ns.name, roomName, c.id); err != nil {
		ns.log.Warn("Failed to remove membership from state adapter",
			"conn_id", c.id, "room", roomName, "error", err)
		metrics.StateFallbacks.Inc()
	}
	return nil
}

// Room returns a handle to a room, or nil when it has no local members.
func (ns *Namespace) Room(name string) *Room {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.rooms[name]
}

// ConnectionCount returns the number of locally registered connections.
func (ns *Namespace) ConnectionCount() int {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return len(ns.conns)
}

// MemberCount returns the cluster-wide count of connections joined to at
// least one room in this namespace.
func (ns *Namespace) MemberCount(ctx context.Context) (int64, error) {
	return ns.server.state.CountInNamespace(ctx, ns.name)
}

// Emitter targets a subset of the namespace for one emission.
type Emitter struct {
	ns            *Namespace
	room          string
	userID        string
	excludeConnID string
}

// To targets every member of a room, cluster-wide.
func (ns *Namespace) To(room string) *Emitter {
	return &Emitter{ns: ns, room: room}
}

// ToUser targets every connection of one user, cluster-wide.
func (ns *Namespace) ToUser(userID string) *Emitter {
	return &Emitter{ns: ns, userID: userID}
}

// Except excludes one connection from local delivery, typically the sender.
func (e *Emitter) Except(connID string) *Emitter {
	clone := *e
	clone.excludeConnID = connID
	return &clone
}

// Emit stamps and delivers one event to the target: local members first,
// then the broker topic for the rest of the cluster.
func (e *Emitter) Emit(ctx context.Context, event string, payload any) error {
	env, err := e.ns.newEnvelope(event, payload)
	if err != nil {
		return err
	}
	env.Room = e.room
	env.UserID = e.userID
	env.SenderID = e.excludeConnID

	switch {
	case e.room != "":
		if room := e.ns.Room(e.room); room != nil {
			room.dispatchLocal(env, e.excludeConnID)
		}
		return e.ns.publish(ctx, broker.RoomTopic(e.ns.name, e.room), env)
	case e.userID != "":
		e.ns.dispatchToUser(env, e.excludeConnID)
		return e.ns.publish(ctx, broker.UserTopic(e.ns.name, e.userID), env)
	default:
		e.ns.dispatchToAll(env, e.excludeConnID)
		return e.ns.publish(ctx, broker.GlobalTopic(e.ns.name), env)
	}
}

// Broadcast emits an event to every connection in the namespace,
// cluster-wide.
func (ns *Namespace) Broadcast(ctx context.Context, event string, payload any) error {
	env, err := ns.newEnvelope(event, payload)
	if err != nil {
		return err
	}
	ns.dispatchToAll(env, "")
	return ns.publish(ctx, broker.GlobalTopic(ns.name), env)
}

// newEnvelope stamps origin and creation time so receiving instances can
// suppress echoes of this instance's own publishes.
func (ns *Namespace) newEnvelope(event string, payload any) (Envelope, error) {
	env, err := NewEnvelope(ns.name, event, payload)
	if err != nil {
		return Envelope{}, err
	}
	env.OriginServerID = ns.server.id
	env.CreatedAt = ns.server.clock.Now()
	return env, nil
}

func (ns *Namespace) publish(ctx context.Context, topic string, env Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := ns.server.broker.Publish(ctx, topic, data); err != nil {
		ns.log.Error("Broker publish failed", "topic", topic, "event", env.Event, "error", err)
		return err
	}
	return nil
}

func (ns *Namespace) localConnections(excludeConnID string) []*Connection {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	conns := make([]*Connection, 0, len(ns.conns))
	for id, c := range ns.conns {
		if id == excludeConnID {
			continue
		}
		conns = append(conns, c)
	}
	return conns
}

func (ns *Namespace) userConnections(userID, excludeConnID string) []*Connection {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	byUser := ns.users[userID]
	conns := make([]*Connection, 0, len(byUser))
	for id, c := range byUser {
		if id == excludeConnID {
			continue
		}
		conns = append(conns, c)
	}
	return conns
}

func (ns *Namespace) dispatchToAll(env Envelope, excludeConnID string) {
	ns.dispatchTo(ns.localConnections(excludeConnID), env)
}

func (ns *Namespace) dispatchToUser(env Envelope, excludeConnID string) {
	ns.dispatchTo(ns.userConnections(env.UserID, excludeConnID), env)
}

func (ns *Namespace) dispatchTo(conns []*Connection, env Envelope) {
	frame, err := wireFrame(env)
	if err != nil {
		ns.log.Error("Failed to encode frame for dispatch", "event", env.Event, "error", err)
		return
	}
	for _, c := range conns {
		if err := c.Send(frame); err != nil {
			metrics.DeliveryFailures.Inc()
			ns.log.Warn("Dispatch failed for connection", "conn_id", c.ID(), "error", err)
			if err == ErrSendBufferFull {
				ns.evictSlowConnection(c)
			}
		}
	}
}

// evictSlowConnection removes a connection whose send buffer saturated.
// Removal runs on its own goroutine because callers hold read locks.
func (ns *Namespace) evictSlowConnection(c *Connection) {
	metrics.SlowClientsEvicted.Inc()
	ns.log.Warn("Evicting slow connection", "conn_id", c.ID())
	go ns.RemoveConnection(c)
}

// dispatchClientMessage routes one inbound frame: reserved join and leave
// events are handled here with acknowledgements, everything else goes to the
// registered handler for the event, or the default handler.
func (ns *Namespace) dispatchClientMessage(c *Connection, msg ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), stateOpTimeout)
	defer cancel()

	switch msg.Event {
	case eventJoin, eventLeave:
		var p roomPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Room == "" {
			ns.sendError(c, "join/leave requires a room", msg.RequestID)
			return
		}
		var err error
		if msg.Event == eventJoin {
			err = ns.JoinRoom(ctx, c, p.Room)
		} else {
			err = ns.LeaveRoom(ctx, c, p.Room)
		}
		if err != nil {
			ns.sendError(c, err.Error(), msg.RequestID)
			return
		}
		if err := c.SendEvent(msg.Event, roomPayload{Room: p.Room}, msg.RequestID); err != nil {
			ns.log.Debug("Failed to acknowledge room operation", "conn_id", c.id, "error", err)
		}
		return
	}

	ns.mu.RLock()
	handler, ok := ns.handlers[msg.Event]
	if !ok {
		handler = ns.defaultHandler
	}
	ns.mu.RUnlock()

	if handler == nil {
		ns.log.Debug("No handler for client event", "event", msg.Event, "conn_id", c.id)
		return
	}
	handler(ctx, c, msg)
}

func (ns *Namespace) sendError(c *Connection, message, requestID string) {
	if err := c.SendEvent(eventError, errorPayload{Message: message}, requestID); err != nil {
		ns.log.Debug("Failed to send error frame", "conn_id", c.id, "error", err)
	}
}

// handleBrokerMessage delivers one replicated envelope to local recipients.
// Envelopes stamped with this instance's own id are echoes of its own
// publishes and are discarded, since their local delivery already happened
// at emission time.
func (ns *Namespace) handleBrokerMessage(topic string, payload []byte) {
	env, err := DecodeEnvelope(payload)
	if err != nil {
		metrics.BrokerMessagesReceived.WithLabelValues("invalid").Inc()
		ns.log.Warn("Dropping undecodable broker message", "topic", topic, "error", err)
		return
	}
	if env.OriginServerID == ns.server.id {
		metrics.BrokerMessagesReceived.WithLabelValues("own_echo").Inc()
		return
	}

	ns.mu.RLock()
	destroyed := ns.destroyed
	ns.mu.RUnlock()
	if destroyed {
		metrics.BrokerMessagesReceived.WithLabelValues("dropped").Inc()
		return
	}

	metrics.BrokerMessagesReceived.WithLabelValues("dispatched").Inc()
	switch {
	case env.Room != "":
		if room := ns.Room(env.Room); room != nil {
			room.dispatchLocal(env, "")
		}
	case env.UserID != "":
		ns.dispatchToUser(env, "")
	default:
		ns.dispatchToAll(env, "")
	}
}

// Destroy tears the namespace down: no new admissions, in-flight handshakes
// waited for up to the context deadline, broker subscription dropped,
// memberships cleared and every connection closed with a going-away frame.
// Idempotent.
func (ns *Namespace) Destroy(ctx context.Context) error {
	ns.mu.Lock()
	if ns.destroyed {
		ns.mu.Unlock()
		return nil
	}
	ns.destroyed = true
	conns := make([]*Connection, 0, len(ns.conns))
	for _, c := range ns.conns {
		conns = append(conns, c)
	}
	memberships := make(map[string][]string, len(ns.rooms))
	for roomName, room := range ns.rooms {
		for connID := range room.conns {
			memberships[roomName] = append(memberships[roomName], connID)
		}
	}
	roomCount := len(ns.rooms)
	ns.conns = make(map[string]*Connection)
	ns.users = make(map[string]map[string]*Connection)
	ns.rooms = make(map[string]*Room)
	ns.mu.Unlock()

	settled := make(chan struct{})
	go func() {
		ns.admissions.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-ctx.Done():
		metrics.ShutdownTimeouts.Inc()
		ns.log.Warn("Timed out waiting for in-flight admissions during destroy")
	}

	if err := ns.server.broker.Unsubscribe(ctx, broker.NamespacePattern(ns.name)); err != nil {
		ns.log.Warn("Failed to unsubscribe namespace pattern", "error", err)
	}

	for roomName, connIDs := range memberships {
		for _, connID := range connIDs {
			if err := ns.server.state.RemoveMember(ctx, ns.name, roomName, connID); err != nil {
				ns.log.Warn("Failed to clear membership during destroy",
					"room", roomName, "conn_id", connID, "error", err)
			}
		}
	}

	for _, c := range conns {
		c.stop(websocket.CloseGoingAway, "server shutting down")
	}
	metrics.ConnectionsCurrent.Sub(float64(len(conns)))
	metrics.RoomsCurrent.Sub(float64(roomCount))
	ns.log.Info("Namespace destroyed", "connections_closed", len(conns), "rooms_dropped", roomCount)
	return nil
}
