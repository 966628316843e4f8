package realtime

import (
	"context"

	"github.com/0Andriy/livemap/internal/broker"
	"github.com/0Andriy/livemap/internal/metrics"
)

// Room is a named membership set inside one namespace. It exists only while
// at least one local connection is joined; the namespace creates it on first
// join and drops it when the last local member leaves. Other instances may
// still hold members of the same logical room, so local emptiness never
// implies global emptiness.
//
// The conns map is guarded by the owning namespace's mutex.
type Room struct {
	name  string
	ns    *Namespace
	conns map[string]*Connection
}

func (r *Room) Name() string { return r.name }

// members snapshots the local membership, optionally excluding one
// connection id.
func (r *Room) members(excludeConnID string) []*Connection {
	r.ns.mu.RLock()
	defer r.ns.mu.RUnlock()
	members := make([]*Connection, 0, len(r.conns))
	for id, c := range r.conns {
		if id == excludeConnID {
			continue
		}
		members = append(members, c)
	}
	return members
}

// LocalSize returns the number of local members.
func (r *Room) LocalSize() int {
	r.ns.mu.RLock()
	defer r.ns.mu.RUnlock()
	return len(r.conns)
}

// DispatchLocal delivers an envelope to every local member. Per-connection
// failures are logged and do not abort delivery to the remaining members.
func (r *Room) DispatchLocal(env Envelope) {
	r.dispatchLocal(env, "")
}

func (r *Room) dispatchLocal(env Envelope, excludeConnID string) {
	frame, err := wireFrame(env)
	if err != nil {
		r.ns.log.Error("Failed to encode frame for room dispatch", "room", r.name, "error", err)
		return
	}

	for _, c := range r.members(excludeConnID) {
		if err := c.Send(frame); err != nil {
			metrics.DeliveryFailures.Inc()
			r.ns.log.Warn("Room dispatch failed for connection",
				"room", r.name,
				"conn_id", c.ID(),
				"error", err,
			)
			if err == ErrSendBufferFull {
				r.ns.evictSlowConnection(c)
			}
		}
	}
}

// Broadcast delivers locally first, excluding the sender's own connection
// when set, then publishes to the room topic so other instances replicate
// the delivery. Publish failures propagate: silent cluster-wide loss is
// worse than an explicit error.
func (r *Room) Broadcast(ctx context.Context, env Envelope, excludeSenderConnID string) error {
	r.dispatchLocal(env, excludeSenderConnID)
	return r.ns.publish(ctx, broker.RoomTopic(r.ns.name, r.name), env)
}

// MemberCount returns the cluster-wide member count from the state adapter.
// If the adapter fails it falls back to the local set size, logged as
// degraded.
func (r *Room) MemberCount(ctx context.Context) int64 {
	count, err := r.ns.server.state.CountMembers(ctx, r.ns.name, r.name)
	if err != nil {
		local := int64(r.LocalSize())
		r.ns.log.Warn("State adapter unavailable, reporting local room size",
			"room", r.name,
			"local_size", local,
			"error", err,
		)
		metrics.StateFallbacks.Inc()
		return local
	}
	return count
}
