// Package coordination tracks the live instances of a cluster through a
// shared Redis hash of heartbeats. The registry is informational: routing
// never depends on it, but operators and readiness checks can see which
// instances are up.
package coordination

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/0Andriy/livemap/internal/metrics"
	"github.com/0Andriy/livemap/internal/version"
)

const (
	registryKey = "livemap:instances"

	// staleAfter is how long a missing heartbeat keeps an instance listed.
	staleAfter = 60 * time.Second
)

// InstanceInfo is the heartbeat record one instance writes for itself.
type InstanceInfo struct {
	ServerID  string `json:"serverId"`
	BasePath  string `json:"basePath"`
	Version   string `json:"version"`
	Timestamp int64  `json:"timestamp"`
}

// Registry maintains this instance's heartbeat and reads the cluster view.
type Registry struct {
	rdb       *redis.Client
	serverID  string
	basePath  string
	heartbeat time.Duration
	clock     clockwork.Clock
	log       *slog.Logger
}

func NewRegistry(rdb *redis.Client, serverID, basePath string, heartbeat time.Duration, clock clockwork.Clock) *Registry {
	return &Registry{
		rdb:       rdb,
		serverID:  serverID,
		basePath:  basePath,
		heartbeat: heartbeat,
		clock:     clock,
		log:       slog.Default().With("component", "coordination", "server_id", serverID),
	}
}

// Run registers immediately, then heartbeats on the configured interval
// until the context is cancelled, at which point it unregisters and returns.
func (r *Registry) Run(ctx context.Context) {
	r.register(ctx)

	ticker := r.clock.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.register(ctx)
		case <-ctx.Done():
			r.unregister()
			return
		}
	}
}

func (r *Registry) register(ctx context.Context) {
	info := InstanceInfo{
		ServerID:  r.serverID,
		BasePath:  r.basePath,
		Version:   version.Get().Version,
		Timestamp: r.clock.Now().Unix(),
	}
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := r.rdb.HSet(ctx, registryKey, r.serverID, data).Err(); err != nil {
		r.log.Warn("Failed to write instance heartbeat", "error", err)
		return
	}

	if active, err := r.ActiveServers(ctx); err == nil {
		metrics.InstanceRegistrySize.Set(float64(len(active)))
	}
}

// unregister uses a fresh context because the run context is already done.
func (r *Registry) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.rdb.HDel(ctx, registryKey, r.serverID).Err(); err != nil {
		r.log.Warn("Failed to remove instance registration", "error", err)
	}
}

// ActiveServers returns the ids of instances with a recent heartbeat.
func (r *Registry) ActiveServers(ctx context.Context) ([]string, error) {
	snapshot, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(snapshot))
	for _, info := range snapshot {
		ids = append(ids, info.ServerID)
	}
	return ids, nil
}

// Snapshot returns the heartbeat records of every active instance. Stale
// records are skipped, not deleted; the owning instance's next heartbeat or
// an operator sweep reclaims them.
func (r *Registry) Snapshot(ctx context.Context) ([]InstanceInfo, error) {
	entries, err := r.rdb.HGetAll(ctx, registryKey).Result()
	if err != nil {
		return nil, err
	}

	cutoff := r.clock.Now().Add(-staleAfter).Unix()
	infos := make([]InstanceInfo, 0, len(entries))
	for _, data := range entries {
		var info InstanceInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			continue
		}
		if info.Timestamp >= cutoff {
			infos = append(infos, info)
		}
	}
	return infos, nil
}
