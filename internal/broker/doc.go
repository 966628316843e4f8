// Package broker provides the topic-based publish/subscribe transport that
// replicates local broadcasts cluster-wide.
//
// Memory delivers only within one process (optionally across several broker
// handles sharing a MemoryBus, mimicking a multi-node cluster in tests).
// Redis delivers to every subscribed instance via PUBLISH/PSUBSCRIBE,
// including the publisher's own, so callers must suppress their own echoes.
package broker
