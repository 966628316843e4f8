// Package realtime implements the clustered publish/subscribe engine: a
// server of isolated namespaces, each holding connections, rooms and user
// indexes, replicated across instances through a broker and a shared state
// adapter.
//
// Every emission is delivered to local recipients directly and published to
// the cluster; receiving instances suppress envelopes stamped with their own
// server id so local recipients never see a message twice. Delivery is at
// most once with no persistence or replay.
package realtime
