package broker

import (
	"context"
	"errors"
	"sync"
)

var errBrokerClosed = errors.New("broker: closed")

// MemoryBus fans published messages out to every attached Memory broker.
// A single bus shared by several brokers stands in for the external pub/sub
// transport of a multi-instance cluster.
type MemoryBus struct {
	mu      sync.RWMutex
	members []*Memory
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Broker attaches a new broker handle to the bus.
func (b *MemoryBus) Broker() *Memory {
	m := &Memory{
		bus:  b,
		subs: make(map[string]Handler),
	}
	b.mu.Lock()
	b.members = append(b.members, m)
	b.mu.Unlock()
	return m
}

func (b *MemoryBus) publish(topic string, payload []byte) {
	b.mu.RLock()
	members := make([]*Memory, len(b.members))
	copy(members, b.members)
	b.mu.RUnlock()

	for _, m := range members {
		m.deliver(topic, payload)
	}
}

// Memory is the in-process Broker for single-node deployments and tests.
type Memory struct {
	bus    *MemoryBus
	mu     sync.RWMutex
	subs   map[string]Handler
	closed bool
}

var _ Broker = (*Memory)(nil)

// NewMemory creates a standalone in-process broker on its own private bus.
func NewMemory() *Memory {
	return NewMemoryBus().Broker()
}

func (m *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return errBrokerClosed
	}

	m.bus.publish(topic, payload)
	return nil
}

func (m *Memory) Subscribe(_ context.Context, pattern string, handler Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errBrokerClosed
	}
	m.subs[pattern] = handler
	return nil
}

func (m *Memory) Unsubscribe(_ context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, pattern)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[string]Handler)
	return nil
}

// deliver hands the message to every matching handler asynchronously so a
// slow subscriber cannot stall the publisher.
func (m *Memory) deliver(topic string, payload []byte) {
	m.mu.RLock()
	var handlers []Handler
	for pattern, handler := range m.subs {
		if Match(pattern, topic) {
			handlers = append(handlers, handler)
		}
	}
	m.mu.RUnlock()

	for _, handler := range handlers {
		go handler(topic, payload)
	}
}
