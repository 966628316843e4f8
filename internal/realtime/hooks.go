package realtime

import "sync"

// hookBus is the namespace's internal event bus for operational hooks.
// Handlers run synchronously on the emitting goroutine and should be quick.
type hookBus struct {
	mu            sync.RWMutex
	connection    []func(*Connection)
	roomCreated   []func(room string)
	roomDestroyed []func(room string)
}

func (b *hookBus) onConnection(h func(*Connection)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connection = append(b.connection, h)
}

func (b *hookBus) onRoomCreated(h func(string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roomCreated = append(b.roomCreated, h)
}

func (b *hookBus) onRoomDestroyed(h func(string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roomDestroyed = append(b.roomDestroyed, h)
}

func (b *hookBus) emitConnection(c *Connection) {
	b.mu.RLock()
	handlers := b.connection
	b.mu.RUnlock()
	for _, h := range handlers {
		h(c)
	}
}

func (b *hookBus) emitRoomCreated(room string) {
	b.mu.RLock()
	handlers := b.roomCreated
	b.mu.RUnlock()
	for _, h := range handlers {
		h(room)
	}
}

func (b *hookBus) emitRoomDestroyed(room string) {
	b.mu.RLock()
	handlers := b.roomDestroyed
	b.mu.RUnlock()
	for _, h := range handlers {
		h(room)
	}
}
