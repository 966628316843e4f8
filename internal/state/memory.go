package state

import (
	"context"
	"sync"
)

// Memory is the in-process Adapter for single-instance deployments.
type Memory struct {
	mu sync.RWMutex
	// rooms: namespace -> room -> set of connection ids
	rooms map[string]map[string]map[string]struct{}
	// refs: namespace -> connection id -> number of rooms joined
	refs map[string]map[string]int
}

var _ Adapter = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		rooms: make(map[string]map[string]map[string]struct{}),
		refs:  make(map[string]map[string]int),
	}
}

func (m *Memory) AddMember(_ context.Context, namespace, room, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rooms, ok := m.rooms[namespace]
	if !ok {
		rooms = make(map[string]map[string]struct{})
		m.rooms[namespace] = rooms
	}
	members, ok := rooms[room]
	if !ok {
		members = make(map[string]struct{})
		rooms[room] = members
	}
	if _, exists := members[connID]; exists {
		return nil
	}
	members[connID] = struct{}{}

	refs, ok := m.refs[namespace]
	if !ok {
		refs = make(map[string]int)
		m.refs[namespace] = refs
	}
	refs[connID]++
	return nil
}

func (m *Memory) RemoveMember(_ context.Context, namespace, room, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.rooms[namespace][room]
	if !ok {
		return nil
	}
	if _, exists := members[connID]; !exists {
		return nil
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(m.rooms[namespace], room)
		if len(m.rooms[namespace]) == 0 {
			delete(m.rooms, namespace)
		}
	}

	if refs, ok := m.refs[namespace]; ok {
		refs[connID]--
		if refs[connID] <= 0 {
			delete(refs, connID)
		}
		if len(refs) == 0 {
			delete(m.refs, namespace)
		}
	}
	return nil
}

func (m *Memory) ListMembers(_ context.Context, namespace, room string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := m.rooms[namespace][room]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Memory) CountMembers(_ context.Context, namespace, room string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.rooms[namespace][room])), nil
}

func (m *Memory) CountInNamespace(_ context.Context, namespace string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.refs[namespace])), nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms = make(map[string]map[string]map[string]struct{})
	m.refs = make(map[string]map[string]int)
	return nil
}
