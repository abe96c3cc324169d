package socketcore

import (
	"sort"
	"sync"
)

// MemoryAdapter is an in-memory implementation of the Adapter interface
type MemoryAdapter struct {
	rooms       map[string]map[string]struct{} // room -> socketIDs
	socketRooms map[string]map[string]struct{} // socketID -> rooms
	mu          sync.RWMutex
}

// NewMemoryAdapter creates a new in-memory adapter
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		rooms:       make(map[string]map[string]struct{}),
		socketRooms: make(map[string]map[string]struct{}),
	}
}

// Add adds a socket to a room
func (a *MemoryAdapter) Add(socketID, room string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.rooms[room][socketID]; ok {
		return false
	}

	if a.rooms[room] == nil {
		a.rooms[room] = make(map[string]struct{})
	}
	a.rooms[room][socketID] = struct{}{}

	if a.socketRooms[socketID] == nil {
		a.socketRooms[socketID] = make(map[string]struct{})
	}
	a.socketRooms[socketID][room] = struct{}{}

	return true
}

// Remove removes a socket from a room
func (a *MemoryAdapter) Remove(socketID, room string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.rooms[room][socketID]; !ok {
		return false
	}
	a.unlink(socketID, room)

	return true
}

// RemoveAll removes a socket from all rooms
func (a *MemoryAdapter) RemoveAll(socketID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	held := sortedKeys(a.socketRooms[socketID])
	for _, room := range held {
		a.unlink(socketID, room)
	}

	return held
}

// Sockets returns all socket IDs in a room
func (a *MemoryAdapter) Sockets(room string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return sortedKeys(a.rooms[room])
}

// SocketRooms returns all rooms a socket is in
func (a *MemoryAdapter) SocketRooms(socketID string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return sortedKeys(a.socketRooms[socketID])
}

// Rooms returns every room that has at least one member
func (a *MemoryAdapter) Rooms() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return sortedKeys(a.rooms)
}

// Close cleans up the adapter
func (a *MemoryAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.rooms = make(map[string]map[string]struct{})
	a.socketRooms = make(map[string]map[string]struct{})

	return nil
}

// unlink drops one membership from both views. Caller holds a.mu.
func (a *MemoryAdapter) unlink(socketID, room string) {
	if members := a.rooms[room]; members != nil {
		delete(members, socketID)
		if len(members) == 0 {
			delete(a.rooms, room)
		}
	}

	if held := a.socketRooms[socketID]; held != nil {
		delete(held, room)
		if len(held) == 0 {
			delete(a.socketRooms, socketID)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
