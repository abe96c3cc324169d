package socketcore

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Namespace represents a Socket.IO namespace
type Namespace struct {
	name    string
	server  *Server
	adapter Adapter
	logger  *zap.Logger

	mu      sync.RWMutex
	sockets map[string]*Socket

	mwMu        sync.RWMutex
	middlewares []Middleware

	handlersMu sync.RWMutex
	onConnect  []func(*Socket)
	onPresence []func(PresenceChange)
}

// NewNamespace creates a new namespace
func NewNamespace(name string, server *Server) *Namespace {
	return &Namespace{
		name:    name,
		server:  server,
		adapter: NewMemoryAdapter(),
		logger:  server.logger.With(zap.String("nsp", name)),
		sockets: make(map[string]*Socket),
	}
}

// Name returns the namespace name
func (ns *Namespace) Name() string {
	return ns.name
}

// Use appends admission checks that run after the server-wide ones
func (ns *Namespace) Use(middlewares ...Middleware) {
	ns.mwMu.Lock()
	ns.middlewares = append(ns.middlewares, middlewares...)
	ns.mwMu.Unlock()
}

// OnConnect registers a connection handler for this namespace
func (ns *Namespace) OnConnect(handler func(*Socket)) {
	ns.handlersMu.Lock()
	ns.onConnect = append(ns.onConnect, handler)
	ns.handlersMu.Unlock()
}

// OnPresence registers an observer of room membership changes
func (ns *Namespace) OnPresence(handler func(PresenceChange)) {
	ns.handlersMu.Lock()
	ns.onPresence = append(ns.onPresence, handler)
	ns.handlersMu.Unlock()
}

// To returns a BroadcastOperator for emitting to specific rooms
func (ns *Namespace) To(rooms ...string) *BroadcastOperator {
	return &BroadcastOperator{
		namespace: ns,
		rooms:     rooms,
	}
}

// Except returns a BroadcastOperator for the whole namespace minus some sockets
func (ns *Namespace) Except(socketIDs ...string) *BroadcastOperator {
	return ns.To().Except(socketIDs...)
}

// Emit broadcasts an event to all sockets in the namespace
func (ns *Namespace) Emit(ctx context.Context, ev Event) error {
	return ns.To().Emit(ctx, ev)
}

// Sockets returns all registered sockets, connected or recovering
func (ns *Namespace) Sockets() []*Socket {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	sockets := make([]*Socket, 0, len(ns.sockets))
	for _, socket := range ns.sockets {
		sockets = append(sockets, socket)
	}
	return sockets
}

// Socket retrieves a socket by ID
func (ns *Namespace) Socket(id string) (*Socket, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	socket, ok := ns.sockets[id]
	return socket, ok
}

// Members returns the socket IDs currently in room
func (ns *Namespace) Members(room string) []string {
	return ns.adapter.Sockets(room)
}

// Rooms returns every non-empty room of the namespace
func (ns *Namespace) Rooms() []string {
	return ns.adapter.Rooms()
}

// Adapter returns the room directory
func (ns *Namespace) Adapter() Adapter {
	return ns.adapter
}

// SetAdapter sets a custom adapter. It must be called before any socket joins.
func (ns *Namespace) SetAdapter(adapter Adapter) {
	ns.adapter = adapter
}

// Join adds a connected socket of this namespace to room. Joining a room the
// socket already holds changes nothing.
func (ns *Namespace) Join(s *Socket, room string) error {
	if s.ns != ns {
		return fmt.Errorf("%w: %s is in %s, not %s", ErrCrossNamespace, s.id, s.ns.name, ns.name)
	}

	s.mu.Lock()
	if s.state != StateConnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: socket is %s", ErrNotConnected, state)
	}
	added := ns.adapter.Add(s.id, room)
	s.mu.Unlock()

	if added {
		ns.publishPresence(context.Background(), PresenceChange{
			Room:     room,
			SocketID: s.id,
			Kind:     PresenceJoined,
		})
	}
	return nil
}

// Leave removes a socket of this namespace from room.
func (ns *Namespace) Leave(s *Socket, room string) error {
	if s.ns != ns {
		return fmt.Errorf("%w: %s is in %s, not %s", ErrCrossNamespace, s.id, s.ns.name, ns.name)
	}

	s.mu.Lock()
	removed := ns.adapter.Remove(s.id, room)
	s.mu.Unlock()

	if removed {
		ns.publishPresence(context.Background(), PresenceChange{
			Room:     room,
			SocketID: s.id,
			Kind:     PresenceLeft,
			Reason:   "leave",
		})
	}
	return nil
}

func (ns *Namespace) connectedCount() int {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	n := 0
	for _, s := range ns.sockets {
		if s.State() == StateConnected {
			n++
		}
	}
	return n
}

func (ns *Namespace) addSocket(socket *Socket) {
	ns.mu.Lock()
	ns.sockets[socket.id] = socket
	ns.mu.Unlock()
}

func (ns *Namespace) removeSocket(id string) {
	ns.mu.Lock()
	delete(ns.sockets, id)
	ns.mu.Unlock()

	ns.adapter.RemoveAll(id)
}

func (ns *Namespace) connected(socket *Socket) {
	ns.handlersMu.RLock()
	handlers := append(([]func(*Socket))(nil), ns.onConnect...)
	ns.handlersMu.RUnlock()

	for _, handler := range handlers {
		handler(socket)
	}
}

// BroadcastOperator provides methods for broadcasting to specific rooms
type BroadcastOperator struct {
	namespace *Namespace
	sender    *Socket
	rooms     []string
	except    []string
	volatile  bool
}

// To adds rooms to broadcast to
func (b *BroadcastOperator) To(rooms ...string) *BroadcastOperator {
	b.rooms = append(b.rooms, rooms...)
	return b
}

// Except excludes specific socket IDs from the broadcast
func (b *BroadcastOperator) Except(socketIDs ...string) *BroadcastOperator {
	b.except = append(b.except, socketIDs...)
	return b
}

// Volatile switches the broadcast to best-effort delivery
func (b *BroadcastOperator) Volatile() *BroadcastOperator {
	b.volatile = true
	return b
}

// Emit broadcasts an event
func (b *BroadcastOperator) Emit(ctx context.Context, ev Event) error {
	sel := selector{
		all:    len(b.rooms) == 0,
		rooms:  b.rooms,
		except: exclusions(b.except),
	}
	if b.sender != nil {
		sel.except[b.sender.id] = struct{}{}
	}

	mode := Guaranteed
	if b.volatile {
		mode = Volatile
	}

	label := "namespace"
	if len(b.rooms) > 0 {
		label = fmt.Sprintf("rooms:%v", b.rooms)
	}
	return b.namespace.emit(ctx, sel, ev, mode, 0, label)
}
