package socketcore

// Adapter is the room directory of one namespace. Implementations keep the
// room->sockets and socket->rooms views consistent under a single lock.
type Adapter interface {
	// Add puts a socket in a room, creating the room. It reports whether
	// membership changed.
	Add(socketID, room string) bool

	// Remove takes a socket out of a room and deletes the room once empty.
	// It reports whether membership changed.
	Remove(socketID, room string) bool

	// RemoveAll takes a socket out of every room and returns the rooms it held
	RemoveAll(socketID string) []string

	// Sockets returns all socket IDs in a room
	Sockets(room string) []string

	// SocketRooms returns all rooms a socket is in
	SocketRooms(socketID string) []string

	// Rooms returns every non-empty room
	Rooms() []string

	// Close cleans up the adapter
	Close() error
}
