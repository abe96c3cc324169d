package socketcore

// Transport moves encoded packets between a socket and its remote peer.
// The websocket session in package engineio and Loopback implement it.
//
// OnFrame handlers are invoked sequentially from a single goroutine per
// transport. OnClose fires at most once; a close reported for a transport the
// socket has already let go of is ignored.
type Transport interface {
	// Write sends one encoded packet. It may block until the peer accepts it.
	Write(frame []byte) error

	// Writable reports whether a write can proceed right now without waiting
	// on a previous one. Volatile messages are dropped when it is false.
	Writable() bool

	OnFrame(fn func(frame []byte))
	OnClose(fn func(reason string))

	// Start begins reading. Calling it more than once has no effect.
	Start()

	// Close shuts the link down.
	Close(reason string)
}
