package socketcore

import (
	"fmt"
	"time"

	"github.com/ramory-l/socketcore/engineio"
)

// ConnState is the lifecycle state of a socket.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnected
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// canTransition reports whether from -> to is a legal move. Any state may
// move to closed, except closed itself.
func canTransition(from, to ConnState) bool {
	if to == StateClosed {
		return from != StateClosed
	}
	switch from {
	case StateConnecting:
		return to == StateConnected
	case StateConnected:
		return to == StateDisconnected
	case StateDisconnected:
		return to == StateReconnecting
	case StateReconnecting:
		return to == StateConnected
	}
	return false
}

// Disconnect reasons. The intentional ones never trigger reconnection.
const (
	ReasonTransportClose     = engineio.ReasonTransportClose
	ReasonTransportError     = engineio.ReasonTransportError
	ReasonPingTimeout        = engineio.ReasonPingTimeout
	ReasonServerDrop         = "server drop"
	ReasonClientDisconnect   = "client namespace disconnect"
	ReasonServerDisconnect   = "server namespace disconnect"
	ReasonServerShutdown     = "server shutdown"
	ReasonReconnectExhausted = "reconnect exhausted"
)

func intentional(reason string) bool {
	switch reason {
	case ReasonClientDisconnect, ReasonServerDisconnect, ReasonServerShutdown:
		return true
	}
	return false
}

// StateChange is delivered to OnStateChange listeners.
type StateChange struct {
	From    ConnState
	To      ConnState
	Reason  string
	Attempt int
	Delay   time.Duration
	Err     error
}
