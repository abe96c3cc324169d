package socketcore

import (
	"errors"
	"strings"
)

var (
	// Admission
	ErrAdmissionRejected = errors.New("socketcore: admission rejected")

	// Dispatch and delivery
	ErrTargetUnreachable    = errors.New("socketcore: target unreachable")
	ErrQueueOverflow        = errors.New("socketcore: outbound queue full")
	ErrVolatileDropped      = errors.New("socketcore: volatile message dropped")
	ErrAckNeedsSingleTarget = errors.New("socketcore: acknowledgement requires a single target")

	// Acknowledgements
	ErrAckTimeout = errors.New("socketcore: acknowledgement timeout")

	// Connection lifecycle
	ErrConnectionClosed   = errors.New("socketcore: connection closed")
	ErrNotConnected       = errors.New("socketcore: connection not connected")
	ErrInvalidTransition  = errors.New("socketcore: invalid state transition")
	ErrReconnectExhausted = errors.New("socketcore: reconnection attempts exhausted")
	ErrNoResume           = errors.New("socketcore: no resumed transport available")

	// Rooms
	ErrCrossNamespace = errors.New("socketcore: socket belongs to another namespace")

	// Wire and config
	ErrInvalidPacket = errors.New("socketcore: invalid packet")
	ErrInvalidConfig = errors.New("socketcore: invalid config")
)

// AdmissionError carries the reason a handshake was refused.
type AdmissionError struct {
	Reason string
}

func (e *AdmissionError) Error() string {
	return "socketcore: admission rejected: " + e.Reason
}

// Is lets errors.Is(err, ErrAdmissionRejected) match any rejection.
func (e *AdmissionError) Is(target error) bool {
	return target == ErrAdmissionRejected
}

// Reject builds an admission error with the given reason. Middleware may
// return it to control the reason string sent to the client.
func Reject(reason string) error {
	return &AdmissionError{Reason: reason}
}

// OverflowError lists the sockets whose outbound queue refused a guaranteed
// message.
type OverflowError struct {
	Targets []string
}

func (e *OverflowError) Error() string {
	return "socketcore: outbound queue full for " + strings.Join(e.Targets, ",")
}

func (e *OverflowError) Is(target error) bool {
	return target == ErrQueueOverflow
}
