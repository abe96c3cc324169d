package socketcore

import "fmt"

// TargetKind selects how the dispatcher resolves recipients.
type TargetKind int

const (
	TargetSocket TargetKind = iota
	TargetOthers
	TargetNamespace
	TargetRoom
	TargetServer
)

func (k TargetKind) String() string {
	switch k {
	case TargetSocket:
		return "socket"
	case TargetOthers:
		return "others"
	case TargetNamespace:
		return "namespace"
	case TargetRoom:
		return "room"
	case TargetServer:
		return "server"
	default:
		return "unknown"
	}
}

// Target describes the recipients of an envelope.
type Target struct {
	Kind          TargetKind
	ID            string
	Room          string
	ExcludeSender bool
	Excluded      []string
}

// ToSocket targets exactly one socket, which may be the sender itself.
func ToSocket(id string) Target { return Target{Kind: TargetSocket, ID: id} }

// ToOthers targets every socket of the sender's namespace except the sender.
func ToOthers() Target { return Target{Kind: TargetOthers, ExcludeSender: true} }

// ToNamespace targets every socket of the sender's namespace.
func ToNamespace() Target { return Target{Kind: TargetNamespace} }

// ToRoom targets every current member of room.
func ToRoom(room string) Target { return Target{Kind: TargetRoom, Room: room} }

// ToRoomExceptSender targets every member of room but the sender.
func ToRoomExceptSender(room string) Target {
	return Target{Kind: TargetRoom, Room: room, ExcludeSender: true}
}

// ToServer delivers to the sender's own inbound handlers.
func ToServer() Target { return Target{Kind: TargetServer} }

// Except returns a copy of t that also skips the given socket ids.
func (t Target) Except(ids ...string) Target {
	t.Excluded = append(append([]string(nil), t.Excluded...), ids...)
	return t
}

func (t Target) String() string {
	switch t.Kind {
	case TargetSocket:
		return "socket:" + t.ID
	case TargetRoom:
		if t.ExcludeSender {
			return "room-others:" + t.Room
		}
		return "room:" + t.Room
	default:
		return t.Kind.String()
	}
}

func (t Target) singleRecipient() bool {
	return t.Kind == TargetSocket || t.Kind == TargetServer
}

// DeliveryMode picks between queued and best-effort delivery.
type DeliveryMode int

const (
	Guaranteed DeliveryMode = iota
	Volatile
)

func (m DeliveryMode) String() string {
	if m == Volatile {
		return "volatile"
	}
	return "guaranteed"
}

// Envelope is one outbound message.
type Envelope struct {
	Event  Event
	Target Target
	Mode   DeliveryMode

	ackToken uint64
}

func (e Envelope) String() string {
	return fmt.Sprintf("%s -> %s (%s)", e.Event.EventName(), e.Target, e.Mode)
}
