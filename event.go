package socketcore

import "encoding/json"

// EventKind tags the known events exchanged by the course demos. Anything
// else travels as KindCustom with its name kept verbatim.
type EventKind int

const (
	KindCustom EventKind = iota
	KindChat
	KindCursorMove
	KindTyping
	KindPresence
	KindPurchase
)

var kindNames = map[EventKind]string{
	KindChat:       "chat:message",
	KindCursorMove: "cursor:move",
	KindTyping:     "typing",
	KindPresence:   "presence",
	KindPurchase:   "buy-item",
}

var namesToKind = func() map[string]EventKind {
	m := make(map[string]EventKind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

// String returns the wire name of a known kind, or "custom".
func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "custom"
}

// KindOf maps a wire event name to its kind.
func KindOf(name string) EventKind {
	if k, ok := namesToKind[name]; ok {
		return k
	}
	return KindCustom
}

// Event is one named message with an opaque payload. Payload holds JSON
// unless Binary is set.
type Event struct {
	Kind    EventKind
	Name    string
	Payload []byte
	Binary  bool
}

// NewEvent builds an event from a wire name, resolving its kind.
func NewEvent(name string, payload []byte) Event {
	return Event{Kind: KindOf(name), Name: name, Payload: payload}
}

// JSONEvent marshals v as the payload of the named event.
func JSONEvent(name string, v any) (Event, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Event{}, err
	}
	return NewEvent(name, b), nil
}

// BinaryEvent builds an event whose payload is raw bytes.
func BinaryEvent(name string, data []byte) Event {
	ev := NewEvent(name, data)
	ev.Binary = true
	return ev
}

// EventName returns the name used on the wire.
func (e Event) EventName() string {
	if e.Kind != KindCustom {
		return e.Kind.String()
	}
	return e.Name
}

// Decode unmarshals a JSON payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}
