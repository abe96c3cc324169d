package socketcore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// PacketType represents Socket.IO packet types
type PacketType int

const (
	PacketTypeConnect PacketType = iota
	PacketTypeDisconnect
	PacketTypeEvent
	PacketTypeAck
	PacketTypeConnectError
	PacketTypeBinaryEvent
	PacketTypeBinaryAck
)

// Packet represents a Socket.IO packet. Data holds raw JSON.
type Packet struct {
	Type      PacketType
	Namespace string
	Data      json.RawMessage
	ID        *uint64
}

// Encode encodes a Socket.IO packet to its text form
func (p *Packet) Encode() []byte {
	var builder strings.Builder
	builder.Grow(len(p.Data) + len(p.Namespace) + 24)

	builder.WriteString(strconv.Itoa(int(p.Type)))

	if p.Namespace != "" && p.Namespace != "/" {
		builder.WriteString(p.Namespace)
		builder.WriteByte(',')
	}

	if p.ID != nil {
		builder.WriteString(strconv.FormatUint(*p.ID, 10))
	}

	builder.Write(p.Data)

	return []byte(builder.String())
}

// DecodePacket decodes a Socket.IO packet from its text form
func DecodePacket(data []byte) (*Packet, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty packet", ErrInvalidPacket)
	}

	packet := &Packet{
		Namespace: "/",
	}

	pos := 0

	if data[pos] < '0' || data[pos] > '6' {
		return nil, fmt.Errorf("%w: invalid packet type %q", ErrInvalidPacket, data[pos])
	}
	packet.Type = PacketType(data[pos] - '0')
	pos++

	if pos >= len(data) {
		return packet, nil
	}

	if data[pos] == '/' {
		end := strings.IndexByte(string(data[pos:]), ',')
		if end == -1 {
			packet.Namespace = string(data[pos:])
			return packet, nil
		}
		packet.Namespace = string(data[pos : pos+end])
		pos += end + 1
	}

	if pos >= len(data) {
		return packet, nil
	}

	if data[pos] >= '0' && data[pos] <= '9' {
		end := pos
		for end < len(data) && data[end] >= '0' && data[end] <= '9' {
			end++
		}
		id, err := strconv.ParseUint(string(data[pos:end]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: ack id: %v", ErrInvalidPacket, err)
		}
		packet.ID = &id
		pos = end
	}

	if pos >= len(data) {
		return packet, nil
	}

	raw := data[pos:]
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: malformed data", ErrInvalidPacket)
	}
	packet.Data = append(json.RawMessage(nil), raw...)

	return packet, nil
}

// String returns the packet type as a string
func (pt PacketType) String() string {
	switch pt {
	case PacketTypeConnect:
		return "connect"
	case PacketTypeDisconnect:
		return "disconnect"
	case PacketTypeEvent:
		return "event"
	case PacketTypeAck:
		return "ack"
	case PacketTypeConnectError:
		return "connect_error"
	case PacketTypeBinaryEvent:
		return "binary_event"
	case PacketTypeBinaryAck:
		return "binary_ack"
	default:
		return "unknown"
	}
}

// eventPacket builds an EVENT packet carrying ev as ["name", payload].
// Binary payloads are sent as BINARY_EVENT with the bytes base64 encoded.
func eventPacket(nsp string, ev Event, ackID *uint64) (*Packet, error) {
	data, err := argsData(ev.EventName(), ev.Payload, ev.Binary)
	if err != nil {
		return nil, err
	}
	typ := PacketTypeEvent
	if ev.Binary {
		typ = PacketTypeBinaryEvent
	}
	return &Packet{Type: typ, Namespace: nsp, Data: data, ID: ackID}, nil
}

// ackPacket builds an ACK packet answering id with reply.
func ackPacket(nsp string, id uint64, reply Reply) (*Packet, error) {
	data, err := argsData("", reply.Payload, reply.Binary)
	if err != nil {
		return nil, err
	}
	typ := PacketTypeAck
	if reply.Binary {
		typ = PacketTypeBinaryAck
	}
	return &Packet{Type: typ, Namespace: nsp, Data: data, ID: &id}, nil
}

// connectPacket acknowledges admission. pid is the private resume id and is
// only set for sockets that can be resumed.
func connectPacket(nsp, sid, pid string) *Packet {
	data, _ := json.Marshal(struct {
		SID string `json:"sid"`
		PID string `json:"pid,omitempty"`
	}{SID: sid, PID: pid})
	return &Packet{Type: PacketTypeConnect, Namespace: nsp, Data: data}
}

func connectErrorPacket(nsp, reason string) *Packet {
	data, _ := json.Marshal(map[string]string{"message": reason})
	return &Packet{Type: PacketTypeConnectError, Namespace: nsp, Data: data}
}

func disconnectPacket(nsp string) *Packet {
	return &Packet{Type: PacketTypeDisconnect, Namespace: nsp}
}

// argsData renders the argument array of an event or ack. Binary payloads
// become a base64 string.
func argsData(name string, payload []byte, binary bool) (json.RawMessage, error) {
	args := make([]json.RawMessage, 0, 2)
	if name != "" {
		quoted, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		args = append(args, quoted)
	}

	switch {
	case binary:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		args = append(args, encoded)
	case len(payload) > 0:
		if !json.Valid(payload) {
			return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidPacket)
		}
		args = append(args, json.RawMessage(payload))
	}

	return json.Marshal(args)
}

// decodeEvent extracts the event carried by an EVENT or BINARY_EVENT packet.
func decodeEvent(p *Packet) (Event, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(p.Data, &args); err != nil || len(args) == 0 {
		return Event{}, fmt.Errorf("%w: event needs a name", ErrInvalidPacket)
	}

	var name string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return Event{}, fmt.Errorf("%w: event name: %v", ErrInvalidPacket, err)
	}

	payload, binary, err := decodeArgs(p.Type == PacketTypeBinaryEvent, args[1:])
	if err != nil {
		return Event{}, err
	}

	ev := NewEvent(name, payload)
	ev.Binary = binary
	return ev, nil
}

// decodeReply extracts the reply carried by an ACK or BINARY_ACK packet.
func decodeReply(p *Packet) (Reply, error) {
	var args []json.RawMessage
	if len(p.Data) > 0 {
		if err := json.Unmarshal(p.Data, &args); err != nil {
			return Reply{}, fmt.Errorf("%w: ack data: %v", ErrInvalidPacket, err)
		}
	}

	payload, binary, err := decodeArgs(p.Type == PacketTypeBinaryAck, args)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Payload: payload, Binary: binary}, nil
}

// decodeArgs folds trailing arguments into one payload. A single argument is
// used as is; several are kept as a JSON array.
func decodeArgs(binary bool, args []json.RawMessage) ([]byte, bool, error) {
	switch {
	case len(args) == 0:
		return nil, false, nil
	case binary:
		var raw []byte
		if err := json.Unmarshal(args[0], &raw); err != nil {
			return nil, false, fmt.Errorf("%w: binary payload: %v", ErrInvalidPacket, err)
		}
		return raw, true, nil
	case len(args) == 1:
		return []byte(args[0]), false, nil
	default:
		data, err := json.Marshal(args)
		return data, false, err
	}
}
