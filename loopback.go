package socketcore

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Loopback is an in-process Transport. Frames written by the server reach
// the paired LoopbackClient synchronously; frames sent by the client reach
// the server's frame handler on the sending goroutine.
type Loopback struct {
	nsp    string
	client *LoopbackClient

	mu          sync.Mutex
	onFrame     func([]byte)
	onClose     func(string)
	busy        int
	closed      bool
	closeReason string
}

// NewLoopback creates a transport for namespace nsp together with its client.
func NewLoopback(nsp string) *Loopback {
	l := &Loopback{nsp: normalizeNamespace(nsp)}
	l.client = &LoopbackClient{
		link:       l,
		handlers:   make(map[string][]Handler),
		correlator: NewCorrelator(NoopMetrics{}),
	}
	return l
}

// Client returns the client end.
func (l *Loopback) Client() *LoopbackClient {
	return l.client
}

// Write hands frame to the client.
func (l *Loopback) Write(frame []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()

	if closed {
		return ErrConnectionClosed
	}
	l.client.receive(frame)
	return nil
}

// Writable reports false for as many calls as SetBusy asked for.
func (l *Loopback) Writable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	if l.busy > 0 {
		l.busy--
		return false
	}
	return true
}

// SetBusy makes the next n Writable calls report false.
func (l *Loopback) SetBusy(n int) {
	l.mu.Lock()
	l.busy = n
	l.mu.Unlock()
}

func (l *Loopback) OnFrame(fn func([]byte)) {
	l.mu.Lock()
	l.onFrame = fn
	l.mu.Unlock()
}

func (l *Loopback) OnClose(fn func(string)) {
	l.mu.Lock()
	l.onClose = fn
	l.mu.Unlock()
}

func (l *Loopback) Start() {}

// Close shuts the link from the server side.
func (l *Loopback) Close(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		l.closed = true
		l.closeReason = reason
	}
}

// Drop simulates the link failing underneath the server.
func (l *Loopback) Drop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.closeReason = ReasonTransportClose
	onClose := l.onClose
	l.mu.Unlock()

	if onClose != nil {
		onClose(ReasonTransportClose)
	}
}

// Closed reports whether the link is down and why.
func (l *Loopback) Closed() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed, l.closeReason
}

func (l *Loopback) send(frame []byte) error {
	l.mu.Lock()
	closed, handler := l.closed, l.onFrame
	l.mu.Unlock()

	if closed {
		return ErrConnectionClosed
	}
	if handler != nil {
		handler(frame)
	}
	return nil
}

// LoopbackClient plays the client side of a Loopback.
type LoopbackClient struct {
	link       *Loopback
	correlator *Correlator

	mu           sync.Mutex
	handlers     map[string][]Handler
	received     []Event
	sid          string
	connectError string
	disconnected bool
}

// On registers a handler for events the server sends.
func (c *LoopbackClient) On(name string, handler Handler) {
	c.mu.Lock()
	c.handlers[name] = append(c.handlers[name], handler)
	c.mu.Unlock()
}

// Emit sends an event to the server.
func (c *LoopbackClient) Emit(ev Event) error {
	packet, err := eventPacket(c.link.nsp, ev, nil)
	if err != nil {
		return err
	}
	return c.link.send(packet.Encode())
}

// EmitWithAck sends an event the server is expected to answer.
func (c *LoopbackClient) EmitWithAck(ev Event, timeout time.Duration) (*PendingAck, error) {
	pending := c.correlator.Register("client", timeout)
	id := pending.Token()

	packet, err := eventPacket(c.link.nsp, ev, &id)
	if err != nil {
		c.correlator.fail(id, err)
		return nil, err
	}
	if err := c.link.send(packet.Encode()); err != nil {
		c.correlator.fail(id, err)
		return nil, err
	}
	return pending, nil
}

// Disconnect leaves the namespace the way a client does.
func (c *LoopbackClient) Disconnect() error {
	return c.link.send(disconnectPacket(c.link.nsp).Encode())
}

// Received returns every event delivered so far, in order.
func (c *LoopbackClient) Received() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.received...)
}

// ReceivedNamed returns the delivered events with the given name.
func (c *LoopbackClient) ReceivedNamed(name string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Event
	for _, ev := range c.received {
		if ev.EventName() == name {
			out = append(out, ev)
		}
	}
	return out
}

// SID returns the socket id from the last CONNECT packet.
func (c *LoopbackClient) SID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid
}

// ConnectError returns the reason of a CONNECT_ERROR packet, if any.
func (c *LoopbackClient) ConnectError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectError
}

// Disconnected reports whether the server sent a DISCONNECT packet.
func (c *LoopbackClient) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *LoopbackClient) receive(frame []byte) {
	packet, err := DecodePacket(frame)
	if err != nil {
		return
	}

	switch packet.Type {
	case PacketTypeConnect:
		var body struct {
			SID string `json:"sid"`
		}
		_ = json.Unmarshal(packet.Data, &body)
		c.mu.Lock()
		c.sid = body.SID
		c.mu.Unlock()

	case PacketTypeConnectError:
		var body struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(packet.Data, &body)
		c.mu.Lock()
		c.connectError = body.Message
		c.mu.Unlock()

	case PacketTypeEvent, PacketTypeBinaryEvent:
		ev, err := decodeEvent(packet)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.received = append(c.received, ev)
		handlers := append([]Handler(nil), c.handlers[ev.EventName()]...)
		c.mu.Unlock()

		msg := &Message{Event: ev}
		if packet.ID != nil {
			id := *packet.ID
			msg.reply = func(r Reply) error {
				ack, err := ackPacket(c.link.nsp, id, r)
				if err != nil {
					return fmt.Errorf("encode ack: %w", err)
				}
				return c.link.send(ack.Encode())
			}
		}
		for _, handler := range handlers {
			handler(msg)
		}

	case PacketTypeAck, PacketTypeBinaryAck:
		if packet.ID == nil {
			return
		}
		if reply, err := decodeReply(packet); err == nil {
			c.correlator.Resolve(*packet.ID, reply)
		}

	case PacketTypeDisconnect:
		c.mu.Lock()
		c.disconnected = true
		c.mu.Unlock()
	}
}
