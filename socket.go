package socketcore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Handler handles one inbound event
type Handler func(*Message)

// Message is an inbound event together with the means to answer it.
type Message struct {
	Event

	socket  *Socket
	reply   func(Reply) error
	replied atomic.Bool
}

// Socket returns the receiving socket. It is nil on the client side of a
// Loopback.
func (m *Message) Socket() *Socket { return m.socket }

// WantsReply reports whether the sender asked for an acknowledgement.
func (m *Message) WantsReply() bool { return m.reply != nil }

// Reply answers the request with a JSON payload. Only the first reply counts.
func (m *Message) Reply(payload []byte) error {
	if m.reply == nil || !m.replied.CompareAndSwap(false, true) {
		return nil
	}
	return m.reply(Reply{Payload: payload})
}

// ReplyJSON marshals v and replies with it.
func (m *Message) ReplyJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return m.Reply(b)
}

// Get reads one payload field using a gjson path.
func (m *Message) Get(path string) gjson.Result {
	return gjson.GetBytes(m.Payload, path)
}

// Socket represents a client connection
type Socket struct {
	id       string
	token    string
	server   *Server
	ns       *Namespace
	logger   *zap.Logger
	attrs    Attributes
	outbox   *outbox
	redialer Redialer
	policy   *ReconnectPolicy

	mu         sync.Mutex
	state      ConnState
	transport  Transport
	stopWriter chan struct{}
	held       []string
	supervisor *supervisor
	listeners  []func(StateChange)
	closeOnce  sync.Once

	handlersMu   sync.RWMutex
	handlers     map[string][]Handler
	kindHandlers map[EventKind][]Handler

	data sync.Map
}

func newSocket(id string, ns *Namespace, attrs Attributes, opts connectOptions) *Socket {
	cfg := ns.server.config()
	var token string
	if _, ok := opts.redialer.(*resumeSlot); ok {
		token = uuid.NewString()
	}
	return &Socket{
		id:           id,
		token:        token,
		server:       ns.server,
		ns:           ns,
		logger:       ns.logger.With(zap.String("sid", id)),
		attrs:        attrs,
		outbox:       newOutbox(cfg.QueueDepth),
		redialer:     opts.redialer,
		policy:       opts.policy,
		state:        StateConnecting,
		handlers:     make(map[string][]Handler),
		kindHandlers: make(map[EventKind][]Handler),
	}
}

// ID returns the socket ID
func (s *Socket) ID() string {
	return s.id
}

// Namespace returns the namespace the socket was admitted to
func (s *Socket) Namespace() *Namespace {
	return s.ns
}

// State returns the lifecycle state
func (s *Socket) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Rooms returns all rooms the socket is in
func (s *Socket) Rooms() []string {
	return s.ns.adapter.SocketRooms(s.id)
}

// Attrs returns a copy of the attributes set during admission
func (s *Socket) Attrs() Attributes {
	return s.attrs.clone()
}

// Attr returns one admission attribute
func (s *Socket) Attr(key string) (any, bool) {
	v, ok := s.attrs[key]
	return v, ok
}

// Set stores arbitrary data on the socket
func (s *Socket) Set(key string, value any) {
	s.data.Store(key, value)
}

// Get retrieves data from the socket
func (s *Socket) Get(key string) (any, bool) {
	return s.data.Load(key)
}

// On registers a handler for inbound events with the given name
func (s *Socket) On(event string, handler Handler) {
	s.handlersMu.Lock()
	s.handlers[event] = append(s.handlers[event], handler)
	s.handlersMu.Unlock()
}

// OnKind registers a handler for every inbound event of a kind. KindCustom
// matches any event without a known kind.
func (s *Socket) OnKind(kind EventKind, handler Handler) {
	s.handlersMu.Lock()
	s.kindHandlers[kind] = append(s.kindHandlers[kind], handler)
	s.handlersMu.Unlock()
}

// Off removes event handlers
func (s *Socket) Off(event string) {
	s.handlersMu.Lock()
	delete(s.handlers, event)
	s.handlersMu.Unlock()
}

// OnStateChange registers a lifecycle listener
func (s *Socket) OnStateChange(fn func(StateChange)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Join adds the socket to a room
func (s *Socket) Join(room string) error {
	return s.ns.Join(s, room)
}

// Leave removes the socket from a room
func (s *Socket) Leave(room string) error {
	return s.ns.Leave(s, room)
}

// Send dispatches an envelope from this socket.
func (s *Socket) Send(ctx context.Context, env Envelope) error {
	if s.State() == StateClosed {
		return ErrConnectionClosed
	}
	return s.ns.dispatch(ctx, s, env)
}

// Emit sends an event to the client
func (s *Socket) Emit(ctx context.Context, ev Event) error {
	return s.Send(ctx, Envelope{Event: ev, Target: ToSocket(s.id)})
}

// EmitVolatile sends an event to the client unless it would have to wait
func (s *Socket) EmitVolatile(ctx context.Context, ev Event) error {
	return s.Send(ctx, Envelope{Event: ev, Target: ToSocket(s.id), Mode: Volatile})
}

// Broadcast targets every other socket of the namespace
func (s *Socket) Broadcast() *BroadcastOperator {
	return &BroadcastOperator{namespace: s.ns, sender: s}
}

// To targets the members of rooms, except this socket
func (s *Socket) To(rooms ...string) *BroadcastOperator {
	return s.Broadcast().To(rooms...)
}

// Request dispatches an envelope to a single recipient and returns the
// pending acknowledgement. A zero timeout uses the configured default.
func (s *Socket) Request(ctx context.Context, env Envelope, timeout time.Duration) (*PendingAck, error) {
	if !env.Target.singleRecipient() {
		return nil, ErrAckNeedsSingleTarget
	}
	if s.State() == StateClosed {
		return nil, ErrConnectionClosed
	}
	if timeout <= 0 {
		timeout = s.server.config().AckTimeout
	}

	correlator := s.server.correlator

	if env.Target.Kind == TargetServer {
		pending := correlator.register(s.id, s.id, timeout)
		token := pending.token
		s.runHandlers(&Message{
			Event:  env.Event,
			socket: s,
			reply: func(r Reply) error {
				correlator.resolveFrom(s.id, token, r)
				return nil
			},
		})
		return pending, nil
	}

	target, ok := s.ns.Socket(env.Target.ID)
	if !ok || target.State() != StateConnected {
		return nil, fmt.Errorf("%w: %s", ErrTargetUnreachable, env.Target.ID)
	}

	pending := correlator.register(s.id, target.id, timeout)
	env.ackToken = pending.token
	if err := s.ns.dispatch(ctx, s, env); err != nil {
		correlator.fail(pending.token, err)
		return nil, err
	}
	return pending, nil
}

// EmitWithAck sends an event to the client and waits for its acknowledgement
// through the returned PendingAck.
func (s *Socket) EmitWithAck(ctx context.Context, ev Event, timeout time.Duration) (*PendingAck, error) {
	return s.Request(ctx, Envelope{Event: ev, Target: ToSocket(s.id)}, timeout)
}

// Disconnect disconnects the socket
func (s *Socket) Disconnect() error {
	return s.Close(ReasonServerDisconnect)
}

// Close ends the socket for good. Calling it again has no effect.
func (s *Socket) Close(reason string) error {
	if reason == "" {
		reason = ReasonServerDisconnect
	}
	return s.closeWith(reason, nil)
}

// MarkDisconnected records the loss of the transport. Intentional reasons
// close the socket; any other reason starts reconnection.
func (s *Socket) MarkDisconnected(reason string) error {
	return s.disconnect(nil, reason)
}

// AttemptReconnect skips the remaining delay of the current reconnection
// attempt.
func (s *Socket) AttemptReconnect() error {
	s.mu.Lock()
	state, sv := s.state, s.supervisor
	s.mu.Unlock()

	if (state != StateDisconnected && state != StateReconnecting) || sv == nil {
		return fmt.Errorf("%w: cannot reconnect while %s", ErrInvalidTransition, state)
	}
	sv.kick()
	return nil
}

// attachLocked binds t as the live transport. Caller holds s.mu.
func (s *Socket) attachLocked(t Transport) {
	stop := make(chan struct{})
	s.transport = t
	s.stopWriter = stop

	t.OnFrame(s.handleFrame)
	t.OnClose(func(reason string) {
		s.transportLost(t, reason)
	})

	go s.writeLoop(t, stop)
}

// detachLocked unbinds the live transport and stops its writer. Caller
// holds s.mu.
func (s *Socket) detachLocked() Transport {
	t := s.transport
	s.transport = nil
	if s.stopWriter != nil {
		close(s.stopWriter)
		s.stopWriter = nil
	}
	return t
}

func (s *Socket) transportLost(t Transport, reason string) {
	if err := s.disconnect(t, reason); err != nil {
		s.logger.Debug("transport loss ignored", zap.Error(err))
	}
}

// disconnect moves a connected socket to disconnected. When expect is set,
// the call is ignored unless expect is still the live transport.
func (s *Socket) disconnect(expect Transport, reason string) error {
	if reason == "" {
		reason = ReasonTransportClose
	}

	s.mu.Lock()
	if expect != nil && s.transport != expect {
		s.mu.Unlock()
		return nil
	}
	if intentional(reason) {
		s.mu.Unlock()
		return s.closeWith(reason, nil)
	}
	if !canTransition(s.state, StateDisconnected) {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, state, StateDisconnected)
	}
	s.state = StateDisconnected
	held := s.ns.adapter.RemoveAll(s.id)
	s.held = held
	t := s.detachLocked()
	dropped := s.outbox.drain()
	s.mu.Unlock()

	if t != nil {
		t.Close(reason)
	}

	s.server.metrics.DecrementConnections(s.ns.name)
	s.logger.Info("socket disconnected",
		zap.String("reason", reason),
		zap.Strings("rooms", held),
		zap.Int("discarded", dropped),
	)

	for _, room := range held {
		s.ns.publishPresence(context.Background(), PresenceChange{
			Room:     room,
			SocketID: s.id,
			Kind:     PresenceLeft,
			Reason:   reason,
		})
	}
	s.notify(StateChange{From: StateConnected, To: StateDisconnected, Reason: reason})

	s.startRecovery(reason)
	return nil
}

func (s *Socket) startRecovery(reason string) {
	s.mu.Lock()
	if s.state != StateDisconnected || s.supervisor != nil {
		s.mu.Unlock()
		return
	}
	if s.redialer == nil {
		s.mu.Unlock()
		_ = s.closeWith(reason, nil)
		return
	}
	sv := newSupervisor(s, s.reconnectPolicy(), s.redialer)
	s.supervisor = sv
	s.mu.Unlock()

	go sv.run()
}

func (s *Socket) reconnectPolicy() ReconnectPolicy {
	if s.policy != nil {
		return *s.policy
	}
	return s.server.config().Reconnect
}

// beginAttempt moves the socket to reconnecting ahead of one redial.
func (s *Socket) beginAttempt(attempt int, delay time.Duration) error {
	s.mu.Lock()
	from := s.state
	if from != StateDisconnected && from != StateReconnecting {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, StateReconnecting)
	}
	s.state = StateReconnecting
	s.mu.Unlock()

	s.server.metrics.IncrementReconnectAttempts(s.ns.name)
	s.logger.Debug("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	s.notify(StateChange{From: from, To: StateReconnecting, Attempt: attempt, Delay: delay})
	return nil
}

// resume binds a redialed transport and restores the rooms held before the
// drop, announcing each once as rejoined.
func (s *Socket) resume(t Transport, attempt int) error {
	s.mu.Lock()
	if s.state != StateReconnecting {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, state, StateConnected)
	}
	s.attachLocked(t)
	s.state = StateConnected
	s.supervisor = nil
	s.outbox.push(connectPacket(s.ns.name, s.id, s.token).Encode())

	held := s.held
	s.held = nil
	rejoined := make([]string, 0, len(held))
	for _, room := range held {
		if s.ns.adapter.Add(s.id, room) {
			rejoined = append(rejoined, room)
		}
	}
	s.mu.Unlock()

	t.Start()

	s.server.metrics.IncrementConnections(s.ns.name)
	s.logger.Info("socket reconnected", zap.Int("attempt", attempt), zap.Strings("rooms", rejoined))
	s.notify(StateChange{From: StateReconnecting, To: StateConnected, Attempt: attempt})

	for _, room := range rejoined {
		s.ns.publishPresence(context.Background(), PresenceChange{
			Room:     room,
			SocketID: s.id,
			Kind:     PresenceRejoined,
		})
	}
	return nil
}

// offerResume hands a returning client's transport to the supervisor.
func (s *Socket) offerResume(t Transport, hs *Handshake) bool {
	slot, ok := s.redialer.(*resumeSlot)
	if !ok {
		return false
	}
	state := s.State()
	if state != StateDisconnected && state != StateReconnecting {
		return false
	}
	if !slot.offer(t, hs) {
		return false
	}
	if err := s.AttemptReconnect(); err != nil {
		slot.withdraw()
		return false
	}
	return true
}

func (s *Socket) closeWith(reason string, cause error) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		from := s.state
		s.state = StateClosed
		held := s.ns.adapter.RemoveAll(s.id)
		t := s.detachLocked()
		sv := s.supervisor
		s.supervisor = nil
		s.held = nil
		dropped := s.outbox.drain()
		s.mu.Unlock()

		if sv != nil {
			sv.stop()
		}
		if slot, ok := s.redialer.(*resumeSlot); ok {
			slot.discard(reason)
		}
		cancelled := s.server.correlator.CancelOwner(s.id, ErrConnectionClosed)

		if t != nil {
			if reason == ReasonServerDisconnect || reason == ReasonServerShutdown {
				_ = t.Write(disconnectPacket(s.ns.name).Encode())
			}
			t.Close(reason)
		}

		s.ns.removeSocket(s.id)
		s.server.unregister(s)
		if from == StateConnected {
			s.server.metrics.DecrementConnections(s.ns.name)
		}

		s.logger.Info("socket closed",
			zap.String("reason", reason),
			zap.Int("discarded", dropped),
			zap.Int("cancelled_acks", cancelled),
			zap.Error(cause),
		)

		if from == StateConnected {
			for _, room := range held {
				s.ns.publishPresence(context.Background(), PresenceChange{
					Room:     room,
					SocketID: s.id,
					Kind:     PresenceLeft,
					Reason:   reason,
				})
			}
		}
		s.notify(StateChange{From: from, To: StateClosed, Reason: reason, Err: cause})
	})
	return nil
}

func (s *Socket) notify(change StateChange) {
	s.mu.Lock()
	listeners := append(([]func(StateChange))(nil), s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(change)
	}
}

func (s *Socket) handleFrame(frame []byte) {
	packet, err := DecodePacket(frame)
	if err != nil {
		s.logger.Debug("invalid packet", zap.Error(err))
		return
	}
	if packet.Namespace != s.ns.name {
		return
	}

	switch packet.Type {
	case PacketTypeEvent, PacketTypeBinaryEvent:
		s.handleEvent(packet)
	case PacketTypeAck, PacketTypeBinaryAck:
		s.handleAck(packet)
	case PacketTypeDisconnect:
		_ = s.Close(ReasonClientDisconnect)
	}
}

func (s *Socket) handleEvent(packet *Packet) {
	ev, err := decodeEvent(packet)
	if err != nil {
		s.logger.Debug("invalid event", zap.Error(err))
		return
	}

	msg := &Message{Event: ev, socket: s}
	if packet.ID != nil {
		id := *packet.ID
		msg.reply = func(r Reply) error {
			return s.sendAck(id, r)
		}
	}

	s.runHandlers(msg)
}

func (s *Socket) handleAck(packet *Packet) {
	if packet.ID == nil {
		return
	}

	reply, err := decodeReply(packet)
	if err != nil {
		s.logger.Debug("invalid ack", zap.Error(err))
		return
	}

	if !s.server.correlator.resolveFrom(s.id, *packet.ID, reply) {
		s.logger.Debug("late or unknown ack discarded", zap.Uint64("token", *packet.ID))
	}
}

func (s *Socket) sendAck(id uint64, r Reply) error {
	packet, err := ackPacket(s.ns.name, id, r)
	if err != nil {
		return err
	}
	return s.deliver(packet.Encode(), Guaranteed)
}

// runHandlers invokes matching handlers in registration order on the calling
// goroutine.
func (s *Socket) runHandlers(msg *Message) {
	s.handlersMu.RLock()
	handlers := append([]Handler(nil), s.handlers[msg.EventName()]...)
	handlers = append(handlers, s.kindHandlers[msg.Kind]...)
	s.handlersMu.RUnlock()

	if len(handlers) == 0 {
		s.logger.Debug("no handler", zap.String("event", msg.EventName()))
		return
	}

	for _, handler := range handlers {
		s.invoke(handler, msg)
	}
}

func (s *Socket) invoke(handler Handler, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", zap.String("event", msg.EventName()), zap.Any("panic", r))
		}
	}()
	handler(msg)
}
