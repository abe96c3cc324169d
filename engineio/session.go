package engineio

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Close reasons reported through OnClose
const (
	ReasonTransportClose = "transport close"
	ReasonTransportError = "transport error"
	ReasonPingTimeout    = "ping timeout"
)

// Session represents an Engine.IO session over one websocket
type Session struct {
	id     string
	conn   *websocket.Conn
	config *Config
	logger *zap.Logger

	writeMu  sync.Mutex
	inflight atomic.Int32

	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}

	mu           sync.RWMutex
	onFrame      func([]byte)
	onClose      func(string)
	release      func()
	pingTimer    *time.Timer
	pingTimeout  *time.Timer
	lastActivity time.Time
}

// NewSession creates a new Engine.IO session
func NewSession(id string, conn *websocket.Conn, config *Config, logger *zap.Logger) *Session {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		id:           id,
		conn:         conn,
		config:       config,
		logger:       logger.With(zap.String("eio_sid", id)),
		closed:       make(chan struct{}),
		lastActivity: time.Now(),
	}
}

// ID returns the session ID
func (s *Session) ID() string {
	return s.id
}

// Start starts reading and pinging. Later calls do nothing.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		go s.readLoop()
		s.schedulePing()
	})
}

// Write sends one message packet carrying frame
func (s *Session) Write(frame []byte) error {
	return s.writePacket(&Packet{Type: PacketTypeMessage, Data: frame})
}

// Writable reports whether no write is in progress
func (s *Session) Writable() bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	return s.inflight.Load() == 0
}

// Close closes the session. The close handler runs after the connection is
// shut, outside any session lock, so it may call Close again.
func (s *Session) Close(reason string) {
	var onClose func(string)
	var release func()
	first := false

	s.closeOnce.Do(func() {
		first = true
		close(s.closed)

		s.mu.Lock()
		if s.pingTimer != nil {
			s.pingTimer.Stop()
		}
		if s.pingTimeout != nil {
			s.pingTimeout.Stop()
		}
		onClose, release = s.onClose, s.release
		s.mu.Unlock()

		packet := &Packet{Type: PacketTypeClose}
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.conn.WriteMessage(websocket.TextMessage, packet.Encode())
		s.writeMu.Unlock()

		s.conn.Close()
		s.logger.Debug("session closed", zap.String("reason", reason))
	})
	if !first {
		return
	}

	if release != nil {
		release()
	}
	if onClose != nil {
		onClose(reason)
	}
}

// OnFrame sets the handler for message packets
func (s *Session) OnFrame(fn func([]byte)) {
	s.mu.Lock()
	s.onFrame = fn
	s.mu.Unlock()
}

// OnClose sets the close handler
func (s *Session) OnClose(fn func(string)) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

// LastActivity returns when the peer was last heard from
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

func (s *Session) onRelease(fn func()) {
	s.mu.Lock()
	s.release = fn
	s.mu.Unlock()
}

func (s *Session) writePacket(packet *Packet) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	s.inflight.Add(1)
	defer s.inflight.Add(-1)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, packet.Encode()); err != nil {
		return err
	}
	return nil
}

func (s *Session) readLoop() {
	reason := ReasonTransportClose
	defer func() { s.Close(reason) }()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				reason = ReasonTransportError
			}
			select {
			case <-s.closed:
			default:
				s.logger.Debug("read ended", zap.Error(err))
			}
			return
		}

		s.updateActivity()

		packet, err := DecodePacket(data)
		if err != nil {
			s.logger.Debug("invalid engine packet", zap.Error(err))
			continue
		}

		if packet.Type == PacketTypeClose {
			reason = ReasonTransportClose
			return
		}
		s.handlePacket(packet)
	}
}

func (s *Session) handlePacket(packet *Packet) {
	switch packet.Type {
	case PacketTypePing:
		s.handlePing(packet)
	case PacketTypePong:
		s.handlePong()
	case PacketTypeMessage:
		s.handleMessage(packet.Data)
	}
}

func (s *Session) handlePing(packet *Packet) {
	if err := s.writePacket(&Packet{Type: PacketTypePong, Data: packet.Data}); err != nil {
		s.logger.Debug("pong failed", zap.Error(err))
	}
}

func (s *Session) handlePong() {
	s.mu.Lock()
	if s.pingTimeout != nil {
		s.pingTimeout.Stop()
	}
	s.mu.Unlock()
	s.schedulePing()
}

func (s *Session) handleMessage(data []byte) {
	s.mu.RLock()
	handler := s.onFrame
	s.mu.RUnlock()

	if handler != nil {
		handler(data)
	}
}

func (s *Session) schedulePing() {
	timer := time.AfterFunc(s.config.PingInterval, func() {
		if err := s.writePacket(&Packet{Type: PacketTypePing}); err != nil {
			return
		}
		s.schedulePingTimeout()
	})

	s.mu.Lock()
	s.pingTimer = timer
	s.mu.Unlock()
}

func (s *Session) schedulePingTimeout() {
	timer := time.AfterFunc(s.config.PingTimeout, func() {
		s.Close(ReasonPingTimeout)
	})

	s.mu.Lock()
	s.pingTimeout = timer
	s.mu.Unlock()
}

func (s *Session) updateActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}
