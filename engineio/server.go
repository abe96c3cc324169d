package engineio

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrSessionClosed = errors.New("engineio: session closed")

// Config holds Engine.IO server configuration
type Config struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	MaxPayload   int // bytes
	WriteTimeout time.Duration
	CheckOrigin  func(*http.Request) bool
}

// DefaultConfig returns default Engine.IO configuration
func DefaultConfig() *Config {
	return &Config{
		PingInterval: 25 * time.Second,
		PingTimeout:  20 * time.Second,
		MaxPayload:   1e6,
		WriteTimeout: 10 * time.Second,
	}
}

// Server represents an Engine.IO server
type Server struct {
	config    *Config
	upgrader  websocket.Upgrader
	sessions  sync.Map
	onConnect func(*Session, *http.Request)
	logger    *zap.Logger
}

// NewServer creates a new Engine.IO server
func NewServer(config *Config, logger *zap.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Server{
		config: config,
		upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
	}
}

// ServeHTTP handles HTTP requests and upgrades to WebSocket
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("transport") != "websocket" {
		http.Error(w, "Only WebSocket transport is supported", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	conn.SetReadLimit(int64(s.config.MaxPayload))

	sid := uuid.NewString()
	session := NewSession(sid, conn, s.config, s.logger)

	handshake, err := EncodeHandshake(sid, s.config.PingInterval, s.config.PingTimeout, s.config.MaxPayload)
	if err != nil {
		conn.Close()
		return
	}

	if err := conn.WriteMessage(websocket.TextMessage, handshake); err != nil {
		conn.Close()
		return
	}

	s.sessions.Store(sid, session)
	session.onRelease(func() {
		s.sessions.Delete(sid)
	})

	if s.onConnect != nil {
		s.onConnect(session, r)
	}

	session.Start()
}

// OnConnect sets the connection handler. It runs before the session starts
// reading, so handlers set there see every message.
func (s *Server) OnConnect(fn func(*Session, *http.Request)) {
	s.onConnect = fn
}

// GetSession retrieves a session by ID
func (s *Server) GetSession(sid string) (*Session, bool) {
	val, ok := s.sessions.Load(sid)
	if !ok {
		return nil, false
	}
	return val.(*Session), true
}

// Count returns the number of open sessions
func (s *Server) Count() int {
	n := 0
	s.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close closes all sessions
func (s *Server) Close(reason string) {
	s.sessions.Range(func(_, value any) bool {
		value.(*Session).Close(reason)
		return true
	})
}
