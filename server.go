package socketcore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ramory-l/socketcore/engineio"
)

const tracerName = "github.com/ramory-l/socketcore"

// Server represents a Socket.IO server
type Server struct {
	cfg        atomic.Pointer[Config]
	logger     *zap.Logger
	metrics    Metrics
	tracer     trace.Tracer
	hook       func(AdmissionTrace)
	eio        *engineio.Server
	correlator *Correlator
	closed     atomic.Bool

	namespaces map[string]*Namespace
	nsMu       sync.RWMutex

	sockets   map[string]*Socket
	resumable map[string]*Socket
	sockMu    sync.RWMutex

	slots   map[string]int
	slotsMu sync.Mutex

	middlewares []Middleware
	mwMu        sync.RWMutex
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(metrics Metrics) Option {
	return func(s *Server) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithAdmissionHook observes every executed admission check
func WithAdmissionHook(hook func(AdmissionTrace)) Option {
	return func(s *Server) {
		s.hook = hook
	}
}

// WithTracer sets the tracer used for dispatch spans
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Server) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// NewServer creates a new Socket.IO server. A nil config uses DefaultConfig.
func NewServer(config *Config, opts ...Option) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	server := &Server{
		logger:     zap.NewNop(),
		metrics:    NoopMetrics{},
		tracer:     otel.Tracer(tracerName),
		namespaces: make(map[string]*Namespace),
		sockets:    make(map[string]*Socket),
		resumable:  make(map[string]*Socket),
		slots:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(server)
	}
	server.cfg.Store(config)
	server.correlator = NewCorrelator(server.metrics)

	server.eio = engineio.NewServer(&engineio.Config{
		PingInterval: config.PingInterval,
		PingTimeout:  config.PingTimeout,
		MaxPayload:   config.MaxPayload,
		WriteTimeout: config.WriteTimeout,
		CheckOrigin:  config.checkOrigin(),
	}, server.logger.Named("engineio"))

	// Create default namespace
	server.Of("/")

	server.eio.OnConnect(server.handleSession)

	return server, nil
}

// Config returns the configuration in effect
func (s *Server) Config() Config {
	return *s.config()
}

func (s *Server) config() *Config {
	return s.cfg.Load()
}

// UpdateConfig swaps in a new configuration. Acknowledgement timeouts, fan-out
// sizing and the reconnect policy apply right away; queue depth applies to new
// sockets; transport settings need a restart.
func (s *Server) UpdateConfig(config *Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	s.cfg.Store(config)
	s.logger.Info("configuration updated",
		zap.Duration("ack_timeout", config.AckTimeout),
		zap.Int("queue_depth", config.QueueDepth),
		zap.Int("fanout_chunk", config.FanoutChunk),
	)
	return nil
}

// Correlator returns the server-wide acknowledgement correlator
func (s *Server) Correlator() *Correlator {
	return s.correlator
}

// Of returns a namespace, creating it if it doesn't exist
func (s *Server) Of(name string) *Namespace {
	name = normalizeNamespace(name)

	s.nsMu.RLock()
	ns, exists := s.namespaces[name]
	s.nsMu.RUnlock()

	if exists {
		return ns
	}

	s.nsMu.Lock()
	defer s.nsMu.Unlock()

	// Double-check after acquiring write lock
	if ns, exists := s.namespaces[name]; exists {
		return ns
	}

	ns = NewNamespace(name, s)
	s.namespaces[name] = ns

	return ns
}

func (s *Server) lookup(name string) (*Namespace, bool) {
	s.nsMu.RLock()
	defer s.nsMu.RUnlock()
	ns, ok := s.namespaces[name]
	return ns, ok
}

// Use appends admission checks that run for every namespace
func (s *Server) Use(middlewares ...Middleware) {
	s.mwMu.Lock()
	s.middlewares = append(s.middlewares, middlewares...)
	s.mwMu.Unlock()
}

// OnConnect sets the connection handler for the default namespace
func (s *Server) OnConnect(handler func(*Socket)) {
	s.Of("/").OnConnect(handler)
}

// Emit broadcasts to all clients in the default namespace
func (s *Server) Emit(ctx context.Context, ev Event) error {
	return s.Of("/").Emit(ctx, ev)
}

// To returns a BroadcastOperator for the default namespace
func (s *Server) To(rooms ...string) *BroadcastOperator {
	return s.Of("/").To(rooms...)
}

// Socket finds a live socket in any namespace
func (s *Server) Socket(id string) (*Socket, bool) {
	s.sockMu.RLock()
	defer s.sockMu.RUnlock()

	socket, ok := s.sockets[id]
	return socket, ok
}

// ConnectOption configures one connection
type ConnectOption func(*connectOptions)

type connectOptions struct {
	redialer Redialer
	policy   *ReconnectPolicy
}

// WithRedialer enables reconnection through r after an unintentional drop.
// Without one, a dropped socket is closed.
func WithRedialer(r Redialer) ConnectOption {
	return func(o *connectOptions) {
		o.redialer = r
	}
}

// WithReconnectPolicy overrides the configured policy for one socket
func WithReconnectPolicy(p ReconnectPolicy) ConnectOption {
	return func(o *connectOptions) {
		o.policy = &p
	}
}

// Connect admits a client arriving over t. On rejection a CONNECT_ERROR
// packet is written to t, no socket is created and an *AdmissionError is
// returned; closing t is left to the caller.
func (s *Server) Connect(ctx context.Context, t Transport, hs *Handshake, opts ...ConnectOption) (*Socket, error) {
	if s.closed.Load() {
		return nil, ErrConnectionClosed
	}
	if hs == nil {
		hs = &Handshake{}
	}

	var options connectOptions
	for _, opt := range opts {
		opt(&options)
	}

	// An unknown namespace is only created once the handshake is accepted;
	// until then only the server-wide checks apply.
	name := normalizeNamespace(hs.Namespace)
	hs.Namespace = name
	ns, _ := s.lookup(name)

	defer hs.settle()
	attrs, err := s.admit(ctx, name, ns, hs)
	if err != nil {
		_ = t.Write(connectErrorPacket(name, asAdmissionError(err).Reason).Encode())
		return nil, err
	}
	if ns == nil {
		ns = s.Of(name)
	}

	socket := newSocket(uuid.NewString(), ns, attrs, options)

	socket.mu.Lock()
	socket.attachLocked(t)
	socket.state = StateConnected
	socket.outbox.push(connectPacket(ns.name, socket.id, socket.token).Encode())
	socket.mu.Unlock()

	ns.addSocket(socket)
	s.register(socket)
	hs.settle()
	t.Start()

	s.metrics.IncrementConnections(ns.name)
	socket.logger.Info("socket connected", zap.String("remote", hs.RemoteAddr))
	socket.notify(StateChange{From: StateConnecting, To: StateConnected})

	ns.connected(socket)

	return socket, nil
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/socket.io/") {
		http.NotFound(w, r)
		return
	}
	if s.closed.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	// Delegate to Engine.IO
	s.eio.ServeHTTP(w, r)
}

// Close closes every socket with ReasonServerShutdown, then the transports.
func (s *Server) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.sockMu.RLock()
	sockets := make([]*Socket, 0, len(s.sockets))
	for _, socket := range s.sockets {
		sockets = append(sockets, socket)
	}
	s.sockMu.RUnlock()

	s.logger.Info("server shutting down", zap.Int("sockets", len(sockets)))

	for _, socket := range sockets {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("shutdown interrupted: %w", err)
		}
		_ = socket.Close(ReasonServerShutdown)
	}

	s.eio.Close(ReasonServerShutdown)

	s.nsMu.RLock()
	defer s.nsMu.RUnlock()

	for _, ns := range s.namespaces {
		if err := ns.adapter.Close(); err != nil {
			s.logger.Warn("adapter close failed", zap.String("nsp", ns.name), zap.Error(err))
		}
	}

	return nil
}

func (s *Server) register(socket *Socket) {
	s.sockMu.Lock()
	s.sockets[socket.id] = socket
	if socket.token != "" {
		s.resumable[socket.token] = socket
	}
	s.sockMu.Unlock()
}

func (s *Server) unregister(socket *Socket) {
	s.sockMu.Lock()
	delete(s.sockets, socket.id)
	if socket.token != "" {
		delete(s.resumable, socket.token)
	}
	s.sockMu.Unlock()
}

// resumeTarget finds the socket a private resume id belongs to.
func (s *Server) resumeTarget(token string) (*Socket, bool) {
	s.sockMu.RLock()
	defer s.sockMu.RUnlock()
	socket, ok := s.resumable[token]
	return socket, ok
}

// reserveSlot holds one of max places in namespace name for a handshake
// still being admitted. held says whether the handshake already holds one.
func (s *Server) reserveSlot(name string, max int, held bool) (func(), bool) {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()

	occupied := s.slots[name]
	if ns, ok := s.lookup(name); ok {
		occupied += ns.connectedCount()
	}
	if held {
		return nil, occupied-1 < max
	}
	if occupied >= max {
		return nil, false
	}
	s.slots[name]++

	var once sync.Once
	return func() {
		once.Do(func() {
			s.slotsMu.Lock()
			if s.slots[name]--; s.slots[name] <= 0 {
				delete(s.slots, name)
			}
			s.slotsMu.Unlock()
		})
	}, true
}

// handleSession waits for the client's CONNECT packet on a new websocket.
func (s *Server) handleSession(session *engineio.Session, r *http.Request) {
	query := r.URL.Query()
	header := r.Header.Clone()
	remote := r.RemoteAddr

	session.OnFrame(func(frame []byte) {
		packet, err := DecodePacket(frame)
		if err != nil || packet.Type != PacketTypeConnect {
			s.logger.Debug("expected connect packet", zap.String("eio_sid", session.ID()), zap.Error(err))
			return
		}

		nsp := packet.Namespace
		if nsp == "/" && query.Get("ns") != "" {
			nsp = query.Get("ns")
		}

		auth := make(map[string]any)
		if len(packet.Data) > 0 {
			if err := json.Unmarshal(packet.Data, &auth); err != nil {
				_ = session.Write(connectErrorPacket(nsp, "invalid auth payload").Encode())
				session.Close("admission rejected")
				return
			}
		}

		hs := &Handshake{
			Namespace:  normalizeNamespace(nsp),
			Auth:       auth,
			Header:     header,
			RemoteAddr: remote,
			Query:      query,
		}

		pid := hs.AuthString("pid")
		if pid == "" {
			pid = query.Get("pid")
		}
		if pid != "" {
			if socket, ok := s.resumeTarget(pid); ok && socket.ns.name == hs.Namespace && socket.offerResume(session, hs) {
				s.logger.Debug("resume offered", zap.String("sid", socket.id), zap.String("eio_sid", session.ID()))
				return
			}
		}

		if _, err := s.Connect(context.Background(), session, hs, WithRedialer(newResumeSlot())); err != nil {
			session.Close("admission rejected")
		}
	})
}

func normalizeNamespace(name string) string {
	if name == "" {
		return "/"
	}
	if !strings.HasPrefix(name, "/") {
		return "/" + name
	}
	return name
}
