package socketcore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const eventually = 2 * time.Second

func newTestServer(t *testing.T, cfg *Config, opts ...Option) *Server {
	t.Helper()

	if cfg == nil {
		cfg = DefaultConfig()
	}
	srv, err := NewServer(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close(context.Background()) })
	return srv
}

// connectLoopback admits an in-process client and waits for its CONNECT.
func connectLoopback(t *testing.T, srv *Server, nsp string, auth map[string]any, opts ...ConnectOption) (*Socket, *Loopback) {
	t.Helper()

	link := NewLoopback(nsp)
	sock, err := srv.Connect(context.Background(), link, &Handshake{Namespace: nsp, Auth: auth}, opts...)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return link.Client().SID() == sock.ID() }, eventually, time.Millisecond)
	return sock, link
}

// stateRecorder collects the lifecycle notifications of one socket.
type stateRecorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func recordStates(s *Socket) *stateRecorder {
	r := &stateRecorder{}
	s.OnStateChange(func(c StateChange) {
		r.mu.Lock()
		r.changes = append(r.changes, c)
		r.mu.Unlock()
	})
	return r
}

func (r *stateRecorder) all() []StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StateChange(nil), r.changes...)
}

func (r *stateRecorder) last() (StateChange, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.changes) == 0 {
		return StateChange{}, false
	}
	return r.changes[len(r.changes)-1], true
}

// waitFor blocks until the last recorded change enters state and returns it.
func (r *stateRecorder) waitFor(t *testing.T, state ConnState) StateChange {
	t.Helper()

	require.Eventually(t, func() bool {
		last, ok := r.last()
		return ok && last.To == state
	}, eventually, time.Millisecond)
	last, _ := r.last()
	return last
}

func presenceOf(t *testing.T, ev Event) PresenceChange {
	t.Helper()

	var change PresenceChange
	require.NoError(t, ev.Decode(&change))
	return change
}

func hasNamespace(srv *Server, name string) bool {
	_, ok := srv.lookup(name)
	return ok
}
