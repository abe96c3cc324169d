package socketcore

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
)

// Reply is the payload returned by the receiver of a request.
type Reply struct {
	Payload []byte
	Binary  bool
}

// Decode unmarshals a JSON reply into v.
func (r Reply) Decode(v any) error {
	return json.Unmarshal(r.Payload, v)
}

// Get reads one field of a JSON reply using a gjson path.
func (r Reply) Get(path string) gjson.Result {
	return gjson.GetBytes(r.Payload, path)
}

// PendingAck is an outstanding request. It completes exactly once, with the
// first reply, a timeout or a cancellation.
type PendingAck struct {
	token uint64
	owner string
	peer  string
	timer *time.Timer

	once  sync.Once
	done  chan struct{}
	reply Reply
	err   error

	mu   sync.Mutex
	then []func(Reply, error)
}

// Token returns the correlation token carried on the wire.
func (p *PendingAck) Token() uint64 { return p.token }

// Done is closed when the request completes.
func (p *PendingAck) Done() <-chan struct{} { return p.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (p *PendingAck) Result() (Reply, error) {
	select {
	case <-p.done:
		return p.reply, p.err
	default:
		return Reply{}, nil
	}
}

// Wait blocks until the request completes or ctx is done. A cancelled ctx
// leaves the request pending; its own timeout still applies.
func (p *PendingAck) Wait(ctx context.Context) (Reply, error) {
	select {
	case <-p.done:
		return p.reply, p.err
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Then registers a continuation. It runs once, on the goroutine that
// completes the request, or immediately if the request already completed.
func (p *PendingAck) Then(fn func(Reply, error)) {
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		fn(p.reply, p.err)
		return
	default:
	}
	p.then = append(p.then, fn)
	p.mu.Unlock()
}

func (p *PendingAck) complete(reply Reply, err error) bool {
	completed := false
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}

		p.mu.Lock()
		p.reply, p.err = reply, err
		close(p.done)
		callbacks := p.then
		p.then = nil
		p.mu.Unlock()

		for _, fn := range callbacks {
			fn(reply, err)
		}
		completed = true
	})
	return completed
}

// Correlator matches acknowledgement replies to the requests that asked for
// them. Tokens come from one counter and are never reused.
type Correlator struct {
	next    atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]*PendingAck
	metrics Metrics
}

// NewCorrelator creates an empty correlator.
func NewCorrelator(metrics Metrics) *Correlator {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &Correlator{
		pending: make(map[uint64]*PendingAck),
		metrics: metrics,
	}
}

// Register opens a request owned by owner that fails with ErrAckTimeout
// after timeout.
func (c *Correlator) Register(owner string, timeout time.Duration) *PendingAck {
	return c.register(owner, owner, timeout)
}

// register opens a request whose reply must come from peer.
func (c *Correlator) register(owner, peer string, timeout time.Duration) *PendingAck {
	p := &PendingAck{
		token: c.next.Add(1),
		owner: owner,
		peer:  peer,
		done:  make(chan struct{}),
	}

	c.mu.Lock()
	c.pending[p.token] = p
	c.mu.Unlock()

	if timeout > 0 {
		token := p.token
		p.timer = time.AfterFunc(timeout, func() {
			if c.fail(token, ErrAckTimeout) {
				c.metrics.IncrementAckTimeouts()
			}
		})
	}

	return p
}

// Resolve completes the request with the given token. It returns false for
// unknown, expired or already answered tokens.
func (c *Correlator) Resolve(token uint64, reply Reply) bool {
	p := c.take(token, "")
	if p == nil {
		return false
	}
	return p.complete(reply, nil)
}

// resolveFrom is Resolve restricted to replies arriving from the expected peer.
func (c *Correlator) resolveFrom(peer string, token uint64, reply Reply) bool {
	p := c.take(token, peer)
	if p == nil {
		return false
	}
	return p.complete(reply, nil)
}

// CancelOwner fails every request opened by or addressed to owner.
func (c *Correlator) CancelOwner(owner string, err error) int {
	c.mu.Lock()
	var cancelled []*PendingAck
	for token, p := range c.pending {
		if p.owner == owner || p.peer == owner {
			delete(c.pending, token)
			cancelled = append(cancelled, p)
		}
	}
	c.mu.Unlock()

	for _, p := range cancelled {
		p.complete(Reply{}, err)
	}
	return len(cancelled)
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) fail(token uint64, err error) bool {
	p := c.take(token, "")
	if p == nil {
		return false
	}
	return p.complete(Reply{}, err)
}

// take removes and returns a pending request. A non-empty peer must match.
func (c *Correlator) take(token uint64, peer string) *PendingAck {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[token]
	if !ok || (peer != "" && p.peer != peer) {
		return nil
	}
	delete(c.pending, token)
	return p
}
