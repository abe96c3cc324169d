package socketcore

import (
	"sync/atomic"
	"time"
)

// Metrics receives counters from the server. Implementations must be safe
// for concurrent use.
type Metrics interface {
	// Connections
	IncrementConnections(namespace string)
	DecrementConnections(namespace string)
	RecordAdmission(namespace string, duration time.Duration, accepted bool)

	// Delivery
	IncrementDispatched(namespace string, recipients int)
	IncrementVolatileDropped(namespace string)
	IncrementOverflow(namespace string)

	// Acknowledgements and recovery
	IncrementAckTimeouts()
	IncrementReconnectAttempts(namespace string)
}

// NoopMetrics discards everything (default).
type NoopMetrics struct{}

func (NoopMetrics) IncrementConnections(string)                 {}
func (NoopMetrics) DecrementConnections(string)                 {}
func (NoopMetrics) RecordAdmission(string, time.Duration, bool) {}
func (NoopMetrics) IncrementDispatched(string, int)             {}
func (NoopMetrics) IncrementVolatileDropped(string)             {}
func (NoopMetrics) IncrementOverflow(string)                    {}
func (NoopMetrics) IncrementAckTimeouts()                       {}
func (NoopMetrics) IncrementReconnectAttempts(string)           {}

// Counters is a process-local Metrics that keeps totals across namespaces.
type Counters struct {
	Connections       atomic.Int64
	Admitted          atomic.Int64
	Rejected          atomic.Int64
	Dispatched        atomic.Int64
	VolatileDropped   atomic.Int64
	Overflows         atomic.Int64
	AckTimeouts       atomic.Int64
	ReconnectAttempts atomic.Int64
}

func (c *Counters) IncrementConnections(string) { c.Connections.Add(1) }
func (c *Counters) DecrementConnections(string) { c.Connections.Add(-1) }

func (c *Counters) RecordAdmission(_ string, _ time.Duration, accepted bool) {
	if accepted {
		c.Admitted.Add(1)
		return
	}
	c.Rejected.Add(1)
}

func (c *Counters) IncrementDispatched(_ string, n int) { c.Dispatched.Add(int64(n)) }
func (c *Counters) IncrementVolatileDropped(string)     { c.VolatileDropped.Add(1) }
func (c *Counters) IncrementOverflow(string)            { c.Overflows.Add(1) }
func (c *Counters) IncrementAckTimeouts()               { c.AckTimeouts.Add(1) }
func (c *Counters) IncrementReconnectAttempts(string)   { c.ReconnectAttempts.Add(1) }

// Snapshot returns the current totals keyed by name.
func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"connections":        c.Connections.Load(),
		"admitted":           c.Admitted.Load(),
		"rejected":           c.Rejected.Load(),
		"dispatched":         c.Dispatched.Load(),
		"volatile_dropped":   c.VolatileDropped.Load(),
		"overflows":          c.Overflows.Load(),
		"ack_timeouts":       c.AckTimeouts.Load(),
		"reconnect_attempts": c.ReconnectAttempts.Load(),
	}
}
