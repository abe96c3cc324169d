package socketcore

import (
	"errors"

	"go.uber.org/zap"
)

// outbox is a socket's bounded queue of encoded packets. One writer goroutine
// per attached transport drains it, so packets leave in enqueue order.
type outbox struct {
	frames chan []byte
}

func newOutbox(depth int) *outbox {
	return &outbox{frames: make(chan []byte, depth)}
}

// push enqueues without blocking and reports whether there was room.
func (o *outbox) push(frame []byte) bool {
	select {
	case o.frames <- frame:
		return true
	default:
		return false
	}
}

// drain discards everything queued and returns how many packets were lost.
func (o *outbox) drain() int {
	n := 0
	for {
		select {
		case <-o.frames:
			n++
		default:
			return n
		}
	}
}

// deliver applies the delivery policy for one recipient.
//
// Guaranteed packets are queued or fail with ErrQueueOverflow. Volatile
// packets are queued only while the socket is connected, its transport is
// writable and the queue has room; otherwise they are dropped.
func (s *Socket) deliver(frame []byte, mode DeliveryMode) error {
	s.mu.Lock()
	why, err := s.enqueueLocked(frame, mode)
	s.mu.Unlock()

	switch {
	case errors.Is(err, ErrVolatileDropped):
		s.dropVolatile(why)
	case errors.Is(err, ErrQueueOverflow):
		s.server.metrics.IncrementOverflow(s.ns.name)
		s.logger.Warn("outbound queue full", zap.Int("depth", cap(s.outbox.frames)))
	}
	return err
}

// enqueueLocked pushes frame for the live transport. Holding s.mu keeps the
// push ordered against the drain on disconnect, so no frame outlives the
// transport it was queued for.
func (s *Socket) enqueueLocked(frame []byte, mode DeliveryMode) (string, error) {
	if s.state != StateConnected || s.transport == nil {
		if mode == Volatile {
			return "not connected", ErrVolatileDropped
		}
		return "", ErrNotConnected
	}

	if mode == Volatile {
		if !s.transport.Writable() {
			return "transport busy", ErrVolatileDropped
		}
		if !s.outbox.push(frame) {
			return "queue full", ErrVolatileDropped
		}
		return "", nil
	}

	if !s.outbox.push(frame) {
		return "", ErrQueueOverflow
	}
	return "", nil
}

func (s *Socket) dropVolatile(why string) {
	s.server.metrics.IncrementVolatileDropped(s.ns.name)
	s.logger.Debug("volatile message dropped", zap.String("why", why))
}

// writeLoop drains the outbox into t until stop is closed or a write fails.
func (s *Socket) writeLoop(t Transport, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		select {
		case frame := <-s.outbox.frames:
			if err := t.Write(frame); err != nil {
				s.logger.Debug("write failed", zap.Error(err))
				s.transportLost(t, ReasonTransportError)
				return
			}
		case <-stop:
			return
		}
	}
}
