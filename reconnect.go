package socketcore

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// ReconnectPolicy shapes the delays between reconnection attempts. Delays
// grow from BaseDelay by Multiplier up to MaxDelay; Jitter randomizes each
// delay by that fraction. MaxAttempts of zero retries forever.
type ReconnectPolicy struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Jitter      float64       `mapstructure:"jitter"`
}

// DefaultReconnectPolicy waits 1s, 2s, 4s, 8s and 16s before giving up.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

// Validate checks the policy bounds
func (p ReconnectPolicy) Validate() error {
	if p.BaseDelay <= 0 {
		return fmt.Errorf("%w: reconnect base delay must be positive, got %v", ErrInvalidConfig, p.BaseDelay)
	}
	if p.Multiplier <= 1 {
		return fmt.Errorf("%w: reconnect multiplier must be greater than 1, got %v", ErrInvalidConfig, p.Multiplier)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("%w: reconnect max delay (%v) below base delay (%v)", ErrInvalidConfig, p.MaxDelay, p.BaseDelay)
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("%w: reconnect max attempts must not be negative, got %d", ErrInvalidConfig, p.MaxAttempts)
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return fmt.Errorf("%w: reconnect jitter must be in [0,1), got %v", ErrInvalidConfig, p.Jitter)
	}
	return nil
}

// NewBackOff returns a fresh exponential schedule for the policy.
func (p ReconnectPolicy) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// Redialer re-establishes a dropped link. The returned handshake is run
// through the admission chain again before the transport is attached.
type Redialer interface {
	Redial(ctx context.Context, attempt int) (Transport, *Handshake, error)
}

// RedialFunc adapts a function to Redialer.
type RedialFunc func(ctx context.Context, attempt int) (Transport, *Handshake, error)

func (f RedialFunc) Redial(ctx context.Context, attempt int) (Transport, *Handshake, error) {
	return f(ctx, attempt)
}

// supervisor drives one socket from disconnected back to connected or to
// closed.
type supervisor struct {
	socket   *Socket
	policy   ReconnectPolicy
	redialer Redialer
	kicks    chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

func newSupervisor(s *Socket, policy ReconnectPolicy, redialer Redialer) *supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &supervisor{
		socket:   s,
		policy:   policy,
		redialer: redialer,
		kicks:    make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// kick cuts the current wait short.
func (sv *supervisor) kick() {
	select {
	case sv.kicks <- struct{}{}:
	default:
	}
}

func (sv *supervisor) stop() {
	sv.cancel()
}

func (sv *supervisor) run() {
	defer sv.cancel()

	s := sv.socket
	schedule := sv.policy.NewBackOff()

	for attempt := 1; ; attempt++ {
		if sv.policy.MaxAttempts > 0 && attempt > sv.policy.MaxAttempts {
			sv.exhausted(attempt - 1)
			return
		}
		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			sv.exhausted(attempt - 1)
			return
		}

		if err := s.beginAttempt(attempt, delay); err != nil {
			return
		}
		if !sv.wait(delay) {
			return
		}

		t, hs, err := sv.redialer.Redial(sv.ctx, attempt)
		if err == nil && t == nil {
			err = ErrNoResume
		}
		if err != nil {
			s.logger.Debug("redial failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if hs == nil {
			hs = &Handshake{Namespace: s.ns.name}
		}

		if done := sv.readmit(t, hs, attempt); done {
			return
		}
	}
}

// readmit runs a redialed handshake through admission and resumes the
// socket. It reports false when the attempt failed and the loop should go on.
func (sv *supervisor) readmit(t Transport, hs *Handshake, attempt int) bool {
	s := sv.socket
	defer hs.settle()

	attrs, err := s.server.admit(sv.ctx, s.ns.name, s.ns, hs)
	if err != nil {
		rejection := asAdmissionError(err)
		_ = t.Write(connectErrorPacket(s.ns.name, rejection.Reason).Encode())
		t.Close(rejection.Reason)
		_ = s.closeWith(rejection.Reason, err)
		return true
	}

	// The returning client must be the one that was admitted before.
	if !reflect.DeepEqual(attrs, s.attrs) {
		s.logger.Warn("resume refused: admitted as someone else", zap.Int("attempt", attempt))
		_ = t.Write(connectErrorPacket(s.ns.name, "session belongs to another client").Encode())
		t.Close("resume refused")
		return false
	}

	if err := s.resume(t, attempt); err != nil {
		s.logger.Debug("resume abandoned", zap.Error(err))
		t.Close(ReasonServerDisconnect)
	}
	return true
}

// wait sleeps for delay unless kicked or stopped. It reports whether the
// attempt should go ahead.
func (sv *supervisor) wait(delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-sv.kicks:
		return true
	case <-sv.ctx.Done():
		return false
	}
}

func (sv *supervisor) exhausted(attempts int) {
	sv.socket.logger.Info("reconnection exhausted", zap.Int("attempts", attempts))
	_ = sv.socket.closeWith(ReasonReconnectExhausted, ErrReconnectExhausted)
}

// resumeSlot is the Redialer of websocket sockets: a returning client that
// presents the socket id leaves its transport here.
type resumeSlot struct {
	offers chan resumeOffer
}

type resumeOffer struct {
	transport Transport
	handshake *Handshake
}

func newResumeSlot() *resumeSlot {
	return &resumeSlot{offers: make(chan resumeOffer, 1)}
}

func (r *resumeSlot) Redial(context.Context, int) (Transport, *Handshake, error) {
	select {
	case o := <-r.offers:
		return o.transport, o.handshake, nil
	default:
		return nil, nil, ErrNoResume
	}
}

func (r *resumeSlot) offer(t Transport, hs *Handshake) bool {
	select {
	case r.offers <- resumeOffer{transport: t, handshake: hs}:
		return true
	default:
		return false
	}
}

// withdraw takes back an offer nobody is waiting for.
func (r *resumeSlot) withdraw() {
	select {
	case <-r.offers:
	default:
	}
}

// discard closes a transport left behind by a client that came back too late.
func (r *resumeSlot) discard(reason string) {
	select {
	case o := <-r.offers:
		o.transport.Close(reason)
	default:
	}
}
