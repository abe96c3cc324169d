package socketcore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ramory-l/socketcore/logging"
)

// selector is a resolved target: explicit ids, the union of rooms, or the
// whole namespace, minus exclusions.
type selector struct {
	all    bool
	ids    []string
	rooms  []string
	except map[string]struct{}
}

func exclusions(ids []string) map[string]struct{} {
	except := make(map[string]struct{}, len(ids)+1)
	for _, id := range ids {
		except[id] = struct{}{}
	}
	return except
}

func selectorFor(sender *Socket, t Target) selector {
	sel := selector{except: exclusions(t.Excluded)}
	if t.ExcludeSender && sender != nil {
		sel.except[sender.id] = struct{}{}
	}

	switch t.Kind {
	case TargetSocket:
		sel.ids = []string{t.ID}
	case TargetOthers, TargetNamespace:
		sel.all = true
	case TargetRoom:
		sel.rooms = []string{t.Room}
	}
	return sel
}

// dispatch resolves env.Target relative to sender and hands the event to
// the delivery layer of every recipient.
func (ns *Namespace) dispatch(ctx context.Context, sender *Socket, env Envelope) error {
	if env.Target.Kind == TargetServer {
		if sender == nil {
			return fmt.Errorf("%w: server target needs a sending socket", ErrTargetUnreachable)
		}
		_, span := ns.startSpan(ctx, env.Event, env.Target.String(), env.Mode)
		span.SetAttributes(attribute.Int("socketcore.recipients", 1))
		defer span.End()

		sender.runHandlers(&Message{Event: env.Event, socket: sender})
		return nil
	}

	return ns.emit(ctx, selectorFor(sender, env.Target), env.Event, env.Mode, env.ackToken, env.Target.String())
}

func (ns *Namespace) startSpan(ctx context.Context, ev Event, target string, mode DeliveryMode) (context.Context, trace.Span) {
	return ns.server.tracer.Start(ctx, "socketcore.dispatch", trace.WithAttributes(
		attribute.String("socketcore.namespace", ns.name),
		attribute.String("socketcore.event", ev.EventName()),
		attribute.String("socketcore.target", target),
		attribute.String("socketcore.mode", mode.String()),
	))
}

// emit encodes ev once and queues it for every socket sel resolves to.
func (ns *Namespace) emit(ctx context.Context, sel selector, ev Event, mode DeliveryMode, ackToken uint64, label string) error {
	ctx, span := ns.startSpan(ctx, ev, label, mode)
	defer span.End()

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	recipients := ns.resolve(sel)
	span.SetAttributes(attribute.Int("socketcore.recipients", len(recipients)))
	if len(recipients) == 0 {
		ns.logger.Debug("no reachable recipients",
			append(logging.TraceFields(ctx),
				zap.String("event", ev.EventName()),
				zap.String("target", label),
				zap.Error(ErrTargetUnreachable),
			)...,
		)
		return nil
	}

	var ackID *uint64
	if ackToken != 0 {
		ackID = &ackToken
	}
	packet, err := eventPacket(ns.name, ev, ackID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := ns.deliverAll(ctx, recipients, packet.Encode(), mode); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// resolve returns the connected sockets selected by sel.
func (ns *Namespace) resolve(sel selector) []*Socket {
	var ids []string
	switch {
	case sel.all:
	case len(sel.ids) > 0:
		ids = sel.ids
	default:
		seen := make(map[string]struct{})
		for _, room := range sel.rooms {
			for _, id := range ns.adapter.Sockets(room) {
				if _, dup := seen[id]; !dup {
					seen[id] = struct{}{}
					ids = append(ids, id)
				}
			}
		}
	}

	ns.mu.RLock()
	defer ns.mu.RUnlock()

	if sel.all {
		ids = make([]string, 0, len(ns.sockets))
		for id := range ns.sockets {
			ids = append(ids, id)
		}
	}

	recipients := make([]*Socket, 0, len(ids))
	for _, id := range ids {
		if _, skip := sel.except[id]; skip {
			continue
		}
		socket, ok := ns.sockets[id]
		if !ok || socket.State() != StateConnected {
			continue
		}
		recipients = append(recipients, socket)
	}
	return recipients
}

// deliverAll queues frame for every recipient before returning. Large fan-outs
// are split into chunks handled concurrently; each recipient belongs to one
// chunk so per-recipient order is kept.
func (ns *Namespace) deliverAll(ctx context.Context, recipients []*Socket, frame []byte, mode DeliveryMode) error {
	cfg := ns.server.config()

	var (
		mu        sync.Mutex
		overflow  []string
		delivered atomic.Int64
	)

	deliverChunk := func(part []*Socket) {
		for _, socket := range part {
			err := socket.deliver(frame, mode)
			switch {
			case err == nil:
				delivered.Add(1)
			case errors.Is(err, ErrQueueOverflow):
				mu.Lock()
				overflow = append(overflow, socket.id)
				mu.Unlock()
			case errors.Is(err, ErrNotConnected):
				ns.logger.Debug("target unreachable",
					append(logging.TraceFields(ctx), zap.String("sid", socket.id), zap.Error(ErrTargetUnreachable))...,
				)
			}
		}
	}

	if len(recipients) <= cfg.FanoutChunk {
		deliverChunk(recipients)
	} else {
		var g errgroup.Group
		g.SetLimit(cfg.FanoutWorkers)
		for start := 0; start < len(recipients); start += cfg.FanoutChunk {
			part := recipients[start:min(start+cfg.FanoutChunk, len(recipients))]
			g.Go(func() error {
				deliverChunk(part)
				return nil
			})
		}
		_ = g.Wait()
	}

	ns.server.metrics.IncrementDispatched(ns.name, int(delivered.Load()))

	if len(overflow) > 0 {
		sort.Strings(overflow)
		return &OverflowError{Targets: overflow}
	}
	return nil
}
