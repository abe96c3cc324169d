package socketcore

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// PresenceKind says how a room's membership changed.
type PresenceKind string

const (
	PresenceJoined   PresenceKind = "joined"
	PresenceLeft     PresenceKind = "left"
	PresenceRejoined PresenceKind = "rejoined"
)

// PresenceChange is sent to a room's members as a "presence" event and to
// the namespace's presence observers.
type PresenceChange struct {
	Namespace string       `json:"namespace"`
	Room      string       `json:"room"`
	SocketID  string       `json:"socketId"`
	Kind      PresenceKind `json:"kind"`
	Reason    string       `json:"reason,omitempty"`
	Members   []string     `json:"members"`
}

// publishPresence reports a membership change to observers and to the
// room's current members, the subject included when it is still a member.
func (ns *Namespace) publishPresence(ctx context.Context, change PresenceChange) {
	change.Namespace = ns.name
	change.Members = ns.adapter.Sockets(change.Room)

	ns.handlersMu.RLock()
	observers := append(([]func(PresenceChange))(nil), ns.onPresence...)
	ns.handlersMu.RUnlock()

	for _, observe := range observers {
		observe(change)
	}

	if len(change.Members) == 0 {
		return
	}

	ev, err := JSONEvent(KindPresence.String(), change)
	if err != nil {
		ns.logger.Error("encode presence", zap.Error(err))
		return
	}

	sel := selector{ids: change.Members, except: map[string]struct{}{}}
	if err := ns.emit(ctx, sel, ev, Guaranteed, 0, "room:"+change.Room); err != nil {
		var overflow *OverflowError
		if errors.As(err, &overflow) {
			ns.logger.Warn("presence not queued", zap.String("room", change.Room), zap.Strings("targets", overflow.Targets))
			return
		}
		ns.logger.Error("presence dispatch failed", zap.String("room", change.Room), zap.Error(err))
	}
}
