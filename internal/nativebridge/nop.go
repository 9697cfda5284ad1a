package nativebridge

import (
	"context"
	"log/slog"

	"callagent/internal/invite"
)

// Nop is a Bridge for deployments without a native surface attached. It
// logs what would have happened; the call lifecycle does not depend on the
// affordance existing.
type Nop struct {
	log *slog.Logger
}

func NewNop(log *slog.Logger) *Nop {
	if log == nil {
		log = slog.Default()
	}
	return &Nop{log: log}
}

func (n *Nop) Register(context.Context) error { return nil }

func (n *Nop) StartRinging(inv *invite.Invite) {
	n.log.Debug("nop bridge: start ringing", "call_id", inv.CallID, "ttl_sec", inv.TTLSec)
}

func (n *Nop) StopRinging(reason string) {
	n.log.Debug("nop bridge: stop ringing", "reason", reason)
}

func (n *Nop) Drain(context.Context) ([]PendingAction, error) {
	return nil, nil
}
