package nativebridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"callagent/internal/invite"
	"callagent/internal/kvstore"
)

const pendingActionsKey = "nativeCallActions:v1"

// KVBridge talks to a native surface that shares the agent's durable store:
// the native side records offline actions under a well-known key (directly
// or via the agent's HTTP surface) and the agent drains them at bootstrap.
// Ringing start/stop is reported to the attached Ringer, if any.
type KVBridge struct {
	store  kvstore.Store
	ringer Ringer
	log    *slog.Logger
}

// Ringer renders the platform ringing affordance. Implementations must be
// safe to call redundantly; stop-when-stopped is a no-op by contract.
type Ringer interface {
	StartRinging(callID, callerName string, ttlSec int, hasVideo bool) error
	StopRinging(reason string) error
}

func NewKVBridge(store kvstore.Store, ringer Ringer, log *slog.Logger) *KVBridge {
	if log == nil {
		log = slog.Default()
	}
	return &KVBridge{store: store, ringer: ringer, log: log}
}

func (b *KVBridge) Register(ctx context.Context) error {
	// Shared-store handoff needs no registration handshake; permission
	// prompting lives on the native side.
	return nil
}

func (b *KVBridge) StartRinging(inv *invite.Invite) {
	if b.ringer == nil {
		return
	}
	if err := b.ringer.StartRinging(inv.CallID, inv.CallerName, inv.TTLSec, inv.HasVideo()); err != nil {
		b.log.Warn("native start-ringing failed", "call_id", inv.CallID, "err", err)
	}
}

func (b *KVBridge) StopRinging(reason string) {
	if b.ringer == nil {
		return
	}
	if err := b.ringer.StopRinging(reason); err != nil {
		b.log.Warn("native stop-ringing failed", "reason", reason, "err", err)
	}
}

// Record stores an action taken on the native surface. One entry per call:
// a later action for the same call replaces the earlier one, matching how a
// phone UI resolves an accept-then-hangup fumble.
func (b *KVBridge) Record(ctx context.Context, action PendingAction) error {
	actions, err := b.load(ctx)
	if err != nil {
		actions = nil
	}

	kept := actions[:0]
	for _, a := range actions {
		if a.CallID != action.CallID {
			kept = append(kept, a)
		}
	}
	kept = append(kept, action)

	raw, err := json.Marshal(kept)
	if err != nil {
		return err
	}
	return b.store.Set(ctx, pendingActionsKey, string(raw))
}

// Drain returns recorded actions oldest-first and clears the record. The
// clear is written before returning so a crash mid-replay re-delivers
// nothing; replay safety comes from the controller's dedup rules, not from
// keeping the record around.
func (b *KVBridge) Drain(ctx context.Context) ([]PendingAction, error) {
	actions, err := b.load(ctx)
	if err != nil || len(actions) == 0 {
		return nil, err
	}

	if err := b.store.Delete(ctx, pendingActionsKey); err != nil {
		return nil, err
	}

	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].TimestampMs < actions[j].TimestampMs
	})
	return actions, nil
}

func (b *KVBridge) load(ctx context.Context) ([]PendingAction, error) {
	raw, ok, err := b.store.Get(ctx, pendingActionsKey)
	if err != nil || !ok {
		return nil, err
	}
	var actions []PendingAction
	if err := json.Unmarshal([]byte(raw), &actions); err != nil {
		// A corrupt record is unrecoverable; drop it rather than wedge
		// bootstrap forever.
		b.log.Warn("discarding corrupt native action record", "err", err)
		return nil, nil
	}
	return actions, nil
}
