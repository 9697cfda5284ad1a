package callstate

import (
	"context"

	"callagent/internal/invite"
	"callagent/internal/kvstore"
)

const actionDoneKeyPrefix = "callActionDone:v1:"

// Ledger is the persisted exactly-once guard: one flag per (call, action)
// pair. Once a flag is set, no further backend notification for that pair is
// ever attempted, whatever the registry or retry queue think.
type Ledger struct {
	store kvstore.Store
}

func NewLedger(store kvstore.Store) *Ledger {
	return &Ledger{store: store}
}

func actionDoneKey(callID string, action invite.Action) string {
	return actionDoneKeyPrefix + callID + ":" + string(action)
}

// IsDone reports whether the backend has already been told about this pair.
// A storage read failure reads as "not done": the worst case is a duplicate
// attempt against a backend that already saw the action, which is the safe
// side of this trade.
func (l *Ledger) IsDone(ctx context.Context, callID string, action invite.Action) bool {
	v, ok, err := l.store.Get(ctx, actionDoneKey(callID, action))
	if err != nil || !ok {
		return false
	}
	return v == "1"
}

func (l *Ledger) MarkDone(ctx context.Context, callID string, action invite.Action) error {
	return l.store.Set(ctx, actionDoneKey(callID, action), "1")
}
