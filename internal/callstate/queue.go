package callstate

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"callagent/internal/invite"
	"callagent/internal/kvstore"
)

const pendingQueueKey = "pendingCallActions:v1"

// maxBackoff deliberately caps low: this queue recovers a foreground,
// user-visible interaction, and no background scheduler on the host is
// assumed reliable enough for a longer horizon.
const maxBackoff = 30 * time.Second

// PendingAction is a backend notification that failed and is waiting for
// retry. It carries a full invite copy so a retry needs no live session.
// Entries are never expired; they retry with capped backoff until they land.
type PendingAction struct {
	CallID          string        `json:"callId"`
	Action          invite.Action `json:"action"`
	Invite          invite.Invite `json:"invite"`
	Attempts        int           `json:"attempts"`
	NextAttemptAtMs int64         `json:"nextAttemptAtMs"`
	LastError       string        `json:"lastError,omitempty"`
}

// Notifier delivers one action to the backend; failure means "retry later".
type Notifier interface {
	Deliver(ctx context.Context, inv *invite.Invite, action invite.Action) error
	RingingAck(ctx context.Context, callID, receiverID string) error
}

// Queue is the durable retry pipeline for backend notifications. The whole
// queue serializes to a single store key, written once per mutation, so the
// persisted list is always internally consistent even without transactions.
type Queue struct {
	store    kvstore.Store
	ledger   *Ledger
	notifier Notifier
	clock    func() time.Time
	log      *slog.Logger

	flushing atomic.Bool
}

func NewQueue(store kvstore.Store, ledger *Ledger, notifier Notifier, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		store:    store,
		ledger:   ledger,
		notifier: notifier,
		clock:    time.Now,
		log:      log,
	}
}

// Enqueue records a failed notification for retry. No-op when the ledger
// already marks the pair done, or when the pair is already queued (racing
// call paths may both observe a failure).
func (q *Queue) Enqueue(ctx context.Context, inv *invite.Invite, action invite.Action, cause error) error {
	if q.ledger.IsDone(ctx, inv.CallID, action) {
		return nil
	}

	actions := q.load(ctx)
	for _, a := range actions {
		if a.CallID == inv.CallID && a.Action == action {
			return nil
		}
	}

	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}
	actions = append(actions, PendingAction{
		CallID:          inv.CallID,
		Action:          action,
		Invite:          *inv,
		Attempts:        0,
		NextAttemptAtMs: q.clock().UnixMilli(),
		LastError:       lastErr,
	})
	return q.save(ctx, actions)
}

// Flush attempts every eligible entry once. Single-flight: a call that finds
// a flush already running returns immediately instead of queueing behind it.
// The surviving list is written back in one store write per pass.
func (q *Queue) Flush(ctx context.Context) {
	if !q.flushing.CompareAndSwap(false, true) {
		return
	}
	defer q.flushing.Store(false)

	nowMs := q.clock().UnixMilli()
	actions := q.load(ctx)
	if len(actions) == 0 {
		return
	}
	q.log.Debug("retry flush start", "pending", len(actions))

	remaining := make([]PendingAction, 0, len(actions))
	for _, pending := range actions {
		if pending.NextAttemptAtMs > nowMs {
			remaining = append(remaining, pending)
			continue
		}

		err := q.notifier.Deliver(ctx, &pending.Invite, pending.Action)
		if err == nil {
			if markErr := q.ledger.MarkDone(ctx, pending.CallID, pending.Action); markErr != nil {
				q.log.Warn("ledger write failed after recovered ack",
					"call_id", pending.CallID, "action", pending.Action, "err", markErr)
			}
			q.log.Info("backend ack recovered",
				"call_id", pending.CallID, "action", pending.Action, "attempts", pending.Attempts)
			continue
		}

		pending.Attempts++
		pending.LastError = err.Error()
		pending.NextAttemptAtMs = q.clock().Add(backoffDelay(pending.Attempts)).UnixMilli()
		remaining = append(remaining, pending)
		q.log.Warn("backend ack retry failed",
			"call_id", pending.CallID, "action", pending.Action, "attempts", pending.Attempts, "err", err)
	}

	if err := q.save(ctx, remaining); err != nil {
		q.log.Error("retry queue persist failed", "remaining", len(remaining), "err", err)
		return
	}
	q.log.Debug("retry flush done", "remaining", len(remaining))
}

// backoffDelay caps at 30s: 2s, 4s, 8s, 16s, 30s, 30s, ...
func backoffDelay(attempts int) time.Duration {
	exp := attempts
	if exp > 5 {
		exp = 5
	}
	d := time.Second << exp
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func (q *Queue) load(ctx context.Context) []PendingAction {
	raw, ok, err := q.store.Get(ctx, pendingQueueKey)
	if err != nil || !ok {
		return nil
	}
	var actions []PendingAction
	if err := json.Unmarshal([]byte(raw), &actions); err != nil {
		return nil
	}
	return actions
}

func (q *Queue) save(ctx context.Context, actions []PendingAction) error {
	raw, err := json.Marshal(actions)
	if err != nil {
		return err
	}
	return q.store.Set(ctx, pendingQueueKey, string(raw))
}
