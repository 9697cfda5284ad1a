package callstate

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"callagent/internal/invite"
	"callagent/internal/kvstore"
	"callagent/internal/nativebridge"
)

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// TimerFactory schedules fn after d. Injectable so tests can fire timeouts
// deterministically.
type TimerFactory func(d time.Duration, fn func()) Timer

func afterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Controller is the call lifecycle state machine. All transitions for all
// calls serialize on one mutex, so for a given call id events apply in the
// order they arrive and a guard like "only from ringing" settles races by
// letting exactly one contender observe its precondition.
//
// Network and affordance side effects run after a transition commits and
// never hold the mutex.
type Controller struct {
	log      *slog.Logger
	clock    func() time.Time
	newTimer TimerFactory

	invites  *InviteStore
	ledger   *Ledger
	queue    *Queue
	notifier Notifier
	bridge   nativebridge.Bridge
	proj     *ProjectionStore

	// kickFlush starts a retry-queue pass without waiting for it.
	kickFlush func(ctx context.Context)

	mu           sync.Mutex
	registry     *Registry
	bootstrapped bool
}

type ControllerDeps struct {
	Store    kvstore.Store
	Notifier Notifier
	Bridge   nativebridge.Bridge
	Log      *slog.Logger
}

func NewController(deps ControllerDeps) *Controller {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	ledger := NewLedger(deps.Store)
	c := &Controller{
		log:      log,
		clock:    time.Now,
		newTimer: afterFunc,
		invites:  NewInviteStore(deps.Store),
		ledger:   ledger,
		queue:    NewQueue(deps.Store, ledger, deps.Notifier, log),
		notifier: deps.Notifier,
		bridge:   deps.Bridge,
		proj:     NewProjectionStore(),
		registry: NewRegistry(),
	}
	c.kickFlush = func(ctx context.Context) { go c.queue.Flush(ctx) }
	return c
}

// Projection exposes the display-facing state store.
func (c *Controller) Projection() *ProjectionStore {
	return c.proj
}

// FlushPending runs one retry-queue pass; safe to call from a scheduler.
func (c *Controller) FlushPending(ctx context.Context) {
	c.queue.Flush(ctx)
}

// Bootstrap reconciles state recorded while no agent process was alive.
// Idempotent; runs at most once per process. Order matters: native actions
// must be replayed into the state machine before any retry flush, so a
// flush never races a still-unprocessed native accept or decline.
func (c *Controller) Bootstrap(ctx context.Context) {
	c.mu.Lock()
	if c.bootstrapped {
		c.mu.Unlock()
		return
	}
	c.bootstrapped = true
	c.mu.Unlock()

	if err := c.bridge.Register(ctx); err != nil {
		c.log.Warn("native registration failed", "err", err)
	}

	actions, err := c.bridge.Drain(ctx)
	if err != nil {
		c.log.Warn("native action drain failed", "err", err)
	}
	for _, a := range actions {
		if a.CallID == "" {
			continue
		}
		// Replay through the live entry points so replayed actions obey
		// the same guards and dedup rules as everything else.
		switch a.Action {
		case invite.ActionAccept:
			c.Accept(ctx, a.CallID, "native_pending")
		case invite.ActionDecline:
			c.Decline(ctx, a.CallID, "native_pending")
		case invite.ActionMissed:
			c.markMissed(ctx, a.CallID)
		default:
			c.log.Warn("unknown native action ignored", "call_id", a.CallID, "action", a.Action)
		}
	}

	c.kickFlush(context.WithoutCancel(ctx))
	c.log.Info("call agent bootstrap done", "replayed", len(actions))
}

// HandlePush routes a decoded push payload: remote teardown first, then
// invite, otherwise a logged drop.
func (c *Controller) HandlePush(ctx context.Context, data map[string]any, source string) {
	if ended := invite.ParseCallEnded(data); ended != nil {
		if ended.DismissNotification != nil && !*ended.DismissNotification {
			c.log.Warn("remote call-ended keeps affordance up",
				"call_id", ended.CallID, "status", ended.Status)
			return
		}
		reason := "remote_ended"
		if ended.Status != "" {
			reason += ":" + strings.ToLower(ended.Status)
		}
		c.cleanupLocal(ctx, ended.CallID, reason)
		return
	}

	inv := invite.ParseInvite(data, c.clock())
	if inv == nil {
		c.log.Debug("push payload ignored", "source", source)
		return
	}
	c.HandleIncomingInvite(ctx, inv, source)
}

// HandleIncomingInvite starts ringing for a new call. Duplicate deliveries
// of the same call id are ignored (push retries make them common), and so
// is any invite while another call is ringing or active: first call wins,
// no call waiting.
func (c *Controller) HandleIncomingInvite(ctx context.Context, inv *invite.Invite, source string) {
	c.mu.Lock()
	if c.registry.get(inv.CallID) != nil {
		c.mu.Unlock()
		c.log.Info("duplicate call invite ignored", "call_id", inv.CallID, "source", source)
		return
	}
	if c.registry.hasRingingOrActive() {
		c.mu.Unlock()
		c.log.Info("call invite ignored while busy", "call_id", inv.CallID, "source", source)
		return
	}

	s := newSession(*inv)
	c.registry.put(inv.CallID, s)
	if err := c.invites.Save(ctx, inv); err != nil {
		// The call still proceeds in memory; only restart recovery is lost.
		c.log.Warn("invite persist failed", "call_id", inv.CallID, "err", err)
	}
	c.proj.Publish(StatusRinging, inv.CallID, inv.CallerName)
	c.armMissedTimer(s)
	c.mu.Unlock()

	c.log.Info("call invite received",
		"call_id", inv.CallID, "source", source, "kind", inv.Kind, "ttl_sec", inv.TTLSec)

	c.bridge.StartRinging(inv)

	if inv.ReceiverID != "" {
		go c.sendRingingAck(inv.CallID, inv.ReceiverID)
	} else {
		c.log.Debug("ringing ack skipped, no receiver id", "call_id", inv.CallID)
	}
}

// Accept transitions ringing → accepted. Any other starting state, or an
// unknown call id, is a no-op.
func (c *Controller) Accept(ctx context.Context, callID, reason string) {
	c.mu.Lock()
	s := c.resolve(ctx, callID)
	if s == nil || s.status != StatusRinging {
		c.mu.Unlock()
		return
	}
	s.status = StatusAccepted
	c.stopTimer(s)
	c.proj.Publish(StatusAccepted, callID, s.invite.CallerName)
	inv := s.invite
	claimed := c.claimAction(ctx, s, invite.ActionAccept)
	c.mu.Unlock()

	c.bridge.StopRinging("accepted")
	if claimed {
		c.deliverOnce(ctx, &inv, invite.ActionAccept)
	}
	c.log.Info("call accepted", "call_id", callID, "reason", reason)
}

// Decline transitions ringing → declined → ended and tears the call down.
func (c *Controller) Decline(ctx context.Context, callID, reason string) {
	c.mu.Lock()
	s := c.resolve(ctx, callID)
	if s == nil || s.status != StatusRinging {
		c.mu.Unlock()
		return
	}
	s.status = StatusDeclined
	c.stopTimer(s)
	c.proj.Publish(StatusDeclined, callID, s.invite.CallerName)
	inv := s.invite
	claimed := c.claimAction(ctx, s, invite.ActionDecline)

	s.status = StatusEnded
	c.proj.Publish(StatusEnded, callID, s.invite.CallerName)
	c.teardownLocked(ctx, callID)
	c.mu.Unlock()

	c.bridge.StopRinging("declined")
	if claimed {
		c.deliverOnce(ctx, &inv, invite.ActionDecline)
	}
	c.log.Info("call declined", "call_id", callID, "reason", reason)
}

// End finishes a call. Hanging up a still-ringing call counts as a decline;
// ending an established call is local teardown only (the caller side
// reports completion to the backend).
func (c *Controller) End(ctx context.Context, callID, reason string) {
	c.mu.Lock()
	s := c.resolve(ctx, callID)
	if s == nil {
		c.mu.Unlock()
		return
	}
	if s.status == StatusRinging {
		c.mu.Unlock()
		c.Decline(ctx, callID, reason)
		return
	}
	c.stopTimer(s)
	s.status = StatusEnded
	c.proj.Publish(StatusEnded, callID, s.invite.CallerName)
	c.teardownLocked(ctx, callID)
	c.mu.Unlock()

	c.bridge.StopRinging("end:" + reason)
	c.log.Info("call ended", "call_id", callID, "reason", reason)
}

// Missed applies the timeout outcome for callers outside the timer path,
// such as the native layer reporting an unanswered call.
func (c *Controller) Missed(ctx context.Context, callID string) {
	c.markMissed(ctx, callID)
}

// markMissed is the timeout path. Replay-safe: the timer may fire against a
// call that resolved in the meantime, so it acts only on a still-ringing
// session.
func (c *Controller) markMissed(ctx context.Context, callID string) {
	c.mu.Lock()
	s := c.resolve(ctx, callID)
	if s == nil || s.status != StatusRinging {
		c.mu.Unlock()
		return
	}
	s.status = StatusMissed
	c.stopTimer(s)
	c.proj.Publish(StatusMissed, callID, s.invite.CallerName)
	inv := s.invite
	claimed := c.claimAction(ctx, s, invite.ActionMissed)

	s.status = StatusEnded
	c.proj.Publish(StatusEnded, callID, s.invite.CallerName)
	c.teardownLocked(ctx, callID)
	c.mu.Unlock()

	c.bridge.StopRinging("missed")
	if claimed {
		c.deliverOnce(ctx, &inv, invite.ActionMissed)
	}
	c.log.Info("call missed", "call_id", callID)
}

// cleanupLocal tears down local state on a remote CALL_ENDED without
// reporting anything to the backend; the far side already knows.
func (c *Controller) cleanupLocal(ctx context.Context, callID, reason string) {
	c.mu.Lock()
	var callerName string
	if s := c.registry.get(callID); s != nil {
		c.stopTimer(s)
		callerName = s.invite.CallerName
	}
	c.teardownLocked(ctx, callID)
	c.proj.Publish(StatusEnded, callID, callerName)
	c.mu.Unlock()

	c.bridge.StopRinging("cleanup:" + reason)
	c.log.Info("local call state cleaned up", "call_id", callID, "reason", reason)
}

// resolve returns the live session, rebuilding one from the persisted
// invite when the registry was lost to a restart. Rehydrated sessions start
// back at ringing; nil means the call is unknown or already fully ended.
// Caller must hold c.mu.
func (c *Controller) resolve(ctx context.Context, callID string) *session {
	if s := c.registry.get(callID); s != nil {
		return s
	}
	inv := c.invites.Load(ctx, callID)
	if inv == nil {
		return nil
	}
	c.log.Debug("session rehydrated from storage", "call_id", callID)
	s := newSession(*inv)
	c.registry.put(callID, s)
	return s
}

// claimAction decides whether this caller owns the backend notification for
// (call, action). At most one claim succeeds per pair: the session-local
// processed set covers racing paths in this process, the ledger covers
// pairs already acknowledged in an earlier process life. Caller holds c.mu.
func (c *Controller) claimAction(ctx context.Context, s *session, action invite.Action) bool {
	if s.processed[action] {
		return false
	}
	if c.ledger.IsDone(ctx, s.invite.CallID, action) {
		s.processed[action] = true
		return false
	}
	s.processed[action] = true
	return true
}

// deliverOnce attempts the backend notification for a freshly claimed
// action. Failure is queued for retry, never returned: no transition is
// ever disturbed by delivery problems. Every attempt ends with an async
// queue flush so earlier stragglers get a chance too.
func (c *Controller) deliverOnce(ctx context.Context, inv *invite.Invite, action invite.Action) {
	if err := c.notifier.Deliver(ctx, inv, action); err != nil {
		c.log.Warn("backend ack failed", "call_id", inv.CallID, "action", action, "err", err)
		if qErr := c.queue.Enqueue(ctx, inv, action, err); qErr != nil {
			c.log.Error("retry enqueue failed", "call_id", inv.CallID, "action", action, "err", qErr)
		}
	} else {
		if err := c.ledger.MarkDone(ctx, inv.CallID, action); err != nil {
			c.log.Warn("ledger write failed after ack", "call_id", inv.CallID, "action", action, "err", err)
		}
		c.log.Info("backend ack success", "call_id", inv.CallID, "action", action)
	}
	c.kickFlush(context.WithoutCancel(ctx))
}

// armMissedTimer schedules the missed-call timeout, replacing (never
// stacking) any existing one. Caller holds c.mu.
func (c *Controller) armMissedTimer(s *session) {
	if s.timer != nil {
		s.timer.Stop()
	}
	callID := s.invite.CallID
	s.timer = c.newTimer(time.Duration(s.invite.TTLSec)*time.Second, func() {
		c.markMissed(context.Background(), callID)
	})
}

// stopTimer cancels the pending timeout; mandatory on every transition out
// of ringing. Caller holds c.mu.
func (c *Controller) stopTimer(s *session) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// teardownLocked removes the durable invite and the registry entry; the
// session is gone after this. Caller holds c.mu.
func (c *Controller) teardownLocked(ctx context.Context, callID string) {
	if err := c.invites.Remove(ctx, callID); err != nil {
		c.log.Warn("invite remove failed", "call_id", callID, "err", err)
	}
	c.registry.remove(callID)
}

// sendRingingAck tells the backend this device is ringing. Best-effort by
// contract: one attempt, log the outcome, never retry, never block the
// call.
func (c *Controller) sendRingingAck(callID, receiverID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.notifier.RingingAck(ctx, callID, receiverID); err != nil {
		c.log.Warn("ringing ack failed", "call_id", callID, "err", err)
		return
	}
	c.log.Debug("ringing ack sent", "call_id", callID)
}
