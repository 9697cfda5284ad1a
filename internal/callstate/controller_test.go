package callstate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"callagent/internal/invite"
	"callagent/internal/kvstore"
	"callagent/internal/nativebridge"
)

/* ===================== fakes ===================== */

type fakeNotifier struct {
	mu        sync.Mutex
	fail      map[string]error // "callID:action" -> error to return
	delivered []string
	ackCh     chan string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{fail: map[string]error{}, ackCh: make(chan string, 4)}
}

func (f *fakeNotifier) Deliver(_ context.Context, inv *invite.Invite, action invite.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := inv.CallID + ":" + string(action)
	if err := f.fail[key]; err != nil {
		return err
	}
	f.delivered = append(f.delivered, key)
	return nil
}

func (f *fakeNotifier) RingingAck(_ context.Context, callID, receiverID string) error {
	f.ackCh <- callID + ":" + receiverID
	return nil
}

func (f *fakeNotifier) deliveredKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.delivered...)
}

func (f *fakeNotifier) setFail(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, key)
		return
	}
	f.fail[key] = err
}

type fakeBridge struct {
	mu      sync.Mutex
	starts  []string
	stops   []string
	pending []nativebridge.PendingAction
	drains  int
}

func (b *fakeBridge) Register(context.Context) error { return nil }

func (b *fakeBridge) StartRinging(inv *invite.Invite) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts = append(b.starts, inv.CallID)
}

func (b *fakeBridge) StopRinging(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops = append(b.stops, reason)
}

func (b *fakeBridge) Drain(context.Context) ([]nativebridge.PendingAction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drains++
	out := b.pending
	b.pending = nil
	return out, nil
}

// manualTimers replaces real timers so tests fire timeouts deterministically.
type manualTimers struct {
	timers []*manualTimer
}

type manualTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := t.stopped
	t.stopped = true
	return !was
}

func (m *manualTimers) factory(d time.Duration, fn func()) Timer {
	t := &manualTimer{d: d, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// fire runs a timer callback exactly as the runtime would, stopped or not;
// replay safety is the controller's job.
func (m *manualTimers) fire(i int) {
	m.timers[i].fn()
}

type testEnv struct {
	ctrl     *Controller
	notifier *fakeNotifier
	bridge   *fakeBridge
	timers   *manualTimers
	store    *kvstore.Memory
	now      *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := kvstore.NewMemory()
	notifier := newFakeNotifier()
	bridge := &fakeBridge{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	c := NewController(ControllerDeps{Store: store, Notifier: notifier, Bridge: bridge, Log: log})

	timers := &manualTimers{}
	now := time.UnixMilli(1_700_000_000_000)
	clock := func() time.Time { return now }

	c.newTimer = timers.factory
	c.clock = clock
	c.queue.clock = clock
	// Flushes are explicit in tests.
	c.kickFlush = func(context.Context) {}

	return &testEnv{ctrl: c, notifier: notifier, bridge: bridge, timers: timers, store: store, now: &now}
}

func (e *testEnv) advance(d time.Duration) {
	*e.now = e.now.Add(d)
}

func ringingInvite(callID string, ttlSec int) *invite.Invite {
	return &invite.Invite{
		Kind:        invite.KindVoice,
		CallID:      callID,
		CallerName:  "Bob",
		TimestampMs: 1_700_000_000_000,
		TTLSec:      ttlSec,
	}
}

/* ===================== invite handling ===================== */

func TestHandleIncomingInvite_StartsRingingCall(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.ctrl.HandleIncomingInvite(ctx, ringingInvite("c1", 30), "push")

	if got := e.ctrl.Projection().Current(); got.Status != StatusRinging || got.CallID != "c1" || got.CallerName != "Bob" {
		t.Fatalf("unexpected projection: %+v", got)
	}
	if inv := e.ctrl.invites.Load(ctx, "c1"); inv == nil {
		t.Fatalf("expected persisted invite")
	}
	if len(e.timers.timers) != 1 || e.timers.timers[0].d != 30*time.Second {
		t.Fatalf("expected 30s missed timer, got %+v", e.timers.timers)
	}
	if len(e.bridge.starts) != 1 || e.bridge.starts[0] != "c1" {
		t.Fatalf("expected native ringing start, got %v", e.bridge.starts)
	}
}

func TestHandleIncomingInvite_DuplicateIgnored(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.ctrl.HandleIncomingInvite(ctx, ringingInvite("c1", 30), "push")
	e.ctrl.HandleIncomingInvite(ctx, ringingInvite("c1", 30), "push")

	if len(e.timers.timers) != 1 {
		t.Fatalf("duplicate invite re-armed the timer: %d timers", len(e.timers.timers))
	}
	if len(e.bridge.starts) != 1 {
		t.Fatalf("duplicate invite restarted ringing: %v", e.bridge.starts)
	}
	if got := e.ctrl.Projection().Current().Status; got != StatusRinging {
		t.Fatalf("session state affected by duplicate: %v", got)
	}
}

func TestHandleIncomingInvite_IgnoredWhileBusy(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.ctrl.HandleIncomingInvite(ctx, ringingInvite("c1", 30), "push")
	e.ctrl.HandleIncomingInvite(ctx, ringingInvite("c2", 30), "push")

	if len(e.timers.timers) != 1 {
		t.Fatalf("busy invite armed a timer")
	}
	if e.ctrl.invites.Load(ctx, "c2") != nil {
		t.Fatalf("busy invite was persisted")
	}
	if got := e.ctrl.Projection().Current(); got.CallID != "c1" {
		t.Fatalf("projection moved to busy invite: %+v", got)
	}

	// Also ignored while a call is established.
	e.ctrl.Accept(ctx, "c1", "test")
	e.ctrl.HandleIncomingInvite(ctx, ringingInvite("c3", 30), "push")
	if e.ctrl.registry.get("c3") != nil {
		t.Fatalf("invite accepted while call active")
	}
}

func TestHandleIncomingInvite_SendsRingingAck(t *testing.T) {
	e := newTestEnv(t)
	inv := ringingInvite("c1", 30)
	inv.ReceiverID = "u2"

	e.ctrl.HandleIncomingInvite(context.Background(), inv, "push")

	select {
	case got := <-e.notifier.ackCh:
		if got != "c1:u2" {
			t.Fatalf("unexpected ack %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ringing ack never sent")
	}
}

/* ===================== transitions ===================== */

func TestAccept_FromRinging(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.ctrl.HandleIncomingInvite(ctx, ringingInvite("c1", 30), "push")
	e.ctrl.Accept(ctx, "c1", "user_tap")

	if got := e.ctrl.Projection().Current().Status; got != StatusAccepted {
		t.Fatalf("expected accepted projection, got %v", got)
	}
	if !e.timers.timers[0].stopped {
		t.Fatalf("missed timer not cancelled on accept")
	}
	if got := e.notifier.deliveredKeys(); len(got) != 1 || got[0] != "c1:accept" {
		t.Fatalf("expected one accept delivery, got %v", got)
	}
	if !e.ctrl.ledger.IsDone(ctx, "c1", invite.ActionAccept) {
		t.Fatalf("ledger not marked after successful ack")
	}
	if len(e.bridge.stops) == 0 {
		t.Fatalf("native ringing not stopped")
	}
}

func TestAccept_UnknownOrNonRingingIsNoop(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.ctrl.Accept(ctx, "ghost", "test")
	if got := e.notifier.deliveredKeys(); len(got) != 0 {
		t.Fatalf("unexpected delivery for unknown call: %v", got)
	}

	e.ctrl.HandleIncomingInvite(ctx, ringingInvite("c1", 30), "push")
	e.ctrl.Accept(ctx, "c1", "first")
	e.ctrl.Accept(ctx, "c1", "second")
	if got := e.notifier.deliveredKeys(); len(got) != 1 {
		t.Fatalf("double accept delivered twice: %v", got)
	}
}

func TestDecline_RunsToEnded(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.ctrl.HandleIncomingInvite(ctx, ringingInvite("c1", 30), "push")
	e.ctrl.Decline(ctx, "c1", "user_tap")

	if got := e.ctrl.Projection().Current().Status; got != StatusEnded {
		t.Fatalf("expected ended projection, got %v", got)
	}
	if got := e.notifier.deliveredKeys(); len(got) != 1 || got[0] != "c1:decline" {
		t.Fatalf("expected decline delivery, got %v", got)
	}
	if e.ctrl.invites.Load(ctx, "c1") != nil {
		t.Fatalf("invite survived decline")
	}
	if e.ctrl.registry.get("c1") != nil {
		t.Fatalf("session survived decline")
	}
}

func TestEnded_IsTerminal(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.ctrl.HandleIncomingInvite(ctx, ringingInvite("c1", 30), "push")
	e.ctrl.Decline(ctx, "c1", "user_tap")

	// No transition may leave ended, whatever arrives afterwards.
	e.ctrl.Accept(ctx, "c1", "late")
	e.ctrl.Decline(ctx, "c1", "late")
	e.ctrl.End(ctx, "c1", "late")
	e.timers.fire(0)

	if got := e.notifier.deliveredKeys(); len(got) != 1 {
		t.Fatalf("terminal call delivered again: %v", got)
	}
	if got := e.ctrl.Projection().Current().Status; got != StatusEnded {
		t.Fatalf("terminal state moved: %v", got)
	}
}

func TestEnd_OnRingingBecomesDecline(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.ctrl.HandleIncomingInvite(ctx, ringingInvite("c1", 30), "push")
	e.ctrl.End(ctx, "c1", "hangup")

	if got := e.notifier.deliveredKeys(); len(got) != 1 || got[0] != "c1:decline" {
		t.Fatalf("hang-up before pickup should decline, got %v", got)
	}
}

func TestEnd_OnAcceptedIsLocalOnly(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.ctrl.HandleIncomingInvite(ctx, ringingInvite("c1", 30), "push")
	e.ctrl.Accept(ctx, "c1", "user_tap")
	e.ctrl.End(ctx, "c1", "hangup")

	if got := e.notifier.deliveredKeys(); len(got) != 1 || got[0] != "c1:accept" {
		t.Fatalf("plain end should not notify backend, got %v", got)
	}
	if got := e.ctrl.Projection().Current().Status; got != StatusEnded {
		t.Fatalf("expected ended, got %v", got)
	}
	if e.ctrl.invites.Load(ctx, "c1") != nil {
		t.Fatalf("invite survived end")
	}
}

/* ===================== timeout ===================== */

func TestMissedTimeout_RunsOnce(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.ctrl.HandleIncomingInvite(ctx, ringingInvite("c1", 5), "push")
	if e.timers.timers[0].d != 5*time.Second {
		t.Fatalf("expected 5s timer, got %v", e.timers.timers[0].d)
	}

	e.timers.fire(0)
	e.timers.fire(0) // stale replay must be harmless

	if got := e.notifier.deliveredKeys(); len(got) != 1 || got[0] != "c1:missed" {
		t.Fatalf("expected single missed delivery, got %v", got)
	}
	if !e.ctrl.ledger.IsDone(ctx, "c1", invite.ActionMissed) {
		t.Fatalf("expected c1:missed marked done")
	}
	if got := e.ctrl.Projection().Current().Status; got != StatusEnded {
		t.Fatalf("expected ended after timeout, got %v", got)
	}
	if e.ctrl.registry.get("c1") != nil || e.ctrl.invites.Load(ctx, "c1") != nil {
		t.Fatalf("call not torn down after timeout")
	}
}

func TestMissedTimeout_LosesToAccept(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.ctrl.HandleIncomingInvite(ctx, ringingInvite("c1", 30), "push")
	e.ctrl.Accept(ctx, "c1", "user_tap")
	e.timers.fire(0)

	for _, key := range e.notifier.deliveredKeys() {
		if key == "c1:missed" {
			t.Fatalf("stale timer produced a missed notification")
		}
	}
	if got := e.ctrl.Projection().Current().Status; got != StatusAccepted {
		t.Fatalf("stale timer moved state to %v", got)
	}
}

/* ===================== rehydration & dedup ===================== */

func TestAccept_RehydratesAfterRestart(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.ctrl.HandleIncomingInvite(ctx, ringingInvite("c1", 30), "push")

	// Same durable store, fresh process: registry and ledger cache gone.
	e2 := newTestEnv(t)
	e2.ctrl.invites = e.ctrl.invites
	e2.ctrl.ledger = e.ctrl.ledger
	e2.ctrl.queue = e.ctrl.queue

	e2.ctrl.Accept(ctx, "c1", "after_restart")
	if got := e.notifier.deliveredKeys(); len(got) != 0 {
		t.Fatalf("old process notifier used: %v", got)
	}
	if got := e2.notifier.deliveredKeys(); len(got) != 1 || got[0] != "c1:accept" {
		t.Fatalf("expected rehydrated accept delivery, got %v", got)
	}
	if got := e2.ctrl.Projection().Current().Status; got != StatusAccepted {
		t.Fatalf("rehydrated accept did not apply, got %v", got)
	}
}

func TestClaimAction_LedgerShortCircuits(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	if err := e.ctrl.ledger.MarkDone(ctx, "c1", invite.ActionAccept); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	e.ctrl.HandleIncomingInvite(ctx, ringingInvite("c1", 30), "push")
	e.ctrl.Accept(ctx, "c1", "replay")

	if got := e.notifier.deliveredKeys(); len(got) != 0 {
		t.Fatalf("ledger-done action delivered again: %v", got)
	}
	if got := e.ctrl.Projection().Current().Status; got != StatusAccepted {
		t.Fatalf("transition suppressed by dedup, got %v", got)
	}
}

/* ===================== retry pipeline through the controller ===================== */

func TestAcceptWithFailingBackend_QueuesAndRecovers(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	backendDown := errors.New("status 500")

	inv := ringingInvite("c2", 30)
	inv.ActionEndpoint = "/ack"
	e.notifier.setFail("c2:accept", backendDown)

	e.ctrl.HandleIncomingInvite(ctx, inv, "push")
	e.ctrl.Accept(ctx, "c2", "user_tap")

	// First in-transition attempt failed and queued; the follow-up flush
	// burns attempt one.
	e.ctrl.FlushPending(ctx)
	pending := e.ctrl.queue.load(ctx)
	if len(pending) != 1 {
		t.Fatalf("expected one pending action, got %+v", pending)
	}
	if pending[0].CallID != "c2" || pending[0].Action != invite.ActionAccept {
		t.Fatalf("unexpected pending entry: %+v", pending[0])
	}
	if pending[0].Attempts != 1 {
		t.Fatalf("expected attempts=1 after first flush, got %d", pending[0].Attempts)
	}

	// Backend comes back; entry becomes eligible after its backoff.
	e.notifier.setFail("c2:accept", nil)
	e.advance(2 * time.Second)
	e.ctrl.FlushPending(ctx)

	if pending := e.ctrl.queue.load(ctx); len(pending) != 0 {
		t.Fatalf("expected empty queue after recovery, got %+v", pending)
	}
	if !e.ctrl.ledger.IsDone(ctx, "c2", invite.ActionAccept) {
		t.Fatalf("expected c2:accept marked done after recovery")
	}
}

/* ===================== push routing ===================== */

func TestHandlePush_RemoteEndedTearsDown(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.ctrl.HandleIncomingInvite(ctx, ringingInvite("c1", 30), "push")
	e.ctrl.HandlePush(ctx, map[string]any{"type": "CALL_ENDED", "callId": "c1", "status": "completed"}, "push")

	if e.ctrl.registry.get("c1") != nil || e.ctrl.invites.Load(ctx, "c1") != nil {
		t.Fatalf("remote ended did not tear down")
	}
	if got := e.notifier.deliveredKeys(); len(got) != 0 {
		t.Fatalf("remote ended notified backend: %v", got)
	}
	if got := e.ctrl.Projection().Current().Status; got != StatusEnded {
		t.Fatalf("expected ended projection, got %v", got)
	}
}

func TestHandlePush_EndedWithKeepFlagOnlyLogs(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.ctrl.HandleIncomingInvite(ctx, ringingInvite("c1", 30), "push")
	e.ctrl.HandlePush(ctx, map[string]any{
		"type": "CALL_ENDED", "callId": "c1", "dismissNotification": "false",
	}, "push")

	if e.ctrl.registry.get("c1") == nil {
		t.Fatalf("dismissNotification=false tore down local state")
	}
	if got := e.ctrl.Projection().Current().Status; got != StatusRinging {
		t.Fatalf("expected still ringing, got %v", got)
	}
}

func TestHandlePush_UnrecognizedPayloadDropped(t *testing.T) {
	e := newTestEnv(t)
	e.ctrl.HandlePush(context.Background(), map[string]any{"type": "chat_message", "body": "hi"}, "push")

	if got := e.ctrl.Projection().Current().Status; got != StatusIdle {
		t.Fatalf("junk payload changed state: %v", got)
	}
}

/* ===================== bootstrap ===================== */

func TestBootstrap_ReplaysNativeActionsInOrder(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	// Two invites survived earlier process lives.
	invA := ringingInvite("A", 30)
	invB := ringingInvite("B", 30)
	if err := e.ctrl.invites.Save(ctx, invA); err != nil {
		t.Fatal(err)
	}
	if err := e.ctrl.invites.Save(ctx, invB); err != nil {
		t.Fatal(err)
	}
	e.bridge.pending = []nativebridge.PendingAction{
		{CallID: "A", Action: invite.ActionAccept, TimestampMs: 1},
		{CallID: "B", Action: invite.ActionDecline, TimestampMs: 2},
	}

	e.ctrl.Bootstrap(ctx)

	got := e.notifier.deliveredKeys()
	if len(got) != 2 || got[0] != "A:accept" || got[1] != "B:decline" {
		t.Fatalf("replay order wrong: %v", got)
	}
	if s := e.ctrl.registry.get("A"); s == nil || s.status != StatusAccepted {
		t.Fatalf("call A not accepted by replay")
	}
	if e.ctrl.registry.get("B") != nil {
		t.Fatalf("call B not torn down by replayed decline")
	}
}

func TestBootstrap_RunsOnce(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.ctrl.Bootstrap(ctx)
	e.ctrl.Bootstrap(ctx)

	if e.bridge.drains != 1 {
		t.Fatalf("expected a single drain, got %d", e.bridge.drains)
	}
}
