// Package callstate tracks an incoming call from ringing to ended and owns
// the at-most-once handoff of the user's decision to the backend.
package callstate

import (
	"callagent/internal/invite"
)

// Status is a call's lifecycle state. idle never appears on a session; it is
// the projection's resting value when no call is tracked.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRinging  Status = "ringing"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
	StatusMissed   Status = "missed"
	StatusEnded    Status = "ended"
)

// session is the in-memory lifecycle record for one call. It lives only in
// the Registry and is guarded by the Controller's mutex; nothing outside
// this package sees one.
type session struct {
	invite invite.Invite
	status Status

	// timer is the armed missed-call timeout; nil once cancelled or fired.
	timer Timer

	// processed makes the local handoff idempotent within one process
	// lifetime, before the durable ledger write lands.
	processed map[invite.Action]bool
}

func newSession(inv invite.Invite) *session {
	return &session{
		invite:    inv,
		status:    StatusRinging,
		processed: make(map[invite.Action]bool),
	}
}

// Registry maps call id to live session. It is authoritative only while the
// process is alive; the invite store is what survives a restart. Not safe
// for concurrent use on its own: the Controller serializes all access.
type Registry struct {
	sessions map[string]*session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*session)}
}

func (r *Registry) get(callID string) *session {
	return r.sessions[callID]
}

func (r *Registry) put(callID string, s *session) {
	r.sessions[callID] = s
}

func (r *Registry) remove(callID string) {
	delete(r.sessions, callID)
}

// hasRingingOrActive reports whether any tracked call is ringing or in
// progress. The agent handles one call at a time; a new invite while this
// holds is ignored outright.
func (r *Registry) hasRingingOrActive() bool {
	for _, s := range r.sessions {
		if s.status == StatusRinging || s.status == StatusAccepted {
			return true
		}
	}
	return false
}
