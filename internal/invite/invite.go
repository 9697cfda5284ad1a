package invite

// Invite announces an incoming call. It is immutable once decoded: every
// later lifecycle step (retry delivery included) works from a persisted copy
// of this value, never from re-decoded push data.
//
// Identity is CallID. Extra carries routing/media metadata the agent passes
// through without interpreting (room ids, media tokens, profile fields).
type Invite struct {
	Kind       Kind   `json:"type"`
	CallID     string `json:"callId"`
	CallerName string `json:"callerName"`

	TimestampMs int64 `json:"timestampMs"`

	// TTLSec is how long the call may ring before it counts as missed.
	// Decoding clamps it to [5,120] seconds, defaulting to 30.
	TTLSec int `json:"ttlSec"`

	// ActionEndpoint, when present, is where terminal actions are POSTed.
	// Without it, decline/missed go to the fixed call-end endpoint and a
	// successful accept needs no backend call at all.
	ActionEndpoint string `json:"actionEndpoint,omitempty"`

	CallerID      string `json:"callerId,omitempty"`
	ReceiverID    string `json:"receiverId,omitempty"`
	CallerDocID   string `json:"calleridDocID,omitempty"`
	ReceiverDocID string `json:"receiverDocID,omitempty"`

	Extra map[string]string `json:"extra,omitempty"`
}

type Kind string

const (
	KindVoice Kind = "voiceCall"
	KindVideo Kind = "videoCall"
)

func (inv *Invite) HasVideo() bool {
	return inv.Kind == KindVideo
}

// Action is a terminal decision reported to the backend.
// "busy" exists for wire compatibility but no transition currently emits it.
type Action string

const (
	ActionAccept  Action = "accept"
	ActionDecline Action = "decline"
	ActionMissed  Action = "missed"
	ActionBusy    Action = "busy"
)

// Valid reports whether a is one of the known action kinds.
func (a Action) Valid() bool {
	switch a {
	case ActionAccept, ActionDecline, ActionMissed, ActionBusy:
		return true
	default:
		return false
	}
}

// CallEnded is the remote teardown signal.
type CallEnded struct {
	CallID string `json:"callId"`
	Status string `json:"status,omitempty"`

	// DismissNotification is tri-state: nil (unspecified) and true both
	// tear down local state; an explicit false leaves the affordance up.
	DismissNotification *bool `json:"dismissNotification,omitempty"`
}

const (
	DefaultTTLSec = 30
	MinTTLSec     = 5
	MaxTTLSec     = 120
)
