package invite

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Push payloads are stringly typed: values may arrive as strings, numbers,
// or booleans depending on the sender, and unknown keys must pass through
// untouched. Decoding therefore coerces instead of validating a schema.

func getString(data map[string]any, key string) string {
	switch v := data[key].(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		if v == math.Trunc(v) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

func isInviteType(typeLower string) bool {
	switch typeLower {
	case "call_invite", "voicecall", "videocall", "voice_call", "video_call", "call", "call_ringing":
		return true
	default:
		return false
	}
}

// inviteFields are the keys the decoder consumes; everything else is copied
// into Extra verbatim.
var inviteFields = map[string]bool{
	"type":           true,
	"callId":         true,
	"callerName":     true,
	"timestampMs":    true,
	"timestamp":      true,
	"ttlSec":         true,
	"actionEndpoint": true,
	"callerId":       true,
	"receiverId":     true,
	"calleridDocID":  true,
	"receiverDocID":  true,
}

// ParseInvite decodes an invite from a push data payload. It returns nil if
// the payload is not an invite (unrecognized type tag, missing identity
// fields, or a non-positive timestamp). now supplies the timestamp fallback
// for senders that omit it.
func ParseInvite(data map[string]any, now time.Time) *Invite {
	if data == nil {
		return nil
	}
	typeLower := strings.ToLower(strings.TrimSpace(getString(data, "type")))
	if !isInviteType(typeLower) {
		return nil
	}

	callID := strings.TrimSpace(getString(data, "callId"))
	callerName := strings.TrimSpace(getString(data, "callerName"))
	if callID == "" || callerName == "" {
		return nil
	}

	tsRaw := getString(data, "timestampMs")
	if tsRaw == "" {
		tsRaw = getString(data, "timestamp")
	}
	timestampMs := now.UnixMilli()
	if tsRaw != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(tsRaw), 10, 64)
		if err != nil {
			return nil
		}
		timestampMs = n
	}
	if timestampMs <= 0 {
		return nil
	}

	kind := KindVoice
	if strings.Contains(typeLower, "video") {
		kind = KindVideo
	}

	inv := &Invite{
		Kind:           kind,
		CallID:         callID,
		CallerName:     callerName,
		TimestampMs:    timestampMs,
		TTLSec:         clampTTL(getString(data, "ttlSec")),
		ActionEndpoint: strings.TrimSpace(getString(data, "actionEndpoint")),
		CallerID:       strings.TrimSpace(getString(data, "callerId")),
		ReceiverID:     strings.TrimSpace(getString(data, "receiverId")),
		CallerDocID:    strings.TrimSpace(getString(data, "calleridDocID")),
		ReceiverDocID:  strings.TrimSpace(getString(data, "receiverDocID")),
	}

	for k := range data {
		if inviteFields[k] {
			continue
		}
		if v := strings.TrimSpace(getString(data, k)); v != "" {
			if inv.Extra == nil {
				inv.Extra = make(map[string]string)
			}
			inv.Extra[k] = v
		}
	}

	return inv
}

// clampTTL parses a ttl value, defaulting to 30s and clamping to [5,120].
// Anything below the minimum falls back to the default rather than being
// raised to it, matching how senders that misconfigure ttl are treated.
func clampTTL(raw string) int {
	ttl := DefaultTTLSec
	if s := strings.TrimSpace(raw); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil && f >= MinTTLSec {
			ttl = int(f)
		}
	}
	if ttl > MaxTTLSec {
		ttl = MaxTTLSec
	}
	if ttl < MinTTLSec {
		ttl = MinTTLSec
	}
	return ttl
}

// ParseCallEnded decodes a remote teardown signal; nil if the payload is
// not one.
func ParseCallEnded(data map[string]any) *CallEnded {
	if data == nil {
		return nil
	}
	if strings.ToLower(strings.TrimSpace(getString(data, "type"))) != "call_ended" {
		return nil
	}

	callID := strings.TrimSpace(getString(data, "callId"))
	if callID == "" {
		return nil
	}

	ended := &CallEnded{
		CallID: callID,
		Status: strings.TrimSpace(getString(data, "status")),
	}
	switch strings.ToLower(strings.TrimSpace(getString(data, "dismissNotification"))) {
	case "true":
		v := true
		ended.DismissNotification = &v
	case "false":
		v := false
		ended.DismissNotification = &v
	}
	return ended
}
