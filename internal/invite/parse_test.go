package invite

import (
	"testing"
	"time"
)

var parseNow = time.UnixMilli(1_700_000_000_000)

func TestParseInvite_DecodesFullPayload(t *testing.T) {
	inv := ParseInvite(map[string]any{
		"type":           "videoCall",
		"callId":         "c1",
		"callerName":     "Bob",
		"timestampMs":    "1700000000123",
		"ttlSec":         "45",
		"actionEndpoint": "/ack",
		"callerId":       "u9",
		"receiverId":     "u2",
		"roomId":         "r77",
		"token":          "tok",
	}, parseNow)
	if inv == nil {
		t.Fatalf("expected invite")
	}
	if inv.Kind != KindVideo || !inv.HasVideo() {
		t.Fatalf("expected video kind, got %q", inv.Kind)
	}
	if inv.CallID != "c1" || inv.CallerName != "Bob" {
		t.Fatalf("identity fields wrong: %+v", inv)
	}
	if inv.TimestampMs != 1700000000123 {
		t.Fatalf("timestamp wrong: %d", inv.TimestampMs)
	}
	if inv.TTLSec != 45 {
		t.Fatalf("ttl wrong: %d", inv.TTLSec)
	}
	if inv.ActionEndpoint != "/ack" || inv.ReceiverID != "u2" {
		t.Fatalf("endpoint fields wrong: %+v", inv)
	}
	if inv.Extra["roomId"] != "r77" || inv.Extra["token"] != "tok" {
		t.Fatalf("opaque fields not passed through: %+v", inv.Extra)
	}
}

func TestParseInvite_TypeTagVariants(t *testing.T) {
	base := func(typ string) map[string]any {
		return map[string]any{"type": typ, "callId": "c", "callerName": "n"}
	}
	for _, typ := range []string{"call_invite", "voiceCall", "videocall", "VOICE_CALL", "call", "call_ringing"} {
		if ParseInvite(base(typ), parseNow) == nil {
			t.Fatalf("expected type %q to decode as invite", typ)
		}
	}
	for _, typ := range []string{"", "chat_message", "CALL_ENDED"} {
		if ParseInvite(base(typ), parseNow) != nil {
			t.Fatalf("expected type %q to be rejected", typ)
		}
	}
}

func TestParseInvite_RejectsMissingIdentity(t *testing.T) {
	if ParseInvite(map[string]any{"type": "voiceCall", "callId": " ", "callerName": "n"}, parseNow) != nil {
		t.Fatalf("expected rejection for blank callId")
	}
	if ParseInvite(map[string]any{"type": "voiceCall", "callId": "c", "callerName": ""}, parseNow) != nil {
		t.Fatalf("expected rejection for empty callerName")
	}
}

func TestParseInvite_TimestampRules(t *testing.T) {
	data := map[string]any{"type": "voiceCall", "callId": "c", "callerName": "n"}

	inv := ParseInvite(data, parseNow)
	if inv == nil || inv.TimestampMs != parseNow.UnixMilli() {
		t.Fatalf("expected fallback timestamp, got %+v", inv)
	}

	data["timestampMs"] = "0"
	if ParseInvite(data, parseNow) != nil {
		t.Fatalf("expected rejection for non-positive timestamp")
	}

	data["timestampMs"] = "-5"
	if ParseInvite(data, parseNow) != nil {
		t.Fatalf("expected rejection for negative timestamp")
	}

	// Numeric JSON value coerces like the string form.
	data["timestampMs"] = float64(1700000000999)
	inv = ParseInvite(data, parseNow)
	if inv == nil || inv.TimestampMs != 1700000000999 {
		t.Fatalf("expected numeric coercion, got %+v", inv)
	}
}

func TestParseInvite_TTLClamping(t *testing.T) {
	cases := []struct {
		raw  any
		want int
	}{
		{nil, 30},
		{"", 30},
		{"abc", 30},
		{"2", 30},   // below minimum falls back to default
		{"5", 5},
		{"30", 30},
		{"120", 120},
		{"600", 120},
		{float64(15), 15},
	}
	for _, tc := range cases {
		data := map[string]any{"type": "voiceCall", "callId": "c", "callerName": "n"}
		if tc.raw != nil {
			data["ttlSec"] = tc.raw
		}
		inv := ParseInvite(data, parseNow)
		if inv == nil {
			t.Fatalf("ttl %v: expected invite", tc.raw)
		}
		if inv.TTLSec != tc.want {
			t.Fatalf("ttl %v: expected %d, got %d", tc.raw, tc.want, inv.TTLSec)
		}
	}
}

func TestParseCallEnded(t *testing.T) {
	if ParseCallEnded(map[string]any{"type": "voiceCall", "callId": "c"}) != nil {
		t.Fatalf("expected nil for non-ended payload")
	}
	if ParseCallEnded(map[string]any{"type": "CALL_ENDED"}) != nil {
		t.Fatalf("expected nil for ended payload without callId")
	}

	ended := ParseCallEnded(map[string]any{"type": "CALL_ENDED", "callId": "c", "status": "declined"})
	if ended == nil || ended.CallID != "c" || ended.Status != "declined" {
		t.Fatalf("unexpected decode: %+v", ended)
	}
	if ended.DismissNotification != nil {
		t.Fatalf("expected unspecified dismissNotification")
	}

	ended = ParseCallEnded(map[string]any{"type": "call_ended", "callId": "c", "dismissNotification": "false"})
	if ended == nil || ended.DismissNotification == nil || *ended.DismissNotification {
		t.Fatalf("expected explicit dismissNotification=false, got %+v", ended)
	}

	ended = ParseCallEnded(map[string]any{"type": "call_ended", "callId": "c", "dismissNotification": true})
	if ended == nil || ended.DismissNotification == nil || !*ended.DismissNotification {
		t.Fatalf("expected boolean coercion, got %+v", ended)
	}
}
