// Package backend delivers call-action notifications to the call backend.
//
// Failure contract: any network error or non-2xx response is returned as an
// error and the caller (the retry queue) owns recovery. Nothing here retries.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"callagent/internal/invite"
)

const (
	callEndPath    = "/api/call/Callend"
	ringingAckPath = "/api/call/receiver-ringing-ack"
)

type Config struct {
	// BaseURL resolves relative action endpoints and hosts the fixed paths.
	BaseURL string
	Timeout time.Duration
}

// Notifier posts call actions to the backend over HTTP.
type Notifier struct {
	baseURL string
	client  *http.Client
	clock   func() time.Time
	log     *slog.Logger
}

func NewNotifier(cfg Config, log *slog.Logger) *Notifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		clock:   time.Now,
		log:     log,
	}
}

// Deliver reports a terminal action for a call.
//
// Routing: an invite-supplied action endpoint receives every action; without
// one, decline and missed go to the fixed call-end endpoint and a successful
// accept needs no backend call at all.
func (n *Notifier) Deliver(ctx context.Context, inv *invite.Invite, action invite.Action) error {
	if inv.ActionEndpoint != "" {
		return n.sendAction(ctx, inv, action)
	}

	switch action {
	case invite.ActionDecline:
		return n.sendCallEnd(ctx, inv, "declined")
	case invite.ActionMissed:
		return n.sendCallEnd(ctx, inv, "missed")
	default:
		// accept without an action endpoint: the caller side reports the
		// established call; nothing to send.
		return nil
	}
}

func (n *Notifier) sendAction(ctx context.Context, inv *invite.Invite, action invite.Action) error {
	endpoint := n.resolveEndpoint(inv.ActionEndpoint)

	body := map[string]any{
		"callId":      inv.CallID,
		"action":      action,
		"timestampMs": n.clock().UnixMilli(),
	}
	return n.post(ctx, endpoint, body)
}

func (n *Notifier) sendCallEnd(ctx context.Context, inv *invite.Invite, status string) error {
	// The fixed endpoint keys calls by numeric id; a non-numeric id is sent
	// as null rather than dropped so the backend still sees the event.
	var callID *int64
	if id, err := strconv.ParseInt(inv.CallID, 10, 64); err == nil {
		callID = &id
	}

	var startTime *string
	if inv.TimestampMs > 0 {
		s := time.UnixMilli(inv.TimestampMs).UTC().Format(time.RFC3339Nano)
		startTime = &s
	}

	body := map[string]any{
		"callId":        callID,
		"status":        status,
		"callStatus":    status,
		"startTime":     startTime,
		"endTime":       n.clock().UTC().Format(time.RFC3339Nano),
		"duration":      0,
		"type":          inv.Kind,
		"calleridDocID": firstNonEmpty(inv.CallerDocID, inv.CallerID),
		"endedById":     firstNonEmpty(inv.ReceiverID, inv.CallerID),
	}
	return n.post(ctx, n.baseURL+callEndPath, body)
}

// RingingAck tells the backend the receiver's device is ringing. Best-effort:
// the controller logs a failure and moves on, so this is never queued.
func (n *Notifier) RingingAck(ctx context.Context, callID, receiverID string) error {
	body := map[string]any{
		"callId":     callID,
		"receiverId": receiverID,
	}
	return n.post(ctx, n.baseURL+ringingAckPath, body)
}

func (n *Notifier) post(ctx context.Context, endpoint string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	started := n.clock()
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", RedactURL(endpoint), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s: status %d: %s", RedactURL(endpoint), resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	n.log.Debug("backend post ok",
		"endpoint", RedactURL(endpoint),
		"status", resp.StatusCode,
		"duration_ms", n.clock().Sub(started).Milliseconds(),
	)
	return nil
}

func (n *Notifier) resolveEndpoint(actionEndpoint string) string {
	endpoint := strings.TrimSpace(actionEndpoint)
	if strings.HasPrefix(strings.ToLower(endpoint), "http://") || strings.HasPrefix(strings.ToLower(endpoint), "https://") {
		return endpoint
	}
	if strings.HasPrefix(endpoint, "/") {
		return n.baseURL + endpoint
	}
	return n.baseURL + "/" + endpoint
}

var urlQueryRe = regexp.MustCompile(`\?.*$`)

// RedactURL strips query strings before a URL reaches a log line or error
// message; media tokens travel in them.
func RedactURL(u string) string {
	return urlQueryRe.ReplaceAllString(u, "?…")
}

func firstNonEmpty(values ...string) any {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return nil
}
