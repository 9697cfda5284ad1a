package httpapi

import (
	"context"
	"net/http"
	"time"

	"callagent/internal/callstate"
	"callagent/internal/invite"
	"callagent/internal/nativebridge"

	"github.com/gin-gonic/gin"
)

// ActionRecorder persists a native-layer action so it survives a process
// restart. The KV bridge implements it; the nop bridge does not, in which
// case recording degrades to apply-only.
type ActionRecorder interface {
	Record(ctx context.Context, action nativebridge.PendingAction) error
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Controller *callstate.Controller
	Recorder   ActionRecorder
}

// --- push ingestion ---

// Push accepts a decoded push payload and feeds it to the call state
// machine. Always 202: the state machine decides what the payload means,
// and unrecognized payloads are dropped there, not rejected here.
func (h Handlers) Push(c *gin.Context) {
	var data map[string]any
	if err := c.ShouldBindJSON(&data); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	h.Controller.HandlePush(c.Request.Context(), data, "push")
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// --- user actions ---

type actionRequest struct {
	Reason string `json:"reason"`
}

func (h Handlers) AcceptCall(c *gin.Context) {
	callID, reason, ok := h.actionParams(c, "user_accept")
	if !ok {
		return
	}
	h.Controller.Accept(c.Request.Context(), callID, reason)
	c.JSON(http.StatusOK, h.Controller.Projection().Current())
}

func (h Handlers) DeclineCall(c *gin.Context) {
	callID, reason, ok := h.actionParams(c, "user_decline")
	if !ok {
		return
	}
	h.Controller.Decline(c.Request.Context(), callID, reason)
	c.JSON(http.StatusOK, h.Controller.Projection().Current())
}

func (h Handlers) EndCall(c *gin.Context) {
	callID, reason, ok := h.actionParams(c, "user_end")
	if !ok {
		return
	}
	h.Controller.End(c.Request.Context(), callID, reason)
	c.JSON(http.StatusOK, h.Controller.Projection().Current())
}

// actionParams pulls the call id and optional reason out of an action
// request. An empty or missing body is fine; junk JSON is not.
func (h Handlers) actionParams(c *gin.Context, defaultReason string) (string, string, bool) {
	callID := c.Param("call_id")
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id required"})
		return "", "", false
	}
	var req actionRequest
	if c.Request.Body != nil && c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return "", "", false
		}
	}
	reason := req.Reason
	if reason == "" {
		reason = defaultReason
	}
	return callID, reason, true
}

// --- native actions ---

type nativeActionRequest struct {
	CallID      string `json:"callId"`
	Action      string `json:"action"`
	TimestampMs int64  `json:"timestampMs"`
}

// NativeAction takes an action reported by the native call layer. The
// action is recorded durably first, then applied; a crash between the two
// replays it from storage on the next bootstrap, where dedup makes the
// replay harmless.
func (h Handlers) NativeAction(c *gin.Context) {
	var req nativeActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.CallID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "callId required"})
		return
	}
	action := invite.Action(req.Action)
	if !action.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown action"})
		return
	}
	if req.TimestampMs == 0 {
		req.TimestampMs = time.Now().UnixMilli()
	}

	ctx := c.Request.Context()
	if h.Recorder != nil {
		if err := h.Recorder.Record(ctx, nativebridge.PendingAction{
			CallID:      req.CallID,
			Action:      action,
			TimestampMs: req.TimestampMs,
		}); err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "record failed"})
			return
		}
	}

	switch action {
	case invite.ActionAccept:
		h.Controller.Accept(ctx, req.CallID, "native")
	case invite.ActionDecline, invite.ActionBusy:
		h.Controller.Decline(ctx, req.CallID, "native")
	case invite.ActionMissed:
		h.Controller.Missed(ctx, req.CallID)
	}
	c.JSON(http.StatusOK, h.Controller.Projection().Current())
}

// --- projection ---

func (h Handlers) CallState(c *gin.Context) {
	c.JSON(http.StatusOK, h.Controller.Projection().Current())
}
