// Package nativebridge is the boundary to the platform's incoming-call
// surface (telecom registration, ringing audio/visuals, lock-screen UI).
//
// Rules:
// - Start/StopRinging are fire-and-forget: failures are logged by the
//   implementation and never returned to the caller.
// - StopRinging is idempotent and safe when nothing is ringing.
// - The native side may record user actions while the agent process does
//   not exist; Drain hands them over exactly once, in the order taken.
package nativebridge

import (
	"context"

	"callagent/internal/invite"
)

// PendingAction is an accept/decline/missed the native surface recorded
// while no agent process was alive to handle it.
type PendingAction struct {
	CallID      string        `json:"callId"`
	Action      invite.Action `json:"action"`
	TimestampMs int64         `json:"timestampMs"`
}

// Bridge is the native boundary consumed by the call controller.
type Bridge interface {
	// Register prepares the native surface (permission prompts, telecom
	// account registration). Idempotent; called once per bootstrap.
	Register(ctx context.Context) error

	StartRinging(inv *invite.Invite)
	StopRinging(reason string)

	// Drain returns and clears the actions recorded while the agent was
	// down, ordered by when they were taken.
	Drain(ctx context.Context) ([]PendingAction, error)
}
