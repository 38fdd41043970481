// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events defines the event records that flow through an inquiry
// session's log and out to stream subscribers.
//
// Events are tagged variants: a Kind plus an opaque JSON payload. The
// session layer never inspects payloads except for the small fixed set
// of lifecycle marker kinds defined here, which carry the continuation
// handle, step completions, the final answer, errors, and turn
// boundaries.
//
// Thread Safety:
//
//	Event structs should be treated as immutable after creation.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the kind of event.
type Kind string

const (
	// KindTurnStarted marks the beginning of a turn. The first
	// occurrence in a session carries the continuation handle.
	KindTurnStarted Kind = "turn_started"

	// KindStepCompleted marks a completed unit of work. Counted for
	// the session's step_count.
	KindStepCompleted Kind = "step_completed"

	// KindFinalResult carries the turn's answer.
	KindFinalResult Kind = "final_result"

	// KindError carries an error emitted by the reasoning engine.
	KindError Kind = "error"

	// KindTurnEnded marks the end of a turn and triggers finalization
	// logic in the registry.
	KindTurnEnded Kind = "turn_ended"

	// KindStatusChanged is pushed by the registry when a session's
	// status changes, so stream observers see transitions (notably
	// "cancelling" feedback) without polling.
	KindStatusChanged Kind = "status_changed"
)

// IsLifecycleMarker reports whether this kind is one of the fixed
// lifecycle markers the session layer interprets. All other kinds are
// opaque to this subsystem.
func (k Kind) IsLifecycleMarker() bool {
	switch k {
	case KindTurnStarted, KindStepCompleted, KindFinalResult, KindError, KindTurnEnded:
		return true
	default:
		return false
	}
}

// Event is one record in a session's append-only event log.
//
// Description:
//
//	Seq and SessionID are assigned by the session when the event is
//	pushed; producers leave them zero. Payload is opaque JSON except
//	for the lifecycle marker kinds, whose payloads are the typed
//	structs below.
type Event struct {
	// ID is a unique identifier for this event.
	ID string `json:"id"`

	// SessionID links the event to a session. Assigned on push.
	SessionID string `json:"session_id,omitempty"`

	// Seq is the event's position in the session log. Assigned on push.
	Seq int `json:"seq"`

	// Kind identifies the kind of event.
	Kind Kind `json:"kind"`

	// Timestamp is when the event was created (Unix milliseconds UTC).
	Timestamp int64 `json:"timestamp"`

	// Payload contains kind-specific data. Opaque to the session layer
	// except for lifecycle marker kinds.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TurnStartedPayload is the payload for turn_started markers.
type TurnStartedPayload struct {
	// ContinuationHandle identifies the engine's conversational
	// context. Only the first turn_started of a session sets it.
	ContinuationHandle string `json:"continuation_handle,omitempty"`

	// Query is the user input that started the turn.
	Query string `json:"query,omitempty"`
}

// StepCompletedPayload is the payload for step_completed markers.
type StepCompletedPayload struct {
	// Description summarizes the unit of work.
	Description string `json:"description,omitempty"`

	// DurationMs is how long the step took, in milliseconds.
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// FinalResultPayload is the payload for final_result markers.
type FinalResultPayload struct {
	// Answer is the turn's answer text.
	Answer string `json:"answer"`
}

// ErrorPayload is the payload for error markers.
type ErrorPayload struct {
	// Error is the error message, captured verbatim.
	Error string `json:"error"`

	// Code is a machine-readable error code, if the engine provides one.
	Code string `json:"code,omitempty"`

	// Recoverable indicates whether the turn may still produce a result.
	Recoverable bool `json:"recoverable,omitempty"`
}

// TurnEndedPayload is the payload for turn_ended markers.
type TurnEndedPayload struct {
	// Outcome is "success", "error", or "cancelled".
	Outcome string `json:"outcome"`
}

// StatusChangedPayload is the payload for status_changed events.
type StatusChangedPayload struct {
	// Status is the session status after the change.
	Status string `json:"status"`

	// Detail gives human-readable context for the change.
	Detail string `json:"detail,omitempty"`
}

// New creates an event of the given kind with a marshaled payload.
//
// Description:
//
//	Assigns a fresh event ID and timestamp. Seq and SessionID are left
//	for the session to assign on push. A nil payload produces an event
//	with no payload bytes.
//
// Inputs:
//
//	kind - The event kind.
//	payload - Payload value to marshal, or nil.
//
// Outputs:
//
//	Event - The created event.
//	error - Non-nil if the payload cannot be marshaled.
func New(kind Kind, payload any) (Event, error) {
	ev := Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		ev.Payload = raw
	}
	return ev, nil
}

// MustNew is New for payloads known to marshal; it panics otherwise.
// Intended for the typed payload structs in this package.
func MustNew(kind Kind, payload any) Event {
	ev, err := New(kind, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

// DecodePayload unmarshals an event's payload into dst.
func DecodePayload(ev Event, dst any) error {
	if len(ev.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", ev.ID)
	}
	if err := json.Unmarshal(ev.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", ev.Kind, err)
	}
	return nil
}
