// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine defines the reasoning engine boundary: the component
// that actually investigates a query and emits events while doing so.
//
// The registry drives engines one turn at a time. An engine receives
// the turn's query, the session's continuation handle (so a follow-up
// turn resumes the same conversational context), and a cancellation
// probe it is expected to poll between steps.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianInquiry/services/inquiry/events"
)

// TurnInput carries everything an engine needs to run one turn.
type TurnInput struct {
	// Query is the user's input for this turn.
	Query string

	// ContinuationHandle identifies the engine's conversational context
	// from earlier turns. Empty on the first turn; the engine returns
	// one in its turn_started event.
	ContinuationHandle string

	// Cancelled reports whether a cooperative cancel has been
	// requested. Engines poll it between steps and wind down early when
	// it returns true; a step already dispatched runs to completion.
	Cancelled func() bool
}

// Engine runs investigation turns and streams events as it works.
//
// Description:
//
//	Run returns a channel of events for the turn. The engine closes
//	the channel when the turn is over, after emitting its terminal
//	markers (final_result or error, then turn_ended). The error return
//	covers failures to start the turn at all; errors during the turn
//	are reported as error events on the channel.
type Engine interface {
	Run(ctx context.Context, in TurnInput) (<-chan events.Event, error)
}

// =============================================================================
// EchoEngine
// =============================================================================

// EchoEngine is a trivial engine for local development: it emits one
// step and echoes the query back as the result. It honors cooperative
// cancellation between its steps.
type EchoEngine struct {
	// StepDelay is an artificial pause before each step, so streaming
	// behavior is observable locally. Zero means no pause.
	StepDelay time.Duration
}

// Run implements Engine.
func (e *EchoEngine) Run(ctx context.Context, in TurnInput) (<-chan events.Event, error) {
	out := make(chan events.Event, 8)

	handle := in.ContinuationHandle
	if handle == "" {
		handle = fmt.Sprintf("echo-%d", time.Now().UnixNano())
	}

	go func() {
		defer close(out)

		emit := func(ev events.Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit(events.MustNew(events.KindTurnStarted, events.TurnStartedPayload{
			ContinuationHandle: handle,
			Query:              in.Query,
		})) {
			return
		}

		if e.StepDelay > 0 {
			select {
			case <-time.After(e.StepDelay):
			case <-ctx.Done():
				return
			}
		}

		if in.Cancelled != nil && in.Cancelled() {
			emit(events.MustNew(events.KindTurnEnded, events.TurnEndedPayload{Outcome: "cancelled"}))
			return
		}

		if !emit(events.MustNew(events.KindStepCompleted, events.StepCompletedPayload{
			Description: "echo",
		})) {
			return
		}
		if !emit(events.MustNew(events.KindFinalResult, events.FinalResultPayload{
			Answer: in.Query,
		})) {
			return
		}
		emit(events.MustNew(events.KindTurnEnded, events.TurnEndedPayload{Outcome: "success"}))
	}()

	return out, nil
}

// =============================================================================
// ScriptedEngine
// =============================================================================

// ScriptedEngine replays a fixed script of events per turn. Used in
// tests to exercise the registry's outcome logic deterministically.
type ScriptedEngine struct {
	// Turns holds one script per turn, consumed in order. If a turn is
	// requested beyond the script, Run returns StartErr or an empty
	// turn.
	Turns [][]events.Event

	// StartErr, if set, is returned by Run for turns beyond the script.
	StartErr error

	// PollCancelEvery inserts a Cancelled() poll before each scripted
	// event when true; events after a positive poll are suppressed and
	// a cancelled turn_ended is emitted instead.
	PollCancelEvery bool

	turn int
}

// Run implements Engine.
func (s *ScriptedEngine) Run(ctx context.Context, in TurnInput) (<-chan events.Event, error) {
	if s.turn >= len(s.Turns) {
		if s.StartErr != nil {
			return nil, s.StartErr
		}
	}

	var script []events.Event
	if s.turn < len(s.Turns) {
		script = s.Turns[s.turn]
	}
	s.turn++

	out := make(chan events.Event, len(script)+1)
	go func() {
		defer close(out)
		for _, ev := range script {
			if s.PollCancelEvery && in.Cancelled != nil && in.Cancelled() {
				out <- events.MustNew(events.KindTurnEnded, events.TurnEndedPayload{Outcome: "cancelled"})
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
