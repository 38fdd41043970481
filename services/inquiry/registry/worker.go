// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianInquiry/services/inquiry/engine"
	"github.com/AleutianAI/AleutianInquiry/services/inquiry/events"
	"github.com/AleutianAI/AleutianInquiry/services/inquiry/session"
)

// startTurn spawns the turn worker for a session. The session must
// already be IN_PROGRESS.
func (m *Manager) startTurn(s *session.Session, query string) {
	m.wg.Add(1)
	go m.runTurn(s, query)
}

// runTurn drives one engine turn to completion.
//
// Description:
//
//	Forwards every engine event into the session log, then decides the
//	turn outcome: shutdown or cancellation beat errors, an error with
//	no result in the same turn means FAILED, anything else COMPLETED.
//	COMPLETED sessions stay resident with an idle timer armed;
//	terminal sessions are persisted and evicted.
func (m *Manager) runTurn(s *session.Session, query string) {
	defer m.wg.Done()

	ctx, span := m.tracer.Start(m.rootCtx, "inquiry.turn",
		trace.WithAttributes(
			attribute.String("session.id", s.ID()),
			attribute.Int("session.turn", s.TurnCount()),
		))
	defer span.End()

	ch, err := m.eng.Run(ctx, engine.TurnInput{
		Query:              query,
		ContinuationHandle: s.ContinuationHandle(),
		Cancelled:          s.CancelRequested,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "engine start failed")
		m.pushEvent(s, events.MustNew(events.KindError, events.ErrorPayload{
			Error: err.Error(),
			Code:  "engine_start",
		}))
		m.endTurn(s, span)
		return
	}

	for ev := range ch {
		m.pushEvent(s, ev)
	}
	m.endTurn(s, span)
}

// endTurn transitions the session per the turn outcome and arranges
// finalization or the idle timer.
func (m *Manager) endTurn(s *session.Session, span trace.Span) {
	cancelled, resultSeen, errDetail := s.TurnOutcome()

	m.mu.Lock()
	shuttingDown := m.closed
	m.mu.Unlock()

	var to session.Status
	var outcome string
	switch {
	case shuttingDown:
		// Shutdown finalizes the session; just record the outcome.
		m.metrics.TurnsTotal.WithLabelValues("error").Inc()
		span.SetAttributes(attribute.String("turn.outcome", "shutdown"))
		return
	case cancelled:
		to, outcome = session.StatusCancelled, "cancelled"
	case errDetail != "" && !resultSeen:
		to, outcome = session.StatusFailed, "error"
	default:
		to, outcome = session.StatusCompleted, "success"
	}

	if err := s.Transition(to); err != nil {
		m.logger.Error("turn outcome transition failed",
			"session_id", s.ID(), "to", to, "error", err)
		span.RecordError(err)
		return
	}
	m.pushStatus(s, to, "turn ended")
	m.metrics.TurnsTotal.WithLabelValues(outcome).Inc()
	span.SetAttributes(attribute.String("turn.outcome", outcome))

	if to == session.StatusCompleted {
		m.armIdleTimer(s.ID())
		return
	}
	if err := m.finalizeSession(s, "terminal"); err != nil {
		span.RecordError(err)
	}
}
