// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session implements the core inquiry session entity: an
// append-only event log with fan-out to live subscribers, a status
// state machine, a set-once cooperative cancel flag, and a
// continuation handle for multi-turn reuse.
//
// A single mutex guards both the event log and the subscriber set, so
// that subscribing (snapshot + registration) and pushing never
// interleave: every subscriber sees every event exactly once, in push
// order, regardless of when it subscribed.
//
// Thread Safety:
//
//	Session is safe for concurrent use.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianInquiry/services/inquiry/events"
)

// DefaultFeedCapacity is the buffered capacity of a subscriber feed.
// A feed that falls this many events behind is dropped.
const DefaultFeedCapacity = 256

// Feed is a live event feed handed to one subscriber.
//
// The channel is closed when the session finalizes or the feed is
// unsubscribed (explicitly or because it fell behind).
type Feed struct {
	id string
	ch chan events.Event
}

// ID returns the feed's identifier.
func (f *Feed) ID() string { return f.id }

// Events returns the receive side of the live feed.
func (f *Feed) Events() <-chan events.Event { return f.ch }

// Session is one inquiry conversation: an ordered, append-only event
// log plus lifecycle state, a cancel flag, and a continuation handle.
type Session struct {
	mu sync.Mutex

	id       string
	scenario string

	status Status
	sm     *StateMachine

	log         []events.Event
	subscribers map[string]*Feed

	feedCapacity int
	logger       *slog.Logger
	onDrop       func()

	// Derived caches, maintained incrementally on push. Re-derivable
	// from the log via events.Summarize.
	stepCount          int
	result             string
	errorDetail        string
	continuationHandle string

	// turnResultSeen tracks whether the current turn produced a
	// final_result marker. Reset on each follow-up turn.
	turnResultSeen bool

	turnCount       int
	cancelRequested bool
	finalized       bool

	createdAt time.Time
	updatedAt time.Time
}

// Option configures a Session.
type Option func(*Session)

// WithFeedCapacity sets the buffered capacity of subscriber feeds.
func WithFeedCapacity(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.feedCapacity = n
		}
	}
}

// WithDropHook registers a callback invoked once per dropped
// subscriber. Used to feed metrics. The hook runs with the session
// lock held and must not call back into the session.
func WithDropHook(fn func()) Option {
	return func(s *Session) {
		s.onDrop = fn
	}
}

// WithLogger sets the logger used for subscriber drops.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a session in PENDING status with an empty log.
//
// Inputs:
//
//	id - Unique session identifier.
//	scenario - Free-form scenario tag used for list filtering.
//	opts - Optional configuration.
//
// Outputs:
//
//	*Session - The new session.
func New(id, scenario string, opts ...Option) *Session {
	now := time.Now()
	s := &Session{
		id:           id,
		scenario:     scenario,
		status:       StatusPending,
		sm:           DefaultStateMachine,
		subscribers:  make(map[string]*Feed),
		feedCapacity: DefaultFeedCapacity,
		logger:       slog.Default(),
		turnCount:    1,
		createdAt:    now,
		updatedAt:    now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore rebuilds a session from a persisted view, so a follow-up
// turn can resume a conversation that was evicted from memory.
//
// Description:
//
//	The event log is taken as-is and the derived caches are re-derived
//	from it, not trusted from the view; the log is the source of
//	truth. The restored session keeps its original sequence numbers,
//	so new events continue the existing order.
//
// Outputs:
//
//	*Session - The restored session, not finalized, with no subscribers.
func Restore(v View, opts ...Option) *Session {
	s := New(v.ID, v.Scenario, opts...)
	s.status = v.Status
	s.log = append(s.log, v.Events...)
	s.createdAt = v.CreatedAt
	s.updatedAt = v.UpdatedAt

	sum := events.Summarize(s.log)
	s.stepCount = sum.StepCount
	s.result = sum.Result
	s.errorDetail = sum.ErrorDetail
	s.continuationHandle = sum.ContinuationHandle
	s.turnCount = v.TurnCount
	if s.turnCount < sum.TurnCount {
		s.turnCount = sum.TurnCount
	}
	if s.turnCount == 0 {
		s.turnCount = 1
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Scenario returns the session's scenario tag.
func (s *Session) Scenario() string { return s.scenario }

// Status returns the current status.
//
// Thread Safety: This method is safe for concurrent use.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Transition moves the session to a new status, validating against the
// transition graph.
//
// Outputs:
//
//	error - ErrInvalidTransition if the move is not allowed,
//	        ErrSessionFinalized if the session is immutable.
//
// Thread Safety: This method is safe for concurrent use.
func (s *Session) Transition(to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return fmt.Errorf("%w: %s", ErrSessionFinalized, s.id)
	}
	if err := s.sm.check(s.status, to); err != nil {
		return err
	}
	s.status = to
	s.updatedAt = time.Now()
	return nil
}

// Push appends an event to the log and delivers it to every live
// subscriber.
//
// Description:
//
//	Assigns the event's sequence number and session ID, updates the
//	derived summary caches for lifecycle markers, and fans the event
//	out. Delivery is a bounded enqueue: a subscriber whose feed is
//	full is dropped and unsubscribed; the log and other subscribers
//	are unaffected. The durable log itself never drops.
//
// Outputs:
//
//	error - ErrSessionFinalized if the session is immutable. Slow
//	        subscribers never cause an error.
//
// Thread Safety: This method is safe for concurrent use.
func (s *Session) Push(ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return fmt.Errorf("%w: %s", ErrSessionFinalized, s.id)
	}

	ev.Seq = len(s.log)
	ev.SessionID = s.id
	s.log = append(s.log, ev)
	s.updatedAt = time.Now()
	s.applyMarker(ev)

	for id, feed := range s.subscribers {
		select {
		case feed.ch <- ev:
		default:
			// Feed full: drop this subscriber, not the event.
			delete(s.subscribers, id)
			close(feed.ch)
			s.logger.Warn("subscriber dropped, feed full",
				"session_id", s.id,
				"feed_id", id,
				"feed_capacity", s.feedCapacity,
			)
			if s.onDrop != nil {
				s.onDrop()
			}
		}
	}
	return nil
}

// applyMarker updates the derived caches for lifecycle markers.
// Caller must hold s.mu.
func (s *Session) applyMarker(ev events.Event) {
	switch ev.Kind {
	case events.KindStepCompleted:
		s.stepCount++
	case events.KindFinalResult:
		var p events.FinalResultPayload
		if err := events.DecodePayload(ev, &p); err == nil {
			s.result = p.Answer
			s.turnResultSeen = true
		}
	case events.KindError:
		var p events.ErrorPayload
		if err := events.DecodePayload(ev, &p); err == nil {
			s.errorDetail = p.Error
		}
	case events.KindTurnStarted:
		var p events.TurnStartedPayload
		if err := events.DecodePayload(ev, &p); err == nil {
			// The continuation handle is set once and immutable.
			if s.continuationHandle == "" && p.ContinuationHandle != "" {
				s.continuationHandle = p.ContinuationHandle
			}
		}
	}
}

// Subscribe atomically snapshots the event log and registers a live feed.
//
// Description:
//
//	The snapshot and the registration happen under one critical
//	section, so no event pushed between them can be skipped or
//	duplicated: the snapshot plus everything later received on the
//	feed is exactly the push sequence.
//
// Outputs:
//
//	[]events.Event - Copy of the log at subscription time.
//	*Feed - Live feed for events pushed after the snapshot.
//	error - ErrSessionFinalized if the session is immutable.
//
// Thread Safety: This method is safe for concurrent use.
func (s *Session) Subscribe() ([]events.Event, *Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionFinalized, s.id)
	}

	history := make([]events.Event, len(s.log))
	copy(history, s.log)

	feed := &Feed{
		id: uuid.NewString(),
		ch: make(chan events.Event, s.feedCapacity),
	}
	s.subscribers[feed.id] = feed
	return history, feed, nil
}

// Unsubscribe removes a live feed. Idempotent: safe to call for a feed
// that was already dropped or for a finalized session.
//
// Thread Safety: This method is safe for concurrent use.
func (s *Session) Unsubscribe(feed *Feed) {
	if feed == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscribers[feed.id]; ok {
		delete(s.subscribers, feed.id)
		close(feed.ch)
	}
}

// SubscriberCount returns the number of live feeds.
//
// Thread Safety: This method is safe for concurrent use.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// RequestCancel sets the cooperative cancel flag.
//
// Description:
//
//	The flag is set-once: the first call returns true, later calls
//	return false. The turn worker observes the flag between steps and
//	ends the turn early; an already-dispatched step is not interrupted.
//
// Thread Safety: This method is safe for concurrent use.
func (s *Session) RequestCancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelRequested {
		return false
	}
	s.cancelRequested = true
	s.updatedAt = time.Now()
	return true
}

// CancelRequested reports whether cancellation has been requested.
//
// Thread Safety: This method is safe for concurrent use.
func (s *Session) CancelRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRequested
}

// ContinuationHandle returns the engine's conversational context
// handle, or "" if the first turn has not yet produced one.
//
// Thread Safety: This method is safe for concurrent use.
func (s *Session) ContinuationHandle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.continuationHandle
}

// TurnCount returns the number of turns started, including the first.
//
// Thread Safety: This method is safe for concurrent use.
func (s *Session) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnCount
}

// BeginFollowUpTurn prepares the session for a follow-up turn:
// increments the turn count and clears the per-turn error and result
// markers. Does not change status; the caller transitions to
// IN_PROGRESS separately.
//
// Thread Safety: This method is safe for concurrent use.
func (s *Session) BeginFollowUpTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnCount++
	s.errorDetail = ""
	s.turnResultSeen = false
	s.updatedAt = time.Now()
}

// TurnOutcome reports the per-turn signals the registry uses to pick a
// terminal status: whether cancel was requested, whether this turn saw
// a final result, and the captured error detail.
//
// Thread Safety: This method is safe for concurrent use.
func (s *Session) TurnOutcome() (cancelled bool, resultSeen bool, errorDetail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRequested, s.turnResultSeen, s.errorDetail
}

// Finalize marks the session immutable and closes every live feed.
// Subscribers observe the channel close as end-of-stream. Idempotent.
//
// Thread Safety: This method is safe for concurrent use.
func (s *Session) Finalize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return
	}
	s.finalized = true
	for id, feed := range s.subscribers {
		delete(s.subscribers, id)
		close(feed.ch)
	}
}

// Finalized reports whether the session has been finalized.
//
// Thread Safety: This method is safe for concurrent use.
func (s *Session) Finalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

// EventCount returns the length of the event log.
//
// Thread Safety: This method is safe for concurrent use.
func (s *Session) EventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.log)
}

// View is an immutable copy of a session's externally visible state.
type View struct {
	ID                 string         `json:"id"`
	Scenario           string         `json:"scenario,omitempty"`
	Status             Status         `json:"status"`
	TurnCount          int            `json:"turn_count"`
	StepCount          int            `json:"step_count"`
	Result             string         `json:"result,omitempty"`
	ErrorDetail        string         `json:"error_detail,omitempty"`
	ContinuationHandle string         `json:"continuation_handle,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	Events             []events.Event `json:"events,omitempty"`
}

// Snapshot returns a copy of the session state including the full log.
//
// Description:
//
//	The copy is taken under the session lock; serialization and any
//	I/O on the snapshot happen without holding it.
//
// Thread Safety: This method is safe for concurrent use.
func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := make([]events.Event, len(s.log))
	copy(log, s.log)

	return View{
		ID:                 s.id,
		Scenario:           s.scenario,
		Status:             s.status,
		TurnCount:          s.turnCount,
		StepCount:          s.stepCount,
		Result:             s.result,
		ErrorDetail:        s.errorDetail,
		ContinuationHandle: s.continuationHandle,
		CreatedAt:          s.createdAt,
		UpdatedAt:          s.updatedAt,
		Events:             log,
	}
}

// Summary returns the view without the event log, for listings.
func (v View) Summary() View {
	v.Events = nil
	return v
}
