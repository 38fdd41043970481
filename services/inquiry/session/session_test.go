// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianInquiry/services/inquiry/events"
)

func stepEvent(desc string) events.Event {
	return events.MustNew(events.KindStepCompleted, events.StepCompletedPayload{Description: desc})
}

func TestPushAssignsSequence(t *testing.T) {
	s := New("sess-1", "perf")
	for i := 0; i < 5; i++ {
		if err := s.Push(stepEvent(fmt.Sprintf("step %d", i))); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	v := s.Snapshot()
	if len(v.Events) != 5 {
		t.Fatalf("log length = %d, want 5", len(v.Events))
	}
	for i, ev := range v.Events {
		if ev.Seq != i {
			t.Errorf("event %d has seq %d", i, ev.Seq)
		}
		if ev.SessionID != "sess-1" {
			t.Errorf("event %d missing session id", i)
		}
	}
	if v.StepCount != 5 {
		t.Errorf("StepCount = %d, want 5", v.StepCount)
	}
}

// TestSubscribeSeesEveryEventExactlyOnce subscribes in the middle of a
// concurrent push stream and checks that the snapshot plus the feed is
// the exact push sequence with no gap and no duplicate.
func TestSubscribeSeesEveryEventExactlyOnce(t *testing.T) {
	const total = 500
	s := New("sess-atomic", "", WithFeedCapacity(total+8))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			if err := s.Push(stepEvent(fmt.Sprintf("%d", i))); err != nil {
				t.Errorf("push: %v", err)
				return
			}
		}
	}()

	// Subscribe somewhere mid-stream.
	time.Sleep(time.Millisecond)
	history, feed, err := s.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	wg.Wait()

	seen := make([]bool, total)
	mark := func(ev events.Event) {
		if ev.Seq < 0 || ev.Seq >= total {
			t.Fatalf("seq %d out of range", ev.Seq)
		}
		if seen[ev.Seq] {
			t.Fatalf("seq %d delivered twice", ev.Seq)
		}
		seen[ev.Seq] = true
	}
	for _, ev := range history {
		mark(ev)
	}
drain:
	for {
		select {
		case ev := <-feed.Events():
			mark(ev)
		default:
			break drain
		}
	}
	for i, ok := range seen {
		if !ok {
			t.Fatalf("seq %d never delivered", i)
		}
	}
	s.Unsubscribe(feed)
}

// TestSlowSubscriberIsDroppedNotTheEvent checks the backpressure rule:
// with a feed capacity of 2 and three pushes with no reader, the
// subscriber is dropped, the log keeps all three events, and other
// subscribers are unaffected.
func TestSlowSubscriberIsDroppedNotTheEvent(t *testing.T) {
	drops := 0
	s := New("sess-slow", "", WithFeedCapacity(2), WithDropHook(func() { drops++ }))

	_, slow, err := s.Subscribe()
	if err != nil {
		t.Fatalf("subscribe slow: %v", err)
	}
	_, healthy, err := s.Subscribe()
	if err != nil {
		t.Fatalf("subscribe healthy: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := s.Push(stepEvent(fmt.Sprintf("%d", i))); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
		// Keep the healthy subscriber drained.
		<-healthy.Events()
	}

	if got := s.EventCount(); got != 3 {
		t.Errorf("log length = %d, the durable log must never drop", got)
	}
	if got := s.SubscriberCount(); got != 1 {
		t.Errorf("subscriber count = %d, want the slow one gone", got)
	}
	if drops != 1 {
		t.Errorf("drop hook fired %d times, want 1", drops)
	}

	// The dropped feed's channel is closed after its buffered backlog.
	for i := 0; i < 2; i++ {
		if _, ok := <-slow.Events(); !ok {
			t.Fatalf("expected 2 buffered events before close, got close at %d", i)
		}
	}
	if _, ok := <-slow.Events(); ok {
		t.Error("dropped feed channel should be closed")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	s := New("sess-unsub", "")
	_, feed, err := s.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	s.Unsubscribe(feed)
	s.Unsubscribe(feed) // must not panic on double close
	s.Unsubscribe(nil)
}

func TestFinalizeClosesFeedsAndFreezesSession(t *testing.T) {
	s := New("sess-final", "")
	_, feed, err := s.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	s.Finalize()
	s.Finalize() // idempotent

	if _, ok := <-feed.Events(); ok {
		t.Error("feed should be closed by finalize")
	}
	if err := s.Push(stepEvent("late")); !errors.Is(err, ErrSessionFinalized) {
		t.Errorf("push after finalize: err = %v, want ErrSessionFinalized", err)
	}
	if _, _, err := s.Subscribe(); !errors.Is(err, ErrSessionFinalized) {
		t.Errorf("subscribe after finalize: err = %v, want ErrSessionFinalized", err)
	}
	if err := s.Transition(StatusInProgress); !errors.Is(err, ErrSessionFinalized) {
		t.Errorf("transition after finalize: err = %v, want ErrSessionFinalized", err)
	}
}

func TestRequestCancelIsSetOnce(t *testing.T) {
	s := New("sess-cancel", "")
	if !s.RequestCancel() {
		t.Fatal("first cancel should report true")
	}
	if s.RequestCancel() {
		t.Error("second cancel should report false")
	}
	if !s.CancelRequested() {
		t.Error("flag should stay set")
	}
}

func TestContinuationHandleIsSetOnce(t *testing.T) {
	s := New("sess-handle", "")
	if err := s.Push(events.MustNew(events.KindTurnStarted, events.TurnStartedPayload{ContinuationHandle: "h-1"})); err != nil {
		t.Fatal(err)
	}
	if err := s.Push(events.MustNew(events.KindTurnStarted, events.TurnStartedPayload{ContinuationHandle: "h-2"})); err != nil {
		t.Fatal(err)
	}
	if got := s.ContinuationHandle(); got != "h-1" {
		t.Errorf("ContinuationHandle = %q, want the first one", got)
	}
}

func TestBeginFollowUpTurnResetsTurnState(t *testing.T) {
	s := New("sess-followup", "")
	if err := s.Transition(StatusInProgress); err != nil {
		t.Fatal(err)
	}
	s.Push(events.MustNew(events.KindError, events.ErrorPayload{Error: "boom"}))
	if err := s.Transition(StatusCompleted); err != nil {
		t.Fatal(err)
	}

	s.BeginFollowUpTurn()
	if err := s.Transition(StatusInProgress); err != nil {
		t.Fatalf("follow-up transition: %v", err)
	}

	cancelled, resultSeen, errDetail := s.TurnOutcome()
	if cancelled || resultSeen || errDetail != "" {
		t.Errorf("turn state not reset: cancelled=%v resultSeen=%v err=%q",
			cancelled, resultSeen, errDetail)
	}
	if got := s.TurnCount(); got != 2 {
		t.Errorf("TurnCount = %d, want 2", got)
	}
}

func TestRestoreRederivesFromLog(t *testing.T) {
	orig := New("sess-restore", "memory-leak")
	orig.Transition(StatusInProgress)
	orig.Push(events.MustNew(events.KindTurnStarted, events.TurnStartedPayload{ContinuationHandle: "h-9"}))
	orig.Push(stepEvent("inspect heap"))
	orig.Push(events.MustNew(events.KindFinalResult, events.FinalResultPayload{Answer: "goroutine leak"}))
	orig.Transition(StatusCompleted)
	v := orig.Snapshot()

	r := Restore(v)
	if r.Status() != StatusCompleted {
		t.Errorf("restored status = %s", r.Status())
	}
	if got := r.ContinuationHandle(); got != "h-9" {
		t.Errorf("restored handle = %q", got)
	}
	rv := r.Snapshot()
	if rv.StepCount != 1 || rv.Result != "goroutine leak" {
		t.Errorf("restored caches wrong: %+v", rv)
	}
	if len(rv.Events) != 3 {
		t.Errorf("restored log length = %d", len(rv.Events))
	}
	// Sequence continues where it left off.
	if err := r.Push(stepEvent("again")); err != nil {
		t.Fatal(err)
	}
	if got := r.Snapshot().Events[3].Seq; got != 3 {
		t.Errorf("next seq = %d, want 3", got)
	}
}
