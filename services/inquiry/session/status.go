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
	"fmt"
	"sync"
)

// Status is the lifecycle status of an inquiry session.
type Status string

const (
	// StatusPending means the session exists but no worker has started.
	StatusPending Status = "PENDING"

	// StatusInProgress means a turn worker is running.
	StatusInProgress Status = "IN_PROGRESS"

	// StatusCompleted means the last turn succeeded and the session is
	// idle, awaiting a possible follow-up. Not terminal.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed means the last turn ended in error with no result.
	// Terminal.
	StatusFailed Status = "FAILED"

	// StatusCancelled means a cancel request was honored. Terminal.
	StatusCancelled Status = "CANCELLED"
)

// AllStatuses returns every defined status.
func AllStatuses() []Status {
	return []Status{StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled}
}

// IsTerminal reports whether the status permits no further turns.
func (s Status) IsTerminal() bool {
	return s == StatusFailed || s == StatusCancelled
}

// String returns the status name.
func (s Status) String() string { return string(s) }

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// StateMachine enforces valid status transitions for sessions.
//
// The transition graph:
//
//	PENDING → IN_PROGRESS      : first turn starts
//	IN_PROGRESS → COMPLETED    : turn ended successfully
//	IN_PROGRESS → FAILED       : turn ended in error with no result
//	IN_PROGRESS → CANCELLED    : cancel requested and honored
//	COMPLETED → IN_PROGRESS    : follow-up turn starts
//
// FAILED and CANCELLED are terminal; nothing leaves them.
//
// Thread Safety:
//
//	StateMachine is safe for concurrent use.
type StateMachine struct {
	mu sync.RWMutex

	// transitions maps (from, to) pairs that are valid.
	transitions map[Status]map[Status]bool
}

// NewStateMachine creates a state machine with the session transition graph.
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[Status]map[Status]bool),
	}

	for _, status := range AllStatuses() {
		sm.transitions[status] = make(map[Status]bool)
	}

	sm.addTransition(StatusPending, StatusInProgress)
	sm.addTransition(StatusInProgress, StatusCompleted)
	sm.addTransition(StatusInProgress, StatusFailed)
	sm.addTransition(StatusInProgress, StatusCancelled)
	sm.addTransition(StatusCompleted, StatusInProgress)

	return sm
}

// addTransition registers a valid transition.
func (sm *StateMachine) addTransition(from, to Status) {
	sm.transitions[from][to] = true
}

// CanTransition checks if a transition from one status to another is valid.
//
// Thread Safety: This method is safe for concurrent use.
func (sm *StateMachine) CanTransition(from, to Status) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if toMap, ok := sm.transitions[from]; ok {
		return toMap[to]
	}
	return false
}

// ValidTransitionsFrom returns all valid target statuses from a status.
//
// Thread Safety: This method is safe for concurrent use.
func (sm *StateMachine) ValidTransitionsFrom(from Status) []Status {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var result []Status
	if toMap, ok := sm.transitions[from]; ok {
		for status, valid := range toMap {
			if valid {
				result = append(result, status)
			}
		}
	}
	return result
}

// check validates a transition and returns a wrapped error if invalid.
func (sm *StateMachine) check(from, to Status) error {
	if !sm.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// DefaultStateMachine is the shared state machine instance.
var DefaultStateMachine = NewStateMachine()
