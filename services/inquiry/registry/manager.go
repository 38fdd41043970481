// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry owns the set of live inquiry sessions: creation
// under a capacity cap, turn dispatch to the reasoning engine,
// cooperative cancellation, idle-timeout finalization, and the
// persist-then-evict path through the chunk codec.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianInquiry/services/inquiry/engine"
	"github.com/AleutianAI/AleutianInquiry/services/inquiry/events"
	"github.com/AleutianAI/AleutianInquiry/services/inquiry/observability"
	"github.com/AleutianAI/AleutianInquiry/services/inquiry/session"
	"github.com/AleutianAI/AleutianInquiry/services/inquiry/store"
)

// Persister saves and loads session snapshots. Satisfied by
// *chunk.Codec.
type Persister interface {
	Save(v session.View) error
	Load(sessionID string) (session.View, error)
	Delete(sessionID string) error
}

// Config holds the registry's tunables.
type Config struct {
	// MaxActiveSessions caps how many sessions may be live at once.
	// Enforced at create time only; sessions already running are never
	// evicted to make room.
	MaxActiveSessions int

	// IdleTimeout is how long a COMPLETED session may sit idle before
	// it is persisted and evicted.
	IdleTimeout time.Duration

	// FeedCapacity is the buffered capacity of subscriber feeds.
	FeedCapacity int

	// RecentCacheSize bounds the in-memory cache of recently finalized
	// session views.
	RecentCacheSize int
}

// ApplyDefaults fills zero fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.MaxActiveSessions <= 0 {
		c.MaxActiveSessions = 25
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.FeedCapacity <= 0 {
		c.FeedCapacity = session.DefaultFeedCapacity
	}
	if c.RecentCacheSize <= 0 {
		c.RecentCacheSize = 64
	}
}

// ListFilter selects sessions for List. Zero values match everything.
type ListFilter struct {
	Status   session.Status
	Scenario string
}

// Manager is the session registry.
//
// Thread Safety:
//
//	Manager is safe for concurrent use. The manager lock guards the
//	registry maps only; it is never held across persistence I/O or
//	while holding a session's lock.
type Manager struct {
	mu         sync.Mutex
	active     map[string]*session.Session
	idleTimers map[string]*time.Timer
	finalizing map[string]bool
	recent     *recentCache
	closed     bool

	cfg       Config
	eng       engine.Engine
	persister Persister
	metrics   *observability.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer

	wg         sync.WaitGroup
	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// NewManager creates a registry.
//
// Inputs:
//
//	cfg - Tunables; zero fields get defaults.
//	eng - The reasoning engine that runs turns.
//	persister - Snapshot persistence, typically a chunk codec.
//	metrics - Service metrics.
//	logger - Structured logger.
func NewManager(cfg Config, eng engine.Engine, persister Persister, metrics *observability.Metrics, logger *slog.Logger) *Manager {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		active:     make(map[string]*session.Session),
		idleTimers: make(map[string]*time.Timer),
		finalizing: make(map[string]bool),
		recent:     newRecentCache(cfg.RecentCacheSize),
		cfg:        cfg,
		eng:        eng,
		persister:  persister,
		metrics:    metrics,
		logger:     logger,
		tracer:     otel.Tracer("aleutian/inquiry/registry"),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// newSession builds a session wired to the registry's logger and metrics.
func (m *Manager) newSession(id, scenario string) *session.Session {
	return session.New(id, scenario,
		session.WithFeedCapacity(m.cfg.FeedCapacity),
		session.WithLogger(m.logger),
		session.WithDropHook(m.metrics.SubscriberDropsTotal.Inc),
	)
}

// Create starts a new session and dispatches its first turn.
//
// Description:
//
//	The capacity cap is checked and the session registered under one
//	critical section, so concurrent creates cannot overshoot the cap.
//
// Outputs:
//
//	session.View - Snapshot of the new session (IN_PROGRESS).
//	error - ErrCapacityExceeded at the cap, ErrShuttingDown during
//	        shutdown.
func (m *Manager) Create(scenario, query string) (session.View, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return session.View{}, ErrShuttingDown
	}
	if len(m.active) >= m.cfg.MaxActiveSessions {
		n := len(m.active)
		m.mu.Unlock()
		return session.View{}, fmt.Errorf("%w: %d active", ErrCapacityExceeded, n)
	}
	s := m.newSession(uuid.NewString(), scenario)
	m.active[s.ID()] = s
	m.metrics.ActiveSessions.Set(float64(len(m.active)))
	m.mu.Unlock()

	m.metrics.SessionsCreatedTotal.Inc()
	if err := s.Transition(session.StatusInProgress); err != nil {
		// Unreachable from PENDING; kept as a guard.
		return session.View{}, err
	}
	m.pushStatus(s, session.StatusInProgress, "turn started")
	m.startTurn(s, query)
	return s.Snapshot(), nil
}

// Continue dispatches a follow-up turn on an existing session.
//
// Description:
//
//	Works on an active COMPLETED session directly. A session that was
//	idle-timeout finalized is rehydrated from the store, subject to
//	the same capacity cap as create; its continuation handle survives
//	the round trip, so the engine resumes the same conversation.
//
// Outputs:
//
//	session.View - Snapshot after the turn is dispatched.
//	error - ErrNotFound, ErrSessionBusy if a turn is in flight or the
//	        session is being finalized, ErrAlreadyTerminal,
//	        ErrCapacityExceeded (rehydration), ErrShuttingDown.
func (m *Manager) Continue(id, query string) (session.View, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return session.View{}, ErrShuttingDown
	}
	s, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return m.continueFromStore(id, query)
	}
	if m.finalizing[id] {
		m.mu.Unlock()
		return session.View{}, fmt.Errorf("%w: finalizing", ErrSessionBusy)
	}
	m.mu.Unlock()

	// The idle timer stays armed until the follow-up claim succeeds: it
	// doubles as the persist retry for a session whose save failed, and
	// a rejected follow-up must not cancel that retry.
	v, err := m.dispatchFollowUp(s, query)
	if err != nil {
		return session.View{}, err
	}
	m.stopIdleTimer(id)
	return v, nil
}

// stopIdleTimer cancels a session's pending idle timer, if any.
func (m *Manager) stopIdleTimer(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.idleTimers[id]; t != nil {
		t.Stop()
		delete(m.idleTimers, id)
	}
}

// dispatchFollowUp validates status and starts the turn. The COMPLETED
// to IN_PROGRESS transition doubles as the claim: if two follow-ups
// race, exactly one transition succeeds.
func (m *Manager) dispatchFollowUp(s *session.Session, query string) (session.View, error) {
	st := s.Status()
	if st.IsTerminal() {
		return session.View{}, fmt.Errorf("%w: %s", ErrAlreadyTerminal, st)
	}
	if err := s.Transition(session.StatusInProgress); err != nil {
		return session.View{}, fmt.Errorf("%w: status %s", ErrSessionBusy, st)
	}
	s.BeginFollowUpTurn()
	m.pushStatus(s, session.StatusInProgress, "follow-up turn started")
	m.startTurn(s, query)
	return s.Snapshot(), nil
}

// continueFromStore rehydrates a persisted session for a follow-up turn.
func (m *Manager) continueFromStore(id, query string) (session.View, error) {
	v, err := m.persister.Load(id)
	if errors.Is(err, store.ErrNotFound) {
		return session.View{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return session.View{}, fmt.Errorf("rehydrate %s: %w", id, err)
	}
	if v.Status.IsTerminal() {
		return session.View{}, fmt.Errorf("%w: %s", ErrAlreadyTerminal, v.Status)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return session.View{}, ErrShuttingDown
	}
	if _, ok := m.active[id]; ok {
		// Raced with another rehydration.
		m.mu.Unlock()
		return session.View{}, fmt.Errorf("%w: rehydration race", ErrSessionBusy)
	}
	if len(m.active) >= m.cfg.MaxActiveSessions {
		n := len(m.active)
		m.mu.Unlock()
		return session.View{}, fmt.Errorf("%w: %d active", ErrCapacityExceeded, n)
	}
	s := session.Restore(v,
		session.WithFeedCapacity(m.cfg.FeedCapacity),
		session.WithLogger(m.logger),
		session.WithDropHook(m.metrics.SubscriberDropsTotal.Inc),
	)
	m.active[id] = s
	m.recent.remove(id)
	m.metrics.ActiveSessions.Set(float64(len(m.active)))
	m.mu.Unlock()

	return m.dispatchFollowUp(s, query)
}

// Cancel requests cooperative cancellation of the in-flight turn.
//
// Description:
//
//	Sets the session's cancel flag and immediately pushes a
//	status_changed feedback event, so stream observers see the request
//	acknowledged before the engine winds down. Idempotent: repeated
//	cancels succeed without duplicating the feedback event.
//
// Outputs:
//
//	error - ErrNotFound, ErrAlreadyTerminal for FAILED/CANCELLED,
//	        ErrNoTurnInFlight for an idle or persisted session.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	s, ok := m.active[id]
	m.mu.Unlock()

	if !ok {
		v, err := m.lookupInactive(id)
		if err != nil {
			return err
		}
		if v.Status.IsTerminal() {
			return fmt.Errorf("%w: %s", ErrAlreadyTerminal, v.Status)
		}
		return fmt.Errorf("%w: session persisted, no turn running", ErrNoTurnInFlight)
	}

	st := s.Status()
	if st.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, st)
	}
	if st != session.StatusInProgress && st != session.StatusPending {
		return fmt.Errorf("%w: status %s", ErrNoTurnInFlight, st)
	}
	if s.RequestCancel() {
		m.pushStatus(s, st, "cancel requested, winding down")
	}
	return nil
}

// Get returns a session view: active registry first, then the recent
// cache, then the store.
//
// Outputs:
//
//	session.View - Full view including the event log.
//	error - ErrNotFound if the session exists nowhere.
func (m *Manager) Get(id string) (session.View, error) {
	m.mu.Lock()
	s, ok := m.active[id]
	m.mu.Unlock()
	if ok {
		return s.Snapshot(), nil
	}
	return m.lookupInactive(id)
}

// lookupInactive checks the recent cache and then the store.
func (m *Manager) lookupInactive(id string) (session.View, error) {
	if v, ok := m.recent.get(id); ok {
		return v, nil
	}
	v, err := m.persister.Load(id)
	if errors.Is(err, store.ErrNotFound) {
		return session.View{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return session.View{}, err
	}
	return v, nil
}

// List returns summaries (no event logs) of active and recently
// finalized sessions matching the filter, newest first.
func (m *Manager) List(filter ListFilter) []session.View {
	m.mu.Lock()
	sessions := make([]*session.Session, 0, len(m.active))
	for _, s := range m.active {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	seen := make(map[string]bool, len(sessions))
	var out []session.View
	for _, s := range sessions {
		v := s.Snapshot().Summary()
		seen[v.ID] = true
		if filter.matches(v) {
			out = append(out, v)
		}
	}
	for _, v := range m.recent.all() {
		if seen[v.ID] {
			continue
		}
		v = v.Summary()
		if filter.matches(v) {
			out = append(out, v)
		}
	}

	sortViewsByUpdatedAt(out)
	return out
}

func (f ListFilter) matches(v session.View) bool {
	if f.Status != "" && v.Status != f.Status {
		return false
	}
	if f.Scenario != "" && v.Scenario != f.Scenario {
		return false
	}
	return true
}

// sortViewsByUpdatedAt orders views newest first.
func sortViewsByUpdatedAt(views []session.View) {
	sort.Slice(views, func(i, j int) bool {
		return views[i].UpdatedAt.After(views[j].UpdatedAt)
	})
}

// Delete removes a persisted session and its chunks.
//
// Outputs:
//
//	error - ErrSessionBusy if the session is still active (finalize it
//	        first), ErrNotFound if it exists nowhere.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	_, active := m.active[id]
	m.mu.Unlock()
	if active {
		return fmt.Errorf("%w: cannot delete an active session", ErrSessionBusy)
	}

	_, inRecent := m.recent.get(id)
	if !inRecent {
		if _, err := m.persister.Load(id); errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
	}
	if err := m.persister.Delete(id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	m.recent.remove(id)
	return nil
}

// OpenStream subscribes to a session's event stream.
//
// Description:
//
//	For an active session the history snapshot and live feed come from
//	one atomic subscribe. For a finalized session the full persisted
//	log is returned with a nil feed; the caller replays it and ends
//	the stream.
//
// Outputs:
//
//	[]events.Event - History to replay.
//	*session.Feed - Live feed, or nil when the session is finalized.
//	error - ErrNotFound.
func (m *Manager) OpenStream(id string) ([]events.Event, *session.Feed, error) {
	m.mu.Lock()
	s, ok := m.active[id]
	m.mu.Unlock()
	if ok {
		history, feed, err := s.Subscribe()
		if err == nil {
			return history, feed, nil
		}
		// Finalized between lookup and subscribe; serve the snapshot.
	}
	v, err := m.lookupInactive(id)
	if err != nil {
		return nil, nil, err
	}
	return v.Events, nil, nil
}

// Unsubscribe releases a live feed obtained from OpenStream.
func (m *Manager) Unsubscribe(id string, feed *session.Feed) {
	if feed == nil {
		return
	}
	m.mu.Lock()
	s, ok := m.active[id]
	m.mu.Unlock()
	if ok {
		s.Unsubscribe(feed)
	}
}

// ActiveCount returns the number of sessions in the active registry.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Shutdown drains the registry.
//
// Description:
//
//	Stops accepting work, cancels the root context so engines wind
//	down, waits for turn workers up to the context deadline, then
//	persists every remaining active session. In-flight turns that did
//	not finish are marked FAILED with an explanatory error event
//	before persisting; nothing is lost silently.
//
// Outputs:
//
//	error - Context error if workers did not drain in time, or the
//	        first persistence error.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id, t := range m.idleTimers {
		t.Stop()
		delete(m.idleTimers, id)
	}
	m.mu.Unlock()

	m.rootCancel()

	drained := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(drained)
	}()
	var drainErr error
	select {
	case <-drained:
	case <-ctx.Done():
		drainErr = fmt.Errorf("shutdown: workers did not drain: %w", ctx.Err())
	}

	m.mu.Lock()
	remaining := make([]*session.Session, 0, len(m.active))
	for _, s := range m.active {
		remaining = append(remaining, s)
	}
	m.mu.Unlock()

	g := new(errgroup.Group)
	g.SetLimit(4)
	for _, s := range remaining {
		s := s
		g.Go(func() error {
			m.failForShutdown(s)
			return m.finalizeSession(s, "shutdown")
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return drainErr
}

// failForShutdown marks a still-running session FAILED with an
// explanatory event. Idle COMPLETED sessions are left as they are.
func (m *Manager) failForShutdown(s *session.Session) {
	st := s.Status()
	if st != session.StatusInProgress && st != session.StatusPending {
		return
	}
	if st == session.StatusPending {
		// FAILED is only reachable through IN_PROGRESS.
		if err := s.Transition(session.StatusInProgress); err != nil {
			return
		}
	}
	m.pushEvent(s, events.MustNew(events.KindError, events.ErrorPayload{
		Error: "service shut down before the turn completed",
		Code:  "shutdown",
	}))
	if err := s.Transition(session.StatusFailed); err != nil {
		m.logger.Warn("shutdown transition failed", "session_id", s.ID(), "error", err)
		return
	}
	m.pushStatus(s, session.StatusFailed, "service shutting down")
}

// =============================================================================
// Finalization
// =============================================================================

// claimFinalize marks a session as being finalized. At most one
// finalizer can hold the claim; Continue refuses follow-ups while it
// is held.
func (m *Manager) claimFinalize(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalizing[id] {
		return false
	}
	if _, ok := m.active[id]; !ok {
		return false
	}
	m.finalizing[id] = true
	return true
}

func (m *Manager) releaseFinalize(id string) {
	m.mu.Lock()
	delete(m.finalizing, id)
	m.mu.Unlock()
}

// finalizeSession persists a session and evicts it from the registry.
//
// Description:
//
//	Snapshot is taken under the session lock, the save runs outside
//	any lock, and eviction happens only after the save succeeds. On a
//	save failure the session simply stays active with an idle timer
//	armed for retry; no state was mutated for the save, so there is
//	nothing to roll back.
func (m *Manager) finalizeSession(s *session.Session, reason string) error {
	if !m.claimFinalize(s.ID()) {
		return nil
	}
	return m.finalizeClaimed(s, reason)
}

// armIdleTimer schedules idle finalization for a session.
func (m *Manager) armIdleTimer(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, ok := m.active[id]; !ok {
		return
	}
	if t := m.idleTimers[id]; t != nil {
		t.Stop()
	}
	m.idleTimers[id] = time.AfterFunc(m.cfg.IdleTimeout, func() { m.onIdle(id) })
}

// onIdle fires when a session's idle timer expires.
//
// Description:
//
//	Claims finalization before checking status, so a follow-up that
//	raced in and moved the session back to IN_PROGRESS wins: the claim
//	is released and the session keeps running. A follow-up arriving
//	after the claim sees ErrSessionBusy and can retry against the
//	store once finalization lands.
func (m *Manager) onIdle(id string) {
	m.mu.Lock()
	s, ok := m.active[id]
	delete(m.idleTimers, id)
	if !ok || m.closed || m.finalizing[id] {
		m.mu.Unlock()
		return
	}
	m.finalizing[id] = true
	m.mu.Unlock()

	st := s.Status()
	if st == session.StatusInProgress || st == session.StatusPending {
		m.releaseFinalize(id)
		return
	}

	m.finalizeClaimed(s, "idle_timeout")
}

// finalizeClaimed is finalizeSession for a caller that already holds
// the claim.
func (m *Manager) finalizeClaimed(s *session.Session, reason string) error {
	id := s.ID()
	v := s.Snapshot()
	if err := m.persister.Save(v); err != nil {
		m.metrics.PersistFailuresTotal.Inc()
		m.logger.Error("session persist failed, keeping session active",
			"session_id", id, "reason", reason, "error", err)
		m.releaseFinalize(id)
		m.armIdleTimer(id)
		return fmt.Errorf("persist %s: %w", id, err)
	}

	m.mu.Lock()
	delete(m.active, id)
	delete(m.finalizing, id)
	if t := m.idleTimers[id]; t != nil {
		t.Stop()
		delete(m.idleTimers, id)
	}
	m.metrics.ActiveSessions.Set(float64(len(m.active)))
	m.mu.Unlock()

	s.Finalize()
	m.recent.add(v)
	m.metrics.FinalizedTotal.WithLabelValues(reason).Inc()
	m.logger.Info("session finalized",
		"session_id", id, "reason", reason, "status", v.Status, "events", len(v.Events))
	return nil
}

// =============================================================================
// Event helpers
// =============================================================================

// pushEvent appends an event to the session log, counting it.
func (m *Manager) pushEvent(s *session.Session, ev events.Event) {
	if err := s.Push(ev); err != nil {
		m.logger.Warn("event push failed",
			"session_id", s.ID(), "kind", ev.Kind, "error", err)
		return
	}
	m.metrics.EventsPushedTotal.Inc()
}

// pushStatus pushes a status_changed feedback event.
func (m *Manager) pushStatus(s *session.Session, st session.Status, detail string) {
	m.pushEvent(s, events.MustNew(events.KindStatusChanged, events.StatusChangedPayload{
		Status: st.String(),
		Detail: detail,
	}))
}
