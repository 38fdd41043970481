// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chunk

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianInquiry/services/inquiry/events"
	"github.com/AleutianAI/AleutianInquiry/services/inquiry/session"
	"github.com/AleutianAI/AleutianInquiry/services/inquiry/store"
)

// memStore is an in-memory RecordStore with a failpoint: it can be set
// to fail after N successful puts, simulating a crash mid-save.
type memStore struct {
	mu            sync.Mutex
	records       map[string][]byte
	maxRecordSize int

	putsRemaining int // -1 means unlimited
}

func newMemStore(maxRecordSize int) *memStore {
	return &memStore{
		records:       make(map[string][]byte),
		maxRecordSize: maxRecordSize,
		putsRemaining: -1,
	}
}

func (m *memStore) failAfter(n int) {
	m.mu.Lock()
	m.putsRemaining = n
	m.mu.Unlock()
}

func (m *memStore) key(partitionKey, id string) string {
	return partitionKey + "/" + id
}

func (m *memStore) Put(rec store.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putsRemaining == 0 {
		return fmt.Errorf("injected write failure")
	}
	if m.putsRemaining > 0 {
		m.putsRemaining--
	}
	if len(rec.Data) > m.maxRecordSize {
		return fmt.Errorf("%w: %d bytes", store.ErrRecordTooLarge, len(rec.Data))
	}
	data := make([]byte, len(rec.Data))
	copy(data, rec.Data)
	m.records[m.key(rec.PartitionKey, rec.ID)] = data
	return nil
}

func (m *memStore) Get(partitionKey, id string) (store.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.records[m.key(partitionKey, id)]
	if !ok {
		return store.Record{}, fmt.Errorf("%w: %s/%s", store.ErrNotFound, partitionKey, id)
	}
	return store.Record{ID: id, PartitionKey: partitionKey, Data: data}, nil
}

func (m *memStore) Query(partitionKey, idPrefix string) ([]store.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := m.key(partitionKey, idPrefix)
	var out []store.Record
	for key, data := range m.records {
		if strings.HasPrefix(key, prefix) {
			out = append(out, store.Record{
				ID:           strings.TrimPrefix(key, partitionKey+"/"),
				PartitionKey: partitionKey,
				Data:         data,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) Delete(partitionKey, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, m.key(partitionKey, id))
	return nil
}

func (m *memStore) MaxRecordSize() int { return m.maxRecordSize }

func (m *memStore) chunkCount(partitionKey string) int {
	recs, _ := m.Query(partitionKey, chunkRecordPrefix)
	return len(recs)
}

func makeView(id string, n int) session.View {
	now := time.Now().UTC().Truncate(time.Millisecond)
	evs := make([]events.Event, 0, n)
	for i := 0; i < n; i++ {
		ev := events.MustNew(events.KindStepCompleted, events.StepCompletedPayload{
			Description: fmt.Sprintf("step %d with some padding to take up room", i),
		})
		ev.SessionID = id
		ev.Seq = i
		evs = append(evs, ev)
	}
	return session.View{
		ID:        id,
		Scenario:  "perf",
		Status:    session.StatusCompleted,
		TurnCount: 1,
		StepCount: n,
		CreatedAt: now,
		UpdatedAt: now,
		Events:    evs,
	}
}

func TestSaveLoadRoundTripAcrossChunks(t *testing.T) {
	st := newMemStore(2048) // small ceiling forces multiple chunks
	c := NewCodec(st)

	v := makeView("sess-rt", 40)
	if err := c.Save(v); err != nil {
		t.Fatalf("save: %v", err)
	}
	if st.chunkCount("sess-rt") < 2 {
		t.Fatalf("expected a multi-chunk save, got %d chunks", st.chunkCount("sess-rt"))
	}

	got, err := c.Load("sess-rt")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Events) != len(v.Events) {
		t.Fatalf("event count = %d, want %d", len(got.Events), len(v.Events))
	}
	for i := range v.Events {
		if got.Events[i].ID != v.Events[i].ID || got.Events[i].Seq != i {
			t.Fatalf("event %d mismatch after round trip", i)
		}
	}
	if got.Status != v.Status || got.StepCount != v.StepCount || got.Scenario != v.Scenario {
		t.Errorf("metadata mismatch: %+v", got)
	}
}

func TestChunksRespectBudget(t *testing.T) {
	st := newMemStore(2048)
	c := NewCodec(st)
	if err := c.Save(makeView("sess-budget", 60)); err != nil {
		t.Fatalf("save: %v", err)
	}
	recs, err := st.Query("sess-budget", chunkRecordPrefix)
	if err != nil {
		t.Fatal(err)
	}
	budget := int(float64(st.MaxRecordSize()) * budgetFraction)
	for _, rec := range recs {
		if len(rec.Data) > budget {
			t.Errorf("chunk %s is %d bytes, budget %d", rec.ID, len(rec.Data), budget)
		}
	}
}

func TestOversizedEventAbortsSaveWhole(t *testing.T) {
	st := newMemStore(1024)
	c := NewCodec(st)

	// Persist a good version first.
	good := makeView("sess-big", 3)
	if err := c.Save(good); err != nil {
		t.Fatalf("save good: %v", err)
	}

	bad := makeView("sess-big", 2)
	bad.Events = append(bad.Events, events.MustNew(events.KindFinalResult, events.FinalResultPayload{
		Answer: strings.Repeat("x", 4096),
	}))
	err := c.Save(bad)
	if !errors.Is(err, ErrEventTooLarge) {
		t.Fatalf("save oversized: err = %v, want ErrEventTooLarge", err)
	}

	// The previous version must still load intact.
	got, err := c.Load("sess-big")
	if err != nil {
		t.Fatalf("load after failed save: %v", err)
	}
	if len(got.Events) != 3 {
		t.Errorf("previous version corrupted: %d events", len(got.Events))
	}
}

// TestCrashMidSaveKeepsPreviousVersion simulates a crash between chunk
// writes and the header write: the header still references the old,
// complete chunk set, so Load returns the previous version.
func TestCrashMidSaveKeepsPreviousVersion(t *testing.T) {
	st := newMemStore(2048)
	c := NewCodec(st)

	v1 := makeView("sess-crash", 10)
	if err := c.Save(v1); err != nil {
		t.Fatalf("save v1: %v", err)
	}

	// Allow two chunk writes of the next save, then fail everything
	// after (including the header).
	st.failAfter(2)
	v2 := makeView("sess-crash", 50)
	if err := c.Save(v2); err == nil {
		t.Fatal("save v2 should have failed")
	}
	st.failAfter(-1)

	got, err := c.Load("sess-crash")
	if err != nil {
		t.Fatalf("load after crash: %v", err)
	}
	if len(got.Events) != 10 {
		t.Fatalf("loaded %d events, want the previous version's 10", len(got.Events))
	}
	for i, ev := range got.Events {
		if ev.ID != v1.Events[i].ID {
			t.Fatalf("event %d is not from the previous version", i)
		}
	}

	// A later successful save sweeps the orphaned partial set.
	if err := c.Save(v2); err != nil {
		t.Fatalf("save v2 retry: %v", err)
	}
	got, err = c.Load("sess-crash")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Events) != 50 {
		t.Fatalf("retry loaded %d events, want 50", len(got.Events))
	}
	recs, _ := st.Query("sess-crash", chunkRecordPrefix)
	setIDs := make(map[string]bool)
	for _, rec := range recs {
		parts := strings.Split(rec.ID, "#")
		setIDs[parts[1]] = true
	}
	if len(setIDs) != 1 {
		t.Errorf("orphan sweep left %d chunk sets, want 1", len(setIDs))
	}
}

func TestSupersededChunksAreSwept(t *testing.T) {
	st := newMemStore(2048)
	c := NewCodec(st)

	if err := c.Save(makeView("sess-sweep", 40)); err != nil {
		t.Fatal(err)
	}
	first := st.chunkCount("sess-sweep")
	if err := c.Save(makeView("sess-sweep", 40)); err != nil {
		t.Fatal(err)
	}
	if got := st.chunkCount("sess-sweep"); got != first {
		t.Errorf("chunk count grew from %d to %d; old set not swept", first, got)
	}
}

func TestLoadMissingSessionReturnsNotFound(t *testing.T) {
	c := NewCodec(newMemStore(2048))
	_, err := c.Load("nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want store.ErrNotFound", err)
	}
}

func TestSaveEmptyLog(t *testing.T) {
	c := NewCodec(newMemStore(2048))
	v := makeView("sess-empty", 0)
	if err := c.Save(v); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := c.Load("sess-empty")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Events) != 0 {
		t.Errorf("events = %d, want 0", len(got.Events))
	}
	if got.Status != session.StatusCompleted {
		t.Errorf("status = %s", got.Status)
	}
}

func TestDeleteRemovesHeaderAndChunks(t *testing.T) {
	st := newMemStore(2048)
	c := NewCodec(st)
	if err := c.Save(makeView("sess-del", 30)); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete("sess-del"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := c.Load("sess-del"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("load after delete: err = %v, want not found", err)
	}
	if got := st.chunkCount("sess-del"); got != 0 {
		t.Errorf("%d chunks left after delete", got)
	}
}
