// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chunk persists session snapshots through a record store whose
// per-record size is bounded. The event log is partitioned greedily
// into chunk records that stay under a byte budget; a header record
// carries the session metadata and the chunk count.
//
// Crash safety comes from write ordering, not transactions: chunks are
// written under a fresh chunk-set ID first, and the header referencing
// that set is written last. A crash mid-save leaves the old header
// intact and pointing at the old, complete chunk set; the new partial
// set is unreferenced garbage, swept on the next successful save.
package chunk

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianInquiry/services/inquiry/events"
	"github.com/AleutianAI/AleutianInquiry/services/inquiry/session"
	"github.com/AleutianAI/AleutianInquiry/services/inquiry/store"
)

// ErrEventTooLarge indicates a single event that cannot fit in any
// chunk under the store's record ceiling. The save is aborted whole;
// no partial log is ever persisted as if complete.
var ErrEventTooLarge = errors.New("event exceeds chunk budget")

// headerRecordID is the record ID of a session's header.
const headerRecordID = "header"

// chunkRecordPrefix prefixes every chunk record ID.
const chunkRecordPrefix = "chunk#"

// budgetFraction is the share of the store's record ceiling a chunk's
// serialized form may use. The slack absorbs JSON framing overhead so
// a chunk filled to budget still fits the ceiling.
const budgetFraction = 0.7

// Header is the metadata record for a persisted session. It is written
// after all chunks, so its presence implies a complete chunk set.
type Header struct {
	SessionID          string         `json:"session_id"`
	Scenario           string         `json:"scenario,omitempty"`
	Status             session.Status `json:"status"`
	TurnCount          int            `json:"turn_count"`
	StepCount          int            `json:"step_count"`
	Result             string         `json:"result,omitempty"`
	ErrorDetail        string         `json:"error_detail,omitempty"`
	ContinuationHandle string         `json:"continuation_handle,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`

	// ChunkSetID identifies the chunk set this header references.
	ChunkSetID string `json:"chunk_set_id"`

	// ChunkCount is the number of chunks in the referenced set.
	ChunkCount int `json:"chunk_count"`

	// EventCount is the total number of events across all chunks.
	EventCount int `json:"event_count"`

	// SavedAt is when this snapshot was persisted.
	SavedAt time.Time `json:"saved_at"`
}

// Codec saves and loads session snapshots through a record store.
//
// Thread Safety:
//
//	Codec is safe for concurrent use across sessions. Concurrent saves
//	of the same session must be serialized by the caller; the registry
//	does this per session.
type Codec struct {
	store  store.RecordStore
	budget int
	logger *slog.Logger
}

// Option configures a Codec.
type Option func(*Codec)

// WithBudget overrides the chunk byte budget. Values above the store's
// record ceiling are rejected at save time, not here.
func WithBudget(n int) Option {
	return func(c *Codec) {
		if n > 0 {
			c.budget = n
		}
	}
}

// WithLogger sets the logger used for sweep failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Codec) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCodec creates a codec over a record store. The default chunk
// budget is 70% of the store's record ceiling.
func NewCodec(s store.RecordStore, opts ...Option) *Codec {
	c := &Codec{
		store:  s,
		budget: int(float64(s.MaxRecordSize()) * budgetFraction),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// chunkID builds a chunk record ID. The zero-padded index keeps store
// key order equal to chunk order.
func chunkID(setID string, index int) string {
	return fmt.Sprintf("%s%s#%06d", chunkRecordPrefix, setID, index)
}

// Save persists a session snapshot.
//
// Description:
//
//	Partitions the event log greedily: events are appended to the
//	current chunk until the next one would push its serialized size
//	past the budget, then a new chunk starts. All chunks are written
//	under a fresh chunk-set ID, then the header is written last. On
//	success, chunks from superseded sets are swept best-effort.
//
// Outputs:
//
//	error - ErrEventTooLarge if any single event cannot fit in an
//	        empty chunk; otherwise the first store write error. On any
//	        error nothing referenced by a header has changed.
func (c *Codec) Save(v session.View) error {
	chunks, err := c.partition(v.Events)
	if err != nil {
		return fmt.Errorf("save session %s: %w", v.ID, err)
	}

	setID := uuid.NewString()
	for i, data := range chunks {
		rec := store.Record{
			ID:           chunkID(setID, i),
			PartitionKey: v.ID,
			Data:         data,
		}
		if err := c.store.Put(rec); err != nil {
			return fmt.Errorf("save session %s: write chunk %d/%d: %w", v.ID, i+1, len(chunks), err)
		}
	}

	header := Header{
		SessionID:          v.ID,
		Scenario:           v.Scenario,
		Status:             v.Status,
		TurnCount:          v.TurnCount,
		StepCount:          v.StepCount,
		Result:             v.Result,
		ErrorDetail:        v.ErrorDetail,
		ContinuationHandle: v.ContinuationHandle,
		CreatedAt:          v.CreatedAt,
		UpdatedAt:          v.UpdatedAt,
		ChunkSetID:         setID,
		ChunkCount:         len(chunks),
		EventCount:         len(v.Events),
		SavedAt:            time.Now(),
	}
	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("save session %s: marshal header: %w", v.ID, err)
	}
	if err := c.store.Put(store.Record{
		ID:           headerRecordID,
		PartitionKey: v.ID,
		Data:         data,
	}); err != nil {
		return fmt.Errorf("save session %s: write header: %w", v.ID, err)
	}

	c.sweep(v.ID, setID)
	return nil
}

// partition splits the event log into serialized chunks, each a JSON
// array of events no larger than the budget.
func (c *Codec) partition(log []events.Event) ([][]byte, error) {
	var chunks [][]byte

	// A chunk holding n events serializes as "[e1,...,en]": two bytes
	// of brackets plus n-1 commas of separator overhead.
	const frameOverhead = 2

	var current [][]byte
	currentSize := frameOverhead

	flush := func() {
		if len(current) == 0 {
			return
		}
		var b strings.Builder
		b.WriteByte('[')
		for i, raw := range current {
			if i > 0 {
				b.WriteByte(',')
			}
			b.Write(raw)
		}
		b.WriteByte(']')
		chunks = append(chunks, []byte(b.String()))
		current = current[:0]
		currentSize = frameOverhead
	}

	for _, ev := range log {
		raw, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("marshal event %s: %w", ev.ID, err)
		}
		if len(raw)+frameOverhead > c.budget {
			return nil, fmt.Errorf("%w: event %s is %d bytes, budget %d",
				ErrEventTooLarge, ev.ID, len(raw), c.budget)
		}
		sep := 0
		if len(current) > 0 {
			sep = 1
		}
		if currentSize+sep+len(raw) > c.budget {
			flush()
			sep = 0
		}
		current = append(current, raw)
		currentSize += sep + len(raw)
	}
	flush()

	// An empty log still persists one empty chunk so ChunkCount > 0
	// distinguishes "saved with no events" from a missing set.
	if len(chunks) == 0 {
		chunks = append(chunks, []byte("[]"))
	}
	return chunks, nil
}

// sweep deletes chunks from sets other than keepSetID. Best-effort:
// failures are logged, not returned, since orphans are unreferenced and
// a later save retries the sweep.
func (c *Codec) sweep(sessionID, keepSetID string) {
	recs, err := c.store.Query(sessionID, chunkRecordPrefix)
	if err != nil {
		c.logger.Warn("orphan chunk sweep query failed",
			"session_id", sessionID, "error", err)
		return
	}
	keep := chunkRecordPrefix + keepSetID + "#"
	for _, rec := range recs {
		if strings.HasPrefix(rec.ID, keep) {
			continue
		}
		if err := c.store.Delete(sessionID, rec.ID); err != nil {
			c.logger.Warn("orphan chunk delete failed",
				"session_id", sessionID, "record_id", rec.ID, "error", err)
		}
	}
}

// Load reads a persisted session snapshot.
//
// Description:
//
//	Reads the header, then fetches exactly the chunk set it
//	references, in index order, and reassembles the event log. If the
//	header's summary fields are empty they are re-derived from the
//	log, since the log is the source of truth.
//
// Outputs:
//
//	session.View - The reassembled snapshot.
//	error - store.ErrNotFound if no header exists; otherwise the first
//	        read or decode error.
func (c *Codec) Load(sessionID string) (session.View, error) {
	rec, err := c.store.Get(sessionID, headerRecordID)
	if err != nil {
		return session.View{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	var header Header
	if err := json.Unmarshal(rec.Data, &header); err != nil {
		return session.View{}, fmt.Errorf("load session %s: decode header: %w", sessionID, err)
	}

	log := make([]events.Event, 0, header.EventCount)
	for i := 0; i < header.ChunkCount; i++ {
		crec, err := c.store.Get(sessionID, chunkID(header.ChunkSetID, i))
		if err != nil {
			return session.View{}, fmt.Errorf("load session %s: chunk %d/%d: %w",
				sessionID, i+1, header.ChunkCount, err)
		}
		var evs []events.Event
		if err := json.Unmarshal(crec.Data, &evs); err != nil {
			return session.View{}, fmt.Errorf("load session %s: decode chunk %d: %w", sessionID, i, err)
		}
		log = append(log, evs...)
	}

	v := session.View{
		ID:                 header.SessionID,
		Scenario:           header.Scenario,
		Status:             header.Status,
		TurnCount:          header.TurnCount,
		StepCount:          header.StepCount,
		Result:             header.Result,
		ErrorDetail:        header.ErrorDetail,
		ContinuationHandle: header.ContinuationHandle,
		CreatedAt:          header.CreatedAt,
		UpdatedAt:          header.UpdatedAt,
		Events:             log,
	}
	if v.TurnCount == 0 && len(log) > 0 {
		sum := events.Summarize(log)
		v.TurnCount = sum.TurnCount
		v.StepCount = sum.StepCount
		v.Result = sum.Result
		v.ErrorDetail = sum.ErrorDetail
		v.ContinuationHandle = sum.ContinuationHandle
	}
	return v, nil
}

// Delete removes a persisted session: header first, then chunks.
//
// Description:
//
//	The header delete must succeed; once it is gone the chunks are
//	unreferenced, so chunk delete failures are logged and swallowed.
//
// Outputs:
//
//	error - Non-nil only if the header delete fails.
func (c *Codec) Delete(sessionID string) error {
	if err := c.store.Delete(sessionID, headerRecordID); err != nil {
		return fmt.Errorf("delete session %s: header: %w", sessionID, err)
	}
	recs, err := c.store.Query(sessionID, chunkRecordPrefix)
	if err != nil {
		c.logger.Warn("chunk cleanup query failed", "session_id", sessionID, "error", err)
		return nil
	}
	for _, rec := range recs {
		if err := c.store.Delete(sessionID, rec.ID); err != nil {
			c.logger.Warn("chunk cleanup delete failed",
				"session_id", sessionID, "record_id", rec.ID, "error", err)
		}
	}
	return nil
}

// Exists reports whether a persisted snapshot exists for a session.
func (c *Codec) Exists(sessionID string) (bool, error) {
	_, err := c.store.Get(sessionID, headerRecordID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
