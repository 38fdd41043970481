// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/AleutianInquiry/services/inquiry/events"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter defines the contract for writing Server-Sent Events to HTTP
// responses.
//
// # Description
//
// SSEWriter abstracts SSE serialization and writing, enabling
// testability and separation from HTTP response mechanics.
// Implementations handle the SSE wire format (event: type\ndata:
// json\n\n) internally.
//
// Each frame carries a hash chain for integrity verification: the
// frame's hash covers its payload plus the previous frame's hash, so a
// client can detect dropped or reordered frames after a reconnect.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Replay, tail, and
// heartbeat writes may come from different goroutines.
//
// # Assumptions
//
//   - Caller has set SSE headers via SetSSEHeaders before first write
type SSEWriter interface {
	// WriteEvent writes one session event as an SSE frame named after
	// the event kind. Flushes immediately.
	WriteEvent(ev events.Event) error

	// WriteError writes an error frame. The message must already be
	// sanitized; internal details are not for the client.
	WriteError(msg string) error

	// WriteDone writes the terminal frame ending the stream.
	WriteDone(sessionID string) error

	// WriteKeepAlive sends an SSE comment to keep intermediaries from
	// timing the connection out. Comments do not enter the hash chain.
	WriteKeepAlive() error
}

// =============================================================================
// Implementation
// =============================================================================

// sseFrame is the wire shape of one SSE data payload.
type sseFrame struct {
	Event     *events.Event `json:"event,omitempty"`
	Error     string        `json:"error,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Hash      string        `json:"hash"`
	PrevHash  string        `json:"prev_hash,omitempty"`
}

// sseWriter implements SSEWriter over an http.ResponseWriter.
//
// # Thread Safety
//
// Thread-safe via mutex; the hash chain stays consistent across
// concurrent writes.
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// NewSSEWriter creates an SSEWriter for the given ResponseWriter.
//
// # Outputs
//
//   - SSEWriter: Ready to write frames.
//   - error: Non-nil if the ResponseWriter does not support flushing.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// writeFrame chains, serializes, and flushes one frame.
func (w *sseWriter) writeFrame(frameType string, frame sseFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	frame.PrevHash = w.prevHash
	frame.Hash = computeFrameHash(frame)
	w.prevHash = frame.Hash

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", frameType, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// computeFrameHash computes the SHA-256 over the frame content and the
// previous hash. Called with Hash still empty.
func computeFrameHash(frame sseFrame) string {
	eventJSON := ""
	if frame.Event != nil {
		if data, err := json.Marshal(frame.Event); err == nil {
			eventJSON = string(data)
		}
	}
	hashInput := fmt.Sprintf("%s|%s|%s|%s",
		frame.PrevHash,
		eventJSON,
		frame.Error,
		frame.SessionID,
	)
	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// WriteEvent implements SSEWriter.
func (w *sseWriter) WriteEvent(ev events.Event) error {
	return w.writeFrame(string(ev.Kind), sseFrame{Event: &ev})
}

// WriteError implements SSEWriter.
func (w *sseWriter) WriteError(msg string) error {
	return w.writeFrame("error", sseFrame{Error: msg})
}

// WriteDone implements SSEWriter.
func (w *sseWriter) WriteDone(sessionID string) error {
	return w.writeFrame("done", sseFrame{SessionID: sessionID})
}

// WriteKeepAlive implements SSEWriter.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures HTTP response headers for SSE streaming.
// Must be called before writing any response body.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ SSEWriter = (*sseWriter)(nil)
