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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianInquiry/services/inquiry/observability"
	"github.com/AleutianAI/AleutianInquiry/services/inquiry/registry"
)

// DefaultHeartbeatInterval is how often keepalive comments are sent on
// an otherwise quiet stream.
const DefaultHeartbeatInterval = 15 * time.Second

// StreamConfig holds the streaming handlers' dependencies.
type StreamConfig struct {
	Manager   *registry.Manager
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	Heartbeat time.Duration
}

func (cfg *StreamConfig) applyDefaults() {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeatInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
}

// StreamInquiry returns the handler for GET /v1/inquiries/:id/stream.
//
// # Description
//
// Streams a session's events over SSE: first the full history (the
// atomic subscribe snapshot), then live events as they arrive, with
// keepalive comments on quiet stretches. Delivery is at-least-once
// across reconnects; clients deduplicate by event ID. The stream ends
// with a done frame when the session finalizes, or silently when the
// client disconnects.
//
// A client that cannot keep up is dropped by the session rather than
// allowed to stall other subscribers; the drop surfaces here as a
// closed feed.
func StreamInquiry(cfg StreamConfig) gin.HandlerFunc {
	cfg.applyDefaults()
	return func(c *gin.Context) {
		id := c.Param("id")
		history, feed, err := cfg.Manager.OpenStream(id)
		if err != nil {
			writeError(c, err)
			return
		}
		defer cfg.Manager.Unsubscribe(id, feed)

		SetSSEHeaders(c.Writer)
		writer, err := NewSSEWriter(c.Writer)
		if err != nil {
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error: "streaming not supported", Code: "internal",
			})
			return
		}

		cfg.Metrics.ActiveStreams.Inc()
		defer cfg.Metrics.ActiveStreams.Dec()

		for _, ev := range history {
			if err := writer.WriteEvent(ev); err != nil {
				cfg.Logger.Debug("stream replay write failed",
					"session_id", id, "error", err)
				return
			}
		}

		// Finalized session: replay only.
		if feed == nil {
			_ = writer.WriteDone(id)
			return
		}

		ticker := time.NewTicker(cfg.Heartbeat)
		defer ticker.Stop()

		clientGone := c.Request.Context().Done()
		for {
			select {
			case ev, ok := <-feed.Events():
				if !ok {
					// Session finalized or this feed was dropped.
					_ = writer.WriteDone(id)
					return
				}
				if err := writer.WriteEvent(ev); err != nil {
					cfg.Logger.Debug("stream write failed, unsubscribing",
						"session_id", id, "error", err)
					return
				}
			case <-ticker.C:
				if err := writer.WriteKeepAlive(); err != nil {
					return
				}
				cfg.Metrics.HeartbeatsTotal.Inc()
			case <-clientGone:
				return
			}
		}
	}
}
