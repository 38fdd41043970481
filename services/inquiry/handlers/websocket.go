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
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianInquiry/services/inquiry/events"
)

const (
	// wsWriteTimeout bounds each frame write.
	wsWriteTimeout = 10 * time.Second

	// wsCloseGracePeriod is how long to wait after a close frame.
	wsCloseGracePeriod = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Same-origin policy is enforced upstream; the service itself is
	// not internet-facing.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMessage is the wire shape of one WebSocket message.
type wsMessage struct {
	Type      string        `json:"type"`
	Event     *events.Event `json:"event,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// StreamInquiryWS returns the handler for GET /v1/inquiries/:id/ws.
//
// # Description
//
// The WebSocket twin of StreamInquiry: replays the session history,
// then forwards live events as JSON messages, with ping frames as
// heartbeats. The stream closes normally when the session finalizes.
func StreamInquiryWS(cfg StreamConfig) gin.HandlerFunc {
	cfg.applyDefaults()
	return func(c *gin.Context) {
		id := c.Param("id")
		history, feed, err := cfg.Manager.OpenStream(id)
		if err != nil {
			writeError(c, err)
			return
		}
		defer cfg.Manager.Unsubscribe(id, feed)

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			cfg.Logger.Debug("websocket upgrade failed", "session_id", id, "error", err)
			return
		}
		defer conn.Close()

		cfg.Metrics.ActiveStreams.Inc()
		defer cfg.Metrics.ActiveStreams.Dec()

		send := func(msg wsMessage) error {
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			return conn.WriteJSON(msg)
		}

		for i := range history {
			if err := send(wsMessage{Type: "event", Event: &history[i]}); err != nil {
				return
			}
		}

		if feed == nil {
			_ = send(wsMessage{Type: "done", SessionID: id})
			closeNormally(conn)
			return
		}

		// Drain client frames so close/ping handling works; the stream
		// is server-to-client only.
		clientGone := make(chan struct{})
		go func() {
			defer close(clientGone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(cfg.Heartbeat)
		defer ticker.Stop()

		for {
			select {
			case ev, ok := <-feed.Events():
				if !ok {
					_ = send(wsMessage{Type: "done", SessionID: id})
					closeNormally(conn)
					return
				}
				if err := send(wsMessage{Type: "event", Event: &ev}); err != nil {
					cfg.Logger.Debug("websocket write failed, unsubscribing",
						"session_id", id, "error", err)
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
				cfg.Metrics.HeartbeatsTotal.Inc()
			case <-clientGone:
				return
			case <-c.Request.Context().Done():
				return
			}
		}
	}
}

// closeNormally sends a close frame and gives the client a moment to
// acknowledge it.
func closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	time.Sleep(wsCloseGracePeriod)
}
