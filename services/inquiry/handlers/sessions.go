// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers contains the gin HTTP handlers for the inquiry
// service: session lifecycle operations plus the SSE and WebSocket
// event streams.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianInquiry/services/inquiry/registry"
	"github.com/AleutianAI/AleutianInquiry/services/inquiry/session"
)

// maxQueryLength bounds user input; anything longer is rejected before
// it reaches the engine.
const maxQueryLength = 32 * 1024

// CreateInquiryRequest is the body for POST /v1/inquiries.
type CreateInquiryRequest struct {
	Query    string `json:"query" binding:"required"`
	Scenario string `json:"scenario"`
}

// FollowUpRequest is the body for POST /v1/inquiries/:id/messages.
type FollowUpRequest struct {
	Query string `json:"query" binding:"required"`
}

// ErrorResponse is the machine-readable error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError maps registry errors onto HTTP statuses with stable codes.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, registry.ErrCapacityExceeded):
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: err.Error(), Code: "capacity_exceeded"})
	case errors.Is(err, registry.ErrSessionBusy):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "session_busy"})
	case errors.Is(err, registry.ErrAlreadyTerminal):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "already_terminal"})
	case errors.Is(err, registry.ErrNoTurnInFlight):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "no_turn_in_flight"})
	case errors.Is(err, registry.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "shutting_down"})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "internal"})
	}
}

// CreateInquiry returns the handler for POST /v1/inquiries.
//
// # Description
//
// Creates a session and dispatches its first turn. Returns 201 with
// the session view; the client follows up on the stream endpoint for
// live progress.
func CreateInquiry(mgr *registry.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateInquiryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "bad_request"})
			return
		}
		if len(req.Query) > maxQueryLength {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "query too long", Code: "bad_request"})
			return
		}
		v, err := mgr.Create(req.Scenario, req.Query)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, v)
	}
}

// ListInquiries returns the handler for GET /v1/inquiries.
//
// # Description
//
// Lists active and recently finalized sessions as summaries (no event
// logs). Supports ?status= and ?scenario= filters.
func ListInquiries(mgr *registry.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := registry.ListFilter{
			Scenario: c.Query("scenario"),
		}
		if raw := c.Query("status"); raw != "" {
			st := session.Status(raw)
			if !st.Valid() {
				c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unknown status", Code: "bad_request"})
				return
			}
			filter.Status = st
		}
		views := mgr.List(filter)
		c.JSON(http.StatusOK, gin.H{
			"inquiries": views,
			"count":     len(views),
		})
	}
}

// GetInquiry returns the handler for GET /v1/inquiries/:id.
//
// # Description
//
// Returns the full session view including the event log, falling back
// to the persistent store for finalized sessions.
func GetInquiry(mgr *registry.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, err := mgr.Get(c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, v)
	}
}

// SendFollowUp returns the handler for POST /v1/inquiries/:id/messages.
//
// # Description
//
// Dispatches a follow-up turn on an idle COMPLETED session,
// rehydrating it from the store if it was idle-timeout finalized.
// Returns 409 while a turn is running and 409 for terminal sessions.
func SendFollowUp(mgr *registry.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req FollowUpRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "bad_request"})
			return
		}
		if len(req.Query) > maxQueryLength {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "query too long", Code: "bad_request"})
			return
		}
		v, err := mgr.Continue(c.Param("id"), req.Query)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, v)
	}
}

// CancelInquiry returns the handler for POST /v1/inquiries/:id/cancel.
//
// # Description
//
// Requests cooperative cancellation of the in-flight turn. The
// response acknowledges the request; the session reaches CANCELLED
// only when the engine winds down. Idempotent.
func CancelInquiry(mgr *registry.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := mgr.Cancel(id); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"id":     id,
			"status": "cancel_requested",
		})
	}
}

// DeleteInquiry returns the handler for DELETE /v1/inquiries/:id.
//
// # Description
//
// Removes a finalized session's persisted record and chunks. Active
// sessions cannot be deleted; cancel them first.
func DeleteInquiry(mgr *registry.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := mgr.Delete(c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
