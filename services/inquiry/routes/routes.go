// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes wires the HTTP surface of the inquiry service.
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianInquiry/services/inquiry/handlers"
)

// SetupRoutes registers every route on the router.
//
// Inputs:
//
//	router - The gin engine, with middleware already attached.
//	cfg - Streaming handler dependencies (manager, metrics, logger).
//	gatherer - Prometheus gatherer backing /metrics.
func SetupRoutes(router *gin.Engine, cfg handlers.StreamConfig, gatherer prometheus.Gatherer) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":          "ok",
			"active_sessions": cfg.Manager.ActiveCount(),
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	{
		inquiries := v1.Group("/inquiries")
		{
			inquiries.POST("", handlers.CreateInquiry(cfg.Manager))
			inquiries.GET("", handlers.ListInquiries(cfg.Manager))
			inquiries.GET("/:id", handlers.GetInquiry(cfg.Manager))
			inquiries.POST("/:id/messages", handlers.SendFollowUp(cfg.Manager))
			inquiries.POST("/:id/cancel", handlers.CancelInquiry(cfg.Manager))
			inquiries.DELETE("/:id", handlers.DeleteInquiry(cfg.Manager))
			inquiries.GET("/:id/stream", handlers.StreamInquiry(cfg))
			inquiries.GET("/:id/ws", handlers.StreamInquiryWS(cfg))
		}
	}
}
