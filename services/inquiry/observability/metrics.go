// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability holds the Prometheus metrics for the inquiry
// service.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "aleutian"
	subsystem = "inquiry"
)

// Metrics holds every metric the inquiry service exposes. Constructed
// against an explicit registerer so tests can use isolated registries.
type Metrics struct {
	// ActiveSessions is the number of sessions currently in the
	// active registry.
	ActiveSessions prometheus.Gauge

	// SessionsCreatedTotal counts sessions created.
	SessionsCreatedTotal prometheus.Counter

	// TurnsTotal counts completed turns by outcome
	// (success, error, cancelled).
	TurnsTotal *prometheus.CounterVec

	// EventsPushedTotal counts events appended to session logs.
	EventsPushedTotal prometheus.Counter

	// SubscriberDropsTotal counts subscribers dropped for falling
	// behind their feed capacity.
	SubscriberDropsTotal prometheus.Counter

	// PersistFailuresTotal counts failed session snapshot saves.
	PersistFailuresTotal prometheus.Counter

	// FinalizedTotal counts finalized sessions by reason
	// (terminal, idle_timeout, shutdown, capacity).
	FinalizedTotal *prometheus.CounterVec

	// ActiveStreams is the number of open SSE/WebSocket streams.
	ActiveStreams prometheus.Gauge

	// HeartbeatsTotal counts stream heartbeats written.
	HeartbeatsTotal prometheus.Counter
}

// NewMetrics creates and registers the service metrics.
//
// Inputs:
//
//	reg - Registerer to attach to; prometheus.DefaultRegisterer in
//	      production, a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_sessions",
			Help:      "Number of sessions currently held in the active registry.",
		}),
		SessionsCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_created_total",
			Help:      "Total sessions created.",
		}),
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "turns_total",
			Help:      "Total completed turns by outcome.",
		}, []string{"outcome"}),
		EventsPushedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_pushed_total",
			Help:      "Total events appended to session logs.",
		}),
		SubscriberDropsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "subscriber_drops_total",
			Help:      "Total subscribers dropped for falling behind.",
		}),
		PersistFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "persist_failures_total",
			Help:      "Total failed session snapshot saves.",
		}),
		FinalizedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "finalized_total",
			Help:      "Total finalized sessions by reason.",
		}, []string{"reason"}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_streams",
			Help:      "Number of open event streams.",
		}),
		HeartbeatsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "heartbeats_total",
			Help:      "Total stream heartbeats written.",
		}),
	}
}
