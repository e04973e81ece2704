// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics for the bot edge service.
//
// # Description
//
// Prometheus counters and gauges for the public chat surface: request
// volume by endpoint and status, auth rejections, and live WebSocket
// connections. Exposed on /metrics via promhttp.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal
// locking. The daily request tally carries its own mutex.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "tidepool"

const botSubsystem = "bot"

// Metrics holds the Prometheus instruments for the edge service.
//
// # Fields
//
//   - ChatRequestsTotal: Chat requests by endpoint and status.
//     Labels: endpoint (chat, bot_chat, chat_ws), status (ok, error,
//     rejected)
//   - AuthFailuresTotal: Secret-check rejections by reason.
//     Labels: reason (missing, invalid)
//   - ActiveWebsockets: Currently open chat WebSocket connections.
type Metrics struct {
	ChatRequestsTotal *prometheus.CounterVec
	AuthFailuresTotal *prometheus.CounterVec
	ActiveWebsockets  prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// InitMetrics registers the edge metrics with the default Prometheus
// registry and returns the shared instance. Safe to call more than
// once; registration happens on the first call only.
func InitMetrics() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = &Metrics{
			ChatRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: botSubsystem,
					Name:      "chat_requests_total",
					Help:      "Chat requests by endpoint and status",
				},
				[]string{"endpoint", "status"},
			),
			AuthFailuresTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: botSubsystem,
					Name:      "auth_failures_total",
					Help:      "Service-secret rejections by reason",
				},
				[]string{"reason"},
			),
			ActiveWebsockets: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: metricsNamespace,
					Subsystem: botSubsystem,
					Name:      "active_websockets",
					Help:      "Open chat WebSocket connections",
				},
			),
		}
	})
	return defaultMetrics
}

// =============================================================================
// Daily Request Tally
// =============================================================================

// DailyCounter tracks how many chat requests the process served today
// (UTC). It backs the daily_requests_used health field; the value
// resets when the date rolls over and is not persisted across
// restarts.
type DailyCounter struct {
	mu    sync.Mutex
	day   string
	count int64
	now   func() time.Time
}

// NewDailyCounter builds a counter on the real clock.
func NewDailyCounter() *DailyCounter {
	return &DailyCounter{now: time.Now}
}

// Increment records one served request and returns the new total for
// the current day.
func (d *DailyCounter) Increment() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollLocked()
	d.count++
	return d.count
}

// Used returns the number of requests served so far today.
func (d *DailyCounter) Used() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollLocked()
	return d.count
}

func (d *DailyCounter) rollLocked() {
	today := d.now().UTC().Format(time.DateOnly)
	if d.day != today {
		d.day = today
		d.count = 0
	}
}
