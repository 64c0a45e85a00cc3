/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package metrics exposes stream lifecycle counters and a scrape-time
// status collector to Prometheus.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/loqalabs/loqa-duplex-go/internal/stream"
)

// Metrics contains all Prometheus metrics for the duplex daemon
type Metrics struct {
	Requests        prometheus.Counter
	Opens           prometheus.Counter
	Starts          prometheus.Counter
	Errors          prometheus.Counter
	Stops           prometheus.Counter
	RateFallbacks   prometheus.Counter
	StreamDuration  prometheus.Histogram
	ControlCommands *prometheus.CounterVec

	mu        sync.Mutex
	startedAt time.Time
	now       func() time.Time
}

// NewMetrics creates and registers all metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Requests: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplex_stream_requests_total",
			Help: "Total number of stream requests issued to the manager",
		}),
		Opens: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplex_stream_opens_total",
			Help: "Total number of streams opened and about to start",
		}),
		Starts: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplex_stream_starts_total",
			Help: "Total number of streams started",
		}),
		Errors: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplex_stream_errors_total",
			Help: "Total number of failed stream requests",
		}),
		Stops: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplex_stream_stops_total",
			Help: "Total number of streams that finished",
		}),
		RateFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplex_sample_rate_fallbacks_total",
			Help: "Total number of requests that fell back to the device default sample rate",
		}),
		StreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "duplex_stream_duration_seconds",
			Help:    "Time between a stream starting and finishing",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10), // 100ms to ~7 hours
		}),
		ControlCommands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duplex_control_commands_total",
			Help: "Total number of control commands received",
		}, []string{"action", "result"}),
		now: time.Now,
	}
}

// RecordRequest increments the requests counter
func (m *Metrics) RecordRequest() {
	m.Requests.Inc()
}

// RecordControlCommand counts one control-plane command
func (m *Metrics) RecordControlCommand(action string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ControlCommands.WithLabelValues(action, result).Inc()
}

// Callbacks returns manager notifications that feed the counters
func (m *Metrics) Callbacks() stream.Callbacks {
	return stream.Callbacks{
		Error: func(string) {
			m.Errors.Inc()
		},
		SampleRateChanged: func(int) {
			m.RateFallbacks.Inc()
		},
		Starting: func() {
			m.Opens.Inc()
		},
		Started: func() {
			m.Starts.Inc()
			m.mu.Lock()
			m.startedAt = m.now()
			m.mu.Unlock()
		},
		Stopped: func() {
			m.Stops.Inc()
			m.mu.Lock()
			startedAt := m.startedAt
			m.startedAt = time.Time{}
			m.mu.Unlock()
			if !startedAt.IsZero() {
				m.StreamDuration.Observe(m.now().Sub(startedAt).Seconds())
			}
		},
	}
}
