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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loqalabs/loqa-duplex-go/internal/stream"
)

// StatusSource is the part of stream.Manager the collector reads
type StatusSource interface {
	State() stream.State
	IsActive() bool
	SampleRate() int
	CPULoad() float64
}

var allStates = []stream.State{stream.StateIdle, stream.StateOpening, stream.StateRunning, stream.StateStopping}

// StatusCollector reports the manager's status at scrape time
type StatusCollector struct {
	source StatusSource

	active     *prometheus.Desc
	sampleRate *prometheus.Desc
	cpuLoad    *prometheus.Desc
	state      *prometheus.Desc
}

// NewStatusCollector creates a collector for source
func NewStatusCollector(source StatusSource) *StatusCollector {
	return &StatusCollector{
		source: source,
		active: prometheus.NewDesc("duplex_stream_active",
			"Whether the engine is running a stream", nil, nil),
		sampleRate: prometheus.NewDesc("duplex_stream_sample_rate_hertz",
			"Sample rate of the active stream, 0 when idle", nil, nil),
		cpuLoad: prometheus.NewDesc("duplex_stream_cpu_load_ratio",
			"Fraction of the callback budget in use", nil, nil),
		state: prometheus.NewDesc("duplex_stream_state",
			"Current lifecycle state", []string{"state"}, nil),
	}
}

// Describe implements prometheus.Collector
func (c *StatusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.active
	ch <- c.sampleRate
	ch <- c.cpuLoad
	ch <- c.state
}

// Collect implements prometheus.Collector
func (c *StatusCollector) Collect(ch chan<- prometheus.Metric) {
	active := 0.0
	if c.source.IsActive() {
		active = 1
	}
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, active)
	ch <- prometheus.MustNewConstMetric(c.sampleRate, prometheus.GaugeValue, float64(c.source.SampleRate()))
	ch <- prometheus.MustNewConstMetric(c.cpuLoad, prometheus.GaugeValue, c.source.CPULoad())

	current := c.source.State()
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, s.String())
	}
}
