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

package stream

// Status is a point-in-time view of a Manager, shaped for JSON
type Status struct {
	State           string  `json:"state"`
	Active          bool    `json:"active"`
	SampleRate      int     `json:"sample_rate"`
	FramesPerBuffer int     `json:"frames_per_buffer,omitempty"`
	Host            string  `json:"host,omitempty"`
	OutputDevice    string  `json:"output_device,omitempty"`
	InputDevice     string  `json:"input_device,omitempty"`
	InputChannels   int     `json:"input_channels"`
	InputLatencyMs  float64 `json:"input_latency_ms,omitempty"`
	OutputLatencyMs float64 `json:"output_latency_ms,omitempty"`
	CPULoad         float64 `json:"cpu_load"`
	StreamTimeMs    int64   `json:"stream_time_ms"`
	LastError       string  `json:"last_error,omitempty"`
}

// Status returns a consistent snapshot of the manager
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		State:     m.state.String(),
		LastError: m.lastError,
	}

	if m.active != nil {
		s.SampleRate = m.active.SampleRate
		s.FramesPerBuffer = m.active.FramesPerBuffer
		s.Host = m.active.HostType.String()
		s.OutputDevice = m.active.OutputDevice.Name
		if m.active.InputDevice != nil {
			s.InputDevice = m.active.InputDevice.Name
		}
		if m.active.InputParams != nil {
			s.InputChannels = m.active.InputParams.Channels
		}
	}

	if m.handle != nil {
		s.Active = m.handle.IsActive()
		s.CPULoad = m.handle.CPULoad()
		s.StreamTimeMs = m.handle.Time().Milliseconds()
		info := m.handle.Info()
		s.InputLatencyMs = float64(info.InputLatency.Microseconds()) / 1000
		s.OutputLatencyMs = float64(info.OutputLatency.Microseconds()) / 1000
	}

	return s
}
