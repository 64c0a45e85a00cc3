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

import (
	"fmt"

	"github.com/loqalabs/loqa-duplex-go/internal/audio"
)

// FormatError reports that the engine accepted neither the requested
// sample rate nor the output device's default rate. Its message is the
// engine's text for the requested rate.
type FormatError struct {
	SampleRate   int
	FallbackRate int
	Err          error
}

func (e *FormatError) Error() string {
	return e.Err.Error()
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// negotiate resolves engine parameters for req. When the requested rate is
// rejected it retries once with the output device's default rate; there is
// no further fallback.
func (m *Manager) negotiate(req Request) (Info, error) {
	if req.SampleRate <= 0 {
		return Info{}, fmt.Errorf("invalid sample rate %d", req.SampleRate)
	}

	info := Info{
		InputDevice:     req.Input,
		OutputDevice:    req.Output,
		OutputParams:    req.Output.OutputParameters(req.Latency),
		SampleRate:      req.SampleRate,
		FramesPerBuffer: req.FramesPerBuffer,
		Latency:         req.Latency,
		HostType:        audio.HostAPIUnknown,
	}
	if req.Input != nil {
		in := req.Input.InputParameters(req.Latency)
		info.InputParams = &in
	}

	err := m.backend.IsFormatSupported(info.InputParams, info.OutputParams, float64(req.SampleRate))
	if err == nil {
		return info, nil
	}

	fallback := int(req.Output.DefaultSampleRate)
	m.logger.Warn("Requested sample rate rejected",
		"sample_rate", req.SampleRate,
		"fallback_rate", fallback,
		"error", err)

	if fallback == req.SampleRate ||
		m.backend.IsFormatSupported(info.InputParams, info.OutputParams, float64(fallback)) != nil {
		return Info{}, &FormatError{SampleRate: req.SampleRate, FallbackRate: fallback, Err: err}
	}

	info.SampleRate = fallback
	m.callbacks.emitSampleRateChanged(fallback)
	m.callbacks.emitInfo(fmt.Sprintf("Sample rate %d Hz is not supported by %s, using %d Hz instead",
		req.SampleRate, req.Output.Name, fallback))
	return info, nil
}
