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
	"time"

	"github.com/loqalabs/loqa-duplex-go/internal/audio"
	"github.com/loqalabs/loqa-duplex-go/internal/catalog"
)

// State is the lifecycle state of a Manager
type State int

const (
	StateIdle State = iota
	StateOpening
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Request is the configuration a caller asks for. Input is optional;
// SampleRate may be replaced by the output device's default during
// negotiation.
type Request struct {
	Input           *catalog.Device
	Output          catalog.Device
	SampleRate      int
	FramesPerBuffer int
	Latency         time.Duration
}

// clone detaches the request from any device the caller still holds
func (r Request) clone() Request {
	if r.Input != nil {
		in := *r.Input
		r.Input = &in
	}
	return r
}

// Info describes a negotiated stream configuration
type Info struct {
	InputParams     *audio.StreamParameters
	OutputParams    audio.StreamParameters
	InputDevice     *catalog.Device
	OutputDevice    catalog.Device
	SampleRate      int
	FramesPerBuffer int
	Latency         time.Duration
	HostType        audio.HostAPIType
}

func (i Info) clone() Info {
	if i.InputParams != nil {
		p := *i.InputParams
		i.InputParams = &p
	}
	if i.InputDevice != nil {
		d := *i.InputDevice
		i.InputDevice = &d
	}
	return i
}

// FinishedTask is deferred work run once after the stream fully stops
type FinishedTask func()
