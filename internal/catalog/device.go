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

package catalog

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-duplex-go/internal/audio"
)

// OutputChannels is the fixed channel count requested for every output
const OutputChannels = 2

// DeviceType classifies a device by the directions it supports
type DeviceType int

const (
	DeviceTypeInput DeviceType = iota
	DeviceTypeOutput
	DeviceTypeInputOutput
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeInput:
		return "input"
	case DeviceTypeOutput:
		return "output"
	case DeviceTypeInputOutput:
		return "duplex"
	default:
		return "unknown"
	}
}

// Device is an immutable capability snapshot of one engine device
type Device struct {
	Index                   int
	Name                    string
	HostIndex               int
	Type                    DeviceType
	MaxInputChannels        int
	MaxOutputChannels       int
	DefaultSampleRate       float64
	DefaultLowInputLatency  time.Duration
	DefaultLowOutputLatency time.Duration
	IsLoopback              bool
}

func newDevice(d audio.DeviceDescriptor) Device {
	return Device{
		Index:                   d.Index,
		Name:                    d.Name,
		HostIndex:               d.HostIndex,
		Type:                    deviceType(d),
		MaxInputChannels:        d.MaxInputChannels,
		MaxOutputChannels:       d.MaxOutputChannels,
		DefaultSampleRate:       d.DefaultSampleRate,
		DefaultLowInputLatency:  d.DefaultLowInputLatency,
		DefaultLowOutputLatency: d.DefaultLowOutputLatency,
		IsLoopback:              d.IsLoopback,
	}
}

func deviceType(d audio.DeviceDescriptor) DeviceType {
	if d.MaxInputChannels >= 1 {
		if d.MaxOutputChannels >= 1 {
			return DeviceTypeInputOutput
		}
		return DeviceTypeInput
	}
	return DeviceTypeOutput
}

// CanInput reports whether the device can capture
func (d Device) CanInput() bool {
	return d.Type == DeviceTypeInput || d.Type == DeviceTypeInputOutput
}

// CanOutput reports whether the device can play back
func (d Device) CanOutput() bool {
	return d.Type == DeviceTypeOutput || d.Type == DeviceTypeInputOutput
}

// InputParameters builds capture parameters using every input channel
func (d Device) InputParameters(latency time.Duration) audio.StreamParameters {
	return audio.StreamParameters{
		Device:   d.Index,
		Channels: d.MaxInputChannels,
		Latency:  latency,
	}
}

// OutputParameters builds playback parameters; output is always stereo
func (d Device) OutputParameters(latency time.Duration) audio.StreamParameters {
	return audio.StreamParameters{
		Device:   d.Index,
		Channels: OutputChannels,
		Latency:  latency,
	}
}

// String returns a human-readable representation of the device
func (d Device) String() string {
	loopback := ""
	if d.IsLoopback {
		loopback = " [LOOPBACK]"
	}
	return fmt.Sprintf("%d: %s%s (%s, in: %d, out: %d, %g Hz)",
		d.Index, d.Name, loopback, d.Type, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate)
}

// Host is an immutable snapshot of one host API
type Host struct {
	Index               int
	Type                audio.HostAPIType
	Name                string
	DeviceCount         int
	DefaultInputDevice  int
	DefaultOutputDevice int
}

func newHost(h audio.HostDescriptor) Host {
	return Host{
		Index:               h.Index,
		Type:                h.Type,
		Name:                h.Name,
		DeviceCount:         h.DeviceCount,
		DefaultInputDevice:  h.DefaultInputDevice,
		DefaultOutputDevice: h.DefaultOutputDevice,
	}
}
