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
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-duplex-go/internal/catalog"
)

// DefaultInput selects the default input device in a DeviceSpec
const DefaultInput = "default"

var ErrDeviceNotFound = errors.New("device not found")

// DeviceSpec names a stream configuration the way an operator types it.
// Zero values pick defaults: the default output device, no input, the
// output device's default rate and its default low latency.
type DeviceSpec struct {
	Host            string
	Input           string
	Output          string
	SampleRate      int
	FramesPerBuffer int
	Latency         time.Duration
}

// Resolve turns spec into a Request using the devices in c
func Resolve(c *catalog.Catalog, spec DeviceSpec) (Request, error) {
	var host *catalog.Host
	if spec.Host != "" {
		h, ok := c.HostByName(spec.Host)
		if !ok {
			return Request{}, fmt.Errorf("host %q: %w", spec.Host, ErrDeviceNotFound)
		}
		host = &h
	}

	output, err := resolveOutput(c, host, spec.Output)
	if err != nil {
		return Request{}, err
	}

	req := Request{
		Output:          output,
		SampleRate:      spec.SampleRate,
		FramesPerBuffer: spec.FramesPerBuffer,
		Latency:         spec.Latency,
	}

	if spec.Input != "" {
		input, err := resolveInput(c, host, spec.Input)
		if err != nil {
			return Request{}, err
		}
		req.Input = &input
	}

	if req.SampleRate == 0 {
		req.SampleRate = int(output.DefaultSampleRate)
	}
	if req.Latency == 0 {
		req.Latency = output.DefaultLowOutputLatency
	}

	return req, nil
}

func resolveOutput(c *catalog.Catalog, host *catalog.Host, name string) (catalog.Device, error) {
	var (
		d  catalog.Device
		ok bool
	)
	switch {
	case name == "" && host != nil:
		d, ok = c.DefaultOutputDeviceFor(*host)
	case name == "":
		d, ok = c.DefaultOutputDevice()
	default:
		d, ok = lookup(c, host, name)
	}
	if !ok {
		return catalog.Device{}, fmt.Errorf("output device %q: %w", name, ErrDeviceNotFound)
	}
	if !d.CanOutput() {
		return catalog.Device{}, fmt.Errorf("device %q has no output channels", d.Name)
	}
	return d, nil
}

func resolveInput(c *catalog.Catalog, host *catalog.Host, name string) (catalog.Device, error) {
	var (
		d  catalog.Device
		ok bool
	)
	switch {
	case name == DefaultInput && host != nil:
		d, ok = c.DefaultInputDeviceFor(*host)
	case name == DefaultInput:
		d, ok = c.DefaultInputDevice()
	default:
		d, ok = lookup(c, host, name)
	}
	if !ok {
		return catalog.Device{}, fmt.Errorf("input device %q: %w", name, ErrDeviceNotFound)
	}
	if !d.CanInput() {
		return catalog.Device{}, fmt.Errorf("device %q has no input channels", d.Name)
	}
	return d, nil
}

func lookup(c *catalog.Catalog, host *catalog.Host, name string) (catalog.Device, bool) {
	if host != nil {
		return c.FindDevice(host.Name, name)
	}
	return c.DeviceByName(name)
}
