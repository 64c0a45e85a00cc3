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
	"log/slog"
	"slices"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/loqalabs/loqa-duplex-go/internal/audio"
)

// Catalog is a snapshot of hosts and devices taken once at construction.
// It owns the engine's process-wide initialization.
type Catalog struct {
	backend audio.Backend
	logger  *slog.Logger

	hosts         map[int]Host
	devices       map[int]Device
	inputDevices  []int
	outputDevices []int
	hostDevices   map[int][]int

	defaultHost   int
	defaultInput  int
	defaultOutput int

	nameToDevice map[string]int
	nameToHost   map[string]int

	closeOnce sync.Once
	closeErr  error
}

// New initializes the engine and enumerates it. On failure the engine is
// terminated again before returning.
func New(backend audio.Backend, logger *slog.Logger) (c *Catalog, err error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := backend.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize audio engine: %w", err)
	}
	defer func() {
		if err != nil {
			err = multierr.Combine(err, backend.Terminate())
		}
	}()

	hosts, err := backend.Hosts()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate hosts: %w", err)
	}
	devices, err := backend.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	c = &Catalog{
		backend:      backend,
		logger:       logger,
		hosts:        make(map[int]Host, len(hosts)),
		devices:      make(map[int]Device, len(devices)),
		hostDevices:  make(map[int][]int),
		nameToDevice: make(map[string]int, len(devices)),
		nameToHost:   make(map[string]int, len(hosts)),
	}

	for _, h := range hosts {
		if h.DeviceCount < 1 {
			continue
		}
		c.hosts[h.Index] = newHost(h)
		if _, dup := c.nameToHost[h.Name]; !dup {
			c.nameToHost[h.Name] = h.Index
		}
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].Index < devices[j].Index })
	for _, d := range devices {
		device := newDevice(d)
		c.devices[device.Index] = device
		if device.CanInput() {
			c.inputDevices = append(c.inputDevices, device.Index)
		}
		if device.CanOutput() {
			c.outputDevices = append(c.outputDevices, device.Index)
		}
		c.hostDevices[device.HostIndex] = append(c.hostDevices[device.HostIndex], device.Index)
		// Several host APIs usually expose the same physical device; the
		// lowest index wins a bare name lookup
		if _, dup := c.nameToDevice[device.Name]; !dup {
			c.nameToDevice[device.Name] = device.Index
		}
	}

	c.defaultHost = c.findDefaultHost()
	c.defaultInput = findDefaultDevice(backend.DefaultInputDevice, c.inputDevices, logger, "input")
	c.defaultOutput = findDefaultDevice(backend.DefaultOutputDevice, c.outputDevices, logger, "output")

	logger.Info("Audio catalog ready",
		slog.Int("hosts", len(c.hosts)),
		slog.Int("devices", len(c.devices)),
		slog.Int("default_input", c.defaultInput),
		slog.Int("default_output", c.defaultOutput),
	)

	return c, nil
}

func (c *Catalog) findDefaultHost() int {
	out, err := c.backend.DefaultHost()
	if err != nil {
		c.logger.Warn("Engine reported no default host", slog.Any("error", err))
		out = -1
	}

	if _, ok := c.hosts[out]; !ok && len(c.hosts) > 0 {
		out = c.firstHost()
	}
	return out
}

func (c *Catalog) firstHost() int {
	first := -1
	for idx := range c.hosts {
		if first == -1 || idx < first {
			first = idx
		}
	}
	return first
}

// findDefaultDevice asks the engine for its default and falls back to the
// first listed device when the engine's choice is not in the list
func findDefaultDevice(query func() (int, error), listed []int, logger *slog.Logger, kind string) int {
	out, err := query()
	if err != nil {
		logger.Debug("Engine reported no default device", slog.String("kind", kind), slog.Any("error", err))
		out = audio.NoDevice
	}

	if len(listed) > 0 && !slices.Contains(listed, out) {
		out = listed[0]
	}
	return out
}

// Close terminates the audio engine. Only the first call has any effect.
func (c *Catalog) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.backend.Terminate()
	})
	return c.closeErr
}

// Backend returns the engine the catalog was built from
func (c *Catalog) Backend() audio.Backend {
	return c.backend
}

// Device looks a device up by engine index
func (c *Catalog) Device(index int) (Device, bool) {
	d, ok := c.devices[index]
	return d, ok
}

// DeviceByName looks a device up by its exact name
func (c *Catalog) DeviceByName(name string) (Device, bool) {
	idx, ok := c.nameToDevice[name]
	if !ok {
		return Device{}, false
	}
	return c.Device(idx)
}

// FindDevice looks a device up by name within the named host API. An empty
// host name searches every host.
func (c *Catalog) FindDevice(hostName, deviceName string) (Device, bool) {
	if hostName == "" {
		return c.DeviceByName(deviceName)
	}
	host, ok := c.HostByName(hostName)
	if !ok {
		return Device{}, false
	}
	for _, idx := range c.hostDevices[host.Index] {
		if d := c.devices[idx]; d.Name == deviceName {
			return d, true
		}
	}
	return Device{}, false
}

// Host looks a host API up by index
func (c *Catalog) Host(index int) (Host, bool) {
	h, ok := c.hosts[index]
	return h, ok
}

// HostByName looks a host API up by name
func (c *Catalog) HostByName(name string) (Host, bool) {
	idx, ok := c.nameToHost[name]
	if !ok {
		return Host{}, false
	}
	return c.Host(idx)
}

// HostOf returns the host API a device belongs to
func (c *Catalog) HostOf(d Device) (Host, bool) {
	return c.Host(d.HostIndex)
}

// DefaultHost returns the default host API
func (c *Catalog) DefaultHost() (Host, bool) {
	return c.Host(c.defaultHost)
}

// DefaultInputDevice returns the default input device
func (c *Catalog) DefaultInputDevice() (Device, bool) {
	return c.Device(c.defaultInput)
}

// DefaultOutputDevice returns the default output device
func (c *Catalog) DefaultOutputDevice() (Device, bool) {
	return c.Device(c.defaultOutput)
}

// DefaultInputDeviceFor returns the host API's own default input device
func (c *Catalog) DefaultInputDeviceFor(h Host) (Device, bool) {
	return c.Device(h.DefaultInputDevice)
}

// DefaultOutputDeviceFor returns the host API's own default output device
func (c *Catalog) DefaultOutputDeviceFor(h Host) (Device, bool) {
	return c.Device(h.DefaultOutputDevice)
}

// Hosts returns every host API with at least one device, by index
func (c *Catalog) Hosts() []Host {
	out := make([]Host, 0, len(c.hosts))
	for _, h := range c.hosts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Devices returns every device, by index
func (c *Catalog) Devices() []Device {
	out := make([]Device, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// InputDevices returns the devices that can capture
func (c *Catalog) InputDevices() []Device {
	return c.collect(c.inputDevices)
}

// OutputDevices returns the devices that can play back
func (c *Catalog) OutputDevices() []Device {
	return c.collect(c.outputDevices)
}

// HostDevices returns the devices belonging to one host API
func (c *Catalog) HostDevices(h Host) []Device {
	return c.collect(c.hostDevices[h.Index])
}

func (c *Catalog) collect(indices []int) []Device {
	out := make([]Device, 0, len(indices))
	for _, idx := range indices {
		out = append(out, c.devices[idx])
	}
	return out
}
