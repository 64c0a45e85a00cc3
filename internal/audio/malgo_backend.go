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

package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gen2brain/malgo"
)

const (
	// miniaudio converts formats internally; these describe what we ask for
	malgoDefaultSampleRate = 48000
	malgoDefaultChannels   = 2
	malgoDefaultLatency    = 10 * time.Millisecond
	malgoHostIndex         = 0
)

// MalgoBackend implements Backend on top of miniaudio. miniaudio has a single
// host API; playback devices are numbered first, capture devices after them.
type MalgoBackend struct {
	mu       sync.Mutex
	ctx      *malgo.AllocatedContext
	logger   *slog.Logger
	playback []malgo.DeviceInfo
	capture  []malgo.DeviceInfo
}

// NewMalgoBackend creates a new miniaudio backend
func NewMalgoBackend(logger *slog.Logger) *MalgoBackend {
	return &MalgoBackend{logger: loggerOrDefault(logger)}
}

// Initialize allocates the miniaudio context
func (m *MalgoBackend) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx != nil {
		return nil
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize malgo context: %w", err)
	}
	m.ctx = ctx
	return nil
}

// Terminate releases the miniaudio context
func (m *MalgoBackend) Terminate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx == nil {
		return nil
	}

	err := m.ctx.Uninit()
	m.ctx.Free()
	m.ctx = nil
	m.playback = nil
	m.capture = nil
	return err
}

// Hosts reports the single miniaudio host
func (m *MalgoBackend) Hosts() ([]HostDescriptor, error) {
	if err := m.refresh(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return []HostDescriptor{{
		Index:               malgoHostIndex,
		Type:                HostAPIMiniaudio,
		Name:                "miniaudio",
		DeviceCount:         len(m.playback) + len(m.capture),
		DefaultInputDevice:  m.defaultCaptureLocked(),
		DefaultOutputDevice: m.defaultPlaybackLocked(),
	}}, nil
}

// Devices lists playback then capture devices
func (m *MalgoBackend) Devices() ([]DeviceDescriptor, error) {
	if err := m.refresh(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	devices := make([]DeviceDescriptor, 0, len(m.playback)+len(m.capture))
	for i, info := range m.playback {
		devices = append(devices, DeviceDescriptor{
			Index:                   i,
			Name:                    info.Name(),
			HostIndex:               malgoHostIndex,
			MaxOutputChannels:       malgoDefaultChannels,
			DefaultSampleRate:       malgoDefaultSampleRate,
			DefaultLowOutputLatency: malgoDefaultLatency,
		})
	}
	for i, info := range m.capture {
		devices = append(devices, DeviceDescriptor{
			Index:                  len(m.playback) + i,
			Name:                   info.Name(),
			HostIndex:              malgoHostIndex,
			MaxInputChannels:       malgoDefaultChannels,
			DefaultSampleRate:      malgoDefaultSampleRate,
			DefaultLowInputLatency: malgoDefaultLatency,
		})
	}
	return devices, nil
}

// DefaultHost always returns the single miniaudio host
func (m *MalgoBackend) DefaultHost() (int, error) {
	if !m.isInitialized() {
		return -1, ErrNotInitialized
	}
	return malgoHostIndex, nil
}

// DefaultInputDevice returns the capture device miniaudio flags as default
func (m *MalgoBackend) DefaultInputDevice() (int, error) {
	if err := m.refresh(); err != nil {
		return NoDevice, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultCaptureLocked(), nil
}

// DefaultOutputDevice returns the playback device miniaudio flags as default
func (m *MalgoBackend) DefaultOutputDevice() (int, error) {
	if err := m.refresh(); err != nil {
		return NoDevice, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultPlaybackLocked(), nil
}

// IsFormatSupported probes by initialising a device and releasing it again;
// miniaudio has no side-effect free query
func (m *MalgoBackend) IsFormatSupported(in *StreamParameters, out StreamParameters, sampleRate float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx == nil {
		return ErrNotInitialized
	}

	cfg, err := m.deviceConfigLocked(in, out, sampleRate, 0)
	if err != nil {
		return err
	}

	device, err := malgo.InitDevice(m.ctx.Context, cfg, malgo.DeviceCallbacks{})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFormatNotSupported, err)
	}
	device.Uninit()
	return nil
}

// OpenStream initialises a miniaudio device. The open is retried a bounded
// number of times, see MaxOpenAttempts.
func (m *MalgoBackend) OpenStream(cfg StreamConfig, sink Sink) (StreamHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx == nil {
		return nil, ErrNotInitialized
	}

	deviceConfig, err := m.deviceConfigLocked(cfg.Input, cfg.Output, cfg.SampleRate, cfg.FramesPerBuffer)
	if err != nil {
		return nil, err
	}

	return openWithRetry(m.logger, func() (StreamHandle, error) {
		s := &malgoStream{
			sink:       sink,
			finished:   newFinishNotifier(sink),
			sampleRate: cfg.SampleRate,
		}
		s.buf.OutChannels = cfg.Output.Channels
		if cfg.Input != nil {
			s.buf.InChannels = cfg.Input.Channels
		}
		if cfg.SampleRate > 0 && cfg.FramesPerBuffer > 0 {
			s.periodLatency = time.Duration(float64(cfg.FramesPerBuffer) / cfg.SampleRate * float64(time.Second))
		}

		device, err := malgo.InitDevice(m.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
			Data: s.onData,
			Stop: s.onStop,
		})
		if err != nil {
			return nil, err
		}
		s.device = device
		return s, nil
	})
}

func (m *MalgoBackend) isInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx != nil
}

// refresh re-enumerates devices; indices are only stable between refreshes
func (m *MalgoBackend) refresh() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx == nil {
		return ErrNotInitialized
	}

	playback, err := m.ctx.Devices(malgo.Playback)
	if err != nil {
		return fmt.Errorf("failed to enumerate playback devices: %w", err)
	}
	capture, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return fmt.Errorf("failed to enumerate capture devices: %w", err)
	}

	m.playback = playback
	m.capture = capture
	return nil
}

func (m *MalgoBackend) defaultPlaybackLocked() int {
	for i, info := range m.playback {
		if info.IsDefault > 0 {
			return i
		}
	}
	return NoDevice
}

func (m *MalgoBackend) defaultCaptureLocked() int {
	for i, info := range m.capture {
		if info.IsDefault > 0 {
			return len(m.playback) + i
		}
	}
	return NoDevice
}

func (m *MalgoBackend) deviceConfigLocked(in *StreamParameters, out StreamParameters, sampleRate float64, framesPerBuffer int) (malgo.DeviceConfig, error) {
	if out.Device < 0 || out.Device >= len(m.playback) {
		return malgo.DeviceConfig{}, fmt.Errorf("output device index %d is not a playback device", out.Device)
	}

	kind := malgo.Playback
	if in != nil {
		kind = malgo.Duplex
	}

	cfg := malgo.DefaultDeviceConfig(kind)
	cfg.SampleRate = uint32(sampleRate)
	cfg.PeriodSizeInFrames = uint32(framesPerBuffer)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = uint32(out.Channels)
	cfg.Playback.DeviceID = m.playback[out.Device].ID.Pointer()

	if in != nil {
		captureIndex := in.Device - len(m.playback)
		if captureIndex < 0 || captureIndex >= len(m.capture) {
			return malgo.DeviceConfig{}, fmt.Errorf("input device index %d is not a capture device", in.Device)
		}
		cfg.Capture.Format = malgo.FormatF32
		cfg.Capture.Channels = uint32(in.Channels)
		cfg.Capture.DeviceID = m.capture[captureIndex].ID.Pointer()
	}

	return cfg, nil
}

// malgoStream implements StreamHandle over one miniaudio device
type malgoStream struct {
	ctl           sync.Mutex
	device        *malgo.Device
	sink          Sink
	finished      *finishNotifier
	sampleRate    float64
	periodLatency time.Duration

	active   atomic.Bool
	closed   atomic.Bool
	stopping atomic.Bool
	frames   atomic.Uint64

	// buf is reused for every callback; miniaudio calls back sequentially
	buf Buffer
}

// HOTPATH
func (s *malgoStream) onData(pOutput, pInput []byte, frameCount uint32) {
	s.buf.In = bytesAsFloat32(pInput)
	s.buf.Out = bytesAsFloat32(pOutput)
	s.buf.Frames = int(frameCount)
	s.buf.Time.CurrentTime = s.clock()
	s.buf.Flags = 0
	if s.sink != nil {
		s.sink.OnBuffer(&s.buf)
	}
	s.frames.Add(uint64(frameCount))
}

// onStop runs when miniaudio stops the device. Explicit stops fire the
// finished notification themselves once device.Stop has returned.
func (s *malgoStream) onStop() {
	s.active.Store(false)
	if !s.stopping.Load() {
		s.finished.fire()
	}
}

// Start starts the device
func (s *malgoStream) Start() error {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	if s.closed.Load() {
		return ErrStreamClosed
	}
	s.stopping.Store(false)
	if err := s.device.Start(); err != nil {
		return fmt.Errorf("failed to start device: %w", err)
	}
	s.active.Store(true)
	return nil
}

// Stop stops the device; only issued while the device is running
func (s *malgoStream) Stop() error {
	return s.halt()
}

// Abort stops the device. miniaudio has no separate abort path.
func (s *malgoStream) Abort() error {
	return s.halt()
}

func (s *malgoStream) halt() error {
	s.ctl.Lock()
	if s.closed.Load() {
		s.ctl.Unlock()
		return ErrStreamClosed
	}

	var err error
	if s.device.IsStarted() {
		s.stopping.Store(true)
		if stopErr := s.device.Stop(); stopErr != nil {
			err = fmt.Errorf("failed to stop device: %w", stopErr)
		}
	}
	s.active.Store(false)
	s.ctl.Unlock()

	s.finished.fire()
	return err
}

// Close uninitialises the device
func (s *malgoStream) Close() error {
	s.ctl.Lock()
	if s.closed.Swap(true) {
		s.ctl.Unlock()
		return nil
	}
	s.stopping.Store(true)
	s.active.Store(false)
	s.device.Uninit()
	s.ctl.Unlock()

	s.finished.fire()
	return nil
}

// IsActive returns true while the device is running
func (s *malgoStream) IsActive() bool {
	return !s.closed.Load() && s.active.Load()
}

// Info estimates latency from the period size; miniaudio does not report it
func (s *malgoStream) Info() StreamInfo {
	if s.closed.Load() {
		return StreamInfo{}
	}
	info := StreamInfo{
		OutputLatency: s.periodLatency,
		SampleRate:    float64(s.device.SampleRate()),
	}
	if s.buf.InChannels > 0 {
		info.InputLatency = s.periodLatency
	}
	return info
}

// Time returns the duration of audio processed so far
func (s *malgoStream) Time() time.Duration {
	return s.clock()
}

// CPULoad is not reported by miniaudio
func (s *malgoStream) CPULoad() float64 {
	return 0
}

// HostType returns HostAPIMiniaudio
func (s *malgoStream) HostType() HostAPIType {
	return HostAPIMiniaudio
}

func (s *malgoStream) clock() time.Duration {
	if s.sampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(s.frames.Load()) / s.sampleRate * float64(time.Second))
}

// bytesAsFloat32 reinterprets an f32 sample buffer without copying
func bytesAsFloat32(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/4)
}
