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
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
)

// PortAudioBackend implements Backend using the real PortAudio library
type PortAudioBackend struct {
	mu          sync.Mutex
	initialized bool
	logger      *slog.Logger
}

// NewPortAudioBackend creates a new PortAudio backend
func NewPortAudioBackend(logger *slog.Logger) *PortAudioBackend {
	return &PortAudioBackend{logger: loggerOrDefault(logger)}
}

// Initialize initializes the PortAudio subsystem
func (p *PortAudioBackend) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	p.initialized = true
	p.logger.Debug("PortAudio initialized", slog.String("version", portaudio.VersionText()))
	return nil
}

// Terminate terminates the PortAudio subsystem
func (p *PortAudioBackend) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil
	}

	err := portaudio.Terminate()
	p.initialized = false
	return err
}

func (p *PortAudioBackend) isInitialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

// Hosts lists PortAudio host APIs in index order
func (p *PortAudioBackend) Hosts() ([]HostDescriptor, error) {
	if !p.isInitialized() {
		return nil, ErrNotInitialized
	}

	apis, err := portaudio.HostApis()
	if err != nil {
		return nil, fmt.Errorf("failed to list host APIs: %w", err)
	}

	hosts := make([]HostDescriptor, 0, len(apis))
	for i, api := range apis {
		hosts = append(hosts, HostDescriptor{
			Index:               i,
			Type:                HostAPIType(api.Type),
			Name:                api.Name,
			DeviceCount:         len(api.Devices),
			DefaultInputDevice:  deviceIndex(api.DefaultInputDevice),
			DefaultOutputDevice: deviceIndex(api.DefaultOutputDevice),
		})
	}
	return hosts, nil
}

// Devices lists every PortAudio device
func (p *PortAudioBackend) Devices() ([]DeviceDescriptor, error) {
	if !p.isInitialized() {
		return nil, ErrNotInitialized
	}

	hostIndex, err := hostIndexByType()
	if err != nil {
		return nil, err
	}

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	devices := make([]DeviceDescriptor, 0, len(infos))
	for _, info := range infos {
		host := -1
		if info.HostApi != nil {
			if idx, ok := hostIndex[info.HostApi.Type]; ok {
				host = idx
			}
		}
		devices = append(devices, DeviceDescriptor{
			Index:                   info.Index,
			Name:                    info.Name,
			HostIndex:               host,
			MaxInputChannels:        info.MaxInputChannels,
			MaxOutputChannels:       info.MaxOutputChannels,
			DefaultSampleRate:       info.DefaultSampleRate,
			DefaultLowInputLatency:  info.DefaultLowInputLatency,
			DefaultLowOutputLatency: info.DefaultLowOutputLatency,
			// The WASAPI host names its loopback capture devices this way
			IsLoopback: strings.HasSuffix(info.Name, "[Loopback]"),
		})
	}
	return devices, nil
}

// DefaultHost returns the index of PortAudio's default host API
func (p *PortAudioBackend) DefaultHost() (int, error) {
	if !p.isInitialized() {
		return -1, ErrNotInitialized
	}

	api, err := portaudio.DefaultHostApi()
	if err != nil {
		return -1, fmt.Errorf("failed to get default host API: %w", err)
	}

	hostIndex, err := hostIndexByType()
	if err != nil {
		return -1, err
	}

	idx, ok := hostIndex[api.Type]
	if !ok {
		return -1, fmt.Errorf("default host API %q not listed", api.Name)
	}
	return idx, nil
}

// DefaultInputDevice returns PortAudio's default input device
func (p *PortAudioBackend) DefaultInputDevice() (int, error) {
	if !p.isInitialized() {
		return NoDevice, ErrNotInitialized
	}

	info, err := portaudio.DefaultInputDevice()
	if err != nil {
		return NoDevice, fmt.Errorf("failed to get default input device: %w", err)
	}
	return deviceIndex(info), nil
}

// DefaultOutputDevice returns PortAudio's default output device
func (p *PortAudioBackend) DefaultOutputDevice() (int, error) {
	if !p.isInitialized() {
		return NoDevice, ErrNotInitialized
	}

	info, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return NoDevice, fmt.Errorf("failed to get default output device: %w", err)
	}
	return deviceIndex(info), nil
}

// IsFormatSupported asks PortAudio whether it can open the given parameters
func (p *PortAudioBackend) IsFormatSupported(in *StreamParameters, out StreamParameters, sampleRate float64) error {
	if !p.isInitialized() {
		return ErrNotInitialized
	}

	params, err := streamParameters(in, out, sampleRate, 0, NoFlag)
	if err != nil {
		return err
	}

	// The callback only tells PortAudio the sample format and layout
	var probe portAudioStream
	if in != nil {
		return portaudio.IsFormatSupported(params, probe.duplexCallback)
	}
	return portaudio.IsFormatSupported(params, probe.outputCallback)
}

// OpenStream opens a callback stream. The open is retried a bounded number
// of times, see MaxOpenAttempts.
func (p *PortAudioBackend) OpenStream(cfg StreamConfig, sink Sink) (StreamHandle, error) {
	if !p.isInitialized() {
		return nil, ErrNotInitialized
	}

	params, err := streamParameters(cfg.Input, cfg.Output, cfg.SampleRate, cfg.FramesPerBuffer, cfg.Flags)
	if err != nil {
		return nil, err
	}

	hostType := HostAPIUnknown
	if params.Output.Device != nil && params.Output.Device.HostApi != nil {
		hostType = HostAPIType(params.Output.Device.HostApi.Type)
	}

	return openWithRetry(p.logger, func() (StreamHandle, error) {
		s := &portAudioStream{
			sink:     sink,
			finished: newFinishNotifier(sink),
			hostType: hostType,
		}
		s.buf.OutChannels = cfg.Output.Channels
		if cfg.Input != nil {
			s.buf.InChannels = cfg.Input.Channels
		}

		var stream *portaudio.Stream
		if cfg.Input != nil {
			stream, err = portaudio.OpenStream(params, s.duplexCallback)
		} else {
			stream, err = portaudio.OpenStream(params, s.outputCallback)
		}
		if err != nil {
			return nil, err
		}
		s.stream = stream
		return s, nil
	})
}

// portAudioStream implements StreamHandle using a PortAudio callback stream
type portAudioStream struct {
	ctl      sync.Mutex
	stream   *portaudio.Stream
	sink     Sink
	finished *finishNotifier
	hostType HostAPIType

	// The Go bindings expose no Pa_IsStreamActive, so activity is tracked here
	active atomic.Bool
	closed atomic.Bool

	// buf is reused for every callback; PortAudio calls back sequentially
	buf Buffer
}

func (s *portAudioStream) duplexCallback(in, out []float32, timeInfo portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
	s.buf.In = in
	s.deliver(out, timeInfo, flags)
}

func (s *portAudioStream) outputCallback(out []float32, timeInfo portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
	s.deliver(out, timeInfo, flags)
}

// HOTPATH
func (s *portAudioStream) deliver(out []float32, timeInfo portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
	s.buf.Out = out
	if s.buf.OutChannels > 0 {
		s.buf.Frames = len(out) / s.buf.OutChannels
	}
	s.buf.Time.InputBufferAdcTime = timeInfo.InputBufferAdcTime
	s.buf.Time.CurrentTime = timeInfo.CurrentTime
	s.buf.Time.OutputBufferDacTime = timeInfo.OutputBufferDacTime
	s.buf.Flags = StatusFlags(flags)
	if s.sink != nil {
		s.sink.OnBuffer(&s.buf)
	}
}

// Start starts the audio stream
func (s *portAudioStream) Start() error {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	if s.closed.Load() {
		return ErrStreamClosed
	}
	if err := s.stream.Start(); err != nil {
		return err
	}
	s.active.Store(true)
	return nil
}

// Stop stops the audio stream, waiting for queued buffers to play out.
// PortAudio is only asked to stop an active stream.
func (s *portAudioStream) Stop() error {
	s.ctl.Lock()
	if s.closed.Load() {
		s.ctl.Unlock()
		return ErrStreamClosed
	}

	var err error
	if s.active.Load() {
		err = s.stream.Stop()
		s.active.Store(false)
	}
	s.ctl.Unlock()

	s.finished.fire()
	return err
}

// Abort stops the audio stream immediately
func (s *portAudioStream) Abort() error {
	s.ctl.Lock()
	if s.closed.Load() {
		s.ctl.Unlock()
		return ErrStreamClosed
	}

	var err error
	if s.active.Load() {
		err = s.stream.Abort()
		s.active.Store(false)
	}
	s.ctl.Unlock()

	s.finished.fire()
	return err
}

// Close closes the audio stream
func (s *portAudioStream) Close() error {
	s.ctl.Lock()
	if s.closed.Swap(true) {
		s.ctl.Unlock()
		return nil
	}
	s.active.Store(false)
	err := s.stream.Close()
	s.ctl.Unlock()

	s.finished.fire()
	return err
}

// IsActive returns true if the stream is active
func (s *portAudioStream) IsActive() bool {
	return !s.closed.Load() && s.active.Load()
}

// Info returns the latencies and sample rate PortAudio actually opened with
func (s *portAudioStream) Info() StreamInfo {
	if s.closed.Load() {
		return StreamInfo{}
	}
	info := s.stream.Info()
	if info == nil {
		return StreamInfo{}
	}
	return StreamInfo{
		InputLatency:  info.InputLatency,
		OutputLatency: info.OutputLatency,
		SampleRate:    info.SampleRate,
	}
}

// Time returns the stream clock
func (s *portAudioStream) Time() time.Duration {
	if s.closed.Load() {
		return 0
	}
	return s.stream.Time()
}

// CPULoad returns PortAudio's estimate of callback CPU usage
func (s *portAudioStream) CPULoad() float64 {
	if s.closed.Load() {
		return 0
	}
	return s.stream.CpuLoad()
}

// HostType returns the host API of the output device
func (s *portAudioStream) HostType() HostAPIType {
	return s.hostType
}

func streamParameters(in *StreamParameters, out StreamParameters, sampleRate float64, framesPerBuffer int, flags StreamFlags) (portaudio.StreamParameters, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return portaudio.StreamParameters{}, fmt.Errorf("failed to list devices: %w", err)
	}

	lookup := func(index int) (*portaudio.DeviceInfo, error) {
		if index < 0 || index >= len(devices) {
			return nil, fmt.Errorf("device index %d out of range", index)
		}
		return devices[index], nil
	}

	outDevice, err := lookup(out.Device)
	if err != nil {
		return portaudio.StreamParameters{}, fmt.Errorf("output device: %w", err)
	}

	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outDevice,
			Channels: out.Channels,
			Latency:  out.Latency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: framesPerBuffer,
		Flags:           portaudio.StreamFlags(flags),
	}

	if in != nil {
		inDevice, err := lookup(in.Device)
		if err != nil {
			return portaudio.StreamParameters{}, fmt.Errorf("input device: %w", err)
		}
		params.Input = portaudio.StreamDeviceParameters{
			Device:   inDevice,
			Channels: in.Channels,
			Latency:  in.Latency,
		}
	}

	return params, nil
}

func hostIndexByType() (map[portaudio.HostApiType]int, error) {
	apis, err := portaudio.HostApis()
	if err != nil {
		return nil, fmt.Errorf("failed to list host APIs: %w", err)
	}
	out := make(map[portaudio.HostApiType]int, len(apis))
	for i, api := range apis {
		out[api.Type] = i
	}
	return out, nil
}

func deviceIndex(info *portaudio.DeviceInfo) int {
	if info == nil {
		return NoDevice
	}
	return info.Index
}
