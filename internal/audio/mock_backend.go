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
	"sync"
	"sync/atomic"
	"time"
)

// MockBackend implements Backend for testing without hardware dependencies.
// It records every open and close so tests can check how many streams were
// alive at once.
type MockBackend struct {
	mu                    sync.Mutex
	initialized           bool
	hosts                 []HostDescriptor
	devices               []DeviceDescriptor
	defaultHost           int
	defaultInput          int
	defaultOutput         int
	supportedRates        map[float64]bool
	initError             error
	terminateError        error
	openError             error
	startError            error
	transientOpenFailures int
	holdFinished          bool
	stopDelay             time.Duration
	inputGenerator        func([]float32)
	streams               []*MockStream
	formatProbes          []float64
	openAttempts          int
	openCount             int
	closeCount            int
	live                  int
	maxLive               int
	initCount             int
	terminateCount        int
}

// NewMockBackend creates a mock engine with one host and three devices:
// 0 "Mock Speakers" (output, 48 kHz), 1 "Mock Microphone" (input, 44.1 kHz)
// and 2 "Mock Interface" (duplex, 44.1 kHz). Every sample rate is supported
// until SetSupportedRates is called.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		hosts: []HostDescriptor{{
			Index:               0,
			Type:                HostAPIMock,
			Name:                "Mock Host",
			DeviceCount:         3,
			DefaultInputDevice:  1,
			DefaultOutputDevice: 0,
		}},
		devices: []DeviceDescriptor{
			{Index: 0, Name: "Mock Speakers", HostIndex: 0, MaxOutputChannels: 2, DefaultSampleRate: 48000, DefaultLowOutputLatency: 10 * time.Millisecond},
			{Index: 1, Name: "Mock Microphone", HostIndex: 0, MaxInputChannels: 1, DefaultSampleRate: 44100, DefaultLowInputLatency: 10 * time.Millisecond},
			{Index: 2, Name: "Mock Interface", HostIndex: 0, MaxInputChannels: 2, MaxOutputChannels: 2, DefaultSampleRate: 44100, DefaultLowInputLatency: 5 * time.Millisecond, DefaultLowOutputLatency: 5 * time.Millisecond},
		},
		defaultHost:   0,
		defaultInput:  1,
		defaultOutput: 0,
	}
}

// SetTopology replaces the mock's hosts, devices and defaults
func (m *MockBackend) SetTopology(hosts []HostDescriptor, devices []DeviceDescriptor, defaultHost, defaultInput, defaultOutput int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hosts = hosts
	m.devices = devices
	m.defaultHost = defaultHost
	m.defaultInput = defaultInput
	m.defaultOutput = defaultOutput
}

// SetSupportedRates restricts IsFormatSupported to the given rates
func (m *MockBackend) SetSupportedRates(rates ...float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.supportedRates = make(map[float64]bool, len(rates))
	for _, r := range rates {
		m.supportedRates[r] = true
	}
}

// SetInitError configures the backend to return an error on Initialize()
func (m *MockBackend) SetInitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initError = err
}

// SetTerminateError configures the backend to return an error on Terminate()
func (m *MockBackend) SetTerminateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminateError = err
}

// SetOpenError configures every open attempt to fail with err
func (m *MockBackend) SetOpenError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openError = err
}

// SetTransientOpenFailures makes the next n open attempts fail, as flaky
// drivers do
func (m *MockBackend) SetTransientOpenFailures(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transientOpenFailures = n
}

// SetStartError configures streams opened afterwards to fail on Start()
func (m *MockBackend) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startError = err
}

// SetHoldFinished makes streams opened afterwards keep their finished
// notification until MockStream.ReleaseFinished is called
func (m *MockBackend) SetHoldFinished(hold bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdFinished = hold
}

// SetStopDelay simulates an engine that takes a while to drain on Stop()
func (m *MockBackend) SetStopDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopDelay = d
}

// SetInputGenerator sets a function that fills input buffers on Pump
func (m *MockBackend) SetInputGenerator(generator func([]float32)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputGenerator = generator
}

// Initialize initializes the mock engine
func (m *MockBackend) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initError != nil {
		return m.initError
	}

	m.initialized = true
	m.initCount++
	return nil
}

// Terminate terminates the mock engine, closing any stream still open
func (m *MockBackend) Terminate() error {
	m.mu.Lock()
	if m.terminateError != nil {
		err := m.terminateError
		m.mu.Unlock()
		return err
	}
	streams := make([]*MockStream, len(m.streams))
	copy(streams, m.streams)
	m.mu.Unlock()

	// Release the lock before calling Close to avoid deadlocks
	for _, stream := range streams {
		_ = stream.Close() // Ignore errors during cleanup
	}

	m.mu.Lock()
	m.initialized = false
	m.terminateCount++
	m.mu.Unlock()
	return nil
}

// Hosts returns the configured hosts
func (m *MockBackend) Hosts() ([]HostDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return nil, ErrNotInitialized
	}
	out := make([]HostDescriptor, len(m.hosts))
	copy(out, m.hosts)
	return out, nil
}

// Devices returns the configured devices
func (m *MockBackend) Devices() ([]DeviceDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return nil, ErrNotInitialized
	}
	out := make([]DeviceDescriptor, len(m.devices))
	copy(out, m.devices)
	return out, nil
}

// DefaultHost returns the configured default host
func (m *MockBackend) DefaultHost() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return -1, ErrNotInitialized
	}
	return m.defaultHost, nil
}

// DefaultInputDevice returns the configured default input device
func (m *MockBackend) DefaultInputDevice() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return NoDevice, ErrNotInitialized
	}
	return m.defaultInput, nil
}

// DefaultOutputDevice returns the configured default output device
func (m *MockBackend) DefaultOutputDevice() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return NoDevice, ErrNotInitialized
	}
	return m.defaultOutput, nil
}

// IsFormatSupported accepts any rate unless SetSupportedRates was called
func (m *MockBackend) IsFormatSupported(in *StreamParameters, out StreamParameters, sampleRate float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return ErrNotInitialized
	}

	m.formatProbes = append(m.formatProbes, sampleRate)
	if m.supportedRates != nil && !m.supportedRates[sampleRate] {
		return fmt.Errorf("Invalid sample rate (%g Hz)", sampleRate)
	}
	return nil
}

// OpenStream opens a mock stream, going through the same bounded retry as
// the real backends
func (m *MockBackend) OpenStream(cfg StreamConfig, sink Sink) (StreamHandle, error) {
	if !m.IsInitialized() {
		return nil, ErrNotInitialized
	}
	return openWithRetry(loggerOrDefault(nil), func() (StreamHandle, error) {
		return m.openOnce(cfg, sink)
	})
}

func (m *MockBackend) openOnce(cfg StreamConfig, sink Sink) (StreamHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.openAttempts++

	if m.openError != nil {
		return nil, m.openError
	}
	if m.transientOpenFailures > 0 {
		m.transientOpenFailures--
		return nil, fmt.Errorf("Unanticipated host error")
	}

	stream := &MockStream{
		id:             len(m.streams),
		backend:        m,
		cfg:            cfg,
		sink:           sink,
		finished:       newFinishNotifier(sink),
		startError:     m.startError,
		hold:           m.holdFinished,
		stopDelay:      m.stopDelay,
		inputGenerator: m.inputGenerator,
		out:            make([]float32, cfg.FramesPerBuffer*cfg.Output.Channels),
	}
	if cfg.Input != nil {
		stream.in = make([]float32, cfg.FramesPerBuffer*cfg.Input.Channels)
	}

	m.streams = append(m.streams, stream)
	m.openCount++
	m.live++
	if m.live > m.maxLive {
		m.maxLive = m.live
	}
	return stream, nil
}

func (m *MockBackend) streamClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCount++
	m.live--
}

// IsInitialized reports whether Initialize has been called without Terminate
func (m *MockBackend) IsInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// InitCount returns how many times Initialize succeeded
func (m *MockBackend) InitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initCount
}

// TerminateCount returns how many times Terminate succeeded
func (m *MockBackend) TerminateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminateCount
}

// OpenAttempts returns the number of open attempts including failed ones
func (m *MockBackend) OpenAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openAttempts
}

// OpenCount returns the number of streams successfully opened
func (m *MockBackend) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openCount
}

// CloseCount returns the number of streams closed
func (m *MockBackend) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCount
}

// LiveStreams returns the number of streams opened and not yet closed
func (m *MockBackend) LiveStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// MaxLiveStreams returns the highest LiveStreams value ever observed
func (m *MockBackend) MaxLiveStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxLive
}

// FormatProbes returns the sample rates passed to IsFormatSupported, in order
func (m *MockBackend) FormatProbes() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]float64, len(m.formatProbes))
	copy(out, m.formatProbes)
	return out
}

// Streams returns every stream opened so far
func (m *MockBackend) Streams() []*MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MockStream, len(m.streams))
	copy(out, m.streams)
	return out
}

// LastStream returns the most recently opened stream or nil
func (m *MockBackend) LastStream() *MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

// MockStream implements StreamHandle for testing
type MockStream struct {
	mu             sync.Mutex
	id             int
	backend        *MockBackend
	cfg            StreamConfig
	sink           Sink
	finished       *finishNotifier
	startError     error
	hold           bool
	stopDelay      time.Duration
	inputGenerator func([]float32)
	isActive       bool
	isClosed       bool
	pending        bool
	startCalls     int
	stopCalls      int
	abortCalls     int
	engineStops    int
	frames         atomic.Uint64
	in             []float32
	out            []float32
	buf            Buffer
}

// ID returns the stream's position in open order
func (s *MockStream) ID() int {
	return s.id
}

// Config returns the configuration the stream was opened with
func (s *MockStream) Config() StreamConfig {
	return s.cfg
}

// SetStartError configures the stream to return an error on Start()
func (s *MockStream) SetStartError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startError = err
}

// Start starts the mock stream
func (s *MockStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.startCalls++
	if s.isClosed {
		return ErrStreamClosed
	}
	if s.startError != nil {
		return s.startError
	}
	if s.isActive {
		return fmt.Errorf("stream already active")
	}

	s.isActive = true
	return nil
}

// Stop stops the mock stream. The engine is only asked to stop while the
// stream is active; the finished notification follows either way.
func (s *MockStream) Stop() error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.stopCalls++
	if s.isActive {
		s.engineStops++
		s.isActive = false
	}
	delay := s.stopDelay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	s.finish()
	return nil
}

// Abort stops the mock stream immediately
func (s *MockStream) Abort() error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.abortCalls++
	s.isActive = false
	s.mu.Unlock()

	s.finish()
	return nil
}

// Close closes the mock stream
func (s *MockStream) Close() error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil // Already closed
	}
	s.isClosed = true
	s.isActive = false
	s.mu.Unlock()

	s.backend.streamClosed()
	s.finish()
	return nil
}

// Finish simulates the engine ending the stream on its own, e.g. after a
// device was unplugged
func (s *MockStream) Finish() {
	s.mu.Lock()
	s.isActive = false
	s.mu.Unlock()
	s.finish()
}

// ReleaseFinished delivers a finished notification held by SetHoldFinished
func (s *MockStream) ReleaseFinished() {
	s.mu.Lock()
	pending := s.pending
	s.pending = false
	s.hold = false
	s.mu.Unlock()

	if pending {
		s.finished.fire()
	}
}

func (s *MockStream) finish() {
	s.mu.Lock()
	if s.hold {
		s.pending = true
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.finished.fire()
}

// Pump simulates n real-time callbacks of FramesPerBuffer frames each. It
// returns the number of callbacks delivered, which is zero unless the
// stream is active.
func (s *MockStream) Pump(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	delivered := 0
	for i := 0; i < n && s.isActive; i++ {
		if s.in != nil && s.inputGenerator != nil {
			s.inputGenerator(s.in)
		}
		s.buf.In = s.in
		s.buf.Out = s.out
		s.buf.InChannels = 0
		if s.cfg.Input != nil {
			s.buf.InChannels = s.cfg.Input.Channels
		}
		s.buf.OutChannels = s.cfg.Output.Channels
		s.buf.Frames = s.cfg.FramesPerBuffer
		s.buf.Time.CurrentTime = s.clock()
		if s.sink != nil {
			s.sink.OnBuffer(&s.buf)
		}
		s.frames.Add(uint64(s.cfg.FramesPerBuffer))
		delivered++
	}
	return delivered
}

// LastOutput returns a copy of the output buffer after the last Pump
func (s *MockStream) LastOutput() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float32, len(s.out))
	copy(out, s.out)
	return out
}

// IsActive returns true if the mock stream is active
func (s *MockStream) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isActive
}

// IsClosed returns true once Close has been called
func (s *MockStream) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isClosed
}

// StopCalls returns how many times Stop was called
func (s *MockStream) StopCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCalls
}

// EngineStops returns how many Stop calls reached an active stream
func (s *MockStream) EngineStops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engineStops
}

// AbortCalls returns how many times Abort was called
func (s *MockStream) AbortCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortCalls
}

// Info reports the configured latencies and sample rate
func (s *MockStream) Info() StreamInfo {
	info := StreamInfo{
		OutputLatency: s.cfg.Output.Latency,
		SampleRate:    s.cfg.SampleRate,
	}
	if s.cfg.Input != nil {
		info.InputLatency = s.cfg.Input.Latency
	}
	return info
}

// Time returns the duration of audio pumped so far
func (s *MockStream) Time() time.Duration {
	return s.clock()
}

// CPULoad returns a fixed nominal load while active
func (s *MockStream) CPULoad() float64 {
	if s.IsActive() {
		return 0.25
	}
	return 0
}

// HostType returns HostAPIMock
func (s *MockStream) HostType() HostAPIType {
	return HostAPIMock
}

func (s *MockStream) clock() time.Duration {
	if s.cfg.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(s.frames.Load()) / s.cfg.SampleRate * float64(time.Second))
}
