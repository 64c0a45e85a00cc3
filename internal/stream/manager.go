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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/loqalabs/loqa-duplex-go/internal/audio"
	"github.com/loqalabs/loqa-duplex-go/internal/catalog"
)

// Manager owns at most one engine stream at a time and serialises every
// lifecycle change through its state machine.
//
// Manager state is guarded by mu, which is never held while the engine
// stops or aborts a stream, while finished tasks run, or while callbacks
// fire. The real-time path only reads slot.
type Manager struct {
	backend   audio.Backend
	callbacks Callbacks
	logger    *slog.Logger

	mu            sync.Mutex
	state         State
	handle        audio.StreamHandle
	generation    uint64
	requested     *Info
	active        *Info
	queued        *Request
	pendingStop   bool
	finishedTasks []FinishedTask
	callback      *callbackSlot
	lastError     string
	closed        bool

	slot atomic.Pointer[callbackSlot]
}

// NewManager creates an idle manager. The backend must already be
// initialised, usually by a catalog.Catalog.
func NewManager(backend audio.Backend, callbacks Callbacks, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		backend:   backend,
		callbacks: callbacks,
		logger:    logger.With("component", "stream"),
	}
}

// Request asks for a stream with the given configuration. From Idle the
// stream is negotiated, opened and started before Request returns. While a
// stream runs, the request is queued and the running stream is stopped in
// the background; the queued request opens once the old stream finished.
// While opening or stopping, the queued request is replaced.
func (m *Manager) Request(req Request) {
	req = req.clone()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.logger.Warn("Ignoring request on closed manager")
		return
	}

	switch m.state {
	case StateIdle:
		gen := m.beginOpen()
		m.mu.Unlock()
		m.open(gen, req)

	case StateRunning:
		m.queued = &req
		m.state = StateStopping
		handle := m.handle
		m.mu.Unlock()
		m.logger.Info("Reconfiguration requested, stopping current stream",
			"output", req.Output.Name,
			"sample_rate", req.SampleRate)
		go m.drain(handle)

	default:
		replaced := m.queued != nil
		m.queued = &req
		state := m.state
		m.mu.Unlock()
		m.logger.Debug("Queued stream request",
			"state", state.String(),
			"replaced", replaced)
	}
}

// Stop stops the running stream. Finished tasks run and Stopped fires once
// the engine drained it. A Stop while opening is applied as soon as the
// open completes and cancels any request queued meanwhile.
func (m *Manager) Stop() {
	m.mu.Lock()
	switch m.state {
	case StateRunning:
		m.state = StateStopping
		handle := m.handle
		m.mu.Unlock()
		m.logger.Info("Stopping stream")
		go m.drain(handle)

	case StateOpening:
		m.pendingStop = true
		m.queued = nil
		m.mu.Unlock()
		m.logger.Debug("Stop requested while opening")

	default:
		m.mu.Unlock()
	}
}

// Abort tears the stream down immediately from any state. The queued
// request and any pending stop are discarded. Finished tasks are kept for
// the next stream's finished notification, and Stopped does not fire.
func (m *Manager) Abort() {
	m.mu.Lock()
	previous := m.state
	handle := m.release()
	m.queued = nil
	m.pendingStop = false
	m.state = StateIdle
	m.mu.Unlock()

	if handle != nil {
		if err := multierr.Combine(handle.Abort(), handle.Close()); err != nil {
			m.logger.Warn("Error while aborting stream", "error", err)
		}
	}
	if previous != StateIdle {
		m.logger.Info("Stream aborted", "previous_state", previous.String())
		m.callbacks.emitInfo("Stream aborted")
	}
}

// Close aborts any stream and rejects further requests. It is safe to call
// more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.Abort()
	return nil
}

// PushFinishedTask queues task to run once after the current stream has
// fully stopped. Tasks run in the order they were pushed.
func (m *Manager) PushFinishedTask(task FinishedTask) {
	if task == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finishedTasks = append(m.finishedTasks, task)
}

// SetCallback installs the real-time processing callback. It takes effect
// on the running stream immediately and is reinstalled on every open.
func (m *Manager) SetCallback(fn Callback, userData any) {
	slot := &callbackSlot{fn: fn, userData: userData}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.callback = slot
	if m.handle != nil {
		m.slot.Store(slot)
	}
}

// beginOpen moves the manager to Opening and returns the generation the
// open runs under. Callers hold mu.
func (m *Manager) beginOpen() uint64 {
	m.state = StateOpening
	m.generation++
	return m.generation
}

// open runs negotiation, open and start for req. Any step finding the
// generation changed knows an Abort overtook it and backs out quietly.
func (m *Manager) open(gen uint64, req Request) {
	info, err := m.negotiate(req)
	if err != nil {
		m.fail(gen, err, nil)
		return
	}

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return
	}
	m.requested = &info
	m.mu.Unlock()

	handle, err := m.backend.OpenStream(audio.StreamConfig{
		Input:           info.InputParams,
		Output:          info.OutputParams,
		SampleRate:      float64(info.SampleRate),
		FramesPerBuffer: info.FramesPerBuffer,
		Flags:           audio.ClipOff,
	}, &handleSink{manager: m, generation: gen})
	if err != nil {
		m.fail(gen, err, nil)
		return
	}

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		m.logger.Debug("Stream opened after abort, closing it")
		_ = handle.Close()
		return
	}
	m.handle = handle
	m.slot.Store(m.callback)
	m.mu.Unlock()

	m.callbacks.emitStarting()

	if err := handle.Start(); err != nil {
		m.fail(gen, err, handle)
		return
	}

	info.HostType = handle.HostType()

	m.mu.Lock()
	if m.generation != gen {
		// Abort already released the handle
		m.mu.Unlock()
		return
	}
	m.active = &info
	m.lastError = ""
	m.state = StateRunning
	stop := m.queued != nil || m.pendingStop
	m.pendingStop = false
	if stop {
		m.state = StateStopping
	}
	m.mu.Unlock()

	m.logger.Info("Stream started",
		"output", info.OutputDevice.Name,
		"input", inputName(info.InputDevice),
		"sample_rate", info.SampleRate,
		"frames_per_buffer", info.FramesPerBuffer,
		"host", info.HostType.String())
	m.callbacks.emitStarted()

	if stop {
		m.logger.Info("Stopping stream started while a change was pending")
		go m.drain(handle)
	}
}

// fail reports a failed open and returns to Idle. A request queued while
// opening is applied right away since it is the caller's latest intent.
func (m *Manager) fail(gen uint64, err error, handle audio.StreamHandle) {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		if handle != nil {
			_ = handle.Close()
		}
		return
	}
	m.release()
	m.lastError = err.Error()
	queued := m.queued
	m.queued = nil
	m.pendingStop = false
	m.state = StateIdle
	var next uint64
	if queued != nil {
		next = m.beginOpen()
	}
	m.mu.Unlock()

	if handle != nil {
		if cerr := handle.Close(); cerr != nil {
			m.logger.Warn("Failed to close stream after error", "error", cerr)
		}
	}

	m.logger.Error("Failed to start stream", "error", err)
	m.callbacks.emitError(err.Error())

	if queued != nil {
		m.open(next, *queued)
	}
}

// drain stops handle and lets its finished notification drive the rest
func (m *Manager) drain(handle audio.StreamHandle) {
	if err := handle.Stop(); err != nil {
		m.logger.Warn("Failed to stop stream", "error", err)
	}
}

// onFinished runs on the engine's finished-notification goroutine
func (m *Manager) onFinished(gen uint64) {
	m.mu.Lock()
	if m.generation != gen || m.handle == nil {
		m.mu.Unlock()
		m.logger.Debug("Ignoring finished notification from released stream")
		return
	}
	handle := m.release()
	tasks := m.finishedTasks
	m.finishedTasks = nil
	queued := m.queued
	m.queued = nil
	m.pendingStop = false
	m.state = StateIdle
	var next uint64
	if queued != nil {
		next = m.beginOpen()
	}
	m.mu.Unlock()

	if err := handle.Close(); err != nil {
		m.logger.Warn("Failed to close finished stream", "error", err)
	}

	for _, task := range tasks {
		task()
	}

	m.logger.Info("Stream stopped", "finished_tasks", len(tasks))
	m.callbacks.emitStopped()

	if queued != nil {
		m.open(next, *queued)
	}
}

// release detaches the current handle and invalidates its sink. Callers
// hold mu.
func (m *Manager) release() audio.StreamHandle {
	handle := m.handle
	m.handle = nil
	m.active = nil
	m.requested = nil
	m.generation++
	m.slot.Store(nil)
	return handle
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsActive reports whether the engine is currently running a stream
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle != nil && m.handle.IsActive()
}

// SampleRate returns the active sample rate, or 0 when nothing runs
func (m *Manager) SampleRate() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return 0
	}
	return m.active.SampleRate
}

// HostType returns the host API of the open stream
func (m *Manager) HostType() audio.HostAPIType {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return audio.HostAPIUnknown
	}
	return m.handle.HostType()
}

// CPULoad returns the engine's callback load, or 0 without a stream
func (m *Manager) CPULoad() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return 0
	}
	return m.handle.CPULoad()
}

// Time returns the stream clock, or 0 without a stream
func (m *Manager) Time() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return 0
	}
	return m.handle.Time()
}

// Latency returns the latencies the engine reports for the open stream
func (m *Manager) Latency() (audio.StreamInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return audio.StreamInfo{}, false
	}
	return m.handle.Info(), true
}

// CurrentInputDevice returns the input device of the active stream
func (m *Manager) CurrentInputDevice() (catalog.Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.InputDevice == nil {
		return catalog.Device{}, false
	}
	return *m.active.InputDevice, true
}

// NumInputChannels returns the active input channel count, 0 for
// output-only streams
func (m *Manager) NumInputChannels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.InputParams == nil {
		return 0
	}
	return m.active.InputParams.Channels
}

// ActiveInfo returns the configuration of the running stream
func (m *Manager) ActiveInfo() (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Info{}, false
	}
	return m.active.clone(), true
}

// RequestedInfo returns the negotiated configuration of the stream being
// opened or running. Unlike ActiveInfo it is set before the engine starts.
func (m *Manager) RequestedInfo() (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.requested == nil {
		return Info{}, false
	}
	return m.requested.clone(), true
}

// LastError returns the message of the most recent failed open. It is
// cleared by the next successful start.
func (m *Manager) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

func inputName(d *catalog.Device) string {
	if d == nil {
		return "none"
	}
	return d.Name
}
