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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-duplex-go/internal/audio"
	"github.com/loqalabs/loqa-duplex-go/internal/catalog"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// recorder collects every notification a manager fires, in order
type recorder struct {
	mu         sync.Mutex
	events     []string
	errors     []string
	infos      []string
	rates      []int
	onStarting func()
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		Error: func(message string) {
			r.mu.Lock()
			r.errors = append(r.errors, message)
			r.events = append(r.events, "error")
			r.mu.Unlock()
		},
		Info: func(message string) {
			r.mu.Lock()
			r.infos = append(r.infos, message)
			r.mu.Unlock()
		},
		SampleRateChanged: func(sampleRate int) {
			r.mu.Lock()
			r.rates = append(r.rates, sampleRate)
			r.mu.Unlock()
		},
		Starting: func() {
			r.add("starting")
			r.mu.Lock()
			hook := r.onStarting
			r.onStarting = nil
			r.mu.Unlock()
			if hook != nil {
				hook()
			}
		},
		Started: func() { r.add("started") },
		Stopped: func() { r.add("stopped") },
	}
}

// hookStarting runs fn once, from inside the next starting notification
func (r *recorder) hookStarting(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStarting = fn
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) count(event string) int {
	n := 0
	for _, e := range r.snapshot() {
		if e == event {
			n++
		}
	}
	return n
}

func (r *recorder) errorMessages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.errors...)
}

func (r *recorder) sampleRates() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.rates...)
}

func (r *recorder) infoMessages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.infos...)
}

type fixture struct {
	backend *audio.MockBackend
	catalog *catalog.Catalog
	manager *Manager
	events  *recorder
}

func newFixture(t testing.TB) *fixture {
	t.Helper()

	backend := audio.NewMockBackend()
	cat, err := catalog.New(backend, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	events := &recorder{}
	manager := NewManager(backend, events.callbacks(), nil)
	t.Cleanup(func() { _ = manager.Close() })

	return &fixture{backend: backend, catalog: cat, manager: manager, events: events}
}

func (f *fixture) device(t testing.TB, name string) catalog.Device {
	t.Helper()
	d, ok := f.catalog.DeviceByName(name)
	require.True(t, ok, "device %q should exist", name)
	return d
}

func (f *fixture) outputRequest(t testing.TB, sampleRate int) Request {
	return Request{
		Output:          f.device(t, "Mock Speakers"),
		SampleRate:      sampleRate,
		FramesPerBuffer: 256,
		Latency:         10 * time.Millisecond,
	}
}

func (f *fixture) duplexRequest(t testing.TB, sampleRate int) Request {
	in := f.device(t, "Mock Microphone")
	return Request{
		Input:           &in,
		Output:          f.device(t, "Mock Speakers"),
		SampleRate:      sampleRate,
		FramesPerBuffer: 128,
		Latency:         20 * time.Millisecond,
	}
}

func (f *fixture) waitForState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.manager.State() == want
	}, waitFor, tick, "manager should reach %s", want)
}

func (f *fixture) waitForRate(t *testing.T, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.manager.State() == StateRunning && f.manager.SampleRate() == want
	}, waitFor, tick, "manager should run at %d Hz", want)
}

func TestManagerRequest(t *testing.T) {
	t.Run("output_only", func(t *testing.T) {
		f := newFixture(t)

		f.manager.Request(f.outputRequest(t, 48000))

		assert.Equal(t, StateRunning, f.manager.State())
		assert.True(t, f.manager.IsActive())
		assert.Equal(t, 48000, f.manager.SampleRate())
		assert.Equal(t, []string{"starting", "started"}, f.events.snapshot())
		assert.Equal(t, 0, f.manager.NumInputChannels())
		_, hasInput := f.manager.CurrentInputDevice()
		assert.False(t, hasInput)

		info, ok := f.manager.ActiveInfo()
		require.True(t, ok)
		assert.Nil(t, info.InputParams)
		assert.Equal(t, catalog.OutputChannels, info.OutputParams.Channels)
		assert.Equal(t, 10*time.Millisecond, info.OutputParams.Latency)
		assert.Equal(t, audio.HostAPIMock, info.HostType)
		assert.Empty(t, f.manager.LastError())

		cfg := f.backend.LastStream().Config()
		assert.Nil(t, cfg.Input)
		assert.Equal(t, 2, cfg.Output.Channels)
		assert.Equal(t, 48000.0, cfg.SampleRate)
		assert.Equal(t, 256, cfg.FramesPerBuffer)
	})

	t.Run("duplex", func(t *testing.T) {
		f := newFixture(t)

		f.manager.Request(f.duplexRequest(t, 44100))

		require.Equal(t, StateRunning, f.manager.State())
		assert.Equal(t, 1, f.manager.NumInputChannels())
		in, ok := f.manager.CurrentInputDevice()
		require.True(t, ok)
		assert.Equal(t, "Mock Microphone", in.Name)

		info, ok := f.manager.ActiveInfo()
		require.True(t, ok)
		require.NotNil(t, info.InputParams)
		assert.Equal(t, 1, info.InputParams.Channels)
		assert.Equal(t, 20*time.Millisecond, info.InputParams.Latency)
		assert.Equal(t, 20*time.Millisecond, info.OutputParams.Latency)

		cfg := f.backend.LastStream().Config()
		require.NotNil(t, cfg.Input)
		assert.Equal(t, 1, cfg.Input.Channels)
	})

	t.Run("caller_cannot_mutate_request", func(t *testing.T) {
		f := newFixture(t)
		req := f.duplexRequest(t, 44100)

		f.manager.Request(req)
		req.Input.MaxInputChannels = 8

		in, ok := f.manager.CurrentInputDevice()
		require.True(t, ok)
		assert.Equal(t, 1, in.MaxInputChannels)
	})

	t.Run("invalid_sample_rate", func(t *testing.T) {
		f := newFixture(t)

		f.manager.Request(f.outputRequest(t, 0))

		assert.Equal(t, StateIdle, f.manager.State())
		assert.Len(t, f.events.errorMessages(), 1)
		assert.Zero(t, f.backend.OpenAttempts())
	})
}

func TestManagerNegotiation(t *testing.T) {
	t.Run("requested_rate_supported", func(t *testing.T) {
		f := newFixture(t)
		f.backend.SetSupportedRates(44100, 48000)

		f.manager.Request(f.outputRequest(t, 44100))

		assert.Equal(t, 44100, f.manager.SampleRate())
		assert.Equal(t, []float64{44100}, f.backend.FormatProbes())
		assert.Empty(t, f.events.sampleRates())
	})

	t.Run("falls_back_to_device_default", func(t *testing.T) {
		f := newFixture(t)
		f.backend.SetSupportedRates(48000)

		f.manager.Request(f.outputRequest(t, 96000))

		require.Equal(t, StateRunning, f.manager.State())
		assert.Equal(t, 48000, f.manager.SampleRate())
		assert.Equal(t, []int{48000}, f.events.sampleRates(), "sample rate change fires exactly once")
		assert.Len(t, f.events.infoMessages(), 1)
		assert.Equal(t, []float64{96000, 48000}, f.backend.FormatProbes())
		assert.Equal(t, 48000.0, f.backend.LastStream().Config().SampleRate)
	})

	t.Run("fallback_rejected", func(t *testing.T) {
		f := newFixture(t)
		f.backend.SetSupportedRates(22050)

		f.manager.Request(f.outputRequest(t, 96000))

		assert.Equal(t, StateIdle, f.manager.State())
		assert.False(t, f.manager.IsActive())
		assert.Equal(t, []string{"Invalid sample rate (96000 Hz)"}, f.events.errorMessages())
		assert.Equal(t, "Invalid sample rate (96000 Hz)", f.manager.LastError())
		assert.Equal(t, []float64{96000, 48000}, f.backend.FormatProbes())
		assert.Empty(t, f.events.sampleRates())
		assert.Zero(t, f.backend.OpenAttempts(), "no handle is opened")
		assert.NotContains(t, f.events.snapshot(), "starting")
	})

	t.Run("requested_rate_is_default", func(t *testing.T) {
		f := newFixture(t)
		f.backend.SetSupportedRates(22050)

		f.manager.Request(f.outputRequest(t, 48000))

		assert.Equal(t, StateIdle, f.manager.State())
		assert.Equal(t, []float64{48000}, f.backend.FormatProbes(), "no second probe at the same rate")
		assert.Len(t, f.events.errorMessages(), 1)
	})

	t.Run("format_error", func(t *testing.T) {
		f := newFixture(t)
		f.backend.SetSupportedRates(22050)

		_, err := f.manager.negotiate(f.outputRequest(t, 96000))

		var formatErr *FormatError
		require.ErrorAs(t, err, &formatErr)
		assert.Equal(t, 96000, formatErr.SampleRate)
		assert.Equal(t, 48000, formatErr.FallbackRate)
		assert.Equal(t, "Invalid sample rate (96000 Hz)", err.Error())
	})
}

func TestManagerOpenFailures(t *testing.T) {
	t.Run("open_error", func(t *testing.T) {
		f := newFixture(t)
		f.backend.SetOpenError(errors.New("device unavailable"))

		f.manager.Request(f.outputRequest(t, 48000))

		assert.Equal(t, StateIdle, f.manager.State())
		assert.Equal(t, audio.MaxOpenAttempts, f.backend.OpenAttempts())
		require.Len(t, f.events.errorMessages(), 1)
		assert.Contains(t, f.events.errorMessages()[0], "device unavailable")
		assert.Zero(t, f.backend.LiveStreams())
	})

	t.Run("transient_open_failures", func(t *testing.T) {
		f := newFixture(t)
		f.backend.SetTransientOpenFailures(audio.MaxOpenAttempts - 1)

		f.manager.Request(f.outputRequest(t, 48000))

		assert.Equal(t, StateRunning, f.manager.State())
		assert.Equal(t, audio.MaxOpenAttempts, f.backend.OpenAttempts())
		assert.Empty(t, f.events.errorMessages())
	})

	t.Run("start_error_releases_handle", func(t *testing.T) {
		f := newFixture(t)
		f.backend.SetStartError(errors.New("start failed"))

		f.manager.Request(f.outputRequest(t, 48000))

		assert.Equal(t, StateIdle, f.manager.State())
		assert.Equal(t, []string{"starting", "error"}, f.events.snapshot())
		assert.Equal(t, []string{"start failed"}, f.events.errorMessages())
		assert.Zero(t, f.backend.LiveStreams())
		assert.True(t, f.backend.LastStream().IsClosed())
		assert.Never(t, func() bool {
			return f.events.count("stopped") > 0
		}, 50*time.Millisecond, tick, "finished notification of a failed handle is ignored")
	})

	t.Run("recovers_after_failure", func(t *testing.T) {
		f := newFixture(t)
		f.backend.SetOpenError(errors.New("device unavailable"))
		f.manager.Request(f.outputRequest(t, 48000))
		require.Equal(t, StateIdle, f.manager.State())

		f.backend.SetOpenError(nil)
		f.manager.Request(f.outputRequest(t, 48000))

		assert.Equal(t, StateRunning, f.manager.State())
		assert.Empty(t, f.manager.LastError())
	})

	t.Run("queued_request_applied_after_failure", func(t *testing.T) {
		f := newFixture(t)
		f.events.hookStarting(func() {
			f.backend.LastStream().SetStartError(errors.New("start failed"))
			f.manager.Request(f.outputRequest(t, 44100))
		})

		f.manager.Request(f.outputRequest(t, 48000))

		f.waitForRate(t, 44100)
		assert.Len(t, f.events.errorMessages(), 1)
		assert.Equal(t, 2, f.backend.OpenCount())
		assert.Equal(t, 1, f.backend.MaxLiveStreams())
	})
}

func TestManagerStop(t *testing.T) {
	t.Run("drains_finished_tasks_in_order", func(t *testing.T) {
		f := newFixture(t)
		f.manager.Request(f.outputRequest(t, 48000))
		require.Equal(t, StateRunning, f.manager.State())

		for i := 1; i <= 3; i++ {
			name := fmt.Sprintf("task-%d", i)
			f.manager.PushFinishedTask(func() { f.events.add(name) })
		}

		f.manager.Stop()
		f.waitForState(t, StateIdle)
		require.Eventually(t, func() bool { return f.events.count("stopped") == 1 }, waitFor, tick)

		assert.Equal(t, []string{"starting", "started", "task-1", "task-2", "task-3", "stopped"}, f.events.snapshot())
		assert.Equal(t, 1, f.backend.LastStream().EngineStops())
		assert.Zero(t, f.backend.LiveStreams())
		assert.False(t, f.manager.IsActive())
		_, ok := f.manager.ActiveInfo()
		assert.False(t, ok)

		// tasks run only once
		f.manager.Request(f.outputRequest(t, 48000))
		f.manager.Stop()
		require.Eventually(t, func() bool { return f.events.count("stopped") == 2 }, waitFor, tick)
		assert.Equal(t, 1, f.events.count("task-1"))
	})

	t.Run("stays_stopping_until_finished", func(t *testing.T) {
		f := newFixture(t)
		f.backend.SetHoldFinished(true)
		f.manager.Request(f.outputRequest(t, 48000))
		stream := f.backend.LastStream()

		f.manager.Stop()
		require.Eventually(t, func() bool { return stream.StopCalls() == 1 }, waitFor, tick)
		assert.Equal(t, StateStopping, f.manager.State())

		f.manager.Stop()
		assert.Equal(t, StateStopping, f.manager.State(), "stop while stopping is a no-op")

		stream.ReleaseFinished()
		f.waitForState(t, StateIdle)
		assert.Equal(t, 1, stream.StopCalls())
	})

	t.Run("idle_is_noop", func(t *testing.T) {
		f := newFixture(t)

		f.manager.Stop()

		assert.Equal(t, StateIdle, f.manager.State())
		assert.Empty(t, f.events.snapshot())
	})

	t.Run("while_opening", func(t *testing.T) {
		f := newFixture(t)
		f.events.hookStarting(func() {
			assert.Equal(t, StateOpening, f.manager.State())
			f.manager.Stop()
		})

		f.manager.Request(f.outputRequest(t, 48000))

		f.waitForState(t, StateIdle)
		require.Eventually(t, func() bool { return f.events.count("stopped") == 1 }, waitFor, tick)
		assert.Equal(t, []string{"starting", "started", "stopped"}, f.events.snapshot())
		assert.Equal(t, 1, f.backend.OpenCount())
	})

	t.Run("engine_ends_stream", func(t *testing.T) {
		f := newFixture(t)
		f.manager.Request(f.outputRequest(t, 48000))
		ran := make(chan struct{})
		f.manager.PushFinishedTask(func() { close(ran) })

		f.backend.LastStream().Finish()

		f.waitForState(t, StateIdle)
		<-ran
		require.Eventually(t, func() bool { return f.events.count("stopped") == 1 }, waitFor, tick)
		assert.Zero(t, f.backend.LiveStreams())
	})
}

func TestManagerReconfiguration(t *testing.T) {
	t.Run("never_holds_two_handles", func(t *testing.T) {
		f := newFixture(t)
		f.backend.SetStopDelay(20 * time.Millisecond)
		f.manager.Request(f.outputRequest(t, 48000))

		f.manager.Request(f.outputRequest(t, 44100))
		assert.Equal(t, StateStopping, f.manager.State(), "request while running returns without waiting for the stop")

		f.waitForRate(t, 44100)
		assert.Equal(t, 2, f.backend.OpenCount())
		assert.Equal(t, 1, f.backend.MaxLiveStreams())
		assert.Equal(t, 1, f.backend.LiveStreams())
		assert.Equal(t, []string{"starting", "started", "stopped", "starting", "started"}, f.events.snapshot())
	})

	t.Run("last_write_wins", func(t *testing.T) {
		f := newFixture(t)
		f.backend.SetHoldFinished(true)
		f.manager.Request(f.outputRequest(t, 48000))
		first := f.backend.LastStream()

		f.manager.Request(f.outputRequest(t, 44100))
		require.Eventually(t, func() bool { return first.StopCalls() == 1 }, waitFor, tick)
		f.manager.Request(f.outputRequest(t, 96000))
		f.manager.Request(f.outputRequest(t, 32000))
		assert.Equal(t, StateStopping, f.manager.State())
		assert.Equal(t, 1, f.backend.OpenCount(), "queued requests open nothing")

		first.ReleaseFinished()

		f.waitForRate(t, 32000)
		assert.Equal(t, 2, f.backend.OpenCount())
		assert.Equal(t, 1, f.backend.MaxLiveStreams())
		assert.Equal(t, 1, first.StopCalls())
	})

	t.Run("request_while_opening", func(t *testing.T) {
		f := newFixture(t)
		f.events.hookStarting(func() {
			f.manager.Request(f.outputRequest(t, 44100))
		})

		f.manager.Request(f.outputRequest(t, 48000))

		f.waitForRate(t, 44100)
		assert.Equal(t, 2, f.backend.OpenCount())
		assert.Equal(t, 1, f.backend.MaxLiveStreams())
	})

	t.Run("finished_tasks_run_before_reopen", func(t *testing.T) {
		f := newFixture(t)
		f.manager.Request(f.outputRequest(t, 48000))
		opensWhenTaskRan := -1
		f.manager.PushFinishedTask(func() { opensWhenTaskRan = f.backend.OpenCount() })

		f.manager.Request(f.outputRequest(t, 44100))

		f.waitForRate(t, 44100)
		assert.Equal(t, 1, opensWhenTaskRan)
	})
}

func TestManagerAbort(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		f := newFixture(t)

		f.manager.Abort()

		assert.Equal(t, StateIdle, f.manager.State())
		assert.Empty(t, f.events.infoMessages())
	})

	t.Run("running", func(t *testing.T) {
		f := newFixture(t)
		f.manager.Request(f.outputRequest(t, 48000))
		stream := f.backend.LastStream()

		f.manager.Abort()

		assert.Equal(t, StateIdle, f.manager.State())
		assert.False(t, f.manager.IsActive())
		assert.Zero(t, f.backend.LiveStreams())
		assert.Equal(t, 1, stream.AbortCalls())
		assert.Zero(t, stream.StopCalls())
		assert.Never(t, func() bool {
			return f.events.count("stopped") > 0
		}, 50*time.Millisecond, tick)
	})

	t.Run("opening", func(t *testing.T) {
		f := newFixture(t)
		f.events.hookStarting(func() {
			f.manager.Abort()
		})

		f.manager.Request(f.outputRequest(t, 48000))

		assert.Equal(t, StateIdle, f.manager.State())
		assert.Zero(t, f.backend.LiveStreams())
		assert.NotContains(t, f.events.snapshot(), "started")
		assert.Empty(t, f.events.errorMessages())
	})

	t.Run("stopping_discards_queued_request", func(t *testing.T) {
		f := newFixture(t)
		f.backend.SetHoldFinished(true)
		f.manager.Request(f.outputRequest(t, 48000))
		stream := f.backend.LastStream()
		f.manager.Request(f.outputRequest(t, 44100))
		require.Eventually(t, func() bool { return stream.StopCalls() == 1 }, waitFor, tick)
		require.Equal(t, StateStopping, f.manager.State())

		f.manager.Abort()
		assert.Equal(t, StateIdle, f.manager.State())
		assert.Zero(t, f.backend.LiveStreams())

		stream.ReleaseFinished()
		assert.Never(t, func() bool {
			return f.manager.State() != StateIdle || f.events.count("stopped") > 0
		}, 50*time.Millisecond, tick, "stale finished notification is ignored")
		assert.Equal(t, 1, f.backend.OpenCount())
	})

	t.Run("keeps_finished_tasks", func(t *testing.T) {
		f := newFixture(t)
		f.manager.Request(f.outputRequest(t, 48000))
		runs := 0
		f.manager.PushFinishedTask(func() { runs++ })

		f.manager.Abort()
		assert.Zero(t, runs)

		f.manager.Request(f.outputRequest(t, 48000))
		f.manager.Stop()
		require.Eventually(t, func() bool { return f.events.count("stopped") == 1 }, waitFor, tick)
		assert.Equal(t, 1, runs)
	})

	t.Run("ready_for_next_request", func(t *testing.T) {
		f := newFixture(t)
		f.manager.Request(f.outputRequest(t, 48000))
		f.manager.Abort()

		f.manager.Request(f.outputRequest(t, 44100))

		assert.Equal(t, StateRunning, f.manager.State())
		assert.Equal(t, 44100, f.manager.SampleRate())
		assert.Equal(t, 1, f.backend.MaxLiveStreams())
	})
}

func TestManagerRoundTrip(t *testing.T) {
	f := newFixture(t)
	req := f.duplexRequest(t, 44100)

	f.manager.Request(req)
	first, ok := f.manager.ActiveInfo()
	require.True(t, ok)

	f.manager.Stop()
	f.waitForState(t, StateIdle)

	f.manager.Request(req)
	second, ok := f.manager.ActiveInfo()
	require.True(t, ok)

	assert.Equal(t, first, second)
}

func TestManagerCallbackSlot(t *testing.T) {
	t.Run("forwards_buffers", func(t *testing.T) {
		f := newFixture(t)
		f.backend.SetInputGenerator(func(in []float32) {
			for i := range in {
				in[i] = 0.25
			}
		})

		var gotUserData any
		f.manager.SetCallback(func(buf *audio.Buffer, userData any) {
			gotUserData = userData
			for frame := 0; frame < buf.Frames; frame++ {
				for ch := 0; ch < buf.OutChannels; ch++ {
					buf.Out[frame*buf.OutChannels+ch] = buf.In[frame*buf.InChannels]
				}
			}
		}, "context")

		f.manager.Request(f.duplexRequest(t, 44100))
		stream := f.backend.LastStream()
		require.Equal(t, 3, stream.Pump(3))

		assert.Equal(t, "context", gotUserData)
		for _, s := range stream.LastOutput() {
			require.Equal(t, float32(0.25), s)
		}
	})

	t.Run("silence_without_callback", func(t *testing.T) {
		f := newFixture(t)
		f.manager.SetCallback(func(buf *audio.Buffer, _ any) {
			for i := range buf.Out {
				buf.Out[i] = 1
			}
		}, nil)
		f.manager.Request(f.outputRequest(t, 48000))
		stream := f.backend.LastStream()
		stream.Pump(1)
		require.Equal(t, float32(1), stream.LastOutput()[0])

		f.manager.SetCallback(nil, nil)
		stream.Pump(1)

		for _, s := range stream.LastOutput() {
			require.Zero(t, s)
		}
	})

	t.Run("reinstalled_on_reopen", func(t *testing.T) {
		f := newFixture(t)
		calls := 0
		f.manager.SetCallback(func(buf *audio.Buffer, _ any) { calls++ }, nil)

		f.manager.Request(f.outputRequest(t, 48000))
		f.backend.LastStream().Pump(1)
		f.manager.Request(f.outputRequest(t, 44100))
		f.waitForRate(t, 44100)
		f.backend.LastStream().Pump(2)

		assert.Equal(t, 3, calls)
	})
}

func TestManagerStatus(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		f := newFixture(t)

		assert.Equal(t, StateIdle, f.manager.State())
		assert.False(t, f.manager.IsActive())
		assert.Zero(t, f.manager.SampleRate())
		assert.Equal(t, audio.HostAPIUnknown, f.manager.HostType())
		assert.Zero(t, f.manager.CPULoad())
		assert.Zero(t, f.manager.Time())
		_, ok := f.manager.Latency()
		assert.False(t, ok)
	})

	t.Run("running", func(t *testing.T) {
		f := newFixture(t)
		f.manager.Request(f.outputRequest(t, 48000))
		f.backend.LastStream().Pump(4)

		assert.Equal(t, audio.HostAPIMock, f.manager.HostType())
		assert.Greater(t, f.manager.CPULoad(), 0.0)
		assert.Greater(t, f.manager.Time(), time.Duration(0))
		latency, ok := f.manager.Latency()
		require.True(t, ok)
		assert.Equal(t, 48000.0, latency.SampleRate)
	})
}

func TestManagerClose(t *testing.T) {
	f := newFixture(t)
	f.manager.Request(f.outputRequest(t, 48000))

	require.NoError(t, f.manager.Close())
	require.NoError(t, f.manager.Close())

	f.manager.Request(f.outputRequest(t, 48000))
	assert.Equal(t, StateIdle, f.manager.State())
	assert.Equal(t, 1, f.backend.OpenCount())
	assert.Zero(t, f.backend.LiveStreams())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "opening", StateOpening.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestChain(t *testing.T) {
	var got []string
	first := Callbacks{
		Error:   func(m string) { got = append(got, "first:"+m) },
		Started: func() { got = append(got, "first:started") },
	}
	second := Callbacks{
		Error:             func(m string) { got = append(got, "second:"+m) },
		SampleRateChanged: func(r int) { got = append(got, fmt.Sprintf("second:%d", r)) },
	}

	chained := Chain(first, second, Callbacks{})
	chained.Error("boom")
	chained.Started()
	chained.SampleRateChanged(48000)
	chained.Stopped()
	chained.Info("ignored")
	chained.Starting()

	assert.Equal(t, []string{"first:boom", "second:boom", "first:started", "second:48000"}, got)
}
