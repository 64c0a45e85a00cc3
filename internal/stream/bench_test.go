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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-duplex-go/internal/audio"
)

func gainCallback(buf *audio.Buffer, userData any) {
	gain := userData.(*float32)
	for i := range buf.Out {
		buf.Out[i] = 0.25 * *gain
	}
}

func BenchmarkCallbackDispatch(b *testing.B) {
	for _, frames := range []int{64, 256, 1024} {
		b.Run(fmt.Sprintf("frames_%d", frames), func(b *testing.B) {
			f := newFixture(b)
			req := f.outputRequest(b, 48000)
			req.FramesPerBuffer = frames
			f.manager.Request(req)
			require.Equal(b, StateRunning, f.manager.State())

			gain := float32(0.5)
			f.manager.SetCallback(gainCallback, &gain)
			stream := f.backend.LastStream()

			b.ReportAllocs()
			b.SetBytes(int64(frames * 2 * 4))
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				stream.Pump(1)
			}
		})
	}
}

func BenchmarkCallbackSwap(b *testing.B) {
	f := newFixture(b)
	f.manager.Request(f.outputRequest(b, 48000))
	require.Equal(b, StateRunning, f.manager.State())
	stream := f.backend.LastStream()

	gain := float32(1)
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if i%2 == 0 {
			f.manager.SetCallback(gainCallback, &gain)
		} else {
			f.manager.SetCallback(nil, nil)
		}
		stream.Pump(1)
	}
}

func TestManagerConcurrentControl(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load pattern in short mode")
	}

	f := newFixture(t)
	f.backend.SetStopDelay(time.Millisecond)
	requests := []Request{f.outputRequest(t, 48000), f.outputRequest(t, 44100)}

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				switch (worker + i) % 5 {
				case 0, 1:
					f.manager.Request(requests[i%2])
				case 2:
					f.manager.Stop()
				case 3:
					f.manager.PushFinishedTask(func() {})
				case 4:
					_ = f.manager.Status()
					if s := f.backend.LastStream(); s != nil {
						s.Pump(1)
					}
				}
			}
		}(worker)
	}
	wg.Wait()

	// A queued request may reopen after the first stop lands.
	assert.Eventually(t, func() bool {
		f.manager.Stop()
		return f.manager.State() == StateIdle
	}, 5*time.Second, 5*time.Millisecond)

	f.manager.Abort()
	assert.Equal(t, StateIdle, f.manager.State())
	assert.False(t, f.manager.IsActive())
	assert.Eventually(t, func() bool {
		return f.backend.LiveStreams() == 0
	}, 5*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, f.events.count("stopped"), f.events.count("started"))
}
