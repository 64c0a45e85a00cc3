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

// Package source provides real-time callbacks that feed a stream
package source

import (
	"fmt"
	"math"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-audio/wav"
	"go.uber.org/multierr"

	"github.com/loqalabs/loqa-duplex-go/internal/audio"
)

// Clip plays decoded PCM through a stream's output. Process is meant to be
// installed with stream.Manager.SetCallback; everything else may be called
// from any goroutine.
type Clip struct {
	samples    []float32 // interleaved
	channels   int
	sampleRate int
	frames     int

	loop   atomic.Bool
	gain   atomic.Uint32 // float32 bits
	cursor atomic.Int64  // next frame
}

// NewClip wraps interleaved samples in [-1, 1]
func NewClip(samples []float32, channels, sampleRate int) *Clip {
	if channels < 1 {
		channels = 1
	}
	c := &Clip{
		samples:    samples,
		channels:   channels,
		sampleRate: sampleRate,
		frames:     len(samples) / channels,
	}
	c.SetGain(1)
	return c
}

// LoadWAV decodes a PCM WAV file into a clip
func LoadWAV(filePath string) (clip *Clip, err error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("error opening WAV file: %w", err)
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("invalid WAV file: %s", filePath)
	}

	buffer, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("error decoding WAV file: %w", err)
	}
	if buffer.Format == nil || buffer.Format.NumChannels < 1 {
		return nil, fmt.Errorf("WAV file %s has no channels", filePath)
	}

	bitDepth := buffer.SourceBitDepth
	if bitDepth == 0 {
		bitDepth = int(decoder.BitDepth)
	}
	if bitDepth < 8 || bitDepth > 32 {
		return nil, fmt.Errorf("unsupported WAV bit depth %d", bitDepth)
	}

	scale := float32(math.Pow(2, float64(bitDepth-1)))
	samples := make([]float32, len(buffer.Data))
	for i, s := range buffer.Data {
		if bitDepth == 8 {
			// 8-bit WAV is unsigned
			s -= 128
		}
		samples[i] = float32(s) / scale
	}

	return NewClip(samples, buffer.Format.NumChannels, buffer.Format.SampleRate), nil
}

// SetLoop makes the clip restart from the beginning when it ends
func (c *Clip) SetLoop(loop bool) {
	c.loop.Store(loop)
}

// SetGain scales every sample written to the output
func (c *Clip) SetGain(gain float32) {
	c.gain.Store(math.Float32bits(gain))
}

// Rewind moves playback back to the first frame
func (c *Clip) Rewind() {
	c.cursor.Store(0)
}

// Done reports whether a non-looping clip has played to the end
func (c *Clip) Done() bool {
	return !c.loop.Load() && c.cursor.Load() >= int64(c.frames)
}

// Position returns how far playback has progressed
func (c *Clip) Position() time.Duration {
	return c.frameDuration(c.cursor.Load())
}

// Duration returns the clip length
func (c *Clip) Duration() time.Duration {
	return c.frameDuration(int64(c.frames))
}

func (c *Clip) frameDuration(frames int64) time.Duration {
	if c.sampleRate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(c.sampleRate)
}

func (c *Clip) Channels() int   { return c.channels }
func (c *Clip) SampleRate() int { return c.sampleRate }
func (c *Clip) Frames() int     { return c.frames }

// Process fills buf.Out from the clip. Clip channels map onto output
// channels modulo the clip's channel count, so mono plays on every output.
// HOTPATH
func (c *Clip) Process(buf *audio.Buffer, _ any) {
	out := buf.Out
	outChannels := buf.OutChannels
	if outChannels < 1 {
		return
	}

	gain := math.Float32frombits(c.gain.Load())
	loop := c.loop.Load()
	pos := c.cursor.Load()
	frames := len(out) / outChannels

	for f := 0; f < frames; f++ {
		if pos >= int64(c.frames) {
			if !loop || c.frames == 0 {
				clear(out[f*outChannels:])
				break
			}
			pos = 0
		}
		src := int(pos) * c.channels
		for ch := 0; ch < outChannels; ch++ {
			out[f*outChannels+ch] = c.samples[src+ch%c.channels] * gain
		}
		pos++
	}

	c.cursor.Store(pos)
}
