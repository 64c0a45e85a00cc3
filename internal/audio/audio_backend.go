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
	"errors"
	"time"
)

var (
	// ErrNotInitialized is returned when the engine is used before Initialize.
	ErrNotInitialized = errors.New("audio engine not initialized")

	// ErrStreamClosed is returned by handle operations after Close.
	ErrStreamClosed = errors.New("stream is closed")

	// ErrFormatNotSupported is the generic negotiation failure used by
	// backends that cannot report a more specific reason.
	ErrFormatNotSupported = errors.New("invalid sample rate or format not supported")
)

// HostAPIType identifies the driver family a host API belongs to
type HostAPIType int

const (
	HostAPIUnknown HostAPIType = iota - 1
	HostAPIInDevelopment
	HostAPIDirectSound
	HostAPIMME
	HostAPIASIO
	HostAPISoundManager
	HostAPICoreAudio
	_
	HostAPIOSS
	HostAPIALSA
	HostAPIAL
	HostAPIBeOS
	HostAPIWDMKS
	HostAPIJACK
	HostAPIWASAPI
	HostAPIAudioScienceHPI
	HostAPIMiniaudio HostAPIType = 100
	HostAPIMock      HostAPIType = 101
)

func (t HostAPIType) String() string {
	switch t {
	case HostAPIInDevelopment:
		return "InDevelopment"
	case HostAPIDirectSound:
		return "DirectSound"
	case HostAPIMME:
		return "MME"
	case HostAPIASIO:
		return "ASIO"
	case HostAPISoundManager:
		return "SoundManager"
	case HostAPICoreAudio:
		return "CoreAudio"
	case HostAPIOSS:
		return "OSS"
	case HostAPIALSA:
		return "ALSA"
	case HostAPIAL:
		return "AL"
	case HostAPIBeOS:
		return "BeOS"
	case HostAPIWDMKS:
		return "WDMKS"
	case HostAPIJACK:
		return "JACK"
	case HostAPIWASAPI:
		return "WASAPI"
	case HostAPIAudioScienceHPI:
		return "AudioScienceHPI"
	case HostAPIMiniaudio:
		return "miniaudio"
	case HostAPIMock:
		return "mock"
	default:
		return "unknown"
	}
}

// NoDevice marks an absent device index
const NoDevice = -1

// DeviceDescriptor is the raw capability record an engine reports for one device
type DeviceDescriptor struct {
	Index                   int
	Name                    string
	HostIndex               int
	MaxInputChannels        int
	MaxOutputChannels       int
	DefaultSampleRate       float64
	DefaultLowInputLatency  time.Duration
	DefaultLowOutputLatency time.Duration
	IsLoopback              bool
}

// HostDescriptor is the raw record an engine reports for one host API
type HostDescriptor struct {
	Index               int
	Type                HostAPIType
	Name                string
	DeviceCount         int
	DefaultInputDevice  int
	DefaultOutputDevice int
}

// StreamParameters describes one direction of a stream. Samples are always
// interleaved float32.
type StreamParameters struct {
	Device   int
	Channels int
	Latency  time.Duration
}

// StreamFlags are passed through to the engine when opening a stream
type StreamFlags uint64

const (
	NoFlag  StreamFlags = 0
	ClipOff StreamFlags = 1 << (iota - 1)
	DitherOff
	NeverDropInput
	PrimeOutputBuffersUsingStreamCallback
)

// StreamConfig holds everything needed to open one stream
type StreamConfig struct {
	Input           *StreamParameters // nil for output-only streams
	Output          StreamParameters
	SampleRate      float64
	FramesPerBuffer int
	Flags           StreamFlags
}

// StreamInfo is the timing information an open stream reports
type StreamInfo struct {
	InputLatency  time.Duration
	OutputLatency time.Duration
	SampleRate    float64
}

// StatusFlags report under/overflow conditions to the real-time callback
type StatusFlags uint64

const (
	InputUnderflow StatusFlags = 1 << iota
	InputOverflow
	OutputUnderflow
	OutputOverflow
	PrimingOutput
)

// TimeInfo carries the engine clock for one callback invocation
type TimeInfo struct {
	InputBufferAdcTime  time.Duration
	CurrentTime         time.Duration
	OutputBufferDacTime time.Duration
}

// Buffer is handed to the real-time callback. Backends pre-allocate one
// Buffer per open stream and refill it on every invocation, so callbacks
// must not retain it.
type Buffer struct {
	In          []float32 // interleaved, nil for output-only streams
	Out         []float32 // interleaved
	InChannels  int
	OutChannels int
	Frames      int
	Time        TimeInfo
	Flags       StatusFlags
}

// Sink receives everything an open stream produces. OnBuffer runs on the
// engine's real-time thread and must not allocate, lock or block.
// OnFinished fires once per opened stream, after the stream has fully
// stopped, and never overlaps an OnBuffer call.
type Sink interface {
	OnBuffer(buf *Buffer)
	OnFinished()
}

// Backend provides an abstraction layer over an audio engine
// This enables dependency injection and makes testing hardware-independent
type Backend interface {
	// Initialize the audio engine
	Initialize() error

	// Terminate the audio engine
	Terminate() error

	// Hosts lists the host APIs the engine knows about
	Hosts() ([]HostDescriptor, error)

	// Devices lists every device across all host APIs
	Devices() ([]DeviceDescriptor, error)

	// DefaultHost returns the index of the engine's default host API
	DefaultHost() (int, error)

	// DefaultInputDevice returns the default input device index or NoDevice
	DefaultInputDevice() (int, error)

	// DefaultOutputDevice returns the default output device index or NoDevice
	DefaultOutputDevice() (int, error)

	// IsFormatSupported returns nil when the engine accepts the parameters at
	// the given rate, otherwise an error carrying the engine's reason
	IsFormatSupported(in *StreamParameters, out StreamParameters, sampleRate float64) error

	// OpenStream opens a stream that delivers buffers and the finished
	// notification to sink
	OpenStream(cfg StreamConfig, sink Sink) (StreamHandle, error)
}

// StreamHandle abstracts one open engine stream
type StreamHandle interface {
	// Start the stream
	Start() error

	// Stop the stream gracefully. Blocks until the engine has drained; the
	// sink's OnFinished fires afterwards.
	Stop() error

	// Abort the stream immediately, discarding pending buffers
	Abort() error

	// Close the stream and release resources
	Close() error

	// IsActive returns true while the engine is running the callback
	IsActive() bool

	// Info returns latency and sample rate as opened
	Info() StreamInfo

	// Time returns the stream clock
	Time() time.Duration

	// CPULoad returns the fraction of the callback budget in use
	CPULoad() float64

	// HostType returns the host API of the output device
	HostType() HostAPIType
}
