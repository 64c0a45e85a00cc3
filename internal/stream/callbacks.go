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

// Callbacks are the side-effect notifications a Manager fires. They run
// synchronously on the goroutine that caused them: the caller of Request,
// or the engine's finished-notification goroutine. Any field may be nil.
type Callbacks struct {
	Error             func(message string)
	Info              func(message string)
	SampleRateChanged func(sampleRate int)
	Starting          func()
	Started           func()
	Stopped           func()
}

// Chain returns Callbacks that invoke each of cbs in order
func Chain(cbs ...Callbacks) Callbacks {
	return Callbacks{
		Error: func(message string) {
			for _, c := range cbs {
				c.emitError(message)
			}
		},
		Info: func(message string) {
			for _, c := range cbs {
				c.emitInfo(message)
			}
		},
		SampleRateChanged: func(sampleRate int) {
			for _, c := range cbs {
				c.emitSampleRateChanged(sampleRate)
			}
		},
		Starting: func() {
			for _, c := range cbs {
				c.emitStarting()
			}
		},
		Started: func() {
			for _, c := range cbs {
				c.emitStarted()
			}
		},
		Stopped: func() {
			for _, c := range cbs {
				c.emitStopped()
			}
		},
	}
}

func (c Callbacks) emitError(message string) {
	if c.Error != nil {
		c.Error(message)
	}
}

func (c Callbacks) emitInfo(message string) {
	if c.Info != nil {
		c.Info(message)
	}
}

func (c Callbacks) emitSampleRateChanged(sampleRate int) {
	if c.SampleRateChanged != nil {
		c.SampleRateChanged(sampleRate)
	}
}

func (c Callbacks) emitStarting() {
	if c.Starting != nil {
		c.Starting()
	}
}

func (c Callbacks) emitStarted() {
	if c.Started != nil {
		c.Started()
	}
}

func (c Callbacks) emitStopped() {
	if c.Stopped != nil {
		c.Stopped()
	}
}
