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
	"log/slog"
	"sync"
)

// finishNotifier delivers a sink's OnFinished exactly once per stream, on a
// goroutine of its own so it never runs on the caller of Stop/Abort/Close
// and never while that caller still holds the stream.
type finishNotifier struct {
	once sync.Once
	sink Sink
}

func newFinishNotifier(sink Sink) *finishNotifier {
	return &finishNotifier{sink: sink}
}

func (f *finishNotifier) fire() {
	f.once.Do(func() {
		go f.sink.OnFinished()
	})
}

func loggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
