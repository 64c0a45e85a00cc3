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
	"github.com/loqalabs/loqa-duplex-go/internal/audio"
)

// Callback processes one buffer on the engine's real-time thread. It must
// not allocate, lock or block.
type Callback func(buf *audio.Buffer, userData any)

type callbackSlot struct {
	fn       Callback
	userData any
}

// handleSink is what each opened handle calls back into. The generation
// lets the manager recognise notifications from handles it already let go.
type handleSink struct {
	manager    *Manager
	generation uint64
}

// OnBuffer is the real-time path
// HOTPATH
func (s *handleSink) OnBuffer(buf *audio.Buffer) {
	slot := s.manager.slot.Load()
	if slot == nil || slot.fn == nil {
		clear(buf.Out)
		return
	}
	slot.fn(buf, slot.userData)
}

func (s *handleSink) OnFinished() {
	s.manager.onFinished(s.generation)
}
