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

// Package stream owns the lifecycle of one duplex audio stream: format
// negotiation with a single fallback to the output device's default rate,
// reconfiguration while running without ever holding two engine streams,
// the finished-task queue and the real-time callback slot.
//
// A Manager moves between four states:
//
//	Idle --Request--> Opening --started--> Running
//	Running --Request/Stop--> Stopping --finished--> Idle (or Opening if a request was queued)
//	any --Abort--> Idle
//
// Failures always end in Idle and are reported through Callbacks.Error.
package stream
