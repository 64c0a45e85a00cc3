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
	"log/slog"
	"time"
)

// MaxOpenAttempts bounds the open retry. Some host APIs (ASIO, WASAPI in
// exclusive mode) intermittently refuse the first open after a device was
// released; a second or third attempt succeeds. This is a driver workaround,
// not a general resilience policy, and no other engine call is retried.
const MaxOpenAttempts = 3

// openRetryDelay is the pause between open attempts
var openRetryDelay = 50 * time.Millisecond

// openWithRetry runs open up to MaxOpenAttempts times and returns the first
// handle it produces, or the last engine error
func openWithRetry(logger *slog.Logger, open func() (StreamHandle, error)) (StreamHandle, error) {
	var lastErr error

	for attempt := 1; attempt <= MaxOpenAttempts; attempt++ {
		handle, err := open()
		if err == nil {
			if attempt > 1 {
				logger.Info("Stream opened after retry", slog.Int("attempt", attempt))
			}
			return handle, nil
		}
		lastErr = err

		if attempt < MaxOpenAttempts {
			logger.Warn("Failed to open stream, retrying",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", MaxOpenAttempts),
				slog.Any("error", err),
			)
			time.Sleep(openRetryDelay)
		}
	}

	return nil, fmt.Errorf("failed to open stream after %d attempts: %w", MaxOpenAttempts, lastErr)
}
