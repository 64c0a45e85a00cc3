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

package nats

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-duplex-go/internal/stream"
)

// Event types
const (
	EventError             = "error"
	EventInfo              = "info"
	EventSampleRateChanged = "sample_rate_changed"
	EventStarting          = "starting"
	EventStarted           = "started"
	EventStopped           = "stopped"
)

// Event is one lifecycle notification as published on the event subject
type Event struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Message    string `json:"message,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// EventPublisher forwards manager notifications to NATS
type EventPublisher struct {
	conn    Connection
	id      string
	subject string
	logger  *slog.Logger
	now     func() time.Time
}

// NewEventPublisher creates a publisher for EventSubject(prefix, id)
func NewEventPublisher(conn Connection, prefix, id string, logger *slog.Logger) *EventPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPublisher{
		conn:    conn,
		id:      id,
		subject: EventSubject(prefix, id),
		logger:  logger.With("component", "nats-events"),
		now:     time.Now,
	}
}

// Callbacks returns manager notifications that publish events
func (p *EventPublisher) Callbacks() stream.Callbacks {
	return stream.Callbacks{
		Error: func(message string) {
			p.Publish(Event{Type: EventError, Message: message})
		},
		Info: func(message string) {
			p.Publish(Event{Type: EventInfo, Message: message})
		},
		SampleRateChanged: func(sampleRate int) {
			p.Publish(Event{Type: EventSampleRateChanged, SampleRate: sampleRate})
		},
		Starting: func() {
			p.Publish(Event{Type: EventStarting})
		},
		Started: func() {
			p.Publish(Event{Type: EventStarted})
		},
		Stopped: func() {
			p.Publish(Event{Type: EventStopped})
		},
	}
}

// Publish stamps and sends one event. Failures are logged, never returned.
func (p *EventPublisher) Publish(e Event) {
	e.ID = p.id
	e.Timestamp = p.now().UnixMilli()

	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("❌ Failed to marshal event", slog.Any("error", err))
		return
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		p.logger.Warn("⚠️  Failed to publish event", slog.String("type", e.Type), slog.Any("error", err))
	}
}
