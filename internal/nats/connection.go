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
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Connection is the part of *nats.Conn the control plane uses, for
// dependency injection
type Connection interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Publish(subject string, data []byte) error
	Close()
}

// ConnectionAdapter adapts *nats.Conn to Connection
type ConnectionAdapter struct {
	conn *nats.Conn
}

func NewConnectionAdapter(conn *nats.Conn) *ConnectionAdapter {
	return &ConnectionAdapter{conn: conn}
}

func (a *ConnectionAdapter) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	return a.conn.Subscribe(subject, cb)
}

func (a *ConnectionAdapter) Publish(subject string, data []byte) error {
	return a.conn.Publish(subject, data)
}

func (a *ConnectionAdapter) Close() {
	if err := a.conn.Drain(); err != nil {
		a.conn.Close()
	}
}

// Connect dials url, retrying up to attempts times with delay in between
func Connect(url string, attempts int, delay time.Duration, logger *slog.Logger, opts ...nats.Option) (*ConnectionAdapter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var nc *nats.Conn
	var err error

	for i := 0; i < attempts; i++ {
		nc, err = nats.Connect(url, opts...)
		if err == nil {
			break
		}
		logger.Warn("⚠️  Failed to connect to NATS",
			slog.Int("attempt", i+1),
			slog.Int("max_attempts", attempts),
			slog.Any("error", err))
		if i < attempts-1 {
			time.Sleep(delay)
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", attempts, err)
	}

	logger.Info("✅ Connected to NATS", slog.String("url", url))
	return NewConnectionAdapter(nc), nil
}

// ControlSubject is where commands for one daemon arrive
func ControlSubject(prefix, id string) string {
	return fmt.Sprintf("%s.%s.control", prefix, id)
}

// EventSubject is where one daemon publishes lifecycle events
func EventSubject(prefix, id string) string {
	return fmt.Sprintf("%s.%s.events", prefix, id)
}
