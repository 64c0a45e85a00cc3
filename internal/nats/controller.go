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
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-duplex-go/internal/catalog"
	"github.com/loqalabs/loqa-duplex-go/internal/stream"
)

// Command actions
const (
	ActionRequest = "request"
	ActionStop    = "stop"
	ActionAbort   = "abort"
	ActionStatus  = "status"
)

// Command is a control message sent to the daemon
type Command struct {
	Action          string `json:"action"`
	Host            string `json:"host,omitempty"`
	InputDevice     string `json:"input_device,omitempty"`
	OutputDevice    string `json:"output_device,omitempty"`
	SampleRate      int    `json:"sample_rate,omitempty"`
	FramesPerBuffer int    `json:"frames_per_buffer,omitempty"`
	LatencyMs       int    `json:"latency_ms,omitempty"`
}

// Reply answers a command that carried a reply subject
type Reply struct {
	ID     string         `json:"id"`
	Action string         `json:"action"`
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Status *stream.Status `json:"status,omitempty"`
}

// Controller drives a stream.Manager from NATS commands
type Controller struct {
	conn    Connection
	id      string
	subject string
	manager *stream.Manager
	catalog *catalog.Catalog
	logger  *slog.Logger

	// Observe, when set, is called once per command after it was handled
	Observe func(action string, err error)
}

// NewController creates a controller listening on ControlSubject(prefix, id)
func NewController(conn Connection, prefix, id string, manager *stream.Manager, cat *catalog.Catalog, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		conn:    conn,
		id:      id,
		subject: ControlSubject(prefix, id),
		manager: manager,
		catalog: cat,
		logger:  logger.With("component", "nats-controller"),
	}
}

// Start begins listening for commands
func (c *Controller) Start() error {
	if _, err := c.conn.Subscribe(c.subject, c.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.subject, err)
	}
	c.logger.Info("🎧 Subscribed to control subject", slog.String("subject", c.subject))
	return nil
}

func (c *Controller) handleMessage(msg *nats.Msg) {
	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		c.logger.Error("❌ Failed to unmarshal control command", slog.Any("error", err))
		c.reply(msg, Reply{ID: c.id, Error: fmt.Sprintf("invalid command: %v", err)})
		return
	}

	err := c.Handle(cmd)
	if c.Observe != nil {
		c.Observe(cmd.Action, err)
	}

	r := Reply{ID: c.id, Action: cmd.Action, OK: err == nil}
	if err != nil {
		r.Error = err.Error()
	}
	if cmd.Action == ActionStatus || cmd.Action == ActionRequest {
		status := c.manager.Status()
		r.Status = &status
	}
	c.reply(msg, r)
}

// Handle applies one command to the manager
func (c *Controller) Handle(cmd Command) error {
	c.logger.Info("📥 Received control command", slog.String("action", cmd.Action))

	switch cmd.Action {
	case ActionRequest:
		req, err := stream.Resolve(c.catalog, stream.DeviceSpec{
			Host:            cmd.Host,
			Input:           cmd.InputDevice,
			Output:          cmd.OutputDevice,
			SampleRate:      cmd.SampleRate,
			FramesPerBuffer: cmd.FramesPerBuffer,
			Latency:         time.Duration(cmd.LatencyMs) * time.Millisecond,
		})
		if err != nil {
			return err
		}
		c.manager.Request(req)
		return nil
	case ActionStop:
		c.manager.Stop()
		return nil
	case ActionAbort:
		c.manager.Abort()
		return nil
	case ActionStatus:
		return nil
	default:
		return fmt.Errorf("unknown action %q", cmd.Action)
	}
}

func (c *Controller) reply(msg *nats.Msg, r Reply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		c.logger.Error("❌ Failed to marshal reply", slog.Any("error", err))
		return
	}
	if err := c.conn.Publish(msg.Reply, data); err != nil {
		c.logger.Warn("⚠️  Failed to publish reply", slog.String("subject", msg.Reply), slog.Any("error", err))
	}
}
