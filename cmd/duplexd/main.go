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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/loqalabs/loqa-duplex-go/internal/audio"
	"github.com/loqalabs/loqa-duplex-go/internal/catalog"
	"github.com/loqalabs/loqa-duplex-go/internal/config"
	"github.com/loqalabs/loqa-duplex-go/internal/metrics"
	natsctl "github.com/loqalabs/loqa-duplex-go/internal/nats"
	"github.com/loqalabs/loqa-duplex-go/internal/source"
	"github.com/loqalabs/loqa-duplex-go/internal/stream"
)

const natsRetryDelay = 2 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to load .env: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr, os.LookupEnv); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	listDevices bool
	cfg         *config.Config
}

// parseOptions layers flags over the environment over the config file
func parseOptions(args []string, stderr io.Writer, lookup func(string) (string, bool)) (*options, error) {
	flags := flag.NewFlagSet("duplexd", flag.ContinueOnError)
	flags.SetOutput(stderr)

	configPath := flags.String("config", "", "Path to config file (default ~/.duplexrc or /etc/loqa-duplex/config.yaml)")
	listDevices := flags.Bool("list-devices", false, "List audio hosts and devices, then exit")
	backend := flags.String("backend", "", "Audio engine: portaudio, malgo or mock")
	host := flags.String("host", "", "Host API name to pick devices from")
	output := flags.String("output", "", "Output device name (default: system default)")
	input := flags.String("input", "", "Input device name, \"default\" for the default input (default: none)")
	rate := flags.Int("rate", 0, "Sample rate in Hz")
	frames := flags.Int("frames", 0, "Frames per buffer (0 lets the engine choose)")
	latency := flags.Int("latency", 0, "Suggested latency in milliseconds")
	wavFile := flags.String("wav", "", "WAV file to play through the output")
	natsURL := flags.String("nats", "", "NATS server URL; enables the control plane")
	id := flags.String("id", "", "Daemon ID used in NATS subjects")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backend":
			cfg.Engine.Backend = *backend
		case "host":
			cfg.Stream.Host = *host
		case "output":
			cfg.Stream.OutputDevice = *output
		case "input":
			cfg.Stream.InputDevice = *input
		case "rate":
			cfg.Stream.SampleRate = *rate
		case "frames":
			cfg.Stream.FramesPerBuffer = *frames
		case "latency":
			cfg.Stream.LatencyMs = *latency
		case "wav":
			cfg.Playback.WAVFile = *wavFile
		case "nats":
			cfg.NATS.URL = *natsURL
			cfg.NATS.Enabled = true
		case "id":
			cfg.NATS.ID = *id
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &options{listDevices: *listDevices, cfg: cfg}, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, lookup func(string) (string, bool)) (err error) {
	opts, err := parseOptions(args, stderr, lookup)
	if err != nil {
		return err
	}
	cfg := opts.cfg
	logger := cfg.Logging.NewLogger(stderr)

	backend, err := newBackend(cfg.Engine.Backend, logger)
	if err != nil {
		return err
	}

	cat, err := catalog.New(backend, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize audio: %w", err)
	}
	defer func() {
		err = multierr.Combine(err, cat.Close())
	}()

	if opts.listDevices {
		return listDevices(stdout, cat)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)

	stopped := make(chan struct{}, 1)
	callbacks := []stream.Callbacks{
		logCallbacks(logger),
		m.Callbacks(),
		{Stopped: func() {
			select {
			case stopped <- struct{}{}:
			default:
			}
		}},
	}

	var conn *natsctl.ConnectionAdapter
	if cfg.NATS.Enabled {
		conn, err = natsctl.Connect(cfg.NATS.URL, cfg.NATS.ConnectAttempts, natsRetryDelay, logger,
			nats.Name("loqa-duplex-"+cfg.NATS.ID), nats.Timeout(cfg.NATS.ConnectTimeoutDuration()))
		if err != nil {
			return err
		}
		defer func() {
			conn.Close()
			logger.Info("🔌 NATS connection closed")
		}()
		publisher := natsctl.NewEventPublisher(conn, cfg.NATS.SubjectPrefix, cfg.NATS.ID, logger)
		callbacks = append(callbacks, publisher.Callbacks())
	}

	manager := stream.NewManager(backend, stream.Chain(callbacks...), logger)
	defer func() {
		err = multierr.Combine(err, manager.Close())
	}()
	reg.MustRegister(metrics.NewStatusCollector(manager))

	if cfg.Playback.WAVFile != "" {
		clip, err := source.LoadWAV(cfg.Playback.WAVFile)
		if err != nil {
			return err
		}
		clip.SetLoop(cfg.Playback.Loop)
		clip.SetGain(float32(cfg.Playback.Gain))
		manager.SetCallback(clip.Process, nil)
		logger.Info("🎵 Loaded clip",
			slog.String("file", cfg.Playback.WAVFile),
			slog.Int("sample_rate", clip.SampleRate()),
			slog.Int("channels", clip.Channels()),
			slog.Duration("duration", clip.Duration()))
		if clip.SampleRate() != cfg.Stream.SampleRate {
			logger.Warn("⚠️  Clip sample rate differs from the stream, playback speed will be off",
				slog.Int("clip_rate", clip.SampleRate()),
				slog.Int("stream_rate", cfg.Stream.SampleRate))
		}
	}

	if cfg.NATS.Enabled {
		controller := natsctl.NewController(conn, cfg.NATS.SubjectPrefix, cfg.NATS.ID, manager, cat, logger)
		controller.Observe = func(action string, err error) {
			m.RecordControlCommand(action, err)
			if action == natsctl.ActionRequest && err == nil {
				m.RecordRequest()
			}
		}
		if err := controller.Start(); err != nil {
			return err
		}
	}

	req, err := stream.Resolve(cat, stream.DeviceSpec{
		Host:            cfg.Stream.Host,
		Input:           cfg.Stream.InputDevice,
		Output:          cfg.Stream.OutputDevice,
		SampleRate:      cfg.Stream.SampleRate,
		FramesPerBuffer: cfg.Stream.FramesPerBuffer,
		Latency:         cfg.Stream.Latency(),
	})
	if err != nil {
		return err
	}
	m.RecordRequest()
	manager.Request(req)
	if manager.State() == stream.StateIdle && !cfg.NATS.Enabled {
		return fmt.Errorf("failed to start stream: %s", manager.LastError())
	}

	serverErr := make(chan error, 1)
	var server *http.Server
	if cfg.HTTP.Enabled {
		server = newHTTPServer(cfg.HTTP.ListenAddress(), reg, manager)
		go func() {
			logger.Info("🌐 Serving metrics and status", slog.String("address", server.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	logger.Info("✅ Duplex daemon running. Press Ctrl+C to exit.")

	select {
	case <-ctx.Done():
		logger.Info("🛑 Shutting down duplex daemon...")
	case err := <-serverErr:
		return fmt.Errorf("http server failed: %w", err)
	}

	stopGracefully(manager, stopped, cfg.Stream.StopTimeout(), logger)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
	}

	logger.Info("👋 Duplex daemon stopped")
	return nil
}

func newBackend(name string, logger *slog.Logger) (audio.Backend, error) {
	switch name {
	case "portaudio":
		return audio.NewPortAudioBackend(logger), nil
	case "malgo":
		return audio.NewMalgoBackend(logger), nil
	case "mock":
		return audio.NewMockBackend(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

// stopGracefully stops the stream and waits for it to drain, aborting once
// timeout passes
func stopGracefully(manager *stream.Manager, stopped <-chan struct{}, timeout time.Duration, logger *slog.Logger) {
	select {
	case <-stopped:
	default:
	}

	if manager.State() == stream.StateIdle {
		return
	}
	manager.Stop()

	select {
	case <-stopped:
	case <-time.After(timeout):
		logger.Warn("⚠️  Stream did not stop in time, aborting", slog.Duration("timeout", timeout))
		manager.Abort()
	}
}

func newHTTPServer(addr string, reg *prometheus.Registry, manager *stream.Manager) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(manager.Status())
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func logCallbacks(logger *slog.Logger) stream.Callbacks {
	return stream.Callbacks{
		Error: func(message string) {
			logger.Error("❌ Stream error", slog.String("error", message))
		},
		Info: func(message string) {
			logger.Info("ℹ️  " + message)
		},
		SampleRateChanged: func(sampleRate int) {
			logger.Warn("⚠️  Sample rate changed", slog.Int("sample_rate", sampleRate))
		},
		Starting: func() {
			logger.Info("🎙️  Starting stream")
		},
		Started: func() {
			logger.Info("🔊 Stream started")
		},
		Stopped: func() {
			logger.Info("🔇 Stream stopped")
		},
	}
}

func listDevices(w io.Writer, cat *catalog.Catalog) error {
	defaultHost, _ := cat.DefaultHost()
	defaultIn, hasIn := cat.DefaultInputDevice()
	defaultOut, hasOut := cat.DefaultOutputDevice()

	for _, h := range cat.Hosts() {
		marker := ""
		if h.Index == defaultHost.Index {
			marker = " [default]"
		}
		if _, err := fmt.Fprintf(w, "Host %d: %s (%s)%s\n", h.Index, h.Name, h.Type, marker); err != nil {
			return err
		}
		for _, d := range cat.HostDevices(h) {
			marker := ""
			switch {
			case hasIn && hasOut && d.Index == defaultIn.Index && d.Index == defaultOut.Index:
				marker = " [default input/output]"
			case hasIn && d.Index == defaultIn.Index:
				marker = " [default input]"
			case hasOut && d.Index == defaultOut.Index:
				marker = " [default output]"
			}
			if _, err := fmt.Fprintf(w, "  %s%s\n", d, marker); err != nil {
				return err
			}
		}
	}
	return nil
}
