package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/peterbourgon/ff/v3"

	"github.com/e7canasta/orion-edge-viewer/internal/capture"
	"github.com/e7canasta/orion-edge-viewer/internal/capture/gstreamer"
	"github.com/e7canasta/orion-edge-viewer/internal/capture/opencv"
	"github.com/e7canasta/orion-edge-viewer/internal/capture/synthetic"
	"github.com/e7canasta/orion-edge-viewer/internal/config"
	"github.com/e7canasta/orion-edge-viewer/internal/core"
	"github.com/e7canasta/orion-edge-viewer/internal/emitter"
	"github.com/e7canasta/orion-edge-viewer/internal/logging"
	"github.com/e7canasta/orion-edge-viewer/internal/processor"
	"github.com/e7canasta/orion-edge-viewer/internal/processor/canny"
)

const defaultConfigPath = "config/edgeviewer.yaml"

func main() {
	flags := flag.NewFlagSet("edgeviewerd", flag.ExitOnError)
	configPath := flags.String("config", defaultConfigPath, "Path to configuration file")
	debug := flags.Bool("debug", false, "Enable debug logging")
	backend := flags.String("backend", "", "Override capture backend (gstreamer, opencv, synthetic)")
	port := flags.Int("port", 0, "Override snapshot server port")
	if err := ff.Parse(flags, os.Args[1:], ff.WithEnvVarPrefix("EDGEVIEWER")); err != nil {
		fmt.Fprintln(os.Stderr, "failed to parse flags:", err)
		os.Exit(2)
	}

	cfg, watch, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *backend != "" || *port != 0 {
		if *backend != "" {
			cfg.Capture.Backend = *backend
		}
		if *port != 0 {
			cfg.Server.Port = *port
		}
		if err := config.Validate(cfg); err != nil {
			fmt.Fprintln(os.Stderr, "invalid flag override:", err)
			os.Exit(1)
		}
	}

	level := cfg.Log.Level
	if *debug {
		level = "debug"
	}
	logger, err := logging.Setup(logging.Options{
		Level:      level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to set up logging:", err)
		os.Exit(1)
	}
	defer logger.Close()

	slog.Info("starting edge viewer",
		"config", *configPath,
		"config_found", watch,
		"debug", *debug,
	)

	manager, err := newManager(cfg.Capture)
	if err != nil {
		slog.Error("failed to create capture backend", "backend", cfg.Capture.Backend, "error", err)
		os.Exit(1)
	}

	opts := core.Options{
		Manager:   manager,
		Processor: newProcessor(cfg.Processing),
		Logger:    logger,
	}
	if watch {
		opts.ConfigPath = *configPath
	}
	if cfg.MQTT.Enabled {
		opts.Emitter = emitter.NewMQTTEmitter(emitter.Options{
			Broker:      cfg.MQTT.Broker,
			InstanceID:  cfg.InstanceID,
			StatusTopic: cfg.MQTT.Topics.Status,
		})
	}

	viewer, err := core.New(cfg, opts)
	if err != nil {
		slog.Error("failed to create edge viewer", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- viewer.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errChan:
		if err != nil {
			slog.Error("service error", "error", err)
			os.Exit(1)
		}
		slog.Info("service stopped (render view exited)")
	}

	shutdownTimeout := viewer.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := viewer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}

	slog.Info("edge viewer stopped successfully")
}

// loadConfig reads path, falling back to defaults when the file does not
// exist. The second result reports whether the file was found.
func loadConfig(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	switch {
	case err == nil:
		return cfg, true, nil
	case errors.Is(err, fs.ErrNotExist):
		return config.Default(), false, nil
	default:
		return nil, false, fmt.Errorf("failed to load config %s: %w", path, err)
	}
}

func newManager(c config.CaptureConfig) (capture.Manager, error) {
	var devices []string
	if c.Device != "" {
		devices = []string{c.Device}
	}

	switch c.Backend {
	case "gstreamer":
		if err := gstreamer.Available(); err != nil {
			return nil, err
		}
		return gstreamer.New(gstreamer.Config{Devices: devices, FPS: c.FPS}), nil
	case "opencv":
		return opencv.New(opencv.Config{Devices: devices, FPS: c.FPS}), nil
	case "synthetic":
		return synthetic.New(synthetic.Config{Devices: devices, FPS: c.FPS}), nil
	default:
		return nil, fmt.Errorf("unknown capture backend %q", c.Backend)
	}
}

func newProcessor(c config.ProcessingConfig) processor.Processor {
	switch c.Processor {
	case "grayscale":
		return processor.Grayscale{}
	default:
		return canny.New(canny.Config{
			BlurSize: c.Canny.BlurSize,
			Sigma:    c.Canny.Sigma,
			Low:      c.Canny.Low,
			High:     c.Canny.High,
		})
	}
}
