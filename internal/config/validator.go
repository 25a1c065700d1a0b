package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/e7canasta/orion-edge-viewer/internal/effect"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and fills in defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateLog(&cfg.Log); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	// Validate server
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1-65535, got %d", cfg.Server.Port)
	}

	if err := validateCapture(&cfg.Capture); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if err := validateRender(&cfg.Render); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	if err := validateProcessing(&cfg.Processing); err != nil {
		return fmt.Errorf("processing: %w", err)
	}

	// Validate MQTT broker
	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}

	if cfg.MQTT.StatusIntervalS == 0 {
		cfg.MQTT.StatusIntervalS = 30
	}
	if cfg.MQTT.StatusFormat == "" {
		cfg.MQTT.StatusFormat = "json"
	}
	if cfg.MQTT.StatusFormat != "json" && cfg.MQTT.StatusFormat != "msgpack" {
		return fmt.Errorf("mqtt.status_format must be 'json' or 'msgpack', got '%s'", cfg.MQTT.StatusFormat)
	}

	// Set default topics if not provided
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("edge/viewer/%s/control", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Status == "" {
		cfg.MQTT.Topics.Status = fmt.Sprintf("edge/viewer/%s/status", cfg.InstanceID)
	}

	return nil
}

func validateLog(l *LogConfig) error {
	if l.Level == "" {
		l.Level = "info"
	}
	l.Level = strings.ToLower(l.Level)
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown level '%s'", l.Level)
	}

	if l.Format == "" {
		l.Format = "json"
	}
	if l.Format != "json" && l.Format != "text" {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	if l.MaxSizeMB <= 0 {
		l.MaxSizeMB = 10
	}
	if l.MaxBackups <= 0 {
		l.MaxBackups = 3
	}
	return nil
}

func validateCapture(c *CaptureConfig) error {
	if c.Backend == "" {
		c.Backend = "gstreamer"
	}
	switch c.Backend {
	case "gstreamer", "opencv", "synthetic":
	default:
		return fmt.Errorf("unknown backend '%s' (must be 'gstreamer', 'opencv' or 'synthetic')", c.Backend)
	}

	if c.Width == 0 && c.Height == 0 {
		c.Width, c.Height = 1280, 720
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("width and height must be > 0, got %dx%d", c.Width, c.Height)
	}
	if c.FPS <= 0 {
		c.FPS = 30
	}
	return nil
}

func validateRender(r *RenderConfig) error {
	if r.Mode == "" {
		r.Mode = "continuous"
	}
	if r.Mode != "continuous" && r.Mode != "when_dirty" {
		return fmt.Errorf("mode must be 'continuous' or 'when_dirty', got '%s'", r.Mode)
	}

	if r.Effect == "" {
		r.Effect = effect.Normal.String()
	}
	v, err := effect.Parse(r.Effect)
	if err != nil {
		return err
	}
	r.Effect = v.String()

	if r.FPS <= 0 {
		r.FPS = 30
	}
	if r.PublishEvery <= 0 {
		r.PublishEvery = 1
	}
	if r.PublishIntervalMS < 0 {
		return fmt.Errorf("publish_interval_ms must be >= 0")
	}
	if r.SnapshotMaxWidth < 0 {
		return fmt.Errorf("snapshot_max_width must be >= 0")
	}
	if r.JPEGQuality == 0 {
		r.JPEGQuality = 85
	}
	if r.JPEGQuality < 1 || r.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be in 1-100, got %d", r.JPEGQuality)
	}
	if r.StatsIntervalS < 0 {
		return fmt.Errorf("stats_interval_s must be >= 0")
	}
	return nil
}

func validateProcessing(p *ProcessingConfig) error {
	if p.Processor == "" {
		p.Processor = "canny"
	}
	if p.Processor != "canny" && p.Processor != "grayscale" {
		return fmt.Errorf("unknown processor '%s' (must be 'canny' or 'grayscale')", p.Processor)
	}

	c := &p.Canny
	if c.Low == 0 && c.High == 0 {
		c.Low, c.High = 50, 150
	}
	if c.Low < 0 || c.High <= c.Low {
		return fmt.Errorf("canny thresholds must satisfy 0 <= low < high, got %v/%v", c.Low, c.High)
	}
	if c.BlurSize == 0 {
		c.BlurSize = 5
	}
	if c.BlurSize < 0 || c.BlurSize%2 == 0 {
		return fmt.Errorf("canny.blur_size must be odd, got %d", c.BlurSize)
	}
	if c.Sigma <= 0 {
		c.Sigma = 1.5
	}
	return nil
}

// Changes lists the differences between two configurations, split into
// settings applied live and settings that need a restart.
func Changes(old, cur *Config) (live, restart []string) {
	add := func(dst *[]string, name string, a, b any) {
		if a != b {
			*dst = append(*dst, fmt.Sprintf("%s: %v → %v", name, a, b))
		}
	}

	add(&live, "render.effect", old.Render.Effect, cur.Render.Effect)
	add(&live, "processing.enabled", old.Processing.Enabled, cur.Processing.Enabled)
	add(&live, "log.level", old.Log.Level, cur.Log.Level)

	add(&restart, "instance_id", old.InstanceID, cur.InstanceID)
	add(&restart, "log.format", old.Log.Format, cur.Log.Format)
	add(&restart, "log.file", old.Log.File, cur.Log.File)
	add(&restart, "server", old.Server, cur.Server)
	add(&restart, "capture", old.Capture, cur.Capture)
	add(&restart, "render.mode", old.Render.Mode, cur.Render.Mode)
	add(&restart, "render.fps", old.Render.FPS, cur.Render.FPS)
	add(&restart, "render.publish_every", old.Render.PublishEvery, cur.Render.PublishEvery)
	add(&restart, "render.publish_interval_ms", old.Render.PublishIntervalMS, cur.Render.PublishIntervalMS)
	add(&restart, "render.snapshot_max_width", old.Render.SnapshotMaxWidth, cur.Render.SnapshotMaxWidth)
	add(&restart, "render.jpeg_quality", old.Render.JPEGQuality, cur.Render.JPEGQuality)
	add(&restart, "processing.processor", old.Processing.Processor, cur.Processing.Processor)
	add(&restart, "processing.canny", old.Processing.Canny, cur.Processing.Canny)
	add(&restart, "mqtt", old.MQTT, cur.MQTT)
	return live, restart
}
