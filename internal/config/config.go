package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete edge viewer configuration
type Config struct {
	InstanceID       string           `yaml:"instance_id"`
	ShutdownTimeoutS int              `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Log              LogConfig        `yaml:"log"`
	Server           ServerConfig     `yaml:"server"`
	Capture          CaptureConfig    `yaml:"capture"`
	Render           RenderConfig     `yaml:"render"`
	Processing       ProcessingConfig `yaml:"processing"`
	MQTT             MQTTConfig       `yaml:"mqtt"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, text
	File       string `yaml:"file"`   // optional rotating log file
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// ServerConfig contains snapshot server settings
type ServerConfig struct {
	Port      int    `yaml:"port"`
	ViewerURL string `yaml:"viewer_url"` // linked from the home page (optional)
}

// CaptureConfig contains camera settings
type CaptureConfig struct {
	Backend string `yaml:"backend"` // gstreamer, opencv, synthetic
	Device  string `yaml:"device"`  // device id, empty = first enumerated
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
	FPS     int    `yaml:"fps"`
}

// RenderConfig contains render pipeline settings
type RenderConfig struct {
	Mode              string `yaml:"mode"`   // continuous, when_dirty
	Effect            string `yaml:"effect"` // initial effect
	FPS               int    `yaml:"fps"`
	PublishEvery      int    `yaml:"publish_every"`       // read back one frame out of N
	PublishIntervalMS int    `yaml:"publish_interval_ms"` // minimum time between read-backs
	SnapshotMaxWidth  int    `yaml:"snapshot_max_width"`  // 0 = full size
	JPEGQuality       int    `yaml:"jpeg_quality"`
	StatsIntervalS    int    `yaml:"stats_interval_s"`
}

// ProcessingConfig contains frame processor settings
type ProcessingConfig struct {
	Enabled   bool        `yaml:"enabled"`
	Processor string      `yaml:"processor"` // canny, grayscale
	Canny     CannyConfig `yaml:"canny"`
}

// CannyConfig contains edge detector parameters
type CannyConfig struct {
	Low      float32 `yaml:"low"`
	High     float32 `yaml:"high"`
	BlurSize int     `yaml:"blur_size"`
	Sigma    float64 `yaml:"sigma"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled bool       `yaml:"enabled"`
	Broker  string     `yaml:"broker"`
	Topics  MQTTTopics `yaml:"topics"`
	QoS     byte       `yaml:"qos"`
	// StatusIntervalS publishes status periodically (default: 30, -1 = never)
	StatusIntervalS int `yaml:"status_interval_s"`
	// StatusFormat encodes periodic status as json or msgpack (default: json)
	StatusFormat string `yaml:"status_format"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control string `yaml:"control"`
	Status  string `yaml:"status"`
}

// ShutdownTimeout returns the graceful shutdown timeout.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// PublishInterval returns the minimum time between read-backs.
func (r RenderConfig) PublishInterval() time.Duration {
	return time.Duration(r.PublishIntervalMS) * time.Millisecond
}

// StatusInterval returns the status publish period, or 0 when disabled.
func (m MQTTConfig) StatusInterval() time.Duration {
	if m.StatusIntervalS < 0 {
		return 0
	}
	return time.Duration(m.StatusIntervalS) * time.Second
}

// StatsInterval returns the FPS log period.
func (r RenderConfig) StatsInterval() time.Duration {
	return time.Duration(r.StatsIntervalS) * time.Second
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates YAML configuration
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	cfg := &Config{InstanceID: "edge-viewer"}
	if err := Validate(cfg); err != nil {
		panic(err)
	}
	return cfg
}
