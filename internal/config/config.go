package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Console ConsoleConfig `yaml:"console"`
	Log     LogConfig     `yaml:"log,omitempty"`
}

// ConsoleConfig contains the operator console configuration
type ConsoleConfig struct {
	Analyzer AnalyzerConfig `yaml:"analyzer"`
	Capture  CaptureConfig  `yaml:"capture"`
	Display  DisplayConfig  `yaml:"display"`
	Storage  StorageConfig  `yaml:"storage"`
	Web      WebConfig      `yaml:"web"`
}

// AnalyzerConfig describes how to reach the remote analyzer
type AnalyzerConfig struct {
	BaseURL          string        `yaml:"base_url"`    // ws:// or wss:// origin
	StreamPath       string        `yaml:"stream_path"` // WebSocket endpoint path
	HealthPath       string        `yaml:"health_path"` // HTTP health endpoint path
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ReadLimit        int64         `yaml:"read_limit"` // max inbound message size in bytes
}

// CaptureConfig contains capture source settings
type CaptureConfig struct {
	Device      string `yaml:"device"` // /dev/videoN or rtsp:// URL
	DeviceDir   string `yaml:"device_dir"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	FrameRate   int    `yaml:"frame_rate"`
	InputFormat string `yaml:"input_format"`
	FFmpegPath  string `yaml:"ffmpeg_path"`
}

// DisplayConfig contains the default overlay viewport
type DisplayConfig struct {
	ViewportWidth  int `yaml:"viewport_width"`
	ViewportHeight int `yaml:"viewport_height"`
}

// StorageConfig contains local storage configuration
type StorageConfig struct {
	DataDir         string        `yaml:"data_dir"`
	UploadsDir      string        `yaml:"uploads_dir"`
	UploadRetention time.Duration `yaml:"upload_retention"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	// Uploads are pruned oldest first while disk usage is above this
	MaxDiskUsagePercent float64 `yaml:"max_disk_usage_percent"`
}

// WebConfig contains web server configuration
type WebConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	StreamInterval time.Duration `yaml:"stream_interval"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file. With an empty path the
// default locations are searched; if none exists the built-in defaults are used.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = getDefaultConfigPath()
		if configPath == "" {
			return Default(), nil
		}
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	cfg := &Config{}
	cfg.Console.Web.Enabled = true
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg.setDefaults()

	return cfg, nil
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	cfg.Console.Web.Enabled = true
	cfg.setDefaults()
	return cfg
}

// getDefaultConfigPath returns the first existing default configuration path
func getDefaultConfigPath() string {
	paths := []string{
		"./config/config.dev.yaml",
		"./config/config.yaml",
		"../config/config.dev.yaml",
		"../config/config.yaml",
		"/etc/deepshield-console/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	a := &c.Console.Analyzer
	if a.BaseURL == "" {
		a.BaseURL = "ws://localhost:8000"
	}
	if a.StreamPath == "" {
		a.StreamPath = "/ws/stream"
	}
	if a.HealthPath == "" {
		a.HealthPath = "/health"
	}
	if a.HandshakeTimeout == 0 {
		a.HandshakeTimeout = 5 * time.Second
	}
	if a.WriteTimeout == 0 {
		a.WriteTimeout = 2 * time.Second
	}
	if a.ReadLimit == 0 {
		a.ReadLimit = 1 << 20
	}

	capture := &c.Console.Capture
	if capture.Device == "" {
		capture.Device = "/dev/video0"
	}
	if capture.DeviceDir == "" {
		capture.DeviceDir = "/dev"
	}
	if capture.Width == 0 {
		capture.Width = 640
	}
	if capture.Height == 0 {
		capture.Height = 480
	}
	if capture.FrameRate == 0 {
		capture.FrameRate = 30
	}
	if capture.InputFormat == "" {
		capture.InputFormat = "mjpeg"
	}

	if c.Console.Display.ViewportWidth == 0 {
		c.Console.Display.ViewportWidth = capture.Width
	}
	if c.Console.Display.ViewportHeight == 0 {
		c.Console.Display.ViewportHeight = capture.Height
	}

	s := &c.Console.Storage
	if s.DataDir == "" {
		s.DataDir = "./data"
	}
	if s.UploadsDir == "" {
		s.UploadsDir = filepath.Join(s.DataDir, "uploads")
	}
	if s.UploadRetention == 0 {
		s.UploadRetention = 24 * time.Hour
	}
	if s.MaxUploadBytes == 0 {
		s.MaxUploadBytes = 512 << 20
	}
	if s.MaxDiskUsagePercent == 0 {
		s.MaxDiskUsagePercent = 90
	}

	w := &c.Console.Web
	if w.Host == "" {
		w.Host = "127.0.0.1"
	}
	if w.Port == 0 {
		w.Port = 8005
	}
	if w.StreamInterval == 0 {
		w.StreamInterval = 100 * time.Millisecond
	}
}

// DatabasePath returns the run journal location under the data directory
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Console.Storage.DataDir, "db", "console.db")
}
