package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Validate validates the configuration with detailed error messages
func (c *Config) Validate() error {
	var errors []string

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errors = append(errors, fmt.Sprintf("invalid log.level: %s (must be: debug, info, warn, error, fatal)", c.Log.Level))
	}

	if c.Log.Format != "text" && c.Log.Format != "json" {
		errors = append(errors, fmt.Sprintf("invalid log.format: %s (must be: text or json)", c.Log.Format))
	}

	// Analyzer
	a := c.Console.Analyzer
	if a.BaseURL == "" {
		errors = append(errors, "console.analyzer.base_url is required")
	} else if u, err := url.Parse(a.BaseURL); err != nil {
		errors = append(errors, fmt.Sprintf("console.analyzer.base_url is not a valid URL: %v", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errors = append(errors, fmt.Sprintf("console.analyzer.base_url must use ws or wss, got: %s", u.Scheme))
	}
	if !strings.HasPrefix(a.StreamPath, "/") {
		errors = append(errors, fmt.Sprintf("console.analyzer.stream_path must start with '/', got: %s", a.StreamPath))
	}
	if a.HandshakeTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("console.analyzer.handshake_timeout must be > 0, got: %v", a.HandshakeTimeout))
	}
	if a.WriteTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("console.analyzer.write_timeout must be > 0, got: %v", a.WriteTimeout))
	}
	if a.ReadLimit <= 0 {
		errors = append(errors, fmt.Sprintf("console.analyzer.read_limit must be > 0, got: %d", a.ReadLimit))
	}

	// Capture
	capture := c.Console.Capture
	if capture.Width <= 0 || capture.Height <= 0 {
		errors = append(errors, fmt.Sprintf("console.capture width/height must be > 0, got: %dx%d", capture.Width, capture.Height))
	}
	if capture.FrameRate <= 0 || capture.FrameRate > 120 {
		errors = append(errors, fmt.Sprintf("console.capture.frame_rate must be between 1 and 120, got: %d", capture.FrameRate))
	}

	// Display
	if c.Console.Display.ViewportWidth <= 0 || c.Console.Display.ViewportHeight <= 0 {
		errors = append(errors, fmt.Sprintf("console.display viewport must be > 0, got: %dx%d",
			c.Console.Display.ViewportWidth, c.Console.Display.ViewportHeight))
	}

	// Storage
	s := &c.Console.Storage
	if s.DataDir == "" {
		errors = append(errors, "console.storage.data_dir is required")
	}
	if s.UploadRetention < 0 {
		errors = append(errors, fmt.Sprintf("console.storage.upload_retention must be >= 0, got: %v", s.UploadRetention))
	}
	if s.MaxUploadBytes <= 0 {
		errors = append(errors, fmt.Sprintf("console.storage.max_upload_bytes must be > 0, got: %d", s.MaxUploadBytes))
	}
	if s.MaxDiskUsagePercent <= 0 || s.MaxDiskUsagePercent > 100 {
		errors = append(errors, fmt.Sprintf("console.storage.max_disk_usage_percent must be between 0 and 100, got: %.1f", s.MaxDiskUsagePercent))
	}
	if s.UploadsDir != "" {
		if !filepath.IsAbs(s.UploadsDir) && !strings.HasPrefix(s.UploadsDir, "./") && !strings.HasPrefix(filepath.Clean(s.UploadsDir), filepath.Clean(s.DataDir)) {
			// Relative path - make it relative to data_dir
			s.UploadsDir = filepath.Join(s.DataDir, s.UploadsDir)
		}
	}

	// Web
	if c.Console.Web.Enabled {
		if c.Console.Web.Port <= 0 || c.Console.Web.Port > 65535 {
			errors = append(errors, fmt.Sprintf("console.web.port must be between 1 and 65535, got: %d", c.Console.Web.Port))
		}
		if c.Console.Web.StreamInterval <= 0 {
			errors = append(errors, fmt.Sprintf("console.web.stream_interval must be > 0, got: %v", c.Console.Web.StreamInterval))
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

// AnalyzerHealthURL derives the analyzer's HTTP health endpoint from the
// WebSocket base URL (ws -> http, wss -> https).
func (a AnalyzerConfig) AnalyzerHealthURL() string {
	u, err := url.Parse(a.BaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + a.HealthPath
	return u.String()
}
