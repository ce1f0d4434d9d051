package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/vzahanych/view-guard-meta/console/internal/logger"
)

// Service provides configuration management with environment variable support
type Service struct {
	config     *Config
	configPath string
	logger     *logger.Logger
	mu         sync.RWMutex
	watchers   []ConfigWatcher
}

// ConfigWatcher is called when configuration changes
type ConfigWatcher func(ctx context.Context, oldConfig, newConfig *Config) error

// NewService creates a new configuration service
func NewService(configPath string, log *logger.Logger) (*Service, error) {
	cfg, err := loadResolved(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial configuration: %w", err)
	}

	return &Service{
		config:     cfg,
		configPath: configPath,
		logger:     log,
		watchers:   make([]ConfigWatcher, 0),
	}, nil
}

// LoadResolved loads, applies environment overrides and validates in one step.
func LoadResolved(configPath string) (*Config, error) {
	return loadResolved(configPath)
}

func loadResolved(configPath string) (*Config, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Get returns the current configuration (thread-safe)
func (s *Service) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Reload reloads the configuration from file
func (s *Service) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldConfig := s.config

	newConfig, err := loadResolved(s.configPath)
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}

	s.config = newConfig

	for _, watcher := range s.watchers {
		if err := watcher(ctx, oldConfig, newConfig); err != nil {
			s.logger.Error("Config watcher error", "error", err)
		}
	}

	s.logger.Info("Configuration reloaded", "path", s.configPath)
	return nil
}

// Watch registers a configuration change watcher
func (s *Service) Watch(watcher ConfigWatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, watcher)
}

// applyEnvOverrides applies environment variable overrides to configuration
func applyEnvOverrides(cfg *Config) {
	// Analyzer
	if val := os.Getenv("CONSOLE_ANALYZER_URL"); val != "" {
		cfg.Console.Analyzer.BaseURL = val
	}
	cfg.Console.Analyzer.HandshakeTimeout = GetEnvDuration("CONSOLE_ANALYZER_HANDSHAKE_TIMEOUT", cfg.Console.Analyzer.HandshakeTimeout)

	// Capture
	if val := os.Getenv("CONSOLE_CAPTURE_DEVICE"); val != "" {
		cfg.Console.Capture.Device = val
	}
	if val := os.Getenv("CONSOLE_FFMPEG_PATH"); val != "" {
		cfg.Console.Capture.FFmpegPath = val
	}

	// Storage
	if val := os.Getenv("CONSOLE_DATA_DIR"); val != "" {
		cfg.Console.Storage.DataDir = val
	}
	if val := os.Getenv("CONSOLE_UPLOADS_DIR"); val != "" {
		cfg.Console.Storage.UploadsDir = val
	}

	// Web
	cfg.Console.Web.Enabled = GetEnvBool("CONSOLE_WEB_ENABLED", cfg.Console.Web.Enabled)
	if val := os.Getenv("CONSOLE_WEB_HOST"); val != "" {
		cfg.Console.Web.Host = val
	}
	cfg.Console.Web.Port = GetEnvInt("CONSOLE_WEB_PORT", cfg.Console.Web.Port)

	// Log settings
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Log.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		cfg.Log.Format = val
	}
	if val := os.Getenv("LOG_OUTPUT"); val != "" {
		cfg.Log.Output = val
	}
}

// GetEnvBool gets a boolean environment variable
func GetEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	val = strings.ToLower(val)
	return val == "true" || val == "1" || val == "yes" || val == "on"
}

// GetEnvInt gets an integer environment variable
func GetEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	var result int
	if _, err := fmt.Sscanf(val, "%d", &result); err != nil {
		return defaultValue
	}
	return result
}

// GetEnvDuration gets a duration environment variable
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}
	return d
}
