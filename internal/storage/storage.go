// Package storage keeps uploaded video files on local disk and prunes them
// by age and disk usage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vzahanych/view-guard-meta/console/internal/logger"
	"github.com/vzahanych/view-guard-meta/console/internal/service"
)

var (
	// ErrTooLarge is returned when an upload exceeds the size limit
	ErrTooLarge = errors.New("upload exceeds size limit")
	// ErrDiskFull is returned when disk usage is above the threshold
	ErrDiskFull = errors.New("disk usage above threshold")
	// ErrUnknownUpload is returned for paths outside the uploads directory
	ErrUnknownUpload = errors.New("unknown upload")
	// ErrUnsupportedType is returned for files without a video extension
	ErrUnsupportedType = errors.New("unsupported video type")
)

var allowedExtensions = map[string]bool{
	".mp4": true, ".webm": true, ".mov": true, ".mkv": true, ".avi": true, ".m4v": true,
}

// Config contains storage service configuration
type Config struct {
	UploadsDir          string
	Retention           time.Duration
	MaxUploadBytes      int64
	MaxDiskUsagePercent float64
	EnforceInterval     time.Duration
	Index               Index
}

// StorageService stores uploaded videos and enforces retention
type StorageService struct {
	*service.ServiceBase

	uploadsDir     string
	maxUploadBytes int64
	index          Index
	diskMonitor    *DiskMonitor
	retention      *RetentionPolicy
	interval       time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStorageService creates the uploads directory and the service
func NewStorageService(cfg Config, log *logger.Logger) (*StorageService, error) {
	if err := os.MkdirAll(cfg.UploadsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create uploads directory: %w", err)
	}

	if cfg.MaxDiskUsagePercent == 0 {
		cfg.MaxDiskUsagePercent = 90.0
	}
	if cfg.EnforceInterval == 0 {
		cfg.EnforceInterval = 10 * time.Minute
	}

	s := &StorageService{
		ServiceBase:    service.NewServiceBase("storage", log),
		uploadsDir:     cfg.UploadsDir,
		maxUploadBytes: cfg.MaxUploadBytes,
		index:          cfg.Index,
		interval:       cfg.EnforceInterval,
	}
	s.diskMonitor = NewDiskMonitor(cfg.UploadsDir, cfg.MaxDiskUsagePercent, log)
	s.retention = NewRetentionPolicy(cfg.Retention, cfg.Index, s.diskMonitor, log)

	log.Info("Storage service initialized",
		"uploads_dir", cfg.UploadsDir,
		"retention", cfg.Retention,
		"max_upload_bytes", cfg.MaxUploadBytes,
		"max_disk_usage_percent", cfg.MaxDiskUsagePercent,
	)

	return s, nil
}

// Start runs retention once and then periodically
func (s *StorageService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("storage service already started")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.retentionLoop(loopCtx)

	s.GetStatus().SetStatus(service.StatusRunning)
	s.LogInfo("Storage service started", "interval", s.interval)
	return nil
}

// Stop ends the retention loop
func (s *StorageService) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.GetStatus().SetStatus(service.StatusStopped)
	return nil
}

func (s *StorageService) retentionLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.EnforceRetention(ctx); err != nil {
			s.LogError("Retention enforcement failed", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// UploadsDir returns the uploads directory path
func (s *StorageService) UploadsDir() string {
	return s.uploadsDir
}

// SetProtected installs a check for files that must not be pruned
func (s *StorageService) SetProtected(protected func(path string) bool) {
	s.retention.SetProtected(protected)
}

// Save streams r into a new file named after a fresh UUID. The original
// name only contributes its extension.
func (s *StorageService) Save(ctx context.Context, originalName string, r io.Reader) (*Upload, error) {
	ext := strings.ToLower(filepath.Ext(originalName))
	if !allowedExtensions[ext] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, ext)
	}

	if full, err := s.diskMonitor.IsDiskFull(ctx); err != nil {
		s.Logger().Warn("Failed to check disk usage", "error", err)
	} else if full {
		return nil, ErrDiskFull
	}

	id := uuid.New().String()
	path := filepath.Join(s.uploadsDir, id+ext)

	tmp, err := os.CreateTemp(s.uploadsDir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create upload file: %w", err)
	}
	defer os.Remove(tmp.Name())

	limit := s.maxUploadBytes
	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}

	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write upload: %w", err)
	}
	if limit > 0 && n > limit {
		return nil, ErrTooLarge
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	upload := &Upload{
		ID:           id,
		Path:         path,
		OriginalName: filepath.Base(originalName),
		SizeBytes:    n,
		CreatedAt:    time.Now(),
	}
	if exp := s.retention.ExpiryFor(upload.CreatedAt); exp != nil {
		upload.ExpiresAt = exp
	}

	if s.index != nil {
		if err := s.index.SaveUpload(ctx, *upload); err != nil {
			_ = os.Remove(path)
			return nil, err
		}
	}

	s.LogInfo("Upload stored", "id", id, "name", upload.OriginalName, "size_bytes", n)
	s.PublishEvent(service.EventTypeUploadStored, map[string]interface{}{
		"id":   id,
		"path": path,
		"size": n,
	})

	return upload, nil
}

// Remove deletes an upload file and its index entry
func (s *StorageService) Remove(ctx context.Context, path string) error {
	if !s.Owns(path) {
		return ErrUnknownUpload
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete upload: %w", err)
	}

	if s.index != nil {
		if err := s.index.DeleteUpload(ctx, path); err != nil {
			s.Logger().Warn("Failed to delete upload entry", "path", path, "error", err)
		}
	}

	s.PublishEvent(service.EventTypeUploadRemoved, map[string]interface{}{
		"path": path,
	})
	return nil
}

// Owns reports whether path lies directly in the uploads directory
func (s *StorageService) Owns(path string) bool {
	dir, err := filepath.Abs(s.uploadsDir)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return filepath.Dir(abs) == dir
}

// List returns indexed uploads, oldest first
func (s *StorageService) List(ctx context.Context) ([]Upload, error) {
	if s.index == nil {
		return []Upload{}, nil
	}
	return s.index.ListUploads(ctx)
}

// GetDiskUsage returns current disk usage statistics
func (s *StorageService) GetDiskUsage(ctx context.Context) (*DiskUsage, error) {
	return s.diskMonitor.GetUsage(ctx)
}

// IsDiskFull reports whether the uploads filesystem is at or above the
// configured usage threshold
func (s *StorageService) IsDiskFull(ctx context.Context) (bool, error) {
	return s.diskMonitor.IsDiskFull(ctx)
}

// EnforceRetention prunes expired uploads and frees space if needed
func (s *StorageService) EnforceRetention(ctx context.Context) (int, error) {
	return s.retention.Enforce(ctx)
}
