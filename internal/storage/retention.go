package storage

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/vzahanych/view-guard-meta/console/internal/logger"
)

// RetentionPolicy deletes uploads older than the retention period, then the
// oldest remaining ones while the disk is above its usage threshold
type RetentionPolicy struct {
	retention   time.Duration
	index       Index
	diskMonitor *DiskMonitor
	logger      *logger.Logger

	mu        sync.Mutex
	enforcing bool
	protected func(path string) bool
}

// NewRetentionPolicy creates a new retention policy. A zero retention keeps
// uploads until disk pressure removes them.
func NewRetentionPolicy(retention time.Duration, index Index, disk *DiskMonitor, log *logger.Logger) *RetentionPolicy {
	return &RetentionPolicy{
		retention:   retention,
		index:       index,
		diskMonitor: disk,
		logger:      log,
	}
}

// SetProtected installs a check for files currently in use
func (r *RetentionPolicy) SetProtected(protected func(path string) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.protected = protected
}

// ExpiryFor returns the expiry of a file created at t, or nil
func (r *RetentionPolicy) ExpiryFor(t time.Time) *time.Time {
	if r.retention <= 0 {
		return nil
	}
	exp := t.Add(r.retention)
	return &exp
}

// Enforce runs one retention pass and returns the number of deleted files
func (r *RetentionPolicy) Enforce(ctx context.Context) (int, error) {
	r.mu.Lock()
	if r.enforcing {
		r.mu.Unlock()
		return 0, fmt.Errorf("retention policy is already being enforced")
	}
	r.enforcing = true
	protected := r.protected
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.enforcing = false
		r.mu.Unlock()
	}()

	if r.index == nil {
		return 0, nil
	}

	uploads, err := r.index.ListUploads(ctx)
	if err != nil {
		return 0, err
	}

	var (
		deleted   int
		remaining []Upload
	)
	now := time.Now()
	for _, u := range uploads {
		if protected != nil && protected(u.Path) {
			continue
		}
		expired := u.ExpiresAt != nil && now.After(*u.ExpiresAt)
		if !expired {
			remaining = append(remaining, u)
			continue
		}
		if r.delete(ctx, u) {
			deleted++
		}
	}
	if deleted > 0 {
		r.logger.Info("Deleted expired uploads", "count", deleted)
	}

	freed := r.freeDiskSpace(ctx, remaining)
	if freed > 0 {
		r.logger.Info("Freed disk space by deleting old uploads", "count", freed)
	}

	return deleted + freed, nil
}

// freeDiskSpace deletes the oldest uploads while the disk stays full.
// uploads is ordered oldest first.
func (r *RetentionPolicy) freeDiskSpace(ctx context.Context, uploads []Upload) int {
	if r.diskMonitor == nil {
		return 0
	}

	deleted := 0
	for _, u := range uploads {
		usage, err := r.diskMonitor.Refresh(ctx)
		if err != nil {
			r.logger.Warn("Failed to check disk usage", "error", err)
			return deleted
		}
		if usage.UsagePercent < r.diskMonitor.MaxUsagePercent() {
			return deleted
		}
		if r.delete(ctx, u) {
			deleted++
		}
	}
	return deleted
}

func (r *RetentionPolicy) delete(ctx context.Context, u Upload) bool {
	if err := os.Remove(u.Path); err != nil && !os.IsNotExist(err) {
		r.logger.Warn("Failed to delete upload", "path", u.Path, "error", err)
		return false
	}
	if err := r.index.DeleteUpload(ctx, u.Path); err != nil {
		r.logger.Warn("Failed to delete upload entry", "path", u.Path, "error", err)
	}
	return true
}
