package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/vzahanych/view-guard-meta/console/internal/analyzer"
	"github.com/vzahanych/view-guard-meta/console/internal/storage"
)

// AnalyzerProbe queries the analyzer's HTTP health endpoint
type AnalyzerProbe interface {
	HealthURL() string
	Health(ctx context.Context) (*analyzer.Health, error)
}

// AnalyzerChecker checks that the analyzer is reachable and its detector loaded.
// An unreachable analyzer degrades the console; it can still capture.
type AnalyzerChecker struct {
	probe AnalyzerProbe
}

func NewAnalyzerChecker(probe AnalyzerProbe) *AnalyzerChecker {
	return &AnalyzerChecker{probe: probe}
}

func (c *AnalyzerChecker) Name() string {
	return "analyzer"
}

func (c *AnalyzerChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Details["url"] = c.probe.HealthURL()

	h, err := c.probe.Health(ctx)
	if err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Analyzer unreachable: %v", err)
		return check
	}

	check.Details["status"] = h.Status
	check.Details["detector_loaded"] = h.DetectorLoaded
	if !h.Ready() {
		check.Status = StatusDegraded
		check.Message = "Analyzer detector not loaded"
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Analyzer is ready"
	return check
}

// FFmpegProbe reports the ffmpeg binary in use
type FFmpegProbe interface {
	Path() string
	Version(ctx context.Context) (string, error)
}

// FFmpegChecker checks that ffmpeg can be executed. Without it no capture
// source can be opened.
type FFmpegChecker struct {
	probe FFmpegProbe
}

func NewFFmpegChecker(probe FFmpegProbe) *FFmpegChecker {
	return &FFmpegChecker{probe: probe}
}

func (c *FFmpegChecker) Name() string {
	return "ffmpeg"
}

func (c *FFmpegChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Details["path"] = c.probe.Path()

	version, err := c.probe.Version(ctx)
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("ffmpeg not usable: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "ffmpeg available"
	check.Details["version"] = version
	return check
}

// Pinger is a database handle that can be pinged
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker checks the run journal database
type DatabaseChecker struct {
	db     Pinger
	dbPath string
}

func NewDatabaseChecker(db Pinger, dbPath string) *DatabaseChecker {
	return &DatabaseChecker{db: db, dbPath: dbPath}
}

func (c *DatabaseChecker) Name() string {
	return "database"
}

func (c *DatabaseChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	if c.dbPath != "" {
		check.Details["path"] = c.dbPath
	}

	if err := c.db.Ping(ctx); err != nil {
		// The journal is auxiliary: analysis keeps working without it.
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Database ping failed: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Database connection OK"
	return check
}

// UploadStore is the upload storage as seen by the storage checker
type UploadStore interface {
	UploadsDir() string
	GetDiskUsage(ctx context.Context) (*storage.DiskUsage, error)
	IsDiskFull(ctx context.Context) (bool, error)
}

// StorageChecker checks that the uploads directory is writable and the disk
// has room
type StorageChecker struct {
	store UploadStore
}

func NewStorageChecker(store UploadStore) *StorageChecker {
	return &StorageChecker{store: store}
}

func (c *StorageChecker) Name() string {
	return "storage"
}

func (c *StorageChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	dir := c.store.UploadsDir()
	check.Details["uploads_dir"] = dir

	if err := probeWritable(dir); err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Uploads directory not writable: %v", err)
		return check
	}
	check.Details["uploads_dir_writable"] = true

	usage, err := c.store.GetDiskUsage(ctx)
	if err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Failed to read disk usage: %v", err)
		return check
	}
	check.Details["usage_percent"] = usage.UsagePercent
	check.Details["available_bytes"] = usage.AvailableBytes

	full, err := c.store.IsDiskFull(ctx)
	if err == nil && full {
		check.Status = StatusDegraded
		check.Message = "Disk usage above threshold, uploads are rejected"
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Storage accessible"
	return check
}

func probeWritable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(filepath.Clean(name))
}

// SystemChecker reports process resource usage. It never fails.
type SystemChecker struct{}

func (c *SystemChecker) Name() string {
	return "system"
}

func (c *SystemChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	check.Details["goroutines"] = runtime.NumGoroutine()
	check.Details["heap_alloc_bytes"] = mem.HeapAlloc
	check.Details["sys_bytes"] = mem.Sys
	check.Details["num_gc"] = mem.NumGC
	check.Details["go_version"] = runtime.Version()

	check.Status = StatusHealthy
	check.Message = "System resources OK"
	return check
}
