package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vzahanych/view-guard-meta/console/internal/console"
	"github.com/vzahanych/view-guard-meta/console/internal/detection"
	"github.com/vzahanych/view-guard-meta/console/internal/service"
	"github.com/vzahanych/view-guard-meta/console/internal/storage"
)

// handleHealth is the liveness probe
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "web-server",
	})
}

// handleHealthReport runs every registered checker
func (s *Server) handleHealthReport(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Health manager not available"})
		return
	}

	report := s.health.Check(c.Request.Context())
	status := http.StatusOK
	if !report.Ready() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// handleStatus handles the system status endpoint
func (s *Server) handleStatus(c *gin.Context) {
	uptime := time.Since(s.started)

	health := "healthy"
	if s.GetStatus().GetStatus() != service.StatusRunning {
		health = "unhealthy"
	}

	resp := gin.H{
		"status":         health,
		"uptime":         uptime.Truncate(time.Second).String(),
		"uptime_seconds": int64(uptime.Seconds()),
		"version":        s.version,
		"timestamp":      time.Now().Format(time.RFC3339),
	}

	if snap, err := s.console.Snapshot(c.Request.Context()); err == nil {
		resp["mode"] = snap.Mode
		resp["analyzing"] = snap.Analyzing
		resp["session"] = snap.Session
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSnapshot(c *gin.Context) {
	snap, err := s.console.Snapshot(c.Request.Context())
	if err != nil {
		s.consoleError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleSnapshotStream pushes a snapshot event every stream interval until
// the client disconnects or the console shuts down
func (s *Server) handleSnapshotStream(c *gin.Context) {
	ctx := c.Request.Context()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		snap, err := s.console.Snapshot(ctx)
		if err != nil {
			if errors.Is(err, console.ErrClosed) {
				c.SSEvent("closed", gin.H{"error": err.Error()})
				c.Writer.Flush()
			}
			return
		}

		c.SSEvent("snapshot", snap)
		c.Writer.Flush()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type modeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

func (s *Server) handleSetMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	mode, err := detection.ParseMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.console.SetMode(c.Request.Context(), mode); err != nil {
		s.consoleError(c, err)
		return
	}
	s.respondSnapshot(c)
}

func (s *Server) handleStartAnalysis(c *gin.Context) {
	if err := s.console.StartAnalysis(c.Request.Context()); err != nil {
		if errors.Is(err, console.ErrClosed) {
			s.consoleError(c, err)
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "Failed to start analysis",
			"details": err.Error(),
		})
		return
	}
	s.respondSnapshot(c)
}

func (s *Server) handleStopAnalysis(c *gin.Context) {
	if err := s.console.StopAnalysis(c.Request.Context()); err != nil {
		s.consoleError(c, err)
		return
	}
	s.respondSnapshot(c)
}

func (s *Server) handleSetViewport(c *gin.Context) {
	var vp console.Viewport
	if err := c.ShouldBindJSON(&vp); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if vp.Width <= 0 || vp.Height <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "width and height must be positive"})
		return
	}

	if err := s.console.SetViewport(c.Request.Context(), vp); err != nil {
		s.consoleError(c, err)
		return
	}
	c.JSON(http.StatusOK, vp)
}

type cameraRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) handleSetCamera(c *gin.Context) {
	var req cameraRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.console.SetCameraEnabled(c.Request.Context(), *req.Enabled); err != nil {
		s.consoleError(c, err)
		return
	}
	s.respondSnapshot(c)
}

// handleUpload stores the multipart "video" file and selects it for the
// upload modes. The previously selected upload is removed.
func (s *Server) handleUpload(c *gin.Context) {
	if s.uploads == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Upload storage not available"})
		return
	}

	fh, err := c.FormFile("video")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field \"video\" is required"})
		return
	}

	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()

	ctx := c.Request.Context()
	upload, err := s.uploads.Save(ctx, fh.Filename, f)
	if err != nil {
		s.storageError(c, err)
		return
	}

	previous, err := s.console.SetUpload(ctx, upload.Path)
	if err != nil {
		_ = s.uploads.Remove(ctx, upload.Path)
		s.consoleError(c, err)
		return
	}

	if previous != "" && previous != upload.Path {
		s.removeUpload(c, previous)
	}

	c.JSON(http.StatusCreated, upload)
}

func (s *Server) handleClearUpload(c *gin.Context) {
	ctx := c.Request.Context()
	previous, err := s.console.ClearUpload(ctx)
	if err != nil {
		s.consoleError(c, err)
		return
	}

	if previous != "" && s.uploads != nil {
		s.removeUpload(c, previous)
	}

	c.JSON(http.StatusOK, gin.H{"cleared": previous})
}

func (s *Server) removeUpload(c *gin.Context, path string) {
	if err := s.uploads.Remove(c.Request.Context(), path); err != nil && !errors.Is(err, storage.ErrUnknownUpload) {
		s.logger.Warn("Failed to remove upload", "path", path, "error", err)
	}
}

func (s *Server) handleListUploads(c *gin.Context) {
	if s.uploads == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Upload storage not available"})
		return
	}

	uploads, err := s.uploads.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"uploads": uploads,
		"count":   len(uploads),
	})
}

func (s *Server) handleListDevices(c *gin.Context) {
	if s.devices == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Device discovery not available"})
		return
	}

	devices, err := s.devices()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to discover devices",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

func (s *Server) handleListRuns(c *gin.Context) {
	if s.runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Run journal not available"})
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) handleGetRun(c *gin.Context) {
	if s.runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Run journal not available"})
		return
	}

	run, err := s.runs.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handleMetrics(c *gin.Context) {
	if s.metrics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Metrics not available"})
		return
	}
	s.metrics.ServeHTTP(c.Writer, c.Request)
}

func (s *Server) respondSnapshot(c *gin.Context) {
	snap, err := s.console.Snapshot(c.Request.Context())
	if err != nil {
		s.consoleError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) consoleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, console.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) storageError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrUnsupportedType):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrDiskFull):
		c.JSON(http.StatusInsufficientStorage, gin.H{"error": err.Error()})
	default:
		s.logger.Error("Failed to store upload", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store upload"})
	}
}
