// Package web is the presentation boundary: a gin HTTP API over the console
// controller, with a server-sent event stream of pipeline snapshots.
package web

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vzahanych/view-guard-meta/console/internal/capture"
	"github.com/vzahanych/view-guard-meta/console/internal/config"
	"github.com/vzahanych/view-guard-meta/console/internal/console"
	"github.com/vzahanych/view-guard-meta/console/internal/detection"
	"github.com/vzahanych/view-guard-meta/console/internal/health"
	"github.com/vzahanych/view-guard-meta/console/internal/logger"
	"github.com/vzahanych/view-guard-meta/console/internal/service"
	"github.com/vzahanych/view-guard-meta/console/internal/state"
	"github.com/vzahanych/view-guard-meta/console/internal/storage"
)

// Server represents the web server service
type Server struct {
	*service.ServiceBase
	config     *config.WebConfig
	logger     *logger.Logger
	httpServer *http.Server
	listener   net.Listener
	router     *gin.Engine

	console  Console         // Required
	uploads  UploadStore     // Optional upload storage
	runs     RunJournal      // Optional run journal
	health   *health.Manager // Optional health report
	metrics  http.Handler    // Optional prometheus handler
	devices  DeviceLister    // Optional device discovery
	version  string          // Application version
	started  time.Time       // Server start time for uptime calculation
	interval time.Duration   // Snapshot stream period
	routesOK bool
}

// Console is the pipeline controller as driven by operators
type Console interface {
	Snapshot(ctx context.Context) (console.Snapshot, error)
	SetMode(ctx context.Context, mode detection.Mode) error
	StartAnalysis(ctx context.Context) error
	StopAnalysis(ctx context.Context) error
	SetViewport(ctx context.Context, vp console.Viewport) error
	SetCameraEnabled(ctx context.Context, enabled bool) error
	SetUpload(ctx context.Context, path string) (string, error)
	ClearUpload(ctx context.Context) (string, error)
}

// UploadStore persists uploaded videos
type UploadStore interface {
	Save(ctx context.Context, originalName string, r io.Reader) (*storage.Upload, error)
	Remove(ctx context.Context, path string) error
	List(ctx context.Context) ([]storage.Upload, error)
}

// RunJournal lists recorded analysis runs
type RunJournal interface {
	ListRuns(ctx context.Context, limit int) ([]state.Run, error)
	GetRun(ctx context.Context, id string) (*state.Run, error)
}

// DeviceLister enumerates capture devices
type DeviceLister func() ([]capture.Device, error)

// NewServer creates a new web server service
func NewServer(cfg *config.WebConfig, ctrl Console, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	interval := cfg.StreamInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	return &Server{
		ServiceBase: service.NewServiceBase("web-server", log),
		config:      cfg,
		logger:      log,
		router:      router,
		console:     ctrl,
		version:     "dev",
		started:     time.Now(),
		interval:    interval,
	}
}

// SetVersion sets the application version
func (s *Server) SetVersion(version string) {
	s.version = version
}

// SetUploadStore enables the upload endpoints
func (s *Server) SetUploadStore(store UploadStore) {
	s.uploads = store
}

// SetRunJournal enables the run history endpoints
func (s *Server) SetRunJournal(runs RunJournal) {
	s.runs = runs
}

// SetHealthManager enables the detailed health report
func (s *Server) SetHealthManager(m *health.Manager) {
	s.health = m
}

// SetMetricsHandler exposes h on /metrics
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// SetDeviceLister enables device discovery
func (s *Server) SetDeviceLister(fn DeviceLister) {
	s.devices = fn
}

// Handler returns the router with all routes installed
func (s *Server) Handler() http.Handler {
	s.setupRoutes()
	return s.router
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start starts the web server
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.LogInfo("Web server is disabled")
		return nil
	}

	s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln

	// WriteTimeout stays disabled: the snapshot stream is long-lived.
	s.httpServer = &http.Server{
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.LogError("Web server error", err, "address", ln.Addr().String())
		}
	}()

	s.LogInfo("Web server started", "address", ln.Addr().String())
	return nil
}

// Stop stops the web server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	s.LogInfo("Stopping web server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	if s.routesOK {
		return
	}
	s.routesOK = true

	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/health/report", s.handleHealthReport)
		api.GET("/status", s.handleStatus)

		con := api.Group("/console")
		{
			con.GET("", s.handleSnapshot)
			con.GET("/stream", s.handleSnapshotStream)
			con.PUT("/mode", s.handleSetMode)
			con.POST("/analysis/start", s.handleStartAnalysis)
			con.POST("/analysis/stop", s.handleStopAnalysis)
			con.PUT("/viewport", s.handleSetViewport)
			con.PUT("/camera", s.handleSetCamera)
			con.POST("/upload", s.handleUpload)
			con.DELETE("/upload", s.handleClearUpload)
		}

		api.GET("/uploads", s.handleListUploads)
		api.GET("/devices", s.handleListDevices)
		api.GET("/runs", s.handleListRuns)
		api.GET("/runs/:id", s.handleGetRun)
	}

	s.router.GET("/metrics", s.handleMetrics)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}

// ginLogger creates a Gin middleware for logging
func ginLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency", latency,
			"client_ip", c.ClientIP(),
		)
	}
}

// corsMiddleware allows the operator UI to be served from another origin
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
