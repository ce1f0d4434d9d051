package integration

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vzahanych/view-guard-meta/console/internal/capture"
	"github.com/vzahanych/view-guard-meta/console/internal/config"
	"github.com/vzahanych/view-guard-meta/console/internal/logger"
	"github.com/vzahanych/view-guard-meta/console/internal/state"
	"github.com/vzahanych/view-guard-meta/console/internal/storage"
)

// TestEnvironment provides a test environment for integration tests
type TestEnvironment struct {
	TempDir     string
	Config      *config.Config
	StateMgr    *state.Manager
	Storage     *storage.StorageService
	Logger      *logger.Logger
	CleanupFunc func()
}

// SetupTestEnvironment creates a config rooted in a temp dir, the state
// database and an upload store indexed in it
func SetupTestEnvironment(t *testing.T) *TestEnvironment {
	tmpDir := t.TempDir()

	cfg := config.Default()
	cfg.Console.Storage.DataDir = filepath.Join(tmpDir, "data")
	cfg.Console.Storage.UploadsDir = filepath.Join(tmpDir, "uploads")
	cfg.Console.Storage.MaxDiskUsagePercent = 100
	cfg.Log.Level = "debug"

	log := logger.NewNopLogger()

	stateMgr, err := state.NewManager(cfg.Console.Storage.DataDir, log)
	if err != nil {
		t.Fatalf("Failed to create state manager: %v", err)
	}

	store, err := storage.NewStorageService(storage.Config{
		UploadsDir:          cfg.Console.Storage.UploadsDir,
		Retention:           cfg.Console.Storage.UploadRetention,
		MaxUploadBytes:      cfg.Console.Storage.MaxUploadBytes,
		MaxDiskUsagePercent: cfg.Console.Storage.MaxDiskUsagePercent,
		Index:               storage.NewSQLiteIndex(stateMgr.GetDB(), log),
	}, log)
	if err != nil {
		stateMgr.Close()
		t.Fatalf("Failed to create storage service: %v", err)
	}

	return &TestEnvironment{
		TempDir:  tmpDir,
		Config:   cfg,
		StateMgr: stateMgr,
		Storage:  store,
		Logger:   log,
		CleanupFunc: func() {
			stateMgr.Close()
		},
	}
}

// Cleanup cleans up the test environment
func (e *TestEnvironment) Cleanup() {
	if e.CleanupFunc != nil {
		e.CleanupFunc()
	}
}

// WaitForCondition waits for a condition to become true
func WaitForCondition(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		<-ticker.C
	}

	return condition()
}

// ContextWithTimeout creates a context with timeout for tests
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// stillSource serves one fixed frame until closed
type stillSource struct {
	kind   capture.Kind
	frame  image.Image
	closed atomic.Bool
}

func (s *stillSource) Kind() capture.Kind { return s.kind }

func (s *stillSource) IntrinsicSize() (int, int) {
	b := s.frame.Bounds()
	return b.Dx(), b.Dy()
}

func (s *stillSource) ReadFrame() (image.Image, bool) {
	if s.closed.Load() {
		return nil, false
	}
	return s.frame, true
}

func (s *stillSource) Active() bool { return !s.closed.Load() }

func (s *stillSource) Close() error {
	s.closed.Store(true)
	return nil
}

// stillOpener stands in for ffmpeg: the camera is 640x480 and every file
// decodes to 1280x720
type stillOpener struct {
	mu    sync.Mutex
	files []string
}

func (o *stillOpener) OpenDevice(ctx context.Context) (capture.Source, error) {
	return &stillSource{kind: capture.KindDevice, frame: solidFrame(640, 480)}, nil
}

func (o *stillOpener) OpenFile(ctx context.Context, path string) (capture.Source, error) {
	o.mu.Lock()
	o.files = append(o.files, path)
	o.mu.Unlock()
	return &stillSource{kind: capture.KindFile, frame: solidFrame(1280, 720)}, nil
}

func (o *stillOpener) opened() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.files...)
}

func solidFrame(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 90, G: 120, B: 200, A: 255})
		}
	}
	return img
}

// analyzerStub answers every frame with a fixed detection batch, or with
// the scripted replies in order when a script is set
type analyzerStub struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	reply    []byte
	script   [][]byte

	frames    atomic.Int64
	pipelines chan string
}

func newAnalyzerStub(t *testing.T, reply map[string]interface{}) *analyzerStub {
	t.Helper()
	data, err := json.Marshal(reply)
	if err != nil {
		t.Fatalf("marshal reply: %v", err)
	}
	a := &analyzerStub{reply: data, pipelines: make(chan string, 8)}
	a.server = httptest.NewServer(http.HandlerFunc(a.serve))
	t.Cleanup(a.server.Close)
	return a
}

func (a *analyzerStub) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","detector_loaded":true}`))
		return
	}
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	a.pipelines <- r.URL.Query().Get("mode")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !strings.HasPrefix(string(data), "data:image/jpeg;base64,") {
			continue
		}
		reply, ok := a.replyFor(a.frames.Add(1))
		if !ok {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
			return
		}
	}
}

// replyFor returns the reply to the n-th frame; a script stays silent once
// it runs out
func (a *analyzerStub) replyFor(n int64) ([]byte, bool) {
	if a.script == nil {
		return a.reply, true
	}
	if n > int64(len(a.script)) {
		return nil, false
	}
	return a.script[n-1], true
}

// analyzerConfig points the console at the stub
func (a *analyzerStub) analyzerConfig() config.AnalyzerConfig {
	cfg := config.Default().Console.Analyzer
	cfg.BaseURL = "ws" + strings.TrimPrefix(a.server.URL, "http")
	return cfg
}
