package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/view-guard-meta/console/internal/analyzer"
	"github.com/vzahanych/view-guard-meta/console/internal/capture"
	"github.com/vzahanych/view-guard-meta/console/internal/config"
	"github.com/vzahanych/view-guard-meta/console/internal/console"
	"github.com/vzahanych/view-guard-meta/console/internal/detection"
	"github.com/vzahanych/view-guard-meta/console/internal/geometry"
	"github.com/vzahanych/view-guard-meta/console/internal/health"
	"github.com/vzahanych/view-guard-meta/console/internal/logger"
	"github.com/vzahanych/view-guard-meta/console/internal/metrics"
	"github.com/vzahanych/view-guard-meta/console/internal/service"
	"github.com/vzahanych/view-guard-meta/console/internal/state"
	"github.com/vzahanych/view-guard-meta/console/internal/storage"
)

type mockConsole struct {
	mu        sync.Mutex
	snap      console.Snapshot
	calls     []string
	err       error
	startErr  error
	snapCalls int
}

func (m *mockConsole) record(call string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	return m.err
}

func (m *mockConsole) Snapshot(ctx context.Context) (console.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapCalls++
	return m.snap, m.err
}

func (m *mockConsole) SetMode(ctx context.Context, mode detection.Mode) error {
	if err := m.record("mode " + string(mode)); err != nil {
		return err
	}
	m.mu.Lock()
	m.snap.Mode = mode
	m.mu.Unlock()
	return nil
}

func (m *mockConsole) StartAnalysis(ctx context.Context) error {
	if err := m.record("start"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.snap.Analyzing = true
	return nil
}

func (m *mockConsole) StopAnalysis(ctx context.Context) error {
	if err := m.record("stop"); err != nil {
		return err
	}
	m.mu.Lock()
	m.snap.Analyzing = false
	m.mu.Unlock()
	return nil
}

func (m *mockConsole) SetViewport(ctx context.Context, vp console.Viewport) error {
	return m.record(fmt.Sprintf("viewport %dx%d", vp.Width, vp.Height))
}

func (m *mockConsole) SetCameraEnabled(ctx context.Context, enabled bool) error {
	return m.record(fmt.Sprintf("camera %t", enabled))
}

func (m *mockConsole) SetUpload(ctx context.Context, path string) (string, error) {
	if err := m.record("upload " + path); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	previous := m.snap.Capture.File
	m.snap.Capture.File = path
	return previous, nil
}

func (m *mockConsole) ClearUpload(ctx context.Context) (string, error) {
	if err := m.record("clear"); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	previous := m.snap.Capture.File
	m.snap.Capture.File = ""
	return previous, nil
}

func (m *mockConsole) history() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type mockUploads struct {
	mu      sync.Mutex
	saved   map[string][]byte
	removed []string
	saveErr error
	next    int
}

func (m *mockUploads) Save(ctx context.Context, originalName string, r io.Reader) (*storage.Upload, error) {
	if m.saveErr != nil {
		return nil, m.saveErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	path := fmt.Sprintf("/data/uploads/%d.mp4", m.next)
	if m.saved == nil {
		m.saved = make(map[string][]byte)
	}
	m.saved[path] = data
	return &storage.Upload{
		ID:           fmt.Sprint(m.next),
		Path:         path,
		OriginalName: originalName,
		SizeBytes:    int64(len(data)),
		CreatedAt:    time.Now(),
	}, nil
}

func (m *mockUploads) Remove(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, path)
	delete(m.saved, path)
	return nil
}

func (m *mockUploads) List(ctx context.Context) ([]storage.Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.Upload, 0, len(m.saved))
	for path := range m.saved {
		out = append(out, storage.Upload{Path: path})
	}
	return out, nil
}

type mockRuns struct {
	runs []state.Run
	err  error
	last int
}

func (m *mockRuns) ListRuns(ctx context.Context, limit int) ([]state.Run, error) {
	m.last = limit
	if m.err != nil {
		return nil, m.err
	}
	if limit < len(m.runs) {
		return m.runs[:limit], nil
	}
	return m.runs, nil
}

func (m *mockRuns) GetRun(ctx context.Context, id string) (*state.Run, error) {
	for i := range m.runs {
		if m.runs[i].ID == id {
			return &m.runs[i], nil
		}
	}
	return nil, nil
}

type staticChecker struct {
	status health.Status
}

func (c staticChecker) Name() string { return "analyzer" }
func (c staticChecker) Check(ctx context.Context) health.Check {
	return health.Check{Name: "analyzer", Status: c.status, Timestamp: time.Now()}
}

func setupTestServer(t *testing.T) (*Server, *mockConsole) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctrl := &mockConsole{snap: console.Snapshot{
		Mode:     detection.ModeLiveFeed,
		Pipeline: "faceswap",
		Session:  analyzer.StateIdle,
	}}
	cfg := &config.WebConfig{
		Enabled:        true,
		Host:           "127.0.0.1",
		Port:           0,
		StreamInterval: 10 * time.Millisecond,
	}

	server := NewServer(cfg, ctrl, logger.NewNopLogger())
	server.SetVersion("test-version-1.0.0")
	return server, ctrl
}

func doRequest(server *Server, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	return w
}

func doJSON(server *Server, method, path, body string) *httptest.ResponseRecorder {
	return doRequest(server, method, path, strings.NewReader(body), "application/json")
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	return response
}

func multipartVideo(t *testing.T, field, name string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func TestServer_NewServer(t *testing.T) {
	server, _ := setupTestServer(t)
	assert.Equal(t, "web-server", server.Name())
}

func TestServer_StartStop(t *testing.T) {
	server, _ := setupTestServer(t)

	require.NoError(t, server.Start(context.Background()))
	addr := server.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Stop(ctx))
}

func TestServer_StartDisabled(t *testing.T) {
	server, _ := setupTestServer(t)
	server.config.Enabled = false

	require.NoError(t, server.Start(context.Background()))
	assert.Nil(t, server.httpServer)
	assert.NoError(t, server.Stop(context.Background()))
}

func TestHandleStatus(t *testing.T) {
	server, _ := setupTestServer(t)
	server.GetStatus().SetStatus(service.StatusRunning)

	w := doRequest(server, http.MethodGet, "/api/status", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	response := decode(t, w)
	assert.Equal(t, "healthy", response["status"])
	assert.Equal(t, "test-version-1.0.0", response["version"])
	assert.Equal(t, "live_feed", response["mode"])
	assert.Equal(t, false, response["analyzing"])
	assert.NotEmpty(t, response["timestamp"])
}

func TestHandleHealthReport(t *testing.T) {
	server, _ := setupTestServer(t)

	w := doRequest(server, http.MethodGet, "/api/health/report", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	hm := health.NewManager(logger.NewNopLogger(), nil)
	hm.RegisterChecker(staticChecker{status: health.StatusDegraded})
	server.SetHealthManager(hm)

	w = doRequest(server, http.MethodGet, "/api/health/report", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "degraded", decode(t, w)["status"])

	hm.RegisterChecker(staticChecker{status: health.StatusUnhealthy})
	w = doRequest(server, http.MethodGet, "/api/health/report", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleSnapshot(t *testing.T) {
	server, ctrl := setupTestServer(t)
	ctrl.snap.Boxes = []geometry.DisplayBox{{Left: 15.625, Top: 10.5, Width: 31.25, Height: 41.5}}

	w := doRequest(server, http.MethodGet, "/api/console", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var snap console.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, detection.ModeLiveFeed, snap.Mode)
	require.Len(t, snap.Boxes, 1)
	assert.Equal(t, 15.625, snap.Boxes[0].Left)

	ctrl.err = console.ErrClosed
	w = doRequest(server, http.MethodGet, "/api/console", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleSnapshotStream(t *testing.T) {
	server, ctrl := setupTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/console/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/event-stream"), w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.GreaterOrEqual(t, strings.Count(body, "event:snapshot"), 2)
	assert.Contains(t, body, `"mode":"live_feed"`)

	ctrl.mu.Lock()
	assert.GreaterOrEqual(t, ctrl.snapCalls, 2)
	ctrl.mu.Unlock()
}

func TestHandleSnapshotStream_ConsoleClosed(t *testing.T) {
	server, ctrl := setupTestServer(t)
	ctrl.err = console.ErrClosed

	w := doRequest(server, http.MethodGet, "/api/console/stream", nil, "")
	assert.Contains(t, w.Body.String(), "event:closed")
	assert.NotContains(t, w.Body.String(), "event:snapshot")
}

func TestHandleSetMode(t *testing.T) {
	server, ctrl := setupTestServer(t)

	w := doJSON(server, http.MethodPut, "/api/console/mode", `{"mode":"faceswap"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "upload_faceswap", decode(t, w)["mode"])

	w = doJSON(server, http.MethodPut, "/api/console/mode", `{"mode":"thermal"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(server, http.MethodPut, "/api/console/mode", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, []string{"mode upload_faceswap"}, ctrl.history())
}

func TestHandleAnalysis(t *testing.T) {
	server, ctrl := setupTestServer(t)

	w := doRequest(server, http.MethodPost, "/api/console/analysis/start", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["analyzing"])

	w = doRequest(server, http.MethodPost, "/api/console/analysis/stop", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["analyzing"])

	ctrl.startErr = errors.New("invalid analyzer url")
	w = doRequest(server, http.MethodPost, "/api/console/analysis/start", nil, "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, decode(t, w)["details"], "invalid analyzer url")
}

func TestHandleSetViewport(t *testing.T) {
	server, ctrl := setupTestServer(t)

	w := doJSON(server, http.MethodPut, "/api/console/viewport", `{"width":800,"height":600}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(server, http.MethodPut, "/api/console/viewport", `{"width":0,"height":600}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(server, http.MethodPut, "/api/console/viewport", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, []string{"viewport 800x600"}, ctrl.history())
}

func TestHandleSetCamera(t *testing.T) {
	server, ctrl := setupTestServer(t)

	w := doJSON(server, http.MethodPut, "/api/console/camera", `{"enabled":false}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(server, http.MethodPut, "/api/console/camera", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, []string{"camera false"}, ctrl.history())
}

func TestHandleUpload(t *testing.T) {
	server, ctrl := setupTestServer(t)

	w := doRequest(server, http.MethodPost, "/api/console/upload", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	uploads := &mockUploads{}
	server.SetUploadStore(uploads)

	body, ct := multipartVideo(t, "video", "clip.mp4", []byte("fake video"))
	w = doRequest(server, http.MethodPost, "/api/console/upload", body, ct)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "/data/uploads/1.mp4", decode(t, w)["path"])

	body, ct = multipartVideo(t, "video", "second.mp4", []byte("another"))
	w = doRequest(server, http.MethodPost, "/api/console/upload", body, ct)
	require.Equal(t, http.StatusCreated, w.Code)

	assert.Equal(t, []string{"upload /data/uploads/1.mp4", "upload /data/uploads/2.mp4"}, ctrl.history())
	assert.Equal(t, []string{"/data/uploads/1.mp4"}, uploads.removed)

	body, ct = multipartVideo(t, "file", "clip.mp4", []byte("x"))
	w = doRequest(server, http.MethodPost, "/api/console/upload", body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleUpload_ConcurrentReplacesEachFileOnce(t *testing.T) {
	server, ctrl := setupTestServer(t)
	uploads := &mockUploads{}
	server.SetUploadStore(uploads)

	handler := server.Handler()

	const n = 8
	var wg sync.WaitGroup
	codes := make([]int, n)
	for i := 0; i < n; i++ {
		body, ct := multipartVideo(t, "video", fmt.Sprintf("clip%d.mp4", i), []byte("video"))
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/api/console/upload", body)
			req.Header.Set("Content-Type", ct)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			codes[i] = w.Code
		}(i)
	}
	wg.Wait()

	for _, code := range codes {
		assert.Equal(t, http.StatusCreated, code)
	}

	snap, err := ctrl.Snapshot(context.Background())
	require.NoError(t, err)

	uploads.mu.Lock()
	defer uploads.mu.Unlock()
	assert.Len(t, uploads.removed, n-1)
	seen := make(map[string]bool)
	for _, path := range uploads.removed {
		assert.False(t, seen[path], "%s removed twice", path)
		seen[path] = true
	}
	assert.NotContains(t, uploads.removed, snap.Capture.File)
	assert.Len(t, uploads.saved, 1)
	assert.Contains(t, uploads.saved, snap.Capture.File)
}

func TestHandleUpload_StorageErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"too large", storage.ErrTooLarge, http.StatusRequestEntityTooLarge},
		{"unsupported", fmt.Errorf("%w: %q", storage.ErrUnsupportedType, ".txt"), http.StatusUnsupportedMediaType},
		{"disk full", storage.ErrDiskFull, http.StatusInsufficientStorage},
		{"other", errors.New("io failure"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, ctrl := setupTestServer(t)
			server.SetUploadStore(&mockUploads{saveErr: tt.err})

			body, ct := multipartVideo(t, "video", "clip.mp4", []byte("x"))
			w := doRequest(server, http.MethodPost, "/api/console/upload", body, ct)
			assert.Equal(t, tt.code, w.Code)
			assert.Empty(t, ctrl.history())
		})
	}
}

func TestHandleClearUpload(t *testing.T) {
	server, ctrl := setupTestServer(t)
	uploads := &mockUploads{}
	server.SetUploadStore(uploads)
	ctrl.snap.Capture = capture.Status{File: "/data/uploads/7.mp4"}

	w := doRequest(server, http.MethodDelete, "/api/console/upload", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/data/uploads/7.mp4", decode(t, w)["cleared"])
	assert.Equal(t, []string{"/data/uploads/7.mp4"}, uploads.removed)

	w = doRequest(server, http.MethodDelete, "/api/console/upload", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "", decode(t, w)["cleared"])
	assert.Len(t, uploads.removed, 1)
}

func TestHandleListDevices(t *testing.T) {
	server, _ := setupTestServer(t)

	w := doRequest(server, http.MethodGet, "/api/devices", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	server.SetDeviceLister(func() ([]capture.Device, error) {
		return []capture.Device{{ID: "video0", Path: "/dev/video0", Name: "USB Camera"}}, nil
	})
	w = doRequest(server, http.MethodGet, "/api/devices", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	server.SetDeviceLister(func() ([]capture.Device, error) {
		return nil, errors.New("permission denied")
	})
	w = doRequest(server, http.MethodGet, "/api/devices", nil, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandleRuns(t *testing.T) {
	server, _ := setupTestServer(t)
	runs := &mockRuns{runs: []state.Run{
		{ID: "b", Mode: "live_feed", Pipeline: "faceswap"},
		{ID: "a", Mode: "upload_ai_generated", Pipeline: "ai_generated"},
	}}
	server.SetRunJournal(runs)

	w := doRequest(server, http.MethodGet, "/api/runs?limit=1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])
	assert.Equal(t, 1, runs.last)

	w = doRequest(server, http.MethodGet, "/api/runs", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 50, runs.last)

	w = doRequest(server, http.MethodGet, "/api/runs?limit=zero", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(server, http.MethodGet, "/api/runs/a", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ai_generated", decode(t, w)["pipeline"])

	w = doRequest(server, http.MethodGet, "/api/runs/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleMetrics(t *testing.T) {
	server, _ := setupTestServer(t)

	w := doRequest(server, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	m := metrics.New()
	m.RecordTick("sent")
	server.SetMetricsHandler(m.Handler())

	w = doRequest(server, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "console_frames_sent_total 1")
}

func TestNoRoute(t *testing.T) {
	server, _ := setupTestServer(t)

	w := doRequest(server, http.MethodGet, "/api/cameras", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	server, _ := setupTestServer(t)

	w := doRequest(server, http.MethodOptions, "/api/console/mode", nil, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
