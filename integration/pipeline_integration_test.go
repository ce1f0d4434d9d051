package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/view-guard-meta/console/internal/analyzer"
	"github.com/vzahanych/view-guard-meta/console/internal/capture"
	"github.com/vzahanych/view-guard-meta/console/internal/config"
	"github.com/vzahanych/view-guard-meta/console/internal/console"
	"github.com/vzahanych/view-guard-meta/console/internal/detection"
	"github.com/vzahanych/view-guard-meta/console/internal/health"
	"github.com/vzahanych/view-guard-meta/console/internal/metrics"
	"github.com/vzahanych/view-guard-meta/console/internal/scoring"
	"github.com/vzahanych/view-guard-meta/console/internal/service"
	"github.com/vzahanych/view-guard-meta/console/internal/state"
	"github.com/vzahanych/view-guard-meta/console/internal/web"
)

// fakeFaceReply is one FAKE face in the upper-left quadrant
var fakeFaceReply = map[string]interface{}{
	"detections": []map[string]interface{}{
		{
			"bbox":       map[string]float64{"x": 100, "y": 50, "w": 200, "h": 200},
			"confidence": 0.9,
			"status":     "FAKE",
		},
	},
	"metrics": map[string]interface{}{"fps": 18.5, "processingTime": "42ms"},
}

type stack struct {
	env     *TestEnvironment
	stub    *analyzerStub
	opener  *stillOpener
	adapter *capture.Adapter
	ctrl    *console.Controller
	svcMgr  *service.Manager
	router  http.Handler
	metrics *metrics.Metrics
}

// startStack wires the console the way the serve command does, with ffmpeg
// and the analyzer replaced by in-process stand-ins
func startStack(t *testing.T) *stack {
	t.Helper()
	return startStackWith(t, newAnalyzerStub(t, fakeFaceReply))
}

func startStackWith(t *testing.T, stub *analyzerStub) *stack {
	t.Helper()

	env := SetupTestEnvironment(t)
	t.Cleanup(env.Cleanup)

	opener := &stillOpener{}

	svcMgr := service.NewManager(env.Logger)
	adapter := capture.NewAdapter(opener, env.Logger)
	adapter.SetEventBus(svcMgr.GetEventBus())
	env.Storage.SetProtected(func(path string) bool { return adapter.File() == path })

	m := metrics.New()
	ctrl := console.New(console.Options{
		Analyzer:        stub.analyzerConfig(),
		Viewport:        console.Viewport{Width: 800, Height: 600},
		Capture:         adapter,
		Recorder:        env.StateMgr,
		Settings:        env.StateMgr,
		Metrics:         m,
		Jitter:          func() float64 { return 0 },
		SampleInterval:  10 * time.Millisecond,
		HistoryInterval: 20 * time.Millisecond,
	}, env.Logger)

	healthMgr := health.NewManager(env.Logger, svcMgr)
	healthMgr.RegisterChecker(health.NewAnalyzerChecker(analyzer.NewClient(stub.analyzerConfig(), time.Second, env.Logger)))
	healthMgr.RegisterChecker(health.NewDatabaseChecker(env.StateMgr, env.Config.DatabasePath()))
	healthMgr.RegisterChecker(health.NewStorageChecker(env.Storage))

	webCfg := config.WebConfig{Enabled: false, StreamInterval: 10 * time.Millisecond}
	server := web.NewServer(&webCfg, ctrl, env.Logger)
	server.SetUploadStore(env.Storage)
	server.SetRunJournal(env.StateMgr)
	server.SetHealthManager(healthMgr)
	server.SetMetricsHandler(m.Handler())

	svcMgr.Register(state.NewService(env.StateMgr, env.Logger))
	svcMgr.Register(env.Storage)
	svcMgr.Register(ctrl)
	svcMgr.Register(server)

	ctx, cancel := ContextWithTimeout(5 * time.Second)
	defer cancel()
	require.NoError(t, svcMgr.Start(ctx))

	t.Cleanup(func() {
		shutdownCtx, cancel := ContextWithTimeout(5 * time.Second)
		defer cancel()
		_ = svcMgr.Shutdown(shutdownCtx)
	})

	return &stack{
		env:     env,
		stub:    stub,
		opener:  opener,
		adapter: adapter,
		ctrl:    ctrl,
		svcMgr:  svcMgr,
		router:  server.Handler(),
		metrics: m,
	}
}

func (s *stack) snapshot(t *testing.T) console.Snapshot {
	t.Helper()
	snap, err := s.ctrl.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func (s *stack) request(t *testing.T, method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// TestPipeline_LiveAnalysisEndToEnd streams camera frames to the analyzer
// and checks scores, overlay geometry and the run journal
func TestPipeline_LiveAnalysisEndToEnd(t *testing.T) {
	s := startStack(t)

	require.True(t, WaitForCondition(2*time.Second, func() bool {
		return s.snapshot(t).Capture.State == capture.StateActive
	}))

	w := s.request(t, http.MethodPost, "/api/console/analysis/start", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	select {
	case pipeline := <-s.stub.pipelines:
		assert.Equal(t, detection.PipelineFaceSwap, pipeline)
	case <-time.After(2 * time.Second):
		t.Fatal("analyzer was never dialed")
	}

	require.True(t, WaitForCondition(3*time.Second, func() bool {
		snap := s.snapshot(t)
		return snap.Batches >= 3 && len(snap.History) >= 2
	}), "no detection batches applied")

	snap := s.snapshot(t)
	assert.True(t, snap.Analyzing)
	assert.Equal(t, analyzer.StateOpen, snap.Session)
	assert.Equal(t, 1, snap.Faces)
	assert.InDelta(t, 0.95, snap.Scores.Primary, 1e-9)
	assert.InDelta(t, 0.95, snap.Scores.Combined, 1e-9)
	assert.Equal(t, scoring.VerdictSynthetic, snap.Verdict)
	assert.InDelta(t, 0.9, snap.Risk.Max, 1e-9)
	require.NotNil(t, snap.AnalyzerMetrics)
	assert.Equal(t, "42ms", snap.AnalyzerMetrics.ProcessingTime)

	// Live feed is Fill: 640x480 scaled by 1.25 into 800x600 with no crop
	require.Len(t, snap.Boxes, 1)
	assert.InDelta(t, 15.625, snap.Boxes[0].Left, 1e-6)
	assert.InDelta(t, 31.25, snap.Boxes[0].Width, 1e-6)
	assert.Greater(t, s.stub.frames.Load(), int64(0))

	runID := snap.RunID
	require.NotEmpty(t, runID)

	w = s.request(t, http.MethodPost, "/api/console/analysis/stop", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	snap = s.snapshot(t)
	assert.False(t, snap.Analyzing)
	assert.Empty(t, snap.Boxes)
	assert.Empty(t, snap.History)
	assert.Zero(t, snap.Scores.Combined)
	assert.Equal(t, capture.StateActive, snap.Capture.State)

	w = s.request(t, http.MethodGet, "/api/runs/"+runID, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var run state.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	assert.Equal(t, state.EndReasonStopped, run.EndReason)
	assert.Equal(t, "live_feed", run.Mode)
	assert.Positive(t, run.Batches)
	assert.Positive(t, run.FramesSent)
	assert.InDelta(t, 0.95, run.PeakCombined, 1e-9)

	w = s.request(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "console_frames_sent_total")
}

// TestPipeline_MalformedMessageKeepsLastBatch checks that an unparseable
// analyzer message is dropped without touching the applied state
func TestPipeline_MalformedMessageKeepsLastBatch(t *testing.T) {
	stub := newAnalyzerStub(t, fakeFaceReply)
	stub.script = [][]byte{
		stub.reply,
		[]byte("not json"),
		[]byte(`{"metrics":{"fps":9,"processingTime":"7ms"}}`),
	}
	s := startStackWith(t, stub)

	require.True(t, WaitForCondition(2*time.Second, func() bool {
		return s.snapshot(t).Capture.State == capture.StateActive
	}))

	w := s.request(t, http.MethodPost, "/api/console/analysis/start", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.True(t, WaitForCondition(3*time.Second, func() bool {
		return s.snapshot(t).Batches == 1
	}), "first batch never applied")
	before := s.snapshot(t)
	require.Len(t, before.Boxes, 1)

	// Messages arrive in order, so the metrics-only reply proves the
	// malformed one was read first.
	require.True(t, WaitForCondition(3*time.Second, func() bool {
		m := s.snapshot(t).AnalyzerMetrics
		return m != nil && m.ProcessingTime == "7ms"
	}), "trailing message never applied")

	snap := s.snapshot(t)
	assert.True(t, snap.Analyzing)
	assert.Equal(t, analyzer.StateOpen, snap.Session)
	assert.Equal(t, int64(1), snap.Batches)
	assert.Equal(t, before.Boxes, snap.Boxes)
	assert.Equal(t, before.Scores, snap.Scores)
	assert.Equal(t, before.Verdict, snap.Verdict)
	assert.Equal(t, 1, snap.Faces)
	assert.Empty(t, snap.LastError)

	runID := snap.RunID
	w = s.request(t, http.MethodPost, "/api/console/analysis/stop", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, uint64(1), s.metrics.MessagesMalformed.Load())

	w = s.request(t, http.MethodGet, "/api/runs/"+runID, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var run state.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	assert.Equal(t, int64(1), run.Malformed)
	assert.Equal(t, int64(1), run.Batches)
}

// TestPipeline_UploadModeEndToEnd uploads a file through the API and
// analyzes it on the AI-generated pipeline
func TestPipeline_UploadModeEndToEnd(t *testing.T) {
	s := startStack(t)

	w := s.request(t, http.MethodPut, "/api/console/mode", []byte(`{"mode":"upload_ai"}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, capture.StateIdle, s.snapshot(t).Capture.State)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("video", "suspect.mp4")
	require.NoError(t, err)
	_, _ = part.Write([]byte("fake mp4 bytes"))
	require.NoError(t, mw.Close())

	w = s.request(t, http.MethodPost, "/api/console/upload", body.Bytes(), mw.FormDataContentType())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	snap := s.snapshot(t)
	require.NotEmpty(t, snap.Capture.File)
	assert.Equal(t, []string{snap.Capture.File}, s.opener.opened())
	assert.Equal(t, capture.KindFile, snap.Capture.Kind)

	require.NoError(t, s.ctrl.StartAnalysis(context.Background()))
	select {
	case pipeline := <-s.stub.pipelines:
		assert.Equal(t, detection.PipelineAIGenerated, pipeline)
	case <-time.After(2 * time.Second):
		t.Fatal("analyzer was never dialed")
	}

	require.True(t, WaitForCondition(3*time.Second, func() bool {
		return s.snapshot(t).Batches > 0
	}))

	// Upload mode is Contain: 1280x720 letterboxed into 800x600
	snap = s.snapshot(t)
	require.Len(t, snap.Boxes, 1)
	assert.InDelta(t, 7.8125, snap.Boxes[0].Left, 1e-6)

	// The selected upload survives retention while it is in use
	deleted, err := s.env.Storage.EnforceRetention(context.Background())
	require.NoError(t, err)
	assert.Zero(t, deleted)

	w = s.request(t, http.MethodDelete, "/api/console/upload", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	snap = s.snapshot(t)
	assert.False(t, snap.Analyzing)
	assert.Empty(t, snap.Capture.File)

	uploads, err := s.env.Storage.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, uploads)

	mode, err := s.env.StateMgr.GetSystemState(context.Background(), state.KeyMode)
	require.NoError(t, err)
	assert.Equal(t, string(detection.ModeUploadAIGenerated), mode)
}

// TestPipeline_HealthReport runs every checker against the live stack
func TestPipeline_HealthReport(t *testing.T) {
	s := startStack(t)

	w := s.request(t, http.MethodGet, "/api/health/report", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var report health.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.Contains(t, report.Checks, "analyzer")
	assert.Contains(t, report.Checks, "database")
	assert.Contains(t, report.Checks, "storage")
	assert.Contains(t, report.Services, "console")
}

// TestPipeline_ShutdownClosesOpenRun stops the service manager mid-analysis
func TestPipeline_ShutdownClosesOpenRun(t *testing.T) {
	s := startStack(t)

	require.NoError(t, s.ctrl.StartAnalysis(context.Background()))
	<-s.stub.pipelines
	require.True(t, WaitForCondition(3*time.Second, func() bool {
		return s.snapshot(t).Batches > 0
	}))
	runID := s.snapshot(t).RunID

	ctx, cancel := ContextWithTimeout(5 * time.Second)
	defer cancel()
	require.NoError(t, s.ctrl.Stop(ctx))

	run, err := s.env.StateMgr.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, state.EndReasonShutdown, run.EndReason)

	_, err = s.ctrl.Snapshot(context.Background())
	assert.ErrorIs(t, err, console.ErrClosed)
}
