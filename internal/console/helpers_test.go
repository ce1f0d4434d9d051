package console

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vzahanych/view-guard-meta/console/internal/analyzer"
	"github.com/vzahanych/view-guard-meta/console/internal/capture"
	"github.com/vzahanych/view-guard-meta/console/internal/config"
	"github.com/vzahanych/view-guard-meta/console/internal/detection"
	"github.com/vzahanych/view-guard-meta/console/internal/logger"
	"github.com/vzahanych/view-guard-meta/console/internal/state"
)

// callLog records calls across fakes so tests can assert ordering
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// since returns the calls recorded after the first n
func (l *callLog) since(n int) []string {
	all := l.all()
	if n > len(all) {
		return nil
	}
	return all[n:]
}

func (l *callLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

type fakeSource struct {
	kind capture.Kind
	img  image.Image
}

func newFakeSource(kind capture.Kind, w, h int) *fakeSource {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.RGBA{R: 255, A: 255})
	}
	return &fakeSource{kind: kind, img: img}
}

func (s *fakeSource) Kind() capture.Kind { return s.kind }
func (s *fakeSource) IntrinsicSize() (int, int) {
	b := s.img.Bounds()
	return b.Dx(), b.Dy()
}
func (s *fakeSource) ReadFrame() (image.Image, bool) { return s.img, true }
func (s *fakeSource) Active() bool                   { return true }
func (s *fakeSource) Close() error                   { return nil }

// fakeCapture stands in for capture.Adapter. Live mode acquires a 640x480
// device while the camera is enabled; upload modes acquire a 1280x720 file
// once one is selected.
type fakeCapture struct {
	log *callLog

	mu      sync.Mutex
	mode    detection.Mode
	file    string
	camera  bool
	source  capture.Source
	noFrame bool
}

func newFakeCapture(log *callLog) *fakeCapture {
	return &fakeCapture{log: log, camera: true}
}

func (f *fakeCapture) Activate(ctx context.Context, mode detection.Mode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.add("capture.activate " + string(mode))
	f.mode = mode
	f.acquireLocked()
}

func (f *fakeCapture) SetFile(ctx context.Context, path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.add("capture.file " + path)
	f.file = path
	if f.mode.IsUpload() {
		f.acquireLocked()
	}
}

func (f *fakeCapture) ClearFile() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.add("capture.clear")
	f.file = ""
	if f.mode.IsUpload() {
		f.source = nil
	}
}

func (f *fakeCapture) File() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file
}

func (f *fakeCapture) SetCameraEnabled(ctx context.Context, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if enabled {
		f.log.add("capture.camera on")
	} else {
		f.log.add("capture.camera off")
	}
	f.camera = enabled
	if f.mode == detection.ModeLiveFeed {
		f.acquireLocked()
	}
}

func (f *fakeCapture) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.add("capture.release")
	f.source = nil
}

func (f *fakeCapture) Source() capture.Source {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noFrame {
		return nil
	}
	return f.source
}

func (f *fakeCapture) Status() capture.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := capture.Status{
		State:         capture.StateIdle,
		Mode:          f.mode,
		CameraEnabled: f.camera,
		File:          f.file,
	}
	if f.source != nil {
		st.State = capture.StateActive
		st.Kind = f.source.Kind()
		st.Width, st.Height = f.source.IntrinsicSize()
		st.Streaming = true
	}
	return st
}

func (f *fakeCapture) acquireLocked() {
	f.source = nil
	switch {
	case f.mode == detection.ModeLiveFeed && f.camera:
		f.source = newFakeSource(capture.KindDevice, 640, 480)
	case f.mode.IsUpload() && f.file != "":
		f.source = newFakeSource(capture.KindFile, 1280, 720)
	}
}

// fakeSession opens synchronously unless startErr is set
type fakeSession struct {
	log      *callLog
	handler  analyzer.Handler
	startErr error

	mu       sync.Mutex
	state    analyzer.State
	mode     detection.Mode
	payloads []string
	closed   bool
}

func (s *fakeSession) Start(ctx context.Context, mode detection.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.add("session.start " + string(mode))
	if s.startErr != nil {
		return s.startErr
	}
	s.mode = mode
	s.state = analyzer.StateOpen
	return nil
}

func (s *fakeSession) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.log.add("session.stop")
	s.state = analyzer.StateClosed
}

func (s *fakeSession) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == analyzer.StateOpen
}

func (s *fakeSession) Send(payload string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	return true
}

func (s *fakeSession) State() analyzer.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) Stats() analyzer.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return analyzer.Stats{Sent: int64(len(s.payloads))}
}

func (s *fakeSession) setState(st analyzer.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func (s *fakeSession) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.payloads...)
}

type fakeTicker struct {
	name string
	log  *callLog
	ch   chan time.Time
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               { t.log.add("ticker.stop " + t.name) }

type finishedRun struct {
	id      string
	summary state.RunSummary
}

type fakeRecorder struct {
	mu       sync.Mutex
	started  []state.Run
	finished []finishedRun
	next     int
}

func (r *fakeRecorder) StartRun(ctx context.Context, run state.Run) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	run.ID = fmt.Sprintf("run-%d", r.next)
	r.started = append(r.started, run)
	return run.ID, nil
}

func (r *fakeRecorder) FinishRun(ctx context.Context, id string, s state.RunSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, finishedRun{id: id, summary: s})
	return nil
}

func (r *fakeRecorder) finishedRuns() []finishedRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]finishedRun(nil), r.finished...)
}

type fakeSettings struct {
	mu     sync.Mutex
	values map[string]string
}

func (s *fakeSettings) SaveSystemState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]string)
	}
	s.values[key] = value
	return nil
}

func (s *fakeSettings) get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

const (
	sampleTick  = 50 * time.Millisecond
	historyTick = 500 * time.Millisecond
)

// harness drives a controller wired entirely to fakes
type harness struct {
	t        *testing.T
	c        *Controller
	log      *callLog
	capture  *fakeCapture
	recorder *fakeRecorder
	settings *fakeSettings

	mu        sync.Mutex
	sessions  []*fakeSession
	tickers   map[string]*fakeTicker
	failStart error
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		t:        t,
		log:      &callLog{},
		recorder: &fakeRecorder{},
		settings: &fakeSettings{},
		tickers:  make(map[string]*fakeTicker),
	}
	h.capture = newFakeCapture(h.log)

	h.c = New(Options{
		Analyzer:        config.AnalyzerConfig{BaseURL: "ws://analyzer:8000", StreamPath: "/ws/stream"},
		Viewport:        Viewport{Width: 800, Height: 600},
		Capture:         h.capture,
		NewSession:      h.newSession,
		NewTicker:       h.newTicker,
		Jitter:          func() float64 { return 0.1 },
		Recorder:        h.recorder,
		Settings:        h.settings,
		SampleInterval:  sampleTick,
		HistoryInterval: historyTick,
	}, logger.NewNopLogger())

	require.NoError(t, h.c.Start(context.Background()))
	t.Cleanup(func() {
		err := h.c.Close(context.Background())
		if err != nil && !errors.Is(err, ErrClosed) {
			t.Errorf("close: %v", err)
		}
	})

	// A round trip guarantees the initial activation has happened.
	_, err := h.c.Snapshot(context.Background())
	require.NoError(t, err)
	return h
}

func (h *harness) newSession(cfg config.AnalyzerConfig, handler analyzer.Handler, log *logger.Logger) Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := &fakeSession{log: h.log, handler: handler, startErr: h.failStart, state: analyzer.StateIdle}
	h.sessions = append(h.sessions, s)
	return s
}

func (h *harness) newTicker(d time.Duration) Ticker {
	h.mu.Lock()
	defer h.mu.Unlock()
	name := "sample"
	if d == historyTick {
		name = "history"
	}
	tk := &fakeTicker{name: name, log: h.log, ch: make(chan time.Time)}
	h.tickers[name] = tk
	return tk
}

func (h *harness) session(i int) *fakeSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Greater(h.t, len(h.sessions), i, "session %d was never created", i)
	return h.sessions[i]
}

func (h *harness) sessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// tick fires the named ticker and waits until the loop has consumed it
func (h *harness) tick(name string) {
	h.t.Helper()
	h.mu.Lock()
	tk := h.tickers[name]
	h.mu.Unlock()
	require.NotNil(h.t, tk, "ticker %s was never created", name)

	select {
	case tk.ch <- time.Now():
	case <-time.After(2 * time.Second):
		h.t.Fatalf("%s tick was not consumed", name)
	}

	// The loop is serial: a command queued now runs after the tick handler.
	h.snapshot()
}

func (h *harness) snapshot() Snapshot {
	h.t.Helper()
	snap, err := h.c.Snapshot(context.Background())
	require.NoError(h.t, err)
	return snap
}

func (h *harness) start() *fakeSession {
	h.t.Helper()
	require.NoError(h.t, h.c.StartAnalysis(context.Background()))
	return h.session(h.sessionCount() - 1)
}

// upload selects path and returns the file it replaced
func (h *harness) upload(path string) string {
	h.t.Helper()
	previous, err := h.c.SetUpload(context.Background(), path)
	require.NoError(h.t, err)
	return previous
}

func batch(dets ...detection.Detection) detection.Message {
	return detection.Message{Detections: dets, HasDetections: true}
}

func face(status detection.Status, confidence, x, y, w, hgt float64) detection.Detection {
	return detection.Detection{
		BBox:       detection.BBox{X: x, Y: y, W: w, H: hgt},
		Confidence: confidence,
		Status:     status,
	}
}
