// Package console runs the analysis pipeline. A single goroutine owns all
// pipeline state: operator commands, sampling ticks, history ticks and
// analyzer session events are queued to it and handled one at a time.
package console

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vzahanych/view-guard-meta/console/internal/analyzer"
	"github.com/vzahanych/view-guard-meta/console/internal/capture"
	"github.com/vzahanych/view-guard-meta/console/internal/config"
	"github.com/vzahanych/view-guard-meta/console/internal/detection"
	"github.com/vzahanych/view-guard-meta/console/internal/logger"
	"github.com/vzahanych/view-guard-meta/console/internal/metrics"
	"github.com/vzahanych/view-guard-meta/console/internal/sampler"
	"github.com/vzahanych/view-guard-meta/console/internal/scoring"
	"github.com/vzahanych/view-guard-meta/console/internal/service"
	"github.com/vzahanych/view-guard-meta/console/internal/state"
)

// HistoryInterval is the trend sampling period while analyzing
const HistoryInterval = 500 * time.Millisecond

// ErrClosed is returned by commands issued after the controller shut down
var ErrClosed = errors.New("console controller closed")

// Capture is the capture adapter as seen by the controller
type Capture interface {
	Activate(ctx context.Context, mode detection.Mode)
	SetFile(ctx context.Context, path string)
	ClearFile()
	File() string
	SetCameraEnabled(ctx context.Context, enabled bool)
	Release()
	Source() capture.Source
	Status() capture.Status
}

// Session is one analyzer connection
type Session interface {
	Start(ctx context.Context, mode detection.Mode) error
	Stop()
	IsOpen() bool
	Send(payload string) bool
	State() analyzer.State
	Stats() analyzer.Stats
}

// SessionFactory creates an idle session reporting to h
type SessionFactory func(cfg config.AnalyzerConfig, h analyzer.Handler, log *logger.Logger) Session

// Ticker delivers periodic ticks until stopped
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates a running ticker
type TickerFactory func(d time.Duration) Ticker

// Recorder journals analysis runs
type Recorder interface {
	StartRun(ctx context.Context, run state.Run) (string, error)
	FinishRun(ctx context.Context, id string, s state.RunSummary) error
}

// Settings persists operator choices across restarts
type Settings interface {
	SaveSystemState(ctx context.Context, key, value string) error
}

// Options configures a Controller
type Options struct {
	Analyzer       config.AnalyzerConfig
	Viewport       Viewport
	InitialMode    detection.Mode
	CameraDisabled bool

	Capture    Capture
	NewSession SessionFactory
	NewTicker  TickerFactory
	Jitter     scoring.Jitter
	Recorder   Recorder
	Settings   Settings
	Metrics    *metrics.Metrics

	SampleInterval  time.Duration
	HistoryInterval time.Duration
}

// Controller is the pipeline's single event queue
type Controller struct {
	*service.ServiceBase

	analyzerCfg config.AnalyzerConfig
	capture     Capture
	newSession  SessionFactory
	newTicker   TickerFactory
	recorder    Recorder
	settings    Settings
	metrics     *metrics.Metrics

	sampleInterval  time.Duration
	historyInterval time.Duration

	cmds   chan func()
	events chan sessionEvent
	done   chan struct{}

	startOnce sync.Once
	runCtx    context.Context
	cancel    context.CancelFunc

	// Owned by the loop goroutine.
	pipeline
}

// New creates a controller. Start must be called before commands are served.
func New(opts Options, log *logger.Logger) *Controller {
	if opts.NewSession == nil {
		opts.NewSession = func(cfg config.AnalyzerConfig, h analyzer.Handler, log *logger.Logger) Session {
			return analyzer.NewSession(cfg, h, log)
		}
	}
	if opts.NewTicker == nil {
		opts.NewTicker = newTimeTicker
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.SampleInterval == 0 {
		opts.SampleInterval = sampler.Interval
	}
	if opts.HistoryInterval == 0 {
		opts.HistoryInterval = HistoryInterval
	}
	if !opts.InitialMode.Valid() {
		opts.InitialMode = detection.ModeLiveFeed
	}

	c := &Controller{
		ServiceBase:     service.NewServiceBase("console", log),
		analyzerCfg:     opts.Analyzer,
		capture:         opts.Capture,
		newSession:      opts.NewSession,
		newTicker:       opts.NewTicker,
		recorder:        opts.Recorder,
		settings:        opts.Settings,
		metrics:         opts.Metrics,
		sampleInterval:  opts.SampleInterval,
		historyInterval: opts.HistoryInterval,
		cmds:            make(chan func()),
		events:          make(chan sessionEvent),
		done:            make(chan struct{}),
	}
	c.pipeline = pipeline{
		mode:     opts.InitialMode,
		viewport: opts.Viewport,
		sampler:  sampler.New(log.Named("sampler")),
		agg:      scoring.NewAggregator(opts.Jitter),
	}
	c.runCtx, c.cancel = context.WithCancel(context.Background())

	if opts.CameraDisabled {
		c.capture.SetCameraEnabled(c.runCtx, false)
	}

	return c
}

// Start launches the event loop and activates the initial mode's source
func (c *Controller) Start(ctx context.Context) error {
	started := false
	c.startOnce.Do(func() {
		started = true
		c.LogInfo("Console controller starting", "mode", c.mode)
		go c.run()
	})
	if !started {
		return fmt.Errorf("console controller already started")
	}
	c.GetStatus().SetStatus(service.StatusRunning)
	return nil
}

// Stop tears the pipeline down
func (c *Controller) Stop(ctx context.Context) error {
	err := c.Close(ctx)
	if errors.Is(err, ErrClosed) {
		err = nil
	}
	c.GetStatus().SetStatus(service.StatusStopped)
	return err
}

// run is the event loop. It returns after Close.
func (c *Controller) run() {
	defer close(c.done)

	c.capture.Activate(c.runCtx, c.mode)

	for !c.closed {
		select {
		case fn := <-c.cmds:
			fn()
		case <-c.sampleC():
			c.onSampleTick()
		case <-c.historyC():
			c.onHistoryTick()
		case ev := <-c.events:
			c.onSessionEvent(ev)
		}
	}
}

// do runs fn on the loop goroutine and waits for its result
func (c *Controller) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	select {
	case c.cmds <- func() { res <- fn() }:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post hands a session event to the loop. It gives up once the loop exits.
func (c *Controller) post(ev sessionEvent) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) persist(key, value string) {
	if c.settings == nil {
		return
	}
	if err := c.settings.SaveSystemState(c.runCtx, key, value); err != nil {
		c.Logger().Warn("Failed to persist setting", "key", key, "error", err)
	}
}

// Metrics returns the controller's metrics
func (c *Controller) Metrics() *metrics.Metrics {
	return c.metrics
}

type timeTicker struct {
	t *time.Ticker
}

func newTimeTicker(d time.Duration) Ticker {
	return &timeTicker{t: time.NewTicker(d)}
}

func (t *timeTicker) C() <-chan time.Time { return t.t.C }
func (t *timeTicker) Stop()               { t.t.Stop() }
