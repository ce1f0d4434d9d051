package console

import (
	"time"

	"github.com/vzahanych/view-guard-meta/console/internal/analyzer"
	"github.com/vzahanych/view-guard-meta/console/internal/detection"
	"github.com/vzahanych/view-guard-meta/console/internal/sampler"
	"github.com/vzahanych/view-guard-meta/console/internal/scoring"
	"github.com/vzahanych/view-guard-meta/console/internal/service"
	"github.com/vzahanych/view-guard-meta/console/internal/state"
)

// pipeline is the state mutated only on the loop goroutine
type pipeline struct {
	mode      detection.Mode
	analyzing bool
	closed    bool
	viewport  Viewport

	// gen identifies the current session; events tagged with an older
	// generation are discarded.
	gen     uint64
	session Session

	sampleTicker  Ticker
	historyTicker Ticker

	sampler *sampler.Sampler
	agg     *scoring.Aggregator

	detections      []detection.Detection
	analyzerMetrics *detection.AnalyzerMetrics
	lastError       string

	current runStats
}

type runStats struct {
	id            string
	startedAt     time.Time
	framesSent    int64
	framesDropped int64
	batches       int64
	peakCombined  float64
}

type sessionEventKind int

const (
	sessionOpened sessionEventKind = iota
	sessionMessage
	sessionClosed
)

type sessionEvent struct {
	gen  uint64
	kind sessionEventKind
	msg  detection.Message
	err  error
}

// sessionHandler forwards one session's callbacks to the loop
type sessionHandler struct {
	c   *Controller
	gen uint64
}

func (h sessionHandler) SessionOpened() {
	h.c.post(sessionEvent{gen: h.gen, kind: sessionOpened})
}

func (h sessionHandler) SessionMessage(msg detection.Message) {
	h.c.post(sessionEvent{gen: h.gen, kind: sessionMessage, msg: msg})
}

func (h sessionHandler) SessionClosed(err error) {
	h.c.post(sessionEvent{gen: h.gen, kind: sessionClosed, err: err})
}

var _ analyzer.Handler = sessionHandler{}

func (c *Controller) sampleC() <-chan time.Time {
	if c.sampleTicker == nil {
		return nil
	}
	return c.sampleTicker.C()
}

func (c *Controller) historyC() <-chan time.Time {
	if c.historyTicker == nil {
		return nil
	}
	return c.historyTicker.C()
}

func (c *Controller) startAnalysis() error {
	if c.analyzing {
		return nil
	}

	c.gen++
	session := c.newSession(c.analyzerCfg, sessionHandler{c: c, gen: c.gen}, c.Logger().Named("analyzer"))
	if err := session.Start(c.runCtx, c.mode); err != nil {
		session.Stop()
		return err
	}

	c.session = session
	c.analyzing = true
	c.agg.Reset()
	c.detections = nil
	c.analyzerMetrics = nil
	c.lastError = ""
	c.current = runStats{startedAt: time.Now()}

	c.sampleTicker = c.newTicker(c.sampleInterval)
	c.historyTicker = c.newTicker(c.historyInterval)

	c.metrics.SessionStarted(string(c.mode))
	c.metrics.SetAnalyzing(true)
	c.openRun()

	c.LogInfo("Analysis started", "mode", c.mode, "pipeline", c.mode.Pipeline(), "run_id", c.current.id)
	c.PublishEvent(service.EventTypeAnalysisStarted, map[string]interface{}{
		"mode":   string(c.mode),
		"run_id": c.current.id,
	})
	return nil
}

// stopAnalysis stops the timers, then the session, and clears all derived
// analysis state.
func (c *Controller) stopAnalysis(reason string) {
	if !c.analyzing {
		return
	}

	c.stopTimers()

	var stats analyzer.Stats
	if c.session != nil {
		c.session.Stop()
		stats = c.session.Stats()
		c.session = nil
	}
	c.analyzing = false

	last := c.agg.Scores().Combined()
	c.metrics.MessagesMalformed.Add(uint64(stats.Malformed))
	c.metrics.SetAnalyzing(false)
	c.metrics.SetCombinedScore(0)
	c.closeRun(reason, stats, last)

	c.detections = nil
	c.analyzerMetrics = nil
	c.agg.Reset()

	c.LogInfo("Analysis stopped",
		"mode", c.mode,
		"reason", reason,
		"frames_sent", c.current.framesSent,
		"batches", c.current.batches,
		"malformed", stats.Malformed,
	)
	c.PublishEvent(service.EventTypeAnalysisStopped, map[string]interface{}{
		"mode":        string(c.mode),
		"run_id":      c.current.id,
		"reason":      reason,
		"frames_sent": c.current.framesSent,
		"batches":     c.current.batches,
	})
}

func (c *Controller) stopTimers() {
	if c.sampleTicker != nil {
		c.sampleTicker.Stop()
		c.sampleTicker = nil
	}
	if c.historyTicker != nil {
		c.historyTicker.Stop()
		c.historyTicker = nil
	}
}

// teardown releases everything in order: timers, session, capture
func (c *Controller) teardown() {
	if c.closed {
		return
	}
	c.stopAnalysis(state.EndReasonShutdown)
	c.stopTimers()
	c.capture.Release()
	c.cancel()
	c.closed = true
	c.LogInfo("Console controller closed")
}

func (c *Controller) onSampleTick() {
	if c.session == nil {
		return
	}

	var frames sampler.Frames
	if src := c.capture.Source(); src != nil {
		frames = src
	}

	outcome := c.sampler.Tick(c.session, frames)
	c.metrics.RecordTick(outcome.String())

	switch outcome {
	case sampler.Sent:
		c.current.framesSent++
	case sampler.Dropped:
		c.current.framesDropped++
	default:
		c.Logger().Debug("Sampling tick skipped", "outcome", outcome)
	}
}

func (c *Controller) onHistoryTick() {
	c.agg.Sample()
}

func (c *Controller) onSessionEvent(ev sessionEvent) {
	if ev.gen != c.gen || !c.analyzing {
		return
	}

	switch ev.kind {
	case sessionOpened:
		c.PublishEvent(service.EventTypeSessionOpened, map[string]interface{}{
			"mode": string(c.mode),
		})

	case sessionMessage:
		c.applyMessage(ev.msg)

	case sessionClosed:
		c.metrics.SessionsLost.Add(1)
		if ev.err != nil {
			c.lastError = ev.err.Error()
		}
		c.PublishEvent(service.EventTypeSessionClosed, map[string]interface{}{
			"mode":  string(c.mode),
			"error": c.lastError,
		})
		c.stopAnalysis(state.EndReasonRemoteClose)
	}
}

// applyMessage folds one analyzer message into the pipeline. A message
// without detections leaves the overlay untouched.
func (c *Controller) applyMessage(msg detection.Message) {
	if msg.Error != "" {
		c.lastError = msg.Error
		c.metrics.AnalyzerErrors.Add(1)
		c.Logger().Warn("Analyzer reported an error", "error", msg.Error)
		c.PublishEvent(service.EventTypeAnalyzerReported, map[string]interface{}{
			"error": msg.Error,
		})
	}

	if msg.Metrics != nil {
		m := *msg.Metrics
		c.analyzerMetrics = &m
	}

	if !msg.HasDetections {
		return
	}

	c.detections = msg.Detections
	c.agg.Apply(msg.Detections)
	c.current.batches++

	combined := c.agg.Scores().Combined()
	if combined > c.current.peakCombined {
		c.current.peakCombined = combined
	}
	c.metrics.BatchesApplied.Add(1)
	c.metrics.SetCombinedScore(combined)

	c.PublishEvent(service.EventTypeDetectionsBatch, map[string]interface{}{
		"faces":    len(msg.Detections),
		"combined": combined,
	})
}

func (c *Controller) openRun() {
	if c.recorder == nil {
		return
	}

	source := ""
	st := c.capture.Status()
	if st.Kind != "" {
		source = string(st.Kind)
	}
	if c.mode.IsUpload() && st.File != "" {
		source = st.File
	}

	id, err := c.recorder.StartRun(c.runCtx, state.Run{
		Mode:      string(c.mode),
		Pipeline:  c.mode.Pipeline(),
		Source:    source,
		StartedAt: c.current.startedAt,
	})
	if err != nil {
		c.Logger().Warn("Failed to journal run start", "error", err)
		return
	}
	c.current.id = id
}

func (c *Controller) closeRun(reason string, stats analyzer.Stats, last float64) {
	if c.recorder == nil || c.current.id == "" {
		return
	}

	err := c.recorder.FinishRun(c.runCtx, c.current.id, state.RunSummary{
		EndedAt:       time.Now(),
		Reason:        reason,
		FramesSent:    c.current.framesSent,
		FramesDropped: c.current.framesDropped + stats.Dropped,
		Batches:       c.current.batches,
		Malformed:     stats.Malformed,
		PeakCombined:  c.current.peakCombined,
		LastCombined:  last,
		LastVerdict:   string(scoring.Classify(last)),
	})
	if err != nil {
		c.Logger().Warn("Failed to journal run end", "run_id", c.current.id, "error", err)
	}
}
