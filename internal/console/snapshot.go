package console

import (
	"context"
	"time"

	"github.com/vzahanych/view-guard-meta/console/internal/analyzer"
	"github.com/vzahanych/view-guard-meta/console/internal/capture"
	"github.com/vzahanych/view-guard-meta/console/internal/detection"
	"github.com/vzahanych/view-guard-meta/console/internal/geometry"
	"github.com/vzahanych/view-guard-meta/console/internal/scoring"
)

// ScoreView is the score panel: stored sub-scores plus the derived
// combined score
type ScoreView struct {
	Primary   float64 `json:"primary"`
	Secondary float64 `json:"secondary"`
	Combined  float64 `json:"combined"`
}

// Snapshot is everything the presentation layer renders
type Snapshot struct {
	Mode      detection.Mode `json:"mode"`
	Pipeline  string         `json:"pipeline"`
	Fit       geometry.Fit   `json:"fit"`
	Analyzing bool           `json:"analyzing"`
	Session   analyzer.State `json:"session"`
	RunID     string         `json:"run_id,omitempty"`

	Capture  capture.Status `json:"capture"`
	Viewport Viewport       `json:"viewport"`

	Boxes   []geometry.DisplayBox `json:"boxes"`
	Faces   int                   `json:"faces"`
	Scores  ScoreView             `json:"scores"`
	Verdict scoring.Verdict       `json:"verdict"`
	Risk    scoring.Risk          `json:"risk"`
	History []float64             `json:"history"`

	AnalyzerMetrics *detection.AnalyzerMetrics `json:"analyzer_metrics,omitempty"`
	FramesSent      int64                      `json:"frames_sent"`
	Batches         int64                      `json:"batches"`
	LastError       string                     `json:"last_error,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot returns the current pipeline state with display boxes mapped for
// the current viewport and source size
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.do(ctx, func() error {
		snap = c.snapshot()
		return nil
	})
	return snap, err
}

func (c *Controller) snapshot() Snapshot {
	st := c.capture.Status()
	fit := geometry.FitFor(c.mode)

	dims := geometry.Dimensions{
		ContainerW: float64(c.viewport.Width),
		ContainerH: float64(c.viewport.Height),
		IntrinsicW: float64(st.Width),
		IntrinsicH: float64(st.Height),
	}

	scores := c.agg.Scores()
	combined := scores.Combined()

	sessionState := analyzer.StateIdle
	if c.session != nil {
		sessionState = c.session.State()
	}

	snap := Snapshot{
		Mode:      c.mode,
		Pipeline:  c.mode.Pipeline(),
		Fit:       fit,
		Analyzing: c.analyzing,
		Session:   sessionState,
		Capture:   st,
		Viewport:  c.viewport,
		Boxes:     geometry.MapAll(c.detections, dims, fit),
		Faces:     len(c.detections),
		Scores: ScoreView{
			Primary:   scores.Primary,
			Secondary: scores.Secondary,
			Combined:  combined,
		},
		Verdict:    scoring.Classify(combined),
		Risk:       scoring.GlobalRisk(c.detections),
		History:    c.agg.History(),
		FramesSent: c.current.framesSent,
		Batches:    c.current.batches,
		LastError:  c.lastError,
		UpdatedAt:  time.Now(),
	}
	if c.analyzing {
		snap.RunID = c.current.id
	}
	if c.analyzerMetrics != nil {
		m := *c.analyzerMetrics
		snap.AnalyzerMetrics = &m
	}
	return snap
}
