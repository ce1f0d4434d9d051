// Package scoring reduces detection batches into the console's scalar
// indicators: primary, secondary and combined scores plus a trend history.
package scoring

import (
	"math/rand"

	"github.com/vzahanych/view-guard-meta/console/internal/detection"
)

// Combined score weights
const (
	PrimaryWeight   = 0.7
	SecondaryWeight = 0.3
)

// Verdict bands for the combined score
const (
	AuthenticBelow  = 0.3
	SuspiciousBelow = 0.6
	FakeAbove       = 0.5
)

// Scores holds the two stored sub-scores. The combined score is always
// derived from them.
type Scores struct {
	Primary   float64 `json:"primary"`
	Secondary float64 `json:"secondary"`
}

// Combined returns 0.7*Primary + 0.3*Secondary
func (s Scores) Combined() float64 {
	return PrimaryWeight*s.Primary + SecondaryWeight*s.Secondary
}

// Verdict is the label shown for a combined score
type Verdict string

const (
	VerdictAuthentic  Verdict = "authentic"
	VerdictSuspicious Verdict = "suspicious"
	VerdictSynthetic  Verdict = "synthetic"
)

// Classify maps a combined score onto its verdict band
func Classify(score float64) Verdict {
	switch {
	case score < AuthenticBelow:
		return VerdictAuthentic
	case score < SuspiciousBelow:
		return VerdictSuspicious
	default:
		return VerdictSynthetic
	}
}

// Risk is the batch-wide risk indicator: the highest face confidence
type Risk struct {
	Max    float64 `json:"max"`
	IsFake bool    `json:"is_fake"`
}

// GlobalRisk returns the maximum confidence over the batch
func GlobalRisk(batch []detection.Detection) Risk {
	var r Risk
	for _, d := range batch {
		if d.Confidence > r.Max {
			r.Max = d.Confidence
		}
	}
	r.IsFake = r.Max > FakeAbove
	return r
}

// Primary maps a detection onto the directional scale: FAKE confidence
// pushes toward 1, REAL confidence toward 0.
func Primary(d detection.Detection) float64 {
	if d.Status == detection.StatusFake {
		return 0.5 + 0.5*d.Confidence
	}
	return 0.5 - 0.5*d.Confidence
}

// Jitter returns the secondary-score perturbation for one batch
type Jitter func() float64

// UniformJitter returns a perturbation uniform in [-0.1, 0.1)
func UniformJitter() float64 {
	return rand.Float64()*0.2 - 0.1
}

// Aggregator keeps the current scores and the sampled history for one
// analysis run. It is not safe for concurrent use.
type Aggregator struct {
	scores  Scores
	history *History
	jitter  Jitter
}

// NewAggregator creates an aggregator. A nil jitter uses UniformJitter.
func NewAggregator(jitter Jitter) *Aggregator {
	if jitter == nil {
		jitter = UniformJitter
	}
	return &Aggregator{
		history: NewHistory(HistoryCapacity),
		jitter:  jitter,
	}
}

// Apply consumes one detection batch. Only the first face drives the scores;
// an empty batch resets both sub-scores to zero.
func (a *Aggregator) Apply(batch []detection.Detection) {
	if len(batch) == 0 {
		a.scores = Scores{}
		return
	}

	// The secondary score is a bounded perturbation of the primary, not an
	// independent signal.
	p := Primary(batch[0])
	a.scores = Scores{
		Primary:   p,
		Secondary: clamp(p+a.jitter(), 0, 1),
	}
}

// Sample appends the current combined score to the history
func (a *Aggregator) Sample() {
	a.history.Push(a.scores.Combined())
}

// Reset clears scores and history so nothing leaks into the next run
func (a *Aggregator) Reset() {
	a.scores = Scores{}
	a.history.Reset()
}

// Scores returns the current sub-scores
func (a *Aggregator) Scores() Scores {
	return a.scores
}

// History returns the sampled combined scores, oldest first
func (a *Aggregator) History() []float64 {
	return a.history.Values()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
