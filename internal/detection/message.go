package detection

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned for inbound analyzer messages that cannot be used.
// Callers discard such messages and keep their previous state.
var ErrMalformed = errors.New("malformed analyzer message")

// Message is one decoded analyzer response.
//
// HasDetections distinguishes a missing detections field (no update) from an
// empty array (no faces, clear overlays).
type Message struct {
	Detections    []Detection
	HasDetections bool
	Metrics       *AnalyzerMetrics
	Error         string
}

type wireBBox struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	W *float64 `json:"w"`
	H *float64 `json:"h"`
}

type wireDetection struct {
	BBox       *wireBBox `json:"bbox"`
	Confidence *float64  `json:"confidence"`
	Status     *string   `json:"status"`
}

type wireMetrics struct {
	FPS            *float64 `json:"fps"`
	ProcessingTime *string  `json:"processingTime"`
}

type wireMessage struct {
	Detections *[]wireDetection `json:"detections"`
	Metrics    *wireMetrics     `json:"metrics"`
	Error      *string          `json:"error"`
}

// DecodeMessage parses and validates one inbound text message. Any missing
// or ill-typed field rejects the whole message with ErrMalformed.
func DecodeMessage(data []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msg Message
	if wire.Error != nil {
		msg.Error = *wire.Error
	}

	if wire.Detections != nil {
		msg.HasDetections = true
		msg.Detections = make([]Detection, 0, len(*wire.Detections))
		for i, wd := range *wire.Detections {
			d, err := wd.validate()
			if err != nil {
				return Message{}, fmt.Errorf("%w: detections[%d]: %v", ErrMalformed, i, err)
			}
			msg.Detections = append(msg.Detections, d)
		}
	}

	if wire.Metrics != nil {
		if wire.Metrics.FPS == nil || wire.Metrics.ProcessingTime == nil {
			return Message{}, fmt.Errorf("%w: metrics requires fps and processingTime", ErrMalformed)
		}
		msg.Metrics = &AnalyzerMetrics{
			FPS:            *wire.Metrics.FPS,
			ProcessingTime: *wire.Metrics.ProcessingTime,
		}
	}

	if !msg.HasDetections && msg.Metrics == nil && wire.Error == nil {
		return Message{}, fmt.Errorf("%w: no known fields", ErrMalformed)
	}

	return msg, nil
}

func (wd wireDetection) validate() (Detection, error) {
	if wd.BBox == nil {
		return Detection{}, errors.New("missing bbox")
	}
	b := wd.BBox
	if b.X == nil || b.Y == nil || b.W == nil || b.H == nil {
		return Detection{}, errors.New("bbox requires x, y, w and h")
	}
	if *b.W < 0 || *b.H < 0 {
		return Detection{}, errors.New("bbox has negative size")
	}
	if wd.Confidence == nil {
		return Detection{}, errors.New("missing confidence")
	}
	if *wd.Confidence < 0 || *wd.Confidence > 1 {
		return Detection{}, fmt.Errorf("confidence %v out of range", *wd.Confidence)
	}
	if wd.Status == nil {
		return Detection{}, errors.New("missing status")
	}
	status := Status(*wd.Status)
	if status != StatusReal && status != StatusFake {
		return Detection{}, fmt.Errorf("unknown status %q", *wd.Status)
	}

	return Detection{
		BBox:       BBox{X: *b.X, Y: *b.Y, W: *b.W, H: *b.H},
		Confidence: *wd.Confidence,
		Status:     status,
	}, nil
}
