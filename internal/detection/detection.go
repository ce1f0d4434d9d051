// Package detection holds the domain types shared across the analysis
// pipeline: console modes, analyzer detections and the inbound wire message.
package detection

import (
	"fmt"
	"strings"
)

// Mode selects what the console is analyzing. Exactly one mode is active.
type Mode string

const (
	ModeLiveFeed          Mode = "live_feed"
	ModeUploadFaceSwap    Mode = "upload_faceswap"
	ModeUploadAIGenerated Mode = "upload_ai_generated"
)

// Analyzer sub-pipelines selected by the mode query parameter
const (
	PipelineFaceSwap    = "faceswap"
	PipelineAIGenerated = "ai_generated"
)

// Modes lists every mode in display order
var Modes = []Mode{ModeLiveFeed, ModeUploadFaceSwap, ModeUploadAIGenerated}

// ParseMode accepts canonical mode names and the short aliases used by the
// desktop shell (webcam, upload_ai).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(ModeLiveFeed), "webcam", "live":
		return ModeLiveFeed, nil
	case string(ModeUploadFaceSwap), "faceswap":
		return ModeUploadFaceSwap, nil
	case string(ModeUploadAIGenerated), "upload_ai", "ai_generated":
		return ModeUploadAIGenerated, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Pipeline returns the analyzer sub-pipeline for the mode. The live feed is
// analyzed for face swaps.
func (m Mode) Pipeline() string {
	if m == ModeUploadAIGenerated {
		return PipelineAIGenerated
	}
	return PipelineFaceSwap
}

// IsUpload reports whether the mode analyzes a user-supplied file
func (m Mode) IsUpload() bool {
	return m == ModeUploadFaceSwap || m == ModeUploadAIGenerated
}

// Valid reports whether m is one of the known modes
func (m Mode) Valid() bool {
	for _, known := range Modes {
		if m == known {
			return true
		}
	}
	return false
}

// Status is the analyzer's per-face classification
type Status string

const (
	StatusReal Status = "REAL"
	StatusFake Status = "FAKE"
)

// BBox is a bounding box in source pixel coordinates
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Detection is one detected face
type Detection struct {
	BBox       BBox    `json:"bbox"`
	Confidence float64 `json:"confidence"`
	Status     Status  `json:"status"`
}

// AnalyzerMetrics is passed through to the presentation layer verbatim
type AnalyzerMetrics struct {
	FPS            float64 `json:"fps"`
	ProcessingTime string  `json:"processingTime"`
}
