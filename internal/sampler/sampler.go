// Package sampler rasterizes the current capture frame and encodes it as the
// analyzer's JPEG data URI payload.
package sampler

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"golang.org/x/image/draw"

	"github.com/vzahanych/view-guard-meta/console/internal/logger"
)

const (
	// Interval is the sampling period while analysis is active (20 Hz)
	Interval = 50 * time.Millisecond
	// Quality is the encoder quality factor in [0,1]
	Quality = 0.7

	dataURIPrefix = "data:image/jpeg;base64,"
)

// Link is the transport a payload is handed to
type Link interface {
	IsOpen() bool
	Send(payload string) bool
}

// Frames is the capture side of a tick
type Frames interface {
	IntrinsicSize() (width, height int)
	ReadFrame() (image.Image, bool)
}

// Outcome is what a single tick did
type Outcome int

const (
	Sent Outcome = iota
	SkippedNotOpen
	SkippedNoFrame
	Dropped
	EncodeFailed
)

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case SkippedNotOpen:
		return "not_open"
	case SkippedNoFrame:
		return "no_frame"
	case Dropped:
		return "dropped"
	case EncodeFailed:
		return "encode_failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Sampler owns the off-screen buffer reused across ticks. It is driven by a
// single goroutine and is not safe for concurrent use.
type Sampler struct {
	logger  *logger.Logger
	quality int
	canvas  *image.RGBA
	jpegBuf bytes.Buffer
}

// New creates a sampler encoding at Quality
func New(log *logger.Logger) *Sampler {
	return &Sampler{
		logger:  log,
		quality: int(Quality * 100),
	}
}

// Tick performs one sampling step. Frames are never queued: when the link is
// not open or no frame is available the tick is skipped.
func (s *Sampler) Tick(link Link, frames Frames) Outcome {
	if link == nil || !link.IsOpen() {
		return SkippedNotOpen
	}
	if frames == nil {
		return SkippedNoFrame
	}
	w, h := frames.IntrinsicSize()
	if w <= 0 || h <= 0 {
		return SkippedNoFrame
	}
	frame, ok := frames.ReadFrame()
	if !ok {
		return SkippedNoFrame
	}

	payload, err := s.Encode(frame, w, h)
	if err != nil {
		s.logger.Warn("Failed to encode frame", "error", err)
		return EncodeFailed
	}

	if !link.Send(payload) {
		return Dropped
	}
	return Sent
}

// Encode draws frame onto a w×h canvas and returns it as a JPEG data URI
func (s *Sampler) Encode(frame image.Image, w, h int) (string, error) {
	canvas := s.rasterize(frame, w, h)

	s.jpegBuf.Reset()
	if err := jpeg.Encode(&s.jpegBuf, canvas, &jpeg.Options{Quality: s.quality}); err != nil {
		return "", fmt.Errorf("jpeg encode: %w", err)
	}

	return EncodeDataURI(s.jpegBuf.Bytes()), nil
}

func (s *Sampler) rasterize(frame image.Image, w, h int) *image.RGBA {
	rect := image.Rect(0, 0, w, h)
	if s.canvas == nil || s.canvas.Rect != rect {
		s.canvas = image.NewRGBA(rect)
	}

	src := frame.Bounds()
	if src.Dx() == w && src.Dy() == h {
		draw.Draw(s.canvas, rect, frame, src.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(s.canvas, rect, frame, src, draw.Src, nil)
	}
	return s.canvas
}

// EncodeDataURI wraps JPEG bytes as a base64 data URI
func EncodeDataURI(jpegData []byte) string {
	out := make([]byte, len(dataURIPrefix)+base64.StdEncoding.EncodedLen(len(jpegData)))
	copy(out, dataURIPrefix)
	base64.StdEncoding.Encode(out[len(dataURIPrefix):], jpegData)
	return string(out)
}

// DecodeDataURI is the inverse of EncodeDataURI
func DecodeDataURI(uri string) ([]byte, error) {
	if len(uri) < len(dataURIPrefix) || uri[:len(dataURIPrefix)] != dataURIPrefix {
		return nil, fmt.Errorf("not a jpeg data uri")
	}
	return base64.StdEncoding.DecodeString(uri[len(dataURIPrefix):])
}
