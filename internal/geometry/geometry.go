// Package geometry projects detector-space boxes onto the displayed video
// element as percentages of its container.
package geometry

import (
	"math"

	"github.com/vzahanych/view-guard-meta/console/internal/detection"
)

// Fit is how the video element scales its source into the container
type Fit string

const (
	// Fill scales to cover the container, cropping one axis
	Fill Fit = "fill"
	// Contain scales to fit inside the container, letterboxing one axis
	Contain Fit = "contain"
)

// FitFor returns the fit discipline the console renders a mode with
func FitFor(mode detection.Mode) Fit {
	if mode.IsUpload() {
		return Contain
	}
	return Fill
}

// Dimensions are the container (rendered box) and intrinsic (source pixel) sizes
type Dimensions struct {
	ContainerW float64 `json:"container_width"`
	ContainerH float64 `json:"container_height"`
	IntrinsicW float64 `json:"intrinsic_width"`
	IntrinsicH float64 `json:"intrinsic_height"`
}

// Mappable reports whether every dimension is positive
func (d Dimensions) Mappable() bool {
	return d.ContainerW > 0 && d.ContainerH > 0 && d.IntrinsicW > 0 && d.IntrinsicH > 0
}

// DisplayBox is a detection box in percent of the container
type DisplayBox struct {
	Left       float64          `json:"left"`
	Top        float64          `json:"top"`
	Width      float64          `json:"width"`
	Height     float64          `json:"height"`
	Confidence float64          `json:"confidence"`
	Status     detection.Status `json:"status"`
}

// Scale returns the source-to-container scale factor for fit
func Scale(d Dimensions, fit Fit) float64 {
	sx := d.ContainerW / d.IntrinsicW
	sy := d.ContainerH / d.IntrinsicH
	if fit == Contain {
		return math.Min(sx, sy)
	}
	return math.Max(sx, sy)
}

// Offset returns the centering offset of the scaled source inside the container
func Offset(d Dimensions, s float64) (x, y float64) {
	return (d.ContainerW - d.IntrinsicW*s) / 2, (d.ContainerH - d.IntrinsicH*s) / 2
}

// Map converts one detector box. It returns false when the dimensions are
// not yet known, in which case the box must be skipped.
func Map(det detection.Detection, d Dimensions, fit Fit) (DisplayBox, bool) {
	if !d.Mappable() {
		return DisplayBox{}, false
	}

	s := Scale(d, fit)
	offX, offY := Offset(d, s)

	return DisplayBox{
		Left:       (offX + det.BBox.X*s) / d.ContainerW * 100,
		Top:        (offY + det.BBox.Y*s) / d.ContainerH * 100,
		Width:      det.BBox.W * s / d.ContainerW * 100,
		Height:     det.BBox.H * s / d.ContainerH * 100,
		Confidence: det.Confidence,
		Status:     det.Status,
	}, true
}

// MapAll converts a batch, preserving order and skipping unmappable boxes.
// The result is never nil so an empty batch serializes as an empty list.
func MapAll(dets []detection.Detection, d Dimensions, fit Fit) []DisplayBox {
	boxes := make([]DisplayBox, 0, len(dets))
	for _, det := range dets {
		if box, ok := Map(det, d, fit); ok {
			boxes = append(boxes, box)
		}
	}
	return boxes
}
