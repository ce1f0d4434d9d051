package capture

import (
	"context"
	"sync"

	"github.com/vzahanych/view-guard-meta/console/internal/detection"
	"github.com/vzahanych/view-guard-meta/console/internal/logger"
	"github.com/vzahanych/view-guard-meta/console/internal/service"
)

// State describes whether the adapter currently holds a source
type State string

const (
	// StateNone means no source: acquisition failed or the adapter was released
	StateNone State = "none"
	// StateIdle means nothing to acquire yet: no file chosen or camera off
	StateIdle State = "idle"
	// StateActive means a source is open
	StateActive State = "active"
)

// Status is a point-in-time view of the adapter
type Status struct {
	State         State          `json:"state"`
	Mode          detection.Mode `json:"mode,omitempty"`
	Kind          Kind           `json:"kind,omitempty"`
	Width         int            `json:"width"`
	Height        int            `json:"height"`
	Streaming     bool           `json:"streaming"`
	CameraEnabled bool           `json:"camera_enabled"`
	File          string         `json:"file,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

// Adapter owns the single capture source for the active mode. Any held
// source is released before a new one is acquired.
type Adapter struct {
	opener   Opener
	logger   *logger.Logger
	eventBus *service.EventBus

	mu            sync.Mutex
	mode          detection.Mode
	source        Source
	state         State
	reason        string
	file          string
	cameraEnabled bool
}

// NewAdapter creates an adapter with the camera enabled and no source
func NewAdapter(opener Opener, log *logger.Logger) *Adapter {
	return &Adapter{
		opener:        opener,
		logger:        log,
		state:         StateNone,
		cameraEnabled: true,
	}
}

// SetEventBus enables capture lifecycle events
func (a *Adapter) SetEventBus(bus *service.EventBus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.eventBus = bus
}

// Activate switches the adapter to mode: the current source is released,
// then the mode's source is acquired if one is available.
func (a *Adapter) Activate(ctx context.Context, mode detection.Mode) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.releaseLocked()
	a.mode = mode
	a.acquireLocked(ctx)
}

// SetFile records the uploaded file. In an upload mode the file source is
// reopened immediately.
func (a *Adapter) SetFile(ctx context.Context, path string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.file = path
	if a.mode.IsUpload() {
		a.releaseLocked()
		a.acquireLocked(ctx)
	}
}

// ClearFile forgets the uploaded file, releasing its source if open
func (a *Adapter) ClearFile() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.file = ""
	if a.mode.IsUpload() {
		a.releaseLocked()
		a.setState(StateIdle, "no file selected")
	}
}

// File returns the current upload reference
func (a *Adapter) File() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file
}

// SetCameraEnabled turns the live camera on or off. Turning it off releases
// the device before returning.
func (a *Adapter) SetCameraEnabled(ctx context.Context, enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cameraEnabled == enabled {
		return
	}
	a.cameraEnabled = enabled

	if a.mode != detection.ModeLiveFeed {
		return
	}
	a.releaseLocked()
	a.acquireLocked(ctx)
}

// Release closes any held source. It is idempotent.
func (a *Adapter) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseLocked()
	a.setState(StateNone, "released")
}

// Source returns the open source, or nil
func (a *Adapter) Source() Source {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.source
}

// Status reports the adapter state
func (a *Adapter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Status{
		State:         a.state,
		Mode:          a.mode,
		CameraEnabled: a.cameraEnabled,
		File:          a.file,
		Reason:        a.reason,
	}
	if a.source != nil {
		st.Kind = a.source.Kind()
		st.Width, st.Height = a.source.IntrinsicSize()
		st.Streaming = a.source.Active()
	}
	return st
}

func (a *Adapter) acquireLocked(ctx context.Context) {
	var (
		src Source
		err error
	)

	switch {
	case a.mode == detection.ModeLiveFeed:
		if !a.cameraEnabled {
			a.setState(StateIdle, "camera disabled")
			return
		}
		src, err = a.opener.OpenDevice(ctx)
	case a.mode.IsUpload():
		if a.file == "" {
			a.setState(StateIdle, "no file selected")
			return
		}
		src, err = a.opener.OpenFile(ctx, a.file)
	default:
		a.setState(StateNone, "no mode selected")
		return
	}

	if err != nil {
		a.logger.Warn("Capture source unavailable", "mode", a.mode, "error", err)
		a.setState(StateNone, err.Error())
		a.publish(service.EventTypeCaptureFailed, map[string]interface{}{
			"mode":  string(a.mode),
			"error": err.Error(),
		})
		return
	}

	a.source = src
	a.setState(StateActive, "")
	a.logger.Info("Capture source acquired", "mode", a.mode, "kind", src.Kind())
	a.publish(service.EventTypeCaptureAcquired, map[string]interface{}{
		"mode": string(a.mode),
		"kind": string(src.Kind()),
	})
}

func (a *Adapter) releaseLocked() {
	if a.source == nil {
		return
	}

	kind := a.source.Kind()
	if err := a.source.Close(); err != nil {
		a.logger.Warn("Error releasing capture source", "kind", kind, "error", err)
	}
	a.source = nil
	a.setState(StateNone, "")
	a.logger.Info("Capture source released", "mode", a.mode, "kind", kind)
	a.publish(service.EventTypeCaptureReleased, map[string]interface{}{
		"mode": string(a.mode),
		"kind": string(kind),
	})
}

func (a *Adapter) setState(state State, reason string) {
	a.state = state
	a.reason = reason
}

func (a *Adapter) publish(t service.EventType, data map[string]interface{}) {
	if a.eventBus != nil {
		a.eventBus.Publish(service.Event{Type: t, Source: "capture", Data: data})
	}
}
