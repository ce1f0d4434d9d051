package console

import (
	"context"
	"fmt"
	"strconv"

	"github.com/vzahanych/view-guard-meta/console/internal/detection"
	"github.com/vzahanych/view-guard-meta/console/internal/service"
	"github.com/vzahanych/view-guard-meta/console/internal/state"
)

// Viewport is the rendered size of the video element in pixels
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// SetMode switches the active mode. A running analysis is stopped before
// the capture source is swapped; selecting the current mode does nothing.
func (c *Controller) SetMode(ctx context.Context, mode detection.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid mode %q", mode)
	}

	return c.do(ctx, func() error {
		if mode == c.mode {
			return nil
		}

		previous := c.mode
		c.stopAnalysis(state.EndReasonModeChange)
		c.mode = mode
		c.capture.Activate(c.runCtx, mode)

		c.persist(state.KeyMode, string(mode))
		c.LogInfo("Mode changed", "from", previous, "to", mode)
		c.PublishEvent(service.EventTypeModeChanged, map[string]interface{}{
			"from": string(previous),
			"to":   string(mode),
		})
		return nil
	})
}

// StartAnalysis opens an analyzer session for the current mode and starts
// sampling. It does nothing while already analyzing.
func (c *Controller) StartAnalysis(ctx context.Context) error {
	return c.do(ctx, c.startAnalysis)
}

// StopAnalysis stops sampling and closes the session. The capture source
// stays open.
func (c *Controller) StopAnalysis(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.stopAnalysis(state.EndReasonStopped)
		return nil
	})
}

// SetViewport records the rendered size of the video element
func (c *Controller) SetViewport(ctx context.Context, vp Viewport) error {
	if vp.Width <= 0 || vp.Height <= 0 {
		return fmt.Errorf("viewport must be positive, got %dx%d", vp.Width, vp.Height)
	}

	return c.do(ctx, func() error {
		c.viewport = vp
		return nil
	})
}

// SetUpload selects the file analyzed in upload modes and returns the path
// it replaced, or "". A running upload analysis is stopped first because its
// source changes.
func (c *Controller) SetUpload(ctx context.Context, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("upload path is required")
	}

	var previous string
	err := c.do(ctx, func() error {
		previous = c.capture.File()
		if c.mode.IsUpload() {
			c.stopAnalysis(state.EndReasonSourceLost)
		}
		c.capture.SetFile(c.runCtx, path)
		return nil
	})
	return previous, err
}

// ClearUpload forgets the selected file and returns its path. A running
// upload analysis is stopped first.
func (c *Controller) ClearUpload(ctx context.Context) (string, error) {
	var previous string
	err := c.do(ctx, func() error {
		previous = c.capture.File()
		if previous == "" {
			return nil
		}
		if c.mode.IsUpload() {
			c.stopAnalysis(state.EndReasonSourceLost)
		}
		c.capture.ClearFile()
		return nil
	})
	return previous, err
}

// CurrentUpload returns the selected file, or ""
func (c *Controller) CurrentUpload(ctx context.Context) (string, error) {
	var path string
	err := c.do(ctx, func() error {
		path = c.capture.File()
		return nil
	})
	return path, err
}

// SetCameraEnabled turns the live camera on or off. Turning it off during a
// live analysis stops the analysis first.
func (c *Controller) SetCameraEnabled(ctx context.Context, enabled bool) error {
	return c.do(ctx, func() error {
		if !enabled && c.mode == detection.ModeLiveFeed {
			c.stopAnalysis(state.EndReasonSourceLost)
		}
		c.capture.SetCameraEnabled(c.runCtx, enabled)
		c.persist(state.KeyCameraEnabled, strconv.FormatBool(enabled))
		return nil
	})
}

// Close tears the pipeline down: timers, then the session, then the capture
// source. Later commands return ErrClosed.
func (c *Controller) Close(ctx context.Context) error {
	unstarted := false
	c.startOnce.Do(func() {
		// Never started: there is no loop to hand the teardown to.
		unstarted = true
		c.capture.Release()
		c.cancel()
		close(c.done)
	})
	if unstarted {
		return nil
	}

	return c.do(ctx, func() error {
		c.teardown()
		return nil
	})
}

// Done is closed once the controller has shut down
func (c *Controller) Done() <-chan struct{} {
	return c.done
}
