// Package capture owns the console's video input: a live camera or an
// uploaded file, decoded by ffmpeg into a stream of raster frames.
package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"sync"

	"github.com/vzahanych/view-guard-meta/console/internal/logger"
)

// Kind identifies the source variant
type Kind string

const (
	KindDevice Kind = "device"
	KindFile   Kind = "file"
)

// Source is a live raster source. IntrinsicSize is (0, 0) until the first
// frame has been decoded.
type Source interface {
	Kind() Kind
	IntrinsicSize() (width, height int)
	// ReadFrame returns the most recent frame, or false if none has arrived.
	ReadFrame() (image.Image, bool)
	// Active reports whether frames are still being produced.
	Active() bool
	Close() error
}

// maxFrameBytes bounds a single MJPEG frame on the pipe
const maxFrameBytes = 8 << 20

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// splitJPEG is a bufio.SplitFunc yielding complete JPEG images from an MJPEG
// elementary stream. Bytes before a start-of-image marker are skipped.
func splitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// Keep a trailing 0xFF in case it begins a marker.
		if n := len(data); n > 0 && data[n-1] == 0xFF {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}

	end := bytes.Index(data[start+2:], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		if start > 0 {
			return start, nil, nil
		}
		return 0, nil, nil
	}

	stop := start + 2 + end + 2
	return stop, data[start:stop], nil
}

// OpenFunc starts the underlying decoder and returns its MJPEG output
type OpenFunc func(ctx context.Context) (io.ReadCloser, error)

// streamSource decodes an MJPEG stream and keeps only the newest frame
type streamSource struct {
	kind   Kind
	logger *logger.Logger
	rc     io.ReadCloser
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	latest  []byte
	seq     uint64
	width   int
	height  int
	active  bool
	decoded image.Image
	decSeq  uint64
	err     error

	closeOnce sync.Once
}

func newStreamSource(ctx context.Context, kind Kind, open OpenFunc, log *logger.Logger) (*streamSource, error) {
	ctx, cancel := context.WithCancel(ctx)
	rc, err := open(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &streamSource{
		kind:   kind,
		logger: log,
		rc:     rc,
		cancel: cancel,
		done:   make(chan struct{}),
		active: true,
	}
	go s.pump()
	return s, nil
}

func (s *streamSource) pump() {
	defer close(s.done)

	scanner := bufio.NewScanner(s.rc)
	scanner.Buffer(make([]byte, 0, 256<<10), maxFrameBytes)
	scanner.Split(splitJPEG)

	for scanner.Scan() {
		frame := scanner.Bytes()
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(frame))
		if err != nil {
			s.logger.Debug("Skipping undecodable frame", "kind", s.kind, "error", err)
			continue
		}

		buf := make([]byte, len(frame))
		copy(buf, frame)

		s.mu.Lock()
		s.latest = buf
		s.seq++
		s.width, s.height = cfg.Width, cfg.Height
		s.mu.Unlock()
	}

	err := scanner.Err()
	if endedByClose(err) {
		err = nil
	}

	s.mu.Lock()
	s.active = false
	s.err = err
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("Capture stream ended with error", "kind", s.kind, "error", err)
	} else {
		s.logger.Debug("Capture stream ended", "kind", s.kind)
	}
}

// endedByClose reports whether a read error is just the pipe being torn
// down by Close
func endedByClose(err error) bool {
	return err == nil ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, context.Canceled)
}

func (s *streamSource) Kind() Kind {
	return s.kind
}

func (s *streamSource) IntrinsicSize() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// ReadFrame decodes the newest frame on demand; frames that are never read
// are never fully decoded.
func (s *streamSource) ReadFrame() (image.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest == nil {
		return nil, false
	}
	if s.decoded != nil && s.decSeq == s.seq {
		return s.decoded, true
	}

	img, err := jpeg.Decode(bytes.NewReader(s.latest))
	if err != nil {
		s.logger.Debug("Failed to decode frame", "kind", s.kind, "error", err)
		if s.decoded != nil {
			return s.decoded, true
		}
		return nil, false
	}
	s.decoded = img
	s.decSeq = s.seq
	return img, true
}

func (s *streamSource) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Err returns the error that ended the stream, if any
func (s *streamSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the decoder and waits for the reader to exit. It is idempotent.
func (s *streamSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		if cerr := s.rc.Close(); cerr != nil {
			err = fmt.Errorf("failed to close %s source: %w", s.kind, cerr)
		}
		<-s.done
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
	})
	return err
}
