package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"
)

// encodeTestJPEG returns a solid-colour JPEG of the given size
func encodeTestJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

// recorder captures the order of acquire/release calls
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeSource struct {
	kind   Kind
	rec    *recorder
	w, h   int
	closed bool
}

func (s *fakeSource) Kind() Kind                     { return s.kind }
func (s *fakeSource) IntrinsicSize() (int, int)      { return s.w, s.h }
func (s *fakeSource) ReadFrame() (image.Image, bool) { return nil, false }
func (s *fakeSource) Active() bool                   { return !s.closed }

func (s *fakeSource) Close() error {
	if s.closed {
		return errors.New("closed twice")
	}
	s.closed = true
	s.rec.add("close " + string(s.kind))
	return nil
}

type fakeOpener struct {
	rec       *recorder
	deviceErr error
	fileErr   error
	sources   []*fakeSource
}

func (o *fakeOpener) OpenDevice(ctx context.Context) (Source, error) {
	o.rec.add("open device")
	if o.deviceErr != nil {
		return nil, o.deviceErr
	}
	s := &fakeSource{kind: KindDevice, rec: o.rec, w: 640, h: 480}
	o.sources = append(o.sources, s)
	return s, nil
}

func (o *fakeOpener) OpenFile(ctx context.Context, path string) (Source, error) {
	o.rec.add("open file " + path)
	if o.fileErr != nil {
		return nil, o.fileErr
	}
	s := &fakeSource{kind: KindFile, rec: o.rec, w: 1280, h: 720}
	o.sources = append(o.sources, s)
	return s, nil
}
