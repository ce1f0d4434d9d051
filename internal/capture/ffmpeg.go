package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/vzahanych/view-guard-meta/console/internal/config"
	"github.com/vzahanych/view-guard-meta/console/internal/logger"
)

// FFmpeg locates and runs the ffmpeg binary
type FFmpeg struct {
	logger *logger.Logger
	path   string
}

// NewFFmpeg resolves the ffmpeg executable. An explicit path is tried first.
func NewFFmpeg(path string, log *logger.Logger) (*FFmpeg, error) {
	f := &FFmpeg{logger: log}

	resolved, err := detectFFmpeg(path)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	f.path = resolved

	log.Info("FFmpeg located", "path", f.path)
	return f, nil
}

// detectFFmpeg finds the FFmpeg executable
func detectFFmpeg(preferred string) (string, error) {
	paths := []string{"ffmpeg", "/usr/bin/ffmpeg", "/usr/local/bin/ffmpeg"}
	if preferred != "" {
		paths = append([]string{preferred}, paths...)
	}

	for _, path := range paths {
		resolved, err := exec.LookPath(path)
		if err != nil {
			continue
		}
		if err := exec.Command(resolved, "-version").Run(); err == nil {
			return resolved, nil
		}
	}

	return "", fmt.Errorf("ffmpeg not found in PATH or common locations")
}

// Path returns the resolved executable path
func (f *FFmpeg) Path() string {
	return f.path
}

// Version returns the first line of `ffmpeg -version`
func (f *FFmpeg) Version(ctx context.Context) (string, error) {
	output, err := exec.CommandContext(ctx, f.path, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("failed to get ffmpeg version: %w", err)
	}

	lines := strings.Split(string(output), "\n")
	if len(lines) > 0 && strings.TrimSpace(lines[0]) != "" {
		return strings.TrimSpace(lines[0]), nil
	}
	return "unknown", nil
}

// Stream starts ffmpeg with args and returns its stdout. Closing the stream
// kills the process and reaps it.
func (f *FFmpeg) Stream(ctx context.Context, args []string) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, f.path, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open ffmpeg stdout: %w", err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	f.logger.Debug("FFmpeg started", "pid", cmd.Process.Pid, "args", strings.Join(args, " "))
	return &ffmpegStream{ReadCloser: stdout, cmd: cmd, cancel: cancel, stderr: stderr, logger: f.logger}, nil
}

type ffmpegStream struct {
	io.ReadCloser
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stderr *tailBuffer
	logger *logger.Logger
	once   sync.Once
}

func (s *ffmpegStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		if err := s.cmd.Wait(); err != nil {
			s.logger.Debug("FFmpeg exited", "error", err, "stderr", s.stderr.String())
		}
	})
	return nil
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

// Opener acquires capture streams
type Opener interface {
	OpenDevice(ctx context.Context) (Source, error)
	OpenFile(ctx context.Context, path string) (Source, error)
}

// FFmpegOpener opens sources by running ffmpeg as an MJPEG decoder
type FFmpegOpener struct {
	ffmpeg *FFmpeg
	cfg    config.CaptureConfig
	logger *logger.Logger
}

// NewFFmpegOpener creates the production opener
func NewFFmpegOpener(ffmpeg *FFmpeg, cfg config.CaptureConfig, log *logger.Logger) *FFmpegOpener {
	return &FFmpegOpener{ffmpeg: ffmpeg, cfg: cfg, logger: log}
}

// OpenDevice starts the configured camera: a V4L2 device node or an RTSP URL
func (o *FFmpegOpener) OpenDevice(ctx context.Context) (Source, error) {
	args := DeviceArgs(o.cfg)
	return newStreamSource(ctx, KindDevice, func(ctx context.Context) (io.ReadCloser, error) {
		return o.ffmpeg.Stream(ctx, args)
	}, o.logger)
}

// OpenFile decodes an uploaded file at its native frame rate
func (o *FFmpegOpener) OpenFile(ctx context.Context, path string) (Source, error) {
	args := FileArgs(path)
	return newStreamSource(ctx, KindFile, func(ctx context.Context) (io.ReadCloser, error) {
		return o.ffmpeg.Stream(ctx, args)
	}, o.logger)
}

// mjpegOutput writes high quality MJPEG frames to stdout; re-encoding for
// the analyzer happens in the sampler.
var mjpegOutput = []string{"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "2", "-"}

// DeviceArgs builds the ffmpeg arguments for the live camera
func DeviceArgs(cfg config.CaptureConfig) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}

	if strings.HasPrefix(cfg.Device, "rtsp://") || strings.HasPrefix(cfg.Device, "rtsps://") {
		args = append(args, "-rtsp_transport", "tcp", "-i", cfg.Device,
			"-vf", fmt.Sprintf("scale=%d:%d", cfg.Width, cfg.Height))
	} else {
		args = append(args, "-f", "v4l2")
		if cfg.InputFormat != "" {
			args = append(args, "-input_format", cfg.InputFormat)
		}
		args = append(args,
			"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
			"-framerate", strconv.Itoa(cfg.FrameRate),
			"-i", cfg.Device,
		)
	}

	return append(args, mjpegOutput...)
}

// FileArgs builds the ffmpeg arguments for an uploaded file
func FileArgs(path string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-re", "-i", path, "-an"}
	return append(args, mjpegOutput...)
}
